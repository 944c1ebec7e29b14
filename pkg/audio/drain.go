package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use it to release a producer goroutine whose stream is no longer consumed,
// such as the event channel of a session that is being torn down.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
