// Package playback schedules assistant speech for gapless playback and plays
// recorded user audio on demand.
//
// Assistant chunks are placed back to back on the output device's clock using
// a monotonic cursor, so discrete network messages play as one continuous
// stream. All scheduled chunks form an active set that [Scheduler.Flush]
// halts atomically on interruption. User replay uses an independent single
// slot with toggle semantics.
package playback

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/duet/pkg/audio"
)

// ErrEmptyBuffer is returned when asked to play a buffer with no samples.
var ErrEmptyBuffer = errors.New("playback: empty buffer")

// Option is a functional option for configuring a Scheduler.
type Option func(*Scheduler)

// WithDrainedHook registers fn to be called when the last active assistant
// source finishes naturally. It is not called after [Scheduler.Flush].
// fn runs on an internal goroutine.
func WithDrainedHook(fn func()) Option {
	return func(s *Scheduler) { s.onDrained = fn }
}

// WithActiveHook registers fn to be called with +1 or -1 whenever the
// assistant active set grows or shrinks.
func WithActiveHook(fn func(delta int)) Option {
	return func(s *Scheduler) { s.onActive = fn }
}

// WithUserEndedHook registers fn to be called with the message ID when a user
// replay finishes naturally.
func WithUserEndedHook(fn func(id string)) Option {
	return func(s *Scheduler) { s.onUserEnded = fn }
}

// Scheduler is safe for concurrent use.
type Scheduler struct {
	dev         audio.OutputDevice
	onDrained   func()
	onActive    func(int)
	onUserEnded func(string)

	mu     sync.Mutex
	cursor time.Duration
	gen    uint64
	nextID uint64
	active map[uint64]audio.Source

	userID  string
	userSrc audio.Source
	userGen uint64
}

// New creates a Scheduler playing on dev.
func New(dev audio.OutputDevice, opts ...Option) *Scheduler {
	s := &Scheduler{
		dev:    dev,
		active: make(map[uint64]audio.Source),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Enqueue schedules buf to start at max(cursor, now) and advances the cursor
// by its duration. It returns the scheduled start time.
func (s *Scheduler) Enqueue(buf *audio.Buffer) (time.Duration, error) {
	if buf == nil || buf.Len() == 0 {
		return 0, ErrEmptyBuffer
	}

	s.mu.Lock()
	start := max(s.cursor, s.dev.Now())
	src, err := s.dev.Play(buf, start)
	if err != nil {
		s.mu.Unlock()
		return 0, fmt.Errorf("playback: enqueue: %w", err)
	}
	s.cursor = start + buf.Duration()
	id := s.nextID
	s.nextID++
	s.active[id] = src
	gen := s.gen
	s.mu.Unlock()

	if s.onActive != nil {
		s.onActive(1)
	}
	go s.watch(gen, id, src)
	return start, nil
}

// watch removes a source from the active set when it completes. Completions
// from a generation that has since been flushed are ignored.
func (s *Scheduler) watch(gen, id uint64, src audio.Source) {
	<-src.Done()

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	if _, ok := s.active[id]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.active, id)
	drained := len(s.active) == 0
	s.mu.Unlock()

	if s.onActive != nil {
		s.onActive(-1)
	}
	if drained && s.onDrained != nil {
		s.onDrained()
	}
}

// Flush force-stops every active assistant source, clears the set and resets
// the cursor to zero. It returns the number of sources stopped.
func (s *Scheduler) Flush() int {
	s.mu.Lock()
	s.gen++
	stopped := make([]audio.Source, 0, len(s.active))
	for id, src := range s.active {
		stopped = append(stopped, src)
		delete(s.active, id)
	}
	s.cursor = 0
	s.mu.Unlock()

	for _, src := range stopped {
		src.Stop()
	}
	if s.onActive != nil && len(stopped) > 0 {
		s.onActive(-len(stopped))
	}
	if len(stopped) > 0 {
		slog.Debug("playback: flushed", "sources", len(stopped))
	}
	return len(stopped)
}

// Active returns the number of scheduled assistant sources.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Cursor returns the next start time for assistant audio.
func (s *Scheduler) Cursor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// PlayUser toggles replay of a recorded user message. A replay of a different
// message is stopped first. Requesting the message that is currently playing
// stops it and returns false.
func (s *Scheduler) PlayUser(id string, buf *audio.Buffer) (bool, error) {
	s.mu.Lock()
	if s.userSrc != nil {
		prev, prevID := s.userSrc, s.userID
		s.userSrc, s.userID = nil, ""
		s.userGen++
		s.mu.Unlock()
		prev.Stop()
		if prevID == id {
			return false, nil
		}
		s.mu.Lock()
	}
	if buf == nil || buf.Len() == 0 {
		s.mu.Unlock()
		return false, ErrEmptyBuffer
	}

	src, err := s.dev.Play(buf, s.dev.Now())
	if err != nil {
		s.mu.Unlock()
		return false, fmt.Errorf("playback: play user audio: %w", err)
	}
	s.userGen++
	gen := s.userGen
	s.userSrc, s.userID = src, id
	s.mu.Unlock()

	go func() {
		<-src.Done()
		s.mu.Lock()
		if s.userGen != gen {
			s.mu.Unlock()
			return
		}
		s.userSrc, s.userID = nil, ""
		s.mu.Unlock()
		if s.onUserEnded != nil {
			s.onUserEnded(id)
		}
	}()
	return true, nil
}

// StopUser stops the current user replay, if any.
func (s *Scheduler) StopUser() {
	s.mu.Lock()
	src := s.userSrc
	s.userSrc, s.userID = nil, ""
	s.userGen++
	s.mu.Unlock()
	if src != nil {
		src.Stop()
	}
}

// CurrentUser returns the ID of the message being replayed, or "".
func (s *Scheduler) CurrentUser() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// StopAll flushes assistant playback and stops user replay.
func (s *Scheduler) StopAll() {
	s.Flush()
	s.StopUser()
}
