package memory

import (
	"context"
	"log/slog"
	"sync"
)

// LoadFunc reads the current ordered snapshot of a conversation.
type LoadFunc func(ctx context.Context) ([]Message, error)

// Follower turns change notifications into ordered snapshot deliveries.
//
// Backends call [Follower.Poke] whenever they learn that a conversation
// changed. A single goroutine reloads the snapshot and hands it to the
// subscriber. Pokes that arrive while a load is running are coalesced into one
// follow-up load, so a slow subscriber never blocks writers and always ends up
// seeing the latest state.
type Follower struct {
	load LoadFunc
	fn   func([]Message)

	ctx    context.Context
	cancel context.CancelFunc
	poke   chan struct{}
	done   chan struct{}
	once   sync.Once
}

// Follow starts a Follower and schedules the initial delivery. The follower
// stops when ctx is cancelled or [Follower.Stop] is called.
func Follow(ctx context.Context, load LoadFunc, fn func([]Message)) *Follower {
	ctx, cancel := context.WithCancel(ctx)
	f := &Follower{
		load:   load,
		fn:     fn,
		ctx:    ctx,
		cancel: cancel,
		poke:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	f.Poke()
	go f.run()
	return f
}

// Poke schedules a reload. It never blocks.
func (f *Follower) Poke() {
	select {
	case f.poke <- struct{}{}:
	default:
	}
}

// Stop cancels the follower and waits for an in-flight delivery to return.
// Safe to call more than once.
func (f *Follower) Stop() {
	f.once.Do(f.cancel)
	<-f.done
}

// Done is closed once the delivery goroutine has exited.
func (f *Follower) Done() <-chan struct{} { return f.done }

func (f *Follower) run() {
	defer close(f.done)
	for {
		select {
		case <-f.ctx.Done():
			return
		case <-f.poke:
		}
		msgs, err := f.load(f.ctx)
		if err != nil {
			if f.ctx.Err() != nil {
				return
			}
			slog.Warn("memory: snapshot load failed", "err", err)
			continue
		}
		if f.ctx.Err() != nil {
			return
		}
		f.fn(msgs)
	}
}
