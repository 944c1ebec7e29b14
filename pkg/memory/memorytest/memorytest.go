// Package memorytest holds behaviour tests shared by every [memory.Store]
// backend. Backend packages call [Run] from their own tests with a factory
// that returns a fresh, empty store.
package memorytest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/duet/pkg/memory"
)

// Factory returns an empty store. Cleanup should be registered on t.
type Factory func(t *testing.T) memory.Store

// waitTimeout bounds every wait for a subscription delivery.
const waitTimeout = 5 * time.Second

// Run executes the shared behaviour tests against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("AppendAssignsIDAndTimestamp", func(t *testing.T) { testAppendAssigns(t, newStore(t)) })
	t.Run("AppendKeepsID", func(t *testing.T) { testAppendKeepsID(t, newStore(t)) })
	t.Run("SubscribeInitialSnapshot", func(t *testing.T) { testSubscribeInitial(t, newStore(t)) })
	t.Run("SubscribeOrderedUpdates", func(t *testing.T) { testSubscribeOrdered(t, newStore(t)) })
	t.Run("SubscribeIsolatesConversations", func(t *testing.T) { testSubscribeIsolated(t, newStore(t)) })
	t.Run("Unsubscribe", func(t *testing.T) { testUnsubscribe(t, newStore(t)) })
	t.Run("ActiveEntries", func(t *testing.T) { testActiveEntries(t, newStore(t)) })
}

// Recorder collects snapshots delivered to a subscription.
type Recorder struct {
	mu    sync.Mutex
	snaps [][]memory.Message
	ch    chan struct{}
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{ch: make(chan struct{}, 1)}
}

// Func is the callback to pass to Subscribe.
func (r *Recorder) Func(msgs []memory.Message) {
	r.mu.Lock()
	r.snaps = append(r.snaps, msgs)
	r.mu.Unlock()
	select {
	case r.ch <- struct{}{}:
	default:
	}
}

// Snapshots returns all deliveries so far.
func (r *Recorder) Snapshots() [][]memory.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]memory.Message(nil), r.snaps...)
}

// WaitFor blocks until a delivered snapshot satisfies pred and returns it.
func (r *Recorder) WaitFor(t *testing.T, pred func([]memory.Message) bool) []memory.Message {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		r.mu.Lock()
		for _, s := range r.snaps {
			if pred(s) {
				r.mu.Unlock()
				return s
			}
		}
		r.mu.Unlock()
		select {
		case <-r.ch:
		case <-deadline:
			t.Fatalf("timed out waiting for snapshot; got %d deliveries", len(r.Snapshots()))
			return nil
		}
	}
}

// Len returns a predicate matching snapshots of exactly n messages.
func Len(n int) func([]memory.Message) bool {
	return func(m []memory.Message) bool { return len(m) == n }
}

func testAppendAssigns(t *testing.T, s memory.Store) {
	ctx := context.Background()
	before := time.Now().Add(-time.Second)

	id, err := s.Append(ctx, "c1", memory.Message{Sender: memory.SenderUser, Text: "hi"})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if id == "" {
		t.Fatal("Append returned empty id")
	}

	rec := NewRecorder()
	cancel, err := s.Subscribe(ctx, "c1", rec.Func)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel()

	got := rec.WaitFor(t, Len(1))[0]
	if got.ID != id {
		t.Errorf("ID = %q, want %q", got.ID, id)
	}
	if got.Timestamp.Before(before) {
		t.Errorf("Timestamp = %v, want a recent time", got.Timestamp)
	}
	if got.Sender != memory.SenderUser || got.Text != "hi" {
		t.Errorf("message = %+v", got)
	}
}

func testAppendKeepsID(t *testing.T, s memory.Store) {
	id, err := s.Append(context.Background(), "c1", memory.Message{ID: "fixed", Sender: memory.SenderAssistant, Text: "x"})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if id != "fixed" {
		t.Errorf("id = %q, want fixed", id)
	}
}

func testSubscribeInitial(t *testing.T, s memory.Store) {
	rec := NewRecorder()
	cancel, err := s.Subscribe(context.Background(), "empty", rec.Func)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel()

	got := rec.WaitFor(t, Len(0))
	if got == nil {
		t.Error("initial snapshot should be an empty non-nil slice")
	}
}

func testSubscribeOrdered(t *testing.T, s memory.Store) {
	ctx := context.Background()
	rec := NewRecorder()
	cancel, err := s.Subscribe(ctx, "c1", rec.Func)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel()
	rec.WaitFor(t, Len(0))

	texts := []string{"one", "two", "three"}
	for i, txt := range texts {
		sender := memory.SenderUser
		if i%2 == 1 {
			sender = memory.SenderAssistant
		}
		if _, err := s.Append(ctx, "c1", memory.Message{Sender: sender, Text: txt, Audio: "AAA="}); err != nil {
			t.Fatalf("Append %q: %v", txt, err)
		}
	}

	got := rec.WaitFor(t, Len(3))
	for i, txt := range texts {
		if got[i].Text != txt {
			t.Errorf("message %d = %q, want %q", i, got[i].Text, txt)
		}
	}
	if got[1].Sender != memory.SenderAssistant {
		t.Errorf("sender = %q, want assistant", got[1].Sender)
	}
	if got[0].Audio != "AAA=" {
		t.Errorf("audio = %q, want AAA=", got[0].Audio)
	}

	// Snapshots never shrink and never reorder.
	prev := -1
	for _, snap := range rec.Snapshots() {
		if len(snap) < prev {
			t.Fatalf("snapshot shrank from %d to %d", prev, len(snap))
		}
		prev = len(snap)
	}
}

func testSubscribeIsolated(t *testing.T, s memory.Store) {
	ctx := context.Background()
	rec := NewRecorder()
	cancel, err := s.Subscribe(ctx, "a", rec.Func)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel()

	if _, err := s.Append(ctx, "b", memory.Message{Sender: memory.SenderUser, Text: "other"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Append(ctx, "a", memory.Message{Sender: memory.SenderUser, Text: "mine"}); err != nil {
		t.Fatal(err)
	}
	got := rec.WaitFor(t, Len(1))
	if got[0].Text != "mine" {
		t.Errorf("got %q, want mine", got[0].Text)
	}
}

func testUnsubscribe(t *testing.T, s memory.Store) {
	ctx := context.Background()
	rec := NewRecorder()
	cancel, err := s.Subscribe(ctx, "c1", rec.Func)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	rec.WaitFor(t, Len(0))
	cancel()
	cancel()

	n := len(rec.Snapshots())
	if _, err := s.Append(ctx, "c1", memory.Message{Sender: memory.SenderUser, Text: "late"}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)
	if got := len(rec.Snapshots()); got != n {
		t.Errorf("deliveries after cancel: got %d, want %d", got, n)
	}
}

func testActiveEntries(t *testing.T, s memory.Store) {
	ctx := context.Background()
	if _, err := s.AddEntry(ctx, "c1", memory.ContextEntry{Category: "diet", Content: "vegetarian"}); err != nil {
		t.Fatalf("AddEntry: %v", err)
	}
	if _, err := s.AddEntry(ctx, "c1", memory.ContextEntry{Category: "old", Content: "gone", Status: memory.StatusArchived}); err != nil {
		t.Fatalf("AddEntry: %v", err)
	}
	if _, err := s.AddEntry(ctx, "c1", memory.ContextEntry{Category: "pets", Content: "a cat"}); err != nil {
		t.Fatalf("AddEntry: %v", err)
	}
	if _, err := s.AddEntry(ctx, "c2", memory.ContextEntry{Category: "x", Content: "y"}); err != nil {
		t.Fatalf("AddEntry: %v", err)
	}

	got, err := s.ActiveEntries(ctx, "c1")
	if err != nil {
		t.Fatalf("ActiveEntries: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d entries, want 2: %+v", len(got), got)
	}
	if got[0].Category != "diet" || got[1].Category != "pets" {
		t.Errorf("entries = %+v, want diet then pets", got)
	}
	if got[0].Status != memory.StatusActive || got[0].ID == "" {
		t.Errorf("entry not prepared: %+v", got[0])
	}

	none, err := s.ActiveEntries(ctx, "unknown")
	if err != nil {
		t.Fatalf("ActiveEntries: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("unknown conversation: got %d entries", len(none))
	}
}
