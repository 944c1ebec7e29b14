package app

import (
	"context"
	"testing"
	"time"

	"github.com/MrWong99/duet/pkg/memory"
	memorymock "github.com/MrWong99/duet/pkg/memory/mock"
)

func TestConversation_MirrorsSnapshots(t *testing.T) {
	t.Parallel()
	store := &memorymock.Store{}
	updates := make(chan []memory.Message, 4)
	conv := newConversation(store, "c1", "", func(msgs []memory.Message) { updates <- msgs })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- conv.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for store.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("Run did not subscribe")
		}
		time.Sleep(2 * time.Millisecond)
	}

	msgs := []memory.Message{
		{ID: "m1", Sender: memory.SenderUser, Text: "hi", Audio: "AAA="},
		{ID: "m2", Sender: memory.SenderAssistant, Text: "hello"},
	}
	store.Emit(msgs)
	<-updates

	if got := conv.Messages(); len(got) != 2 {
		t.Fatalf("Messages() = %d, want 2", len(got))
	}
	m, ok := conv.Find("m1")
	if !ok || !m.HasAudio() {
		t.Errorf("Find(m1) = %+v, %v", m, ok)
	}
	if _, ok := conv.Find("nope"); ok {
		t.Error("Find returned a message for an unknown ID")
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n := store.Subscribers(); n != 0 {
		t.Errorf("subscribers after Run = %d, want 0", n)
	}
	if n := store.CallCount("Append"); n != 0 {
		t.Errorf("Append calls = %d, want 0 without a greeting", n)
	}
}

func TestConversation_GreetsOnce(t *testing.T) {
	t.Parallel()
	store := &memorymock.Store{}
	conv := newConversation(store, "c1", Greeting("Mira"), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = conv.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for store.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("Run did not subscribe")
		}
		time.Sleep(2 * time.Millisecond)
	}
	store.Emit(nil)
	store.Emit(nil)

	for store.CallCount("Append") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("greeting was not appended")
		}
		time.Sleep(2 * time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	if n := store.CallCount("Append"); n != 1 {
		t.Errorf("Append calls = %d, want 1", n)
	}
	if got := store.Appended()[0].Text; got != "Hi there, I'm Mira! I'm here to listen and offer some positive vibes!" {
		t.Errorf("greeting = %q", got)
	}
}
