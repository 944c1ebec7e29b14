package redis_test

import (
	"context"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"

	"github.com/MrWong99/duet/pkg/memory"
	"github.com/MrWong99/duet/pkg/memory/memorytest"
	"github.com/MrWong99/duet/pkg/memory/redis"
)

func newStore(t *testing.T) (*redis.Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	s, err := redis.New(context.Background(), redis.Config{Addr: mr.Addr()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func TestStore(t *testing.T) {
	t.Parallel()
	memorytest.Run(t, func(t *testing.T) memory.Store {
		s, _ := newStore(t)
		return s
	})
}

func TestNew_RequiresAddr(t *testing.T) {
	t.Parallel()
	if _, err := redis.New(context.Background(), redis.Config{}); err == nil {
		t.Fatal("expected error for empty address")
	}
}

func TestNew_PingFailure(t *testing.T) {
	t.Parallel()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	addr := mr.Addr()
	mr.Close()

	if _, err := redis.New(context.Background(), redis.Config{Addr: addr}); err == nil {
		t.Fatal("expected ping error against a stopped server")
	}
}

func TestAppend_KeyLayout(t *testing.T) {
	t.Parallel()

	s, mr := newStore(t)
	if _, err := s.Append(context.Background(), "u1", memory.Message{Sender: memory.SenderUser, Text: "hi"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	items, err := mr.List("duet:conv:u1:messages")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("list length = %d, want 1", len(items))
	}
}

func TestAppend_ServerError(t *testing.T) {
	t.Parallel()

	s, mr := newStore(t)
	mr.SetError("READONLY replica")
	if _, err := s.Append(context.Background(), "u1", memory.Message{Text: "x"}); err == nil {
		t.Fatal("expected error when the server rejects commands")
	}
	if _, err := s.ActiveEntries(context.Background(), "u1"); err == nil {
		t.Fatal("expected error from ActiveEntries")
	}
}

func TestMessages_SkipsMalformed(t *testing.T) {
	t.Parallel()

	s, mr := newStore(t)
	ctx := context.Background()
	if _, err := mr.RPush("duet:conv:u1:messages", "{not json"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Append(ctx, "u1", memory.Message{Text: "ok"}); err != nil {
		t.Fatal(err)
	}
	got, err := s.Messages(ctx, "u1")
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(got) != 1 || got[0].Text != "ok" {
		t.Errorf("got %+v, want only the valid message", got)
	}
}
