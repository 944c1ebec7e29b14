package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/MrWong99/duet/internal/config"
)

const (
	baseYAML = `
server:
  log_level: info
conversation:
  voice: Kore
`
	editedYAML = `
server:
  log_level: debug
conversation:
  voice: Puck
  input_language: gu-IN
`
	brokenYAML = `
server:
  log_level: bananas
`
)

// configFile writes content to a fresh config file and returns its path.
func configFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "duet.yaml")
	rewrite(t, path, content, 0)
	return path
}

// rewrite atomically replaces the file and moves its mtime by age so that
// edits made within one filesystem timestamp tick are still distinguishable.
func rewrite(t *testing.T, path, content string, age time.Duration) {
	t.Helper()
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatalf("rename %s: %v", tmp, err)
	}
	if age != 0 {
		ts := time.Now().Add(age)
		if err := os.Chtimes(path, ts, ts); err != nil {
			t.Fatalf("chtimes %s: %v", path, err)
		}
	}
}

type change struct{ old, new *config.Config }

func recordChanges() (func(old, new *config.Config), *[]change) {
	var got []change
	return func(old, new *config.Config) { got = append(got, change{old, new}) }, &got
}

func TestNewWatcher_LoadsFile(t *testing.T) {
	t.Parallel()

	w, err := config.NewWatcher(configFile(t, baseYAML), nil)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	cfg := w.Current()
	if cfg.Conversation.Voice != "Kore" {
		t.Errorf("voice = %q, want Kore", cfg.Conversation.Voice)
	}
	if cfg.Store.Name != config.DefaultStore {
		t.Errorf("store = %q, want the default %q", cfg.Store.Name, config.DefaultStore)
	}
}

func TestNewWatcher_RejectsMissingOrInvalidFile(t *testing.T) {
	t.Parallel()

	if _, err := config.NewWatcher(filepath.Join(t.TempDir(), "absent.yaml"), nil); err == nil {
		t.Error("missing file: want error")
	}
	if _, err := config.NewWatcher(configFile(t, brokenYAML), nil); err == nil {
		t.Error("invalid file: want error")
	}
}

func TestPoll_UnchangedFile(t *testing.T) {
	t.Parallel()

	fn, got := recordChanges()
	w, err := config.NewWatcher(configFile(t, baseYAML), fn)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	changed, err := w.Poll()
	if changed || err != nil {
		t.Errorf("Poll = %v, %v; want false, nil", changed, err)
	}
	if len(*got) != 0 {
		t.Errorf("callback fired %d times", len(*got))
	}
}

func TestPoll_AppliesEdit(t *testing.T) {
	t.Parallel()

	path := configFile(t, baseYAML)
	fn, got := recordChanges()
	w, err := config.NewWatcher(path, fn)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}

	rewrite(t, path, editedYAML, time.Second)
	changed, err := w.Poll()
	if !changed || err != nil {
		t.Fatalf("Poll = %v, %v; want true, nil", changed, err)
	}
	if len(*got) != 1 {
		t.Fatalf("callback fired %d times, want 1", len(*got))
	}
	c := (*got)[0]
	if c.old.Conversation.Voice != "Kore" || c.new.Conversation.Voice != "Puck" {
		t.Errorf("voices = %q -> %q", c.old.Conversation.Voice, c.new.Conversation.Voice)
	}
	if d := config.Diff(c.old, c.new); !d.SessionChanged || !d.LogLevelChanged {
		t.Errorf("Diff = %+v, want session and log level changes", d)
	}
	if w.Current() != c.new {
		t.Error("Current does not return the applied config")
	}
}

func TestPoll_TouchIsNotAChange(t *testing.T) {
	t.Parallel()

	path := configFile(t, baseYAML)
	fn, got := recordChanges()
	w, err := config.NewWatcher(path, fn)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}

	ts := time.Now().Add(time.Second)
	if err := os.Chtimes(path, ts, ts); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	if changed, err := w.Poll(); changed || err != nil {
		t.Errorf("Poll = %v, %v; want false, nil", changed, err)
	}
	if len(*got) != 0 {
		t.Errorf("callback fired %d times", len(*got))
	}
}

func TestPoll_InvalidEditKeepsConfigAndReportsOnce(t *testing.T) {
	t.Parallel()

	path := configFile(t, baseYAML)
	fn, got := recordChanges()
	w, err := config.NewWatcher(path, fn)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	before := w.Current()

	rewrite(t, path, brokenYAML, time.Second)
	if changed, err := w.Poll(); changed || err == nil {
		t.Fatalf("Poll = %v, %v; want false and an error", changed, err)
	}
	if changed, err := w.Poll(); changed || err != nil {
		t.Errorf("second Poll = %v, %v; want the broken file reported once", changed, err)
	}
	if w.Current() != before {
		t.Error("invalid edit replaced the current config")
	}

	rewrite(t, path, editedYAML, 2*time.Second)
	if changed, err := w.Poll(); !changed || err != nil {
		t.Fatalf("Poll after fix = %v, %v; want true, nil", changed, err)
	}
	if len(*got) != 1 || (*got)[0].old != before {
		t.Errorf("changes = %+v, want one from the last valid config", *got)
	}
}

func TestRun_PollsUntilStopped(t *testing.T) {
	t.Parallel()

	path := configFile(t, baseYAML)
	applied := make(chan *config.Config, 1)
	w, err := config.NewWatcher(path, func(_, next *config.Config) {
		select {
		case applied <- next:
		default:
		}
	}, config.WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()

	rewrite(t, path, editedYAML, time.Second)
	select {
	case cfg := <-applied:
		if cfg.Server.LogLevel != config.LogDebug {
			t.Errorf("log level = %q, want debug", cfg.Server.LogLevel)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("edit was not picked up")
	}

	w.Stop()
	w.Stop()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
}
