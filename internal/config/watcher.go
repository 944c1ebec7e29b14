package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Watcher polls a config file and hands every new valid version to a
// callback. An invalid edit is reported once and the previous config stays
// current until the file changes again.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)

	mu      sync.Mutex
	current *Config
	seen    stamp

	stop     chan struct{}
	stopOnce sync.Once
}

// stamp identifies one version of the file on disk. Modification time and
// size are compared first so unchanged files are never read.
type stamp struct {
	mod  time.Time
	size int64
	sum  [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Default 5s.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher reads path once and returns a watcher for it. The file must
// hold a valid config. Polling starts with [Watcher.Run].
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		onChange: onChange,
		stop:     make(chan struct{}),
	}
	for _, o := range opts {
		o(w)
	}

	cfg, st, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.current, w.seen = cfg, st
	return w, nil
}

// Current returns the last valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run calls [Watcher.Poll] every interval until ctx is done or
// [Watcher.Stop] is called. It always returns nil.
func (w *Watcher) Run(ctx context.Context) error {
	t := time.NewTicker(w.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.stop:
			return nil
		case <-t.C:
			changed, err := w.Poll()
			switch {
			case err != nil:
				slog.Warn("config: keeping previous configuration", "path", w.path, "err", err)
			case changed:
				slog.Info("config: reloaded", "path", w.path)
			}
		}
	}
}

// Stop ends [Watcher.Run]. Safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
}

// Poll checks the file once and reports whether a new config was applied.
// The callback runs on the calling goroutine, outside the watcher's lock.
func (w *Watcher) Poll() (bool, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return false, fmt.Errorf("config: stat %s: %w", w.path, err)
	}

	w.mu.Lock()
	seen := w.seen
	w.mu.Unlock()
	if info.ModTime().Equal(seen.mod) && info.Size() == seen.size {
		return false, nil
	}

	cfg, st, err := w.read()
	if err != nil {
		// Remember the broken version so it is reported once.
		w.mu.Lock()
		w.seen.mod, w.seen.size = info.ModTime(), info.Size()
		w.mu.Unlock()
		return false, err
	}

	w.mu.Lock()
	if st.sum == w.seen.sum {
		w.seen = st
		w.mu.Unlock()
		return false, nil
	}
	old := w.current
	w.current, w.seen = cfg, st
	w.mu.Unlock()

	if d := Diff(old, cfg); len(d.RestartRequired) > 0 {
		slog.Warn("config: some changes apply after a restart", "sections", d.RestartRequired)
	}
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
	return true, nil
}

func (w *Watcher) read() (*Config, stamp, error) {
	f, err := os.Open(w.path)
	if err != nil {
		return nil, stamp{}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, stamp{}, err
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, stamp{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, stamp{}, err
	}
	return cfg, stamp{mod: info.ModTime(), size: info.Size(), sum: sha256.Sum256(data)}, nil
}
