package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/MrWong99/duet/internal/app"
	"github.com/MrWong99/duet/internal/turn"
	"github.com/MrWong99/duet/pkg/credential"
	"github.com/MrWong99/duet/pkg/memory"
)

const helpText = `commands:
  /rec          start recording
  /stop         stop recording
  /play <id>    toggle replay of a recorded message
  /open         re-open the session
  /key <key>    store a new API key
  /help         show this help
  /quit         exit
anything else is sent to the assistant as text`

// client is the part of the application the console drives.
type client interface {
	StartRecording(ctx context.Context) error
	StopRecording(ctx context.Context) error
	OpenSession(ctx context.Context) error
	SendText(ctx context.Context, text string) error
	PlayMessage(ctx context.Context, id string) (bool, error)
}

// appClient adapts [*app.App] to client.
type appClient struct{ a *app.App }

func (c appClient) StartRecording(ctx context.Context) error {
	return c.a.Controller().StartRecording(ctx)
}

func (c appClient) StopRecording(ctx context.Context) error {
	return c.a.Controller().StopRecording(ctx)
}

func (c appClient) OpenSession(ctx context.Context) error {
	return c.a.Controller().OpenSession(ctx)
}

func (c appClient) SendText(ctx context.Context, text string) error {
	return c.a.Controller().SendText(ctx, text)
}

func (c appClient) PlayMessage(ctx context.Context, id string) (bool, error) {
	return c.a.PlayMessage(ctx, id)
}

// console is the line-oriented terminal front end.
type console struct {
	in      io.Reader
	keyFile *credential.File

	// app is set once the application is built. Commands arriving before
	// that are rejected.
	app    *app.App
	client client

	mu      sync.Mutex
	out     io.Writer
	seen    map[string]bool
	last    turn.Snapshot
	started bool
}

func newConsole(in io.Reader, out io.Writer, keyFile *credential.File) *console {
	return &console{
		in:      in,
		out:     out,
		keyFile: keyFile,
		seen:    make(map[string]bool),
	}
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

// Run reads commands until ctx ends, the input is exhausted or /quit.
func (c *console) Run(ctx context.Context) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(c.in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := c.handle(ctx, line); quit {
				return nil
			}
		}
	}
}

// handle executes one input line and reports whether the user asked to quit.
func (c *console) handle(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	cl := c.client
	if cl == nil && c.app != nil {
		cl = appClient{c.app}
	}
	if cl == nil {
		c.printf("not ready yet\n")
		return false
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	var err error
	switch cmd {
	case "/quit", "/exit":
		return true
	case "/help":
		c.printf("%s\n", helpText)
	case "/rec":
		err = cl.StartRecording(ctx)
	case "/stop":
		err = cl.StopRecording(ctx)
	case "/open":
		err = cl.OpenSession(ctx)
	case "/play":
		if arg == "" {
			c.printf("usage: /play <id>\n")
			return false
		}
		id := c.resolveID(arg)
		var playing bool
		if playing, err = cl.PlayMessage(ctx, id); err == nil {
			if playing {
				c.printf("playing %s\n", arg)
			} else {
				c.printf("stopped %s\n", arg)
			}
		}
	case "/key":
		err = c.saveKey(ctx, cl, arg)
	default:
		if strings.HasPrefix(cmd, "/") {
			c.printf("unknown command %s, try /help\n", cmd)
			return false
		}
		err = cl.SendText(ctx, line)
	}
	if err != nil {
		c.printf("error: %v\n", err)
	}
	return false
}

// saveKey persists key and re-opens the session with it.
func (c *console) saveKey(ctx context.Context, cl client, key string) error {
	if c.keyFile == nil {
		return errors.New("the configured credential source is read-only, set credential.source to file")
	}
	if key == "" {
		return errors.New("usage: /key <key>")
	}
	if err := c.keyFile.Save(ctx, key); err != nil {
		return err
	}
	c.printf("API key saved\n")
	return cl.OpenSession(ctx)
}

// printMessages prints the messages of snapshot not shown before.
func (c *console) printMessages(snapshot []memory.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range snapshot {
		if c.seen[m.ID] {
			continue
		}
		c.seen[m.ID] = true
		name := "you"
		if m.Sender == memory.SenderAssistant {
			name = "assistant"
		}
		marker := ""
		if m.HasAudio() {
			marker = " ♪"
		}
		fmt.Fprintf(c.out, "[%s]%s %s: %s\n", shortID(m.ID), marker, name, m.Text)
	}
}

// printSnapshot reports state changes and warnings of the turn controller.
func (c *console) printSnapshot(s turn.Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.last
	c.last = s
	if !c.started {
		c.started = true
		prev = turn.Snapshot{}
	}

	if s.Connected != prev.Connected {
		if s.Connected {
			fmt.Fprintln(c.out, "* connected")
		} else {
			fmt.Fprintln(c.out, "* disconnected")
		}
	}
	if s.Recording != prev.Recording {
		if s.Recording {
			fmt.Fprintln(c.out, "* recording")
		} else {
			fmt.Fprintln(c.out, "* recording stopped")
		}
	}
	if s.State != prev.State {
		slog.Debug("turn state", "from", prev.State, "to", s.State)
	}
	if s.Warning != "" && s.Warning != prev.Warning {
		fmt.Fprintf(c.out, "! %s\n", s.Warning)
	}
	if s.Err != nil && (prev.Err == nil || s.Err.Error() != prev.Err.Error()) {
		fmt.Fprintf(c.out, "! %v\n", s.Err)
	}
}

// credentialProblem tells the user how to supply a working key.
func (c *console) credentialProblem(err error) {
	if c.keyFile != nil {
		c.printf("! %v\n  enter a new key with /key <key>\n", err)
		return
	}
	c.printf("! %v\n", err)
}

// resolveID expands a printed ID prefix to the full message ID. Unknown or
// ambiguous prefixes are returned unchanged.
func (c *console) resolveID(prefix string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	match := ""
	for id := range c.seen {
		if strings.HasPrefix(id, prefix) {
			if match != "" {
				return prefix
			}
			match = id
		}
	}
	if match == "" {
		return prefix
	}
	return match
}

// shortID returns the first eight characters of id, enough to address a
// message with /play.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
