package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// KnownTransports and KnownStores are the built-in factory names. Other names
// pass validation with a warning since a custom build may register them.
var (
	KnownTransports = []string{"gemini", "genai"}
	KnownStores     = []string{"inmem", "postgres", "redis"}
)

// Load reads and validates the YAML file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Parse is [LoadFromReader] over an in-memory document. Nil or empty input
// yields the defaults.
func Parse(data []byte) (*Config, error) {
	return LoadFromReader(bytes.NewReader(data))
}

// LoadFromReader decodes one YAML document, rejecting unknown keys, then
// applies defaults and validates.
func LoadFromReader(r io.Reader) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// validator collects every problem so a user fixes the file in one pass.
type validator struct {
	errs []error
}

func (v *validator) fail(format string, args ...any) {
	v.errs = append(v.errs, fmt.Errorf(format, args...))
}

func (v *validator) check(ok bool, format string, args ...any) {
	if !ok {
		v.fail(format, args...)
	}
}

// known warns when name is set but not a built-in.
func (v *validator) known(field, name string, builtins []string) {
	if name != "" && !slices.Contains(builtins, name) {
		slog.Warn("config: unknown name, expecting a custom registration",
			"field", field, "name", name, "builtin", builtins)
	}
}

// Validate returns all problems in cfg joined into one error. Suspicious but
// workable settings are logged as warnings instead.
func Validate(cfg *Config) error {
	var v validator

	v.check(cfg.Server.LogLevel == "" || cfg.Server.LogLevel.IsValid(),
		"server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel)

	t := cfg.Transport
	v.check(t.Primary.Name != "", "transport.primary.name is required")
	v.known("transport.primary.name", t.Primary.Name, KnownTransports)
	names := []string{t.Primary.Name}
	for i, fb := range t.Fallbacks {
		field := fmt.Sprintf("transport.fallbacks[%d].name", i)
		switch {
		case fb.Name == "":
			v.fail("%s is required", field)
		case slices.Contains(names, fb.Name):
			v.fail("%s %q is already configured", field, fb.Name)
		default:
			v.known(field, fb.Name, KnownTransports)
		}
		names = append(names, fb.Name)
	}
	v.check(t.MaxFailures >= 0, "transport.max_failures must not be negative, got %d", t.MaxFailures)

	c := cfg.Credential
	switch c.Source {
	case "":
	case CredentialEnv:
		v.check(c.Env != "", "credential.env is required when source is env")
	case CredentialFile:
		v.check(c.Path != "", "credential.path is required when source is file")
	case CredentialStatic:
		if c.Key == "" {
			slog.Warn("config: credential.key is empty; sessions fail until a key is configured")
		}
	default:
		v.fail("credential.source %q is invalid; valid values: env, file, static", c.Source)
	}

	s := cfg.Store
	v.known("store.name", s.Name, KnownStores)
	switch s.Name {
	case "postgres":
		v.check(s.PostgresDSN != "", "store.postgres_dsn is required when store is postgres")
	case "redis":
		v.check(s.Redis.Addr != "", "store.redis.addr is required when store is redis")
	case "inmem":
		if s.PostgresDSN != "" {
			slog.Warn("config: store.postgres_dsn is set but store.name is inmem; history will not survive a restart")
		}
	}

	d := cfg.VAD
	v.check(d.Threshold >= 0 && d.Threshold <= 1, "vad.threshold %.3f is out of range [0, 1]", d.Threshold)
	v.check(d.StartDelay >= 0 && d.EndDelay >= 0, "vad.start_delay and vad.end_delay must not be negative")
	v.check(d.PollInterval >= 0, "vad.poll_interval must not be negative, got %s", d.PollInterval)
	v.check(d.MaxBuffered >= 0, "vad.max_buffered must not be negative, got %s", d.MaxBuffered)

	v.check(cfg.Audio.FramesPerBuffer >= 0,
		"audio.frames_per_buffer must not be negative, got %d", cfg.Audio.FramesPerBuffer)

	return errors.Join(v.errs...)
}
