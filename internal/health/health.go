// Package health serves the liveness and readiness probes of the diagnostics
// server.
//
// GET /healthz answers 200 while the process can serve HTTP. GET /readyz runs
// every registered [Checker] concurrently and answers 200 only when all of
// them pass, 503 otherwise. Both bodies are a JSON [Report].
package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const defaultTimeout = 5 * time.Second

// Checker probes one dependency. Check returns nil when the dependency is
// usable and must give up when ctx is done.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// Pinger is implemented by stores that can reach their backend.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Ping adapts a [Pinger] into a [Checker].
func Ping(name string, p Pinger) Checker {
	return Checker{Name: name, Check: p.Ping}
}

// CheckResult is the outcome of one checker within a [Report].
type CheckResult struct {
	OK       bool   `json:"ok"`
	Error    string `json:"error,omitempty"`
	Duration string `json:"duration"`
}

// Report is the JSON body of both probes.
type Report struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// Ready reports whether every check in r passed.
func (r Report) Ready() bool { return r.Status == "ok" }

// Option configures a [Handler].
type Option func(*Handler)

// WithTimeout bounds each individual check. Default 5s.
func WithTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// Handler evaluates a fixed set of checkers.
type Handler struct {
	checkers []Checker
	timeout  time.Duration
}

// New returns a Handler over checkers. The slice is copied.
func New(checkers []Checker, opts ...Option) *Handler {
	h := &Handler{
		checkers: append([]Checker(nil), checkers...),
		timeout:  defaultTimeout,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Evaluate runs all checkers concurrently and collects their results.
func (h *Handler) Evaluate(ctx context.Context) Report {
	rep := Report{Status: "ok", Checks: make(map[string]CheckResult, len(h.checkers))}
	var mu sync.Mutex

	var g errgroup.Group
	for _, c := range h.checkers {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, h.timeout)
			defer cancel()

			start := time.Now()
			err := c.Check(cctx)
			res := CheckResult{OK: err == nil, Duration: time.Since(start).Round(time.Microsecond).String()}
			if err != nil {
				res.Error = err.Error()
			}

			mu.Lock()
			rep.Checks[c.Name] = res
			if err != nil {
				rep.Status = "fail"
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return rep
}

// Register mounts both probes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.healthz)
	mux.HandleFunc("GET /readyz", h.readyz)
}

func (h *Handler) healthz(w http.ResponseWriter, _ *http.Request) {
	writeReport(w, http.StatusOK, Report{Status: "ok"})
}

func (h *Handler) readyz(w http.ResponseWriter, r *http.Request) {
	rep := h.Evaluate(r.Context())
	status := http.StatusOK
	if !rep.Ready() {
		status = http.StatusServiceUnavailable
		for name, c := range rep.Checks {
			if !c.OK {
				slog.Debug("readiness check failed", "check", name, "err", c.Error)
			}
		}
	}
	writeReport(w, status, rep)
}

func writeReport(w http.ResponseWriter, status int, rep Report) {
	body, err := json.Marshal(rep)
	if err != nil {
		http.Error(w, `{"status":"fail"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(append(body, '\n'))
}
