// Package health reports whether the bridge is forwarding. Each forwarder
// path has its own check; modem endpoints and the broker are dependencies
// whose failures degrade the report but do not fail readiness on their own.
package health

import (
	"context"
	"encoding/json"
	"maps"
	"net/http"
	"sync"
	"time"

	"github.com/glimte/groundlink/bridge"
)

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

func (s Status) rank() int {
	switch s {
	case StatusUnhealthy:
		return 2
	case StatusDegraded:
		return 1
	default:
		return 0
	}
}

// CheckResult is one check's outcome
type CheckResult struct {
	Name      string         `json:"name"`
	Status    Status         `json:"status"`
	Message   string         `json:"message,omitempty"`
	Duration  time.Duration  `json:"duration"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Error     string         `json:"error,omitempty"`
}

type Checker interface {
	Check(ctx context.Context) CheckResult
	Name() string
}

// CheckerFunc adapts a function to Checker
type CheckerFunc struct {
	name string
	fn   func(ctx context.Context) CheckResult
}

func NewCheckerFunc(name string, fn func(ctx context.Context) CheckResult) *CheckerFunc {
	return &CheckerFunc{name: name, fn: fn}
}

func (c *CheckerFunc) Check(ctx context.Context) CheckResult { return c.fn(ctx) }

func (c *CheckerFunc) Name() string { return c.name }

// Report is the bridge's health at one instant. Status is the worst
// forwarder status, raised to degraded by any failing dependency. Ready is
// false while any forwarder is unhealthy.
type Report struct {
	Status       Status                 `json:"status"`
	Ready        bool                   `json:"ready"`
	Timestamp    time.Time              `json:"timestamp"`
	Duration     time.Duration          `json:"duration"`
	Forwarders   map[string]CheckResult `json:"forwarders"`
	Dependencies map[string]CheckResult `json:"dependencies"`
	Metadata     map[string]any         `json:"metadata,omitempty"`
}

// Registry holds the forwarder checks and dependency checks
type Registry struct {
	mu           sync.RWMutex
	forwarders   map[bridge.Path]Checker
	dependencies map[string]Checker
	metadata     map[string]any
}

func NewRegistry() *Registry {
	return &Registry{
		forwarders:   make(map[bridge.Path]Checker),
		dependencies: make(map[string]Checker),
		metadata:     make(map[string]any),
	}
}

// WatchForwarders checks both forwarder paths against state
func (r *Registry) WatchForwarders(state *bridge.State) {
	r.SetForwarder(bridge.PathDownlink, NewForwarderChecker(state, bridge.PathDownlink))
	r.SetForwarder(bridge.PathUplink, NewForwarderChecker(state, bridge.PathUplink))
}

// SetForwarder sets the check for path
func (r *Registry) SetForwarder(path bridge.Path, checker Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.forwarders[path] = checker
}

// AddDependency adds a dependency check, replacing one of the same name
func (r *Registry) AddDependency(checker Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dependencies[checker.Name()] = checker
}

func (r *Registry) RemoveDependency(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.dependencies, name)
}

func (r *Registry) SetMetadata(key string, value any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metadata[key] = value
}

// Check runs every check concurrently. A check still running when ctx is
// done is reported unhealthy.
func (r *Registry) Check(ctx context.Context) Report {
	start := time.Now()

	r.mu.RLock()
	forwarders := make(map[string]Checker, len(r.forwarders))
	for path, c := range r.forwarders {
		forwarders[string(path)] = c
	}
	dependencies := maps.Clone(r.dependencies)
	metadata := maps.Clone(r.metadata)
	r.mu.RUnlock()

	var fwd, deps map[string]CheckResult
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); fwd = runAll(ctx, forwarders) }()
	go func() { defer wg.Done(); deps = runAll(ctx, dependencies) }()
	wg.Wait()

	report := Report{
		Status:       StatusHealthy,
		Ready:        true,
		Forwarders:   fwd,
		Dependencies: deps,
		Metadata:     metadata,
	}
	for _, res := range fwd {
		if res.Status.rank() > report.Status.rank() {
			report.Status = res.Status
		}
		if res.Status == StatusUnhealthy {
			report.Ready = false
		}
	}
	for _, res := range deps {
		if res.Status != StatusHealthy && report.Status == StatusHealthy {
			report.Status = StatusDegraded
		}
	}
	report.Timestamp = time.Now()
	report.Duration = time.Since(start)
	return report
}

func runAll(ctx context.Context, checkers map[string]Checker) map[string]CheckResult {
	start := time.Now()
	results := make(map[string]CheckResult, len(checkers))
	var mu sync.Mutex
	done := make(chan struct{})

	var wg sync.WaitGroup
	for key, c := range checkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := c.Check(ctx)
			mu.Lock()
			results[key] = res
			mu.Unlock()
		}()
	}
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}

	mu.Lock()
	defer mu.Unlock()
	out := maps.Clone(results)
	for key, c := range checkers {
		if _, ok := out[key]; ok {
			continue
		}
		out[key] = CheckResult{
			Name:      c.Name(),
			Status:    StatusUnhealthy,
			Message:   "check timed out",
			Duration:  time.Since(start),
			Timestamp: time.Now(),
			Error:     ctx.Err().Error(),
		}
	}
	return out
}

// Mount registers /healthz, /livez and /readyz on mux. /healthz answers
// 503 only when unhealthy; /readyz answers 503 while a forwarder is down.
func Mount(mux *http.ServeMux, registry *Registry, timeout time.Duration) {
	e := &endpoints{registry: registry, timeout: timeout}
	mux.HandleFunc("GET /healthz", e.report)
	mux.HandleFunc("GET /readyz", e.ready)
	mux.HandleFunc("GET /livez", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("alive"))
	})
}

type endpoints struct {
	registry *Registry
	timeout  time.Duration
}

func (e *endpoints) check(r *http.Request) Report {
	ctx, cancel := context.WithTimeout(r.Context(), e.timeout)
	defer cancel()
	return e.registry.Check(ctx)
}

func (e *endpoints) report(w http.ResponseWriter, r *http.Request) {
	report := e.check(r)

	w.Header().Set("Content-Type", "application/json")
	if report.Status == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(report)
}

func (e *endpoints) ready(w http.ResponseWriter, r *http.Request) {
	if !e.check(r).Ready {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("not ready"))
		return
	}
	w.Write([]byte("ready"))
}
