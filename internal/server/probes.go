package server

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v4"

	"github.com/dockhand-sh/dockhand/internal/config"
)

// CheckFunc is one readiness probe. A nil error means ready.
type CheckFunc func(ctx context.Context) error

type probe struct {
	name  string
	check CheckFunc
}

// ProbeRegistry holds the readiness probes /ready runs.
type ProbeRegistry struct {
	mu     sync.RWMutex
	probes []probe
	byName map[string]bool
}

// NewProbeRegistry returns an empty registry.
func NewProbeRegistry() *ProbeRegistry {
	return &ProbeRegistry{byName: make(map[string]bool)}
}

// Register adds a named probe. Registering the same name twice is an
// error.
func (r *ProbeRegistry) Register(name string, check CheckFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.byName[name] {
		return fmt.Errorf("probe %q already registered", name)
	}
	r.byName[name] = true
	r.probes = append(r.probes, probe{name: name, check: check})
	return nil
}

// Names returns the registered probe names, sorted.
func (r *ProbeRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.probes))
	for _, p := range r.probes {
		names = append(names, p.name)
	}
	sort.Strings(names)
	return names
}

// ProbeResult is the outcome of one probe run.
type ProbeResult struct {
	Name     string `json:"name"`
	OK       bool   `json:"ok"`
	Error    string `json:"error,omitempty"`
	Duration int64  `json:"duration_ms"`
}

// RunAll executes every probe concurrently, each bounded by timeout
// and with panics turned into failures, so one broken dependency can
// never take the readiness endpoint down with it. Results come back in
// registration order.
func (r *ProbeRegistry) RunAll(ctx context.Context, timeout time.Duration) []ProbeResult {
	r.mu.RLock()
	probes := make([]probe, len(r.probes))
	copy(probes, r.probes)
	r.mu.RUnlock()

	results := make([]ProbeResult, len(probes))

	var wg sync.WaitGroup
	for i, p := range probes {
		wg.Add(1)
		go func(i int, p probe) {
			defer wg.Done()
			results[i] = runProbe(ctx, p, timeout)
		}(i, p)
	}
	wg.Wait()

	return results
}

func runProbe(ctx context.Context, p probe, timeout time.Duration) (result ProbeResult) {
	begin := time.Now()
	result = ProbeResult{Name: p.name, OK: true}

	defer func() {
		result.Duration = time.Since(begin).Milliseconds()
		if rec := recover(); rec != nil {
			result.OK = false
			result.Error = fmt.Sprintf("panic: %v", rec)
		}
	}()

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := p.check(cctx); err != nil {
		result.OK = false
		result.Error = err.Error()
	}
	return result
}

// ConfigProbe reports ready while the config file still loads and
// validates. A broken edit shows up on /ready before it bites a deploy.
func ConfigProbe(path string) CheckFunc {
	return func(ctx context.Context) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, err := config.Load(path)
		return err
	}
}

// DatabaseProbe pings postgres over pgx.
func DatabaseProbe(databaseURL string) CheckFunc {
	return func(ctx context.Context) error {
		conn, err := pgx.Connect(ctx, databaseURL)
		if err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		defer func() { _ = conn.Close(ctx) }()
		return conn.Ping(ctx)
	}
}
