package checks

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// maxParallelCheckers bounds how many checkers run at once. The checkers
// are I/O light, so a small limit keeps file access orderly without
// serializing the run.
const maxParallelCheckers = 4

// fileLister is implemented by checkers that can enumerate the files they
// would inspect for a target. Used for the FilesScanned stat.
type fileLister interface {
	files(target Target) []string
}

// Registry holds the known checkers.
type Registry struct {
	mu       sync.RWMutex
	checkers map[string]Checker
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{checkers: make(map[string]Checker)}
}

// Default returns a registry with every built-in checker registered.
func Default() *Registry {
	r := NewRegistry()
	for _, c := range []Checker{
		NewDockerfileChecker(),
		NewComposeChecker(),
		NewWorkflowChecker(),
		NewKubernetesChecker(),
		NewNginxChecker(),
		NewEnvChecker(),
	} {
		// Built-in names are unique by construction.
		if err := r.Register(c); err != nil {
			panic(err)
		}
	}
	return r
}

// Register adds a checker to the registry.
func (r *Registry) Register(c Checker) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := c.Name()
	if _, exists := r.checkers[name]; exists {
		return fmt.Errorf("checker %q already registered", name)
	}
	r.checkers[name] = c
	return nil
}

// Get returns a registered checker by name.
func (r *Registry) Get(name string) (Checker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, exists := r.checkers[name]
	return c, exists
}

// Names returns all registered checker names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.checkers))
	for name := range r.checkers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run executes checkers against the target and assembles a Report.
//
// With no names, every registered checker runs except those disabled in the
// target config. Explicitly named checkers run even when disabled; an
// unknown name is an error listing the valid ones. Checkers run
// concurrently; findings are merged and sorted by file, line, then rule so
// output is deterministic. Severity overrides from the config are applied
// to the merged findings.
func (r *Registry) Run(ctx context.Context, target Target, names ...string) (*Report, error) {
	selected, err := r.resolve(target, names)
	if err != nil {
		return nil, err
	}

	report := &Report{
		RunID:     uuid.New().String(),
		Root:      target.Root,
		StartedAt: time.Now(),
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelCheckers)

	for _, c := range selected {
		g.Go(func() error {
			findings, err := c.Check(gctx, target)
			if err != nil {
				return fmt.Errorf("checker %s: %w", c.Name(), err)
			}
			mu.Lock()
			report.Findings = append(report.Findings, findings...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	applyOverrides(report.Findings, target.Config.Checks.Severity)
	sortFindings(report.Findings)

	report.Duration = time.Since(report.StartedAt)
	report.Stats = Stats{
		FilesScanned: countFiles(target, selected),
		CheckersRun:  len(selected),
		BySeverity:   make(map[Severity]int),
	}
	for _, f := range report.Findings {
		report.Stats.BySeverity[f.Severity]++
	}
	return report, nil
}

// resolve expands the requested names into checkers to run.
func (r *Registry) resolve(target Target, names []string) ([]Checker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(names) == 0 {
		disabled := make(map[string]bool, len(target.Config.Checks.Disabled))
		for _, name := range target.Config.Checks.Disabled {
			disabled[name] = true
		}
		var selected []Checker
		for _, name := range sortedKeys(r.checkers) {
			if !disabled[name] {
				selected = append(selected, r.checkers[name])
			}
		}
		return selected, nil
	}

	selected := make([]Checker, 0, len(names))
	for _, name := range names {
		c, exists := r.checkers[name]
		if !exists {
			return nil, fmt.Errorf("unknown checker %q (valid: %s)",
				name, strings.Join(sortedKeys(r.checkers), ", "))
		}
		selected = append(selected, c)
	}
	return selected, nil
}

func sortedKeys(m map[string]Checker) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// applyOverrides rewrites finding severities per the config's rule-level
// overrides. Values were validated when the config loaded.
func applyOverrides(findings []Finding, overrides map[string]string) {
	if len(overrides) == 0 {
		return
	}
	for i := range findings {
		if s, ok := overrides[findings[i].Rule]; ok {
			findings[i].Severity = Severity(s)
		}
	}
}

func sortFindings(findings []Finding) {
	sort.Slice(findings, func(i, j int) bool {
		a, b := findings[i], findings[j]
		if a.File != b.File {
			return a.File < b.File
		}
		if a.Line != b.Line {
			return a.Line < b.Line
		}
		return a.Rule < b.Rule
	})
}

// countFiles sums the distinct files the selected checkers would inspect.
func countFiles(target Target, selected []Checker) int {
	seen := make(map[string]bool)
	for _, c := range selected {
		lister, ok := c.(fileLister)
		if !ok {
			continue
		}
		for _, f := range lister.files(target) {
			seen[f] = true
		}
	}
	return len(seen)
}
