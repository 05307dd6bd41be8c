// Package checks audits a project's infrastructure files against the
// deployment conventions: pinned images, health checks, resource limits,
// security headers, secret hygiene. Each checker examines one kind of file
// (Dockerfile, compose file, workflow, manifests, nginx config, env files)
// and reports findings; it never talks to the network and never mutates
// the project.
package checks

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/dockhand-sh/dockhand/internal/config"
)

// Severity classifies how urgent a finding is.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Rank orders severities from least urgent (0) to most urgent (3).
// Unknown severities rank below info.
func (s Severity) Rank() int {
	switch s {
	case SeverityInfo:
		return 0
	case SeverityWarning:
		return 1
	case SeverityError:
		return 2
	case SeverityCritical:
		return 3
	default:
		return -1
	}
}

// ParseSeverity converts a string to a Severity.
func ParseSeverity(s string) (Severity, error) {
	switch Severity(s) {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return Severity(s), nil
	default:
		return "", fmt.Errorf("unknown severity %q (valid: info, warning, error, critical)", s)
	}
}

// Finding is a single convention violation discovered by a checker.
type Finding struct {
	// Checker is the name of the checker that produced this finding.
	Checker string `json:"checker"`

	// Rule is the stable rule ID, e.g. "DF002".
	Rule string `json:"rule"`

	Severity Severity `json:"severity"`

	// File is the offending file, relative to the audit root when possible.
	File string `json:"file,omitempty"`

	// Line is 1-based; 0 means the finding applies to the whole file.
	Line int `json:"line,omitempty"`

	Message string `json:"message"`

	// Hint suggests the fix, phrased as the convention to follow.
	Hint string `json:"hint,omitempty"`
}

// Target is the project a checker inspects.
type Target struct {
	// Root is the project directory being audited.
	Root string

	// Config tunes paths, disabled checkers and severity overrides.
	Config *config.Config
}

// Paths returns the configured file locations resolved against Root.
func (t Target) Paths() config.PathsConfig {
	return t.Config.Checks.Paths.Resolve(t.Root)
}

// Rel converts an absolute path under Root back to a root-relative one
// for display. Paths outside Root pass through unchanged.
func (t Target) Rel(path string) string {
	rel, err := filepath.Rel(t.Root, path)
	if err != nil || len(rel) >= 2 && rel[:2] == ".." {
		return path
	}
	return rel
}

// Checker examines one aspect of a project.
type Checker interface {
	// Name returns the unique registry key, e.g. "dockerfile".
	Name() string

	// Describe states the convention the checker enforces.
	Describe() string

	// Check inspects the target and returns findings. A missing or broken
	// file is a finding, not an error; errors are reserved for the checker
	// itself failing (e.g. context cancellation).
	Check(ctx context.Context, target Target) ([]Finding, error)
}

// Stats summarizes a finished audit run.
type Stats struct {
	FilesScanned int              `json:"files_scanned"`
	CheckersRun  int              `json:"checkers_run"`
	BySeverity   map[Severity]int `json:"by_severity"`
}

// Report is the result of one audit run.
type Report struct {
	RunID     string        `json:"run_id"`
	Root      string        `json:"root"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Findings  []Finding     `json:"findings"`
	Stats     Stats         `json:"stats"`
}

// Worst returns the highest severity present in the report, or "" when the
// report is clean.
func (r *Report) Worst() Severity {
	worst := Severity("")
	rank := -1
	for _, f := range r.Findings {
		if f.Severity.Rank() > rank {
			rank = f.Severity.Rank()
			worst = f.Severity
		}
	}
	return worst
}

// Count returns the number of findings at exactly the given severity.
func (r *Report) Count(s Severity) int {
	return r.Stats.BySeverity[s]
}
