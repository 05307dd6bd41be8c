// Package store persists audit history in a SQLite database under the
// project's .dockhand directory. Every audit run lands as one
// audit_runs row plus its findings, which is what `dockhand history`
// reads back.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/dockhand-sh/dockhand/internal/checks"
)

// ErrRunNotFound is returned by GetRun when no stored run matches.
var ErrRunNotFound = errors.New("run not found")

// Store is a handle on the audit history database.
type Store struct {
	db *sql.DB
}

// DefaultPath returns the history database location for a project root.
func DefaultPath(root string) string {
	return filepath.Join(root, ".dockhand", "history.db")
}

// Open opens (creating if needed) the history database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// WAL keeps concurrent audit and history reads from blocking each
	// other; foreign keys make run deletion cascade to findings.
	dsn := "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(on)"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// FindingCounts breaks a run's findings down by severity.
type FindingCounts struct {
	Total    int
	Critical int
	Error    int
	Warning  int
	Info     int
}

// Worst returns the highest severity with a nonzero count, or "" for a
// clean run.
func (c FindingCounts) Worst() checks.Severity {
	switch {
	case c.Critical > 0:
		return checks.SeverityCritical
	case c.Error > 0:
		return checks.SeverityError
	case c.Warning > 0:
		return checks.SeverityWarning
	case c.Info > 0:
		return checks.SeverityInfo
	default:
		return ""
	}
}

func countFindings(findings []checks.Finding) FindingCounts {
	counts := FindingCounts{Total: len(findings)}
	for _, f := range findings {
		switch f.Severity {
		case checks.SeverityCritical:
			counts.Critical++
		case checks.SeverityError:
			counts.Error++
		case checks.SeverityWarning:
			counts.Warning++
		case checks.SeverityInfo:
			counts.Info++
		}
	}
	return counts
}

// RunSummary is one line of audit history.
type RunSummary struct {
	ID           string
	Root         string
	StartedAt    time.Time
	Duration     time.Duration
	FilesScanned int
	CheckersRun  int
	Counts       FindingCounts
}

// Run is a stored audit run with its findings.
type Run struct {
	RunSummary
	Findings []checks.Finding
}

// SaveReport stores a report and its findings in a single transaction.
func (s *Store) SaveReport(ctx context.Context, report *checks.Report) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	counts := countFindings(report.Findings)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO audit_runs (
			id, root, started_at, duration_ms, files_scanned, checkers_run,
			findings_total, findings_critical, findings_error, findings_warning, findings_info
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		report.RunID,
		report.Root,
		report.StartedAt.UTC(),
		report.Duration.Milliseconds(),
		report.Stats.FilesScanned,
		report.Stats.CheckersRun,
		counts.Total,
		counts.Critical,
		counts.Error,
		counts.Warning,
		counts.Info,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit run: %w", err)
	}

	for _, f := range report.Findings {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO findings (run_id, checker, rule, severity, file, line, message, hint)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, report.RunID, f.Checker, f.Rule, string(f.Severity), f.File, f.Line, f.Message, f.Hint)
		if err != nil {
			return fmt.Errorf("failed to insert finding: %w", err)
		}
	}

	return tx.Commit()
}

// ListRuns returns stored runs newest first. A limit <= 0 returns all.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = -1 // sqlite treats a negative LIMIT as unbounded
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, root, started_at, duration_ms, files_scanned, checkers_run,
		       findings_total, findings_critical, findings_error, findings_warning, findings_info
		FROM audit_runs
		ORDER BY started_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []RunSummary
	for rows.Next() {
		r, err := scanRunSummary(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit run rows: %w", err)
	}

	return runs, nil
}

// GetRun loads one run and its findings. The id may be a unique prefix
// of the stored run id.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	full, err := s.resolveRunID(ctx, id)
	if err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT id, root, started_at, duration_ms, files_scanned, checkers_run,
		       findings_total, findings_critical, findings_error, findings_warning, findings_info
		FROM audit_runs
		WHERE id = ?
	`, full)

	summary, err := scanRunSummary(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
		}
		return nil, err
	}

	run := &Run{RunSummary: summary}

	rows, err := s.db.QueryContext(ctx, `
		SELECT checker, rule, severity, file, line, message, hint
		FROM findings
		WHERE run_id = ?
		ORDER BY id ASC
	`, full)
	if err != nil {
		return nil, fmt.Errorf("failed to query findings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var f checks.Finding
		var severity string
		if err := rows.Scan(&f.Checker, &f.Rule, &severity, &f.File, &f.Line, &f.Message, &f.Hint); err != nil {
			return nil, fmt.Errorf("failed to scan finding: %w", err)
		}
		f.Severity = checks.Severity(severity)
		run.Findings = append(run.Findings, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating finding rows: %w", err)
	}

	return run, nil
}

// Prune deletes all but the newest keep runs and returns how many were
// removed. Findings cascade with their run.
func (s *Store) Prune(ctx context.Context, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM audit_runs
		WHERE id NOT IN (
			SELECT id FROM audit_runs
			ORDER BY started_at DESC, id DESC
			LIMIT ?
		)
	`, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune audit runs: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count pruned runs: %w", err)
	}
	return int(n), nil
}

// resolveRunID expands an id prefix to the full stored id.
func (s *Store) resolveRunID(ctx context.Context, id string) (string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM audit_runs WHERE id = ? OR id LIKE ? || '%' LIMIT 2
	`, id, id)
	if err != nil {
		return "", fmt.Errorf("failed to resolve run id: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var matches []string
	for rows.Next() {
		var full string
		if err := rows.Scan(&full); err != nil {
			return "", fmt.Errorf("failed to scan run id: %w", err)
		}
		matches = append(matches, full)
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("error iterating run id rows: %w", err)
	}

	switch len(matches) {
	case 0:
		return "", fmt.Errorf("%w: %s", ErrRunNotFound, id)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("run id %q is ambiguous", id)
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRunSummary(row rowScanner) (RunSummary, error) {
	var r RunSummary
	var durationMS int64

	err := row.Scan(
		&r.ID,
		&r.Root,
		&r.StartedAt,
		&durationMS,
		&r.FilesScanned,
		&r.CheckersRun,
		&r.Counts.Total,
		&r.Counts.Critical,
		&r.Counts.Error,
		&r.Counts.Warning,
		&r.Counts.Info,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return r, err
		}
		return r, fmt.Errorf("failed to scan audit run: %w", err)
	}

	r.Duration = time.Duration(durationMS) * time.Millisecond
	return r, nil
}
