// Package backup wraps the documented database dump and restore
// invocations: pg_dump into a timestamped file under the backup
// directory, optional aws s3 upload, local retention, and psql or
// pg_restore on the way back. It shells out to the same tools the
// scaffolded scripts use and never speaks the postgres wire protocol
// itself.
package backup

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dockhand-sh/dockhand/internal/config"
)

// command is one subprocess invocation with optional wired streams.
type command struct {
	name   string
	args   []string
	stdin  io.Reader
	stdout io.Writer
}

// Runner executes backups and restores against DatabaseURL.
type Runner struct {
	// DatabaseURL is the postgres connection string dumps read from
	// and restores write into.
	DatabaseURL string

	// Dir is the local backup directory.
	Dir string

	// Keep is how many local dumps to retain after a backup. Zero
	// keeps everything.
	Keep int

	// S3Bucket, when set, enables an `aws s3 cp` upload after the dump.
	S3Bucket string

	// S3Prefix is the object key prefix inside the bucket.
	S3Prefix string

	// Plain selects the pg_dump | gzip pipeline instead of the default
	// custom-format dump.
	Plain bool

	// DryRun prints the exact command lines without executing anything.
	DryRun bool

	// Out receives dry-run command lines.
	Out io.Writer

	now  func() time.Time
	look func(string) (string, error)
	exec func(ctx context.Context, c command) error
}

// New builds a Runner from backup configuration and a database URL.
func New(cfg config.BackupConfig, databaseURL string) *Runner {
	return &Runner{
		DatabaseURL: databaseURL,
		Dir:         cfg.Dir,
		Keep:        cfg.Keep,
		S3Bucket:    cfg.S3Bucket,
		S3Prefix:    cfg.S3Prefix,
		Out:         os.Stdout,
		now:         time.Now,
		look:        exec.LookPath,
		exec:        runCommand,
	}
}

// Result describes a completed (or, under dry-run, planned) backup.
type Result struct {
	// File is the local dump path.
	File string

	// Uploaded is the s3 URI the dump was copied to, if any.
	Uploaded string

	// Pruned lists local dumps removed by retention.
	Pruned []string
}

// Backup dumps the database into Dir, uploads when a bucket is
// configured, and prunes local dumps beyond Keep.
func (r *Runner) Backup(ctx context.Context) (*Result, error) {
	if r.DatabaseURL == "" {
		return nil, fmt.Errorf("no database URL: set DATABASE_URL in the environment or .env, or pass --database-url")
	}

	db := databaseName(r.DatabaseURL)
	file := filepath.Join(r.Dir, fmt.Sprintf("%s_%s%s", db, r.now().Format("20060102_150405"), r.extension()))

	if r.DryRun {
		r.printPlan(file)
		pruned, _ := r.prunable(db, file)
		for _, p := range pruned {
			fmt.Fprintf(r.Out, "rm %s\n", p)
		}
		return &Result{File: file, Uploaded: r.s3URI(file), Pruned: pruned}, nil
	}

	if _, err := r.look("pg_dump"); err != nil {
		return nil, fmt.Errorf("pg_dump not found on PATH; `dockhand doctor` lists what is missing")
	}
	if r.S3Bucket != "" {
		if _, err := r.look("aws"); err != nil {
			return nil, fmt.Errorf("aws not found on PATH but an s3 bucket is configured")
		}
	}

	if err := os.MkdirAll(r.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create backup directory: %w", err)
	}

	if err := r.dump(ctx, file); err != nil {
		_ = os.Remove(file)
		return nil, err
	}

	result := &Result{File: file}

	if uri := r.s3URI(file); uri != "" {
		if err := r.exec(ctx, command{name: "aws", args: []string{"s3", "cp", file, uri}, stdout: io.Discard}); err != nil {
			return result, fmt.Errorf("upload failed, local dump kept at %s: %w", file, err)
		}
		result.Uploaded = uri
	}

	pruned, err := r.prunable(db, file)
	if err != nil {
		return result, err
	}
	for _, p := range pruned {
		if err := os.Remove(p); err != nil {
			return result, fmt.Errorf("failed to prune %s: %w", p, err)
		}
	}
	result.Pruned = pruned

	return result, nil
}

func (r *Runner) dump(ctx context.Context, file string) error {
	if !r.Plain {
		return r.exec(ctx, command{
			name: "pg_dump",
			args: []string{"--no-owner", "--format=custom", "--file", file, r.DatabaseURL},
		})
	}

	out, err := os.Create(file)
	if err != nil {
		return fmt.Errorf("failed to create dump file: %w", err)
	}
	gz := gzip.NewWriter(out)

	runErr := r.exec(ctx, command{
		name:   "pg_dump",
		args:   []string{"--no-owner", r.DatabaseURL},
		stdout: gz,
	})
	if err := gz.Close(); err != nil && runErr == nil {
		runErr = fmt.Errorf("failed to finish gzip stream: %w", err)
	}
	if err := out.Close(); err != nil && runErr == nil {
		runErr = fmt.Errorf("failed to close dump file: %w", err)
	}
	return runErr
}

// Restore loads a dump file into the database. Plain gzipped dumps go
// through psql, custom-format dumps through pg_restore.
func (r *Runner) Restore(ctx context.Context, file string) error {
	if r.DatabaseURL == "" {
		return fmt.Errorf("no database URL: set DATABASE_URL in the environment or .env, or pass --database-url")
	}

	if r.DryRun {
		r.printRestorePlan(file)
		return nil
	}

	if _, err := os.Stat(file); err != nil {
		return fmt.Errorf("dump file %s: %w", file, err)
	}

	switch {
	case strings.HasSuffix(file, ".gz"):
		if _, err := r.look("psql"); err != nil {
			return fmt.Errorf("psql not found on PATH")
		}
		in, err := os.Open(file)
		if err != nil {
			return fmt.Errorf("failed to open dump file: %w", err)
		}
		defer func() { _ = in.Close() }()
		gz, err := gzip.NewReader(in)
		if err != nil {
			return fmt.Errorf("%s is not a gzip stream: %w", file, err)
		}
		defer func() { _ = gz.Close() }()
		return r.exec(ctx, command{
			name:  "psql",
			args:  []string{"--set", "ON_ERROR_STOP=1", r.DatabaseURL},
			stdin: gz, stdout: io.Discard,
		})

	case strings.HasSuffix(file, ".sql"):
		if _, err := r.look("psql"); err != nil {
			return fmt.Errorf("psql not found on PATH")
		}
		in, err := os.Open(file)
		if err != nil {
			return fmt.Errorf("failed to open dump file: %w", err)
		}
		defer func() { _ = in.Close() }()
		return r.exec(ctx, command{
			name:  "psql",
			args:  []string{"--set", "ON_ERROR_STOP=1", r.DatabaseURL},
			stdin: in, stdout: io.Discard,
		})

	default:
		if _, err := r.look("pg_restore"); err != nil {
			return fmt.Errorf("pg_restore not found on PATH")
		}
		return r.exec(ctx, command{
			name: "pg_restore",
			args: []string{"--clean", "--if-exists", "--no-owner", "--dbname", r.DatabaseURL, file},
		})
	}
}

func (r *Runner) extension() string {
	if r.Plain {
		return ".sql.gz"
	}
	return ".dump"
}

func (r *Runner) s3URI(file string) string {
	if r.S3Bucket == "" {
		return ""
	}
	key := filepath.Base(file)
	if r.S3Prefix != "" {
		key = path.Join(r.S3Prefix, key)
	}
	return fmt.Sprintf("s3://%s/%s", r.S3Bucket, key)
}

func (r *Runner) printPlan(file string) {
	redacted := redactURL(r.DatabaseURL)
	if r.Plain {
		fmt.Fprintf(r.Out, "pg_dump --no-owner %s | gzip > %s\n", redacted, file)
	} else {
		fmt.Fprintf(r.Out, "pg_dump --no-owner --format=custom --file %s %s\n", file, redacted)
	}
	if uri := r.s3URI(file); uri != "" {
		fmt.Fprintf(r.Out, "aws s3 cp %s %s\n", file, uri)
	}
}

func (r *Runner) printRestorePlan(file string) {
	redacted := redactURL(r.DatabaseURL)
	switch {
	case strings.HasSuffix(file, ".gz"):
		fmt.Fprintf(r.Out, "gunzip -c %s | psql --set ON_ERROR_STOP=1 %s\n", file, redacted)
	case strings.HasSuffix(file, ".sql"):
		fmt.Fprintf(r.Out, "psql --set ON_ERROR_STOP=1 %s < %s\n", redacted, file)
	default:
		fmt.Fprintf(r.Out, "pg_restore --clean --if-exists --no-owner --dbname %s %s\n", redacted, file)
	}
}

// prunable returns the dumps for db beyond the Keep newest, never
// including current. Timestamped names sort newest-last, so retention
// is a name sort.
func (r *Runner) prunable(db, current string) ([]string, error) {
	if r.Keep <= 0 {
		return nil, nil
	}

	entries, err := os.ReadDir(r.Dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read backup directory: %w", err)
	}

	var dumps []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasPrefix(name, db+"_") {
			continue
		}
		if !strings.HasSuffix(name, ".dump") && !strings.HasSuffix(name, ".sql.gz") {
			continue
		}
		full := filepath.Join(r.Dir, name)
		if full == current {
			continue
		}
		dumps = append(dumps, full)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(dumps)))

	// current occupies one retention slot once written
	keep := r.Keep - 1
	if keep < 0 {
		keep = 0
	}
	if len(dumps) <= keep {
		return nil, nil
	}
	return dumps[keep:], nil
}

// databaseName pulls the database name out of a connection URL for the
// dump filename, falling back to "db". url.Parse accepts almost any
// string, so a missing scheme is what marks a non-URL.
func databaseName(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" {
		return "db"
	}
	name := strings.TrimPrefix(u.Path, "/")
	if name == "" || strings.ContainsAny(name, "/\\") {
		return "db"
	}
	return name
}

// redactURL masks the password in a connection URL so dry-run output
// and error messages never leak credentials.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	if _, has := u.User.Password(); !has {
		return raw
	}
	u.User = url.UserPassword(u.User.Username(), "REDACTED")
	return u.String()
}

// runCommand executes a subprocess, capturing stderr for the error
// message.
func runCommand(ctx context.Context, c command) error {
	cmd := exec.CommandContext(ctx, c.name, c.args...)
	cmd.Stdin = c.stdin
	cmd.Stdout = c.stdout

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s failed: %w (stderr: %s)", c.name, err, stderrExcerpt(stderr.String()))
	}
	return nil
}

// stderrExcerpt trims tool output to the tail, which is where postgres
// tools put the actual failure.
func stderrExcerpt(s string) string {
	s = strings.TrimSpace(s)
	const max = 400
	if len(s) > max {
		s = "..." + s[len(s)-max:]
	}
	if s == "" {
		return "(no output)"
	}
	return s
}
