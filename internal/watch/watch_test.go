package watch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dockhand-sh/dockhand/internal/config"
)

func waitCanceled(t *testing.T, ctx context.Context) {
	t.Helper()
	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Expected context canceled after change")
	}
}

func TestUntilChangeOnFileWrite(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "Dockerfile")
	if err := os.WriteFile(target, []byte("FROM scratch\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	ctx, stop, err := UntilChange(context.Background(), []string{target}, nil)
	if err != nil {
		t.Fatalf("UntilChange failed: %v", err)
	}
	defer stop()

	if err := os.WriteFile(target, []byte("FROM alpine:3.20\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	waitCanceled(t, ctx)
	if cause := context.Cause(ctx); cause == nil || cause == context.Canceled {
		t.Errorf("Expected a change cause, got %v", cause)
	}
}

func TestUntilChangeOnFileCreation(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, ".env")

	// The file does not exist yet; its parent directory is watched.
	ctx, stop, err := UntilChange(context.Background(), []string{target}, nil)
	if err != nil {
		t.Fatalf("UntilChange failed: %v", err)
	}
	defer stop()

	if err := os.WriteFile(target, []byte("A=1\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	waitCanceled(t, ctx)
}

func TestUntilChangeIgnoresSiblings(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "Dockerfile")
	if err := os.WriteFile(target, []byte("FROM scratch\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	ctx, stop, err := UntilChange(context.Background(), []string{target}, nil)
	if err != nil {
		t.Fatalf("UntilChange failed: %v", err)
	}
	defer stop()

	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("hi\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case <-ctx.Done():
		t.Fatalf("Canceled by unrelated file: %v", context.Cause(ctx))
	case <-time.After(300 * time.Millisecond):
	}
}

func TestUntilChangeInDirectory(t *testing.T) {
	dir := t.TempDir()
	workflows := filepath.Join(dir, "workflows")
	if err := os.MkdirAll(workflows, 0o755); err != nil {
		t.Fatal(err)
	}

	ctx, stop, err := UntilChange(context.Background(), nil, []string{workflows})
	if err != nil {
		t.Fatalf("UntilChange failed: %v", err)
	}
	defer stop()

	if err := os.WriteFile(filepath.Join(workflows, "ci.yml"), []byte("name: ci\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	waitCanceled(t, ctx)
}

func TestUntilChangeStop(t *testing.T) {
	dir := t.TempDir()

	ctx, stop, err := UntilChange(context.Background(), []string{filepath.Join(dir, "x")}, nil)
	if err != nil {
		t.Fatalf("UntilChange failed: %v", err)
	}

	stop()
	waitCanceled(t, ctx)
}

func TestPaths(t *testing.T) {
	files, dirs := Paths("/proj", config.Default())

	wantFile := filepath.Join("/proj", "Dockerfile")
	found := false
	for _, f := range files {
		if f == wantFile {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected %s in watched files, got %v", wantFile, files)
	}

	if len(dirs) != 2 {
		t.Fatalf("Expected workflow and kube dirs, got %v", dirs)
	}
	for _, d := range dirs {
		if !filepath.IsAbs(d) {
			t.Errorf("Expected resolved absolute path, got %s", d)
		}
	}
}
