package server

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestProbeRegistryRegisterDuplicate(t *testing.T) {
	reg := NewProbeRegistry()

	if err := reg.Register("database", func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	err := reg.Register("database", func(ctx context.Context) error { return nil })
	if err == nil {
		t.Fatal("expected error registering duplicate probe")
	}
	if !strings.Contains(err.Error(), "database") {
		t.Errorf("error %q does not name the probe", err)
	}
}

func TestProbeRegistryNamesSorted(t *testing.T) {
	reg := NewProbeRegistry()
	for _, name := range []string{"database", "config", "cache"} {
		if err := reg.Register(name, func(ctx context.Context) error { return nil }); err != nil {
			t.Fatalf("Register(%q): %v", name, err)
		}
	}

	names := reg.Names()
	want := []string{"cache", "config", "database"}
	if len(names) != len(want) {
		t.Fatalf("Names() = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("Names()[%d] = %q, want %q", i, names[i], want[i])
		}
	}
}

func TestRunAllReportsFailure(t *testing.T) {
	reg := NewProbeRegistry()
	mustRegister(t, reg, "config", func(ctx context.Context) error { return nil })
	mustRegister(t, reg, "database", func(ctx context.Context) error {
		return errors.New("connection refused")
	})

	results := reg.RunAll(context.Background(), time.Second)
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if !results[0].OK || results[0].Name != "config" {
		t.Errorf("config result = %+v, want ok", results[0])
	}
	if results[1].OK {
		t.Error("database probe reported ok, want failure")
	}
	if !strings.Contains(results[1].Error, "connection refused") {
		t.Errorf("database error = %q, want connection refused", results[1].Error)
	}
}

func TestRunAllRecoversPanic(t *testing.T) {
	reg := NewProbeRegistry()
	mustRegister(t, reg, "cache", func(ctx context.Context) error {
		panic("redis client not initialized")
	})

	results := reg.RunAll(context.Background(), time.Second)
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if results[0].OK {
		t.Error("panicking probe reported ok")
	}
	if !strings.Contains(results[0].Error, "panic") {
		t.Errorf("error = %q, want panic mention", results[0].Error)
	}
}

func TestRunAllTimesOutSlowProbe(t *testing.T) {
	reg := NewProbeRegistry()
	mustRegister(t, reg, "database", func(ctx context.Context) error {
		select {
		case <-time.After(2 * time.Second):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	begin := time.Now()
	results := reg.RunAll(context.Background(), 50*time.Millisecond)
	if elapsed := time.Since(begin); elapsed > time.Second {
		t.Fatalf("RunAll took %v, timeout did not apply", elapsed)
	}
	if results[0].OK {
		t.Error("slow probe reported ok, want timeout failure")
	}
	if !strings.Contains(results[0].Error, "deadline") {
		t.Errorf("error = %q, want deadline exceeded", results[0].Error)
	}
}

func TestRunAllRunsConcurrently(t *testing.T) {
	reg := NewProbeRegistry()
	sleep := func(ctx context.Context) error {
		select {
		case <-time.After(100 * time.Millisecond):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	mustRegister(t, reg, "a", sleep)
	mustRegister(t, reg, "b", sleep)
	mustRegister(t, reg, "c", sleep)

	begin := time.Now()
	results := reg.RunAll(context.Background(), time.Second)
	elapsed := time.Since(begin)

	for _, r := range results {
		if !r.OK {
			t.Errorf("probe %s failed: %s", r.Name, r.Error)
		}
	}
	// Three sequential runs would take 300ms.
	if elapsed > 250*time.Millisecond {
		t.Errorf("RunAll took %v, probes look sequential", elapsed)
	}
	if results[0].Name != "a" || results[1].Name != "b" || results[2].Name != "c" {
		t.Errorf("results out of registration order: %+v", results)
	}
}

func TestConfigProbe(t *testing.T) {
	t.Run("valid file", func(t *testing.T) {
		dir := t.TempDir()
		path := writeConfigFile(t, dir, "project:\n  name: app\n")
		if err := ConfigProbe(path)(context.Background()); err != nil {
			t.Errorf("ConfigProbe: %v", err)
		}
	})

	t.Run("broken file", func(t *testing.T) {
		dir := t.TempDir()
		path := writeConfigFile(t, dir, "project: [unclosed\n")
		if err := ConfigProbe(path)(context.Background()); err == nil {
			t.Error("expected error for unparseable config")
		}
	})
}

func mustRegister(t *testing.T, reg *ProbeRegistry, name string, check CheckFunc) {
	t.Helper()
	if err := reg.Register(name, check); err != nil {
		t.Fatalf("Register(%q): %v", name, err)
	}
}
