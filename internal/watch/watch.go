// Package watch wires fsnotify into a cancel-on-change context, which
// is how `audit --watch` knows when to re-run. Files are watched
// through their parent directory so editor rename-and-replace saves
// still register.
package watch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/dockhand-sh/dockhand/internal/config"
)

// Debounce is how long a re-run waits after a change so editor write
// bursts settle first.
const Debounce = 250 * time.Millisecond

// Paths returns what an audit watches for a project: the per-file
// conventions as files, the workflow and manifest directories as dirs.
func Paths(root string, cfg *config.Config) (files, dirs []string) {
	paths := cfg.Checks.Paths.Resolve(root)
	files = []string{
		paths.Dockerfile,
		paths.Compose,
		paths.NginxConf,
		paths.EnvFile,
		paths.EnvExample,
		filepath.Join(root, config.Filename),
	}
	dirs = []string{paths.WorkflowDir, paths.KubeDir}
	return files, dirs
}

// UntilChange returns a context that is canceled as soon as one of the
// files, or anything inside one of the dirs, is created, written,
// removed or renamed. The files do not have to exist yet; their parent
// directories do. context.Cause on the returned context says what
// changed.
func UntilChange(ctx context.Context, files, dirs []string) (context.Context, func(), error) {
	cctx, cancel := context.WithCancelCause(ctx)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		cancel(err)
		return nil, nil, err
	}

	fileSet := make(map[string]bool, len(files))
	for _, f := range files {
		fileSet[filepath.Clean(f)] = true
	}
	dirList := make([]string, 0, len(dirs))
	for _, d := range dirs {
		dirList = append(dirList, filepath.Clean(d))
	}

	relevant := func(name string) bool {
		name = filepath.Clean(name)
		if fileSet[name] {
			return true
		}
		for _, d := range dirList {
			if strings.HasPrefix(name, d+string(filepath.Separator)) {
				return true
			}
		}
		return false
	}

	go func() {
		defer w.Close()

		for {
			select {
			case <-cctx.Done():
				return
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if relevant(event.Name) {
					cancel(fmt.Errorf("%s changed (%s)", event.Name, event.Op.String()))
				}
			case _, ok := <-w.Errors:
				if !ok {
					return
				}
			}
		}
	}()

	for _, d := range watchRoots(files, dirs) {
		if err := w.Add(d); err != nil {
			cancel(err)
			_ = w.Close()
			return nil, nil, fmt.Errorf("watching %s: %w", d, err)
		}
	}

	return cctx, func() { cancel(nil) }, nil
}

// watchRoots collapses the watch set to existing directories: each dir
// itself plus every file's parent.
func watchRoots(files, dirs []string) []string {
	seen := make(map[string]bool)
	var roots []string

	add := func(dir string) {
		dir = filepath.Clean(dir)
		if seen[dir] {
			return
		}
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			return
		}
		seen[dir] = true
		roots = append(roots, dir)
	}

	for _, d := range dirs {
		add(d)
	}
	for _, f := range files {
		add(filepath.Dir(f))
	}
	return roots
}
