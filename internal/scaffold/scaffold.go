// Package scaffold renders the deployment convention files that
// `dockhand init` drops into a project: Dockerfile, compose file, CI
// workflow, kubernetes manifests, nginx vhost, backup scripts and the
// dockhand config itself. Every template is written to pass the audit
// checkers as rendered.
package scaffold

import (
	"bytes"
	"embed"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/dockhand-sh/dockhand/internal/config"
)

//go:embed all:templates
var templateFS embed.FS

// Template delimiters. The stock {{ }} pair collides with GitHub
// Actions expressions and compose interpolation inside the rendered
// files, so project variables use [[ ]] instead.
const (
	delimLeft  = "[["
	delimRight = "]]"
)

// Vars holds the substitutions available to every template.
type Vars struct {
	// Name is the project name, used for resource names, the rate
	// limit zone and backup file prefixes.
	Name string

	// Registry is the container registry host logged into by CI.
	Registry string

	// Image is the full image reference without a tag.
	Image string

	// Version seeds the image tag in the deployment manifest.
	Version string

	// Port is the application listen port.
	Port int

	// Namespace is the kubernetes namespace for the manifests.
	Namespace string

	// Domain is the public hostname used by the ingress and vhost.
	Domain string
}

// VarsFromConfig derives template variables from project configuration.
func VarsFromConfig(cfg *config.Config) Vars {
	return Vars{
		Name:      cfg.Project.Name,
		Registry:  cfg.Project.Registry,
		Image:     cfg.Project.ImageRef(),
		Version:   "0.1.0",
		Port:      cfg.Project.Port,
		Namespace: cfg.Project.Namespace,
		Domain:    cfg.Project.Domain,
	}
}

// File is one scaffolded file: its path relative to the project root
// and the mode it is written with.
type File struct {
	Name string
	Mode os.FileMode
}

var scaffoldFiles = []File{
	{Name: "Dockerfile", Mode: 0o644},
	{Name: ".dockerignore", Mode: 0o644},
	{Name: ".gitignore", Mode: 0o644},
	{Name: "docker-compose.yml", Mode: 0o644},
	{Name: ".env.example", Mode: 0o644},
	{Name: ".github/workflows/ci.yml", Mode: 0o644},
	{Name: "deploy/k8s/deployment.yaml", Mode: 0o644},
	{Name: "deploy/k8s/service.yaml", Mode: 0o644},
	{Name: "deploy/k8s/ingress.yaml", Mode: 0o644},
	{Name: "deploy/k8s/hpa.yaml", Mode: 0o644},
	{Name: "deploy/nginx/dockhand.conf", Mode: 0o644},
	{Name: "scripts/backup.sh", Mode: 0o755},
	{Name: "scripts/restore.sh", Mode: 0o755},
	{Name: "mise.toml", Mode: 0o644},
	{Name: config.Filename, Mode: 0o644},
}

// Files returns every scaffolded file in render order.
func Files() []File {
	out := make([]File, len(scaffoldFiles))
	copy(out, scaffoldFiles)
	return out
}

// Names lists the template names in render order, for flag help and
// error messages.
func Names() []string {
	names := make([]string, len(scaffoldFiles))
	for i, f := range scaffoldFiles {
		names[i] = f.Name
	}
	return names
}

// Render produces the contents of one template with vars substituted.
func Render(name string, vars Vars) ([]byte, error) {
	raw, err := templateFS.ReadFile(path.Join("templates", name))
	if err != nil {
		return nil, fmt.Errorf("unknown template %q (valid: %s)", name, strings.Join(Names(), ", "))
	}

	tmpl, err := template.New(name).Delims(delimLeft, delimRight).Parse(string(raw))
	if err != nil {
		return nil, fmt.Errorf("parsing template %s: %w", name, err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, vars); err != nil {
		return nil, fmt.Errorf("rendering template %s: %w", name, err)
	}
	return buf.Bytes(), nil
}

// State classifies what applying an action will do to the target file.
type State string

const (
	// StateCreate means the file does not exist yet.
	StateCreate State = "create"

	// StateSkip means the file already matches the rendered content.
	StateSkip State = "skip"

	// StateOverwrite means the file exists with different content and
	// is only replaced under force.
	StateOverwrite State = "overwrite"
)

// Action is one planned write: the file, its rendered content, and how
// it relates to what is already on disk.
type Action struct {
	File    File
	Path    string
	State   State
	Content []byte
}

// Plan renders the selected templates and classifies each against the
// files already under root. Passing no names selects every template.
func Plan(root string, vars Vars, only []string) ([]Action, error) {
	selected, err := selectFiles(only)
	if err != nil {
		return nil, err
	}

	actions := make([]Action, 0, len(selected))
	for _, f := range selected {
		content, err := Render(f.Name, vars)
		if err != nil {
			return nil, err
		}

		a := Action{
			File:    f,
			Path:    filepath.Join(root, filepath.FromSlash(f.Name)),
			State:   StateCreate,
			Content: content,
		}
		existing, err := os.ReadFile(a.Path)
		switch {
		case err == nil && bytes.Equal(existing, content):
			a.State = StateSkip
		case err == nil:
			a.State = StateOverwrite
		case !os.IsNotExist(err):
			return nil, fmt.Errorf("reading %s: %w", a.Path, err)
		}
		actions = append(actions, a)
	}
	return actions, nil
}

// Apply writes planned actions to disk. Files in StateOverwrite are
// only replaced when force is set; StateSkip files are left alone. It
// returns the actions it actually wrote.
func Apply(actions []Action, force bool) ([]Action, error) {
	var written []Action
	for _, a := range actions {
		switch a.State {
		case StateSkip:
			continue
		case StateOverwrite:
			if !force {
				continue
			}
		}

		if dir := filepath.Dir(a.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return written, fmt.Errorf("creating %s: %w", dir, err)
			}
		}
		if err := os.WriteFile(a.Path, a.Content, a.File.Mode); err != nil {
			return written, fmt.Errorf("writing %s: %w", a.Path, err)
		}
		written = append(written, a)
	}
	return written, nil
}

func selectFiles(only []string) ([]File, error) {
	if len(only) == 0 {
		return Files(), nil
	}

	seen := make(map[string]bool, len(only))
	var out []File
	for _, name := range only {
		f, err := lookupFile(name)
		if err != nil {
			return nil, err
		}
		if seen[f.Name] {
			continue
		}
		seen[f.Name] = true
		out = append(out, f)
	}
	return out, nil
}

// lookupFile resolves a template by full name, or by bare filename
// when unambiguous so that --only ci.yml works without the full
// workflow path.
func lookupFile(name string) (File, error) {
	var matches []File
	for _, f := range scaffoldFiles {
		if f.Name == name {
			return f, nil
		}
		if path.Base(f.Name) == name {
			matches = append(matches, f)
		}
	}
	switch len(matches) {
	case 1:
		return matches[0], nil
	case 0:
		return File{}, fmt.Errorf("unknown template %q (valid: %s)", name, strings.Join(Names(), ", "))
	default:
		full := make([]string, len(matches))
		for i, f := range matches {
			full[i] = f.Name
		}
		return File{}, fmt.Errorf("template name %q is ambiguous (matches %s)", name, strings.Join(full, ", "))
	}
}
