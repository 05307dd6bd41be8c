// Package doctor probes the local environment for the tools and
// settings the deployment conventions assume: container and cluster
// CLIs at usable versions, mise pins, the .env file, and optional live
// database and cluster connectivity.
package doctor

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
	"golang.org/x/mod/semver"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/dockhand-sh/dockhand/internal/config"
)

// Status is the outcome of one check.
type Status string

const (
	StatusOK   Status = "ok"
	StatusWarn Status = "warn"
	StatusFail Status = "fail"
	StatusSkip Status = "skip"
)

// CheckResult is one line of doctor output.
type CheckResult struct {
	Name   string
	Status Status
	Detail string
	Hint   string
}

// Doctor runs environment checks for a project root.
type Doctor struct {
	Root   string
	Config *config.Config

	// Env looks up process environment variables.
	Env func(string) string

	look    func(string) (string, error)
	version func(ctx context.Context, name string, args ...string) (string, error)
}

// New builds a Doctor with the real environment wired in.
func New(root string, cfg *config.Config) *Doctor {
	return &Doctor{
		Root:    root,
		Config:  cfg,
		Env:     os.Getenv,
		look:    exec.LookPath,
		version: runVersion,
	}
}

// tool is one PATH dependency of the conventions.
type tool struct {
	name     string
	cmd      string
	args     []string
	min      string
	purpose  string
	optional bool
}

var tools = []tool{
	{name: "docker", cmd: "docker", args: []string{"--version"}, min: "v24.0.0", purpose: "builds images and runs the compose stack"},
	{name: "docker compose", cmd: "docker", args: []string{"compose", "version"}, min: "v2.20.0", purpose: "local development stack"},
	{name: "kubectl", cmd: "kubectl", args: []string{"version", "--client", "--output=yaml"}, min: "v1.27.0", purpose: "applies the deploy/k8s manifests"},
	{name: "git", cmd: "git", args: []string{"--version"}, min: "v2.30.0", purpose: "version control"},
	{name: "mise", cmd: "mise", args: []string{"--version"}, purpose: "tool version pinning", optional: true},
	{name: "pg_dump", cmd: "pg_dump", args: []string{"--version"}, min: "v14.0.0", purpose: "database backups", optional: true},
	{name: "aws", cmd: "aws", args: []string{"--version"}, purpose: "s3 backup upload", optional: true},
}

// Run executes the offline checks: tools, mise pins, env file and URL
// shapes. Live probes are separate so the command can gate them behind
// flags.
func (d *Doctor) Run(ctx context.Context) []CheckResult {
	var results []CheckResult
	results = append(results, d.CheckTools(ctx)...)
	results = append(results, d.CheckMise(ctx)...)
	results = append(results, d.CheckEnv()...)
	return results
}

// CheckTools verifies the convention CLIs are on PATH at workable
// versions.
func (d *Doctor) CheckTools(ctx context.Context) []CheckResult {
	results := make([]CheckResult, 0, len(tools))
	for _, t := range tools {
		results = append(results, d.checkTool(ctx, t))
	}
	return results
}

func (d *Doctor) checkTool(ctx context.Context, t tool) CheckResult {
	if _, err := d.look(t.cmd); err != nil {
		status := StatusFail
		if t.optional {
			status = StatusWarn
		}
		return CheckResult{Name: t.name, Status: status, Detail: "not found on PATH", Hint: t.purpose}
	}

	out, err := d.version(ctx, t.cmd, t.args...)
	if err != nil {
		return CheckResult{Name: t.name, Status: StatusWarn, Detail: fmt.Sprintf("installed but version probe failed: %v", err)}
	}

	v := parseVersion(out)
	if v == "" {
		return CheckResult{Name: t.name, Status: StatusOK, Detail: "installed (version unknown)"}
	}
	if t.min != "" && semver.Compare(v, t.min) < 0 {
		return CheckResult{
			Name:   t.name,
			Status: StatusWarn,
			Detail: fmt.Sprintf("%s installed, want %s or newer", v, t.min),
			Hint:   t.purpose,
		}
	}
	return CheckResult{Name: t.name, Status: StatusOK, Detail: v + " installed"}
}

type miseFile struct {
	Tools map[string]any `toml:"tools"`
}

// CheckMise reads mise.toml and compares each string pin against what
// is actually on PATH.
func (d *Doctor) CheckMise(ctx context.Context) []CheckResult {
	path := filepath.Join(d.Root, "mise.toml")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return []CheckResult{{Name: "mise.toml", Status: StatusSkip, Detail: "not present"}}
	}
	if err != nil {
		return []CheckResult{{Name: "mise.toml", Status: StatusFail, Detail: fmt.Sprintf("unreadable: %v", err)}}
	}

	var mf miseFile
	if err := toml.Unmarshal(data, &mf); err != nil {
		return []CheckResult{{Name: "mise.toml", Status: StatusFail, Detail: fmt.Sprintf("does not parse: %v", err)}}
	}
	if len(mf.Tools) == 0 {
		return []CheckResult{{Name: "mise.toml", Status: StatusWarn, Detail: "no [tools] pins", Hint: "pin runtimes so every machine matches"}}
	}

	results := []CheckResult{{Name: "mise.toml", Status: StatusOK, Detail: fmt.Sprintf("%d pinned tool(s)", len(mf.Tools))}}

	names := make([]string, 0, len(mf.Tools))
	for name := range mf.Tools {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		pin, ok := mf.Tools[name].(string)
		if !ok || strings.Contains(name, ":") {
			// version tables and backend-prefixed tools are mise's
			// business, not something we can probe on PATH
			continue
		}
		results = append(results, d.checkPin(ctx, name, pin))
	}
	return results
}

func (d *Doctor) checkPin(ctx context.Context, name, pin string) CheckResult {
	checkName := "mise " + name
	if _, err := d.look(name); err != nil {
		return CheckResult{
			Name:   checkName,
			Status: StatusWarn,
			Detail: fmt.Sprintf("pinned %s but %s is not on PATH", pin, name),
			Hint:   "mise install, and make sure the shims are active",
		}
	}

	out, err := d.version(ctx, name, "--version")
	if err != nil {
		return CheckResult{Name: checkName, Status: StatusOK, Detail: fmt.Sprintf("pinned %s (installed, version unprobed)", pin)}
	}

	installed := strings.TrimPrefix(parseVersion(out), "v")
	if installed == "" {
		return CheckResult{Name: checkName, Status: StatusOK, Detail: fmt.Sprintf("pinned %s", pin)}
	}
	if !versionMatchesPin(installed, pin) {
		return CheckResult{
			Name:   checkName,
			Status: StatusWarn,
			Detail: fmt.Sprintf("pinned %s but %s is installed", pin, installed),
			Hint:   "mise install",
		}
	}
	return CheckResult{Name: checkName, Status: StatusOK, Detail: fmt.Sprintf("pinned %s, installed %s", pin, installed)}
}

// CheckEnv reports on the .env file and the shapes of the conventional
// URLs. Process environment wins over .env values, matching how the
// stack resolves them at runtime.
func (d *Doctor) CheckEnv() []CheckResult {
	var results []CheckResult
	paths := d.Config.Checks.Paths.Resolve(d.Root)

	fileVars := map[string]string{}
	if _, err := os.Stat(paths.EnvFile); os.IsNotExist(err) {
		results = append(results, CheckResult{
			Name:   ".env",
			Status: StatusWarn,
			Detail: "not present",
			Hint:   "copy .env.example and fill in real values",
		})
	} else {
		vars, err := godotenv.Read(paths.EnvFile)
		if err != nil {
			results = append(results, CheckResult{Name: ".env", Status: StatusFail, Detail: fmt.Sprintf("does not parse: %v", err)})
		} else {
			fileVars = vars
			results = append(results, CheckResult{Name: ".env", Status: StatusOK, Detail: fmt.Sprintf("%d variable(s)", len(vars))})
		}
	}

	get := func(key string) string {
		if v := d.Env(key); v != "" {
			return v
		}
		return fileVars[key]
	}

	results = append(results, urlShape("DATABASE_URL", get("DATABASE_URL"), "postgres", "postgresql"))
	results = append(results, urlShape("REDIS_URL", get("REDIS_URL"), "redis", "rediss"))
	if v := get("SUPABASE_URL"); v != "" {
		results = append(results, urlShape("SUPABASE_URL", v, "https"))
	}
	return results
}

// urlShape validates a connection URL without ever echoing its value,
// which may embed credentials.
func urlShape(name, value string, schemes ...string) CheckResult {
	if value == "" {
		return CheckResult{Name: name, Status: StatusWarn, Detail: "not set", Hint: "set it in .env or the environment"}
	}
	u, err := url.Parse(value)
	if err != nil {
		return CheckResult{Name: name, Status: StatusFail, Detail: "does not parse as a URL"}
	}
	matched := false
	for _, s := range schemes {
		if u.Scheme == s {
			matched = true
			break
		}
	}
	if !matched {
		return CheckResult{Name: name, Status: StatusFail, Detail: fmt.Sprintf("scheme %q, want %s", u.Scheme, strings.Join(schemes, " or "))}
	}
	if u.Host == "" {
		return CheckResult{Name: name, Status: StatusFail, Detail: "missing host"}
	}
	return CheckResult{Name: name, Status: StatusOK, Detail: "set, shape looks right"}
}

// CheckDatabase opens a pgx connection and pings, bounded by a short
// timeout.
func CheckDatabase(ctx context.Context, databaseURL string) CheckResult {
	if databaseURL == "" {
		return CheckResult{Name: "database", Status: StatusSkip, Detail: "no DATABASE_URL to probe"}
	}

	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	conn, err := pgx.Connect(cctx, databaseURL)
	if err != nil {
		return CheckResult{
			Name:   "database",
			Status: StatusFail,
			Detail: fmt.Sprintf("connect failed: %v", err),
			Hint:   "is postgres up? docker compose up -d db",
		}
	}
	defer func() { _ = conn.Close(cctx) }()

	if err := conn.Ping(cctx); err != nil {
		return CheckResult{Name: "database", Status: StatusFail, Detail: fmt.Sprintf("ping failed: %v", err)}
	}
	return CheckResult{Name: "database", Status: StatusOK, Detail: "connect and ping ok"}
}

// CheckCluster loads the default kubeconfig and asks the apiserver for
// its version. The discovery client carries its own timeout, so the
// context goes unused.
func CheckCluster(_ context.Context) CheckResult {
	rules := clientcmd.NewDefaultClientConfigLoadingRules()
	cfg, err := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, &clientcmd.ConfigOverrides{}).ClientConfig()
	if err != nil {
		return CheckResult{Name: "cluster", Status: StatusFail, Detail: fmt.Sprintf("kubeconfig: %v", err), Hint: "is KUBECONFIG pointed at a cluster?"}
	}
	cfg.Timeout = 5 * time.Second

	clientset, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return CheckResult{Name: "cluster", Status: StatusFail, Detail: fmt.Sprintf("building client: %v", err)}
	}

	version, err := clientset.Discovery().ServerVersion()
	if err != nil {
		return CheckResult{Name: "cluster", Status: StatusFail, Detail: fmt.Sprintf("apiserver unreachable: %v", err)}
	}
	return CheckResult{Name: "cluster", Status: StatusOK, Detail: "server " + version.GitVersion}
}

// Summary tallies results by status.
type Summary struct {
	OK   int
	Warn int
	Fail int
	Skip int
}

// Summarize counts results into a Summary.
func Summarize(results []CheckResult) Summary {
	var s Summary
	for _, r := range results {
		switch r.Status {
		case StatusOK:
			s.OK++
		case StatusWarn:
			s.Warn++
		case StatusFail:
			s.Fail++
		case StatusSkip:
			s.Skip++
		}
	}
	return s
}

var versionRe = regexp.MustCompile(`(\d+)\.(\d+)(?:\.(\d+))?`)

// parseVersion pulls the first dotted version out of tool output and
// normalizes it to a semver string.
func parseVersion(out string) string {
	m := versionRe.FindStringSubmatch(out)
	if m == nil {
		return ""
	}
	patch := m[3]
	if patch == "" {
		patch = "0"
	}
	return fmt.Sprintf("v%s.%s.%s", m[1], m[2], patch)
}

// versionMatchesPin accepts partial pins: 3.12 matches 3.12.6.
func versionMatchesPin(installed, pin string) bool {
	if installed == pin {
		return true
	}
	return strings.HasPrefix(installed, pin+".")
}

// runVersion executes a version probe with a short timeout of its own
// so one hung tool cannot stall the whole doctor run.
func runVersion(ctx context.Context, name string, args ...string) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	out, err := exec.CommandContext(cctx, name, args...).CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("%s %s failed: %w", name, strings.Join(args, " "), err)
	}
	return string(out), nil
}
