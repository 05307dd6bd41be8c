package checks

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/moby/buildkit/frontend/dockerfile/parser"
)

// DockerfileChecker enforces the image build conventions: pinned base
// images, a builder/runtime multi-stage split, a non-root runtime user,
// a HEALTHCHECK, tidy apt layers, and no secrets baked into the image.
type DockerfileChecker struct{}

func NewDockerfileChecker() *DockerfileChecker { return &DockerfileChecker{} }

func (c *DockerfileChecker) Name() string { return "dockerfile" }

func (c *DockerfileChecker) Describe() string {
	return "Dockerfile builds a pinned, multi-stage, non-root image with a HEALTHCHECK"
}

func (c *DockerfileChecker) files(target Target) []string {
	path := target.Paths().Dockerfile
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	return []string{path}
}

// dockerStage tracks what each FROM introduces.
type dockerStage struct {
	image    string
	alias    string
	line     int
	user     string
	userLine int
}

func (c *DockerfileChecker) Check(ctx context.Context, target Target) ([]Finding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path := target.Paths().Dockerfile
	file := target.Rel(path)

	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return []Finding{{
			Checker:  c.Name(),
			Rule:     "DF001",
			Severity: SeverityError,
			File:     file,
			Message:  "Dockerfile not found",
			Hint:     "every service ships a Dockerfile; scaffold one with `dockhand init --only Dockerfile`",
		}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	res, err := parser.Parse(f)
	if err != nil {
		return []Finding{{
			Checker:  c.Name(),
			Rule:     "DF001",
			Severity: SeverityError,
			File:     file,
			Message:  fmt.Sprintf("Dockerfile does not parse: %v", err),
		}}, nil
	}

	var (
		findings    []Finding
		stages      []dockerStage
		healthcheck bool
	)

	for _, node := range res.AST.Children {
		switch strings.ToLower(node.Value) {
		case "from":
			image, alias := parseFrom(node)
			stages = append(stages, dockerStage{image: image, alias: alias, line: node.StartLine})
		case "user":
			if len(stages) > 0 && node.Next != nil {
				stages[len(stages)-1].user = node.Next.Value
				stages[len(stages)-1].userLine = node.StartLine
			}
		case "healthcheck":
			healthcheck = true
		case "run":
			findings = append(findings, c.checkRun(file, node)...)
		case "add":
			if f, ok := c.checkAdd(file, node); ok {
				findings = append(findings, f)
			}
		case "env":
			findings = append(findings, c.checkEnvPairs(file, node)...)
		case "arg":
			findings = append(findings, c.checkArg(file, node)...)
		}
	}

	if len(stages) == 0 {
		findings = append(findings, Finding{
			Checker:  c.Name(),
			Rule:     "DF001",
			Severity: SeverityError,
			File:     file,
			Message:  "Dockerfile has no FROM instruction",
		})
		return findings, nil
	}

	// DF002: every FROM that names a registry image must carry a tag.
	aliases := make(map[string]bool)
	for _, st := range stages {
		refersToStage := aliases[strings.ToLower(st.image)]
		if st.alias != "" {
			aliases[strings.ToLower(st.alias)] = true
		}
		if refersToStage || st.image == "scratch" {
			continue
		}
		if unpinnedImage(st.image) {
			findings = append(findings, Finding{
				Checker:  c.Name(),
				Rule:     "DF002",
				Severity: SeverityError,
				File:     file,
				Line:     st.line,
				Message:  fmt.Sprintf("base image %q is not pinned", st.image),
				Hint:     "pin base images to a version tag, e.g. python:3.12-slim",
			})
		}
	}

	if len(stages) == 1 {
		findings = append(findings, Finding{
			Checker:  c.Name(),
			Rule:     "DF003",
			Severity: SeverityWarning,
			File:     file,
			Line:     stages[0].line,
			Message:  "single-stage build",
			Hint:     "split into a builder stage and a slim runtime stage to keep build tools out of the shipped image",
		})
	}

	final := stages[len(stages)-1]
	if final.user == "" || final.user == "root" || final.user == "0" {
		line := final.userLine
		if line == 0 {
			line = final.line
		}
		findings = append(findings, Finding{
			Checker:  c.Name(),
			Rule:     "DF004",
			Severity: SeverityError,
			File:     file,
			Line:     line,
			Message:  "final stage runs as root",
			Hint:     "create an unprivileged user and add USER to the final stage",
		})
	}

	if !healthcheck {
		findings = append(findings, Finding{
			Checker:  c.Name(),
			Rule:     "DF005",
			Severity: SeverityWarning,
			File:     file,
			Message:  "no HEALTHCHECK instruction",
			Hint:     "add a HEALTHCHECK probing the /health endpoint so orchestrators can see container state",
		})
	}

	return findings, nil
}

// parseFrom extracts the image and optional stage alias from a FROM node.
// Platform flags live in node.Flags and are ignored here.
func parseFrom(node *parser.Node) (image, alias string) {
	arg := node.Next
	if arg == nil {
		return "", ""
	}
	image = arg.Value
	if as := arg.Next; as != nil && strings.EqualFold(as.Value, "as") && as.Next != nil {
		alias = as.Next.Value
	}
	return image, alias
}

// runCommand flattens a RUN node to its shell text. Exec form arguments
// are joined with spaces.
func runCommand(node *parser.Node) string {
	var parts []string
	for arg := node.Next; arg != nil; arg = arg.Next {
		parts = append(parts, arg.Value)
	}
	return strings.Join(parts, " ")
}

func (c *DockerfileChecker) checkRun(file string, node *parser.Node) []Finding {
	cmd := runCommand(node)
	if !strings.Contains(cmd, "apt-get install") {
		return nil
	}

	var findings []Finding
	if !strings.Contains(cmd, "--no-install-recommends") {
		findings = append(findings, Finding{
			Checker:  c.Name(),
			Rule:     "DF006",
			Severity: SeverityWarning,
			File:     file,
			Line:     node.StartLine,
			Message:  "apt-get install without --no-install-recommends",
			Hint:     "install with --no-install-recommends to keep the image small",
		})
	}
	if !strings.Contains(cmd, "/var/lib/apt/lists") {
		findings = append(findings, Finding{
			Checker:  c.Name(),
			Rule:     "DF006",
			Severity: SeverityWarning,
			File:     file,
			Line:     node.StartLine,
			Message:  "apt-get install leaves the package index in the layer",
			Hint:     "end the same RUN with `rm -rf /var/lib/apt/lists/*`",
		})
	}
	return findings
}

func (c *DockerfileChecker) checkAdd(file string, node *parser.Node) (Finding, bool) {
	src := ""
	if node.Next != nil {
		src = node.Next.Value
	}
	if strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://") || isArchive(src) {
		return Finding{}, false
	}
	return Finding{
		Checker:  c.Name(),
		Rule:     "DF007",
		Severity: SeverityWarning,
		File:     file,
		Line:     node.StartLine,
		Message:  fmt.Sprintf("ADD used for plain file %q", src),
		Hint:     "use COPY unless you need ADD's URL fetch or archive extraction",
	}, true
}

func isArchive(src string) bool {
	for _, suffix := range []string{".tar", ".tar.gz", ".tgz", ".tar.bz2", ".tar.xz", ".txz"} {
		if strings.HasSuffix(src, suffix) {
			return true
		}
	}
	return false
}

// checkEnvPairs walks the key/value chain of an ENV node.
func (c *DockerfileChecker) checkEnvPairs(file string, node *parser.Node) []Finding {
	var findings []Finding
	for kv := node.Next; kv != nil && kv.Next != nil; kv = kv.Next.Next {
		if f, ok := c.secretVar(file, node.StartLine, "ENV", kv.Value, kv.Next.Value); ok {
			findings = append(findings, f)
		}
	}
	return findings
}

func (c *DockerfileChecker) checkArg(file string, node *parser.Node) []Finding {
	var findings []Finding
	for arg := node.Next; arg != nil; arg = arg.Next {
		key, value, _ := strings.Cut(arg.Value, "=")
		if f, ok := c.secretVar(file, node.StartLine, "ARG", key, value); ok {
			findings = append(findings, f)
		}
	}
	return findings
}

// secretVar flags ENV/ARG declarations whose names conventionally hold
// secrets. A literal default value makes it critical; the bare
// declaration is still an error because the value lands in the image
// config either way.
func (c *DockerfileChecker) secretVar(file string, line int, kind, key, value string) (Finding, bool) {
	if !isSecretName(key) {
		return Finding{}, false
	}
	severity := SeverityError
	message := fmt.Sprintf("%s %s puts a secret into the image configuration", kind, key)
	if value != "" && !isVariableRef(value) {
		severity = SeverityCritical
		message = fmt.Sprintf("%s %s has a hardcoded secret value", kind, key)
	}
	return Finding{
		Checker:  c.Name(),
		Rule:     "DF008",
		Severity: severity,
		File:     file,
		Line:     line,
		Message:  message,
		Hint:     "pass secrets at runtime or with `docker build --secret`; they do not belong in image layers",
	}, true
}
