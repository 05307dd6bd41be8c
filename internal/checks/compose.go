package checks

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ComposeChecker enforces the local-dev conventions for docker-compose:
// pinned images, healthchecks, restart policies, health-gated startup
// ordering, named volumes for data services, and no inline secrets.
type ComposeChecker struct{}

func NewComposeChecker() *ComposeChecker { return &ComposeChecker{} }

func (c *ComposeChecker) Name() string { return "compose" }

func (c *ComposeChecker) Describe() string {
	return "docker-compose services are pinned, health-checked and secret-free"
}

func (c *ComposeChecker) files(target Target) []string {
	path := target.Paths().Compose
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	return []string{path}
}

// composeService models the subset of the compose service schema the
// checker inspects. Polymorphic fields (environment, depends_on, ports)
// stay as yaml.Node and are unpacked by hand.
type composeService struct {
	Image       string              `yaml:"image"`
	Build       yaml.Node           `yaml:"build"`
	Restart     string              `yaml:"restart"`
	Ports       []yaml.Node         `yaml:"ports"`
	Environment yaml.Node           `yaml:"environment"`
	DependsOn   yaml.Node           `yaml:"depends_on"`
	Volumes     []yaml.Node         `yaml:"volumes"`
	Healthcheck *composeHealthcheck `yaml:"healthcheck"`
}

type composeHealthcheck struct {
	Test    yaml.Node `yaml:"test"`
	Disable bool      `yaml:"disable"`
}

func (s *composeService) hasHealthcheck() bool {
	return s.Healthcheck != nil && !s.Healthcheck.Disable
}

func (c *ComposeChecker) Check(ctx context.Context, target Target) ([]Finding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path := target.Paths().Compose
	file := target.Rel(path)

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	var doc struct {
		Services map[string]yaml.Node `yaml:"services"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return []Finding{{
			Checker:  c.Name(),
			Rule:     "CP001",
			Severity: SeverityError,
			File:     file,
			Message:  fmt.Sprintf("compose file does not parse: %v", err),
		}}, nil
	}

	// Decode every service up front; CP006 needs cross-service
	// healthcheck knowledge.
	services := make(map[string]*composeService, len(doc.Services))
	lines := make(map[string]int, len(doc.Services))
	var findings []Finding
	for svcName, node := range doc.Services {
		svc := &composeService{}
		if err := node.Decode(svc); err != nil {
			findings = append(findings, Finding{
				Checker:  c.Name(),
				Rule:     "CP001",
				Severity: SeverityError,
				File:     file,
				Line:     node.Line,
				Message:  fmt.Sprintf("service %s does not decode: %v", svcName, err),
			})
			continue
		}
		services[svcName] = svc
		lines[svcName] = node.Line
	}

	names := make([]string, 0, len(services))
	for svcName := range services {
		names = append(names, svcName)
	}
	sort.Strings(names)

	for _, svcName := range names {
		findings = append(findings, c.checkService(file, svcName, services[svcName], lines[svcName], services)...)
	}
	return findings, nil
}

func (c *ComposeChecker) checkService(file, svcName string, svc *composeService, line int, all map[string]*composeService) []Finding {
	var findings []Finding

	finding := func(rule string, severity Severity, ln int, message, hint string) {
		findings = append(findings, Finding{
			Checker:  c.Name(),
			Rule:     rule,
			Severity: severity,
			File:     file,
			Line:     ln,
			Message:  message,
			Hint:     hint,
		})
	}

	// CP002: pinned image, unless the service builds locally.
	if svc.Build.Kind == 0 && unpinnedImage(svc.Image) {
		finding("CP002", SeverityError, line,
			fmt.Sprintf("service %s image %q is not pinned", svcName, svc.Image),
			"pin compose images to a version tag, e.g. postgres:16-alpine")
	}

	if !svc.hasHealthcheck() {
		finding("CP003", SeverityWarning, line,
			fmt.Sprintf("service %s has no healthcheck", svcName),
			"declare a healthcheck so depends_on can gate on service_healthy")
	}

	if svc.Restart == "" {
		finding("CP004", SeverityWarning, line,
			fmt.Sprintf("service %s has no restart policy", svcName),
			"set restart: unless-stopped for long-running services")
	}

	// CP005: inline secret values in environment.
	for _, entry := range envEntries(svc.Environment) {
		if isSecretName(entry.key) && entry.value != "" && !isVariableRef(entry.value) {
			finding("CP005", SeverityCritical, entry.line,
				fmt.Sprintf("service %s hardcodes %s in environment", svcName, entry.key),
				"reference it from the env file instead: "+entry.key+"=${"+entry.key+"}")
		}
	}

	// CP006: depends_on should gate on health when the dependency has a
	// healthcheck.
	for _, dep := range dependsOnEntries(svc.DependsOn) {
		target, known := all[dep.service]
		if !known || !target.hasHealthcheck() {
			continue
		}
		if dep.condition != "service_healthy" {
			finding("CP006", SeverityWarning, dep.line,
				fmt.Sprintf("service %s depends on %s without condition: service_healthy", svcName, dep.service),
				"use the long depends_on form so startup waits for the dependency's healthcheck")
		}
	}

	if isDataServiceImage(svc.Image) {
		// CP007: stateful services persist into named volumes.
		if !hasNamedVolume(svc.Volumes) {
			finding("CP007", SeverityWarning, line,
				fmt.Sprintf("data service %s has no named volume", svcName),
				"mount a named volume for the data directory so `docker compose down` does not destroy data")
		}

		// CP008: host-published data services should bind loopback only.
		for _, p := range svc.Ports {
			if publishedBeyondLoopback(p) {
				finding("CP008", SeverityWarning, p.Line,
					fmt.Sprintf("data service %s publishes a port on all interfaces", svcName),
					"bind to loopback, e.g. \"127.0.0.1:5432:5432\", or drop the ports entry")
			}
		}
	}

	return findings
}

type envEntry struct {
	key   string
	value string
	line  int
}

// envEntries unpacks the two environment forms: a mapping of KEY: value
// or a sequence of KEY=value strings.
func envEntries(node yaml.Node) []envEntry {
	var entries []envEntry
	switch node.Kind {
	case yaml.MappingNode:
		for i := 0; i+1 < len(node.Content); i += 2 {
			k, v := node.Content[i], node.Content[i+1]
			entries = append(entries, envEntry{key: k.Value, value: v.Value, line: k.Line})
		}
	case yaml.SequenceNode:
		for _, item := range node.Content {
			key, value, _ := strings.Cut(item.Value, "=")
			entries = append(entries, envEntry{key: key, value: value, line: item.Line})
		}
	}
	return entries
}

type dependsEntry struct {
	service   string
	condition string
	line      int
}

// dependsOnEntries unpacks the two depends_on forms: a bare sequence of
// service names or a mapping of service name to options.
func dependsOnEntries(node yaml.Node) []dependsEntry {
	var entries []dependsEntry
	switch node.Kind {
	case yaml.SequenceNode:
		for _, item := range node.Content {
			entries = append(entries, dependsEntry{service: item.Value, line: item.Line})
		}
	case yaml.MappingNode:
		for i := 0; i+1 < len(node.Content); i += 2 {
			k, v := node.Content[i], node.Content[i+1]
			entry := dependsEntry{service: k.Value, line: k.Line}
			var opts struct {
				Condition string `yaml:"condition"`
			}
			if err := v.Decode(&opts); err == nil {
				entry.condition = opts.Condition
			}
			entries = append(entries, entry)
		}
	}
	return entries
}

// hasNamedVolume reports whether any mount uses a named volume rather
// than a bind path, in either the short or long syntax.
func hasNamedVolume(volumes []yaml.Node) bool {
	for _, v := range volumes {
		switch v.Kind {
		case yaml.ScalarNode:
			source, _, ok := strings.Cut(v.Value, ":")
			if !ok {
				// Anonymous volume: a bare container path.
				continue
			}
			if !strings.HasPrefix(source, "/") && !strings.HasPrefix(source, ".") && !strings.HasPrefix(source, "~") {
				return true
			}
		case yaml.MappingNode:
			var mount struct {
				Type   string `yaml:"type"`
				Source string `yaml:"source"`
			}
			if err := v.Decode(&mount); err == nil && mount.Type == "volume" && mount.Source != "" {
				return true
			}
		}
	}
	return false
}

// publishedBeyondLoopback reports whether a ports entry publishes to a
// host interface other than 127.0.0.1, in either syntax.
func publishedBeyondLoopback(node yaml.Node) bool {
	switch node.Kind {
	case yaml.ScalarNode:
		parts := strings.Split(node.Value, ":")
		if len(parts) >= 3 {
			host := strings.Trim(parts[0], "[]")
			return host != "127.0.0.1" && host != "localhost" && host != "::1"
		}
		// HOST:CONTAINER or a bare port: published on all interfaces.
		return true
	case yaml.MappingNode:
		var port struct {
			HostIP string `yaml:"host_ip"`
		}
		if err := node.Decode(&port); err != nil {
			return true
		}
		return port.HostIP != "127.0.0.1" && port.HostIP != "localhost" && port.HostIP != "::1"
	}
	return false
}
