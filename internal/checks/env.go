package checks

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvChecker enforces the environment-variable conventions: .env stays
// out of git, .env.example documents every key with placeholder values,
// and the conventional service URLs are present when compose declares
// the matching services.
type EnvChecker struct{}

func NewEnvChecker() *EnvChecker { return &EnvChecker{} }

func (c *EnvChecker) Name() string { return "env" }

func (c *EnvChecker) Describe() string {
	return ".env hygiene: gitignored secrets, documented keys, placeholder examples"
}

func (c *EnvChecker) files(target Target) []string {
	var paths []string
	p := target.Paths()
	for _, path := range []string{p.EnvFile, p.EnvExample} {
		if _, err := os.Stat(path); err == nil {
			paths = append(paths, path)
		}
	}
	return paths
}

func (c *EnvChecker) Check(ctx context.Context, target Target) ([]Finding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	paths := target.Paths()
	envPath, examplePath := paths.EnvFile, paths.EnvExample
	envExists := fileExists(envPath)
	exampleExists := fileExists(examplePath)

	var findings []Finding
	finding := func(rule string, severity Severity, file, message, hint string) {
		findings = append(findings, Finding{
			Checker:  c.Name(),
			Rule:     rule,
			Severity: severity,
			File:     file,
			Message:  message,
			Hint:     hint,
		})
	}

	var env, example map[string]string
	var err error
	envParsed, exampleParsed := true, true
	if envExists {
		env, err = godotenv.Read(envPath)
		if err != nil {
			envParsed = false
			finding("EV006", SeverityError, target.Rel(envPath),
				fmt.Sprintf(".env does not parse: %v", err),
				"keep env files to machine-parseable KEY=value lines")
		}
	}
	if exampleExists {
		example, err = godotenv.Read(examplePath)
		if err != nil {
			exampleParsed = false
			finding("EV006", SeverityError, target.Rel(examplePath),
				fmt.Sprintf(".env.example does not parse: %v", err),
				"keep env files to machine-parseable KEY=value lines")
		}
	}

	if envExists {
		if !gitignoreCovers(target.Root, filepath.Base(envPath)) {
			finding("EV001", SeverityCritical, target.Rel(envPath),
				".env is not covered by .gitignore",
				"add .env to .gitignore before it gets committed; rotate anything already pushed")
		}

		if !exampleExists {
			finding("EV002", SeverityWarning, target.Rel(envPath),
				".env exists but .env.example does not",
				"commit a .env.example with every key and placeholder values")
		} else if envParsed && exampleParsed {
			var undocumented []string
			for key := range env {
				if _, ok := example[key]; !ok {
					undocumented = append(undocumented, key)
				}
			}
			if len(undocumented) > 0 {
				sort.Strings(undocumented)
				finding("EV003", SeverityWarning, target.Rel(examplePath),
					fmt.Sprintf("keys missing from .env.example: %s", strings.Join(undocumented, ", ")),
					"document every key the service reads, with a placeholder value")
			}
		}
	}

	if exampleExists && exampleParsed {
		keys := make([]string, 0, len(example))
		for key := range example {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			if looksLikeSecretValue(example[key]) {
				finding("EV004", SeverityError, target.Rel(examplePath),
					fmt.Sprintf("%s in .env.example looks like a real credential", key),
					"example files carry placeholders like changeme, never live values")
			}
		}

		for _, want := range conventionalKeys(paths.Compose) {
			if _, ok := example[want]; !ok {
				finding("EV005", SeverityWarning, target.Rel(examplePath),
					fmt.Sprintf("compose declares the backing service but .env.example lacks %s", want),
					"document the conventional connection URL so new checkouts configure themselves from the example")
			}
		}
	}

	return findings, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// gitignoreCovers reports whether any .gitignore pattern matches name.
// Negations and directory-only subtleties are ignored; the conventional
// entries (.env, *.env, .env*) all resolve correctly.
func gitignoreCovers(root, name string) bool {
	f, err := os.Open(filepath.Join(root, ".gitignore"))
	if err != nil {
		return false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		pattern := strings.TrimSpace(scanner.Text())
		if pattern == "" || strings.HasPrefix(pattern, "#") || strings.HasPrefix(pattern, "!") {
			continue
		}
		pattern = strings.TrimPrefix(pattern, "/")
		pattern = strings.TrimSuffix(pattern, "/")
		if pattern == name {
			return true
		}
		if ok, err := filepath.Match(pattern, name); err == nil && ok {
			return true
		}
	}
	return false
}

// conventionalKeys returns the connection-URL keys demanded by the data
// services the compose file declares.
func conventionalKeys(composePath string) []string {
	data, err := os.ReadFile(composePath)
	if err != nil {
		return nil
	}
	var doc struct {
		Services map[string]struct {
			Image string `yaml:"image"`
		} `yaml:"services"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil
	}

	want := make(map[string]bool)
	for _, svc := range doc.Services {
		switch imageBase(svc.Image) {
		case "postgres", "postgresql", "mysql", "mariadb":
			want["DATABASE_URL"] = true
		case "redis", "valkey":
			want["REDIS_URL"] = true
		}
	}

	keys := make([]string, 0, len(want))
	for key := range want {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
