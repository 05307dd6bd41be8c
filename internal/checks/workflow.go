package checks

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// WorkflowChecker enforces the CI conventions for GitHub Actions
// workflows: pinned actions, job timeouts, concurrency groups, least
// privilege, and no secret-leaking patterns.
//
// Workflows are walked as raw yaml.Node trees. YAML 1.1 resolves the
// bare `on` key to a boolean, so struct-tag decoding never sees it;
// node values keep the literal text.
type WorkflowChecker struct{}

func NewWorkflowChecker() *WorkflowChecker { return &WorkflowChecker{} }

func (c *WorkflowChecker) Name() string { return "workflow" }

func (c *WorkflowChecker) Describe() string {
	return "GitHub Actions workflows pin actions, time out, and hold least privilege"
}

func (c *WorkflowChecker) files(target Target) []string {
	dir := target.Paths().WorkflowDir
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext == ".yml" || ext == ".yaml" {
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(paths)
	return paths
}

func (c *WorkflowChecker) Check(ctx context.Context, target Target) ([]Finding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var findings []Finding
	for _, path := range c.files(target) {
		fs, err := c.checkFile(target, path)
		if err != nil {
			return nil, err
		}
		findings = append(findings, fs...)
	}
	return findings, nil
}

func (c *WorkflowChecker) checkFile(target Target, path string) ([]Finding, error) {
	file := target.Rel(path)

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return []Finding{{
			Checker:  c.Name(),
			Rule:     "WF001",
			Severity: SeverityError,
			File:     file,
			Message:  fmt.Sprintf("workflow does not parse: %v", err),
		}}, nil
	}
	root := documentRoot(&doc)
	if root == nil || root.Kind != yaml.MappingNode {
		return []Finding{{
			Checker:  c.Name(),
			Rule:     "WF001",
			Severity: SeverityError,
			File:     file,
			Message:  "workflow is not a YAML mapping",
		}}, nil
	}

	var findings []Finding
	finding := func(rule string, severity Severity, line int, message, hint string) {
		findings = append(findings, Finding{
			Checker:  c.Name(),
			Rule:     rule,
			Severity: severity,
			File:     file,
			Line:     line,
			Message:  message,
			Hint:     hint,
		})
	}

	jobs := mapGet(root, "jobs")

	if mapGet(root, "concurrency") == nil {
		finding("WF004", SeverityWarning, root.Line,
			"workflow has no concurrency group",
			"add a concurrency block with cancel-in-progress so superseded runs stop")
	}

	if mapGet(root, "permissions") == nil && !everyJobHasPermissions(jobs) {
		finding("WF005", SeverityError, root.Line,
			"workflow does not restrict GITHUB_TOKEN permissions",
			"add a top-level permissions block granting only what the jobs need")
	}

	dangerousTrigger := hasTrigger(root, "pull_request_target")

	if jobs != nil && jobs.Kind == yaml.MappingNode {
		for _, kv := range mapEntries(jobs) {
			jobName, job := kv[0], kv[1]
			if job.Kind != yaml.MappingNode {
				continue
			}

			// Reusable-workflow call jobs cannot set timeout-minutes.
			if mapGet(job, "uses") == nil && mapGet(job, "timeout-minutes") == nil {
				finding("WF003", SeverityWarning, jobName.Line,
					fmt.Sprintf("job %s has no timeout-minutes", jobName.Value),
					"set timeout-minutes so hung jobs release runners")
			}

			steps := mapGet(job, "steps")
			if steps == nil || steps.Kind != yaml.SequenceNode {
				continue
			}
			for _, step := range steps.Content {
				if step.Kind != yaml.MappingNode {
					continue
				}
				findings = append(findings, c.checkStep(file, jobName.Value, step, dangerousTrigger)...)
			}
		}
	}

	return findings, nil
}

func (c *WorkflowChecker) checkStep(file, jobName string, step *yaml.Node, dangerousTrigger bool) []Finding {
	var findings []Finding
	finding := func(rule string, severity Severity, line int, message, hint string) {
		findings = append(findings, Finding{
			Checker:  c.Name(),
			Rule:     rule,
			Severity: severity,
			File:     file,
			Line:     line,
			Message:  message,
			Hint:     hint,
		})
	}

	if uses := mapGet(step, "uses"); uses != nil {
		ref := uses.Value
		switch {
		case strings.HasPrefix(ref, "./"), strings.HasPrefix(ref, "docker://"):
			// Local and image actions have no floating ref to pin.
		default:
			action, version, pinned := strings.Cut(ref, "@")
			if !pinned {
				finding("WF002", SeverityError, uses.Line,
					fmt.Sprintf("job %s uses %s without a version", jobName, action),
					"pin actions to a tag or commit SHA")
			} else if version == "main" || version == "master" {
				finding("WF002", SeverityError, uses.Line,
					fmt.Sprintf("job %s uses %s@%s, a floating branch", jobName, action, version),
					"pin actions to a tag or commit SHA")
			}
		}

		if dangerousTrigger && strings.HasPrefix(ref, "actions/checkout") {
			if with := mapGet(step, "with"); with != nil {
				if r := mapGet(with, "ref"); r != nil && strings.Contains(r.Value, "pull_request.head") {
					finding("WF006", SeverityCritical, r.Line,
						fmt.Sprintf("job %s checks out the PR head under pull_request_target", jobName),
						"pull_request_target runs with secrets; never check out untrusted PR code there")
				}
			}
		}
	}

	if run := mapGet(step, "run"); run != nil {
		for i, line := range strings.Split(run.Value, "\n") {
			if strings.Contains(line, "${{ secrets.") && strings.Contains(line, "echo") {
				finding("WF007", SeverityWarning, run.Line+i,
					fmt.Sprintf("job %s echoes a secret in a run step", jobName),
					"pass secrets through env and avoid printing them; masking is best-effort")
			}
		}
	}

	return findings
}

// documentRoot unwraps the document node produced by unmarshaling into
// yaml.Node.
func documentRoot(doc *yaml.Node) *yaml.Node {
	if doc.Kind == yaml.DocumentNode && len(doc.Content) > 0 {
		return doc.Content[0]
	}
	return doc
}

// mapEntries returns the key/value node pairs of a mapping node.
func mapEntries(node *yaml.Node) [][2]*yaml.Node {
	if node == nil || node.Kind != yaml.MappingNode {
		return nil
	}
	pairs := make([][2]*yaml.Node, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		pairs = append(pairs, [2]*yaml.Node{node.Content[i], node.Content[i+1]})
	}
	return pairs
}

// mapGet returns the value node for key in a mapping node, comparing the
// literal key text so YAML 1.1 boolean keys like `on` still match.
func mapGet(node *yaml.Node, key string) *yaml.Node {
	for _, kv := range mapEntries(node) {
		if kv[0].Value == key {
			return kv[1]
		}
	}
	return nil
}

// hasTrigger reports whether the workflow's on block includes the named
// event, in any of the scalar, sequence or mapping forms.
func hasTrigger(root *yaml.Node, event string) bool {
	on := mapGet(root, "on")
	if on == nil {
		return false
	}
	switch on.Kind {
	case yaml.ScalarNode:
		return on.Value == event
	case yaml.SequenceNode:
		for _, item := range on.Content {
			if item.Value == event {
				return true
			}
		}
	case yaml.MappingNode:
		return mapGet(on, event) != nil
	}
	return false
}

// everyJobHasPermissions reports whether each job carries its own
// permissions block, which satisfies least privilege without a top-level
// one.
func everyJobHasPermissions(jobs *yaml.Node) bool {
	entries := mapEntries(jobs)
	if len(entries) == 0 {
		return false
	}
	for _, kv := range entries {
		if kv[1].Kind != yaml.MappingNode || mapGet(kv[1], "permissions") == nil {
			return false
		}
	}
	return true
}
