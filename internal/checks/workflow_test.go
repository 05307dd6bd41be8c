package checks

import (
	"context"
	"testing"
)

const cleanWorkflow = `name: ci

on:
  push:
    branches: [main]
  pull_request:

permissions:
  contents: read

concurrency:
  group: ${{ github.workflow }}-${{ github.ref }}
  cancel-in-progress: true

jobs:
  test:
    runs-on: ubuntu-latest
    timeout-minutes: 15
    steps:
      - uses: actions/checkout@v4
      - uses: actions/setup-python@v5
        with:
          python-version: "3.12"
      - run: pip install -r requirements.txt
      - run: pytest
`

func checkWorkflow(t *testing.T, content string) []Finding {
	t.Helper()
	dir := t.TempDir()
	writeFile(t, dir, ".github/workflows/ci.yml", content)

	findings, err := NewWorkflowChecker().Check(context.Background(), newTarget(dir))
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	return findings
}

func TestWorkflowCheckerClean(t *testing.T) {
	findings := checkWorkflow(t, cleanWorkflow)
	if len(findings) != 0 {
		t.Errorf("Expected clean workflow to pass, got %v", findings)
	}
}

func TestWorkflowCheckerMissingDirIsSkipped(t *testing.T) {
	findings, err := NewWorkflowChecker().Check(context.Background(), newTarget(t.TempDir()))
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if len(findings) != 0 {
		t.Errorf("Expected no findings without a workflow dir, got %v", findings)
	}
}

func TestWorkflowCheckerUnparseable(t *testing.T) {
	findings := checkWorkflow(t, "jobs: [broken")
	wantRule(t, findings, "WF001")
}

func TestWorkflowCheckerActionPinning(t *testing.T) {
	t.Run("bare action", func(t *testing.T) {
		findings := checkWorkflow(t, `on: push
permissions: {contents: read}
concurrency: {group: ci}
jobs:
  test:
    runs-on: ubuntu-latest
    timeout-minutes: 10
    steps:
      - uses: actions/checkout
`)
		wantRule(t, findings, "WF002")
	})

	t.Run("floating branch", func(t *testing.T) {
		findings := checkWorkflow(t, `on: push
permissions: {contents: read}
concurrency: {group: ci}
jobs:
  test:
    runs-on: ubuntu-latest
    timeout-minutes: 10
    steps:
      - uses: someone/action@main
`)
		wantRule(t, findings, "WF002")
	})

	t.Run("local actions are exempt", func(t *testing.T) {
		findings := checkWorkflow(t, `on: push
permissions: {contents: read}
concurrency: {group: ci}
jobs:
  test:
    runs-on: ubuntu-latest
    timeout-minutes: 10
    steps:
      - uses: ./.github/actions/setup
`)
		wantNoRule(t, findings, "WF002")
	})
}

func TestWorkflowCheckerJobTimeout(t *testing.T) {
	findings := checkWorkflow(t, `on: push
permissions: {contents: read}
concurrency: {group: ci}
jobs:
  test:
    runs-on: ubuntu-latest
    steps:
      - uses: actions/checkout@v4
  reuse:
    uses: org/repo/.github/workflows/shared.yml@v1
`)
	// Only the regular job is flagged; reusable-workflow calls cannot
	// set timeout-minutes.
	if n := rulesOf(findings)["WF003"]; n != 1 {
		t.Errorf("Expected exactly 1 WF003 finding, got %d", n)
	}
}

func TestWorkflowCheckerConcurrency(t *testing.T) {
	findings := checkWorkflow(t, `on: push
permissions: {contents: read}
jobs:
  test:
    runs-on: ubuntu-latest
    timeout-minutes: 10
    steps:
      - uses: actions/checkout@v4
`)
	wantRule(t, findings, "WF004")
}

func TestWorkflowCheckerPermissions(t *testing.T) {
	t.Run("missing everywhere", func(t *testing.T) {
		findings := checkWorkflow(t, `on: push
concurrency: {group: ci}
jobs:
  test:
    runs-on: ubuntu-latest
    timeout-minutes: 10
    steps:
      - uses: actions/checkout@v4
`)
		wantRule(t, findings, "WF005")
	})

	t.Run("per-job permissions satisfy least privilege", func(t *testing.T) {
		findings := checkWorkflow(t, `on: push
concurrency: {group: ci}
jobs:
  test:
    runs-on: ubuntu-latest
    timeout-minutes: 10
    permissions: {contents: read}
    steps:
      - uses: actions/checkout@v4
`)
		wantNoRule(t, findings, "WF005")
	})
}

func TestWorkflowCheckerPullRequestTarget(t *testing.T) {
	findings := checkWorkflow(t, `on:
  pull_request_target:
permissions: {contents: read}
concurrency: {group: ci}
jobs:
  test:
    runs-on: ubuntu-latest
    timeout-minutes: 10
    steps:
      - uses: actions/checkout@v4
        with:
          ref: ${{ github.event.pull_request.head.sha }}
`)
	f, ok := findRule(findings, "WF006")
	if !ok {
		t.Fatal("Expected WF006 finding")
	}
	if f.Severity != SeverityCritical {
		t.Errorf("Expected critical severity, got %s", f.Severity)
	}
}

func TestWorkflowCheckerSecretEcho(t *testing.T) {
	findings := checkWorkflow(t, `on: push
permissions: {contents: read}
concurrency: {group: ci}
jobs:
  test:
    runs-on: ubuntu-latest
    timeout-minutes: 10
    steps:
      - run: |
          echo "deploy key is ${{ secrets.DEPLOY_KEY }}"
`)
	wantRule(t, findings, "WF007")
}
