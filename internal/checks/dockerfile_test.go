package checks

import (
	"context"
	"testing"
)

const cleanDockerfile = `FROM python:3.12-slim AS builder
WORKDIR /app
COPY requirements.txt .
RUN pip install --no-cache-dir --prefix=/install -r requirements.txt

FROM python:3.12-slim
RUN groupadd -r app && useradd -r -g app app
COPY --from=builder /install /usr/local
COPY . /app
WORKDIR /app
USER app
EXPOSE 8000
HEALTHCHECK --interval=30s --timeout=3s CMD python -c "import urllib.request; urllib.request.urlopen('http://localhost:8000/health')"
CMD ["uvicorn", "app.main:app", "--host", "0.0.0.0", "--port", "8000"]
`

func checkDockerfile(t *testing.T, content string) []Finding {
	t.Helper()
	dir := t.TempDir()
	writeFile(t, dir, "Dockerfile", content)

	findings, err := NewDockerfileChecker().Check(context.Background(), newTarget(dir))
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	return findings
}

func TestDockerfileCheckerClean(t *testing.T) {
	findings := checkDockerfile(t, cleanDockerfile)
	if len(findings) != 0 {
		t.Errorf("Expected clean Dockerfile to pass, got %v", findings)
	}
}

func TestDockerfileCheckerMissing(t *testing.T) {
	findings, err := NewDockerfileChecker().Check(context.Background(), newTarget(t.TempDir()))
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	wantRule(t, findings, "DF001")
	if f, _ := findRule(findings, "DF001"); f.Severity != SeverityError {
		t.Errorf("Expected DF001 severity error, got %s", f.Severity)
	}
}

func TestDockerfileCheckerUnpinnedBase(t *testing.T) {
	t.Run("no tag", func(t *testing.T) {
		findings := checkDockerfile(t, "FROM python\nUSER app\nHEALTHCHECK CMD true\nFROM python:3.12\nUSER app\n")
		wantRule(t, findings, "DF002")
	})

	t.Run("latest tag", func(t *testing.T) {
		findings := checkDockerfile(t, "FROM python:latest\nUSER app\nHEALTHCHECK CMD true\nFROM python:3.12\nUSER app\n")
		wantRule(t, findings, "DF002")
	})

	t.Run("stage alias is not an image", func(t *testing.T) {
		findings := checkDockerfile(t, "FROM python:3.12 AS builder\nFROM builder\nUSER app\nHEALTHCHECK CMD true\n")
		wantNoRule(t, findings, "DF002")
	})

	t.Run("variable base is not judged", func(t *testing.T) {
		findings := checkDockerfile(t, "ARG BASE=python:3.12\nFROM ${BASE}\nUSER app\nHEALTHCHECK CMD true\nFROM python:3.12\nUSER app\n")
		wantNoRule(t, findings, "DF002")
	})
}

func TestDockerfileCheckerSingleStage(t *testing.T) {
	findings := checkDockerfile(t, "FROM python:3.12-slim\nUSER app\nHEALTHCHECK CMD true\n")
	wantRule(t, findings, "DF003")
}

func TestDockerfileCheckerRootUser(t *testing.T) {
	t.Run("no USER at all", func(t *testing.T) {
		findings := checkDockerfile(t, "FROM python:3.12 AS b\nFROM python:3.12-slim\nHEALTHCHECK CMD true\n")
		wantRule(t, findings, "DF004")
	})

	t.Run("explicit root", func(t *testing.T) {
		findings := checkDockerfile(t, "FROM python:3.12 AS b\nFROM python:3.12-slim\nUSER root\nHEALTHCHECK CMD true\n")
		wantRule(t, findings, "DF004")
	})

	t.Run("USER in builder only", func(t *testing.T) {
		findings := checkDockerfile(t, "FROM python:3.12 AS b\nUSER app\nFROM python:3.12-slim\nHEALTHCHECK CMD true\n")
		wantRule(t, findings, "DF004")
	})
}

func TestDockerfileCheckerHealthcheck(t *testing.T) {
	findings := checkDockerfile(t, "FROM python:3.12 AS b\nFROM python:3.12-slim\nUSER app\n")
	wantRule(t, findings, "DF005")
}

func TestDockerfileCheckerAptHygiene(t *testing.T) {
	t.Run("bare install flagged twice", func(t *testing.T) {
		findings := checkDockerfile(t, "FROM debian:12 AS b\nFROM debian:12-slim\nRUN apt-get update && apt-get install -y curl\nUSER app\nHEALTHCHECK CMD true\n")
		if n := rulesOf(findings)["DF006"]; n != 2 {
			t.Errorf("Expected 2 DF006 findings, got %d", n)
		}
	})

	t.Run("tidy install passes", func(t *testing.T) {
		findings := checkDockerfile(t, "FROM debian:12 AS b\nFROM debian:12-slim\nRUN apt-get update && apt-get install -y --no-install-recommends curl && rm -rf /var/lib/apt/lists/*\nUSER app\nHEALTHCHECK CMD true\n")
		wantNoRule(t, findings, "DF006")
	})
}

func TestDockerfileCheckerAdd(t *testing.T) {
	t.Run("plain file copy", func(t *testing.T) {
		findings := checkDockerfile(t, "FROM debian:12 AS b\nFROM debian:12-slim\nADD app.py /app/\nUSER app\nHEALTHCHECK CMD true\n")
		wantRule(t, findings, "DF007")
	})

	t.Run("archive extraction allowed", func(t *testing.T) {
		findings := checkDockerfile(t, "FROM debian:12 AS b\nFROM debian:12-slim\nADD vendor.tar.gz /opt/\nUSER app\nHEALTHCHECK CMD true\n")
		wantNoRule(t, findings, "DF007")
	})

	t.Run("url fetch allowed", func(t *testing.T) {
		findings := checkDockerfile(t, "FROM debian:12 AS b\nFROM debian:12-slim\nADD https://example.com/tool /usr/local/bin/\nUSER app\nHEALTHCHECK CMD true\n")
		wantNoRule(t, findings, "DF007")
	})
}

func TestDockerfileCheckerSecrets(t *testing.T) {
	t.Run("hardcoded env secret is critical", func(t *testing.T) {
		findings := checkDockerfile(t, "FROM debian:12 AS b\nFROM debian:12-slim\nENV API_KEY=abc123def\nUSER app\nHEALTHCHECK CMD true\n")
		f, ok := findRule(findings, "DF008")
		if !ok {
			t.Fatal("Expected DF008 finding")
		}
		if f.Severity != SeverityCritical {
			t.Errorf("Expected critical severity, got %s", f.Severity)
		}
	})

	t.Run("bare secret arg is an error", func(t *testing.T) {
		findings := checkDockerfile(t, "FROM debian:12 AS b\nFROM debian:12-slim\nARG DB_PASSWORD\nUSER app\nHEALTHCHECK CMD true\n")
		f, ok := findRule(findings, "DF008")
		if !ok {
			t.Fatal("Expected DF008 finding")
		}
		if f.Severity != SeverityError {
			t.Errorf("Expected error severity, got %s", f.Severity)
		}
	})

	t.Run("ordinary vars pass", func(t *testing.T) {
		findings := checkDockerfile(t, "FROM debian:12 AS b\nFROM debian:12-slim\nENV PORT=8000 LOG_LEVEL=info\nUSER app\nHEALTHCHECK CMD true\n")
		wantNoRule(t, findings, "DF008")
	})
}
