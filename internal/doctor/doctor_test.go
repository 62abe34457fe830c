package doctor

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mattjoyce/wecom-gateway/internal/config"
)

func validConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Service.Listen = "127.0.0.1:18790"
	cfg.WeCom.CorpID = "wx5823bf96d3bd56c7"
	cfg.WeCom.AgentID = 1000002
	cfg.WeCom.Secret = "secret"
	cfg.WeCom.Token = "QDG6eK"
	cfg.WeCom.EncodingAESKey = "jWmYm7qr5nMoAUwZRjGtBxmz3KA1tkAj3ykkR6q2B2C"
	cfg.Backend.Command = "/usr/local/bin/agent"
	return cfg
}

func newDoctor(cfg *config.Config) *Doctor {
	d := New(cfg, "")
	d.lookPath = func(p string) (string, error) { return p, nil }
	return d
}

func TestValidate_ValidConfig(t *testing.T) {
	t.Parallel()
	r := newDoctor(validConfig()).Validate()
	if !r.Valid {
		t.Fatalf("expected valid, got errors: %v", r.Errors)
	}
	if len(r.Warnings) != 0 {
		t.Fatalf("expected no warnings, got: %v", r.Warnings)
	}
}

func TestValidate_BadListen(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Service.Listen = "localhost"
	r := newDoctor(cfg).Validate()
	if r.Valid {
		t.Fatal("expected invalid")
	}
	assertHasError(t, r, "service", "invalid listen address")
}

func TestValidate_UndecodableKey(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.WeCom.EncodingAESKey = strings.Repeat("!", 43)
	r := newDoctor(cfg).Validate()
	assertHasError(t, r, "wecom", "invalid")
}

func TestValidate_SubprocessCommandMissing(t *testing.T) {
	t.Parallel()
	d := newDoctor(validConfig())
	d.lookPath = func(string) (string, error) { return "", errors.New("not found") }
	r := d.Validate()
	assertHasError(t, r, "backend", "not found or not executable")
}

func TestValidate_SubprocessArgsWithoutMessage(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Backend.Args = []string{"--to", "{user}"}
	r := newDoctor(cfg).Validate()
	if !r.Valid {
		t.Fatalf("expected valid, got errors: %v", r.Errors)
	}
	assertHasWarning(t, r, "backend", "{message}")
}

func TestValidate_HTTPBackend(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Backend.Type = config.BackendHTTP
	cfg.Backend.URL = "not a url"
	assertHasError(t, newDoctor(cfg).Validate(), "backend", "absolute http(s) URL")

	cfg = validConfig()
	cfg.Backend.Type = config.BackendHTTP
	cfg.Backend.URL = "http://agent.internal:8080"
	cfg.Backend.APIKey = "k"
	assertHasWarning(t, newDoctor(cfg).Validate(), "backend", "plain http")

	cfg = validConfig()
	cfg.Backend.Type = config.BackendHTTP
	cfg.Backend.URL = "http://127.0.0.1:8080"
	cfg.Backend.APIKey = "k"
	r := newDoctor(cfg).Validate()
	if len(r.Warnings) != 0 {
		t.Fatalf("loopback backend should not warn, got: %v", r.Warnings)
	}
}

func TestValidate_EchoBackendWarns(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Backend.Type = config.BackendEcho
	assertHasWarning(t, newDoctor(cfg).Validate(), "backend", "testing only")
}

func TestValidate_InsecureAPIBase(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.WeCom.APIBase = "http://qyapi.example"
	assertHasWarning(t, newDoctor(cfg).Validate(), "wecom", "not https")
}

func TestValidate_DedupeDisabled(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.State.Path = ""
	r := newDoctor(cfg).Validate()
	if !r.Valid {
		t.Fatalf("expected valid, got errors: %v", r.Errors)
	}
	assertHasWarning(t, r, "state", "processed twice")
}

func TestValidate_LongFallback(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Fallback.Timeout = strings.Repeat("x", maxTextBytes+1)
	assertHasWarning(t, newDoctor(cfg).Validate(), "fallback", "truncates")
}

func TestValidate_OpenMetrics(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Service.Listen = "0.0.0.0:18790"
	assertHasWarning(t, newDoctor(cfg).Validate(), "metrics", "without a token")

	cfg.Metrics.Token = "t"
	r := newDoctor(cfg).Validate()
	if len(r.Warnings) != 0 {
		t.Fatalf("expected no warnings with token, got: %v", r.Warnings)
	}
}

func TestValidate_Integrity(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("service: {}\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	d := newDoctor(validConfig())
	d.configPath = path
	assertHasWarning(t, d.Validate(), "integrity", "not locked")

	if _, err := config.Lock(path); err != nil {
		t.Fatal(err)
	}
	r := d.Validate()
	for _, w := range r.Warnings {
		if w.Category == "integrity" {
			t.Fatalf("unexpected integrity warning after lock: %v", w)
		}
	}
}

func TestFormatHuman_Valid(t *testing.T) {
	t.Parallel()
	out := FormatHuman(&Result{Valid: true})
	if !strings.Contains(out, "valid") {
		t.Fatalf("expected 'valid' in output, got: %s", out)
	}
}

func TestFormatHuman_Errors(t *testing.T) {
	t.Parallel()
	r := &Result{
		Valid:    false,
		Errors:   []Issue{{Category: "test", Field: "x.y", Message: "broken"}},
		Warnings: []Issue{{Category: "test", Message: "odd"}},
	}
	out := FormatHuman(r)
	if !strings.Contains(out, "ERROR [test] x.y: broken") || !strings.Contains(out, "WARN  [test] odd") {
		t.Fatalf("unexpected output: %s", out)
	}
}

func TestFormatJSON(t *testing.T) {
	t.Parallel()
	out, err := FormatJSON(&Result{Valid: true})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, `"valid": true`) {
		t.Fatalf("unexpected JSON: %s", out)
	}
}

// --- helpers ---

func assertHasError(t *testing.T, r *Result, category, substring string) {
	t.Helper()
	for _, e := range r.Errors {
		if e.Category == category && strings.Contains(e.Message, substring) {
			return
		}
	}
	t.Fatalf("expected error with category=%q containing %q, got: %v", category, substring, r.Errors)
}

func assertHasWarning(t *testing.T, r *Result, category, substring string) {
	t.Helper()
	for _, w := range r.Warnings {
		if w.Category == category && strings.Contains(w.Message, substring) {
			return
		}
	}
	t.Fatalf("expected warning with category=%q containing %q, got: %v", category, substring, r.Warnings)
}
