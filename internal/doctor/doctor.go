// Package doctor runs deeper checks on a loaded wecom-gateway configuration
// than the loader's validation: credentials that parse but cannot work,
// backends that cannot start, and settings that are legal but risky.
package doctor

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/mattjoyce/wecom-gateway/internal/config"
	"github.com/mattjoyce/wecom-gateway/internal/msgcrypt"
)

// maxTextBytes is the platform's limit for a text message body.
const maxTextBytes = 2048

var channelPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates a loaded configuration.
type Doctor struct {
	cfg        *config.Config
	configPath string
	lookPath   func(string) (string, error)
}

// New creates a Doctor. configPath is the resolved config file and is used to
// look for the integrity manifest; it may be empty.
func New(cfg *config.Config, configPath string) *Doctor {
	return &Doctor{cfg: cfg, configPath: configPath, lookPath: exec.LookPath}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateListen(r)
	d.validateCredentials(r)
	d.validateBackend(r)
	d.warnPlatform(r)
	d.warnState(r)
	d.warnFallbacks(r)
	d.warnMetrics(r)
	d.warnIntegrity(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) validateListen(r *Result) {
	_, port, err := net.SplitHostPort(d.cfg.Service.Listen)
	if err != nil {
		d.addError(r, "service", "service.listen",
			fmt.Sprintf("invalid listen address %q: %v", d.cfg.Service.Listen, err))
		return
	}
	if port == "" {
		d.addError(r, "service", "service.listen", "listen address has no port")
	}
}

// validateCredentials checks the key actually decodes to an AES-256 key.
func (d *Doctor) validateCredentials(r *Result) {
	w := d.cfg.WeCom
	if _, err := msgcrypt.New(w.Token, w.EncodingAESKey, w.CorpID); err != nil {
		d.addError(r, "wecom", "wecom.encoding_aes_key", err.Error())
	}
}

func (d *Doctor) validateBackend(r *Result) {
	b := d.cfg.Backend

	switch b.Type {
	case config.BackendSubprocess:
		if _, err := d.lookPath(b.Command); err != nil {
			d.addError(r, "backend", "backend.command",
				fmt.Sprintf("command %q not found or not executable", b.Command))
		}
		if !referencesMessage(b.Args) {
			d.addWarning(r, "backend", "backend.args",
				"no argument references {message}; user text will not reach the backend")
		}
	case config.BackendHTTP:
		u, err := url.Parse(b.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			d.addError(r, "backend", "backend.url",
				fmt.Sprintf("backend url %q must be an absolute http(s) URL", b.URL))
			break
		}
		if u.Scheme == "http" && b.APIKey != "" && !isLoopback(u.Hostname()) {
			d.addWarning(r, "backend", "backend.api_key",
				"api key is sent over plain http to a non-local host")
		}
	case config.BackendEcho:
		d.addWarning(r, "backend", "backend.type",
			"echo backend repeats user messages; use it for testing only")
	}

	if b.Timeout > 5*time.Minute {
		d.addWarning(r, "backend", "backend.timeout",
			fmt.Sprintf("timeout %s is long; users wait this long for a fallback", b.Timeout))
	}
}

func (d *Doctor) warnPlatform(r *Result) {
	w := d.cfg.WeCom
	if u, err := url.Parse(w.APIBase); err != nil || u.Scheme != "https" {
		d.addWarning(r, "wecom", "wecom.api_base",
			fmt.Sprintf("api base %q is not https; the corp secret travels in the query string", w.APIBase))
	}
	if !channelPattern.MatchString(w.Channel) {
		d.addWarning(r, "wecom", "wecom.channel",
			fmt.Sprintf("channel %q contains characters that need URL escaping", w.Channel))
	}
}

func (d *Doctor) warnState(r *Result) {
	s := d.cfg.State
	if s.Path == "" {
		d.addWarning(r, "state", "state.path",
			"no state database; platform retries will be processed twice")
		return
	}
	if s.DedupeTTL < time.Minute {
		d.addWarning(r, "state", "state.dedupe_ttl",
			fmt.Sprintf("dedupe ttl %s is shorter than the platform retry window", s.DedupeTTL))
	}
}

func (d *Doctor) warnFallbacks(r *Result) {
	f := d.cfg.Fallback
	for _, fb := range []struct{ field, text string }{
		{"fallback.timeout", f.Timeout},
		{"fallback.unavailable", f.Unavailable},
		{"fallback.empty", f.Empty},
		{"fallback.failure", f.Failure},
	} {
		if len(fb.text) > maxTextBytes {
			d.addWarning(r, "fallback", fb.field,
				fmt.Sprintf("fallback is %d bytes; the platform truncates text over %d", len(fb.text), maxTextBytes))
		}
	}
}

func (d *Doctor) warnMetrics(r *Result) {
	m := d.cfg.Metrics
	if !m.Enabled || m.Token != "" {
		return
	}
	host, _, err := net.SplitHostPort(d.cfg.Service.Listen)
	if err == nil && !isLoopback(host) {
		d.addWarning(r, "metrics", "metrics.token",
			"metrics and events are served without a token on a non-local address")
	}
}

func (d *Doctor) warnIntegrity(r *Result) {
	if d.configPath == "" {
		return
	}
	_, err := config.LoadChecksums(filepath.Dir(d.configPath))
	switch {
	case errors.Is(err, config.ErrNoChecksums):
		d.addWarning(r, "integrity", config.ChecksumFile,
			"config is not locked; run: wecom-gateway config lock")
	case err != nil:
		d.addError(r, "integrity", config.ChecksumFile, err.Error())
	}
}

func referencesMessage(args []string) bool {
	for _, a := range args {
		if strings.Contains(a, "{message}") {
			return true
		}
	}
	return false
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid {
		fmt.Fprintf(&b, "Configuration valid (%d warning(s))\n", len(r.Warnings))
	} else {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
