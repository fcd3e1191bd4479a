package logger

import (
	"io"
	"regexp"
)

const redacted = "[REDACTED]"

type rule struct {
	pattern *regexp.Regexp
	repl    string
}

// Redactor masks secrets in log output. Key/value rules keep the key so
// JSON log lines stay parseable.
type Redactor struct {
	rules []rule
}

// NewRedactor creates a redactor with the default rules
func NewRedactor() *Redactor {
	r := &Redactor{}
	// key = value, key: value and "key":"value"; covers shared_secret,
	// the X-Conductor-Secret header and gateway tokens
	r.add(`(?i)("?[a-z0-9_-]*(?:password|passwd|secret|token|api_?key)"?\s*[:=]\s*"?)[^\s",}]+`, "${1}"+redacted)
	r.add(`(?i)(Bearer\s+)[a-zA-Z0-9._~+/=-]+`, "${1}"+redacted)
	// credentials embedded in redis://, ws:// and http:// URLs
	r.add(`([a-z][a-z0-9+.-]*://[^:/@\s"]*:)[^@\s"]+@`, "${1}"+redacted+"@")
	r.add(`sk-(?:ant-)?[a-zA-Z0-9_-]{20,}`, redacted)
	r.add(`AKIA[0-9A-Z]{16}`, redacted)
	return r
}

func (r *Redactor) add(pattern, repl string) {
	r.rules = append(r.rules, rule{pattern: regexp.MustCompile(pattern), repl: repl})
}

// AddPattern masks every match of pattern entirely
func (r *Redactor) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.rules = append(r.rules, rule{pattern: re, repl: redacted})
	return nil
}

// Redact returns s with secrets masked
func (r *Redactor) Redact(s string) string {
	for _, rl := range r.rules {
		s = rl.pattern.ReplaceAllString(s, rl.repl)
	}
	return s
}

// Wrap returns a writer that redacts before writing to w
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return &redactingWriter{writer: w, redactor: r}
}

type redactingWriter struct {
	writer   io.Writer
	redactor *Redactor
}

// Write reports len(p) on success; callers see the bytes they passed in,
// not the masked length.
func (w *redactingWriter) Write(p []byte) (int, error) {
	if _, err := w.writer.Write([]byte(w.redactor.Redact(string(p)))); err != nil {
		return 0, err
	}
	return len(p), nil
}
