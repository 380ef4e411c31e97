package logger

import (
	"io"
	"regexp"
)

const redacted = "[REDACTED]"

// sensitiveKeys name fields whose values never reach a log line. They cover
// the model credential and the headers stored on tool server registrations.
var sensitiveKeys = []string{
	"api_key",
	"apikey",
	"x-api-key",
	"authorization",
	"proxy-authorization",
	"password",
	"secret",
	"token",
	"access_token",
	"refresh_token",
}

type rule struct {
	re   *regexp.Regexp
	repl string
}

// Redactor masks credentials in rendered log lines
type Redactor struct {
	rules []rule
}

// NewRedactor creates a redactor for provider keys, bearer tokens and the
// sensitive keys above
func NewRedactor() *Redactor {
	r := &Redactor{}
	for _, expr := range []string{
		`sk-ant-[a-zA-Z0-9_-]{20,}`,
		`sk-[a-zA-Z0-9_-]{20,}`,
		`AIza[0-9A-Za-z_-]{35}`,
		`(?i)bearer\s+[a-zA-Z0-9._~+/=-]+`,
	} {
		r.rules = append(r.rules, rule{re: regexp.MustCompile(expr), repl: redacted})
	}
	for _, key := range sensitiveKeys {
		r.AddKey(key)
	}
	return r
}

// AddKey masks the value of key, both as a JSON field and as key=value or
// key: value text. The key itself stays readable.
func (r *Redactor) AddKey(key string) {
	quoted := regexp.QuoteMeta(key)
	r.rules = append(r.rules,
		rule{re: regexp.MustCompile(`(?i)("` + quoted + `"\s*:\s*")[^"]*(")`), repl: "${1}" + redacted + "${2}"},
		rule{re: regexp.MustCompile(`(?i)(\b` + quoted + `\s*[:=]\s*)[^\s",}]+`), repl: "${1}" + redacted},
	)
}

// AddPattern masks every match of pattern
func (r *Redactor) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.rules = append(r.rules, rule{re: re, repl: redacted})
	return nil
}

// Redact returns s with every rule applied in order
func (r *Redactor) Redact(s string) string {
	for _, rl := range r.rules {
		s = rl.re.ReplaceAllString(s, rl.repl)
	}
	return s
}

// Wrap returns a writer that redacts each line before passing it on
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return &redactingWriter{writer: w, redactor: r}
}

type redactingWriter struct {
	writer   io.Writer
	redactor *Redactor
}

// Write reports len(p) on success so callers do not treat the changed
// length of the redacted line as a short write.
func (w *redactingWriter) Write(p []byte) (int, error) {
	if _, err := io.WriteString(w.writer, w.redactor.Redact(string(p))); err != nil {
		return 0, err
	}
	return len(p), nil
}
