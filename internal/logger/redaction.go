package logger

import (
	"io"
	"regexp"
)

const redactedMark = "[REDACTED]"

// redactionRule masks the part of a match captured by the "secret" group, or
// the whole match when the pattern has no such group.
type redactionRule struct {
	name    string
	pattern *regexp.Regexp
	secret  int
}

func newRule(name, pattern string) (redactionRule, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return redactionRule{}, err
	}
	return redactionRule{name: name, pattern: re, secret: re.SubexpIndex("secret")}, nil
}

func mustRule(name, pattern string) redactionRule {
	rule, err := newRule(name, pattern)
	if err != nil {
		panic(err)
	}
	return rule
}

func (r redactionRule) apply(s string) string {
	if r.secret < 0 {
		return r.pattern.ReplaceAllString(s, redactedMark)
	}
	return r.pattern.ReplaceAllStringFunc(s, func(match string) string {
		loc := r.pattern.FindStringSubmatchIndex(match)
		start, end := loc[2*r.secret], loc[2*r.secret+1]
		if start < 0 {
			return match
		}
		return match[:start] + redactedMark + match[end:]
	})
}

// Redactor masks credentials that can reach the log: the Redis event sink
// password and URL, hook environment secrets and bearer tokens.
type Redactor struct {
	rules []redactionRule
}

// NewRedactor creates a redactor with the built-in rules.
func NewRedactor() *Redactor {
	return &Redactor{
		rules: []redactionRule{
			mustRule("redis-url", `rediss?://[^:@/\s]*:(?P<secret>[^@\s]+)@`),
			// "password":"x" in JSON config dumps and password: x in yaml
			mustRule("password-field", `(?i)"?(?:password|passwd|pwd)"?\s*[:=]\s*"?(?P<secret>[^\s",}]+)`),
			mustRule("hook-env", `\bLANEQ_[A-Z0-9_]*(?:PASSWORD|TOKEN|SECRET|KEY)=(?P<secret>\S+)`),
			mustRule("bearer", `(?i)bearer\s+(?P<secret>[a-zA-Z0-9._~+/=-]+)`),
			mustRule("secret-field", `(?i)"?(?:secret|token|api_key)"?\s*[:=]\s*"?(?P<secret>[^\s",}]{8,})`),
		},
	}
}

// AddPattern adds a custom rule. A named group "secret" limits masking to
// that group; otherwise the whole match is masked.
func (r *Redactor) AddPattern(pattern string) error {
	rule, err := newRule("custom", pattern)
	if err != nil {
		return err
	}
	r.rules = append(r.rules, rule)
	return nil
}

// Redact masks every rule's matches in s.
func (r *Redactor) Redact(s string) string {
	for _, rule := range r.rules {
		s = rule.apply(s)
	}
	return s
}

// Wrap returns a writer that redacts before writing to w.
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return &redactingWriter{
		writer:   w,
		redactor: r,
	}
}

type redactingWriter struct {
	writer   io.Writer
	redactor *Redactor
}

// Write reports len(p) on success so callers never see a short write
// caused by redaction changing the length.
func (w *redactingWriter) Write(p []byte) (n int, err error) {
	redacted := w.redactor.Redact(string(p))
	if _, err := w.writer.Write([]byte(redacted)); err != nil {
		return 0, err
	}
	return len(p), nil
}
