// Package logparse turns raw syslog-style mail log lines into structured
// records. Two wire formats are supported (BSD syslog and ISO-timestamped
// syslog) plus an auto-detecting front that picks by the leading character.
package logparse

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/tinytelemetry/mailtrace/internal/model"
)

// ErrMalformed wraps every parse failure. Callers drop (and count) lines
// that fail to parse; bulk log streams routinely contain non-mail noise.
var ErrMalformed = errors.New("logparse: malformed line")

// queueIDRe matches the queue id token a mail daemon prefixes to the free
// text: one or more uppercase hex characters followed by a colon.
var queueIDRe = regexp.MustCompile(`^([0-9A-F]+): ?(.*)$`)

// Parser converts one raw log line into a LogRecord.
type Parser interface {
	Parse(line string) (model.LogRecord, error)
}

// Options carries the caller-declared context a line itself cannot supply.
type Options struct {
	// Location resolves timestamps that carry no timezone of their own.
	Location *time.Location
	// Year is the default year for formats that omit it. Zero means the
	// year of Reference.
	Year int
	// Reference anchors year inference: a BSD-syslog timestamp that would
	// land after Reference wraps backward one year. Zero means time.Now().
	Reference time.Time
}

func (o Options) location() *time.Location {
	if o.Location == nil {
		return time.UTC
	}
	return o.Location
}

func (o Options) reference() time.Time {
	if o.Reference.IsZero() {
		return time.Now()
	}
	return o.Reference
}

// New returns the parser registered under name: "rfc3164", "rfc5424", or
// "auto". An unknown name is a configuration error.
func New(name string, opts Options) (Parser, error) {
	switch name {
	case "rfc3164":
		return &BSDParser{opts: opts}, nil
	case "rfc5424":
		return &ISOParser{opts: opts}, nil
	case "auto", "":
		return &AutoParser{opts: opts}, nil
	default:
		return nil, fmt.Errorf("logparse: unknown parser %q (want rfc3164, rfc5424, or auto)", name)
	}
}

// Names lists the accepted parser names.
func Names() []string { return []string{"rfc3164", "rfc5424", "auto"} }

// AutoParser inspects the leading character of each line: a digit selects
// the ISO form, a letter the BSD form.
type AutoParser struct {
	opts Options
}

func (p *AutoParser) Parse(line string) (model.LogRecord, error) {
	if line == "" {
		return model.LogRecord{}, fmt.Errorf("%w: empty", ErrMalformed)
	}
	c := line[0]
	switch {
	case c >= '0' && c <= '9':
		return (&ISOParser{opts: p.opts}).Parse(line)
	case (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z'):
		return (&BSDParser{opts: p.opts}).Parse(line)
	default:
		return model.LogRecord{}, fmt.Errorf("%w: unrecognized leading character %q", ErrMalformed, c)
	}
}

// splitTag separates a syslog tag like "postfix/smtpd[1234]:" into the
// service name. The pid suffix and trailing colon are discarded.
func splitTag(tag string) (string, bool) {
	tag = strings.TrimSuffix(tag, ":")
	if tag == "" {
		return "", false
	}
	if i := strings.IndexByte(tag, '['); i >= 0 {
		tag = tag[:i]
	}
	if tag == "" {
		return "", false
	}
	return tag, true
}

// SplitQueueID splits an optional leading queue id token off a message.
// It returns the empty string and the message unchanged when no token is
// present.
func SplitQueueID(message string) (string, string) {
	m := queueIDRe.FindStringSubmatch(message)
	if m == nil {
		return "", message
	}
	return m[1], m[2]
}
