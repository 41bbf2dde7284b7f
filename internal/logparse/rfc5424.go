package logparse

import (
	"fmt"
	"strings"
	"time"

	"github.com/tinytelemetry/mailtrace/internal/model"
)

// isoTimeLayouts are tried in order for the leading timestamp token.
var isoTimeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
}

// ISOParser handles ISO-8601-timestamped syslog, the RFC 5424 family:
//
//	2025-01-01T10:00:00.123456+08:00 mailer1 postfix/qmgr[123]: A2DE917F931: from=<a@b>, ...
//	<13>1 2025-01-01T10:00:00Z mailer1 postfix 123 ID47 - A2DE917F931: from=<a@b>, ...
//
// Both the terse syslog-tag form and the full header form (appname, procid,
// msgid, structured data, message) are accepted; the tag form is what mail
// relays emit in practice.
type ISOParser struct {
	opts Options
}

func (p *ISOParser) Parse(line string) (model.LogRecord, error) {
	// Optional RFC 5424 "<pri>version " prefix.
	if strings.HasPrefix(line, "<") {
		if i := strings.IndexByte(line, '>'); i > 0 {
			rest := line[i+1:]
			if j := strings.IndexByte(rest, ' '); j > 0 && isDigits(rest[:j]) {
				line = rest[j+1:]
			} else {
				line = rest
			}
		}
	}

	parts := strings.SplitN(line, " ", 4)
	if len(parts) < 4 {
		return model.LogRecord{}, fmt.Errorf("%w: want at least 4 fields, got %d", ErrMalformed, len(parts))
	}

	ts, err := p.parseTimestamp(parts[0])
	if err != nil {
		return model.LogRecord{}, err
	}
	host := parts[1]

	if strings.HasSuffix(parts[2], ":") {
		// Tag form: "service[pid]: queue_id: message".
		service, ok := splitTag(parts[2])
		if !ok {
			return model.LogRecord{}, fmt.Errorf("%w: bad syslog tag %q", ErrMalformed, parts[2])
		}
		queueID, message := SplitQueueID(parts[3])
		return model.LogRecord{Timestamp: ts, Host: host, Service: service, QueueID: queueID, Message: message}, nil
	}

	// Header form: "appname procid msgid sd message".
	rest := strings.SplitN(parts[3], " ", 3)
	if len(rest) < 3 {
		return model.LogRecord{}, fmt.Errorf("%w: truncated RFC 5424 header", ErrMalformed)
	}
	service := parts[2]
	msg := rest[2]
	// Skip structured data; only the nil element "-" and single-element
	// forms appear in mail logs.
	switch {
	case strings.HasPrefix(msg, "- "):
		msg = msg[2:]
	case strings.HasPrefix(msg, "["):
		if i := strings.Index(msg, "] "); i >= 0 {
			msg = msg[i+2:]
		}
	}
	queueID, message := SplitQueueID(msg)
	return model.LogRecord{Timestamp: ts, Host: host, Service: service, QueueID: queueID, Message: message}, nil
}

func (p *ISOParser) parseTimestamp(token string) (time.Time, error) {
	for _, layout := range isoTimeLayouts {
		if ts, err := time.ParseInLocation(layout, token, p.opts.location()); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: timestamp %q", ErrMalformed, token)
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
