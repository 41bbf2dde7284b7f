package logparse

import (
	"fmt"
	"strings"
	"time"

	"github.com/tinytelemetry/mailtrace/internal/model"
)

// BSDParser handles the classic RFC 3164 shape:
//
//	Feb  1 10:00:00 mailer1 postfix/qmgr[123456]: A2DE917F931: from=<a@b>, ...
//
// The year is absent on the wire and is supplied from Options; a timestamp
// that would land in the future relative to the reference wraps backward one
// year.
type BSDParser struct {
	opts Options
}

func (p *BSDParser) Parse(line string) (model.LogRecord, error) {
	// The day of month may be space-padded, producing a double space that
	// Fields collapses but SplitN would not.
	fields := strings.Fields(line)
	if len(fields) < 6 {
		return model.LogRecord{}, fmt.Errorf("%w: want at least 6 fields, got %d", ErrMalformed, len(fields))
	}

	stamp := strings.Join(fields[:3], " ")
	ts, err := time.ParseInLocation("Jan _2 15:04:05", stamp, p.opts.location())
	if err != nil {
		return model.LogRecord{}, fmt.Errorf("%w: timestamp %q: %v", ErrMalformed, stamp, err)
	}

	ref := p.opts.reference()
	year := p.opts.Year
	if year == 0 {
		year = ref.Year()
	}
	ts = ts.AddDate(year, 0, 0)
	if p.opts.Year == 0 && ts.After(ref) {
		ts = ts.AddDate(-1, 0, 0)
	}

	host := fields[3]
	service, ok := splitTag(fields[4])
	if !ok {
		return model.LogRecord{}, fmt.Errorf("%w: bad syslog tag %q", ErrMalformed, fields[4])
	}

	queueID, message := SplitQueueID(strings.Join(fields[5:], " "))
	return model.LogRecord{
		Timestamp: ts,
		Host:      host,
		Service:   service,
		QueueID:   queueID,
		Message:   message,
	}, nil
}
