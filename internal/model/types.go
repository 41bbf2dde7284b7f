package model

import (
	"fmt"
	"strings"
	"time"
)

// LogRecord is one parsed mail log line. It is the canonical type passed
// between aggregators, the extractor, the tracer, and the pipeline.
// A LogRecord is never mutated after the parser produces it.
type LogRecord struct {
	Timestamp time.Time
	Host      string
	Service   string
	QueueID   string // empty when the line carries no queue id
	Message   string
}

// String renders the record the way it is printed to the operator:
// timestamp, host, service, optional queue id, then the message payload.
func (r LogRecord) String() string {
	if r.QueueID == "" {
		return fmt.Sprintf("%s %s %s: %s", r.Timestamp.Format(time.RFC3339), r.Host, r.Service, r.Message)
	}
	return fmt.Sprintf("%s %s %s: %s: %s", r.Timestamp.Format(time.RFC3339), r.Host, r.Service, r.QueueID, r.Message)
}

// LogQuery describes one aggregator request: free-text keywords plus an
// absolute time window. An empty keyword list matches every mail record in
// the window.
type LogQuery struct {
	Keywords []string
	Start    time.Time
	End      time.Time
}

// Window reports whether t falls inside the query window (inclusive on both
// ends). A zero Start or End leaves that side unbounded.
func (q LogQuery) Window(t time.Time) bool {
	if !q.Start.IsZero() && t.Before(q.Start) {
		return false
	}
	if !q.End.IsZero() && t.After(q.End) {
		return false
	}
	return true
}

// MatchesKeywords reports whether message contains at least one of the query
// keywords as a case-sensitive substring. An empty keyword list matches.
func (q LogQuery) MatchesKeywords(message string) bool {
	if len(q.Keywords) == 0 {
		return true
	}
	for _, k := range q.Keywords {
		if k == "" {
			continue
		}
		if strings.Contains(message, k) {
			return true
		}
	}
	return false
}
