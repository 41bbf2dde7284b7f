// Package aggregator fetches candidate mail log records for one host and
// time window. Two backends exist: a remote-shell reader and an indexed
// search client. Both honor the same contract: every returned record falls
// inside the window, carries at least one query keyword in its message or
// queue id, and the result is fully materialized in ascending timestamp order.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/tinytelemetry/mailtrace/internal/config"
	"github.com/tinytelemetry/mailtrace/internal/model"
)

// ErrAuth marks credential or privilege failures. Callers distinguish it
// from transient transport errors with errors.Is.
var ErrAuth = errors.New("authentication failed")

// Error is the failure of one aggregator query. The tracer logs it, drops
// the host from the frontier, and continues the walk elsewhere.
type Error struct {
	Host string
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("aggregator: host %s: %v", e.Host, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// Aggregator returns filtered log records for one host and time window.
type Aggregator interface {
	// Query fetches records matching q on host. The result is sorted
	// ascending by timestamp (ties keep backend order) and contains only
	// records inside the window whose message or queue id contains at least
	// one keyword.
	Query(ctx context.Context, host string, q model.LogQuery) ([]model.LogRecord, error)

	// Close releases any long-lived backend resources.
	Close() error
}

// New selects the backend named by the method config key.
func New(cfg *config.Config, logger *slog.Logger) (Aggregator, error) {
	switch cfg.Method {
	case config.MethodSSH:
		return NewShell(cfg, logger), nil
	case config.MethodOpenSearch:
		return NewIndex(cfg, logger)
	default:
		return nil, fmt.Errorf("aggregator: unsupported method %q", cfg.Method)
	}
}

// normalize enforces the query contract client-side regardless of what the
// backend returned: window bounds, keyword presence, ascending order.
func normalize(records []model.LogRecord, q model.LogQuery) []model.LogRecord {
	kept := make([]model.LogRecord, 0, len(records))
	for _, r := range records {
		if !q.Window(r.Timestamp) {
			continue
		}
		// The parser strips the queue id token off the message, so a query
		// keyed on a queue id must also be matched against that field.
		if !q.MatchesKeywords(r.Message) && (r.QueueID == "" || !q.MatchesKeywords(r.QueueID)) {
			continue
		}
		kept = append(kept, r)
	}
	sort.SliceStable(kept, func(i, j int) bool {
		return kept[i].Timestamp.Before(kept[j].Timestamp)
	})
	return kept
}
