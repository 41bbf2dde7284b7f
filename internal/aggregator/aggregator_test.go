package aggregator

import (
	"testing"
	"time"

	"github.com/tinytelemetry/mailtrace/internal/model"
)

var aggT0 = time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)

func aggRec(offset time.Duration, message string) model.LogRecord {
	return model.LogRecord{
		Timestamp: aggT0.Add(offset),
		Host:      "mx",
		Service:   "postfix/smtp",
		Message:   message,
	}
}

func TestNormalizeContract(t *testing.T) {
	q := model.LogQuery{
		Keywords: []string{"alice@example.com"},
		Start:    aggT0,
		End:      aggT0.Add(time.Minute),
	}
	input := []model.LogRecord{
		aggRec(30*time.Second, "out of order but alice@example.com"),
		aggRec(-time.Second, "too early alice@example.com"),
		aggRec(10*time.Second, "no keyword at all"),
		aggRec(5*time.Second, "first alice@example.com"),
		aggRec(2*time.Minute, "too late alice@example.com"),
	}

	out := normalize(input, q)
	if len(out) != 2 {
		t.Fatalf("kept %d records, want 2", len(out))
	}
	// Ascending timestamp order.
	if !out[0].Timestamp.Before(out[1].Timestamp) {
		t.Errorf("records not sorted: %v then %v", out[0].Timestamp, out[1].Timestamp)
	}
	for _, r := range out {
		if !q.Window(r.Timestamp) {
			t.Errorf("record outside window: %v", r.Timestamp)
		}
		if !q.MatchesKeywords(r.Message) {
			t.Errorf("record without keyword: %q", r.Message)
		}
	}
}

func TestNormalizeTieKeepsInputOrder(t *testing.T) {
	q := model.LogQuery{Start: aggT0, End: aggT0.Add(time.Minute)}
	input := []model.LogRecord{
		aggRec(time.Second, "first at the tied instant"),
		aggRec(time.Second, "second at the tied instant"),
	}
	out := normalize(input, q)
	if len(out) != 2 || out[0].Message != "first at the tied instant" {
		t.Errorf("tie broke input order: %v", out)
	}
}

func TestErrorUnwrap(t *testing.T) {
	inner := ErrAuth
	err := &Error{Host: "mx", Err: inner}
	if err.Unwrap() != inner {
		t.Error("Unwrap lost the cause")
	}
	if err.Error() == "" {
		t.Error("empty error string")
	}
}
