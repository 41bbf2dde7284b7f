package journal

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/tinytelemetry/mailtrace/internal/model"
)

func journalRecord(queueID, message string) model.LogRecord {
	return model.LogRecord{
		Timestamp: time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC),
		Host:      "mx",
		Service:   "postfix/smtp",
		QueueID:   queueID,
		Message:   message,
	}
}

func TestAppendAndReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.journal")

	j, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	seq1, err := j.Append("m1@x", journalRecord("AA11BB", "first"))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	seq2, err := j.Append("m2@x", journalRecord("CC22DD", "second"))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if seq2 <= seq1 {
		t.Errorf("sequences not increasing: %d then %d", seq1, seq2)
	}

	var got []Entry
	if err := j.Replay(func(e Entry) error {
		got = append(got, e)
		return nil
	}); err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("replayed = %d, want 2", len(got))
	}
	if got[0].MessageID != "m1@x" || got[0].Record().Message != "first" {
		t.Errorf("entry 0 = %+v", got[0])
	}
	j.Close()
}

func TestCommitSkipsOnReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.journal")

	j, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	seq1, _ := j.Append("m1@x", journalRecord("AA11BB", "flushed"))
	j.Append("m2@x", journalRecord("CC22DD", "pending"))
	if err := j.Commit(seq1); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	j.Close()

	j2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer j2.Close()

	var got []Entry
	j2.Replay(func(e Entry) error {
		got = append(got, e)
		return nil
	})
	if len(got) != 1 || got[0].MessageID != "m2@x" {
		t.Fatalf("replayed = %+v, want only the uncommitted entry", got)
	}

	// New appends continue above the old sequence space.
	seq3, _ := j2.Append("m3@x", journalRecord("EE33FF", "after reopen"))
	if seq3 <= got[0].Seq {
		t.Errorf("new seq %d not above replayed seq %d", seq3, got[0].Seq)
	}
}

func TestCommitIsMonotonic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.journal")
	j, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer j.Close()

	seq, _ := j.Append("m@x", journalRecord("AA11BB", "x"))
	if err := j.Commit(seq); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := j.Commit(seq - 1); err != nil {
		t.Fatalf("backward Commit should be a no-op, got %v", err)
	}
	if j.Committed() != seq {
		t.Errorf("Committed = %d, want %d", j.Committed(), seq)
	}
}

func TestOpenEmptyPathRejected(t *testing.T) {
	if _, err := Open(""); err == nil {
		t.Fatal("Open(\"\") should fail")
	}
}
