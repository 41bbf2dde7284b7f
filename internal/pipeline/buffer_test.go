package pipeline

import (
	"testing"
	"time"

	"github.com/tinytelemetry/mailtrace/internal/model"
)

var t0 = time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)

func bufRec(host, queueID, message string, offset time.Duration) model.LogRecord {
	return model.LogRecord{
		Timestamp: t0.Add(offset),
		Host:      host,
		Service:   "postfix/smtp",
		QueueID:   queueID,
		Message:   message,
	}
}

func TestBufferHoldRoundsFlush(t *testing.T) {
	// hold_rounds=2: two records in round 1, one more in round 2, quiet in
	// rounds 3 and 4. The flush fires at round 4 with all three records.
	b := NewBuffer()

	if !b.Ingest(bufRec("mx", "AA11BB", "message-id=<m1@x> accepted", 0), 0) {
		t.Fatal("round 1 record 1 not kept")
	}
	if !b.Ingest(bufRec("mx", "AA11BB", "from=<a@b>, size=100", time.Second), 0) {
		t.Fatal("round 1 record 2 not kept")
	}
	if flushed := b.EndRound(2); len(flushed) != 0 {
		t.Fatalf("round 1 flushed %d, want 0", len(flushed))
	}

	if !b.Ingest(bufRec("mx", "AA11BB", "to=<u@v>, relay=local, status=sent", 2*time.Second), 0) {
		t.Fatal("round 2 record not kept")
	}
	if flushed := b.EndRound(2); len(flushed) != 0 {
		t.Fatalf("round 2 flushed %d, want 0", len(flushed))
	}

	if flushed := b.EndRound(2); len(flushed) != 0 {
		t.Fatalf("round 3 flushed %d, want 0", len(flushed))
	}

	flushed := b.EndRound(2)
	if len(flushed) != 1 {
		t.Fatalf("round 4 flushed %d, want 1", len(flushed))
	}
	state := flushed[0]
	if state.MessageID != "m1@x" {
		t.Errorf("MessageID = %q", state.MessageID)
	}
	if len(state.Records) != 3 {
		t.Errorf("records = %d, want all 3", len(state.Records))
	}
	if b.Len() != 0 {
		t.Errorf("buffer still holds %d states after flush", b.Len())
	}
}

func TestBufferLateArrivalDedup(t *testing.T) {
	// The same record surfaces again inside the overlap window; it must
	// appear exactly once.
	b := NewBuffer()

	late := bufRec("mx", "CC22DD", "message-id=<m2@x> late line", 97*time.Second)
	b.Ingest(late, 0)
	b.EndRound(5)

	if b.Ingest(late, 0) {
		t.Error("duplicate (timestamp, host, message) tuple was kept")
	}
	b.EndRound(5)

	var total int
	for _, state := range b.states {
		total += len(state.Records)
	}
	if total != 1 {
		t.Errorf("buffered records = %d, want exactly 1", total)
	}
}

func TestBufferQueueIDJoin(t *testing.T) {
	// A later record carrying only the queue id joins the message via the
	// receive event seen earlier.
	b := NewBuffer()

	b.Ingest(bufRec("mx", "EE33FF", "message-id=<m3@x>", 0), 0)
	if !b.Ingest(bufRec("mx", "EE33FF", "to=<u@v>, relay=local, status=sent", time.Second), 0) {
		t.Fatal("queue-id-only record did not join its message")
	}

	state := b.states["m3@x"]
	if state == nil || len(state.Records) != 2 {
		t.Fatalf("state for m3@x = %+v", state)
	}
	if !state.Hosts["mx"] {
		t.Error("host set missing mx")
	}
	if !state.LastSeen.After(state.FirstSeen) {
		t.Errorf("LastSeen %v not after FirstSeen %v", state.LastSeen, state.FirstSeen)
	}
}

func TestBufferUnassociatedDropped(t *testing.T) {
	b := NewBuffer()

	if b.Ingest(bufRec("mx", "AB99CD", "no identifiers here", 0), 0) {
		t.Error("record with unknown queue id and no message id was kept")
	}
	if b.Ingest(bufRec("mx", "", "plain noise", 0), 0) {
		t.Error("record with no queue id and no message id was kept")
	}
	if b.Len() != 0 {
		t.Errorf("buffer states = %d, want 0", b.Len())
	}
}

func TestBufferHoldRoundsZeroFlushesImmediately(t *testing.T) {
	b := NewBuffer()
	b.Ingest(bufRec("mx", "AB12CD", "message-id=<m4@x>", 0), 0)

	flushed := b.EndRound(0)
	if len(flushed) != 1 {
		t.Fatalf("flushed = %d, want immediate flush with hold_rounds=0", len(flushed))
	}
}

func TestBufferRoundsSinceNewReset(t *testing.T) {
	b := NewBuffer()
	b.Ingest(bufRec("mx", "FE45DC", "message-id=<m5@x>", 0), 0)
	b.EndRound(3)
	b.EndRound(3) // quiet: counter at 1

	state := b.states["m5@x"]
	if state.RoundsSinceNew != 1 {
		t.Fatalf("RoundsSinceNew = %d, want 1", state.RoundsSinceNew)
	}

	b.Ingest(bufRec("mx", "FE45DC", "to=<u@v>, relay=local, status=sent", time.Minute), 0)
	b.EndRound(3)
	if state.RoundsSinceNew != 0 {
		t.Errorf("RoundsSinceNew = %d, want reset to 0 on new record", state.RoundsSinceNew)
	}
}

func TestBufferMinPendingSeq(t *testing.T) {
	b := NewBuffer()
	b.Ingest(bufRec("mx", "AA11BB", "message-id=<s1@x>", 0), 5)
	b.Ingest(bufRec("mx", "CC22DD", "message-id=<s2@x>", time.Second), 9)

	if got := b.MinPendingSeq(); got != 5 {
		t.Errorf("MinPendingSeq = %d, want 5", got)
	}
}
