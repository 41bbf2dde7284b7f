package extract

import (
	"testing"
	"time"

	"github.com/tinytelemetry/mailtrace/internal/model"
)

func record(queueID, message string) model.LogRecord {
	return model.LogRecord{
		Timestamp: time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC),
		Host:      "mx.example.com",
		Service:   "postfix/smtp",
		QueueID:   queueID,
		Message:   message,
	}
}

func TestClassify(t *testing.T) {
	ext := New()

	tests := []struct {
		name  string
		msg   string
		kind  Kind
		check func(t *testing.T, e MailEvent)
	}{
		{
			name: "connect",
			msg:  "client=mx.example.com[10.0.0.1]",
			kind: KindConnect,
			check: func(t *testing.T, e MailEvent) {
				if e.PeerHost != "mx.example.com" {
					t.Errorf("PeerHost = %q", e.PeerHost)
				}
			},
		},
		{
			name: "receive with message id",
			msg:  "message-id=<x@y.example.com>",
			kind: KindReceive,
			check: func(t *testing.T, e MailEvent) {
				if e.MessageID != "x@y.example.com" {
					t.Errorf("MessageID = %q", e.MessageID)
				}
			},
		},
		{
			name: "receive exim form",
			msg:  "<= sender@example.com id=20250101.abc@relay.example.com",
			kind: KindReceive,
			check: func(t *testing.T, e MailEvent) {
				if e.MessageID != "20250101.abc@relay.example.com" {
					t.Errorf("MessageID = %q", e.MessageID)
				}
			},
		},
		{
			name: "forward",
			msg:  "to=<u@v>, relay=mailer.example.com[10.0.0.2]:25, delay=0.5, status=sent (250 2.0.0 Ok: queued as DEF456)",
			kind: KindForward,
			check: func(t *testing.T, e MailEvent) {
				if e.NextHost != "mailer.example.com" {
					t.Errorf("NextHost = %q", e.NextHost)
				}
				if e.NextIP != "10.0.0.2" || e.NextPort != "25" {
					t.Errorf("NextIP:Port = %s:%s", e.NextIP, e.NextPort)
				}
				if e.PeerQueueID != "DEF456" {
					t.Errorf("PeerQueueID = %q", e.PeerQueueID)
				}
			},
		},
		{
			name: "deliver local",
			msg:  "to=<u@v>, relay=local, delay=0.1, status=sent (delivered to mailbox)",
			kind: KindDeliver,
		},
		{
			name: "deliver bounced",
			msg:  "to=<u@v>, relay=other.example.com[10.9.9.9]:25, status=bounced (host said: 550 no such user)",
			kind: KindDeliver,
			check: func(t *testing.T, e MailEvent) {
				if e.Status != "bounced" {
					t.Errorf("Status = %q", e.Status)
				}
			},
		},
		{
			name: "deliver deferred",
			msg:  "to=<u@v>, relay=none, status=deferred (connection timed out)",
			kind: KindDeliver,
		},
		{
			name: "other",
			msg:  "from=<abc@example.com>, size=12345, nrcpt=1 (queue active)",
			kind: KindOther,
		},
		{
			name: "sent without relay degrades to other",
			msg:  "status=sent but the relay field is missing",
			kind: KindOther,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event := ext.Classify(record("ABC123", tt.msg))
			if event.Kind != tt.kind {
				t.Fatalf("Kind = %v, want %v", event.Kind, tt.kind)
			}
			if tt.check != nil {
				tt.check(t, event)
			}
		})
	}
}

func TestClassifyConfiguredFinalTag(t *testing.T) {
	ext := New("lmtp-store")

	event := ext.Classify(record("ABC123", "to=<u@v>, relay=lmtp-store, status=sent (delivered)"))
	if event.Kind != KindDeliver {
		t.Errorf("Kind = %v, want deliver for configured final tag", event.Kind)
	}

	event = ext.Classify(record("ABC123", "to=<u@v>, relay=mailer.example.com[10.0.0.2]:25, status=sent"))
	if event.Kind != KindForward {
		t.Errorf("Kind = %v, want forward for real relay", event.Kind)
	}
}

func TestMessageID(t *testing.T) {
	tests := []struct {
		msg  string
		want string
	}{
		{"message-id=<abc@def.com>", "abc@def.com"},
		{"id=plain.id@host.example.com rest", "plain.id@host.example.com"},
		{"no id at all", ""},
	}
	for _, tt := range tests {
		if got := MessageID(record("", tt.msg)); got != tt.want {
			t.Errorf("MessageID(%q) = %q, want %q", tt.msg, got, tt.want)
		}
	}
}

func TestEnvelope(t *testing.T) {
	from, to := Envelope(record("Q", "from=<sender@a.com>, size=5"))
	if from != "sender@a.com" || to != "" {
		t.Errorf("Envelope = (%q, %q)", from, to)
	}
	from, to = Envelope(record("Q", "to=<rcpt@b.com>, relay=local, status=sent"))
	if from != "" || to != "rcpt@b.com" {
		t.Errorf("Envelope = (%q, %q)", from, to)
	}
}

func TestGroupByQueueID(t *testing.T) {
	records := []model.LogRecord{
		record("AAA111", "first"),
		record("", "context line"),
		record("BBB222", "second"),
		record("AAA111", "third"),
	}

	groups := GroupByQueueID(records)
	if len(groups) != 3 {
		t.Fatalf("groups = %d, want 3", len(groups))
	}
	if groups[0].QueueID != "AAA111" || len(groups[0].Records) != 2 {
		t.Errorf("group 0 = %q with %d records", groups[0].QueueID, len(groups[0].Records))
	}
	if groups[1].QueueID != "" {
		t.Errorf("group 1 = %q, want empty context group", groups[1].QueueID)
	}
	if groups[2].QueueID != "BBB222" {
		t.Errorf("group 2 = %q, want BBB222", groups[2].QueueID)
	}
	if groups[0].Records[1].Message != "third" {
		t.Errorf("in-group order lost: %q", groups[0].Records[1].Message)
	}
}
