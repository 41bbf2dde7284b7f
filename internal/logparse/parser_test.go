package logparse

import (
	"errors"
	"testing"
	"time"
)

func TestBSDParser(t *testing.T) {
	ref := time.Date(2025, time.June, 1, 0, 0, 0, 0, time.UTC)
	p, err := New("rfc3164", Options{Reference: ref})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	record, err := p.Parse("Feb  1 10:00:00 mailer1 postfix/qmgr[123456]: A2DE917F931: from=<abc@example.com>, size=12345, nrcpt=1 (queue active)")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	want := time.Date(2025, time.February, 1, 10, 0, 0, 0, time.UTC)
	if !record.Timestamp.Equal(want) {
		t.Errorf("Timestamp = %v, want %v", record.Timestamp, want)
	}
	if record.Host != "mailer1" {
		t.Errorf("Host = %q, want mailer1", record.Host)
	}
	if record.Service != "postfix/qmgr" {
		t.Errorf("Service = %q, want postfix/qmgr", record.Service)
	}
	if record.QueueID != "A2DE917F931" {
		t.Errorf("QueueID = %q, want A2DE917F931", record.QueueID)
	}
	if record.Message != "from=<abc@example.com>, size=12345, nrcpt=1 (queue active)" {
		t.Errorf("Message = %q", record.Message)
	}
}

func TestBSDParserYearWrap(t *testing.T) {
	// A December timestamp seen in January belongs to the previous year.
	ref := time.Date(2025, time.January, 10, 0, 0, 0, 0, time.UTC)
	p, _ := New("rfc3164", Options{Reference: ref})

	record, err := p.Parse("Dec 31 23:59:59 mx postfix/smtp[1]: ABC123: status=sent")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if record.Timestamp.Year() != 2024 {
		t.Errorf("year = %d, want 2024 (wrap backward)", record.Timestamp.Year())
	}
}

func TestBSDParserExplicitYear(t *testing.T) {
	p, _ := New("rfc3164", Options{
		Year:      2023,
		Reference: time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC),
	})
	record, err := p.Parse("Dec 31 23:59:59 mx postfix/smtp[1]: ABC123: status=sent")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if record.Timestamp.Year() != 2023 {
		t.Errorf("year = %d, want 2023 (declared year wins)", record.Timestamp.Year())
	}
}

func TestISOParserTagForm(t *testing.T) {
	p, _ := New("rfc5424", Options{})

	record, err := p.Parse("2025-01-01T10:00:00.123456+08:00 mailer1 postfix/qmgr[123456]: A2DE917F931: from=<abc@example.com>, size=12345, nrcpt=1 (queue active)")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	want := time.Date(2025, time.January, 1, 10, 0, 0, 123456000, time.FixedZone("", 8*3600))
	if !record.Timestamp.Equal(want) {
		t.Errorf("Timestamp = %v, want %v", record.Timestamp, want)
	}
	if record.Host != "mailer1" || record.Service != "postfix/qmgr" || record.QueueID != "A2DE917F931" {
		t.Errorf("got host=%q service=%q queue=%q", record.Host, record.Service, record.QueueID)
	}
}

func TestISOParserHeaderForm(t *testing.T) {
	p, _ := New("rfc5424", Options{})

	record, err := p.Parse("<13>1 2025-01-01T10:00:00Z mailer1 postfix 123 ID47 - A2DE917F931: from=<a@b>")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if record.Service != "postfix" {
		t.Errorf("Service = %q, want postfix", record.Service)
	}
	if record.QueueID != "A2DE917F931" {
		t.Errorf("QueueID = %q, want A2DE917F931", record.QueueID)
	}
	if record.Message != "from=<a@b>" {
		t.Errorf("Message = %q, want from=<a@b>", record.Message)
	}
}

func TestISOParserNoQueueID(t *testing.T) {
	p, _ := New("rfc5424", Options{})

	record, err := p.Parse("2025-01-01T10:00:00Z mx1 postfix/smtpd[99]: connect from client.example.com[10.0.0.9]")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if record.QueueID != "" {
		t.Errorf("QueueID = %q, want empty", record.QueueID)
	}
	if record.Message != "connect from client.example.com[10.0.0.9]" {
		t.Errorf("Message = %q", record.Message)
	}
}

func TestAutoParser(t *testing.T) {
	ref := time.Date(2025, time.June, 1, 0, 0, 0, 0, time.UTC)
	p, _ := New("auto", Options{Reference: ref})

	tests := []struct {
		name string
		line string
		host string
	}{
		{"digit selects ISO", "2025-01-01T10:00:00Z mx1 postfix/smtp[1]: ABC123: status=sent", "mx1"},
		{"letter selects BSD", "Feb 1 10:00:00 mx2 postfix/smtp[1]: ABC123: status=sent", "mx2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			record, err := p.Parse(tt.line)
			if err != nil {
				t.Fatalf("Parse(%q): %v", tt.line, err)
			}
			if record.Host != tt.host {
				t.Errorf("Host = %q, want %q", record.Host, tt.host)
			}
		})
	}
}

func TestParseMalformed(t *testing.T) {
	ref := time.Date(2025, time.June, 1, 0, 0, 0, 0, time.UTC)
	p, _ := New("auto", Options{Reference: ref})

	lines := []string{
		"",
		"!!! not a log line",
		"short line",
		"2025-01-01T10:00:00Z onlyhost",
		"garbage with words but no syslog shape at all here ok",
	}
	for _, line := range lines {
		if _, err := p.Parse(line); !errors.Is(err, ErrMalformed) {
			t.Errorf("Parse(%q) error = %v, want ErrMalformed", line, err)
		}
	}
}

func TestSplitQueueID(t *testing.T) {
	tests := []struct {
		message string
		id      string
		rest    string
	}{
		{"ABC123DEF: to=<u@v>, status=sent", "ABC123DEF", "to=<u@v>, status=sent"},
		{"connect from mx[10.0.0.1]", "", "connect from mx[10.0.0.1]"},
		// Lowercase and non-hex tokens are not queue ids.
		{"abc123: whatever", "", "abc123: whatever"},
		{"NOQUEUE: reject", "", "NOQUEUE: reject"},
		{"250 2.0.0 ok", "", "250 2.0.0 ok"},
	}
	for _, tt := range tests {
		id, rest := SplitQueueID(tt.message)
		if id != tt.id || rest != tt.rest {
			t.Errorf("SplitQueueID(%q) = (%q, %q), want (%q, %q)", tt.message, id, rest, tt.id, tt.rest)
		}
	}
}

// Well-formed lines survive a render-and-reparse cycle with the same
// structured fields.
func TestRoundTripStability(t *testing.T) {
	p, _ := New("rfc5424", Options{})

	lines := []string{
		"2025-01-01T10:00:00Z mailer1 postfix/qmgr[123]: A2DE917F931: from=<a@b>, size=5",
		"2025-03-05T08:30:00+02:00 mx9 postfix/smtpd[4]: connect from other[1.2.3.4]",
	}
	for _, line := range lines {
		first, err := p.Parse(line)
		if err != nil {
			t.Fatalf("Parse(%q): %v", line, err)
		}
		second, err := p.Parse(first.String())
		if err != nil {
			t.Fatalf("reparse of %q: %v", first.String(), err)
		}
		if !first.Timestamp.Equal(second.Timestamp) || first.Host != second.Host ||
			first.Service != second.Service || first.QueueID != second.QueueID ||
			first.Message != second.Message {
			t.Errorf("round trip changed record:\n first=%+v\nsecond=%+v", first, second)
		}
	}
}
