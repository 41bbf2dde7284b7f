package aggregator

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/tinytelemetry/mailtrace/internal/config"
	"github.com/tinytelemetry/mailtrace/internal/model"
)

func indexForTest(t *testing.T) *Index {
	t.Helper()
	cfg := &config.Config{
		Method: config.MethodOpenSearch,
		OpenSearch: config.OpenSearchConfig{
			Host:     "search.example.com",
			Port:     9200,
			Index:    "mail-logs",
			TimeZone: "+03:00",
			Mapping: config.Mapping{
				Facility:  "log.syslog.facility.name",
				Hostname:  "log.syslog.hostname",
				Message:   "message",
				Timestamp: "@timestamp",
				Service:   "log.syslog.appname",
			},
		},
	}
	idx, err := NewIndex(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewIndex: %v", err)
	}
	return idx
}

func TestBuildQuery(t *testing.T) {
	idx := indexForTest(t)
	start := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	q := model.LogQuery{
		Keywords: []string{"alice@example.com", "ABC123"},
		Start:    start,
		End:      start.Add(time.Hour),
	}

	body := idx.buildQuery("mx1.example.com", q, 2000)
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var parsed struct {
		Query struct {
			Bool struct {
				Must []map[string]map[string]any `json:"must"`
			} `json:"bool"`
		} `json:"query"`
		Size int `json:"size"`
		From int `json:"from"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if parsed.Size != indexPageSize || parsed.From != 2000 {
		t.Errorf("size/from = %d/%d", parsed.Size, parsed.From)
	}

	// facility + host + range + one phrase per keyword.
	if len(parsed.Query.Bool.Must) != 5 {
		t.Fatalf("must clauses = %d, want 5", len(parsed.Query.Bool.Must))
	}

	var sawHost, sawRange, phrases int
	for _, clause := range parsed.Query.Bool.Must {
		if m, ok := clause["match_phrase"]; ok {
			if _, ok := m["log.syslog.hostname"]; ok {
				sawHost++
				continue
			}
			if _, ok := m["message"]; ok {
				phrases++
			}
		}
		if r, ok := clause["range"]; ok {
			sawRange++
			ts := r["@timestamp"].(map[string]any)
			// Bounds rendered in the configured +03:00 offset.
			if ts["gte"] != "2025-01-01T13:00:00" || ts["lte"] != "2025-01-01T14:00:00" {
				t.Errorf("range bounds = %v to %v", ts["gte"], ts["lte"])
			}
			if ts["time_zone"] != "+03:00" {
				t.Errorf("time_zone = %v", ts["time_zone"])
			}
		}
	}
	if sawHost != 1 || sawRange != 1 || phrases != 2 {
		t.Errorf("host=%d range=%d phrases=%d", sawHost, sawRange, phrases)
	}
}

func TestToRecord(t *testing.T) {
	idx := indexForTest(t)

	hit := indexHit{Source: map[string]any{
		"@timestamp": "2025-01-01T10:00:00.123Z",
		"message":    "A2DE917F931: from=<abc@example.com>, size=12345",
		"log": map[string]any{
			"syslog": map[string]any{
				"hostname": "mailer1.example.com",
				"appname":  "postfix/qmgr",
			},
		},
	}}

	record, ok := idx.toRecord(hit)
	if !ok {
		t.Fatal("toRecord rejected a well-formed hit")
	}
	if record.Host != "mailer1.example.com" {
		t.Errorf("Host = %q", record.Host)
	}
	if record.Service != "postfix/qmgr" {
		t.Errorf("Service = %q", record.Service)
	}
	if record.QueueID != "A2DE917F931" {
		t.Errorf("QueueID = %q", record.QueueID)
	}
	if record.Message != "from=<abc@example.com>, size=12345" {
		t.Errorf("Message = %q", record.Message)
	}
}

func TestToRecordMissingFields(t *testing.T) {
	idx := indexForTest(t)

	if _, ok := idx.toRecord(indexHit{Source: map[string]any{"message": "x"}}); ok {
		t.Error("hit without timestamp accepted")
	}
	if _, ok := idx.toRecord(indexHit{Source: map[string]any{
		"@timestamp": "not a timestamp",
		"message":    "x",
		"log":        map[string]any{"syslog": map[string]any{"hostname": "h"}},
	}}); ok {
		t.Error("unparseable timestamp accepted")
	}
}

func TestLookupField(t *testing.T) {
	source := map[string]any{
		"flat.dotted.key": "flat",
		"nested":          map[string]any{"inner": "deep"},
	}

	if v, ok := lookupField(source, "flat.dotted.key"); !ok || v != "flat" {
		t.Errorf("flat lookup = %q, %v", v, ok)
	}
	if v, ok := lookupField(source, "nested.inner"); !ok || v != "deep" {
		t.Errorf("nested lookup = %q, %v", v, ok)
	}
	if _, ok := lookupField(source, "missing.path"); ok {
		t.Error("missing path resolved")
	}
	if _, ok := lookupField(source, ""); ok {
		t.Error("empty path resolved")
	}
}
