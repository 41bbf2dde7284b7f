package aggregator

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/opensearch-project/opensearch-go/v2"

	"github.com/tinytelemetry/mailtrace/internal/config"
	"github.com/tinytelemetry/mailtrace/internal/logparse"
	"github.com/tinytelemetry/mailtrace/internal/model"
)

const (
	indexPageSize  = 1000
	indexResultCap = 10000
)

// Index queries an OpenSearch index through the configured field mapping.
// The client connection is long-lived; Close releases idle transports.
type Index struct {
	cfg       *config.Config
	logger    *slog.Logger
	client    *opensearch.Client
	transport *http.Transport
	loc       *time.Location
}

// NewIndex builds the OpenSearch client from opensearch_config.
func NewIndex(cfg *config.Config, logger *slog.Logger) (*Index, error) {
	oc := cfg.OpenSearch
	scheme := "http"
	if oc.UseSSL {
		scheme = "https"
	}
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: !oc.VerifyCerts},
	}
	client, err := opensearch.NewClient(opensearch.Config{
		Addresses: []string{fmt.Sprintf("%s://%s:%d", scheme, oc.Host, oc.Port)},
		Username:  oc.Username,
		Password:  oc.Password,
		Transport: transport,
	})
	if err != nil {
		return nil, fmt.Errorf("aggregator: opensearch client: %w", err)
	}
	loc, err := config.ParseTimeZone(oc.TimeZone)
	if err != nil {
		return nil, err
	}
	return &Index{cfg: cfg, logger: logger, client: client, transport: transport, loc: loc}, nil
}

func (a *Index) Query(ctx context.Context, host string, q model.LogQuery) ([]model.LogRecord, error) {
	var records []model.LogRecord
	for from := 0; ; from += indexPageSize {
		hits, total, err := a.page(ctx, host, q, from)
		if err != nil {
			return nil, &Error{Host: host, Err: err}
		}
		for _, hit := range hits {
			record, ok := a.toRecord(hit)
			if !ok {
				continue
			}
			records = append(records, record)
		}
		if len(records) >= indexResultCap {
			a.logger.Warn("index result cap exceeded, truncating",
				"host", host, "cap", indexResultCap, "total", total)
			break
		}
		if from+len(hits) >= total || len(hits) < indexPageSize {
			break
		}
	}
	return normalize(records, q), nil
}

func (a *Index) Close() error {
	a.transport.CloseIdleConnections()
	return nil
}

type indexHit struct {
	Source map[string]any `json:"_source"`
}

type indexResponse struct {
	Hits struct {
		Total struct {
			Value int `json:"value"`
		} `json:"total"`
		Hits []indexHit `json:"hits"`
	} `json:"hits"`
}

func (a *Index) page(ctx context.Context, host string, q model.LogQuery, from int) ([]indexHit, int, error) {
	body, err := json.Marshal(a.buildQuery(host, q, from))
	if err != nil {
		return nil, 0, err
	}

	if t := a.cfg.OpenSearch.Timeout; t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(t)*time.Second)
		defer cancel()
	}

	res, err := a.client.Search(
		a.client.Search.WithContext(ctx),
		a.client.Search.WithIndex(a.cfg.OpenSearch.Index),
		a.client.Search.WithBody(bytes.NewReader(body)),
	)
	if err != nil {
		return nil, 0, fmt.Errorf("search: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		detail, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		switch res.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return nil, 0, fmt.Errorf("%w: status %d", ErrAuth, res.StatusCode)
		case http.StatusNotFound:
			return nil, 0, fmt.Errorf("index %q not found", a.cfg.OpenSearch.Index)
		default:
			return nil, 0, fmt.Errorf("search status %d: %s", res.StatusCode, strings.TrimSpace(string(detail)))
		}
	}

	var parsed indexResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, 0, fmt.Errorf("decoding response: %w", err)
	}
	return parsed.Hits.Hits, parsed.Hits.Total.Value, nil
}

// buildQuery translates (host, keywords, window) into the index DSL: AND
// phrase queries per keyword, exact host match, timezone-aware range.
func (a *Index) buildQuery(host string, q model.LogQuery, from int) map[string]any {
	m := a.cfg.OpenSearch.Mapping
	must := []map[string]any{}
	if m.Facility != "" {
		must = append(must, map[string]any{"match": map[string]any{m.Facility: "mail"}})
	}
	must = append(must, map[string]any{"match_phrase": map[string]any{m.Hostname: host}})
	if !q.Start.IsZero() && !q.End.IsZero() {
		must = append(must, map[string]any{"range": map[string]any{
			m.Timestamp: map[string]any{
				"gte":       q.Start.In(a.loc).Format("2006-01-02T15:04:05"),
				"lte":       q.End.In(a.loc).Format("2006-01-02T15:04:05"),
				"time_zone": a.cfg.OpenSearch.TimeZone,
			},
		}})
	}
	for _, k := range q.Keywords {
		if k == "" {
			continue
		}
		must = append(must, map[string]any{"match_phrase": map[string]any{m.Message: k}})
	}

	return map[string]any{
		"query": map[string]any{"bool": map[string]any{"must": must}},
		"size":  indexPageSize,
		"from":  from,
		"sort":  []map[string]any{{m.Timestamp: map[string]any{"order": "asc"}}},
	}
}

// toRecord maps one hit's source document through the field mapping.
func (a *Index) toRecord(hit indexHit) (model.LogRecord, bool) {
	m := a.cfg.OpenSearch.Mapping

	tsRaw, ok := lookupField(hit.Source, m.Timestamp)
	if !ok {
		return model.LogRecord{}, false
	}
	ts, err := parseIndexTime(tsRaw, a.loc)
	if err != nil {
		return model.LogRecord{}, false
	}
	host, ok := lookupField(hit.Source, m.Hostname)
	if !ok {
		return model.LogRecord{}, false
	}
	message, ok := lookupField(hit.Source, m.Message)
	if !ok {
		return model.LogRecord{}, false
	}

	service, _ := lookupField(hit.Source, m.Service)

	queueID, rest := "", message
	if m.QueueID != "" {
		if id, ok := lookupField(hit.Source, m.QueueID); ok {
			queueID = id
		}
	}
	if queueID == "" {
		queueID, rest = logparse.SplitQueueID(message)
		if queueID != "" {
			message = rest
		}
	}

	return model.LogRecord{
		Timestamp: ts,
		Host:      host,
		Service:   service,
		QueueID:   queueID,
		Message:   message,
	}, true
}

var indexTimeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999",
	"2006-01-02T15:04:05",
}

func parseIndexTime(raw string, loc *time.Location) (time.Time, error) {
	for _, layout := range indexTimeLayouts {
		if ts, err := time.ParseInLocation(layout, raw, loc); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", raw)
}

// lookupField resolves a mapping path like "log.syslog.hostname" against a
// source document, trying the flat dotted key first, then nested objects.
func lookupField(source map[string]any, path string) (string, bool) {
	if path == "" {
		return "", false
	}
	if v, ok := source[path]; ok {
		return stringify(v)
	}
	parts := strings.Split(path, ".")
	current := any(source)
	for _, part := range parts {
		obj, ok := current.(map[string]any)
		if !ok {
			return "", false
		}
		current, ok = obj[part]
		if !ok {
			return "", false
		}
	}
	return stringify(current)
}

func stringify(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case float64:
		return fmt.Sprintf("%v", s), true
	default:
		return "", false
	}
}
