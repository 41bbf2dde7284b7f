package otlp

import (
	"strings"
	"time"

	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"

	"github.com/tinytelemetry/mailtrace/internal/extract"
	"github.com/tinytelemetry/mailtrace/internal/model"
)

// minSpanDuration keeps single-record spans visible in trace UIs.
const minSpanDuration = time.Microsecond

// hostQueue keys one span: the residency of the message on one host under
// one queue id.
type hostQueue struct {
	host    string
	queueID string
}

type spanGroup struct {
	key     hostQueue
	records []model.LogRecord
	events  []extract.MailEvent
}

// BuildTrace turns one message's buffered records into ResourceSpans, one
// resource per host (service.name = host), one span per (host, queue_id).
// Parent links follow forward events; the earliest span with no parent is
// the root.
func BuildTrace(messageID string, records []model.LogRecord, ext *extract.Extractor) []*tracepb.ResourceSpans {
	groups := groupSpans(records)
	if len(groups) == 0 {
		return nil
	}
	for _, g := range groups {
		g.events = ext.Events(g.records)
	}

	parents := linkParents(groups)
	traceID := TraceID(messageID)

	// One ResourceSpans per host, hosts in first-appearance order.
	byHost := make(map[string]*tracepb.ResourceSpans)
	var out []*tracepb.ResourceSpans
	for _, g := range groups {
		span := buildSpan(traceID, messageID, g, parents[g.key])
		rs, ok := byHost[g.key.host]
		if !ok {
			rs = &tracepb.ResourceSpans{
				Resource: &resourcepb.Resource{
					Attributes: []*commonpb.KeyValue{strAttr("service.name", g.key.host)},
				},
				ScopeSpans: []*tracepb.ScopeSpans{{
					Scope: &commonpb.InstrumentationScope{Name: "mailtrace"},
				}},
			}
			byHost[g.key.host] = rs
			out = append(out, rs)
		}
		rs.ScopeSpans[0].Spans = append(rs.ScopeSpans[0].Spans, span)
	}
	return out
}

// groupSpans buckets records by (host, queue_id) in first-appearance order.
// Records without a queue id carry no span of their own.
func groupSpans(records []model.LogRecord) []*spanGroup {
	index := make(map[hostQueue]int)
	var groups []*spanGroup
	for _, r := range records {
		if r.QueueID == "" {
			continue
		}
		key := hostQueue{host: r.Host, queueID: r.QueueID}
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, &spanGroup{key: key})
		}
		groups[i].records = append(groups[i].records, r)
	}
	return groups
}

// linkParents resolves the span topology: (H_from, Q_from) parents
// (H_to, Q_to) when a forward on H_from names H_to and the receiving side
// references Q_from. The "queued as" peer queue id is authoritative; when
// absent, a group on the named host whose text mentions Q_from is matched.
func linkParents(groups []*spanGroup) map[hostQueue]hostQueue {
	parents := make(map[hostQueue]hostQueue)
	for _, g := range groups {
		for _, event := range g.events {
			if event.Kind != extract.KindForward || event.NextHost == "" {
				continue
			}
			if event.PeerQueueID != "" {
				child := hostQueue{host: event.NextHost, queueID: event.PeerQueueID}
				if _, taken := parents[child]; !taken {
					parents[child] = g.key
				}
				continue
			}
			for _, candidate := range groups {
				if candidate.key.host != event.NextHost || candidate.key == g.key {
					continue
				}
				if _, taken := parents[candidate.key]; taken {
					continue
				}
				if mentions(candidate.records, g.key.queueID) {
					parents[candidate.key] = g.key
					break
				}
			}
		}
	}
	return parents
}

func mentions(records []model.LogRecord, queueID string) bool {
	for _, r := range records {
		if strings.Contains(r.Message, queueID) {
			return true
		}
	}
	return false
}

func buildSpan(traceID []byte, messageID string, g *spanGroup, parent hostQueue) *tracepb.Span {
	start, end := g.records[0].Timestamp, g.records[0].Timestamp
	for _, r := range g.records[1:] {
		if r.Timestamp.Before(start) {
			start = r.Timestamp
		}
		if r.Timestamp.After(end) {
			end = r.Timestamp
		}
	}
	if !end.After(start) {
		end = start.Add(minSpanDuration)
	}

	counts := make(map[extract.Kind]int)
	var status, service, from, to string
	for i, event := range g.events {
		counts[event.Kind]++
		if event.Status != "" {
			status = event.Status
		}
		if service == "" {
			service = g.records[i].Service
		}
		f, t := extract.Envelope(g.records[i])
		if from == "" {
			from = f
		}
		if to == "" {
			to = t
		}
	}

	attrs := []*commonpb.KeyValue{
		strAttr("host.name", g.key.host),
		strAttr("mail.queue_id", g.key.queueID),
		strAttr("mail.message_id", messageID),
	}
	if service != "" {
		attrs = append(attrs, strAttr("mail.service", service))
	}
	if status != "" {
		attrs = append(attrs, strAttr("mail.status", status))
	}
	if from != "" {
		attrs = append(attrs, strAttr("mail.from", from))
	}
	if to != "" {
		attrs = append(attrs, strAttr("mail.to", to))
	}
	for _, kind := range []extract.Kind{extract.KindReceive, extract.KindConnect, extract.KindForward, extract.KindDeliver, extract.KindOther} {
		if n := counts[kind]; n > 0 {
			attrs = append(attrs, intAttr("mail.events."+kind.String(), int64(n)))
		}
	}

	span := &tracepb.Span{
		TraceId:           traceID,
		SpanId:            SpanID(g.key.queueID),
		Name:              g.key.host + "/" + g.key.queueID,
		Kind:              tracepb.Span_SPAN_KIND_INTERNAL,
		StartTimeUnixNano: uint64(start.UnixNano()),
		EndTimeUnixNano:   uint64(end.UnixNano()),
		Attributes:        attrs,
	}
	if parent != (hostQueue{}) {
		span.ParentSpanId = SpanID(parent.queueID)
	}
	if status == "bounced" {
		span.Status = &tracepb.Status{Code: tracepb.Status_STATUS_CODE_ERROR, Message: "bounced"}
	}
	return span
}

func strAttr(key, value string) *commonpb.KeyValue {
	return &commonpb.KeyValue{
		Key:   key,
		Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: value}},
	}
}

func intAttr(key string, value int64) *commonpb.KeyValue {
	return &commonpb.KeyValue{
		Key:   key,
		Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: value}},
	}
}
