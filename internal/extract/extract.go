// Package extract classifies mail log records into events and pulls out the
// fields the tracer needs to follow a message between relays: next-hop
// hosts, peer queue ids, and message ids.
package extract

import (
	"regexp"
	"strings"

	"github.com/tinytelemetry/mailtrace/internal/model"
)

// Kind labels what a log record tells us about a queue id's lifecycle.
type Kind int

const (
	// KindOther is anything unrecognized, including recognized shapes
	// with missing fields.
	KindOther Kind = iota
	// KindReceive marks the first appearance of a queue id, optionally
	// carrying the message id.
	KindReceive
	// KindConnect associates a queue id with the peer that handed the
	// mail over.
	KindConnect
	// KindForward marks a handoff to another relay.
	KindForward
	// KindDeliver marks terminal delivery: local handoff, bounce, or
	// deferral.
	KindDeliver
)

func (k Kind) String() string {
	switch k {
	case KindReceive:
		return "receive"
	case KindConnect:
		return "connect"
	case KindForward:
		return "forward"
	case KindDeliver:
		return "deliver"
	default:
		return "other"
	}
}

// MailEvent is one classified log record plus its extracted fields.
type MailEvent struct {
	Kind   Kind
	Record model.LogRecord

	PeerHost    string // CONNECT: the client that handed the mail over
	MessageID   string // RECEIVE: header message id, angle brackets stripped
	NextHost    string // FORWARD/DELIVER: the relay named on the line
	NextIP      string
	NextPort    string
	PeerQueueID string // FORWARD: queue id assigned by the next hop
	Status      string // DELIVER/FORWARD: sent, bounced, deferred
}

var (
	clientRe    = regexp.MustCompile(`client=([^\s,\[]+)\[([^\]]*)\]`)
	messageIDRe = regexp.MustCompile(`message-id=<([^>]+)>`)
	eximIDRe    = regexp.MustCompile(`\bid=([A-Za-z0-9._+-]+@[A-Za-z0-9.-]+)`)
	relayRe     = regexp.MustCompile(`relay=([^\s,\[]+)(?:\[([^\]]*)\])?(?::([0-9]+))?`)
	statusRe    = regexp.MustCompile(`status=(sent|bounced|deferred)`)
	queuedAsRe  = regexp.MustCompile(`250[^)]*queued as ([0-9A-F]+)`)
	fromRe      = regexp.MustCompile(`from=<([^>]*)>`)
	toRe        = regexp.MustCompile(`to=<([^>]*)>`)
)

// Extractor classifies records. FinalTags lists relay names that mean the
// mail left the relay fleet (terminal delivery) rather than hopped onward.
type Extractor struct {
	FinalTags []string
}

// New returns an extractor. The "local" relay is always terminal; tags adds
// the configured final-delivery names.
func New(tags ...string) *Extractor {
	final := []string{"local"}
	for _, t := range tags {
		if t != "" && t != "local" {
			final = append(final, t)
		}
	}
	return &Extractor{FinalTags: final}
}

// Classify turns one record into a MailEvent. Recognized shapes with
// missing fields degrade to KindOther rather than failing.
func (e *Extractor) Classify(r model.LogRecord) MailEvent {
	event := MailEvent{Kind: KindOther, Record: r}

	if m := messageIDRe.FindStringSubmatch(r.Message); m != nil {
		event.Kind = KindReceive
		event.MessageID = m[1]
		return event
	}

	if m := statusRe.FindStringSubmatch(r.Message); m != nil {
		event.Status = m[1]
		relay := relayRe.FindStringSubmatch(r.Message)
		if relay != nil {
			event.NextHost = relay[1]
			event.NextIP = relay[2]
			event.NextPort = relay[3]
		}
		switch {
		case event.Status != "sent":
			event.Kind = KindDeliver
		case relay == nil:
			// status=sent without a relay name is unusable for walking.
			event.Kind = KindOther
		case e.isFinal(event.NextHost):
			event.Kind = KindDeliver
		default:
			event.Kind = KindForward
			if q := queuedAsRe.FindStringSubmatch(r.Message); q != nil {
				event.PeerQueueID = q[1]
			}
		}
		return event
	}

	if m := clientRe.FindStringSubmatch(r.Message); m != nil {
		event.Kind = KindConnect
		event.PeerHost = m[1]
		return event
	}

	if m := eximIDRe.FindStringSubmatch(r.Message); m != nil {
		event.Kind = KindReceive
		event.MessageID = m[1]
		return event
	}

	return event
}

// Events classifies a slice of records in order.
func (e *Extractor) Events(records []model.LogRecord) []MailEvent {
	events := make([]MailEvent, 0, len(records))
	for _, r := range records {
		events = append(events, e.Classify(r))
	}
	return events
}

func (e *Extractor) isFinal(relay string) bool {
	for _, tag := range e.FinalTags {
		if strings.EqualFold(relay, tag) {
			return true
		}
	}
	return false
}

// MessageID pulls the header message id out of a record's text, trying the
// Postfix angle-bracket form first, then the bare Exim form. Empty when the
// line carries neither.
func MessageID(r model.LogRecord) string {
	if m := messageIDRe.FindStringSubmatch(r.Message); m != nil {
		return m[1]
	}
	if m := eximIDRe.FindStringSubmatch(r.Message); m != nil {
		return m[1]
	}
	return ""
}

// Envelope pulls the sender and first recipient off a record, if present.
func Envelope(r model.LogRecord) (from, to string) {
	if m := fromRe.FindStringSubmatch(r.Message); m != nil {
		from = m[1]
	}
	if m := toRe.FindStringSubmatch(r.Message); m != nil {
		to = m[1]
	}
	return from, to
}

// QueueGroup is the records of one queue id, in input order.
type QueueGroup struct {
	QueueID string
	Records []model.LogRecord
}

// GroupByQueueID buckets records by queue id. Groups appear in order of the
// queue id's first appearance so downstream output stays deterministic.
// Records without a queue id land under the empty id; they are kept only as
// context for message-id lookups.
func GroupByQueueID(records []model.LogRecord) []QueueGroup {
	index := make(map[string]int)
	var groups []QueueGroup
	for _, r := range records {
		i, ok := index[r.QueueID]
		if !ok {
			i = len(groups)
			index[r.QueueID] = i
			groups = append(groups, QueueGroup{QueueID: r.QueueID})
		}
		groups[i].Records = append(groups[i].Records, r)
	}
	return groups
}
