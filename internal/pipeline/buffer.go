package pipeline

import (
	"time"

	"github.com/tinytelemetry/mailtrace/internal/extract"
	"github.com/tinytelemetry/mailtrace/internal/model"
)

// recordKey deduplicates records that reappear in the overlap window.
type recordKey struct {
	ts      int64
	host    string
	message string
}

type hostQueue struct {
	host    string
	queueID string
}

// TraceState buffers one message's records across rounds until the group
// goes quiet long enough to flush.
type TraceState struct {
	MessageID      string
	FirstSeen      time.Time
	LastSeen       time.Time
	Hosts          map[string]bool
	Records        []model.LogRecord
	RoundsSinceNew int

	seen    map[recordKey]bool
	minSeq  uint64 // lowest journal sequence still held by this state
	maxSeq  uint64
	grewNow bool // new record arrived in the current round
}

func newTraceState(messageID string) *TraceState {
	return &TraceState{
		MessageID: messageID,
		Hosts:     make(map[string]bool),
		seen:      make(map[recordKey]bool),
	}
}

// add appends a record unless the (timestamp, host, message) tuple was seen
// before. Reports whether the record was new.
func (s *TraceState) add(r model.LogRecord, seq uint64) bool {
	key := recordKey{ts: r.Timestamp.UnixNano(), host: r.Host, message: r.Message}
	if s.seen[key] {
		return false
	}
	s.seen[key] = true
	s.Records = append(s.Records, r)
	s.Hosts[r.Host] = true
	if s.FirstSeen.IsZero() || r.Timestamp.Before(s.FirstSeen) {
		s.FirstSeen = r.Timestamp
	}
	if r.Timestamp.After(s.LastSeen) {
		s.LastSeen = r.Timestamp
	}
	if seq > 0 {
		if s.minSeq == 0 || seq < s.minSeq {
			s.minSeq = seq
		}
		if seq > s.maxSeq {
			s.maxSeq = seq
		}
	}
	s.grewNow = true
	return true
}

// Buffer holds per-message trace state plus the cross-round join table from
// (host, queue_id) to message id. Single-writer: the round driver ingests
// and flushes inline, so no locking is needed.
type Buffer struct {
	states map[string]*TraceState
	order  []string // message ids in first-sighting order
	joins  map[hostQueue]string
}

// NewBuffer returns an empty buffer.
func NewBuffer() *Buffer {
	return &Buffer{
		states: make(map[string]*TraceState),
		joins:  make(map[hostQueue]string),
	}
}

// Ingest routes one record into its message's state. The message id is read
// off the line itself when present, otherwise resolved through the queue-id
// join table built from receive events in this or prior rounds. Records
// with neither association are dropped. seq is the record's journal
// sequence (0 when journaling is off). Reports whether the record was kept.
func (b *Buffer) Ingest(r model.LogRecord, seq uint64) bool {
	messageID := extract.MessageID(r)
	if messageID != "" && r.QueueID != "" {
		b.joins[hostQueue{host: r.Host, queueID: r.QueueID}] = messageID
	}
	if messageID == "" {
		if r.QueueID == "" {
			return false
		}
		messageID = b.joins[hostQueue{host: r.Host, queueID: r.QueueID}]
		if messageID == "" {
			return false
		}
	}

	state, ok := b.states[messageID]
	if !ok {
		state = newTraceState(messageID)
		b.states[messageID] = state
		b.order = append(b.order, messageID)
	}
	return state.add(r, seq)
}

// Restore re-buffers a journal entry after a restart. The message id is
// already resolved.
func (b *Buffer) Restore(messageID string, r model.LogRecord, seq uint64) {
	if messageID == "" {
		return
	}
	if r.QueueID != "" {
		b.joins[hostQueue{host: r.Host, queueID: r.QueueID}] = messageID
	}
	state, ok := b.states[messageID]
	if !ok {
		state = newTraceState(messageID)
		b.states[messageID] = state
		b.order = append(b.order, messageID)
	}
	state.add(r, seq)
}

// EndRound closes the current round: quiet-round counters advance, and
// every state that has been quiet for at least holdRounds rounds is removed
// and returned for flushing, in first-sighting order. holdRounds <= 0
// flushes everything each round.
func (b *Buffer) EndRound(holdRounds int) []*TraceState {
	var flushed []*TraceState
	var remaining []string
	for _, messageID := range b.order {
		state := b.states[messageID]
		if state.grewNow {
			state.RoundsSinceNew = 0
		} else {
			state.RoundsSinceNew++
		}
		state.grewNow = false

		if state.RoundsSinceNew >= holdRounds {
			flushed = append(flushed, state)
			delete(b.states, messageID)
			continue
		}
		remaining = append(remaining, messageID)
	}
	b.order = remaining
	return flushed
}

// Len reports how many messages are buffered.
func (b *Buffer) Len() int { return len(b.states) }

// MinPendingSeq is the lowest journal sequence still held by any buffered
// state, or 0 when nothing journaled is pending.
func (b *Buffer) MinPendingSeq() uint64 {
	var minSeq uint64
	for _, state := range b.states {
		if state.minSeq == 0 {
			continue
		}
		if minSeq == 0 || state.minSeq < minSeq {
			minSeq = state.minSeq
		}
	}
	return minSeq
}
