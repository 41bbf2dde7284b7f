// Package pipeline runs the continuous tracing loop: on a fixed interval it
// queries every configured host for all mail records in the round window,
// buffers them per message id, and exports groups that have gone quiet as
// OpenTelemetry traces.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"golang.org/x/sync/errgroup"

	"github.com/tinytelemetry/mailtrace/internal/aggregator"
	"github.com/tinytelemetry/mailtrace/internal/config"
	"github.com/tinytelemetry/mailtrace/internal/extract"
	"github.com/tinytelemetry/mailtrace/internal/journal"
	"github.com/tinytelemetry/mailtrace/internal/model"
	"github.com/tinytelemetry/mailtrace/internal/otlp"
)

// backoffCeiling caps the auth-failure retry delay at this many rounds.
const backoffCeiling = 16

// exportTimeout bounds the final flush during shutdown.
const exportTimeout = 10 * time.Second

// TraceExporter ships built spans to a collector. Implementations must be
// safe for use from the round loop; *otlp.Exporter satisfies this.
type TraceExporter interface {
	Export(ctx context.Context, spans []*tracepb.ResourceSpans) error
}

// Pipeline drives the rounds. The buffer is single-writer (the round loop)
// and the flusher runs inline after ingestion, so only the aggregator fan-out
// is concurrent.
type Pipeline struct {
	cfg      *config.Config
	agg      aggregator.Aggregator
	exporter TraceExporter
	logger   *slog.Logger
	ext      *extract.Extractor
	buffer   *Buffer
	journal  *journal.Journal // nil when journaling is off

	// now is the clock, swappable in tests.
	now func() time.Time

	// hostBackoff maps a host to the round number before which it is not
	// queried again after an auth failure; hostDelay is the current delay
	// in rounds. backoffMu guards both against the query fan-out.
	backoffMu   sync.Mutex
	hostBackoff map[string]int
	hostDelay   map[string]int
	round       int
}

// New assembles a pipeline. An empty tracing.journal_path disables the
// durable buffer; otherwise unflushed records from a previous run are
// replayed into the buffer before the first round.
func New(cfg *config.Config, agg aggregator.Aggregator, exporter TraceExporter, logger *slog.Logger) (*Pipeline, error) {
	p := &Pipeline{
		cfg:         cfg,
		agg:         agg,
		exporter:    exporter,
		logger:      logger,
		ext:         extract.New(cfg.FinalDeliveryTag),
		buffer:      NewBuffer(),
		now:         time.Now,
		hostBackoff: make(map[string]int),
		hostDelay:   make(map[string]int),
	}

	if path := cfg.Tracing.JournalPath; path != "" {
		j, err := journal.Open(path)
		if err != nil {
			return nil, err
		}
		p.journal = j
		replayed := 0
		if err := j.Replay(func(e journal.Entry) error {
			p.buffer.Restore(e.MessageID, e.Record(), e.Seq)
			replayed++
			return nil
		}); err != nil {
			j.Close()
			return nil, err
		}
		if replayed > 0 {
			logger.Info("replayed unflushed records from journal", "count", replayed)
		}
	}
	return p, nil
}

// Run loops until ctx is cancelled. Each round covers
// [prev_end - go_back_seconds, now]; the overlap catches records whose
// syslog timestamp predates their ingest time, and the buffer deduplicates
// them. The current round's flush completes before Run returns.
func (p *Pipeline) Run(ctx context.Context) error {
	sleep := time.Duration(p.cfg.Tracing.SleepSeconds) * time.Second
	goBack := time.Duration(p.cfg.Tracing.GoBackSeconds) * time.Second

	prevEnd := p.now().Add(-sleep)
	for {
		end := p.now()
		start := prevEnd.Add(-goBack)
		p.RunRound(ctx, start, end)
		prevEnd = end

		select {
		case <-ctx.Done():
			return p.shutdown()
		case <-time.After(sleep):
		}
	}
}

// RunRound executes one query-ingest-flush cycle over [start, end].
func (p *Pipeline) RunRound(ctx context.Context, start, end time.Time) {
	p.round++
	records := p.queryAll(ctx, start, end)
	p.logger.Info("round complete", "round", p.round, "records", len(records),
		"window_start", start, "window_end", end)

	kept := 0
	for _, r := range records {
		var seq uint64
		if p.journal != nil {
			if s, err := p.journal.Append(messageIDFor(r, p.buffer), r); err == nil {
				seq = s
			} else {
				p.logger.Warn("journal append failed", "error", err)
			}
		}
		if p.buffer.Ingest(r, seq) {
			kept++
		}
	}
	p.logger.Debug("buffered", "round", p.round, "kept", kept, "messages", p.buffer.Len())

	p.flush(ctx)
}

// queryAll fans out one empty-keyword query per configured physical host
// and merges the results in timestamp order. Failed hosts are skipped;
// auth failures back off exponentially up to the ceiling.
func (p *Pipeline) queryAll(ctx context.Context, start, end time.Time) []model.LogRecord {
	hosts := p.cfg.AllHosts()
	results := make([][]model.LogRecord, len(hosts))

	var eg errgroup.Group
	eg.SetLimit(p.cfg.QueryConcurrency)
	for i, host := range hosts {
		p.backoffMu.Lock()
		until, backing := p.hostBackoff[host]
		p.backoffMu.Unlock()
		if backing && p.round < until {
			p.logger.Debug("host backing off", "host", host, "until_round", until)
			continue
		}
		eg.Go(func() error {
			records, err := p.agg.Query(ctx, p.cfg.Qualify(host), model.LogQuery{Start: start, End: end})
			if err != nil {
				p.noteQueryError(host, err)
				return nil
			}
			results[i] = records
			return nil
		})
	}
	_ = eg.Wait()

	var merged []model.LogRecord
	p.backoffMu.Lock()
	for i, host := range hosts {
		if results[i] != nil {
			delete(p.hostBackoff, host)
			delete(p.hostDelay, host)
		}
		merged = append(merged, results[i]...)
	}
	p.backoffMu.Unlock()
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Timestamp.Before(merged[j].Timestamp)
	})
	return merged
}

func (p *Pipeline) noteQueryError(host string, err error) {
	if errors.Is(err, aggregator.ErrAuth) {
		p.backoffMu.Lock()
		delay := p.hostDelay[host]
		if delay == 0 {
			delay = 1
		} else if delay < backoffCeiling {
			delay *= 2
		}
		p.hostDelay[host] = delay
		p.hostBackoff[host] = p.round + delay
		p.backoffMu.Unlock()
		p.logger.Warn("auth failed, backing off", "host", host, "rounds", delay, "error", err)
		return
	}
	p.logger.Warn("host query failed, skipping this round", "host", host, "error", err)
}

// flush exports every trace group that has been quiet for hold_rounds.
func (p *Pipeline) flush(ctx context.Context) {
	flushed := p.buffer.EndRound(p.cfg.Tracing.HoldRounds)
	if len(flushed) == 0 {
		return
	}

	// Exports finish even when the surrounding context is being
	// cancelled: a ready-to-emit trace must not be lost to shutdown.
	exportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), exportTimeout)
	defer cancel()

	exported := 0
	for _, state := range flushed {
		spans := otlp.BuildTrace(state.MessageID, state.Records, p.ext)
		if err := p.exporter.Export(exportCtx, spans); err != nil {
			p.logger.Error("trace export failed", "message_id", state.MessageID, "error", err)
			continue
		}
		exported++
		p.logger.Info("trace exported", "message_id", state.MessageID,
			"records", len(state.Records), "hosts", len(state.Hosts))
	}

	if p.journal != nil {
		// Everything below the lowest still-pending sequence is durable
		// downstream now.
		if pending := p.buffer.MinPendingSeq(); pending > 1 {
			if err := p.journal.Commit(pending - 1); err != nil {
				p.logger.Warn("journal commit failed", "error", err)
			}
		} else if pending == 0 {
			if err := p.journal.Commit(maxSeq(flushed)); err != nil {
				p.logger.Warn("journal commit failed", "error", err)
			}
		}
	}
	p.logger.Info("round flushed", "round", p.round, "exported", exported)
}

func (p *Pipeline) shutdown() error {
	if p.journal != nil {
		return p.journal.Close()
	}
	return nil
}

func maxSeq(states []*TraceState) uint64 {
	var m uint64
	for _, s := range states {
		if s.maxSeq > m {
			m = s.maxSeq
		}
	}
	return m
}

// messageIDFor resolves the message id a record will be grouped under, for
// journaling. Mirrors Buffer.Ingest's association rules without mutating
// the join table.
func messageIDFor(r model.LogRecord, b *Buffer) string {
	if id := extract.MessageID(r); id != "" {
		return id
	}
	if r.QueueID != "" {
		return b.joins[hostQueue{host: r.Host, queueID: r.QueueID}]
	}
	return ""
}
