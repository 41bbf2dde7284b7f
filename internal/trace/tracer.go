// Package trace implements the hop-following walker: starting from a
// keyword on one host, it discovers queue ids, chases each forward across
// relays, and accumulates the hops into a MailGraph.
package trace

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tinytelemetry/mailtrace/internal/aggregator"
	"github.com/tinytelemetry/mailtrace/internal/config"
	"github.com/tinytelemetry/mailtrace/internal/extract"
	"github.com/tinytelemetry/mailtrace/internal/model"
)

type hostQueue struct {
	host    string
	queueID string
}

// Tracer walks a mail flow. One Tracer serves one trace run; the visited
// set and graph are shared across the parallel walkers and guarded by a
// single mutex.
type Tracer struct {
	agg    aggregator.Aggregator
	cfg    *config.Config
	ext    *extract.Extractor
	logger *slog.Logger

	start time.Time
	end   time.Time

	sem chan struct{} // bounds concurrent aggregator queries

	mu      sync.Mutex
	visited map[hostQueue]bool
}

// New builds a tracer for one run over the [start, end] window.
func New(agg aggregator.Aggregator, cfg *config.Config, logger *slog.Logger, start, end time.Time) *Tracer {
	concurrency := cfg.QueryConcurrency
	if concurrency <= 0 {
		concurrency = config.DefaultQueryConcurrency
	}
	return &Tracer{
		agg:     agg,
		cfg:     cfg,
		ext:     extract.New(cfg.FinalDeliveryTag),
		logger:  logger,
		start:   start,
		end:     end,
		sem:     make(chan struct{}, concurrency),
		visited: make(map[hostQueue]bool),
	}
}

// Trace follows traceID (a keyword or queue id) starting at startHost and
// adds every discovered hop to g. A cluster alias fans out to its physical
// members in parallel; the graph records the member that actually saw the
// mail. Per-host aggregator failures drop that host from the frontier and
// the walk continues elsewhere. Returns g for chaining; a trace that found
// nothing leaves g empty, which is not an error.
func (t *Tracer) Trace(ctx context.Context, traceID, startHost string, g *model.MailGraph) *model.MailGraph {
	members := t.cfg.ResolveCluster(startHost)
	if len(members) == 1 {
		t.traceHost(ctx, traceID, t.cfg.Qualify(members[0]), g)
		return g
	}

	var eg errgroup.Group
	for _, member := range members {
		host := t.cfg.Qualify(member)
		eg.Go(func() error {
			t.traceHost(ctx, traceID, host, g)
			return nil
		})
	}
	_ = eg.Wait()
	return g
}

// traceHost runs the walk step for one physical host: query, group by queue
// id, emit hops, recurse into forwards.
func (t *Tracer) traceHost(ctx context.Context, traceID, host string, g *model.MailGraph) {
	if ctx.Err() != nil {
		return
	}

	records, err := t.query(ctx, host, traceID)
	if err != nil {
		t.logger.Warn("host query failed, skipping", "host", host, "keyword", traceID, "error", err)
		return
	}
	if len(records) == 0 {
		t.logger.Debug("no records", "host", host, "keyword", traceID)
		return
	}

	for _, group := range extract.GroupByQueueID(records) {
		if group.QueueID == "" {
			// Context lines only; nothing to walk.
			continue
		}
		actualHost := host
		if group.Records[0].Host != "" {
			actualHost = group.Records[0].Host
		}

		if !t.visit(actualHost, group.QueueID) {
			t.logger.Debug("cycle detected, skipping", "host", actualHost, "queue_id", group.QueueID)
			continue
		}

		t.walkQueue(ctx, actualHost, group.QueueID, group.Records, g)
	}
}

// walkQueue classifies one queue id's records and follows its forwards.
func (t *Tracer) walkQueue(ctx context.Context, host, queueID string, records []model.LogRecord, g *model.MailGraph) {
	t.withGraph(func() { g.AddNode(host) })

	forwarded := false
	for _, event := range t.ext.Events(records) {
		switch event.Kind {
		case extract.KindReceive:
			t.logger.Info("received", "host", host, "queue_id", queueID, "message_id", event.MessageID)
		case extract.KindConnect:
			t.logger.Info("connected", "host", host, "queue_id", queueID, "client", event.PeerHost)
		case extract.KindDeliver:
			t.logger.Info("delivered", "host", host, "queue_id", queueID, "status", event.Status)
		case extract.KindForward:
			next := t.cfg.Qualify(event.NextHost)
			t.logger.Info("forwarded", "host", host, "queue_id", queueID,
				"next_host", next, "peer_queue_id", event.PeerQueueID)
			t.withGraph(func() { g.AddHop(host, next, queueID) })
			forwarded = true
			t.traceHost(ctx, queueID, next, g)
		}
	}
	if !forwarded {
		t.logger.Debug("branch terminated", "host", host, "queue_id", queueID)
	}
}

// query runs one bounded aggregator call.
func (t *Tracer) query(ctx context.Context, host, keyword string) ([]model.LogRecord, error) {
	select {
	case t.sem <- struct{}{}:
		defer func() { <-t.sem }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return t.agg.Query(ctx, host, model.LogQuery{
		Keywords: []string{keyword},
		Start:    t.start,
		End:      t.end,
	})
}

// visit marks (host, queueID) and reports whether it was new.
func (t *Tracer) visit(host, queueID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := hostQueue{host: host, queueID: queueID}
	if t.visited[key] {
		return false
	}
	t.visited[key] = true
	return true
}

// withGraph serializes graph mutation under the tracer mutex.
func (t *Tracer) withGraph(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn()
}

// Visited returns the number of distinct (host, queue_id) pairs seen.
func (t *Tracer) Visited() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.visited)
}
