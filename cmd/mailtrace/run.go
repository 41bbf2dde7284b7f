package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/tinytelemetry/mailtrace/internal/aggregator"
	"github.com/tinytelemetry/mailtrace/internal/config"
	"github.com/tinytelemetry/mailtrace/internal/extract"
	"github.com/tinytelemetry/mailtrace/internal/model"
	"github.com/tinytelemetry/mailtrace/internal/trace"
)

// queueLogs is the records of one discovered queue id and the physical host
// that produced them.
type queueLogs struct {
	queueID string
	host    string
	records []model.LogRecord
}

func runCmd(args []string) error {
	fs := pflag.NewFlagSet("run", pflag.ContinueOnError)
	var (
		configPath  string
		startHost   string
		keys        []string
		timeStr     string
		timeRange   string
		interactive bool
		passwords   passwordFlags
	)
	fs.StringVarP(&configPath, "config", "c", "", "path to configuration file")
	fs.StringVarP(&startHost, "host", "h", "", "starting host or cluster name")
	fs.StringArrayVarP(&keys, "key", "k", nil, "search keyword (repeatable): address, domain, message id, ...")
	fs.StringVar(&timeStr, "time", "", "center of the search window (YYYY-MM-DD HH:MM:SS)")
	fs.StringVar(&timeRange, "time-range", "", "half-width of the search window, e.g. 30s, 10m, 2h, 1d")
	fs.BoolVar(&interactive, "interactive", false, "prompt before following each hop")
	passwords.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if startHost == "" || len(keys) == 0 {
		return errors.New("run: --host and --key are required")
	}

	cfg, logger, err := bootstrap(configPath)
	if err != nil {
		return err
	}
	if err := passwords.apply(cfg, logger); err != nil {
		return err
	}
	start, end, err := parseWindow(timeStr, timeRange)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	agg, err := aggregator.New(cfg, logger)
	if err != nil {
		return err
	}
	defer agg.Close()

	discovered, err := discoverQueueIDs(ctx, agg, cfg, logger, startHost, keys, start, end)
	if err != nil {
		return err
	}

	for _, q := range discovered {
		fmt.Println(styleHeader.Render(fmt.Sprintf("== Queue ID: %s (%s) ==", q.queueID, q.host)))
		for _, r := range q.records {
			fmt.Println(r.String())
		}
		fmt.Println(styleHeader.Render("=============="))
		fmt.Println()
	}

	if len(discovered) == 0 {
		logger.Warn("no queue ids found matching the query on any host")
		return nil
	}

	if interactive && !cfg.AutoContinue {
		return interactiveTrace(ctx, agg, cfg, logger, discovered, start, end)
	}

	graph := model.NewMailGraph()
	tracer := trace.New(agg, cfg, logger, start, end)
	for _, q := range discovered {
		logger.Info("tracing", "queue_id", q.queueID, "host", q.host)
		tracer.Trace(ctx, q.queueID, q.host, graph)
	}

	fmt.Print(graph.String())
	return nil
}

// discoverQueueIDs queries the start host (or every member of a cluster
// alias) for the keywords and groups the results by queue id in discovery
// order. It fails only when every member query fails — per-host errors are
// logged and the remaining members carry the search.
func discoverQueueIDs(ctx context.Context, agg aggregator.Aggregator, cfg *config.Config, logger *slog.Logger, startHost string, keys []string, start, end time.Time) ([]queueLogs, error) {
	members := cfg.ResolveCluster(startHost)

	var (
		discovered []queueLogs
		seen       = make(map[string]bool)
		failures   int
	)
	for _, member := range members {
		host := cfg.Qualify(member)
		records, err := agg.Query(ctx, host, model.LogQuery{Keywords: keys, Start: start, End: end})
		if err != nil {
			failures++
			logger.Warn("host query failed", "host", host, "error", err)
			fmt.Fprintln(os.Stderr, styleError.Render(fmt.Sprintf("query failed on %s: %v", host, err)))
			continue
		}
		for _, group := range extract.GroupByQueueID(records) {
			if group.QueueID == "" || seen[group.QueueID] {
				continue
			}
			seen[group.QueueID] = true
			actual := host
			if group.Records[0].Host != "" {
				actual = group.Records[0].Host
			}
			discovered = append(discovered, queueLogs{queueID: group.QueueID, host: actual, records: group.Records})
		}
	}
	if failures == len(members) {
		return nil, fmt.Errorf("all %d host(s) failed for start host %q", len(members), startHost)
	}
	return discovered, nil
}

// interactiveTrace walks hops one prompt at a time, the way the operator
// follows an incident by hand.
func interactiveTrace(ctx context.Context, agg aggregator.Aggregator, cfg *config.Config, logger *slog.Logger, discovered []queueLogs, start, end time.Time) error {
	reader := bufio.NewReader(os.Stdin)
	ext := extract.New(cfg.FinalDeliveryTag)

	fmt.Print("Enter trace ID: ")
	line, err := reader.ReadString('\n')
	if err != nil {
		return nil
	}
	traceID := strings.TrimSpace(line)

	var host string
	for _, q := range discovered {
		if q.queueID == traceID {
			host = q.host
			break
		}
	}
	if host == "" {
		logger.Info("trace id not found in logs", "trace_id", traceID)
		return nil
	}

	for {
		step, ok := nextHop(ctx, agg, ext, host, traceID, start, end)
		if !ok {
			logger.Info("no more hops")
			return nil
		}
		fmt.Println(styleHop.Render(fmt.Sprintf(
			"Relayed to %s (%s:%s) with new ID %s",
			step.NextHost, step.NextIP, step.NextPort, step.PeerQueueID)))

		fmt.Printf("Trace next hop: %s? (Y/n/local/<next hop>): ", step.NextHost)
		answer, err := reader.ReadString('\n')
		if err != nil {
			return nil
		}
		switch strings.ToLower(strings.TrimSpace(answer)) {
		case "", "y":
			host = cfg.Qualify(step.NextHost)
		case "n":
			logger.Info("trace stopped")
			return nil
		case "local":
			// Stay on the current host.
		default:
			host = cfg.Qualify(strings.TrimSpace(answer))
		}
		traceID = step.PeerQueueID
		if traceID == "" {
			logger.Info("next hop assigned no known queue id, stopping")
			return nil
		}
	}
}

// nextHop finds the first forward event for traceID on host.
func nextHop(ctx context.Context, agg aggregator.Aggregator, ext *extract.Extractor, host, traceID string, start, end time.Time) (extract.MailEvent, bool) {
	records, err := agg.Query(ctx, host, model.LogQuery{Keywords: []string{traceID}, Start: start, End: end})
	if err != nil {
		fmt.Fprintln(os.Stderr, styleError.Render(fmt.Sprintf("query failed on %s: %v", host, err)))
		return extract.MailEvent{}, false
	}
	for _, r := range records {
		fmt.Println(r.String())
	}
	for _, event := range ext.Events(records) {
		if event.Kind == extract.KindForward {
			return event, true
		}
	}
	return extract.MailEvent{}, false
}
