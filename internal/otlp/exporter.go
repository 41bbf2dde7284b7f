package otlp

import (
	"context"
	"fmt"
	"strings"

	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Exporter ships ResourceSpans to an OTLP gRPC collector. The connection is
// long-lived; Close releases it. The gRPC client is safe for concurrent use.
type Exporter struct {
	conn   *grpc.ClientConn
	client coltracepb.TraceServiceClient
}

// NewExporter connects to the collector at endpoint. A scheme prefix and
// trailing path are tolerated; only host:port is used.
func NewExporter(endpoint string) (*Exporter, error) {
	target := endpoint
	for _, prefix := range []string{"http://", "https://", "grpc://"} {
		target = strings.TrimPrefix(target, prefix)
	}
	if i := strings.IndexByte(target, '/'); i >= 0 {
		target = target[:i]
	}
	if target == "" {
		return nil, fmt.Errorf("otlp: empty endpoint %q", endpoint)
	}

	conn, err := grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("otlp: connecting to %s: %w", target, err)
	}
	return &Exporter{conn: conn, client: coltracepb.NewTraceServiceClient(conn)}, nil
}

// Export sends one batch of spans.
func (e *Exporter) Export(ctx context.Context, spans []*tracepb.ResourceSpans) error {
	if len(spans) == 0 {
		return nil
	}
	_, err := e.client.Export(ctx, &coltracepb.ExportTraceServiceRequest{ResourceSpans: spans})
	if err != nil {
		return fmt.Errorf("otlp: export: %w", err)
	}
	return nil
}

// Close tears down the collector connection.
func (e *Exporter) Close() error {
	return e.conn.Close()
}
