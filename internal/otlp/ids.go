// Package otlp converts buffered trace groups into OpenTelemetry spans and
// ships them to an OTLP gRPC collector. Trace and span ids are derived from
// message and queue ids, so a message whose hops surface in different rounds
// (or different process runs) still coalesces into one trace downstream.
package otlp

import "github.com/zeebo/blake3"

// TraceID is the first 128 bits of the BLAKE3 hash of the message id bytes.
func TraceID(messageID string) []byte {
	sum := blake3.Sum256([]byte(messageID))
	return sum[:16]
}

// SpanID is the first 64 bits of the BLAKE3 hash of the queue id bytes.
func SpanID(queueID string) []byte {
	sum := blake3.Sum256([]byte(queueID))
	return sum[:8]
}
