// Package metrics instruments a running BoltD server with OpenTelemetry
// counters: sessions opened, state transitions taken, and bytes moved
// in each direction. It is deliberately thin - pkg/bolt never imports
// it directly (the session layer stays free of an observability
// dependency per spec.md's scope), so cmd/boltd wires a Recorder's
// methods in wherever it wants visibility into the server it started.
package metrics

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

func stateAttr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// Recorder holds the counters a running server updates as connections
// come and go. All fields are safe for concurrent use - the otel SDK's
// instruments are.
type Recorder struct {
	sessionsOpened    metric.Int64Counter
	sessionsClosed    metric.Int64Counter
	stateTransitions  metric.Int64Counter
	protocolErrors    metric.Int64Counter
	bytesRead         metric.Int64Counter
	bytesWritten      metric.Int64Counter
}

// New builds a Recorder registering its instruments on meter. Pass
// otel.Meter("boltd") (or a no-op meter in tests that don't care about
// instrument output).
func New(meter metric.Meter) (*Recorder, error) {
	sessionsOpened, err := meter.Int64Counter("boltd.sessions.opened",
		metric.WithDescription("client sessions accepted"))
	if err != nil {
		return nil, fmt.Errorf("metrics: registering sessions.opened: %w", err)
	}
	sessionsClosed, err := meter.Int64Counter("boltd.sessions.closed",
		metric.WithDescription("client sessions that reached DEFUNCT"))
	if err != nil {
		return nil, fmt.Errorf("metrics: registering sessions.closed: %w", err)
	}
	stateTransitions, err := meter.Int64Counter("boltd.session.transitions",
		metric.WithDescription("state transitions applied across all sessions"))
	if err != nil {
		return nil, fmt.Errorf("metrics: registering session.transitions: %w", err)
	}
	protocolErrors, err := meter.Int64Counter("boltd.session.protocol_violations",
		metric.WithDescription("ProtocolViolation errors raised"))
	if err != nil {
		return nil, fmt.Errorf("metrics: registering session.protocol_violations: %w", err)
	}
	bytesRead, err := meter.Int64Counter("boltd.bytes.read",
		metric.WithDescription("bytes read from client sockets"), metric.WithUnit("By"))
	if err != nil {
		return nil, fmt.Errorf("metrics: registering bytes.read: %w", err)
	}
	bytesWritten, err := meter.Int64Counter("boltd.bytes.written",
		metric.WithDescription("bytes written to client sockets"), metric.WithUnit("By"))
	if err != nil {
		return nil, fmt.Errorf("metrics: registering bytes.written: %w", err)
	}

	return &Recorder{
		sessionsOpened:   sessionsOpened,
		sessionsClosed:   sessionsClosed,
		stateTransitions: stateTransitions,
		protocolErrors:   protocolErrors,
		bytesRead:        bytesRead,
		bytesWritten:     bytesWritten,
	}, nil
}

// SessionOpened records a newly accepted connection.
func (r *Recorder) SessionOpened(ctx context.Context) {
	r.sessionsOpened.Add(ctx, 1)
}

// SessionClosed records a session reaching DEFUNCT.
func (r *Recorder) SessionClosed(ctx context.Context) {
	r.sessionsClosed.Add(ctx, 1)
}

// StateTransition records one (state,request,response) -> next step.
func (r *Recorder) StateTransition(ctx context.Context, from, to string) {
	r.stateTransitions.Add(ctx, 1,
		metric.WithAttributes(stateAttr("from", from), stateAttr("to", to)))
}

// ProtocolViolation records a session being forced into DEFUNCT by an
// undefined (state, request, response) triple.
func (r *Recorder) ProtocolViolation(ctx context.Context) {
	r.protocolErrors.Add(ctx, 1)
}

// BytesRead records n bytes pulled off a client socket.
func (r *Recorder) BytesRead(ctx context.Context, n int) {
	r.bytesRead.Add(ctx, int64(n))
}

// BytesWritten records n bytes pushed to a client socket.
func (r *Recorder) BytesWritten(ctx context.Context, n int) {
	r.bytesWritten.Add(ctx, int64(n))
}

// HumanBytes formats n as a human-readable byte count - e.g. "4.2 MB"
// rather than a raw integer.
func HumanBytes(n int64) string {
	return humanize.Bytes(uint64(n))
}
