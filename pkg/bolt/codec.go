package bolt

import "context"

// ReplyEncoder is the external PackStream codec boundary (ยง1, ยง6). The
// session layer never encodes a graph value itself; it only calls
// Structure/Map/Value to compose the reply that EndMessage then frames.
type ReplyEncoder interface {
	// Structure writes a PackStream structure header at w carrying tag
	// (the response kind) and the number of fields that follow.
	Structure(w *Cursor, tag ResponseKind, fieldCount int)
	// Map writes a PackStream map header of n key/value pairs at w;
	// the caller writes the n key strings and n values itself.
	Map(w *Cursor, n int)
	// Value writes a single PackStream-encoded value (string, integer,
	// list, nested map, graph entity, ...) at w.
	Value(w *Cursor, v any)
}

// Outcome is a handler's result, classified exactly as ยง7 requires:
// every dispatch resolves to SUCCESS, FAILURE, or IGNORED, carrying the
// fields a ReplyEncoder will serialize into the response structure.
// Records is non-empty only for a PULL that produced rows; each is
// emitted as its own RECORD message ahead of the final SUCCESS.
type Outcome struct {
	Kind    ResponseKind
	Fields  map[string]any
	Records []map[string]any
}

// Failure builds a FAILURE outcome from a code and a message, using the ยง6 fields a
// client expects (code, message).
func Failure(code, message string) Outcome {
	return Outcome{Kind: RespFailure, Fields: map[string]any{
		"code":    code,
		"message": message,
	}}
}

// Success builds a SUCCESS outcome with the given reply fields.
func Success(fields map[string]any) Outcome {
	if fields == nil {
		fields = map[string]any{}
	}
	return Outcome{Kind: RespSuccess, Fields: fields}
}

// RequestDecoder is the inbound half of the external PackStream codec
// boundary: given one fully assembled Bolt message (chunks concatenated,
// terminator stripped), it identifies the request kind and decodes its
// fields into a generic map the session dispatches on by name.
type RequestDecoder interface {
	Decode(message []byte) (RequestKind, map[string]any, error)
}

// QueryExecutor is the external graph query engine boundary (ยง1). The
// session dispatches RUN/PULL/DISCARD/BEGIN/COMMIT/ROLLBACK to it and
// only interprets the Outcome returned; it never inspects query text or
// result data beyond handing it to a ReplyEncoder.
type QueryExecutor interface {
	Run(ctx context.Context, query string, params map[string]any) (Outcome, error)
	Pull(ctx context.Context, n int64) (Outcome, error)
	Discard(ctx context.Context, n int64) (Outcome, error)
	Begin(ctx context.Context) (Outcome, error)
	Commit(ctx context.Context) (Outcome, error)
	Rollback(ctx context.Context) (Outcome, error)
}

// Authenticator is the external credential-checking boundary (ยง1):
// authentication is modeled purely as a response classification, never
// as a credential format or storage detail the session layer knows
// about.
type Authenticator interface {
	Authenticate(ctx context.Context, principal string, credentials map[string]any) (ok bool, err error)
}
