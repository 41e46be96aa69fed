package bolt

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
)

// rawMessage is one fully assembled, decoded request handed from the
// reader goroutine to the dispatch goroutine. err is set instead of
// Kind/Fields when the reader hit a transport or framing failure, or a
// clean EOF.
type rawMessage struct {
	kind   RequestKind
	fields map[string]any
	err    error
}

// ClientSession owns one accepted connection for its entire lifetime:
// its read and write chunked buffers, the negotiated transport (raw or
// WebSocket), and the state machine (ยง3). It translates the original's
// host-event-loop-thread/worker-thread split into two goroutines: a
// reader that owns every conn.Read and can observe an asynchronous
// RESET the instant it arrives on the wire, and a dispatcher that owns
// every conn.Write and runs handlers in strict request order (ยง5).
type ClientSession struct {
	id       string
	conn     net.Conn
	decoder  RequestDecoder
	encoder  ReplyEncoder
	executor QueryExecutor
	auth     Authenticator
	logger   logr.Logger

	ws               bool
	webSocketEnabled bool
	version          Version

	readBuf   *Buffer
	readCur   Cursor // consumed up to here
	readWrite Cursor // socket data filled up to here
	wsPending []byte // unconsumed, already-unmasked bytes from the current WS frame

	writeBuf *Buffer

	mu          sync.Mutex
	state       SessionState
	processing  bool
	interrupted bool
	shutdown    bool
	username    string // set on a successful LOGON; empty until then

	inbox chan rawMessage

	// OnAuthenticate/OnQuery, when non-nil, are called after every LOGON
	// attempt and RUN request respectively. Server wires these to bridge
	// session-level events out to an audit logger without this package
	// importing one itself.
	OnAuthenticate func(principal string, success bool, reason string)
	OnQuery        func(query string, success bool)
}

// NewClientSession constructs a session in its initial NEGOTIATION
// state. The decoder/encoder/executor/auth collaborators are the
// external boundaries named in ยง1; this package never implements graph
// query execution, credential storage, or PackStream encoding itself.
func NewClientSession(conn net.Conn, decoder RequestDecoder, encoder ReplyEncoder, executor QueryExecutor, auth Authenticator, logger logr.Logger) *ClientSession {
	id := uuid.NewString()
	return &ClientSession{
		id:               id,
		conn:             conn,
		decoder:          decoder,
		encoder:          encoder,
		executor:         executor,
		auth:             auth,
		logger:           logger.WithValues("session", id),
		readBuf:          NewBuffer(),
		writeBuf:         NewBuffer(),
		state:            StateNegotiation,
		inbox:            make(chan rawMessage, 8),
		webSocketEnabled: true,
	}
}

// SetWebSocketEnabled controls whether negotiate accepts an HTTP
// Upgrade handshake. Server calls this right after construction with
// its configured Config.WebSocketEnabled; a raw-socket-only deployment
// sets it false, and negotiate then ends a session that opens with an
// HTTP request with a "websocket transport is disabled" error. The
// connection is closed without any reply being sent to the client.
func (s *ClientSession) SetWebSocketEnabled(enabled bool) {
	s.webSocketEnabled = enabled
}

// State returns the session's current state under lock.
func (s *ClientSession) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ID returns the session's connection ID, generated once at
// construction and stable for the session's lifetime. It is surfaced
// to the client in HELLO's success metadata and to a QueryExecutor via
// the context Serve/dispatch pass down, so a multi-session executor
// (pkg/graphdemo, for instance) can key per-connection state by it.
func (s *ClientSession) ID() string {
	return s.id
}

// Username returns the principal a prior successful LOGON authenticated
// as, or "" if the session has not yet completed one.
func (s *ClientSession) Username() string {
	return s.username
}

type sessionIDKey struct{}

// WithSessionID returns a context carrying id, retrievable with
// SessionIDFromContext. Exported so a QueryExecutor's own tests can
// simulate distinct sessions without a live ClientSession.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionIDKey{}, id)
}

// SessionIDFromContext returns the connection ID a QueryExecutor call
// is running on behalf of, if the caller is a ClientSession (it always
// is, in this package). ok is false for a bare context, e.g. in a test
// that calls a QueryExecutor directly.
func SessionIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(sessionIDKey{}).(string)
	return id, ok
}

// Serve runs the session to completion: handshake, then the
// reader/dispatcher pair, blocking until the peer disconnects, sends
// GOODBYE, or the session becomes DEFUNCT. It always closes conn before
// returning.
func (s *ClientSession) Serve(ctx context.Context) error {
	defer s.conn.Close()

	if err := s.negotiate(); err != nil {
		s.logger.V(1).Info("handshake failed", "error", err.Error())
		return err
	}

	ctx = WithSessionID(ctx, s.id)
	go s.readLoop(ctx)
	return s.dispatchLoop(ctx)
}

// waitForAvailable blocks until at least n bytes are buffered between
// readCur and readWrite, filling from the socket as needed.
func (s *ClientSession) waitForAvailable(n int) error {
	for int(Diff(s.readWrite, s.readCur)) < n {
		healthy, err := s.readBuf.FillFromSocket(s.conn, &s.readWrite)
		if err != nil {
			return err
		}
		if !healthy {
			return io.EOF
		}
	}
	return nil
}

// waitForHTTPRequestEnd blocks until the bytes buffered so far contain a
// full HTTP header block, returning its length including the trailing
// CRLFCRLF.
func (s *ClientSession) waitForHTTPRequestEnd() (int, error) {
	for {
		avail := int(Diff(s.readWrite, s.readCur))
		if avail > 0 {
			to := s.readCur
			to.Advance(avail)
			peek := s.readBuf.Slice(s.readCur, to)
			if idx := bytes.Index(peek, []byte("\r\n\r\n")); idx >= 0 {
				return idx + 4, nil
			}
		}
		healthy, err := s.readBuf.FillFromSocket(s.conn, &s.readWrite)
		if err != nil {
			return 0, err
		}
		if !healthy {
			return 0, io.EOF
		}
	}
}

// negotiate runs once, before the reader/dispatcher goroutines start: it
// detects WebSocket transport (ยง4.2, P8), completes the RFC 6455
// handshake if present, then reads the Bolt magic and version proposals
// and writes the server's chosen version (ยง4.5 "Handshake").
func (s *ClientSession) negotiate() error {
	if err := s.waitForAvailable(4); err != nil {
		return err
	}
	peekTo := s.readCur
	peekTo.Advance(4)
	first4 := s.readBuf.Slice(s.readCur, peekTo)

	if LooksLikeHTTP(first4) {
		if !s.webSocketEnabled {
			return fmt.Errorf("bolt: websocket transport is disabled")
		}
		s.ws = true
		reqLen, err := s.waitForHTTPRequestEnd()
		if err != nil {
			return err
		}
		end := s.readCur
		end.Advance(reqLen)
		request := s.readBuf.Slice(s.readCur, end)
		s.readCur = end

		resp, ok, err := WSHandshake(request)
		if err != nil {
			return fmt.Errorf("bolt: websocket handshake: %w", err)
		}
		if !ok {
			return fmt.Errorf("bolt: not a valid websocket upgrade request")
		}
		if err := writeFull(s.conn, resp); err != nil {
			return err
		}
	}

	magic, err := s.readLogical(4)
	if err != nil {
		return err
	}
	if binary.BigEndian.Uint32(magic) != HandshakeMagic {
		return fmt.Errorf("bolt: invalid handshake magic")
	}

	proposalBytes, err := s.readLogical(16)
	if err != nil {
		return err
	}
	var proposals [4]uint32
	for i := range proposals {
		proposals[i] = binary.BigEndian.Uint32(proposalBytes[i*4 : i*4+4])
	}

	version, ok := NegotiateVersion(proposals, DefaultSupportedVersions)
	if !ok {
		_ = s.writeLogical([]byte{0, 0, 0, 0})
		return fmt.Errorf("bolt: no mutually supported protocol version")
	}
	s.version = version

	reply := NewBuffer()
	replyCur := reply.Index(0)
	start := replyCur
	WriteVersionReply(&replyCur, version)
	return s.writeLogical(reply.Slice(start, replyCur))
}

// readLogical returns exactly n bytes of post-transport payload: raw
// socket bytes when ws is false, or bytes drawn from (possibly several)
// unmasked WebSocket frame payloads when ws is true.
func (s *ClientSession) readLogical(n int) ([]byte, error) {
	if !s.ws {
		if err := s.waitForAvailable(n); err != nil {
			return nil, err
		}
		to := s.readCur
		to.Advance(n)
		out := s.readBuf.Slice(s.readCur, to)
		s.readCur = to
		return out, nil
	}

	out := make([]byte, 0, n)
	for len(out) < n {
		if len(s.wsPending) == 0 {
			if err := s.readNextWSFrame(); err != nil {
				return nil, err
			}
		}
		take := n - len(out)
		if take > len(s.wsPending) {
			take = len(s.wsPending)
		}
		out = append(out, s.wsPending[:take]...)
		s.wsPending = s.wsPending[take:]
	}
	return out, nil
}

// readNextWSFrame reads and unmasks one complete WebSocket frame into
// wsPending.
func (s *ClientSession) readNextWSFrame() error {
	if err := s.waitForAvailable(2); err != nil {
		return err
	}
	peekTo := s.readCur
	peekTo.Advance(2)
	head := s.readBuf.Slice(s.readCur, peekTo)
	masked := head[1]&0x80 != 0
	lengthCode := head[1] & 0x7F

	headerSize := 2
	switch lengthCode {
	case 126:
		headerSize += 2
	case 127:
		headerSize += 8
	}
	if masked {
		headerSize += 4
	}
	if err := s.waitForAvailable(headerSize); err != nil {
		return err
	}

	h := ReadWSFrameHeader(&s.readCur)
	if err := s.waitForAvailable(h.PayloadLen); err != nil {
		return err
	}
	to := s.readCur
	to.Advance(h.PayloadLen)
	payload := s.readBuf.Slice(s.readCur, to)
	s.readCur = to

	if h.Masked {
		UnmaskPayload(payload, h.MaskKey)
	}
	s.wsPending = payload
	return nil
}

// writeLogical writes data to the socket, wrapped in a WebSocket binary
// frame first if the session negotiated WebSocket transport.
func (s *ClientSession) writeLogical(data []byte) error {
	if s.ws {
		if err := writeFull(s.conn, WSWrap(data)); err != nil {
			return err
		}
	}
	return writeFull(s.conn, data)
}

// readLoop owns every socket read after the handshake. It assembles
// complete messages (stripping chunk framing and, if negotiated, the
// WebSocket wrapper) and hands each to the dispatcher over inbox. A
// RESET that arrives while a request is in flight flips the session
// straight to INTERRUPTED here, independent of how long the dispatcher
// is busy — the asynchronous cancellation ยง5 describes.
func (s *ClientSession) readLoop(ctx context.Context) {
	defer close(s.inbox)
	for {
		msg, err := s.readNextMessageBytes()
		if err != nil {
			select {
			case s.inbox <- rawMessage{err: err}:
			case <-ctx.Done():
			}
			return
		}

		kind, fields, err := s.decoder.Decode(msg)
		if err != nil {
			select {
			case s.inbox <- rawMessage{err: err}:
			case <-ctx.Done():
			}
			return
		}

		if kind == ReqReset {
			s.markInterruptedIfProcessing()
		}

		select {
		case s.inbox <- rawMessage{kind: kind, fields: fields}:
		case <-ctx.Done():
			return
		}
	}
}

func (s *ClientSession) markInterruptedIfProcessing() {
	s.mu.Lock()
	if s.processing {
		s.interrupted = true
		s.state = StateInterrupted
	}
	s.mu.Unlock()
}

// readNextMessageBytes reads one or more chunks, concatenating their
// payloads until the zero-length terminator (ยง4.3).
func (s *ClientSession) readNextMessageBytes() ([]byte, error) {
	var msg []byte
	for {
		lenBytes, err := s.readLogical(2)
		if err != nil {
			return nil, err
		}
		length := binary.BigEndian.Uint16(lenBytes)
		if length == 0 {
			return msg, nil
		}
		chunk, err := s.readLogical(int(length))
		if err != nil {
			return nil, err
		}
		msg = append(msg, chunk...)
	}
}

// dispatchLoop owns every socket write. It drains inbox in order,
// running each request's handler and reply composition synchronously,
// which is what guarantees ยง5's "replies are emitted in request order".
func (s *ClientSession) dispatchLoop(ctx context.Context) error {
	for msg := range s.inbox {
		if msg.err != nil {
			if msg.err == io.EOF {
				return s.teardown(nil)
			}
			return s.teardown(msg.err)
		}

		if err := s.handle(ctx, msg.kind, msg.fields); err != nil {
			return s.teardown(err)
		}

		s.mu.Lock()
		done := s.state == StateDefunct || s.shutdown
		s.mu.Unlock()
		if done {
			return s.teardown(nil)
		}
	}
	return s.teardown(nil)
}

// handle dispatches one request and composes its reply. RESET and
// GOODBYE bypass the general executor-dispatch path: RESET always needs
// the fast-path handling in ยง4.5, and GOODBYE produces no reply at all.
func (s *ClientSession) handle(ctx context.Context, kind RequestKind, fields map[string]any) error {
	if kind == ReqReset {
		return s.handleReset()
	}
	if kind == ReqGoodbye {
		s.mu.Lock()
		next, _ := Transition(s.state, ReqGoodbye, RespSuccess) // wildcard: response value is irrelevant
		s.state = next
		s.shutdown = true
		s.mu.Unlock()
		return nil
	}

	s.mu.Lock()
	s.processing = true
	state := s.state
	s.mu.Unlock()

	// A session already in FAILED or INTERRUPTED never reaches the
	// query engine for these requests — the table answers IGNORED
	// unconditionally (ยง4.4) — so there is nothing to execute.
	var outcome Outcome
	if state == StateFailed || state == StateInterrupted {
		outcome = Outcome{Kind: RespIgnored}
	} else {
		// dispatchToExecutor may block for the duration of the call (a
		// long RUN/PULL); an asynchronous RESET observed by readLoop
		// during that window flips s.interrupted, checked below once
		// the call returns. This package does not cancel the
		// QueryExecutor call itself — only the external graph engine
		// can stop early — but it always reports the outcome the
		// protocol requires: IGNORED.
		var err error
		outcome, err = s.dispatchToExecutor(ctx, kind, fields)
		if err != nil {
			outcome = Failure("Bolt.TransientError.Unknown", err.Error())
		}
	}

	s.mu.Lock()
	if s.interrupted {
		outcome = Outcome{Kind: RespIgnored}
	}
	s.mu.Unlock()

	if err := s.replyFor(outcome); err != nil {
		return err
	}

	s.mu.Lock()
	next, terr := Transition(s.state, kind, outcome.Kind)
	s.processing = false
	s.interrupted = false
	if terr != nil {
		s.state = StateDefunct
		s.mu.Unlock()
		return terr
	}
	s.state = next
	s.mu.Unlock()
	return nil
}

// handleReset implements ยง4.5's RESET fast path. It relies on the
// transition table already encoding "RESET -> READY" (or, from
// INTERRUPTED, response-dependent) for READY, STREAMING, TX_READY,
// TX_STREAMING, FAILED and INTERRUPTED, so a single code path covers both
// the ordinary and the FAILED/INTERRUPTED cases rather than branching on
// state explicitly as the original does. The table has no RESET entry for
// NEGOTIATION or AUTHENTICATION, so a RESET there is a ProtocolViolation.
func (s *ClientSession) handleReset() error {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	outcome := Success(nil)
	if err := s.replyFor(outcome); err != nil {
		return err
	}

	s.mu.Lock()
	next, terr := Transition(state, ReqReset, outcome.Kind)
	if terr != nil {
		s.state = StateDefunct
		s.mu.Unlock()
		return terr
	}
	s.state = next
	s.mu.Unlock()
	return nil
}

// dispatchToExecutor routes a decoded request to the external
// collaborator that owns it (ยง1): HELLO/LOGON/LOGOFF are handled here
// directly (authentication is "a response classification", never a
// credential format this package understands); everything else goes to
// the QueryExecutor.
func (s *ClientSession) dispatchToExecutor(ctx context.Context, kind RequestKind, fields map[string]any) (Outcome, error) {
	switch kind {
	case ReqHello:
		return Success(map[string]any{"server": "BoltD/1.0", "connection_id": s.id}), nil

	case ReqLogon:
		principal, _ := fields["principal"].(string)
		creds, ok := fields["credentials"].(map[string]any)
		if !ok {
			if pw, ok := fields["credentials"].(string); ok {
				creds = map[string]any{"password": pw}
			}
		}
		authenticated, err := s.auth.Authenticate(ctx, principal, creds)
		if err != nil {
			if s.OnAuthenticate != nil {
				s.OnAuthenticate(principal, false, err.Error())
			}
			return Outcome{}, err
		}
		if !authenticated {
			if s.OnAuthenticate != nil {
				s.OnAuthenticate(principal, false, "invalid credentials")
			}
			return Failure("Bolt.ClientError.Security.Unauthorized", "invalid credentials"), nil
		}
		s.username = principal
		if s.OnAuthenticate != nil {
			s.OnAuthenticate(principal, true, "")
		}
		return Success(nil), nil

	case ReqLogoff:
		return Success(nil), nil

	case ReqRun:
		query, _ := fields["query"].(string)
		params, _ := fields["parameters"].(map[string]any)
		outcome, err := s.executor.Run(ctx, query, params)
		if s.OnQuery != nil {
			s.OnQuery(query, err == nil && outcome.Kind == RespSuccess)
		}
		return outcome, err

	case ReqPull:
		return s.executor.Pull(ctx, extractN(fields))

	case ReqDiscard:
		return s.executor.Discard(ctx, extractN(fields))

	case ReqBegin:
		return s.executor.Begin(ctx)

	case ReqCommit:
		return s.executor.Commit(ctx)

	case ReqRollback:
		return s.executor.Rollback(ctx)

	case ReqRoute:
		return Success(map[string]any{"rt": map[string]any{}}), nil

	default:
		return Failure("Bolt.ClientError.Request.Invalid", "unsupported request"), nil
	}
}

// extractN reads PULL/DISCARD's "n" field, defaulting to -1 ("all
// remaining records") when absent, matching Bolt's own convention.
func extractN(fields map[string]any) int64 {
	switch n := fields["n"].(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return -1
	}
}

// replyFor writes any streamed RECORDs followed by the terminal
// response, each as its own single-chunk message (and, under
// WebSocket, its own frame).
func (s *ClientSession) replyFor(outcome Outcome) error {
	for _, record := range outcome.Records {
		if err := s.writeStructureMessage(RespRecord, record); err != nil {
			return err
		}
	}
	return s.writeStructureMessage(outcome.Kind, outcome.Fields)
}

// writeStructureMessage composes one PackStream structure (tag ==
// response kind) into the scratch write buffer, frames it as a single
// Bolt chunk (ยง4.3), and writes it to the socket.
func (s *ClientSession) writeStructureMessage(kind ResponseKind, fields map[string]any) error {
	start := s.writeBuf.Index(0)
	write := start

	slot := BeginMessage(&write)
	s.encoder.Structure(&write, kind, 1)
	s.encoder.Map(&write, len(fields))
	for k, v := range fields {
		s.encoder.Value(&write, k)
		s.encoder.Value(&write, v)
	}
	EndMessage(&write, slot)

	payload := s.writeBuf.Slice(start, write)
	return s.writeLogical(payload)
}

// teardown marks the session DEFUNCT (P2: terminal) and logs the
// outcome. A clean EOF is not an error condition worth reporting to the
// caller.
func (s *ClientSession) teardown(err error) error {
	s.mu.Lock()
	s.state = StateDefunct
	s.mu.Unlock()

	if err != nil && err != io.EOF {
		s.logger.Error(err, "session terminated")
		return err
	}
	s.logger.V(1).Info("session closed")
	return nil
}
