package bolt

import "fmt"

// ProtocolViolation is returned by Transition for any (state, request,
// response) triple outside the transition table (ยง4.4). It is never
// recovered from: the session that produces one must be torn down.
type ProtocolViolation struct {
	State    SessionState
	Request  RequestKind
	Response ResponseKind
}

func (e *ProtocolViolation) Error() string {
	return fmt.Sprintf("bolt: protocol violation: %s in state %s produced %s", e.Request, e.State, e.Response)
}

type transitionKey struct {
	state SessionState
	req   RequestKind
	resp  ResponseKind
}

// wildcardKey entries transition on request kind alone (the table marks
// these "→*"): the session's next state does not depend on which
// response classification the handler produced.
type wildcardKey struct {
	state SessionState
	req   RequestKind
}

var specificTransitions = map[transitionKey]SessionState{
	{StateNegotiation, ReqHello, RespSuccess}: StateAuthentication,
	{StateNegotiation, ReqHello, RespFailure}: StateDefunct,

	{StateAuthentication, ReqLogon, RespSuccess}: StateReady,
	{StateAuthentication, ReqLogon, RespFailure}: StateDefunct,

	{StateReady, ReqLogoff, RespSuccess}: StateAuthentication,
	{StateReady, ReqLogoff, RespFailure}: StateFailed,
	{StateReady, ReqRun, RespSuccess}:    StateStreaming,
	{StateReady, ReqRun, RespFailure}:    StateFailed,
	{StateReady, ReqBegin, RespSuccess}:  StateTxReady,
	{StateReady, ReqBegin, RespFailure}:  StateFailed,
	{StateReady, ReqRoute, RespSuccess}:  StateReady,

	{StateStreaming, ReqPull, RespSuccess}:    StateReady,
	{StateStreaming, ReqPull, RespFailure}:    StateFailed,
	{StateStreaming, ReqDiscard, RespSuccess}: StateReady,
	{StateStreaming, ReqDiscard, RespFailure}: StateFailed,

	{StateTxReady, ReqRun, RespSuccess}:      StateTxStreaming,
	{StateTxReady, ReqRun, RespFailure}:      StateFailed,
	{StateTxReady, ReqCommit, RespSuccess}:   StateReady,
	{StateTxReady, ReqCommit, RespFailure}:   StateFailed,
	{StateTxReady, ReqRollback, RespSuccess}: StateReady,
	{StateTxReady, ReqRollback, RespFailure}: StateFailed,

	{StateTxStreaming, ReqRun, RespSuccess}:      StateTxStreaming,
	{StateTxStreaming, ReqRun, RespFailure}:      StateFailed,
	{StateTxStreaming, ReqPull, RespSuccess}:     StateTxStreaming,
	{StateTxStreaming, ReqPull, RespFailure}:     StateFailed,
	{StateTxStreaming, ReqDiscard, RespSuccess}:  StateTxReady,
	{StateTxStreaming, ReqDiscard, RespFailure}:  StateFailed,
	{StateTxStreaming, ReqCommit, RespSuccess}:   StateReady,
	{StateTxStreaming, ReqCommit, RespFailure}:   StateFailed,

	{StateFailed, ReqRun, RespIgnored}:     StateFailed,
	{StateFailed, ReqPull, RespIgnored}:    StateFailed,
	{StateFailed, ReqDiscard, RespIgnored}: StateFailed,

	{StateInterrupted, ReqRun, RespIgnored}:      StateFailed,
	{StateInterrupted, ReqPull, RespIgnored}:     StateFailed,
	{StateInterrupted, ReqDiscard, RespIgnored}:  StateFailed,
	{StateInterrupted, ReqBegin, RespIgnored}:    StateFailed,
	{StateInterrupted, ReqCommit, RespIgnored}:   StateFailed,
	{StateInterrupted, ReqRollback, RespIgnored}: StateFailed,
	{StateInterrupted, ReqReset, RespSuccess}:     StateReady,
	{StateInterrupted, ReqReset, RespFailure}:     StateDefunct,
}

var wildcardTransitions = map[wildcardKey]SessionState{
	{StateReady, ReqReset}:         StateReady,
	{StateReady, ReqGoodbye}:       StateDefunct,
	{StateStreaming, ReqReset}:     StateReady,
	{StateStreaming, ReqGoodbye}:   StateDefunct,
	{StateTxReady, ReqReset}:       StateReady,
	{StateTxReady, ReqGoodbye}:     StateDefunct,
	{StateTxStreaming, ReqReset}:   StateReady,
	{StateTxStreaming, ReqGoodbye}: StateDefunct,
	{StateFailed, ReqReset}:        StateReady,
	{StateFailed, ReqGoodbye}:      StateDefunct,
	{StateInterrupted, ReqGoodbye}: StateDefunct,
}

// Transition is the session automaton's single entry point (ยง4.4). A
// RECORD response never changes state (P3). DEFUNCT never leaves DEFUNCT
// (P2). Every other pair is looked up in the transition table; a pair
// absent from it is a ProtocolViolation (P1) — the caller must treat the
// session as unrecoverable rather than guess a next state.
func Transition(state SessionState, req RequestKind, resp ResponseKind) (SessionState, error) {
	if resp == RespRecord {
		return state, nil
	}
	if state == StateDefunct {
		return state, &ProtocolViolation{State: state, Request: req, Response: resp}
	}
	if next, ok := specificTransitions[transitionKey{state, req, resp}]; ok {
		return next, nil
	}
	if next, ok := wildcardTransitions[wildcardKey{state, req}]; ok {
		return next, nil
	}
	return state, &ProtocolViolation{State: state, Request: req, Response: resp}
}
