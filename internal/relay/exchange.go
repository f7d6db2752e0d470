package relay

// Phase marks how far an exchange has progressed toward the wire.
type Phase int

const (
	// PhaseUnstarted means no byte of the response has been committed.
	PhaseUnstarted Phase = iota
	// PhaseSendingFixed means a fixed-length send is in progress.
	PhaseSendingFixed
	// PhaseSendingChunked means a chunked send is in progress.
	PhaseSendingChunked
	// PhaseSent means the response has been fully committed downstream.
	PhaseSent
)

// Hook transforms an exchange. Hooks run synchronously in registration
// order; each sees the previous hook's output.
type Hook func(*Exchange) *Exchange

// Exchange is the mutable state of one request/response cycle as it
// moves through the relay. It is exclusively owned by the worker
// handling that request and is never shared across exchanges, so no
// locking is needed.
type Exchange struct {
	// RequestID identifies the exchange in logs.
	RequestID string
	// StatusCode is the downstream response status, already decided
	// before the relay runs.
	StatusCode int
	// Phase tracks the send progress.
	Phase Phase
	// Sink is the downstream response sink the relay drives. The
	// exchange references it but does not own its lifecycle.
	Sink Sink

	beforeSend []Hook
	afterSend  []Hook
}

// NewExchange creates an unstarted exchange for the given downstream
// status code and sink.
func NewExchange(status int, sink Sink) *Exchange {
	return &Exchange{StatusCode: status, Phase: PhaseUnstarted, Sink: sink}
}

// BeforeSend appends a hook to run before the response starts being
// sent. Registration happens in earlier pipeline stages; the relay
// only folds the chain.
func (e *Exchange) BeforeSend(h Hook) {
	e.beforeSend = append(e.beforeSend, h)
}

// AfterSend appends a hook to run after the before-send transition,
// immediately before the response head is committed to the wire.
func (e *Exchange) AfterSend(h Hook) {
	e.afterSend = append(e.afterSend, h)
}

// RunBeforeSend folds the before-send hook chain over the exchange and
// then sets the phase to target. The target is supplied by the caller
// because it depends on the transfer strategy being entered.
func RunBeforeSend(e *Exchange, target Phase) *Exchange {
	for _, h := range e.beforeSend {
		e = h(e)
	}
	e.Phase = target
	return e
}

// RunAfterSend folds the after-send hook chain over the exchange. An
// exchange with no registered after-send hooks is returned unchanged.
func RunAfterSend(e *Exchange) *Exchange {
	for _, h := range e.afterSend {
		e = h(e)
	}
	return e
}
