package relay

import (
	"errors"
	"io"
	"log/slog"

	"relayd/internal/metrics"
)

// Source is the upstream body collaborator. ReadAll blocks until the
// entire body is read; a timeout must be reported as an error wrapping
// ErrReadTimeout. Next returns the next non-empty body fragment, io.EOF
// at end-of-stream, or any other error on failure. The relay never
// closes a Source; connection lifecycle stays with the caller.
type Source interface {
	ReadAll() ([]byte, error)
	Next() ([]byte, error)
}

// Sink is the downstream response collaborator. Wire framing (status
// line, header flush, chunk-size prefixes, the terminating empty
// chunk) is entirely the sink's responsibility.
type Sink interface {
	BeginChunked(status int) error
	WriteChunk(p []byte) error
	Finalize(status int, body []byte) error
}

// Relay bridges an upstream source and a downstream sink for one
// exchange at a time. The metrics collaborator is optional; pass nil
// to disable recording.
type Relay struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New creates a Relay.
func New(logger *slog.Logger, m *metrics.Metrics) *Relay {
	return &Relay{
		logger:  logger.With("component", "relay"),
		metrics: m,
	}
}

// Reply relays the upstream body as a single buffered response. The
// whole body is read before anything is written downstream, so a
// failure here never produces partial output: either the sink receives
// one finalize call with the complete body, or a typed error
// propagates and nothing was sent. A read timeout (the literal
// ErrReadTimeout tag) becomes a GatewayTimeoutError; any other read
// failure becomes a BadGatewayError.
func (r *Relay) Reply(ex *Exchange, src Source) (*Exchange, error) {
	ex = RunBeforeSend(ex, PhaseSendingFixed)

	body, err := src.ReadAll()
	if err != nil {
		if errors.Is(err, ErrReadTimeout) {
			r.count("buffered", "timeout")
			return ex, &GatewayTimeoutError{Reason: "read"}
		}
		r.count("buffered", "upstream_error")
		return ex, &BadGatewayError{Reason: err}
	}

	ex = RunAfterSend(ex)

	if err := ex.Sink.Finalize(ex.StatusCode, body); err != nil {
		r.count("buffered", "sink_error")
		return ex, err
	}
	ex.Phase = PhaseSent

	if r.metrics != nil {
		r.metrics.RelayedBytes.WithLabelValues("buffered").Add(float64(len(body)))
	}
	r.count("buffered", "ok")
	return ex, nil
}

// ChunkedReply relays the upstream body as a chunked response, one
// fragment at a time, with bounded memory. Once the chunked head is
// committed there is no way back: an upstream failure mid-stream
// leaves the chunks already written on the wire and surfaces as a
// BadGatewayError, which the caller can only translate into an abrupt
// stream termination. Fragment order is preserved; the terminating
// empty chunk is the sink's job, not written here.
func (r *Relay) ChunkedReply(ex *Exchange, src Source) (*Exchange, error) {
	ex = RunBeforeSend(ex, PhaseSendingChunked)
	ex = RunAfterSend(ex)

	if err := ex.Sink.BeginChunked(ex.StatusCode); err != nil {
		r.count("chunked", "sink_error")
		return ex, err
	}

	for {
		frag, err := src.Next()
		if err == io.EOF {
			r.count("chunked", "ok")
			return ex, nil
		}
		if err != nil {
			r.logger.Debug("upstream stream failed mid-relay",
				"request_id", ex.RequestID,
				"err", err,
			)
			r.count("chunked", "upstream_error")
			return ex, &BadGatewayError{Reason: err}
		}
		if err := ex.Sink.WriteChunk(frag); err != nil {
			r.count("chunked", "sink_error")
			return ex, err
		}
		if r.metrics != nil {
			r.metrics.RelayedChunks.Inc()
			r.metrics.RelayedBytes.WithLabelValues("chunked").Add(float64(len(frag)))
		}
	}
}

func (r *Relay) count(strategy, result string) {
	if r.metrics != nil {
		r.metrics.RelayOutcomes.WithLabelValues(strategy, result).Inc()
	}
}
