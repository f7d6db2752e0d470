package handler

import (
	"strconv"

	"github.com/labstack/echo/v4"

	"relayd/internal/relay"
)

// echoSink adapts an echo.Context into the relay.Sink the relay
// drives. Wire framing (status line, header flush, chunk framing and
// the terminating chunk) is handled by echo / net/http underneath.
type echoSink struct {
	c echo.Context
}

func newEchoSink(c echo.Context) *echoSink {
	return &echoSink{c: c}
}

// BeginChunked commits status and headers with chunked semantics.
// net/http switches to chunked framing on its own when no
// Content-Length is set, so it is removed here if present.
func (s *echoSink) BeginChunked(status int) error {
	s.c.Response().Header().Del(echo.HeaderContentLength)
	s.c.Response().WriteHeader(status)
	return nil
}

// WriteChunk writes one chunk and flushes it so the fragment reaches
// the client immediately instead of sitting in the server's buffer.
func (s *echoSink) WriteChunk(p []byte) error {
	if _, err := s.c.Response().Write(p); err != nil {
		return err
	}
	s.c.Response().Flush()
	return nil
}

// Finalize commits a buffered response: explicit Content-Length,
// status, then the whole body in one write.
func (s *echoSink) Finalize(status int, body []byte) error {
	s.c.Response().Header().Set(echo.HeaderContentLength, strconv.Itoa(len(body)))
	s.c.Response().WriteHeader(status)
	_, err := s.c.Response().Write(body)
	return err
}

// interface guard
var _ relay.Sink = (*echoSink)(nil)
