package relay

import (
	"errors"
	"fmt"
)

// ErrReadTimeout is the timeout tag a Source must wrap into the error
// it returns from ReadAll when the blocking body read timed out. The
// relay matches this tag literally; deciding which transport errors
// count as timeouts is the source implementation's job.
var ErrReadTimeout = errors.New("upstream read timeout")

// BadGatewayError reports an upstream I/O failure while relaying a
// response. It carries the underlying error for diagnostics.
type BadGatewayError struct {
	Reason error
}

func (e *BadGatewayError) Error() string {
	return fmt.Sprintf("bad gateway: %v", e.Reason)
}

func (e *BadGatewayError) Unwrap() error { return e.Reason }

// GatewayTimeoutError reports a timeout during the single blocking
// full-body read of the buffered strategy. Reason is always "read".
type GatewayTimeoutError struct {
	Reason string
}

func (e *GatewayTimeoutError) Error() string {
	return fmt.Sprintf("gateway timeout: %s", e.Reason)
}
