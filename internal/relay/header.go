// Package relay implements the upstream-response relay: header
// normalization, lifecycle hooks around the send, and the buffered and
// chunked transfer strategies.
package relay

import (
	"strconv"
	"strings"
)

// Header is one ordered response header pair. Name matching is
// case-insensitive; value case is preserved.
type Header struct {
	Name  string
	Value string
}

// TransferLength describes how the response body is framed: chunked,
// or a fixed byte count. The zero value is Fixed(0).
type TransferLength struct {
	Chunked bool
	Bytes   int64
}

// Fixed returns a fixed-length TransferLength of n bytes.
func Fixed(n int64) TransferLength {
	return TransferLength{Bytes: n}
}

// ChunkedLength is the TransferLength for chunked framing.
var ChunkedLength = TransferLength{Chunked: true}

// ProcessHeaders normalizes a raw upstream header list and extracts the
// transfer-length semantics. Header names are lower-cased; relative
// order is preserved. The two control headers are consumed rather than
// passed through: content-length (last strictly-parsed value wins,
// malformed values are ignored) and transfer-encoding with the exact
// value "chunked", which overrides any accumulated fixed length. A
// transfer-encoding header with any other value is an ordinary header.
func ProcessHeaders(headers []Header) ([]Header, TransferLength) {
	out := make([]Header, 0, len(headers))
	length := Fixed(0)
	chunked := false

	for _, h := range headers {
		name := strings.ToLower(h.Name)
		switch {
		case name == "content-length":
			if n, err := strconv.ParseUint(h.Value, 10, 63); err == nil {
				length = Fixed(int64(n))
			}
		case name == "transfer-encoding" && h.Value == "chunked":
			chunked = true
		default:
			out = append(out, Header{Name: name, Value: h.Value})
		}
	}

	if chunked {
		return out, ChunkedLength
	}
	return out, length
}
