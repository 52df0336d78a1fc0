package tunnel

import "errors"

// Sentinel errors nodes attach to log entries when a wire-level policy
// fires. Per spec.md section 7, neither ever crosses an event callback
// boundary as a return value — protocol errors and resource exhaustion
// manifest as Finish (or a dropped buffer) on the affected line, never a
// propagated error, and programming errors abort the process via Chain's
// fatalf (see PacketOnlyStubs in node.go and the Next*/Prev* helpers in
// events.go) instead of using either of these.
var (
	// ErrMalformedFrame is logged when a node discards buffered wire data
	// it cannot or will not parse into a complete frame, e.g. udpovertcp
	// dropping its entire read stream once a push leaves it above the
	// overflow threshold.
	ErrMalformedFrame = errors.New("tunnel: malformed frame")

	// ErrResourceExhausted is logged when a node cannot satisfy its own
	// buffer-reservation contract (e.g. insufficient left padding to write
	// a length header) and falls back to finishing the line instead.
	ErrResourceExhausted = errors.New("tunnel: resource exhausted")
)
