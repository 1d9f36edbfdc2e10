package peering

import (
	"context"
	"errors"

	"connectrpc.com/connect"
)

// Sentinel errors for the peering package.
var (
	// ErrUnknownPeer indicates a peer id with no registered endpoint.
	ErrUnknownPeer = errors.New("no endpoint registered for peer")

	// ErrInvalidEndpoint indicates a peer endpoint that is not a usable URL.
	ErrInvalidEndpoint = errors.New("invalid peer endpoint url")
)

// IsConnectionError reports whether err looks like a transport-level
// failure rather than a peer-side application error. Connection errors are
// the signal for invalidating the cached channel to that peer: the next
// call should dial fresh instead of reusing a connection that may be dead.
//
// Codes considered connection errors: unavailable, deadline exceeded,
// canceled, aborted, and unknown (raw transport errors surface as unknown
// when they are not already wrapped by the Connect client).
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}

	switch connect.CodeOf(err) {
	case connect.CodeUnavailable,
		connect.CodeDeadlineExceeded,
		connect.CodeCanceled,
		connect.CodeAborted,
		connect.CodeUnknown:
		return true
	default:
		return false
	}
}
