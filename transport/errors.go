package transport

import "errors"

// Sentinel errors for transport operations.
// These errors enable reliable error classification using errors.Is().
var (
	// ErrTransportClosed indicates use of a transport after Close.
	ErrTransportClosed = errors.New("transport is closed")

	// ErrRecvTimeout indicates no datagram arrived within the deadline.
	ErrRecvTimeout = errors.New("receive timed out")

	// ErrSendFailed indicates a non-benign socket send failure.
	ErrSendFailed = errors.New("send failed")
)
