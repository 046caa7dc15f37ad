package harmonyapi

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrNotReady is returned for operations on a session that is not established
var ErrNotReady = errors.New("session not ready")

// ErrChannelClosed is returned by a Channel once its stream has ended
var ErrChannelClosed = errors.New("channel closed")

// ConnectionError means the session could not be established or has gone
// away.  No further commands should be issued on the client.
type ConnectionError struct {
	Address string
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %s: %v", e.Address, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ProtocolError means a reply had the wrong shape or a non-success error code
type ProtocolError struct {
	Mime      string
	ErrorCode string
	Reason    string
}

func (e *ProtocolError) Error() string {
	if e.ErrorCode != "" {
		return fmt.Sprintf("%s: %s (errorcode %s)", e.Mime, e.Reason, e.ErrorCode)
	}
	return fmt.Sprintf("%s: %s", e.Mime, e.Reason)
}

// DecodeError means a reply body did not match the expected grammar
type DecodeError struct {
	What string
	Body string
	Err  error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decoding %s [%s]: %v", e.What, e.Body, e.Err)
	}
	return fmt.Sprintf("decoding %s [%s]", e.What, e.Body)
}

func (e *DecodeError) Unwrap() error { return e.Err }
