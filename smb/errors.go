package smb

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotConnected = errors.New("transport is not connected")
	ErrClosed       = errors.New("transport closed")
)

// ProtocolDecodingError is returned for malformed or unexpected bytes.
type ProtocolDecodingError struct {
	Msg string
	Err error
}

func (e *ProtocolDecodingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol decoding error: %s: %v", e.Msg, e.Err)
	}
	return "protocol decoding error: " + e.Msg
}

func (e *ProtocolDecodingError) Unwrap() error { return e.Err }

func decodingError(err error, format string, a ...interface{}) error {
	return &ProtocolDecodingError{Msg: fmt.Sprintf(format, a...), Err: err}
}

// SignatureVerificationError is never retried.
type SignatureVerificationError struct {
	MessageID uint64
	Command   uint16
}

func (e *SignatureVerificationError) Error() string {
	return fmt.Sprintf("signature verification failed for message %d (command %d)", e.MessageID, e.Command)
}

// NegotiationRejected leaves the connection unusable.
type NegotiationRejected struct {
	Reason string
}

func (e *NegotiationRejected) Error() string {
	return "negotiation rejected: " + e.Reason
}

type RequestTimeoutError struct {
	MessageID uint64
	Command   uint16
	After     time.Duration
}

func (e *RequestTimeoutError) Error() string {
	return fmt.Sprintf("request %d (command %d) timed out after %s", e.MessageID, e.Command, e.After)
}

func (e *RequestTimeoutError) Timeout() bool { return true }

type ConnectionTimeoutError struct {
	Addr  string
	After time.Duration
	Err   error
}

func (e *ConnectionTimeoutError) Error() string {
	return fmt.Sprintf("connecting to %s timed out after %s", e.Addr, e.After)
}

func (e *ConnectionTimeoutError) Unwrap() error { return e.Err }

func (e *ConnectionTimeoutError) Timeout() bool { return true }

// TransportError is fatal to the connection and is delivered to every
// outstanding request.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// StatusError carries a non-success NT status returned by the server.
type StatusError struct {
	Status  uint32
	Command uint16
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("command %d failed: %s", e.Command, StatusText(e.Status))
}

// IsStatus reports whether err is a StatusError with the given status.
func IsStatus(err error, status uint32) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Status == status
}
