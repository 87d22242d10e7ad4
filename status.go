package bpipe

import (
	"errors"
	"fmt"
)

// Status is the result code carried by every operation in the bucket read
// protocol. The numeric values are stable identities relied upon by callers;
// never renumber them.
type Status int

// Flow-control statuses. These are not errors, they tell the I/O loop how to
// proceed.
const (
	// StatusOK means the operation succeeded and more data may follow
	// immediately.
	StatusOK Status = 0
	// StatusEOF means no more data will ever arrive from this bucket.
	StatusEOF Status = 1
	// StatusAgain means no data is currently available; retry later.
	StatusAgain Status = 2
	// StatusWaitConn means data is pending on the other end of the duplex,
	// e.g. TLS needs to write before it can read.
	StatusWaitConn Status = 3
)

// Parse and framing failures. A bucket that returned one of these is dead;
// reading further is not meaningful.
const (
	StatusTruncatedHTTPResponse Status = 100
	StatusBadResponse           Status = 101
	StatusBadHeader             Status = 102
	StatusLineTooLong           Status = 103
)

// Fatal TLS failures. The ssl package latches setup, communication and
// renegotiation failures and returns them on every subsequent read; a
// certificate verdict is returned once and not latched.
const (
	StatusSSLSetupFailed         Status = 110
	StatusSSLCommFailed          Status = 111
	StatusSSLCertFailed          Status = 112
	StatusSSLNegotiateInProgress Status = 113
)

// OCSP responder failures.
const (
	StatusOCSPResponderError          Status = 120
	StatusOCSPResponderTryLater       Status = 121
	StatusOCSPResponderUnknownFailure Status = 122
)

// IsError reports whether s is an actual failure rather than a flow-control
// signal. OK, EOF, AGAIN and WAIT_CONN all answer false.
func (s Status) IsError() bool { return s >= StatusTruncatedHTTPResponse }

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusEOF:
		return "EOF"
	case StatusAgain:
		return "AGAIN"
	case StatusWaitConn:
		return "WAIT_CONN"
	case StatusTruncatedHTTPResponse:
		return "TRUNCATED_HTTP_RESPONSE"
	case StatusBadResponse:
		return "BAD_RESPONSE"
	case StatusBadHeader:
		return "BAD_HEADER"
	case StatusLineTooLong:
		return "LINE_TOO_LONG"
	case StatusSSLSetupFailed:
		return "SSL_SETUP_FAILED"
	case StatusSSLCommFailed:
		return "SSL_COMM_FAILED"
	case StatusSSLCertFailed:
		return "SSL_CERT_FAILED"
	case StatusSSLNegotiateInProgress:
		return "SSL_NEGOTIATE_IN_PROGRESS"
	case StatusOCSPResponderError:
		return "OCSP_RESPONDER_ERROR"
	case StatusOCSPResponderTryLater:
		return "OCSP_RESPONDER_TRYLATER"
	case StatusOCSPResponderUnknownFailure:
		return "OCSP_RESPONDER_UNKNOWN_FAILURE"
	}

	return fmt.Sprintf("Status(%d)", int(s))
}

// Error describes a pipeline failure outside the read path. It carries the
// wire-level Status so callers can pass failures around structurally.
type Error struct {
	status Status
	err    error
}

// NewError inits a new error given the wire status.
func NewError(s Status, underlying error) *Error {
	return &Error{s, underlying}
}

func (e *Error) Status() Status { return e.status }
func (e *Error) Unwrap() error  { return e.err }
func (e *Error) Error() string {
	if e.err == nil {
		return e.status.String()
	}

	return fmt.Sprintf("%s: %s", e.status, e.err.Error())
}

// StatusOf returns the wire status if err is or wraps an [*Error] and
// [StatusOK] otherwise.
func StatusOf(err error) Status {
	if pipeErr, ok := asError(err); ok {
		return pipeErr.Status()
	}
	return StatusOK
}

// asError uses errors.As to unwrap any error and look for a pipeline *Error.
func asError(err error) (*Error, bool) {
	var pipeErr *Error
	ok := errors.As(err, &pipeErr)
	return pipeErr, ok
}
