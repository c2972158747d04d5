// Package failure describes why a single chunk upload attempt failed.
//
// Every stage of the chunk pipeline reports its failure as an *Error so that
// the worker driving the chunk can decide between requeue and abandon without
// parsing messages.
package failure

import (
	"errors"
	"fmt"
)

// Kind classifies an attempt failure.
type Kind int

const (
	// Unknown is reported for errors that did not come from the chunk pipeline.
	Unknown Kind = iota
	// IO means the local source could not be opened, seeked or fully read.
	IO
	// TargetUnavailable means the remote service did not issue an upload target.
	TargetUnavailable
	// TransportSetup means the transfer request could not be configured locally.
	TransportSetup
	// TransportIO means the transfer failed on the wire.
	TransportIO
	// RemoteRejected means the transfer completed with a non 2xx status.
	RemoteRejected
	// Codec means the configured codec could not encode the chunk.
	Codec
)

// String ...
func (k Kind) String() string {
	switch k {
	case IO:
		return "io"
	case TargetUnavailable:
		return "target_unavailable"
	case TransportSetup:
		return "transport_setup"
	case TransportIO:
		return "transport_io"
	case RemoteRejected:
		return "remote_rejected"
	case Codec:
		return "codec"
	default:
		return "unknown"
	}
}

// Error is a typed attempt failure.
type Error struct {
	Kind Kind
	// Op names the operation that failed, e.g. "read" or "transfer".
	Op string
	// Status is the HTTP status code for RemoteRejected failures.
	Status int
	// Chunk is the descriptor of the chunk the attempt belonged to, if known.
	Chunk string
	Err   error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s failed (%s)", e.Op, e.Kind)
	if e.Kind == RemoteRejected {
		msg = fmt.Sprintf("%s failed with HTTP status code %d", e.Op, e.Status)
	}
	if e.Chunk != "" {
		msg = fmt.Sprintf("chunk %s: %s", e.Chunk, msg)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %s", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New returns an *Error of the given kind wrapping err.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Rejected returns a RemoteRejected failure for the given status code.
func Rejected(op string, status int, err error) *Error {
	return &Error{Kind: RemoteRejected, Op: op, Status: status, Err: err}
}

// WithChunk returns a copy of err annotated with the chunk descriptor. Errors
// that are not *Error are wrapped as Unknown.
func WithChunk(err error, chunk string) error {
	if err == nil {
		return nil
	}
	var ferr *Error
	if errors.As(err, &ferr) {
		annotated := *ferr
		annotated.Chunk = chunk
		return &annotated
	}
	return &Error{Kind: Unknown, Op: "attempt", Chunk: chunk, Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var ferr *Error
	if errors.As(err, &ferr) {
		return ferr.Kind
	}
	return Unknown
}

// StatusOf returns the HTTP status carried by a RemoteRejected failure, or 0.
func StatusOf(err error) int {
	var ferr *Error
	if errors.As(err, &ferr) && ferr.Kind == RemoteRejected {
		return ferr.Status
	}
	return 0
}

// IsSuccessStatus reports whether status is in the inclusive 200-299 range.
func IsSuccessStatus(status int) bool {
	return status >= 200 && status <= 299
}
