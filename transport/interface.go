// Package transport talks to the remote object store on behalf of a chunk:
// it hands out one-time upload targets for numbered parts and performs the
// data transfer to them.
package transport

import (
	"context"
	"io"
	"net/http"
)

// DefaultContentType is sent with every part. Content sniffing is not done.
const DefaultContentType = "application/octet-stream"

// Target is a short-lived, part-specific upload endpoint.
type Target struct {
	Method  string
	URL     string
	Headers map[string]string
}

// Outcome is what the remote end answered to a transfer.
type Outcome struct {
	StatusCode int
	ETag       string
}

// Part identifies an uploaded part when closing the remote object.
type Part struct {
	Number int
	ETag   string
}

// Client is the per-chunk view of the remote service.
//
// RequestUploadTarget fails with a failure.TargetUnavailable error. Transfer
// fails with failure.TransportSetup or failure.TransportIO errors; a
// completed transfer is returned as an Outcome whatever its status code.
type Client interface {
	RequestUploadTarget(ctx context.Context, destinationID string, partNumber int) (Target, error)
	Transfer(ctx context.Context, target Target, body io.Reader, size int64, headers http.Header) (Outcome, error)
}

// Session is implemented by clients whose remote object has to be closed
// once every part is in place.
type Session interface {
	Complete(ctx context.Context, destinationID string, parts []Part) error
	Abort(ctx context.Context, destinationID string) error
}
