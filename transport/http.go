package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/bitrise-io/go-chunkupload/failure"
	"github.com/bitrise-io/go-utils/v2/log"
	"golang.org/x/net/http/httpguts"
)

const (
	opConfigure = "configure request"
	opSend      = "send request"
	opResponse  = "read response"
)

// maxErrorBodySize caps how much of a rejected response ends up in logs.
const maxErrorBodySize = 1024

var errUnsupportedScheme = errors.New("unsupported URL scheme")

// DefaultHTTPClient creates an HTTP client tuned for parallel part uploads.
func DefaultHTTPClient() *http.Client {
	return &http.Client{
		// No timeout - attempt deadlines come from the context
		Timeout: 0,
		Transport: &http.Transport{
			MaxIdleConns:        50,
			MaxConnsPerHost:     20,
			IdleConnTimeout:     10 * time.Second,
			TLSHandshakeTimeout: 5 * time.Second,
			Proxy:               http.ProxyFromEnvironment,
		},
	}
}

// HTTPTransfer sends part bodies to upload targets. It owns the connection
// pool shared by all workers; the pool's locking is net/http's.
type HTTPTransfer struct {
	client *http.Client
	logger log.Logger
}

// NewHTTPTransfer ...
func NewHTTPTransfer(client *http.Client, logger log.Logger) *HTTPTransfer {
	if client == nil {
		client = DefaultHTTPClient()
	}
	return &HTTPTransfer{client: client, logger: logger}
}

// Transfer streams body to target. Responses with any status are returned as
// an Outcome; only failures to configure or complete the exchange are errors.
func (t *HTTPTransfer) Transfer(ctx context.Context, target Target, body io.Reader, size int64, headers http.Header) (Outcome, error) {
	req, err := newTransferRequest(ctx, target, body, size, headers)
	if err != nil {
		return Outcome{}, mapError(opConfigure, err)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return Outcome{}, mapError(opSend, err)
	}
	defer func(body io.ReadCloser) {
		if err := body.Close(); err != nil {
			t.logger.Printf("%s", err)
		}
	}(resp.Body)

	outcome := Outcome{
		StatusCode: resp.StatusCode,
		ETag:       resp.Header.Get("ETag"),
	}

	if !failure.IsSuccessStatus(resp.StatusCode) {
		errorBody, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		if err != nil {
			return outcome, nil
		}
		t.logger.Debugf("Rejected transfer (HTTP %d): %s", resp.StatusCode, string(errorBody))
		return outcome, nil
	}

	// Drain so the connection can go back to the pool.
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return Outcome{}, mapError(opResponse, err)
	}

	return outcome, nil
}

// CloseIdleConnections closes idle connections in the HTTP client.
func (t *HTTPTransfer) CloseIdleConnections() {
	t.client.CloseIdleConnections()
}

func newTransferRequest(ctx context.Context, target Target, body io.Reader, size int64, headers http.Header) (*http.Request, error) {
	method := target.Method
	if method == "" {
		method = http.MethodPost
	}

	u, err := url.Parse(target.URL)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: %q", errUnsupportedScheme, u.Scheme)
	}

	req, err := http.NewRequestWithContext(ctx, method, target.URL, body)
	if err != nil {
		return nil, err
	}

	for k, v := range target.Headers {
		if err := setHeader(req.Header, k, v); err != nil {
			return nil, err
		}
	}
	for k, values := range headers {
		for _, v := range values {
			if err := setHeader(req.Header, k, v); err != nil {
				return nil, err
			}
		}
	}

	req.Header.Set("Content-Length", fmt.Sprintf("%d", size))
	req.ContentLength = size

	return req, nil
}

func setHeader(h http.Header, key, value string) error {
	if !httpguts.ValidHeaderFieldName(key) {
		return fmt.Errorf("invalid header name: %q", key)
	}
	if !httpguts.ValidHeaderFieldValue(value) {
		return fmt.Errorf("invalid value for header %s", key)
	}
	h.Set(key, value)
	return nil
}

// mapError classifies a transport library error for the operation op.
// Configuration steps and unparsable URLs are TransportSetup failures;
// everything that happens once the request is on its way is TransportIO.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}

	var ferr *failure.Error
	if errors.As(err, &ferr) {
		return err
	}

	kind := failure.TransportIO
	if op == opConfigure {
		kind = failure.TransportSetup
	}
	var uerr *url.Error
	if errors.As(err, &uerr) && uerr.Op == "parse" {
		kind = failure.TransportSetup
	}

	return failure.New(kind, op, err)
}
