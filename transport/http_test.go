package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/bitrise-io/go-chunkupload/failure"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_mapError(t *testing.T) {
	tests := []struct {
		name string
		op   string
		err  error
		want failure.Kind
	}{
		{
			name: "configure step",
			op:   opConfigure,
			err:  errors.New("invalid header name"),
			want: failure.TransportSetup,
		},
		{
			name: "unparsable url",
			op:   opSend,
			err:  &url.Error{Op: "parse", URL: "::", Err: errors.New("missing protocol scheme")},
			want: failure.TransportSetup,
		},
		{
			name: "connection reset",
			op:   opSend,
			err:  &url.Error{Op: "Post", URL: "http://example.com", Err: errors.New("connection reset by peer")},
			want: failure.TransportIO,
		},
		{
			name: "deadline",
			op:   opSend,
			err:  context.DeadlineExceeded,
			want: failure.TransportIO,
		},
		{
			name: "already classified",
			op:   opSend,
			err:  failure.New(failure.TransportSetup, "x", nil),
			want: failure.TransportSetup,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mapError(tt.op, tt.err)
			assert.Equal(t, tt.want, failure.KindOf(got))
			assert.ErrorIs(t, got, tt.err)
		})
	}

	assert.Nil(t, mapError(opSend, nil))
}

func TestHTTPTransfer_Transfer(t *testing.T) {
	payload := []byte("0123456789")

	var gotMethod, gotContentType string
	var gotLength int64
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotContentType = r.Header.Get("Content-Type")
		gotLength = r.ContentLength
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("ETag", `"part-1"`)
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	transfer := NewHTTPTransfer(nil, log.NewLogger())
	defer transfer.CloseIdleConnections()

	headers := http.Header{}
	headers.Set("Content-Type", DefaultContentType)

	outcome, err := transfer.Transfer(context.Background(), Target{URL: server.URL}, bytes.NewReader(payload), int64(len(payload)), headers)
	require.NoError(t, err)

	assert.Equal(t, http.StatusCreated, outcome.StatusCode)
	assert.Equal(t, `"part-1"`, outcome.ETag)
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, DefaultContentType, gotContentType)
	assert.Equal(t, int64(10), gotLength)
	assert.Equal(t, payload, gotBody)
}

func TestHTTPTransfer_Transfer_RejectedStatusIsOutcome(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("temporary error"))
	}))
	defer server.Close()

	transfer := NewHTTPTransfer(nil, log.NewLogger())

	outcome, err := transfer.Transfer(context.Background(), Target{Method: http.MethodPut, URL: server.URL}, bytes.NewReader([]byte("data")), 4, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, outcome.StatusCode)
}

func TestHTTPTransfer_Transfer_SetupFailures(t *testing.T) {
	transfer := NewHTTPTransfer(nil, log.NewLogger())

	tests := []struct {
		name    string
		target  Target
		headers http.Header
	}{
		{name: "unparsable url", target: Target{URL: "http://[::1"}},
		{name: "unsupported scheme", target: Target{URL: "ftp://example.com/part"}},
		{name: "invalid method", target: Target{Method: "BAD METHOD", URL: "http://example.com"}},
		{name: "invalid target header", target: Target{URL: "http://example.com", Headers: map[string]string{"Bad Header": "x"}}},
		{name: "invalid header value", target: Target{URL: "http://example.com"}, headers: http.Header{"X-Token": {"a\nb"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := transfer.Transfer(context.Background(), tt.target, bytes.NewReader([]byte("data")), 4, tt.headers)
			require.Error(t, err)
			assert.Equal(t, failure.TransportSetup, failure.KindOf(err))
		})
	}
}

func TestHTTPTransfer_Transfer_IOFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(time.Second)
	}))
	defer server.Close()

	transfer := NewHTTPTransfer(nil, log.NewLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := transfer.Transfer(ctx, Target{URL: server.URL}, bytes.NewReader([]byte("data")), 4, nil)
	require.Error(t, err)
	assert.Equal(t, failure.TransportIO, failure.KindOf(err))
}
