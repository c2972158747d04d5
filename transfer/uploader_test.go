package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bitrise-io/go-chunkupload/chunk"
	"github.com/bitrise-io/go-chunkupload/chunk/codec"
	"github.com/bitrise-io/go-chunkupload/failure"
	"github.com/bitrise-io/go-chunkupload/internal/journal"
	"github.com/bitrise-io/go-chunkupload/transport"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRemote accepts parts in memory. status and block decide the outcome
// of the call-th transfer of a part.
type fakeRemote struct {
	status func(part, call int) int
	block  func(part, call int) bool

	mu        sync.Mutex
	calls     map[int]int
	received  map[int][]byte
	headers   map[int]http.Header
	completed []transport.Part
	aborted   []string
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		calls:    map[int]int{},
		received: map[int][]byte{},
		headers:  map[int]http.Header{},
	}
}

func (f *fakeRemote) RequestUploadTarget(_ context.Context, destinationID string, partNumber int) (transport.Target, error) {
	return transport.Target{
		Method: http.MethodPut,
		URL:    fmt.Sprintf("https://remote.invalid/%s/%d", destinationID, partNumber),
	}, nil
}

func (f *fakeRemote) Transfer(ctx context.Context, target transport.Target, body io.Reader, _ int64, headers http.Header) (transport.Outcome, error) {
	part, err := strconv.Atoi(target.URL[strings.LastIndex(target.URL, "/")+1:])
	if err != nil {
		return transport.Outcome{}, err
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return transport.Outcome{}, err
	}

	f.mu.Lock()
	f.calls[part]++
	call := f.calls[part]
	f.mu.Unlock()

	if f.block != nil && f.block(part, call) {
		<-ctx.Done()
		return transport.Outcome{}, ctx.Err()
	}

	status := http.StatusOK
	if f.status != nil {
		status = f.status(part, call)
	}
	if failure.IsSuccessStatus(status) {
		f.mu.Lock()
		f.received[part] = data
		f.headers[part] = headers.Clone()
		f.mu.Unlock()
	}

	return transport.Outcome{StatusCode: status, ETag: fmt.Sprintf(`"etag-%d"`, part)}, nil
}

func (f *fakeRemote) Complete(_ context.Context, _ string, parts []transport.Part) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = parts
	return nil
}

func (f *fakeRemote) Abort(_ context.Context, destinationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborted = append(f.aborted, destinationID)
	return nil
}

func (f *fakeRemote) assembled() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()

	var buf bytes.Buffer
	for i := 1; i <= len(f.received); i++ {
		buf.Write(f.received[i])
	}
	return buf.Bytes()
}

func writeSource(t *testing.T, size int) (string, []byte) {
	t.Helper()
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i*7 + i/13)
	}
	path := filepath.Join(t.TempDir(), "source.bin")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path, data
}

func testConfig() Config {
	config := DefaultConfig()
	config.Concurrency = 3
	config.Backoff = 0
	config.HungThreshold = 0
	return config
}

func TestPlan(t *testing.T) {
	path, _ := writeSource(t, 25)

	chunks, err := Plan(path, "F1", 10, testConfig())
	require.NoError(t, err)
	require.Len(t, chunks, 3)

	var covered int64
	for i, c := range chunks {
		assert.Equal(t, i, c.Index())
		assert.Equal(t, covered, c.Start())
		assert.Equal(t, 3, c.AttemptsRemaining())
		covered = c.End()
	}
	assert.Equal(t, int64(25), covered)
	assert.Equal(t, int64(5), chunks[2].Size())
}

func TestPlan_OptimalChunkSize(t *testing.T) {
	path, _ := writeSource(t, 1000)

	chunks, err := Plan(path, "F1", 0, testConfig())
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, int64(1000), chunks[0].Size())
}

func TestPlan_Errors(t *testing.T) {
	empty := filepath.Join(t.TempDir(), "empty.bin")
	require.NoError(t, os.WriteFile(empty, nil, 0o644))

	_, err := Plan(empty, "F1", 10, testConfig())
	assert.ErrorIs(t, err, ErrEmptySource)

	_, err = Plan(filepath.Join(t.TempDir(), "missing.bin"), "F1", 10, testConfig())
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = Plan(t.TempDir(), "F1", 10, testConfig())
	assert.Error(t, err)
}

func TestOptimalChunkSizeBytes(t *testing.T) {
	assert.Equal(t, int64(minChunkSize), OptimalChunkSizeBytes(1024, 4))
	assert.Equal(t, int64(50*1024*1024), OptimalChunkSizeBytes(200*1024*1024, 4))
	assert.Equal(t, int64(maxChunkSize), OptimalChunkSizeBytes(10*1024*1024*1024, 2))
	assert.Equal(t, int64(minChunkSize), OptimalChunkSizeBytes(1024, 0))
}

func TestUploader_Upload_Success(t *testing.T) {
	path, data := writeSource(t, 100)
	config := testConfig()
	var progress atomic.Int64
	config.Progress = func(n int64) { progress.Add(n) }
	config.BufferPool = chunk.NewSizedPool(10)

	chunks, err := Plan(path, "F1", 10, config)
	require.NoError(t, err)

	remote := newFakeRemote()
	report, err := New(config, remote, log.NewLogger()).Upload(context.Background(), "F1", chunks)
	require.NoError(t, err)

	assert.Equal(t, "F1", report.DestinationID)
	assert.Equal(t, 10, report.Parts)
	assert.Equal(t, int64(100), report.Bytes)
	assert.Equal(t, 0, report.Skipped)
	assert.Equal(t, int64(100), progress.Load())
	assert.Equal(t, data, remote.assembled())

	require.Len(t, remote.completed, 10)
	for i, part := range remote.completed {
		assert.Equal(t, i+1, part.Number)
		assert.Equal(t, fmt.Sprintf(`"etag-%d"`, i+1), part.ETag)
	}
	assert.Empty(t, remote.aborted)

	for _, c := range chunks {
		assert.Zero(t, c.DataSize(), "chunk %d was not released", c.Index())
	}
}

func TestUploader_Upload_RetriesFailedChunk(t *testing.T) {
	path, data := writeSource(t, 30)
	config := testConfig()

	chunks, err := Plan(path, "F1", 10, config)
	require.NoError(t, err)

	remote := newFakeRemote()
	remote.status = func(part, call int) int {
		if part == 2 && call <= 2 {
			return http.StatusInternalServerError
		}
		return http.StatusCreated
	}

	uploader := New(config, remote, log.NewLogger())
	report, err := uploader.Upload(context.Background(), "F1", chunks)
	require.NoError(t, err)

	assert.Equal(t, 3, report.Parts)
	assert.Equal(t, data, remote.assembled())
	assert.Equal(t, 3, remote.calls[2])
	assert.Equal(t, 1, chunks[1].AttemptsRemaining())
	assert.Equal(t, int64(3), uploader.Stats().FinishedCount())
}

func TestUploader_Upload_ChunkExhaustsAttempts(t *testing.T) {
	path, _ := writeSource(t, 50)
	config := testConfig()
	config.MaxAttemptsPerChunk = 2

	chunks, err := Plan(path, "F1", 10, config)
	require.NoError(t, err)

	remote := newFakeRemote()
	remote.status = func(part, _ int) int {
		if part == 2 {
			return http.StatusServiceUnavailable
		}
		return http.StatusOK
	}

	report, err := New(config, remote, log.NewLogger()).Upload(context.Background(), "F1", chunks)
	require.Error(t, err)
	assert.Nil(t, report)

	var failed *ChunkFailedError
	require.True(t, errors.As(err, &failed))
	assert.Equal(t, 1, failed.Index)
	assert.Equal(t, int64(10), failed.Start)
	assert.Equal(t, int64(20), failed.End)
	assert.Equal(t, "F1", failed.DestinationID)
	assert.Equal(t, failure.RemoteRejected, failure.KindOf(err))
	assert.Equal(t, http.StatusServiceUnavailable, failure.StatusOf(err))
	assert.Contains(t, err.Error(), path+":10-20 -> F1[1]")

	assert.Equal(t, 2, remote.calls[2])
	assert.Equal(t, []string{"F1"}, remote.aborted)
	assert.Nil(t, remote.completed)
	for _, c := range chunks {
		assert.Zero(t, c.DataSize())
	}
}

func TestUploader_Upload_Compressed(t *testing.T) {
	data := bytes.Repeat([]byte("compressible "), 100)
	path := filepath.Join(t.TempDir(), "source.txt")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	config := testConfig()
	config.Codec = codec.Zstd{}

	chunks, err := Plan(path, "F1", 500, config)
	require.NoError(t, err)

	remote := newFakeRemote()
	report, err := New(config, remote, log.NewLogger()).Upload(context.Background(), "F1", chunks)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), report.Bytes)

	var decoded []byte
	for i, c := range chunks {
		part := i + 1
		assert.Equal(t, "zstd", remote.headers[part].Get("Content-Encoding"))
		assert.Less(t, len(remote.received[part]), int(c.Size()))

		plain, err := codec.Zstd{}.Decode(remote.received[part], int(c.Size()))
		require.NoError(t, err)
		decoded = append(decoded, plain...)
	}
	assert.Equal(t, data, decoded)
}

func TestUploader_Upload_ResumesFromJournal(t *testing.T) {
	path, data := writeSource(t, 40)
	ctx := context.Background()

	j, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	defer j.Close() //nolint:errcheck

	require.NoError(t, j.MarkCompleted(ctx, "F1", journal.Part{Number: 1, Start: 0, End: 10, Digest: digest(data[0:10]), ETag: `"old-1"`}))
	require.NoError(t, j.MarkCompleted(ctx, "F1", journal.Part{Number: 2, Start: 10, End: 20, Digest: digest(data[10:20]), ETag: `"old-2"`}))
	// Stale digest: the source changed since this part was sent.
	require.NoError(t, j.MarkCompleted(ctx, "F1", journal.Part{Number: 3, Start: 20, End: 30, Digest: "stale", ETag: `"old-3"`}))

	config := testConfig()
	config.Journal = j

	chunks, err := Plan(path, "F1", 10, config)
	require.NoError(t, err)

	remote := newFakeRemote()
	report, err := New(config, remote, log.NewLogger()).Upload(ctx, "F1", chunks)
	require.NoError(t, err)

	assert.Equal(t, 4, report.Parts)
	assert.Equal(t, 2, report.Skipped)
	assert.Equal(t, int64(40), report.Bytes)
	assert.Zero(t, remote.calls[1])
	assert.Zero(t, remote.calls[2])
	assert.Equal(t, 1, remote.calls[3])
	assert.Equal(t, 1, remote.calls[4])

	require.Len(t, remote.completed, 4)
	assert.Equal(t, `"old-1"`, remote.completed[0].ETag)
	assert.Equal(t, `"old-2"`, remote.completed[1].ETag)
	assert.Equal(t, `"etag-3"`, remote.completed[2].ETag)

	parts, err := j.Completed(ctx, "F1")
	require.NoError(t, err)
	assert.Empty(t, parts, "journal is cleared after completion")
}

func TestUploader_Upload_RecordsPartsInJournal(t *testing.T) {
	path, _ := writeSource(t, 20)
	ctx := context.Background()

	j, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	defer j.Close() //nolint:errcheck

	config := testConfig()
	config.Journal = j
	config.Concurrency = 1

	chunks, err := Plan(path, "F1", 10, config)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	remote := newFakeRemote()
	remote.status = func(part, _ int) int {
		if part == 2 {
			cancel()
			return http.StatusInternalServerError
		}
		return http.StatusOK
	}

	_, err = New(config, remote, log.NewLogger()).Upload(ctx, "F1", chunks)
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, remote.aborted, "cancelled uploads stay open for resuming")

	parts, err := j.Completed(context.Background(), "F1")
	require.NoError(t, err)
	require.Len(t, parts, 1)
	assert.Equal(t, `"etag-1"`, parts[1].ETag)
}

func TestUploader_Upload_CancelsHungAttempt(t *testing.T) {
	hungCheckInterval = 5 * time.Millisecond
	defer func() { hungCheckInterval = time.Second }()

	path, data := writeSource(t, 20)
	config := testConfig()
	config.Concurrency = 2
	config.HungThreshold = 20 * time.Millisecond

	chunks, err := Plan(path, "F1", 10, config)
	require.NoError(t, err)

	remote := newFakeRemote()
	remote.block = func(part, call int) bool {
		return part == 1 && call == 1
	}

	report, err := New(config, remote, log.NewLogger()).Upload(context.Background(), "F1", chunks)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Parts)
	assert.Equal(t, 2, remote.calls[1])
	assert.Equal(t, data, remote.assembled())
}

func TestUploader_Upload_AttemptTimeout(t *testing.T) {
	path, _ := writeSource(t, 10)
	config := testConfig()
	config.AttemptTimeout = 20 * time.Millisecond

	chunks, err := Plan(path, "F1", 10, config)
	require.NoError(t, err)

	remote := newFakeRemote()
	remote.block = func(_, call int) bool { return call == 1 }

	report, err := New(config, remote, log.NewLogger()).Upload(context.Background(), "F1", chunks)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Parts)
	assert.Equal(t, 2, remote.calls[1])
	assert.Equal(t, 2, chunks[0].AttemptsRemaining())
}

func TestUploader_Upload_Validation(t *testing.T) {
	path, _ := writeSource(t, 10)
	config := testConfig()
	uploader := New(config, newFakeRemote(), log.NewLogger())

	_, err := uploader.Upload(context.Background(), "F1", nil)
	assert.Error(t, err)

	chunks, err := Plan(path, "F2", 10, config)
	require.NoError(t, err)
	_, err = uploader.Upload(context.Background(), "F1", chunks)
	assert.Error(t, err)

	config.Concurrency = 0
	_, err = New(config, newFakeRemote(), log.NewLogger()).Upload(context.Background(), "F2", chunks)
	assert.Error(t, err)
}

func TestStats(t *testing.T) {
	s := NewStats()
	assert.Zero(t, s.Average())

	s.Update(2*time.Second, 10)
	s.Update(4*time.Second, 20)
	s.Skip(5)

	assert.Equal(t, 3*time.Second, s.Average())
	assert.Equal(t, int64(2), s.FinishedCount())
	assert.Equal(t, int64(1), s.SkippedCount())
	assert.Equal(t, int64(35), s.Bytes())
}
