// Package chunk implements the unit of work of a chunked upload: one
// contiguous byte range of a local file destined for one numbered part of a
// remote object.
//
// A Chunk is processed by exactly one worker at a time. The worker calls Read,
// Compress and Upload in this order for every attempt and Release once the
// chunk's outcome is final. Pipeline methods never retry and never touch the
// attempt budget; the worker decrements it between attempts.
package chunk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/bitrise-io/go-chunkupload/chunk/codec"
	"github.com/bitrise-io/go-chunkupload/failure"
	"github.com/bitrise-io/go-chunkupload/transport"
	"github.com/bitrise-io/go-utils/v2/log"
)

var (
	// ErrInvalidRange is returned by New for empty or inverted byte ranges.
	ErrInvalidRange = errors.New("invalid chunk range")
	// ErrNotRead is returned by Compress and Upload when the buffer is empty.
	ErrNotRead = errors.New("chunk data has not been read")

	errBodyDetached = errors.New("upload body read after its attempt ended")
)

// Chunk is one byte range of a source file and the remote part it becomes.
// The range and destination are fixed at construction; only the buffer, the
// upload cursor and the attempt budget change afterwards.
type Chunk struct {
	sourcePath    string
	start         int64
	end           int64
	destinationID string
	index         int

	buffer   *Buffer
	encoding string
	etag     string
	cursor   atomic.Int64
	attempts atomic.Int32
	// generation numbers upload attempts; only the current one moves cursor.
	generation atomic.Int64
}

// Option configures a Chunk.
type Option func(*Chunk)

// WithBufferPool makes the chunk borrow its buffer from pool.
func WithBufferPool(pool BufferPool) Option {
	return func(c *Chunk) {
		c.buffer = newBuffer(pool)
	}
}

// New creates a chunk for the half-open range [start, end) of sourcePath,
// destined for part index+1 of destinationID.
func New(sourcePath string, start, end int64, destinationID string, index, attempts int, opts ...Option) (*Chunk, error) {
	if start < 0 || end <= start {
		return nil, fmt.Errorf("%w: [%d, %d)", ErrInvalidRange, start, end)
	}
	if int64(int(end-start)) != end-start {
		return nil, fmt.Errorf("%w: %d bytes do not fit in memory", ErrInvalidRange, end-start)
	}
	if sourcePath == "" {
		return nil, fmt.Errorf("source path must not be empty")
	}
	if destinationID == "" {
		return nil, fmt.Errorf("destination id must not be empty")
	}
	if index < 0 {
		return nil, fmt.Errorf("chunk index must not be negative: %d", index)
	}
	if attempts < 1 {
		return nil, fmt.Errorf("chunk needs at least one attempt, got %d", attempts)
	}

	c := &Chunk{
		sourcePath:    sourcePath,
		start:         start,
		end:           end,
		destinationID: destinationID,
		index:         index,
		buffer:        newBuffer(nil),
	}
	c.attempts.Store(int32(attempts))
	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// SourcePath ...
func (c *Chunk) SourcePath() string { return c.sourcePath }

// Start ...
func (c *Chunk) Start() int64 { return c.start }

// End ...
func (c *Chunk) End() int64 { return c.end }

// Size is the length of the byte range.
func (c *Chunk) Size() int64 { return c.end - c.start }

// DestinationID ...
func (c *Chunk) DestinationID() string { return c.destinationID }

// Index is the zero-based position of the chunk in its file.
func (c *Chunk) Index() int { return c.index }

// PartNumber is the 1-based part number used on the wire.
func (c *Chunk) PartNumber() int { return c.index + 1 }

// Data returns the current buffer contents.
func (c *Chunk) Data() []byte { return c.buffer.Bytes() }

// DataSize returns the current buffer length.
func (c *Chunk) DataSize() int { return c.buffer.Len() }

// Encoding names the codec applied to the buffer, or "" for raw bytes.
func (c *Chunk) Encoding() string { return c.encoding }

// ETag is the entity tag returned for the last successful upload.
func (c *Chunk) ETag() string { return c.etag }

// UploadCursor is the number of buffer bytes served to the transport in the
// current attempt.
func (c *Chunk) UploadCursor() int64 { return c.cursor.Load() }

// AttemptsRemaining ...
func (c *Chunk) AttemptsRemaining() int { return int(c.attempts.Load()) }

// DecrementAttempts consumes one attempt and returns how many remain. Only
// the worker driving the chunk calls it, after a failed attempt.
func (c *Chunk) DecrementAttempts() int {
	for {
		current := c.attempts.Load()
		if current <= 0 {
			return 0
		}
		if c.attempts.CompareAndSwap(current, current-1) {
			return int(current - 1)
		}
	}
}

// Read loads the chunk's byte range from the source file into the buffer.
// Previous contents are discarded first, so Read can be repeated on retry.
// A short read is an error and leaves the buffer empty.
func (c *Chunk) Read() error {
	c.Release()

	data, err := c.readRange()
	if err != nil {
		return failure.WithChunk(failure.New(failure.IO, "read", err), c.String())
	}
	c.buffer.swap(data)

	return nil
}

func (c *Chunk) readRange() ([]byte, error) {
	file, err := os.Open(c.sourcePath)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer file.Close() //nolint:errcheck

	size := c.Size()
	data := c.buffer.allocate(int(size))
	n, err := io.ReadFull(io.NewSectionReader(file, c.start, size), data)
	if err != nil {
		c.buffer.discard(data)
		return nil, fmt.Errorf("read %d of %d bytes at offset %d: %w", n, size, c.start, err)
	}

	return data, nil
}

// Compress replaces the buffer with its encoding by cd. A nil or None codec,
// an already encoded buffer and incompressible data leave the buffer as is.
func (c *Chunk) Compress(cd codec.Codec) error {
	if codec.IsNone(cd) || c.encoding != "" {
		return nil
	}

	data := c.buffer.Bytes()
	if len(data) == 0 {
		return fmt.Errorf("compress chunk %s: %w", c, ErrNotRead)
	}

	encoded, err := cd.Encode(data)
	if errors.Is(err, codec.ErrIncompressible) {
		return nil
	}
	if err != nil {
		return failure.WithChunk(failure.New(failure.Codec, "compress", err), c.String())
	}

	c.buffer.swap(encoded)
	c.encoding = cd.Name()

	return nil
}

// Upload sends the whole buffer as part PartNumber of DestinationID, using a
// target obtained from client for this attempt only.
func (c *Chunk) Upload(ctx context.Context, client transport.Client) error {
	data := c.buffer.Bytes()
	if len(data) == 0 {
		return fmt.Errorf("upload chunk %s: %w", c, ErrNotRead)
	}

	c.cursor.Store(0)
	c.etag = ""

	target, err := client.RequestUploadTarget(ctx, c.destinationID, c.PartNumber())
	if err != nil {
		return failure.WithChunk(ensureKind(err, failure.TargetUnavailable, "request upload target"), c.String())
	}

	headers := http.Header{}
	headers.Set("Content-Type", transport.DefaultContentType)
	headers.Set("Content-Length", strconv.Itoa(len(data)))
	if c.encoding != "" {
		headers.Set("Content-Encoding", c.encoding)
	}

	body := c.newCursorReader(data)
	// The transport may keep reading the body after Transfer returns.
	// Detaching it here keeps a later attempt or Release out of its way.
	defer body.Close() //nolint:errcheck

	outcome, err := client.Transfer(ctx, target, body, int64(len(data)), headers)
	if err != nil {
		return failure.WithChunk(ensureKind(err, failure.TransportIO, "transfer"), c.String())
	}
	if !failure.IsSuccessStatus(outcome.StatusCode) {
		return failure.WithChunk(failure.Rejected("upload", outcome.StatusCode, nil), c.String())
	}

	c.etag = outcome.ETag

	return nil
}

// Release frees the buffer. It is safe to call on a chunk that was never read.
func (c *Chunk) Release() {
	c.generation.Add(1)
	c.buffer.release()
	c.encoding = ""
	c.cursor.Store(0)
}

// String describes the chunk for diagnostics.
func (c *Chunk) String() string {
	return fmt.Sprintf("[%s:%d-%d -> %s[%d], tries=%d, data_size=%d]",
		c.sourcePath, c.start, c.end, c.destinationID, c.index, c.AttemptsRemaining(), c.DataSize())
}

// Log writes one debug line about the chunk on behalf of worker.
func (c *Chunk) Log(logger log.Logger, worker, format string, v ...interface{}) {
	logger.Debugf("Worker %s: chunk %s: %s", worker, c, fmt.Sprintf(format, v...))
}

func ensureKind(err error, kind failure.Kind, op string) error {
	if failure.KindOf(err) != failure.Unknown {
		return err
	}
	return failure.New(kind, op, err)
}

// cursorReader serves the buffer of one upload attempt to the transport.
// It keeps its own offset and publishes it as the chunk's upload cursor only
// while its attempt is the current one. Once closed it no longer touches the
// buffer.
type cursorReader struct {
	chunk      *Chunk
	generation int64

	mu     sync.Mutex
	data   []byte
	offset int64
}

func (c *Chunk) newCursorReader(data []byte) *cursorReader {
	generation := c.generation.Add(1)
	c.cursor.Store(0)
	return &cursorReader{chunk: c, generation: generation, data: data}
}

func (r *cursorReader) Read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.data == nil {
		return 0, errBodyDetached
	}
	if r.offset >= int64(len(r.data)) {
		return 0, io.EOF
	}
	n := copy(p, r.data[r.offset:])
	r.offset += int64(n)
	if r.chunk.generation.Load() == r.generation {
		r.chunk.cursor.Store(r.offset)
	}
	return n, nil
}

// Close detaches the reader from the buffer. It waits for a Read in progress.
func (r *cursorReader) Close() error {
	r.mu.Lock()
	r.data = nil
	r.mu.Unlock()
	return nil
}
