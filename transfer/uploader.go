// Package transfer uploads whole files as chunked, multipart transfers.
// It plans chunks, runs them through a pool of workers with per-chunk retry
// and hung detection, and completes or aborts the remote object.
package transfer

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bitrise-io/go-chunkupload/chunk"
	"github.com/bitrise-io/go-chunkupload/failure"
	"github.com/bitrise-io/go-chunkupload/internal/journal"
	"github.com/bitrise-io/go-chunkupload/internal/metrics"
	"github.com/bitrise-io/go-chunkupload/transport"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	"github.com/zeebo/blake3"
	"golang.org/x/sync/errgroup"
)

const abortTimeout = 30 * time.Second

// hungCheckInterval is how often running attempts are compared to the average.
var hungCheckInterval = time.Second

// ChunkFailedError is returned by Upload when a chunk used up its attempts.
// It names the chunk and wraps the error of its last attempt.
type ChunkFailedError struct {
	SourcePath    string
	Start         int64
	End           int64
	DestinationID string
	Index         int
	Err           error
}

func newChunkFailedError(c *chunk.Chunk, err error) *ChunkFailedError {
	return &ChunkFailedError{
		SourcePath:    c.SourcePath(),
		Start:         c.Start(),
		End:           c.End(),
		DestinationID: c.DestinationID(),
		Index:         c.Index(),
		Err:           err,
	}
}

func (e *ChunkFailedError) Error() string {
	return fmt.Sprintf("chunk %s:%d-%d -> %s[%d] failed after all attempts: %s",
		e.SourcePath, e.Start, e.End, e.DestinationID, e.Index, e.Err)
}

func (e *ChunkFailedError) Unwrap() error {
	return e.Err
}

// Report summarizes a finished transfer.
type Report struct {
	DestinationID string
	Parts         int
	// Bytes counts source bytes, before compression.
	Bytes    int64
	Skipped  int
	Duration time.Duration
}

// Uploader handles parallel chunk uploads with retry and hung detection.
type Uploader struct {
	config Config
	client transport.Client
	logger log.Logger
	stats  *Stats

	hungCheckInterval time.Duration
}

// New creates an Uploader sending chunks through client. When client also
// implements transport.Session the remote object is completed after the last
// part and aborted when a chunk fails for good.
func New(config Config, client transport.Client, logger log.Logger) *Uploader {
	metrics.Register()

	return &Uploader{
		config: config,
		client: client,
		logger: logger,
		stats:  NewStats(),

		hungCheckInterval: hungCheckInterval,
	}
}

// Stats returns the upload statistics.
func (u *Uploader) Stats() *Stats {
	return u.stats
}

type run struct {
	destinationID string
	queue         chan *chunk.Chunk
	pending       atomic.Int64
	completed     map[int]journal.Part
	bytes         atomic.Int64
	skipped       atomic.Int64

	mu    sync.Mutex
	etags map[int]string
}

type attemptResult struct {
	etag        string
	digest      string
	payloadSize int
	skipped     bool
}

// Upload uploads chunks, all destined for destinationID, and completes the
// remote object. Chunks are released as soon as their outcome is final.
func (u *Uploader) Upload(ctx context.Context, destinationID string, chunks []*chunk.Chunk) (*Report, error) {
	if err := u.config.Validate(); err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return nil, errors.New("no chunks to upload")
	}
	for _, c := range chunks {
		if c.DestinationID() != destinationID {
			return nil, fmt.Errorf("chunk %s belongs to another destination than %s", c, destinationID)
		}
	}

	start := time.Now()
	r := &run{
		destinationID: destinationID,
		queue:         make(chan *chunk.Chunk, len(chunks)),
		etags:         make(map[int]string, len(chunks)),
	}
	r.pending.Store(int64(len(chunks)))

	if u.config.Journal != nil {
		completed, err := u.config.Journal.Completed(ctx, destinationID)
		if err != nil {
			return nil, fmt.Errorf("load journal: %w", err)
		}
		r.completed = completed
	}

	for _, c := range chunks {
		r.queue <- c
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < min(u.config.Concurrency, len(chunks)); i++ {
		worker := strconv.Itoa(i + 1)
		g.Go(func() error {
			return u.work(gctx, worker, r)
		})
	}

	if err := g.Wait(); err != nil {
		var failed *ChunkFailedError
		if errors.As(err, &failed) {
			u.abort(ctx, destinationID)
		}
		for _, c := range chunks {
			c.Release()
		}
		return nil, err
	}

	parts := make([]transport.Part, 0, len(r.etags))
	for number, etag := range r.etags {
		parts = append(parts, transport.Part{Number: number, ETag: etag})
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].Number < parts[j].Number })

	if session, ok := u.client.(transport.Session); ok {
		if err := session.Complete(ctx, destinationID, parts); err != nil {
			return nil, fmt.Errorf("complete upload: %w", err)
		}
	}
	u.forget(ctx, destinationID)

	report := &Report{
		DestinationID: destinationID,
		Parts:         len(parts),
		Bytes:         r.bytes.Load(),
		Skipped:       int(r.skipped.Load()),
		Duration:      time.Since(start),
	}
	u.logger.Donef("Uploaded %d parts (%s) to %s in %s", report.Parts,
		units.BytesSize(float64(report.Bytes)), destinationID, report.Duration.Round(time.Millisecond))

	return report, nil
}

func (u *Uploader) work(ctx context.Context, worker string, r *run) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case c, ok := <-r.queue:
			if !ok {
				return nil
			}
			if err := u.process(ctx, worker, c, r); err != nil {
				return err
			}
		}
	}
}

func (u *Uploader) process(ctx context.Context, worker string, c *chunk.Chunk, r *run) error {
	metrics.ChunksInFlight.Inc()
	defer metrics.ChunksInFlight.Dec()

	u.logger.Debugf("Worker %s: processing part %d (attempts left %d) [finished=%d] [avg=%v]",
		worker, c.PartNumber(), c.AttemptsRemaining(), u.stats.FinishedCount(), u.stats.Average().Round(time.Millisecond))

	start := time.Now()
	result, err := u.attempt(ctx, worker, c, r)
	took := time.Since(start)
	if err == nil {
		u.finish(ctx, worker, c, r, result, took)
		return nil
	}

	if ctx.Err() != nil {
		c.Release()
		return fmt.Errorf("upload cancelled: %w", ctx.Err())
	}

	kind := failure.KindOf(err)
	metrics.ChunkAttemptsTotal.WithLabelValues(kind.String()).Inc()
	metrics.ChunkAttemptDuration.WithLabelValues(kind.String()).Observe(took.Seconds())
	if kind == failure.TransportSetup {
		u.logger.Errorf("Worker %s: upload request for part %d could not be configured: %s", worker, c.PartNumber(), err)
	}
	c.Log(u.logger, worker, "Attempt failed: %s", err)

	remaining := c.DecrementAttempts()
	if remaining == 0 {
		c.Release()
		metrics.ChunksAbandonedTotal.Inc()
		u.logger.Errorf("Chunk %s ran out of attempts: %s", c, err)
		return newChunkFailedError(c, err)
	}

	backoff := time.Duration(u.config.MaxAttemptsPerChunk-remaining) * u.config.Backoff
	if backoff < u.config.Backoff {
		backoff = u.config.Backoff
	}
	u.logger.Warnf("Part %d failed, retrying after %v (%d attempts left)", c.PartNumber(), backoff, remaining)

	timer := time.NewTimer(backoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		c.Release()
		return fmt.Errorf("upload cancelled: %w", ctx.Err())
	case <-timer.C:
	}

	// The queue has room for every chunk, so this never blocks.
	r.queue <- c
	return nil
}

func (u *Uploader) attempt(ctx context.Context, worker string, c *chunk.Chunk, r *run) (attemptResult, error) {
	if err := c.Read(); err != nil {
		return attemptResult{}, err
	}

	var result attemptResult
	if u.config.Journal != nil {
		result.digest = digest(c.Data())
		if part, ok := r.completed[c.PartNumber()]; ok &&
			part.Start == c.Start() && part.End == c.End() && part.Digest == result.digest {
			c.Log(u.logger, worker, "Found in journal, skipping upload")
			result.etag = part.ETag
			result.skipped = true
			return result, nil
		}
	}

	if err := c.Compress(u.config.Codec); err != nil {
		return attemptResult{}, err
	}
	result.payloadSize = c.DataSize()

	var attemptCtx context.Context
	var cancel context.CancelFunc
	if u.config.AttemptTimeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, u.config.AttemptTimeout)
	} else {
		attemptCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	// The last attempt is never cancelled as hung.
	if c.AttemptsRemaining() > 1 && u.config.HungThreshold > 0 {
		go u.detectHungAttempt(attemptCtx, cancel, time.Now(), c)
	}

	c.Log(u.logger, worker, "Requesting upload target")
	if err := c.Upload(attemptCtx, u.client); err != nil {
		return attemptResult{}, err
	}
	result.etag = c.ETag()

	return result, nil
}

func (u *Uploader) finish(ctx context.Context, worker string, c *chunk.Chunk, r *run, result attemptResult, took time.Duration) {
	size := c.Size()

	r.bytes.Add(size)
	if result.skipped {
		r.skipped.Add(1)
		u.stats.Skip(size)
	} else {
		u.stats.Update(took, size)
		metrics.ChunkAttemptsTotal.WithLabelValues("success").Inc()
		metrics.ChunkAttemptDuration.WithLabelValues("success").Observe(took.Seconds())
		metrics.ChunkSize.Observe(float64(result.payloadSize))
		metrics.BytesUploadedTotal.Add(float64(size))
		c.Log(u.logger, worker, "Uploaded in %v, ETag: %s", took.Round(time.Millisecond), result.etag)

		if u.config.Journal != nil {
			part := journal.Part{Number: c.PartNumber(), Start: c.Start(), End: c.End(), Digest: result.digest, ETag: result.etag}
			if err := u.config.Journal.MarkCompleted(ctx, r.destinationID, part); err != nil {
				u.logger.Warnf("Failed to record part %d in journal: %s", c.PartNumber(), err)
			}
		}
	}
	c.Release()

	r.mu.Lock()
	r.etags[c.PartNumber()] = result.etag
	r.mu.Unlock()

	if u.config.Progress != nil {
		u.config.Progress(size)
	}

	if r.pending.Add(-1) == 0 {
		close(r.queue)
	}
}

func (u *Uploader) detectHungAttempt(ctx context.Context, cancel context.CancelFunc, start time.Time, c *chunk.Chunk) {
	ticker := time.NewTicker(u.hungCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if u.stats.FinishedCount() > 0 {
				elapsed := time.Since(start)
				avg := u.stats.Average()
				if elapsed-avg > u.config.HungThreshold {
					u.logger.Warnf("Found hung upload of part %d; canceling request after %s (avg: %s)",
						c.PartNumber(), elapsed.Round(time.Millisecond), avg.Round(time.Millisecond))
					cancel()
					return
				}
			}
		}
	}
}

func (u *Uploader) abort(ctx context.Context, destinationID string) {
	if session, ok := u.client.(transport.Session); ok {
		abortCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abortTimeout)
		defer cancel()

		if err := session.Abort(abortCtx, destinationID); err != nil {
			u.logger.Warnf("Failed to abort upload %s: %s", destinationID, err)
		}
	}
	u.forget(context.WithoutCancel(ctx), destinationID)
}

func (u *Uploader) forget(ctx context.Context, destinationID string) {
	if u.config.Journal == nil {
		return
	}
	if err := u.config.Journal.Forget(ctx, destinationID); err != nil {
		u.logger.Warnf("Failed to clear journal of %s: %s", destinationID, err)
	}
}

func digest(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}
