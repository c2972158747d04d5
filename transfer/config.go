package transfer

import (
	"fmt"
	"runtime"
	"time"

	"github.com/bitrise-io/go-chunkupload/chunk"
	"github.com/bitrise-io/go-chunkupload/chunk/codec"
	"github.com/bitrise-io/go-chunkupload/internal/journal"
)

const (
	minChunkSize = 8 * 1024 * 1024
	maxChunkSize = 100 * 1024 * 1024
)

// Config holds configuration for the Uploader.
type Config struct {
	// Concurrency is the number of workers processing chunks in parallel.
	// Default: min(NumCPU * 3, 20), minimum 2
	Concurrency int

	// MaxAttemptsPerChunk is the attempt budget every planned chunk starts with.
	// Default: 3
	MaxAttemptsPerChunk int

	// HungThreshold is the duration after which an attempt is cancelled as hung
	// if it exceeds the average attempt time by this amount. Zero disables it.
	// Default: 30 seconds
	HungThreshold time.Duration

	// AttemptTimeout bounds a single attempt. Zero means no limit.
	AttemptTimeout time.Duration

	// Backoff is multiplied by the number of failed attempts before a chunk
	// is put back on the queue.
	// Default: 2 seconds
	Backoff time.Duration

	// Codec compresses chunk data before upload. Nil means no compression.
	Codec codec.Codec

	// BufferPool is shared by all planned chunks. Nil allocates per read.
	BufferPool chunk.BufferPool

	// Journal records completed parts for resuming. Nil disables resume.
	Journal *journal.Journal

	// Progress is called with the source byte count of every finished chunk.
	// It is called concurrently from workers.
	Progress func(n int64)
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Concurrency:         DefaultConcurrency(),
		MaxAttemptsPerChunk: 3,
		HungThreshold:       30 * time.Second,
		Backoff:             2 * time.Second,
		Codec:               codec.None{},
	}
}

// Validate reports configuration values the Uploader cannot work with.
func (c Config) Validate() error {
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1, got %d", c.Concurrency)
	}
	if c.MaxAttemptsPerChunk < 1 {
		return fmt.Errorf("max attempts per chunk must be at least 1, got %d", c.MaxAttemptsPerChunk)
	}
	if c.HungThreshold < 0 || c.AttemptTimeout < 0 || c.Backoff < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	return nil
}

// DefaultConcurrency calculates the default concurrency based on CPU count.
func DefaultConcurrency() int {
	c := runtime.NumCPU() * 3

	if c > 20 {
		c = 20
	}

	if c < 2 {
		c = 2
	}

	return c
}

// OptimalChunkSizeBytes calculates optimal chunk size based on total size and concurrency.
func OptimalChunkSizeBytes(totalSize int64, concurrency int) int64 {
	if concurrency < 1 {
		concurrency = 1
	}
	cs := totalSize / int64(concurrency)

	// Halve very large chunks to keep every worker busy
	if cs >= maxChunkSize {
		cs /= 2
	}

	if cs < minChunkSize {
		cs = minChunkSize
	}

	if cs > maxChunkSize {
		cs = maxChunkSize
	}

	return cs
}
