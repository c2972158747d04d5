package transfer

import (
	"errors"
	"fmt"
	"os"

	"github.com/bitrise-io/go-chunkupload/chunk"
)

// ErrEmptySource is returned by Plan for empty files. The remote end needs at
// least one part to assemble an object.
var ErrEmptySource = errors.New("source file is empty")

// Plan partitions the file at path into consecutive chunks of chunkSize bytes
// destined for destinationID. The last chunk holds the remainder. A
// non-positive chunkSize selects OptimalChunkSizeBytes.
func Plan(path, destinationID string, chunkSize int64, config Config) ([]*chunk.Chunk, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat source: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("source is a directory: %s", path)
	}

	size := info.Size()
	if size == 0 {
		return nil, fmt.Errorf("%s: %w", path, ErrEmptySource)
	}
	if chunkSize <= 0 {
		chunkSize = OptimalChunkSizeBytes(size, config.Concurrency)
	}

	var opts []chunk.Option
	if config.BufferPool != nil {
		opts = append(opts, chunk.WithBufferPool(config.BufferPool))
	}

	count := int((size + chunkSize - 1) / chunkSize)
	chunks := make([]*chunk.Chunk, 0, count)
	for i := 0; i < count; i++ {
		start := int64(i) * chunkSize
		end := start + chunkSize
		if end > size {
			end = size
		}

		c, err := chunk.New(path, start, end, destinationID, i, config.MaxAttemptsPerChunk, opts...)
		if err != nil {
			return nil, fmt.Errorf("plan chunk %d: %w", i, err)
		}
		chunks = append(chunks, c)
	}

	return chunks, nil
}
