package main

import (
	"errors"
	"time"

	"github.com/bitrise-io/go-chunkupload/config"
	"github.com/bitrise-io/go-chunkupload/failure"
	"github.com/bitrise-io/go-chunkupload/transfer"
	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/log"
)

// uploadTracker sends upload events when analytics are enabled. The zero
// value drops every event.
type uploadTracker struct {
	tracker analytics.Tracker
}

func newUploadTracker(cfg *config.Config, logger log.Logger) uploadTracker {
	if !cfg.Analytics {
		return uploadTracker{}
	}

	p := analytics.Properties{
		"backend":     cfg.Backend,
		"codec":       cfg.Upload.Codec,
		"concurrency": cfg.Upload.Concurrency,
		"attempts":    cfg.Upload.Attempts,
	}
	return uploadTracker{tracker: analytics.NewDefaultTracker(logger, p)}
}

func (t uploadTracker) logFileUploaded(report *transfer.Report) {
	if t.tracker == nil {
		return
	}
	properties := analytics.Properties{
		"upload_time_s":     report.Duration.Truncate(time.Second).Seconds(),
		"upload_size_bytes": report.Bytes,
		"part_count":        report.Parts,
		"skipped_parts":     report.Skipped,
	}
	t.tracker.Enqueue("chunkupload_file_uploaded", properties)
}

func (t uploadTracker) logFileFailed(size int64, err error) {
	if t.tracker == nil {
		return
	}
	properties := analytics.Properties{
		"upload_size_bytes": size,
		"failure_kind":      failure.KindOf(err).String(),
	}
	var failed *transfer.ChunkFailedError
	if errors.As(err, &failed) {
		properties["part_index"] = failed.Index
	}
	t.tracker.Enqueue("chunkupload_file_failed", properties)
}

func (t uploadTracker) wait() {
	if t.tracker == nil {
		return
	}
	t.tracker.Wait()
}
