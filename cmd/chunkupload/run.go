package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bitrise-io/go-chunkupload/chunk"
	"github.com/bitrise-io/go-chunkupload/config"
	"github.com/bitrise-io/go-chunkupload/internal/journal"
	"github.com/bitrise-io/go-chunkupload/internal/metrics"
	"github.com/bitrise-io/go-chunkupload/transfer"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/docker/go-units"
	"github.com/schollz/progressbar/v3"
)

type runner struct {
	cfg          *config.Config
	logger       log.Logger
	pathModifier pathutil.PathModifier
	pathChecker  pathutil.PathChecker
	newRemote    remoteFactory
	progress     bool
}

func newRunner(cfg *config.Config, logger log.Logger, pathModifier pathutil.PathModifier, pathChecker pathutil.PathChecker) *runner {
	return &runner{
		cfg:          cfg,
		logger:       logger,
		pathModifier: pathModifier,
		pathChecker:  pathChecker,
		newRemote:    newRemoteFactory(cfg, logger),
	}
}

// run uploads every file matched by patterns one after the other. A failed
// file does not stop the others.
func (r *runner) run(ctx context.Context, patterns []string) error {
	paths, err := evaluatePaths(patterns, r.pathModifier, r.pathChecker, r.logger)
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		return errors.New("no files to upload")
	}

	transferConfig, err := r.cfg.Transfer()
	if err != nil {
		return err
	}

	if r.cfg.Journal != "" {
		journalPath, err := r.pathModifier.AbsPath(r.cfg.Journal)
		if err != nil {
			return err
		}
		j, err := journal.Open(journalPath)
		if err != nil {
			return err
		}
		defer func() {
			if err := j.Close(); err != nil {
				r.logger.Warnf("Failed to close journal: %s", err)
			}
		}()
		transferConfig.Journal = j
	}

	tracker := newUploadTracker(r.cfg, r.logger)
	defer tracker.wait()

	var failed int
	for _, path := range paths {
		if err := r.uploadFile(ctx, path, transferConfig, tracker); err != nil {
			r.logger.Errorf("Failed to upload %s: %s", path, err)
			failed++
			if ctx.Err() != nil {
				break
			}
		}
	}

	if r.cfg.MetricsFile != "" {
		if err := metrics.WriteTextfile(r.cfg.MetricsFile); err != nil {
			r.logger.Warnf("Failed to write metrics: %s", err)
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d files failed to upload", failed, len(paths))
	}
	return nil
}

func (r *runner) uploadFile(ctx context.Context, path string, transferConfig transfer.Config, tracker uploadTracker) (err error) {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	size := info.Size()
	if size == 0 {
		return transfer.ErrEmptySource
	}
	defer func() {
		if err != nil {
			tracker.logFileFailed(size, err)
		}
	}()

	chunkSize := int64(r.cfg.Upload.ChunkSize)
	if chunkSize <= 0 {
		chunkSize = transfer.OptimalChunkSizeBytes(size, transferConfig.Concurrency)
		transferConfig.BufferPool = chunk.NewSizedPool(int(chunkSize))
	}

	rem, err := r.newRemote(ctx, path, size)
	if err != nil {
		return fmt.Errorf("create remote: %w", err)
	}

	destinationID, err := r.destination(ctx, rem, path, info, transferConfig.Journal)
	if err != nil {
		return err
	}

	chunks, err := transfer.Plan(path, destinationID, chunkSize, transferConfig)
	if err != nil {
		return err
	}
	r.logger.Infof("Uploading %s (%s) in %d chunks of %s", path, units.BytesSize(float64(size)), len(chunks), units.BytesSize(float64(chunkSize)))

	if r.progress {
		bar := progressbar.DefaultBytes(size, fmt.Sprintf("Uploading %s", filepath.Base(path)))
		defer func() {
			_ = bar.Finish()
		}()
		transferConfig.Progress = func(n int64) {
			_ = bar.Add64(n)
		}
	}

	report, err := transfer.New(transferConfig, rem, r.logger).Upload(ctx, destinationID, chunks)
	if err != nil {
		return err
	}
	tracker.logFileUploaded(report)

	if report.Skipped > 0 {
		r.logger.Printf("%d of %d parts were already uploaded", report.Skipped, report.Parts)
	}
	return nil
}

// destination resumes the unfinished upload of the file recorded in the
// journal, or begins a new one.
func (r *runner) destination(ctx context.Context, rem remote, path string, info os.FileInfo, j *journal.Journal) (string, error) {
	if j != nil {
		destinationID, err := j.Destination(ctx, path, info.Size(), info.ModTime())
		if err != nil {
			return "", err
		}
		if destinationID != "" {
			r.logger.Infof("Resuming upload of %s to %s", path, destinationID)
			return destinationID, nil
		}
	}

	destinationID, err := rem.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("begin upload: %w", err)
	}
	r.logger.Debugf("Started upload of %s to %s", path, destinationID)

	if j != nil {
		if err := j.Begin(ctx, path, info.Size(), info.ModTime(), destinationID); err != nil {
			r.logger.Warnf("Failed to record upload in journal: %s", err)
		}
	}
	return destinationID, nil
}
