package main

import (
	"context"
	"path"
	"path/filepath"

	"github.com/bitrise-io/go-chunkupload/config"
	"github.com/bitrise-io/go-chunkupload/transport"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
)

// remote is the destination of one file.
type remote interface {
	transport.Client
	transport.Session
	// Begin opens a new remote object and returns its destination id.
	Begin(ctx context.Context) (string, error)
}

type remoteFactory func(ctx context.Context, sourcePath string, size int64) (remote, error)

// apiFile is an upload API destination of a single file.
type apiFile struct {
	*transport.APIClient
	name string
	size int64
}

func (f apiFile) Begin(ctx context.Context) (string, error) {
	return f.APIClient.Begin(ctx, f.name, f.size)
}

func newRemoteFactory(cfg *config.Config, logger log.Logger) remoteFactory {
	httpTransfer := transport.NewHTTPTransfer(nil, logger)

	if cfg.Backend == config.BackendS3 {
		return func(ctx context.Context, sourcePath string, _ int64) (remote, error) {
			params := transport.S3Params{
				Bucket:          cfg.S3.Bucket,
				Key:             path.Join(cfg.S3.KeyPrefix, filepath.Base(sourcePath)),
				Region:          cfg.S3.Region,
				EndpointURL:     cfg.S3.Endpoint,
				UsePathStyle:    cfg.S3.UsePathStyle,
				AccessKeyID:     cfg.S3.AccessKeyID,
				SecretAccessKey: string(cfg.S3.SecretAccessKey),
			}
			return transport.NewS3Client(ctx, params, httpTransfer, logger)
		}
	}

	client := transport.NewAPIClient(retryhttp.NewClient(logger), httpTransfer, cfg.API.URL, string(cfg.API.Token), logger)
	return func(_ context.Context, sourcePath string, size int64) (remote, error) {
		return apiFile{APIClient: client, name: filepath.Base(sourcePath), size: size}, nil
	}
}
