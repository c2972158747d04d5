package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-chunkupload/failure"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
)

const (
	numControlRetries  = 3
	controlRetryWait   = 5 * time.Second
	defaultPresignTTL  = 15 * time.Minute
	presignOperationOp = "presign upload part"
)

// S3API is the subset of the S3 client used for multipart bookkeeping.
type S3API interface {
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

// S3Params ...
type S3Params struct {
	Bucket          string
	Key             string
	Region          string
	EndpointURL     string
	UsePathStyle    bool
	AccessKeyID     string
	SecretAccessKey string
}

// S3Client is a Client that uploads parts of an S3 multipart upload through
// presigned UploadPart URLs. The multipart upload id is the destination id.
type S3Client struct {
	*HTTPTransfer

	api        S3API
	presigner  *s3.PresignClient
	bucket     string
	key        string
	presignTTL time.Duration
	logger     log.Logger
}

// NewS3Client loads AWS configuration for params and creates the client.
// Static credentials are used when both keys are set, otherwise the default
// credential chain.
func NewS3Client(ctx context.Context, params S3Params, transfer *HTTPTransfer, logger log.Logger) (*S3Client, error) {
	if params.Bucket == "" {
		return nil, fmt.Errorf("bucket must not be empty")
	}
	if params.Key == "" {
		return nil, fmt.Errorf("key must not be empty")
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	if params.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(params.Region))
	}
	if params.AccessKeyID != "" && params.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(params.AccessKeyID, params.SecretAccessKey, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if params.EndpointURL != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(params.EndpointURL)
		})
	}
	if params.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	client := s3.NewFromConfig(cfg, s3Opts...)

	return NewS3ClientWithAPI(client, s3.NewPresignClient(client), params.Bucket, params.Key, transfer, logger), nil
}

// NewS3ClientWithAPI creates an S3Client over already constructed SDK clients.
func NewS3ClientWithAPI(api S3API, presigner *s3.PresignClient, bucket, key string, transfer *HTTPTransfer, logger log.Logger) *S3Client {
	return &S3Client{
		HTTPTransfer: transfer,
		api:          api,
		presigner:    presigner,
		bucket:       bucket,
		key:          key,
		presignTTL:   defaultPresignTTL,
		logger:       logger,
	}
}

// Begin starts a multipart upload and returns its upload id.
func (c *S3Client) Begin(ctx context.Context) (string, error) {
	var uploadID string
	err := retry.Times(numControlRetries).Wait(controlRetryWait).TryWithAbort(func(attempt uint) (error, bool) {
		out, err := c.api.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
			Bucket:      aws.String(c.bucket),
			Key:         aws.String(c.key),
			ContentType: aws.String(DefaultContentType),
		})
		if err != nil {
			c.logger.Debugf("Create multipart upload (attempt %d) failed: %s", attempt+1, err)
			return err, isS3ClientError(err)
		}
		uploadID = aws.ToString(out.UploadId)
		return nil, false
	})
	if err != nil {
		return "", fmt.Errorf("create multipart upload: %w", err)
	}
	if uploadID == "" {
		return "", fmt.Errorf("create multipart upload: no upload id returned")
	}
	return uploadID, nil
}

// RequestUploadTarget presigns an UploadPart request for partNumber.
func (c *S3Client) RequestUploadTarget(ctx context.Context, destinationID string, partNumber int) (Target, error) {
	req, err := c.presigner.PresignUploadPart(ctx, &s3.UploadPartInput{
		Bucket:     aws.String(c.bucket),
		Key:        aws.String(c.key),
		UploadId:   aws.String(destinationID),
		PartNumber: aws.Int32(int32(partNumber)),
	}, s3.WithPresignExpires(c.presignTTL))
	if err != nil {
		return Target{}, failure.New(failure.TargetUnavailable, presignOperationOp, err)
	}

	headers := map[string]string{}
	for k, values := range req.SignedHeader {
		// Host and Content-Length are set by the transfer itself.
		if k == "Host" || k == "Content-Length" || len(values) == 0 {
			continue
		}
		headers[k] = values[0]
	}

	return Target{
		Method:  req.Method,
		URL:     req.URL,
		Headers: headers,
	}, nil
}

// Complete assembles the uploaded parts into the final object.
func (c *S3Client) Complete(ctx context.Context, destinationID string, parts []Part) error {
	completed := make([]types.CompletedPart, 0, len(parts))
	for _, p := range parts {
		completed = append(completed, types.CompletedPart{
			ETag:       aws.String(p.ETag),
			PartNumber: aws.Int32(int32(p.Number)),
		})
	}

	return retry.Times(numControlRetries).Wait(controlRetryWait).TryWithAbort(func(attempt uint) (error, bool) {
		_, err := c.api.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
			Bucket:          aws.String(c.bucket),
			Key:             aws.String(c.key),
			UploadId:        aws.String(destinationID),
			MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
		})
		if err != nil {
			c.logger.Debugf("Complete multipart upload (attempt %d) failed: %s", attempt+1, err)
			return fmt.Errorf("complete multipart upload: %w", err), isS3ClientError(err)
		}
		return nil, false
	})
}

// Abort discards the multipart upload and its parts.
func (c *S3Client) Abort(ctx context.Context, destinationID string) error {
	_, err := c.api.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(c.bucket),
		Key:      aws.String(c.key),
		UploadId: aws.String(destinationID),
	})
	if err != nil {
		return fmt.Errorf("abort multipart upload: %w", err)
	}
	return nil
}

// isS3ClientError reports whether err is an API error caused by the request
// itself, which retrying will not fix.
func isS3ClientError(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorFault() == smithy.FaultClient
	}
	return false
}
