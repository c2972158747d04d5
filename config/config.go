// Package config loads chunkupload settings from a YAML file and the
// environment.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/bitrise-io/go-chunkupload/chunk"
	"github.com/bitrise-io/go-chunkupload/chunk/codec"
	"github.com/bitrise-io/go-chunkupload/transfer"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"
)

// Backends
const (
	BackendAPI = "api"
	BackendS3  = "s3"
)

// Environment variables overriding the configuration file.
const (
	BackendKey         = "CHUNKUPLOAD_BACKEND"
	APIURLKey          = "CHUNKUPLOAD_API_URL"
	APITokenKey        = "CHUNKUPLOAD_API_TOKEN"
	S3BucketKey        = "CHUNKUPLOAD_S3_BUCKET"
	S3RegionKey        = "CHUNKUPLOAD_S3_REGION"
	S3EndpointKey      = "CHUNKUPLOAD_S3_ENDPOINT"
	AccessKeyIDKey     = "AWS_ACCESS_KEY_ID"
	SecretAccessKeyKey = "AWS_SECRET_ACCESS_KEY"
)

// Secret is a string that is not revealed when printed.
type Secret string

// String ...
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "*****"
}

// Size is a byte count written as a human readable size ("64MiB", "8m").
type Size int64

// UnmarshalYAML ...
func (s *Size) UnmarshalYAML(value *yaml.Node) error {
	size, err := ParseSize(value.Value)
	if err != nil {
		return err
	}
	*s = size
	return nil
}

// String ...
func (s Size) String() string {
	return units.BytesSize(float64(s))
}

// ParseSize parses a human readable size. Plain numbers are bytes and unit
// prefixes are binary.
func ParseSize(s string) (Size, error) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return Size(n), nil
	}
	n, err := units.RAMInBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return Size(n), nil
}

// Config is the top-level configuration of chunkupload.
type Config struct {
	// Backend selects where parts are sent: "api" or "s3".
	Backend string       `yaml:"backend"`
	API     APIConfig    `yaml:"api"`
	S3      S3Config     `yaml:"s3"`
	Upload  UploadConfig `yaml:"upload"`
	// Journal is the path of the resume journal. Empty disables resuming.
	Journal string `yaml:"journal"`
	// MetricsFile is where Prometheus metrics are written after the run.
	MetricsFile string `yaml:"metrics_file"`
	// Analytics enables upload events.
	Analytics bool `yaml:"analytics"`
}

// APIConfig holds settings of the upload API backend.
type APIConfig struct {
	URL   string `yaml:"url"`
	Token Secret `yaml:"token"`
}

// S3Config holds settings of the S3 multipart backend.
type S3Config struct {
	Bucket string `yaml:"bucket"`
	Region string `yaml:"region"`
	// Endpoint overrides the AWS endpoint, for S3 compatible stores.
	Endpoint        string `yaml:"endpoint"`
	UsePathStyle    bool   `yaml:"use_path_style"`
	KeyPrefix       string `yaml:"key_prefix"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey Secret `yaml:"secret_access_key"`
}

// UploadConfig holds the chunking and retry settings.
type UploadConfig struct {
	// ChunkSize of zero picks a size from the file size and concurrency.
	ChunkSize      Size          `yaml:"chunk_size"`
	Concurrency    int           `yaml:"concurrency"`
	Attempts       int           `yaml:"attempts"`
	Codec          string        `yaml:"codec"`
	HungThreshold  time.Duration `yaml:"hung_threshold"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
	Backoff        time.Duration `yaml:"backoff"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	defaults := transfer.DefaultConfig()

	return &Config{
		Backend: BackendAPI,
		Upload: UploadConfig{
			Concurrency:   defaults.Concurrency,
			Attempts:      defaults.MaxAttemptsPerChunk,
			Codec:         codec.None{}.Name(),
			HungThreshold: defaults.HungThreshold,
			Backoff:       defaults.Backoff,
		},
	}
}

// Load is Decode followed by Validate.
func Load(path string, envRepo env.Repository) (*Config, error) {
	cfg, err := Decode(path, envRepo)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Decode reads the YAML file at path, when path is not empty, over the
// defaults and applies the environment overrides from envRepo.
func Decode(path string, envRepo env.Repository) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := decode(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	applyEnv(cfg, envRepo)

	return cfg, nil
}

func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func applyEnv(cfg *Config, envRepo env.Repository) {
	set := func(key string, field *string) {
		if v := envRepo.Get(key); v != "" {
			*field = v
		}
	}

	set(BackendKey, &cfg.Backend)
	set(APIURLKey, &cfg.API.URL)
	set(S3BucketKey, &cfg.S3.Bucket)
	set(S3RegionKey, &cfg.S3.Region)
	set(S3EndpointKey, &cfg.S3.Endpoint)
	set(AccessKeyIDKey, &cfg.S3.AccessKeyID)

	if v := envRepo.Get(APITokenKey); v != "" {
		cfg.API.Token = Secret(v)
	}
	if v := envRepo.Get(SecretAccessKeyKey); v != "" {
		cfg.S3.SecretAccessKey = Secret(v)
	}
}

// Validate ...
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendAPI:
		if c.API.URL == "" {
			return fmt.Errorf("api backend requires a URL (%s)", APIURLKey)
		}
		if c.API.Token == "" {
			return fmt.Errorf("api backend requires a token (%s)", APITokenKey)
		}
	case BackendS3:
		if c.S3.Bucket == "" {
			return fmt.Errorf("s3 backend requires a bucket (%s)", S3BucketKey)
		}
		if c.S3.Region == "" {
			return fmt.Errorf("s3 backend requires a region (%s)", S3RegionKey)
		}
	default:
		return fmt.Errorf("unknown backend %q, expected %q or %q", c.Backend, BackendAPI, BackendS3)
	}

	if c.Upload.ChunkSize < 0 {
		return fmt.Errorf("chunk size must not be negative: %d", c.Upload.ChunkSize)
	}
	if int64(int(c.Upload.ChunkSize)) != int64(c.Upload.ChunkSize) {
		return fmt.Errorf("chunk size %s does not fit in memory", c.Upload.ChunkSize)
	}

	transferConfig, err := c.transferConfig()
	if err != nil {
		return err
	}
	// S3 stores parts as sent and never decodes them, while incompressible
	// chunks go out raw, so a compressed object could not be restored.
	if c.Backend == BackendS3 && !codec.IsNone(transferConfig.Codec) {
		return fmt.Errorf("s3 backend does not support codec %q, parts must be sent uncompressed", c.Upload.Codec)
	}
	return transferConfig.Validate()
}

// Transfer returns the uploader configuration. Chunk buffers are pooled when
// the chunk size is fixed.
func (c *Config) Transfer() (transfer.Config, error) {
	tc, err := c.transferConfig()
	if err != nil {
		return transfer.Config{}, err
	}
	if c.Upload.ChunkSize > 0 {
		tc.BufferPool = chunk.NewSizedPool(int(c.Upload.ChunkSize))
	}
	return tc, nil
}

func (c *Config) transferConfig() (transfer.Config, error) {
	cd, err := codec.Lookup(c.Upload.Codec)
	if err != nil {
		return transfer.Config{}, err
	}

	return transfer.Config{
		Concurrency:         c.Upload.Concurrency,
		MaxAttemptsPerChunk: c.Upload.Attempts,
		HungThreshold:       c.Upload.HungThreshold,
		AttemptTimeout:      c.Upload.AttemptTimeout,
		Backoff:             c.Upload.Backoff,
		Codec:               cd,
	}, nil
}
