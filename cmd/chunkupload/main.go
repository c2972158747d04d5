package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/bitrise-io/go-chunkupload/config"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/spf13/cobra"
)

type uploadOptions struct {
	configPath  string
	backend     string
	chunkSize   string
	concurrency int
	attempts    int
	codec       string
	journal     string
	metricsFile string
	noProgress  bool
	verbose     bool
}

func main() {
	rootCmd := &cobra.Command{
		Use:           "chunkupload",
		Short:         "Upload large files in parallel chunks",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var opts uploadOptions
	rootCmd.AddCommand(newUploadCommand(&opts))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newUploadCommand(opts *uploadOptions) *cobra.Command {
	uploadCmd := &cobra.Command{
		Use:   "upload <PATH_OR_GLOB>...",
		Short: "Upload files as multipart objects",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUpload(cmd, *opts, args)
		},
	}

	flags := uploadCmd.Flags()
	flags.StringVar(&opts.configPath, "config", "", "Path of the YAML configuration file")
	flags.StringVar(&opts.backend, "backend", "", "Upload backend: api or s3")
	flags.StringVar(&opts.chunkSize, "chunk-size", "", "Chunk size, for example 64MiB (picked per file when unset)")
	flags.IntVar(&opts.concurrency, "concurrency", 0, "Number of chunks uploaded in parallel")
	flags.IntVar(&opts.attempts, "attempts", 0, "Attempts per chunk before the upload fails")
	flags.StringVar(&opts.codec, "codec", "", "Chunk compression: none, zstd or lz4")
	flags.StringVar(&opts.journal, "journal", "", "Path of the resume journal database")
	flags.StringVar(&opts.metricsFile, "metrics-file", "", "Write Prometheus metrics to this file when done")
	flags.BoolVar(&opts.noProgress, "no-progress", false, "Disable the progress bar")
	flags.BoolVar(&opts.verbose, "verbose", false, "Enable debug logging")

	return uploadCmd
}

func runUpload(cmd *cobra.Command, opts uploadOptions, args []string) error {
	logger := log.NewLogger()
	logger.EnableDebugLog(opts.verbose)

	cfg, err := loadConfig(cmd, opts, env.NewRepository())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	r := newRunner(cfg, logger, pathutil.NewPathModifier(), pathutil.NewPathChecker())
	r.progress = !opts.noProgress

	return r.run(ctx, args)
}

// loadConfig reads the configuration and applies the flags that were set on
// the command line.
func loadConfig(cmd *cobra.Command, opts uploadOptions, envRepo env.Repository) (*config.Config, error) {
	cfg, err := config.Decode(opts.configPath, envRepo)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("backend") {
		cfg.Backend = opts.backend
	}
	if flags.Changed("chunk-size") {
		size, err := config.ParseSize(opts.chunkSize)
		if err != nil {
			return nil, err
		}
		cfg.Upload.ChunkSize = size
	}
	if flags.Changed("concurrency") {
		cfg.Upload.Concurrency = opts.concurrency
	}
	if flags.Changed("attempts") {
		cfg.Upload.Attempts = opts.attempts
	}
	if flags.Changed("codec") {
		cfg.Upload.Codec = opts.codec
	}
	if flags.Changed("journal") {
		cfg.Journal = opts.journal
	}
	if flags.Changed("metrics-file") {
		cfg.MetricsFile = opts.metricsFile
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
