package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/dudu/edgeguard/internal/config"
	"github.com/dudu/edgeguard/internal/inference"
	"github.com/dudu/edgeguard/internal/logging"
)

// Version is the application version
const Version = "0.1.0"

var (
	// cfg and log are shared by every subcommand once PersistentPreRunE ran
	cfg *config.Config
	log *logrus.Logger

	logCloser io.Closer
	envFile   string
	logLevel  string
	logFormat string
)

var rootCmd = &cobra.Command{
	Use:          "edgeguard",
	Short:        "Face access control and security camera inference on a multi-core accelerator",
	Version:      Version,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(envFile)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("log-level") {
			cfg.LogLevel = logLevel
		}
		if cmd.Flags().Changed("log-format") {
			cfg.LogFormat = logFormat
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		log, logCloser, err = logging.New(logging.Options{
			Level:  cfg.LogLevel,
			Format: cfg.LogFormat,
			Dir:    cfg.LogDir,
		})
		return err
	},
}

// Execute runs the root command with a context cancelled on SIGINT or SIGTERM
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := execute(ctx, os.Args[1:])
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// execute runs one command line. Teardown is deferred here because cobra
// skips post-run hooks when a command fails.
func execute(ctx context.Context, args []string) error {
	defer teardown()
	rootCmd.SetArgs(args)
	return rootCmd.ExecuteContext(ctx)
}

// initRuntime loads ONNX Runtime for the commands that run models
func initRuntime() error {
	return inference.Initialize(cfg.ORTLibraryPath)
}

// newAccelerator returns an ONNX accelerator with the configured output
// quantization
func newAccelerator() *inference.ONNX {
	accel := inference.NewONNX(cfg.ORTThreads)
	for name, q := range cfg.OutputQuant {
		accel.Quant[name] = inference.QuantParams{ZeroPoint: q.ZeroPoint, Scale: q.Scale}
	}
	return accel
}

func teardown() {
	if err := inference.Shutdown(); err != nil && log != nil {
		log.WithError(err).Warn("failed to shut down ONNX Runtime")
	}
	if logCloser != nil {
		logCloser.Close()
		logCloser = nil
	}
}

func init() {
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)
	rootCmd.PersistentFlags().StringVar(&envFile, "env", ".env", "Optional .env file with EDGEGUARD_* settings")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Log format (text or json)")
}
