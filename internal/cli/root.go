// Package cli implements the mediasqueeze command line: one subcommand per
// media operation plus a hardware probe. Commands read the same environment
// configuration as the server; flags override it.
package cli

import (
	"context"
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/maauso/mediasqueeze/internal/config"
)

var version = "0.1.0"

type options struct {
	iterations int
	strictExit bool
	ffmpegPath string
	verbose    bool
}

// NewRootCommand builds the command tree.
func NewRootCommand() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   "mediasqueeze",
		Short: "Re-encode, compress, transcode and upscale media",
		Long: `mediasqueeze re-encodes images as JPEG or maximally compressed PNG,
transcodes video to HEVC (hardware encoder when available), renders video
as animated GIF, and upscales images through a remote model.

Configuration comes from the environment (FFMPEG_PATH, LOSSLESS_ITERATIONS,
GEMINI_API_KEY, ...); flags take precedence.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().IntVar(&opts.iterations, "iterations", -1, "zopfli iterations for lossless (0 skips recompression, -1 uses LOSSLESS_ITERATIONS)")
	root.PersistentFlags().BoolVar(&opts.strictExit, "strict-exit", false, "fail transcode/gif on a non-zero encoder exit")
	root.PersistentFlags().StringVar(&opts.ffmpegPath, "ffmpeg", "", "encoder binary (overrides FFMPEG_PATH)")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "verbose output")
	root.SetVersionTemplate(fmt.Sprintf(
		"mediasqueeze %s (%s/%s, %s)\n",
		version, runtime.GOOS, runtime.GOARCH, runtime.Version(),
	))

	root.AddCommand(operationCommands(opts)...)
	root.AddCommand(newProbeCommand(opts))
	return root
}

// Execute runs the command line until ctx is cancelled.
func Execute(ctx context.Context) error {
	return NewRootCommand().ExecuteContext(ctx)
}

// loadConfig reads the environment and applies flag overrides.
func (o *options) loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("iterations") && o.iterations >= 0 {
		cfg.LosslessIterations = o.iterations
	}
	if flags.Changed("strict-exit") {
		cfg.TranscodeStrictExit = o.strictExit
	}
	if o.ffmpegPath != "" {
		cfg.FFmpegPath = o.ffmpegPath
	}
	if o.verbose {
		cfg.LogLevel = "debug"
	} else if !flags.Changed("verbose") && cfg.LogLevel == "info" {
		// Progress goes to stdout; only warnings belong on stderr.
		cfg.LogLevel = "warn"
	}
	return cfg, nil
}
