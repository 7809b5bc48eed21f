package cli

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/maauso/mediasqueeze/internal/bootstrap"
	"github.com/maauso/mediasqueeze/internal/imagecodec"
	"github.com/maauso/mediasqueeze/internal/job"
)

var operationHelp = map[job.Operation]string{
	job.OpLossy:     "Re-encode an image as JPEG",
	job.OpLossless:  "Re-encode an image as a maximally compressed PNG",
	job.OpUpscale:   "Upscale an image through the remote model (needs GEMINI_API_KEY)",
	job.OpTranscode: "Transcode a video to HEVC/MP4",
	job.OpGIF:       "Render a video as an animated GIF",
}

func operationCommands(opts *options) []*cobra.Command {
	cmds := make([]*cobra.Command, 0, len(job.Operations))
	for _, op := range job.Operations {
		cmds = append(cmds, &cobra.Command{
			Use:   string(op) + " <input> <output>",
			Short: operationHelp[op],
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return opts.runOperation(cmd, op, args[0], args[1])
			},
		})
	}
	return cmds
}

func (o *options) runOperation(cmd *cobra.Command, op job.Operation, inPath, outPath string) error {
	start := time.Now()

	cfg, err := o.loadConfig(cmd)
	if err != nil {
		return err
	}
	if op == job.OpUpscale {
		if err := cfg.RequireGeminiKey(); err != nil {
			return err
		}
	}

	logger := cfg.NewLoggerTo(cmd.ErrOrStderr())
	deps, err := bootstrap.NewDependencies(cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize dependencies: %w", err)
	}

	input, err := os.ReadFile(inPath)
	if err != nil {
		return fmt.Errorf("read input: %w", err)
	}
	switch op {
	case job.OpLossy, job.OpLossless, job.OpUpscale:
		if format, err := imagecodec.Sniff(input); err == nil {
			logger.Debug("input image", slog.String("path", inPath), slog.String("format", format))
		}
	}

	out, err := deps.MediaService.Run(cmd.Context(), op, input)
	if err != nil {
		return err
	}

	if err := os.WriteFile(outPath, out, 0o644); err != nil {
		return fmt.Errorf("write output: %w", err)
	}

	ratio := float64(0)
	if len(input) > 0 {
		ratio = float64(len(out)) / float64(len(input)) * 100
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %s -> %s  %d -> %d bytes (%.1f%%) in %s\n",
		op, inPath, outPath, len(input), len(out), ratio, time.Since(start).Round(time.Millisecond))
	return nil
}
