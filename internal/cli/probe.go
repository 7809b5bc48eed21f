package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/maauso/mediasqueeze/internal/capability"
)

func newProbeCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "probe",
		Short: "Report whether the hardware video encoder works",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig(cmd)
			if err != nil {
				return err
			}

			prober := capability.NewProber(cfg.FFmpegPath)
			fmt.Fprintf(cmd.OutOrStdout(), "hardware_encoder=%t codec=%s\n",
				prober.HardwareEncoderAvailable(), capability.SelectCodec(prober))
			return nil
		},
	}
}
