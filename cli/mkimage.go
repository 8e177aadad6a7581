package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"cellgain.ddns.net/cellgain-public/update-client/header"
	"cellgain.ddns.net/cellgain-public/update-client/imagefile"
)

func newMkimageCmd(c *client) *cobra.Command {
	var (
		output   string
		version  uint64
		campaign string
	)

	cmd := &cobra.Command{
		Use:   "mkimage FIRMWARE",
		Short: "Build an update image from a firmware binary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(campaign) > header.CampaignSize {
				return fmt.Errorf("campaign is longer than %d bytes", header.CampaignSize)
			}
			var id [header.CampaignSize]byte
			copy(id[:], campaign)

			body, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			img, h, err := imagefile.Build(body, version, id, c.config.Storage.HeaderSize)
			if err != nil {
				return err
			}
			if output == "" {
				output = args[0] + ".uc"
			}
			if err := imagefile.Write(output, img); err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), output)
			printHeader(cmd.OutOrStdout(), h)
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "image file (default FIRMWARE.uc)")
	cmd.Flags().Uint64Var(&version, "version", 0, "firmware version")
	cmd.Flags().StringVar(&campaign, "campaign", "", "campaign identifier, at most 16 bytes")
	return cmd
}
