package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"cellgain.ddns.net/cellgain-public/update-client/candidate"
)

func newScanCmd(c *client) *cobra.Command {
	var install bool

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Look for a valid candidate newer than the active application",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var opts []candidate.Option
			if install {
				opts = append(opts, candidate.WithInstaller())
			}
			d, err := c.openDevice(opts...)
			if err != nil {
				return err
			}
			defer d.Close()

			out := cmd.OutOrStdout()
			slot, found := d.slots.HasValidNewerApplication(d.active)
			if !found {
				fmt.Fprintln(out, "no newer valid application")
				return nil
			}

			app, _ := d.slots.Application(slot)
			fmt.Fprintf(out, "slot %d holds newer application version %d\n", slot, app.FirmwareVersion())
			if !install {
				return nil
			}
			return c.install(cmd, d, slot)
		},
	}

	cmd.Flags().BoolVar(&install, "install", false, "install the newer application")
	return cmd
}
