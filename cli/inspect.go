package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"cellgain.ddns.net/cellgain-public/update-client/imagefile"
)

func newInspectCmd(c *client) *cobra.Command {
	var geometry bool

	cmd := &cobra.Command{
		Use:   "inspect [IMAGE]",
		Short: "Show an update image file, or the applications in flash",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			if len(args) == 1 {
				img, err := imagefile.Open(args[0], c.config.Storage.HeaderSize)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, img.Path())
				printHeader(out, img.Header())
				if err := img.Verify(); err != nil {
					return err
				}
				fmt.Fprintln(out, "  hash ok")
				return nil
			}

			d, err := c.openDevice()
			if err != nil {
				return err
			}
			defer d.Close()

			printApplication(out, "active", d.active)
			for i := 0; i < d.slots.NbrOfSlots(); i++ {
				if geometry {
					d.slots.LogCandidateAddress(i)
				}
				app, ok := d.slots.Application(i)
				if !ok {
					fmt.Fprintf(out, "slot %d: not addressable\n", i)
					continue
				}
				printApplication(out, fmt.Sprintf("slot %d", i), app)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&geometry, "geometry", false, "log how the slot addresses are computed")
	return cmd
}
