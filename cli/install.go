package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"cellgain.ddns.net/cellgain-public/update-client/application"
	"cellgain.ddns.net/cellgain-public/update-client/candidate"
)

func newInstallCmd(c *client) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "install SLOT",
		Short: "Copy a candidate slot over the active application",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			slot, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid slot %q: %w", args[0], err)
			}

			d, err := c.openDevice(candidate.WithInstaller())
			if err != nil {
				return err
			}
			defer d.Close()

			if !force {
				app, ok := d.slots.Application(slot)
				if !ok {
					return fmt.Errorf("%w: %d", candidate.ErrSlotIndex, slot)
				}
				if err := app.CheckApplication(); err != nil {
					return fmt.Errorf("slot %d: %w", slot, err)
				}
			}
			return c.install(cmd, d, slot)
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "install without validating the slot first")
	return cmd
}

// install copies slot over the active application and validates the
// result.
func (c *client) install(cmd *cobra.Command, d *device, slot int) error {
	if err := d.slots.InstallApplication(slot, c.config.Active.HeaderAddress); err != nil {
		return err
	}

	installed := application.New(d.updater, c.config.Active.HeaderAddress, c.config.ActiveBodyAddress(),
		application.WithLogger(c.logger.WithField("application", "active")))
	if err := installed.CheckApplication(); err != nil {
		return fmt.Errorf("installed application is not valid: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "installed slot %d, active application is now version %d\n",
		slot, installed.FirmwareVersion())
	return nil
}
