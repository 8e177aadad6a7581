package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"cellgain.ddns.net/cellgain-public/update-client/config"
	"cellgain.ddns.net/cellgain-public/update-client/downloader"
	"cellgain.ddns.net/cellgain-public/update-client/uart"
	"cellgain.ddns.net/cellgain-public/update-client/usb"
)

func newReceiveCmd(c *client) *cobra.Command {
	var (
		file string
		once bool
	)

	cmd := &cobra.Command{
		Use:   "receive",
		Short: "Receive update images into a candidate slot",
		Long: `Receive update images into the candidate slot chosen by the selector.

Without --file the configured transport is polled until interrupted, one
image per connection. Received images are not installed, run scan to find
out whether one should replace the active application.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := c.openDevice()
			if err != nil {
				return err
			}
			defer d.Close()

			out := cmd.OutOrStdout()
			dl := downloader.New(d.updater, d.slots, d.active,
				downloader.WithLogger(c.logger),
				downloader.WithPollInterval(c.config.Downloader.PollInterval),
				downloader.WithResultHandler(func(r downloader.Result, err error) {
					printResult(out, r, err)
				}))

			ctx := cmd.Context()
			if file != "" {
				f, err := os.Open(file)
				if err != nil {
					return err
				}
				defer f.Close()
				return receiveOnce(out, dl, f, cmd)
			}

			connector, err := c.connector()
			if err != nil {
				return err
			}
			if once {
				conn, err := connector.Connect(ctx)
				if err != nil {
					return err
				}
				defer conn.Close()
				return receiveOnce(out, dl, conn, cmd)
			}

			s := downloader.NewService(dl, connector)
			if err := s.Start(ctx); err != nil {
				return err
			}
			s.Wait()
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "receive the image from a file instead of the transport")
	cmd.Flags().BoolVar(&once, "once", false, "stop after the first connection")
	return cmd
}

func receiveOnce(out io.Writer, dl *downloader.Downloader, r io.Reader, cmd *cobra.Command) error {
	result, err := dl.Receive(cmd.Context(), r)
	printResult(out, result, err)
	return err
}

func (c *client) connector() (downloader.Connector, error) {
	t := c.config.Transport
	switch t.Type {
	case config.TransportUART:
		return uart.NewConnector(t.UART, c.logger), nil
	case config.TransportUSB:
		return usb.NewConnector(t.USB, c.logger), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", t.Type)
	}
}
