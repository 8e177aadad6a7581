package cli

import (
	"fmt"

	"cellgain.ddns.net/cellgain-public/update-client/application"
	"cellgain.ddns.net/cellgain-public/update-client/candidate"
	"cellgain.ddns.net/cellgain-public/update-client/flash"
)

// device is the flash image and everything laid out on it.
type device struct {
	file    *flash.File
	updater *flash.Updater
	slots   *candidate.Slots
	active  *application.Application
}

func (c *client) openDevice(opts ...candidate.Option) (*device, error) {
	fc := c.config.Flash
	file, err := flash.OpenFile(fc.Image, fc.Start, fc.PageSize, fc.Sectors...)
	if err != nil {
		return nil, fmt.Errorf("cannot open flash image: %w", err)
	}

	u := flash.NewUpdater(file, flash.WithLogger(c.logger), flash.WithVerify(fc.Verify))

	opts = append([]candidate.Option{
		candidate.WithLogger(c.logger),
		candidate.WithSelector(c.config.SlotSelector()),
	}, opts...)
	slots, err := candidate.New(u, c.config.Storage, opts...)
	if err != nil {
		file.Close()
		return nil, err
	}

	active := application.New(u, c.config.Active.HeaderAddress, c.config.ActiveBodyAddress(),
		application.WithLogger(c.logger.WithField("application", "active")))

	return &device{
		file:    file,
		updater: u,
		slots:   slots,
		active:  active,
	}, nil
}

func (d *device) Close() error {
	return d.file.Close()
}
