package usb

import (
	"context"
	"fmt"
	"time"

	"github.com/google/gousb"
	"github.com/sirupsen/logrus"
)

// FindDevice opens the first device matching the vendor, product and,
// when set, serial number of config. It retries until the device
// enumerates, config.FindAttempts times at most.
func FindDevice(ctx context.Context, usbCtx *gousb.Context, config DeviceConfig, logger logrus.FieldLogger) (*Device, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	config.withDefaults()
	log := logger.WithFields(logrus.Fields{
		"vid": gousb.ID(config.VendorID),
		"pid": gousb.ID(config.ProductID),
	})

	for attempt := 1; attempt <= config.FindAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(config.FindInterval):
			}
		}

		dev, err := openMatching(usbCtx, config)
		if err != nil {
			log.WithError(err).WithField("attempt", attempt).Debug("OpenDevices()")
		}
		if dev != nil {
			return NewDevice(dev, config, log)
		}
	}

	if config.Serial != "" {
		return nil, fmt.Errorf("no devices found matching VID %s, PID %s and serial %s",
			gousb.ID(config.VendorID), gousb.ID(config.ProductID), config.Serial)
	}
	return nil, fmt.Errorf("no devices found matching VID %s and PID %s",
		gousb.ID(config.VendorID), gousb.ID(config.ProductID))
}

func matches(desc *gousb.DeviceDesc, config DeviceConfig) bool {
	return desc.Vendor == gousb.ID(config.VendorID) && desc.Product == gousb.ID(config.ProductID)
}

// openMatching opens the matching devices and keeps the first one with
// the expected serial number. The others are closed.
func openMatching(usbCtx *gousb.Context, config DeviceConfig) (*gousb.Device, error) {
	devs, err := usbCtx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return matches(desc, config)
	})

	var found *gousb.Device
	for _, dev := range devs {
		if found == nil && serialMatches(dev, config.Serial) {
			found = dev
			continue
		}
		dev.Close()
	}
	return found, err
}

func serialMatches(dev *gousb.Device, serial string) bool {
	if serial == "" {
		return true
	}
	s, err := dev.SerialNumber()
	return err == nil && s == serial
}
