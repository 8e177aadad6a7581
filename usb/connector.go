package usb

import (
	"context"
	"errors"
	"io"

	"github.com/google/gousb"
	"github.com/sirupsen/logrus"
)

// Connector opens the USB device for every reception.
type Connector struct {
	config DeviceConfig
	log    logrus.FieldLogger
}

// NewConnector creates a Connector for the device described by config.
func NewConnector(config DeviceConfig, logger logrus.FieldLogger) *Connector {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	config.withDefaults()
	return &Connector{config: config, log: logger}
}

// Connect finds and claims the device. The returned stream ends with
// io.EOF when the host stops sending or the device goes away after data
// has been received.
func (c *Connector) Connect(ctx context.Context) (io.ReadCloser, error) {
	usbCtx := gousb.NewContext()

	dev, err := FindDevice(ctx, usbCtx, c.config, c.log)
	if err != nil {
		usbCtx.Close()
		return nil, err
	}
	if err := dev.Init(); err != nil {
		dev.Close()
		usbCtx.Close()
		return nil, err
	}

	return &stream{ctx: ctx, usbCtx: usbCtx, dev: dev}, nil
}

type stream struct {
	ctx     context.Context
	usbCtx  *gousb.Context
	dev     *Device
	started bool
}

func (s *stream) Read(buf []byte) (int, error) {
	for {
		if err := s.ctx.Err(); err != nil {
			return 0, err
		}

		n, err := s.dev.ReadContext(s.ctx, buf)
		if n > 0 {
			s.started = true
			return n, nil
		}
		if err == nil {
			continue
		}
		if ctxErr := s.ctx.Err(); ctxErr != nil {
			return 0, ctxErr
		}

		switch {
		case timedOut(err) && !s.started:
			continue
		case s.started && (timedOut(err) || gone(err)):
			return 0, io.EOF
		default:
			return 0, err
		}
	}
}

func timedOut(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, gousb.TransferTimedOut)
}

func gone(err error) bool {
	return errors.Is(err, gousb.TransferNoDevice) || errors.Is(err, gousb.ErrorNoDevice)
}

func (s *stream) Close() error {
	err := s.dev.Close()
	if cerr := s.usbCtx.Close(); err == nil {
		err = cerr
	}
	return err
}
