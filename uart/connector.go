package uart

import (
	"context"
	"io"
	"time"

	"github.com/sirupsen/logrus"
)

// Connector opens the serial port for every reception.
type Connector struct {
	config Config
	log    logrus.FieldLogger
	open   func(Config) (port, error)
}

// NewConnector creates a Connector for the port described by cfg.
func NewConnector(cfg Config, logger logrus.FieldLogger) *Connector {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Connector{
		config: cfg,
		log:    logger.WithField("port", cfg.Name),
		open:   openSerial,
	}
}

// Connect opens the port. The returned stream ends with io.EOF once the
// sender stops transmitting, and fails with the context error when ctx is
// done.
func (c *Connector) Connect(ctx context.Context) (io.ReadCloser, error) {
	dev, err := newDevice(c.config, c.open)
	if err != nil {
		return nil, err
	}
	c.log.Debug("serial port opened")
	return &stream{ctx: ctx, dev: dev, log: c.log}, nil
}

type stream struct {
	ctx context.Context
	dev *Device
	log logrus.FieldLogger

	started bool
	silent  time.Duration
}

func (s *stream) Read(buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	cfg := s.dev.config

	for {
		if err := s.ctx.Err(); err != nil {
			return 0, err
		}

		n, err := s.dev.Read(buf)
		if n > 0 {
			s.started = true
			s.silent = 0
			return n, nil
		}
		if err != nil {
			return 0, err
		}

		s.silent += cfg.ReadTimeout
		switch {
		case s.started && s.silent >= cfg.IdleTimeout:
			s.log.WithField("silent", s.silent).Debug("sender stopped transmitting")
			return 0, io.EOF
		case !s.started && cfg.WaitTimeout > 0 && s.silent >= cfg.WaitTimeout:
			return 0, io.EOF
		}
	}
}

func (s *stream) Close() error {
	return s.dev.Close()
}
