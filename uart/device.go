// Package uart receives update images over a serial port.
package uart

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/tarm/serial"
)

// Config holds the serial port configuration.
type Config struct {
	Name string `yaml:"name"`
	Baud int    `yaml:"baud"`

	// ReadTimeout bounds a single read. It must be positive so that a
	// silent port can be detected.
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// IdleTimeout ends a stream after the port stayed silent that long
	// once data has been received.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// WaitTimeout ends a stream on which nothing was received that long.
	// Zero waits until the stream is closed.
	WaitTimeout time.Duration `yaml:"wait_timeout"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Baud:        115200,
		ReadTimeout: 250 * time.Millisecond,
		IdleTimeout: 2 * time.Second,
		WaitTimeout: 5 * time.Second,
	}
}

func (c *Config) withDefaults() {
	def := DefaultConfig()
	if c.Baud <= 0 {
		c.Baud = def.Baud
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = def.ReadTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = def.IdleTimeout
	}
}

// port is the part of *serial.Port used by Device.
type port interface {
	io.ReadWriteCloser
	Flush() error
}

func openSerial(cfg Config) (port, error) {
	p, err := serial.OpenPort(&serial.Config{
		Name:        cfg.Name,
		Baud:        cfg.Baud,
		ReadTimeout: cfg.ReadTimeout,
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Device is an open serial port.
type Device struct {
	dev    port
	config Config
}

// NewDevice opens the serial port described by cfg and discards whatever
// was buffered before.
func NewDevice(cfg Config) (*Device, error) {
	return newDevice(cfg, openSerial)
}

func newDevice(cfg Config, open func(Config) (port, error)) (*Device, error) {
	if cfg.Name == "" {
		return nil, errors.New("serial port name cannot be empty")
	}
	cfg.withDefaults()

	dev, err := open(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", cfg.Name, err)
	}
	if err := dev.Flush(); err != nil {
		dev.Close()
		return nil, fmt.Errorf("failed to flush %s: %w", cfg.Name, err)
	}

	return &Device{dev: dev, config: cfg}, nil
}

func (d *Device) Close() error {
	return d.dev.Close()
}

// Read reads from the port. A read timeout returns 0 bytes and no error.
func (d *Device) Read(buf []byte) (int, error) {
	n, err := d.dev.Read(buf)
	// on posix systems the port reports a timeout as io.EOF
	if n == 0 && errors.Is(err, io.EOF) {
		return 0, nil
	}
	return n, err
}

func (d *Device) Write(buf []byte) (int, error) {
	return d.dev.Write(buf)
}
