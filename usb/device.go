// Package usb receives update images from a USB CDC device over its bulk
// IN endpoint.
package usb

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/gousb"
	"github.com/sirupsen/logrus"
)

var ErrClosed = errors.New("device is closed")

// Device is the data interface of a USB CDC device, claimed for reading.
type Device struct {
	dev  *gousb.Device
	cfg  *gousb.Config
	intf *gousb.Interface
	epIn *gousb.InEndpoint

	mu     sync.RWMutex
	closed bool

	config DeviceConfig
	log    logrus.FieldLogger
}

// DeviceConfig holds configuration options for the Device.
type DeviceConfig struct {
	VendorID  uint16 `yaml:"vendor_id"`
	ProductID uint16 `yaml:"product_id"`
	// Serial selects a device by serial number (optional)
	Serial string `yaml:"serial"`

	ReadTimeout    time.Duration `yaml:"read_timeout"`
	ConfigNumber   int           `yaml:"config"`    // USB configuration number (default: 1)
	InterfaceNum   int           `yaml:"interface"` // CDC data interface number (default: 1)
	InEndpointAddr int           `yaml:"endpoint"`  // bulk IN endpoint number (default: 2)

	// FindAttempts and FindInterval control how long FindDevice waits for
	// the device to enumerate.
	FindAttempts int           `yaml:"find_attempts"`
	FindInterval time.Duration `yaml:"find_interval"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() DeviceConfig {
	return DeviceConfig{
		VendorID:       0x04b4,
		ProductID:      0xb71d,
		ReadTimeout:    2 * time.Second,
		ConfigNumber:   1,
		InterfaceNum:   1,
		InEndpointAddr: 2,
		FindAttempts:   10,
		FindInterval:   200 * time.Millisecond,
	}
}

func (c *DeviceConfig) withDefaults() {
	def := DefaultConfig()
	if c.VendorID == 0 && c.ProductID == 0 {
		c.VendorID, c.ProductID = def.VendorID, def.ProductID
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = def.ReadTimeout
	}
	if c.ConfigNumber <= 0 {
		c.ConfigNumber = def.ConfigNumber
	}
	if c.InEndpointAddr <= 0 {
		c.InEndpointAddr = def.InEndpointAddr
	}
	if c.FindAttempts <= 0 {
		c.FindAttempts = def.FindAttempts
	}
	if c.FindInterval <= 0 {
		c.FindInterval = def.FindInterval
	}
}

// NewDevice wraps an opened gousb device. The device is owned by the
// returned Device and closed with it.
func NewDevice(dev *gousb.Device, config DeviceConfig, logger logrus.FieldLogger) (*Device, error) {
	if dev == nil {
		return nil, errors.New("device cannot be nil")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	config.withDefaults()

	return &Device{
		dev:    dev,
		config: config,
		log:    logger,
	}, nil
}

// Init claims the data interface and its bulk IN endpoint.
func (d *Device) Init() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrClosed
	}
	if d.cfg != nil {
		return nil
	}

	if err := d.dev.SetAutoDetach(true); err != nil {
		d.log.WithError(err).Warn("failed to set auto detach, continuing anyway")
	}

	cfg, err := d.dev.Config(d.config.ConfigNumber)
	if err != nil {
		return fmt.Errorf("failed to set config %d: %w", d.config.ConfigNumber, err)
	}
	d.cfg = cfg

	intf, err := d.cfg.Interface(d.config.InterfaceNum, 0)
	if err != nil {
		d.cleanup()
		return fmt.Errorf("failed to claim interface %d: %w", d.config.InterfaceNum, err)
	}
	d.intf = intf

	epIn, err := d.intf.InEndpoint(d.config.InEndpointAddr)
	if err != nil {
		d.cleanup()
		return fmt.Errorf("failed to get input endpoint %d: %w", d.config.InEndpointAddr, err)
	}
	d.epIn = epIn

	d.log.WithFields(logrus.Fields{
		"interface":       d.config.InterfaceNum,
		"endpoint":        d.config.InEndpointAddr,
		"max_packet_size": epIn.Desc.MaxPacketSize,
	}).Debug("USB device initialized")
	return nil
}

// ReadContext reads from the bulk IN endpoint. It gives up after the
// configured read timeout and then returns 0 bytes and
// context.DeadlineExceeded.
func (d *Device) ReadContext(ctx context.Context, b []byte) (int, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return 0, ErrClosed
	}
	if d.epIn == nil {
		return 0, errors.New("device not initialized - call Init() first")
	}

	ctx, cancel := context.WithTimeout(ctx, d.config.ReadTimeout)
	defer cancel()

	n, err := d.epIn.ReadContext(ctx, b)
	if err != nil {
		return n, fmt.Errorf("read failed: %w", err)
	}
	return n, nil
}

// Read reads from the bulk IN endpoint with the configured timeout.
func (d *Device) Read(b []byte) (int, error) {
	return d.ReadContext(context.Background(), b)
}

// Close releases the interface and closes the device.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.cleanup()
	d.closed = true

	if err := d.dev.Close(); err != nil {
		return fmt.Errorf("failed to close device: %w", err)
	}
	d.log.Debug("USB device closed")
	return nil
}

// cleanup must be called with the lock held.
func (d *Device) cleanup() {
	if d.intf != nil {
		d.intf.Close()
		d.intf = nil
	}
	if d.cfg != nil {
		if err := d.cfg.Close(); err != nil {
			d.log.WithError(err).Debug("failed to close config during cleanup")
		}
		d.cfg = nil
	}
	d.epIn = nil
}
