// Package config loads the update client configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"cellgain.ddns.net/cellgain-public/update-client/candidate"
	"cellgain.ddns.net/cellgain-public/update-client/downloader"
	"cellgain.ddns.net/cellgain-public/update-client/flash"
	"cellgain.ddns.net/cellgain-public/update-client/header"
	"cellgain.ddns.net/cellgain-public/update-client/uart"
	"cellgain.ddns.net/cellgain-public/update-client/usb"
)

const (
	TransportUART = "uart"
	TransportUSB  = "usb"

	SelectorFirst         = "first"
	SelectorEmptyOrOldest = "empty-or-oldest"
)

var ErrInvalidConfig = errors.New("invalid configuration")

type Config struct {
	Flash      Flash            `yaml:"flash"`
	Active     Active           `yaml:"active"`
	Storage    candidate.Config `yaml:"storage"`
	Selector   string           `yaml:"selector"`
	Transport  Transport        `yaml:"transport"`
	Downloader Downloader       `yaml:"downloader"`
	Log        Log              `yaml:"log"`
}

// Flash describes the flash device, backed by an image file on the host.
type Flash struct {
	Image    string               `yaml:"image"`
	Start    uint32               `yaml:"start"`
	PageSize uint32               `yaml:"page_size"`
	Sectors  []flash.SectorRegion `yaml:"sectors"`
	Verify   bool                 `yaml:"verify"`
}

// Active locates the active application. Its body follows a header
// region of storage.header_size bytes.
type Active struct {
	HeaderAddress uint32 `yaml:"header_address"`
}

type Transport struct {
	Type string           `yaml:"type"`
	UART uart.Config      `yaml:"uart"`
	USB  usb.DeviceConfig `yaml:"usb"`
}

type Downloader struct {
	PollInterval time.Duration `yaml:"poll_interval"`
}

type Log struct {
	Level string `yaml:"level"`
	// File, when set, receives the logs instead of stderr and is rotated.
	File       string `yaml:"file"`
	MaxSize    int    `yaml:"max_size"` // megabytes
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"` // days
	Compress   bool   `yaml:"compress"`
}

// Default returns the configuration of an STM32F4 style part with 1 MiB
// of flash: the active application in the first 256 KiB and two
// candidate slots in the remaining 768 KiB.
func Default() Config {
	return Config{
		Flash: Flash{
			Image:    "flash.bin",
			Start:    0x08000000,
			PageSize: 0x100,
			Sectors: []flash.SectorRegion{
				{Count: 4, Size: 0x4000},
				{Count: 1, Size: 0x10000},
				{Count: 7, Size: 0x20000},
			},
		},
		Active: Active{HeaderAddress: 0x08000000},
		Storage: candidate.Config{
			StorageAddress: 0x08040000,
			StorageSize:    0xC0000,
			HeaderSize:     0x200,
			NbrOfSlots:     2,
		},
		Selector: SelectorFirst,
		Transport: Transport{
			Type: TransportUART,
			UART: defaultUART(),
			USB:  usb.DefaultConfig(),
		},
		Downloader: Downloader{PollInterval: downloader.DefaultPollInterval},
		Log: Log{
			Level:      "info",
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     28,
		},
	}
}

func defaultUART() uart.Config {
	cfg := uart.DefaultConfig()
	cfg.Name = "/dev/ttyACM0"
	return cfg
}

// Load reads the YAML file at path on top of Default and validates the
// result.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.Flash.PageSize == 0 {
		return fmt.Errorf("%w: flash.page_size must be positive", ErrInvalidConfig)
	}
	if len(c.Flash.Sectors) == 0 {
		return fmt.Errorf("%w: flash.sectors cannot be empty", ErrInvalidConfig)
	}
	var size uint64
	for i, r := range c.Flash.Sectors {
		if r.Count == 0 || r.Size == 0 || r.Size%c.Flash.PageSize != 0 {
			return fmt.Errorf("%w: flash.sectors[%d] must hold a positive number of whole pages", ErrInvalidConfig, i)
		}
		size += uint64(r.Count) * uint64(r.Size)
	}
	end := uint64(c.Flash.Start) + size

	if a := uint64(c.Active.HeaderAddress); a < uint64(c.Flash.Start) || a >= end {
		return fmt.Errorf("%w: active.header_address 0x%08x is outside the flash", ErrInvalidConfig, a)
	}

	if c.Storage.NbrOfSlots == 0 || c.Storage.NbrOfSlots > candidate.MaxSlots {
		return fmt.Errorf("%w: storage.locations must be between 1 and %d", ErrInvalidConfig, candidate.MaxSlots)
	}
	if c.Storage.HeaderSize < header.SizeV2 {
		return fmt.Errorf("%w: storage.header_size must be at least %d", ErrInvalidConfig, header.SizeV2)
	}
	if c.Storage.StorageSize == 0 {
		return fmt.Errorf("%w: storage.size must be positive", ErrInvalidConfig)
	}

	switch c.Selector {
	case SelectorFirst, SelectorEmptyOrOldest:
	default:
		return fmt.Errorf("%w: unknown selector %q", ErrInvalidConfig, c.Selector)
	}

	switch c.Transport.Type {
	case TransportUART:
		if c.Transport.UART.Name == "" {
			return fmt.Errorf("%w: transport.uart.name is required", ErrInvalidConfig)
		}
	case TransportUSB:
	default:
		return fmt.Errorf("%w: unknown transport %q", ErrInvalidConfig, c.Transport.Type)
	}

	return nil
}

// ActiveBodyAddress returns the address of the active firmware body.
func (c *Config) ActiveBodyAddress() uint32 {
	return c.Active.HeaderAddress + c.Storage.HeaderSize
}

// SlotSelector returns the selection policy named by Selector.
func (c *Config) SlotSelector() candidate.SlotSelector {
	if c.Selector == SelectorEmptyOrOldest {
		return candidate.EmptyOrOldest{}
	}
	return candidate.FirstSlot{}
}
