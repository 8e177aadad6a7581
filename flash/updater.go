package flash

import (
	"bytes"
	"fmt"
	"math"

	"github.com/sirupsen/logrus"
)

// Config holds the Updater configuration.
type Config struct {
	// Logger receives erase and program traces (optional)
	Logger logrus.FieldLogger

	// Verify reads every programmed page back and compares it with the
	// source, regardless of what the driver requests.
	Verify bool
}

func defaultConfig() Config {
	return Config{
		Logger: logrus.StandardLogger(),
	}
}

// Option is a functional option for configuring the Updater.
type Option func(*Config)

// WithLogger sets the logger used by the Updater.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(c *Config) {
		if logger != nil {
			c.Logger = logger
		}
	}
}

// WithVerify enables or disables read-back verification of programmed pages.
func WithVerify(verify bool) Option {
	return func(c *Config) {
		c.Verify = verify
	}
}

// Updater layers the sector-aware update operations on top of a Driver.
//
// An Updater is not safe for concurrent use. Callers must serialize every
// flash sequence that goes through the same Updater.
type Updater struct {
	driver Driver
	config Config
}

// NewUpdater creates an Updater for the given driver. It panics if the
// driver is nil or its flash ends past the 32-bit address space.
func NewUpdater(d Driver, opts ...Option) *Updater {
	if d == nil {
		panic("driver cannot be nil")
	}
	if End(d) > math.MaxUint32 {
		panic("flash must end within the 32-bit address space")
	}

	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Updater{
		driver: d,
		config: cfg,
	}
}

// Driver returns the underlying flash driver.
func (u *Updater) Driver() Driver {
	return u.driver
}

// PageSize returns the flash page size.
func (u *Updater) PageSize() uint32 {
	return u.driver.PageSize()
}

// SectorSize returns the size of the sector containing addr.
func (u *Updater) SectorSize(addr uint32) uint32 {
	return u.driver.SectorSize(addr)
}

// Read reads len(buf) bytes at addr.
func (u *Updater) Read(buf []byte, addr uint32) error {
	if err := u.CheckRange(addr, uint64(len(buf))); err != nil {
		return err
	}
	if err := u.driver.Read(buf, addr); err != nil {
		return fmt.Errorf("%w: 0x%08x (%d bytes): %w", ErrRead, addr, len(buf), err)
	}
	return nil
}

// ReadPage reads len(buf) bytes at *addr and advances *addr past them.
func (u *Updater) ReadPage(buf []byte, addr *uint32) error {
	if err := u.Read(buf, *addr); err != nil {
		return err
	}
	*addr += uint32(len(buf))
	return nil
}

// CheckRange fails with ErrOutOfRange unless [addr, addr+length) lies
// within the flash.
func (u *Updater) CheckRange(addr uint32, length uint64) error {
	if addr < u.driver.Start() || uint64(addr)+length > End(u.driver) {
		return fmt.Errorf("%w: 0x%08x + %d (flash 0x%08x-0x%08x)",
			ErrOutOfRange, addr, length, u.driver.Start(), End(u.driver))
	}
	return nil
}

// AlignToSector returns the sector boundary at or below (roundDown) or at
// or above addr. Sectors may have different sizes, so boundaries are found
// by walking the sectors from the start of the flash. The result is clamped
// to the flash range.
func (u *Updater) AlignToSector(addr uint32, roundDown bool) uint32 {
	start := u.driver.Start()
	end := End(u.driver)

	if addr <= start {
		return start
	}
	if uint64(addr) >= end {
		return uint32(end)
	}

	sector := start
	for {
		size := u.driver.SectorSize(sector)
		if size == 0 {
			return sector
		}
		next := uint64(sector) + uint64(size)
		if uint64(addr) < next {
			if addr == sector || roundDown {
				return sector
			}
			return uint32(next)
		}
		sector = uint32(next)
	}
}

// WriteCursor carries the state of one erase-aware write pass. It is
// advanced by WritePage and must not be shared between passes.
type WriteCursor struct {
	// Addr is where the next page is programmed.
	Addr uint32
	// SectorErased reports whether the sector containing Addr has been
	// erased during this pass.
	SectorErased bool
	// PagesFlashed counts the pages programmed in the current sector.
	PagesFlashed int
	// NextSectorBoundary is the end of the sector containing Addr.
	NextSectorBoundary uint32
}

// NewCursor starts a write pass at addr, which must be a sector boundary.
func (u *Updater) NewCursor(addr uint32) (*WriteCursor, error) {
	if err := u.CheckRange(addr, 1); err != nil {
		return nil, err
	}
	if u.AlignToSector(addr, true) != addr {
		return nil, fmt.Errorf("%w: write pass must start on a sector boundary (0x%08x)", ErrUnaligned, addr)
	}

	return &WriteCursor{
		Addr:               addr,
		NextSectorBoundary: addr + u.driver.SectorSize(addr),
	}, nil
}

// WritePage programs src at c.Addr. The sector containing c.Addr is erased
// before its first page is programmed, once per pass. When verification is
// enabled the page is read back into scratch.
//
// On failure the pass must be abandoned. Nothing is rolled back: the flash
// keeps whatever state the failed primitive produced.
func (u *Updater) WritePage(src, scratch []byte, c *WriteCursor) error {
	pageSize := uint32(len(src))
	if pageSize == 0 || pageSize%u.driver.PageSize() != 0 {
		return fmt.Errorf("%w: page of %d bytes (flash page %d)", ErrUnaligned, pageSize, u.driver.PageSize())
	}
	if c.Addr%u.driver.PageSize() != 0 {
		return fmt.Errorf("%w: page address 0x%08x", ErrUnaligned, c.Addr)
	}
	if err := u.CheckRange(c.Addr, uint64(pageSize)); err != nil {
		return err
	}

	if c.Addr >= c.NextSectorBoundary {
		u.nextSector(c)
	}
	if uint64(c.Addr)+uint64(pageSize) > uint64(c.NextSectorBoundary) {
		return fmt.Errorf("%w: page 0x%08x (%d bytes) crosses sector boundary 0x%08x",
			ErrUnaligned, c.Addr, pageSize, c.NextSectorBoundary)
	}

	if !c.SectorErased {
		sector := u.AlignToSector(c.Addr, true)
		size := u.driver.SectorSize(sector)
		u.config.Logger.WithFields(logrus.Fields{
			"sector": fmt.Sprintf("0x%08x", sector),
			"size":   size,
		}).Debug("erasing sector")
		if err := u.driver.Erase(sector, size); err != nil {
			return fmt.Errorf("%w: sector 0x%08x: %w", ErrErase, sector, err)
		}
		c.SectorErased = true
		c.PagesFlashed = 0
	}

	if err := u.driver.Program(src, c.Addr); err != nil {
		return fmt.Errorf("%w: page 0x%08x: %w", ErrProgram, c.Addr, err)
	}

	if u.verify() {
		if len(scratch) < len(src) {
			return fmt.Errorf("%w: scratch page of %d bytes for %d byte page", ErrVerify, len(scratch), len(src))
		}
		readBack := scratch[:len(src)]
		if err := u.driver.Read(readBack, c.Addr); err != nil {
			return fmt.Errorf("%w: page 0x%08x: %w", ErrRead, c.Addr, err)
		}
		if !bytes.Equal(readBack, src) {
			return fmt.Errorf("%w: page 0x%08x", ErrVerify, c.Addr)
		}
	}

	c.Addr += pageSize
	c.PagesFlashed++
	if c.Addr >= c.NextSectorBoundary {
		u.nextSector(c)
	}

	return nil
}

func (u *Updater) nextSector(c *WriteCursor) {
	c.SectorErased = false
	c.PagesFlashed = 0
	c.NextSectorBoundary = c.Addr + u.driver.SectorSize(c.Addr)
}

func (u *Updater) verify() bool {
	if u.config.Verify {
		return true
	}
	v, ok := u.driver.(Verifier)
	return ok && v.VerifyAfterProgram()
}
