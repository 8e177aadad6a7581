package application

import (
	"bytes"
	"fmt"
)

// Comparison is the outcome of comparing two valid applications.
type Comparison struct {
	MagicDiffers         bool
	HeaderVersionDiffers bool
	SizeDiffers          bool
	VersionDiffers       bool
	HashDiffers          bool

	// BinariesCompared is set when both firmware sizes are equal and the
	// bodies were compared byte for byte.
	BinariesCompared bool
	BinariesMatch    bool
	// MismatchOffset is the offset of the first differing page.
	MismatchOffset uint64
}

// Identical reports whether both applications carry the same firmware.
func (c *Comparison) Identical() bool {
	return !c.MagicDiffers && !c.HeaderVersionDiffers && !c.SizeDiffers &&
		!c.VersionDiffers && !c.HashDiffers && c.BinariesMatch
}

// CompareTo validates a and other and compares their headers and, when
// the firmware sizes match, their bodies page by page.
func (a *Application) CompareTo(other *Application) (*Comparison, error) {
	log := a.log.WithField("other_header_address", fmt.Sprintf("0x%08x", other.headerAddr))
	log.Debug("comparing applications")

	if err := a.CheckApplication(); err != nil {
		return nil, fmt.Errorf("application at 0x%08x: %w", a.headerAddr, err)
	}
	if err := other.CheckApplication(); err != nil {
		return nil, fmt.Errorf("application at 0x%08x: %w", other.headerAddr, err)
	}

	h, o := a.header, other.header
	c := &Comparison{
		MagicDiffers:         h.Magic != o.Magic,
		HeaderVersionDiffers: h.HeaderVersion != o.HeaderVersion,
		SizeDiffers:          h.FirmwareSize != o.FirmwareSize,
		VersionDiffers:       h.FirmwareVersion != o.FirmwareVersion,
		HashDiffers:          h.Hash != o.Hash,
	}

	if !c.SizeDiffers {
		c.BinariesCompared = true
		c.BinariesMatch = true

		pageSize := a.updater.PageSize()
		buf1 := make([]byte, pageSize)
		buf2 := make([]byte, pageSize)
		addr1, addr2 := a.bodyAddr, other.bodyAddr

		for offset := uint64(0); offset < h.FirmwareSize; offset += uint64(pageSize) {
			n := min(uint64(pageSize), h.FirmwareSize-offset)
			if err := a.updater.ReadPage(buf1[:n], &addr1); err != nil {
				return nil, fmt.Errorf("%w: %w", ErrRead, err)
			}
			if err := a.updater.ReadPage(buf2[:n], &addr2); err != nil {
				return nil, fmt.Errorf("%w: %w", ErrRead, err)
			}
			if !bytes.Equal(buf1[:n], buf2[:n]) {
				c.BinariesMatch = false
				c.MismatchOffset = offset
				log.WithField("offset", offset).Debug("application binaries differ")
				break
			}
		}
	}

	log.WithField("identical", c.Identical()).Debug("applications compared")
	return c, nil
}
