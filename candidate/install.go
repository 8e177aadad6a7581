package candidate

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// InstallApplication copies the image of a slot, header region included,
// to destHeaderAddr, page by page and erasing each destination sector
// once.
//
// The destination range is checked before anything is written. A failure
// during the copy aborts it and leaves the destination partially written;
// the slot itself is never modified. The caller must validate the slot
// beforehand and re-validate the destination after a failure.
func (s *Slots) InstallApplication(slotIndex int, destHeaderAddr uint32) error {
	if !s.installer {
		return ErrNotInstaller
	}

	log := s.log.WithFields(logrus.Fields{
		"slot":        slotIndex,
		"destination": fmt.Sprintf("0x%08x", destHeaderAddr),
	})
	log.Debug("installing candidate application as active application")

	sourceAddr, slotSize, err := s.CandidateAddress(slotIndex)
	if err != nil {
		return fmt.Errorf("cannot get address of slot %d: %w", slotIndex, err)
	}
	app, ok := s.Application(slotIndex)
	if !ok {
		return fmt.Errorf("%w: slot %d", ErrNoApplication, slotIndex)
	}

	firmwareSize := app.FirmwareSize()
	if firmwareSize == 0 {
		return fmt.Errorf("%w: slot %d has no firmware", ErrNoApplication, slotIndex)
	}

	// HeaderSize < slotSize holds for every constructed slot
	if firmwareSize > uint64(slotSize)-uint64(s.config.HeaderSize) {
		return fmt.Errorf("%w: %d byte firmware in a %d byte slot", ErrImageTooLarge, firmwareSize, slotSize)
	}
	pageSize := uint64(s.updater.PageSize())
	copySize := uint64(s.config.HeaderSize) + firmwareSize
	copyLen := (copySize + pageSize - 1) / pageSize * pageSize

	if err := s.updater.CheckRange(destHeaderAddr, copyLen); err != nil {
		return fmt.Errorf("cannot install %d bytes: %w", copyLen, err)
	}
	if i, ok := s.overlappingSlot(destHeaderAddr, copyLen); ok {
		return fmt.Errorf("%w: slot %d", ErrOverlap, i)
	}

	cursor, err := s.updater.NewCursor(destHeaderAddr)
	if err != nil {
		return err
	}

	writePage := make([]byte, pageSize)
	readPage := make([]byte, pageSize)

	log.WithFields(logrus.Fields{
		"source":    fmt.Sprintf("0x%08x", sourceAddr),
		"copy_size": copySize,
		"page_size": pageSize,
	}).Debug("starting to copy application")

	var copied uint64
	for copied < copySize {
		if err := s.updater.ReadPage(writePage, &sourceAddr); err != nil {
			log.WithError(err).Error("cannot read candidate application")
			return fmt.Errorf("read slot %d: %w", slotIndex, err)
		}

		if err := s.updater.WritePage(writePage, readPage, cursor); err != nil {
			log.WithError(err).Error("cannot write candidate application")
			return fmt.Errorf("write slot %d to 0x%08x: %w", slotIndex, cursor.Addr, err)
		}

		copied += pageSize
	}

	log.WithField("copied", copied).Debug("application installed")
	return nil
}

// overlappingSlot returns the first constructed slot intersecting
// [addr, addr+length).
func (s *Slots) overlappingSlot(addr uint32, length uint64) (int, bool) {
	end := uint64(addr) + length
	for i := 0; i < s.NbrOfSlots(); i++ {
		slotAddr, slotSize, err := s.CandidateAddress(i)
		if err != nil {
			continue
		}
		if uint64(slotAddr) < end && uint64(addr) < uint64(slotAddr)+uint64(slotSize) {
			return i, true
		}
	}
	return 0, false
}
