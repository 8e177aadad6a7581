// Package candidate manages the flash slots holding candidate firmware
// images: where they are, which one receives the next download and which
// one, if any, should replace the active application.
package candidate

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"cellgain.ddns.net/cellgain-public/update-client/application"
	"cellgain.ddns.net/cellgain-public/update-client/flash"
)

// MaxSlots is the maximum number of candidate slots.
const MaxSlots = 8

var (
	ErrNoSlots       = errors.New("no candidate slots configured")
	ErrTooManySlots  = fmt.Errorf("more than %d candidate slots", MaxSlots)
	ErrSlotIndex     = errors.New("slot index out of range")
	ErrSlotGeometry  = errors.New("invalid slot geometry")
	ErrNotInstaller  = errors.New("installation is reserved to the installer")
	ErrImageTooLarge = errors.New("application does not fit")
	ErrNoApplication = errors.New("no application in slot")
	ErrOverlap       = errors.New("destination overlaps a slot")
)

// Config describes the storage area reserved for candidate images.
type Config struct {
	// StorageAddress and StorageSize bound the storage area. The area is
	// shrunk to sector boundaries, never extended.
	StorageAddress uint32 `yaml:"address"`
	StorageSize    uint32 `yaml:"size"`

	// HeaderSize is the size of the header region in front of each body.
	HeaderSize uint32 `yaml:"header_size"`

	// NbrOfSlots is the number of slots, at most MaxSlots.
	NbrOfSlots uint32 `yaml:"locations"`
}

// Option configures Slots.
type Option func(*Slots)

// WithLogger sets the logger used by Slots and its applications.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(s *Slots) {
		if logger != nil {
			s.log = logger
		}
	}
}

// WithSelector sets the policy choosing the slot for the next download.
func WithSelector(selector SlotSelector) Option {
	return func(s *Slots) {
		if selector != nil {
			s.selector = selector
		}
	}
}

// WithInstaller enables InstallApplication. Only the installer, which runs
// outside the active application, may overwrite the active image.
func WithInstaller() Option {
	return func(s *Slots) {
		s.installer = true
	}
}

// Slots is the fixed set of candidate slots. Slots whose geometry could
// not be computed have no Application.
type Slots struct {
	updater   *flash.Updater
	config    Config
	log       logrus.FieldLogger
	selector  SlotSelector
	installer bool

	applications [MaxSlots]*application.Application
}

// New computes the slot layout and creates one Application per slot.
func New(u *flash.Updater, cfg Config, opts ...Option) (*Slots, error) {
	if cfg.NbrOfSlots == 0 {
		return nil, ErrNoSlots
	}
	if cfg.NbrOfSlots > MaxSlots {
		return nil, fmt.Errorf("%w: %d", ErrTooManySlots, cfg.NbrOfSlots)
	}

	s := &Slots{
		updater:  u,
		config:   cfg,
		log:      logrus.StandardLogger(),
		selector: FirstSlot{},
	}
	for _, opt := range opts {
		opt(s)
	}

	for i := 0; i < int(cfg.NbrOfSlots); i++ {
		addr, size, err := s.CandidateAddress(i)
		if err != nil {
			s.log.WithError(err).WithField("slot", i).Error("application slot is not valid")
			continue
		}

		s.log.WithFields(logrus.Fields{
			"slot":           i,
			"header_address": fmt.Sprintf("0x%08x", addr),
			"address":        fmt.Sprintf("0x%08x", addr+cfg.HeaderSize),
			"slot_size":      size,
		}).Debug("candidate slot")

		s.applications[i] = s.newApplication(i, addr)
	}

	return s, nil
}

func (s *Slots) newApplication(slotIndex int, addr uint32) *application.Application {
	return application.New(s.updater, addr, addr+s.config.HeaderSize,
		application.WithLogger(s.log.WithField("slot", slotIndex)))
}

// Refresh drops what is known about the content of a slot. It must be
// called after the slot has been rewritten.
func (s *Slots) Refresh(slotIndex int) {
	if _, ok := s.Application(slotIndex); !ok {
		return
	}
	addr, _, err := s.CandidateAddress(slotIndex)
	if err != nil {
		return
	}
	s.applications[slotIndex] = s.newApplication(slotIndex, addr)
}

// HeaderSize returns the size of the header region of every slot.
func (s *Slots) HeaderSize() uint32 {
	return s.config.HeaderSize
}

// NbrOfSlots returns the configured number of slots.
func (s *Slots) NbrOfSlots() int {
	return int(s.config.NbrOfSlots)
}

// Application returns the application of a slot. ok is false for an
// out-of-range index or a slot that could not be laid out.
func (s *Slots) Application(slotIndex int) (app *application.Application, ok bool) {
	if slotIndex < 0 || slotIndex >= s.NbrOfSlots() {
		return nil, false
	}
	app = s.applications[slotIndex]
	return app, app != nil
}

// SlotForCandidate returns the slot that receives the next downloaded
// image.
func (s *Slots) SlotForCandidate() int {
	return s.selector.SlotForCandidate(s)
}

// CandidateAddress returns the header address and size of a slot.
//
// The storage area is first rounded inwards to sector boundaries and split
// evenly without regard to alignment. Both ends of each slot are then
// rounded down to a sector boundary, so consecutive slots never overlap
// but may leave unused sectors between them.
func (s *Slots) CandidateAddress(slotIndex int) (addr, size uint32, err error) {
	if slotIndex < 0 || slotIndex >= s.NbrOfSlots() {
		return 0, 0, fmt.Errorf("%w: %d", ErrSlotIndex, slotIndex)
	}

	storageStartAddr, storageEndAddr := s.storageBounds()
	if storageEndAddr <= storageStartAddr {
		return 0, 0, fmt.Errorf("%w: no whole sector in storage 0x%08x (%d bytes)",
			ErrSlotGeometry, s.config.StorageAddress, s.config.StorageSize)
	}

	maxSlotSize := (storageEndAddr - storageStartAddr) / s.config.NbrOfSlots

	slotStartAddr := s.updater.AlignToSector(storageStartAddr+uint32(slotIndex)*maxSlotSize, true)
	slotEndAddr := s.updater.AlignToSector(slotStartAddr+maxSlotSize, true)

	size = slotEndAddr - slotStartAddr
	if size <= s.config.HeaderSize {
		return 0, 0, fmt.Errorf("%w: slot %d at 0x%08x is %d bytes, header region is %d",
			ErrSlotGeometry, slotIndex, slotStartAddr, size, s.config.HeaderSize)
	}

	return slotStartAddr, size, nil
}

// storageBounds returns the storage area rounded inwards to sector
// boundaries. The start rounds up and the end rounds down.
func (s *Slots) storageBounds() (start, end uint32) {
	storageEnd := uint64(s.config.StorageAddress) + uint64(s.config.StorageSize)
	if flashEnd := flash.End(s.updater.Driver()); storageEnd > flashEnd {
		storageEnd = flashEnd
	}

	// the Updater guarantees the flash end fits in a uint32
	start = s.updater.AlignToSector(s.config.StorageAddress, false)
	end = s.updater.AlignToSector(uint32(storageEnd), true)
	return start, end
}

// LogCandidateAddress logs every step of the slot geometry computation.
func (s *Slots) LogCandidateAddress(slotIndex int) {
	log := s.log.WithField("slot", slotIndex)
	log.WithFields(logrus.Fields{
		"storage_address": fmt.Sprintf("0x%08x", s.config.StorageAddress),
		"storage_size":    s.config.StorageSize,
	}).Debug("storage area")

	storageStartAddr, storageEndAddr := s.storageBounds()
	log.WithFields(logrus.Fields{
		"storage_start": fmt.Sprintf("0x%08x", storageStartAddr),
		"storage_end":   fmt.Sprintf("0x%08x", storageEndAddr),
	}).Debug("aligned storage area")

	addr, size, err := s.CandidateAddress(slotIndex)
	if err != nil {
		log.WithError(err).Debug("slot has no address")
		return
	}
	log.WithFields(logrus.Fields{
		"slot_start": fmt.Sprintf("0x%08x", addr),
		"slot_end":   fmt.Sprintf("0x%08x", addr+size),
	}).Debug("slot address")
}

// HasValidNewerApplication returns the slot holding the newest valid
// application that is newer than active.
//
// Slots are visited once, in order, against a running best that starts as
// active. Only a slot that is newer than the running best is hashed; a
// slot failing validation is skipped and leaves the running best as is.
func (s *Slots) HasValidNewerApplication(active *application.Application) (int, bool) {
	s.log.WithField("slots", s.NbrOfSlots()).Debug("checking for newer applications")

	newest := active
	newestSlot := -1

	for i := 0; i < s.NbrOfSlots(); i++ {
		app := s.applications[i]
		if app == nil {
			continue
		}
		log := s.log.WithField("slot", i)

		if !app.IsNewerThan(newest) {
			continue
		}
		if newestSlot < 0 {
			log.Debug("candidate application is newer than the active one")
		} else {
			log.WithField("newest_slot", newestSlot).Debug("candidate application is newer than the newest slot")
		}

		if err := app.CheckApplication(); err != nil {
			log.WithError(err).Error("candidate application is not valid")
			continue
		}
		log.Debug("candidate application is valid")

		newest = app
		newestSlot = i
	}

	return newestSlot, newestSlot >= 0
}
