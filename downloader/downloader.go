// Package downloader receives update images from a byte stream and writes
// them into a candidate slot.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"cellgain.ddns.net/cellgain-public/update-client/application"
	"cellgain.ddns.net/cellgain-public/update-client/candidate"
	"cellgain.ddns.net/cellgain-public/update-client/flash"
)

// DefaultPollInterval is the default wait between connection attempts.
const DefaultPollInterval = 5 * time.Second

var (
	ErrSlotFull = errors.New("image does not fit in the slot")
	ErrRunning  = errors.New("downloader is already running")
)

// Config holds the Downloader and Service configuration.
type Config struct {
	Logger logrus.FieldLogger

	// PollInterval is the wait between two connection attempts of the
	// Service.
	PollInterval time.Duration

	// OnResult is called by the Service after every reception (optional).
	OnResult func(Result, error)
}

func defaultConfig() Config {
	return Config{
		Logger:       logrus.StandardLogger(),
		PollInterval: DefaultPollInterval,
	}
}

// Option is a functional option for configuring the Downloader.
type Option func(*Config)

// WithLogger sets the logger.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(c *Config) {
		if logger != nil {
			c.Logger = logger
		}
	}
}

// WithPollInterval sets the wait between connection attempts.
func WithPollInterval(interval time.Duration) Option {
	return func(c *Config) {
		if interval > 0 {
			c.PollInterval = interval
		}
	}
}

// WithResultHandler sets the function called after every reception.
func WithResultHandler(fn func(Result, error)) Option {
	return func(c *Config) {
		c.OnResult = fn
	}
}

// Result describes one reception.
type Result struct {
	Slot    int
	Address uint32
	// Received is the number of bytes read from the stream. The last page
	// is padded with zeros, so more bytes may have been programmed.
	Received uint64
	Pages    int

	// Comparison of the active application with the received one. It is
	// nil when either could not be validated, CompareErr then holds why.
	Comparison *application.Comparison
	CompareErr error
}

// Downloader writes received images into the slot chosen by the slot
// selection policy.
type Downloader struct {
	updater *flash.Updater
	slots   *candidate.Slots
	active  *application.Application
	config  Config
}

// New creates a Downloader. active is the running application the
// received images are compared with.
func New(u *flash.Updater, slots *candidate.Slots, active *application.Application, opts ...Option) *Downloader {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Downloader{
		updater: u,
		slots:   slots,
		active:  active,
		config:  cfg,
	}
}

// Receive streams r into the candidate slot, one page at a time, until r
// reports io.EOF. A final partial page is padded with zeros.
//
// Nothing is validated while receiving. Once the stream ends, the received
// image is compared with the active application and the outcome is
// logged and returned. ctx is checked between pages; cancelling it leaves
// the slot partially written.
func (d *Downloader) Receive(ctx context.Context, r io.Reader) (Result, error) {
	log := d.config.Logger

	slot := d.slots.SlotForCandidate()
	result := Result{Slot: slot}
	log = log.WithField("slot", slot)

	if app, ok := d.slots.Application(slot); ok {
		app.LogInfo()
	}

	addr, slotSize, err := d.slots.CandidateAddress(slot)
	if err != nil {
		return result, fmt.Errorf("cannot get address of slot %d: %w", slot, err)
	}
	result.Address = addr
	slotEnd := uint64(addr) + uint64(slotSize)

	cursor, err := d.updater.NewCursor(addr)
	if err != nil {
		return result, err
	}

	pageSize := d.updater.PageSize()
	writePage := make([]byte, pageSize)
	readPage := make([]byte, pageSize)

	log.WithFields(logrus.Fields{
		"address":     fmt.Sprintf("0x%08x", addr),
		"sector_size": d.updater.SectorSize(addr),
		"slot_size":   slotSize,
	}).Info("waiting for update image")

	defer d.slots.Refresh(slot)

	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		clear(writePage)
		n, err := io.ReadFull(r, writePage)
		if n == 0 && errors.Is(err, io.EOF) {
			break
		}
		last := errors.Is(err, io.ErrUnexpectedEOF)
		if err != nil && !last {
			return result, fmt.Errorf("receive page %d: %w", result.Pages, err)
		}

		if uint64(cursor.Addr)+uint64(pageSize) > slotEnd {
			return result, fmt.Errorf("%w: slot %d holds %d bytes", ErrSlotFull, slot, slotSize)
		}
		if err := d.updater.WritePage(writePage, readPage, cursor); err != nil {
			return result, err
		}

		result.Pages++
		result.Received += uint64(n)
		log.WithField("received", result.Received).Debug("page written")

		if last {
			break
		}
	}

	log.WithField("received", result.Received).Info("update image received")
	if result.Received == 0 {
		return result, nil
	}

	d.slots.Refresh(slot)
	received, _ := d.slots.Application(slot)
	result.Comparison, result.CompareErr = d.active.CompareTo(received)
	if result.CompareErr != nil {
		log.WithError(result.CompareErr).Warn("cannot compare received image with the active application")
	} else {
		log.WithFields(logrus.Fields{
			"identical":       result.Comparison.Identical(),
			"version_differs": result.Comparison.VersionDiffers,
			"size_differs":    result.Comparison.SizeDiffers,
			"hash_differs":    result.Comparison.HashDiffers,
		}).Info("compared received image with the active application")
	}

	return result, nil
}
