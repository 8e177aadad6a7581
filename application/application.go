// Package application models a firmware image stored in flash: its
// header, its validation state and the anti-rollback ordering between two
// images.
package application

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"cellgain.ddns.net/cellgain-public/update-client/flash"
	"cellgain.ddns.net/cellgain-public/update-client/header"
)

// ChunkSize is the size of the reads used to hash a firmware body.
const ChunkSize = 256

var (
	ErrFirmwareEmpty = errors.New("firmware is empty")
	ErrHashMismatch  = errors.New("firmware hash mismatch")
	ErrRead          = errors.New("cannot read application")
)

// HashMismatchError indicates that the firmware body does not hash to the
// value stored in its header.
type HashMismatchError struct {
	Expected [header.HashSize]byte
	Actual   [header.HashSize]byte
}

func (e *HashMismatchError) Error() string {
	return fmt.Sprintf("firmware hash mismatch: header has %x, body hashes to %x", e.Expected[:], e.Actual[:])
}

func (e *HashMismatchError) Is(target error) bool {
	return target == ErrHashMismatch
}

// State is the cached validation state of an Application.
type State int

const (
	NotChecked State = iota
	Valid
	NotValid
)

func (s State) String() string {
	switch s {
	case NotChecked:
		return "not checked"
	case Valid:
		return "valid"
	case NotValid:
		return "not valid"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Option configures an Application.
type Option func(*Application)

// WithLogger sets the logger used by the Application.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(a *Application) {
		if logger != nil {
			a.log = logger
		}
	}
}

// Application is one firmware image: a header at one flash address
// followed by the firmware body at another.
//
// The header is read on first use and the outcome of that read is kept.
// A successful CheckApplication is kept as well; a failed one is retried
// on the next call. Queries on an Application that has already been
// validated do not touch its state, every other method may mutate it, so
// an Application must not be shared between goroutines without external
// synchronization.
type Application struct {
	updater    *flash.Updater
	headerAddr uint32
	bodyAddr   uint32
	log        logrus.FieldLogger

	initialized bool
	header      *header.Header
	headerErr   error
	state       State

	buffer [ChunkSize]byte
}

// New creates an Application whose header is at headerAddr and whose body
// starts at bodyAddr. Nothing is read from flash until needed.
func New(u *flash.Updater, headerAddr, bodyAddr uint32, opts ...Option) *Application {
	a := &Application{
		updater:    u,
		headerAddr: headerAddr,
		bodyAddr:   bodyAddr,
		log:        logrus.StandardLogger(),
		state:      NotChecked,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.log = a.log.WithField("header_address", fmt.Sprintf("0x%08x", headerAddr))
	return a
}

// HeaderAddress returns the flash address of the header.
func (a *Application) HeaderAddress() uint32 {
	return a.headerAddr
}

// Address returns the flash address of the firmware body.
func (a *Application) Address() uint32 {
	return a.bodyAddr
}

// State returns the cached validation state.
func (a *Application) State() State {
	return a.state
}

// Header returns the decoded header, reading it on first use.
func (a *Application) Header() (*header.Header, error) {
	if !a.initialized {
		_ = a.readHeader()
	}
	return a.header, a.headerErr
}

// FirmwareVersion returns the firmware version from the header, or 0 if
// the header is not valid.
func (a *Application) FirmwareVersion() uint64 {
	h, err := a.Header()
	if err != nil {
		a.log.WithError(err).Error("invalid application header")
		return 0
	}
	return h.FirmwareVersion
}

// FirmwareSize returns the firmware size from the header, or 0 if the
// header is not valid.
func (a *Application) FirmwareSize() uint64 {
	h, err := a.Header()
	if err != nil {
		a.log.WithError(err).Error("invalid application header")
		return 0
	}
	return h.FirmwareSize
}

// IsValid reports whether the application has a valid header and a body
// matching its hash. The body is hashed at most once unless a previous
// check failed through CheckApplication.
func (a *Application) IsValid() bool {
	if !a.initialized {
		_ = a.readHeader()
	}
	if a.state == NotChecked {
		_ = a.CheckApplication()
	}
	return a.state == Valid
}

// CheckApplication re-reads the header and hashes the firmware body,
// comparing the digest with the header hash.
func (a *Application) CheckApplication() error {
	if a.state == Valid {
		return nil
	}

	if err := a.readHeader(); err != nil {
		a.log.WithError(err).Error("invalid application header")
		return err
	}
	h := a.header
	a.log.WithField("firmware_size", h.FirmwareSize).Debug("checking application")

	if h.FirmwareSize == 0 {
		a.state = NotValid
		return ErrFirmwareEmpty
	}

	digest := sha256.New()
	addr := a.bodyAddr
	for remaining := h.FirmwareSize; remaining > 0; {
		n := min(remaining, uint64(len(a.buffer)))
		chunk := a.buffer[:n]
		if err := a.updater.Read(chunk, addr); err != nil {
			a.state = NotValid
			a.log.WithError(err).Error("error while reading flash")
			return fmt.Errorf("%w: firmware at 0x%08x: %w", ErrRead, addr, err)
		}
		digest.Write(chunk)
		addr += uint32(n)
		remaining -= n
	}

	var actual [header.HashSize]byte
	copy(actual[:], digest.Sum(nil))
	if !bytes.Equal(actual[:], h.Hash[:]) {
		a.state = NotValid
		return &HashMismatchError{Expected: h.Hash, Actual: actual}
	}

	a.state = Valid
	return nil
}

// IsNewerThan reports whether a should supersede other under the
// anti-rollback policy:
//
//  1. an empty, unparseable or invalid application is never newer;
//  2. otherwise it is newer than an empty, unparseable or invalid other;
//  3. otherwise it is newer only if its firmware version is strictly higher.
//
// Header read failures are not reported. Only header fields are compared:
// callers must run CheckApplication before trusting a newer result.
func (a *Application) IsNewerThan(other *Application) bool {
	if !a.initialized {
		_ = a.readHeader()
	}
	if !other.initialized {
		_ = other.readHeader()
	}

	if !a.comparable() {
		return false
	}
	if !other.comparable() {
		return true
	}

	return other.header.FirmwareVersion < a.header.FirmwareVersion
}

// LogInfo logs the header content or that it was not read yet.
func (a *Application) LogInfo() {
	if !a.initialized {
		a.log.Debug("application not initialized")
		return
	}
	if a.header == nil {
		a.log.WithError(a.headerErr).WithField("state", a.state).Debug("application header not valid")
		return
	}
	a.log.WithFields(a.header.Fields()).WithField("state", a.state).Debug("application info")
}

func (a *Application) comparable() bool {
	return a.header != nil &&
		a.header.HeaderVersion >= header.MinVersion &&
		a.header.FirmwareSize != 0 &&
		a.state != NotValid
}

func (a *Application) readHeader() error {
	a.initialized = true
	a.header, a.headerErr = a.readApplicationHeader()
	if a.headerErr != nil {
		a.header = nil
		a.state = NotValid
		return a.headerErr
	}

	a.log.WithFields(a.header.Fields()).Debug("application header")
	return nil
}

func (a *Application) readApplicationHeader() (*header.Header, error) {
	var prefix [header.PrefixSize]byte
	if err := a.updater.Read(prefix[:], a.headerAddr); err != nil {
		return nil, fmt.Errorf("%w: header at 0x%08x: %w", ErrRead, a.headerAddr, err)
	}

	_, version, err := header.Peek(prefix[:])
	if err != nil {
		return nil, err
	}

	buf := make([]byte, header.Size(version))
	if err := a.updater.Read(buf, a.headerAddr); err != nil {
		return nil, fmt.Errorf("%w: header at 0x%08x: %w", ErrRead, a.headerAddr, err)
	}

	return header.Decode(buf)
}
