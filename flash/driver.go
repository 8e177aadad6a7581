package flash

import "errors"

var (
	ErrOutOfRange = errors.New("address range outside flash")
	ErrUnaligned  = errors.New("address or length not aligned")
	ErrNotErased  = errors.New("programming non-erased flash")
	ErrRead       = errors.New("flash read failed")
	ErrProgram    = errors.New("flash program failed")
	ErrErase      = errors.New("flash erase failed")
	ErrVerify     = errors.New("flash verification failed")
)

// Driver is the physical flash medium. Addresses are absolute and the
// flash must end at or below math.MaxUint32, so that every sector
// boundary, the end of the flash included, fits in a uint32.
//
// Implementations are not expected to be safe for concurrent use: at most
// one read, erase or program sequence may be in flight at a time.
type Driver interface {
	// Start returns the first address of the flash.
	Start() uint32
	// Size returns the flash size in bytes.
	Size() uint32
	// PageSize returns the minimum programmable unit.
	PageSize() uint32
	// SectorSize returns the size of the sector containing addr, or 0 if
	// addr is outside the flash.
	SectorSize(addr uint32) uint32
	// ErasedValue is the byte value of erased flash.
	ErasedValue() byte

	Read(buf []byte, addr uint32) error
	Program(buf []byte, addr uint32) error
	Erase(addr, length uint32) error
}

// Verifier is implemented by drivers that require programmed pages to be
// read back and compared.
type Verifier interface {
	VerifyAfterProgram() bool
}

// SectorRegion describes Count consecutive sectors of the same Size.
type SectorRegion struct {
	Count uint32 `yaml:"count"`
	Size  uint32 `yaml:"size"`
}

// End returns the address right after d's last byte.
func End(d Driver) uint64 {
	return uint64(d.Start()) + uint64(d.Size())
}
