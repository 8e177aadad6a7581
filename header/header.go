// Package header implements the fixed-layout application header stored in
// front of every firmware image.
//
// Version 2 headers are 112 bytes long. All integers are big-endian:
//
//	offset  size  field
//	     0     4  magic (0x5a51b3d4)
//	     4     4  header version (2)
//	     8     8  firmware version
//	    16     8  firmware size
//	    24    32  SHA-256 of the firmware body
//	    56    32  reserved
//	    88    16  campaign identifier
//	   104     4  signature size
//	   108     4  CRC-32 of bytes 0-107
package header

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Layout constants for version 2 headers.
const (
	MagicV2   uint32 = 0x5a51b3d4
	VersionV2 uint32 = 2

	// MinVersion is the oldest header version the client understands.
	MinVersion = VersionV2

	// PrefixSize covers the magic and the header version.
	PrefixSize = 8
	SizeV2     = 112

	HashSize     = 32
	CampaignSize = 16

	magicOffset           = 0
	headerVersionOffset   = 4
	firmwareVersionOffset = 8
	firmwareSizeOffset    = 16
	hashOffset            = 24
	campaignOffset        = 88
	signatureSizeOffset   = 104
	checksumOffset        = 108
)

var (
	ErrInvalidHeader   = errors.New("invalid application header")
	ErrInvalidChecksum = errors.New("invalid application header checksum")
)

// Header is a decoded application header.
type Header struct {
	Magic           uint32
	HeaderVersion   uint32
	FirmwareVersion uint64
	FirmwareSize    uint64
	Hash            [HashSize]byte
	Campaign        [CampaignSize]byte
	// SignatureSize is carried through but the signature itself is not
	// verified.
	SignatureSize uint32
	Checksum      uint32
}

// Peek decodes the magic and header version from the first PrefixSize
// bytes of buf. It fails with ErrInvalidHeader unless both identify a
// supported header format.
func Peek(buf []byte) (magic, version uint32, err error) {
	if len(buf) < PrefixSize {
		return 0, 0, fmt.Errorf("%w: %d bytes, need %d", ErrInvalidHeader, len(buf), PrefixSize)
	}

	magic = binary.BigEndian.Uint32(buf[magicOffset:])
	version = binary.BigEndian.Uint32(buf[headerVersionOffset:])

	switch version {
	case VersionV2:
		if magic != MagicV2 {
			return magic, version, fmt.Errorf("%w: bad magic 0x%08x", ErrInvalidHeader, magic)
		}
	default:
		return magic, version, fmt.Errorf("%w: unsupported version %d", ErrInvalidHeader, version)
	}

	return magic, version, nil
}

// Size returns the encoded size of a header of the given version, or 0
// if the version is not supported.
func Size(version uint32) int {
	if version == VersionV2 {
		return SizeV2
	}
	return 0
}

// Decode parses a complete header from buf.
func Decode(buf []byte) (*Header, error) {
	magic, version, err := Peek(buf)
	if err != nil {
		return nil, err
	}
	if len(buf) < SizeV2 {
		return nil, fmt.Errorf("%w: %d bytes, need %d", ErrInvalidHeader, len(buf), SizeV2)
	}

	stored := binary.BigEndian.Uint32(buf[checksumOffset:])
	if computed := Checksum(buf[:checksumOffset]); computed != stored {
		return nil, fmt.Errorf("%w: stored 0x%08x, computed 0x%08x", ErrInvalidChecksum, stored, computed)
	}

	h := &Header{
		Magic:           magic,
		HeaderVersion:   version,
		FirmwareVersion: binary.BigEndian.Uint64(buf[firmwareVersionOffset:]),
		FirmwareSize:    binary.BigEndian.Uint64(buf[firmwareSizeOffset:]),
		SignatureSize:   binary.BigEndian.Uint32(buf[signatureSizeOffset:]),
		Checksum:        stored,
	}
	copy(h.Hash[:], buf[hashOffset:])
	copy(h.Campaign[:], buf[campaignOffset:])

	return h, nil
}

// Encode serializes h as a version 2 header. Magic and header version are
// always written as MagicV2 and VersionV2, and the checksum is computed.
// h.Checksum is updated to the written value.
func Encode(h *Header) []byte {
	buf := make([]byte, SizeV2)

	binary.BigEndian.PutUint32(buf[magicOffset:], MagicV2)
	binary.BigEndian.PutUint32(buf[headerVersionOffset:], VersionV2)
	binary.BigEndian.PutUint64(buf[firmwareVersionOffset:], h.FirmwareVersion)
	binary.BigEndian.PutUint64(buf[firmwareSizeOffset:], h.FirmwareSize)
	copy(buf[hashOffset:], h.Hash[:])
	copy(buf[campaignOffset:], h.Campaign[:])
	binary.BigEndian.PutUint32(buf[signatureSizeOffset:], h.SignatureSize)

	h.Magic = MagicV2
	h.HeaderVersion = VersionV2
	h.Checksum = Checksum(buf[:checksumOffset])
	binary.BigEndian.PutUint32(buf[checksumOffset:], h.Checksum)

	return buf
}

// Fields returns the header as log fields.
func (h *Header) Fields() logrus.Fields {
	return logrus.Fields{
		"header_version":   h.HeaderVersion,
		"firmware_version": h.FirmwareVersion,
		"firmware_size":    h.FirmwareSize,
		"hash":             hex.EncodeToString(h.Hash[:]),
		"campaign":         hex.EncodeToString(h.Campaign[:]),
	}
}

func (h *Header) String() string {
	return fmt.Sprintf("v%d firmware %d (%d bytes, sha256 %x)",
		h.HeaderVersion, h.FirmwareVersion, h.FirmwareSize, h.Hash[:])
}
