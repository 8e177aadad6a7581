// Package imagefile builds and inspects update image files on the host.
// An update image is the exact byte sequence stored in a slot: a header
// region of a fixed, alignment-dependent size followed by the firmware
// body.
package imagefile

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"

	"cellgain.ddns.net/cellgain-public/update-client/header"
)

// Padding fills the header region after the encoded header.
const Padding = 0xFF

var (
	ErrTruncated    = errors.New("image truncated")
	ErrHashMismatch = errors.New("image hash mismatch")
)

// Image is a parsed update image.
type Image struct {
	path       string
	headerSize uint32
	header     *header.Header
	body       []byte
}

// Build returns the update image for body, with a header region of
// headerSize bytes.
func Build(body []byte, version uint64, campaign [header.CampaignSize]byte, headerSize uint32) ([]byte, *header.Header, error) {
	if headerSize < header.SizeV2 {
		return nil, nil, fmt.Errorf("header size %d is smaller than the %d byte header", headerSize, header.SizeV2)
	}

	h := &header.Header{
		FirmwareVersion: version,
		FirmwareSize:    uint64(len(body)),
		Hash:            sha256.Sum256(body),
		Campaign:        campaign,
	}

	out := make([]byte, int(headerSize)+len(body))
	copy(out, header.Encode(h))
	for i := header.SizeV2; i < int(headerSize); i++ {
		out[i] = Padding
	}
	copy(out[headerSize:], body)

	return out, h, nil
}

// Open reads and parses the image file at path.
func Open(path string, headerSize uint32) (*Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}

	img, err := Parse(data, headerSize)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	img.path = path
	return img, nil
}

// Parse decodes an in-memory update image.
func Parse(data []byte, headerSize uint32) (*Image, error) {
	if uint64(len(data)) < uint64(headerSize) || headerSize < header.SizeV2 {
		return nil, fmt.Errorf("%w: %d bytes for a %d byte header region", ErrTruncated, len(data), headerSize)
	}

	h, err := header.Decode(data[:header.SizeV2])
	if err != nil {
		return nil, err
	}

	end := uint64(headerSize) + h.FirmwareSize
	if uint64(len(data)) < end {
		return nil, fmt.Errorf("%w: firmware of %d bytes, file has %d", ErrTruncated, h.FirmwareSize, uint64(len(data))-uint64(headerSize))
	}
	if uint64(len(data)) > end {
		log.WithFields(log.Fields{
			"firmware_size": h.FirmwareSize,
			"trailing":      uint64(len(data)) - end,
		}).Debug("ignoring trailing bytes after firmware")
	}

	return &Image{
		headerSize: headerSize,
		header:     h,
		body:       data[headerSize:end],
	}, nil
}

// Path returns the file the image was read from, if any.
func (i *Image) Path() string {
	return i.path
}

func (i *Image) Header() *header.Header {
	return i.header
}

func (i *Image) Body() []byte {
	return i.body
}

// Verify checks the body against the header hash.
func (i *Image) Verify() error {
	if sum := sha256.Sum256(i.body); sum != i.header.Hash {
		return fmt.Errorf("%w: header has %x, body hashes to %x", ErrHashMismatch, i.header.Hash[:], sum[:])
	}
	return nil
}

// Write stores an image built by Build at path.
func Write(path string, image []byte) error {
	if err := os.WriteFile(path, image, 0o644); err != nil {
		return fmt.Errorf("failed to write image: %w", err)
	}
	return nil
}
