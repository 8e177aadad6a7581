package header

import (
	"crypto/sha256"
	"encoding/binary"
	"hash/crc32"
	"testing"

	"github.com/stretchr/testify/require"
)

func sampleHeader() *Header {
	h := &Header{
		FirmwareVersion: 0x0102030405060708,
		FirmwareSize:    4096,
		SignatureSize:   0,
	}
	h.Hash = sha256.Sum256([]byte("firmware body"))
	copy(h.Campaign[:], "campaign-0000001")
	return h
}

func TestChecksum(t *testing.T) {
	tests := []struct {
		name     string
		data     []byte
		expected uint32
	}{
		{
			name:     "empty data",
			data:     []byte{},
			expected: 0x00000000,
		},
		{
			name:     "check value",
			data:     []byte("123456789"),
			expected: 0xCBF43926,
		},
		{
			name:     "single zero byte",
			data:     []byte{0x00},
			expected: 0xD202EF8D,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := Checksum(tt.data)
			if result != tt.expected {
				t.Errorf("Checksum() = 0x%08X, want 0x%08X", result, tt.expected)
			}
		})
	}
}

func TestChecksumMatchesIEEE(t *testing.T) {
	buf := make([]byte, 1024)
	for i := range buf {
		buf[i] = byte(i * 7)
	}
	require.Equal(t, crc32.ChecksumIEEE(buf), Checksum(buf))
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	require := require.New(t)

	h := sampleHeader()
	buf := Encode(h)
	require.Len(buf, SizeV2)
	require.Equal(MagicV2, binary.BigEndian.Uint32(buf[0:]))
	require.Equal(VersionV2, binary.BigEndian.Uint32(buf[4:]))
	require.Equal(Checksum(buf[:108]), binary.BigEndian.Uint32(buf[108:]))

	decoded, err := Decode(buf)
	require.NoError(err)
	require.Equal(h, decoded)
}

func TestDecodeFlippedBit(t *testing.T) {
	buf := Encode(sampleHeader())

	// any flipped bit after the prefix and before the checksum field
	for bit := PrefixSize * 8; bit < checksumOffset*8; bit++ {
		corrupted := append([]byte(nil), buf...)
		corrupted[bit/8] ^= 1 << (bit % 8)

		_, err := Decode(corrupted)
		require.ErrorIs(t, err, ErrInvalidChecksum, "bit %d", bit)
	}
}

func TestDecodeFlippedPrefixBit(t *testing.T) {
	buf := Encode(sampleHeader())

	// a flipped magic or version bit is caught before the checksum
	for bit := 0; bit < PrefixSize*8; bit++ {
		corrupted := append([]byte(nil), buf...)
		corrupted[bit/8] ^= 1 << (bit % 8)

		_, err := Decode(corrupted)
		require.Error(t, err, "bit %d", bit)
		require.ErrorIs(t, err, ErrInvalidHeader, "bit %d", bit)
	}
}

func TestDecodeInvalid(t *testing.T) {
	valid := Encode(sampleHeader())

	tests := []struct {
		name     string
		buf      func() []byte
		expected error
	}{
		{
			name:     "too short for prefix",
			buf:      func() []byte { return valid[:4] },
			expected: ErrInvalidHeader,
		},
		{
			name:     "truncated header",
			buf:      func() []byte { return valid[:SizeV2-1] },
			expected: ErrInvalidHeader,
		},
		{
			name: "erased flash",
			buf: func() []byte {
				b := make([]byte, SizeV2)
				for i := range b {
					b[i] = 0xFF
				}
				return b
			},
			expected: ErrInvalidHeader,
		},
		{
			name: "unsupported version",
			buf: func() []byte {
				b := append([]byte(nil), valid...)
				binary.BigEndian.PutUint32(b[4:], 3)
				return b
			},
			expected: ErrInvalidHeader,
		},
		{
			name: "wrong magic",
			buf: func() []byte {
				b := append([]byte(nil), valid...)
				binary.BigEndian.PutUint32(b[0:], 0xDEADBEEF)
				return b
			},
			expected: ErrInvalidHeader,
		},
		{
			name: "corrupted checksum",
			buf: func() []byte {
				b := append([]byte(nil), valid...)
				b[110] ^= 0x01
				return b
			},
			expected: ErrInvalidChecksum,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.buf())
			require.ErrorIs(t, err, tt.expected)
		})
	}
}

func TestPeek(t *testing.T) {
	require := require.New(t)

	magic, version, err := Peek(Encode(sampleHeader())[:PrefixSize])
	require.NoError(err)
	require.Equal(MagicV2, magic)
	require.Equal(VersionV2, version)
	require.Equal(SizeV2, Size(version))
	require.Zero(Size(1))
}
