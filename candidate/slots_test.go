package candidate

import (
	"errors"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"cellgain.ddns.net/cellgain-public/update-client/application"
	"cellgain.ddns.net/cellgain-public/update-client/flash"
	"cellgain.ddns.net/cellgain-public/update-client/header"
	"cellgain.ddns.net/cellgain-public/update-client/imagefile"
)

const (
	flashStart = 0x08000000
	headerSize = 0x200
)

// testLayout: 16 uniform 4K sectors. The active application lives in the
// first four, the candidate storage is carved out of the rest.
var testLayout = []flash.SectorRegion{{Count: 16, Size: 0x1000}}

var testConfig = Config{
	StorageAddress: flashStart + 0x4800,
	StorageSize:    0x9000,
	HeaderSize:     headerSize,
	NbrOfSlots:     2,
}

type fixture struct {
	mem     *flash.Memory
	updater *flash.Updater
	slots   *Slots
	active  *application.Application
}

func newFixture(t *testing.T, cfg Config, opts ...Option) *fixture {
	t.Helper()
	mem, err := flash.NewMemory(flashStart, 0x100, testLayout...)
	require.NoError(t, err)
	u := flash.NewUpdater(mem)
	slots, err := New(u, cfg, opts...)
	require.NoError(t, err)
	return &fixture{
		mem:     mem,
		updater: u,
		slots:   slots,
		active:  application.New(u, flashStart, flashStart+headerSize),
	}
}

func firmware(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed ^ byte(i*31)
	}
	return b
}

func imageOf(t *testing.T, version uint64, body []byte) []byte {
	t.Helper()
	img, _, err := imagefile.Build(body, version, [header.CampaignSize]byte{}, headerSize)
	require.NoError(t, err)
	return img
}

func (f *fixture) load(t *testing.T, addr uint32, version uint64, body []byte) {
	t.Helper()
	require.NoError(t, f.mem.Load(addr, imageOf(t, version, body)))
}

func (f *fixture) loadSlot(t *testing.T, slot int, version uint64, body []byte) {
	t.Helper()
	addr, _, err := f.slots.CandidateAddress(slot)
	require.NoError(t, err)
	f.load(t, addr, version, body)
}

func (f *fixture) corruptSlotBody(t *testing.T, slot int) {
	t.Helper()
	addr, _, err := f.slots.CandidateAddress(slot)
	require.NoError(t, err)
	var b [1]byte
	require.NoError(t, f.mem.Read(b[:], addr+headerSize+10))
	b[0] ^= 0xFF
	require.NoError(t, f.mem.Load(addr+headerSize+10, b[:]))
}

func TestCandidateAddress(t *testing.T) {
	require := require.New(t)

	f := newFixture(t, testConfig)

	addr, size, err := f.slots.CandidateAddress(0)
	require.NoError(err)
	require.Equal(uint32(flashStart+0x5000), addr)
	require.Equal(uint32(0x4000), size)

	addr, size, err = f.slots.CandidateAddress(1)
	require.NoError(err)
	require.Equal(uint32(flashStart+0x9000), addr)
	require.Equal(uint32(0x4000), size)

	_, _, err = f.slots.CandidateAddress(2)
	require.ErrorIs(err, ErrSlotIndex)
	_, _, err = f.slots.CandidateAddress(-1)
	require.ErrorIs(err, ErrSlotIndex)

	app, ok := f.slots.Application(1)
	require.True(ok)
	require.Equal(uint32(flashStart+0x9000), app.HeaderAddress())
	require.Equal(uint32(flashStart+0x9000+headerSize), app.Address())

	f.slots.LogCandidateAddress(0)
}

func TestCandidateAddressRoundingLeavesGaps(t *testing.T) {
	require := require.New(t)

	// 0xB000 split in three: 0x3AAA per slot before alignment
	cfg := Config{StorageAddress: flashStart + 0x4000, StorageSize: 0xB000, HeaderSize: headerSize, NbrOfSlots: 3}
	f := newFixture(t, cfg)

	expected := []struct{ addr, size uint32 }{
		{flashStart + 0x4000, 0x3000},
		{flashStart + 0x7000, 0x3000},
		{flashStart + 0xB000, 0x3000},
	}
	for i, e := range expected {
		addr, size, err := f.slots.CandidateAddress(i)
		require.NoError(err)
		require.Equal(e.addr, addr, "slot %d", i)
		require.Equal(e.size, size, "slot %d", i)
	}
}

func TestSlotsNeverOverlap(t *testing.T) {
	layouts := [][]flash.SectorRegion{
		testLayout,
		{{Count: 4, Size: 0x4000}, {Count: 1, Size: 0x10000}, {Count: 3, Size: 0x20000}},
		{{Count: 3, Size: 0x800}, {Count: 2, Size: 0x2000}, {Count: 5, Size: 0x1000}},
	}

	logger, _ := test.NewNullLogger()

	for _, layout := range layouts {
		mem, err := flash.NewMemory(flashStart, 0x100, layout...)
		require.NoError(t, err)
		u := flash.NewUpdater(mem)
		end := uint32(flash.End(mem))

		for s := uint32(flashStart); s < end; s += 0x1700 {
			for l := uint32(0x100); s+l <= end; l += 0x2300 {
				for n := uint32(1); n <= MaxSlots; n++ {
					cfg := Config{StorageAddress: s, StorageSize: l, HeaderSize: headerSize, NbrOfSlots: n}
					slots, err := New(u, cfg, WithLogger(logger))
					require.NoError(t, err)

					lower := u.AlignToSector(s, false)
					upper := u.AlignToSector(s+l, true)

					prevEnd := uint32(0)
					for i := 0; i < int(n); i++ {
						addr, size, err := slots.CandidateAddress(i)
						if err != nil {
							require.ErrorIs(t, err, ErrSlotGeometry)
							_, ok := slots.Application(i)
							require.False(t, ok)
							continue
						}
						require.GreaterOrEqual(t, addr, lower)
						require.LessOrEqual(t, addr+size, upper)
						require.GreaterOrEqual(t, addr, prevEnd, "storage 0x%08x+0x%x, %d slots, slot %d", s, l, n, i)
						require.Equal(t, addr, u.AlignToSector(addr, true))
						require.Equal(t, addr+size, u.AlignToSector(addr+size, true))
						prevEnd = addr + size
					}
				}
			}
		}
	}
}

func TestCandidateAddressTopOfAddressSpace(t *testing.T) {
	require := require.New(t)

	mem, err := flash.NewMemory(0xFFFF0000, 0x100, flash.SectorRegion{Count: 15, Size: 0x1000})
	require.NoError(err)

	// storage runs past the last flash byte and is clamped to its end
	slots, err := New(flash.NewUpdater(mem), Config{
		StorageAddress: 0xFFFF8000,
		StorageSize:    0xFFFF,
		HeaderSize:     headerSize,
		NbrOfSlots:     2,
	})
	require.NoError(err)

	addr, size, err := slots.CandidateAddress(0)
	require.NoError(err)
	require.Equal(uint32(0xFFFF8000), addr)
	require.Equal(uint32(0x3000), size)

	addr, size, err = slots.CandidateAddress(1)
	require.NoError(err)
	require.Equal(uint32(0xFFFFB000), addr)
	require.Equal(uint32(0x3000), size)
	require.LessOrEqual(uint64(addr)+uint64(size), flash.End(mem))
}

func TestNewSkipsUnaddressableSlots(t *testing.T) {
	require := require.New(t)

	mem, err := flash.NewMemory(flashStart, 0x100,
		flash.SectorRegion{Count: 1, Size: 0x4000},
		flash.SectorRegion{Count: 4, Size: 0x1000})
	require.NoError(err)

	slots, err := New(flash.NewUpdater(mem), Config{
		StorageAddress: flashStart,
		StorageSize:    0x8000,
		HeaderSize:     headerSize,
		NbrOfSlots:     4,
	})
	require.NoError(err)
	require.Equal(4, slots.NbrOfSlots())

	for i, expected := range []bool{false, false, true, true} {
		_, ok := slots.Application(i)
		require.Equal(expected, ok, "slot %d", i)
	}

	// unconstructed slots are skipped by the scan
	active := application.New(flash.NewUpdater(mem), flashStart, flashStart+headerSize)
	_, found := slots.HasValidNewerApplication(active)
	require.False(found)
}

func TestNewInvalidSlotCount(t *testing.T) {
	mem, err := flash.NewMemory(flashStart, 0x100, testLayout...)
	require.NoError(t, err)
	u := flash.NewUpdater(mem)

	cfg := testConfig
	cfg.NbrOfSlots = MaxSlots + 1
	_, err = New(u, cfg)
	require.ErrorIs(t, err, ErrTooManySlots)

	cfg.NbrOfSlots = 0
	_, err = New(u, cfg)
	require.ErrorIs(t, err, ErrNoSlots)
}

func TestHasValidNewerApplication(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(t *testing.T, f *fixture)
		expected int
		found    bool
	}{
		{
			name: "older valid slot",
			setup: func(t *testing.T, f *fixture) {
				f.loadSlot(t, 0, 2, firmware(1000, 1))
			},
		},
		{
			name: "newer slot with bad hash",
			setup: func(t *testing.T, f *fixture) {
				f.loadSlot(t, 0, 5, firmware(1000, 1))
				f.corruptSlotBody(t, 0)
			},
		},
		{
			name: "newer valid slot",
			setup: func(t *testing.T, f *fixture) {
				f.loadSlot(t, 0, 5, firmware(1000, 1))
			},
			expected: 0,
			found:    true,
		},
		{
			name: "same version is not replayed",
			setup: func(t *testing.T, f *fixture) {
				f.loadSlot(t, 0, 3, firmware(1000, 1))
			},
		},
		{
			name: "newest of two slots wins",
			setup: func(t *testing.T, f *fixture) {
				f.loadSlot(t, 0, 5, firmware(1000, 1))
				f.loadSlot(t, 1, 7, firmware(1000, 2))
			},
			expected: 1,
			found:    true,
		},
		{
			name: "first slot newer than second",
			setup: func(t *testing.T, f *fixture) {
				f.loadSlot(t, 0, 7, firmware(1000, 1))
				f.loadSlot(t, 1, 5, firmware(1000, 2))
			},
			expected: 0,
			found:    true,
		},
		{
			name: "invalid newest falls back to valid newer",
			setup: func(t *testing.T, f *fixture) {
				f.loadSlot(t, 0, 7, firmware(1000, 1))
				f.corruptSlotBody(t, 0)
				f.loadSlot(t, 1, 5, firmware(1000, 2))
			},
			expected: 1,
			found:    true,
		},
		{
			name: "empty slots",
			setup: func(t *testing.T, f *fixture) {
				f.loadSlot(t, 0, 9, nil)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require := require.New(t)

			f := newFixture(t, testConfig)
			f.load(t, flashStart, 3, firmware(2000, 9))
			tt.setup(t, f)

			slot, found := f.slots.HasValidNewerApplication(f.active)
			require.Equal(tt.found, found)
			if tt.found {
				require.Equal(tt.expected, slot)
			}
		})
	}
}

func TestHasValidNewerApplicationInvalidActive(t *testing.T) {
	f := newFixture(t, testConfig)
	f.loadSlot(t, 1, 1, firmware(300, 1))

	slot, found := f.slots.HasValidNewerApplication(f.active)
	require.True(t, found)
	require.Equal(t, 1, slot)
}

func TestHasValidNewerApplicationHashesOnlyCandidates(t *testing.T) {
	require := require.New(t)

	f := newFixture(t, testConfig)
	f.load(t, flashStart, 3, firmware(2000, 9))
	f.loadSlot(t, 0, 7, firmware(3000, 1))
	f.loadSlot(t, 1, 6, firmware(3000, 2))

	slot1, _, err := f.slots.CandidateAddress(1)
	require.NoError(err)

	bodyReads := 0
	f.mem.FailRead = func(addr uint32) error {
		if addr >= slot1+headerSize && addr < slot1+0x4000 {
			bodyReads++
		}
		return nil
	}

	slot, found := f.slots.HasValidNewerApplication(f.active)
	require.True(found)
	require.Equal(0, slot)
	require.Zero(bodyReads)
}

func TestHasValidNewerApplicationReadFailure(t *testing.T) {
	f := newFixture(t, testConfig)
	f.load(t, flashStart, 3, firmware(2000, 9))
	f.loadSlot(t, 0, 5, firmware(1000, 1))

	slot0, _, err := f.slots.CandidateAddress(0)
	require.NoError(t, err)
	f.mem.FailRead = func(addr uint32) error {
		if addr >= slot0+headerSize {
			return errors.New("ecc error")
		}
		return nil
	}

	_, found := f.slots.HasValidNewerApplication(f.active)
	require.False(t, found)
}
