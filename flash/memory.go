package flash

import (
	"errors"
	"fmt"
	"sort"
)

const erasedByte = 0xFF

type sector struct {
	addr uint32
	size uint32
}

func (s sector) end() uint64 {
	return uint64(s.addr) + uint64(s.size)
}

// Memory is a RAM-backed Driver with NOR flash semantics: pages can only
// be programmed into erased flash and erasing works on whole sectors.
//
// The Fail hooks, when set, are consulted before the matching primitive
// and let tests inject medium failures.
type Memory struct {
	start    uint32
	pageSize uint32
	sectors  []sector
	data     []byte
	erases   map[uint32]int
	programs int
	verify   bool

	FailRead    func(addr uint32) error
	FailProgram func(addr uint32) error
	FailErase   func(addr uint32) error
}

// NewMemory creates an erased flash starting at start, laid out as the
// given sector regions in order.
func NewMemory(start, pageSize uint32, layout ...SectorRegion) (*Memory, error) {
	if pageSize == 0 {
		return nil, errors.New("page size cannot be zero")
	}
	if len(layout) == 0 {
		return nil, errors.New("flash layout cannot be empty")
	}

	m := &Memory{
		start:    start,
		pageSize: pageSize,
		erases:   make(map[uint32]int),
	}

	addr := uint64(start)
	for _, region := range layout {
		if region.Size == 0 || region.Size%pageSize != 0 {
			return nil, fmt.Errorf("sector size %d is not a multiple of page size %d", region.Size, pageSize)
		}
		for i := uint32(0); i < region.Count; i++ {
			if addr+uint64(region.Size) > 0xFFFFFFFF {
				return nil, fmt.Errorf("flash layout overflows the 32-bit address space at 0x%08x", addr)
			}
			m.sectors = append(m.sectors, sector{addr: uint32(addr), size: region.Size})
			addr += uint64(region.Size)
		}
	}
	if len(m.sectors) == 0 {
		return nil, errors.New("flash layout has no sectors")
	}

	m.data = make([]byte, addr-uint64(start))
	for i := range m.data {
		m.data[i] = erasedByte
	}

	return m, nil
}

func (m *Memory) Start() uint32 { return m.start }

func (m *Memory) Size() uint32 { return uint32(len(m.data)) }

func (m *Memory) PageSize() uint32 { return m.pageSize }

func (m *Memory) ErasedValue() byte { return erasedByte }

func (m *Memory) SectorSize(addr uint32) uint32 {
	if s, ok := m.sectorAt(addr); ok {
		return s.size
	}
	return 0
}

// SetVerifyAfterProgram makes the memory request read-back verification.
func (m *Memory) SetVerifyAfterProgram(verify bool) {
	m.verify = verify
}

func (m *Memory) VerifyAfterProgram() bool { return m.verify }

func (m *Memory) Read(buf []byte, addr uint32) error {
	off, err := m.offset(addr, len(buf))
	if err != nil {
		return err
	}
	if m.FailRead != nil {
		if err := m.FailRead(addr); err != nil {
			return err
		}
	}
	copy(buf, m.data[off:])
	return nil
}

func (m *Memory) Program(buf []byte, addr uint32) error {
	off, err := m.offset(addr, len(buf))
	if err != nil {
		return err
	}
	if addr%m.pageSize != 0 || uint32(len(buf))%m.pageSize != 0 {
		return fmt.Errorf("%w: program 0x%08x (%d bytes)", ErrUnaligned, addr, len(buf))
	}
	if m.FailProgram != nil {
		if err := m.FailProgram(addr); err != nil {
			return err
		}
	}
	for i, b := range m.data[off : off+len(buf)] {
		if b != erasedByte {
			return fmt.Errorf("%w: 0x%08x", ErrNotErased, addr+uint32(i))
		}
	}
	copy(m.data[off:], buf)
	m.programs++
	return nil
}

func (m *Memory) Erase(addr, length uint32) error {
	off, err := m.offset(addr, int(length))
	if err != nil {
		return err
	}
	first, ok := m.sectorAt(addr)
	if !ok || first.addr != addr {
		return fmt.Errorf("%w: erase 0x%08x is not a sector boundary", ErrUnaligned, addr)
	}

	end := uint64(addr) + uint64(length)
	var erased []uint32
	for cur := uint64(addr); cur < end; {
		s, _ := m.sectorAt(uint32(cur))
		if s.end() > end {
			return fmt.Errorf("%w: erase end 0x%08x is not a sector boundary", ErrUnaligned, end)
		}
		erased = append(erased, s.addr)
		cur = s.end()
	}

	if m.FailErase != nil {
		if err := m.FailErase(addr); err != nil {
			return err
		}
	}
	for i := off; i < off+int(length); i++ {
		m.data[i] = erasedByte
	}
	for _, s := range erased {
		m.erases[s]++
	}
	return nil
}

// Load copies data to addr without erase or alignment rules.
func (m *Memory) Load(addr uint32, data []byte) error {
	off, err := m.offset(addr, len(data))
	if err != nil {
		return err
	}
	copy(m.data[off:], data)
	return nil
}

// Bytes returns a copy of the whole flash content.
func (m *Memory) Bytes() []byte {
	out := make([]byte, len(m.data))
	copy(out, m.data)
	return out
}

// EraseCount returns how many times the sector starting at addr was erased.
func (m *Memory) EraseCount(addr uint32) int {
	return m.erases[addr]
}

// TotalErases returns the number of sector erases performed.
func (m *Memory) TotalErases() int {
	total := 0
	for _, n := range m.erases {
		total += n
	}
	return total
}

// Programs returns the number of successful program operations.
func (m *Memory) Programs() int {
	return m.programs
}

func (m *Memory) sectorAt(addr uint32) (sector, bool) {
	i := sort.Search(len(m.sectors), func(i int) bool {
		return m.sectors[i].end() > uint64(addr)
	})
	if i == len(m.sectors) || addr < m.sectors[i].addr {
		return sector{}, false
	}
	return m.sectors[i], true
}

func (m *Memory) offset(addr uint32, length int) (int, error) {
	if addr < m.start || uint64(addr)+uint64(length) > uint64(m.start)+uint64(len(m.data)) {
		return 0, fmt.Errorf("%w: 0x%08x (%d bytes)", ErrOutOfRange, addr, length)
	}
	return int(addr - m.start), nil
}
