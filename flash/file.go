package flash

import (
	"fmt"
	"io"
	"os"
)

// File is a Memory persisted to a flat image file, one byte per flash
// byte starting at the flash start address. It lets host tools operate on
// a dump of the device flash.
type File struct {
	*Memory
	file *os.File
}

// OpenFile opens or creates the image at path. A missing or short file is
// extended with erased bytes.
func OpenFile(path string, start, pageSize uint32, layout ...SectorRegion) (*File, error) {
	mem, err := NewMemory(start, pageSize, layout...)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open flash image: %w", err)
	}

	n, err := f.ReadAt(mem.data, 0)
	if err != nil && err != io.EOF {
		_ = f.Close()
		return nil, fmt.Errorf("read flash image: %w", err)
	}
	if n < len(mem.data) {
		if _, err := f.WriteAt(mem.data[n:], int64(n)); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("extend flash image: %w", err)
		}
	}

	return &File{Memory: mem, file: f}, nil
}

func (f *File) Program(buf []byte, addr uint32) error {
	if err := f.Memory.Program(buf, addr); err != nil {
		return err
	}
	return f.persist(addr, uint32(len(buf)))
}

func (f *File) Erase(addr, length uint32) error {
	if err := f.Memory.Erase(addr, length); err != nil {
		return err
	}
	return f.persist(addr, length)
}

func (f *File) Load(addr uint32, data []byte) error {
	if err := f.Memory.Load(addr, data); err != nil {
		return err
	}
	return f.persist(addr, uint32(len(data)))
}

// Close flushes and closes the image file.
func (f *File) Close() error {
	if err := f.file.Sync(); err != nil {
		_ = f.file.Close()
		return fmt.Errorf("sync flash image: %w", err)
	}
	return f.file.Close()
}

func (f *File) persist(addr, length uint32) error {
	off := int(addr - f.start)
	if _, err := f.file.WriteAt(f.data[off:off+int(length)], int64(off)); err != nil {
		return fmt.Errorf("write flash image at 0x%08x: %w", addr, err)
	}
	return nil
}
