package kernel

import (
	"encoding/binary"
	"fmt"
)

// WordReader reads 32-bit words from an address space.
type WordReader interface {
	ReadWord(addr uint32) (uint32, error)
}

// WordReadWriter is a WordReader that can also store words.
type WordReadWriter interface {
	WordReader
	WriteWord(addr uint32, w uint32) error
}

// OutOfRangeError is returned for accesses past the end of physical memory.
type OutOfRangeError struct {
	Addr uint32
}

func (e OutOfRangeError) Error() string {
	return fmt.Sprintf("physical address %#08x out of range", e.Addr)
}

// Memory is the physical memory of the target image. All raw access to the
// backing array is bounds checked here; no other file does byte-level
// address arithmetic.
type Memory struct {
	data []byte
}

// NewMemory allocates a zeroed physical memory of the given size, rounded
// up to a whole number of pages.
func NewMemory(size uint32) *Memory {
	return &Memory{data: make([]byte, PageRoundUp(size))}
}

// Size returns the size of physical memory in bytes.
func (m *Memory) Size() uint32 {
	return uint32(len(m.data))
}

// ReadWord loads the little-endian word at pa.
func (m *Memory) ReadWord(pa uint32) (uint32, error) {
	if m.Size() < 4 || pa > m.Size()-4 {
		return 0, OutOfRangeError{Addr: pa}
	}
	return binary.LittleEndian.Uint32(m.data[pa:]), nil
}

// WriteWord stores w at pa in little-endian byte order.
func (m *Memory) WriteWord(pa uint32, w uint32) error {
	if m.Size() < 4 || pa > m.Size()-4 {
		return OutOfRangeError{Addr: pa}
	}
	binary.LittleEndian.PutUint32(m.data[pa:], w)
	return nil
}

// ReadMemory is just like io.ReaderAt.ReadAt over physical memory.
func (m *Memory) ReadMemory(buf []byte, pa uint32) (int, error) {
	if uint64(pa)+uint64(len(buf)) > uint64(m.Size()) {
		return 0, OutOfRangeError{Addr: pa}
	}
	copy(buf, m.data[pa:])
	return len(buf), nil
}

func (m *Memory) clearPage(pa uint32) {
	for i := uint32(0); i < PageSize; i += 4 {
		binary.LittleEndian.PutUint32(m.data[pa+i:], 0)
	}
}
