package kernel

import (
	"errors"
	"fmt"
)

// Two-level translation in the 32-bit x86 tradition: a virtual address is a
// 10-bit directory index, a 10-bit table index and a 12-bit page offset.
const (
	PageShift = 12
	PageSize  = 1 << PageShift

	pdxShift = 22
	ptxShift = 12

	entryBytes = 4
)

// Entry is a single translation entry: a page-aligned physical frame base
// plus flag bits in the low twelve bits.
type Entry uint32

const (
	EntryPresent  Entry = 0x1
	EntryWritable Entry = 0x2
	EntryUser     Entry = 0x4
)

// Present reports whether the mapping exists.
func (e Entry) Present() bool { return e&EntryPresent != 0 }

// Writable reports whether the mapped page can be written.
func (e Entry) Writable() bool { return e&EntryWritable != 0 }

// User reports whether the mapped page is accessible from unprivileged code.
func (e Entry) User() bool { return e&EntryUser != 0 }

// Frame returns the physical frame base address encoded in the entry.
func (e Entry) Frame() uint32 { return uint32(e) &^ (PageSize - 1) }

// PageRoundDown returns the base address of the page containing addr.
func PageRoundDown(addr uint32) uint32 { return addr &^ (PageSize - 1) }

// PageRoundUp rounds addr up to the next page boundary.
func PageRoundUp(addr uint32) uint32 { return (addr + PageSize - 1) &^ (PageSize - 1) }

func pdx(va uint32) uint32 { return va >> pdxShift }
func ptx(va uint32) uint32 { return (va >> ptxShift) & 0x3FF }

// ErrNoMapping is returned when a translation is absent at some level of
// the hierarchy.
var ErrNoMapping = errors.New("no mapping")

// ErrOutOfFrames is returned when the frame allocator is exhausted while
// materializing an intermediate table.
var ErrOutOfFrames = errors.New("out of free frames")

// BadAddressError is returned by VirtMem for accesses through an absent
// translation.
type BadAddressError struct {
	Addr uint32
}

func (e BadAddressError) Error() string {
	return fmt.Sprintf("bad address %#08x", e.Addr)
}

// EntryRef is a handle to a translation entry slot. It refers to the slot
// itself, not a copy, so stores through it edit the live table.
type EntryRef struct {
	mem  WordReadWriter
	addr uint32 // physical address of the entry word
}

// Load reads the current entry value.
// The slot address was bounds checked when the ref was created.
func (r EntryRef) Load() Entry {
	w, _ := r.mem.ReadWord(r.addr)
	return Entry(w)
}

// Store replaces the entry value in place.
func (r EntryRef) Store(e Entry) {
	r.mem.WriteWord(r.addr, uint32(e))
}

// frameAllocator hands out zeroed page frames from a free list over a
// reserved physical region.
type frameAllocator struct {
	mem      *Memory
	freelist []uint32
}

func newFrameAllocator(mem *Memory, start, end uint32) *frameAllocator {
	a := &frameAllocator{mem: mem}
	for pa := PageRoundUp(start); pa+PageSize <= end; pa += PageSize {
		a.freelist = append(a.freelist, pa)
	}
	return a
}

func (a *frameAllocator) Alloc() (uint32, error) {
	if len(a.freelist) == 0 {
		return 0, ErrOutOfFrames
	}
	pa := a.freelist[len(a.freelist)-1]
	a.freelist = a.freelist[:len(a.freelist)-1]
	a.mem.clearPage(pa)
	return pa, nil
}

func (a *frameAllocator) Free(pa uint32) {
	a.freelist = append(a.freelist, PageRoundDown(pa))
}

// Walk returns the leaf translation entry slot for va in the hierarchy
// rooted at pgdir. With create set, an absent second-level table is
// allocated, zeroed and linked in with Present|Writable|User before the
// walk proceeds. Without create, an absent directory entry means the whole
// region covered by that entry is unmapped and ErrNoMapping is returned
// without allocating anything.
//
// Precondition: no other execution context concurrently modifies the table.
func Walk(mem *Memory, pgdir uint32, va uint32, create bool, alloc *frameAllocator) (EntryRef, error) {
	pdeAddr := pgdir + pdx(va)*entryBytes
	w, err := mem.ReadWord(pdeAddr)
	if err != nil {
		return EntryRef{}, err
	}
	pde := Entry(w)
	if !pde.Present() {
		if !create {
			return EntryRef{}, ErrNoMapping
		}
		if alloc == nil {
			return EntryRef{}, ErrOutOfFrames
		}
		pt, err := alloc.Alloc()
		if err != nil {
			return EntryRef{}, err
		}
		pde = Entry(pt) | EntryPresent | EntryWritable | EntryUser
		if err := mem.WriteWord(pdeAddr, uint32(pde)); err != nil {
			return EntryRef{}, err
		}
	}
	return EntryRef{mem: mem, addr: pde.Frame() + ptx(va)*entryBytes}, nil
}

// Translate resolves va to its physical address, without creating.
func Translate(mem *Memory, pgdir uint32, va uint32) (uint32, error) {
	ref, err := Walk(mem, pgdir, va, false, nil)
	if err != nil {
		return 0, err
	}
	e := ref.Load()
	if !e.Present() {
		return 0, ErrNoMapping
	}
	return e.Frame() | va&(PageSize-1), nil
}

// VirtMem is a word-addressed view of physical memory through a page-table
// hierarchy. Every access translates without creating; accesses through an
// absent translation fail with BadAddressError.
type VirtMem struct {
	mem   *Memory
	pgdir uint32
}

// NewVirtMem returns a virtual view of mem through the tables rooted at pgdir.
func NewVirtMem(mem *Memory, pgdir uint32) *VirtMem {
	return &VirtMem{mem: mem, pgdir: pgdir}
}

// ReadWord loads the word at virtual address va.
func (v *VirtMem) ReadWord(va uint32) (uint32, error) {
	pa, err := Translate(v.mem, v.pgdir, va)
	if err != nil {
		return 0, BadAddressError{Addr: va}
	}
	return v.mem.ReadWord(pa)
}

// WriteWord stores w at virtual address va.
func (v *VirtMem) WriteWord(va uint32, w uint32) error {
	pa, err := Translate(v.mem, v.pgdir, va)
	if err != nil {
		return BadAddressError{Addr: va}
	}
	return v.mem.WriteWord(pa, w)
}
