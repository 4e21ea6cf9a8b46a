// Package kernel models the target image the monitor inspects: a 32-bit
// machine with physical memory, two-level page translation and a kernel
// stack linked through saved frame pointers.
//
// The whole image is single-writer state. The monitor assumes it has
// exclusive access to the machine while running; nothing here locks.
package kernel

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/go-kmon/kmon/pkg/logflags"
)

// KernBase is the virtual address at which physical address zero is
// mapped. The physical-to-virtual offset of the kernel window is fixed.
const KernBase uint32 = 0xF0000000

const (
	// Physical layout of the boot image: the page directory, the boot
	// stack and the frame allocator's pool.
	pgdirBase    = 0x1000
	bootStackTop = 0x8000
	allocBase    = 0x10000

	minPhysSize = 0x20000
)

// Layout records the image's section marks, as virtual addresses.
type Layout struct {
	Entry uint32
	Etext uint32
	Edata uint32
	End   uint32
}

// Kernel is a booted target image.
type Kernel struct {
	mem   *Memory
	alloc *frameAllocator
	pgdir uint32 // physical address of the page directory
	fp    uint32 // current frame pointer, virtual

	stackTop uint32 // virtual top of the boot stack

	// Layout is set at boot and read by the kerninfo command.
	Layout Layout

	log *logrus.Entry
}

// New boots an image with the given amount of physical memory and maps
// [KernBase, KernBase+physSize) onto physical [0, physSize).
func New(physSize uint32) (*Kernel, error) {
	if physSize < minPhysSize {
		return nil, fmt.Errorf("physical memory too small: %#x bytes (minimum %#x)", physSize, minPhysSize)
	}
	mem := NewMemory(physSize)
	k := &Kernel{
		mem:      mem,
		alloc:    newFrameAllocator(mem, allocBase, mem.Size()),
		pgdir:    pgdirBase,
		stackTop: KernBase + bootStackTop,
		log:      logflags.KernelLogger(),
	}
	if err := k.MapPages(KernBase, 0, mem.Size(), EntryPresent|EntryWritable); err != nil {
		return nil, fmt.Errorf("mapping kernel window: %v", err)
	}
	k.Layout = Layout{
		Entry: KernBase + pgdirBase,
		Etext: KernBase + allocBase,
		Edata: KernBase + allocBase + PageSize,
		End:   KernBase + allocBase + 2*PageSize,
	}
	k.log.Debugf("booted image: phys=%#x pgdir=%#x", mem.Size(), k.pgdir)
	return k, nil
}

// Mem returns the physical memory of the image.
func (k *Kernel) Mem() *Memory { return k.mem }

// VirtMem returns a virtual view of memory through the active tables.
func (k *Kernel) VirtMem() *VirtMem { return NewVirtMem(k.mem, k.pgdir) }

// PageDir returns the physical address of the active page directory.
func (k *Kernel) PageDir() uint32 { return k.pgdir }

// Walk returns the leaf translation entry slot for va. With create set,
// absent intermediate tables are materialized from the frame allocator.
func (k *Kernel) Walk(va uint32, create bool) (EntryRef, error) {
	var alloc *frameAllocator
	if create {
		alloc = k.alloc
	}
	ref, err := Walk(k.mem, k.pgdir, va, create, alloc)
	if err == nil && logflags.Paging() {
		logflags.PagingLogger().Debugf("walk va=%#08x create=%v entry=%#08x", va, create, uint32(ref.Load()))
	}
	return ref, err
}

// MapPages installs mappings for [va, va+size) onto [pa, pa+size) with the
// given flags, allocating intermediate tables as needed.
func (k *Kernel) MapPages(va, pa, size uint32, flags Entry) error {
	a := PageRoundDown(va)
	last := PageRoundDown(va + size - 1)
	for {
		ref, err := Walk(k.mem, k.pgdir, a, true, k.alloc)
		if err != nil {
			return err
		}
		ref.Store(Entry(pa) | flags | EntryPresent)
		if a == last {
			break
		}
		a += PageSize
		pa += PageSize
	}
	k.log.Debugf("mapped va=%#08x size=%#x flags=%#x", PageRoundDown(va), size, uint32(flags))
	return nil
}

// KAddr converts a physical address to its kernel-window virtual address.
func (k *Kernel) KAddr(pa uint32) (uint32, error) {
	if pa >= k.mem.Size() {
		return 0, OutOfRangeError{Addr: pa}
	}
	return KernBase + pa, nil
}

// PAddr converts a kernel-window virtual address back to physical.
func (k *Kernel) PAddr(va uint32) (uint32, error) {
	if va < KernBase || va-KernBase >= k.mem.Size() {
		return 0, fmt.Errorf("virtual address %#08x outside the kernel window", va)
	}
	return va - KernBase, nil
}

// FramePointer returns the current frame pointer.
func (k *Kernel) FramePointer() uint32 { return k.fp }

// SetFramePointer sets the current frame pointer.
func (k *Kernel) SetFramePointer(fp uint32) { k.fp = fp }

// Backtrace returns an iterator over the current frame chain. Each call
// re-reads live stack state.
func (k *Kernel) Backtrace(maxDepth int) *FrameIterator {
	return NewFrameIterator(k.VirtMem(), k.fp, maxDepth)
}

// PushFrame lays down a stack frame below the current one and makes it
// current. The new frame saves the previous frame pointer, so walking the
// chain visits frames innermost first and terminates at zero.
func (k *Kernel) PushFrame(ret uint32, args [FrameArgWords]uint32) error {
	const frameSpan = argsOffset + FrameArgWords*4
	fp := k.stackTop - frameSpan
	if k.fp != 0 {
		fp = k.fp - frameSpan
	}
	vm := k.VirtMem()
	if err := vm.WriteWord(fp, k.fp); err != nil {
		return err
	}
	if err := vm.WriteWord(fp+retOffset, ret); err != nil {
		return err
	}
	for i, a := range args {
		if err := vm.WriteWord(fp+argsOffset+uint32(i)*4, a); err != nil {
			return err
		}
	}
	k.fp = fp
	return nil
}
