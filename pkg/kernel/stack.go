package kernel

// Frame layout: the word at the frame pointer holds the caller's frame
// pointer, the word above it the return address, and the five words above
// that the start of the argument area.
const (
	retOffset  = 4
	argsOffset = 8

	// FrameArgWords is the number of argument-area words captured per frame.
	FrameArgWords = 5
)

// Stackframe is one reconstructed frame of the kernel stack. It is derived
// from live stack memory on each walk and is not a persisted structure.
type Stackframe struct {
	// FP is the frame pointer for this frame.
	FP uint32
	// Ret is the address the frame will return to.
	Ret uint32
	// Args holds the first words of the frame's argument area.
	Args [FrameArgWords]uint32
}

// FrameIterator walks a chain of saved frame pointers. The chain terminates
// when a frame pointer of zero is reached, the outermost-frame convention.
// A corrupted chain that never reaches zero will not terminate on its own;
// that is an inherent limit of frame-pointer unwinding. Callers that need a
// guard can set maxDepth.
type FrameIterator struct {
	mem       WordReader
	fp        uint32
	maxDepth  int
	depth     int
	frame     Stackframe
	err       error
	atend     bool
	truncated bool
}

// NewFrameIterator returns an iterator over the frame chain starting at fp.
// A maxDepth of zero leaves the walk unbounded.
func NewFrameIterator(mem WordReader, fp uint32, maxDepth int) *FrameIterator {
	return &FrameIterator{mem: mem, fp: fp, maxDepth: maxDepth}
}

// Next advances the iterator to the next frame.
func (it *FrameIterator) Next() bool {
	if it.err != nil || it.atend {
		return false
	}
	if it.fp == 0 {
		it.atend = true
		return false
	}
	if it.maxDepth > 0 && it.depth >= it.maxDepth {
		it.atend = true
		it.truncated = true
		return false
	}

	ret, err := it.mem.ReadWord(it.fp + retOffset)
	if err != nil {
		it.err = err
		return false
	}
	var args [FrameArgWords]uint32
	for i := range args {
		args[i], err = it.mem.ReadWord(it.fp + argsOffset + uint32(i)*4)
		if err != nil {
			it.err = err
			return false
		}
	}
	it.frame = Stackframe{FP: it.fp, Ret: ret, Args: args}
	it.depth++

	next, err := it.mem.ReadWord(it.fp)
	if err != nil {
		// The frame itself was readable; emit it and stop after.
		it.err = err
		it.atend = true
		return true
	}
	it.fp = next
	return true
}

// Frame returns the frame the iterator is pointing at.
func (it *FrameIterator) Frame() Stackframe {
	return it.frame
}

// Err returns the error that ended iteration, if any. Frames produced
// before the error stand.
func (it *FrameIterator) Err() error {
	return it.err
}

// Truncated reports whether the walk was cut short by the depth bound.
func (it *FrameIterator) Truncated() bool {
	return it.truncated
}
