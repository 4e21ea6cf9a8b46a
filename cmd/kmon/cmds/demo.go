package cmds

import (
	"fmt"

	"github.com/go-kmon/kmon/pkg/kernel"
	"github.com/go-kmon/kmon/pkg/symbols"
)

const demoMinPhys = 2 << 20

// bootDemoImage assembles a small inspectable image: a booted kernel with
// a symbol table for its text section and a staged call chain on the boot
// stack, so backtrace, showmappings and dump have something to show.
func bootDemoImage(physSize uint32) (*kernel.Kernel, *symbols.Table, error) {
	if physSize < demoMinPhys {
		return nil, nil, fmt.Errorf("demo image needs at least %dMB of physical memory", demoMinPhys>>20)
	}
	kern, err := kernel.New(physSize)
	if err != nil {
		return nil, nil, err
	}

	base := kernel.KernBase + 0x100000
	kern.Layout = kernel.Layout{
		Entry: base,
		Etext: base + 0x8000,
		Edata: base + 0xA000,
		End:   base + 0xC000,
	}

	funcs := []symbols.Func{
		{Name: "_start", Entry: base, End: base + 0x40, File: "kern/start.S",
			Lines: []symbols.LineMark{{Addr: base, Line: 12}, {Addr: base + 0x20, Line: 23}}},
		{Name: "kmain", Entry: base + 0x40, End: base + 0x180, File: "kern/main.c",
			Lines: []symbols.LineMark{{Addr: base + 0x40, Line: 18}, {Addr: base + 0x90, Line: 31}, {Addr: base + 0x120, Line: 44}}},
		{Name: "console_init", Entry: base + 0x180, End: base + 0x220, File: "kern/console.c",
			Lines: []symbols.LineMark{{Addr: base + 0x180, Line: 9}}},
		{Name: "console_putc", Entry: base + 0x220, End: base + 0x2A0, File: "kern/console.c",
			Lines: []symbols.LineMark{{Addr: base + 0x220, Line: 41}}},
		{Name: "sched_yield", Entry: base + 0x2A0, End: base + 0x340, File: "kern/sched.c",
			Lines: []symbols.LineMark{{Addr: base + 0x2A0, Line: 7}, {Addr: base + 0x2F0, Line: 15}}},
	}
	syms := symbols.NewTable(funcs)

	// Staged chain, outermost first: sched_yield called from kmain, called
	// from _start.
	chain := []struct {
		ret  uint32
		args [kernel.FrameArgWords]uint32
	}{
		{base + 0x26, [kernel.FrameArgWords]uint32{}},
		{base + 0x95, [kernel.FrameArgWords]uint32{1, 2, 3, 4, 5}},
		{base + 0x2F8, [kernel.FrameArgWords]uint32{0x10, 0x20, 0x30, 0x40, 0x50}},
	}
	for _, f := range chain {
		if err := kern.PushFrame(f.ret, f.args); err != nil {
			return nil, nil, err
		}
	}

	// A recognizable pattern in low memory for the dump command.
	for i := uint32(0); i < 16; i++ {
		if err := kern.Mem().WriteWord(0x2000+i*4, 0xC0DE0000|i); err != nil {
			return nil, nil, err
		}
	}

	return kern, syms, nil
}
