package terminal

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
	"testing"

	"github.com/go-kmon/kmon/pkg/config"
	"github.com/go-kmon/kmon/pkg/kernel"
	"github.com/go-kmon/kmon/pkg/symbols"
)

const testTextBase = kernel.KernBase + 0x10000

func newTestTerm(t *testing.T) (*Term, *bytes.Buffer) {
	t.Helper()
	kern, err := kernel.New(1 << 20)
	if err != nil {
		t.Fatalf("boot failed: %v", err)
	}
	syms := symbols.NewTable([]symbols.Func{
		{Name: "_start", Entry: testTextBase, End: testTextBase + 0x40, File: "kern/start.S",
			Lines: []symbols.LineMark{{Addr: testTextBase, Line: 12}}},
		{Name: "kmain", Entry: testTextBase + 0x40, End: testTextBase + 0x180, File: "kern/main.c",
			Lines: []symbols.LineMark{{Addr: testTextBase + 0x40, Line: 18}, {Addr: testTextBase + 0x90, Line: 31}}},
		{Name: "sched_yield", Entry: testTextBase + 0x180, End: testTextBase + 0x220, File: "kern/sched.c",
			Lines: []symbols.LineMark{{Addr: testTextBase + 0x180, Line: 7}}},
	})
	buf := new(bytes.Buffer)
	term := &Term{
		kern:   kern,
		conf:   &config.Config{},
		prompt: "K> ",
		stdout: buf,
	}
	term.cmds = DebugCommands(kern, syms, syms)
	return term, buf
}

func call(t *testing.T, term *Term, buf *bytes.Buffer, line string) string {
	t.Helper()
	buf.Reset()
	if err := term.cmds.Call(line, term); err != nil {
		t.Fatalf("%q failed: %v", line, err)
	}
	return buf.String()
}

func TestHelpListsEveryCommandOnceInOrder(t *testing.T) {
	term, buf := newTestTerm(t)
	out := call(t, term, buf, "help")

	lines := strings.Split(out, "\n")
	prev := -1
	for _, cmd := range term.cmds.cmds {
		name := cmd.aliases[0]
		found := -1
		count := 0
		for i, line := range lines {
			if strings.HasPrefix(strings.TrimSpace(line), name+" ") {
				found = i
				count++
			}
		}
		if count != 1 {
			t.Fatalf("command %q listed %d times", name, count)
		}
		if found <= prev {
			t.Fatalf("command %q listed out of table order", name)
		}
		prev = found
	}
}

func TestHelpForSingleCommand(t *testing.T) {
	term, buf := newTestTerm(t)
	out := call(t, term, buf, "help dump")
	if !strings.Contains(out, "Dump the contents of a range of memory.") {
		t.Fatalf("unexpected help output: %q", out)
	}
}

func TestEmptyLineIsNoOp(t *testing.T) {
	term, buf := newTestTerm(t)
	for _, line := range []string{"", "   ", " \t "} {
		out := call(t, term, buf, line)
		if out != "" {
			t.Fatalf("blank input %q produced output %q", line, out)
		}
	}
}

func TestUnknownCommand(t *testing.T) {
	term, buf := newTestTerm(t)
	out := call(t, term, buf, "frobnicate now")
	if !strings.Contains(out, `Unknown command "frobnicate"`) {
		t.Fatalf("unexpected output: %q", out)
	}
}

func TestTooManyArguments(t *testing.T) {
	term, buf := newTestTerm(t)
	out := call(t, term, buf, strings.Repeat("x ", maxArgs+1))
	if !strings.Contains(out, "Too many arguments (max 16)") {
		t.Fatalf("unexpected output: %q", out)
	}
}

func TestShowmappingsUnmappedSinglePage(t *testing.T) {
	term, buf := newTestTerm(t)
	out := call(t, term, buf, "showmappings 0x1000 0x1000")
	if out != "Page 0x00001000 has no mapping\n" {
		t.Fatalf("unexpected output: %q", out)
	}
}

func TestShowmappingsLineCount(t *testing.T) {
	term, buf := newTestTerm(t)

	// Four pages lie between the page of start and the page of end,
	// end-inclusive even though end is not page aligned.
	start := kernel.KernBase + 0x100
	end := kernel.KernBase + 0x3005
	out := call(t, term, buf, fmt.Sprintf("showmappings %#x %#x", start, end))
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(lines) != 4 {
		t.Fatalf("got %d lines, want 4:\n%s", len(lines), out)
	}
	for _, line := range lines {
		if !strings.HasPrefix(line, "VA 0x") {
			t.Fatalf("unexpected line %q", line)
		}
	}
}

func TestShowmappingsUsage(t *testing.T) {
	term, buf := newTestTerm(t)
	out := call(t, term, buf, "showmappings 0x1000")
	if !strings.Contains(out, "showmappings <start> <end>") {
		t.Fatalf("unexpected output: %q", out)
	}
}

func TestSetpermToggleTwiceRestores(t *testing.T) {
	term, buf := newTestTerm(t)

	addr := fmt.Sprintf("%#x", kernel.KernBase+0x2000)
	ref, err := term.kern.Walk(kernel.KernBase+0x2000, false)
	if err != nil {
		t.Fatalf("walk failed: %v", err)
	}
	orig := ref.Load()

	out := call(t, term, buf, "setperm "+addr+" toggle U")
	if !strings.Contains(out, "BEFORE:") || !strings.Contains(out, "AFTER:") {
		t.Fatalf("missing flag snapshots: %q", out)
	}
	if ref.Load() == orig {
		t.Fatalf("toggle did not change the entry")
	}
	call(t, term, buf, "setperm "+addr+" toggle U")
	if got := ref.Load(); got != orig {
		t.Fatalf("toggle twice changed the entry: %#x -> %#x", uint32(orig), uint32(got))
	}
}

func TestSetpermClearThenSet(t *testing.T) {
	term, buf := newTestTerm(t)

	addr := fmt.Sprintf("%#x", kernel.KernBase+0x3000)
	ref, err := term.kern.Walk(kernel.KernBase+0x3000, false)
	if err != nil {
		t.Fatalf("walk failed: %v", err)
	}

	call(t, term, buf, "setperm "+addr+" clear W")
	call(t, term, buf, "setperm "+addr+" clear W")
	if ref.Load().Writable() {
		t.Fatalf("writable still set after clear")
	}
	call(t, term, buf, "setperm "+addr+" set W")
	if !ref.Load().Writable() {
		t.Fatalf("writable not set after set")
	}
}

func TestSetpermRejectsUnknownSelectors(t *testing.T) {
	term, buf := newTestTerm(t)

	addr := fmt.Sprintf("%#x", kernel.KernBase+0x2000)
	ref, _ := term.kern.Walk(kernel.KernBase+0x2000, false)
	orig := ref.Load()

	out := call(t, term, buf, "setperm "+addr+" set X")
	if !strings.Contains(out, `unknown permission bit "X"`) {
		t.Fatalf("unexpected output: %q", out)
	}
	out = call(t, term, buf, "setperm "+addr+" flip W")
	if !strings.Contains(out, `unknown mode "flip"`) {
		t.Fatalf("unexpected output: %q", out)
	}
	if ref.Load() != orig {
		t.Fatalf("rejected edit still changed the entry")
	}
}

func TestSetpermUnmapped(t *testing.T) {
	term, buf := newTestTerm(t)
	out := call(t, term, buf, "setperm 0x5000 set W")
	if !strings.Contains(out, "Page 0x00005000 has no mapping") {
		t.Fatalf("unexpected output: %q", out)
	}
}

var dumpLineRe = regexp.MustCompile(`^0x([0-9a-f]{8}): (0x[0-9a-f]{8})$`)

func dumpValues(t *testing.T, out string) []string {
	t.Helper()
	vals := []string{}
	for _, line := range strings.Split(strings.TrimRight(out, "\n"), "\n") {
		m := dumpLineRe.FindStringSubmatch(line)
		if m == nil {
			t.Fatalf("unexpected dump line %q", line)
		}
		vals = append(vals, m[2])
	}
	return vals
}

func TestDumpPhysAndVirtAgree(t *testing.T) {
	term, buf := newTestTerm(t)

	for i := uint32(0); i < 8; i++ {
		if err := term.kern.Mem().WriteWord(0x3000+i*4, 0xC0DE0000|i); err != nil {
			t.Fatalf("write failed: %v", err)
		}
	}

	phys := dumpValues(t, call(t, term, buf, "dump P 0x3000 0x301f"))
	virt := dumpValues(t, call(t, term, buf, fmt.Sprintf("dump V %#x %#x", kernel.KernBase+0x3000, kernel.KernBase+0x301f)))

	if len(phys) != 8 || len(virt) != 8 {
		t.Fatalf("got %d phys and %d virt words, want 8 each", len(phys), len(virt))
	}
	for i := range phys {
		if phys[i] != virt[i] {
			t.Fatalf("word %d: phys %s != virt %s", i, phys[i], virt[i])
		}
	}
	if phys[0] != "0xc0de0000" {
		t.Fatalf("first word %s, want 0xc0de0000", phys[0])
	}
}

func TestDumpReportsBadAddressAndContinues(t *testing.T) {
	term, buf := newTestTerm(t)

	// The kernel window of the test image ends at KernBase+1MB; the scan
	// crosses it.
	winEnd := kernel.KernBase + 1<<20
	out := call(t, term, buf, fmt.Sprintf("dump V %#x %#x", winEnd-4, winEnd+3))
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2:\n%s", len(lines), out)
	}
	if !dumpLineRe.MatchString(lines[0]) {
		t.Fatalf("first line should be a value: %q", lines[0])
	}
	if !strings.HasSuffix(lines[1], "bad address") {
		t.Fatalf("second line should report a bad address: %q", lines[1])
	}
}

func TestDumpUnknownSpace(t *testing.T) {
	term, buf := newTestTerm(t)
	out := call(t, term, buf, "dump X 0 0")
	if !strings.Contains(out, `unknown address space "X"`) {
		t.Fatalf("unexpected output: %q", out)
	}
}

func TestMalformedAddress(t *testing.T) {
	term, buf := newTestTerm(t)
	out := call(t, term, buf, "showmappings nope 0x1000")
	if !strings.Contains(out, `malformed address "nope"`) {
		t.Fatalf("unexpected output: %q", out)
	}
}

func TestBacktraceSentinels(t *testing.T) {
	term, buf := newTestTerm(t)

	rets := []uint32{testTextBase + 0x20, testTextBase + 0x90, testTextBase + 0x1a0}
	for i, ret := range rets {
		args := [kernel.FrameArgWords]uint32{uint32(i), uint32(i) + 1, uint32(i) + 2, uint32(i) + 3, uint32(i) + 4}
		if err := term.kern.PushFrame(ret, args); err != nil {
			t.Fatalf("push frame: %v", err)
		}
	}

	out := call(t, term, buf, "backtrace")
	if !strings.HasPrefix(out, "Stack backtrace:\n") {
		t.Fatalf("missing header: %q", out)
	}
	var frameLines, symLines []string
	for _, line := range strings.Split(out, "\n") {
		switch {
		case strings.HasPrefix(line, "  fp "):
			frameLines = append(frameLines, line)
		case strings.HasPrefix(line, "         "):
			symLines = append(symLines, line)
		}
	}
	if len(frameLines) != len(rets) || len(symLines) != len(rets) {
		t.Fatalf("got %d frame and %d symbol lines, want %d each:\n%s", len(frameLines), len(symLines), len(rets), out)
	}
	// Innermost frame first: the last pushed return address leads.
	if !strings.Contains(frameLines[0], fmt.Sprintf("ra %08x", rets[2])) {
		t.Fatalf("first frame %q does not return to %#x", frameLines[0], rets[2])
	}
	if !strings.Contains(frameLines[0], "args 00000002 00000003 00000004 00000005 00000006") {
		t.Fatalf("first frame args wrong: %q", frameLines[0])
	}
	if !strings.Contains(symLines[0], "kern/sched.c:7: sched_yield+32") {
		t.Fatalf("first symbol line wrong: %q", symLines[0])
	}
	if !strings.Contains(symLines[2], "kern/start.S:12: _start+32") {
		t.Fatalf("outermost symbol line wrong: %q", symLines[2])
	}
}

func TestBacktraceDepthCap(t *testing.T) {
	term, buf := newTestTerm(t)

	fp := kernel.KernBase + 0x7000
	if err := term.kern.VirtMem().WriteWord(fp, fp); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	term.kern.SetFramePointer(fp)
	depth := 3
	term.conf.MaxBacktraceDepth = &depth

	out := call(t, term, buf, "backtrace")
	if got := strings.Count(out, "  fp "); got != depth {
		t.Fatalf("got %d frames, want %d:\n%s", got, depth, out)
	}
	if !strings.Contains(out, "truncated after 3 frames") {
		t.Fatalf("missing truncation notice: %q", out)
	}
}

func TestSymPrefixLookup(t *testing.T) {
	term, buf := newTestTerm(t)
	out := call(t, term, buf, "sym k")
	if !strings.Contains(out, "kmain") || !strings.Contains(out, "kern/main.c:18") {
		t.Fatalf("unexpected output: %q", out)
	}
	out = call(t, term, buf, "sym zz")
	if !strings.Contains(out, `no functions matching "zz"`) {
		t.Fatalf("unexpected output: %q", out)
	}
}

func TestExitCommand(t *testing.T) {
	term, buf := newTestTerm(t)
	buf.Reset()
	for _, line := range []string{"exit", "quit", "q"} {
		err := term.cmds.Call(line, term)
		if _, ok := err.(ExitRequestError); !ok {
			t.Fatalf("%q returned %v, want ExitRequestError", line, err)
		}
	}
}

func TestAliasMerge(t *testing.T) {
	term, buf := newTestTerm(t)
	term.cmds.Merge(map[string][]string{"backtrace": {"where"}})
	out := call(t, term, buf, "where")
	if !strings.HasPrefix(out, "Stack backtrace:") {
		t.Fatalf("merged alias did not dispatch: %q", out)
	}
}

func TestConfigureSetAndList(t *testing.T) {
	term, buf := newTestTerm(t)

	out := call(t, term, buf, "config -list")
	if !strings.Contains(out, "max-backtrace-depth") || !strings.Contains(out, "<not defined>") {
		t.Fatalf("unexpected -list output: %q", out)
	}

	call(t, term, buf, "config max-backtrace-depth 8")
	if term.conf.MaxBacktraceDepth == nil || *term.conf.MaxBacktraceDepth != 8 {
		t.Fatalf("max-backtrace-depth not set: %v", term.conf.MaxBacktraceDepth)
	}

	call(t, term, buf, "config prompt (mon)")
	if term.prompt != "(mon)" {
		t.Fatalf("prompt not updated: %q", term.prompt)
	}

	if err := term.cmds.Call("config nosuch 1", term); err == nil {
		t.Fatalf("setting an unknown parameter should fail")
	}
}
