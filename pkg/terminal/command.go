// Package terminal implements functions for responding to user
// input and dispatching to appropriate monitor commands.
package terminal

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/sirupsen/logrus"

	"github.com/go-kmon/kmon/pkg/kernel"
	"github.com/go-kmon/kmon/pkg/logflags"
	"github.com/go-kmon/kmon/pkg/symbols"
)

// maxArgs bounds the number of whitespace-delimited tokens in one input
// line, command name included.
const maxArgs = 16

type cmdfunc func(t *Term, args []string) error

type command struct {
	aliases []string
	helpMsg string
	cmdFn   cmdfunc
}

// Returns true if the command string matches one of the aliases for this command
func (c command) match(cmdstr string) bool {
	for _, v := range c.aliases {
		if v == cmdstr {
			return true
		}
	}
	return false
}

// Commands represents the commands for the monitor console.
type Commands struct {
	cmds     []command
	kern     *kernel.Kernel
	resolver symbols.Resolver
	syms     *symbols.Table
	log      *logrus.Entry
}

// DebugCommands returns a Commands struct with default commands defined.
// syms may be nil when no symbol table is loaded; resolver must not be.
func DebugCommands(kern *kernel.Kernel, resolver symbols.Resolver, syms *symbols.Table) *Commands {
	c := &Commands{kern: kern, resolver: resolver, syms: syms, log: logflags.MonitorLogger()}

	c.cmds = []command{
		{aliases: []string{"help", "h"}, cmdFn: c.help, helpMsg: `Prints the help message.

	help [command]

Type "help" followed by the name of a command for more information about it.`},
		{aliases: []string{"kerninfo"}, cmdFn: c.kerninfo, helpMsg: "Display information about the kernel image."},
		{aliases: []string{"backtrace", "bt"}, cmdFn: c.backtrace, helpMsg: `Display a listing of function call frames.

Walks the chain of saved frame pointers from the current frame outward,
printing for every frame its frame pointer, return address and the first
five words of the argument area, followed by the source location the
return address resolves to. The walk ends at the outermost frame, marked
by a zero frame pointer. A corrupted chain that never reaches zero will
not terminate unless max-backtrace-depth is configured.`},
		{aliases: []string{"showmappings"}, cmdFn: c.showmappings, helpMsg: `Display the physical page mappings for a range of virtual addresses.

	showmappings <start> <end>

Reports one line per page from start's page to end's page inclusive:
either the backing physical frame with the Present, Writable and User
flag values, or "no mapping".`},
		{aliases: []string{"setperm"}, cmdFn: c.setperm, helpMsg: `Set, clear or toggle the permissions of a mapping.

	setperm <addr> <clear|set|toggle> <P|W|U>

Edits exactly one flag of the translation entry for addr in place and
prints the flag values before and after.`},
		{aliases: []string{"dump"}, cmdFn: c.dump, helpMsg: `Dump the contents of a range of memory.

	dump <P|V> <start> <end>

P interprets start and end as physical addresses, V as virtual. The range
is scanned one word at a time; unmapped words are reported and skipped.`},
		{aliases: []string{"sym"}, cmdFn: c.sym, helpMsg: `List functions whose name starts with a prefix.

	sym <prefix>`},
		{aliases: []string{"config"}, cmdFn: c.configureCmd, helpMsg: `Changes configuration parameters.

	config -list

Show all configuration parameters.

	config -save

Saves the configuration file to disk, overwriting the current configuration file.

	config <parameter> <value>

Changes the value of a configuration parameter.`},
		{aliases: []string{"exit", "quit", "q"}, cmdFn: exitCommand, helpMsg: "Exit the monitor."},
	}

	return c
}

// Merge adds aliases defined in the configuration file to the command list.
func (c *Commands) Merge(allAliases map[string][]string) {
	for i := range c.cmds {
		if aliases, ok := allAliases[c.cmds[i].aliases[0]]; ok {
			c.cmds[i].aliases = append(c.cmds[i].aliases, aliases...)
		}
	}
}

// Find returns the command function for cmdstr, or nil if no command
// matches.
func (c *Commands) Find(cmdstr string) cmdfunc {
	for i := range c.cmds {
		if c.cmds[i].match(cmdstr) {
			return c.cmds[i].cmdFn
		}
	}
	return nil
}

// Call tokenizes cmdstr on whitespace and dispatches to the matching
// command. Empty input and unknown commands are reported, not errors: the
// console loop must keep running.
func (c *Commands) Call(cmdstr string, t *Term) error {
	args := strings.Fields(cmdstr)
	if len(args) == 0 {
		return nil
	}
	if len(args) > maxArgs {
		fmt.Fprintf(t.stdout, "Too many arguments (max %d)\n", maxArgs)
		return nil
	}
	cmdfn := c.Find(args[0])
	if cmdfn == nil {
		fmt.Fprintf(t.stdout, "Unknown command %q\n", args[0])
		return nil
	}
	c.log.Debugf("dispatch %q", args[0])
	return cmdfn(t, args[1:])
}

// executeFile runs each line of name through the dispatcher. Lines that
// are blank or start with # are skipped.
func (c *Commands) executeFile(t *Term, name string) error {
	fh, err := os.Open(name)
	if err != nil {
		return err
	}
	defer fh.Close()

	scanner := bufio.NewScanner(fh)
	lineno := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		lineno++

		if line == "" || line[0] == '#' {
			continue
		}

		if err := c.Call(line, t); err != nil {
			if _, isExitRequest := err.(ExitRequestError); isExitRequest {
				return err
			}
			fmt.Fprintf(os.Stderr, "Error executing %s:%d: %v\n", name, lineno, err)
		}
	}
	return scanner.Err()
}

func (c *Commands) help(t *Term, args []string) error {
	if len(args) > 0 {
		for _, cmd := range c.cmds {
			for _, alias := range cmd.aliases {
				if alias == args[0] {
					fmt.Fprintln(t.stdout, cmd.helpMsg)
					return nil
				}
			}
		}
		fmt.Fprintf(t.stdout, "Unknown command %q\n", args[0])
		return nil
	}

	fmt.Fprintln(t.stdout, "The following commands are available:")
	w := new(tabwriter.Writer)
	w.Init(t.stdout, 0, 8, 0, '-', 0)
	for _, cmd := range c.cmds {
		h := cmd.helpMsg
		if idx := strings.Index(h, "\n"); idx >= 0 {
			h = h[:idx]
		}
		if len(cmd.aliases) > 1 {
			fmt.Fprintf(w, "    %s (alias: %s) \t %s\n", cmd.aliases[0], strings.Join(cmd.aliases[1:], " | "), h)
		} else {
			fmt.Fprintf(w, "    %s \t %s\n", cmd.aliases[0], h)
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintln(t.stdout, "Type help followed by a command for full documentation.")
	return nil
}

func (c *Commands) kerninfo(t *Term, args []string) error {
	l := c.kern.Layout
	phys := func(va uint32) uint32 { return va - kernel.KernBase }
	fmt.Fprintln(t.stdout, "Special kernel symbols:")
	fmt.Fprintf(t.stdout, "  entry  %08x (virt)  %08x (phys)\n", l.Entry, phys(l.Entry))
	fmt.Fprintf(t.stdout, "  etext  %08x (virt)  %08x (phys)\n", l.Etext, phys(l.Etext))
	fmt.Fprintf(t.stdout, "  edata  %08x (virt)  %08x (phys)\n", l.Edata, phys(l.Edata))
	fmt.Fprintf(t.stdout, "  end    %08x (virt)  %08x (phys)\n", l.End, phys(l.End))
	fmt.Fprintf(t.stdout, "Kernel executable memory footprint: %dKB\n", (l.End-l.Entry+1023)/1024)
	return nil
}

func (c *Commands) backtrace(t *Term, args []string) error {
	fmt.Fprintln(t.stdout, "Stack backtrace:")
	it := c.kern.Backtrace(t.maxBacktraceDepth())
	for it.Next() {
		f := it.Frame()
		fmt.Fprintf(t.stdout, "  fp %08x  ra %08x  args %08x %08x %08x %08x %08x\n",
			f.FP, f.Ret, f.Args[0], f.Args[1], f.Args[2], f.Args[3], f.Args[4])
		info := c.resolver.Resolve(f.Ret)
		name := info.FnName
		if info.FnNameLen < len(name) {
			name = name[:info.FnNameLen]
		}
		fmt.Fprintf(t.stdout, "         %s:%d: %s+%d\n", info.File, info.Line, name, f.Ret-info.FnAddr)
	}
	if it.Truncated() {
		fmt.Fprintf(t.stdout, "  (backtrace truncated after %d frames)\n", t.maxBacktraceDepth())
	}
	if err := it.Err(); err != nil {
		fmt.Fprintf(t.stdout, "  (stack read failed: %v)\n", err)
	}
	return nil
}

func (c *Commands) showmappings(t *Term, args []string) error {
	if len(args) != 2 {
		fmt.Fprintln(t.stdout, "Type \"showmappings <start> <end>\" to display mappings and permissions")
		return nil
	}
	start, ok := parseAddr(t, args[0])
	if !ok {
		return nil
	}
	end, ok := parseAddr(t, args[1])
	if !ok {
		return nil
	}
	if start > end {
		fmt.Fprintf(t.stdout, "start address %#08x is past end address %#08x\n", start, end)
		return nil
	}

	last := kernel.PageRoundDown(end)
	for page := kernel.PageRoundDown(start); ; page += kernel.PageSize {
		ref, err := c.kern.Walk(page, false)
		if err != nil || !ref.Load().Present() {
			fmt.Fprintf(t.stdout, "Page 0x%08x has no mapping\n", page)
		} else {
			e := ref.Load()
			fmt.Fprintf(t.stdout, "VA 0x%08x  PA 0x%08x  P %x  W %x  U %x\n",
				page, e.Frame(),
				uint32(e&kernel.EntryPresent), uint32(e&kernel.EntryWritable), uint32(e&kernel.EntryUser))
		}
		if page == last {
			break
		}
	}
	return nil
}

func (c *Commands) setperm(t *Term, args []string) error {
	if len(args) != 3 {
		fmt.Fprintln(t.stdout, "Type \"setperm <addr> <mode> <bit>\" to edit the permissions of a mapping")
		fmt.Fprintln(t.stdout, "\tmode: clear, set or toggle")
		fmt.Fprintln(t.stdout, "\tbit: P, W or U")
		return nil
	}
	va, ok := parseAddr(t, args[0])
	if !ok {
		return nil
	}

	var bit kernel.Entry
	switch args[2] {
	case "P":
		bit = kernel.EntryPresent
	case "W":
		bit = kernel.EntryWritable
	case "U":
		bit = kernel.EntryUser
	default:
		fmt.Fprintf(t.stdout, "unknown permission bit %q (want P, W or U)\n", args[2])
		return nil
	}
	mode := args[1]
	switch mode {
	case "clear", "set", "toggle":
	default:
		fmt.Fprintf(t.stdout, "unknown mode %q (want clear, set or toggle)\n", mode)
		return nil
	}

	ref, err := c.kern.Walk(va, false)
	if err != nil || !ref.Load().Present() {
		fmt.Fprintf(t.stdout, "Page 0x%08x has no mapping\n", va)
		return nil
	}

	e := ref.Load()
	fmt.Fprintf(t.stdout, "BEFORE: P %x  W %x  U %x\n",
		uint32(e&kernel.EntryPresent), uint32(e&kernel.EntryWritable), uint32(e&kernel.EntryUser))
	switch mode {
	case "clear":
		e &^= bit
	case "set":
		e |= bit
	case "toggle":
		e ^= bit
	}
	ref.Store(e)
	fmt.Fprintf(t.stdout, "AFTER:  P %x  W %x  U %x\n",
		uint32(e&kernel.EntryPresent), uint32(e&kernel.EntryWritable), uint32(e&kernel.EntryUser))
	return nil
}

func (c *Commands) dump(t *Term, args []string) error {
	if len(args) != 3 {
		fmt.Fprintln(t.stdout, "Type \"dump <P|V> <start> <end>\" to dump the contents of [start, end]")
		fmt.Fprintln(t.stdout, "\tP interprets the range as physical addresses, V as virtual")
		return nil
	}
	space := args[0]
	if space != "P" && space != "V" {
		fmt.Fprintf(t.stdout, "unknown address space %q (want P or V)\n", space)
		return nil
	}
	start, ok := parseAddr(t, args[1])
	if !ok {
		return nil
	}
	end, ok := parseAddr(t, args[2])
	if !ok {
		return nil
	}
	if start > end {
		fmt.Fprintf(t.stdout, "start address %#08x is past end address %#08x\n", start, end)
		return nil
	}

	if space == "P" {
		var err error
		if start, err = c.kern.KAddr(start); err != nil {
			fmt.Fprintf(t.stdout, "%v\n", err)
			return nil
		}
		if end, err = c.kern.KAddr(end); err != nil {
			fmt.Fprintf(t.stdout, "%v\n", err)
			return nil
		}
	}

	vm := c.kern.VirtMem()
	// Word at a time, non-overlapping, from start's word to the last word
	// starting within the range.
	for a := start &^ 3; ; a += 4 {
		shown := a
		if space == "P" {
			shown = a - kernel.KernBase
		}
		w, err := vm.ReadWord(a)
		if err != nil {
			fmt.Fprintf(t.stdout, "0x%08x: bad address\n", shown)
		} else {
			fmt.Fprintf(t.stdout, "0x%08x: 0x%08x\n", shown, w)
		}
		if end-a < 4 {
			break
		}
	}
	return nil
}

func (c *Commands) sym(t *Term, args []string) error {
	if len(args) != 1 {
		fmt.Fprintln(t.stdout, "Type \"sym <prefix>\" to list functions matching a name prefix")
		return nil
	}
	if c.syms == nil {
		fmt.Fprintln(t.stdout, "no symbol table loaded")
		return nil
	}
	funcs := c.syms.FindPrefix(args[0])
	if len(funcs) == 0 {
		fmt.Fprintf(t.stdout, "no functions matching %q\n", args[0])
		return nil
	}
	w := new(tabwriter.Writer)
	w.Init(t.stdout, 0, 8, 1, ' ', 0)
	for _, fn := range funcs {
		line := 0
		if len(fn.Lines) > 0 {
			line = fn.Lines[0].Line
		}
		fmt.Fprintf(w, "%s\t0x%08x\t%s:%d\n", fn.Name, fn.Entry, fn.File, line)
	}
	return w.Flush()
}

func exitCommand(t *Term, args []string) error {
	return ExitRequestError{}
}

// parseAddr parses a numeric argument in any base strconv understands.
// Failures are reported on the console and are not command errors.
func parseAddr(t *Term, s string) (uint32, bool) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		fmt.Fprintf(t.stdout, "malformed address %q\n", s)
		return 0, false
	}
	return uint32(v), true
}

// ExitRequestError is returned when the user exits the monitor.
type ExitRequestError struct{}

func (ere ExitRequestError) Error() string {
	return "exit"
}
