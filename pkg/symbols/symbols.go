// Package symbols resolves code addresses of the target image to debug
// metadata: source file, line and containing function.
package symbols

import (
	"sort"

	"github.com/derekparker/trie"
	"github.com/sirupsen/logrus"

	"github.com/go-kmon/kmon/pkg/logflags"
)

// Info is the debug metadata for one code address. FnName may originate
// from storage without a terminator, so FnNameLen gives the significant
// length explicitly.
type Info struct {
	File      string
	Line      int
	FnName    string
	FnNameLen int
	FnAddr    uint32
}

// Resolver maps a code address to debug metadata. Resolve never fails:
// an address the resolver cannot place yields a best-effort Info with
// unknown fields filled in.
type Resolver interface {
	Resolve(addr uint32) Info
}

const unknown = "<unknown>"

func unknownInfo(addr uint32) Info {
	return Info{
		File:      unknown,
		Line:      0,
		FnName:    unknown,
		FnNameLen: len(unknown),
		FnAddr:    addr,
	}
}

// LineMark associates a code address with a source line. Marks apply from
// their address up to the next mark in the same function.
type LineMark struct {
	Addr uint32
	Line int
}

// Func describes one function of the image: its extent and line table.
type Func struct {
	Name  string
	Entry uint32
	End   uint32
	File  string
	Lines []LineMark
}

// Table is a Resolver over a static, sorted function table with a trie
// index over function names for prefix lookup.
type Table struct {
	funcs []Func
	names *trie.Trie
	log   *logrus.Entry
}

// NewTable builds a Table from the given functions.
func NewTable(funcs []Func) *Table {
	t := &Table{
		funcs: make([]Func, len(funcs)),
		names: trie.New(),
		log:   logflags.SymbolsLogger(),
	}
	copy(t.funcs, funcs)
	sort.Slice(t.funcs, func(i, j int) bool { return t.funcs[i].Entry < t.funcs[j].Entry })
	for i := range t.funcs {
		sort.Slice(t.funcs[i].Lines, func(a, b int) bool {
			return t.funcs[i].Lines[a].Addr < t.funcs[i].Lines[b].Addr
		})
		t.names.Add(t.funcs[i].Name, i)
	}
	return t
}

// Resolve implements Resolver.
func (t *Table) Resolve(addr uint32) Info {
	i := sort.Search(len(t.funcs), func(i int) bool { return t.funcs[i].Entry > addr }) - 1
	if i < 0 || addr >= t.funcs[i].End {
		t.log.Debugf("no function for %#08x", addr)
		return unknownInfo(addr)
	}
	fn := t.funcs[i]
	line := 0
	for _, m := range fn.Lines {
		if m.Addr > addr {
			break
		}
		line = m.Line
	}
	return Info{
		File:      fn.File,
		Line:      line,
		FnName:    fn.Name,
		FnNameLen: len(fn.Name),
		FnAddr:    fn.Entry,
	}
}

// FuncByName returns the function with the given exact name.
func (t *Table) FuncByName(name string) (Func, bool) {
	node, ok := t.names.Find(name)
	if !ok {
		return Func{}, false
	}
	return t.funcs[node.Meta().(int)], true
}

// FindPrefix returns all functions whose name starts with prefix, sorted
// by name.
func (t *Table) FindPrefix(prefix string) []Func {
	names := t.names.PrefixSearch(prefix)
	sort.Strings(names)
	r := make([]Func, 0, len(names))
	for _, name := range names {
		if fn, ok := t.FuncByName(name); ok {
			r = append(r, fn)
		}
	}
	return r
}

// Names returns every function name in the table. Used for completion.
func (t *Table) Names() []string {
	names := t.names.Keys()
	sort.Strings(names)
	return names
}
