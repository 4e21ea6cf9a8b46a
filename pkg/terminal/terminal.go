package terminal

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-delve/liner"
	"github.com/mattn/go-isatty"

	"github.com/go-kmon/kmon/pkg/config"
	"github.com/go-kmon/kmon/pkg/kernel"
	"github.com/go-kmon/kmon/pkg/symbols"
)

const historyFile string = "history"

// Term represents the monitor console.
type Term struct {
	kern   *kernel.Kernel
	conf   *config.Config
	prompt string
	line   *liner.State
	cmds   *Commands
	dumb   bool
	stdout io.Writer

	// InitFile is a file of commands executed before the interactive loop.
	InitFile string
}

// New returns a new Term inspecting kern. syms may be nil.
func New(kern *kernel.Kernel, resolver symbols.Resolver, syms *symbols.Table, conf *config.Config) *Term {
	cmds := DebugCommands(kern, resolver, syms)
	if conf != nil && conf.Aliases != nil {
		cmds.Merge(conf.Aliases)
	}
	if conf == nil {
		conf = &config.Config{}
	}

	dumb := strings.ToLower(os.Getenv("TERM")) == "dumb" || !isatty.IsTerminal(os.Stdin.Fd())

	prompt := "K> "
	if conf.Prompt != "" {
		prompt = conf.Prompt
	}

	return &Term{
		kern:   kern,
		conf:   conf,
		prompt: prompt,
		line:   liner.NewLiner(),
		cmds:   cmds,
		dumb:   dumb,
		stdout: os.Stdout,
	}
}

// Close returns the terminal to its previous mode.
func (t *Term) Close() {
	t.line.Close()
}

// Run begins the read-eval loop. The returned status is the process exit
// code.
func (t *Term) Run() (int, error) {
	defer t.Close()

	if !t.dumb {
		t.line.SetCompleter(func(line string) (c []string) {
			for _, cmd := range t.cmds.cmds {
				for _, alias := range cmd.aliases {
					if strings.HasPrefix(alias, strings.ToLower(line)) {
						c = append(c, alias)
					}
				}
			}
			if t.cmds.syms != nil {
				if i := strings.LastIndex(line, " "); i >= 0 {
					prefix, partial := line[:i+1], line[i+1:]
					for _, fn := range t.cmds.syms.FindPrefix(partial) {
						c = append(c, prefix+fn.Name)
					}
				}
			}
			return
		})

		fullHistoryFile, err := config.GetConfigFilePath(historyFile)
		if err != nil {
			fmt.Fprintf(t.stdout, "Unable to load history file: %v.\n", err)
		}
		if fullHistoryFile != "" {
			if f, err := os.Open(fullHistoryFile); err == nil {
				t.line.ReadHistory(f)
				f.Close()
			}
		}
	}

	fmt.Fprintln(t.stdout, "Welcome to the kmon kernel monitor!")
	fmt.Fprintln(t.stdout, "Type 'help' for a list of commands.")

	if t.InitFile != "" {
		err := t.cmds.executeFile(t, t.InitFile)
		if err != nil {
			if _, ok := err.(ExitRequestError); ok {
				return t.handleExit()
			}
			fmt.Fprintf(os.Stderr, "Error executing init file: %s\n", err)
		}
	}

	for {
		cmdstr, err := t.promptForInput()
		if err != nil {
			if err == io.EOF {
				// A serial console never sees end of input; a piped stdin
				// does, and re-prompting would spin forever.
				fmt.Fprintln(t.stdout, "exit")
				return t.handleExit()
			}
			if err == liner.ErrPromptAborted {
				continue
			}
			return 1, fmt.Errorf("prompt for input failed: %v", err)
		}

		if err := t.cmds.Call(cmdstr, t); err != nil {
			if _, ok := err.(ExitRequestError); ok {
				return t.handleExit()
			}
			fmt.Fprintf(os.Stderr, "Command failed: %s\n", err)
		}
	}
}

func (t *Term) promptForInput() (string, error) {
	l, err := t.line.Prompt(t.prompt)
	if err != nil {
		return "", err
	}

	l = strings.TrimSuffix(l, "\n")
	if l != "" {
		t.line.AppendHistory(l)
	}

	return l, nil
}

func (t *Term) handleExit() (int, error) {
	if fullHistoryFile, err := config.GetConfigFilePath(historyFile); err == nil {
		if f, err := os.OpenFile(fullHistoryFile, os.O_RDWR|os.O_CREATE, 0600); err == nil {
			_, err = t.line.WriteHistory(f)
			if err != nil {
				fmt.Fprintf(t.stdout, "readline history not saved: %v\n", err)
			}
			f.Close()
		}
	}
	return 0, nil
}

func (t *Term) maxBacktraceDepth() int {
	if t.conf == nil || t.conf.MaxBacktraceDepth == nil {
		return 0
	}
	return *t.conf.MaxBacktraceDepth
}
