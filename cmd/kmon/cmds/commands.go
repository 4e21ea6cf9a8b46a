// Package cmds implements the command-line interface of kmon.
package cmds

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/go-kmon/kmon/pkg/config"
	"github.com/go-kmon/kmon/pkg/logflags"
	"github.com/go-kmon/kmon/pkg/terminal"
	"github.com/go-kmon/kmon/pkg/version"
)

var (
	log       bool
	logOutput string
	initFile  string
	memMB     int
)

// New returns an initialized command tree.
func New() *cobra.Command {
	rootCommand := &cobra.Command{
		Use:   "kmon",
		Short: "kmon is an interactive monitor for a kernel image.",
		Long: `kmon boots a small kernel image and drops into an interactive console
for exploring it: walking the stack, inspecting and editing page
mappings, and dumping raw memory.`,
		Run: rootCmd,
	}
	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable debug logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", "Comma separated list of components that should produce debug output (kernel, paging, monitor, symbols).")
	rootCommand.Flags().StringVarP(&initFile, "init", "", "", "File of monitor commands executed before the interactive loop.")
	rootCommand.Flags().IntVarP(&memMB, "mem", "", 4, "Physical memory of the image, in megabytes.")

	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("kmon\n%s\n", version.KmonVersion)
		},
	}
	rootCommand.AddCommand(versionCommand)

	return rootCommand
}

func rootCmd(cmd *cobra.Command, args []string) {
	if err := logflags.Setup(log, logOutput); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	conf := config.LoadConfig()

	kern, syms, err := bootDemoImage(uint32(memMB) << 20)
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not boot image: %v\n", err)
		os.Exit(1)
	}

	term := terminal.New(kern, syms, syms, conf)
	term.InitFile = initFile

	status, err := term.Run()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
	os.Exit(status)
}
