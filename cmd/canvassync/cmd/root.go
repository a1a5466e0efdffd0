// Package cmd implements the canvassync CLI commands.
//
// A root command dispatches to subcommands (simulate, config, version).
// Each subcommand parses its own flags with go-flags.
package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/jessevdk/go-flags"
)

// Version information set at build time.
var (
	Version   = "0.1.0-dev"
	BuildTime = "unknown"
)

// Command represents a CLI command.
type Command struct {
	Name  string
	Short string
	Long  string
	Usage string
	Run   func(args []string) error
}

var rootCmd = struct {
	Long  string
	Usage string
}{
	Long: `canvassync coordinates accelerated canvases that share GPU contexts
with a single presentation thread.

Use "canvassync <command> --help" for more information about a command.`,
	Usage: "canvassync <command> [flags]",
}

// Commands registered with the CLI.
var commands = make(map[string]*Command)

// stdout is where commands write their output.
var stdout io.Writer = os.Stdout

// RegisterCommand adds a command to the CLI.
func RegisterCommand(cmd *Command) {
	commands[cmd.Name] = cmd
}

// Execute runs the CLI with the given arguments.
func Execute(args []string) error {
	if len(args) == 0 {
		printHelp()
		return nil
	}

	switch args[0] {
	case "-h", "--help", "help":
		printHelp()
		return nil
	case "-v", "--version":
		args = []string{"version"}
	}

	cmd, ok := commands[args[0]]
	if !ok {
		printHelp()
		return fmt.Errorf("unknown command: %s", args[0])
	}
	return cmd.Run(args[1:])
}

// parseFlags parses args into opts. A help request prints usage and
// returns errHelp.
func parseFlags(cmd string, opts any, args []string) ([]string, error) {
	parser := flags.NewParser(opts, flags.HelpFlag|flags.PassDoubleDash)
	parser.Name = "canvassync " + cmd
	rest, err := parser.ParseArgs(args)
	if err != nil {
		var ferr *flags.Error
		if errors.As(err, &ferr) && ferr.Type == flags.ErrHelp {
			fmt.Fprintln(stdout, ferr.Message)
			return nil, errHelp
		}
		return nil, err
	}
	return rest, nil
}

var errHelp = errors.New("help requested")

// runWith adapts a command body that may return errHelp.
func runWith(fn func(args []string) error) func(args []string) error {
	return func(args []string) error {
		if err := fn(args); err != nil && !errors.Is(err, errHelp) {
			return err
		}
		return nil
	}
}

func printHelp() {
	fmt.Fprintln(stdout, rootCmd.Long)
	fmt.Fprintln(stdout)
	fmt.Fprintln(stdout, "Usage:")
	fmt.Fprintf(stdout, "  %s\n", rootCmd.Usage)
	fmt.Fprintln(stdout)
	fmt.Fprintln(stdout, "Commands:")
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(stdout, "  %-14s %s\n", name, commands[name].Short)
	}
	fmt.Fprintln(stdout)
	fmt.Fprintln(stdout, "Flags:")
	fmt.Fprintln(stdout, "  -h, --help           Show help for a command")
	fmt.Fprintln(stdout, "  -v, --version        Show version information")
}
