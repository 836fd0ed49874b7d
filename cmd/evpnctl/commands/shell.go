package commands

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// replOnly are names the shell handles itself or hides from its help.
var replOnly = map[string]bool{"shell": true, "completion": true}

func shellCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Start an interactive evpnctl shell",
		Long:  "Launches a simple REPL that accepts evpnctl subcommands. Type 'help', 'exit', or 'quit'.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runShell(cmd.Root(), cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
}

// runShell reads command lines from in and executes each against root
// until exit, quit or EOF.
func runShell(root *cobra.Command, in io.Reader, out, errOut io.Writer) error {
	fmt.Fprintln(out, "evpnd interactive shell. Type 'help' for available commands, 'exit' to quit.")
	fmt.Fprintln(out)

	scanner := bufio.NewScanner(in)
	fmt.Fprint(out, "evpnctl> ")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "exit" || line == "quit":
			return nil
		case line == "help" || line == "?":
			if err := writeShellHelp(out, root); err != nil {
				return err
			}
		case line != "":
			args := strings.Fields(line)
			if replOnly[args[0]] {
				fmt.Fprintf(errOut, "Error: %s is not available inside the shell\n", args[0])
				break
			}
			root.SetArgs(args)
			if err := root.Execute(); err != nil {
				fmt.Fprintln(errOut, "Error:", err)
			}
		}
		fmt.Fprint(out, "evpnctl> ")
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stdin: %w", err)
	}
	return nil
}

// writeShellHelp lists every runnable command below root with its short
// description.
func writeShellHelp(out io.Writer, root *cobra.Command) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "Available commands:")
	fmt.Fprintln(w)
	var walk func(c *cobra.Command)
	walk = func(c *cobra.Command) {
		for _, sub := range c.Commands() {
			if !sub.IsAvailableCommand() || replOnly[sub.Name()] {
				continue
			}
			if sub.Runnable() {
				fmt.Fprintf(w, "  %s\t%s\n", shellUsage(root, sub), sub.Short)
			}
			walk(sub)
		}
	}
	walk(root)
	fmt.Fprintf(w, "  %s\t%s\n", "help", "Show this help message")
	fmt.Fprintf(w, "  %s\t%s\n", "exit / quit", "Leave the interactive shell")
	fmt.Fprintln(w)
	return w.Flush()
}

// shellUsage is the command path below root followed by the argument
// part of its Use line.
func shellUsage(root, c *cobra.Command) string {
	usage := strings.TrimPrefix(c.CommandPath(), root.CommandPath()+" ")
	if _, args, ok := strings.Cut(c.Use, " "); ok {
		usage += " " + args
	}
	return usage
}
