package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/peterh/liner"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// lineReader is the part of liner.State the shell loop uses.
type lineReader interface {
	Prompt(prompt string) (string, error)
	AppendHistory(item string)
}

var shellCommands = []string{"info", "put", "get", "list", "delete", "cleanup", "save", "help", "exit"}

func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".storestack_history")
}

func (r *runner) shellCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Open the store and run commands interactively",
		Long: `shell keeps the store open across commands. SIGTERM and SIGINT save with
cleanup before exiting, SIGUSR1 and SIGTSTP save with cleanup in place, and
removing the store file re-persists the in-memory state.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return r.withStack(cmd, func(s *session) error {
				ctx, cancel := context.WithCancel(cmd.Context())
				defer cancel()
				ln := liner.NewLiner()
				defer ln.Close()
				ln.SetCtrlCAborts(true)
				ln.SetCompleter(completeCommand)
				if f, err := os.Open(historyFile()); err == nil {
					_, _ = ln.ReadHistory(f)
					_ = f.Close()
				}
				defer saveHistory(ln)

				_, stop, err := s.stack.StartLifecycle(ctx, func(err error) {
					// The terminal save already ran; restore the tty before exiting.
					saveHistory(ln)
					_ = ln.Close()
					if err != nil {
						fmt.Fprintln(r.errOut, FormatError(err))
					}
					_ = s.stack.Close()
					exitProcess(err)
				})
				if err != nil {
					return err
				}
				defer stop()
				return s.repl(ctx, ln, r.errOut)
			})
		},
	}
}

func saveHistory(ln *liner.State) {
	path := historyFile()
	if path == "" {
		return
	}
	if f, err := os.Create(path); err == nil {
		_, _ = ln.WriteHistory(f)
		_ = f.Close()
	}
}

func exitProcess(err error) {
	if err != nil {
		os.Exit(1)
	}
	os.Exit(0)
}

func completeCommand(line string) []string {
	var out []string
	for _, c := range shellCommands {
		if strings.HasPrefix(c, strings.ToLower(line)) {
			out = append(out, c)
		}
	}
	return out
}

// repl reads commands until exit or end of input. Command errors are printed
// and do not end the loop.
func (s *session) repl(ctx context.Context, in lineReader, errOut io.Writer) error {
	fmt.Fprintf(s.out, "storestack shell (%s %s). Type 'help' for commands.\n", s.stack.Backend.Driver(), s.stack.Backend.Location())
	for {
		line, err := in.Prompt("storestack> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				fmt.Fprintln(s.out)
				return nil
			}
			return fmt.Errorf("reading input: %w", err)
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		in.AppendHistory(line)
		done, err := s.dispatch(ctx, strings.Fields(line))
		if err != nil {
			fmt.Fprintln(errOut, FormatError(err))
		}
		if done {
			return nil
		}
	}
}

func (s *session) dispatch(ctx context.Context, fields []string) (done bool, err error) {
	name, args := strings.ToLower(fields[0]), fields[1:]
	switch name {
	case "exit", "quit", "q":
		return true, nil
	case "help", "?":
		s.printHelp()
	case "info":
		return false, s.info(ctx)
	case "put":
		fs := pflag.NewFlagSet("put", pflag.ContinueOnError)
		fs.SetOutput(io.Discard)
		id := fs.String("id", "", "")
		if err := fs.Parse(args); err != nil {
			return false, err
		}
		if fs.NArg() < 1 {
			return false, errors.New("usage: put [--id id] <entity> [key=value...]")
		}
		return false, s.put(ctx, *id, fs.Arg(0), fs.Args()[1:])
	case "get":
		if len(args) != 1 {
			return false, errors.New("usage: get <id>")
		}
		return false, s.get(ctx, args[0])
	case "list", "ls":
		entity := ""
		if len(args) > 0 {
			entity = args[0]
		}
		return false, s.list(ctx, entity)
	case "delete", "rm":
		if len(args) != 1 {
			return false, errors.New("usage: delete <id>")
		}
		return false, s.delete(ctx, args[0])
	case "cleanup":
		return false, s.cleanup(ctx)
	case "save":
		if err := s.stack.Manager.SaveMain(ctx, false); err != nil {
			return false, err
		}
		printSuccess(s.out, "Saved")
	default:
		return false, fmt.Errorf("unknown command %q (type 'help' for commands)", name)
	}
	return false, nil
}

func (s *session) printHelp() {
	printSection(s.out, "Commands")
	rows := [][]string{
		{"info", "store driver, location, reset flag, counts"},
		{"put [--id id] <entity> k=v...", "insert or update an object"},
		{"get <id>", "print one object"},
		{"list [entity]", "list objects"},
		{"delete <id>", "delete one object"},
		{"cleanup", "save with cleanup policies"},
		{"save", "save pending main changes"},
		{"exit", "leave the shell"},
	}
	printTable(s.out, []string{"Command", "Description"}, rows)
}
