package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/peterh/liner"
	flag "github.com/spf13/pflag"
)

const shellPrompt = "cachectl> "

// ShellCmd returns the shell command. commands are the commands the shell
// can run; the shell itself is not one of them.
func ShellCmd(stdin io.Reader, commands commandSet) *Command {
	return &Command{
		Flags: flag.NewFlagSet("shell", flag.ContinueOnError),
		Usage: "shell",
		Short: "Run commands interactively",
		Long: `Read commands line by line and run them in this process.

The lock manager and the opened cache are shared between lines. Type
"exit" or press Ctrl-D to leave.`,
		Exec: func(ctx context.Context, o *IO, _ []string) error {
			return execShell(ctx, o, stdin, commands)
		},
	}
}

// lineReader reads shell input.
type lineReader interface {
	Prompt(prompt string) (string, error)
	AppendHistory(line string)
	Close() error
}

func execShell(ctx context.Context, o *IO, stdin io.Reader, commands commandSet) error {
	lines := newLineReader(stdin)
	defer lines.Close()

	for {
		if ctx.Err() != nil {
			return nil
		}

		line, err := lines.Prompt(shellPrompt)
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				return nil
			}

			return fmt.Errorf("reading input: %w", err)
		}

		args := strings.Fields(line)
		if len(args) == 0 || strings.HasPrefix(args[0], "#") {
			continue
		}

		lines.AppendHistory(line)

		switch args[0] {
		case "exit", "quit", "q":
			return nil
		case "shell":
			o.ErrPrintln("error: already in a shell")

			continue
		}

		code := dispatch(ctx, commands, NewIO(o.out, o.errOut), args)
		if code != 0 {
			o.ErrPrintln(fmt.Sprintf("(exit %d)", code))
		}
	}
}

// newLineReader uses liner for the process's own stdin and plain line
// reading for anything else, such as piped scripts in tests.
func newLineReader(stdin io.Reader) lineReader {
	if f, ok := stdin.(*os.File); ok && f == os.Stdin {
		return newLinerReader()
	}

	if stdin == nil {
		stdin = strings.NewReader("")
	}

	return &scanReader{scanner: bufio.NewScanner(stdin)}
}

type linerReader struct {
	state *liner.State
}

func newLinerReader() *linerReader {
	state := liner.NewLiner()
	state.SetCtrlCAborts(true)

	if path := historyFile(); path != "" {
		if f, err := os.Open(path); err == nil {
			_, _ = state.ReadHistory(f)
			_ = f.Close()
		}
	}

	return &linerReader{state: state}
}

func (r *linerReader) Prompt(prompt string) (string, error) { return r.state.Prompt(prompt) }

func (r *linerReader) AppendHistory(line string) { r.state.AppendHistory(line) }

// Close saves the history and restores the terminal.
func (r *linerReader) Close() error {
	if path := historyFile(); path != "" {
		if f, err := os.Create(path); err == nil {
			_, _ = r.state.WriteHistory(f)
			_ = f.Close()
		}
	}

	return r.state.Close()
}

// historyFile returns the path to the history file.
func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".cachectl_history")
}

type scanReader struct {
	scanner *bufio.Scanner
}

func (r *scanReader) Prompt(string) (string, error) {
	if r.scanner.Scan() {
		return r.scanner.Text(), nil
	}

	if err := r.scanner.Err(); err != nil {
		return "", err
	}

	return "", io.EOF
}

func (*scanReader) AppendHistory(string) {}

func (*scanReader) Close() error { return nil }
