// Package cli implements the cachectl command line.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/persistcache/internal/config"
	"github.com/calvinalkan/persistcache/internal/logging"
)

// Run is the main entry point. Returns exit code.
//
// Signals received on sigCh cancel the running command; locks and caches
// are still released before Run returns. sigCh may be nil.
func Run(stdin io.Reader, out io.Writer, errOut io.Writer, args []string, env map[string]string, sigCh <-chan os.Signal) int {
	globals := flag.NewFlagSet("cachectl", flag.ContinueOnError)
	globals.SetOutput(&strings.Builder{})
	globals.SetInterspersed(false)

	workDir := globals.StringP("cwd", "C", "", "Run as if started in `dir`")
	configPath := globals.StringP("config", "c", "", "Use specified config `file`")
	cacheDir := globals.String("cache-dir", "", "Override the cache directory")
	lockTimeout := globals.Duration("lock-timeout", 0, "Override how long to wait for a lock")
	logLevel := globals.String("log-level", "", "Override the log level (debug|info|warn|error)")
	journalKind := globals.String("journal", "", "Override the access journal (mtime|sqlite)")
	help := globals.BoolP("help", "h", false, "Show help")

	if len(args) > 0 {
		args = args[1:]
	}

	if err := globals.Parse(args); err != nil {
		fprintln(errOut, "error:", err)
		printUsage(errOut, globals)

		return 1
	}

	remaining := globals.Args()
	if *help || len(remaining) == 0 {
		printUsage(out, globals)

		return 0
	}

	cfg, err := config.Load(config.LoadInput{
		WorkDir:    *workDir,
		ConfigPath: *configPath,
		Env:        env,
		Overrides: config.Overrides{
			CacheDir:    *cacheDir,
			LockTimeout: *lockTimeout,
			LogLevel:    *logLevel,
			Journal:     *journalKind,
		},
	})
	if err != nil {
		fprintln(errOut, "error:", err)

		return 1
	}

	logger, err := logging.New(errOut, cfg.LogLevel)
	if err != nil {
		fprintln(errOut, "error:", err)

		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		select {
		case <-sigCh:
			logger.Debug("interrupted, cancelling")
			cancel()
		case <-ctx.Done():
		}
	}()

	cenv, err := newCacheEnv(ctx, &cfg, logger)
	if err != nil {
		fprintln(errOut, "error:", err)

		return 1
	}

	commands := newCommands(cenv, stdin)

	code := dispatch(ctx, commands, NewIO(out, errOut), remaining)

	// An interrupt must not stop the journal flush or the lock release.
	if err := cenv.close(context.WithoutCancel(ctx)); err != nil {
		fprintln(errOut, "error:", err)

		return 1
	}

	return code
}

// commandSet is the ordered list of commands, as shown in usage.
type commandSet []*Command

func (s commandSet) lookup(name string) (*Command, bool) {
	for _, c := range s {
		if c.Name() == name {
			return c, true
		}
	}

	return nil, false
}

func newCommands(cenv *cacheEnv, stdin io.Reader) commandSet {
	commands := commandSet{
		LockCmd(cenv),
		StatCmd(cenv),
		CleanCmd(cenv),
		StaleCmd(cenv),
		UnstaleCmd(cenv),
		PrintConfigCmd(cenv),
	}

	return append(commands, ShellCmd(stdin, commands))
}

// dispatch runs the command named by args[0].
func dispatch(ctx context.Context, commands commandSet, o *IO, args []string) int {
	name := args[0]

	if name == "help" {
		if len(args) > 1 {
			if cmd, ok := commands.lookup(args[1]); ok {
				cmd.PrintHelp(o)

				return 0
			}
		}

		o.Println(commandList(commands))

		return 0
	}

	cmd, ok := commands.lookup(name)
	if !ok {
		o.ErrPrintln("error: unknown command:", name)
		o.ErrPrintln(commandList(commands))

		return 1
	}

	return cmd.Run(ctx, o, args[1:])
}

func commandList(commands commandSet) string {
	var b strings.Builder

	b.WriteString("Commands:")

	for _, c := range commands {
		b.WriteString("\n")
		b.WriteString(c.HelpLine())
	}

	return b.String()
}

func fprintln(w io.Writer, a ...any) {
	_, _ = fmt.Fprintln(w, a...)
}

func printUsage(w io.Writer, globals *flag.FlagSet) {
	fprintln(w, `cachectl - inspect and maintain a shared file-system cache

Usage: cachectl [options] <command> [args]

Global flags:`)
	fprintln(w, strings.TrimRight(globals.FlagUsages(), "\n"))
	fprintln(w)
	fprintln(w, commandList(newCommands(nil, nil)))
	fprintln(w)
	fprintln(w, `Run "cachectl help <command>" for command details.`)
}
