package cli

import (
	"context"

	flag "github.com/spf13/pflag"
)

// StaleCmd returns the stale command.
func StaleCmd(cenv *cacheEnv) *Command {
	return &Command{
		Flags: flag.NewFlagSet("stale", flag.ContinueOnError),
		Usage: "stale <key>",
		Short: "Report whether an entry is marked stale",
		Long: `Print "stale" if cleanup marked <key> as unused, "fresh" otherwise.

A stale entry is deleted by a later cleanup unless it is used first.`,
		Exec: func(ctx context.Context, io *IO, args []string) error {
			return execStale(ctx, io, cenv, args)
		},
	}
}

func execStale(ctx context.Context, io *IO, cenv *cacheEnv, args []string) error {
	key, err := keyArg(args)
	if err != nil {
		return err
	}

	c, err := cenv.openCache(ctx)
	if err != nil {
		return err
	}

	stale, err := c.IsStale(key)
	if err != nil {
		return err
	}

	if stale {
		io.Println("stale")
	} else {
		io.Println("fresh")
	}

	return nil
}

// UnstaleCmd returns the unstale command.
func UnstaleCmd(cenv *cacheEnv) *Command {
	return &Command{
		Flags: flag.NewFlagSet("unstale", flag.ContinueOnError),
		Usage: "unstale <key>",
		Short: "Keep a stale entry from being deleted",
		Long: `Remove the stale mark of <key> while holding its lock, so the next
cleanup keeps the entry. Does nothing if the entry is not stale.`,
		Exec: func(ctx context.Context, io *IO, args []string) error {
			return execUnstale(ctx, io, cenv, args)
		},
	}
}

func execUnstale(ctx context.Context, io *IO, cenv *cacheEnv, args []string) error {
	key, err := keyArg(args)
	if err != nil {
		return err
	}

	c, err := cenv.openCache(ctx)
	if err != nil {
		return err
	}

	return c.UseCache(ctx, key, func(ctx context.Context) error {
		stale, err := c.IsStale(key)
		if err != nil {
			return err
		}

		if !stale {
			io.Println("fresh")

			return nil
		}

		if err := c.Unstale(ctx, key); err != nil {
			return err
		}

		io.Println("unstaled")

		return nil
	})
}
