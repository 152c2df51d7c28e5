package cli

import (
	"context"
	"errors"
	"os"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/persistcache/pkg/cache"
)

// LockCmd returns the lock command.
func LockCmd(cenv *cacheEnv) *Command {
	fs := flag.NewFlagSet("lock", flag.ContinueOnError)
	fs.Duration("hold", 0, "Keep the lock for this long before releasing it")
	fs.Bool("create", false, "Create the entry directory if it does not exist")

	return &Command{
		Flags: fs,
		Usage: "lock <key> [flags]",
		Short: "Lock an entry and record its use",
		Long: `Acquire the lock guarding <key>, record the access and print the entry path.

A stale entry is brought back into use. With --hold the lock is kept until
the duration passes or the command is interrupted, which makes other
processes using the same lock wait.`,
		Exec: func(ctx context.Context, io *IO, args []string) error {
			return execLock(ctx, io, cenv, fs, args)
		},
	}
}

func execLock(ctx context.Context, io *IO, cenv *cacheEnv, fs *flag.FlagSet, args []string) error {
	key, err := keyArg(args)
	if err != nil {
		return err
	}

	hold, _ := fs.GetDuration("hold")
	if hold < 0 {
		return errNegativeHold
	}

	create, _ := fs.GetBool("create")

	c, err := cenv.openCache(ctx)
	if err != nil {
		return err
	}

	return c.UseCache(ctx, key, func(ctx context.Context) error {
		if create {
			if err := os.MkdirAll(c.Path(key), 0o755); err != nil {
				return err
			}
		}

		stale, err := c.IsStale(key)
		if err != nil {
			return err
		}

		if stale {
			if err := c.Unstale(ctx, key); err != nil {
				return err
			}

			cenv.logger.Info("revived stale entry", "key", key)
		}

		io.Println(c.Path(key))

		if hold > 0 {
			return holdLock(ctx, io, c, key, hold)
		}

		return nil
	})
}

// holdLock waits for d. An interrupt ends the wait without an error.
func holdLock(ctx context.Context, io *IO, c *cache.FineGrainedCache, key string, d time.Duration) error {
	io.Printf("holding lock %d for %s\n", c.LockIndex(key), d)

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil
		}

		return ctx.Err()
	}
}
