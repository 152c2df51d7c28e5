package cli

import (
	"context"
	"errors"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/persistcache/pkg/cache"
)

// StatCmd returns the stat command.
func StatCmd(cenv *cacheEnv) *Command {
	return &Command{
		Flags: flag.NewFlagSet("stat", flag.ContinueOnError),
		Usage: "stat [key]",
		Short: "Show cache or entry status",
		Long: `Without a key, show the cache layout, cleanup settings and entry counts.
With a key, show where the entry lives, which lock guards it, whether it is
marked stale and when it was last used.

stat takes no locks; the output is a snapshot.`,
		Exec: func(ctx context.Context, io *IO, args []string) error {
			return execStat(ctx, io, cenv, args)
		},
	}
}

func execStat(ctx context.Context, io *IO, cenv *cacheEnv, args []string) error {
	if len(args) > 1 {
		return errTooManyArgs
	}

	c, err := cenv.openCache(ctx)
	if err != nil {
		return err
	}

	if len(args) == 1 {
		return statKey(ctx, io, c, args[0])
	}

	keys, err := c.Keys()
	if err != nil {
		return err
	}

	stale := 0

	for _, key := range keys {
		marked, err := c.IsStale(key)
		if err != nil {
			if errors.Is(err, cache.ErrInvalidKey) {
				io.Warn("unexpected file "+c.Path(key), "remove it, keys cannot start with a dot")

				continue
			}

			return err
		}

		if marked {
			stale++
		}
	}

	io.Println("cache_dir=" + cenv.cfg.CacheDirAbs)
	io.Println("entries_dir=" + c.BaseDir())
	io.Printf("number_of_locks=%d\n", c.NumberOfLocks())
	io.Println("journal=" + cenv.cfg.Journal)
	io.Println("cleanup_frequency=" + cenv.cfg.CleanupFrequency.String())
	io.Println("retention=" + cenv.cfg.Retention.String())
	io.Println("last_cleanup=" + formatTime(c.LastCleanup()))
	io.Printf("entries=%d\n", len(keys))
	io.Printf("stale=%d\n", stale)

	return nil
}

func statKey(ctx context.Context, io *IO, c *cache.FineGrainedCache, key string) error {
	if err := cache.ValidateKey(key); err != nil {
		return err
	}

	stale, err := c.IsStale(key)
	if err != nil {
		return err
	}

	accessed, exists, err := c.LastAccess(ctx, key)
	if err != nil {
		return err
	}

	io.Println("key=" + key)
	io.Println("path=" + c.Path(key))
	io.Printf("lock_index=%d\n", c.LockIndex(key))
	io.Printf("exists=%t\n", exists)
	io.Printf("stale=%t\n", stale)

	if exists {
		io.Println("last_access=" + formatTime(accessed))
	}

	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}

	return t.Local().Format(time.RFC3339)
}
