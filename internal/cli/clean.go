package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/common/expfmt"
	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/persistcache/pkg/cleanup"
)

// CleanCmd returns the clean command.
func CleanCmd(cenv *cacheEnv) *Command {
	fs := flag.NewFlagSet("clean", flag.ContinueOnError)
	fs.Bool("force", false, "Clean even if the cleanup frequency says it is not due")
	fs.Bool("metrics", false, "Print lock and cleanup metrics in Prometheus text format")

	return &Command{
		Flags: fs,
		Usage: "clean [flags]",
		Short: "Run mark-and-sweep cleanup",
		Long: `Run cleanup if it is due according to cleanup_frequency.

Entries not used within the retention period are marked stale. Entries
that stayed stale for the soft deletion window are deleted, each under its
own lock. Only one process cleans at a time.`,
		Exec: func(ctx context.Context, io *IO, _ []string) error {
			return execClean(ctx, io, cenv, fs)
		},
	}
}

func execClean(ctx context.Context, io *IO, cenv *cacheEnv, fs *flag.FlagSet) error {
	force, _ := fs.GetBool("force")
	showMetrics, _ := fs.GetBool("metrics")

	c, err := cenv.openCache(ctx)
	if err != nil {
		return err
	}

	var res cleanup.Result
	if force {
		res, err = c.CleanupNow(ctx)
	} else {
		res, err = c.Cleanup(ctx)
	}

	if err != nil {
		return err
	}

	if !res.Ran {
		io.Println("cleanup not due, last cleanup " + formatTime(c.LastCleanup()))
	} else {
		io.Printf("deleted=%d skipped=%d took=%s\n", res.Deleted, res.Skipped, res.Took.Round(time.Millisecond))

		if res.Skipped > 0 {
			io.Warn(fmt.Sprintf("%d entries could not be cleaned", res.Skipped),
				"see the logged warnings, they are retried on the next cleanup")
		}
	}

	if showMetrics {
		return writeMetrics(io, cenv)
	}

	return nil
}

// writeMetrics dumps the process's registry in the text exposition format.
func writeMetrics(io *IO, cenv *cacheEnv) error {
	families, err := cenv.registry.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}

	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(io.Out(), mf); err != nil {
			return fmt.Errorf("write metrics: %w", err)
		}
	}

	return nil
}
