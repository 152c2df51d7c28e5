package cli

import (
	"context"
	"encoding/json"
	"fmt"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/persistcache/internal/config"
)

// PrintConfigCmd returns the print-config command.
func PrintConfigCmd(cenv *cacheEnv) *Command {
	return &Command{
		Flags: flag.NewFlagSet("print-config", flag.ContinueOnError),
		Usage: "print-config",
		Short: "Show resolved configuration",
		Long:  "Display the effective configuration and which files it was loaded from.",
		Exec: func(_ context.Context, io *IO, _ []string) error {
			return execPrintConfig(io, cenv.cfg)
		},
	}
}

func execPrintConfig(io *IO, cfg *config.Config) error {
	resolved := *cfg
	resolved.CacheDir = cfg.CacheDirAbs

	formatted, err := json.MarshalIndent(resolved, "", "  ")
	if err != nil {
		return fmt.Errorf("format config: %w", err)
	}

	io.Println(string(formatted))
	io.Println("")
	io.Println("# sources")

	if cfg.Sources.Global == "" && cfg.Sources.Project == "" {
		io.Println("(defaults only)")
	} else {
		if cfg.Sources.Global != "" {
			io.Println("global_config=" + cfg.Sources.Global)
		}

		if cfg.Sources.Project != "" {
			io.Println("project_config=" + cfg.Sources.Project)
		}
	}

	return nil
}
