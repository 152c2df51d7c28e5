package cli_test

import (
	"bytes"
	"testing"

	"github.com/calvinalkan/persistcache/internal/cli"
)

func Test_Invalid_Global_Flag_When_Invoked(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	stdout, stderr, exitCode := c.Run("--invalid-flag", "stat")

	if got, want := exitCode, 1; got != want {
		t.Errorf("exitCode=%d, want=%d", got, want)
	}

	if got, want := stdout, ""; got != want {
		t.Errorf("stdout=%q, want=%q", got, want)
	}

	cli.AssertContains(t, stderr, "unknown flag")
	cli.AssertContains(t, stderr, "--invalid-flag")

	// Should show valid global options
	cli.AssertContains(t, stderr, "Global flags:")
	cli.AssertContains(t, stderr, "--cwd")
	cli.AssertContains(t, stderr, "--config")
	cli.AssertContains(t, stderr, "--cache-dir")
	cli.AssertContains(t, stderr, "--lock-timeout")
}

func Test_Bare_Command_When_Invoked(t *testing.T) {
	t.Parallel()

	// Call Run directly without test helper (which adds --cwd)
	var stdout, stderr bytes.Buffer

	exitCode := cli.Run(nil, &stdout, &stderr, []string{"cachectl"}, nil, nil)

	if got, want := exitCode, 0; got != want {
		t.Errorf("exitCode=%d, want=%d", got, want)
	}

	if got, want := stderr.String(), ""; got != want {
		t.Errorf("stderr=%q, want=%q", got, want)
	}

	cli.AssertContains(t, stdout.String(), "cachectl - inspect and maintain")
	cli.AssertContains(t, stdout.String(), "lock <key> [flags]")
	cli.AssertContains(t, stdout.String(), "print-config")
	cli.AssertContains(t, stdout.String(), "shell")
}

func Test_Unknown_Command_When_Invoked(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	stderr := c.MustFail("frobnicate")

	cli.AssertContains(t, stderr, "unknown command: frobnicate")
	cli.AssertContains(t, stderr, "Commands:")
}

func Test_Help_Command_Shows_Command_Flags(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)

	stdout := c.MustRun("help", "lock")
	cli.AssertContains(t, stdout, "Usage: cachectl lock <key> [flags]")
	cli.AssertContains(t, stdout, "--hold")
	cli.AssertContains(t, stdout, "--create")

	stdout = c.MustRun("clean", "--help")
	cli.AssertContains(t, stdout, "Usage: cachectl clean [flags]")
	cli.AssertContains(t, stdout, "--force")
}

func Test_Invalid_Config_When_Invoked(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	c.WriteConfig(`{"number_of_locks": 1000}`)

	stderr := c.MustFail("stat")
	cli.AssertContains(t, stderr, "invalid config")
	cli.AssertContains(t, stderr, "number_of_locks")
}

func Test_Invalid_Journal_Flag_When_Invoked(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)

	stderr := c.MustFail("--journal", "redis", "stat")
	cli.AssertContains(t, stderr, "journal must be")
}

func Test_Print_Config_Shows_Resolved_Values_And_Sources(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)

	stdout := c.MustRun("print-config")
	cli.AssertContains(t, stdout, `"cache_dir": "`+c.CacheDir()+`"`)
	cli.AssertContains(t, stdout, `"cleanup_frequency": "daily"`)
	cli.AssertContains(t, stdout, "(defaults only)")

	c.WriteConfig(`{
		// keep entries for a month
		"retention": "30d",
	}`)

	stdout = c.MustRun("--lock-timeout", "5s", "print-config")
	cli.AssertContains(t, stdout, `"retention": "720h0m0s"`)
	cli.AssertContains(t, stdout, `"lock_timeout": "5s"`)
	cli.AssertContains(t, stdout, "project_config=")
	cli.AssertNotContains(t, stdout, "(defaults only)")
}
