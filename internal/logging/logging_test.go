package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/charmbracelet/log"
)

func Test_New_Writes_Key_Values_At_Or_Above_Level(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	logger, err := New(&buf, "info")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	logger.Debug("hidden", "lock", "journal")
	logger.Info("released lock", "lock", "journal")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("output=%q, want debug line filtered", out)
	}

	if !strings.Contains(out, "released lock") || !strings.Contains(out, "lock=journal") {
		t.Fatalf("output=%q, want info line with key/value", out)
	}
}

func Test_ParseLevel_Defaults_To_Warn_And_Rejects_Unknown(t *testing.T) {
	t.Parallel()

	lvl, err := ParseLevel("")
	if err != nil {
		t.Fatalf("ParseLevel(\"\"): %v", err)
	}

	if lvl != log.WarnLevel {
		t.Fatalf("ParseLevel(\"\")=%v, want %v", lvl, log.WarnLevel)
	}

	lvl, err = ParseLevel(" DEBUG ")
	if err != nil || lvl != log.DebugLevel {
		t.Fatalf("ParseLevel(DEBUG)=(%v, %v), want (%v, nil)", lvl, err, log.DebugLevel)
	}

	if _, err := ParseLevel("chatty"); err == nil {
		t.Fatalf("ParseLevel(chatty): want error")
	}
}

func Test_OrDiscard_Returns_Given_Logger(t *testing.T) {
	t.Parallel()

	l := log.New(&bytes.Buffer{})
	if OrDiscard(l) != l {
		t.Fatalf("OrDiscard(l) != l")
	}

	if OrDiscard(nil) == nil {
		t.Fatalf("OrDiscard(nil) = nil")
	}
}
