package observability

import (
	"bytes"
	"log"
	"strings"
	"testing"
)

func TestStdLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := NewStdLogger(log.New(&buf, "", 0), false)

	logger.Debug("hidden")
	logger.Info("applied", F("account", "paper_0"), F("count", 3))
	logger.Error("boom")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("debug line should be suppressed")
	}
	if !strings.Contains(out, "INFO applied account=paper_0 count=3") {
		t.Errorf("missing info line in %q", out)
	}
	if !strings.Contains(out, "ERROR boom") {
		t.Errorf("missing error line in %q", out)
	}
}

func TestGlobalLogger(t *testing.T) {
	var buf bytes.Buffer
	SetLogger(NewStdLogger(log.New(&buf, "", 0), true))
	defer SetLogger(nil)

	Log().Debug("visible")
	if !strings.Contains(buf.String(), "DEBUG visible") {
		t.Errorf("expected debug line, got %q", buf.String())
	}

	SetLogger(nil)
	Log().Info("noop")
}
