package logging

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/nhle/taskbot/internal/model"
)

func TestFormatterWritesFieldsInOrder(t *testing.T) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	logger.SetFormatter(&Formatter{SystemName: "test"})

	logger.WithFields(logrus.Fields{"user_id": 7, "event_id": 3}).Warn("reminder failed")

	line := buf.String()
	for _, want := range []string{
		"Event Source: test",
		"Event Type: WARNING",
		"Message: reminder failed",
		"event_id=3, user_id=7",
	} {
		if !strings.Contains(line, want) {
			t.Fatalf("missing %q in %q", want, line)
		}
	}
	if !strings.HasSuffix(line, "\n") || strings.Count(line, "\n") != 1 {
		t.Fatalf("expected a single line, got %q", line)
	}
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	if _, err := New(model.LogConfig{Level: "loud"}); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

func TestNewWithFileCreatesDirectory(t *testing.T) {
	dir := t.TempDir()
	logger, err := New(model.LogConfig{Level: "debug", File: filepath.Join(dir, "logs", "taskbot.log")})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if logger.GetLevel() != logrus.DebugLevel || !logger.ReportCaller {
		t.Fatalf("expected debug level with caller reporting")
	}
}
