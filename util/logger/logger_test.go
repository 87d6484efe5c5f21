package logger

import (
	"bytes"
	"os"
	"os/exec"
	"strings"
	"testing"
)

func TestLogLevelString(t *testing.T) {
	tests := []struct {
		level    LogLevel
		expected string
	}{
		{DEBUG, "DEBUG"},
		{INFO, "INFO"},
		{WARN, "WARN"},
		{ERROR, "ERROR"},
		{FATAL, "FATAL"},
		{LogLevel(99), "UNKNOWN"},
	}

	for _, tt := range tests {
		if got := tt.level.String(); got != tt.expected {
			t.Errorf("LogLevel.String() = %s; want %s", got, tt.expected)
		}
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name    string
		want    LogLevel
		wantErr bool
	}{
		{"debug", DEBUG, false},
		{"INFO", INFO, false},
		{"", INFO, false},
		{" warn ", WARN, false},
		{"warning", WARN, false},
		{"Error", ERROR, false},
		{"fatal", FATAL, false},
		{"verbose", INFO, true},
	}

	for _, tt := range tests {
		got, err := ParseLevel(tt.name)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLevel(%q) error = %v; wantErr %v", tt.name, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %v; want %v", tt.name, got, tt.want)
		}
	}
}

func TestSetDefaultLevel(t *testing.T) {
	orig := DefaultLevel()
	defer SetDefaultLevel(orig)

	SetDefaultLevel(WARN)
	l := NewLogger("defaults")
	if got := l.GetLevel(); got != WARN {
		t.Errorf("NewLogger level = %v; want %v", got, WARN)
	}

	SetDefaultLevel(DEBUG)
	if got := l.GetLevel(); got != WARN {
		t.Errorf("existing logger level changed to %v; want %v", got, WARN)
	}
}

func TestSetAndGetLevel(t *testing.T) {
	l := NewLogger("test")
	l.SetLevel(DEBUG)
	if got := l.GetLevel(); got != DEBUG {
		t.Errorf("GetLevel() = %v; want %v", got, DEBUG)
	}
}

func TestLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger("")
	l.SetOutput(&buf)
	l.SetLevel(DEBUG)

	l.Debugf("debug msg")
	l.Infof("info msg")
	l.Warnf("warn msg")
	l.Errorf("error msg")

	logs := buf.String()
	for _, msg := range []string{"debug msg", "info msg", "warn msg", "error msg"} {
		if !strings.Contains(logs, msg) {
			t.Errorf("Expected log to contain %q", msg)
		}
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger("")
	l.SetOutput(&buf)
	l.SetLevel(WARN)

	l.Debugf("debug msg")
	l.Infof("info msg")
	l.Warnf("warn msg")

	logs := buf.String()
	if strings.Contains(logs, "debug msg") || strings.Contains(logs, "info msg") {
		t.Errorf("Unexpected log entries at level WARN")
	}
	if !strings.Contains(logs, "warn msg") {
		t.Errorf("Expected WARN log to be present")
	}
}

func TestFatalf(t *testing.T) {
	if os.Getenv("TEST_FATAL") == "1" {
		l := NewLogger("test")
		l.Fatalf("fatal error occurred")
		return
	}

	cmd := exec.Command(os.Args[0], "-test.run=TestFatalf")
	cmd.Env = append(os.Environ(), "TEST_FATAL=1")
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	cmd.Stdout = &stderr

	err := cmd.Run()

	if exitErr, ok := err.(*exec.ExitError); !ok || exitErr.ExitCode() != 1 {
		t.Errorf("Expected exit code 1, got %v", err)
	}

	output := stderr.String()
	if !strings.Contains(output, "fatal error occurred") || !strings.Contains(output, "goroutine") {
		t.Errorf("Fatalf did not log expected output or stack trace:\n%s", output)
	}
}

func TestPrefixInLogOutput(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger("PeerRegistry")
	l.SetOutput(&buf)
	l.SetLevel(INFO)

	l.Infof("peer %s added", "alpha")

	output := buf.String()
	if !strings.Contains(output, "[PeerRegistry]") {
		t.Errorf("Expected log output to contain prefix, got: %s", output)
	}
	if !strings.Contains(output, "[INFO]") {
		t.Errorf("Expected log output to contain level, got: %s", output)
	}

	buf.Reset()
	l.SetPrefix("Broadcaster")
	l.Infof("another message")

	output = buf.String()
	if !strings.Contains(output, "[Broadcaster]") || strings.Contains(output, "PeerRegistry") {
		t.Errorf("Expected only the new prefix in output, got: %s", output)
	}
	if got := l.GetPrefix(); got != "Broadcaster" {
		t.Errorf("GetPrefix() = %v; want %v", got, "Broadcaster")
	}
}
