package logger

import "testing"

func TestSetupLevels(t *testing.T) {
	cases := []struct {
		level  string
		format string
	}{
		{"DEBUG", "console"},
		{"INFO", "json"},
		{"WARN", "json"},
		{"ERROR", "console"},
		{"bogus", "console"},
	}

	for _, c := range cases {
		Setup(c.level, c.format)
		if Log == nil {
			t.Fatalf("Setup(%q, %q) left Log nil", c.level, c.format)
		}
		// Must not panic with odd or non-string keys
		Log.Info("test message", "key", 1, 42, "value", "dangling")
		Log.Debug("debug message")
		Log.Warn("warn message", "err", "boom")
		Log.Error("error message", "step", 3)
	}
}

func TestWithComponent(t *testing.T) {
	Setup("INFO", "json")
	child := Log.With("controller")
	if child == nil {
		t.Fatal("With returned nil")
	}
	child.Info("child logger works", "run", "abc")
}
