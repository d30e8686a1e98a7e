package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNew(t *testing.T) {
	cases := []struct {
		level, format string
		ok            bool
	}{
		{"debug", "console", true},
		{"warn", "json", true},
		{"info", "", true},
		{"loud", "json", false},
		{"info", "xml", false},
	}
	for _, tc := range cases {
		logger, err := New(tc.level, tc.format)
		if (err == nil) != tc.ok {
			t.Fatalf("%s/%s: unexpected error state %v", tc.level, tc.format, err)
		}
		if err != nil {
			continue
		}
		want, _ := zapcore.ParseLevel(tc.level)
		if !logger.Core().Enabled(want) || logger.Core().Enabled(want-1) {
			t.Fatalf("%s/%s: level not applied", tc.level, tc.format)
		}
	}
}
