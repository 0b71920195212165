package logging

import (
	"testing"

	"github.com/go-logr/logr/funcr"
	"github.com/google/go-cmp/cmp"
)

func TestNew(t *testing.T) {
	for _, opts := range []Options{{}, {JSON: true}, {Verbose: true}} {
		logger, sync, err := New(opts)
		if err != nil {
			t.Fatalf("New(%+v) error = %v", opts, err)
		}
		logger.Info("hello", "k", "v")
		sync()
	}
}

func TestLeveledLogger(t *testing.T) {
	var lines []string
	base := funcr.New(func(prefix, args string) {
		lines = append(lines, args)
	}, funcr.Options{Verbosity: 2})

	l := NewLeveledLogger(base)
	l.Error("request failed", "url", "http://ifconfig.me/ip")
	l.Warn("retrying", "attempt", 1)
	l.Info("performing request", "method", "GET")
	l.Debug("debug detail")

	if len(lines) != 4 {
		t.Fatalf("expected 4 log lines, got %d: %v", len(lines), lines)
	}
}

func TestSanitize(t *testing.T) {
	tests := []struct {
		name string
		in   []interface{}
		want []interface{}
	}{
		{"pairs", []interface{}{"a", 1, "b", 2}, []interface{}{"a", 1, "b", 2}},
		{"odd", []interface{}{"a", 1, "b"}, []interface{}{"fields", []interface{}{"a", 1, "b"}}},
		{"non string key", []interface{}{1, 2}, []interface{}{"fields", []interface{}{1, 2}}},
		{"empty", nil, nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if diff := cmp.Diff(tc.want, sanitize(tc.in)); diff != "" {
				t.Errorf("sanitize() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
