package logging

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNamed(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	Named(zap.New(core).Sugar(), "discovery").Infof("found %d device(s)", 2)

	entries := logs.All()
	if len(entries) != 1 || entries[0].LoggerName != "discovery" || entries[0].Message != "found 2 device(s)" {
		t.Fatalf("unexpected log entries: %+v", entries)
	}

	null := &NullLogger{}
	if Named(null, "discovery") != Logger(null) {
		t.Fatalf("non-zap logger was replaced")
	}
}

func TestNew(t *testing.T) {
	for _, debug := range []bool{false, true} {
		l, err := New(debug)
		if err != nil {
			t.Fatalf("failed to build logger (debug: %v): %s", debug, err)
		}
		if enabled := l.Desugar().Core().Enabled(zapcore.DebugLevel); enabled != debug {
			t.Fatalf("unexpected debug level state, want %v, have %v", debug, enabled)
		}
	}
}
