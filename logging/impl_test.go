package logging

import (
	"context"
	"testing"

	"go.uber.org/zap/zapcore"
	"go.viam.com/test"
)

func TestLevelFiltering(t *testing.T) {
	logger, observed := NewObservedTestLogger(t)

	logger.Debugw("debug line", "key", 1)
	logger.Infof("info %d", 2)
	test.That(t, observed.Len(), test.ShouldEqual, 2)

	logger.SetLevel(WARN)
	test.That(t, logger.GetLevel(), test.ShouldEqual, WARN)
	logger.Debug("dropped")
	logger.Info("dropped")
	logger.Warnw("kept", "node", "0-0-0-0")
	logger.Errorf("kept %s", "too")
	test.That(t, observed.Len(), test.ShouldEqual, 4)

	entries := observed.All()
	test.That(t, entries[0].Level, test.ShouldEqual, zapcore.DebugLevel)
	test.That(t, entries[0].ContextMap()["key"], test.ShouldEqual, int64(1))
	test.That(t, entries[1].Message, test.ShouldEqual, "info 2")
	test.That(t, entries[2].ContextMap()["node"], test.ShouldEqual, "0-0-0-0")
	test.That(t, entries[3].Level, test.ShouldEqual, zapcore.ErrorLevel)
}

func TestContextDebugMode(t *testing.T) {
	logger, observed := NewObservedTestLogger(t)
	logger.SetLevel(INFO)

	ctx := context.Background()
	logger.CDebugf(ctx, "hidden")
	test.That(t, observed.Len(), test.ShouldEqual, 0)

	ctx = EnableDebugMode(ctx, "trace-me")
	test.That(t, IsDebugMode(ctx), test.ShouldBeTrue)
	test.That(t, GetName(ctx), test.ShouldEqual, "trace-me")
	logger.CDebugw(ctx, "shown", "a", "b")
	test.That(t, observed.Len(), test.ShouldEqual, 1)
	test.That(t, observed.All()[0].ContextMap()["traceKey"], test.ShouldEqual, "trace-me")

	test.That(t, GetName(EnableDebugMode(context.Background(), "")), test.ShouldHaveLength, 6)
}

func TestSublogger(t *testing.T) {
	logger, observed := NewObservedTestLogger(t)
	sub := logger.Sublogger("scheduler").Sublogger("queue")
	sub.Info("hello")
	test.That(t, observed.Len(), test.ShouldEqual, 1)
	test.That(t, observed.All()[0].LoggerName, test.ShouldEqual, "scheduler.queue")
}

func TestLevelFromString(t *testing.T) {
	for in, expected := range map[string]Level{"debug": DEBUG, "INFO": INFO, "Warn": WARN, "warning": WARN, "error": ERROR} {
		level, err := LevelFromString(in)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, level, test.ShouldEqual, expected)
	}
	_, err := LevelFromString("loud")
	test.That(t, err, test.ShouldNotBeNil)

	var level Level
	test.That(t, level.UnmarshalJSON([]byte(`"error"`)), test.ShouldBeNil)
	test.That(t, level, test.ShouldEqual, ERROR)
	out, err := level.MarshalJSON()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(out), test.ShouldEqual, `"Error"`)
}
