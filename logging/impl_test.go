package logging

import (
	"testing"

	"go.viam.com/test"
)

func TestObservedLogger(t *testing.T) {
	logger, logs := NewObservedTestLogger(t)
	logger.Infow("hello", "images", 2)
	logger.Debugf("batch %d", 7)

	test.That(t, logs.FilterMessage("hello").Len(), test.ShouldEqual, 1)
	test.That(t, logs.FilterMessage("batch 7").Len(), test.ShouldEqual, 1)

	entry := logs.FilterMessage("hello").All()[0]
	test.That(t, entry.ContextMap()["images"], test.ShouldEqual, int64(2))
}

func TestSubloggerNaming(t *testing.T) {
	logger, logs := NewObservedTestLogger(t)
	sub := logger.Sublogger("detection")
	subsub := sub.Sublogger("yolo")

	sub.Infow("from sub")
	subsub.Infow("from subsub")

	test.That(t, logs.FilterMessage("from sub").All()[0].LoggerName, test.ShouldEqual, "detection")
	test.That(t, logs.FilterMessage("from subsub").All()[0].LoggerName, test.ShouldEqual, "detection.yolo")
}

func TestSetLevel(t *testing.T) {
	logger, logs := NewObservedTestLogger(t)
	sub := logger.Sublogger("quiet")
	sub.SetLevel(WARN)
	test.That(t, sub.GetLevel(), test.ShouldEqual, WARN)
	test.That(t, logger.GetLevel(), test.ShouldEqual, DEBUG)

	sub.Infow("dropped")
	sub.Warnw("kept")
	logger.Infow("parent")

	test.That(t, logs.FilterMessage("dropped").Len(), test.ShouldEqual, 0)
	test.That(t, logs.FilterMessage("kept").Len(), test.ShouldEqual, 1)
	test.That(t, logs.FilterMessage("parent").Len(), test.ShouldEqual, 1)
}

func TestLevelFromString(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want Level
	}{
		{"debug", DEBUG},
		{"INFO", INFO},
		{"Warn", WARN},
		{"warning", WARN},
		{"error", ERROR},
	} {
		level, err := LevelFromString(tc.in)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, level, test.ShouldEqual, tc.want)
	}
	_, err := LevelFromString("loud")
	test.That(t, err, test.ShouldNotBeNil)
}

func TestReplaceGlobal(t *testing.T) {
	prev := Global()
	defer ReplaceGlobal(prev)

	logger, logs := NewObservedTestLogger(t)
	ReplaceGlobal(logger)
	Global().Sublogger("detection").Infow("ready")
	test.That(t, logs.FilterMessage("ready").All()[0].LoggerName, test.ShouldEqual, "detection")
}
