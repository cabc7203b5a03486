package diag

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoggerFiltersBelowMinLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelWarn)

	l.Debugf("should not appear")
	l.Infof("should not appear either")
	require.Empty(t, buf.String())

	l.Warnf("heads up: %d", 42)
	require.Contains(t, buf.String(), "WARN")
	require.Contains(t, buf.String(), "heads up: 42")
}

func TestLoggerIncludesLevelTag(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelTrace)

	l.Debugf("trace line")
	l.Errorf("fatal line")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	require.Contains(t, lines[0], "TRACE")
	require.Contains(t, lines[1], "FATAL")
}

func TestLevelString(t *testing.T) {
	require.Equal(t, "TRACE", LevelTrace.String())
	require.Equal(t, "INFO", LevelInfo.String())
	require.Equal(t, "WARN", LevelWarn.String())
	require.Equal(t, "FATAL", LevelFatal.String())
	require.Equal(t, "???", Level(99).String())
}

func TestBytesFormatsHumanReadable(t *testing.T) {
	require.Equal(t, "1.0 kB", Bytes(1000))
}

func TestRelTimeReportsLateOrEarly(t *testing.T) {
	// RelTime(now, now.Add(d), "late", "early"): a positive d puts the
	// second timestamp after now, so humanize picks the first label.
	require.Contains(t, RelTime(time.Hour), "late")
	require.Contains(t, RelTime(-time.Hour), "early")
}
