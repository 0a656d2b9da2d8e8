//go:build !windows

package scanner

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/medio/internal/exiftool"
	"github.com/loykin/medio/internal/exiftool/exiftooltest"
	"github.com/loykin/medio/internal/history"
)

func countEvents(sink *memorySink, file string, typ history.EventType) int {
	n := 0
	for _, e := range sink.all() {
		if e.Record.File == file && e.Type == typ {
			n++
		}
	}
	return n
}

func TestLineBreakFileNameDoesNotStopLoop(t *testing.T) {
	opts := dirs(t, "bad\nname.jpg", "good.jpg")
	session := exiftool.NewSession(exiftool.Options{
		HelperDir:     exiftooltest.Install(t),
		CommandFile:   filepath.Join(t.TempDir(), "exiftool.args"),
		TargetDir:     opts.TargetDir,
		FormatPattern: "%Y/%m/%Y%m%d_%H%M%S%%-c.%%e",
		SubmitTimeout: 5 * time.Second,
		StopGrace:     2 * time.Second,
	}, nil)
	require.NoError(t, session.Start())
	t.Cleanup(func() { _ = session.Stop() })

	sink := &memorySink{}
	l := New(opts, session, nil)
	l.SetHistory(sink)

	bad := filepath.Join(opts.SourceDir, "bad\nname.jpg")
	good := filepath.Join(opts.SourceDir, "good.jpg")
	err := runUntil(t, l, func() bool { return countEvents(sink, good, history.EventProcessed) >= 2 })
	require.NoError(t, err)

	assert.Equal(t, exiftool.StateRunning, session.State())
	assert.GreaterOrEqual(t, countEvents(sink, bad, history.EventFailed), 2)
	assert.GreaterOrEqual(t, l.Stats().Failures, uint64(2))
	assert.Zero(t, countEvents(sink, good, history.EventFailed))
}
