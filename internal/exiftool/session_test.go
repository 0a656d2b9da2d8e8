//go:build !windows

package exiftool

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startSession(t *testing.T, opts Options) *Session {
	t.Helper()
	s := NewSession(opts, nil)
	require.NoError(t, s.Start())
	t.Cleanup(func() { _ = s.Stop() })
	return s
}

func sentinelCount(o Outcome) int {
	n := 0
	for _, l := range o.Lines {
		if strings.Contains(l.Text, Sentinel) {
			n++
		}
	}
	return n
}

func TestStartMissingHelperDir(t *testing.T) {
	work := t.TempDir()
	cmdFile := filepath.Join(work, "exiftool.args")
	s := NewSession(Options{
		HelperDir:   filepath.Join(work, "nope"),
		CommandFile: cmdFile,
	}, nil)

	err := s.Start()
	require.ErrorIs(t, err, ErrConfiguration)
	assert.Equal(t, StateUnstarted, s.State())
	assert.False(t, s.Alive())
	assert.Zero(t, s.Status().PID)
	_, statErr := os.Stat(cmdFile)
	assert.True(t, errors.Is(statErr, os.ErrNotExist), "command file must not be written")
}

func TestStartMissingExecutable(t *testing.T) {
	work := t.TempDir()
	s := NewSession(Options{HelperDir: work, CommandFile: filepath.Join(work, "x.args")}, nil)
	err := s.Start()
	require.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, StateUnstarted, s.State())
}

func TestStartTwiceFails(t *testing.T) {
	s := startSession(t, fakeInstall(t))
	require.Error(t, s.Start())
	assert.Equal(t, StateRunning, s.State())
}

func TestSubmitBeforeStart(t *testing.T) {
	s := NewSession(Options{}, nil)
	_, err := s.Submit(context.Background(), "/tmp/a.jpg")
	require.ErrorIs(t, err, ErrNotStarted)
	assert.True(t, IsFatal(err))
}

func TestSubmitAfterStop(t *testing.T) {
	s := startSession(t, fakeInstall(t))
	require.NoError(t, s.Stop())
	_, err := s.Submit(context.Background(), "/tmp/a.jpg")
	require.ErrorIs(t, err, ErrNotStarted)
}

func TestSubmitReturnsOutcomesInOrder(t *testing.T) {
	opts := fakeInstall(t)
	s := startSession(t, opts)

	const n = 5
	for i := 1; i <= n; i++ {
		path := fmt.Sprintf("/photos/img-%d.jpg", i)
		out, err := s.Submit(context.Background(), path)
		require.NoError(t, err)
		assert.Equal(t, path, out.File)
		require.NotEmpty(t, out.Lines)
		assert.Equal(t, 1, sentinelCount(out), "exactly one sentinel per outcome")
		assert.True(t, out.Lines[len(out.Lines)-1].Sentinel, "sentinel closes the outcome")
		assert.Contains(t, out.Text(), fmt.Sprintf("seq %d pattern %s", i, filepath.Join(opts.TargetDir, opts.FormatPattern)))
		assert.Contains(t, out.Text(), "======== "+path)
		assert.False(t, out.ReportedError())
	}
	assert.Equal(t, int64(n), s.Status().Submits)
}

func TestCommandFileIsAppendOnly(t *testing.T) {
	opts := fakeInstall(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(opts.CommandFile), 0o750))
	require.NoError(t, os.WriteFile(opts.CommandFile, []byte("stale\n"), 0o600))

	s := startSession(t, opts)
	st, err := os.Stat(opts.CommandFile)
	require.NoError(t, err)
	assert.Zero(t, st.Size(), "start resets the command file")

	var last int64
	for i := 0; i < 3; i++ {
		_, err := s.Submit(context.Background(), fmt.Sprintf("/photos/%d.jpg", i))
		require.NoError(t, err)
		st, err := os.Stat(opts.CommandFile)
		require.NoError(t, err)
		assert.Greater(t, st.Size(), last)
		assert.Equal(t, st.Size(), s.Status().CommandBytes)
		last = st.Size()
	}

	b, err := os.ReadFile(opts.CommandFile)
	require.NoError(t, err)
	first := strings.Join(NewRequest(opts, "/photos/0.jpg").Tokens(), "\n") + "\n"
	assert.True(t, strings.HasPrefix(string(b), first), "earlier commands are never rewritten")
	assert.Equal(t, 3, strings.Count(string(b), DirectiveExecute+"\n"))
}

func TestSubmitEmbeddedSentinelEndsOutcome(t *testing.T) {
	s := startSession(t, fakeInstall(t))

	out, err := s.Submit(context.Background(), "/photos/embedded.jpg")
	require.NoError(t, err)
	require.Len(t, out.Lines, 2)
	assert.False(t, out.Lines[0].Sentinel)
	assert.True(t, out.Lines[1].Sentinel)
	assert.Equal(t, "    0 image files updated {ready} (trailing text)", out.Lines[1].Text)
	assert.True(t, out.ReportedError())

	// the stream stays aligned for the next command
	next, err := s.Submit(context.Background(), "/photos/after.jpg")
	require.NoError(t, err)
	assert.Contains(t, next.Text(), "======== /photos/after.jpg")
}

func TestSubmitReportedErrorIsNotFatal(t *testing.T) {
	s := startSession(t, fakeInstall(t))
	out, err := s.Submit(context.Background(), "/photos/reported.jpg")
	require.NoError(t, err)
	assert.True(t, out.ReportedError())
	assert.Len(t, out.Diagnostics(), 2)
	assert.Equal(t, StateRunning, s.State())
}

func TestSubmitLineBreakPathKeepsSessionRunning(t *testing.T) {
	s := startSession(t, fakeInstall(t))
	before := s.Status().CommandBytes

	for _, bad := range []string{"/photos/bad\nname.jpg", "/photos/bad\rname.jpg"} {
		out, err := s.Submit(context.Background(), bad)
		require.ErrorIs(t, err, ErrInvalidArgument)
		assert.False(t, IsFatal(err))
		assert.Equal(t, bad, out.File)
		assert.Equal(t, StateRunning, s.State())
	}
	assert.Equal(t, before, s.Status().CommandBytes, "rejected requests write nothing")

	out, err := s.Submit(context.Background(), "/photos/good.jpg")
	require.NoError(t, err)
	assert.Contains(t, out.Text(), "======== /photos/good.jpg")
	assert.Equal(t, 1, sentinelCount(out))
	assert.Equal(t, StateRunning, s.State())
	assert.Equal(t, int64(1), s.Status().Submits)
}

func TestStderrLinesAreLogged(t *testing.T) {
	opts := fakeInstall(t)
	logger, buf := bufferLogger()
	s := NewSession(opts, logger)
	require.NoError(t, s.Start())
	t.Cleanup(func() { _ = s.Stop() })

	_, err := s.Submit(context.Background(), "/photos/stderr.jpg")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return strings.Contains(buf.String(), "odd maker notes")
	}, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, buf.String(), "stream=stderr")
	assert.Contains(t, buf.String(), "stream=stdout")
}

func TestStopTwiceLeavesNoProcess(t *testing.T) {
	s := startSession(t, fakeInstall(t))
	_, err := s.Submit(context.Background(), "/photos/a.jpg")
	require.NoError(t, err)
	pid := s.Status().PID
	require.Positive(t, pid)

	require.NoError(t, s.Stop())
	assert.False(t, s.Alive())
	assert.Equal(t, StateStopped, s.State())
	assert.Error(t, syscall.Kill(pid, 0), "helper must be reaped after Stop")

	require.NoError(t, s.Stop())
}

func TestStopBeforeStart(t *testing.T) {
	s := NewSession(Options{}, nil)
	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())
	assert.Equal(t, StateStopped, s.State())
}

func TestStopKillsHelperIgnoringShutdown(t *testing.T) {
	opts := fakeInstall(t)
	opts.StopGrace = 100 * time.Millisecond
	s := startSession(t, opts)
	_, err := s.Submit(context.Background(), "/photos/ignore-shutdown.jpg")
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, s.Stop())
	assert.Less(t, time.Since(start), killWait+opts.StopGrace)
	assert.False(t, s.Alive())
}

func TestSubmitTimeoutFailsSession(t *testing.T) {
	opts := fakeInstall(t)
	opts.SubmitTimeout = 200 * time.Millisecond
	opts.StopGrace = 100 * time.Millisecond
	s := startSession(t, opts)

	_, err := s.Submit(context.Background(), "/photos/hang.jpg")
	require.ErrorIs(t, err, ErrCommunication)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StateFailed, s.State())
	assert.NotEmpty(t, s.Status().Error)

	start := time.Now()
	_, err = s.Submit(context.Background(), "/photos/b.jpg")
	require.ErrorIs(t, err, ErrCommunication)
	assert.Less(t, time.Since(start), 100*time.Millisecond, "failed session must fail fast")

	require.NoError(t, s.Stop())
	assert.False(t, s.Alive())
}

func TestHelperCrashFailsSession(t *testing.T) {
	s := startSession(t, fakeInstall(t))
	_, err := s.Submit(context.Background(), "/photos/crash.jpg")
	require.ErrorIs(t, err, ErrCommunication)
	assert.True(t, IsFatal(err))
	require.Eventually(t, func() bool { return !s.Alive() }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, StateFailed, s.State())
	assert.Error(t, s.ExitErr())
}

func TestConcurrentSubmitsAreSerialized(t *testing.T) {
	s := startSession(t, fakeInstall(t))

	const workers = 8
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			path := fmt.Sprintf("/photos/worker-%d.jpg", i)
			out, err := s.Submit(context.Background(), path)
			if err != nil {
				errs <- err
				return
			}
			if !strings.Contains(strings.Join(out.Text(), "\n"), "======== "+path) {
				errs <- fmt.Errorf("outcome for %s paired with %v", path, out.Text())
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	assert.Equal(t, int64(workers), s.Status().Submits)
}
