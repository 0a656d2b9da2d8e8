package exiftool

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	gopsproc "github.com/shirou/gopsutil/v4/process"

	"github.com/loykin/medio/internal/metrics"
)

// killWait bounds how long Stop waits for the helper to be reaped after SIGKILL.
const killWait = 2 * time.Second

// Session owns one resident exiftool process for its whole lifetime and
// pairs each appended command with the next sentinel-terminated response.
type Session struct {
	opts Options
	log  *slog.Logger

	// submitMu serializes Submit: the helper runs one command at a time and
	// responses are paired with requests strictly in order.
	submitMu sync.Mutex

	stateMu   sync.Mutex
	state     State
	failure   error
	id        string
	startedAt time.Time
	stoppedAt time.Time

	cmd      *exec.Cmd
	channel  *Channel
	stderrWG sync.WaitGroup
	waitDone chan struct{} // closed once cmd.Wait returned
	exitErr  error         // valid after waitDone is closed

	submits atomic.Int64
}

// NewSession returns an unstarted session. A nil logger discards output.
func NewSession(opts Options, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Session{opts: opts.withDefaults(), log: logger.With("component", "exiftool")}
	s.ReportState()
	return s
}

// ReportState publishes the current state to the session state gauge. Call it after
// registering metrics when the session was built first.
func (s *Session) ReportState() {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.setStateLocked(s.state)
}

// Start validates the helper installation, resets the command file and launches
// the helper in stay-open mode. Nothing is spawned or written when validation fails.
func (s *Session) Start() error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.state != StateUnstarted {
		return fmt.Errorf("start session: already %s", s.state)
	}

	if strings.TrimSpace(s.opts.HelperDir) == "" {
		return fmt.Errorf("%w: helper directory not set", ErrConfiguration)
	}
	fi, err := os.Stat(s.opts.HelperDir)
	if err != nil || !fi.IsDir() {
		return fmt.Errorf("%w: helper directory %s does not exist", ErrConfiguration, s.opts.HelperDir)
	}
	exe := s.opts.ExecutablePath()
	if fi, err := os.Stat(exe); err != nil || fi.IsDir() {
		return fmt.Errorf("%w: %s", ErrNotFound, exe)
	}
	if strings.TrimSpace(s.opts.CommandFile) == "" {
		return fmt.Errorf("%w: command file not set", ErrConfiguration)
	}

	ch, err := OpenChannel(s.opts.CommandFile)
	if err != nil {
		return err
	}

	// #nosec G204 -- executable is the configured helper, arguments are fixed
	cmd := exec.Command(exe, launchArgs(ch.Path())...)
	cmd.Dir = s.opts.HelperDir
	configureSysProcAttr(cmd)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = ch.Close()
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		_ = ch.Close()
		return fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		_ = ch.Close()
		return fmt.Errorf("start helper %s: %w", exe, err)
	}

	s.id = uuid.NewString()
	s.cmd = cmd
	s.channel = ch
	s.waitDone = make(chan struct{})
	s.startedAt = time.Now()
	s.log = s.log.With("session", s.id)

	ch.attach(stdout)
	s.stderrWG.Add(1)
	go s.observeStderr(stderr)
	go s.reap()

	s.setStateLocked(StateRunning)
	metrics.IncHelperStart()
	s.log.Info("helper started", "pid", cmd.Process.Pid, "executable", exe, "command_file", ch.Path())
	return nil
}

// Submit sends the rename command for path and blocks until the helper answers
// with the sentinel, the submit bound expires, or ctx is done. Lines are logged as
// they arrive. Any I/O failure fails the session; a path the command file cannot
// carry returns ErrInvalidArgument and leaves the session running.
func (s *Session) Submit(ctx context.Context, path string) (Outcome, error) {
	s.submitMu.Lock()
	defer s.submitMu.Unlock()

	if err := s.usable(); err != nil {
		return Outcome{File: path}, err
	}
	req := NewRequest(s.opts, path)
	if err := req.Validate(); err != nil {
		metrics.ObserveSubmit(metrics.ResultFailed, 0)
		return Outcome{File: path}, err
	}
	if s.opts.SubmitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.SubmitTimeout)
		defer cancel()
	}

	log := s.log.With("file", path)
	if err := s.channel.Append(req.Tokens()...); err != nil {
		s.fail(err)
		metrics.ObserveSubmit(metrics.ResultFailed, 0)
		return Outcome{File: path}, err
	}

	out, err := s.channel.NextOutcome(ctx, func(l ResponseLine) {
		if l.Sentinel {
			return
		}
		log.Debug("helper output", "stream", "stdout", "line", l.Text)
	})
	out.File = path
	if err != nil {
		s.fail(err)
		metrics.ObserveSubmit(metrics.ResultFailed, out.Duration.Seconds())
		return out, err
	}
	s.submits.Add(1)
	result := metrics.ResultOK
	if out.ReportedError() {
		result = metrics.ResultReportedError
	}
	metrics.ObserveSubmit(result, out.Duration.Seconds())
	return out, nil
}

// Stop asks the helper to exit, waits StopGrace, then kills its process group.
// It is safe to call more than once.
func (s *Session) Stop() error {
	s.stateMu.Lock()
	prev := s.state
	switch prev {
	case StateStopped:
		s.stateMu.Unlock()
		return nil
	case StateUnstarted:
		s.setStateLocked(StateStopped)
		s.stateMu.Unlock()
		return nil
	}
	s.setStateLocked(StateStopped)
	s.stoppedAt = time.Now()
	cmd, ch, done := s.cmd, s.channel, s.waitDone
	s.stateMu.Unlock()

	if err := ch.Append(shutdownTokens()...); err != nil {
		s.log.Debug("shutdown directive not written", "error", err)
	}

	var stopErr error
	select {
	case <-done:
	case <-time.After(s.opts.StopGrace):
		s.log.Warn("helper did not exit in time, killing", "grace", s.opts.StopGrace)
		if err := killGroup(cmd); err != nil && !errors.Is(err, os.ErrProcessDone) {
			s.log.Debug("kill helper", "error", err)
		}
		select {
		case <-done:
		case <-time.After(killWait):
			stopErr = fmt.Errorf("helper pid %d not reaped after kill", cmd.Process.Pid)
		}
	}
	if err := ch.Close(); err != nil && stopErr == nil {
		stopErr = fmt.Errorf("close command file: %w", err)
	}
	metrics.IncHelperStop()
	s.log.Info("helper stopped", "previous_state", prev.String(), "submits", s.submits.Load())
	return stopErr
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

// ID returns the session id assigned by Start, or "" before that.
func (s *Session) ID() string {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.id
}

// Alive reports whether the helper process has not been reaped yet.
func (s *Session) Alive() bool {
	s.stateMu.Lock()
	done := s.waitDone
	s.stateMu.Unlock()
	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}

// Status is a point-in-time snapshot of the session.
type Status struct {
	ID           string    `json:"id"`
	State        string    `json:"state"`
	PID          int       `json:"pid"`
	Alive        bool      `json:"alive"`
	StartedAt    time.Time `json:"started_at"`
	StoppedAt    time.Time `json:"stopped_at"`
	Submits      int64     `json:"submits"`
	CommandFile  string    `json:"command_file"`
	CommandBytes int64     `json:"command_bytes"`
	RSSBytes     uint64    `json:"rss_bytes,omitempty"`
	Error        string    `json:"error,omitempty"`
}

// Status returns a snapshot including the helper's resident memory while it runs.
func (s *Session) Status() Status {
	s.stateMu.Lock()
	st := Status{
		ID:        s.id,
		State:     s.state.String(),
		StartedAt: s.startedAt,
		StoppedAt: s.stoppedAt,
		Submits:   s.submits.Load(),
	}
	if s.failure != nil {
		st.Error = s.failure.Error()
	}
	if s.cmd != nil && s.cmd.Process != nil {
		st.PID = s.cmd.Process.Pid
	}
	if s.channel != nil {
		st.CommandFile = s.channel.Path()
		st.CommandBytes = s.channel.Size()
	}
	s.stateMu.Unlock()

	st.Alive = s.Alive()
	if st.Alive && st.PID > 0 {
		if p, err := gopsproc.NewProcess(int32(st.PID)); err == nil {
			if mi, err := p.MemoryInfo(); err == nil && mi != nil {
				st.RSSBytes = mi.RSS
			}
		}
	}
	return st
}

func (s *Session) usable() error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	switch s.state {
	case StateRunning:
		return nil
	case StateFailed:
		return fmt.Errorf("%w: session failed earlier: %w", ErrCommunication, s.failure)
	case StateStopped:
		return fmt.Errorf("%w: session stopped", ErrNotStarted)
	default:
		return ErrNotStarted
	}
}

// fail moves a running session to Failed; later errors keep the first cause.
func (s *Session) fail(err error) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.state != StateRunning {
		return
	}
	s.failure = err
	s.setStateLocked(StateFailed)
	s.log.Error("helper session failed", "error", err)
}

func (s *Session) setStateLocked(next State) {
	s.state = next
	for _, st := range States() {
		metrics.SetSessionState(st.String(), st == next)
	}
}

func (s *Session) observeStderr(r io.Reader) {
	defer s.stderrWG.Done()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineLength)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		s.log.Warn("helper stderr", "stream", "stderr", "line", line)
	}
}

// reap is the only caller of cmd.Wait. Both pipes are read to EOF first.
func (s *Session) reap() {
	s.stateMu.Lock()
	cmd, ch, done := s.cmd, s.channel, s.waitDone
	s.stateMu.Unlock()

	<-ch.readerDone
	s.stderrWG.Wait()
	err := cmd.Wait()
	s.exitErr = err
	close(done)

	if err != nil {
		s.log.Debug("helper exited", "error", err)
	}
	s.fail(fmt.Errorf("%w: helper exited: %v", ErrCommunication, exitDescription(err)))
}

// ExitErr returns the helper's exit error once it has been reaped.
func (s *Session) ExitErr() error {
	s.stateMu.Lock()
	done := s.waitDone
	s.stateMu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return s.exitErr
	default:
		return nil
	}
}

func exitDescription(err error) string {
	if err == nil {
		return "status 0"
	}
	return err.Error()
}
