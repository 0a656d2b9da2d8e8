package exiftool

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	lineBuffer    = 256
	maxLineLength = 1024 * 1024
)

// Channel is the append-only command file plus the line reader over the helper's stdout.
// The file is never rewritten while the helper is alive: it tracks its own read offset.
type Channel struct {
	path     string
	sentinel string

	mu   sync.Mutex // guards f and size
	f    *os.File
	size int64

	lines      chan string
	readErr    error // set by the reader before lines is closed
	quit       chan struct{}
	readerDone chan struct{}
	closeOnce  sync.Once
}

// OpenChannel truncates the command file at path and opens it for appending.
func OpenChannel(path string) (*Channel, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("%w: command file path is empty", ErrConfiguration)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create command file dir: %w", err)
	}
	// Reset happens only here, before a helper is attached.
	if err := os.WriteFile(path, nil, 0o600); err != nil {
		return nil, fmt.Errorf("reset command file: %w", err)
	}
	// #nosec G304 -- path comes from operator configuration
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open command file: %w", err)
	}
	return &Channel{
		path:       path,
		sentinel:   Sentinel,
		f:          f,
		lines:      make(chan string, lineBuffer),
		quit:       make(chan struct{}),
		readerDone: make(chan struct{}),
	}, nil
}

// Path returns the command file location.
func (c *Channel) Path() string { return c.path }

// Size returns the number of bytes appended since the channel was opened.
func (c *Channel) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// Append writes tokens one per line as a single write.
func (c *Channel) Append(tokens ...string) error {
	if len(tokens) == 0 {
		return nil
	}
	if err := validateTokens(tokens); err != nil {
		return err
	}
	var b strings.Builder
	for _, t := range tokens {
		b.WriteString(t)
		b.WriteByte('\n')
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.f == nil {
		return fmt.Errorf("%w: append to %s: %w", ErrCommunication, c.path, os.ErrClosed)
	}
	n, err := c.f.WriteString(b.String())
	c.size += int64(n)
	if err != nil {
		return fmt.Errorf("%w: append to %s: %w", ErrCommunication, c.path, err)
	}
	return nil
}

// attach starts the background reader over the helper's stdout.
// It must be called exactly once.
func (c *Channel) attach(r io.Reader) {
	go c.read(r)
}

func (c *Channel) read(r io.Reader) {
	defer close(c.readerDone)
	defer close(c.lines)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineLength)
	for sc.Scan() {
		text := strings.TrimRight(sc.Text(), "\r")
		select {
		case c.lines <- text:
		case <-c.quit:
			// closing: keep draining to EOF so the helper never blocks on a full pipe
		}
	}
	c.readErr = sc.Err()
}

// Responses yields helper output lines until one contains the sentinel.
// A line that merely contains the sentinel inside longer text still ends the sequence.
// Stream closure or ctx expiry yields a single ErrCommunication error.
func (c *Channel) Responses(ctx context.Context) iter.Seq2[ResponseLine, error] {
	return func(yield func(ResponseLine, error) bool) {
		for {
			select {
			case <-ctx.Done():
				yield(ResponseLine{}, fmt.Errorf("%w: waiting for %s: %w", ErrCommunication, c.sentinel, ctx.Err()))
				return
			case text, ok := <-c.lines:
				if !ok {
					err := c.readErr
					if err == nil {
						err = io.EOF
					}
					yield(ResponseLine{}, fmt.Errorf("%w: response stream closed: %w", ErrCommunication, err))
					return
				}
				line := ResponseLine{Text: text, Sentinel: strings.Contains(text, c.sentinel)}
				if !yield(line, nil) || line.Sentinel {
					return
				}
			}
		}
	}
}

// NextOutcome collects one command's response. onLine, when set, sees each line as it arrives.
func (c *Channel) NextOutcome(ctx context.Context, onLine func(ResponseLine)) (Outcome, error) {
	started := time.Now()
	var out Outcome
	for line, err := range c.Responses(ctx) {
		if err != nil {
			out.Duration = time.Since(started)
			return out, err
		}
		if onLine != nil {
			onLine(line)
		}
		out.Lines = append(out.Lines, line)
	}
	out.Duration = time.Since(started)
	return out, nil
}

// Close releases the command file and turns the reader into a drain.
// It does not wait for the reader; see wait.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.quit)
		c.mu.Lock()
		if c.f != nil {
			err = c.f.Close()
			c.f = nil
		}
		c.mu.Unlock()
	})
	return err
}
