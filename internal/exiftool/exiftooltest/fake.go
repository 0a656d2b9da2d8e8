// Package exiftooltest provides a fake stay-open exiftool for tests. The test
// binary itself plays the helper: call RunIfHelper first thing in TestMain and
// Install to get a helper directory whose exiftool re-executes the test binary.
package exiftooltest

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

// EnvVar makes the test binary behave as the helper.
const EnvVar = "MEDIO_FAKE_EXIFTOOL"

const (
	sentinel = "{ready}"
	execute  = "-execute"
	stayOpen = "-stay_open"
)

// RunIfHelper exits the process after acting as the helper when EnvVar is set.
func RunIfHelper() {
	if os.Getenv(EnvVar) == "1" {
		os.Exit(Run(os.Args[1:]))
	}
}

// Install creates a helper directory whose exiftool is this test binary and sets
// EnvVar for the test. It skips on Windows.
func Install(t testing.TB) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake helper needs symlinks and process groups on Unix-like systems")
	}
	exe, err := os.Executable()
	if err != nil {
		t.Fatalf("executable: %v", err)
	}
	dir := t.TempDir()
	if err := os.Symlink(exe, filepath.Join(dir, "exiftool")); err != nil {
		t.Fatalf("symlink helper: %v", err)
	}
	t.Setenv(EnvVar, "1")
	return dir
}

// Run tails the -@ argument file like exiftool -stay_open True does.
// The behaviour for a command is chosen by the base name of its source path:
//
//	*stderr*           also writes a warning to stderr
//	*embedded*         emits a diagnostic and a line with {ready} inside longer text
//	*reported*         answers with exiftool's "weren't updated" error summary
//	*hang*             never answers
//	*crash*            exits with status 3
//	*ignore-shutdown*  ignores a later -stay_open False
//
// Any other file gets "seq N pattern P", "======== path", an update count and {ready}.
func Run(args []string) int {
	var file string
	for i := 0; i < len(args)-1; i++ {
		if args[i] == "-@" {
			file = args[i+1]
		}
	}
	f, err := os.Open(file)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open args:", err)
		return 2
	}
	defer func() { _ = f.Close() }()

	r := bufio.NewReader(f)
	var pending []string
	var partial string
	seq := 0
	ignoreShutdown := false
	for {
		chunk, err := r.ReadString('\n')
		if errors.Is(err, io.EOF) {
			partial += chunk
			time.Sleep(5 * time.Millisecond)
			continue
		}
		if err != nil {
			return 2
		}
		line := strings.TrimRight(partial+chunk, "\n")
		partial = ""

		if n := len(pending); n > 0 && pending[n-1] == stayOpen && line == "False" {
			if ignoreShutdown {
				pending = pending[:n-1]
				continue
			}
			return 0
		}
		if line != execute {
			pending = append(pending, line)
			continue
		}

		seq++
		path := ""
		if len(pending) > 0 {
			path = pending[len(pending)-1]
		}
		name := filepath.Base(path)
		pattern := ""
		for i := 0; i < len(pending)-1; i++ {
			if pending[i] == "-d" {
				pattern = pending[i+1]
			}
		}
		pending = nil

		switch {
		case strings.Contains(name, "crash"):
			return 3
		case strings.Contains(name, "hang"):
			time.Sleep(time.Hour)
		case strings.Contains(name, "embedded"):
			fmt.Println("Error: File format not supported -", path)
			fmt.Println("    0 image files updated " + sentinel + " (trailing text)")
			continue
		case strings.Contains(name, "reported"):
			fmt.Println("Error: No writable tags set from", path)
			fmt.Println("    1 files weren't updated due to errors")
			fmt.Println(sentinel)
			continue
		}
		if strings.Contains(name, "stderr") {
			fmt.Fprintln(os.Stderr, "Warning: [minor] odd maker notes -", path)
		}
		if strings.Contains(name, "ignore-shutdown") {
			ignoreShutdown = true
		}
		fmt.Printf("seq %d pattern %s\n", seq, pattern)
		fmt.Println("======== " + path)
		fmt.Println("    1 image files updated")
		fmt.Println(sentinel)
	}
}
