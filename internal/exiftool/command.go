package exiftool

import (
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

// Protocol tokens understood by exiftool in -stay_open mode.
const (
	Sentinel         = "{ready}"
	DirectiveExecute = "-execute"
	DirectiveStay    = "-stay_open"
)

// DefaultDateTags are the metadata tags used to derive the new file name,
// written in this order.
var DefaultDateTags = []string{"FileModifyDate", "CreateDate", "DateTimeOriginal"}

const (
	DefaultBinary        = "exiftool"
	DefaultStopGrace     = 5 * time.Second
	DefaultSubmitTimeout = 60 * time.Second
)

// Options configures a Session. They are read once by NewSession.
type Options struct {
	HelperDir     string        // exiftool installation directory
	HelperBinary  string        // executable name inside HelperDir (default exiftool)
	CommandFile   string        // append-only argument file polled by the helper
	TargetDir     string        // destination root for renamed files
	FormatPattern string        // strftime-like pattern passed with -d, relative to TargetDir
	DateTags      []string      // -filename<Tag directives, in write order
	SubmitTimeout time.Duration // bound for one command's response; 0 waits forever
	StopGrace     time.Duration // wait for voluntary exit before SIGKILL
}

func (o Options) withDefaults() Options {
	if strings.TrimSpace(o.HelperBinary) == "" {
		o.HelperBinary = DefaultBinary
	}
	if len(o.DateTags) == 0 {
		o.DateTags = append([]string(nil), DefaultDateTags...)
	}
	if o.StopGrace <= 0 {
		o.StopGrace = DefaultStopGrace
	}
	if o.SubmitTimeout < 0 {
		o.SubmitTimeout = 0
	}
	return o
}

// ExecutablePath returns the helper executable location inside HelperDir.
func (o Options) ExecutablePath() string {
	bin := o.HelperBinary
	if bin == "" {
		bin = DefaultBinary
	}
	if runtime.GOOS == "windows" && filepath.Ext(bin) == "" {
		bin += ".exe"
	}
	return filepath.Join(o.HelperDir, bin)
}

// Request is the ordered argument list for one file. It is immutable once built.
type Request struct {
	File   string
	tokens []string
}

// NewRequest builds the rename command for path:
// verbose, recursive, -d <target/pattern>, one -filename<Tag per date tag,
// the source path and the execute directive.
func NewRequest(o Options, path string) Request {
	o = o.withDefaults()
	tokens := make([]string, 0, 6+len(o.DateTags))
	tokens = append(tokens, "-v", "-r", "-d", filepath.Join(o.TargetDir, o.FormatPattern))
	for _, tag := range o.DateTags {
		tokens = append(tokens, "-filename<"+tag)
	}
	tokens = append(tokens, path, DirectiveExecute)
	return Request{File: path, tokens: tokens}
}

// Validate reports ErrInvalidArgument when a token cannot be written as one line.
func (r Request) Validate() error {
	return validateTokens(r.tokens)
}

func validateTokens(tokens []string) error {
	for _, t := range tokens {
		if strings.ContainsAny(t, "\r\n") {
			return fmt.Errorf("%w: %q contains a line break", ErrInvalidArgument, t)
		}
	}
	return nil
}

// Tokens returns a copy of the request arguments.
func (r Request) Tokens() []string {
	return append([]string(nil), r.tokens...)
}

// shutdownTokens asks a stay-open helper to exit after draining its queue.
func shutdownTokens() []string {
	return []string{DirectiveStay, "False"}
}

// launchArgs are the helper arguments that keep it resident and point it at the command file.
func launchArgs(commandFile string) []string {
	return []string{DirectiveStay, "True", "-@", commandFile}
}
