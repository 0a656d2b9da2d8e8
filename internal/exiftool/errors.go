package exiftool

import "errors"

var (
	// ErrConfiguration reports a missing helper install directory or required option.
	ErrConfiguration = errors.New("configuration error")
	// ErrNotFound reports that the helper executable does not exist.
	ErrNotFound = errors.New("helper executable not found")
	// ErrNotStarted is returned by Submit when the session is not running.
	ErrNotStarted = errors.New("session not started")
	// ErrCommunication reports an I/O failure between the session and the helper.
	// The session cannot resynchronize once it has been returned.
	ErrCommunication = errors.New("helper communication failed")
	// ErrInvalidArgument reports a request the command file cannot carry, such as a
	// path containing a line break. Nothing is written and the session stays usable.
	ErrInvalidArgument = errors.New("invalid helper argument")
)

// IsFatal reports whether err leaves the session unusable for further submits.
func IsFatal(err error) bool {
	return errors.Is(err, ErrCommunication) || errors.Is(err, ErrNotStarted)
}
