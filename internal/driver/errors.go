package driver

import (
	"fmt"

	"github.com/pkg/errors"
)

// UsageError reports a command line the driver refuses. Nothing has been
// opened when it is returned.
type UsageError struct {
	Msg string
}

func (e *UsageError) Error() string { return e.Msg }

func usagef(format string, args ...interface{}) error {
	return &UsageError{Msg: fmt.Sprintf(format, args...)}
}

// ResourceError reports a file that could not be created, opened, mapped,
// flushed or truncated.
type ResourceError struct {
	Path string
	Err  error
}

func (e *ResourceError) Error() string { return e.Path + ": " + e.Err.Error() }
func (e *ResourceError) Unwrap() error { return e.Err }
func (e *ResourceError) Cause() error  { return e.Err }

func resourceErr(path string, err error) error {
	if err == nil {
		return nil
	}
	return &ResourceError{Path: path, Err: err}
}

// IsUsageError reports whether err, or the error it wraps, is a
// *UsageError.
func IsUsageError(err error) bool {
	var u *UsageError
	return errors.As(err, &u)
}
