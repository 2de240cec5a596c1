package dex

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	errTruncatedLeb128 = errors.New("truncated leb128")
	errMalformedLeb128 = errors.New("malformed leb128")
)

// FormatError reports a malformed dex file. Location names the archive entry
// and Index the record the problem was found in, or -1.
type FormatError struct {
	Location string
	Index    int
	Msg      string
}

func (e *FormatError) Error() string {
	if e.Index >= 0 {
		return fmt.Sprintf("%s: invalid dex file at index %d: %s", e.Location, e.Index, e.Msg)
	}
	return fmt.Sprintf("%s: invalid dex file: %s", e.Location, e.Msg)
}

func formatErrorf(location string, index int, format string, args ...interface{}) error {
	return &FormatError{Location: location, Index: index, Msg: fmt.Sprintf(format, args...)}
}
