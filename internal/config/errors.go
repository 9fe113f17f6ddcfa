package config

import (
	"errors"
	"fmt"
)

// ErrConfiguration marks every error returned while loading a config. It is
// fatal to the run: no region starts.
var ErrConfiguration = errors.New("configuration error")

type Error struct {
	// Field is the offending config path, e.g. "regions[1].name". Empty for
	// file level problems.
	Field  string
	Reason string
}

func newError(field, format string, args ...any) *Error {
	return &Error{Field: field, Reason: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", ErrConfiguration, e.Reason)
	}
	return fmt.Sprintf("%s: %s: %s", ErrConfiguration, e.Field, e.Reason)
}

func (e *Error) Is(target error) bool {
	return target == ErrConfiguration
}
