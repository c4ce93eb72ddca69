// Package skerr provides error wrapping with stack context. It is a thin
// layer over github.com/pkg/errors which fixes the conventions used
// throughout this repo: wrap errors as soon as they cross a package
// boundary, never double-wrap.
package skerr

import (
	"github.com/pkg/errors"
)

// Wrap adds a stack trace to the given error, if it does not already carry
// one. Returns nil if err is nil.
func Wrap(err error) error {
	return errors.WithStack(err)
}

// Wrapf annotates the given error with a formatted message and a stack
// trace. Returns nil if err is nil.
func Wrapf(err error, format string, args ...interface{}) error {
	return errors.Wrapf(err, format, args...)
}

// Fmt returns a new error with a formatted message and a stack trace.
func Fmt(format string, args ...interface{}) error {
	return errors.Errorf(format, args...)
}

// Unwrap returns the underlying cause of the given error, or the error
// itself if it carries no cause.
func Unwrap(err error) error {
	return errors.Cause(err)
}
