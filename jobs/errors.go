// Copyright 2025 The analyzer Authors
// This file is part of the analyzer library.
//
// The analyzer library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The analyzer library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the analyzer library. If not, see <http://www.gnu.org/licenses/>.

package jobs

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a job failure. The queue runtime derives the retry
// decision from the kind; workers only raise, they never retry themselves.
type ErrorKind string

const (
	KindLockContention     ErrorKind = "lock-contention"
	KindTimeout            ErrorKind = "timeout"
	KindUpstreamTransient  ErrorKind = "upstream-transient"
	KindUpstreamPermanent  ErrorKind = "upstream-permanent"
	KindValidation         ErrorKind = "validation"
	KindInsufficientInputs ErrorKind = "insufficient-inputs"
	KindDataInvariant      ErrorKind = "data-invariant"
	KindChildFailure       ErrorKind = "child-failure"
	KindCancelled          ErrorKind = "cancelled"
	KindInternal           ErrorKind = "internal"
)

// Retriable reports whether failures of this kind may be re-attempted.
func (k ErrorKind) Retriable() bool {
	switch k {
	case KindLockContention, KindTimeout, KindUpstreamTransient, KindInternal:
		return true
	default:
		return false
	}
}

// Error is a classified job failure.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a classified error with a formatted message.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// WrapError classifies an underlying error.
func WrapError(kind ErrorKind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the classification of err. Unclassified errors count as
// internal, which keeps unknown failures retriable (conservative default).
func KindOf(err error) ErrorKind {
	var je *Error
	if errors.As(err, &je) {
		return je.Kind
	}
	return KindInternal
}

// Retriable reports whether err may be re-attempted.
func Retriable(err error) bool {
	return KindOf(err).Retriable()
}
