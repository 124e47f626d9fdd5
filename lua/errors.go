// Copyright 2024 The golua Authors
// SPDX-License-Identifier: MIT

package lua

import (
	"errors"
	"fmt"
)

// errorToValue converts a Go error into the [value] it carries. If err
// wraps an [errorObject] (raised by Lua's error() or by the runtime
// itself), the wrapped value is returned unchanged so error values keep
// their original type across a protected call. A plain Go error becomes a
// string value of its Error() text.
func errorToValue(err error) value {
	if err == nil {
		return nil
	}
	var obj errorObject
	if errors.As(err, &obj) {
		return obj.value
	}
	return stringValue(err.Error())
}

// errorObject wraps an arbitrary Lua [value] as a Go error so it can
// travel through ordinary Go error returns during unwinding.
type errorObject struct {
	value     value
	traceback string
}

func (obj errorObject) Error() string {
	if obj.value == nil {
		return "nil"
	}
	if s, ok := toDisplayString(obj.value); ok {
		return string(s)
	}
	return "(error object is a " + obj.value.valueType().String() + " value)"
}

// raise returns a Go error carrying v unchanged as its Lua error value; no
// chunk/line prefix is added.
func raise(v value) error {
	return errorObject{value: v}
}

// raisef is a convenience wrapper that raises a formatted string error,
// mirroring luaL_error in the reference implementation.
func raisef(format string, args ...any) error {
	return errorObject{value: stringValue(fmt.Sprintf(format, args...))}
}

// errCCallBoundary is raised when [Thread.Yield] is attempted from inside
// a Go function that did not register itself as yieldable.
var errCCallBoundary = errors.New("attempt to yield across a C-call boundary")

// errCancelled is the distinguished error value used to abort a coroutine
// in response to host cancellation (see [Thread.Resume]).
var errCancelled = errors.New("cancelled")

// IsCancellation reports whether err (or an error it wraps) is the
// distinguished cancellation error raised when a host cancellation token
// fires during execution.
func IsCancellation(err error) bool {
	return errors.Is(err, errCancelled)
}

// RuntimeError describes an error raised by a Lua program, as delivered
// to the embedding host (i.e. one that was not intercepted by a protected
// call inside the running chunk).
type RuntimeError struct {
	// Value is the Lua value passed to error(), or a string value for
	// errors raised internally by the runtime (type errors, bad
	// arguments, and the like).
	Value Value
	// Traceback is a human-readable call stack, one frame per line, as
	// rendered by [Thread.Traceback]: "chunk:line: in main chunk" or
	// "chunk:line: in function <chunk>" for Lua frames and
	// "[Go]: in function 'name'" for Go frames.
	Traceback string
	// Kind classifies the error for hosts that want to react
	// differently to, say, a cancellation than to a user error().
	Kind ErrorKind
}

func (e *RuntimeError) Error() string {
	if e.Traceback == "" {
		return e.Value.String()
	}
	return e.Value.String() + "\n" + e.Traceback
}

// ErrorKind classifies a [RuntimeError] for hosts that branch on failure
// reason rather than inspecting the error value.
type ErrorKind int

const (
	ErrorKindRuntime ErrorKind = iota
	ErrorKindAssertion
	ErrorKindBadArgument
	ErrorKindCancelled
	ErrorKindCompile
)
