// Copyright 2024 The golua Authors
// SPDX-License-Identifier: MIT

package lua

import (
	"context"
	"fmt"
)

// Context is passed to every registered [Function], giving it type-checked
// access to its arguments, a place to write results, and the running
// [Thread]. A Context is only valid for the duration of the call it was
// created for.
type Context struct {
	th      *Thread
	fn      *goFunction
	nPushed int
}

// Thread returns the thread the call is running on.
func (c *Context) Thread() *Thread { return c.th }

// GlobalState returns the owning global state.
func (c *Context) GlobalState() *GlobalState { return c.th.global }

// Context returns the cancellation context this call is running under, as
// passed to [Thread.Run] or the [Thread.Resume] that started this
// coroutine.
func (c *Context) Context() context.Context {
	if c.th.ctx == nil {
		return context.Background()
	}
	return c.th.ctx
}

// Err reports the distinguished cancellation error if the call's context
// has been cancelled, matching [IsCancellation].
func (c *Context) Err() error { return c.th.checkCancellation() }

// Name returns the name the function was registered under.
func (c *Context) Name() string { return c.fn.name }

func (c *Context) base() int { return c.th.frame().functionIndex }

// NumArgs returns the number of arguments passed to this call.
func (c *Context) NumArgs() int { return c.th.Top() }

// Arg returns the i'th argument (1-based), or nil if fewer were passed.
func (c *Context) Arg(i int) Value {
	idx := c.base() + i
	if i < 1 || idx >= len(c.th.stack) {
		return Value{}
	}
	return Value{v: c.th.stack[idx]}
}

func (c *Context) argError(i int, expected string, got value) error {
	name := "?"
	if i >= 1 && i <= c.NumArgs() {
		name = fmt.Sprintf("#%d", i)
	}
	return &RuntimeError{
		Kind: ErrorKindBadArgument,
		Value: Value{v: stringValue(fmt.Sprintf(
			"bad argument %s to '%s' (%s expected, got %s)",
			name, c.fn.name, expected, valueType(got)))},
	}
}

// CheckNumber returns the i'th argument as a number, coercing a numeric
// string if necessary, or an error describing the expected type.
func (c *Context) CheckNumber(i int) (float64, error) {
	v := c.Arg(i).v
	n, ok := toNumber(v)
	if !ok {
		return 0, c.argError(i, "number", v)
	}
	return float64(n), nil
}

// CheckInteger returns the i'th argument as an int64, failing if it has a
// fractional part or is not representable.
func (c *Context) CheckInteger(i int) (int64, error) {
	v := c.Arg(i).v
	n, ok := toInteger(v)
	if !ok {
		return 0, c.argError(i, "number", v)
	}
	return n, nil
}

// CheckString returns the i'th argument as a string. Per Lua's coercion
// rules, a number argument is accepted and formatted as a string.
func (c *Context) CheckString(i int) (string, error) {
	v := c.Arg(i).v
	if s, ok := toDisplayString(v); ok {
		return string(s), nil
	}
	return "", c.argError(i, "string", v)
}

// CheckTable returns the i'th argument as a [*Table].
func (c *Context) CheckTable(i int) (*Table, error) {
	v := c.Arg(i).v
	t, ok := v.(*table)
	if !ok {
		return nil, c.argError(i, "table", v)
	}
	return &Table{t: t}, nil
}

// CheckFunction returns the i'th argument as a [*Closure].
func (c *Context) CheckFunction(i int) (*Closure, error) {
	v := c.Arg(i).v
	fn, ok := v.(function)
	if !ok {
		return nil, c.argError(i, "function", v)
	}
	return &Closure{fn: fn}, nil
}

// CheckUserdata returns the i'th argument's wrapped Go value, requiring it
// to be a full userdata created under the given type name.
func (c *Context) CheckUserdata(i int, typeName string) (any, error) {
	v := c.Arg(i).v
	u, ok := v.(*userdataValue)
	if !ok || u.typeName != typeName {
		return nil, c.argError(i, typeName, v)
	}
	return u.data, nil
}

// CheckLightUserdata returns the i'th argument as a light userdata token.
func (c *Context) CheckLightUserdata(i int) (uintptr, error) {
	v := c.Arg(i).v
	p, ok := v.(lightUserdataValue)
	if !ok {
		return 0, c.argError(i, "light userdata", v)
	}
	return uintptr(p), nil
}

// OptNumber is like CheckNumber but returns def if the argument is absent
// or nil.
func (c *Context) OptNumber(i int, def float64) (float64, error) {
	if c.Arg(i).IsNil() {
		return def, nil
	}
	return c.CheckNumber(i)
}

// OptString is like CheckString but returns def if the argument is absent
// or nil.
func (c *Context) OptString(i int, def string) (string, error) {
	if c.Arg(i).IsNil() {
		return def, nil
	}
	return c.CheckString(i)
}

// Push appends v as the next result value. Results must be pushed in
// order; the Function should return the total number pushed.
func (c *Context) Push(v Value) {
	idx := c.base() + c.nPushed
	c.th.grow(idx + 1)
	c.th.stack[idx] = v.v
	c.nPushed++
}

// NumPushed returns how many results have been pushed so far.
func (c *Context) NumPushed() int { return c.nPushed }
