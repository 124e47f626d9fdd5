// Copyright 2024 The golua Authors
// SPDX-License-Identifier: MIT

package lua

import "fmt"

// OpenBase installs the basic library (print, type, tostring, tonumber,
// pairs/ipairs/next, pcall/xpcall, error, assert, raw accessors, select)
// into g's global table, the same minimal "always available" surface the
// reference implementation calls luaopen_base.
func (g *GlobalState) OpenBase() {
	globals := g.Globals()
	reg := func(name string, yieldable bool, fn Function) {
		globals.Set(StringValue(name), g.NewGoFunction(name, yieldable, fn))
	}

	reg("print", false, builtinPrint)
	reg("type", false, builtinType)
	reg("tostring", false, builtinToString)
	reg("tonumber", false, builtinToNumber)
	reg("pairs", false, builtinPairs)
	reg("ipairs", false, builtinIPairs)
	reg("next", false, builtinNext)
	reg("rawget", false, builtinRawGet)
	reg("rawset", false, builtinRawSet)
	reg("rawequal", false, builtinRawEqual)
	reg("rawlen", false, builtinRawLen)
	reg("setmetatable", false, builtinSetMetatable)
	reg("getmetatable", false, builtinGetMetatable)
	reg("assert", false, builtinAssert)
	reg("error", false, builtinError)
	// pcall/xpcall run the protected body on the calling thread; marking
	// them yieldable lets a yield inside the protected function pass
	// through them, matching Lua 5.4's "pcall is yieldable" behavior.
	reg("pcall", true, builtinPCall)
	reg("xpcall", true, builtinXPCall)
	reg("select", false, builtinSelect)
	reg("unpack", false, builtinUnpack)

	globals.Set(StringValue("_G"), TableValue(globals))
	globals.Set(StringValue("_VERSION"), StringValue("Lua 5.4"))
}

func builtinPrint(ctx *Context) (int, error) {
	for i := 1; i <= ctx.NumArgs(); i++ {
		if i > 1 {
			fmt.Print("\t")
		}
		s, err := ctx.Thread().tostring(ctx.Arg(i).v)
		if err != nil {
			return 0, err
		}
		fmt.Print(s)
	}
	fmt.Println()
	return 0, nil
}

func builtinType(ctx *Context) (int, error) {
	ctx.Push(StringValue(ctx.Arg(1).Type().String()))
	return 1, nil
}

func builtinToString(ctx *Context) (int, error) {
	s, err := ctx.Thread().tostring(ctx.Arg(1).v)
	if err != nil {
		return 0, err
	}
	ctx.Push(StringValue(s))
	return 1, nil
}

func builtinToNumber(ctx *Context) (int, error) {
	if ctx.NumArgs() >= 2 {
		base, err := ctx.CheckInteger(2)
		if err != nil {
			return 0, err
		}
		s, err := ctx.CheckString(1)
		if err != nil {
			return 0, err
		}
		n, ok := parseIntBase(s, int(base))
		if !ok {
			ctx.Push(Value{})
			return 1, nil
		}
		ctx.Push(NumberValue(float64(n)))
		return 1, nil
	}
	n, ok := toNumber(ctx.Arg(1).v)
	if !ok {
		ctx.Push(Value{})
		return 1, nil
	}
	ctx.Push(NumberValue(float64(n)))
	return 1, nil
}

func parseIntBase(s string, base int) (int64, bool) {
	if base < 2 || base > 36 || s == "" {
		return 0, false
	}
	neg := false
	if s[0] == '+' || s[0] == '-' {
		neg = s[0] == '-'
		s = s[1:]
	}
	if s == "" {
		return 0, false
	}
	var n int64
	for _, c := range s {
		var d int64
		switch {
		case c >= '0' && c <= '9':
			d = int64(c - '0')
		case c >= 'a' && c <= 'z':
			d = int64(c-'a') + 10
		case c >= 'A' && c <= 'Z':
			d = int64(c-'A') + 10
		default:
			return 0, false
		}
		if d >= int64(base) {
			return 0, false
		}
		n = n*int64(base) + d
	}
	if neg {
		n = -n
	}
	return n, true
}

func builtinPairs(ctx *Context) (int, error) {
	v := ctx.Arg(1).v
	if mt := ctx.GlobalState().metatableFor(v); mt != nil {
		if h := mt.get(stringValue("__pairs")); h != nil {
			if hf, ok := h.(function); ok {
				base := len(ctx.th.stack)
				if err := ctx.th.call(MultipleReturns, hf, v); err != nil {
					return 0, err
				}
				n := len(ctx.th.stack) - base
				for i := 0; i < n; i++ {
					ctx.Push(Value{v: ctx.th.stack[base+i]})
				}
				ctx.th.setTop(base)
				return n, nil
			}
		}
	}
	t, ok := v.(*table)
	if !ok {
		return 0, ctx.argError(1, "table", v)
	}
	ctx.Push(Value{v: ctx.GlobalState().Globals().t.get(stringValue("next"))})
	ctx.Push(Value{v: t})
	ctx.Push(Value{})
	return 3, nil
}

func builtinIPairs(ctx *Context) (int, error) {
	t, err := ctx.CheckTable(1)
	if err != nil {
		return 0, err
	}
	ctx.Push(ctx.GlobalState().NewGoFunction("inext", false, builtinINext))
	ctx.Push(TableValue(t))
	ctx.Push(NumberValue(0))
	return 3, nil
}

func builtinINext(ctx *Context) (int, error) {
	t, err := ctx.CheckTable(1)
	if err != nil {
		return 0, err
	}
	i, err := ctx.CheckInteger(2)
	if err != nil {
		return 0, err
	}
	i++
	v := t.Get(NumberValue(float64(i)))
	if v.IsNil() {
		ctx.Push(Value{})
		return 1, nil
	}
	ctx.Push(NumberValue(float64(i)))
	ctx.Push(v)
	return 2, nil
}

func builtinNext(ctx *Context) (int, error) {
	t, err := ctx.CheckTable(1)
	if err != nil {
		return 0, err
	}
	k, v, ok, err := t.t.next(ctx.Arg(2).v)
	if err != nil {
		return 0, err
	}
	if !ok {
		ctx.Push(Value{})
		return 1, nil
	}
	ctx.Push(Value{v: k})
	ctx.Push(Value{v: v})
	return 2, nil
}

func builtinRawGet(ctx *Context) (int, error) {
	t, err := ctx.CheckTable(1)
	if err != nil {
		return 0, err
	}
	ctx.Push(t.Get(ctx.Arg(2)))
	return 1, nil
}

func builtinRawSet(ctx *Context) (int, error) {
	t, err := ctx.CheckTable(1)
	if err != nil {
		return 0, err
	}
	if err := t.Set(ctx.Arg(2), ctx.Arg(3)); err != nil {
		return 0, err
	}
	ctx.Push(ctx.Arg(1))
	return 1, nil
}

func builtinRawEqual(ctx *Context) (int, error) {
	ctx.Push(BoolValue(rawEqual(ctx.Arg(1).v, ctx.Arg(2).v)))
	return 1, nil
}

func builtinRawLen(ctx *Context) (int, error) {
	v := ctx.Arg(1).v
	lv, ok := v.(lenValue)
	if !ok {
		return 0, ctx.argError(1, "table or string", v)
	}
	ctx.Push(NumberValue(float64(lv.rawLen())))
	return 1, nil
}

func builtinSetMetatable(ctx *Context) (int, error) {
	t, err := ctx.CheckTable(1)
	if err != nil {
		return 0, err
	}
	if t.t.meta != nil && t.t.meta.get(stringValue("__metatable")) != nil {
		return 0, raisef("cannot change a protected metatable")
	}
	if ctx.Arg(2).IsNil() {
		t.SetMetatable(nil)
		ctx.Push(ctx.Arg(1))
		return 1, nil
	}
	mt, err := ctx.CheckTable(2)
	if err != nil {
		return 0, err
	}
	t.SetMetatable(mt)
	ctx.Push(ctx.Arg(1))
	return 1, nil
}

func builtinGetMetatable(ctx *Context) (int, error) {
	mt := ctx.GlobalState().metatableFor(ctx.Arg(1).v)
	if mt == nil {
		ctx.Push(Value{})
		return 1, nil
	}
	if protected := mt.get(stringValue("__metatable")); protected != nil {
		ctx.Push(Value{v: protected})
		return 1, nil
	}
	ctx.Push(Value{v: mt})
	return 1, nil
}

func builtinAssert(ctx *Context) (int, error) {
	if ctx.Arg(1).Bool() {
		n := ctx.NumArgs()
		for i := 1; i <= n; i++ {
			ctx.Push(ctx.Arg(i))
		}
		return n, nil
	}
	if ctx.NumArgs() >= 2 {
		return 0, &RuntimeError{Value: ctx.Arg(2), Kind: ErrorKindAssertion}
	}
	return 0, &RuntimeError{Value: StringValue("assertion failed!"), Kind: ErrorKindAssertion}
}

func builtinError(ctx *Context) (int, error) {
	v := ctx.Arg(1)
	level, _ := ctx.OptNumber(2, 1)
	if s, ok := v.AsString(); ok && level > 0 {
		loc := ""
		if f := ctx.th.currentLuaFunction(); f != nil {
			loc = sourceLocation(f.proto, ctx.th.frame().pc-1) + ": "
		}
		v = StringValue(loc + s)
	}
	return 0, raise(v.v)
}

func builtinPCall(ctx *Context) (int, error) {
	if ctx.NumArgs() < 1 {
		return 0, raisef("bad argument #1 to 'pcall' (value expected)")
	}
	fn, err := ctx.CheckFunction(1)
	if err != nil {
		return 0, err
	}
	args := make([]value, 0, ctx.NumArgs()-1)
	for i := 2; i <= ctx.NumArgs(); i++ {
		args = append(args, ctx.Arg(i).v)
	}
	th := ctx.th
	base := len(th.stack)
	callErr := th.call(MultipleReturns, fn.fn, args...)
	if callErr != nil {
		ctx.Push(BoolValue(false))
		ctx.Push(Value{v: errorToValue(callErr)})
		return 2, nil
	}
	n := len(th.stack) - base
	ctx.Push(BoolValue(true))
	for i := 0; i < n; i++ {
		ctx.Push(Value{v: th.stack[base+i]})
	}
	th.setTop(base)
	return 1 + n, nil
}

func builtinXPCall(ctx *Context) (int, error) {
	if ctx.NumArgs() < 2 {
		return 0, raisef("bad argument #2 to 'xpcall' (value expected)")
	}
	fn, err := ctx.CheckFunction(1)
	if err != nil {
		return 0, err
	}
	handler, err := ctx.CheckFunction(2)
	if err != nil {
		return 0, err
	}
	args := make([]value, 0, ctx.NumArgs()-2)
	for i := 3; i <= ctx.NumArgs(); i++ {
		args = append(args, ctx.Arg(i).v)
	}
	th := ctx.th
	base := len(th.stack)
	callErr := th.call(MultipleReturns, fn.fn, args...)
	if callErr != nil {
		hv, herr := th.call1(handler.fn, errorToValue(callErr))
		if herr != nil {
			hv = stringValue("error in error handling")
		}
		ctx.Push(BoolValue(false))
		ctx.Push(Value{v: hv})
		return 2, nil
	}
	n := len(th.stack) - base
	ctx.Push(BoolValue(true))
	for i := 0; i < n; i++ {
		ctx.Push(Value{v: th.stack[base+i]})
	}
	th.setTop(base)
	return 1 + n, nil
}

func builtinSelect(ctx *Context) (int, error) {
	if s, ok := ctx.Arg(1).AsString(); ok && s == "#" {
		ctx.Push(NumberValue(float64(ctx.NumArgs() - 1)))
		return 1, nil
	}
	n, err := ctx.CheckInteger(1)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		n = int64(ctx.NumArgs()) + n
	}
	if n < 1 {
		return 0, raisef("bad argument #1 to 'select' (index out of range)")
	}
	count := 0
	for i := int(n) + 1; i <= ctx.NumArgs(); i++ {
		ctx.Push(ctx.Arg(i))
		count++
	}
	return count, nil
}

func builtinUnpack(ctx *Context) (int, error) {
	t, err := ctx.CheckTable(1)
	if err != nil {
		return 0, err
	}
	i, _ := ctx.OptNumber(2, 1)
	j, _ := ctx.OptNumber(3, float64(t.Len()))
	count := 0
	for k := int64(i); k <= int64(j); k++ {
		ctx.Push(t.Get(NumberValue(float64(k))))
		count++
	}
	return count, nil
}
