// Copyright 2024 The golua Authors
// SPDX-License-Identifier: MIT

package lua

// OpenCoroutine installs the `coroutine` library: create, resume, yield,
// status, wrap, running, and isyieldable, backed directly by [Thread]'s
// goroutine-based scheduler.
func (g *GlobalState) OpenCoroutine() {
	lib := g.NewTable(0, 8)
	reg := func(name string, yieldable bool, fn Function) {
		lib.Set(StringValue(name), g.NewGoFunction("coroutine."+name, yieldable, fn))
	}
	reg("create", false, builtinCoroutineCreate)
	reg("resume", true, builtinCoroutineResume)
	reg("yield", true, builtinCoroutineYield)
	reg("status", false, builtinCoroutineStatus)
	reg("wrap", false, builtinCoroutineWrap)
	reg("running", false, builtinCoroutineRunning)
	reg("isyieldable", false, builtinCoroutineIsYieldable)
	g.Globals().Set(StringValue("coroutine"), TableValue(lib))
}

func builtinCoroutineCreate(ctx *Context) (int, error) {
	fn, err := ctx.CheckFunction(1)
	if err != nil {
		return 0, err
	}
	co := ctx.GlobalState().NewCoroutine(fn)
	ctx.Push(Value{v: co})
	return 1, nil
}

func argThread(ctx *Context, i int) (*Thread, error) {
	v := ctx.Arg(i).v
	co, ok := v.(*Thread)
	if !ok {
		return nil, ctx.argError(i, "coroutine", v)
	}
	return co, nil
}

func builtinCoroutineResume(ctx *Context) (int, error) {
	co, err := argThread(ctx, 1)
	if err != nil {
		return 0, err
	}
	args := make([]Value, 0, ctx.NumArgs()-1)
	for i := 2; i <= ctx.NumArgs(); i++ {
		args = append(args, ctx.Arg(i))
	}
	results, _, resumeErr := co.Resume(ctx.Context(), args...)
	if resumeErr != nil {
		ctx.Push(BoolValue(false))
		ctx.Push(Value{v: errorToValue(resumeErr)})
		return 2, nil
	}
	ctx.Push(BoolValue(true))
	for _, r := range results {
		ctx.Push(r)
	}
	return 1 + len(results), nil
}

func builtinCoroutineYield(ctx *Context) (int, error) {
	args := make([]Value, ctx.NumArgs())
	for i := range args {
		args[i] = ctx.Arg(i + 1)
	}
	results, err := ctx.th.Yield(ctx.Context(), args...)
	if err != nil {
		return 0, err
	}
	for _, r := range results {
		ctx.Push(r)
	}
	return len(results), nil
}

func builtinCoroutineStatus(ctx *Context) (int, error) {
	co, err := argThread(ctx, 1)
	if err != nil {
		return 0, err
	}
	ctx.Push(StringValue(co.Status().String()))
	return 1, nil
}

func builtinCoroutineRunning(ctx *Context) (int, error) {
	cur := ctx.GlobalState().current
	ctx.Push(Value{v: cur})
	ctx.Push(BoolValue(cur == ctx.GlobalState().main))
	return 2, nil
}

func builtinCoroutineIsYieldable(ctx *Context) (int, error) {
	ctx.Push(BoolValue(ctx.th.IsYieldable()))
	return 1, nil
}

func builtinCoroutineWrap(ctx *Context) (int, error) {
	fn, err := ctx.CheckFunction(1)
	if err != nil {
		return 0, err
	}
	co := ctx.GlobalState().NewCoroutine(fn)
	wrapped := ctx.GlobalState().NewGoFunction("wrapped coroutine", true, func(inner *Context) (int, error) {
		args := make([]Value, inner.NumArgs())
		for i := range args {
			args[i] = inner.Arg(i + 1)
		}
		results, _, err := co.Resume(inner.Context(), args...)
		if err != nil {
			return 0, err
		}
		for _, r := range results {
			inner.Push(r)
		}
		return len(results), nil
	})
	ctx.Push(wrapped)
	return 1, nil
}
