// Copyright 2024 The golua Authors
// SPDX-License-Identifier: MIT

package lua

import "context"

// coroutineSignal is what a suspended thread sends back to its resumer:
// either it yielded (ok, with values) or it finished (done, with final
// results or an error).
type coroutineSignal struct {
	values []value
	err    error
	done   bool
}

// NewCoroutine creates a new [Thread] sharing g's global environment,
// ready to run fn the first time it is resumed. The coroutine starts
// Suspended and runs on its own goroutine once resumed, which is what
// lets [Thread.Yield] suspend execution at any call depth — including
// beneath nested Go host-function frames — without the host needing any
// special support: the goroutine simply blocks on a channel receive
// until the next Resume wakes it.
func (g *GlobalState) NewCoroutine(fn *Closure) *Thread {
	th := &Thread{
		global:   g,
		id:       g.nextID(),
		status:   ThreadSuspended,
		resumeCh: make(chan []value),
		yieldCh:  make(chan coroutineSignal),
	}
	th.stack = append(th.stack, fn.fn)
	return th
}

// Resume runs (or resumes) th with the given arguments, blocking the
// calling goroutine until th either yields, returns, or errors. ctx is
// propagated to th for the duration of this resume and checked for
// cancellation at call boundaries and before/after any yield; a
// cancelled ctx unwinds th with the distinguished [IsCancellation] error
// and leaves it Dead.
//
// Resume returns an error if th is not in a resumable state (Dead,
// Running, or Normal), or if the coroutine itself errored.
func (th *Thread) Resume(ctx context.Context, args ...Value) (results []Value, yielded bool, err error) {
	if th.status == ThreadDead {
		return nil, false, raisef("cannot resume dead coroutine")
	}
	if th.status == ThreadRunning || th.status == ThreadNormal {
		return nil, false, raisef("cannot resume non-suspended coroutine")
	}

	resumer := th.global.current
	if resumer != nil {
		resumer.status = ThreadNormal
	}
	th.parent = resumer
	th.global.current = th
	th.status = ThreadRunning
	th.ctx = ctx

	raw := make([]value, len(args))
	for i, a := range args {
		raw[i] = a.v
	}

	if !th.started {
		th.started = true
		go th.runBody(raw)
	} else {
		th.resumeCh <- raw
	}

	sig := <-th.yieldCh

	th.global.current = resumer
	if resumer != nil {
		resumer.status = ThreadRunning
	}

	if sig.done {
		th.status = ThreadDead
		if sig.err != nil {
			return nil, false, sig.err
		}
		return wrapValues(sig.values), false, nil
	}
	th.status = ThreadSuspended
	return wrapValues(sig.values), true, nil
}

// runBody is the goroutine body for a coroutine thread: it invokes the
// closure it was created with and reports completion on yieldCh. It
// never returns to Resume's caller except through that channel, which is
// what gives Yield (called arbitrarily deep inside exec/callGo on this
// same goroutine) a place to park execution and hand control back.
func (th *Thread) runBody(args []value) {
	fn := th.stack[0]
	base := 0
	th.stack = append(th.stack[:1], args...)
	th.callStack = append(th.callStack, callFrame{functionIndex: base, numResults: MultipleReturns})

	var err error
	if lf, ok := fn.(*luaFunction); ok {
		th.prepCall(lf, len(args))
		err = th.exec()
	} else {
		n, callErr := th.callGo(fn.(*goFunction), len(args))
		if callErr != nil {
			err = callErr
		} else {
			th.callStack = th.callStack[:len(th.callStack)-1]
			th.yieldCh <- coroutineSignal{values: cloneValues(th.stack[base : base+n]), done: true}
			return
		}
	}
	if err != nil {
		th.yieldCh <- coroutineSignal{err: wrapTopLevelError(err), done: true}
		return
	}
	top := len(th.stack)
	th.yieldCh <- coroutineSignal{values: cloneValues(th.stack[base:top]), done: true}
}

// Yield suspends th, the currently running thread, handing values back
// to whatever Resume call is waiting on it, and blocks until the next
// Resume. It must be called from the goroutine running th (i.e. from
// inside a [Function] registered with yieldable=true, or from Lua code
// calling such a function); attempting to yield across a non-yieldable
// Go call boundary fails with an error rather than suspending.
func (th *Thread) Yield(ctx context.Context, values ...Value) ([]Value, error) {
	if th == th.global.main {
		return nil, raisef("attempt to yield from outside a coroutine")
	}
	if th.ccallDepth > 0 {
		return nil, errCCallBoundary
	}
	raw := make([]value, len(values))
	for i, v := range values {
		raw[i] = v.v
	}
	th.yieldCh <- coroutineSignal{values: raw}
	resumeArgs := <-th.resumeCh
	th.ctx = ctx
	if err := th.checkCancellation(); err != nil {
		return nil, err
	}
	out := make([]Value, len(resumeArgs))
	for i, v := range resumeArgs {
		out[i] = Value{v: v}
	}
	return out, nil
}

// IsYieldable reports whether th can currently call [Thread.Yield]: it
// must be the running coroutine and not be nested beneath a
// non-yieldable Go function call.
func (th *Thread) IsYieldable() bool {
	return th.status == ThreadRunning && th.ccallDepth == 0 && th != th.global.main
}

func wrapValues(vs []value) []Value {
	out := make([]Value, len(vs))
	for i, v := range vs {
		out[i] = Value{v: v}
	}
	return out
}

func cloneValues(vs []value) []value {
	out := make([]value, len(vs))
	copy(out, vs)
	return out
}
