// Copyright 2024 The golua Authors
// SPDX-License-Identifier: MIT

package lua

import (
	"context"
	"fmt"
	"slices"

	"github.com/loomwright/golua/internal/luacode"
)

// ThreadStatus is the lifecycle state of a [Thread] (coroutine).
type ThreadStatus int

const (
	// ThreadSuspended threads are not running and can be resumed.
	ThreadSuspended ThreadStatus = iota
	// ThreadRunning is the single thread currently executing Lua code.
	ThreadRunning
	// ThreadNormal threads resumed another thread and are waiting for it
	// to yield or return.
	ThreadNormal
	// ThreadDead threads have returned, errored, or were never resumable
	// (e.g. the Lua value wasn't a function).
	ThreadDead
)

func (s ThreadStatus) String() string {
	switch s {
	case ThreadSuspended:
		return "suspended"
	case ThreadRunning:
		return "running"
	case ThreadNormal:
		return "normal"
	case ThreadDead:
		return "dead"
	default:
		return "unknown"
	}
}

// Thread is a Lua coroutine: an independently resumable unit of execution
// with its own value stack, call stack, and open-upvalue list. The
// GlobalState's main thread is a Thread like any other, except that it
// cannot be resumed or yielded (there is nothing to resume it from).
type Thread struct {
	global *GlobalState
	id     uint64
	status ThreadStatus

	stack        []value
	callStack    []callFrame
	openUpvalues []*upvalue
	tbc          []int

	// ccallDepth counts Go-function activations on this thread that did
	// not declare themselves yieldable. Yield fails while it is > 0,
	// implementing "attempt to yield across a C-call boundary".
	ccallDepth int

	// parent is the thread that most recently resumed this one, set for
	// the duration of that resume so a nested resume chain unwinds in
	// the right order and so Normal threads can be identified.
	parent *Thread

	ctx context.Context

	// coroutine scheduling, see coroutine.go.
	resumeCh chan []value
	yieldCh  chan coroutineSignal
	started  bool

	// debugger stepping state, see debug.go.
	steps *stepState
}

func (th *Thread) valueType() Type { return TypeThread }

// Status reports th's current lifecycle state.
func (th *Thread) Status() ThreadStatus { return th.status }

// GlobalState returns the state th belongs to.
func (th *Thread) GlobalState() *GlobalState { return th.global }

func (th *Thread) frame() *callFrame {
	return &th.callStack[len(th.callStack)-1]
}

func (th *Thread) setTop(i int) {
	if i < len(th.stack) {
		clear(th.stack[i:])
	}
	th.stack = th.stack[:i]
}

func (th *Thread) grow(wantLen int) {
	if wantLen > cap(th.stack) {
		th.stack = slices.Grow(th.stack, wantLen-len(th.stack))
	}
	if wantLen > len(th.stack) {
		th.stack = th.stack[:wantLen]
	}
}

// Top returns the number of values above the base of the current frame's
// registers; for a Go function this is its argument count.
func (th *Thread) Top() int {
	if len(th.callStack) == 0 {
		return 0
	}
	return max(len(th.stack)-th.frame().registerStart(), 0)
}

// checkCancellation returns the distinguished cancellation error if th's
// context has been cancelled. Checked at CALL boundaries and yield
// points per the cooperative scheduling model.
func (th *Thread) checkCancellation() error {
	if th.ctx == nil {
		return nil
	}
	select {
	case <-th.ctx.Done():
		return errCancelled
	default:
		return nil
	}
}

// call invokes fn with args and discards any results beyond nresults (or
// keeps them all if nresults is MultipleReturns); it is the internal
// entry point used by metamethod dispatch (__index functions, __close
// handlers, and so on), which always know fn statically rather than
// reading it off a register.
func (th *Thread) call(nresults int, fn value, args ...value) error {
	base := len(th.stack)
	th.stack = append(th.stack, fn)
	th.stack = append(th.stack, args...)
	return th.callPrepared(base, len(args), nresults)
}

// callPrepared runs the function already sitting at th.stack[base] with
// argCount arguments above it, leaving up to nresults results (or all, if
// MultipleReturns) starting at base.
func (th *Thread) callPrepared(base, argCount, nresults int) error {
	fn := th.stack[base]
	switch f := fn.(type) {
	case *luaFunction:
		th.callStack = append(th.callStack, callFrame{
			functionIndex: base,
			numResults:    nresults,
		})
		th.prepCall(f, argCount)
		if err := th.exec(); err != nil {
			return err
		}
	case *goFunction:
		th.callStack = append(th.callStack, callFrame{
			functionIndex: base,
			numResults:    nresults,
		})
		n, err := th.callGo(f, argCount)
		th.callStack = th.callStack[:len(th.callStack)-1]
		if err != nil {
			th.setTop(base)
			return err
		}
		th.finishResults(base, n, nresults)
		return nil
	default:
		// __call metamethod: insert fn as an extra first argument and
		// retry with the handler in its place.
		handler := th.global.metamethod(fn, luacode.TagMethodCall)
		if handler == nil {
			return raisef("attempt to call a %s value", valueType(fn))
		}
		th.stack = slices.Insert(th.stack, base, handler)
		return th.callPrepared(base, argCount+1, nresults)
	}
	if nresults != MultipleReturns {
		th.finishResults(base, len(th.stack)-base, nresults)
	}
	return nil
}

// finishResults trims or pads the nresults-sized result window starting
// at base, after it already holds `have` values.
func (th *Thread) finishResults(base, have, nresults int) {
	if nresults == MultipleReturns {
		return
	}
	want := base + nresults
	if want > len(th.stack) {
		th.grow(want)
	}
	th.setTop(want)
	// Keep the calling Lua frame's whole register window addressable.
	if len(th.callStack) > 0 {
		if f, ok := th.stack[th.frame().functionIndex].(*luaFunction); ok {
			th.grow(th.frame().registerStart() + int(f.proto.MaxStackSize))
		}
	}
}

// prepCall sets up a new Lua-function frame pushed by the caller: it
// rotates extra arguments below the fixed parameter window (for vararg
// functions), zero-fills missing parameters, and reserves register
// space up to the prototype's MaxStackSize.
func (th *Thread) prepCall(f *luaFunction, argCount int) {
	frame := th.frame()
	numParams := int(f.proto.NumParams)
	if f.proto.IsVararg && argCount > numParams {
		extra := argCount - numParams
		fixedStart := frame.functionIndex + 1
		rotate(th.stack[fixedStart:fixedStart+argCount], -extra)
		frame.numExtraArguments = extra
	}
	regBase := frame.registerStart()
	want := regBase + int(f.proto.MaxStackSize)
	th.grow(want)
	// Clear parameter slots beyond what was actually passed.
	have := min(argCount, numParams)
	for i := regBase + have; i < regBase+numParams; i++ {
		th.stack[i] = nil
	}
	th.setTop(want)
	frame.pc = 0
	if th.global.debugger != nil {
		th.global.debugger.OnFramePush(th)
	}
	if th.steps != nil {
		th.steps.onFramePush(th, f)
	}
}

// callGo invokes a Go host function via the argument-accessor Context.
func (th *Thread) callGo(f *goFunction, argCount int) (int, error) {
	if !f.yieldable {
		th.ccallDepth++
		defer func() { th.ccallDepth-- }()
	}
	ctx := &Context{th: th, fn: f}
	n, err := f.cb(ctx)
	if err != nil {
		return 0, err
	}
	return n, nil
}

func rotate[S ~[]E, E any](s S, n int) {
	if len(s) == 0 {
		return
	}
	var m int
	if n >= 0 {
		m = len(s) - n%len(s)
	} else {
		m = -n % len(s)
	}
	slices.Reverse(s[:m])
	slices.Reverse(s[m:])
	slices.Reverse(s)
}

// unwind pops frames down to depth targetDepth, closing upvalues and
// running __close handlers along the way. It is used for error
// propagation; RETURN and TAILCALL pop their frame in doReturn and
// tailCall.
func (th *Thread) unwind(targetDepth int, err error) error {
	for len(th.callStack) > targetDepth {
		base := th.frame().registerStart()
		th.closeUpvalues(base)
		err = th.closeTBCSlots(base, err)
		fp := th.frame().framePointer()
		th.setTop(fp)
		if th.global.debugger != nil {
			th.global.debugger.OnFramePop(th, th.frame())
		}
		th.callStack = th.callStack[:len(th.callStack)-1]
	}
	return err
}

func (th *Thread) localVariableName(frame *callFrame, i int) string {
	start, end := frame.extraArgumentsRange()
	if start <= i && i < end {
		return "(vararg)"
	}
	regStart := frame.registerStart()
	if i < regStart {
		return ""
	}
	f, ok := th.stack[frame.functionIndex].(*luaFunction)
	if !ok {
		return "(Go temporary)"
	}
	if i-regStart >= int(f.proto.MaxStackSize) {
		return ""
	}
	name := f.proto.LocalName(uint8(i-regStart), frame.pc)
	if name == "" {
		return "(temporary)"
	}
	return name
}

// sourceLocation formats a "chunk:line" prefix for error messages, in the
// same style the reference implementation uses.
func sourceLocation(proto *luacode.Prototype, pc int) string {
	line := 0
	if pc >= 0 && pc < proto.LineInfo.Len() {
		line = proto.LineInfo.At(pc)
	}
	return fmt.Sprintf("%s:%d", chunkDisplayName(proto.Source), line)
}

func chunkDisplayName(src luacode.Source) string {
	s := string(src)
	switch {
	case len(s) == 0:
		return "?"
	case s[0] == '@' || s[0] == '=':
		return s[1:]
	default:
		if len(s) > 45 {
			return s[:45] + "..."
		}
		return s
	}
}

// Traceback renders th's current call stack, most recent call first, one
// frame per line: "chunk:line: in main chunk" or
// "chunk:line: in function <chunk>" for Lua frames and
// "[Go]: in function 'name'" ("?" when unnamed) for Go frames.
func (th *Thread) Traceback() string {
	var b []byte
	for i := len(th.callStack) - 1; i >= 0; i-- {
		frame := th.callStack[i]
		fn := th.stack[frame.functionIndex]
		switch f := fn.(type) {
		case *luaFunction:
			b = append(b, sourceLocation(f.proto, frame.pc-1)...)
			b = append(b, ": in "...)
			if f.proto.IsMainChunk() {
				b = append(b, "main chunk"...)
			} else {
				b = append(b, "function <"...)
				b = append(b, chunkDisplayName(f.proto.Source)...)
				b = append(b, '>')
			}
		case *goFunction:
			name := f.name
			if name == "" {
				name = "?"
			}
			b = append(b, "[Go]: in function '"...)
			b = append(b, name...)
			b = append(b, '\'')
		}
		b = append(b, '\n')
	}
	return string(b)
}
