// Copyright 2024 The golua Authors
// SPDX-License-Identifier: MIT

package lua

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/loomwright/golua/internal/luacode"
	"zombiezen.com/go/log"
)

// Debugger observes a [GlobalState]'s execution: every prototype it
// loads, every call frame it pushes and pops, and every breakpoint it
// hits. All methods may be called from whatever goroutine is currently
// executing Lua code (the main thread's goroutine, or a coroutine's), so
// an implementation that shares state across threads must synchronize
// internally; [StepDebugger] does this with a mutex.
type Debugger interface {
	// RegisterPrototype is called once for every prototype a chunk loads
	// (including nested function prototypes), before it can ever run.
	RegisterPrototype(proto *luacode.Prototype)
	// OnFramePush is called immediately after th.prepCall reserves a new
	// Lua frame's registers, before its first instruction runs.
	OnFramePush(th *Thread)
	// OnFramePop is called just before frame is removed from th's call
	// stack, whether by a normal return or by error unwinding.
	OnFramePop(th *Thread, frame *callFrame)
	// HandleDebugBreak is consulted by the dispatch loop before
	// executing every instruction. If (proto, pc) is currently
	// breakpointed it blocks until the host resumes execution and
	// returns the real instruction to run in place of the patched trap;
	// hit is false (and orig is ignored) for the overwhelming majority
	// of instructions that carry no breakpoint.
	HandleDebugBreak(th *Thread, proto *luacode.Prototype, pc int) (orig luacode.Instruction, hit bool)
}

// Breakpoint identifies a suspended location: a prototype and the
// instruction index (not source line) within it where execution should
// pause.
type Breakpoint struct {
	ID    uuid.UUID
	Proto *luacode.Prototype
	PC    int
	Line  int
}

// StepDebugger is a [Debugger] implementation supporting breakpoints and
// stepping, grounded in the same instruction-patching technique the
// reference implementation's bytecode uses for traps: a breakpoint is
// installed by swapping the target instruction for a JMP-to-self-sized
// no-op sentinel recognized by [StepDebugger.intercept], which the VM's
// dispatch loop consults once per instruction via [StepDebugger.HandleDebugBreak].
// Because the patch lives in the Prototype's own Code slice, it is
// transparent to every thread executing that prototype, not just the one
// that set it.
type StepDebugger struct {
	mu          sync.Mutex
	breakpoints map[uuid.UUID]*Breakpoint
	patched     map[patchKey]luacode.Instruction // original instruction, keyed by (proto,pc)
	paused      chan pauseEvent
	bpResume    chan struct{}
}

type patchKey struct {
	proto *luacode.Prototype
	pc    int
}

// pauseEvent is delivered to whatever goroutine called [StepDebugger.Wait]
// when execution stops at a breakpoint or a completed step.
type pauseEvent struct {
	Thread *Thread
	Reason string
	Frame  FrameInfo
}

// FrameInfo is a snapshot of one call-stack frame for host introspection,
// independent of the [Thread] internals it was read from.
type FrameInfo struct {
	FunctionName string
	Source       string
	Line         int
	IsGo         bool
	Locals       map[string]Value
}

// NewStepDebugger creates a StepDebugger with no breakpoints set.
func NewStepDebugger() *StepDebugger {
	return &StepDebugger{
		breakpoints: make(map[uuid.UUID]*Breakpoint),
		patched:     make(map[patchKey]luacode.Instruction),
		paused:      make(chan pauseEvent),
		bpResume:    make(chan struct{}),
	}
}

// HandleDebugBreak implements [Debugger]. When pc carries a breakpoint it
// notifies [StepDebugger.Wait] and blocks the executing thread until
// [StepDebugger.ResumeFromBreakpoint] is called.
func (d *StepDebugger) HandleDebugBreak(th *Thread, proto *luacode.Prototype, pc int) (luacode.Instruction, bool) {
	orig, hit := d.intercept(proto, pc)
	if !hit {
		return 0, false
	}
	d.notify(pauseEvent{Thread: th, Reason: "breakpoint", Frame: th.frameInfo(th.frame())})
	<-d.bpResume
	return orig, true
}

// ResumeFromBreakpoint unblocks a thread currently stopped at a
// breakpoint trap.
func (d *StepDebugger) ResumeFromBreakpoint() { d.bpResume <- struct{}{} }

func (d *StepDebugger) RegisterPrototype(proto *luacode.Prototype) {
	log.Debugf(context.Background(), "registered prototype %s (%d instructions)", proto.Source, len(proto.Code))
}

func (d *StepDebugger) OnFramePush(th *Thread) {
	if th.steps != nil {
		th.steps.onFramePush(th, th.currentLuaFunction())
	}
}

func (d *StepDebugger) OnFramePop(th *Thread, frame *callFrame) {
	if th.steps != nil {
		th.steps.onFramePop(th)
	}
}

// SetBreakpoint patches proto's code at pc so execution traps there,
// returning an ID that [StepDebugger.ClearBreakpoint] later accepts. The
// original instruction is preserved so the patch can be reversed without
// losing code.
func (d *StepDebugger) SetBreakpoint(proto *luacode.Prototype, pc int, line int) (uuid.UUID, error) {
	if pc < 0 || pc >= len(proto.Code) {
		return uuid.Nil, fmt.Errorf("breakpoint pc %d out of range", pc)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	key := patchKey{proto, pc}
	if _, already := d.patched[key]; !already {
		d.patched[key] = proto.Code[pc]
		proto.Code[pc] = breakpointSentinel
	}
	id := uuid.New()
	d.breakpoints[id] = &Breakpoint{ID: id, Proto: proto, PC: pc, Line: line}
	return id, nil
}

// ClearBreakpoint removes a previously set breakpoint, restoring the
// original instruction once no other breakpoint shares its (proto, pc).
func (d *StepDebugger) ClearBreakpoint(id uuid.UUID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	bp, ok := d.breakpoints[id]
	if !ok {
		return fmt.Errorf("unknown breakpoint %s", id)
	}
	delete(d.breakpoints, id)
	key := patchKey{bp.Proto, bp.PC}
	for _, other := range d.breakpoints {
		if other.Proto == bp.Proto && other.PC == bp.PC {
			return nil // still shared with another breakpoint ID
		}
	}
	if orig, ok := d.patched[key]; ok {
		bp.Proto.Code[bp.PC] = orig
		delete(d.patched, key)
	}
	return nil
}

// breakpointSentinel is a JMP with offset 0 (a one-instruction no-op in
// terms of control flow) used as the patched-in trap marker; [intercept]
// recognizes it by checking the patched-instruction table rather than by
// its bit pattern, so any real JMP 0 in compiled code is unaffected.
var breakpointSentinel = luacode.JInstruction(luacode.OpJMP, 0)

// intercept reports whether the instruction at (proto, pc) is currently a
// breakpoint trap, returning the original instruction to execute once the
// debugger has been notified.
func (d *StepDebugger) intercept(proto *luacode.Prototype, pc int) (orig luacode.Instruction, hit bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	orig, hit = d.patched[patchKey{proto, pc}]
	return orig, hit
}

// Wait blocks until the debugged program stops at a breakpoint or
// completes a requested step, returning a description of where it
// stopped. Call this from the controlling (UI/host) goroutine, never
// from the thread being debugged.
func (d *StepDebugger) Wait() pauseEvent {
	return <-d.paused
}

func (d *StepDebugger) notify(ev pauseEvent) {
	d.paused <- ev
}

// stepMode selects what [stepState] is watching for.
type stepMode int

const (
	stepNone stepMode = iota
	stepInto
	stepOver
	stepOut
)

// stepState tracks a single-thread stepping request: stepOver and stepOut
// watch the call-stack depth at the moment the step was requested and
// resume only once execution returns to (or below) that depth, while
// stepInto pauses at the very next instruction boundary regardless of
// depth.
type stepState struct {
	debugger  *StepDebugger
	mode      stepMode
	baseDepth int
	resumeCh  chan struct{}
}

// onFramePush is a no-op for step-over/step-out (entering a deeper frame
// never itself satisfies either); stepInto is handled by the dispatch
// loop pausing at the next instruction instead of here.
func (s *stepState) onFramePush(th *Thread, f *luaFunction) {}

// checkInto pauses execution at the very next instruction after stepInto
// was armed, regardless of call depth.
func (s *stepState) checkInto(th *Thread) {
	if s == nil || s.mode != stepInto {
		return
	}
	s.mode = stepNone
	s.debugger.notify(pauseEvent{Thread: th, Reason: "step", Frame: th.frameInfo(th.frame())})
	<-s.resumeCh
}

func (s *stepState) onFramePop(th *Thread) {
	// Called before the popped frame is removed, so the depth control
	// returns to is one less than len(th.callStack).
	if (s.mode == stepOver || s.mode == stepOut) && len(th.callStack)-1 <= s.baseDepth {
		s.mode = stepNone
		s.debugger.notify(pauseEvent{Thread: th, Reason: "step"})
		<-s.resumeCh
	}
}

// StepInto arms th to pause at the next instruction boundary, at any
// call depth.
func (th *Thread) StepInto(d *StepDebugger) {
	th.steps = &stepState{debugger: d, mode: stepInto, baseDepth: len(th.callStack), resumeCh: make(chan struct{})}
}

// StepOver arms th to pause the next time control returns to the current
// call depth (i.e. after the current line's call, if any, completes).
func (th *Thread) StepOver(d *StepDebugger) {
	th.steps = &stepState{debugger: d, mode: stepOver, baseDepth: len(th.callStack), resumeCh: make(chan struct{})}
}

// StepOut arms th to pause when the current frame returns to its caller.
func (th *Thread) StepOut(d *StepDebugger) {
	th.steps = &stepState{debugger: d, mode: stepOut, baseDepth: len(th.callStack) - 1, resumeCh: make(chan struct{})}
}

// ClearStep disarms any stepping request on th.
func (th *Thread) ClearStep() { th.steps = nil }

// Resume unblocks a thread paused by a step or breakpoint notification.
func (s *stepState) Resume() { s.resumeCh <- struct{}{} }

// Frames returns a snapshot of th's call stack, innermost first, for host
// introspection (e.g. rendering a debugger's call-stack view).
func (th *Thread) Frames() []FrameInfo {
	out := make([]FrameInfo, 0, len(th.callStack))
	for i := len(th.callStack) - 1; i >= 0; i-- {
		frame := th.callStack[i]
		out = append(out, th.frameInfo(&frame))
	}
	return out
}

func (th *Thread) frameInfo(frame *callFrame) FrameInfo {
	fn := th.stack[frame.functionIndex]
	info := FrameInfo{Locals: make(map[string]Value)}
	switch f := fn.(type) {
	case *luaFunction:
		info.FunctionName = "?"
		info.Source = chunkDisplayName(f.proto.Source)
		if frame.pc-1 >= 0 && frame.pc-1 < f.proto.LineInfo.Len() {
			info.Line = f.proto.LineInfo.At(frame.pc - 1)
		}
		regStart := frame.registerStart()
		for i := 0; i < int(f.proto.MaxStackSize) && regStart+i < len(th.stack); i++ {
			name := f.proto.LocalName(uint8(i), frame.pc)
			if name != "" && name[0] != '(' {
				info.Locals[name] = Value{v: th.stack[regStart+i]}
			}
		}
	case *goFunction:
		info.FunctionName = f.name
		info.IsGo = true
	}
	return info
}
