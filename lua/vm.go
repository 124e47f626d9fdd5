// Copyright 2024 The golua Authors
// SPDX-License-Identifier: MIT

package lua

import (
	"github.com/loomwright/golua/internal/luacode"
)

// exec runs instructions on th's topmost frame until that frame returns.
// It is the register-machine dispatch loop: each iteration decodes one
// [luacode.Instruction] relative to the frame's register window
// (frame.registerStart()) and mutates th.stack in place. CALL/TAILCALL
// push a new callFrame and recurse into exec via callPrepared; RETURN
// pops the current frame and returns control to that caller. Lua call
// depth therefore does consume Go stack one frame at a time, which is why
// coroutines run on their own goroutine (with its own growable Go
// stack) rather than sharing the resuming thread's.
func (th *Thread) exec() error {
	baseDepth := len(th.callStack) - 1
	for {
		if err := th.checkCancellation(); err != nil {
			return th.propagate(baseDepth, err)
		}
		frame := th.frame()
		fn, ok := th.stack[frame.functionIndex].(*luaFunction)
		if !ok {
			// A Go function is on top; exec is only ever entered with a
			// Lua function on top, so this indicates the frame just
			// returned into a caller that is itself Go (handled by the
			// caller of exec, not here).
			return nil
		}
		proto := fn.proto
		if frame.pc >= len(proto.Code) {
			return th.propagate(baseDepth, raisef("instruction pointer ran off the end of the function"))
		}
		inst := proto.Code[frame.pc]
		if th.global.debugger != nil {
			if orig, hit := th.global.debugger.HandleDebugBreak(th, proto, frame.pc); hit {
				inst = orig
			}
		}
		th.steps.checkInto(th)
		frame.pc++
		regs := th.stack[frame.registerStart():]

		switch op := inst.OpCode(); op {
		case luacode.OpMove:
			regs[inst.ArgA()] = regs[inst.ArgB()]

		case luacode.OpLoadI:
			regs[inst.ArgA()] = numberValue(inst.ArgBx())

		case luacode.OpLoadF:
			regs[inst.ArgA()] = numberValue(float64(inst.ArgBx()))

		case luacode.OpLoadK:
			regs[inst.ArgA()] = importConstant(proto.Constants[inst.ArgBx()])

		case luacode.OpLoadKX:
			ax := proto.Code[frame.pc].ArgAx()
			frame.pc++
			regs[inst.ArgA()] = importConstant(proto.Constants[ax])

		case luacode.OpLoadFalse:
			regs[inst.ArgA()] = booleanValue(false)

		case luacode.OpLFalseSkip:
			regs[inst.ArgA()] = booleanValue(false)
			frame.pc++

		case luacode.OpLoadTrue:
			regs[inst.ArgA()] = booleanValue(true)

		case luacode.OpLoadNil:
			a, n := inst.ArgA(), inst.ArgB()
			for i := 0; i <= int(n); i++ {
				regs[int(a)+i] = nil
			}

		case luacode.OpGetUpval:
			regs[inst.ArgA()] = *th.resolveUpvalue(fn.upvalues[inst.ArgB()])

		case luacode.OpSetUpval:
			*th.resolveUpvalue(fn.upvalues[inst.ArgB()]) = regs[inst.ArgA()]

		case luacode.OpGetTabUp:
			key := importConstant(proto.Constants[inst.ArgC()])
			v, err := th.index(*th.resolveUpvalue(fn.upvalues[inst.ArgB()]), key)
			if err != nil {
				return th.propagate(baseDepth, err)
			}
			regs[inst.ArgA()] = v

		case luacode.OpGetTable:
			v, err := th.index(regs[inst.ArgB()], regs[inst.ArgC()])
			if err != nil {
				return th.propagate(baseDepth, err)
			}
			regs[inst.ArgA()] = v

		case luacode.OpGetI:
			v, err := th.index(regs[inst.ArgB()], numberValue(inst.ArgC()))
			if err != nil {
				return th.propagate(baseDepth, err)
			}
			regs[inst.ArgA()] = v

		case luacode.OpGetField:
			key := importConstant(proto.Constants[inst.ArgC()])
			v, err := th.index(regs[inst.ArgB()], key)
			if err != nil {
				return th.propagate(baseDepth, err)
			}
			regs[inst.ArgA()] = v

		case luacode.OpSetTabUp:
			key := importConstant(proto.Constants[inst.ArgB()])
			val := th.rkValue(proto, regs, inst.ArgC(), inst.K())
			if err := th.newindex(*th.resolveUpvalue(fn.upvalues[inst.ArgA()]), key, val); err != nil {
				return th.propagate(baseDepth, err)
			}

		case luacode.OpSetTable:
			val := th.rkValue(proto, regs, inst.ArgC(), inst.K())
			if err := th.newindex(regs[inst.ArgA()], regs[inst.ArgB()], val); err != nil {
				return th.propagate(baseDepth, err)
			}

		case luacode.OpSetI:
			val := th.rkValue(proto, regs, inst.ArgC(), inst.K())
			if err := th.newindex(regs[inst.ArgA()], numberValue(inst.ArgB()), val); err != nil {
				return th.propagate(baseDepth, err)
			}

		case luacode.OpSetField:
			key := importConstant(proto.Constants[inst.ArgB()])
			val := th.rkValue(proto, regs, inst.ArgC(), inst.K())
			if err := th.newindex(regs[inst.ArgA()], key, val); err != nil {
				return th.propagate(baseDepth, err)
			}

		case luacode.OpNewTable:
			arrayHint := int(inst.ArgB())
			hashHint := int(inst.ArgC())
			if inst.K() {
				arrayHint += int(proto.Code[frame.pc].ArgAx()) * 256
				frame.pc++
			}
			regs[inst.ArgA()] = newTable(arrayHint, hashHint)

		case luacode.OpSelf:
			a, b := inst.ArgA(), inst.ArgB()
			obj := regs[b]
			key := th.rkValue(proto, regs, inst.ArgC(), inst.K())
			v, err := th.index(obj, key)
			if err != nil {
				return th.propagate(baseDepth, err)
			}
			regs[int(a)+1] = obj
			regs[a] = v

		case luacode.OpAddI:
			v, err := th.arith(luacode.Add, regs[inst.ArgB()], numberValue(luacode.SignedArg(inst.ArgC())))
			if err != nil {
				return th.propagate(baseDepth, err)
			}
			regs[inst.ArgA()] = v
			frame.pc++ // skip MMBIN*

		case luacode.OpAddK, luacode.OpSubK, luacode.OpMulK, luacode.OpModK,
			luacode.OpPowK, luacode.OpDivK, luacode.OpIDivK,
			luacode.OpBAndK, luacode.OpBOrK, luacode.OpBXORK:
			aop, _ := op.ArithmeticOperator()
			b := regs[inst.ArgB()]
			k := importConstant(proto.Constants[inst.ArgC()])
			v, err := th.arith(aop, b, k)
			if err != nil {
				return th.propagate(baseDepth, err)
			}
			regs[inst.ArgA()] = v
			frame.pc++ // skip MMBIN*

		case luacode.OpSHRI:
			v, err := th.arith(luacode.ShiftRight, regs[inst.ArgB()], numberValue(luacode.SignedArg(inst.ArgC())))
			if err != nil {
				return th.propagate(baseDepth, err)
			}
			regs[inst.ArgA()] = v
			frame.pc++

		case luacode.OpSHLI:
			v, err := th.arith(luacode.ShiftLeft, numberValue(luacode.SignedArg(inst.ArgC())), regs[inst.ArgB()])
			if err != nil {
				return th.propagate(baseDepth, err)
			}
			regs[inst.ArgA()] = v
			frame.pc++

		case luacode.OpAdd, luacode.OpSub, luacode.OpMul, luacode.OpMod,
			luacode.OpPow, luacode.OpDiv, luacode.OpIDiv,
			luacode.OpBAnd, luacode.OpBOr, luacode.OpBXOR, luacode.OpSHL, luacode.OpSHR:
			aop, _ := op.ArithmeticOperator()
			v, err := th.arith(aop, regs[inst.ArgB()], regs[inst.ArgC()])
			if err != nil {
				return th.propagate(baseDepth, err)
			}
			regs[inst.ArgA()] = v
			frame.pc++ // skip MMBIN*

		case luacode.OpMMBin, luacode.OpMMBinI, luacode.OpMMBinK:
			// Only ever reached when not consumed as part of the
			// preceding fast-path instruction, which cannot happen for
			// code this runtime produced; treat as a no-op for
			// robustness against hand-built bytecode.

		case luacode.OpUNM:
			v, err := th.arith(luacode.UnaryMinus, regs[inst.ArgB()], regs[inst.ArgB()])
			if err != nil {
				return th.propagate(baseDepth, err)
			}
			regs[inst.ArgA()] = v

		case luacode.OpBNot:
			v, err := th.arith(luacode.BitwiseNot, regs[inst.ArgB()], nil)
			if err != nil {
				return th.propagate(baseDepth, err)
			}
			regs[inst.ArgA()] = v

		case luacode.OpNot:
			regs[inst.ArgA()] = booleanValue(!toBoolean(regs[inst.ArgB()]))

		case luacode.OpLen:
			v, err := th.length(regs[inst.ArgB()])
			if err != nil {
				return th.propagate(baseDepth, err)
			}
			regs[inst.ArgA()] = v

		case luacode.OpConcat:
			a, n := int(inst.ArgA()), int(inst.ArgB())
			acc := regs[a+n-1]
			for i := n - 2; i >= 0; i-- {
				v, err := th.concat(regs[a+i], acc)
				if err != nil {
					return th.propagate(baseDepth, err)
				}
				acc = v
			}
			regs[a] = acc

		case luacode.OpClose:
			th.closeUpvalues(frame.registerStart() + int(inst.ArgA()))

		case luacode.OpTBC:
			if err := th.markTBC(frame.registerStart() + int(inst.ArgA())); err != nil {
				return th.propagate(baseDepth, err)
			}

		case luacode.OpJMP:
			frame.pc += int(inst.J())

		case luacode.OpEQ:
			eq, err := th.equals(regs[inst.ArgA()], regs[inst.ArgB()])
			if err != nil {
				return th.propagate(baseDepth, err)
			}
			if eq != inst.K() {
				frame.pc++
			}

		case luacode.OpLT:
			lt, err := th.less(regs[inst.ArgA()], regs[inst.ArgB()])
			if err != nil {
				return th.propagate(baseDepth, err)
			}
			if lt != inst.K() {
				frame.pc++
			}

		case luacode.OpLE:
			le, err := th.lessEqual(regs[inst.ArgA()], regs[inst.ArgB()])
			if err != nil {
				return th.propagate(baseDepth, err)
			}
			if le != inst.K() {
				frame.pc++
			}

		case luacode.OpEQK:
			k := importConstant(proto.Constants[inst.ArgB()])
			if rawEqual(regs[inst.ArgA()], k) != inst.K() {
				frame.pc++
			}

		case luacode.OpEQI:
			eq := numbersEqual(regs[inst.ArgA()], float64(luacode.SignedArg(inst.ArgB())))
			if eq != inst.K() {
				frame.pc++
			}

		case luacode.OpLTI:
			lt, err := th.less(regs[inst.ArgA()], numberValue(luacode.SignedArg(inst.ArgB())))
			if err != nil {
				return th.propagate(baseDepth, err)
			}
			if lt != inst.K() {
				frame.pc++
			}

		case luacode.OpLEI:
			le, err := th.lessEqual(regs[inst.ArgA()], numberValue(luacode.SignedArg(inst.ArgB())))
			if err != nil {
				return th.propagate(baseDepth, err)
			}
			if le != inst.K() {
				frame.pc++
			}

		case luacode.OpGTI:
			gt, err := th.less(numberValue(luacode.SignedArg(inst.ArgB())), regs[inst.ArgA()])
			if err != nil {
				return th.propagate(baseDepth, err)
			}
			if gt != inst.K() {
				frame.pc++
			}

		case luacode.OpGEI:
			ge, err := th.lessEqual(numberValue(luacode.SignedArg(inst.ArgB())), regs[inst.ArgA()])
			if err != nil {
				return th.propagate(baseDepth, err)
			}
			if ge != inst.K() {
				frame.pc++
			}

		case luacode.OpTest:
			if toBoolean(regs[inst.ArgA()]) != inst.K() {
				frame.pc++
			}

		case luacode.OpTestSet:
			v := regs[inst.ArgB()]
			if toBoolean(v) != inst.K() {
				frame.pc++
			} else {
				regs[inst.ArgA()] = v
			}

		case luacode.OpCall:
			absA := frame.registerStart() + int(inst.ArgA())
			nargs := resultCount(inst.ArgB(), th, absA)
			nresults := resultWant(inst.ArgC())
			if err := th.callPrepared(absA, nargs, nresults); err != nil {
				return th.propagate(baseDepth, err)
			}
			frame = th.frame()

		case luacode.OpTailCall:
			absA := frame.registerStart() + int(inst.ArgA())
			nargs := resultCount(inst.ArgB(), th, absA)
			return th.tailCall(baseDepth, absA, nargs)

		case luacode.OpReturn:
			n := int(inst.ArgB()) - 1
			absA := frame.registerStart() + int(inst.ArgA())
			if n < 0 {
				n = len(th.stack) - absA
			}
			return th.doReturn(baseDepth, absA, n)

		case luacode.OpReturn0:
			return th.doReturn(baseDepth, frame.registerStart(), 0)

		case luacode.OpReturn1:
			return th.doReturn(baseDepth, frame.registerStart()+int(inst.ArgA()), 1)

		case luacode.OpForLoop:
			a := int(inst.ArgA())
			step := float64(regs[a+2].(numberValue))
			cur := float64(regs[a].(numberValue)) + step
			limit := float64(regs[a+1].(numberValue))
			if (step > 0 && cur <= limit) || (step < 0 && cur >= limit) {
				regs[a] = numberValue(cur)
				regs[a+3] = numberValue(cur)
				frame.pc -= int(inst.ArgBx())
			}

		case luacode.OpForPrep:
			a := int(inst.ArgA())
			init, iok := toNumber(regs[a])
			limit, lok := toNumber(regs[a+1])
			step, sok := toNumber(regs[a+2])
			if !iok || !lok || !sok {
				return th.propagate(baseDepth, raisef("'for' initial value must be a number"))
			}
			if step == 0 {
				return th.propagate(baseDepth, raisef("'for' step is zero"))
			}
			skip := (step > 0 && float64(init) > float64(limit)) || (step < 0 && float64(init) < float64(limit))
			regs[a], regs[a+1], regs[a+2] = init, limit, step
			if skip {
				frame.pc += int(inst.ArgBx()) + 1
			} else {
				regs[a+3] = init
			}

		case luacode.OpTForPrep:
			frame.pc += int(inst.ArgBx())

		case luacode.OpTForCall:
			a := int(inst.ArgA())
			nresults := int(inst.ArgC())
			base := frame.registerStart() + a
			th.grow(base + 4 + nresults)
			th.stack[base+4] = th.stack[base]
			th.stack[base+5] = th.stack[base+1]
			th.stack[base+6] = th.stack[base+2]
			if err := th.callPrepared(base+4, 2, nresults); err != nil {
				return th.propagate(baseDepth, err)
			}
			frame = th.frame()
			regs = th.stack[frame.registerStart():]

		case luacode.OpTForLoop:
			a := int(inst.ArgA())
			if regs[a+4] != nil {
				regs[a+2] = regs[a+4]
				frame.pc -= int(inst.ArgBx())
			}

		case luacode.OpSetList:
			a := int(inst.ArgA())
			n := int(inst.ArgB())
			start := int(inst.ArgC())
			if inst.K() {
				start += int(proto.Code[frame.pc].ArgAx()) * 256
				frame.pc++
			}
			t := regs[a].(*table)
			if n == 0 {
				n = len(th.stack) - (frame.registerStart() + a + 1)
			}
			for i := 1; i <= n; i++ {
				if err := t.set(numberValue(start+i), regs[a+i]); err != nil {
					return th.propagate(baseDepth, err)
				}
			}

		case luacode.OpClosure:
			nested := proto.Functions[inst.ArgBx()]
			closure := th.closureFromPrototype(nested)
			if err := th.checkUpvalues(closure.upvalues); err != nil {
				return th.propagate(baseDepth, err)
			}
			regs[inst.ArgA()] = closure

		case luacode.OpVararg:
			a := int(inst.ArgA())
			want := int(inst.ArgC()) - 1
			start, end := frame.extraArgumentsRange()
			have := end - start
			if want < 0 {
				want = have
				th.grow(frame.registerStart() + a + want)
				regs = th.stack[frame.registerStart():]
			}
			for i := 0; i < want; i++ {
				if i < have {
					regs[a+i] = th.stack[start+i]
				} else {
					regs[a+i] = nil
				}
			}
			if int(inst.ArgC())-1 < 0 {
				th.setTop(frame.registerStart() + a + want)
			}

		case luacode.OpVarargPrep:
			// Handled by prepCall when the frame was set up; nothing to
			// do here beyond letting execution continue past it.

		case luacode.OpExtraArg:
			// Only ever consumed inline by the instruction preceding it.

		default:
			return th.propagate(baseDepth, raisef("unimplemented opcode %s", op))
		}
	}
}

// rkValue resolves an instruction's operand that may denote either a
// register or (with k set) a constant pool entry — the convention used by
// SETTABUP/SETTABLE/SETI/SETFIELD's third operand.
func (th *Thread) rkValue(proto *luacode.Prototype, regs []value, c uint8, k bool) value {
	if k {
		return importConstant(proto.Constants[c])
	}
	return regs[c]
}

func numbersEqual(v value, n float64) bool {
	nv, ok := v.(numberValue)
	return ok && float64(nv) == n
}

// resultCount computes how many arguments a CALL/TAILCALL at absA passes,
// where b==0 means "up to the current stack top" (set by a preceding
// multi-result instruction such as CALL, VARARG, or SETLIST).
func resultCount(b uint8, th *Thread, absA int) int {
	if b == 0 {
		return len(th.stack) - absA - 1
	}
	return int(b) - 1
}

// resultWant translates a CALL's C operand into the nresults convention
// used by callPrepared (MultipleReturns for "all results").
func resultWant(c uint8) int {
	if c == 0 {
		return MultipleReturns
	}
	return int(c) - 1
}

// doReturn copies n results from absStart down to the function's own
// slot, closes upvalues/TBC variables opened in this frame, pops it, and
// returns nil so that the Go caller of exec (callPrepared or Run)
// collects the results.
func (th *Thread) doReturn(baseDepth, absStart, n int) error {
	frame := th.frame()
	callerWant := frame.numResults
	dest := frame.functionIndex
	copy(th.stack[dest:dest+n], th.stack[absStart:absStart+n])
	th.closeUpvalues(frame.registerStart())
	if err := th.closeTBCSlots(frame.registerStart(), nil); err != nil {
		return th.propagate(baseDepth, err)
	}
	th.setTop(dest + n)
	if th.global.debugger != nil {
		th.global.debugger.OnFramePop(th, frame)
	}
	th.callStack = th.callStack[:len(th.callStack)-1]
	th.finishResults(dest, n, callerWant)
	if len(th.callStack) <= baseDepth {
		return nil
	}
	return nil
}

// tailCall replaces the current frame with a call to the function at
// absA, reusing the frame slot so tail recursion runs in bounded stack
// space rather than growing th.callStack.
func (th *Thread) tailCall(baseDepth, absA, nargs int) error {
	frame := th.frame()
	th.closeUpvalues(frame.registerStart())
	if err := th.closeTBCSlots(frame.registerStart(), nil); err != nil {
		return th.propagate(baseDepth, err)
	}
	callerWant := frame.numResults
	dest := frame.functionIndex
	copy(th.stack[dest:dest+1+nargs], th.stack[absA:absA+1+nargs])
	th.setTop(dest + 1 + nargs)
	th.callStack = th.callStack[:len(th.callStack)-1]
	if len(th.callStack) <= baseDepth {
		// Tail call out of the top-level invocation: run it as a fresh
		// call and let our own caller collect the (possibly
		// multiple-value) results directly.
		return th.callPrepared(dest, nargs, callerWant)
	}
	th.callStack = append(th.callStack, callFrame{
		functionIndex: dest,
		numResults:    callerWant,
		isTailCall:    true,
	})
	if lf, ok := th.stack[dest].(*luaFunction); ok {
		th.prepCall(lf, nargs)
		return th.exec()
	}
	n, err := th.callGo(th.stack[dest].(*goFunction), nargs)
	th.callStack = th.callStack[:len(th.callStack)-1]
	if err != nil {
		th.setTop(dest)
		return th.propagate(baseDepth, err)
	}
	th.finishResults(dest, n, callerWant)
	return nil
}

// propagate annotates err with a traceback (once, at the point it first
// escapes Lua code) and unwinds frames down to baseDepth.
func (th *Thread) propagate(baseDepth int, err error) error {
	switch e := err.(type) {
	case *RuntimeError:
		if e.Traceback == "" {
			e.Traceback = th.Traceback()
		}
	case errorObject:
		if e.traceback == "" {
			e.traceback = th.Traceback()
			err = e
		}
	}
	th.unwind(baseDepth, nil)
	return err
}
