// Copyright 2024 The golua Authors
// SPDX-License-Identifier: MIT

package lua

import (
	"fmt"

	"github.com/loomwright/golua/internal/luacode"
)

// An upvalue is a variable captured from an enclosing function's scope.
// It is "open" while the stack slot it refers to is still live, and
// transitions (one-way) to "closed" once that frame pops, copying the
// slot's final value into storage.
type upvalue struct {
	stackIndex int // -1 once closed
	storage    value
}

func closedUpvalue(v value) *upvalue {
	return &upvalue{stackIndex: -1, storage: v}
}

func (uv *upvalue) isOpen() bool { return uv.stackIndex >= 0 }

// stackUpvalue returns the open upvalue for stack slot i on th, creating
// and registering one if none exists yet. Two closures that capture the
// same local always observe the same *upvalue, which is what lets one
// closure's writes be visible through another's (see scenario S6 in the
// design notes).
func (th *Thread) stackUpvalue(i int) *upvalue {
	for _, uv := range th.openUpvalues {
		if uv.stackIndex == i {
			return uv
		}
	}
	uv := &upvalue{stackIndex: i}
	th.openUpvalues = append(th.openUpvalues, uv)
	return uv
}

// resolveUpvalue returns a pointer to the variable uv represents. For an
// open upvalue this points directly into the thread's stack, so callers
// must not hold it across anything that can grow the stack.
func (th *Thread) resolveUpvalue(uv *upvalue) *value {
	if uv.isOpen() {
		return &th.stack[uv.stackIndex]
	}
	return &uv.storage
}

// closeUpvalues closes every open upvalue referring to a stack slot at or
// above bottom. This runs whenever a frame whose registers start at
// bottom is about to be popped or reused (RETURN, TAILCALL, a JMP with a
// close side effect, or error unwinding).
func (th *Thread) closeUpvalues(bottom int) {
	n := 0
	for _, uv := range th.openUpvalues {
		if uv.isOpen() && uv.stackIndex >= bottom {
			uv.storage = th.stack[uv.stackIndex]
			uv.stackIndex = -1
		} else {
			th.openUpvalues[n] = uv
			n++
		}
	}
	clear(th.openUpvalues[n:])
	th.openUpvalues = th.openUpvalues[:n]
}

// markTBC marks the value at stack index i as "to be closed": when the
// stack unwinds past i its __close metamethod runs. Marking a false or
// nil value is a no-op, matching the `<close>` attribute's rules.
func (th *Thread) markTBC(i int) error {
	v := th.stack[i]
	if !toBoolean(v) {
		return nil
	}
	if th.global.metamethod(v, luacode.TagMethodClose) == nil {
		name := th.localVariableName(th.frame(), i)
		if name == "" {
			name = "?"
		}
		return fmt.Errorf("variable '%s' got a non-closable value", name)
	}
	th.tbc = append(th.tbc, i)
	return nil
}

// closeTBCSlots runs the __close metamethods of to-be-closed variables at
// or above bottom, from the top down, accumulating into err any error
// raised by a handler (later errors take precedence, as in the reference
// implementation).
func (th *Thread) closeTBCSlots(bottom int, err error) error {
	for len(th.tbc) > 0 && th.tbc[len(th.tbc)-1] >= bottom {
		i := th.tbc[len(th.tbc)-1]
		th.tbc = th.tbc[:len(th.tbc)-1]
		v := th.stack[i]
		closer := th.global.metamethod(v, luacode.TagMethodClose)
		if newErr := th.call(0, closer, v, errorToValue(err)); newErr != nil {
			err = newErr
		}
	}
	return err
}

func closureUpvalues(th *Thread, proto *luacode.Prototype, parent *luaFunction) []*upvalue {
	ups := make([]*upvalue, len(proto.Upvalues))
	for i, desc := range proto.Upvalues {
		if desc.InStack {
			ups[i] = th.stackUpvalue(th.frame().registerStart() + int(desc.Index))
		} else {
			ups[i] = parent.upvalues[desc.Index]
		}
	}
	return ups
}

// closureFromPrototype constructs a new Lua closure for nested prototype proto,
// resolving each upvalue descriptor against the currently executing
// function's frame (for stack-captured upvalues) or its own upvalues (for
// upvalues forwarded from further out).
func (th *Thread) closureFromPrototype(proto *luacode.Prototype) *luaFunction {
	parent := th.currentLuaFunction()
	return &luaFunction{
		id:       th.global.nextID(),
		proto:    proto,
		upvalues: closureUpvalues(th, proto, parent),
	}
}

func (th *Thread) currentLuaFunction() *luaFunction {
	f, _ := th.stack[th.frame().functionIndex].(*luaFunction)
	return f
}

// checkUpvalues verifies that open upvalues captured by a would-be
// closure don't reach past the current frame's register window, which
// would indicate a malformed prototype.
func (th *Thread) checkUpvalues(ups []*upvalue) error {
	bound := th.frame().registerStart() + int(th.currentLuaFunction().proto.MaxStackSize)
	for i, uv := range ups {
		if uv.isOpen() && uv.stackIndex >= bound {
			return fmt.Errorf("internal error: upvalue [%d] points past current frame", i)
		}
	}
	return nil
}
