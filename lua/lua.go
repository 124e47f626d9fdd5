// Copyright 2024 The golua Authors
// SPDX-License-Identifier: MIT

package lua

import (
	"bufio"
	"context"
	"os"
	"strings"

	"github.com/loomwright/golua/internal/luacode"
)

const (
	// minStack is the minimum number of free stack slots guaranteed to a
	// freshly pushed frame.
	minStack = 20
	// maxStack bounds how large a single thread's value stack may grow,
	// guarding against runaway recursion.
	maxStack = 1_000_000
	// maxMetaDepth bounds __index/__newindex chain following, guarding
	// against metatable cycles.
	maxMetaDepth = 200
)

// MultipleReturns is the sentinel result count meaning "as many results as
// the callee produces".
const MultipleReturns = -1

// GlobalState is the process-local (per-embedder) Lua environment: the
// global table, per-type metatables, the registry, and the main [Thread].
// Two GlobalStates never share values; creating one and using values from
// another is a programming error.
type GlobalState struct {
	globals            *table
	registry           *table
	typeMetatables     [9]*table
	userdataMetatables map[string]*table
	main               *Thread
	current            *Thread
	debugger           Debugger
	idCounter          uint64
}

// NewGlobalState creates a ready-to-use Lua environment with an empty
// global table and no standard libraries installed.
func NewGlobalState() *GlobalState {
	g := &GlobalState{
		globals:  newTable(0, 0),
		registry: newTable(0, 1),
	}
	g.main = newThread(g)
	g.current = g.main
	return g
}

// MainThread returns the GlobalState's main [Thread], created alongside
// the state itself.
func (g *GlobalState) MainThread() *Thread { return g.main }

// Globals returns the global environment table.
func (g *GlobalState) Globals() *Table { return &Table{t: g.globals} }

// SetDebugger attaches (or, with nil, detaches) a [Debugger] that will
// observe every prototype the state loads and every frame push/pop and
// debug-break trap on any thread of this state.
func (g *GlobalState) SetDebugger(d Debugger) { g.debugger = d }

// TypeMetatable returns the shared metatable Lua consults for all values
// of a primitive type that cannot carry its own metatable pointer (strings
// and light userdata). It returns nil if none has been set.
func (g *GlobalState) TypeMetatable(t Type) *Table {
	if int(t) < 0 || int(t) >= len(g.typeMetatables) || g.typeMetatables[t] == nil {
		return nil
	}
	return &Table{t: g.typeMetatables[t]}
}

// SetTypeMetatable installs the shared metatable for all values of
// primitive type t.
func (g *GlobalState) SetTypeMetatable(t Type, mt *Table) {
	var raw *table
	if mt != nil {
		raw = mt.t
	}
	g.typeMetatables[t] = raw
}

// UserdataMetatable returns the shared metatable registered for typeName,
// creating an empty one on first use, analogous to luaL_newmetatable. Host
// code typically calls this once at startup to populate __index and
// friends before creating any userdata of that type.
func (g *GlobalState) UserdataMetatable(typeName string) *Table {
	return &Table{t: g.userdataMetatable(typeName)}
}

func (g *GlobalState) userdataMetatable(typeName string) *table {
	if g.userdataMetatables == nil {
		g.userdataMetatables = make(map[string]*table)
	}
	mt := g.userdataMetatables[typeName]
	if mt == nil {
		mt = newTable(0, 0)
		g.userdataMetatables[typeName] = mt
	}
	return mt
}

// metatableFor returns the metatable consulted for v's metamethods, or
// nil if v cannot have one.
func (g *GlobalState) metatableFor(v value) *table {
	switch v := v.(type) {
	case *table:
		return v.meta
	case stringValue:
		return g.typeMetatables[TypeString]
	case lightUserdataValue:
		return g.typeMetatables[TypeLightUserdata]
	case *userdataValue:
		return v.meta
	default:
		return nil
	}
}

// metamethod looks up event on v's metatable, returning nil if v has no
// metatable or the metatable has no such field.
func (g *GlobalState) metamethod(v value, event luacode.TagMethod) value {
	mt := g.metatableFor(v)
	if mt == nil {
		return nil
	}
	return mt.get(stringValue(tagMethodName(event)))
}

var tagMethodNames = map[luacode.TagMethod]string{
	luacode.TagMethodIndex:    "__index",
	luacode.TagMethodNewIndex: "__newindex",
	luacode.TagMethodGC:       "__gc",
	luacode.TagMethodMode:     "__mode",
	luacode.TagMethodLen:      "__len",
	luacode.TagMethodEQ:       "__eq",
	luacode.TagMethodAdd:      "__add",
	luacode.TagMethodSub:      "__sub",
	luacode.TagMethodMul:      "__mul",
	luacode.TagMethodMod:      "__mod",
	luacode.TagMethodPow:      "__pow",
	luacode.TagMethodDiv:      "__div",
	luacode.TagMethodIDiv:     "__idiv",
	luacode.TagMethodBAnd:     "__band",
	luacode.TagMethodBOr:      "__bor",
	luacode.TagMethodBXOR:     "__bxor",
	luacode.TagMethodSHL:      "__shl",
	luacode.TagMethodSHR:      "__shr",
	luacode.TagMethodUNM:      "__unm",
	luacode.TagMethodBNot:     "__bnot",
	luacode.TagMethodLT:       "__lt",
	luacode.TagMethodLE:       "__le",
	luacode.TagMethodConcat:   "__concat",
	luacode.TagMethodCall:     "__call",
	luacode.TagMethodClose:    "__close",
}

func tagMethodName(tm luacode.TagMethod) string {
	return tagMethodNames[tm]
}

// Closure is a compiled Lua function or a registered Go function, ready
// to be run with [Thread.Run].
type Closure struct {
	fn function
}

// IsGo reports whether the closure wraps a host (Go) function rather than
// compiled Lua code.
func (c *Closure) IsGo() bool {
	_, ok := c.fn.(*goFunction)
	return ok
}

// LoadString compiles source as a Lua chunk named chunkName and returns a
// closure ready to run. Per the chunk-name convention, a name beginning
// with "@" denotes a file path and "=" an opaque source; any other name is
// treated as the literal source text for error messages.
func (g *GlobalState) LoadString(source, chunkName string) (*Closure, error) {
	proto, err := luacode.Parse(luacode.Source(chunkName), bufio.NewReader(strings.NewReader(source)))
	if err != nil {
		return nil, &RuntimeError{Value: Value{v: stringValue(err.Error())}, Kind: ErrorKindCompile}
	}
	g.registerPrototype(proto)
	return &Closure{fn: &luaFunction{id: g.nextID(), proto: proto}}, nil
}

// LoadFile compiles the file at path as a Lua chunk, using the
// "@"-prefixed chunk-name convention so tracebacks show the file path.
func (g *GlobalState) LoadFile(path string) (*Closure, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	proto, err := luacode.Parse(luacode.FilenameSource(path), bufio.NewReader(f))
	if err != nil {
		return nil, &RuntimeError{Value: Value{v: stringValue(err.Error())}, Kind: ErrorKindCompile}
	}
	g.registerPrototype(proto)
	return &Closure{fn: &luaFunction{id: g.nextID(), proto: proto}}, nil
}

func (g *GlobalState) registerPrototype(proto *luacode.Prototype) {
	if g.debugger != nil {
		g.debugger.RegisterPrototype(proto)
	}
	for _, nested := range proto.Functions {
		g.registerPrototype(nested)
	}
}

// NewGoFunction wraps fn as a callable Lua value. If yieldable is true,
// fn (and any Lua code it calls back into) is permitted to call
// [Thread.Yield]; otherwise a yield attempted beneath fn fails with
// "attempt to yield across a C-call boundary", matching the reference
// implementation's treatment of non-yieldable C functions.
func (g *GlobalState) NewGoFunction(name string, yieldable bool, fn Function) Value {
	return Value{v: &goFunction{id: g.nextID(), name: name, cb: fn, yieldable: yieldable}}
}

// NewUserdata wraps data as a full userdata tagged with typeName. The
// userdata starts out carrying the shared metatable for typeName (see
// [GlobalState.UserdataMetatable]), shared with every other userdata of
// the same type name; the setmetatable builtin accepts only tables and
// cannot replace it.
func (g *GlobalState) NewUserdata(typeName string, data any) Value {
	return Value{v: &userdataValue{
		id:       g.nextID(),
		data:     data,
		typeName: typeName,
		meta:     g.userdataMetatable(typeName),
	}}
}

// Table is a host-facing handle to a Lua table.
type Table struct{ t *table }

// NewTable creates an empty table, with arrayHint/hashHint as capacity
// hints for its array and hash parts respectively.
func (g *GlobalState) NewTable(arrayHint, hashHint int) *Table {
	return &Table{t: newTable(arrayHint, hashHint)}
}

// Get performs a raw (metamethod-free) read.
func (t *Table) Get(key Value) Value { return Value{v: t.t.get(key.v)} }

// Set performs a raw (metamethod-free) write. It returns an error if key
// is nil or NaN.
func (t *Table) Set(key, val Value) error { return t.t.set(key.v, val.v) }

// SetMetatable installs mt as t's metatable (nil clears it).
func (t *Table) SetMetatable(mt *Table) {
	if mt == nil {
		t.t.meta = nil
		return
	}
	t.t.meta = mt.t
}

// Len returns a border of the table (see the language manual's definition
// of the "#" operator).
func (t *Table) Len() int64 { return int64(t.t.rawLen()) }

// Value wraps an arbitrary Lua runtime value for host consumption. The
// zero Value is Lua nil.
type Value struct{ v value }

// BoolValue, NumberValue, and StringValue construct primitive [Value]s.
func BoolValue(b bool) Value     { return Value{v: booleanValue(b)} }
func NumberValue(n float64) Value { return Value{v: numberValue(n)} }
func StringValue(s string) Value { return Value{v: stringValue(s)} }

// LightUserdataValue wraps a host-supplied pointer-sized token as a light
// userdata [Value]. Use [GlobalState.NewUserdata] instead when the value
// needs to carry an arbitrary Go value or its own metatable.
func LightUserdataValue(p uintptr) Value { return Value{v: lightUserdataValue(p)} }

// TableValue wraps a [Table] as a [Value].
func TableValue(t *Table) Value {
	if t == nil {
		return Value{}
	}
	return Value{v: t.t}
}

// Type reports v's dynamic type.
func (v Value) Type() Type { return valueType(v.v) }

// IsNil reports whether v is Lua nil.
func (v Value) IsNil() bool { return v.v == nil }

// Bool coerces v using Lua truthiness: everything except nil and false is
// true.
func (v Value) Bool() bool { return toBoolean(v.v) }

// Number returns v's numeric value and whether v is a number or a string
// convertible to one.
func (v Value) Number() (float64, bool) {
	n, ok := toNumber(v.v)
	return float64(n), ok
}

// AsString returns v's content if it is a string, without any coercion.
func (v Value) AsString() (string, bool) {
	s, ok := v.v.(stringValue)
	return string(s), ok
}

// Table returns v as a [*Table] if it holds one.
func (v Value) Table() (*Table, bool) {
	t, ok := v.v.(*table)
	if !ok {
		return nil, false
	}
	return &Table{t: t}, true
}

// Userdata returns the host Go value wrapped by v and the type name it was
// created with, if v is a full userdata created by [GlobalState.NewUserdata].
func (v Value) Userdata() (data any, typeName string, ok bool) {
	u, ok := v.v.(*userdataValue)
	if !ok {
		return nil, "", false
	}
	return u.data, u.typeName, true
}

// LightUserdata returns v's token if v was created by [LightUserdataValue].
func (v Value) LightUserdata() (uintptr, bool) {
	p, ok := v.v.(lightUserdataValue)
	return uintptr(p), ok
}

// String renders v the way Lua's tostring() would for a value with no
// __tostring metamethod (nil and booleans render as their literals,
// numbers and strings as their content, everything else as
// "type: 0x...").
func (v Value) String() string {
	if v.v == nil {
		return "nil"
	}
	if s, ok := toDisplayString(v.v); ok {
		return string(s)
	}
	switch vv := v.v.(type) {
	case booleanValue:
		if vv {
			return "true"
		}
		return "false"
	default:
		return v.Type().String() + ": " + addressOf(v.v)
	}
}

// callFrame is one activation record on a [Thread]'s call stack. A Lua
// CALL recurses: callPrepared pushes a new callFrame and calls exec
// again, so nested Lua calls consume Go stack one frame at a time (this
// is why each coroutine runs on its own goroutine, whose Go stack grows
// independently of the others). A TAILCALL pops the current callFrame
// before pushing the callee's, which keeps th.callStack's depth bounded
// across proper tail calls; it still enters exec again, so Go stack use
// grows with each tail call.
type callFrame struct {
	// functionIndex is the stack slot holding the function being run.
	functionIndex int
	// numExtraArguments counts arguments beyond the prototype's fixed
	// parameters, stored just below functionIndex.
	numExtraArguments int
	// numResults is how many results the caller asked for, or
	// MultipleReturns.
	numResults int
	pc         int
	isTailCall bool
}

func (f callFrame) framePointer() int  { return f.functionIndex - f.numExtraArguments }
func (f callFrame) registerStart() int { return f.functionIndex + 1 }
func (f callFrame) extraArgumentsRange() (start, end int) {
	return f.framePointer(), f.functionIndex
}

func newThread(g *GlobalState) *Thread {
	th := &Thread{
		global: g,
		id:     g.nextID(),
		status: ThreadRunning,
	}
	return th
}

// Run compiles nothing; it invokes an already-loaded [Closure] with args
// and returns its results. This is the embedding API's primary execution
// entry point ("Execute" in the design overview). ctx is checked for
// cancellation at call boundaries and at yield points; see
// [Thread.Resume] for how cancellation interacts with coroutines.
func (th *Thread) Run(ctx context.Context, c *Closure, args ...Value) ([]Value, error) {
	th.ctx = ctx
	base := len(th.stack)
	th.stack = append(th.stack, c.fn)
	for _, a := range args {
		th.stack = append(th.stack, a.v)
	}
	th.callStack = append(th.callStack, callFrame{
		functionIndex: base,
		numResults:    MultipleReturns,
	})
	if lf, ok := c.fn.(*luaFunction); ok {
		th.prepCall(lf, len(args))
	} else {
		n, err := th.callGo(c.fn.(*goFunction), len(args))
		if err != nil {
			th.callStack = th.callStack[:len(th.callStack)-1]
			th.setTop(base)
			return nil, wrapTopLevelError(err)
		}
		results := th.collectResults(base, n)
		th.callStack = th.callStack[:len(th.callStack)-1]
		th.setTop(base)
		return results, nil
	}
	if err := th.exec(); err != nil {
		th.setTop(base)
		return nil, wrapTopLevelError(err)
	}
	top := len(th.stack)
	results := th.collectResults(base, top-base)
	th.setTop(base)
	return results, nil
}

func (th *Thread) collectResults(base, n int) []Value {
	out := make([]Value, 0, n)
	for i := 0; i < n; i++ {
		idx := base + i
		if idx >= len(th.stack) {
			out = append(out, Value{})
			continue
		}
		out = append(out, Value{v: th.stack[idx]})
	}
	return out
}

func wrapTopLevelError(err error) error {
	if re, ok := err.(*RuntimeError); ok {
		return re
	}
	kind := ErrorKindRuntime
	if IsCancellation(err) {
		kind = ErrorKindCancelled
	}
	re := &RuntimeError{Value: Value{v: errorToValue(err)}, Kind: kind}
	if obj, ok := err.(errorObject); ok {
		re.Traceback = obj.traceback
	}
	return re
}
