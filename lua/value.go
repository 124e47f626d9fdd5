// Copyright 2024 The golua Authors
// SPDX-License-Identifier: MIT

package lua

import (
	"cmp"
	"fmt"
	"math"
	"strconv"

	"github.com/loomwright/golua/internal/luacode"
	"github.com/loomwright/golua/internal/lualex"
)

// Type is an enumeration of Lua data types.
type Type int

// TypeNone is the type reported for a non-valid but acceptable index.
const TypeNone Type = -1

// Value types, matching the order of the Lua reference manual.
const (
	TypeNil           Type = 0
	TypeBoolean       Type = 1
	TypeLightUserdata Type = 2
	TypeNumber        Type = 3
	TypeString        Type = 4
	TypeTable         Type = 5
	TypeFunction      Type = 6
	TypeUserdata      Type = 7
	TypeThread        Type = 8
)

func (tp Type) String() string {
	switch tp {
	case TypeNone:
		return "no value"
	case TypeNil:
		return "nil"
	case TypeBoolean:
		return "boolean"
	case TypeLightUserdata, TypeUserdata:
		return "userdata"
	case TypeNumber:
		return "number"
	case TypeString:
		return "string"
	case TypeTable:
		return "table"
	case TypeFunction:
		return "function"
	case TypeThread:
		return "thread"
	default:
		return fmt.Sprintf("lua.Type(%d)", int(tp))
	}
}

// value is the internal representation of a Lua value.
//
// Unlike the reference Lua 5.4 implementation, numbers are not split into
// integer and float subtypes: every Lua number is a numberValue holding an
// IEEE-754 double. Programs that depend on exact 64-bit integer overflow or
// integer division semantics of very large values will observe rounding
// that Lua 5.4 itself would not produce; see the module's design notes.
type value interface {
	valueType() Type
}

func valueType(v value) Type {
	if v == nil {
		return TypeNil
	}
	return v.valueType()
}

// importConstant converts a compile-time constant produced by the compiler
// into the runtime's value representation.
func importConstant(v luacode.Value) value {
	switch {
	case v.IsNil():
		return nil
	case v.IsBoolean():
		b, _ := v.Bool()
		return booleanValue(b)
	case v.IsInteger():
		i, _ := v.Int64(luacode.OnlyIntegral)
		return numberValue(i)
	case v.IsNumber():
		f, _ := v.Float64()
		return numberValue(f)
	case v.IsString():
		s, _ := v.Unquoted()
		return stringValue(s)
	default:
		panic("unreachable")
	}
}

// compareValues imposes a total order over values.
// Values of differing types are ordered by their [Type].
func compareValues(v1, v2 value) int {
	switch v1 := v1.(type) {
	case nil:
		return cmp.Compare(TypeNil, valueType(v2))
	case booleanValue:
		b2, ok := v2.(booleanValue)
		switch {
		case !ok:
			return cmp.Compare(TypeBoolean, valueType(v2))
		case bool(v1) == bool(b2):
			return 0
		case bool(v1):
			return 1
		default:
			return -1
		}
	case numberValue:
		n2, ok := v2.(numberValue)
		if !ok {
			return cmp.Compare(TypeNumber, valueType(v2))
		}
		return cmp.Compare(v1, n2)
	case stringValue:
		s2, ok := v2.(stringValue)
		if !ok {
			return cmp.Compare(TypeString, valueType(v2))
		}
		return cmp.Compare(v1, s2)
	case *table:
		t2, ok := v2.(*table)
		if !ok {
			return cmp.Compare(TypeTable, valueType(v2))
		}
		return cmp.Compare(v1.id, t2.id)
	case function:
		f2, ok := v2.(function)
		if !ok {
			return cmp.Compare(TypeFunction, valueType(v2))
		}
		return cmp.Compare(v1.functionID(), f2.functionID())
	case *Thread:
		t2, ok := v2.(*Thread)
		if !ok {
			return cmp.Compare(TypeThread, valueType(v2))
		}
		return cmp.Compare(v1.id, t2.id)
	case lightUserdataValue:
		p2, ok := v2.(lightUserdataValue)
		if !ok {
			return cmp.Compare(TypeLightUserdata, valueType(v2))
		}
		return cmp.Compare(v1, p2)
	case *userdataValue:
		u2, ok := v2.(*userdataValue)
		if !ok {
			return cmp.Compare(TypeUserdata, valueType(v2))
		}
		return cmp.Compare(v1.id, u2.id)
	default:
		panic("unhandled type")
	}
}

// rawEqual reports whether v1 and v2 are equal without consulting any
// __eq metamethod.
func rawEqual(v1, v2 value) bool {
	t1, t2 := valueType(v1), valueType(v2)
	if t1 != t2 {
		return false
	}
	switch v1 := v1.(type) {
	case nil:
		return true
	case numberValue:
		return v1 == v2.(numberValue)
	default:
		return v1 == v2
	}
}

// numericValue is implemented by value types that can be [coerced] to a
// number.
//
// [coerced]: https://www.lua.org/manual/5.4/manual.html#3.4.3
type numericValue interface {
	value
	toNumber() (numberValue, bool)
}

var (
	_ numericValue = numberValue(0)
	_ numericValue = stringValue("")
)

func toNumber(v value) (numberValue, bool) {
	nv, ok := v.(numericValue)
	if !ok {
		return 0, false
	}
	return nv.toNumber()
}

// toInteger coerces v to an int64, truncating toward zero only when the
// float value has no fractional part, matching the Lua manual's definition
// of "representable as an integer".
func toInteger(v value) (int64, bool) {
	n, ok := toNumber(v)
	if !ok {
		return 0, false
	}
	return n.toInteger()
}

func toBoolean(v value) bool {
	switch v := v.(type) {
	case nil:
		return false
	case booleanValue:
		return bool(v)
	default:
		return true
	}
}

type valueStringer interface {
	stringValueOf() stringValue
}

var (
	_ valueStringer = numberValue(0)
	_ valueStringer = stringValue("")
)

func toDisplayString(v value) (stringValue, bool) {
	sv, ok := v.(valueStringer)
	if !ok {
		return "", false
	}
	return sv.stringValueOf(), true
}

// lenValue is implemented by value types that have a defined raw length.
type lenValue interface {
	value
	rawLen() numberValue
}

var (
	_ lenValue = (*table)(nil)
	_ lenValue = stringValue("")
)

// booleanValue is a boolean [value].
type booleanValue bool

func (v booleanValue) valueType() Type { return TypeBoolean }

// numberValue is the single Lua number representation: an IEEE-754 double.
type numberValue float64

func (v numberValue) valueType() Type           { return TypeNumber }
func (v numberValue) toNumber() (numberValue, bool) { return v, true }

func (v numberValue) toInteger() (int64, bool) {
	f := float64(v)
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, false
	}
	if f < math.MinInt64 || f > math.MaxInt64 {
		return 0, false
	}
	return int64(f), true
}

func (v numberValue) stringValueOf() stringValue {
	f := float64(v)
	if i, ok := v.toInteger(); ok {
		return stringValue(strconv.FormatInt(i, 10))
	}
	return stringValue(strconv.FormatFloat(f, 'g', 14, 64))
}

// stringValue is a Lua string [value]: immutable and compared by content.
// Go's native string equality gives Lua's "strings compare equal iff they
// have the same content" for free, so there is no separate interning step.
type stringValue string

func (v stringValue) valueType() Type { return TypeString }

func (v stringValue) rawLen() numberValue { return numberValue(len(v)) }

func (v stringValue) stringValueOf() stringValue { return v }

func (v stringValue) toNumber() (numberValue, bool) {
	f, err := lualex.ParseNumber(string(v))
	if err != nil {
		return 0, false
	}
	return numberValue(f), true
}

// lightUserdataValue is an opaque pointer-sized token supplied by host
// code. It carries no payload of its own and is never garbage collected;
// every light userdata shares the single per-[Type] metatable returned by
// GlobalState.TypeMetatable(TypeLightUserdata), the same mechanism strings
// use. Equality and ordering are by raw token value.
type lightUserdataValue uintptr

func (v lightUserdataValue) valueType() Type { return TypeLightUserdata }

// userdataValue wraps an arbitrary host Go value ("full userdata" in the
// reference manual's terms) tagged with a type name. GlobalState.NewUserdata
// assigns every userdata created under the same type name the shared
// metatable GlobalState.UserdataMetatable(typeName) returns, mirroring
// luaL_newmetatable/luaL_setmetatable; the setmetatable builtin accepts
// only tables, so Lua code cannot replace a userdata's metatable. Equality
// is by identity, like tables.
type userdataValue struct {
	id       uint64
	data     any
	typeName string
	meta     *table
}

func (v *userdataValue) valueType() Type { return TypeUserdata }

// function is implemented by both Lua closures and Go host functions.
type function interface {
	value
	functionID() uint64
	upvaluesSlice() []*upvalue
}

var (
	_ function = (*goFunction)(nil)
	_ function = (*luaFunction)(nil)
)

// Function is a callback for a Lua function implemented in Go. ctx exposes
// type-checked argument accessors, a result-buffer writer ([Context.Push]),
// the running [Thread], and its [GlobalState]; ctx.Context() carries the
// cancellation passed to [Thread.Run] or [Thread.Resume]. A Function
// returns the number of results it pushed via ctx.Push. Returning a
// non-nil error raises it as a Lua error: an error that carries a Lua
// value (one raised by error() or by the runtime) keeps that value, and
// any other error's message becomes a string error object.
type Function func(ctx *Context) (int, error)

type goFunction struct {
	id       uint64
	name     string
	cb       Function
	upvalues []*upvalue
	// yieldable reports whether cb is allowed to call Thread.Yield.
	// A non-yieldable Go function that attempts to yield (directly, or
	// transitively through a Lua call it makes) fails with
	// errCCallBoundary, per the cooperative scheduling model.
	yieldable bool
}

func (f *goFunction) valueType() Type            { return TypeFunction }
func (f *goFunction) functionID() uint64         { return f.id }
func (f *goFunction) upvaluesSlice() []*upvalue  { return f.upvalues }

type luaFunction struct {
	id       uint64
	proto    *luacode.Prototype
	upvalues []*upvalue
}

func (f *luaFunction) valueType() Type           { return TypeFunction }
func (f *luaFunction) functionID() uint64        { return f.id }
func (f *luaFunction) upvaluesSlice() []*upvalue { return f.upvalues }

// nextID hands out a monotonically increasing identity used for equality
// and ordering of reference values (tables, functions, threads). It is
// only ever called while the owning [GlobalState]'s single cooperative
// executor holds control, so no lock is required.
func (g *GlobalState) nextID() uint64 {
	g.idCounter++
	return g.idCounter
}
