// Copyright 2024 The golua Authors
// SPDX-License-Identifier: MIT

package lua

import (
	"fmt"
	"math"

	"github.com/loomwright/golua/internal/luacode"
)

// addressOf renders a reference value's identity the way Lua's default
// tostring formats tables, functions, threads, and userdata. Light
// userdata has no backing Go pointer, so its raw token is formatted
// directly instead of going through %p.
func addressOf(v value) string {
	if p, ok := v.(lightUserdataValue); ok {
		return fmt.Sprintf("%#x", uintptr(p))
	}
	return fmt.Sprintf("%p", v)
}

// index implements the OP_GETTABLE family: a raw lookup, falling through
// to the __index chain (a function is called, a table is followed) up to
// maxMetaDepth levels to guard against a cyclic metatable.
func (th *Thread) index(obj, key value) (value, error) {
	for depth := 0; depth < maxMetaDepth; depth++ {
		if t, ok := obj.(*table); ok {
			if v := t.get(key); v != nil {
				return v, nil
			}
			h := th.global.metamethod(obj, luacode.TagMethodIndex)
			if h == nil {
				return nil, nil
			}
			if hf, ok := h.(function); ok {
				return th.call1(hf, obj, key)
			}
			obj = h
			continue
		}
		h := th.global.metamethod(obj, luacode.TagMethodIndex)
		if h == nil {
			return nil, raisef("attempt to index a %s value", valueType(obj))
		}
		if hf, ok := h.(function); ok {
			return th.call1(hf, obj, key)
		}
		obj = h
	}
	return nil, raisef("'__index' chain too long; possible loop")
}

// newindex implements the OP_SETTABLE family.
func (th *Thread) newindex(obj, key, val value) error {
	for depth := 0; depth < maxMetaDepth; depth++ {
		if t, ok := obj.(*table); ok {
			if t.setExisting(key, val) {
				return nil
			}
			h := th.global.metamethod(obj, luacode.TagMethodNewIndex)
			if h == nil {
				return t.set(key, val)
			}
			if hf, ok := h.(function); ok {
				return th.call(0, hf, obj, key, val)
			}
			obj = h
			continue
		}
		h := th.global.metamethod(obj, luacode.TagMethodNewIndex)
		if h == nil {
			return raisef("attempt to index a %s value", valueType(obj))
		}
		if hf, ok := h.(function); ok {
			return th.call(0, hf, obj, key, val)
		}
		obj = h
	}
	return raisef("'__newindex' chain too long; possible loop")
}

// call1 calls fn and returns only its first result, the convention
// __index/__call handlers use.
func (th *Thread) call1(fn value, args ...value) (value, error) {
	base := len(th.stack)
	if err := th.call(1, fn, args...); err != nil {
		return nil, err
	}
	if base >= len(th.stack) {
		return nil, nil
	}
	v := th.stack[base]
	th.setTop(base)
	return v, nil
}

// arithMeta dispatches a binary arithmetic metamethod when neither operand
// is a plain number (or numeric string), per the `__add`/`__sub`/... event
// table in the reference manual.
func (th *Thread) arithMeta(event luacode.TagMethod, a, b value) (value, error) {
	h := th.global.metamethod(a, event)
	if h == nil {
		h = th.global.metamethod(b, event)
	}
	if h == nil {
		bad := a
		if _, ok := toNumber(a); ok {
			bad = b
		}
		return nil, raisef("attempt to perform arithmetic on a %s value", valueType(bad))
	}
	return th.call1(h, a, b)
}

// arith evaluates a binary arithmetic opcode, falling back to a
// metamethod when an operand isn't coercible to a number. Bitwise
// operators additionally require both operands to be representable as
// integers, matching the reference manual's integer-only restriction for
// those events even though this runtime has no separate integer subtype.
func (th *Thread) arith(op luacode.ArithmeticOperator, a, b value) (value, error) {
	na, aok := toNumber(a)
	nb, bok := toNumber(b)
	if !aok || !bok {
		return th.arithMeta(op.TagMethod(), a, b)
	}
	x, y := float64(na), float64(nb)
	switch op {
	case luacode.Add:
		return numberValue(x + y), nil
	case luacode.Subtract:
		return numberValue(x - y), nil
	case luacode.Multiply:
		return numberValue(x * y), nil
	case luacode.Divide:
		return numberValue(x / y), nil
	case luacode.Modulo:
		return numberValue(luaMod(x, y)), nil
	case luacode.Power:
		return numberValue(math.Pow(x, y)), nil
	case luacode.IntegerDivide:
		return numberValue(math.Floor(x / y)), nil
	case luacode.UnaryMinus:
		return numberValue(-x), nil
	case luacode.BitwiseAnd, luacode.BitwiseOr, luacode.BitwiseXOR,
		luacode.ShiftLeft, luacode.ShiftRight, luacode.BitwiseNot:
		return th.bitwise(op, na, nb, aok, bok)
	default:
		return nil, raisef("unsupported arithmetic operator")
	}
}

// bitwise evaluates an integer-only operator, raising an error in the
// reference implementation's wording when a numeric operand has a
// fractional part rather than falling back to a metamethod.
func (th *Thread) bitwise(op luacode.ArithmeticOperator, na, nb numberValue, aok, bok bool) (value, error) {
	ix, ok := na.toInteger()
	if !ok {
		return nil, raisef("number has no integer representation")
	}
	if op == luacode.BitwiseNot {
		return numberValue(^ix), nil
	}
	iy, ok := nb.toInteger()
	if !ok {
		return nil, raisef("number has no integer representation")
	}
	switch op {
	case luacode.BitwiseAnd:
		return numberValue(ix & iy), nil
	case luacode.BitwiseOr:
		return numberValue(ix | iy), nil
	case luacode.BitwiseXOR:
		return numberValue(ix ^ iy), nil
	case luacode.ShiftLeft:
		return numberValue(shiftLeft(ix, iy)), nil
	case luacode.ShiftRight:
		return numberValue(shiftLeft(ix, -iy)), nil
	default:
		return nil, raisef("unsupported arithmetic operator")
	}
}

func shiftLeft(x, n int64) int64 {
	switch {
	case n <= -64 || n >= 64:
		return 0
	case n >= 0:
		return int64(uint64(x) << uint(n))
	default:
		return int64(uint64(x) >> uint(-n))
	}
}

func luaMod(x, y float64) float64 {
	r := math.Mod(x, y)
	if r != 0 && (r < 0) != (y < 0) {
		r += y
	}
	return r
}

// equals implements OP_EQ: raw equality first, falling back to __eq only
// when both operands are tables or both are userdata and raw equality said
// no, matching the reference manual's restriction that __eq is never
// consulted for operands of different primitive type.
func (th *Thread) equals(a, b value) (bool, error) {
	if rawEqual(a, b) {
		return true, nil
	}
	var x, y value
	if ta, ok := a.(*table); ok {
		if tb, ok := b.(*table); ok {
			x, y = ta, tb
		}
	} else if ua, ok := a.(*userdataValue); ok {
		if ub, ok := b.(*userdataValue); ok {
			x, y = ua, ub
		}
	}
	if x == nil {
		return false, nil
	}
	h := th.global.metamethod(x, luacode.TagMethodEQ)
	if h == nil {
		h = th.global.metamethod(y, luacode.TagMethodEQ)
	}
	if h == nil {
		return false, nil
	}
	v, err := th.call1(h, x, y)
	if err != nil {
		return false, err
	}
	return toBoolean(v), nil
}

// less implements OP_LT, including the __lt fallback for non-numeric,
// non-string operands.
func (th *Thread) less(a, b value) (bool, error) {
	if na, ok := a.(numberValue); ok {
		if nb, ok := b.(numberValue); ok {
			return na < nb, nil
		}
	}
	if sa, ok := a.(stringValue); ok {
		if sb, ok := b.(stringValue); ok {
			return sa < sb, nil
		}
	}
	h := th.global.metamethod(a, luacode.TagMethodLT)
	if h == nil {
		h = th.global.metamethod(b, luacode.TagMethodLT)
	}
	if h == nil {
		return false, raisef("attempt to compare two %s values", valueType(a))
	}
	v, err := th.call1(h, a, b)
	if err != nil {
		return false, err
	}
	return toBoolean(v), nil
}

// lessEqual implements OP_LE.
func (th *Thread) lessEqual(a, b value) (bool, error) {
	if na, ok := a.(numberValue); ok {
		if nb, ok := b.(numberValue); ok {
			return na <= nb, nil
		}
	}
	if sa, ok := a.(stringValue); ok {
		if sb, ok := b.(stringValue); ok {
			return sa <= sb, nil
		}
	}
	h := th.global.metamethod(a, luacode.TagMethodLE)
	if h == nil {
		h = th.global.metamethod(b, luacode.TagMethodLE)
	}
	if h != nil {
		v, err := th.call1(h, a, b)
		if err != nil {
			return false, err
		}
		return toBoolean(v), nil
	}
	lt, err := th.less(b, a)
	if err != nil {
		return false, err
	}
	return !lt, nil
}

// concat implements OP_CONCAT for a pair of operands, falling back to
// __concat when either side isn't a string or number.
func (th *Thread) concat(a, b value) (value, error) {
	sa, aok := toDisplayString(a)
	sb, bok := toDisplayString(b)
	if aok && bok {
		return sa + sb, nil
	}
	h := th.global.metamethod(a, luacode.TagMethodConcat)
	if h == nil {
		h = th.global.metamethod(b, luacode.TagMethodConcat)
	}
	if h == nil {
		bad := a
		if aok {
			bad = b
		}
		return nil, raisef("attempt to concatenate a %s value", valueType(bad))
	}
	return th.call1(h, a, b)
}

// length implements OP_LEN, consulting __len for values without a raw
// length (or, per the manual, even for tables that define __len).
func (th *Thread) length(v value) (value, error) {
	if _, ok := v.(stringValue); !ok {
		if h := th.global.metamethod(v, luacode.TagMethodLen); h != nil {
			return th.call1(h, v)
		}
	}
	lv, ok := v.(lenValue)
	if !ok {
		return nil, raisef("attempt to get length of a %s value", valueType(v))
	}
	return lv.rawLen(), nil
}

// tostring renders v via __tostring/__name if present, otherwise with the
// default formatting used for the `tostring` builtin.
func (th *Thread) tostring(v value) (string, error) {
	if mt := th.global.metatableFor(v); mt != nil {
		if h := mt.get(stringValue("__tostring")); h != nil {
			if hf, ok := h.(function); ok {
				r, err := th.call1(hf, v)
				if err != nil {
					return "", err
				}
				s, _ := toDisplayString(r)
				return string(s), nil
			}
		}
		if name := mt.get(stringValue("__name")); name != nil {
			if sn, ok := name.(stringValue); ok {
				return string(sn) + ": " + addressOf(v), nil
			}
		}
	}
	if s, ok := toDisplayString(v); ok {
		return string(s), nil
	}
	if v == nil {
		return "nil", nil
	}
	if b, ok := v.(booleanValue); ok {
		if b {
			return "true", nil
		}
		return "false", nil
	}
	return valueType(v).String() + ": " + addressOf(v), nil
}
