// Copyright 2024 The golua Authors
// SPDX-License-Identifier: MIT

package lua

import (
	"errors"
	"math"
	"sort"

	"github.com/dolthub/swiss"
)

// table is a hybrid array+hash Lua table, as described in the Lua
// reference manual: small integer keys starting at 1 live densely in
// array, everything else lives in the hash part. The hash part keeps
// entries in insertion order (hashIndex maps a key to its position in
// hash) so that [table.next] produces the deterministic traversal the
// language guarantees; [swiss.Map] gives O(1) position lookups without
// forcing Go's builtin map (which intentionally randomizes iteration) to
// double as the iteration order.
type table struct {
	id    uint64
	array []value
	hash  []tableEntry
	// hashIndex maps every key ever inserted into hash to its slot.
	// A tombstoned entry (hash[i].value == nil) stays indexed so that
	// next can resume iteration from a key deleted mid-traversal, which
	// the language requires to be well-defined.
	hashIndex *swiss.Map[value, int]
	meta      *table
}

type tableEntry struct {
	key, value value
}

func newTable(arrayHint, hashHint int) *table {
	t := &table{}
	if arrayHint > 0 {
		t.array = make([]value, 0, arrayHint)
	}
	if hashHint > 0 {
		t.hash = make([]tableEntry, 0, hashHint)
		t.hashIndex = swiss.NewMap[value, int](uint32(hashHint))
	}
	return t
}

func (t *table) valueType() Type { return TypeTable }

// arrayIndex reports whether key is an integral number in the range that
// can address the array part (i.e. a candidate array subscript), and
// returns the corresponding zero-based slice index.
func arrayIndex(key value) (idx int, ok bool) {
	n, isNum := key.(numberValue)
	if !isNum {
		return 0, false
	}
	i, isInt := n.toInteger()
	if !isInt || i < 1 || i > math.MaxInt32 {
		return 0, false
	}
	return int(i) - 1, true
}

func (t *table) get(key value) value {
	if t == nil || key == nil {
		return nil
	}
	if i, ok := arrayIndex(key); ok {
		if i < len(t.array) {
			return t.array[i]
		}
		key = numberValue(i + 1)
	}
	if t.hashIndex == nil {
		return nil
	}
	pos, found := t.hashIndex.Get(key)
	if !found {
		return nil
	}
	return t.hash[pos].value
}

// set assigns value to key, following Lua's table-set rules: nil and NaN
// keys are rejected, and assigning nil deletes the key.
func (t *table) set(key, val value) error {
	switch k := key.(type) {
	case nil:
		return errors.New("table index is nil")
	case numberValue:
		if math.IsNaN(float64(k)) {
			return errors.New("table index is NaN")
		}
	}

	if i, ok := arrayIndex(key); ok {
		switch {
		case i < len(t.array):
			t.array[i] = val
			return nil
		case i == len(t.array) && val != nil:
			t.array = append(t.array, val)
			t.absorbHashTail()
			return nil
		}
		// Falls through to the hash part for an out-of-range integer key.
		key = numberValue(i + 1)
	}

	t.setHash(key, val)
	return nil
}

// absorbHashTail moves any hash-part entries that are now contiguous with
// the array part's new tail into the array, maximizing array occupancy as
// the reference implementation's growth strategy recommends.
func (t *table) absorbHashTail() {
	if t.hashIndex == nil {
		return
	}
	for {
		nextKey := numberValue(len(t.array) + 1)
		pos, found := t.hashIndex.Get(nextKey)
		if !found || t.hash[pos].value == nil {
			return
		}
		t.array = append(t.array, t.hash[pos].value)
		t.hash[pos].value = nil
		t.hashIndex.Delete(nextKey)
	}
}

func (t *table) setHash(key, val value) {
	if t.hashIndex == nil {
		t.hashIndex = swiss.NewMap[value, int](4)
	}
	if pos, found := t.hashIndex.Get(key); found {
		t.hash[pos].value = val
		if val == nil {
			t.hashIndex.Delete(key)
		}
		return
	}
	if val == nil {
		return
	}
	t.hash = append(t.hash, tableEntry{key: key, value: val})
	t.hashIndex.Put(key, len(t.hash)-1)
}

// setExisting changes the value for an already-present key and reports
// whether the key existed. It never creates a new entry, so it is safe to
// use from a metamethod-free raw assignment path that must not trigger
// array growth/absorption bookkeeping (e.g. SETLIST overwrite repairs).
func (t *table) setExisting(key, val value) bool {
	if t == nil {
		return false
	}
	if i, ok := arrayIndex(key); ok && i < len(t.array) {
		if t.array[i] == nil {
			return false
		}
		t.array[i] = val
		return true
	}
	if t.hashIndex == nil {
		return false
	}
	pos, found := t.hashIndex.Get(key)
	if !found || t.hash[pos].value == nil {
		return false
	}
	t.hash[pos].value = val
	if val == nil {
		t.hashIndex.Delete(key)
	}
	return true
}

// rawLen returns a border of the table per the Lua manual's definition of
// the length ("#") operator: any i such that t[i] ~= nil and t[i+1] == nil.
func (t *table) rawLen() numberValue {
	if t == nil {
		return 0
	}
	if n := len(t.array); n == 0 || t.array[n-1] != nil {
		// Array part is dense (or empty); the border may extend into the
		// hash part if it continues the sequence.
		if t.hashIndex == nil {
			return numberValue(n)
		}
		if _, found := t.hashIndex.Get(numberValue(n + 1)); !found {
			return numberValue(n)
		}
		return numberValue(t.hashBorder(n))
	}
	// Array part has a trailing hole: binary search for any border.
	i := sort.Search(len(t.array), func(i int) bool {
		return t.array[i] == nil
	})
	return numberValue(i)
}

// hashBorder extends a border search into the hash part, starting from a
// known-present key at start+1.
func (t *table) hashBorder(start int) int {
	i, j := start+1, start+2
	for {
		if _, found := t.hashIndex.Get(numberValue(j)); !found {
			break
		}
		i = j
		if j > math.MaxInt32/2 {
			// Fall back to a linear scan to avoid overflow on pathological tables.
			for k := i + 1; ; k++ {
				if _, found := t.hashIndex.Get(numberValue(k)); !found {
					return k - 1
				}
			}
		}
		j *= 2
	}
	for i+1 < j {
		mid := (i + j) / 2
		if _, found := t.hashIndex.Get(numberValue(mid)); found {
			i = mid
		} else {
			j = mid
		}
	}
	return i
}

// next implements the traversal order for Lua's `next` builtin: the array
// part in index order, followed by the hash part in insertion order.
// It returns the key/value pair following key, or ok=false when iteration
// is complete.
func (t *table) next(key value) (nextKey, nextVal value, ok bool, err error) {
	if key == nil {
		if k, v, found := t.firstArrayEntry(0); found {
			return k, v, true, nil
		}
		if k, v, found := t.firstHashEntry(0); found {
			return k, v, true, nil
		}
		return nil, nil, false, nil
	}
	if i, isArr := arrayIndex(key); isArr && i < len(t.array) {
		if k, v, found := t.firstArrayEntry(i + 1); found {
			return k, v, true, nil
		}
		if k, v, found := t.firstHashEntry(0); found {
			return k, v, true, nil
		}
		return nil, nil, false, nil
	}
	if t.hashIndex == nil {
		return nil, nil, false, errors.New("invalid key to 'next'")
	}
	pos, found := t.hashIndex.Get(key)
	if !found {
		return nil, nil, false, errors.New("invalid key to 'next'")
	}
	if k, v, found := t.firstHashEntry(pos + 1); found {
		return k, v, true, nil
	}
	return nil, nil, false, nil
}

func (t *table) firstArrayEntry(from int) (key, val value, ok bool) {
	for i := from; i < len(t.array); i++ {
		if t.array[i] != nil {
			return numberValue(i + 1), t.array[i], true
		}
	}
	return nil, nil, false
}

func (t *table) firstHashEntry(from int) (key, val value, ok bool) {
	for i := from; i < len(t.hash); i++ {
		if t.hash[i].value != nil {
			return t.hash[i].key, t.hash[i].value, true
		}
	}
	return nil, nil, false
}

// clear removes all entries but keeps the table's identity and metatable.
func (t *table) clear() {
	clear(t.array)
	t.array = t.array[:0]
	clear(t.hash)
	t.hash = t.hash[:0]
	if t.hashIndex != nil {
		t.hashIndex = swiss.NewMap[value, int](4)
	}
}
