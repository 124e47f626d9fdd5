// Copyright 2024 The golua Authors
// SPDX-License-Identifier: MIT

package lua_test

import (
	"context"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/loomwright/golua/lua"
)

func run(t *testing.T, source string, args ...lua.Value) []lua.Value {
	t.Helper()
	g := lua.NewGlobalState()
	g.OpenLibs()
	closure, err := g.LoadString(source, "=test")
	if err != nil {
		t.Fatalf("LoadString: %v", err)
	}
	results, err := g.MainThread().Run(context.Background(), closure, args...)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return results
}

func numbers(vs []lua.Value) []float64 {
	out := make([]float64, len(vs))
	for i, v := range vs {
		n, ok := v.Number()
		if !ok {
			out[i] = -1
			continue
		}
		out[i] = n
	}
	return out
}

// S1: arithmetic metamethod.
func TestArithmeticMetamethod(t *testing.T) {
	results := run(t, `
		local t = setmetatable({}, {__add = function(a,b) return 42 end})
		return t + 1
	`)
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if n, ok := results[0].Number(); !ok || n != 42 {
		t.Errorf("result = %v, want 42", results[0])
	}
}

// S2: multi-return and varargs via select('#', ...).
func TestMultiReturnVarargs(t *testing.T) {
	results := run(t, `
		local function f(...) return select('#', ...), ... end
		return f(10,20,30)
	`)
	got := numbers(results)
	want := []float64{3, 10, 20, 30}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("results (-want +got):\n%s", diff)
	}
}

// S3: coroutine yield/resume across suspension.
func TestCoroutineYieldResume(t *testing.T) {
	results := run(t, `
		local co = coroutine.create(function(x) local y = coroutine.yield(x+1); return y*2 end)
		local ok1,a = coroutine.resume(co, 10)
		local ok2,b = coroutine.resume(co, 5)
		return ok1,a,ok2,b
	`)
	if len(results) != 4 {
		t.Fatalf("got %d results, want 4", len(results))
	}
	if !results[0].Bool() || !results[2].Bool() {
		t.Errorf("resume should report ok=true twice, got %v, %v", results[0], results[2])
	}
	if n, _ := results[1].Number(); n != 11 {
		t.Errorf("first yield value = %v, want 11", results[1])
	}
	if n, _ := results[3].Number(); n != 10 {
		t.Errorf("second resume result = %v, want 10", results[3])
	}
}

// S4: pcall catches an error and the error message contains the raised text.
func TestProtectedCallCatchesError(t *testing.T) {
	results := run(t, `
		local ok, err = pcall(function() error("boom") end)
		return ok, err:match("boom") ~= nil
	`)
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if results[0].Bool() {
		t.Errorf("ok = true, want false")
	}
	if !results[1].Bool() {
		t.Errorf("error message did not contain %q", "boom")
	}
}

// S6: closure upvalue sharing between two closures over the same local.
func TestClosureUpvalueSharing(t *testing.T) {
	results := run(t, `
		local function mk()
			local x = 0
			return function() x = x + 1; return x end, function() return x end
		end
		local inc, get = mk()
		inc(); inc(); return get()
	`)
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if n, ok := results[0].Number(); !ok || n != 2 {
		t.Errorf("result = %v, want 2", results[0])
	}
}

// Property 7: tail calls do not grow the call-frame stack.
func TestTailCallBoundedDepth(t *testing.T) {
	results := run(t, `
		local function f(n) if n == 0 then return 0 else return f(n-1) end end
		return f(200000)
	`)
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if n, ok := results[0].Number(); !ok || n != 0 {
		t.Errorf("result = %v, want 0", results[0])
	}
}

// Round-trip: compile-then-execute-then-stringify of `return 1+2` yields "3".
func TestArithmeticStringify(t *testing.T) {
	results := run(t, `return 1+2`)
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if got, want := results[0].String(), "3"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

// Property 3: ipairs visits each array-only key in order.
func TestTableArrayIterationOrder(t *testing.T) {
	results := run(t, `
		local t = {10,20,30}
		local out = {}
		for i,v in ipairs(t) do out[#out+1] = i*100+v end
		return out[1], out[2], out[3]
	`)
	got := numbers(results)
	want := []float64{110, 220, 330}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("iteration order (-want +got):\n%s", diff)
	}
}

func TestUncaughtErrorCarriesTraceback(t *testing.T) {
	g := lua.NewGlobalState()
	g.OpenLibs()
	closure, err := g.LoadString(`error("boom")`, "@chunk.lua")
	if err != nil {
		t.Fatalf("LoadString: %v", err)
	}
	_, err = g.MainThread().Run(context.Background(), closure)
	if err == nil {
		t.Fatal("Run succeeded, want error")
	}
	re, ok := err.(*lua.RuntimeError)
	if !ok {
		t.Fatalf("err is %T, want *lua.RuntimeError", err)
	}
	if !strings.Contains(re.Value.String(), "boom") {
		t.Errorf("error value = %q, want it to contain %q", re.Value.String(), "boom")
	}
	if re.Traceback == "" {
		t.Errorf("Traceback is empty, want a non-empty traceback")
	}
}

func TestUncaughtAssertionCarriesTraceback(t *testing.T) {
	g := lua.NewGlobalState()
	g.OpenLibs()
	closure, err := g.LoadString(`assert(false, "nope")`, "@chunk.lua")
	if err != nil {
		t.Fatalf("LoadString: %v", err)
	}
	_, err = g.MainThread().Run(context.Background(), closure)
	if err == nil {
		t.Fatal("Run succeeded, want error")
	}
	re, ok := err.(*lua.RuntimeError)
	if !ok {
		t.Fatalf("err is %T, want *lua.RuntimeError", err)
	}
	if !strings.Contains(re.Value.String(), "nope") {
		t.Errorf("error value = %q, want it to contain %q", re.Value.String(), "nope")
	}
	if re.Traceback == "" {
		t.Errorf("Traceback is empty, want a non-empty traceback")
	}
}
