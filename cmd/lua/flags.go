// Copyright 2024 The golua Authors
// SPDX-License-Identifier: MIT

package main

import (
	"slices"
	"strings"

	"github.com/loomwright/golua/lua"
	"github.com/loomwright/golua/sets"
)

// libSetFlag is a [github.com/spf13/pflag.Value] and
// [github.com/spf13/pflag.SliceValue] for repeatable `--lib NAME` flags
// that select which standard libraries a run/repl command opens. Unlike
// a plain []string flag it dedupes repeated names, so `--lib base --lib
// base` behaves the same as passing it once.
type libSetFlag struct {
	set     sets.Set[string]
	changed bool
}

var knownLibs = sets.New("base", "coroutine")

func (f *libSetFlag) Get() any { return f.set }

func (f *libSetFlag) Type() string { return "stringArray" }

func (f *libSetFlag) GetSlice() []string {
	s := slices.Collect(f.set.All())
	slices.Sort(s)
	return s
}

func (f *libSetFlag) String() string {
	return "[" + strings.Join(f.GetSlice(), ",") + "]"
}

func (f *libSetFlag) Set(s string) error {
	if f.set == nil {
		f.set = make(sets.Set[string])
	}
	if !f.changed {
		f.set.Clear()
		f.changed = true
	}
	f.set.Add(s)
	return nil
}

func (f *libSetFlag) Append(val string) error {
	if f.set == nil {
		f.set = make(sets.Set[string])
	}
	f.set.Add(val)
	return nil
}

func (f *libSetFlag) Replace(val []string) error {
	if f.set == nil {
		f.set = make(sets.Set[string])
	} else {
		f.set.Clear()
	}
	for _, s := range val {
		f.set.Add(s)
	}
	return nil
}

// openLibs opens exactly the standard libraries named in libs on g.
func openLibs(g *lua.GlobalState, libs sets.Set[string]) {
	if libs.Has("base") {
		g.OpenBase()
	}
	if libs.Has("coroutine") {
		g.OpenCoroutine()
	}
}
