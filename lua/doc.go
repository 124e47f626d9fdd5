// Copyright 2024 The golua Authors
// SPDX-License-Identifier: MIT

// Package lua is an embeddable implementation of the Lua 5.x runtime.
//
// It implements the register-based bytecode interpreter, the value model,
// the table data structure, closures and upvalues, coroutines, and the
// debugger hook layer described by the Lua reference manual. Lexing,
// parsing, and bytecode generation live in the sibling [luacode] and
// [lualex] packages; this package consumes the [luacode.Prototype] values
// they produce and is the only part of the engine that executes Lua code.
//
// # Embedding
//
// [NewGlobalState] returns a ready-to-use Lua environment; a zero
// [GlobalState] is not usable. Host programs compile source with
// [GlobalState.LoadString] or [GlobalState.LoadFile] and invoke the
// resulting [*Closure] with [Thread.Run], for example on
// [GlobalState.MainThread]. Host functions are registered as ordinary Lua
// values with [GlobalState.NewGoFunction] and pushed into tables like any
// other value.
//
// # Coroutines
//
// Every [GlobalState] has a main [*Thread]. Additional threads are created
// with [GlobalState.NewCoroutine] and driven with [*Thread.Resume] / [*Thread.Yield]. Threads
// are scheduled cooperatively: exactly one thread runs Lua code at a time.
//
// [luacode]: https://pkg.go.dev/github.com/loomwright/golua/internal/luacode
// [lualex]: https://pkg.go.dev/github.com/loomwright/golua/internal/lualex
package lua
