// Copyright 2024 The golua Authors
// SPDX-License-Identifier: MIT

package lua

// OpenLibs installs the standard libraries this runtime implements
// (base and coroutine) into g's global table. Libraries beyond those —
// string, table, math, os, io — are not implemented by this package:
// the only contract it guarantees for them is the calling convention any
// host-provided replacement must follow, namely [Function] and
// [GlobalState.NewGoFunction]. A host that needs `string.format` or
// `table.insert` registers its own table of [Function] values the same
// way OpenBase and OpenCoroutine do below.
func (g *GlobalState) OpenLibs() {
	g.OpenBase()
	g.OpenCoroutine()
}
