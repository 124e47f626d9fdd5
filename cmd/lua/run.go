// Copyright 2024 The golua Authors
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/loomwright/golua/lua"
	"github.com/loomwright/golua/sets"
	"github.com/spf13/cobra"
)

func newRunCommand() *cobra.Command {
	libs := &libSetFlag{set: knownLibs.Clone()}
	c := &cobra.Command{
		Use:                   "run SCRIPT [args...]",
		Short:                 "run a Lua script file",
		DisableFlagsInUseLine: true,
		Args:                  cobra.MinimumNArgs(1),
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	c.Flags().Var(libs, "lib", "standard `library` to open (repeatable; base, coroutine)")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		return runScript(cmd.Context(), libs.set, args[0], args[1:])
	}
	return c
}

func runScript(ctx context.Context, libs sets.Set[string], path string, scriptArgs []string) error {
	g := lua.NewGlobalState()
	openLibs(g, libs)

	argTable := g.NewTable(len(scriptArgs), 0)
	for i, a := range scriptArgs {
		if err := argTable.Set(lua.NumberValue(float64(i+1)), lua.StringValue(a)); err != nil {
			return err
		}
	}
	if err := argTable.Set(lua.NumberValue(0), lua.StringValue(path)); err != nil {
		return err
	}
	g.Globals().Set(lua.StringValue("arg"), lua.TableValue(argTable))

	closure, err := g.LoadFile(path)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	th := g.MainThread()
	scriptValues := make([]lua.Value, len(scriptArgs))
	for i, a := range scriptArgs {
		scriptValues[i] = lua.StringValue(a)
	}
	_, err = th.Run(ctx, closure, scriptValues...)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	return nil
}
