// Copyright 2024 The golua Authors
// SPDX-License-Identifier: MIT

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/loomwright/golua/lua"
	"github.com/loomwright/golua/sets"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"
	"zombiezen.com/go/xcontext"
)

func newReplCommand() *cobra.Command {
	var debugListen bool
	libs := &libSetFlag{set: knownLibs.Clone()}
	c := &cobra.Command{
		Use:                   "repl",
		Short:                 "interactively evaluate Lua expressions",
		DisableFlagsInUseLine: true,
		Args:                  cobra.NoArgs,
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	c.Flags().BoolVar(&debugListen, "debug-listen", false, "run a breakpoint-wait loop alongside the REPL")
	c.Flags().Var(libs, "lib", "standard `library` to open (repeatable; base, coroutine)")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		return runREPL(cmd.Context(), libs.set, debugListen)
	}
	return c
}

func runREPL(ctx context.Context, libs sets.Set[string], debugListen bool) error {
	g := lua.NewGlobalState()
	openLibs(g, libs)

	if debugListen {
		d := lua.NewStepDebugger()
		g.SetDebugger(d)
		debugCtx, cancelDebug := xcontext.Merge(ctx, context.Background())
		defer cancelDebug()
		grp, grpCtx := errgroup.WithContext(debugCtx)
		grp.Go(func() error {
			for {
				select {
				case <-grpCtx.Done():
					return grpCtx.Err()
				default:
				}
				ev := d.Wait()
				fmt.Fprintf(os.Stderr, "\n[paused: %s at %s:%d]\n", ev.Reason, ev.Frame.Source, ev.Frame.Line)
				d.ResumeFromBreakpoint()
			}
		})
		defer grp.Wait()
	}

	th := g.MainThread()
	reader, cleanup := newLineReader(os.Stdin, os.Stdout)
	defer cleanup()

	for {
		line, err := reader.readLine("> ")
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if err := evalLine(ctx, g, th, line); err != nil {
			fmt.Fprintln(os.Stderr, err)
		}
	}
}

// evalLine compiles line as an expression first ("return <line>"),
// falling back to compiling it as a statement chunk — the same
// disambiguation trick the reference Lua REPL uses so that both `1+1`
// and `local x = 1` work at the prompt.
func evalLine(ctx context.Context, g *lua.GlobalState, th *lua.Thread, line string) error {
	closure, err := g.LoadString("return "+line, "=stdin")
	if err != nil {
		closure, err = g.LoadString(line, "=stdin")
		if err != nil {
			return err
		}
	}
	results, err := th.Run(ctx, closure)
	if err != nil {
		return err
	}
	for _, r := range results {
		fmt.Println(r.String())
	}
	return nil
}

// lineReader abstracts interactive terminal editing (via
// [golang.org/x/term.Terminal]) from plain buffered reading, so the
// REPL behaves sensibly whether stdin is a TTY or a pipe.
type lineReader interface {
	readLine(prompt string) (string, error)
}

func newLineReader(in *os.File, out *os.File) (lineReader, func()) {
	fd := int(in.Fd())
	if !term.IsTerminal(fd) {
		return &scannerReader{scanner: bufio.NewScanner(in)}, func() {}
	}
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return &scannerReader{scanner: bufio.NewScanner(in)}, func() {}
	}
	t := term.NewTerminal(struct {
		io.Reader
		io.Writer
	}{in, out}, "> ")
	return &termReader{t: t}, func() { term.Restore(fd, oldState) }
}

type termReader struct {
	t *term.Terminal
}

func (r *termReader) readLine(prompt string) (string, error) {
	r.t.SetPrompt(prompt)
	return r.t.ReadLine()
}

type scannerReader struct {
	scanner *bufio.Scanner
}

func (r *scannerReader) readLine(prompt string) (string, error) {
	fmt.Print(prompt)
	if !r.scanner.Scan() {
		if err := r.scanner.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return r.scanner.Text(), nil
}
