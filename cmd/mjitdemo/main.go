// Command mjitdemo wires mjit.Engine to a hand-built stand-in host and
// drives the end-to-end request -> compile -> publish -> call pipeline
// against a couple of literal bytecode bodies.
package main

import (
	_ "embed"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hotpath/cjit"
	"github.com/hotpath/cjit/internal/ccproc"
)

//go:embed runtime/mjit_min_header.h
var embeddedHeader []byte

func main() {
	scratch := flag.String("scratch", filepath.Join(os.TempDir(), "mjitdemo"), "scratch directory for PCH and per-unit temp files")
	verbose := flag.Int("v", 1, "verbosity (0-3)")
	warnings := flag.Bool("warnings", false, "surface compiler warnings")
	debug := flag.Bool("debug", false, "compile with -O0 -g instead of -O2")
	saveTemps := flag.Bool("save-temps", false, "keep generated .c/.so/.gch files in the scratch directory")
	maxCache := flag.Int("max-cache", 0, "evict the least-called resident unit once more than this many units are loaded (0 = unbounded)")
	timeout := flag.Duration("timeout", 10*time.Second, "how long to wait for the background worker to finish compiling")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: mjitdemo [options]\n\n")
		fmt.Fprintf(os.Stderr, "Runs a couple of hand-built bytecode bodies through mjit.Engine,\n")
		fmt.Fprintf(os.Stderr, "waits for the background worker to compile them, and calls the\n")
		fmt.Fprintf(os.Stderr, "resulting native functions.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	opts := mjit.Options{
		On:           true,
		SaveTemps:    *saveTemps,
		Warnings:     *warnings,
		Debug:        *debug,
		Verbose:      *verbose,
		MaxCacheSize: *maxCache,
	}

	headerDir, err := writeEmbeddedHeader(*scratch)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mjitdemo: %v\n", err)
		os.Exit(1)
	}

	engine := mjit.NewEngine(opts, ccproc.RealCompiler{}, ccproc.RealLoader{})
	engine.Init([]string{headerDir}, *scratch)
	if !engine.Active() {
		fmt.Fprintln(os.Stderr, "mjitdemo: engine failed to initialize (see diagnostics above); falling back to interpretation only")
		os.Exit(1)
	}
	defer engine.Finish()

	scenarios := demoScenarios()
	for _, s := range scenarios {
		fmt.Printf("=== %s ===\n", s.name)
		runScenario(engine, s, *timeout)
	}

	stats := engine.Stats()
	fmt.Printf("\nmethods compiled: %d, units cancelled: %d, resident: %d, pch: %s\n",
		stats.MethodsCompiled, stats.UnitsCancelled, stats.ResidentUnits, stats.PCH)

	if *saveTemps {
		for _, p := range engine.SavedArtifacts() {
			fmt.Println("saved:", p)
		}
	}
}

// writeEmbeddedHeader materializes the demo's minimized runtime header
// under dir so Engine.Init can find it by name, writing out the embedded
// bytes rather than requiring a sibling file on disk at run time.
func writeEmbeddedHeader(scratchDir string) (string, error) {
	dir := filepath.Join(scratchDir, "header")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating header dir: %w", err)
	}
	path := filepath.Join(dir, "mjit_min_header.h")
	if err := os.WriteFile(path, embeddedHeader, 0o644); err != nil {
		return "", fmt.Errorf("writing embedded header: %w", err)
	}
	return dir, nil
}

type scenario struct {
	name string
	body *mjit.Body
}

// demoScenarios builds two literal end-to-end scenarios as mjit.Body
// values: "putobject 0; leave" and the opt_plus cache-hit case.
func demoScenarios() []scenario {
	return []scenario{
		{
			name: "putobject 0; leave",
			body: &mjit.Body{
				StackMax: 1,
				Instructions: []mjit.Instruction{
					{Op: mjit.OpPutObject, Literal: 0},
					{Op: mjit.OpLeave},
				},
			},
		},
		{
			name: "putobject 1; putobject 2; opt_plus; leave",
			body: &mjit.Body{
				StackMax: 2,
				Instructions: []mjit.Instruction{
					{Op: mjit.OpPutObject, Literal: 1},
					{Op: mjit.OpPutObject, Literal: 2},
					{Op: mjit.OpOptPlus},
					{Op: mjit.OpLeave},
				},
			},
		},
	}
}

// runScenario replays the prototype's own enqueue-threshold policy
// (Body.ObserveCall) as a stand-in interpreter loop would, then waits for
// the worker to either publish a callable entry point or give up.
func runScenario(engine *mjit.Engine, s scenario, timeout time.Duration) {
	for {
		if s.body.ObserveCall() {
			engine.AddToProcess(s.body)
			break
		}
	}

	deadline := time.Now().Add(timeout)
	for {
		if fn, ok := s.body.Entry(); ok {
			result := fn(nil, nil)
			fmt.Printf("compiled: native call returned %v\n", result)
			return
		}
		if s.body.EntryNotCompilable() {
			fmt.Println("not compiled: body was rejected, falling back to interpretation")
			return
		}
		if time.Now().After(deadline) {
			fmt.Println("timed out waiting for compilation")
			return
		}
		time.Sleep(time.Millisecond)
	}
}
