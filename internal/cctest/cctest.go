// Package cctest provides deterministic stand-ins for internal/ccproc so
// the worker and engine can be exercised in tests without a working C
// toolchain or real dlopen calls: small hand-rolled fakes rather than a
// mocking framework.
package cctest

import (
	"context"
	"errors"
	"io"
	"sync"
	"unsafe"

	"github.com/hotpath/cjit/internal/ccproc"
)

// FakeCompiler records every invocation and can be told to fail the PCH
// build (FailPCH) or the compile of given .c paths (FailUnits), simulating
// a translator-adjacent compile or link failure.
type FakeCompiler struct {
	mu         sync.Mutex
	PCHBuilds  []string
	UnitBuilds []string

	FailPCH   bool
	FailUnits map[string]bool // cPath -> force failure
}

// BuildPCH implements ccproc.Compiler.
func (f *FakeCompiler) BuildPCH(_ context.Context, headerPath, pchPath string, _ ccproc.BuildConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.PCHBuilds = append(f.PCHBuilds, headerPath+"->"+pchPath)
	if f.FailPCH {
		return errors.New("cctest: forced PCH failure")
	}
	return nil
}

// CompileUnit implements ccproc.Compiler.
func (f *FakeCompiler) CompileUnit(_ context.Context, cPath, soPath, _ string, _ ccproc.BuildConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.UnitBuilds = append(f.UnitBuilds, cPath+"->"+soPath)
	if f.FailUnits[cPath] {
		return errors.New("cctest: forced unit compile failure")
	}
	return nil
}

// FakeLoader hands back a canned NativeFunc for any requested symbol,
// recording what was resolved and whether the handle was later closed.
type FakeLoader struct {
	mu      sync.Mutex
	Resolve func(path, symbol string) (ccproc.NativeFunc, error)
	Loaded  []string
	Closed  []string
}

type fakeHandle struct {
	loader *FakeLoader
	name   string
}

func (h *fakeHandle) Close() error {
	h.loader.mu.Lock()
	defer h.loader.mu.Unlock()
	h.loader.Closed = append(h.loader.Closed, h.name)
	return nil
}

// Load implements ccproc.Loader.
func (f *FakeLoader) Load(path, symbol string) (ccproc.NativeFunc, io.Closer, error) {
	f.mu.Lock()
	f.Loaded = append(f.Loaded, path+"#"+symbol)
	resolve := f.Resolve
	f.mu.Unlock()

	var fn ccproc.NativeFunc
	var err error
	if resolve != nil {
		fn, err = resolve(path, symbol)
	} else {
		fn = func(ec, cfp unsafe.Pointer) ccproc.Value { return 0 }
	}
	if err != nil {
		return nil, nil, err
	}
	return fn, &fakeHandle{loader: f, name: path + "#" + symbol}, nil
}
