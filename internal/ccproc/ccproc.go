// Package ccproc is the filesystem and process surface the engine uses to
// drive an external C compiler and load its output: it spawns compiler
// processes, names scratch files, and dlopens the shared objects the
// compiler produces. It does not create or remove the scratch files
// themselves; the engine in the root package does that.
package ccproc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"unsafe"
)

// Value mirrors the host's VALUE type: an opaque, pointer-sized word that the
// engine never interprets, only threads through to host helpers and back.
type Value uintptr

// Undefined is the distinguished sentinel distinct from any legal program
// value. Generated native functions return it to signal cancellation; the
// engine also uses it as the identity of a body's "not compilable" state.
const Undefined Value = ^Value(0)

// NativeFunc is the ABI of a compiled unit's entry point: a function taking
// the host's execution-context and control-frame handles, opaque to Go, and
// returning either the bytecode's result or Undefined on cancellation.
type NativeFunc func(ec, cfp unsafe.Pointer) Value

// BuildConfig carries the subset of engine options the compiler and loader
// need, so this package has no dependency on the engine's Options type.
type BuildConfig struct {
	CC        string // resolved compiler executable, e.g. "cc" or "clang"
	Debug     bool   // -O0 -g instead of -O2
	SaveTemps bool   // keep intermediate files after use
	Verbose   int    // 0..3
	Warnings  bool   // surface compiler warnings to the host's diagnostic sink
}

// Compiler drives an external C compiler. RealCompiler is the production
// implementation; internal/cctest provides a deterministic stand-in for
// tests that must not depend on a working toolchain being present.
type Compiler interface {
	// BuildPCH compiles headerPath into a precompiled header at pchPath.
	BuildPCH(ctx context.Context, headerPath, pchPath string, cfg BuildConfig) error
	// CompileUnit compiles cPath, using the PCH at pchPath, into a shared
	// object at soPath.
	CompileUnit(ctx context.Context, cPath, soPath, pchPath string, cfg BuildConfig) error
}

// Loader resolves a symbol out of a freshly built shared object. RealLoader
// dlopens the object via cgo; internal/cctest's stand-in returns a canned
// NativeFunc without touching the filesystem.
type Loader interface {
	// Load dlopens path and resolves symbol, returning a callable function
	// and a handle the caller must Close when the unit is unloaded.
	Load(path, symbol string) (NativeFunc, io.Closer, error)
}

// ErrSpawnFailed reports that the compiler process did not exit normally
// (killed by a signal, or could not be started at all).
var ErrSpawnFailed = errors.New("ccproc: compiler spawn failed")

// MakeTempPath builds a scratch file path unique to this process and id,
// following the engine's reserved naming convention:
// "<prefix>p<pid>u<id><suffix>".
func MakeTempPath(scratchDir, prefix string, id uint64, suffix string) string {
	name := fmt.Sprintf("%sp%du%d%s", prefix, os.Getpid(), id, suffix)
	return filepath.Join(scratchDir, name)
}

// RealCompiler spawns the configured C compiler via os/exec.
type RealCompiler struct{}

func compilerArgs(out, pch, in string, cfg BuildConfig, emitPCH bool) []string {
	lang := "c"
	if emitPCH {
		lang = "c-header"
	}
	args := []string{"-x", lang, "-fPIC", "-shared"}
	if cfg.Debug {
		args = append(args, "-O0", "-g")
	} else {
		args = append(args, "-O2")
	}
	if !cfg.Warnings {
		args = append(args, "-w")
	}
	if emitPCH {
		args = append(args, "-o", out, in)
	} else {
		if pch != "" {
			args = append(args, "-include-pch", pch)
		}
		args = append(args, in, "-o", out)
	}
	return args
}

func (RealCompiler) run(ctx context.Context, cfg BuildConfig, args []string) error {
	cmd := exec.CommandContext(ctx, cfg.CC, args...)
	if cfg.Verbose == 0 {
		cmd.Stdout = nil
		cmd.Stderr = nil
	} else {
		cmd.Stdout = os.Stderr
		cmd.Stderr = os.Stderr
	}
	err := cmd.Run()
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if exitErr.ExitCode() >= 0 {
			return fmt.Errorf("ccproc: compiler exited %d: %w", exitErr.ExitCode(), err)
		}
		return fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}
	return fmt.Errorf("%w: %v", ErrSpawnFailed, err)
}

// BuildPCH implements Compiler.
func (c RealCompiler) BuildPCH(ctx context.Context, headerPath, pchPath string, cfg BuildConfig) error {
	args := compilerArgs(pchPath, "", headerPath, cfg, true)
	return c.run(ctx, cfg, args)
}

// CompileUnit implements Compiler.
func (c RealCompiler) CompileUnit(ctx context.Context, cPath, soPath, pchPath string, cfg BuildConfig) error {
	args := compilerArgs(soPath, pchPath, cPath, cfg, false)
	return c.run(ctx, cfg, args)
}
