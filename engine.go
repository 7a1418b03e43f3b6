package mjit

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/hotpath/cjit/internal/ccproc"
	"github.com/sasha-s/go-deadlock"
)

// PCHStatus is the precompiled header's three-valued lifecycle state. It
// transitions exactly once, from not-ready to either failed or success.
type PCHStatus int

const (
	PCHNotReady PCHStatus = iota
	PCHFailed
	PCHSuccess
)

func (s PCHStatus) String() string {
	switch s {
	case PCHFailed:
		return "failed"
	case PCHSuccess:
		return "success"
	default:
		return "not-ready"
	}
}

const (
	pchPrefix   = "_mjit_h"
	unitPrefix  = "_mjit"
	funcPrefix  = "mjit_func_"
	minHeaderName = "mjit_min_header.h"
)

// Engine is the JIT compiler façade a host interpreter initializes once per
// process. It owns the mutex, the four directed-wakeup condition
// variables, the lifecycle flags, the unit queue, and the background
// worker goroutine that runs against them.
type Engine struct {
	opts     Options
	compiler ccproc.Compiler
	loader   ccproc.Loader

	// runID names this Engine instance's scratch session subdirectory and
	// tags its log lines; the leaf file names inside that directory follow
	// the pid and per-unit id convention alone.
	runID      string
	scratchDir string
	headerPath string
	pchPath    string

	mu           deadlock.Mutex
	pchWakeup    *sync.Cond // broadcast when pchStatus leaves not-ready
	clientWakeup *sync.Cond // broadcast when inJIT clears, so a waiting GC may proceed
	workerWakeup *sync.Cond // broadcast when the queue gains work or finish is requested
	gcWakeup     *sync.Cond // broadcast when inGC clears, so the worker may proceed

	initialized     bool
	finishRequested bool
	workerFinished  bool
	inGC            bool
	inJIT           bool
	pchStatus       PCHStatus

	q          queue
	loaded     map[uint64]*Unit // units with a currently-loaded shared object
	nextUnitID uint64

	methodsCompiled uint64
	unitsCancelled  uint64
}

// NewEngine constructs an Engine bound to the given compiler and loader.
// Tests pass internal/cctest's fakes here; production callers pass
// ccproc.RealCompiler{} and ccproc.RealLoader{}. The engine is inert until
// Init succeeds.
func NewEngine(opts Options, compiler ccproc.Compiler, loader ccproc.Loader) *Engine {
	return &Engine{
		opts:     opts,
		compiler: compiler,
		loader:   loader,
		loaded:   make(map[uint64]*Unit),
	}
}

// Init resolves the minimized header by searching headerSearchDirs in
// order (the source's "build-dir then install-dir" search), prepares the
// scratch-file layout under scratchDir, and spawns the background worker.
// On any failure it logs at verbose 1 and leaves the engine uninitialized;
// this is not a reported error; the host proceeds without JIT.
func (e *Engine) Init(headerSearchDirs []string, scratchDir string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	headerPath, err := findHeader(headerSearchDirs)
	if err != nil {
		e.opts.logf(1, "mjit: disabling: %v", err)
		return
	}

	// The session subdirectory (named by a fresh uuid, not by pid) keeps
	// concurrent engine instances sharing one scratch root — e.g. parallel
	// test binaries — from colliding on PCH/unit filenames beyond what the
	// pid+id scheme already guards against within one process. It is a path
	// *segment*, never folded into the "<prefix>p<pid>u<id><suffix>" leaf
	// name itself, so that naming contract is preserved exactly.
	e.runID = uuid.New().String()
	sessionDir := filepath.Join(scratchDir, "mjit-"+e.runID)
	if err := os.MkdirAll(sessionDir, 0o755); err != nil {
		e.opts.logf(1, "mjit: disabling: %v", err)
		return
	}

	e.headerPath = headerPath
	e.scratchDir = sessionDir
	e.pchPath = ccproc.MakeTempPath(sessionDir, pchPrefix, 0, ".gch")

	e.pchWakeup = sync.NewCond(&e.mu)
	e.clientWakeup = sync.NewCond(&e.mu)
	e.workerWakeup = sync.NewCond(&e.mu)
	e.gcWakeup = sync.NewCond(&e.mu)

	e.initialized = true
	go e.runWorker()
}

func findHeader(dirs []string) (string, error) {
	for _, d := range dirs {
		p := filepath.Join(d, minHeaderName)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("mjit: %s not found in %v", minHeaderName, dirs)
}

// Active reports whether the engine is currently initialized and accepting
// new bodies. The host checks this before consulting per-body entry slots
// in any code path that cares whether JIT is even running.
func (e *Engine) Active() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.initialized
}

// AddToProcess links body to a fresh unit and enqueues it. A no-op if the
// engine is inactive, shutting down, or the body is already tracked — at
// most one unit ever exists per body.
func (e *Engine) AddToProcess(body *Body) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.initialized || e.finishRequested {
		return
	}
	if body.Unit() != nil {
		return
	}

	e.nextUnitID++
	u := &Unit{ID: e.nextUnitID, body: body}
	body.unit.Store(u)
	e.q.Enqueue(u)
	e.workerWakeup.Broadcast()
}

// FreeBody nulls out the unit's body pointer so the worker discards it
// when it is eventually dequeued, without needing to touch the queue here.
func (e *Engine) FreeBody(body *Body) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if u := body.unit.Load(); u != nil {
		u.body = nil
	}
}

// GCStartHook blocks the caller while the worker holds in-JIT, then takes
// in-GC. Pairs with GCFinishHook; together they realize the mutual
// exclusion invariant between a translation/compile batch and a GC pass.
func (e *Engine) GCStartHook() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for e.inJIT {
		e.clientWakeup.Wait()
	}
	e.inGC = true
}

// GCFinishHook releases in-GC and wakes any worker waiting to start a
// translation batch.
func (e *Engine) GCFinishHook() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inGC = false
	e.gcWakeup.Broadcast()
}

// DisableAfterFork disables the engine unconditionally: a forked child does
// not inherit the worker goroutine (Go has no equivalent of a
// pthread_atfork callback that survives a multi-goroutine fork, so this
// must be called explicitly by a host that forks after Init), and
// re-initializing JIT state post-fork is out of scope. It is safe to call
// on an engine that was never initialized.
func (e *Engine) DisableAfterFork() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.initialized = false
}

// Finish waits for the PCH decision, requests worker termination, waits
// for the worker to exit, then drains and releases every remaining unit's
// loaded-object handle before removing the PCH file.
func (e *Engine) Finish() {
	e.mu.Lock()
	if !e.initialized {
		e.mu.Unlock()
		return
	}

	for e.pchStatus == PCHNotReady {
		e.pchWakeup.Wait()
	}

	e.finishRequested = true
	e.workerWakeup.Broadcast()
	for !e.workerFinished {
		e.workerWakeup.Wait()
	}

	units := e.q.Drain()
	for _, u := range e.loaded {
		units = append(units, u)
	}
	e.loaded = make(map[uint64]*Unit)
	pchPath, scratchDir, saveTemps := e.pchPath, e.scratchDir, e.opts.SaveTemps
	e.initialized = false
	e.mu.Unlock()

	for _, u := range units {
		if u.handle != nil {
			u.handle.Close()
		}
	}
	if !saveTemps {
		if pchPath != "" {
			os.Remove(pchPath)
		}
		// Best-effort: only succeeds if every per-unit temp file was
		// already cleaned up, which is the case unless save-temps was
		// flipped on mid-run.
		os.Remove(scratchDir)
	}
}

// SavedArtifacts lists the `.c`, `.so`, and `.gch` files left behind in the
// scratch directory, for an operator who set save-temps and wants to
// inspect what the engine produced. Empty, always, when save-temps is off.
func (e *Engine) SavedArtifacts() []string {
	e.mu.Lock()
	dir, saveTemps := e.scratchDir, e.opts.SaveTemps
	e.mu.Unlock()

	if !saveTemps || dir == "" {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var paths []string
	for _, ent := range entries {
		switch filepath.Ext(ent.Name()) {
		case ".c", ".so", ".gch":
			paths = append(paths, filepath.Join(dir, ent.Name()))
		}
	}
	return paths
}

// EngineStats reports the engine's current counters, for diagnostics and
// tests; none of it is load-bearing for correctness.
type EngineStats struct {
	MethodsCompiled uint64
	UnitsCancelled  uint64
	QueueLength     int
	ResidentUnits   int
	PCH             PCHStatus
}

func (e *Engine) Stats() EngineStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return EngineStats{
		MethodsCompiled: atomic.LoadUint64(&e.methodsCompiled),
		UnitsCancelled:  atomic.LoadUint64(&e.unitsCancelled),
		QueueLength:     e.q.Len(),
		ResidentUnits:   len(e.loaded),
		PCH:             e.pchStatus,
	}
}
