package mjit

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/hotpath/cjit/internal/ccproc"
)

func (e *Engine) buildConfig() ccproc.BuildConfig {
	return ccproc.BuildConfig{
		CC:        e.opts.resolveCompiler(),
		Debug:     e.opts.Debug,
		SaveTemps: e.opts.SaveTemps,
		Verbose:   e.opts.Verbose,
		Warnings:  e.opts.Warnings,
	}
}

// runWorker is the engine's single background goroutine: it builds the PCH
// once, drains the queue until told to finish, then marks itself finished
// so Finish can proceed to tear down.
func (e *Engine) runWorker() {
	if e.buildPCH() {
		e.drainLoop()
	}

	e.mu.Lock()
	e.workerFinished = true
	e.workerWakeup.Broadcast()
	e.mu.Unlock()
}

// buildPCH compiles the minimized header once. On failure it disables the
// engine for the rest of the process: without a PCH no unit can compile,
// so there is nothing left for the worker to do.
func (e *Engine) buildPCH() bool {
	cfg := e.buildConfig()
	err := e.compiler.BuildPCH(context.Background(), e.headerPath, e.pchPath, cfg)

	e.mu.Lock()
	defer e.mu.Unlock()

	if err != nil {
		e.pchStatus = PCHFailed
		e.initialized = false
		e.opts.logf(1, "mjit[%s]: PCH build failed: %v", e.runID, err)
		e.pchWakeup.Broadcast()
		return false
	}
	e.pchStatus = PCHSuccess
	e.pchWakeup.Broadcast()
	return true
}

// drainLoop repeatedly waits for work, dequeues the highest-priority unit,
// and compiles it. Once finish is requested the queue is no longer
// consulted: the worker exits as soon as it observes the flag, even with
// units still queued, but never mid-unit — the check happens only at the
// top of the loop, after compileUnit returns.
func (e *Engine) drainLoop() {
	for {
		e.mu.Lock()
		for e.q.Len() == 0 && !e.finishRequested {
			e.workerWakeup.Wait()
		}
		if e.finishRequested {
			e.mu.Unlock()
			return
		}
		u := e.q.DequeueBest()
		e.mu.Unlock()

		if u == nil {
			// Every remaining entry was a reaped null-body unit.
			continue
		}
		e.compileUnit(u)
	}
}

// compileUnit runs one unit through translate → compile → load → publish,
// honoring the in-JIT/in-GC mutual exclusion window around the translation
// step only (the external compiler and loader run outside it — the source
// holds the exclusion window just long enough to protect the translator's
// reads of live interpreter state, not the whole pipeline).
func (e *Engine) compileUnit(u *Unit) {
	e.mu.Lock()
	for e.inGC {
		e.gcWakeup.Wait()
	}
	e.inJIT = true
	e.mu.Unlock()

	body := u.Body()
	var cPath string
	var ok bool
	var reason string
	var funcname string

	if body == nil {
		ok = false
		reason = "body collected before compilation"
	} else {
		cPath = ccproc.MakeTempPath(e.scratchDir, unitPrefix, u.ID, ".c")
		funcname = fmt.Sprintf("%s%d", funcPrefix, u.ID)

		f, err := os.Create(cPath)
		if err != nil {
			ok, reason = false, err.Error()
		} else {
			ok, reason = Translate(f, body, funcname)
			f.Close()
		}
	}

	e.mu.Lock()
	e.inJIT = false
	e.clientWakeup.Broadcast()
	e.mu.Unlock()

	if body == nil {
		return
	}

	if !ok {
		body.entry.markNotCompilable()
		atomic.AddUint64(&e.unitsCancelled, 1)
		e.opts.logf(0, "mjit[%s]: unit %d not compilable: %s", e.runID, u.ID, reason)
		if !e.opts.SaveTemps && cPath != "" {
			os.Remove(cPath)
		}
		return
	}

	soPath := ccproc.MakeTempPath(e.scratchDir, unitPrefix, u.ID, ".so")
	cfg := e.buildConfig()

	if err := e.compiler.CompileUnit(context.Background(), cPath, soPath, e.pchPath, cfg); err != nil {
		body.entry.markNotCompilable()
		atomic.AddUint64(&e.unitsCancelled, 1)
		e.opts.logf(0, "mjit[%s]: unit %d compile failed: %v", e.runID, u.ID, err)
		if !e.opts.SaveTemps {
			os.Remove(cPath)
		}
		return
	}

	fn, handle, err := e.loader.Load(soPath, funcname)
	if err != nil {
		body.entry.markNotCompilable()
		atomic.AddUint64(&e.unitsCancelled, 1)
		e.opts.logf(0, "mjit[%s]: unit %d load failed: %v", e.runID, u.ID, err)
	} else {
		u.handle = handle
		body.entry.publish(fn)
		atomic.AddUint64(&e.methodsCompiled, 1)
		e.registerLoaded(u)
	}

	if !e.opts.SaveTemps {
		os.Remove(cPath)
		os.Remove(soPath)
	}
}

// registerLoaded records a newly loaded unit and, if the configured
// max-cache-size is now exceeded, unloads the least valuable resident
// unit: the one whose body has the smallest observed total-calls count,
// i.e. the one least likely to be called again soon. Ties are broken by
// whichever unit this scan visits first, since Go map iteration order is
// already randomized and a stable secondary key would just be insertion
// order re-derived.
func (e *Engine) registerLoaded(u *Unit) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.loaded[u.ID] = u
	if e.opts.MaxCacheSize <= 0 || len(e.loaded) <= e.opts.MaxCacheSize {
		return
	}

	var victim *Unit
	var least uint64
	for _, cand := range e.loaded {
		b := cand.Body()
		if b == nil {
			victim = cand
			break
		}
		calls := b.Calls()
		if victim == nil || calls < least {
			victim, least = cand, calls
		}
	}
	if victim == nil {
		return
	}

	delete(e.loaded, victim.ID)
	if b := victim.Body(); b != nil {
		b.entry.reset()
		b.unit.Store(nil)
	}
	if victim.handle != nil {
		victim.handle.Close()
		victim.handle = nil
	}
}
