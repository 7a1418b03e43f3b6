package mjit

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hotpath/cjit/internal/cctest"
)

func setupHeaderDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, minHeaderName), []byte("/* minimized header */\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for condition")
		}
		time.Sleep(time.Millisecond)
	}
}

func simpleBody() *Body {
	return &Body{
		StackMax: 1,
		Instructions: []Instruction{
			{Op: OpPutNil},
			{Op: OpLeave},
		},
	}
}

func newTestEngine(t *testing.T, compiler *cctest.FakeCompiler, loader *cctest.FakeLoader) *Engine {
	t.Helper()
	e := NewEngine(Options{}, compiler, loader)
	e.Init([]string{setupHeaderDir(t)}, t.TempDir())
	if !e.Active() {
		t.Fatal("engine failed to initialize")
	}
	t.Cleanup(e.Finish)
	return e
}

func TestEngineInitFailsWithoutHeader(t *testing.T) {
	e := NewEngine(Options{}, &cctest.FakeCompiler{}, &cctest.FakeLoader{})
	e.Init([]string{t.TempDir()}, t.TempDir())
	if e.Active() {
		t.Error("Init should leave the engine inactive when the header cannot be found")
	}
}

func TestEnginePCHFailureDisablesEngine(t *testing.T) {
	e := NewEngine(Options{}, &cctest.FakeCompiler{FailPCH: true}, &cctest.FakeLoader{})
	e.Init([]string{setupHeaderDir(t)}, t.TempDir())
	waitUntil(t, time.Second, func() bool { return !e.Active() })
}

func TestEngineCompilesPublishesAndCounts(t *testing.T) {
	compiler := &cctest.FakeCompiler{}
	loader := &cctest.FakeLoader{}
	e := newTestEngine(t, compiler, loader)

	body := simpleBody()
	e.AddToProcess(body)

	waitUntil(t, time.Second, func() bool { return e.Stats().MethodsCompiled == 1 })

	if _, ok := body.Entry(); !ok {
		t.Error("a successfully compiled body's entry should be callable")
	}
	if body.EntryNotCompilable() {
		t.Error("a successfully compiled body must not be marked not-compilable")
	}
	if len(compiler.UnitBuilds) != 1 {
		t.Errorf("expected exactly one unit build, got %d", len(compiler.UnitBuilds))
	}
	if len(loader.Loaded) != 1 {
		t.Errorf("expected exactly one load, got %d", len(loader.Loaded))
	}
}

func TestEngineTranslateFailureMarksNotCompilable(t *testing.T) {
	e := newTestEngine(t, &cctest.FakeCompiler{}, &cctest.FakeLoader{})

	body := &Body{StackMax: 0, Instructions: []Instruction{{Op: OpDefineClass}}}
	e.AddToProcess(body)

	waitUntil(t, time.Second, func() bool { return body.EntryNotCompilable() })

	if _, ok := body.Entry(); ok {
		t.Error("a body that failed translation must never become callable")
	}
	if e.Stats().UnitsCancelled == 0 {
		t.Error("UnitsCancelled should count the translation failure")
	}
}

func TestEngineAddToProcessIsIdempotentPerBody(t *testing.T) {
	e := newTestEngine(t, &cctest.FakeCompiler{}, &cctest.FakeLoader{})

	body := simpleBody()
	e.AddToProcess(body)
	firstUnit := body.Unit()
	e.AddToProcess(body) // second call before the first is drained

	if body.Unit() != firstUnit {
		t.Error("AddToProcess must not replace an already-tracked body's unit")
	}
}

func TestEngineAddToProcessNoopWhenInactive(t *testing.T) {
	e := NewEngine(Options{}, &cctest.FakeCompiler{}, &cctest.FakeLoader{})
	body := simpleBody()
	e.AddToProcess(body) // engine never initialized
	if body.Unit() != nil {
		t.Error("AddToProcess on an inactive engine must be a no-op")
	}
}

func TestEngineCacheEvictionResetsEvictedBody(t *testing.T) {
	compiler := &cctest.FakeCompiler{}
	loader := &cctest.FakeLoader{}
	e := NewEngine(Options{MaxCacheSize: 1}, compiler, loader)
	e.Init([]string{setupHeaderDir(t)}, t.TempDir())
	if !e.Active() {
		t.Fatal("engine failed to initialize")
	}
	t.Cleanup(e.Finish)

	first := simpleBody()
	e.AddToProcess(first)
	waitUntil(t, time.Second, func() bool { return e.Stats().MethodsCompiled == 1 })

	second := simpleBody()
	second.IncCalls() // strictly more calls than first, so eviction can't tie-break onto it
	e.AddToProcess(second)
	waitUntil(t, time.Second, func() bool { return e.Stats().MethodsCompiled == 2 })

	waitUntil(t, time.Second, func() bool { return e.Stats().ResidentUnits <= 1 })

	if !first.entry.notYetAttempted() {
		t.Error("the evicted body's entry should be reset to not-yet-attempted, not left dangling")
	}
	if _, ok := second.Entry(); !ok {
		t.Error("the most recently compiled body should remain resident and callable")
	}
}

func TestEngineFinishClosesLoadedHandles(t *testing.T) {
	compiler := &cctest.FakeCompiler{}
	loader := &cctest.FakeLoader{}
	e := NewEngine(Options{}, compiler, loader)
	e.Init([]string{setupHeaderDir(t)}, t.TempDir())
	if !e.Active() {
		t.Fatal("engine failed to initialize")
	}

	body := simpleBody()
	e.AddToProcess(body)
	waitUntil(t, time.Second, func() bool { return e.Stats().MethodsCompiled == 1 })

	e.Finish()

	if len(loader.Closed) != 1 {
		t.Errorf("expected Finish to close exactly one loaded handle, got %d", len(loader.Closed))
	}
	if e.Active() {
		t.Error("Finish should leave the engine inactive")
	}
	// Finish must be idempotent/safe to call again.
	e.Finish()
}

func TestEngineDisableAfterForkDeactivates(t *testing.T) {
	e := newTestEngine(t, &cctest.FakeCompiler{}, &cctest.FakeLoader{})
	e.DisableAfterFork()
	if e.Active() {
		t.Error("DisableAfterFork should deactivate the engine")
	}
}

func TestEngineDisableAfterForkOnUninitializedIsSafe(t *testing.T) {
	e := NewEngine(Options{}, &cctest.FakeCompiler{}, &cctest.FakeLoader{})
	e.DisableAfterFork() // must not panic
	if e.Active() {
		t.Error("an engine that was never initialized must report inactive")
	}
}

func TestEngineGCJITMutualExclusionSmoke(t *testing.T) {
	e := newTestEngine(t, &cctest.FakeCompiler{}, &cctest.FakeLoader{})

	done := make(chan struct{})
	go func() {
		for i := 0; i < 20; i++ {
			e.AddToProcess(simpleBody())
		}
		close(done)
	}()

	e.GCStartHook()
	e.GCFinishHook()
	<-done
}

func TestEngineSavedArtifactsEmptyWithoutSaveTemps(t *testing.T) {
	e := newTestEngine(t, &cctest.FakeCompiler{}, &cctest.FakeLoader{})
	body := simpleBody()
	e.AddToProcess(body)
	waitUntil(t, time.Second, func() bool { return e.Stats().MethodsCompiled == 1 })

	if artifacts := e.SavedArtifacts(); artifacts != nil {
		t.Errorf("SavedArtifacts() = %v, want nil when save-temps is off", artifacts)
	}
}
