package mjit

import (
	"testing"
	"unsafe"
)

func TestEntryStateStartsNotYetAttempted(t *testing.T) {
	var e entryState
	if !e.notYetAttempted() {
		t.Error("fresh entryState should report not yet attempted")
	}
	if e.isNotCompilable() {
		t.Error("fresh entryState should not report not-compilable")
	}
	if _, ok := e.callable(); ok {
		t.Error("fresh entryState should not be callable")
	}
}

func TestEntryStateMarkNotCompilableIsTerminal(t *testing.T) {
	var e entryState
	e.markNotCompilable()

	if e.notYetAttempted() {
		t.Error("not-compilable should not also report not yet attempted")
	}
	if !e.isNotCompilable() {
		t.Error("expected not-compilable")
	}
	if _, ok := e.callable(); ok {
		t.Error("not-compilable entry must never be callable")
	}
}

func TestEntryStatePublishMakesCallable(t *testing.T) {
	var e entryState
	var called bool
	fn := func(ec, cfp unsafe.Pointer) Value {
		called = true
		return 0
	}
	e.publish(NativeFunc(fn))

	got, ok := e.callable()
	if !ok {
		t.Fatal("expected callable after publish")
	}
	if e.notYetAttempted() || e.isNotCompilable() {
		t.Error("published entry must not also report either sentinel state")
	}
	got(nil, nil)
	if !called {
		t.Error("callable() should return the exact function passed to publish")
	}
}

func TestEntryStateResetReturnsToNotYetAttempted(t *testing.T) {
	var e entryState
	e.publish(func(ec, cfp unsafe.Pointer) Value { return 0 })
	e.reset()

	if !e.notYetAttempted() {
		t.Error("reset should restore not-yet-attempted")
	}
	if _, ok := e.callable(); ok {
		t.Error("reset entry must not be callable")
	}
}

func TestBodyCallCounting(t *testing.T) {
	b := &Body{Instructions: []Instruction{{Op: OpLeave}}}
	for i := 0; i < 3; i++ {
		b.IncCalls()
	}
	if got := b.Calls(); got != 3 {
		t.Errorf("Calls() = %d, want 3", got)
	}
}

func TestBodyObserveCallEnqueuesAtThreshold(t *testing.T) {
	b := &Body{Instructions: []Instruction{{Op: OpLeave}}}

	for i := uint64(1); i < NumCallsToAdd; i++ {
		if b.ObserveCall() {
			t.Fatalf("ObserveCall signaled enqueue early, at call %d", i)
		}
	}
	if !b.ObserveCall() {
		t.Error("ObserveCall should signal enqueue on exactly the NumCallsToAdd-th call")
	}
	if b.ObserveCall() {
		t.Error("ObserveCall should not signal enqueue again past the threshold call")
	}
}

func TestBodyObserveCallRejectsOversizedBody(t *testing.T) {
	insns := make([]Instruction, IseqSizeThreshold+1)
	for i := range insns {
		insns[i] = Instruction{Op: OpNop}
	}
	insns[len(insns)-1] = Instruction{Op: OpLeave}
	b := &Body{Instructions: insns}

	for i := uint64(0); i < NumCallsToAdd; i++ {
		if b.ObserveCall() {
			t.Fatal("an oversized body must never signal enqueue")
		}
	}
}

func TestBodyObserveCallSkipsAlreadyAttempted(t *testing.T) {
	b := &Body{Instructions: []Instruction{{Op: OpLeave}}}
	b.entry.markNotCompilable()

	for i := uint64(0); i < NumCallsToAdd; i++ {
		if b.ObserveCall() {
			t.Fatal("a body already marked not-compilable must never re-signal enqueue")
		}
	}
}

func TestOpcodeStringKnownAndUnknown(t *testing.T) {
	if OpPutNil.String() != "putnil" {
		t.Errorf("OpPutNil.String() = %q, want putnil", OpPutNil.String())
	}
	if got := Opcode(255).String(); got == "" {
		t.Error("unknown opcode must still render a non-empty string")
	}
}
