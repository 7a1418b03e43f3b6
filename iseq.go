package mjit

import (
	"fmt"
	"sync/atomic"

	"github.com/hotpath/cjit/internal/ccproc"
)

// Value is the host's opaque program-value word. The engine never inspects
// it; it only threads values through to host helpers and back.
type Value = ccproc.Value

// Undefined is the sentinel distinct from any legal program value: the
// cancellation return, and the identity a body's entry slot takes on when
// the translator or compiler has given up on it for good.
const Undefined = ccproc.Undefined

// NativeFunc is the ABI a compiled unit's entry point exposes:
// VALUE funcname(execution-context*, control-frame*).
type NativeFunc = ccproc.NativeFunc

// Opcode names one bytecode instruction. The set below follows the families
// enumerated for the translator: stack primitives, locals, object
// construction, string/symbol ops, variables, branches, calls, optimized
// arithmetic/comparison, trace/defined, and the explicitly unsupported rest.
type Opcode uint8

const (
	OpNop Opcode = iota

	// Stack primitives.
	OpPutNil
	OpPutSelf
	OpPutObject // operand Literal: the value to push
	OpDup
	OpSwap
	OpPop
	OpTopN  // operand A: n
	OpSetN  // operand A: n
	OpReverse
	OpAdjustStack // operand A: amount
	OpDupN        // operand A: n

	// Locals.
	OpGetLocal    // operand A: level, B: index
	OpSetLocal    // operand A: level, B: index
	OpGetLocalWC0 // level 0, specialized
	OpGetLocalWC1 // level 1, specialized
	OpSetLocalWC0
	OpSetLocalWC1

	// Object construction.
	OpNewArray      // operand A: count
	OpNewHash       // operand A: count (bulk-insert key/value pairs)
	OpNewRange      // operand A: exclude-end flag
	OpDupArray      // operand Literal: template array
	OpSplatArray    // operand A: flag
	OpConcatArray
	OpExpandArray   // operand A: count, B: flags
	OpToRegexp      // operand A: count, B: options

	// String/symbol.
	OpPutString     // operand Literal
	OpConcatStrings // operand A: count
	OpToString
	OpFreezeString
	OpIntern
	OpOptStrFreeze // operand Literal: frozen string, Call: BOP-redefinition guard
	OpOptStrUMinus

	// Variables.
	OpGetInstanceVariable // operand Name
	OpSetInstanceVariable // operand Name
	OpGetClassVariable    // operand Name
	OpSetClassVariable    // operand Name
	OpGetConstant         // operand Name
	OpSetConstant         // operand Name
	OpGetGlobal           // operand Name
	OpSetGlobal           // operand Name
	OpGetInlineCache      // operand Target: skip-to position if cache hit
	OpSetInlineCache

	// Branches.
	OpJump
	OpBranchIf
	OpBranchUnless
	OpBranchNil
	OpBranchIfType // operand A: type tag
	OpOptCaseDispatch

	// Method calls.
	OpSend                // operand Name: selector, A: argc, Call: call cache
	OpOptSendWithoutBlock // operand Name: selector, A: argc, Call: call cache
	OpInvokeSuper         // operand Name: selector, A: argc, Call: call cache
	OpInvokeBlock         // operand A: argc

	// Optimized comparisons/arithmetic. Each may return Undefined, in which
	// case the translator cancels.
	OpOptPlus
	OpOptMinus
	OpOptMult
	OpOptDiv
	OpOptMod
	OpOptEq
	OpOptNeq
	OpOptLt
	OpOptLe
	OpOptGt
	OpOptGe
	OpOptLtlt
	OpOptAref
	OpOptAset
	OpOptArefWith // operand Name: string key
	OpOptAsetWith // operand Name: string key
	OpOptLength
	OpOptSize
	OpOptEmptyP
	OpOptSucc
	OpOptNot
	OpOptRegexpMatch1
	OpOptRegexpMatch2

	// Trace / defined / pattern-match / keyword checks.
	OpTrace  // operand A: event flags
	OpTrace2 // operand A: event flags
	OpDefined
	OpCheckMatch
	OpCheckKeyword

	// Explicitly unsupported: the translator fails compilation on these.
	OpGetBlockParamProxy
	OpDefineClass
	OpOptCallCFunction

	// Terminators.
	OpLeave
	OpThrow
)

var opcodeNames = map[Opcode]string{
	OpNop: "nop", OpPutNil: "putnil", OpPutSelf: "putself", OpPutObject: "putobject",
	OpDup: "dup", OpSwap: "swap", OpPop: "pop", OpTopN: "topn", OpSetN: "setn",
	OpReverse: "reverse", OpAdjustStack: "adjuststack", OpDupN: "dupn",
	OpGetLocal: "getlocal", OpSetLocal: "setlocal",
	OpGetLocalWC0: "getlocal_WC_0", OpGetLocalWC1: "getlocal_WC_1",
	OpSetLocalWC0: "setlocal_WC_0", OpSetLocalWC1: "setlocal_WC_1",
	OpNewArray: "newarray", OpNewHash: "newhash", OpNewRange: "newrange",
	OpDupArray: "duparray", OpSplatArray: "splatarray", OpConcatArray: "concatarray",
	OpExpandArray: "expandarray", OpToRegexp: "toregexp",
	OpPutString: "putstring", OpConcatStrings: "concatstrings", OpToString: "tostring",
	OpFreezeString: "freezestring", OpIntern: "intern",
	OpOptStrFreeze: "opt_str_freeze", OpOptStrUMinus: "opt_str_uminus",
	OpGetInstanceVariable: "getinstancevariable", OpSetInstanceVariable: "setinstancevariable",
	OpGetClassVariable: "getclassvariable", OpSetClassVariable: "setclassvariable",
	OpGetConstant: "getconstant", OpSetConstant: "setconstant",
	OpGetGlobal: "getglobal", OpSetGlobal: "setglobal",
	OpGetInlineCache: "getinlinecache", OpSetInlineCache: "setinlinecache",
	OpJump: "jump", OpBranchIf: "branchif", OpBranchUnless: "branchunless",
	OpBranchNil: "branchnil", OpBranchIfType: "branchiftype", OpOptCaseDispatch: "opt_case_dispatch",
	OpSend: "send", OpOptSendWithoutBlock: "opt_send_without_block", OpInvokeSuper: "invokesuper",
	OpInvokeBlock: "invokeblock",
	OpOptPlus: "opt_plus", OpOptMinus: "opt_minus", OpOptMult: "opt_mult", OpOptDiv: "opt_div",
	OpOptMod: "opt_mod", OpOptEq: "opt_eq", OpOptNeq: "opt_neq", OpOptLt: "opt_lt",
	OpOptLe: "opt_le", OpOptGt: "opt_gt", OpOptGe: "opt_ge", OpOptLtlt: "opt_ltlt",
	OpOptAref: "opt_aref", OpOptAset: "opt_aset", OpOptArefWith: "opt_aref_with",
	OpOptAsetWith: "opt_aset_with", OpOptLength: "opt_length", OpOptSize: "opt_size",
	OpOptEmptyP: "opt_empty_p", OpOptSucc: "opt_succ", OpOptNot: "opt_not",
	OpOptRegexpMatch1: "opt_regexpmatch1", OpOptRegexpMatch2: "opt_regexpmatch2",
	OpTrace: "trace", OpTrace2: "trace2", OpDefined: "defined",
	OpCheckMatch: "checkmatch", OpCheckKeyword: "checkkeyword",
	OpGetBlockParamProxy: "getblockparamproxy", OpDefineClass: "defineclass",
	OpOptCallCFunction: "opt_call_c_function",
	OpLeave: "leave", OpThrow: "throw",
}

// String renders an opcode's mnemonic, as used in translator failure
// diagnostics.
func (o Opcode) String() string {
	if name, ok := opcodeNames[o]; ok {
		return name
	}
	return fmt.Sprintf("opcode(%d)", uint8(o))
}

// CallCache is the per-call-site record the translator's call-protocol
// guard checks against the global state snapshot it captured at compile
// time. It is the Go analogue of mjit_check_invalid_cc's method-state and
// class-serial pair.
type CallCache struct {
	MethodState uint64
	ClassSerial uint64
	IsCFunc     bool // target resolves to a native C method
	FastPath    bool // simple param layout: no splat/kwarg, non-protected
}

// Instruction is one position in a Body's instruction stream. Which fields
// are meaningful depends on Op; see the Opcode constant comments.
type Instruction struct {
	Op      Opcode
	A, B    int64
	Target  int // instruction index, for jump/branch family
	Literal Value
	Name    string
	Call    *CallCache
}

// OptEntry is one row of a body's opt-arg dispatch table: the instruction
// position execution should resume at when exactly this many optional
// arguments were supplied.
type OptEntry struct {
	PC int
}

// ParamDesc describes a body's parameter shape for the opt-arg prologue.
type ParamDesc struct {
	HasOpt   bool
	OptTable []OptEntry
}

// entryState holds a Body's entry-point slot. It mirrors the three-valued
// sentinel CRuby's early MJIT encodes as a cast small integer
// (NOT_ADDED_JIT_ISEQ_FUNC / NOT_READY_JIT_ISEQ_FUNC / NOT_COMPILABLE_JIT_ISEQ_FUNC)
// but realizes it with pointer identity instead, since Go gives no safe way
// to reinterpret an arbitrary small uintptr as a callable func value: a
// nil *NativeFunc means not-yet-attempted, notCompilable is the distinguished
// non-callable sentinel, and any other non-nil pointer is a real, loaded
// entry point, published with Store and read with Load.
type entryState struct {
	slot atomic.Pointer[NativeFunc]
}

// notCompilable is never dereferenced; its address alone is the sentinel.
var notCompilable = new(NativeFunc)

func (e *entryState) notYetAttempted() bool {
	return e.slot.Load() == nil
}

func (e *entryState) isNotCompilable() bool {
	return e.slot.Load() == notCompilable
}

func (e *entryState) markNotCompilable() {
	e.slot.Store(notCompilable)
}

// publish installs a callable entry point. Per the concurrency model, this
// is the single release-store a mutator's ordinary load may safely race
// with; it must happen at most once per body.
func (e *entryState) publish(fn NativeFunc) {
	e.slot.Store(&fn)
}

// callable returns the loaded function and true, or (nil, false) if the
// body has not been compiled (yet, or ever).
func (e *entryState) callable() (NativeFunc, bool) {
	p := e.slot.Load()
	if p == nil || p == notCompilable {
		return nil, false
	}
	return *p, true
}

// reset restores the slot to not-yet-attempted. This is the one deliberate
// exception to the "transitions go only forward" rule, and it is used only
// by the engine's cache-eviction path: unloading a unit to stay under
// max-cache-size must make its body eligible for recompilation rather than
// wedge it at a stale callable pointer into a now-closed shared object.
func (e *entryState) reset() {
	e.slot.Store(nil)
}

// Thresholds adopted unchanged from the single-threaded prototype this
// engine's enqueue policy is drawn from: the call count at which a body
// first becomes eligible for the queue, and the instruction count at or
// above which a body is never queued because translating and compiling it
// would take too long to be worth it.
const (
	NumCallsToAdd     = 5
	IseqSizeThreshold = 1000
)

// Body is the host's bytecode body contract: an immutable instruction
// stream and metadata, plus the two fields the engine publishes into. The
// engine holds only a weak reference — it never frees a Body, the host's GC
// does — so Body itself carries no finalizer or ownership logic.
type Body struct {
	Instructions []Instruction
	StackMax     int
	Params       ParamDesc
	NumLocals    int

	totalCalls uint64
	entry      entryState
	unit       atomic.Pointer[Unit]
}

// IncCalls atomically bumps the body's observed call count and returns the
// new value. The host interpreter calls this on every invocation; the
// engine's enqueue threshold and the queue's dequeue-by-call-count policy
// both read it back with Calls.
func (b *Body) IncCalls() uint64 {
	return atomic.AddUint64(&b.totalCalls, 1)
}

// Calls returns the body's current observed call count.
func (b *Body) Calls() uint64 {
	return atomic.LoadUint64(&b.totalCalls)
}

// Entry returns the body's currently published native function, if any.
func (b *Body) Entry() (NativeFunc, bool) {
	return b.entry.callable()
}

// EntryNotCompilable reports whether the body has been permanently marked
// as never to be retried.
func (b *Body) EntryNotCompilable() bool {
	return b.entry.isNotCompilable()
}

// Unit returns the engine's bookkeeping record for this body, or nil if the
// body is not currently tracked. Written only under the engine's mutex;
// read freely, per the concurrency model's invariant on this field.
func (b *Body) Unit() *Unit {
	return b.unit.Load()
}

// ObserveCall increments the body's call counter and reports whether this
// call is the one that should trigger Engine.AddToProcess: exactly the
// NumCallsToAdd-th call, for a body small enough to be worth compiling,
// not already attempted. A host interpreter may call this instead of the
// bare IncCalls to adopt the prototype's original enqueue-threshold
// policy; hosts with their own hotness heuristic can ignore it and call
// IncCalls/AddToProcess directly.
func (b *Body) ObserveCall() (shouldEnqueue bool) {
	calls := b.IncCalls()
	return calls == NumCallsToAdd &&
		len(b.Instructions) < IseqSizeThreshold &&
		b.entry.notYetAttempted()
}
