package mjit

import (
	"fmt"
	"io"
	"strings"
)

// Translate writes a self-contained C translation unit for body to w,
// exposing funcname with the generated-function ABI:
// VALUE funcname(void *ec, void *cfp). It reports whether compilation
// succeeded, and on failure a short reason a caller may log at its
// configured verbosity. Output is buffered and written to w only on
// success, so nothing reaches w on failure; the caller then discards its
// output file and marks the body's entry slot not-compilable. This
// function never retries internally.
func Translate(w io.Writer, body *Body, funcname string) (ok bool, reason string) {
	t := &translator{body: body, funcname: funcname, compiled: make(map[int]bool), success: true}
	t.emitPrologue()
	if len(body.Instructions) == 0 {
		t.fail("empty instruction stream")
	} else {
		t.compileBranch(0, 0)
	}
	t.emitCancelBlock()
	t.emitEpilogue()

	if !t.success {
		return false, t.reason
	}
	io.WriteString(w, t.out.String())
	return true, ""
}

// translator holds the state shared across one Translate call. The only
// state shared across parallel branches is t.compiled (the
// "compiled_for_pos" set) and t.success; the per-branch stack_size is
// always passed as a plain parameter so sibling branches never see each
// other's simulated stack depth.
type translator struct {
	body     *Body
	funcname string
	out      strings.Builder
	indent   int
	compiled map[int]bool
	success  bool
	reason   string
}

func (t *translator) writeLine(format string, args ...any) {
	if !t.success {
		return
	}
	for i := 0; i < t.indent; i++ {
		t.out.WriteString("  ")
	}
	fmt.Fprintf(&t.out, format, args...)
	t.out.WriteString("\n")
}

func (t *translator) fail(format string, args ...any) {
	if !t.success {
		return
	}
	t.success = false
	t.reason = fmt.Sprintf(format, args...)
}

func (t *translator) emitPrologue() {
	t.writeLine("VALUE %s(void *ec, void *cfp) {", t.funcname)
	t.indent++
	if t.body.StackMax > 0 {
		t.writeLine("VALUE stack[%d];", t.body.StackMax)
	}
	t.writeLine("unsigned int mjit_stack_top = 0;")
	t.writeLine("unsigned int mjit_i;")

	if t.body.Params.HasOpt && len(t.body.Params.OptTable) > 0 {
		t.writeLine("switch (mjit_opt_pc_offset(cfp)) {")
		t.indent++
		for i, e := range t.body.Params.OptTable {
			t.writeLine("case %d: goto label_%d;", i, e.PC)
		}
		t.writeLine("default: goto label_%d;", t.body.Params.OptTable[0].PC)
		t.indent--
		t.writeLine("}")
	}
}

func (t *translator) emitCancelBlock() {
	t.writeLine("cancel:")
	if t.body.StackMax > 0 {
		t.writeLine("for (mjit_i = 0; mjit_i < mjit_stack_top; mjit_i++) {")
		t.indent++
		t.writeLine("mjit_cfp_stack_set(cfp, mjit_i, stack[mjit_i]);")
		t.indent--
		t.writeLine("}")
	}
	t.writeLine("mjit_cfp_sp_advance(cfp, mjit_stack_top);")
	t.writeLine("return Qundef;")
}

func (t *translator) emitEpilogue() {
	t.indent--
	t.writeLine("}")
}

// compileBranch walks the instruction stream starting at pos with the
// given compile-time simulated stack_size, emitting a label at every
// position it visits. A reference to an already-compiled position becomes
// a goto instead of being re-emitted. Conditional branches recurse into
// the fall-through arm before returning to compile the taken arm, so each
// arm is compiled with its own correct stack_size.
func (t *translator) compileBranch(pos, stackSize int) {
	for {
		if !t.success {
			return
		}
		if pos >= len(t.body.Instructions) {
			t.fail("fell off end of instruction stream at stack_size %d", stackSize)
			return
		}
		if t.compiled[pos] {
			t.writeLine("goto label_%d;", pos)
			return
		}
		t.compiled[pos] = true

		t.indent--
		t.writeLine("label_%d:", pos)
		t.indent++

		insn := t.body.Instructions[pos]
		t.writeLine("cfp->pc = (void *)(mjit_iseq_encoded(cfp) + %d);", pos)

		switch insn.Op {
		case OpLeave:
			if stackSize != 1 {
				t.fail("leave with stack_size %d (want 1) at pos %d", stackSize, pos)
				return
			}
			t.writeLine("RUBY_VM_CHECK_INTS(ec);")
			t.writeLine("return stack[0];")
			return

		case OpThrow:
			if stackSize < 1 {
				t.fail("throw with empty stack at pos %d", pos)
				return
			}
			t.writeLine("return mjit_throw(ec, cfp, stack[%d]);", stackSize-1)
			return

		case OpJump:
			t.writeLine("RUBY_VM_CHECK_INTS(ec);")
			pos = insn.Target
			continue

		case OpBranchIf, OpBranchUnless, OpBranchNil, OpBranchIfType, OpOptCaseDispatch:
			if stackSize < 1 {
				t.fail("branch with empty stack at pos %d", pos)
				return
			}
			cond := t.branchCondition(insn, stackSize)
			t.writeLine("if (%s) { RUBY_VM_CHECK_INTS(ec); goto label_%d; }", cond, insn.Target)
			fallSize := stackSize - 1

			t.compileBranch(pos+1, fallSize)
			if t.success && !t.compiled[insn.Target] {
				t.compileBranch(insn.Target, fallSize)
			}
			return

		default:
			newSize, ok := t.emitInstruction(insn, stackSize)
			if !ok {
				return
			}
			if newSize < 0 {
				t.fail("stack underflow at pos %d", pos)
				return
			}
			if newSize > t.body.StackMax {
				t.fail("stack_size %d exceeds stack_max %d at pos %d", newSize, t.body.StackMax, pos)
				return
			}
			stackSize = newSize
			pos++
		}
	}
}

func (t *translator) branchCondition(insn Instruction, stackSize int) string {
	top := stackSize - 1
	switch insn.Op {
	case OpBranchIf:
		return fmt.Sprintf("mjit_truthy(stack[%d])", top)
	case OpBranchUnless:
		return fmt.Sprintf("!mjit_truthy(stack[%d])", top)
	case OpBranchNil:
		return fmt.Sprintf("stack[%d] == Qnil", top)
	case OpBranchIfType:
		return fmt.Sprintf("mjit_type_p(stack[%d], %dUL)", top, insn.A)
	case OpOptCaseDispatch:
		return fmt.Sprintf("mjit_case_dispatch_hit(stack[%d], %dUL)", top, insn.A)
	default:
		return "0"
	}
}

// cancelGuard emits "if (cond) { mjit_stack_top = N; goto cancel; }", the
// shape every guard that cannot be proven sound at compile time uses: it
// records how many simulated-stack slots are valid, then jumps to the
// single shared cancellation block.
func (t *translator) cancelGuard(cond string, validSlots int) {
	t.writeLine("if (%s) { mjit_stack_top = %d; goto cancel; }", cond, validSlots)
}

// emitInstruction handles every instruction family except the terminators
// and branches, which compileBranch's switch deals with directly since
// they affect control flow rather than just the simulated stack.
func (t *translator) emitInstruction(insn Instruction, sp int) (newSP int, ok bool) {
	switch insn.Op {

	// --- Stack primitives ---
	case OpNop:
		return sp, true
	case OpPutNil:
		t.writeLine("stack[%d] = Qnil;", sp)
		return sp + 1, true
	case OpPutSelf:
		t.writeLine("stack[%d] = mjit_self(cfp);", sp)
		return sp + 1, true
	case OpPutObject:
		t.writeLine("stack[%d] = (VALUE)0x%xUL;", sp, uint64(insn.Literal))
		return sp + 1, true
	case OpDup:
		t.writeLine("stack[%d] = stack[%d];", sp, sp-1)
		return sp + 1, true
	case OpSwap:
		t.writeLine("{ VALUE mjit_tmp = stack[%d]; stack[%d] = stack[%d]; stack[%d] = mjit_tmp; }", sp-1, sp-1, sp-2, sp-2)
		return sp, true
	case OpPop:
		return sp - 1, true
	case OpTopN:
		n := int(insn.A)
		t.writeLine("stack[%d] = stack[%d];", sp, sp-1-n)
		return sp + 1, true
	case OpSetN:
		n := int(insn.A)
		t.writeLine("stack[%d] = stack[%d];", sp-1-n, sp-1)
		return sp, true
	case OpReverse:
		n := int(insn.A)
		t.writeLine("mjit_reverse(stack + %d, %d);", sp-n, n)
		return sp, true
	case OpAdjustStack:
		return sp - int(insn.A), true
	case OpDupN:
		n := int(insn.A)
		for i := 0; i < n; i++ {
			t.writeLine("stack[%d] = stack[%d];", sp+i, sp-n+i)
		}
		return sp + n, true

	// --- Locals ---
	case OpGetLocal:
		t.writeLine("stack[%d] = mjit_get_local(cfp, %d, %d);", sp, insn.A, insn.B)
		return sp + 1, true
	case OpSetLocal:
		t.writeLine("mjit_set_local(cfp, %d, %d, stack[%d]);", insn.A, insn.B, sp-1)
		return sp - 1, true
	case OpGetLocalWC0:
		t.writeLine("stack[%d] = mjit_get_local(cfp, 0, %d);", sp, insn.A)
		return sp + 1, true
	case OpGetLocalWC1:
		t.writeLine("stack[%d] = mjit_get_local(cfp, 1, %d);", sp, insn.A)
		return sp + 1, true
	case OpSetLocalWC0:
		t.writeLine("mjit_set_local(cfp, 0, %d, stack[%d]);", insn.A, sp-1)
		return sp - 1, true
	case OpSetLocalWC1:
		t.writeLine("mjit_set_local(cfp, 1, %d, stack[%d]);", insn.A, sp-1)
		return sp - 1, true

	// --- Object construction ---
	case OpNewArray:
		n := int(insn.A)
		t.writeLine("stack[%d] = mjit_new_array(%d, stack + %d);", sp-n, n, sp-n)
		return sp - n + 1, true
	case OpNewHash:
		n := int(insn.A)
		t.writeLine("stack[%d] = mjit_new_hash(%d, stack + %d);", sp-n, n, sp-n)
		return sp - n + 1, true
	case OpNewRange:
		t.writeLine("stack[%d] = mjit_new_range(stack[%d], stack[%d], %d);", sp-2, sp-2, sp-1, insn.A)
		return sp - 1, true
	case OpDupArray:
		t.writeLine("stack[%d] = mjit_dup_array((VALUE)0x%xUL);", sp, uint64(insn.Literal))
		return sp + 1, true
	case OpSplatArray:
		t.writeLine("stack[%d] = mjit_splat_array(stack[%d], %d);", sp-1, sp-1, insn.A)
		return sp, true
	case OpConcatArray:
		t.writeLine("stack[%d] = mjit_concat_array(stack[%d], stack[%d]);", sp-2, sp-2, sp-1)
		return sp - 1, true
	case OpExpandArray:
		n := int(insn.A)
		t.writeLine("mjit_expand_array(stack[%d], %d, %dUL, stack + %d);", sp-1, n, insn.B, sp-1)
		return sp - 1 + n, true
	case OpToRegexp:
		n := int(insn.A)
		t.writeLine("stack[%d] = mjit_to_regexp(%d, stack + %d, %dUL);", sp-n, n, sp-n, insn.B)
		return sp - n + 1, true

	// --- String / symbol ---
	case OpPutString:
		t.writeLine("stack[%d] = mjit_put_string((VALUE)0x%xUL);", sp, uint64(insn.Literal))
		return sp + 1, true
	case OpConcatStrings:
		n := int(insn.A)
		t.writeLine("stack[%d] = mjit_concat_strings(%d, stack + %d);", sp-n, n, sp-n)
		return sp - n + 1, true
	case OpToString:
		t.writeLine("stack[%d] = mjit_to_string(stack[%d]);", sp-1, sp-1)
		return sp, true
	case OpFreezeString:
		t.writeLine("stack[%d] = mjit_freeze_string(stack[%d]);", sp-1, sp-1)
		return sp, true
	case OpIntern:
		t.writeLine("stack[%d] = mjit_intern(stack[%d]);", sp-1, sp-1)
		return sp, true
	case OpOptStrFreeze:
		t.cancelGuard(t.bopGuard(insn), sp)
		t.writeLine("stack[%d] = mjit_opt_str_freeze((VALUE)0x%xUL);", sp, uint64(insn.Literal))
		return sp + 1, true
	case OpOptStrUMinus:
		t.cancelGuard(t.bopGuard(insn), sp)
		t.writeLine("stack[%d] = mjit_opt_str_uminus(stack[%d]);", sp-1, sp-1)
		return sp, true

	// --- Variables ---
	case OpGetInstanceVariable:
		t.writeLine("stack[%d] = mjit_get_ivar(cfp, %q);", sp, insn.Name)
		return sp + 1, true
	case OpSetInstanceVariable:
		t.writeLine("mjit_set_ivar(cfp, %q, stack[%d]);", insn.Name, sp-1)
		return sp - 1, true
	case OpGetClassVariable:
		t.writeLine("stack[%d] = mjit_get_cvar(cfp, %q);", sp, insn.Name)
		return sp + 1, true
	case OpSetClassVariable:
		t.writeLine("mjit_set_cvar_checked(cfp, %q, stack[%d]);", insn.Name, sp-1)
		return sp - 1, true
	case OpGetConstant:
		t.writeLine("stack[%d] = mjit_get_constant(cfp, %q);", sp, insn.Name)
		return sp + 1, true
	case OpSetConstant:
		t.writeLine("mjit_set_constant_checked(cfp, %q, stack[%d]);", insn.Name, sp-1)
		return sp - 1, true
	case OpGetGlobal:
		t.writeLine("stack[%d] = mjit_get_global(%q);", sp, insn.Name)
		return sp + 1, true
	case OpSetGlobal:
		t.writeLine("mjit_set_global(%q, stack[%d]);", insn.Name, sp-1)
		return sp - 1, true
	case OpGetInlineCache:
		t.writeLine("if (mjit_ic_hit(cfp, %q)) goto label_%d;", insn.Name, insn.Target)
		return sp, true
	case OpSetInlineCache:
		t.writeLine("mjit_ic_store(cfp, %q, stack[%d]);", insn.Name, sp-1)
		return sp, true

	// --- Method calls ---
	case OpSend, OpOptSendWithoutBlock, OpInvokeSuper:
		return t.emitSend(insn, sp), true
	case OpInvokeBlock:
		argc := int(insn.A)
		base := sp - argc
		t.writeLine("stack[%d] = mjit_invoke_block(ec, cfp, stack + %d, %d);", base, base, argc)
		t.cancelGuard(fmt.Sprintf("stack[%d] == Qundef", base), base)
		return base + 1, true

	// --- Optimized comparisons / arithmetic ---
	case OpOptPlus:
		return t.emitOptBinary("mjit_opt_plus", insn, sp), true
	case OpOptMinus:
		return t.emitOptBinary("mjit_opt_minus", insn, sp), true
	case OpOptMult:
		return t.emitOptBinary("mjit_opt_mult", insn, sp), true
	case OpOptDiv:
		return t.emitOptBinary("mjit_opt_div", insn, sp), true
	case OpOptMod:
		return t.emitOptBinary("mjit_opt_mod", insn, sp), true
	case OpOptEq:
		return t.emitOptBinary("mjit_opt_eq", insn, sp), true
	case OpOptNeq:
		return t.emitOptBinary("mjit_opt_neq", insn, sp), true
	case OpOptLt:
		return t.emitOptBinary("mjit_opt_lt", insn, sp), true
	case OpOptLe:
		return t.emitOptBinary("mjit_opt_le", insn, sp), true
	case OpOptGt:
		return t.emitOptBinary("mjit_opt_gt", insn, sp), true
	case OpOptGe:
		return t.emitOptBinary("mjit_opt_ge", insn, sp), true
	case OpOptLtlt:
		return t.emitOptBinary("mjit_opt_ltlt", insn, sp), true
	case OpOptAref:
		return t.emitOptBinary("mjit_opt_aref", insn, sp), true
	case OpOptRegexpMatch2:
		return t.emitOptBinary("mjit_opt_regexpmatch2", insn, sp), true
	case OpOptAset:
		recv, key, val := sp-3, sp-2, sp-1
		t.writeLine("stack[%d] = mjit_opt_aset(stack[%d], stack[%d], stack[%d]);", recv, recv, key, val)
		t.cancelGuard(fmt.Sprintf("stack[%d] == Qundef", recv), recv)
		return recv + 1, true
	case OpOptArefWith:
		recv := sp - 1
		t.writeLine("stack[%d] = mjit_opt_aref_with(stack[%d], %q);", recv, recv, insn.Name)
		t.cancelGuard(fmt.Sprintf("stack[%d] == Qundef", recv), recv)
		return recv + 1, true
	case OpOptAsetWith:
		recv, val := sp-2, sp-1
		t.writeLine("stack[%d] = mjit_opt_aset_with(stack[%d], %q, stack[%d]);", recv, recv, insn.Name, val)
		t.cancelGuard(fmt.Sprintf("stack[%d] == Qundef", recv), recv)
		return recv + 1, true
	case OpOptLength:
		return t.emitOptUnary("mjit_opt_length", sp), true
	case OpOptSize:
		return t.emitOptUnary("mjit_opt_size", sp), true
	case OpOptEmptyP:
		return t.emitOptUnary("mjit_opt_empty_p", sp), true
	case OpOptSucc:
		return t.emitOptUnary("mjit_opt_succ", sp), true
	case OpOptNot:
		return t.emitOptUnary("mjit_opt_not", sp), true
	case OpOptRegexpMatch1:
		return t.emitOptUnary("mjit_opt_regexpmatch1", sp), true

	// --- Trace / defined / pattern / keyword ---
	case OpTrace:
		t.writeLine("mjit_trace(ec, cfp, (rb_event_flag_t)0x%xUL, Qundef);", insn.A)
		return sp, true
	case OpTrace2:
		t.writeLine("mjit_trace(ec, cfp, (rb_event_flag_t)0x%xUL, stack[%d]);", insn.A, sp-1)
		return sp, true
	case OpDefined:
		t.writeLine("stack[%d] = mjit_defined(ec, cfp, stack[%d]);", sp-1, sp-1)
		return sp, true
	case OpCheckMatch:
		t.writeLine("stack[%d] = mjit_check_match(stack[%d], stack[%d]);", sp-2, sp-2, sp-1)
		return sp - 1, true
	case OpCheckKeyword:
		t.writeLine("stack[%d] = mjit_check_keyword(cfp, %d);", sp, insn.A)
		return sp + 1, true

	// --- Explicitly unsupported ---
	case OpGetBlockParamProxy, OpDefineClass, OpOptCallCFunction:
		t.fail("unsupported instruction %s", insn.Op)
		return 0, false

	default:
		t.fail("unrecognized instruction opcode %d", insn.Op)
		return 0, false
	}
}

// bopGuard returns the BOP-redefinition guard condition for opt_str_freeze
// and opt_str_uminus, which must cancel if the String/Symbol basic
// operation they special-case has been redefined since compile time.
func (t *translator) bopGuard(insn Instruction) string {
	if insn.Call == nil {
		return "0"
	}
	return fmt.Sprintf("mjit_check_invalid_cc(0x%xUL, 0x%xUL)", insn.Call.MethodState, insn.Call.ClassSerial)
}

// emitSend emits the call protocol for send, opt_send_without_block, and
// invokesuper: a call-cache guard, then one of a direct C-method call, an
// inlined fast-path frame push, or a generic dispatcher call, followed by
// the post-call undefined check with a one-shot re-exec retry.
func (t *translator) emitSend(insn Instruction, sp int) int {
	argc := int(insn.A)
	recv := sp - argc - 1
	result := recv

	if insn.Call != nil {
		t.cancelGuard(fmt.Sprintf("mjit_check_invalid_cc(0x%xUL, 0x%xUL)", insn.Call.MethodState, insn.Call.ClassSerial), sp)
	}

	switch {
	case insn.Call != nil && insn.Call.IsCFunc:
		t.writeLine("stack[%d] = mjit_call_cfunc(ec, cfp, %q, stack + %d, %d);", result, insn.Name, recv, argc)
	case insn.Call != nil && insn.Call.FastPath:
		t.writeLine("stack[%d] = mjit_push_inline_frame(ec, cfp, %q, stack + %d, %d);", result, insn.Name, recv, argc)
	default:
		t.writeLine("stack[%d] = mjit_call_general(ec, cfp, %q, stack + %d, %d);", result, insn.Name, recv, argc)
	}
	t.writeLine("if (stack[%d] == Qundef) { stack[%d] = mjit_exec(ec); }", result, result)
	t.cancelGuard(fmt.Sprintf("stack[%d] == Qundef", result), result)
	return result + 1
}

func (t *translator) emitOptBinary(fn string, insn Instruction, sp int) int {
	a, b := sp-2, sp-1
	t.writeLine("stack[%d] = %s(stack[%d], stack[%d]);", a, fn, a, b)
	t.cancelGuard(fmt.Sprintf("stack[%d] == Qundef", a), a)
	return a + 1
}

func (t *translator) emitOptUnary(fn string, sp int) int {
	r := sp - 1
	t.writeLine("stack[%d] = %s(stack[%d]);", r, fn, r)
	t.cancelGuard(fmt.Sprintf("stack[%d] == Qundef", r), r)
	return r + 1
}

