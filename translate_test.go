package mjit

import (
	"strings"
	"testing"
)

func mustTranslate(t *testing.T, body *Body) string {
	t.Helper()
	var buf strings.Builder
	ok, reason := Translate(&buf, body, "testfunc")
	if !ok {
		t.Fatalf("Translate failed unexpectedly: %s", reason)
	}
	return buf.String()
}

func TestTranslateEmptyInstructionStream(t *testing.T) {
	var buf strings.Builder
	ok, reason := Translate(&buf, &Body{}, "testfunc")
	if ok {
		t.Fatal("Translate should fail on an empty instruction stream")
	}
	if reason != "empty instruction stream" {
		t.Errorf("reason = %q, want %q", reason, "empty instruction stream")
	}
	if buf.Len() != 0 {
		t.Error("Translate must not write anything to w on failure")
	}
}

func TestTranslatePutnilLeave(t *testing.T) {
	body := &Body{
		StackMax: 1,
		Instructions: []Instruction{
			{Op: OpPutNil},
			{Op: OpLeave},
		},
	}
	out := mustTranslate(t, body)

	for _, want := range []string{
		"VALUE testfunc(void *ec, void *cfp) {",
		"VALUE stack[1];",
		"label_0:",
		"label_1:",
		"return stack[0];",
		"cancel:",
		"mjit_cfp_sp_advance(cfp, mjit_stack_top);",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("generated code missing %q\n---\n%s", want, out)
		}
	}
}

func TestTranslateLeaveWrongStackSizeFails(t *testing.T) {
	body := &Body{
		StackMax:     1,
		Instructions: []Instruction{{Op: OpLeave}},
	}
	var buf strings.Builder
	ok, reason := Translate(&buf, body, "testfunc")
	if ok {
		t.Fatal("leave at stack_size 0 must fail")
	}
	if !strings.Contains(reason, "leave") {
		t.Errorf("reason = %q, want it to mention leave", reason)
	}
}

func TestTranslateStackMaxZeroRejectsPush(t *testing.T) {
	body := &Body{
		StackMax: 0,
		Instructions: []Instruction{
			{Op: OpPutNil},
			{Op: OpLeave},
		},
	}
	var buf strings.Builder
	ok, reason := Translate(&buf, body, "testfunc")
	if ok {
		t.Fatal("a push beyond stack_max must fail compilation")
	}
	if !strings.Contains(reason, "exceeds stack_max") {
		t.Errorf("reason = %q, want it to mention exceeding stack_max", reason)
	}
}

func TestTranslateUnderflowFails(t *testing.T) {
	body := &Body{
		StackMax: 1,
		Instructions: []Instruction{
			{Op: OpPop},
			{Op: OpLeave},
		},
	}
	var buf strings.Builder
	ok, reason := Translate(&buf, body, "testfunc")
	if ok {
		t.Fatal("popping an empty simulated stack must fail compilation")
	}
	if !strings.Contains(reason, "underflow") {
		t.Errorf("reason = %q, want it to mention underflow", reason)
	}
}

func TestTranslateUnsupportedOpcodeFails(t *testing.T) {
	body := &Body{
		StackMax:     0,
		Instructions: []Instruction{{Op: OpDefineClass}},
	}
	var buf strings.Builder
	ok, reason := Translate(&buf, body, "testfunc")
	if ok {
		t.Fatal("an explicitly unsupported opcode must fail compilation")
	}
	if !strings.Contains(reason, "unsupported instruction") {
		t.Errorf("reason = %q, want it to mention the unsupported instruction", reason)
	}
}

func TestTranslateJumpSkipsDeadCode(t *testing.T) {
	body := &Body{
		StackMax: 1,
		Instructions: []Instruction{
			{Op: OpJump, Target: 2}, // 0
			{Op: OpPutNil},          // 1: dead, never reached
			{Op: OpPutObject},       // 2
			{Op: OpLeave},           // 3
		},
	}
	out := mustTranslate(t, body)
	if strings.Contains(out, "label_1:") {
		t.Error("jump target's skipped instruction must not be compiled")
	}
	if !strings.Contains(out, "label_2:") || !strings.Contains(out, "label_3:") {
		t.Error("both the jump target and its successor must be compiled")
	}
}

func TestTranslateBranchRecursesIntoUncompiledTarget(t *testing.T) {
	body := &Body{
		StackMax: 1,
		Instructions: []Instruction{
			{Op: OpPutObject},              // 0: push condition
			{Op: OpBranchIf, Target: 4},    // 1
			{Op: OpPutObject},              // 2: fallthrough arm
			{Op: OpThrow},                  // 3
			{Op: OpPutObject},              // 4: taken arm, reached only via recursion
			{Op: OpThrow},                  // 5
		},
	}
	out := mustTranslate(t, body)

	if !strings.Contains(out, "if (mjit_truthy(stack[0])) { RUBY_VM_CHECK_INTS(ec); goto label_4; }") {
		t.Errorf("missing branch condition/goto in generated code:\n%s", out)
	}
	for _, label := range []string{"label_0:", "label_1:", "label_2:", "label_3:", "label_4:", "label_5:"} {
		if !strings.Contains(out, label) {
			t.Errorf("missing %s: both branch arms must be compiled\n%s", label, out)
		}
	}
	if strings.Count(out, "mjit_throw") != 2 {
		t.Errorf("expected both arms' throw to be emitted exactly once each, got code:\n%s", out)
	}
}

func TestTranslateCheckIntsOnTakenEdges(t *testing.T) {
	jumpBody := &Body{
		StackMax: 1,
		Instructions: []Instruction{
			{Op: OpJump, Target: 2},
			{Op: OpPutNil},
			{Op: OpPutObject},
			{Op: OpLeave},
		},
	}
	out := mustTranslate(t, jumpBody)
	if !strings.Contains(out, "RUBY_VM_CHECK_INTS(ec);") {
		t.Errorf("jump must poll for interrupts on its taken edge:\n%s", out)
	}

	branchBody := &Body{
		StackMax: 1,
		Instructions: []Instruction{
			{Op: OpPutObject},           // 0: push condition
			{Op: OpBranchIf, Target: 4}, // 1
			{Op: OpPutObject},           // 2: fallthrough arm
			{Op: OpThrow},               // 3
			{Op: OpPutObject},           // 4: taken arm
			{Op: OpLeave},               // 5
		},
	}
	out = mustTranslate(t, branchBody)
	if !strings.Contains(out, "if (mjit_truthy(stack[0])) { RUBY_VM_CHECK_INTS(ec); goto label_4; }") {
		t.Errorf("branchif must poll for interrupts before its taken goto:\n%s", out)
	}
}

func TestTranslateOptArgPrologueDispatch(t *testing.T) {
	body := &Body{
		StackMax: 1,
		Params: ParamDesc{
			HasOpt:   true,
			OptTable: []OptEntry{{PC: 2}, {PC: 4}},
		},
		Instructions: []Instruction{
			{Op: OpPutNil}, // 0
			{Op: OpPop},    // 1
			{Op: OpPutNil}, // 2: first opt entry
			{Op: OpPop},    // 3
			{Op: OpPutNil}, // 4: second opt entry
			{Op: OpLeave},  // 5
		},
	}
	out := mustTranslate(t, body)

	for _, want := range []string{
		"switch (mjit_opt_pc_offset(cfp)) {",
		"case 0: goto label_2;",
		"case 1: goto label_4;",
		"default: goto label_2;",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing opt-arg dispatch %q\n%s", want, out)
		}
	}
}

func TestTranslateSendEmitsCallCacheGuardAndDispatch(t *testing.T) {
	body := &Body{
		StackMax: 2,
		Instructions: []Instruction{
			{Op: OpPutSelf},
			{Op: OpPutObject},
			{
				Op:   OpSend,
				Name: "foo",
				A:    1,
				Call: &CallCache{MethodState: 1, ClassSerial: 2, IsCFunc: true},
			},
			{Op: OpLeave},
		},
	}
	out := mustTranslate(t, body)

	for _, want := range []string{
		"mjit_check_invalid_cc(0x1UL, 0x2UL)",
		`mjit_call_cfunc(ec, cfp, "foo"`,
		"goto cancel;",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in send translation\n%s", want, out)
		}
	}
}

func TestTranslateOptBinaryCancelsOnUndefined(t *testing.T) {
	body := &Body{
		StackMax: 2,
		Instructions: []Instruction{
			{Op: OpPutObject},
			{Op: OpPutObject},
			{Op: OpOptPlus},
			{Op: OpLeave},
		},
	}
	out := mustTranslate(t, body)
	if !strings.Contains(out, "mjit_opt_plus(stack[0], stack[1])") {
		t.Errorf("missing opt_plus call\n%s", out)
	}
	if !strings.Contains(out, "stack[0] == Qundef") {
		t.Error("opt_plus result must be guarded against Qundef before continuing")
	}
}

func TestEmitPrologueOmitsStackArrayWhenStackMaxZero(t *testing.T) {
	tr := &translator{body: &Body{StackMax: 0}, funcname: "f", compiled: make(map[int]bool), success: true}
	tr.emitPrologue()
	if strings.Contains(tr.out.String(), "VALUE stack[") {
		t.Error("a body with stack_max 0 must not declare a stack array")
	}
}

func TestEmitPrologueDeclaresStackArrayWhenPositive(t *testing.T) {
	tr := &translator{body: &Body{StackMax: 3}, funcname: "f", compiled: make(map[int]bool), success: true}
	tr.emitPrologue()
	if !strings.Contains(tr.out.String(), "VALUE stack[3];") {
		t.Error("a body with a positive stack_max must declare a sized stack array")
	}
}
