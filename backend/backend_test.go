package backend

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CraneStation/lightbeam/microwasm"
	"github.com/CraneStation/lightbeam/wa"
)

// fakeSource replays a fixed list of operators, mirroring microwasm's own
// test fixture (converter_test.go) one layer up: here it feeds a whole
// function body through a real Context, not just the converter.
type fakeSource struct {
	locals []microwasm.LocalDecl
	ops    []microwasm.Operator
	pos    int
}

func (s *fakeSource) Locals() ([]microwasm.LocalDecl, error) { return s.locals, nil }

func (s *fakeSource) NextOperator() (microwasm.Operator, bool, error) {
	if s.pos >= len(s.ops) {
		return microwasm.Operator{}, false, nil
	}
	op := s.ops[s.pos]
	s.pos++
	return op, true, nil
}

func totalLocals(decls []microwasm.LocalDecl) int {
	n := 0
	for _, d := range decls {
		n += int(d.Count)
	}
	return n
}

// compileFunc drives one function body's Operators through a Converter and
// a fresh Context exactly the way an embedder would: Prologue, every
// converted Op in order, and Epilogue (triggered by the converter's own
// synthesized KEnd once the fakeSource runs dry).
func compileFunc(t *testing.T, sess *Session, funcIndex int, sig microwasm.FuncSig, locals []microwasm.LocalDecl, ops []microwasm.Operator, funcSig, tableSig func(uint32) microwasm.FuncSig) {
	t.Helper()
	src := &fakeSource{locals: locals, ops: ops}
	conv, err := microwasm.NewConverter(src, sig, funcSig, tableSig, nil, nil)
	require.NoError(t, err)

	numLocals := len(sig.Params) + totalLocals(locals)
	ctx := sess.NewContext(funcIndex, sig, numLocals)
	ctx.Prologue(sig.Params)
	for conv.Next() {
		for _, op := range conv.Batch() {
			require.NoError(t, ctx.Emit(op))
		}
	}
	require.NoError(t, conv.Err())
}

func constOp(v wa.Value) microwasm.Operator {
	return microwasm.Operator{Code: v.Type.String() + ".const", Imm: v}
}

func TestCompileAddFunction(t *testing.T) {
	// (func (param i32 i32) (result i32) local.get 0 local.get 1 i32.add)
	sess := NewSession(1, ModuleLayout{}, nil)
	sig := microwasm.FuncSig{Params: []wa.T{wa.I32, wa.I32}, Result: wa.I32}
	ops := []microwasm.Operator{
		{Code: "local.get", LocalIndex: 0},
		{Code: "local.get", LocalIndex: 1},
		{Code: "i32.add"},
	}
	compileFunc(t, sess, 0, sig, nil, ops, nil, nil)

	mod, err := sess.Finalize()
	require.NoError(t, err)
	assert.Equal(t, 1, mod.NumFuncs())
	assert.Equal(t, 0, mod.FuncOffset(0))
	// No trap stub is ever referenced by a straight-line add, so the
	// function's own ret is the last byte of the module.
	code := mod.Code()
	require.NotEmpty(t, code)
	assert.Equal(t, byte(0xC3), code[len(code)-1])
}

func TestCompileEqComparison(t *testing.T) {
	// (func (param i32 i32) (result i32) local.get 0 local.get 1 i32.eq)
	sess := NewSession(1, ModuleLayout{}, nil)
	sig := microwasm.FuncSig{Params: []wa.T{wa.I32, wa.I32}, Result: wa.I32}
	ops := []microwasm.Operator{
		{Code: "local.get", LocalIndex: 0},
		{Code: "local.get", LocalIndex: 1},
		{Code: "i32.eq"},
	}
	compileFunc(t, sess, 0, sig, nil, ops, nil, nil)

	_, err := sess.Finalize()
	require.NoError(t, err)
}

func TestCompileIfElse(t *testing.T) {
	// (func (param i32) (result i32)
	//   local.get 0 i32.eqz
	//   if (result i32) i32.const 10 else i32.const 20 end)
	sess := NewSession(1, ModuleLayout{}, nil)
	sig := microwasm.FuncSig{Params: []wa.T{wa.I32}, Result: wa.I32}
	ops := []microwasm.Operator{
		{Code: "local.get", LocalIndex: 0},
		{Code: "i32.eqz"},
		{Code: "if", BlockType: wa.I32},
		constOp(wa.I32Value(10)),
		{Code: "else"},
		constOp(wa.I32Value(20)),
		{Code: "end"},
	}
	compileFunc(t, sess, 0, sig, nil, ops, nil, nil)

	mod, err := sess.Finalize()
	require.NoError(t, err)
	assert.NotEmpty(t, mod.Code())
}

func TestCompileCallWithSevenArgs(t *testing.T) {
	// Seven i32 parameters forces one argument onto the caller's outgoing
	// stack (funcAbiArgRegs only covers six), exercising pushStackArgs.
	calleeSig := microwasm.FuncSig{
		Params: []wa.T{wa.I32, wa.I32, wa.I32, wa.I32, wa.I32, wa.I32, wa.I32},
		Result: wa.I32,
	}
	callerSig := microwasm.FuncSig{Result: wa.I32}
	funcSig := func(i uint32) microwasm.FuncSig { return calleeSig }

	sess := NewSession(2, ModuleLayout{}, nil)

	calleeOps := []microwasm.Operator{
		{Code: "local.get", LocalIndex: 0},
		{Code: "local.get", LocalIndex: 6},
		{Code: "i32.add"},
	}
	compileFunc(t, sess, 0, calleeSig, nil, calleeOps, nil, nil)

	callerOps := []microwasm.Operator{
		constOp(wa.I32Value(1)),
		constOp(wa.I32Value(2)),
		constOp(wa.I32Value(3)),
		constOp(wa.I32Value(4)),
		constOp(wa.I32Value(5)),
		constOp(wa.I32Value(6)),
		constOp(wa.I32Value(7)),
		{Code: "call", FuncIndex: 0},
	}
	compileFunc(t, sess, 1, callerSig, nil, callerOps, funcSig, nil)

	mod, err := sess.Finalize()
	require.NoError(t, err)
	assert.Equal(t, 2, mod.NumFuncs())
}

func TestCompileRecursiveFib(t *testing.T) {
	// (func $fib (param i32) (result i32)
	//   local.get 0 i32.const 2 i32.lt_s
	//   if (result i32)
	//     local.get 0
	//   else
	//     local.get 0 i32.const 1 i32.sub call $fib
	//     local.get 0 i32.const 2 i32.sub call $fib
	//     i32.add
	//   end)
	sig := microwasm.FuncSig{Params: []wa.T{wa.I32}, Result: wa.I32}
	funcSig := func(i uint32) microwasm.FuncSig { return sig }

	sess := NewSession(1, ModuleLayout{}, nil)
	ops := []microwasm.Operator{
		{Code: "local.get", LocalIndex: 0},
		constOp(wa.I32Value(2)),
		{Code: "i32.lt_s"},
		{Code: "if", BlockType: wa.I32},
		{Code: "local.get", LocalIndex: 0},
		{Code: "else"},
		{Code: "local.get", LocalIndex: 0},
		constOp(wa.I32Value(1)),
		{Code: "i32.sub"},
		{Code: "call", FuncIndex: 0},
		{Code: "local.get", LocalIndex: 0},
		constOp(wa.I32Value(2)),
		{Code: "i32.sub"},
		{Code: "call", FuncIndex: 0},
		{Code: "i32.add"},
		{Code: "end"},
	}
	compileFunc(t, sess, 0, sig, nil, ops, funcSig, nil)

	mod, err := sess.Finalize()
	require.NoError(t, err)
	assert.Equal(t, 1, mod.NumFuncs())
}

func TestCompileFunctionWithOnlyEnd(t *testing.T) {
	// (func) - an empty void function: Prologue straight into the implicit
	// KEnd the converter synthesizes once the (empty) operator stream is
	// exhausted.
	sess := NewSession(1, ModuleLayout{}, nil)
	sig := microwasm.FuncSig{}
	compileFunc(t, sess, 0, sig, nil, nil, nil, nil)

	mod, err := sess.Finalize()
	require.NoError(t, err)
	code := mod.Code()
	// push rbp; mov rbp, rsp; sub rsp, imm32; mov rsp, rbp; pop rbp; ret
	assert.Equal(t, byte(0x55), code[0]) // push rbp
	assert.Equal(t, byte(0xC3), code[len(code)-1])
}

func TestCompileLoadStoreRoundTrip(t *testing.T) {
	// (func (param i32) store i32 42 at the address in local 0, then load it back)
	sess := NewSession(1, ModuleLayout{MemoryBase: 0x1000}, nil)
	sig := microwasm.FuncSig{Params: []wa.T{wa.I32}, Result: wa.I32}
	ops := []microwasm.Operator{
		{Code: "local.get", LocalIndex: 0},
		constOp(wa.I32Value(42)),
		{Code: "i32.store", MemOffset: 0},
		{Code: "local.get", LocalIndex: 0},
		{Code: "i32.load", MemOffset: 0},
	}
	compileFunc(t, sess, 0, sig, nil, ops, nil, nil)

	_, err := sess.Finalize()
	require.NoError(t, err)
}

func TestCompileGlobalGetSet(t *testing.T) {
	sess := NewSession(1, ModuleLayout{GlobalsBase: 0x2000}, nil)
	sig := microwasm.FuncSig{Result: wa.I32}
	globalType := func(uint32) wa.T { return wa.I32 }
	ops := []microwasm.Operator{
		constOp(wa.I32Value(7)),
		{Code: "global.set", GlobalIndex: 0},
		{Code: "global.get", GlobalIndex: 0},
	}
	src := &fakeSource{ops: ops}
	conv, err := microwasm.NewConverter(src, sig, nil, nil, globalType, nil)
	require.NoError(t, err)
	ctx := sess.NewContext(0, sig, 0)
	ctx.Prologue(sig.Params)
	for conv.Next() {
		for _, op := range conv.Batch() {
			require.NoError(t, ctx.Emit(op))
		}
	}
	require.NoError(t, conv.Err())

	_, err = sess.Finalize()
	require.NoError(t, err)
}

// mmapAndCall Finalizes sess, maps the result executable, and returns
// function i's callable entry point. t.Cleanup unmaps it, so callers never
// need their own defer.
func mmapAndCall(t *testing.T, sess *Session, i int) unsafe.Pointer {
	t.Helper()
	mod, err := sess.Finalize()
	require.NoError(t, err)
	require.NoError(t, mod.Mmap())
	t.Cleanup(func() { _ = mod.Unmap() })
	ptr, err := mod.FuncPtr(i)
	require.NoError(t, err)
	return ptr
}

// These scenarios actually run the emitted machine code (via the cgo
// trampoline in exec_test.go) and check computed results, rather than only
// asserting the compile step produced bytes: SPEC_FULL.md §8's
// compile_then_run scenarios are behavioral, and a bug that leaves the
// bytes non-empty but wrong (a corrupted register alias, an unreconciled
// branch join) is exactly what NotEmpty/NoError alone can't catch.

func TestCompileAddFunctionExecutesCorrectly(t *testing.T) {
	sess := NewSession(1, ModuleLayout{}, nil)
	sig := microwasm.FuncSig{Params: []wa.T{wa.I32, wa.I32}, Result: wa.I32}
	ops := []microwasm.Operator{
		{Code: "local.get", LocalIndex: 0},
		{Code: "local.get", LocalIndex: 1},
		{Code: "i32.add"},
	}
	compileFunc(t, sess, 0, sig, nil, ops, nil, nil)

	fn := mmapAndCall(t, sess, 0)
	assert.Equal(t, int64(8), callFunc2(fn, 5, 3))
	assert.Equal(t, int64(0), callFunc2(fn, -7, 7))
}

// TestCompileCompareDoesNotCorruptAliasedLocal exercises exactly the
// corruption an emitCompare that shares its left operand's register (rather
// than taking an exclusive copy) would cause: local 0 is used once as a
// compare operand and again immediately afterward, so if SetCC overwrote it
// in place, the second read would see the boolean result instead of the
// local's real value.
func TestCompileCompareDoesNotCorruptAliasedLocal(t *testing.T) {
	sess := NewSession(1, ModuleLayout{}, nil)
	sig := microwasm.FuncSig{Params: []wa.T{wa.I32, wa.I32}, Result: wa.I32}
	ops := []microwasm.Operator{
		{Code: "local.get", LocalIndex: 0},
		{Code: "local.get", LocalIndex: 1},
		{Code: "i32.lt_s"},
		{Code: "local.get", LocalIndex: 0},
		{Code: "i32.add"},
	}
	compileFunc(t, sess, 0, sig, nil, ops, nil, nil)

	fn := mmapAndCall(t, sess, 0)
	// lt_s(5, 3) = 0, plus local 0 (5) = 5.
	assert.Equal(t, int64(5), callFunc2(fn, 5, 3))
	// lt_s(2, 10) = 1, plus local 0 (2) = 3.
	assert.Equal(t, int64(3), callFunc2(fn, 2, 10))
}

// TestCompileIfElseJoinReconciliationExecutesCorrectly is SPEC_FULL.md §8
// scenario 4: the then-arm's result (a Pick of local 0, landing in
// whatever register already holds the argument) and the else-arm's result
// (a fresh constant, landing in a newly allocated register) must both end
// up readable the same way after the join, regardless of which arm ran.
func TestCompileIfElseJoinReconciliationExecutesCorrectly(t *testing.T) {
	sess := NewSession(1, ModuleLayout{}, nil)
	sig := microwasm.FuncSig{Params: []wa.T{wa.I32}, Result: wa.I32}
	ops := []microwasm.Operator{
		{Code: "local.get", LocalIndex: 0},
		{Code: "i32.eqz"},
		{Code: "if", BlockType: wa.I32},
		{Code: "local.get", LocalIndex: 0},
		{Code: "else"},
		constOp(wa.I32Value(99)),
		{Code: "end"},
	}
	compileFunc(t, sess, 0, sig, nil, ops, nil, nil)

	fn := mmapAndCall(t, sess, 0)
	assert.Equal(t, int64(0), callFunc1(fn, 0))
	assert.Equal(t, int64(99), callFunc1(fn, 5))
}

func TestCompileRecursiveFibExecutesCorrectly(t *testing.T) {
	sig := microwasm.FuncSig{Params: []wa.T{wa.I32}, Result: wa.I32}
	funcSig := func(i uint32) microwasm.FuncSig { return sig }

	sess := NewSession(1, ModuleLayout{}, nil)
	ops := []microwasm.Operator{
		{Code: "local.get", LocalIndex: 0},
		constOp(wa.I32Value(2)),
		{Code: "i32.lt_s"},
		{Code: "if", BlockType: wa.I32},
		{Code: "local.get", LocalIndex: 0},
		{Code: "else"},
		{Code: "local.get", LocalIndex: 0},
		constOp(wa.I32Value(1)),
		{Code: "i32.sub"},
		{Code: "call", FuncIndex: 0},
		{Code: "local.get", LocalIndex: 0},
		constOp(wa.I32Value(2)),
		{Code: "i32.sub"},
		{Code: "call", FuncIndex: 0},
		{Code: "i32.add"},
		{Code: "end"},
	}
	compileFunc(t, sess, 0, sig, nil, ops, funcSig, nil)

	fn := mmapAndCall(t, sess, 0)
	want := []int64{0, 1, 1, 2, 3, 5, 8, 13, 21, 34, 55}
	for n, w := range want {
		assert.Equal(t, w, callFunc1(fn, int64(n)), "fib(%d)", n)
	}
}

func TestCompileDivSWithZeroGuardCompiles(t *testing.T) {
	// i32.div_s always emits the zero-divisor guard ahead of idiv,
	// regardless of whether the divisor happens to be a runtime-known
	// constant; this just checks the sequence compiles without the
	// backend mistaking the trap-stub jump for a real operand.
	sess := NewSession(1, ModuleLayout{}, nil)
	sig := microwasm.FuncSig{Params: []wa.T{wa.I32, wa.I32}, Result: wa.I32}
	ops := []microwasm.Operator{
		{Code: "local.get", LocalIndex: 0},
		{Code: "local.get", LocalIndex: 1},
		{Code: "i32.div_s"},
	}
	compileFunc(t, sess, 0, sig, nil, ops, nil, nil)

	mod, err := sess.Finalize()
	require.NoError(t, err)
	assert.NotEmpty(t, mod.Code())
}
