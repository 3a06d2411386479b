package backend

import (
	"go.uber.org/zap"

	"github.com/CraneStation/lightbeam/asm/x86"
	"github.com/CraneStation/lightbeam/microwasm"
)

// Session drives the compilation of every function in a module through a
// single shared Assembler, so that a direct call from function A to
// function B - wherever B sits in the compilation order - resolves to a
// real rel32 call at Finalize time instead of needing an indirection
// table. Grounded on the teacher's top-level Module/compiler split: one
// assembler instance threaded through per-function compilation, finalized
// once at the end.
type Session struct {
	asm    *x86.Assembler
	logger *zap.Logger

	funcLabels []x86.Label
	layout     ModuleLayout
}

// NewSession allocates a Session ready to compile funcCount functions.
// Every function's entry label is pre-allocated up front so that call
// sites compiled before their callee (forward calls, and all recursive/
// mutually recursive calls) can reference it immediately. layout locates
// the module's global-value area, linear memory, and call_indirect tables;
// its fields may be left zero/nil for modules that don't use them.
func NewSession(funcCount int, layout ModuleLayout, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	asm := x86.NewAssembler()
	labels := make([]x86.Label, funcCount)
	for i := range labels {
		labels[i] = asm.NewLabel()
	}
	return &Session{asm: asm, logger: logger, funcLabels: labels, layout: layout}
}

// FuncLabel returns function i's entry label, for emitting a direct call to
// it before or after that function itself has been compiled.
func (s *Session) FuncLabel(i int) x86.Label { return s.funcLabels[i] }

// NewContext starts compilation of function funcIndex: binds its entry
// label at the assembler's current position and returns a fresh per-
// function Context ready for Prologue and then a stream of microwasm.Op
// emission. Functions must be compiled in increasing index order, since the
// shared Assembler is one linear instruction stream.
func (s *Session) NewContext(funcIndex int, sig microwasm.FuncSig, numLocals int) *Context {
	s.asm.Bind(s.funcLabels[funcIndex])
	c := newContext(s.asm, sig, numLocals, s.logger)
	c.funcLabels = s.funcLabels
	c.globalsBase = s.layout.GlobalsBase
	c.memoryBase = s.layout.MemoryBase
	c.tables = s.layout.Tables
	return c
}

// Finalize resolves every branch and call emitted across the whole session
// and returns the assembled Module. Call this once, after every function's
// Context has run its Prologue/body/Epilogue sequence to completion.
func (s *Session) Finalize() (*Module, error) {
	if err := s.asm.Finalize(); err != nil {
		return nil, err
	}
	offsets := make([]int, len(s.funcLabels))
	for i, l := range s.funcLabels {
		offsets[i] = s.asm.Offset(l)
	}
	return &Module{code: s.asm.Bytes(), funcOffsets: offsets}, nil
}
