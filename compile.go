package lightbeam

import (
	"io"

	"go.uber.org/zap"

	"github.com/CraneStation/lightbeam/backend"
	"github.com/CraneStation/lightbeam/compileerr"
	"github.com/CraneStation/lightbeam/microwasm"
	"github.com/CraneStation/lightbeam/wa"
)

// Signature, LocalDecl, and Operator are the module's own names for the
// microwasm package's equivalent types (SPEC_FULL.md §6): aliases, not
// copies, so a caller never has to import microwasm directly to implement
// the consumed interfaces below.
type (
	Signature = microwasm.FuncSig
	LocalDecl = microwasm.LocalDecl
	Operator  = microwasm.Operator
)

// ModuleContext answers the signature queries the converter needs to
// assign an accurate stack effect to call/call_indirect/global.get/
// global.set operators. This is the "documented, not implemented by this
// core" collaborator of SPEC_FULL.md §6: a real embedder backs it with its
// module's function/type/global sections; this repo's own tests back it
// with a small in-memory fake.
type ModuleContext interface {
	FuncType(funcIndex uint32) Signature
	TableType(typeIndex uint32) Signature
	GlobalType(globalIndex uint32) wa.T
}

// OperatorSource yields one function body: its local declarations followed
// by a forward-only operator stream, io.EOF-shaped per SPEC_FULL.md §6
// (NextOperator returns io.EOF, not a sentinel ok flag, once the body's
// final implicit end has been consumed) — the external-facing mirror of
// microwasm.Source, which uses an ok-bool shape internally instead.
type OperatorSource interface {
	Locals() ([]LocalDecl, error)
	NextOperator() (Operator, error)
}

// sourceAdapter bridges the public, io.EOF-shaped OperatorSource to
// microwasm.Source's ok-bool shape, the one translation this package
// exists to perform before handing a function body to the converter.
type sourceAdapter struct{ src OperatorSource }

func (s sourceAdapter) Locals() ([]LocalDecl, error) { return s.src.Locals() }

func (s sourceAdapter) NextOperator() (Operator, bool, error) {
	op, err := s.src.NextOperator()
	if err == io.EOF {
		return Operator{}, false, nil
	}
	if err != nil {
		return Operator{}, false, err
	}
	return op, true, nil
}

// FuncDecl names one function to compile: its signature and the operator
// source that streams its body. Index is implicit — FuncDecl's position in
// the slice passed to Compile is the function's index, the same index
// call/call_indirect target.
type FuncDecl struct {
	Sig  Signature
	Body OperatorSource
}

// Compile lowers every function in funcs into one backend.Module via the
// microwasm→backend pipeline (SPEC_FULL.md §2), one function at a time:
// convert its body to flattened Ops, emit each Op through a fresh
// backend.Context, bind its entry label. mc resolves call/call_indirect/
// global signatures and may be nil for a module that uses none of those
// operators (every method is only called lazily, while converting an
// operator that needs it). layout supplies the runtime addresses Load/
// Store/GetGlobal/SetGlobal/CallIndirect address into; its zero value is
// valid for a module that never uses them. The returned Module's code is
// not yet executable — call its Mmap method before taking any FuncPtr.
func Compile(funcs []FuncDecl, mc ModuleContext, layout backend.ModuleLayout, logger *zap.Logger) (*backend.Module, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	funcSig := func(i uint32) microwasm.FuncSig { return microwasm.FuncSig{} }
	tableSig := func(i uint32) microwasm.FuncSig { return microwasm.FuncSig{} }
	globalType := func(i uint32) wa.T { return wa.I32 }
	if mc != nil {
		funcSig = mc.FuncType
		tableSig = mc.TableType
		globalType = mc.GlobalType
	}

	sess := backend.NewSession(len(funcs), layout, logger)

	for i, fd := range funcs {
		conv, err := microwasm.NewConverter(sourceAdapter{fd.Body}, fd.Sig, funcSig, tableSig, globalType, logger)
		if err != nil {
			return nil, compileerr.Parse(err)
		}

		ctx := sess.NewContext(i, fd.Sig, conv.NumLocals())
		ctx.Prologue(fd.Sig.Params)

		for conv.Next() {
			for _, op := range conv.Batch() {
				if err := ctx.Emit(op); err != nil {
					return nil, err
				}
			}
		}
		if err := conv.Err(); err != nil {
			return nil, compileerr.Parse(err)
		}

		logger.Debug("compiled function", zap.Int("index", i), zap.Int("locals", conv.NumLocals()))
	}

	return sess.Finalize()
}
