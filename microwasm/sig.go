package microwasm

import "github.com/CraneStation/lightbeam/wa"

// Sig describes the stack effect of a single Op: the types it pops (in
// bottom-to-top order, closest to the top last) and the types it pushes.
// Grounded on the Rust original's `struct OpSig` and its
// `From<&wasmparser::FuncType>` conversion, generalized here to cover
// control operators as well as value operators.
type Sig struct {
	Pop  []wa.T
	Push []wa.T
}

// FuncSig is a function signature: parameter types plus at most one result
// (SPEC_FULL.md's Open Question decision rules out multi-value returns).
type FuncSig struct {
	Params []wa.T
	Result wa.T // wa.Void if the function returns nothing
}

func (s FuncSig) HasResult() bool { return s.Result != wa.Void }

func nullary() Sig                    { return Sig{} }
func unarySig(t wa.T) Sig             { return Sig{Pop: []wa.T{t}, Push: []wa.T{t}} }
func binarySig(t wa.T) Sig            { return Sig{Pop: []wa.T{t, t}, Push: []wa.T{t}} }
func compareSig(t wa.T) Sig           { return Sig{Pop: []wa.T{t, t}, Push: []wa.T{wa.I32}} }
func loadSig(result wa.T) Sig         { return Sig{Pop: []wa.T{wa.I32}, Push: []wa.T{result}} }
func storeSig(operand wa.T) Sig       { return Sig{Pop: []wa.T{wa.I32, operand}} }
func convertSig(from, to wa.T) Sig    { return Sig{Pop: []wa.T{from}, Push: []wa.T{to}} }
func pushSig(t wa.T) Sig              { return Sig{Push: []wa.T{t}} }
