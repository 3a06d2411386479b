package microwasm

import "github.com/CraneStation/lightbeam/wa"

// Operator is one decoded structured-WASM instruction as produced by the
// external bytecode parser (SPEC_FULL.md §6 OperatorSource). It is a single
// flat struct rather than one type per opcode - matching the teacher's own
// `code.go`, which dispatches on an opcode string read off the wire - so the
// converter's switch can pattern-match on Code without a type assertion per
// case.
type Operator struct {
	Code string // e.g. "block", "br_if", "i32.add", "local.get", "i32.load"

	BlockType wa.T // "block"/"loop"/"if": Void or the single result type

	RelativeDepth uint32   // "br"/"br_if": frames to unwind, 0 = innermost
	TargetDepths  []uint32 // "br_table": relative depths indexed by the table key
	DefaultDepth  uint32   // "br_table": depth used when the key is out of range

	LocalIndex  uint32 // "local.get"/"local.set"/"local.tee"
	GlobalIndex uint32 // "global.get"/"global.set"
	FuncIndex   uint32 // "call"
	TableIndex  uint32 // "call_indirect"
	TypeIndex   uint32 // "call_indirect": signature to validate against

	MemOffset uint32 // loads/stores: static byte offset
	MemAlign  uint32 // loads/stores: declared alignment (log2 bytes)

	Imm wa.Value // "*.const"
}

// LocalDecl declares a contiguous run of locals sharing a type, matching
// WASM's run-length local encoding (SPEC_FULL.md §6 OperatorSource.Locals).
type LocalDecl struct {
	Count uint32
	Type  wa.T
}

// Source is the streaming input a Converter pulls structured operators
// from. Implementations read straight off the wire; NextOperator reports
// ok=false with a nil error once the function body is exhausted. The body's
// own closing `end` is not passed through: the converter closes the
// function frame itself when it sees ok=false.
type Source interface {
	Locals() ([]LocalDecl, error)
	NextOperator() (Operator, bool, error) // ok=false at end of body, no error
}
