package backend

// TableMeta describes one call_indirect table's runtime location: Base
// points at a contiguous array of 16-byte entries (an 8-byte signature
// hash followed by an 8-byte absolute function pointer), Length is the
// element count used for the bounds check. Populating and maintaining this
// array at the advertised layout is the embedder's responsibility (the
// module-loading/linking collaborator SPEC_FULL.md §6 documents but leaves
// unimplemented); the backend only needs to know where to read from.
type TableMeta struct {
	Base   uintptr
	Length uint32
}

// tableEntrySize is the byte size of one TableMeta entry: an 8-byte
// signature hash plus an 8-byte absolute function pointer.
const tableEntrySize = 16

// ModuleLayout locates the module-wide collaborators GetGlobal/SetGlobal,
// Load/Store, and CallIndirect address into: the embedder (SPEC_FULL.md
// §6's documented-not-implemented ModuleContext) is responsible for
// allocating and populating these regions before compiled code runs.
// Every field is safe to leave zero/nil for a module that never uses the
// corresponding operator.
type ModuleLayout struct {
	GlobalsBase uintptr
	MemoryBase  uintptr
	Tables      []TableMeta
}
