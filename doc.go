// Package lightbeam is a streaming, single-pass JIT compiler that
// translates a stack-based WebAssembly-like bytecode into native x86-64
// (SysV AMD64) machine code. It has two coupled stages: microwasm
// (package microwasm) flattens structured control flow into a labeled,
// flat operator stream; backend (package backend) walks that stream once,
// placing operands lazily onto an abstract operand stack backed by a
// small on-the-fly register allocator, and emits machine code as it goes.
// Neither stage looks ahead or revisits earlier output — the design
// trades peephole/global optimization for translation speed and a small,
// auditable implementation.
//
// Compile, in compile.go, is the package's only public entry point: it
// drives both stages over a whole module's worth of function bodies and
// returns one assembled backend.Module.
package lightbeam
