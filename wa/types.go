// Package wa defines the signless value type system shared by the microwasm
// and backend packages.
package wa

import "fmt"

// Category distinguishes the register class a type needs.
type Category int

const (
	Int Category = iota
	Float
)

// Size is the width of a type's machine representation.
type Size int

const (
	Size32 Size = 32
	Size64 Size = 64
)

// T is a signless value type. The zero value, Void, means "no value" and
// flows through the same code paths as concrete types so that expressions
// with no result don't need a separate nilable type.
type T struct {
	id byte
}

var (
	Void = T{0}
	I32  = T{1}
	I64  = T{2}
	F32  = T{3}
	F64  = T{4}
)

// ByString maps the textual type names used by WAT-style opcode prefixes
// (e.g. "i32.add") to their T value.
var ByString = map[string]T{
	"i32": I32,
	"i64": I64,
	"f32": F32,
	"f64": F64,
}

func (t T) String() string {
	switch t {
	case Void:
		return "void"
	case I32:
		return "i32"
	case I64:
		return "i64"
	case F32:
		return "f32"
	case F64:
		return "f64"
	default:
		return "?"
	}
}

func (t T) Category() Category {
	switch t {
	case I32, I64:
		return Int
	case F32, F64:
		return Float
	default:
		panic(fmt.Errorf("wa: %s has no register category", t))
	}
}

func (t T) Size() Size {
	switch t {
	case I32, F32:
		return Size32
	case I64, F64:
		return Size64
	default:
		panic(fmt.Errorf("wa: %s has no size", t))
	}
}

// Signedness layers onto an integer T for operations whose behavior depends
// on it: division, remainder, ordered comparison, right shift, and
// sign-extending loads.
type Signedness int

const (
	Signed Signedness = iota
	Unsigned
)

func (s Signedness) String() string {
	if s == Signed {
		return "s"
	}
	return "u"
}

// SignfulInt pairs an integer T with a Signedness.
type SignfulInt struct {
	Type       T
	Signedness Signedness
}

func (si SignfulInt) String() string {
	return fmt.Sprintf("%s/%s", si.Type, si.Signedness)
}
