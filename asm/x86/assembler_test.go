package x86

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CraneStation/lightbeam/reg"
)

func TestMovRRREXByteOnlyWhenNeeded(t *testing.T) {
	a := NewAssembler()
	a.MovRR(W32, reg.RAX, reg.RCX)
	// mov eax, ecx: no REX needed (neither register is r8-r15).
	assert.Equal(t, []byte{0x89, 0xC8}, a.Bytes())

	a2 := NewAssembler()
	a2.MovRR(W64, reg.R8, reg.R9)
	// mov r8, r9: REX.W + REX.R(dst=r/m here is r8, src=reg field r9) set.
	require.Len(t, a2.Bytes(), 3)
	assert.Equal(t, byte(0x89), a2.Bytes()[1])
}

func TestMovImmShortFormForSmallValues(t *testing.T) {
	a := NewAssembler()
	a.MovImm(W32, reg.RAX, 42)
	// mov eax, imm32 via the C7 /0 form.
	assert.Equal(t, byte(0xC7), a.Bytes()[0])
	assert.Len(t, a.Bytes(), 6)
}

func TestMovImm64UsesFullImmediateForLargeValues(t *testing.T) {
	a := NewAssembler()
	a.MovImm(W64, reg.RAX, 0x1122334455667788)
	require.Len(t, a.Bytes(), 10) // REX.W + B8 + 8-byte imm
	assert.Equal(t, byte(0xB8), a.Bytes()[1])
}

func TestPushPopRoundTrip(t *testing.T) {
	a := NewAssembler()
	a.Push(reg.RBX)
	a.Pop(reg.RBX)
	assert.Equal(t, []byte{0x53, 0x5B}, a.Bytes())
}

func TestAddRRAndAddImm(t *testing.T) {
	a := NewAssembler()
	a.AddRR(W32, reg.RAX, reg.RCX)
	assert.Equal(t, []byte{0x01, 0xC8}, a.Bytes())

	a2 := NewAssembler()
	a2.AddImm(W32, reg.RAX, 7)
	assert.Equal(t, byte(0x81), a2.Bytes()[0])
}

func TestUd2IsTwoBytes(t *testing.T) {
	a := NewAssembler()
	a.Ud2()
	assert.Equal(t, []byte{0x0F, 0x0B}, a.Bytes())
}

func TestLabelForwardReferencePatchedAtFinalize(t *testing.T) {
	a := NewAssembler()
	l := a.NewLabel()
	a.JmpLabel(l) // forward reference: l isn't bound yet
	a.Nop()
	a.Nop()
	a.Bind(l)

	require.NoError(t, a.Finalize())

	code := a.Bytes()
	require.Equal(t, byte(0xE9), code[0])
	rel := int32(code[1]) | int32(code[2])<<8 | int32(code[3])<<16 | int32(code[4])<<24
	assert.Equal(t, int32(2), rel, "two one-byte nops sit between the jmp and its target")
}

func TestUnresolvedLabelFailsFinalize(t *testing.T) {
	a := NewAssembler()
	l := a.NewLabel()
	a.JmpLabel(l)
	assert.Error(t, a.Finalize())
}

func TestDoubleBindPanics(t *testing.T) {
	a := NewAssembler()
	l := a.NewLabel()
	a.Bind(l)
	assert.Panics(t, func() { a.Bind(l) })
}

func TestCallLabelBackwardReference(t *testing.T) {
	a := NewAssembler()
	l := a.NewLabel()
	a.Bind(l) // backward reference: l bound before the call site
	a.Nop()
	callSite := a.Len()
	a.CallLabel(l)

	require.NoError(t, a.Finalize())

	code := a.Bytes()
	require.Equal(t, byte(0xE8), code[callSite])
	instrEnd := callSite + 5
	rel := int32(code[callSite+1]) | int32(code[callSite+2])<<8 | int32(code[callSite+3])<<16 | int32(code[callSite+4])<<24
	assert.Equal(t, int32(0-instrEnd), rel)
}
