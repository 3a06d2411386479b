package reg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPoolExcludesStackAndFramePointer(t *testing.T) {
	p := NewPool()
	assert.False(t, p.IsFree(RSP))
	assert.False(t, p.IsFree(RBP))
	assert.True(t, p.IsFree(RAX))
	assert.True(t, p.IsFree(R15))
	assert.Equal(t, 14, p.FreeCount())
}

func TestTakeReturnsLowestFreeRegister(t *testing.T) {
	p := NewPool()
	r := p.Take()
	assert.Equal(t, RAX, r)
	assert.False(t, p.IsFree(RAX))
	assert.Equal(t, 13, p.FreeCount())
}

func TestTakeThenReleaseRoundTrips(t *testing.T) {
	p := NewPool()
	r := p.Take()
	p.Release(r)
	assert.True(t, p.IsFree(r))
	assert.Equal(t, 14, p.FreeCount())
}

func TestTryTakeExhaustion(t *testing.T) {
	p := NewPool()
	taken := make([]R, 0, 14)
	for i := 0; i < 14; i++ {
		r, ok := p.TryTake()
		require.True(t, ok)
		taken = append(taken, r)
	}
	_, ok := p.TryTake()
	assert.False(t, ok, "pool should be exhausted after taking every non-reserved register")

	for _, r := range taken {
		p.Release(r)
	}
	assert.Equal(t, 14, p.FreeCount())
}

func TestReserveSpecificRegister(t *testing.T) {
	p := NewPool()
	p.Reserve(RDI)
	assert.False(t, p.IsFree(RDI))
	assert.Panics(t, func() { p.Reserve(RDI) }, "reserving an already-taken register is a programmer error")
}

func TestReleaseAlreadyFreePanics(t *testing.T) {
	p := NewPool()
	assert.Panics(t, func() { p.Release(RAX) }, "double release must panic rather than corrupt the bitmask")
}

func TestSnapshotRestore(t *testing.T) {
	p := NewPool()
	snap := p.Snapshot()
	p.Take()
	p.Take()
	assert.Equal(t, 12, p.FreeCount())
	p.Restore(snap)
	assert.Equal(t, 14, p.FreeCount())
}

func TestRegisterEncodingHelpers(t *testing.T) {
	assert.False(t, RAX.Ext())
	assert.True(t, R8.Ext())
	assert.Equal(t, uint8(0), RAX.Low3())
	assert.Equal(t, uint8(0), R8.Low3())
	assert.Equal(t, "rdi", RDI.String())
}
