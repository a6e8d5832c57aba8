//go:build unix

package hosted

import (
	"testing"

	"github.com/ZenLiuCN/fn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZenLiuCN/kload"
)

func TestPhysMemFirstFit(t *testing.T) {
	p := fn.Panic1(NewPhysMem(8))
	defer fn.IgnoreClose(p)

	a := fn.Panic1(p.AllocPages(2))
	b := fn.Panic1(p.AllocPages(3))
	c := fn.Panic1(p.AllocPages(1))
	assert.Equal(t, PhysBase, a)
	assert.Equal(t, PhysBase+2*kload.PageSize, b)
	assert.Equal(t, PhysBase+5*kload.PageSize, c)
	assert.Equal(t, 6, p.Used())

	require.NoError(t, p.FreePages(a, 2))
	_, err := p.AllocPages(3)
	require.ErrorIs(t, err, ErrOutOfFrames)
	d := fn.Panic1(p.AllocPages(2))
	assert.Equal(t, a, d, "the first hole is reused")
	e := fn.Panic1(p.AllocPages(2))
	assert.Equal(t, PhysBase+6*kload.PageSize, e)
	assert.Equal(t, p.Frames(), p.Used())
}

func TestPhysMemFreeChecks(t *testing.T) {
	p := fn.Panic1(NewPhysMem(4))
	defer fn.IgnoreClose(p)
	a := fn.Panic1(p.AllocPages(1))
	assert.Error(t, p.FreePages(a+1, 1), "unaligned")
	assert.Error(t, p.FreePages(a, 2), "second frame not allocated")
	assert.Error(t, p.FreePages(a, 9), "out of range")
	assert.Error(t, p.FreePages(0x1000, 1), "below the arena")
	require.NoError(t, p.FreePages(a, 1))
	assert.Error(t, p.FreePages(a, 1), "double free")
	_, err := p.AllocPages(0)
	assert.Error(t, err)
}

func TestPhysMemBytes(t *testing.T) {
	p := fn.Panic1(NewPhysMem(2))
	defer fn.IgnoreClose(p)
	b := fn.Panic1(p.Bytes(PhysBase+kload.PageSize, 16))
	b[0] = 0x5a
	again := fn.Panic1(p.Bytes(PhysBase+kload.PageSize, 1))
	assert.Equal(t, byte(0x5a), again[0])
	_, err := p.Bytes(PhysBase+kload.PageSize, kload.PageSize+1)
	assert.Error(t, err)
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
}
