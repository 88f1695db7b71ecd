package ipalloc

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocateFirstFree(t *testing.T) {
	p, err := New("10.10.0.0/24", "10.10.0.1")
	require.NoError(t, err)

	addr, err := p.Allocate(nil)
	require.NoError(t, err)
	assert.Equal(t, "10.10.0.2", addr)

	addr, err = p.Allocate([]string{"10.10.0.2", "10.10.0.3", "10.10.0.4"})
	require.NoError(t, err)
	assert.Equal(t, "10.10.0.5", addr)
}

func TestAllocateSkipsGaps(t *testing.T) {
	p, err := New("10.10.0.0/24", "10.10.0.1")
	require.NoError(t, err)

	addr, err := p.Allocate([]string{"10.10.0.2", "10.10.0.4"})
	require.NoError(t, err)
	assert.Equal(t, "10.10.0.3", addr)
}

func TestAllocateNeverReturnsReserved(t *testing.T) {
	p, err := New("10.10.0.0/24", "10.10.0.1")
	require.NoError(t, err)

	used := make([]string, 0, 253)
	for i := 2; i <= 253; i++ {
		used = append(used, fmt.Sprintf("10.10.0.%d", i))
	}
	addr, err := p.Allocate(used)
	require.NoError(t, err)
	assert.Equal(t, "10.10.0.254", addr)

	_, err = p.Allocate(append(used, "10.10.0.254"))
	assert.ErrorIs(t, err, ErrExhausted)
}

func TestValidate(t *testing.T) {
	p, err := New("10.10.0.0/24", "10.10.0.1")
	require.NoError(t, err)

	assert.True(t, p.Validate("10.10.0.2"))
	assert.True(t, p.Validate("10.10.0.254"))
	assert.False(t, p.Validate("10.10.0.0"), "network address")
	assert.False(t, p.Validate("10.10.0.1"), "gateway")
	assert.False(t, p.Validate("10.10.0.255"), "broadcast")
	assert.False(t, p.Validate("10.10.1.5"), "wrong prefix")
	assert.False(t, p.Validate("10.10.0"), "not four octets")
	assert.False(t, p.Validate("not-an-ip"))
}

func TestNewRejectsBadInput(t *testing.T) {
	_, err := New("bogus", "10.10.0.1")
	assert.Error(t, err)

	_, err = New("10.10.0.0/24", "10.20.0.1")
	assert.Error(t, err)

	_, err = New("fd00::/64", "fd00::1")
	assert.Error(t, err)
}
