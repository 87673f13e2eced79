package units

import (
	"errors"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var twoTo256 = new(big.Int).Lsh(big.NewInt(1), 256)

func TestMulBps(t *testing.T) {
	fee, err := MulBps(One, 250)
	require.NoError(t, err)
	assert.Equal(t, "0.025", Format(fee))

	top := new(big.Int).Sub(twoTo256, big.NewInt(1))
	_, err = MulBps(top, 2)
	assert.True(t, errors.Is(err, ErrOverflow))
}

func TestAddSub(t *testing.T) {
	sum, err := Sum(MustParse("0.025"), MustParse("0.975"))
	require.NoError(t, err)
	assert.Equal(t, 0, sum.Cmp(One))

	_, err = Sub(MustParse("0.1"), MustParse("0.2"))
	assert.ErrorIs(t, err, ErrUnderflow)

	top := new(big.Int).Sub(twoTo256, big.NewInt(1))
	_, err = Add(top, big.NewInt(1))
	assert.ErrorIs(t, err, ErrOverflow)

	_, err = Add(twoTo256, big.NewInt(0))
	assert.ErrorIs(t, err, ErrOverflow)
}

func TestClamp(t *testing.T) {
	lo, hi := MustParse("0.001"), MustParse("1")
	assert.Equal(t, "0.001", Format(Clamp(big.NewInt(5), lo, hi)))
	assert.Equal(t, "1", Format(Clamp(MustParse("3"), lo, hi)))
	assert.Equal(t, "0.5", Format(Clamp(MustParse("0.5"), lo, hi)))
	assert.Equal(t, "3", Format(Clamp(MustParse("3"), nil, nil)))
}
