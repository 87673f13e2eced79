package governance

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type limits struct {
	Min, Max int
	Paused   bool
}

func (l limits) Validate() error {
	if l.Min > l.Max {
		return ErrInvalidConfig.Withf("min %d exceeds max %d", l.Min, l.Max)
	}
	return nil
}

const gov = "0xGovernance"

func TestNewVersioned_RejectsInvalid(t *testing.T) {
	_, err := NewVersioned(gov, limits{Min: 5, Max: 1})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestReplace_Wholesale(t *testing.T) {
	v, err := NewVersioned(gov, limits{Min: 1, Max: 10})
	require.NoError(t, err)

	before := v.Current()
	snap, err := v.Replace(context.Background(), "0xgovernance", 1, limits{Min: 2, Max: 20, Paused: true})
	require.NoError(t, err)

	assert.Equal(t, uint64(2), snap.Version)
	assert.Equal(t, limits{Min: 2, Max: 20, Paused: true}, v.Current().Value)
	// The earlier snapshot is unaffected.
	assert.Equal(t, limits{Min: 1, Max: 10}, before.Value)
}

func TestReplace_OnlyGovernance(t *testing.T) {
	v, _ := NewVersioned(gov, limits{Min: 1, Max: 10})
	_, err := v.Replace(context.Background(), "0xintruder", 0, limits{Min: 1, Max: 2})
	assert.True(t, errors.Is(err, ErrNotGovernance))
	assert.Equal(t, uint64(1), v.Current().Version)
}

func TestReplace_StaleVersion(t *testing.T) {
	v, _ := NewVersioned(gov, limits{Min: 1, Max: 10})
	_, err := v.Replace(context.Background(), gov, 1, limits{Min: 1, Max: 11})
	require.NoError(t, err)
	_, err = v.Replace(context.Background(), gov, 1, limits{Min: 1, Max: 12})
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.Equal(t, 11, v.Current().Value.Max)
}

func TestReplace_InvalidLeavesCurrent(t *testing.T) {
	v, _ := NewVersioned(gov, limits{Min: 1, Max: 10})
	_, err := v.Replace(context.Background(), gov, 0, limits{Min: 9, Max: 3})
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.Equal(t, 10, v.Current().Value.Max)
}

func TestOnChange(t *testing.T) {
	v, _ := NewVersioned(gov, limits{Min: 1, Max: 10})
	var seen []uint64
	v.OnChange(func(_ context.Context, prev, next Snapshot[limits]) {
		seen = append(seen, prev.Version, next.Version)
	})
	_, err := v.Replace(context.Background(), gov, 0, limits{Min: 1, Max: 3})
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2}, seen)
}

func TestTransferAuthority(t *testing.T) {
	v, _ := NewVersioned(gov, limits{Min: 1, Max: 10})
	require.NoError(t, v.TransferAuthority(gov, "0xNewGov"))

	_, err := v.Replace(context.Background(), gov, 0, limits{Min: 1, Max: 3})
	assert.ErrorIs(t, err, ErrNotGovernance)

	_, err = v.Replace(context.Background(), "0xnewgov", 0, limits{Min: 1, Max: 3})
	assert.NoError(t, err)

	assert.ErrorIs(t, v.TransferAuthority(gov, "0xOther"), ErrNotGovernance)
}
