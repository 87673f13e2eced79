package faults

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

var errSample = New(KindState, "invalid_state", "operation not valid for current state")

func TestIs_MatchesDetailedCopy(t *testing.T) {
	detailed := errSample.Withf("escrow %d is %s", 7, "CLOSED")
	assert.True(t, errors.Is(detailed, errSample))
	assert.Contains(t, detailed.Error(), "escrow 7 is CLOSED")
}

func TestIs_ThroughWrapping(t *testing.T) {
	err := fmt.Errorf("complete: %w", errSample)
	assert.True(t, errors.Is(err, errSample))
	assert.Equal(t, KindState, KindOf(err))
	assert.Equal(t, "invalid_state", CodeOf(err))
}

func TestIs_DifferentCodeSameKind(t *testing.T) {
	other := New(KindState, "timeout_not_reached", "timeout not reached")
	assert.False(t, errors.Is(other, errSample))
	assert.True(t, IsKind(other, KindState))
}

func TestWrap_KeepsCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := New(KindEconomic, "transfer_failed", "transfer failed").Wrap(cause)
	assert.True(t, errors.Is(err, cause))
	assert.Equal(t, "transfer failed: connection refused", err.Error())
}

func TestKindOf_PlainError(t *testing.T) {
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
	assert.Equal(t, "internal_error", CodeOf(errors.New("boom")))
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, 409, HTTPStatus(errSample))
	assert.Equal(t, 402, HTTPStatus(New(KindEconomic, "x", "x")))
	assert.Equal(t, 500, HTTPStatus(errors.New("db down")))

	body := Body(errors.New("db down"))
	assert.Equal(t, "internal_error", body["error"])
	assert.Equal(t, "invalid_state", Body(errSample)["error"])
}

func TestParseKind(t *testing.T) {
	for k := KindInternal; k <= KindConfig; k++ {
		assert.Equal(t, k, ParseKind(k.String()))
	}
	assert.Equal(t, KindInternal, ParseKind("bogus"))
}
