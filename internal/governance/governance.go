// Package governance holds configuration values that a single trusted
// principal replaces wholesale.
//
// A Versioned value is read by reference at the start of every operation
// and never mutated field-by-field: Replace swaps the whole value and
// bumps the version, so an in-flight operation keeps the snapshot it read.
package governance

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/escrowd/internal/faults"
)

var (
	ErrNotGovernance = faults.New(faults.KindAuthorization, "only_governance", "caller is not the governance authority")
	ErrInvalidConfig = faults.New(faults.KindConfig, "invalid_config", "configuration rejected")
)

// Validatable is implemented by configuration values that can check
// their own bounds before being installed.
type Validatable interface {
	Validate() error
}

// Snapshot is an immutable view of a configuration value.
type Snapshot[T any] struct {
	Value     T         `json:"value"`
	Version   uint64    `json:"version"`
	UpdatedAt time.Time `json:"updatedAt"`
	UpdatedBy string    `json:"updatedBy"`
}

// ChangeFunc is invoked after a successful replacement.
type ChangeFunc[T any] func(ctx context.Context, prev, next Snapshot[T])

// Versioned guards one configuration value and the identity allowed to
// replace it.
type Versioned[T Validatable] struct {
	current atomic.Pointer[Snapshot[T]]

	mu        sync.Mutex // serialises writers
	authority string
	listeners []ChangeFunc[T]
	now       func() time.Time
}

// NewVersioned validates initial and installs it as version 1.
func NewVersioned[T Validatable](authority string, initial T) (*Versioned[T], error) {
	if err := initial.Validate(); err != nil {
		return nil, err
	}
	v := &Versioned[T]{authority: strings.ToLower(authority), now: time.Now}
	v.current.Store(&Snapshot[T]{Value: initial, Version: 1, UpdatedAt: v.now(), UpdatedBy: "bootstrap"})
	return v, nil
}

// Current returns the snapshot in effect.
func (v *Versioned[T]) Current() Snapshot[T] {
	return *v.current.Load()
}

// Authority returns the identity permitted to call Replace.
func (v *Versioned[T]) Authority() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.authority
}

// OnChange registers fn to observe replacements.
func (v *Versioned[T]) OnChange(fn ChangeFunc[T]) {
	v.mu.Lock()
	v.listeners = append(v.listeners, fn)
	v.mu.Unlock()
}

// Replace installs next as the new configuration. expectVersion guards
// against lost updates; pass 0 to skip the check.
func (v *Versioned[T]) Replace(ctx context.Context, caller string, expectVersion uint64, next T) (Snapshot[T], error) {
	v.mu.Lock()
	if !strings.EqualFold(caller, v.authority) {
		v.mu.Unlock()
		return Snapshot[T]{}, ErrNotGovernance
	}
	if err := next.Validate(); err != nil {
		v.mu.Unlock()
		return Snapshot[T]{}, err
	}
	prev := *v.current.Load()
	if expectVersion != 0 && expectVersion != prev.Version {
		v.mu.Unlock()
		return Snapshot[T]{}, ErrInvalidConfig.Withf("version %d is stale, current is %d", expectVersion, prev.Version)
	}
	snap := &Snapshot[T]{Value: next, Version: prev.Version + 1, UpdatedAt: v.now(), UpdatedBy: strings.ToLower(caller)}
	v.current.Store(snap)
	listeners := append([]ChangeFunc[T](nil), v.listeners...)
	v.mu.Unlock()

	for _, fn := range listeners {
		fn(ctx, prev, *snap)
	}
	return *snap, nil
}

// TransferAuthority hands governance over to a new principal. Only the
// current authority may call it.
func (v *Versioned[T]) TransferAuthority(caller, next string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !strings.EqualFold(caller, v.authority) {
		return ErrNotGovernance
	}
	if strings.TrimSpace(next) == "" {
		return ErrInvalidConfig.Withf("governance address must not be empty")
	}
	v.authority = strings.ToLower(next)
	return nil
}
