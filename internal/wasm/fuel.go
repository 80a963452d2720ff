package wasm

import "context"

// FuelTank is the per-invocation cooperative execution budget. Engines
// decrement it at calls and backward branches only (straight-line code is
// not charged) and trap with ErrRuntimeFuelExhausted once it reaches zero. The
// zero value (Enabled false) means unmetered execution.
type FuelTank struct {
	Remaining int64
	Enabled   bool
}

// Consume deducts n units, reporting false once the tank runs dry.
func (t *FuelTank) Consume(n int64) bool {
	if !t.Enabled {
		return true
	}
	t.Remaining -= n
	return t.Remaining >= 0
}

// InvokeState is the per-invocation bookkeeping shared by every frame in a
// call chain regardless of which tier executes it: the current call depth
// (guarded against the store's ceiling before any transfer of control) and
// the fuel tank.
type InvokeState struct {
	Depth int
	Fuel  *FuelTank
}

type invokeStateKey struct{}

// EnsureInvokeState returns ctx's InvokeState, attaching a fresh one (and
// adopting any fuel budget already on the context) on the first call of an
// invocation.
func EnsureInvokeState(ctx context.Context) (context.Context, *InvokeState) {
	if st, ok := ctx.Value(invokeStateKey{}).(*InvokeState); ok {
		return ctx, st
	}
	st := &InvokeState{Fuel: FuelFrom(ctx)}
	return context.WithValue(ctx, invokeStateKey{}, st), st
}

type fuelKey struct{}

// ContextWithFuel returns a context carrying a fuel budget of n units that
// every invoke through it shares. Passing the returned context to multiple
// calls meters them against the same tank.
func ContextWithFuel(ctx context.Context, n uint64) context.Context {
	return context.WithValue(ctx, fuelKey{}, &FuelTank{Remaining: int64(n), Enabled: true})
}

// FuelFrom extracts the context's fuel tank, or an unmetered one.
func FuelFrom(ctx context.Context) *FuelTank {
	if t, ok := ctx.Value(fuelKey{}).(*FuelTank); ok {
		return t
	}
	return &FuelTank{}
}
