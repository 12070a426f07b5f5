package txflow

import (
	"context"
	"math/big"

	"valyra/ledger"
)

// WithSimulation dry-runs the gated action before broadcasting it.
func WithSimulation() Option {
	return func(c *Coordinator) { c.flow.Simulate = true }
}

// Execute submits a single call with no allowance step and waits for its
// receipt. Errors carry errs.Progress like any other flow.
func Execute(ctx context.Context, l ledger.Ledger, call ledger.Call, opts ...Option) (Result, error) {
	c, err := New(l, Flow{
		Name:   call.Method,
		Action: func(*big.Int) (ledger.Call, error) { return call, nil },
	}, opts...)
	if err != nil {
		return Result{}, err
	}
	c.mu.Lock()
	c.step = StepAct
	c.amount = new(big.Int)
	c.required = new(big.Int)
	c.mu.Unlock()
	return c.Act(ctx)
}
