package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"valyra/errs"
)

// Waiter polls a ReceiptSource until a transaction leaves the pending state.
type Waiter struct {
	source    ReceiptSource
	interval  time.Duration
	maxErrors int
	sleep     func(context.Context, time.Duration) error
	logger    *slog.Logger
}

// WaiterOption customises a Waiter.
type WaiterOption func(*Waiter)

// WithPollInterval sets the delay between receipt lookups.
func WithPollInterval(d time.Duration) WaiterOption {
	return func(w *Waiter) { w.interval = d }
}

// WithMaxErrors bounds consecutive lookup failures before giving up.
func WithMaxErrors(n int) WaiterOption {
	return func(w *Waiter) { w.maxErrors = n }
}

// WithSleep replaces the delay function. Tests use it to skip real time.
func WithSleep(fn func(context.Context, time.Duration) error) WaiterOption {
	return func(w *Waiter) { w.sleep = fn }
}

// WithWaiterLogger sets the logger used for transient lookup failures.
func WithWaiterLogger(logger *slog.Logger) WaiterOption {
	return func(w *Waiter) { w.logger = logger }
}

// NewWaiter constructs a waiter over source.
func NewWaiter(source ReceiptSource, opts ...WaiterOption) *Waiter {
	w := &Waiter{
		source:    source,
		interval:  2 * time.Second,
		maxErrors: 5,
		sleep:     sleepContext,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.sleep == nil {
		w.sleep = sleepContext
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	return w
}

// Wait blocks until hash is confirmed or reverted. A reverted receipt is
// returned with a nil error; use Receipt.Err to surface it. If ctx ends or the
// source keeps failing, the error wraps errs.ErrAwaitingReceipt because the
// transaction may still land.
func (w *Waiter) Wait(ctx context.Context, hash common.Hash) (Receipt, error) {
	failures := 0
	for {
		receipt, err := w.source.Receipt(ctx, hash)
		switch {
		case err != nil:
			failures++
			w.logger.Warn("receipt lookup failed",
				slog.String("tx", hash.Hex()),
				slog.Int("attempt", failures),
				slog.Any("error", err))
			if w.maxErrors > 0 && failures >= w.maxErrors {
				return Receipt{TxHash: hash}, fmt.Errorf("%w: %s: %v", errs.ErrAwaitingReceipt, hash.Hex(), err)
			}
		case receipt.Status != ReceiptPending:
			receipt.TxHash = hash
			return receipt, nil
		default:
			failures = 0
		}
		if err := w.sleep(ctx, w.interval); err != nil {
			return Receipt{TxHash: hash, Status: ReceiptPending}, fmt.Errorf("%w: %s", errs.ErrAwaitingReceipt, hash.Hex())
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
