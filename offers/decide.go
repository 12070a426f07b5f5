package offers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"valyra/ledger"
	"valyra/records"
	"valyra/txflow"
)

// Outcome is the result of a confirmed accept, reject or cancel.
type Outcome struct {
	txflow.Result
	// EscrowID is the escrow opened by an acceptance, nil otherwise.
	EscrowID *big.Int
	// SyncErr is set when the off-chain record could not be updated. It wraps
	// errs.ErrSyncDivergence; the chain result stands.
	SyncErr error
}

// Diverged reports whether the off-chain record lags the chain.
func (o Outcome) Diverged() bool { return o.SyncErr != nil }

// Accept accepts offer on-chain and opens its escrow sealed with method.
func (e *Engine) Accept(ctx context.Context, offer records.Offer, method ledger.EncryptionMethod) (Outcome, error) {
	return e.decide(ctx, offer, "accept", func(id *big.Int) ledger.Call { return ledger.AcceptOffer(id, method) })
}

// Reject rejects offer and refunds the buyer's earnest deposit.
func (e *Engine) Reject(ctx context.Context, offer records.Offer) (Outcome, error) {
	return e.decide(ctx, offer, "reject", ledger.RejectOffer)
}

// Cancel withdraws the account's own pending offer.
func (e *Engine) Cancel(ctx context.Context, offer records.Offer) (Outcome, error) {
	return e.decide(ctx, offer, "cancel", ledger.CancelOffer)
}

func (e *Engine) decide(ctx context.Context, offer records.Offer, action string, build func(*big.Int) ledger.Call) (Outcome, error) {
	offerID, ok := offer.ChainOfferID()
	if !ok {
		return Outcome{}, fmt.Errorf("%w: %s", ErrNotOnChain, offer.ID)
	}
	if err := e.ensureSession(ctx); err != nil {
		return Outcome{}, err
	}
	key := "decide/" + offerID.String()
	if _, err := e.acquire(key); err != nil {
		return Outcome{}, err
	}
	defer e.release(key, nil)

	res, err := txflow.Execute(ctx, e.ledger, build(offerID), e.flowOpts...)
	if err != nil {
		return Outcome{}, err
	}
	out := Outcome{Result: res}
	if action == "accept" {
		if id, ok := ledger.EscrowIDFromLogs(res.Receipt.Logs); ok {
			out.EscrowID = id
		}
	}
	if e.syncer != nil {
		out.SyncErr = e.syncer.Sync(ctx, records.SyncTask{
			Address: e.account.Hex(),
			OfferID: offer.ID,
			Action:  action,
			TxHash:  res.Receipt.TxHash.Hex(),
		})
	}
	e.logger.Info("offer decided",
		slog.String("offer_id", offer.ID),
		slog.String("action", action),
		slog.String("tx", res.Receipt.TxHash.Hex()),
		slog.Bool("diverged", out.Diverged()))
	return out, nil
}

// MergedStatus is an offer's status after reconciling both stores.
type MergedStatus struct {
	Status   string
	Chain    *ledger.Offer
	Diverged bool
}

// Status reconciles the off-chain status with the chain. When both exist and
// disagree the chain wins.
func (e *Engine) Status(ctx context.Context, offer records.Offer) (MergedStatus, error) {
	merged := MergedStatus{Status: offer.NormalizedStatus()}
	offerID, ok := offer.ChainOfferID()
	if !ok {
		return merged, nil
	}
	chain, err := e.ledger.Offer(ctx, offerID)
	if errors.Is(err, ledger.ErrNotFound) {
		return merged, nil
	}
	if err != nil {
		return merged, fmt.Errorf("offers: read offer %s: %w", offerID, err)
	}
	merged.Chain = chain
	if status := chain.Status.RecordStatus(); status != merged.Status {
		merged.Status = status
		merged.Diverged = true
	}
	return merged, nil
}
