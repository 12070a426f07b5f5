package offers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"valyra/amount"
	"valyra/errs"
	"valyra/ledger"
	"valyra/records"
	"valyra/txflow"
)

// Redirect targets once a flow confirms.
const (
	OffersPath     = "/app/offers"
	escrowPathBase = "/app/escrow/"
)

// EscrowPath is the detail page for an escrow.
func EscrowPath(id string) string { return escrowPathBase + id }

// SubmitRequest describes a new offer.
type SubmitRequest struct {
	ListingID        string
	ListingOnChainID *big.Int
	Amount           *big.Int
}

// SubmitResult is a confirmed offer submission.
type SubmitResult struct {
	txflow.Result
	// OfferID is the on-chain id from the OfferMade event, nil if absent.
	OfferID *big.Int
	Earnest *big.Int
	Status  string
}

// Submit places an offer of req.Amount. An active offer by the same buyer on
// the listing fails with errs.ErrDuplicateOffer before any transaction is
// built. The buyer approves the full amount; the contract locks the earnest
// deposit.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return SubmitResult{}, txflow.ErrInvalidAmount
	}
	if req.ListingOnChainID == nil || req.ListingOnChainID.Sign() <= 0 {
		return SubmitResult{}, fmt.Errorf("offers: listing %s has no on-chain id", req.ListingID)
	}
	earnest, err := amount.Earnest(req.Amount)
	if err != nil {
		return SubmitResult{}, err
	}
	if err := e.ensureSession(ctx); err != nil {
		return SubmitResult{}, err
	}

	key := "offer/" + req.ListingOnChainID.String() + "/" + strings.ToLower(e.account.Hex())
	resumed, err := e.acquire(key)
	if errors.Is(err, ErrInFlight) {
		return SubmitResult{}, fmt.Errorf("%w: listing %s", errs.ErrDuplicateOffer, req.ListingOnChainID)
	}
	if err != nil {
		return SubmitResult{}, err
	}
	var coord *txflow.Coordinator
	defer func() { e.release(key, coord) }()

	if resumed != nil {
		coord = resumed
	} else {
		active, err := e.ledger.HasActiveOffer(ctx, req.ListingOnChainID, e.account)
		if err != nil {
			return SubmitResult{}, fmt.Errorf("offers: check active offer: %w", err)
		}
		if active {
			return SubmitResult{}, fmt.Errorf("%w: listing %s", errs.ErrDuplicateOffer, req.ListingOnChainID)
		}
		listingID := new(big.Int).Set(req.ListingOnChainID)
		coord, err = txflow.New(e.ledger, txflow.Flow{
			Name:  "makeOffer",
			Owner: e.account,
			Action: func(v *big.Int) (ledger.Call, error) {
				return ledger.MakeOffer(listingID, v), nil
			},
			Redirect: OffersPath,
		}, e.flowOpts...)
		if err != nil {
			return SubmitResult{}, err
		}
	}

	res, err := coord.Run(ctx, req.Amount)
	if err != nil {
		return SubmitResult{}, err
	}
	out := SubmitResult{Result: res, Earnest: earnest, Status: records.OfferPending}
	if id, ok := ledger.OfferIDFromLogs(res.Receipt.Logs); ok {
		out.OfferID = id
	}
	e.logger.Info("offer submitted",
		slog.String("listing_id", req.ListingID),
		slog.String("amount", amount.Format(req.Amount)),
		slog.String("earnest", amount.Format(earnest)),
		slog.String("tx", res.Receipt.TxHash.Hex()))
	return out, nil
}

// CompleteFunding pays what is still owed on an accepted offer: the offer
// amount minus the earnest deposit already escrowed. The call is simulated
// before broadcast so a revert reason surfaces without spending gas.
func (e *Engine) CompleteFunding(ctx context.Context, offer records.Offer) (txflow.Result, error) {
	escrowID, ok := offer.ChainEscrowID()
	if !ok {
		return txflow.Result{}, fmt.Errorf("%w: offer %s has no escrow", ErrNotFundable, offer.ID)
	}
	merged, err := e.Status(ctx, offer)
	if err != nil {
		return txflow.Result{}, err
	}
	if merged.Status != records.OfferAccepted {
		return txflow.Result{}, fmt.Errorf("%w: offer %s is %s", ErrNotFundable, offer.ID, merged.Status)
	}
	total, paid, err := fundingTerms(offer, merged.Chain)
	if err != nil {
		return txflow.Result{}, err
	}
	owed, err := amount.Remainder(total, paid)
	if err != nil {
		return txflow.Result{}, err
	}
	if owed.Sign() == 0 {
		return txflow.Result{}, fmt.Errorf("%w: nothing owed on offer %s", ErrNotFundable, offer.ID)
	}
	if err := e.ensureSession(ctx); err != nil {
		return txflow.Result{}, err
	}

	key := "fund/" + escrowID.String()
	resumed, err := e.acquire(key)
	if err != nil {
		return txflow.Result{}, err
	}
	var coord *txflow.Coordinator
	defer func() { e.release(key, coord) }()

	redirect := escrowID.String()
	if offer.EscrowID != nil && strings.TrimSpace(*offer.EscrowID) != "" {
		redirect = strings.TrimSpace(*offer.EscrowID)
	}
	coord = resumed
	if coord == nil {
		opts := append(append([]txflow.Option(nil), e.flowOpts...), txflow.WithSimulation())
		coord, err = txflow.New(e.ledger, txflow.Flow{
			Name:  "completeFunding",
			Owner: e.account,
			Action: func(*big.Int) (ledger.Call, error) {
				return ledger.CompleteFunding(escrowID), nil
			},
			Redirect: EscrowPath(redirect),
		}, opts...)
		if err != nil {
			return txflow.Result{}, err
		}
	}
	res, err := coord.Run(ctx, owed)
	if err != nil {
		return txflow.Result{}, err
	}
	e.logger.Info("escrow funded",
		slog.String("offer_id", offer.ID),
		slog.String("escrow_id", escrowID.String()),
		slog.String("owed", amount.Format(owed)),
		slog.String("tx", res.Receipt.TxHash.Hex()))
	return res, nil
}

// fundingTerms prefers the chain's amounts and falls back to the record's.
func fundingTerms(offer records.Offer, chain *ledger.Offer) (*big.Int, *big.Int, error) {
	if chain != nil && chain.Amount != nil && chain.Deposit != nil && chain.Amount.Sign() > 0 {
		return chain.Amount, chain.Deposit, nil
	}
	total, err := offer.AmountUnits()
	if err != nil {
		return nil, nil, err
	}
	paid, err := offer.EarnestUnits()
	if err != nil {
		return nil, nil, err
	}
	if paid.Sign() == 0 {
		if paid, err = amount.Earnest(total); err != nil {
			return nil, nil, err
		}
	}
	return total, paid, nil
}

// BuyResult is a confirmed direct purchase.
type BuyResult struct {
	txflow.Result
	EscrowID *big.Int
}

// Buy purchases an active listing at its asking price.
func (e *Engine) Buy(ctx context.Context, listing records.Listing) (BuyResult, error) {
	if !strings.EqualFold(strings.TrimSpace(listing.Status), records.ListingActive) {
		return BuyResult{}, fmt.Errorf("%w: listing %s is %s", ErrListingUnavailable, listing.ID, listing.Status)
	}
	if listing.OnChainID == nil || *listing.OnChainID <= 0 {
		return BuyResult{}, fmt.Errorf("%w: listing %s has no on-chain id", ErrListingUnavailable, listing.ID)
	}
	price, err := listing.PriceUnits()
	if err != nil {
		return BuyResult{}, err
	}
	if price.Sign() <= 0 {
		return BuyResult{}, txflow.ErrInvalidAmount
	}
	if err := e.ensureSession(ctx); err != nil {
		return BuyResult{}, err
	}

	listingID := big.NewInt(*listing.OnChainID)
	key := "buy/" + listingID.String()
	resumed, err := e.acquire(key)
	if err != nil {
		return BuyResult{}, err
	}
	var coord *txflow.Coordinator
	defer func() { e.release(key, coord) }()

	coord = resumed
	if coord == nil {
		coord, err = txflow.New(e.ledger, txflow.Flow{
			Name:  "depositFunds",
			Owner: e.account,
			Action: func(v *big.Int) (ledger.Call, error) {
				return ledger.DepositFunds(listingID, v, ledger.EncryptionECIESWallet), nil
			},
		}, e.flowOpts...)
		if err != nil {
			return BuyResult{}, err
		}
	}
	res, err := coord.Run(ctx, price)
	if err != nil {
		return BuyResult{}, err
	}
	out := BuyResult{Result: res}
	if id, ok := ledger.EscrowIDFromLogs(res.Receipt.Logs); ok {
		out.EscrowID = id
		out.Redirect = EscrowPath(id.String())
	}
	e.logger.Info("listing purchased",
		slog.String("listing_id", listing.ID),
		slog.String("price", amount.Format(price)),
		slog.String("tx", res.Receipt.TxHash.Hex()))
	return out, nil
}
