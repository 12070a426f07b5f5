// Package ledger is the client's view of the escrow contract and its payment
// token. Writes are only observed through receipts.
package ledger

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"

	"valyra/errs"
)

// ErrNotFound is returned by reads for records the contract does not know.
var ErrNotFound = errors.New("ledger: record not found")

// Reader exposes the contract views the escrow flows depend on.
type Reader interface {
	EscrowAddress() common.Address
	HasActiveOffer(ctx context.Context, listingID *big.Int, buyer common.Address) (bool, error)
	Offer(ctx context.Context, offerID *big.Int) (*Offer, error)
	Escrow(ctx context.Context, escrowID *big.Int) (*Escrow, error)
	TransitionHold(ctx context.Context, escrowID *big.Int) (*TransitionHold, error)
	Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error)
}

// Writer simulates and broadcasts calls from the connected account. Neither
// method waits for inclusion; observe results through a ReceiptSource.
type Writer interface {
	// Simulate dry-runs call against the latest state and returns a
	// *errs.RevertError when it would revert.
	Simulate(ctx context.Context, call Call) error
	// Submit signs and broadcasts call and returns its transaction hash.
	Submit(ctx context.Context, call Call) (common.Hash, error)
}

// ReceiptSource reports the current inclusion status of a transaction. It must
// return a ReceiptPending receipt, not an error, for unknown hashes.
type ReceiptSource interface {
	Receipt(ctx context.Context, hash common.Hash) (Receipt, error)
}

// Ledger is the full surface used by the escrow flows.
type Ledger interface {
	Reader
	Writer
	ReceiptSource
}

// ReceiptStatus is the typed outcome of waiting on a transaction.
type ReceiptStatus uint8

const (
	ReceiptPending ReceiptStatus = iota
	ReceiptConfirmed
	ReceiptReverted
)

func (s ReceiptStatus) String() string {
	switch s {
	case ReceiptConfirmed:
		return "confirmed"
	case ReceiptReverted:
		return "reverted"
	default:
		return "pending"
	}
}

// Receipt is the observed state of a transaction.
type Receipt struct {
	TxHash      common.Hash
	Status      ReceiptStatus
	BlockNumber uint64
	Reason      string
	Logs        []*gethtypes.Log
}

// Err converts a reverted receipt into a *errs.RevertError.
func (r Receipt) Err(action string) error {
	if r.Status != ReceiptReverted {
		return nil
	}
	return &errs.RevertError{Action: action, TxHash: r.TxHash.Hex(), Reason: r.Reason}
}
