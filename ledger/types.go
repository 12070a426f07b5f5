package ledger

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// EscrowState mirrors the escrow contract's ordered state enum.
type EscrowState uint8

const (
	StateCreated EscrowState = iota
	StateFunded
	StateDelivered
	StateConfirmed
	StateTransition
	StateDisputed
	StateResolved
	StateCompleted
	StateRefunded
	StateExpired
	StateEmergency
)

var escrowStateNames = [...]string{
	"created",
	"funded",
	"delivered",
	"confirmed",
	"transition",
	"disputed",
	"resolved",
	"completed",
	"refunded",
	"expired",
	"emergency",
}

// String returns the lowercase name used by the off-chain store.
func (s EscrowState) String() string {
	if int(s) < len(escrowStateNames) {
		return escrowStateNames[s]
	}
	return fmt.Sprintf("unknown(%d)", uint8(s))
}

// Known reports whether the value is part of the contract enum.
func (s EscrowState) Known() bool { return int(s) < len(escrowStateNames) }

// ParseEscrowState resolves an off-chain state string, case-insensitively.
func ParseEscrowState(raw string) (EscrowState, bool) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	for i, name := range escrowStateNames {
		if name == normalized {
			return EscrowState(i), true
		}
	}
	return 0, false
}

// EncryptionMethod selects how the seller's credentials are sealed for the buyer.
type EncryptionMethod uint8

const (
	EncryptionECIESWallet EncryptionMethod = iota
	EncryptionEphemeralKeypair
)

func (m EncryptionMethod) String() string {
	switch m {
	case EncryptionECIESWallet:
		return "ECIES_WALLET"
	case EncryptionEphemeralKeypair:
		return "EPHEMERAL_KEYPAIR"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(m))
	}
}

// DisputeType is the category passed to raiseDispute.
type DisputeType uint8

const (
	DisputeDelivery DisputeType = iota
	DisputeQuality
	DisputeFraud
	DisputeOther
)

// ParseDisputeType maps a user supplied kind to the enum. Empty means delivery.
func ParseDisputeType(raw string) (DisputeType, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "delivery":
		return DisputeDelivery, nil
	case "quality":
		return DisputeQuality, nil
	case "fraud":
		return DisputeFraud, nil
	case "other":
		return DisputeOther, nil
	}
	return 0, fmt.Errorf("ledger: unknown dispute type %q", raw)
}

// OfferStatus mirrors the on-chain offer status enum.
type OfferStatus uint8

const (
	OfferPending OfferStatus = iota
	OfferAccepted
	OfferRejected
	OfferCancelled
	OfferExpired
)

// RecordStatus maps the chain status to the off-chain vocabulary. Cancelled
// offers are stored as EXPIRED off-chain.
func (s OfferStatus) RecordStatus() string {
	switch s {
	case OfferPending:
		return "PENDING"
	case OfferAccepted:
		return "ACCEPTED"
	case OfferRejected:
		return "REJECTED"
	default:
		return "EXPIRED"
	}
}

// Active reports whether the offer still blocks a new one from the same buyer.
func (s OfferStatus) Active() bool {
	return s == OfferPending || s == OfferAccepted
}

// Escrow is the on-chain escrow record.
type Escrow struct {
	ID                  *big.Int
	ListingID           *big.Int
	Buyer               common.Address
	Seller              common.Address
	Amount              *big.Int
	PlatformFee         *big.Int
	SellerPayout        *big.Int
	DepositedAt         time.Time
	HandoverDeadline    time.Time
	VerifyDeadline      time.Time
	CredentialHash      common.Hash
	State               EscrowState
	EncryptionMethod    EncryptionMethod
	VerifyExtensionUsed bool
}

// HasCredentialHash reports whether the seller committed a credential hash.
func (e *Escrow) HasCredentialHash() bool {
	return e != nil && e.CredentialHash != (common.Hash{})
}

// TransitionHold is the retainer held back after confirmation for post-sale
// assistance. The contract returns a zero value when none exists.
type TransitionHold struct {
	EscrowID        *big.Int
	RetainedAmount  *big.Int
	ReleaseTime     time.Time
	Released        bool
	Claimed         bool
	AssistanceNotes string
}

// Exists reports whether the hold was ever created.
func (h *TransitionHold) Exists() bool {
	return h != nil && h.EscrowID != nil && h.EscrowID.Sign() > 0
}

// Offer is the on-chain offer record.
type Offer struct {
	ID        *big.Int
	ListingID *big.Int
	Buyer     common.Address
	Amount    *big.Int
	Deposit   *big.Int
	Status    OfferStatus
	EscrowID  *big.Int
}

func unixTime(v *big.Int) time.Time {
	if v == nil || v.Sign() == 0 || !v.IsInt64() {
		return time.Time{}
	}
	return time.Unix(v.Int64(), 0).UTC()
}
