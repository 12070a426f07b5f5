package ledger

import (
	"bytes"
	_ "embed"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
)

//go:embed abi/escrow.json
var escrowABIJSON []byte

//go:embed abi/erc20.json
var erc20ABIJSON []byte

var (
	abiOnce   sync.Once
	escrowABI abi.ABI
	tokenABI  abi.ABI
	abiErr    error
)

func loadABIs() (abi.ABI, abi.ABI, error) {
	abiOnce.Do(func() {
		escrowABI, abiErr = abi.JSON(bytes.NewReader(escrowABIJSON))
		if abiErr != nil {
			abiErr = fmt.Errorf("ledger: parse escrow abi: %w", abiErr)
			return
		}
		tokenABI, abiErr = abi.JSON(bytes.NewReader(erc20ABIJSON))
		if abiErr != nil {
			abiErr = fmt.Errorf("ledger: parse token abi: %w", abiErr)
		}
	})
	return escrowABI, tokenABI, abiErr
}

// Pack encodes call against the ABI of its target contract.
func Pack(call Call) ([]byte, error) {
	escrow, token, err := loadABIs()
	if err != nil {
		return nil, err
	}
	target := escrow
	if call.Contract == TokenContract {
		target = token
	}
	data, err := target.Pack(call.Method, call.Args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: pack %s: %w", call, err)
	}
	return data, nil
}

// Tuple layouts returned by the escrow views. Field order and types must match
// the ABI components exactly.
type escrowTuple struct {
	Id                  *big.Int
	ListingId           *big.Int
	Buyer               common.Address
	Seller              common.Address
	Amount              *big.Int
	PlatformFee         *big.Int
	SellerPayout        *big.Int
	DepositedAt         *big.Int
	HandoverDeadline    *big.Int
	VerifyDeadline      *big.Int
	CredentialHash      [32]byte
	State               uint8
	EncryptionMethod    uint8
	VerifyExtensionUsed bool
}

type holdTuple struct {
	EscrowId        *big.Int
	RetainedAmount  *big.Int
	ReleaseTime     *big.Int
	IsReleased      bool
	IsClaimed       bool
	AssistanceNotes string
}

type offerTuple struct {
	OfferId       *big.Int
	ListingId     *big.Int
	Buyer         common.Address
	OfferPrice    *big.Int
	DepositAmount *big.Int
	Status        uint8
	EscrowId      *big.Int
}

func (t escrowTuple) escrow() *Escrow {
	return &Escrow{
		ID:                  t.Id,
		ListingID:           t.ListingId,
		Buyer:               t.Buyer,
		Seller:              t.Seller,
		Amount:              t.Amount,
		PlatformFee:         t.PlatformFee,
		SellerPayout:        t.SellerPayout,
		DepositedAt:         unixTime(t.DepositedAt),
		HandoverDeadline:    unixTime(t.HandoverDeadline),
		VerifyDeadline:      unixTime(t.VerifyDeadline),
		CredentialHash:      common.Hash(t.CredentialHash),
		State:               EscrowState(t.State),
		EncryptionMethod:    EncryptionMethod(t.EncryptionMethod),
		VerifyExtensionUsed: t.VerifyExtensionUsed,
	}
}

func (t holdTuple) hold() *TransitionHold {
	return &TransitionHold{
		EscrowID:        t.EscrowId,
		RetainedAmount:  t.RetainedAmount,
		ReleaseTime:     unixTime(t.ReleaseTime),
		Released:        t.IsReleased,
		Claimed:         t.IsClaimed,
		AssistanceNotes: t.AssistanceNotes,
	}
}

func (t offerTuple) offer() *Offer {
	return &Offer{
		ID:        t.OfferId,
		ListingID: t.ListingId,
		Buyer:     t.Buyer,
		Amount:    t.OfferPrice,
		Deposit:   t.DepositAmount,
		Status:    OfferStatus(t.Status),
		EscrowID:  t.EscrowId,
	}
}

// OfferIDFromLogs returns the offer id emitted by OfferMade in a makeOffer receipt.
func OfferIDFromLogs(logs []*gethtypes.Log) (*big.Int, bool) {
	return indexedFromLogs(logs, "OfferMade", 1)
}

// EscrowIDFromLogs returns the escrow id opened by acceptOffer or depositFunds.
func EscrowIDFromLogs(logs []*gethtypes.Log) (*big.Int, bool) {
	if id, ok := indexedFromLogs(logs, "OfferAccepted", 2); ok {
		return id, true
	}
	return indexedFromLogs(logs, "FundsDeposited", 1)
}

func indexedFromLogs(logs []*gethtypes.Log, event string, topic int) (*big.Int, bool) {
	escrow, _, err := loadABIs()
	if err != nil {
		return nil, false
	}
	ev, ok := escrow.Events[event]
	if !ok {
		return nil, false
	}
	for _, lg := range logs {
		if lg == nil || len(lg.Topics) <= topic || lg.Topics[0] != ev.ID {
			continue
		}
		return new(big.Int).SetBytes(lg.Topics[topic].Bytes()), true
	}
	return nil, false
}
