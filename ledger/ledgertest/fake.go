// Package ledgertest provides an in-memory ledger.Ledger for flow tests.
package ledgertest

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"valyra/errs"
	"valyra/ledger"
)

// Outcome scripts how the fake reacts to a method.
type Outcome struct {
	// SubmitErr fails the broadcast, e.g. with errs.ErrUserRejected.
	SubmitErr error
	// SimulateReason makes Simulate revert with the reason.
	SimulateReason string
	// RevertReason makes the mined receipt revert.
	RevertReason string
	// PendingPolls keeps the receipt pending for this many lookups.
	PendingPolls int
	// Logs are attached to a confirmed receipt.
	Logs []*gethtypes.Log
	// Apply mutates the fake when the call confirms.
	Apply func(f *Fake, call ledger.Call)
}

// Fake is a scripted ledger. The zero value is not usable; call New.
type Fake struct {
	mu sync.Mutex

	EscrowAddr common.Address
	Sender     common.Address
	allowance  map[string]*big.Int
	active     map[string]bool
	offers     map[string]*ledger.Offer
	escrows    map[string]*ledger.Escrow
	holds      map[string]*ledger.TransitionHold
	outcomes   map[string]Outcome
	// AllowanceCap limits what an approve actually grants. Nil grants in full.
	AllowanceCap *big.Int
	ReadErr      error

	calls     []ledger.Call
	simulated []ledger.Call
	receipts  map[common.Hash]*scripted
	nonce     uint64
}

type scripted struct {
	call    ledger.Call
	outcome Outcome
	polls   int
	applied bool
}

// New constructs an empty fake ledger whose escrow contract lives at escrow.
// Submitted calls are sent from sender.
func New(escrow, sender common.Address) *Fake {
	return &Fake{
		EscrowAddr: escrow,
		Sender:     sender,
		allowance:  make(map[string]*big.Int),
		active:     make(map[string]bool),
		offers:     make(map[string]*ledger.Offer),
		escrows:    make(map[string]*ledger.Escrow),
		holds:      make(map[string]*ledger.TransitionHold),
		outcomes:   make(map[string]Outcome),
		receipts:   make(map[common.Hash]*scripted),
	}
}

// Script sets the outcome for every future call to method.
func (f *Fake) Script(method string, outcome Outcome) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes[method] = outcome
}

// SetAllowance seeds the owner's allowance for spender.
func (f *Fake) SetAllowance(owner, spender common.Address, v *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.allowance[allowanceKey(owner, spender)] = new(big.Int).Set(v)
}

// SetActiveOffer marks buyer as holding an active offer on listing.
func (f *Fake) SetActiveOffer(listing *big.Int, buyer common.Address, active bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active[activeKey(listing, buyer)] = active
}

// PutOffer stores a chain offer.
func (f *Fake) PutOffer(o *ledger.Offer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offers[o.ID.String()] = o
}

// PutEscrow stores a chain escrow.
func (f *Fake) PutEscrow(e *ledger.Escrow) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.escrows[e.ID.String()] = e
}

// PutHold stores a transition hold.
func (f *Fake) PutHold(h *ledger.TransitionHold) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.holds[h.EscrowID.String()] = h
}

// Calls returns every submitted call in order.
func (f *Fake) Calls() []ledger.Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ledger.Call(nil), f.calls...)
}

// Methods returns the submitted method names in order.
func (f *Fake) Methods() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, c.Method)
	}
	return out
}

// Simulated returns every simulated call.
func (f *Fake) Simulated() []ledger.Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ledger.Call(nil), f.simulated...)
}

func (f *Fake) EscrowAddress() common.Address { return f.EscrowAddr }

func (f *Fake) HasActiveOffer(_ context.Context, listing *big.Int, buyer common.Address) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ReadErr != nil {
		return false, f.ReadErr
	}
	return f.active[activeKey(listing, buyer)], nil
}

func (f *Fake) Offer(_ context.Context, id *big.Int) (*ledger.Offer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ReadErr != nil {
		return nil, f.ReadErr
	}
	o, ok := f.offers[id.String()]
	if !ok {
		return nil, fmt.Errorf("%w: offer %s", ledger.ErrNotFound, id)
	}
	cp := *o
	return &cp, nil
}

func (f *Fake) Escrow(_ context.Context, id *big.Int) (*ledger.Escrow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ReadErr != nil {
		return nil, f.ReadErr
	}
	e, ok := f.escrows[id.String()]
	if !ok {
		return nil, fmt.Errorf("%w: escrow %s", ledger.ErrNotFound, id)
	}
	cp := *e
	return &cp, nil
}

func (f *Fake) TransitionHold(_ context.Context, id *big.Int) (*ledger.TransitionHold, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ReadErr != nil {
		return nil, f.ReadErr
	}
	h, ok := f.holds[id.String()]
	if !ok {
		return &ledger.TransitionHold{EscrowID: new(big.Int)}, nil
	}
	cp := *h
	return &cp, nil
}

func (f *Fake) Allowance(_ context.Context, owner, spender common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ReadErr != nil {
		return nil, f.ReadErr
	}
	if v, ok := f.allowance[allowanceKey(owner, spender)]; ok {
		return new(big.Int).Set(v), nil
	}
	return new(big.Int), nil
}

func (f *Fake) Simulate(_ context.Context, call ledger.Call) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.simulated = append(f.simulated, call)
	if reason := f.outcomes[call.Method].SimulateReason; reason != "" {
		return &errs.RevertError{Action: call.Method, Reason: reason}
	}
	return nil
}

func (f *Fake) Submit(_ context.Context, call ledger.Call) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	outcome := f.outcomes[call.Method]
	if outcome.SubmitErr != nil {
		return common.Hash{}, outcome.SubmitErr
	}
	f.nonce++
	hash := crypto.Keccak256Hash([]byte(fmt.Sprintf("%s/%d", call.Method, f.nonce)))
	f.calls = append(f.calls, call)
	f.receipts[hash] = &scripted{call: call, outcome: outcome}
	return hash, nil
}

func (f *Fake) Receipt(_ context.Context, hash common.Hash) (ledger.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.receipts[hash]
	if !ok {
		return ledger.Receipt{TxHash: hash, Status: ledger.ReceiptPending}, nil
	}
	if s.polls < s.outcome.PendingPolls {
		s.polls++
		return ledger.Receipt{TxHash: hash, Status: ledger.ReceiptPending}, nil
	}
	if s.outcome.RevertReason != "" {
		return ledger.Receipt{TxHash: hash, Status: ledger.ReceiptReverted, BlockNumber: f.nonce, Reason: s.outcome.RevertReason}, nil
	}
	if !s.applied {
		s.applied = true
		f.applyLocked(s.call)
		if s.outcome.Apply != nil {
			s.outcome.Apply(f, s.call)
		}
	}
	return ledger.Receipt{TxHash: hash, Status: ledger.ReceiptConfirmed, BlockNumber: f.nonce, Logs: s.outcome.Logs}, nil
}

// SetEscrowState is a helper for Apply callbacks; the lock is already held.
func (f *Fake) SetEscrowState(id *big.Int, state ledger.EscrowState) {
	if e, ok := f.escrows[id.String()]; ok {
		e.State = state
	}
}

// SetCredentialHash is a helper for Apply callbacks; the lock is already held.
func (f *Fake) SetCredentialHash(id *big.Int, hash common.Hash) {
	if e, ok := f.escrows[id.String()]; ok {
		e.CredentialHash = hash
	}
}

func (f *Fake) applyLocked(call ledger.Call) {
	if call.Contract != ledger.TokenContract || call.Method != "approve" {
		return
	}
	spender := call.Args[0].(common.Address)
	granted := new(big.Int).Set(call.Args[1].(*big.Int))
	if f.AllowanceCap != nil && granted.Cmp(f.AllowanceCap) > 0 {
		granted = new(big.Int).Set(f.AllowanceCap)
	}
	f.allowance[allowanceKey(f.Sender, spender)] = granted
}

func allowanceKey(owner, spender common.Address) string {
	return strings.ToLower(owner.Hex()) + "/" + strings.ToLower(spender.Hex())
}

func activeKey(listing *big.Int, buyer common.Address) string {
	return listing.String() + "/" + strings.ToLower(buyer.Hex())
}
