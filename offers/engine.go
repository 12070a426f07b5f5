// Package offers drives the offer lifecycle from submission with the earnest
// deposit through the seller's decision to funding the escrow. The chain is
// authoritative; the off-chain store is kept in step on a best-effort basis.
package offers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"valyra/auth"
	"valyra/ledger"
	"valyra/records"
	"valyra/txflow"
)

var (
	// ErrNotOnChain is returned for offers without an on-chain id.
	ErrNotOnChain = errors.New("offers: offer not mirrored on-chain")
	// ErrNotFundable is returned when funding is attempted on an offer that is
	// not accepted or has no escrow yet.
	ErrNotFundable = errors.New("offers: offer not ready for funding")
	// ErrListingUnavailable is returned when buying a listing that is not active.
	ErrListingUnavailable = errors.New("offers: listing not available for purchase")
	// ErrInFlight is returned when the same flow is already running.
	ErrInFlight = errors.New("offers: flow already in progress")
)

// Direction selects which side of the offers to list.
type Direction int

const (
	Sent Direction = iota
	Received
)

func (d Direction) String() string {
	if d == Received {
		return "received"
	}
	return "sent"
}

// Store is the off-chain surface the engine reads. *records.Client satisfies it.
type Store interface {
	SentOffers(ctx context.Context, address string) ([]records.Offer, error)
	ReceivedOffers(ctx context.Context, address string) ([]records.Offer, error)
	Listing(ctx context.Context, listingID string) (*records.Listing, error)
}

// Syncer mirrors confirmed decisions off-chain. *records.Syncer satisfies it.
type Syncer interface {
	Sync(ctx context.Context, task records.SyncTask) error
}

// SessionSource ensures a signed session exists before any transaction is
// offered. *auth.Manager satisfies it.
type SessionSource interface {
	Session(ctx context.Context, address string) (auth.Session, error)
}

// Option customises an Engine.
type Option func(*Engine)

// WithSessions requires a valid session before every write.
func WithSessions(s SessionSource) Option {
	return func(e *Engine) { e.sessions = s }
}

// WithFlowOptions passes options to every transaction flow the engine starts.
func WithFlowOptions(opts ...txflow.Option) Option {
	return func(e *Engine) { e.flowOpts = append(e.flowOpts, opts...) }
}

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// Engine runs offer flows for one connected account.
type Engine struct {
	ledger   ledger.Ledger
	store    Store
	syncer   Syncer
	account  common.Address
	sessions SessionSource
	flowOpts []txflow.Option
	logger   *slog.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
	// Flows whose action was broadcast but not yet observed, keyed like inflight.
	waiting map[string]*txflow.Coordinator
}

// New constructs an engine acting as account.
func New(l ledger.Ledger, store Store, syncer Syncer, account common.Address, opts ...Option) (*Engine, error) {
	if l == nil {
		return nil, fmt.Errorf("offers: ledger required")
	}
	if store == nil {
		return nil, fmt.Errorf("offers: store required")
	}
	if account == (common.Address{}) {
		return nil, fmt.Errorf("offers: account required")
	}
	e := &Engine{
		ledger:   l,
		store:    store,
		syncer:   syncer,
		account:  account,
		logger:   slog.Default(),
		inflight: make(map[string]struct{}),
		waiting:  make(map[string]*txflow.Coordinator),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e, nil
}

// Account returns the acting address.
func (e *Engine) Account() common.Address { return e.account }

// List returns the account's sent or received offers. Records whose buyer or
// seller does not match the account are dropped.
func (e *Engine) List(ctx context.Context, dir Direction) ([]records.Offer, error) {
	address := e.account.Hex()
	var (
		all []records.Offer
		err error
	)
	if dir == Received {
		all, err = e.store.ReceivedOffers(ctx, address)
	} else {
		all, err = e.store.SentOffers(ctx, address)
	}
	if err != nil {
		return nil, fmt.Errorf("offers: list %s: %w", dir, err)
	}
	out := make([]records.Offer, 0, len(all))
	for _, offer := range all {
		party := offer.BuyerAddress
		if dir == Received {
			party = offer.SellerAddress
		}
		if sameAddress(party, address) {
			out = append(out, offer)
		}
	}
	return out, nil
}

// Stats summarises a list of offers.
type Stats struct {
	Total    int
	Pending  int
	Accepted int
	Rejected int
	Expired  int
}

// Summarize counts offers by normalized status.
func Summarize(list []records.Offer) Stats {
	stats := Stats{Total: len(list)}
	for _, offer := range list {
		switch offer.NormalizedStatus() {
		case records.OfferPending:
			stats.Pending++
		case records.OfferAccepted:
			stats.Accepted++
		case records.OfferRejected:
			stats.Rejected++
		case records.OfferExpired:
			stats.Expired++
		}
	}
	return stats
}

func (e *Engine) ensureSession(ctx context.Context) error {
	if e.sessions == nil {
		return nil
	}
	if _, err := e.sessions.Session(ctx, e.account.Hex()); err != nil {
		return err
	}
	return nil
}

// acquire marks key as running. The returned coordinator is a flow left
// waiting on a receipt by an earlier call, if any.
func (e *Engine) acquire(key string) (*txflow.Coordinator, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.inflight[key]; busy {
		return nil, ErrInFlight
	}
	e.inflight[key] = struct{}{}
	return e.waiting[key], nil
}

func (e *Engine) release(key string, c *txflow.Coordinator) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inflight, key)
	if c != nil {
		if _, pending := c.Pending(); pending {
			e.waiting[key] = c
			return
		}
	}
	delete(e.waiting, key)
}

func sameAddress(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
