package escrowview

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"valyra/ledger"
	"valyra/observability"
	"valyra/records"
)

// DefaultInterval is how often the detail view is re-derived.
const DefaultInterval = 5 * time.Second

// ErrUnknownEscrow is returned when neither store knows the escrow.
var ErrUnknownEscrow = errors.New("escrowview: escrow not found")

// RecordSource reads the off-chain escrow. *records.Client satisfies it.
type RecordSource interface {
	Escrow(ctx context.Context, escrowID string) (*records.Escrow, error)
}

// Fetcher reads both stores for one escrow.
type Fetcher struct {
	Records RecordSource
	Chain   ledger.Reader
	Logger  *slog.Logger
}

// Fetch builds a snapshot for escrowID, a UUID or an on-chain id. A failure
// on one side is logged and leaves that side empty; only a failure of both
// is returned.
func (f Fetcher) Fetch(ctx context.Context, escrowID string) (Snapshot, error) {
	logger := f.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := observability.Escrow()
	var (
		snap      Snapshot
		recordErr error
		chainErr  error
	)
	if f.Records != nil {
		snap.Record, recordErr = f.Records.Escrow(ctx, escrowID)
		if recordErr != nil {
			metrics.RecordPollError("records")
			logger.Warn("escrow record fetch failed", slog.String("escrow_id", escrowID), slog.Any("error", recordErr))
		}
	}

	chainID, ok := numericID(escrowID)
	if !ok && snap.Record != nil {
		chainID, ok = snap.Record.ChainEscrowID()
	}
	if ok && f.Chain != nil {
		snap.Chain, chainErr = f.Chain.Escrow(ctx, chainID)
		if chainErr == nil {
			snap.Hold, chainErr = f.Chain.TransitionHold(ctx, chainID)
		}
		if chainErr != nil && !errors.Is(chainErr, ledger.ErrNotFound) {
			metrics.RecordPollError("ledger")
			logger.Warn("escrow chain read failed", slog.String("escrow_id", chainID.String()), slog.Any("error", chainErr))
		}
	}
	if snap.Record == nil && snap.Chain == nil {
		if recordErr == nil {
			recordErr = chainErr
		}
		if recordErr == nil {
			recordErr = fmt.Errorf("%w: %s", ErrUnknownEscrow, escrowID)
		}
		return Snapshot{}, recordErr
	}
	return snap, nil
}

func numericID(raw string) (*big.Int, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, false
	}
	for _, r := range trimmed {
		if r < '0' || r > '9' {
			return nil, false
		}
	}
	id, ok := new(big.Int).SetString(trimmed, 10)
	if !ok || id.Sign() == 0 {
		return nil, false
	}
	return id, true
}

// PollerOption customises a Poller.
type PollerOption func(*Poller)

// WithInterval sets the poll interval.
func WithInterval(d time.Duration) PollerOption {
	return func(p *Poller) { p.interval = d }
}

// WithClock overrides the time used for resolution.
func WithClock(clock func() time.Time) PollerOption {
	return func(p *Poller) { p.clock = clock }
}

// WithPollerLogger sets the poller logger.
func WithPollerLogger(logger *slog.Logger) PollerOption {
	return func(p *Poller) { p.logger = logger }
}

// Poller re-reads one escrow on a fixed interval and publishes each resolved
// View. It owns no state shared with action paths.
type Poller struct {
	fetcher  Fetcher
	escrowID string
	viewer   string
	interval time.Duration
	clock    func() time.Time
	logger   *slog.Logger

	mu     sync.Mutex
	latest *View
	subs   map[int]chan View
	nextID int
}

// NewPoller polls escrowID on behalf of viewer.
func NewPoller(fetcher Fetcher, escrowID, viewer string, opts ...PollerOption) *Poller {
	p := &Poller{
		fetcher:  fetcher,
		escrowID: escrowID,
		viewer:   viewer,
		interval: DefaultInterval,
		clock:    time.Now,
		logger:   slog.Default(),
		subs:     make(map[int]chan View),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.interval <= 0 {
		p.interval = DefaultInterval
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	return p
}

// Subscribe returns a channel receiving every new View and a func that
// unsubscribes. Slow subscribers only ever see the most recent View.
func (p *Poller) Subscribe() (<-chan View, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextID
	p.nextID++
	ch := make(chan View, 1)
	if p.latest != nil {
		ch <- *p.latest
	}
	p.subs[id] = ch
	return ch, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if sub, ok := p.subs[id]; ok {
			delete(p.subs, id)
			close(sub)
		}
	}
}

// Latest returns the last published View.
func (p *Poller) Latest() (View, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.latest == nil {
		return View{}, false
	}
	return *p.latest, true
}

// Refresh fetches and publishes immediately.
func (p *Poller) Refresh(ctx context.Context) (View, error) {
	snap, err := p.fetcher.Fetch(ctx, p.escrowID)
	if err != nil {
		return View{}, err
	}
	view := Resolve(snap, p.viewer, p.clock())
	p.publish(view)
	return view, nil
}

// Run polls until ctx ends, then closes every subscription.
func (p *Poller) Run(ctx context.Context) {
	defer p.closeAll()
	if _, err := p.Refresh(ctx); err != nil && ctx.Err() == nil {
		p.logger.Warn("escrow poll failed", slog.String("escrow_id", p.escrowID), slog.Any("error", err))
	}
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.Refresh(ctx); err != nil && ctx.Err() == nil {
				p.logger.Warn("escrow poll failed", slog.String("escrow_id", p.escrowID), slog.Any("error", err))
			}
		}
	}
}

func (p *Poller) publish(view View) {
	p.mu.Lock()
	defer p.mu.Unlock()
	view.Actions = append([]Action(nil), view.Actions...)
	if view.Hold != nil {
		hold := *view.Hold
		view.Hold = &hold
	}
	p.latest = &view
	for _, ch := range p.subs {
		select {
		case <-ch:
		default:
		}
		ch <- view
	}
}

func (p *Poller) closeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.subs {
		delete(p.subs, id)
		close(ch)
	}
}
