package records

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"valyra/errs"
	"valyra/observability"
)

// OfferMarker is the write the Syncer mirrors. *Client satisfies it.
type OfferMarker interface {
	MarkOffer(ctx context.Context, address, offerID, action string) error
}

// SyncTask is one off-chain update that must follow a confirmed chain action.
type SyncTask struct {
	Address string
	OfferID string
	Action  string
	TxHash  string
}

func (t SyncTask) key() string { return t.OfferID + "/" + t.Action }

// Syncer mirrors confirmed chain actions into the off-chain store. Failure never
// undoes the chain action; it is reported as errs.ErrSyncDivergence. Transient
// failures stay pending for later retries. Tasks the API refused outright are
// parked and never retried.
type Syncer struct {
	marker  OfferMarker
	policy  func() backoff.BackOff
	logger  *slog.Logger
	metrics *observability.EscrowMetrics

	mu      sync.Mutex
	pending map[string]SyncTask
	parked  map[string]SyncTask
}

// SyncerOption customises the Syncer.
type SyncerOption func(*Syncer)

// WithBackOff sets the retry policy factory. A fresh policy is built per attempt.
func WithBackOff(policy func() backoff.BackOff) SyncerOption {
	return func(s *Syncer) { s.policy = policy }
}

// WithSyncLogger sets the syncer logger.
func WithSyncLogger(logger *slog.Logger) SyncerOption {
	return func(s *Syncer) { s.logger = logger }
}

// DefaultBackOff retries for up to 30 seconds with exponential spacing.
func DefaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 30 * time.Second
	return b
}

// NewSyncer builds a syncer writing through marker.
func NewSyncer(marker OfferMarker, opts ...SyncerOption) *Syncer {
	s := &Syncer{
		marker:  marker,
		policy:  DefaultBackOff,
		logger:  slog.Default(),
		metrics: observability.Escrow(),
		pending: make(map[string]SyncTask),
		parked:  make(map[string]SyncTask),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.policy == nil {
		s.policy = DefaultBackOff
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Sync applies task with retries. On exhaustion the task stays pending; a
// non-retryable refusal (409, 404, a malformed id) moves it to Parked. Either
// way the returned error wraps errs.ErrSyncDivergence.
func (s *Syncer) Sync(ctx context.Context, task SyncTask) error {
	attempt := 0
	op := func() error {
		attempt++
		err := s.marker.MarkOffer(ctx, task.Address, task.OfferID, task.Action)
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return backoff.Permanent(err)
		}
		s.logger.Debug("offer sync retry",
			slog.String("offer_id", task.OfferID),
			slog.String("action", task.Action),
			slog.Int("attempt", attempt),
			slog.Any("error", err))
		return err
	}
	err := backoff.Retry(op, backoff.WithContext(s.policy(), ctx))
	if err == nil {
		s.mu.Lock()
		delete(s.pending, task.key())
		s.mu.Unlock()
		return nil
	}
	if permanent(ctx, err) {
		s.mu.Lock()
		delete(s.pending, task.key())
		s.parked[task.key()] = task
		s.mu.Unlock()
		s.metrics.RecordSyncDivergence(task.Action)
		s.logger.Error("offer sync refused, task parked",
			slog.String("offer_id", task.OfferID),
			slog.String("action", task.Action),
			slog.String("tx", task.TxHash),
			slog.Any("error", err))
		return fmt.Errorf("%w: %s %s: %w", errs.ErrSyncDivergence, task.Action, task.OfferID, err)
	}
	s.mu.Lock()
	_, retried := s.pending[task.key()]
	s.pending[task.key()] = task
	s.mu.Unlock()
	if !retried {
		s.metrics.RecordSyncDivergence(task.Action)
	}
	s.logger.Warn("offer sync diverged",
		slog.String("offer_id", task.OfferID),
		slog.String("action", task.Action),
		slog.String("tx", task.TxHash),
		slog.Int("attempts", attempt),
		slog.Any("error", err))
	return fmt.Errorf("%w: %s %s: %w", errs.ErrSyncDivergence, task.Action, task.OfferID, err)
}

// Pending returns tasks that have not been mirrored yet.
func (s *Syncer) Pending() []SyncTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SyncTask, 0, len(s.pending))
	for _, task := range s.pending {
		out = append(out, task)
	}
	return out
}

// Parked returns tasks the off-chain API refused. They need an operator, not
// another attempt.
func (s *Syncer) Parked() []SyncTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SyncTask, 0, len(s.parked))
	for _, task := range s.parked {
		out = append(out, task)
	}
	return out
}

// RetryPending makes one pass over pending tasks and returns how many remain.
func (s *Syncer) RetryPending(ctx context.Context) int {
	for _, task := range s.Pending() {
		if ctx.Err() != nil {
			break
		}
		_ = s.Sync(ctx, task)
	}
	return len(s.Pending())
}

// Run retries pending tasks every interval until ctx ends.
func (s *Syncer) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RetryPending(ctx)
		}
	}
}

// permanent reports whether err is a refusal rather than an interrupted or
// exhausted attempt.
func permanent(ctx context.Context, err error) bool {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return !retryable(err)
}

// retryable treats transport errors, 401 (the next attempt re-signs), 408,
// 429 and 5xx as transient.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrInvalidID) {
		return false
	}
	status := StatusOf(err)
	switch {
	case status == 0:
		return true
	case status == http.StatusUnauthorized, status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return true
	case status >= 500:
		return true
	}
	return false
}
