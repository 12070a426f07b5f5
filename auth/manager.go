package auth

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"golang.org/x/sync/singleflight"

	"valyra/errs"
	"valyra/observability"
	"valyra/observability/logging"
	"valyra/wallet"
)

// DefaultValidity is how long a signed session is reused before re-signing.
const DefaultValidity = 24 * time.Hour

// Manager hands out authentication headers, signing a fresh challenge only when
// the cache has nothing usable.
type Manager struct {
	signer   wallet.MessageSigner
	cache    SessionCache
	validity time.Duration
	now      func() time.Time
	logger   *slog.Logger
	metrics  *observability.EscrowMetrics
	group    singleflight.Group
}

// Option customises the manager.
type Option func(*Manager)

// WithCache supplies the session cache. Defaults to a MemoryCache.
func WithCache(cache SessionCache) Option {
	return func(m *Manager) { m.cache = cache }
}

// WithValidity overrides DefaultValidity.
func WithValidity(d time.Duration) Option {
	return func(m *Manager) { m.validity = d }
}

// WithClock sets the time source used for challenges and expiry.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) { m.now = clock }
}

// WithLogger sets the manager logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// NewManager builds a manager that signs with signer.
func NewManager(signer wallet.MessageSigner, opts ...Option) *Manager {
	m := &Manager{
		signer:   signer,
		validity: DefaultValidity,
		now:      time.Now,
		logger:   slog.Default(),
		metrics:  observability.Escrow(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.cache == nil {
		m.cache = NewMemoryCache()
	}
	if m.validity <= 0 {
		m.validity = DefaultValidity
	}
	return m
}

// Signer returns the wallet the manager signs with.
func (m *Manager) Signer() wallet.MessageSigner { return m.signer }

// Headers returns authentication headers for address, reusing a cached
// session when it is still fresh and verifies.
func (m *Manager) Headers(ctx context.Context, address string) (Headers, error) {
	session, err := m.Session(ctx, address)
	if err != nil {
		return Headers{}, err
	}
	return session.Headers(), nil
}

// Session returns the session behind Headers.
func (m *Manager) Session(ctx context.Context, address string) (Session, error) {
	normalized, err := normalizeAddress(address)
	if err != nil {
		return Session{}, fmt.Errorf("%w: %v", errs.ErrAuthenticationRequired, err)
	}
	if cached, ok := m.cached(normalized); ok {
		return cached, nil
	}
	v, err, _ := m.group.Do(cacheKey(normalized), func() (any, error) {
		if cached, ok := m.cached(normalized); ok {
			return cached, nil
		}
		return m.sign(ctx, normalized)
	})
	if err != nil {
		return Session{}, err
	}
	return v.(Session), nil
}

// Invalidate purges the session for address. The records client calls this on
// every 401 so the next request signs again.
func (m *Manager) Invalidate(address string) {
	if err := m.cache.Invalidate(address); err != nil {
		m.logger.Warn("session invalidate failed", slog.String("address", address), slog.Any("error", err))
		return
	}
	m.logger.Info("session invalidated", slog.String("address", address))
}

func (m *Manager) cached(address string) (Session, bool) {
	session, ok, err := m.cache.Get(address)
	if err != nil {
		m.logger.Warn("session cache read failed", slog.String("address", address), slog.Any("error", err))
		return Session{}, false
	}
	if !ok || !session.Fresh(m.now(), m.validity) {
		return Session{}, false
	}
	if err := session.Verify(); err != nil {
		m.logger.Warn("discarding unverifiable session", slog.String("address", address), slog.Any("error", err))
		_ = m.cache.Invalidate(address)
		return Session{}, false
	}
	return session, true
}

func (m *Manager) sign(ctx context.Context, address string) (Session, error) {
	if m.signer == nil {
		m.metrics.RecordSignature("no_wallet")
		return Session{}, fmt.Errorf("%w: wallet not connected", errs.ErrAuthenticationRequired)
	}
	if !strings.EqualFold(m.signer.Address().Hex(), address) {
		m.metrics.RecordSignature("wrong_account")
		return Session{}, fmt.Errorf("%w: wallet is connected as %s", errs.ErrAuthenticationRequired, m.signer.Address().Hex())
	}
	ts := m.now().Unix()
	sig, err := m.signer.SignMessage(ctx, []byte(Challenge(ts)))
	if err != nil {
		m.metrics.RecordSignature("rejected")
		return Session{}, fmt.Errorf("%w: %w", errs.ErrAuthenticationRequired, err)
	}
	session := Session{Address: address, Signature: hexutil.Encode(sig), Timestamp: ts}
	if err := m.cache.Set(session); err != nil {
		m.logger.Warn("session cache write failed", slog.String("address", address), slog.Any("error", err))
	}
	m.metrics.RecordSignature("signed")
	m.logger.Info("session signed",
		slog.String("address", address),
		logging.MaskField("signature", session.Signature),
		slog.Int64("timestamp", ts))
	return session, nil
}
