package valyrad

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"valyra/escrowview"
	"valyra/journal"
	"valyra/ledger"
	"valyra/observability"
	"valyra/records"
)

const wsWriteTimeout = 10 * time.Second

// History lists journalled flows for an escrow. *journal.Store satisfies it.
type History interface {
	ForEscrow(ctx context.Context, escrowID string) ([]journal.Entry, error)
}

// Server exposes resolved escrow views over HTTP and websocket.
type Server struct {
	fetcher  escrowview.Fetcher
	history  History
	limiter  *RateLimiter
	interval time.Duration
	origins  []string
	clock    func() time.Time
	logger   *slog.Logger
	metrics  *observability.APIMetrics
}

// ServerOption customises the server.
type ServerOption func(*Server)

// WithHistory enables GET /escrow/{id}/journal.
func WithHistory(h History) ServerOption {
	return func(s *Server) { s.history = h }
}

// WithRateLimiter throttles the escrow routes.
func WithRateLimiter(l *RateLimiter) ServerOption {
	return func(s *Server) { s.limiter = l }
}

// WithPollInterval sets how often streams re-derive the view.
func WithPollInterval(d time.Duration) ServerOption {
	return func(s *Server) { s.interval = d }
}

// WithOriginPatterns restricts websocket origins. Defaults to any origin.
func WithOriginPatterns(patterns ...string) ServerOption {
	return func(s *Server) { s.origins = patterns }
}

// WithClock overrides time.Now for view resolution.
func WithClock(clock func() time.Time) ServerOption {
	return func(s *Server) { s.clock = clock }
}

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = logger }
}

// NewServer builds a server reading escrows through fetcher.
func NewServer(fetcher escrowview.Fetcher, opts ...ServerOption) *Server {
	s := &Server{
		fetcher:  fetcher,
		interval: escrowview.DefaultInterval,
		origins:  []string{"*"},
		clock:    time.Now,
		logger:   slog.Default(),
		metrics:  observability.API(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Handler returns the instrumented router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.observe)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/escrow/{id}", func(er chi.Router) {
		if s.limiter != nil {
			er.Use(s.limiter.Middleware)
		}
		er.Get("/view", s.handleView)
		er.Get("/stream", s.handleStream)
		er.Get("/journal", s.handleJournal)
	})
	return otelhttp.NewHandler(r, "valyrad")
}

func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.metrics.Observe(routeOf(r), status, time.Since(start))
	})
}

func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	id, viewer, ok := s.params(w, r)
	if !ok {
		return
	}
	snap, err := s.fetcher.Fetch(r.Context(), id)
	if err != nil {
		s.writeFetchError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, escrowview.Resolve(snap, viewer, s.clock()))
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id, viewer, ok := s.params(w, r)
	if !ok {
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.origins})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	ctx := conn.CloseRead(r.Context())
	poller := escrowview.NewPoller(s.fetcher, id, viewer,
		escrowview.WithInterval(s.interval),
		escrowview.WithClock(s.clock),
		escrowview.WithPollerLogger(s.logger))
	updates, unsubscribe := poller.Subscribe()
	defer unsubscribe()
	go poller.Run(ctx)

	if err := streamViews(ctx, conn, updates); err != nil && websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
		s.logger.Debug("escrow stream ended", slog.String("escrow_id", id), slog.Any("error", err))
		_ = conn.Close(websocket.StatusInternalError, "stream error")
	}
}

func streamViews(ctx context.Context, conn *websocket.Conn, updates <-chan escrowview.View) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case view, ok := <-updates:
			if !ok {
				return nil
			}
			writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := wsjson.Write(writeCtx, conn, view)
			cancel()
			if err != nil {
				return err
			}
		}
	}
}

type journalEntry struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Step      string    `json:"step"`
	Action    string    `json:"action"`
	Address   string    `json:"address"`
	ContentID string    `json:"content_id,omitempty"`
	TxHash    string    `json:"tx_hash,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotFound, "journal disabled")
		return
	}
	id, _, ok := s.params(w, r)
	if !ok {
		return
	}
	entries, err := s.history.ForEscrow(r.Context(), id)
	if err != nil {
		s.logger.Error("journal read failed", slog.String("escrow_id", id), slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "journal unavailable")
		return
	}
	out := make([]journalEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, journalEntry{
			ID:        e.ID.String(),
			Kind:      string(e.Kind),
			Step:      string(e.Step),
			Action:    e.Action,
			Address:   e.Address,
			ContentID: e.ContentID,
			TxHash:    e.TxHash,
			Detail:    e.Detail,
			CreatedAt: e.CreatedAt.UTC(),
			UpdatedAt: e.UpdatedAt.UTC(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// params validates the escrow id and optional viewer address.
func (s *Server) params(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if !validEscrowID(id) {
		writeError(w, http.StatusBadRequest, "invalid escrow id")
		return "", "", false
	}
	viewer := strings.TrimSpace(r.URL.Query().Get("viewer"))
	if viewer != "" && !common.IsHexAddress(viewer) {
		writeError(w, http.StatusBadRequest, "invalid viewer address")
		return "", "", false
	}
	return id, viewer, true
}

func (s *Server) writeFetchError(w http.ResponseWriter, id string, err error) {
	switch {
	case errors.Is(err, escrowview.ErrUnknownEscrow),
		errors.Is(err, ledger.ErrNotFound),
		records.StatusOf(err) == http.StatusNotFound:
		writeError(w, http.StatusNotFound, "escrow not found")
	case errors.Is(err, context.Canceled):
		writeError(w, http.StatusServiceUnavailable, "request cancelled")
	default:
		s.logger.Warn("escrow fetch failed", slog.String("escrow_id", id), slog.Any("error", err))
		writeError(w, http.StatusBadGateway, "escrow sources unavailable")
	}
}

func validEscrowID(id string) bool {
	if id == "" {
		return false
	}
	if _, err := uuid.Parse(id); err == nil {
		return true
	}
	for _, r := range id {
		if r < '0' || r > '9' {
			return false
		}
	}
	return strings.TrimLeft(id, "0") != ""
}

func routeOf(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unmatched"
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
