// Package handover runs the seller's credential handover: upload to the vault,
// commit the fingerprint on-chain, and roll the vault back automatically when
// the commitment does not land.
package handover

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"valyra/errs"
	"valyra/journal"
	"valyra/ledger"
	"valyra/observability"
	"valyra/records"
	"valyra/txflow"
)

var (
	// ErrNoCredentials rejects an upload with every field empty.
	ErrNoCredentials = errors.New("handover: credentials empty")
	// ErrNotAwaitingHandover rejects a handover for an escrow that is not funded.
	ErrNotAwaitingHandover = errors.New("handover: escrow not awaiting credentials")
)

// DefaultRecoveryLease is how long a journal entry must sit untouched before
// Recover treats its saga as abandoned.
const DefaultRecoveryLease = 10 * time.Minute

// Vault is the off-chain half of the saga. *records.Client satisfies it.
type Vault interface {
	UploadCredentials(ctx context.Context, address, escrowID string, creds records.Credentials) (*records.UploadResult, error)
	RollbackCredentials(ctx context.Context, address, escrowID string) (string, error)
}

// Journal persists saga progress. *journal.Store satisfies it.
type Journal interface {
	Create(ctx context.Context, entry journal.Entry) (journal.Entry, error)
	Advance(ctx context.Context, id uuid.UUID, upd journal.Update) error
	Unfinished(ctx context.Context, kind journal.Kind) ([]journal.Entry, error)
}

// CommitError reports a commitment that failed after the vault upload. It
// unwraps to errs.ErrCommitFailedAfterUpload, the cause, and, when the
// compensation failed too, errs.ErrRollbackFailed.
type CommitError struct {
	EscrowID  string
	ContentID string
	Cause     error
	Rollback  error
}

func (e *CommitError) Error() string {
	msg := fmt.Sprintf("handover: escrow %s: commit of %s failed: %v", e.EscrowID, e.ContentID, e.Cause)
	if e.Rollback != nil {
		return msg + fmt.Sprintf("; rollback failed, manual support required: %v", e.Rollback)
	}
	return msg + "; vault rolled back"
}

func (e *CommitError) Unwrap() []error {
	out := []error{errs.ErrCommitFailedAfterUpload, e.Cause}
	if e.Rollback != nil {
		out = append(out, errs.ErrRollbackFailed, e.Rollback)
	}
	return out
}

// RolledBack reports whether the vault entry was removed.
func (e *CommitError) RolledBack() bool { return e.Rollback == nil }

// Request is one handover attempt.
type Request struct {
	// EscrowID routes the vault calls: the off-chain UUID or on-chain id.
	EscrowID      string
	ChainEscrowID *big.Int
	Credentials   records.Credentials
}

// Result is a finished handover.
type Result struct {
	ContentID string
	Hash      common.Hash
	Receipt   ledger.Receipt
	// AlreadyDelivered is set when the escrow was past delivery and nothing
	// was uploaded or committed.
	AlreadyDelivered bool
}

// Option customises a Saga.
type Option func(*Saga)

// WithJournal persists each leg so Recover can finish abandoned sagas.
func WithJournal(j Journal) Option {
	return func(s *Saga) { s.journal = j }
}

// WithFlowOptions passes options to the commitment transaction.
func WithFlowOptions(opts ...txflow.Option) Option {
	return func(s *Saga) { s.flowOpts = append(s.flowOpts, opts...) }
}

// WithWaiter sets the receipt waiter used by Recover.
func WithWaiter(w *ledger.Waiter) Option {
	return func(s *Saga) { s.waiter = w }
}

// WithRefresh registers a callback run after a confirmed commitment.
func WithRefresh(fn func(ctx context.Context)) Option {
	return func(s *Saga) { s.refresh = fn }
}

// WithRecoveryLease sets how long an entry must be idle before Recover
// touches it. Zero recovers every unfinished entry.
func WithRecoveryLease(d time.Duration) Option {
	return func(s *Saga) { s.lease = d }
}

// WithClock overrides the time source used for the recovery lease.
func WithClock(clock func() time.Time) Option {
	return func(s *Saga) { s.clock = clock }
}

// WithLogger sets the saga logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Saga) { s.logger = logger }
}

// Saga runs handovers for one seller. Upload and rollback go through the same
// Vault and address, so compensation carries the upload's session.
type Saga struct {
	vault    Vault
	ledger   ledger.Ledger
	account  common.Address
	journal  Journal
	flowOpts []txflow.Option
	waiter   *ledger.Waiter
	refresh  func(ctx context.Context)
	lease    time.Duration
	clock    func() time.Time
	logger   *slog.Logger
	metrics  *observability.EscrowMetrics
	tracer   trace.Tracer
}

// New builds a saga acting as account.
func New(vault Vault, l ledger.Ledger, account common.Address, opts ...Option) (*Saga, error) {
	if vault == nil || l == nil {
		return nil, fmt.Errorf("handover: vault and ledger required")
	}
	s := &Saga{
		vault:   vault,
		ledger:  l,
		account: account,
		lease:   DefaultRecoveryLease,
		clock:   time.Now,
		logger:  slog.Default(),
		metrics: observability.Escrow(),
		tracer:  otel.Tracer("valyra/handover"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.waiter == nil {
		s.waiter = ledger.NewWaiter(l, ledger.WithWaiterLogger(s.logger))
	}
	return s, nil
}

// Fingerprint is the digest committed on-chain for a vault content id.
func Fingerprint(contentID string) common.Hash {
	return crypto.Keccak256Hash([]byte(contentID))
}

// Run uploads req.Credentials, commits the fingerprint and compensates on
// failure. A broadcast commitment whose receipt is not yet known is left for
// Recover; it is never rolled back blind.
func (s *Saga) Run(ctx context.Context, req Request) (Result, error) {
	if req.Credentials.Empty() {
		return Result{}, ErrNoCredentials
	}
	if req.ChainEscrowID == nil || req.ChainEscrowID.Sign() <= 0 {
		return Result{}, fmt.Errorf("handover: escrow %s has no on-chain id", req.EscrowID)
	}
	ctx, span := s.tracer.Start(ctx, "handover.run", trace.WithAttributes(
		attribute.String("escrow_id", req.EscrowID),
		attribute.String("chain_escrow_id", req.ChainEscrowID.String())))
	defer span.End()
	chainEscrow, err := s.ledger.Escrow(ctx, req.ChainEscrowID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{}, &errs.StepError{
			Step:     "upload",
			Progress: errs.NothingChanged,
			Err:      fmt.Errorf("handover: read escrow %s: %w", req.ChainEscrowID, err),
		}
	}
	if handedOver(chainEscrow) {
		s.metrics.RecordHandover("already_delivered")
		span.SetStatus(codes.Ok, "already delivered")
		s.logger.Info("handover already on-chain",
			slog.String("escrow_id", req.EscrowID),
			slog.String("state", chainEscrow.State.String()))
		return Result{Hash: chainEscrow.CredentialHash, AlreadyDelivered: true}, nil
	}
	if chainEscrow.State != ledger.StateFunded {
		err := fmt.Errorf("%w: escrow %s is %s", ErrNotAwaitingHandover, req.ChainEscrowID, chainEscrow.State)
		span.SetStatus(codes.Error, err.Error())
		return Result{}, &errs.StepError{Step: "upload", Progress: errs.NothingChanged, Err: err}
	}

	address := s.account.Hex()
	entry := s.begin(ctx, req, address)

	upload, err := s.vault.UploadCredentials(ctx, address, req.EscrowID, req.Credentials)
	if err != nil {
		if state, ok := deliveredAlready(err); ok {
			s.advance(ctx, entry, journal.Update{Step: journal.StepConfirmed, Detail: "escrow already " + state.String()})
			s.metrics.RecordHandover("already_delivered")
			span.SetStatus(codes.Ok, "already delivered")
			s.logger.Info("handover already complete",
				slog.String("escrow_id", req.EscrowID),
				slog.String("state", state.String()))
			return Result{AlreadyDelivered: true}, nil
		}
		s.advance(ctx, entry, journal.Update{Step: journal.StepFailed, Detail: err.Error()})
		s.metrics.RecordHandover("upload_failed")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{}, &errs.StepError{
			Step:     "upload",
			Progress: errs.NothingChanged,
			Err:      fmt.Errorf("%w: %w", errs.ErrVaultUploadFailed, err),
		}
	}
	hash := Fingerprint(upload.ContentID)
	s.advance(ctx, entry, journal.Update{Step: journal.StepUploaded, ContentID: upload.ContentID})
	span.SetAttributes(attribute.String("content_id", upload.ContentID))

	opts := append(append([]txflow.Option(nil), s.flowOpts...), txflow.WithSimulation())
	if entry != nil {
		opts = append(opts, txflow.WithJournal(broadcastRecorder{saga: s, entry: entry}))
	}
	res, err := txflow.Execute(ctx, s.ledger, ledger.UploadCredentialHash(req.ChainEscrowID, hash), opts...)
	switch {
	case err == nil:
		s.advance(ctx, entry, journal.Update{Step: journal.StepConfirmed, TxHash: res.Receipt.TxHash.Hex()})
		s.metrics.RecordHandover("confirmed")
		span.SetStatus(codes.Ok, "credentials committed")
		s.logger.Info("credentials handed over",
			slog.String("escrow_id", req.EscrowID),
			slog.String("content_id", upload.ContentID),
			slog.String("tx", res.Receipt.TxHash.Hex()))
		if s.refresh != nil {
			s.refresh(ctx)
		}
		return Result{ContentID: upload.ContentID, Hash: hash, Receipt: res.Receipt}, nil
	case errors.Is(err, errs.ErrAwaitingReceipt):
		s.metrics.RecordHandover("pending")
		span.RecordError(err)
		span.SetStatus(codes.Error, "commitment pending")
		s.logger.Warn("credential commitment pending",
			slog.String("escrow_id", req.EscrowID),
			slog.String("content_id", upload.ContentID))
		return Result{ContentID: upload.ContentID, Hash: hash}, err
	}

	commitErr := s.compensate(ctx, entry, req.EscrowID, upload.ContentID, err)
	s.metrics.RecordHandover("compensated")
	span.RecordError(commitErr)
	span.SetStatus(codes.Error, commitErr.Error())
	return Result{ContentID: upload.ContentID, Hash: hash}, commitErr
}

// compensate rolls the vault back exactly once for a failed commitment.
func (s *Saga) compensate(ctx context.Context, entry *journal.Entry, escrowID, contentID string, cause error) *CommitError {
	commitErr := &CommitError{EscrowID: escrowID, ContentID: contentID, Cause: cause}
	// Compensation must run even if the caller's context is already done.
	rbCtx := context.WithoutCancel(ctx)
	message, err := s.vault.RollbackCredentials(rbCtx, s.account.Hex(), escrowID)
	if err != nil {
		commitErr.Rollback = err
		s.metrics.RecordRollback("failed")
		s.advance(rbCtx, entry, journal.Update{Step: journal.StepFailed, Detail: "rollback failed: " + err.Error()})
		s.logger.Error("credential rollback failed",
			slog.String("escrow_id", escrowID),
			slog.String("content_id", contentID),
			slog.Any("cause", cause),
			slog.Any("error", err))
		return commitErr
	}
	s.metrics.RecordRollback("ok")
	s.advance(rbCtx, entry, journal.Update{Step: journal.StepRolledBack, Detail: message})
	s.logger.Warn("credential commitment failed, vault rolled back",
		slog.String("escrow_id", escrowID),
		slog.String("content_id", contentID),
		slog.String("reason", errs.Reason(cause)),
		slog.Any("error", cause))
	return commitErr
}

// deliveredAlready recognises the API's refusal to upload for an escrow that
// is already past delivery ("... Escrow state is delivered").
func deliveredAlready(err error) (ledger.EscrowState, bool) {
	if records.StatusOf(err) != http.StatusBadRequest {
		return 0, false
	}
	detail := records.DetailOf(err)
	const marker = "escrow state is "
	idx := strings.LastIndex(strings.ToLower(detail), marker)
	if idx < 0 {
		return 0, false
	}
	raw := strings.Trim(detail[idx+len(marker):], " .\"'")
	state, ok := ledger.ParseEscrowState(raw)
	if !ok {
		return 0, false
	}
	switch state {
	case ledger.StateDelivered, ledger.StateConfirmed, ledger.StateTransition, ledger.StateCompleted:
		return state, true
	}
	return 0, false
}

func (s *Saga) begin(ctx context.Context, req Request, address string) *journal.Entry {
	if s.journal == nil {
		return nil
	}
	entry, err := s.journal.Create(ctx, journal.Entry{
		Kind:          journal.KindHandover,
		EscrowID:      req.EscrowID,
		ChainEscrowID: req.ChainEscrowID.String(),
		Address:       address,
		Action:        "uploadCredentialHash",
	})
	if err != nil {
		s.logger.Warn("handover journal unavailable", slog.String("escrow_id", req.EscrowID), slog.Any("error", err))
		return nil
	}
	return &entry
}

// handedOver reports whether the contract already holds a handover for e.
func handedOver(e *ledger.Escrow) bool {
	if e.HasCredentialHash() {
		return true
	}
	switch e.State {
	case ledger.StateDelivered, ledger.StateConfirmed, ledger.StateTransition, ledger.StateCompleted:
		return true
	}
	return false
}

func (s *Saga) advance(ctx context.Context, entry *journal.Entry, upd journal.Update) {
	if s.journal == nil || entry == nil {
		return
	}
	if err := s.journal.Advance(ctx, entry.ID, upd); err != nil {
		s.logger.Warn("handover journal update failed",
			slog.String("escrow_id", entry.EscrowID),
			slog.String("step", string(upd.Step)),
			slog.Any("error", err))
	}
}

// broadcastRecorder marks the saga entry as broadcast once the commitment is
// sent. Settlement is written by the saga itself.
type broadcastRecorder struct {
	saga  *Saga
	entry *journal.Entry
}

func (r broadcastRecorder) Record(ctx context.Context, _ string, _ common.Address, tx common.Hash) (func(context.Context, bool, string), error) {
	r.saga.advance(ctx, r.entry, journal.Update{Step: journal.StepBroadcast, TxHash: tx.Hex()})
	return func(context.Context, bool, string) {}, nil
}
