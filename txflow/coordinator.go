// Package txflow drives allowance-gated contract writes through the
// input → approve → act sequence. Every transition is decided by an on-chain
// read or a receipt, never by assumption.
package txflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"valyra/amount"
	"valyra/errs"
	"valyra/ledger"
	"valyra/observability"
)

// Step is the coordinator's position in the flow.
type Step int

const (
	StepInput Step = iota
	StepApprove
	StepAct
	StepDone
)

func (s Step) String() string {
	switch s {
	case StepApprove:
		return "approve"
	case StepAct:
		return "act"
	case StepDone:
		return "done"
	default:
		return "input"
	}
}

var (
	// ErrInvalidAmount rejects zero, negative or missing amounts.
	ErrInvalidAmount = errors.New("txflow: amount must be positive")
	// ErrWrongStep is returned when an operation is called out of order.
	ErrWrongStep = errors.New("txflow: operation not valid in current step")
)

// Flow describes one allowance-gated write.
type Flow struct {
	// Name labels metrics, spans and errors, e.g. "makeOffer".
	Name string
	// Owner is the connected account paying the token.
	Owner common.Address
	// Spender receives the allowance. Defaults to the escrow contract.
	Spender common.Address
	// Required returns the allowance needed for amount. Defaults to amount.
	Required func(amount *big.Int) (*big.Int, error)
	// Action builds the gated call for amount.
	Action func(amount *big.Int) (ledger.Call, error)
	// Simulate dry-runs the action before broadcasting it.
	Simulate bool
	// Redirect is the navigation target once the action confirms.
	Redirect string
}

// Result is the terminal outcome of a confirmed flow.
type Result struct {
	Receipt  ledger.Receipt
	Redirect string
	// Approval is the approve transaction, zero when none was needed.
	Approval common.Hash
}

// Journal records broadcast actions so an interrupted wait can be resumed.
type Journal interface {
	Record(ctx context.Context, action string, owner common.Address, tx common.Hash) (func(ctx context.Context, confirmed bool, detail string), error)
}

// Option customises a Coordinator.
type Option func(*Coordinator)

// WithWaiter replaces the receipt waiter.
func WithWaiter(w *ledger.Waiter) Option {
	return func(c *Coordinator) { c.waiter = w }
}

// WithGuard checks the wallet network before the first transaction.
func WithGuard(g *ChainGuard) Option {
	return func(c *Coordinator) { c.guard = g }
}

// WithJournal records every broadcast action.
func WithJournal(j Journal) Option {
	return func(c *Coordinator) { c.journal = j }
}

// WithLogger sets the coordinator logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

// WithClock overrides the time source used for metrics.
func WithClock(clock func() time.Time) Option {
	return func(c *Coordinator) { c.clock = clock }
}

// Coordinator is a single-use state machine for one Flow. Methods are safe for
// concurrent use but execute strictly one at a time.
type Coordinator struct {
	mu sync.Mutex

	ledger  ledger.Ledger
	waiter  *ledger.Waiter
	guard   *ChainGuard
	journal Journal
	logger  *slog.Logger
	metrics *observability.EscrowMetrics
	tracer  trace.Tracer
	clock   func() time.Time

	flow        Flow
	step        Step
	amount      *big.Int
	required    *big.Int
	approved    common.Hash
	approvedFor *big.Int
	rechecks    int
	approving   common.Hash
	pending     common.Hash
	settle      func(ctx context.Context, confirmed bool, detail string)
}

// approvalRechecks is how many Approve calls re-read the allowance after a
// confirmed approval before another approve may be broadcast.
const approvalRechecks = 3

// New constructs a coordinator for flow.
func New(l ledger.Ledger, flow Flow, opts ...Option) (*Coordinator, error) {
	if l == nil {
		return nil, fmt.Errorf("txflow: ledger required")
	}
	if flow.Action == nil {
		return nil, fmt.Errorf("txflow: %s: action required", flow.Name)
	}
	if flow.Spender == (common.Address{}) {
		flow.Spender = l.EscrowAddress()
	}
	if flow.Required == nil {
		flow.Required = func(v *big.Int) (*big.Int, error) { return new(big.Int).Set(v), nil }
	}
	c := &Coordinator{
		ledger:  l,
		flow:    flow,
		step:    StepInput,
		logger:  slog.Default(),
		metrics: observability.Escrow(),
		tracer:  otel.Tracer("valyra/txflow"),
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.waiter == nil {
		c.waiter = ledger.NewWaiter(l, ledger.WithWaiterLogger(c.logger))
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c, nil
}

// Step reports the current position.
func (c *Coordinator) Step() Step {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.step
}

// Required returns the allowance target computed by the last SetAmount.
func (c *Coordinator) Required() *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.required == nil {
		return nil
	}
	return new(big.Int).Set(c.required)
}

// Pending returns the hash of an action broadcast without an observed receipt.
func (c *Coordinator) Pending() (common.Hash, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending, c.pending != (common.Hash{})
}

// SetAmount fixes the amount and re-reads the allowance to pick the next step.
// It may be called again from StepApprove or StepAct to change the amount.
func (c *Coordinator) SetAmount(ctx context.Context, value *big.Int) (Step, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.step == StepDone || c.pending != (common.Hash{}) || c.approving != (common.Hash{}) {
		return c.step, ErrWrongStep
	}
	if value == nil || value.Sign() <= 0 {
		return c.step, ErrInvalidAmount
	}
	required, err := c.flow.Required(value)
	if err != nil {
		return c.step, fmt.Errorf("txflow: %s: required allowance: %w", c.flow.Name, err)
	}
	c.amount = new(big.Int).Set(value)
	c.required = required
	return c.refreshLocked(ctx)
}

func (c *Coordinator) refreshLocked(ctx context.Context) (Step, error) {
	allowance, err := c.ledger.Allowance(ctx, c.flow.Owner, c.flow.Spender)
	if err != nil {
		return c.step, fmt.Errorf("txflow: %s: read allowance: %w", c.flow.Name, err)
	}
	if amount.Covers(allowance, c.required) {
		c.step = StepAct
	} else {
		c.step = StepApprove
	}
	c.logger.Debug("allowance checked",
		slog.String("action", c.flow.Name),
		slog.String("allowance", allowance.String()),
		slog.String("required", c.required.String()),
		slog.String("step", c.step.String()))
	return c.step, nil
}

// Approve grants the required allowance, waits for the receipt and re-reads
// the allowance. The flow only advances when the fresh read covers the target.
func (c *Coordinator) Approve(ctx context.Context) (Step, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.step != StepApprove {
		return c.step, ErrWrongStep
	}
	ctx, span := c.tracer.Start(ctx, "txflow.approve",
		trace.WithAttributes(attribute.String("action", c.flow.Name), attribute.String("required", c.required.String())))
	defer span.End()
	start := c.clock()

	if c.approvedFor != nil && amount.Covers(c.approvedFor, c.required) && c.approving == (common.Hash{}) {
		step, err := c.refreshLocked(ctx)
		if err != nil {
			return c.failLocked(span, "approve", start, errs.ApprovedNotSubmitted, err)
		}
		if step == StepAct {
			span.SetStatus(codes.Ok, "allowance caught up")
			return step, nil
		}
		c.rechecks++
		if c.rechecks < approvalRechecks {
			return c.failLocked(span, "approve", start, errs.ApprovedNotSubmitted, errs.ErrAllowanceInsufficient)
		}
		c.logger.Warn("confirmed approval never reached the allowance, approving again",
			slog.String("action", c.flow.Name),
			slog.String("previous", c.approved.Hex()))
		c.approvedFor = nil
	}

	hash := c.approving
	if hash == (common.Hash{}) {
		if err := c.guardLocked(ctx); err != nil {
			return c.failLocked(span, "approve", start, errs.NothingChanged, err)
		}
		var err error
		hash, err = c.ledger.Submit(ctx, ledger.Approve(c.flow.Spender, c.required))
		if err != nil {
			return c.failLocked(span, "approve", start, errs.NothingChanged, err)
		}
		c.approving = hash
	}
	span.SetAttributes(attribute.String("tx", hash.Hex()))
	receipt, err := c.waiter.Wait(ctx, hash)
	if err != nil {
		return c.failLocked(span, "approve", start, errs.SubmittedAwaiting, fmt.Errorf("%w: approve %s", err, hash.Hex()))
	}
	c.approving = common.Hash{}
	if err := receipt.Err("approve"); err != nil {
		progress := errs.NothingChanged
		if c.approved != (common.Hash{}) {
			progress = errs.ApprovedNotSubmitted
		}
		return c.failLocked(span, "approve", start, progress, err)
	}
	c.approved = hash
	c.approvedFor = new(big.Int).Set(c.required)
	c.rechecks = 0
	step, err := c.refreshLocked(ctx)
	if err != nil {
		return c.failLocked(span, "approve", start, errs.ApprovedNotSubmitted, err)
	}
	if step != StepAct {
		return c.failLocked(span, "approve", start, errs.ApprovedNotSubmitted, errs.ErrAllowanceInsufficient)
	}
	c.metrics.RecordTx("approve", "confirmed", c.clock().Sub(start))
	span.SetStatus(codes.Ok, "allowance confirmed")
	return step, nil
}

// Act simulates (when configured) and submits the gated action, then waits
// for its receipt. A confirmed receipt moves the flow to StepDone.
func (c *Coordinator) Act(ctx context.Context) (Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.step != StepAct {
		return Result{}, ErrWrongStep
	}
	ctx, span := c.tracer.Start(ctx, "txflow.act", trace.WithAttributes(attribute.String("action", c.flow.Name)))
	defer span.End()
	start := c.clock()
	before := errs.NothingChanged
	if c.approved != (common.Hash{}) {
		before = errs.ApprovedNotSubmitted
	}

	hash := c.pending
	if hash == (common.Hash{}) {
		if err := c.guardLocked(ctx); err != nil {
			_, err = c.failLocked(span, c.flow.Name, start, before, err)
			return Result{}, err
		}
		call, err := c.flow.Action(c.amount)
		if err != nil {
			_, err = c.failLocked(span, c.flow.Name, start, before, err)
			return Result{}, err
		}
		if c.flow.Simulate {
			if err := c.ledger.Simulate(ctx, call); err != nil {
				_, err = c.failLocked(span, c.flow.Name, start, before, err)
				return Result{}, err
			}
		}
		hash, err = c.ledger.Submit(ctx, call)
		if err != nil {
			_, err = c.failLocked(span, c.flow.Name, start, before, err)
			return Result{}, err
		}
		c.pending = hash
		c.recordLocked(ctx, hash)
	}
	span.SetAttributes(attribute.String("tx", hash.Hex()))

	receipt, err := c.waiter.Wait(ctx, hash)
	if err != nil {
		_, err = c.failLocked(span, c.flow.Name, start, errs.SubmittedAwaiting, fmt.Errorf("%w: %s %s", err, c.flow.Name, hash.Hex()))
		return Result{}, err
	}
	c.pending = common.Hash{}
	if err := receipt.Err(c.flow.Name); err != nil {
		c.settleLocked(ctx, false, receipt.Reason)
		// A reverted action leaves the allowance intact; re-check before retry.
		if c.flow.Owner != (common.Address{}) {
			if _, rerr := c.refreshLocked(ctx); rerr != nil {
				c.logger.Warn("allowance refresh failed", slog.Any("error", rerr))
			}
		}
		_, err = c.failLocked(span, c.flow.Name, start, before, err)
		return Result{}, err
	}
	c.settleLocked(ctx, true, "")
	c.step = StepDone
	c.metrics.RecordTx(c.flow.Name, "confirmed", c.clock().Sub(start))
	span.SetStatus(codes.Ok, "confirmed")
	c.logger.Info("transaction confirmed",
		slog.String("action", c.flow.Name),
		slog.String("tx", hash.Hex()),
		slog.Uint64("block", receipt.BlockNumber))
	return Result{Receipt: receipt, Redirect: c.flow.Redirect, Approval: c.approved}, nil
}

// Run drives the flow from its current step to completion. After an error it
// can be called again and resumes where it stopped; a confirmed approval is
// never redone and a broadcast action is waited on rather than resent.
func (c *Coordinator) Run(ctx context.Context, value *big.Int) (Result, error) {
	c.mu.Lock()
	reread := c.step == StepInput || (c.step == StepApprove && c.approving == (common.Hash{}) && value != nil)
	c.mu.Unlock()
	if reread {
		if _, err := c.SetAmount(ctx, value); err != nil {
			return Result{}, err
		}
	}
	if c.Step() == StepApprove {
		if _, err := c.Approve(ctx); err != nil {
			return Result{}, err
		}
	}
	return c.Act(ctx)
}

func (c *Coordinator) recordLocked(ctx context.Context, hash common.Hash) {
	if c.journal == nil {
		return
	}
	settle, err := c.journal.Record(ctx, c.flow.Name, c.flow.Owner, hash)
	if err != nil {
		c.logger.Warn("journal record failed", slog.String("action", c.flow.Name), slog.Any("error", err))
		return
	}
	c.settle = settle
}

func (c *Coordinator) settleLocked(ctx context.Context, confirmed bool, detail string) {
	if c.settle == nil {
		return
	}
	c.settle(ctx, confirmed, detail)
	c.settle = nil
}

func (c *Coordinator) guardLocked(ctx context.Context) error {
	if c.guard == nil {
		return nil
	}
	return c.guard.Ensure(ctx)
}

func (c *Coordinator) failLocked(span trace.Span, step string, start time.Time, progress errs.Progress, err error) (Step, error) {
	outcome := "failed"
	switch {
	case errors.Is(err, errs.ErrTransactionReverted):
		outcome = "reverted"
	case errors.Is(err, errs.ErrAwaitingReceipt):
		outcome = "pending"
	case errors.Is(err, errs.ErrUserRejected):
		outcome = "rejected"
	}
	c.metrics.RecordTx(step, outcome, c.clock().Sub(start))
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	c.logger.Warn("transaction step failed",
		slog.String("action", c.flow.Name),
		slog.String("step", step),
		slog.String("progress", progress.String()),
		slog.Any("error", err))
	return c.step, &errs.StepError{Step: step, Progress: progress, Err: err}
}
