package escrowview

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"valyra/ledger"
	"valyra/txflow"
)

var (
	// ErrActionNotAllowed is returned when the view does not offer the action.
	ErrActionNotAllowed = errors.New("escrowview: action not available")
	// ErrUnsupportedAction is returned for actions served by other flows.
	ErrUnsupportedAction = errors.New("escrowview: action handled elsewhere")
)

// Params carries the optional inputs of dispute and issue reports.
type Params struct {
	DisputeType ledger.DisputeType
	Evidence    string
	Issue       string
}

// Executor runs the single-call escrow actions: confirmation, disputes,
// extension requests, retainer claims and transition issue reports.
type Executor struct {
	ledger   ledger.Ledger
	flowOpts []txflow.Option
	refresh  func(ctx context.Context) (View, error)
	logger   *slog.Logger
}

// NewExecutor builds an executor. refresh, when set, is called after every
// confirmed action and its View returned to the caller.
func NewExecutor(l ledger.Ledger, refresh func(ctx context.Context) (View, error), logger *slog.Logger, opts ...txflow.Option) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{ledger: l, flowOpts: opts, refresh: refresh, logger: logger}
}

// Do checks that view offers action, submits it and waits for the receipt.
func (x *Executor) Do(ctx context.Context, view View, action Action, params Params) (txflow.Result, *View, error) {
	if !view.Allows(action) {
		return txflow.Result{}, nil, fmt.Errorf("%w: %s for %s at %s", ErrActionNotAllowed, action, view.Role, view.StepName)
	}
	escrowID, ok := numericID(view.OnChainID)
	if !ok {
		return txflow.Result{}, nil, fmt.Errorf("escrowview: escrow %s has no on-chain id", view.EscrowID)
	}
	var call ledger.Call
	switch action {
	case ActionConfirmReceipt:
		call = ledger.ConfirmReceipt(escrowID)
	case ActionRequestExtension:
		call = ledger.RequestVerificationExtension(escrowID)
	case ActionClaimRetainer:
		call = ledger.ClaimTransitionRetainer(escrowID)
	case ActionRaiseDispute:
		evidence := strings.TrimSpace(params.Evidence)
		if evidence == "" {
			return txflow.Result{}, nil, fmt.Errorf("escrowview: dispute evidence required")
		}
		call = ledger.RaiseDispute(escrowID, params.DisputeType, evidence)
	case ActionReportIssue:
		issue := strings.TrimSpace(params.Issue)
		if issue == "" {
			return txflow.Result{}, nil, fmt.Errorf("escrowview: issue description required")
		}
		call = ledger.ReportTransitionIssue(escrowID, issue)
	default:
		return txflow.Result{}, nil, fmt.Errorf("%w: %s", ErrUnsupportedAction, action)
	}

	res, err := txflow.Execute(ctx, x.ledger, call, x.flowOpts...)
	if err != nil {
		return txflow.Result{}, nil, err
	}
	x.logger.Info("escrow action confirmed",
		slog.String("escrow_id", escrowID.String()),
		slog.String("action", string(action)),
		slog.String("tx", res.Receipt.TxHash.Hex()))
	if x.refresh == nil {
		return res, nil, nil
	}
	next, err := x.refresh(ctx)
	if err != nil {
		// The action landed; a stale view is corrected by the next poll.
		x.logger.Warn("refresh after action failed", slog.String("escrow_id", escrowID.String()), slog.Any("error", err))
		return res, nil, nil
	}
	return res, &next, nil
}
