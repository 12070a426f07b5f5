// Package errs holds the error taxonomy shared by every escrow flow. Callers
// branch on these with errors.Is / errors.As; packages wrap them with %w so the
// original cause stays reachable.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrAuthenticationRequired is returned when no valid session exists and the
	// wallet declined (or could not) sign a fresh challenge.
	ErrAuthenticationRequired = errors.New("valyra: authentication required")
	// ErrDuplicateOffer means the buyer already holds an active offer on the listing.
	ErrDuplicateOffer = errors.New("valyra: active offer already exists for listing")
	// ErrAllowanceInsufficient is transient: the flow stays on the approve step.
	ErrAllowanceInsufficient = errors.New("valyra: token allowance insufficient")
	// ErrTransactionReverted marks an on-chain revert. See RevertError.
	ErrTransactionReverted = errors.New("valyra: transaction reverted")
	// ErrSyncDivergence reports that the off-chain record lags the chain.
	ErrSyncDivergence = errors.New("valyra: off-chain record diverged from chain")
	// ErrVaultUploadFailed is returned before anything was committed; safe to retry.
	ErrVaultUploadFailed = errors.New("valyra: vault upload failed")
	// ErrCommitFailedAfterUpload means the vault holds credentials whose hash never
	// landed on-chain. Compensation has been attempted.
	ErrCommitFailedAfterUpload = errors.New("valyra: credential commit failed after upload")
	// ErrRollbackFailed requires manual support: the vault could not be reset.
	ErrRollbackFailed = errors.New("valyra: credential rollback failed, manual support required")
	// ErrWrongNetwork is returned when the wallet is on another chain and refused to switch.
	ErrWrongNetwork = errors.New("valyra: wallet connected to wrong network")
	// ErrAwaitingReceipt is returned when waiting stopped after broadcast. The
	// transaction may still confirm.
	ErrAwaitingReceipt = errors.New("valyra: transaction submitted, awaiting confirmation")
	// ErrUserRejected is returned when the wallet declined to sign.
	ErrUserRejected = errors.New("valyra: request rejected in wallet")
)

// RevertError carries the decoded revert reason of a failed transaction or
// simulation.
type RevertError struct {
	Action string
	TxHash string
	Reason string
}

func (e *RevertError) Error() string {
	var b strings.Builder
	b.WriteString("valyra: ")
	if e.Action != "" {
		b.WriteString(e.Action)
		b.WriteString(" ")
	}
	b.WriteString("reverted")
	if e.Reason != "" {
		fmt.Fprintf(&b, ": %s", e.Reason)
	}
	if e.TxHash != "" {
		fmt.Fprintf(&b, " (tx %s)", e.TxHash)
	}
	return b.String()
}

// Unwrap lets errors.Is match ErrTransactionReverted.
func (e *RevertError) Unwrap() error { return ErrTransactionReverted }

// Reason extracts the revert reason from err, if any.
func Reason(err error) string {
	var rev *RevertError
	if errors.As(err, &rev) {
		return rev.Reason
	}
	return ""
}

// Progress describes how far a multi-step flow got before it stopped. Every
// error surfaced to a user should be paired with one.
type Progress int

const (
	// NothingChanged means no transaction was broadcast.
	NothingChanged Progress = iota
	// ApprovedNotSubmitted means the allowance landed but the gated action did not.
	ApprovedNotSubmitted
	// SubmittedAwaiting means the action was broadcast and has no receipt yet.
	SubmittedAwaiting
	// Confirmed means the action's receipt was observed.
	Confirmed
)

func (p Progress) String() string {
	switch p {
	case ApprovedNotSubmitted:
		return "approved but not yet submitted"
	case SubmittedAwaiting:
		return "submitted, awaiting confirmation"
	case Confirmed:
		return "confirmed"
	default:
		return "failed, nothing changed"
	}
}

// StepError wraps a failure with the progress reached so far.
type StepError struct {
	Step     string
	Progress Progress
	Err      error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %v (%s)", e.Step, e.Err, e.Progress)
}

func (e *StepError) Unwrap() error { return e.Err }

// ProgressOf reports the progress recorded on err, defaulting to NothingChanged.
func ProgressOf(err error) Progress {
	var step *StepError
	if errors.As(err, &step) {
		return step.Progress
	}
	if errors.Is(err, ErrAwaitingReceipt) {
		return SubmittedAwaiting
	}
	return NothingChanged
}
