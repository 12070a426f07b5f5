// Package escrowview merges the chain's escrow record with the off-chain
// snapshot into the single step and action set a client renders. Resolve is a
// pure function; the Poller re-runs it on every tick.
package escrowview

import (
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"valyra/ledger"
	"valyra/records"
)

// Step is the escrow progress index shown to users.
type Step int

const (
	StepFunding Step = iota
	StepDeposit
	StepHandover
	StepVerification
	StepConfirmation
	StepReleased
)

var stepNames = [...]string{"Funding", "Deposit", "Handover", "Verification", "Confirmation", "Released"}

func (s Step) String() string {
	if s >= 0 && int(s) < len(stepNames) {
		return stepNames[s]
	}
	return stepNames[0]
}

// StepFor maps a lowercase state name to its step. Unknown or empty states
// map to StepFunding.
func StepFor(state string) Step {
	switch strings.ToLower(strings.TrimSpace(state)) {
	case "funded":
		return StepHandover
	case "delivered", "disputed":
		return StepVerification
	case "confirmed", "resolved":
		return StepConfirmation
	case "completed":
		return StepReleased
	default:
		return StepFunding
	}
}

// StepForState maps the chain enum, including values outside it.
func StepForState(state ledger.EscrowState) Step {
	if !state.Known() {
		return StepFunding
	}
	return StepFor(state.String())
}

// Role is the viewer's relationship to the escrow.
type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
	RoleViewer Role = "viewer"
)

// RoleOf compares viewer to the parties case-insensitively.
func RoleOf(viewer, buyer, seller string) Role {
	v := strings.TrimSpace(viewer)
	if v == "" {
		return RoleViewer
	}
	switch {
	case buyer != "" && strings.EqualFold(v, strings.TrimSpace(buyer)):
		return RoleBuyer
	case seller != "" && strings.EqualFold(v, strings.TrimSpace(seller)):
		return RoleSeller
	default:
		return RoleViewer
	}
}

// Action is something the viewer may do next.
type Action string

const (
	ActionCompleteFunding    Action = "complete_funding"
	ActionUploadCredentials  Action = "upload_credentials"
	ActionDecryptCredentials Action = "decrypt_credentials"
	ActionConfirmReceipt     Action = "confirm_receipt"
	ActionRequestExtension   Action = "request_extension"
	ActionRaiseDispute       Action = "raise_dispute"
	ActionClaimRetainer      Action = "claim_retainer"
	ActionReportIssue        Action = "report_transition_issue"
)

// Snapshot is one read of both stores. Either side may be missing.
type Snapshot struct {
	Record *records.Escrow
	Chain  *ledger.Escrow
	Hold   *ledger.TransitionHold
}

// Hold summarises a transition hold.
type Hold struct {
	RetainedAmount string    `json:"retained_amount"`
	ReleaseTime    time.Time `json:"release_time"`
	Released       bool      `json:"released"`
	Claimed        bool      `json:"claimed"`
	Notes          string    `json:"notes,omitempty"`
}

// View is the resolved, immutable presentation of an escrow.
type View struct {
	EscrowID            string    `json:"escrow_id"`
	OnChainID           string    `json:"on_chain_id,omitempty"`
	State               string    `json:"state"`
	Step                Step      `json:"step"`
	StepName            string    `json:"step_name"`
	Role                Role      `json:"role"`
	Actions             []Action  `json:"actions"`
	Buyer               string    `json:"buyer"`
	Seller              string    `json:"seller"`
	CredentialCommitted bool      `json:"credential_committed"`
	ExtensionUsed       bool      `json:"extension_used"`
	VerifyDeadline      time.Time `json:"verify_deadline,omitempty"`
	Hold                *Hold     `json:"hold,omitempty"`
	// Diverged is set when the off-chain state string disagrees with the chain.
	Diverged   bool      `json:"diverged"`
	ResolvedAt time.Time `json:"resolved_at"`
}

// Allows reports whether action is offered.
func (v View) Allows(action Action) bool {
	for _, a := range v.Actions {
		if a == action {
			return true
		}
	}
	return false
}

// Resolve derives the view for viewer at now. Chain data wins whenever present.
func Resolve(snap Snapshot, viewer string, now time.Time) View {
	view := View{ResolvedAt: now.UTC(), Actions: []Action{}}
	chain := snap.Chain
	if chain != nil && (chain.ID == nil || chain.ID.Sign() == 0) {
		chain = nil
	}
	record := snap.Record

	if record != nil {
		view.EscrowID = record.ID
		view.State = strings.ToLower(strings.TrimSpace(record.State))
		view.Buyer = record.BuyerAddress
		view.Seller = record.SellerAddress
		if id, ok := record.ChainEscrowID(); ok {
			view.OnChainID = id.String()
		}
		if record.VerificationDeadline != nil {
			view.VerifyDeadline = record.VerificationDeadline.UTC()
		}
	}
	view.Step = StepFor(view.State)

	if chain != nil {
		view.OnChainID = chain.ID.String()
		if view.EscrowID == "" {
			view.EscrowID = view.OnChainID
		}
		if record != nil && view.State != "" && view.State != chain.State.String() {
			view.Diverged = true
		}
		view.State = chain.State.String()
		view.Step = StepForState(chain.State)
		if chain.Buyer != (common.Address{}) {
			view.Buyer = chain.Buyer.Hex()
		}
		if chain.Seller != (common.Address{}) {
			view.Seller = chain.Seller.Hex()
		}
		view.CredentialCommitted = chain.HasCredentialHash()
		view.ExtensionUsed = chain.VerifyExtensionUsed
		if !chain.VerifyDeadline.IsZero() {
			view.VerifyDeadline = chain.VerifyDeadline
		}
	}

	hold := snap.Hold
	if hold.Exists() {
		view.Hold = &Hold{
			ReleaseTime: hold.ReleaseTime,
			Released:    hold.Released,
			Claimed:     hold.Claimed,
			Notes:       hold.AssistanceNotes,
		}
		if hold.RetainedAmount != nil {
			view.Hold.RetainedAmount = hold.RetainedAmount.String()
		}
	} else {
		hold = nil
	}

	view.StepName = view.Step.String()
	view.Role = RoleOf(viewer, view.Buyer, view.Seller)
	view.Actions = actionsFor(view, hold, now)
	return view
}

func actionsFor(view View, hold *ledger.TransitionHold, now time.Time) []Action {
	actions := []Action{}
	if view.Role == RoleViewer {
		return actions
	}
	disputable := (view.Step == StepVerification || view.Step == StepConfirmation) &&
		view.State != ledger.StateDisputed.String() && view.State != ledger.StateResolved.String()

	switch view.Role {
	case RoleSeller:
		if view.Step == StepHandover {
			actions = append(actions, ActionUploadCredentials)
		}
		if disputable {
			actions = append(actions, ActionRaiseDispute)
		}
		if hold != nil && !hold.Claimed && !now.Before(hold.ReleaseTime) {
			actions = append(actions, ActionClaimRetainer)
		}
	case RoleBuyer:
		if view.State == ledger.StateCreated.String() {
			actions = append(actions, ActionCompleteFunding)
		}
		if view.CredentialCommitted && view.Step >= StepVerification {
			actions = append(actions, ActionDecryptCredentials)
		}
		if view.State == ledger.StateDelivered.String() {
			actions = append(actions, ActionConfirmReceipt)
			if !view.ExtensionUsed {
				actions = append(actions, ActionRequestExtension)
			}
		}
		if disputable {
			actions = append(actions, ActionRaiseDispute)
		}
		if hold != nil && !hold.Released && !hold.Claimed {
			actions = append(actions, ActionReportIssue)
		}
	}
	return actions
}
