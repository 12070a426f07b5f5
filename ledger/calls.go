package ledger

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Contract identifies which deployed contract a call targets.
type Contract uint8

const (
	EscrowContract Contract = iota
	TokenContract
)

func (c Contract) String() string {
	if c == TokenContract {
		return "token"
	}
	return "escrow"
}

// Call is an unpacked contract write. Implementations of Writer pack it against
// the matching ABI.
type Call struct {
	Contract Contract
	Method   string
	Args     []any
}

func (c Call) String() string {
	return fmt.Sprintf("%s.%s", c.Contract, c.Method)
}

// Approve grants spender an allowance of amount on the payment token.
func Approve(spender common.Address, amount *big.Int) Call {
	return Call{Contract: TokenContract, Method: "approve", Args: []any{spender, amount}}
}

// MakeOffer locks the earnest deposit for an offer of amount on listingID.
func MakeOffer(listingID, amount *big.Int) Call {
	return Call{Contract: EscrowContract, Method: "makeOffer", Args: []any{listingID, amount}}
}

// AcceptOffer accepts offerID and opens an escrow sealed with method.
func AcceptOffer(offerID *big.Int, method EncryptionMethod) Call {
	return Call{Contract: EscrowContract, Method: "acceptOffer", Args: []any{offerID, uint8(method)}}
}

// RejectOffer rejects offerID and refunds its earnest deposit.
func RejectOffer(offerID *big.Int) Call {
	return Call{Contract: EscrowContract, Method: "rejectOffer", Args: []any{offerID}}
}

// CancelOffer withdraws the buyer's own pending offer.
func CancelOffer(offerID *big.Int) Call {
	return Call{Contract: EscrowContract, Method: "cancelOffer", Args: []any{offerID}}
}

// CompleteFunding pays the remainder owed on an accepted offer's escrow.
func CompleteFunding(escrowID *big.Int) Call {
	return Call{Contract: EscrowContract, Method: "completeFunding", Args: []any{escrowID}}
}

// DepositFunds buys a listing outright at amount.
func DepositFunds(listingID, amount *big.Int, method EncryptionMethod) Call {
	return Call{Contract: EscrowContract, Method: "depositFunds", Args: []any{listingID, amount, uint8(method)}}
}

// UploadCredentialHash commits the credential fingerprint for escrowID.
func UploadCredentialHash(escrowID *big.Int, hash common.Hash) Call {
	return Call{Contract: EscrowContract, Method: "uploadCredentialHash", Args: []any{escrowID, [32]byte(hash)}}
}

// ClaimTransitionRetainer releases the retainer to the seller.
func ClaimTransitionRetainer(escrowID *big.Int) Call {
	return Call{Contract: EscrowContract, Method: "claimTransitionRetainer", Args: []any{escrowID}}
}

// RequestVerificationExtension extends the buyer's verification window once.
func RequestVerificationExtension(escrowID *big.Int) Call {
	return Call{Contract: EscrowContract, Method: "requestVerificationExtension", Args: []any{escrowID}}
}

// ConfirmReceipt accepts the delivered credentials and releases funds.
func ConfirmReceipt(escrowID *big.Int) Call {
	return Call{Contract: EscrowContract, Method: "confirmReceipt", Args: []any{escrowID}}
}

// RaiseDispute opens a dispute with evidence stored off-chain.
func RaiseDispute(escrowID *big.Int, kind DisputeType, evidence string) Call {
	return Call{Contract: EscrowContract, Method: "raiseDispute", Args: []any{escrowID, uint8(kind), evidence}}
}

// ReportTransitionIssue flags a problem during the transition period.
func ReportTransitionIssue(escrowID *big.Int, issue string) Call {
	return Call{Contract: EscrowContract, Method: "reportTransitionIssue", Args: []any{escrowID, issue}}
}
