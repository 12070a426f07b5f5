package records

import (
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"valyra/amount"
)

// Offer statuses as stored off-chain.
const (
	OfferPending  = "PENDING"
	OfferAccepted = "ACCEPTED"
	OfferRejected = "REJECTED"
	OfferExpired  = "EXPIRED"
)

// Listing statuses.
const (
	ListingActive  = "active"
	ListingPending = "pending"
	ListingSold    = "sold"
	ListingDraft   = "draft"
	ListingPaused  = "paused"
)

// Offer is an offer joined with its listing, as returned by the offer lists.
type Offer struct {
	ID               string          `json:"id"`
	ListingID        string          `json:"listing_id"`
	ListingOnChainID *int64          `json:"listing_on_chain_id"`
	EscrowOnChainID  *int64          `json:"escrow_on_chain_id"`
	EscrowID         *string         `json:"escrow_id"`
	EscrowState      *string         `json:"escrow_state"`
	ListingTitle     string          `json:"listing_title"`
	ListingImage     *string         `json:"listing_image"`
	BuyerAddress     string          `json:"buyer_address"`
	SellerAddress    string          `json:"seller_address"`
	OfferAmount      decimal.Decimal `json:"offer_amount"`
	EarnestDeposit   decimal.Decimal `json:"earnest_deposit"`
	OnChainID        *string         `json:"on_chain_id"`
	Status           string          `json:"status"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
	ExpiresAt        *time.Time      `json:"expires_at"`
}

// NormalizedStatus returns Status upper-cased.
func (o Offer) NormalizedStatus() string {
	return strings.ToUpper(strings.TrimSpace(o.Status))
}

// ChainOfferID parses the on-chain offer id, if the offer was mirrored.
func (o Offer) ChainOfferID() (*big.Int, bool) {
	if o.OnChainID == nil {
		return nil, false
	}
	id, ok := new(big.Int).SetString(strings.TrimSpace(*o.OnChainID), 10)
	if !ok || id.Sign() <= 0 {
		return nil, false
	}
	return id, true
}

// ChainListingID returns the listing's on-chain id.
func (o Offer) ChainListingID() (*big.Int, bool) {
	return positive(o.ListingOnChainID)
}

// ChainEscrowID returns the on-chain escrow opened by acceptance.
func (o Offer) ChainEscrowID() (*big.Int, bool) {
	return positive(o.EscrowOnChainID)
}

// AmountUnits converts the offer amount to token base units.
func (o Offer) AmountUnits() (*big.Int, error) {
	v, err := amount.FromDecimal(o.OfferAmount)
	if err != nil {
		return nil, fmt.Errorf("records: offer %s amount: %w", o.ID, err)
	}
	return v, nil
}

// EarnestUnits converts the earnest deposit to token base units.
func (o Offer) EarnestUnits() (*big.Int, error) {
	v, err := amount.FromDecimal(o.EarnestDeposit)
	if err != nil {
		return nil, fmt.Errorf("records: offer %s earnest: %w", o.ID, err)
	}
	return v, nil
}

// Escrow is the off-chain escrow record.
type Escrow struct {
	ID                   string          `json:"id"`
	OnChainID            *int64          `json:"on_chain_id"`
	ContractAddress      *string         `json:"contract_address"`
	State                string          `json:"escrow_state"`
	BuyerAddress         string          `json:"buyer_address"`
	SellerAddress        string          `json:"seller_address"`
	Amount               decimal.Decimal `json:"amount"`
	PlatformFee          decimal.Decimal `json:"platform_fee"`
	CredentialsContentID *string         `json:"credentials_ipfs_hash"`
	VerificationDeadline *time.Time      `json:"verification_deadline"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

// ChainEscrowID returns the on-chain escrow id.
func (e Escrow) ChainEscrowID() (*big.Int, bool) {
	return positive(e.OnChainID)
}

// HasCredentials reports whether a vault upload is recorded.
func (e Escrow) HasCredentials() bool {
	return e.CredentialsContentID != nil && strings.TrimSpace(*e.CredentialsContentID) != ""
}

// Listing is the subset of a listing the escrow flows read.
type Listing struct {
	ID          string          `json:"id"`
	OnChainID   *int64          `json:"on_chain_id,omitempty"`
	SellerID    string          `json:"seller_id"`
	AssetName   string          `json:"asset_name"`
	AskingPrice decimal.Decimal `json:"asking_price"`
	Status      string          `json:"status"`
}

// PriceUnits converts the asking price to token base units.
func (l Listing) PriceUnits() (*big.Int, error) {
	return amount.FromDecimal(l.AskingPrice)
}

// Credentials is the plaintext bundle a seller hands over. It is only ever
// sent to the vault and never persisted by the client.
type Credentials struct {
	DomainCredentials string            `json:"domain_credentials,omitempty"`
	RepoURL           string            `json:"repo_url,omitempty"`
	RepoAccessToken   string            `json:"repo_access_token,omitempty"`
	APIKeys           map[string]string `json:"api_keys,omitempty"`
	Notes             string            `json:"notes,omitempty"`
}

// Empty reports whether no field carries data.
func (c Credentials) Empty() bool {
	return strings.TrimSpace(c.DomainCredentials) == "" &&
		strings.TrimSpace(c.RepoURL) == "" &&
		strings.TrimSpace(c.RepoAccessToken) == "" &&
		len(c.APIKeys) == 0 &&
		strings.TrimSpace(c.Notes) == ""
}

// LogValue keeps credential contents out of logs.
func (c Credentials) LogValue() slog.Value {
	return slog.StringValue(fmt.Sprintf("credentials{fields=%d}", c.fieldCount()))
}

func (c Credentials) fieldCount() int {
	n := len(c.APIKeys)
	for _, f := range []string{c.DomainCredentials, c.RepoURL, c.RepoAccessToken, c.Notes} {
		if strings.TrimSpace(f) != "" {
			n++
		}
	}
	return n
}

// UploadResult is the vault's answer to a credential upload.
type UploadResult struct {
	Escrow    Escrow
	ContentID string
}

// Bundle is the sealed credential package fetched for decryption. Blobs are
// hex encoded without a 0x prefix.
type Bundle struct {
	VaultEntryID                 string `json:"vault_entry_id"`
	EncryptedDataBlob            string `json:"encrypted_data_blob"`
	EncryptedEphemeralPrivateKey string `json:"encrypted_ephemeral_private_key"`
	EphemeralPublicKey           string `json:"ephemeral_public_key"`
}

func positive(v *int64) (*big.Int, bool) {
	if v == nil || *v <= 0 {
		return nil, false
	}
	return big.NewInt(*v), true
}
