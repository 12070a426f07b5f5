// Package auth maintains wallet-signature sessions for the off-chain API. A
// session is a personal signature over a timestamped challenge; it is reused
// until it ages out or the server answers 401.
package auth

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"valyra/wallet"
)

const (
	// HeaderWalletAddress carries the signer address.
	HeaderWalletAddress = "X-Wallet-Address"
	// HeaderSignature carries the 0x-prefixed personal signature.
	HeaderSignature = "X-Signature"
	// HeaderTimestamp carries the Unix-seconds timestamp embedded in the challenge.
	HeaderTimestamp = "X-Timestamp"

	challengePrefix = "Login to Valyra at "
)

// Challenge returns the message signed to open a session at ts.
func Challenge(ts int64) string {
	return challengePrefix + strconv.FormatInt(ts, 10)
}

// Session is a signed challenge for one address.
type Session struct {
	Address   string `json:"address"`
	Signature string `json:"signature"`
	Timestamp int64  `json:"timestamp"`
}

// Message returns the challenge the session signature covers.
func (s Session) Message() string { return Challenge(s.Timestamp) }

// IssuedAt returns the challenge timestamp.
func (s Session) IssuedAt() time.Time { return time.Unix(s.Timestamp, 0).UTC() }

// Fresh reports whether the session is younger than validity at now. Sessions
// stamped in the future beyond a minute of skew are never fresh.
func (s Session) Fresh(now time.Time, validity time.Duration) bool {
	age := now.Sub(s.IssuedAt())
	if age < -time.Minute {
		return false
	}
	return age < validity
}

// Verify checks that the signature recovers to the session address.
func (s Session) Verify() error {
	sig, err := hexutil.Decode(s.Signature)
	if err != nil {
		return fmt.Errorf("auth: decode signature: %w", err)
	}
	signer, err := wallet.RecoverPersonal([]byte(s.Message()), sig)
	if err != nil {
		return err
	}
	if !strings.EqualFold(signer.Hex(), s.Address) {
		return fmt.Errorf("auth: signature recovers to %s, not %s", signer.Hex(), s.Address)
	}
	return nil
}

// Headers returns the request headers for the session.
func (s Session) Headers() Headers {
	return Headers{
		WalletAddress: s.Address,
		Signature:     s.Signature,
		Timestamp:     strconv.FormatInt(s.Timestamp, 10),
	}
}

// Headers are the three authentication headers attached to API requests.
type Headers struct {
	WalletAddress string
	Signature     string
	Timestamp     string
}

// Apply sets the headers on req.
func (h Headers) Apply(req *http.Request) {
	req.Header.Set(HeaderWalletAddress, h.WalletAddress)
	req.Header.Set(HeaderSignature, h.Signature)
	req.Header.Set(HeaderTimestamp, h.Timestamp)
}

func normalizeAddress(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if !common.IsHexAddress(trimmed) {
		return "", fmt.Errorf("auth: invalid address %q", raw)
	}
	return common.HexToAddress(trimmed).Hex(), nil
}

func cacheKey(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}
