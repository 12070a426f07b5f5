// Package records talks to the off-chain store that mirrors listings, offers and
// escrows and fronts the credential vault. Every call that needs a session
// takes the acting address; a 401 drops that address's session.
package records

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"valyra/auth"
	"valyra/errs"
)

// ErrInvalidID is returned before any request for ids the API cannot route.
var ErrInvalidID = errors.New("records: invalid id")

// Authenticator supplies and revokes session headers.
type Authenticator interface {
	Headers(ctx context.Context, address string) (auth.Headers, error)
	Invalidate(address string)
}

// APIError is a non-2xx answer from the API.
type APIError struct {
	Method string
	Path   string
	Status int
	Detail string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("records: %s %s: status %d: %s", e.Method, e.Path, e.Status, e.Detail)
}

// Unwrap maps 401 onto errs.ErrAuthenticationRequired.
func (e *APIError) Unwrap() error {
	if e.Status == http.StatusUnauthorized {
		return errs.ErrAuthenticationRequired
	}
	return nil
}

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return 0
}

// DetailOf returns the server's error detail carried by err.
func DetailOf(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Detail
	}
	return ""
}

// Client is the HTTP client for the off-chain API.
type Client struct {
	baseURL string
	auth    Authenticator
	http    *http.Client
	logger  *slog.Logger
}

// ClientOption customises the client.
type ClientOption func(*Client)

// WithHTTPClient replaces the HTTP client. Its transport is used as-is.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient builds a client rooted at baseURL (for example
// http://localhost:8000/api/v1).
func NewClient(baseURL string, authn Authenticator, opts ...ClientOption) (*Client, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	parsed, err := url.Parse(trimmed)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("records: invalid base url %q", baseURL)
	}
	c := &Client{
		baseURL: trimmed,
		auth:    authn,
		http: &http.Client{
			Timeout:   15 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c, nil
}

// SentOffers lists offers made by address.
func (c *Client) SentOffers(ctx context.Context, address string) ([]Offer, error) {
	var out []Offer
	if err := c.do(ctx, address, http.MethodGet, "/offers/me", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ReceivedOffers lists offers on listings owned by address.
func (c *Client) ReceivedOffers(ctx context.Context, address string) ([]Offer, error) {
	var out []Offer
	if err := c.do(ctx, address, http.MethodGet, "/offers/received", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// MarkOffer records an accept, reject or cancel that already landed on-chain.
func (c *Client) MarkOffer(ctx context.Context, address, offerID, action string) error {
	if _, err := uuid.Parse(offerID); err != nil {
		return fmt.Errorf("%w: offer %q", ErrInvalidID, offerID)
	}
	switch action {
	case "accept", "reject", "cancel":
	default:
		return fmt.Errorf("records: unknown offer action %q", action)
	}
	return c.do(ctx, address, http.MethodPost, "/offers/"+offerID+"/"+action, nil, nil)
}

// Escrow fetches the off-chain escrow by UUID or on-chain id. No session needed.
func (c *Client) Escrow(ctx context.Context, escrowID string) (*Escrow, error) {
	if err := validateEscrowID(escrowID); err != nil {
		return nil, err
	}
	var out Escrow
	if err := c.do(ctx, "", http.MethodGet, "/escrow/"+escrowID, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Listing fetches a listing by UUID.
func (c *Client) Listing(ctx context.Context, listingID string) (*Listing, error) {
	if _, err := uuid.Parse(listingID); err != nil {
		return nil, fmt.Errorf("%w: listing %q", ErrInvalidID, listingID)
	}
	var out Listing
	if err := c.do(ctx, "", http.MethodGet, "/listings/"+listingID, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UploadCredentials seals creds into the vault for escrowID.
func (c *Client) UploadCredentials(ctx context.Context, address, escrowID string, creds Credentials) (*UploadResult, error) {
	if err := validateEscrowID(escrowID); err != nil {
		return nil, err
	}
	var raw struct {
		Escrow
		IPFSHash *string `json:"ipfs_hash"`
	}
	if err := c.do(ctx, address, http.MethodPost, "/escrow/"+escrowID+"/upload-credentials", creds, &raw); err != nil {
		return nil, err
	}
	result := &UploadResult{Escrow: raw.Escrow}
	switch {
	case raw.CredentialsContentID != nil && strings.TrimSpace(*raw.CredentialsContentID) != "":
		result.ContentID = strings.TrimSpace(*raw.CredentialsContentID)
	case raw.IPFSHash != nil:
		result.ContentID = strings.TrimSpace(*raw.IPFSHash)
	}
	if result.ContentID == "" {
		return nil, fmt.Errorf("records: upload for escrow %s returned no content id", escrowID)
	}
	return result, nil
}

// RollbackCredentials removes the vault entry for escrowID and resets the
// off-chain state to funded.
func (c *Client) RollbackCredentials(ctx context.Context, address, escrowID string) (string, error) {
	if err := validateEscrowID(escrowID); err != nil {
		return "", err
	}
	var out struct {
		Message string `json:"message"`
	}
	if err := c.do(ctx, address, http.MethodPost, "/escrow/"+escrowID+"/rollback-credentials", nil, &out); err != nil {
		return "", err
	}
	return out.Message, nil
}

// RegisterPublicKey stores the buyer's encryption key for escrowID.
func (c *Client) RegisterPublicKey(ctx context.Context, address, escrowID, publicKeyHex string) error {
	if err := validateEscrowID(escrowID); err != nil {
		return err
	}
	body := map[string]string{"public_key": publicKeyHex}
	return c.do(ctx, address, http.MethodPost, "/escrow/"+escrowID+"/public-key", body, nil)
}

// CredentialBundle fetches the sealed credentials for address.
func (c *Client) CredentialBundle(ctx context.Context, address, escrowID string) (*Bundle, error) {
	if err := validateEscrowID(escrowID); err != nil {
		return nil, err
	}
	var out Bundle
	if err := c.do(ctx, address, http.MethodGet, "/escrow/"+escrowID+"/credentials", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, address, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("records: encode %s: %w", path, err)
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if address != "" {
		if c.auth == nil {
			return fmt.Errorf("%w: no authenticator configured", errs.ErrAuthenticationRequired)
		}
		headers, err := c.auth.Headers(ctx, address)
		if err != nil {
			return err
		}
		headers.Apply(req)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("records: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Method: method, Path: path, Status: resp.StatusCode, Detail: readDetail(resp.Body)}
		if resp.StatusCode == http.StatusUnauthorized && address != "" && c.auth != nil {
			c.auth.Invalidate(address)
		}
		c.logger.Debug("api request failed",
			slog.String("method", method),
			slog.String("path", path),
			slog.Int("status", resp.StatusCode))
		return apiErr
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("records: decode %s: %w", path, err)
	}
	return nil
}

// readDetail extracts the API's {"detail": ...} field, falling back to the raw body.
func readDetail(r io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(r, 64<<10))
	var envelope struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil && len(envelope.Detail) > 0 {
		var text string
		if err := json.Unmarshal(envelope.Detail, &text); err == nil {
			return text
		}
		return string(envelope.Detail)
	}
	return strings.TrimSpace(string(raw))
}

func validateEscrowID(id string) error {
	trimmed := strings.TrimSpace(id)
	if trimmed == "" {
		return fmt.Errorf("%w: empty escrow id", ErrInvalidID)
	}
	if _, err := uuid.Parse(trimmed); err == nil {
		return nil
	}
	for _, r := range trimmed {
		if r < '0' || r > '9' {
			return fmt.Errorf("%w: escrow %q", ErrInvalidID, id)
		}
	}
	return nil
}
