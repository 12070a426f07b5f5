package records

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"valyra/auth"
	"valyra/errs"
)

const (
	buyerAddr  = "0x00000000000000000000000000000000000000B1"
	escrowUUID = "3f1c9a4e-5b3d-4a8e-9c55-0d2f6f8e1a77"
	offerUUID  = "8d0f3e2a-1c4b-4e6a-b2f1-7a9c5d3e0b11"
)

type stubAuth struct {
	mu          sync.Mutex
	calls       int
	invalidated []string
	err         error
}

func (a *stubAuth) Headers(_ context.Context, address string) (auth.Headers, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if a.err != nil {
		return auth.Headers{}, a.err
	}
	return auth.Headers{WalletAddress: address, Signature: "0xsig", Timestamp: "1700000000"}, nil
}

func (a *stubAuth) Invalidate(address string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.invalidated = append(a.invalidated, address)
}

func newTestClient(t *testing.T, handler http.Handler) (*Client, *stubAuth) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	authn := &stubAuth{}
	client, err := NewClient(srv.URL+"/api/v1/", authn, WithHTTPClient(srv.Client()))
	require.NoError(t, err)
	return client, authn
}

func TestSentOffersDecodesAndAuthenticates(t *testing.T) {
	client, authn := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/offers/me", r.URL.Path)
		require.Equal(t, buyerAddr, r.Header.Get(auth.HeaderWalletAddress))
		require.Equal(t, "0xsig", r.Header.Get(auth.HeaderSignature))
		require.Equal(t, "1700000000", r.Header.Get(auth.HeaderTimestamp))
		_, _ = io.WriteString(w, `[{
			"id": "`+offerUUID+`",
			"listing_id": "b4a4a0ce-1111-4222-8333-944455556666",
			"listing_on_chain_id": 9,
			"escrow_on_chain_id": null,
			"listing_title": "Emoji SaaS",
			"listing_image": null,
			"buyer_address": "`+buyerAddr+`",
			"seller_address": "0x00000000000000000000000000000000000000a1",
			"offer_amount": "100.00",
			"earnest_deposit": "5.00",
			"on_chain_id": "12",
			"status": "PENDING",
			"created_at": "2025-01-01T00:00:00Z",
			"updated_at": "2025-01-01T00:00:00Z",
			"expires_at": "2025-01-08T00:00:00Z"
		}]`)
	}))

	offers, err := client.SentOffers(context.Background(), buyerAddr)
	require.NoError(t, err)
	require.Len(t, offers, 1)
	offer := offers[0]
	id, ok := offer.ChainOfferID()
	require.True(t, ok)
	require.Equal(t, int64(12), id.Int64())
	listing, ok := offer.ChainListingID()
	require.True(t, ok)
	require.Equal(t, int64(9), listing.Int64())
	_, ok = offer.ChainEscrowID()
	require.False(t, ok)
	units, err := offer.EarnestUnits()
	require.NoError(t, err)
	require.Equal(t, "5000000000000000000", units.String())
	require.Equal(t, 1, authn.calls)
}

func TestUnauthorizedInvalidatesSession(t *testing.T) {
	client, authn := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"detail":"Signature expired"}`)
	}))

	_, err := client.ReceivedOffers(context.Background(), buyerAddr)
	require.True(t, errors.Is(err, errs.ErrAuthenticationRequired))
	require.Equal(t, http.StatusUnauthorized, StatusOf(err))
	require.Equal(t, "Signature expired", DetailOf(err))
	require.Equal(t, []string{buyerAddr}, authn.invalidated)
}

func TestAuthFailureStopsBeforeRequest(t *testing.T) {
	hit := false
	client, authn := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { hit = true }))
	authn.err = errs.ErrAuthenticationRequired
	_, err := client.SentOffers(context.Background(), buyerAddr)
	require.ErrorIs(t, err, errs.ErrAuthenticationRequired)
	require.False(t, hit)
}

func TestUploadCredentialsReadsContentID(t *testing.T) {
	var got Credentials
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/v1/escrow/"+escrowUUID+"/upload-credentials", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = io.WriteString(w, `{"id":"`+escrowUUID+`","escrow_state":"delivered","credentials_ipfs_hash":"f1","amount":"100","platform_fee":"2.5","buyer_address":"b","seller_address":"s","created_at":"2025-01-01T00:00:00Z","updated_at":"2025-01-01T00:00:00Z"}`)
	}))

	res, err := client.UploadCredentials(context.Background(), buyerAddr, escrowUUID, Credentials{
		RepoURL: "https://github.com/acme/app",
		APIKeys: map[string]string{"stripe": "sk_live"},
	})
	require.NoError(t, err)
	require.Equal(t, "f1", res.ContentID)
	require.Equal(t, "delivered", res.Escrow.State)
	require.Equal(t, "sk_live", got.APIKeys["stripe"])
	require.Empty(t, got.Notes)
}

func TestUploadCredentialsFallsBackToIPFSHash(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"id":"`+escrowUUID+`","escrow_state":"delivered","ipfs_hash":"bafy1"}`)
	}))
	res, err := client.UploadCredentials(context.Background(), buyerAddr, "42", Credentials{Notes: "n"})
	require.NoError(t, err)
	require.Equal(t, "bafy1", res.ContentID)
}

func TestInvalidIDsNeverReachServer(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("unexpected request %s", r.URL.Path)
	}))
	_, err := client.Escrow(context.Background(), "../admin")
	require.ErrorIs(t, err, ErrInvalidID)
	err = client.MarkOffer(context.Background(), buyerAddr, "12", "accept")
	require.ErrorIs(t, err, ErrInvalidID)
	err = client.MarkOffer(context.Background(), buyerAddr, offerUUID, "delete")
	require.Error(t, err)
}

func TestRollbackAndBundle(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/rollback-credentials"):
			_, _ = io.WriteString(w, `{"message":"Credentials rolled back successfully"}`)
		case strings.HasSuffix(r.URL.Path, "/credentials"):
			_, _ = io.WriteString(w, `{"vault_entry_id":"v1","encrypted_data_blob":"aa","encrypted_ephemeral_private_key":"bb","ephemeral_public_key":"04cc"}`)
		case strings.HasSuffix(r.URL.Path, "/public-key"):
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			require.Equal(t, "0x04dd", body["public_key"])
			_, _ = io.WriteString(w, `{"status":"success"}`)
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `{"detail":[{"msg":"not found"}]}`)
		}
	}))
	ctx := context.Background()

	msg, err := client.RollbackCredentials(ctx, buyerAddr, escrowUUID)
	require.NoError(t, err)
	require.Equal(t, "Credentials rolled back successfully", msg)

	require.NoError(t, client.RegisterPublicKey(ctx, buyerAddr, escrowUUID, "0x04dd"))

	bundle, err := client.CredentialBundle(ctx, buyerAddr, escrowUUID)
	require.NoError(t, err)
	require.Equal(t, "v1", bundle.VaultEntryID)

	_, err = client.Listing(ctx, offerUUID)
	require.Equal(t, http.StatusNotFound, StatusOf(err))
	require.Equal(t, `[{"msg":"not found"}]`, DetailOf(err))
}
