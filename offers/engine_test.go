package offers

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"valyra/amount"
	"valyra/auth"
	"valyra/errs"
	"valyra/ledger"
	"valyra/ledger/ledgertest"
	"valyra/records"
	"valyra/txflow"
)

var (
	escrowAddr = common.HexToAddress("0x00000000000000000000000000000000000e5c70")
	buyerAddr  = common.HexToAddress("0x00000000000000000000000000000000000b0b01")
	sellerAddr = common.HexToAddress("0x00000000000000000000000000000000005e1101")
)

type fakeStore struct {
	sent     []records.Offer
	received []records.Offer
}

func (s *fakeStore) SentOffers(context.Context, string) ([]records.Offer, error) {
	return s.sent, nil
}

func (s *fakeStore) ReceivedOffers(context.Context, string) ([]records.Offer, error) {
	return s.received, nil
}

func (s *fakeStore) Listing(_ context.Context, id string) (*records.Listing, error) {
	return nil, fmt.Errorf("listing %s not stubbed", id)
}

type flakyMarker struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (m *flakyMarker) MarkOffer(context.Context, string, string, string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return m.err
}

type denySessions struct{}

func (denySessions) Session(context.Context, string) (auth.Session, error) {
	return auth.Session{}, fmt.Errorf("%w: user rejected", errs.ErrAuthenticationRequired)
}

func noSleep(context.Context, time.Duration) error { return nil }

func newEngine(t *testing.T, fake *ledgertest.Fake, store Store, syncer Syncer, account common.Address, opts ...Option) *Engine {
	t.Helper()
	waiter := ledger.NewWaiter(fake, ledger.WithSleep(noSleep))
	opts = append([]Option{WithFlowOptions(txflow.WithWaiter(waiter))}, opts...)
	e, err := New(fake, store, syncer, account, opts...)
	require.NoError(t, err)
	return e
}

func idrx(t *testing.T, raw string) *big.Int {
	t.Helper()
	v, err := amount.Parse(raw)
	require.NoError(t, err)
	return v
}

func ptr[T any](v T) *T { return &v }

func TestSubmitHundredWithEarnest(t *testing.T) {
	fake := ledgertest.New(escrowAddr, buyerAddr)
	e := newEngine(t, fake, &fakeStore{}, nil, buyerAddr)

	res, err := e.Submit(context.Background(), SubmitRequest{
		ListingID:        "2f4c8a59-2a3b-4a63-9b1e-3f2e8c1d7a10",
		ListingOnChainID: big.NewInt(11),
		Amount:           idrx(t, "100"),
	})
	require.NoError(t, err)
	require.Equal(t, "5", amount.Format(res.Earnest))
	require.Equal(t, records.OfferPending, res.Status)
	require.Equal(t, OffersPath, res.Redirect)
	require.Equal(t, ledger.ReceiptConfirmed, res.Receipt.Status)

	calls := fake.Calls()
	require.Len(t, calls, 2)
	require.Equal(t, "approve", calls[0].Method)
	require.Equal(t, 0, calls[0].Args[1].(*big.Int).Cmp(idrx(t, "100")))
	require.Equal(t, "makeOffer", calls[1].Method)
	require.Equal(t, int64(11), calls[1].Args[0].(*big.Int).Int64())
}

func TestSubmitRejectsDuplicateBeforeBuilding(t *testing.T) {
	fake := ledgertest.New(escrowAddr, buyerAddr)
	fake.SetActiveOffer(big.NewInt(11), buyerAddr, true)
	e := newEngine(t, fake, &fakeStore{}, nil, buyerAddr)

	_, err := e.Submit(context.Background(), SubmitRequest{ListingOnChainID: big.NewInt(11), Amount: idrx(t, "100")})
	require.ErrorIs(t, err, errs.ErrDuplicateOffer)
	require.Empty(t, fake.Calls())
}

func TestSubmitRejectsConcurrentDuplicate(t *testing.T) {
	fake := ledgertest.New(escrowAddr, buyerAddr)
	e := newEngine(t, fake, &fakeStore{}, nil, buyerAddr)
	key := "offer/11/" + "0x00000000000000000000000000000000000b0b01"
	_, err := e.acquire(key)
	require.NoError(t, err)

	_, err = e.Submit(context.Background(), SubmitRequest{ListingOnChainID: big.NewInt(11), Amount: idrx(t, "100")})
	require.ErrorIs(t, err, errs.ErrDuplicateOffer)
	require.Empty(t, fake.Calls())

	e.release(key, nil)
	_, err = e.Submit(context.Background(), SubmitRequest{ListingOnChainID: big.NewInt(11), Amount: idrx(t, "100")})
	require.NoError(t, err)
}

func TestSubmitRequiresSession(t *testing.T) {
	fake := ledgertest.New(escrowAddr, buyerAddr)
	e := newEngine(t, fake, &fakeStore{}, nil, buyerAddr, WithSessions(denySessions{}))

	_, err := e.Submit(context.Background(), SubmitRequest{ListingOnChainID: big.NewInt(11), Amount: idrx(t, "100")})
	require.ErrorIs(t, err, errs.ErrAuthenticationRequired)
	require.Empty(t, fake.Calls())

	_, err = e.Submit(context.Background(), SubmitRequest{ListingOnChainID: big.NewInt(11), Amount: big.NewInt(0)})
	require.ErrorIs(t, err, txflow.ErrInvalidAmount)
}

func TestListPartitionsByParty(t *testing.T) {
	store := &fakeStore{
		sent: []records.Offer{
			{ID: "a", BuyerAddress: "0x00000000000000000000000000000000000B0B01", Status: "pending"},
			{ID: "b", BuyerAddress: sellerAddr.Hex(), Status: "PENDING"},
		},
		received: []records.Offer{
			{ID: "c", SellerAddress: buyerAddr.Hex(), Status: "ACCEPTED"},
			{ID: "d", SellerAddress: sellerAddr.Hex(), Status: "PENDING"},
		},
	}
	e := newEngine(t, ledgertest.New(escrowAddr, buyerAddr), store, nil, buyerAddr)

	sent, err := e.List(context.Background(), Sent)
	require.NoError(t, err)
	require.Len(t, sent, 1)
	require.Equal(t, "a", sent[0].ID)

	received, err := e.List(context.Background(), Received)
	require.NoError(t, err)
	require.Len(t, received, 1)
	require.Equal(t, "c", received[0].ID)

	stats := Summarize(append(sent, received...))
	require.Equal(t, Stats{Total: 2, Pending: 1, Accepted: 1}, stats)
}

func TestAcceptToleratesSyncDivergence(t *testing.T) {
	fake := ledgertest.New(escrowAddr, sellerAddr)
	marker := &flakyMarker{err: errors.New("connection refused")}
	syncer := records.NewSyncer(marker, records.WithBackOff(func() backoff.BackOff { return &backoff.StopBackOff{} }))
	e := newEngine(t, fake, &fakeStore{}, syncer, sellerAddr)

	offer := records.Offer{ID: "6a1f4f0e-6a53-4b35-9d36-0c57a2f6d1b1", OnChainID: ptr("3"), Status: "PENDING"}
	out, err := e.Accept(context.Background(), offer, ledger.EncryptionECIESWallet)
	require.NoError(t, err)
	require.True(t, out.Diverged())
	require.ErrorIs(t, out.SyncErr, errs.ErrSyncDivergence)
	require.Equal(t, []string{"acceptOffer"}, fake.Methods())
	require.Len(t, syncer.Pending(), 1)

	marker.err = nil
	require.Equal(t, 0, syncer.RetryPending(context.Background()))
	require.Empty(t, syncer.Pending())
}

func TestDecisionsRequireChainID(t *testing.T) {
	fake := ledgertest.New(escrowAddr, sellerAddr)
	e := newEngine(t, fake, &fakeStore{}, nil, sellerAddr)

	_, err := e.Reject(context.Background(), records.Offer{ID: "x"})
	require.ErrorIs(t, err, ErrNotOnChain)

	fake.Script("cancelOffer", ledgertest.Outcome{RevertReason: "Not offer buyer"})
	_, err = e.Cancel(context.Background(), records.Offer{ID: "x", OnChainID: ptr("4")})
	require.ErrorIs(t, err, errs.ErrTransactionReverted)
	require.Equal(t, "Not offer buyer", errs.Reason(err))
}

func TestStatusPrefersChain(t *testing.T) {
	fake := ledgertest.New(escrowAddr, buyerAddr)
	fake.PutOffer(&ledger.Offer{ID: big.NewInt(3), Status: ledger.OfferCancelled})
	e := newEngine(t, fake, &fakeStore{}, nil, buyerAddr)

	merged, err := e.Status(context.Background(), records.Offer{ID: "x", OnChainID: ptr("3"), Status: "PENDING"})
	require.NoError(t, err)
	require.Equal(t, records.OfferExpired, merged.Status)
	require.True(t, merged.Diverged)

	merged, err = e.Status(context.Background(), records.Offer{ID: "y", OnChainID: ptr("99"), Status: "pending"})
	require.NoError(t, err)
	require.Equal(t, records.OfferPending, merged.Status)
	require.False(t, merged.Diverged)
}

func TestCompleteFundingPaysRemainder(t *testing.T) {
	fake := ledgertest.New(escrowAddr, buyerAddr)
	fake.PutOffer(&ledger.Offer{
		ID:      big.NewInt(3),
		Amount:  idrx(t, "100"),
		Deposit: idrx(t, "5"),
		Status:  ledger.OfferAccepted,
	})
	e := newEngine(t, fake, &fakeStore{}, nil, buyerAddr)
	offer := records.Offer{
		ID:              "x",
		OnChainID:       ptr("3"),
		Status:          "ACCEPTED",
		EscrowOnChainID: ptr(int64(7)),
		EscrowID:        ptr("0f8d7b1c-3b8e-4a9a-8f43-6c5d2e1a9b70"),
		OfferAmount:     decimal.NewFromInt(100),
		EarnestDeposit:  decimal.NewFromInt(5),
	}

	res, err := e.CompleteFunding(context.Background(), offer)
	require.NoError(t, err)
	require.Equal(t, "/app/escrow/0f8d7b1c-3b8e-4a9a-8f43-6c5d2e1a9b70", res.Redirect)

	calls := fake.Calls()
	require.Len(t, calls, 2)
	require.Equal(t, "approve", calls[0].Method)
	require.Equal(t, "95", amount.Format(calls[0].Args[1].(*big.Int)))
	require.Equal(t, "completeFunding", calls[1].Method)
	require.Len(t, fake.Simulated(), 1)
}

func TestCompleteFundingRequiresAcceptance(t *testing.T) {
	fake := ledgertest.New(escrowAddr, buyerAddr)
	e := newEngine(t, fake, &fakeStore{}, nil, buyerAddr)

	_, err := e.CompleteFunding(context.Background(), records.Offer{ID: "x", Status: "ACCEPTED"})
	require.ErrorIs(t, err, ErrNotFundable)

	_, err = e.CompleteFunding(context.Background(), records.Offer{ID: "x", Status: "PENDING", EscrowOnChainID: ptr(int64(7))})
	require.ErrorIs(t, err, ErrNotFundable)
	require.Empty(t, fake.Calls())
}

func TestBuyRequiresActiveListing(t *testing.T) {
	fake := ledgertest.New(escrowAddr, buyerAddr)
	e := newEngine(t, fake, &fakeStore{}, nil, buyerAddr)

	_, err := e.Buy(context.Background(), records.Listing{ID: "l", Status: "sold", OnChainID: ptr(int64(11)), AskingPrice: decimal.NewFromInt(250)})
	require.ErrorIs(t, err, ErrListingUnavailable)

	res, err := e.Buy(context.Background(), records.Listing{ID: "l", Status: "active", OnChainID: ptr(int64(11)), AskingPrice: decimal.NewFromInt(250)})
	require.NoError(t, err)
	require.Equal(t, ledger.ReceiptConfirmed, res.Receipt.Status)
	require.Equal(t, []string{"approve", "depositFunds"}, fake.Methods())
	require.Equal(t, uint8(ledger.EncryptionECIESWallet), fake.Calls()[1].Args[2])
}
