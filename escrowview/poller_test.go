package escrowview

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"valyra/errs"
	"valyra/ledger"
	"valyra/ledger/ledgertest"
	"valyra/records"
	"valyra/txflow"
)

var escrowAddr = common.HexToAddress("0x00000000000000000000000000000000000e5c70")

type recordStub struct {
	mu     sync.Mutex
	escrow *records.Escrow
	err    error
	calls  int
}

func (s *recordStub) Escrow(context.Context, string) (*records.Escrow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	cp := *s.escrow
	return &cp, nil
}

func TestFetchFallsBackToChain(t *testing.T) {
	fake := ledgertest.New(escrowAddr, buyerAddr)
	fake.PutEscrow(chainEscrow(ledger.StateFunded))
	stub := &recordStub{err: errors.New("connection refused")}

	snap, err := Fetcher{Records: stub, Chain: fake}.Fetch(context.Background(), "7")
	require.NoError(t, err)
	require.Nil(t, snap.Record)
	require.Equal(t, ledger.StateFunded, snap.Chain.State)
	require.False(t, snap.Hold.Exists())

	_, err = Fetcher{Records: stub, Chain: fake}.Fetch(context.Background(), "99")
	require.Error(t, err)
}

func TestPollerPublishesEachTick(t *testing.T) {
	fake := ledgertest.New(escrowAddr, sellerAddr)
	fake.PutEscrow(chainEscrow(ledger.StateFunded))
	onChain := int64(7)
	stub := &recordStub{escrow: &records.Escrow{ID: "0f8d7b1c-3b8e-4a9a-8f43-6c5d2e1a9b70", OnChainID: &onChain, State: "funded"}}

	p := NewPoller(Fetcher{Records: stub, Chain: fake}, "0f8d7b1c-3b8e-4a9a-8f43-6c5d2e1a9b70", sellerAddr.Hex(),
		WithInterval(10*time.Millisecond), WithClock(func() time.Time { return now }))
	views, unsubscribe := p.Subscribe()
	defer unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	first := <-views
	require.Equal(t, StepHandover, first.Step)
	require.Equal(t, RoleSeller, first.Role)

	// A counterparty action lands between polls.
	chain := chainEscrow(ledger.StateDelivered)
	chain.CredentialHash = common.HexToHash("0x02")
	fake.PutEscrow(chain)

	require.Eventually(t, func() bool {
		latest, ok := p.Latest()
		return ok && latest.Step == StepVerification && latest.Diverged
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
	_, open := <-views
	for open {
		_, open = <-views
	}
}

func TestExecutorGatesAndRefreshes(t *testing.T) {
	fake := ledgertest.New(escrowAddr, buyerAddr)
	fake.PutEscrow(chainEscrow(ledger.StateDelivered))
	fake.Script("confirmReceipt", ledgertest.Outcome{Apply: func(f *ledgertest.Fake, _ ledger.Call) {
		f.SetEscrowState(big.NewInt(7), ledger.StateConfirmed)
	}})
	waiter := ledger.NewWaiter(fake, ledger.WithSleep(func(context.Context, time.Duration) error { return nil }))
	p := NewPoller(Fetcher{Chain: fake}, "7", buyerAddr.Hex(), WithClock(func() time.Time { return now }))
	x := NewExecutor(fake, p.Refresh, nil, txflow.WithWaiter(waiter))

	view, err := p.Refresh(context.Background())
	require.NoError(t, err)

	_, _, err = x.Do(context.Background(), view, ActionClaimRetainer, Params{})
	require.ErrorIs(t, err, ErrActionNotAllowed)

	_, _, err = x.Do(context.Background(), view, ActionRaiseDispute, Params{})
	require.Error(t, err)
	require.Empty(t, fake.Calls())

	res, next, err := x.Do(context.Background(), view, ActionConfirmReceipt, Params{})
	require.NoError(t, err)
	require.Equal(t, ledger.ReceiptConfirmed, res.Receipt.Status)
	require.NotNil(t, next)
	require.Equal(t, StepConfirmation, next.Step)
	require.False(t, next.Allows(ActionConfirmReceipt))

	fake.Script("raiseDispute", ledgertest.Outcome{RevertReason: "Verification window closed"})
	_, _, err = x.Do(context.Background(), *next, ActionRaiseDispute, Params{DisputeType: ledger.DisputeQuality, Evidence: "ipfs://evidence"})
	require.ErrorIs(t, err, errs.ErrTransactionReverted)
	require.Equal(t, []string{"confirmReceipt", "raiseDispute"}, fake.Methods())
}
