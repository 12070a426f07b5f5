package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"valyra/errs"
)

type scriptedSource struct {
	steps []func() (Receipt, error)
	calls int
}

func (s *scriptedSource) Receipt(context.Context, common.Hash) (Receipt, error) {
	idx := s.calls
	if idx >= len(s.steps) {
		idx = len(s.steps) - 1
	}
	s.calls++
	return s.steps[idx]()
}

func pending() (Receipt, error) { return Receipt{Status: ReceiptPending}, nil }

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func TestWaiterReturnsTypedResult(t *testing.T) {
	source := &scriptedSource{steps: []func() (Receipt, error){
		pending,
		pending,
		func() (Receipt, error) { return Receipt{Status: ReceiptReverted, Reason: "Not seller"}, nil },
	}}
	hash := common.HexToHash("0x01")
	r, err := NewWaiter(source, WithSleep(noSleep)).Wait(context.Background(), hash)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if r.Status != ReceiptReverted || r.TxHash != hash {
		t.Fatalf("unexpected receipt %+v", r)
	}
	if source.calls != 3 {
		t.Fatalf("expected 3 lookups, got %d", source.calls)
	}
	if !errors.Is(r.Err("uploadCredentialHash"), errs.ErrTransactionReverted) {
		t.Fatalf("expected revert error")
	}
}

func TestWaiterToleratesTransientErrors(t *testing.T) {
	source := &scriptedSource{steps: []func() (Receipt, error){
		func() (Receipt, error) { return Receipt{}, errors.New("timeout") },
		func() (Receipt, error) { return Receipt{Status: ReceiptConfirmed, BlockNumber: 4}, nil },
	}}
	r, err := NewWaiter(source, WithSleep(noSleep)).Wait(context.Background(), common.Hash{})
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if r.Status != ReceiptConfirmed || r.BlockNumber != 4 {
		t.Fatalf("unexpected receipt %+v", r)
	}
}

func TestWaiterGivesUpAsAwaiting(t *testing.T) {
	source := &scriptedSource{steps: []func() (Receipt, error){
		func() (Receipt, error) { return Receipt{}, errors.New("rpc down") },
	}}
	_, err := NewWaiter(source, WithSleep(noSleep), WithMaxErrors(3)).Wait(context.Background(), common.Hash{})
	if !errors.Is(err, errs.ErrAwaitingReceipt) {
		t.Fatalf("expected awaiting receipt, got %v", err)
	}
	if source.calls != 3 {
		t.Fatalf("expected 3 lookups, got %d", source.calls)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = NewWaiter(&scriptedSource{steps: []func() (Receipt, error){pending}}, WithSleep(noSleep)).Wait(ctx, common.Hash{})
	if !errors.Is(err, errs.ErrAwaitingReceipt) {
		t.Fatalf("expected awaiting receipt after cancel, got %v", err)
	}
	if errs.ProgressOf(err) != errs.SubmittedAwaiting {
		t.Fatalf("unexpected progress %v", errs.ProgressOf(err))
	}
}
