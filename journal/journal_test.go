package journal

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

func setupJournal(t *testing.T) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	store, err := Open(dsn)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestJournalLifecycle(t *testing.T) {
	store := setupJournal(t)
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	store.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	first, err := store.Begin(ctx, KindHandover, "7", "0xseller", "uploadCredentialHash")
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	second, err := store.Begin(ctx, KindHandover, "8", "0xseller", "uploadCredentialHash")
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := store.Begin(ctx, KindTxFlow, "8", "0xbuyer", "completeFunding"); err != nil {
		t.Fatalf("begin: %v", err)
	}

	if err := store.Advance(ctx, first.ID, Update{Step: StepUploaded, ContentID: "f1"}); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if err := store.Advance(ctx, first.ID, Update{Step: StepBroadcast, TxHash: "0xabc"}); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if err := store.Advance(ctx, second.ID, Update{Step: StepRolledBack}); err != nil {
		t.Fatalf("advance: %v", err)
	}

	got, err := store.Get(ctx, first.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Step != StepBroadcast || got.ContentID != "f1" || got.TxHash != "0xabc" {
		t.Fatalf("unexpected entry: %+v", got)
	}

	open, err := store.Unfinished(ctx, KindHandover)
	if err != nil {
		t.Fatalf("unfinished: %v", err)
	}
	if len(open) != 1 || open[0].ID != first.ID {
		t.Fatalf("expected only the broadcast entry, got %+v", open)
	}

	history, err := store.ForEscrow(ctx, "8")
	if err != nil {
		t.Fatalf("for escrow: %v", err)
	}
	if len(history) != 2 || history[0].Kind != KindTxFlow {
		t.Fatalf("unexpected history: %+v", history)
	}
}

func TestJournalUnknownEntry(t *testing.T) {
	store := setupJournal(t)
	err := store.Advance(context.Background(), uuid.New(), Update{Step: StepFailed})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := store.Get(context.Background(), uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if !StepRolledBack.Terminal() || StepBroadcast.Terminal() {
		t.Fatalf("unexpected terminal flags")
	}
}

func TestRecordSettlesBroadcast(t *testing.T) {
	store := setupJournal(t)
	ctx := context.Background()
	owner := common.HexToAddress("0x00000000000000000000000000000000000b0b01")
	tx := common.HexToHash("0x01")

	settle, err := store.Record(ctx, "completeFunding", owner, tx)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	open, err := store.Unfinished(ctx, KindTxFlow)
	if err != nil {
		t.Fatalf("unfinished: %v", err)
	}
	if len(open) != 1 || open[0].TxHash != tx.Hex() || open[0].Step != StepBroadcast {
		t.Fatalf("unexpected open entries: %+v", open)
	}

	settle(ctx, false, "Insufficient allowance")
	got, err := store.Get(ctx, open[0].ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Step != StepFailed || got.Detail != "Insufficient allowance" {
		t.Fatalf("unexpected settled entry: %+v", got)
	}
}

func TestCreateKeepsChainEscrowID(t *testing.T) {
	store := setupJournal(t)
	ctx := context.Background()

	entry, err := store.Create(ctx, Entry{
		Kind:          KindHandover,
		EscrowID:      "0f8d7b1c-3b8e-4a9a-8f43-6c5d2e1a9b70",
		ChainEscrowID: "7",
		Address:       "0xseller",
		Action:        "uploadCredentialHash",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if entry.Step != StepStarted || entry.ID == uuid.Nil {
		t.Fatalf("unexpected entry: %+v", entry)
	}
	got, err := store.Get(ctx, entry.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ChainEscrowID != "7" {
		t.Fatalf("chain escrow id not stored: %+v", got)
	}
}
