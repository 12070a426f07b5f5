package handover

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"valyra/errs"
	"valyra/journal"
	"valyra/ledger"
	"valyra/records"
)

// Report summarises a recovery pass.
type Report struct {
	Confirmed  int
	RolledBack int
	Pending    int
	// Leased counts entries updated within the lease, presumed still running.
	Leased int
	Failed []error
}

// Recover finishes this account's sagas left unfinished by a crash or an
// abandoned wait. Entries touched within the lease are left to their owner.
// A broadcast commitment is waited on; anything uploaded but never confirmed
// is rolled back unless the contract already holds a credential hash.
func (s *Saga) Recover(ctx context.Context) (Report, error) {
	var report Report
	if s.journal == nil {
		return report, nil
	}
	entries, err := s.journal.Unfinished(ctx, journal.KindHandover)
	if err != nil {
		return report, err
	}
	now := s.clock()
	for i := range entries {
		entry := entries[i]
		if !common.IsHexAddress(entry.Address) || common.HexToAddress(entry.Address) != s.account {
			continue
		}
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		if s.lease > 0 && now.Sub(entry.UpdatedAt) < s.lease {
			report.Leased++
			continue
		}
		s.recoverOne(ctx, &entry, &report)
	}
	if len(report.Failed) > 0 {
		return report, errors.Join(report.Failed...)
	}
	return report, nil
}

func (s *Saga) recoverOne(ctx context.Context, entry *journal.Entry, report *Report) {
	logger := s.logger.With(slog.String("escrow_id", entry.EscrowID), slog.String("step", string(entry.Step)))
	if entry.Step == journal.StepBroadcast && entry.TxHash != "" {
		receipt, err := s.waiter.Wait(ctx, common.HexToHash(entry.TxHash))
		if err != nil {
			report.Pending++
			logger.Info("commitment still pending", slog.String("tx", entry.TxHash))
			return
		}
		if receipt.Status == ledger.ReceiptConfirmed {
			s.advance(ctx, entry, journal.Update{Step: journal.StepConfirmed})
			s.metrics.RecordHandover("recovered")
			report.Confirmed++
			logger.Info("recovered confirmed commitment", slog.String("tx", entry.TxHash))
			return
		}
		s.roll(ctx, entry, report, receipt.Err("uploadCredentialHash"))
		return
	}
	s.roll(ctx, entry, report, fmt.Errorf("handover abandoned at %s", entry.Step))
}

func (s *Saga) roll(ctx context.Context, entry *journal.Entry, report *Report, cause error) {
	committed, err := s.committedOnChain(ctx, entry)
	if err != nil {
		report.Pending++
		s.logger.Warn("escrow read failed, rollback deferred",
			slog.String("escrow_id", entry.EscrowID),
			slog.Any("error", err))
		return
	}
	if committed {
		// The rollback endpoint resets the escrow; never run it over a live handover.
		s.advance(ctx, entry, journal.Update{Step: journal.StepConfirmed, Detail: "credential hash already committed"})
		s.metrics.RecordHandover("recovered")
		report.Confirmed++
		s.logger.Info("handover already committed, rollback skipped", slog.String("escrow_id", entry.EscrowID))
		return
	}
	commitErr := s.compensate(ctx, entry, entry.EscrowID, entry.ContentID, cause)
	if commitErr.RolledBack() {
		report.RolledBack++
		return
	}
	// A STARTED entry may never have reached the vault; nothing to undo.
	if entry.Step == journal.StepStarted && isClientError(commitErr.Rollback) {
		s.advance(ctx, entry, journal.Update{Step: journal.StepRolledBack, Detail: "nothing uploaded"})
		report.RolledBack++
		return
	}
	report.Failed = append(report.Failed, commitErr)
}

// committedOnChain reports whether the contract holds a credential hash for
// the entry's escrow. An escrow the contract does not know holds none.
func (s *Saga) committedOnChain(ctx context.Context, entry *journal.Entry) (bool, error) {
	id, ok := chainEscrowID(entry)
	if !ok {
		return false, nil
	}
	escrow, err := s.ledger.Escrow(ctx, id)
	if errors.Is(err, ledger.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return handedOver(escrow), nil
}

func chainEscrowID(entry *journal.Entry) (*big.Int, bool) {
	for _, raw := range []string{entry.ChainEscrowID, entry.EscrowID} {
		if id, ok := new(big.Int).SetString(raw, 10); ok && id.Sign() > 0 {
			return id, true
		}
	}
	return nil, false
}

func isClientError(err error) bool {
	status := records.StatusOf(err)
	return status >= 400 && status < 500 && status != http.StatusUnauthorized && !errors.Is(err, errs.ErrAuthenticationRequired)
}
