// Package journal persists the progress of multi-step escrow flows so a
// restarted client can finish or compensate work it left half done.
package journal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrNotFound is returned for unknown entry ids.
var ErrNotFound = errors.New("journal: entry not found")

// Kind names the flow an entry belongs to.
type Kind string

const (
	KindHandover Kind = "handover"
	KindTxFlow   Kind = "txflow"
)

// Step is the last durable point a flow reached.
type Step string

const (
	StepStarted    Step = "STARTED"
	StepUploaded   Step = "UPLOADED"
	StepBroadcast  Step = "BROADCAST"
	StepConfirmed  Step = "CONFIRMED"
	StepRolledBack Step = "ROLLED_BACK"
	StepFailed     Step = "FAILED"
)

// Terminal reports whether no further work is owed for the step.
func (s Step) Terminal() bool {
	return s == StepConfirmed || s == StepRolledBack || s == StepFailed
}

// Entry is one flow's progress record.
type Entry struct {
	ID       uuid.UUID `gorm:"type:uuid;primaryKey"`
	Kind     Kind      `gorm:"size:32;index:idx_journal_open,priority:1"`
	Step     Step      `gorm:"size:32;index:idx_journal_open,priority:2"`
	EscrowID string    `gorm:"size:64;index"`
	// ChainEscrowID is the contract's escrow id when EscrowID is a UUID.
	ChainEscrowID string `gorm:"size:78"`
	Address       string `gorm:"size:42"`
	Action        string `gorm:"size:64"`
	ContentID     string `gorm:"size:255"`
	TxHash        string `gorm:"size:66"`
	Detail        string `gorm:"type:text"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// TableName pins the table name.
func (Entry) TableName() string { return "flow_journal" }

// Update lists the fields to change when advancing an entry. Empty strings
// leave the stored value unchanged.
type Update struct {
	Step      Step
	ContentID string
	TxHash    string
	Detail    string
}

// Store is a gorm-backed journal.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// Open connects to dsn: postgres:// and postgresql:// URLs use Postgres,
// anything else is treated as a SQLite path or DSN.
func Open(dsn string) (*Store, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, fmt.Errorf("journal: dsn required")
	}
	var dialector gorm.Dialector
	if strings.HasPrefix(trimmed, "postgres://") || strings.HasPrefix(trimmed, "postgresql://") {
		dialector = postgres.Open(trimmed)
	} else {
		dialector = sqlite.Open(trimmed)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("journal: open: %w", err)
	}
	return New(db)
}

// New wraps an existing connection and migrates the schema.
func New(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("journal: db required")
	}
	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, fmt.Errorf("journal: migrate: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Begin records a new flow at StepStarted.
func (s *Store) Begin(ctx context.Context, kind Kind, escrowID, address, action string) (Entry, error) {
	return s.Create(ctx, Entry{Kind: kind, EscrowID: escrowID, Address: address, Action: action})
}

// Create inserts entry, assigning its id and timestamps. An empty step
// defaults to StepStarted.
func (s *Store) Create(ctx context.Context, entry Entry) (Entry, error) {
	now := s.now().UTC()
	entry.ID = uuid.New()
	if entry.Step == "" {
		entry.Step = StepStarted
	}
	entry.CreatedAt = now
	entry.UpdatedAt = now
	if err := s.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return Entry{}, fmt.Errorf("journal: begin: %w", err)
	}
	return entry, nil
}

// Advance applies upd to the entry with id.
func (s *Store) Advance(ctx context.Context, id uuid.UUID, upd Update) error {
	fields := map[string]any{"updated_at": s.now().UTC()}
	if upd.Step != "" {
		fields["step"] = upd.Step
	}
	if upd.ContentID != "" {
		fields["content_id"] = upd.ContentID
	}
	if upd.TxHash != "" {
		fields["tx_hash"] = upd.TxHash
	}
	if upd.Detail != "" {
		fields["detail"] = upd.Detail
	}
	res := s.db.WithContext(ctx).Model(&Entry{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return fmt.Errorf("journal: advance: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// Get loads one entry.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (Entry, error) {
	var entry Entry
	err := s.db.WithContext(ctx).First(&entry, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Entry{}, fmt.Errorf("journal: get: %w", err)
	}
	return entry, nil
}

// Unfinished returns non-terminal entries of kind, oldest first.
func (s *Store) Unfinished(ctx context.Context, kind Kind) ([]Entry, error) {
	var out []Entry
	err := s.db.WithContext(ctx).
		Where("kind = ? AND step NOT IN ?", kind, []Step{StepConfirmed, StepRolledBack, StepFailed}).
		Order("created_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("journal: list unfinished: %w", err)
	}
	return out, nil
}

// ForEscrow returns every entry for escrowID, newest first.
func (s *Store) ForEscrow(ctx context.Context, escrowID string) ([]Entry, error) {
	var out []Entry
	err := s.db.WithContext(ctx).Where("escrow_id = ?", escrowID).Order("created_at DESC").Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("journal: list escrow: %w", err)
	}
	return out, nil
}

// Record journals a broadcast transaction and returns a callback that settles
// the entry once its receipt is known. It satisfies txflow.Journal.
func (s *Store) Record(ctx context.Context, action string, owner common.Address, tx common.Hash) (func(context.Context, bool, string), error) {
	entry, err := s.Begin(ctx, KindTxFlow, "", owner.Hex(), action)
	if err != nil {
		return nil, err
	}
	if err := s.Advance(ctx, entry.ID, Update{Step: StepBroadcast, TxHash: tx.Hex()}); err != nil {
		return nil, err
	}
	return func(ctx context.Context, confirmed bool, detail string) {
		step := StepConfirmed
		if !confirmed {
			step = StepFailed
		}
		// Best effort: an unsettled entry is reported by Unfinished.
		_ = s.Advance(ctx, entry.ID, Update{Step: step, Detail: detail})
	}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
