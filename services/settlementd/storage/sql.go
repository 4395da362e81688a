package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"atomintents/native/intents"
)

type settlementRow struct {
	ID                string  `gorm:"primaryKey;size:160"`
	IntentID          string  `gorm:"size:128;index;not null"`
	QuoteID           string  `gorm:"size:128"`
	SolverID          *string `gorm:"size:128;index"`
	UserAddress       string  `gorm:"size:128"`
	InputChain        string  `gorm:"size:64"`
	InputDenom        string  `gorm:"size:128"`
	InputAmount       string  `gorm:"size:80"`
	OutputChain       string  `gorm:"size:64"`
	OutputDenom       string  `gorm:"size:128"`
	OutputAmount      string  `gorm:"size:80"`
	Status            string  `gorm:"size:32;index;not null;default:pending"`
	EscrowID          *string `gorm:"size:128"`
	SolverBondID      *string `gorm:"size:128"`
	IBCPacketSequence *int64
	CreatedAt         int64 `gorm:"not null;autoCreateTime:false"`
	UpdatedAt         int64 `gorm:"index;not null;autoUpdateTime:false"`
	ExpiresAt         int64 `gorm:"not null"`
	CompletedAt       *int64
	ErrorMessage      *string
	LockedBondAmount  string `gorm:"size:80"`
	LockedBondAssets  string `gorm:"size:512"`
}

func (settlementRow) TableName() string { return "settlements" }

type transitionRow struct {
	ID           uint64  `gorm:"primaryKey;autoIncrement"`
	SettlementID string  `gorm:"size:160;index;not null"`
	FromStatus   string  `gorm:"size:32;not null"`
	ToStatus     string  `gorm:"size:32;not null"`
	Timestamp    int64   `gorm:"index;not null"`
	Details      *string
	TxHash       *string `gorm:"size:128"`
}

func (transitionRow) TableName() string { return "settlement_transitions" }

// Open connects to the database behind driver ("postgres" or "sqlite").
func Open(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	return db, nil
}

// AutoMigrate creates or updates the settlement tables.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&settlementRow{}, &transitionRow{})
}

// SQLStore persists settlements through gorm.
type SQLStore struct {
	db    *gorm.DB
	clock func() time.Time
}

// NewSQLStore migrates the schema and returns a store.
func NewSQLStore(db *gorm.DB) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database handle required")
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("migrate settlements: %w", err)
	}
	return &SQLStore{db: db, clock: time.Now}, nil
}

// Close releases the underlying connection pool.
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Create implements Store.
func (s *SQLStore) Create(ctx context.Context, rec Record) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("storage not configured")
	}
	if strings.TrimSpace(rec.ID) == "" {
		return fmt.Errorf("settlement id required")
	}
	if !rec.Status.Valid() {
		return fmt.Errorf("settlement %s: invalid status %q", rec.ID, rec.Status)
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}
	row := toRow(rec)
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&settlementRow{}).Where("id = ?", rec.ID).Count(&count).Error; err != nil {
			return fmt.Errorf("check settlement: %w", err)
		}
		if count > 0 {
			return fmt.Errorf("settlement %s: %w", rec.ID, intents.ErrDuplicateID)
		}
		if err := tx.Create(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return fmt.Errorf("settlement %s: %w", rec.ID, intents.ErrDuplicateID)
			}
			return fmt.Errorf("insert settlement: %w", err)
		}
		return nil
	})
}

// UpdateStatus implements Store. The transition row is inserted before the
// settlement row is updated, within one transaction.
func (s *SQLStore) UpdateStatus(ctx context.Context, id string, status Status, details Details) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("storage not configured")
	}
	if !status.Valid() {
		return fmt.Errorf("settlement %s: invalid status %q", id, status)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row settlementRow
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&row, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("settlement %s: %w", id, intents.ErrNotFound)
			}
			return fmt.Errorf("load settlement: %w", err)
		}
		current := Status(row.Status)
		if details.ExpectFrom != "" && current != details.ExpectFrom {
			return fmt.Errorf("settlement %s is %s, expected %s: %w", id, current, details.ExpectFrom, intents.ErrInvalidStateTransition)
		}
		rec := fromRow(row)
		transition := apply(&rec, status, details, s.clock())
		trow := transitionRow{
			SettlementID: id,
			FromStatus:   string(transition.FromStatus),
			ToStatus:     string(transition.ToStatus),
			Timestamp:    transition.Timestamp.UnixNano(),
			Details:      optionalString(transition.Details),
			TxHash:       optionalString(transition.TxHash),
		}
		if err := tx.Create(&trow).Error; err != nil {
			return fmt.Errorf("insert transition: %w", err)
		}
		next := toRow(rec)
		res := tx.Model(&settlementRow{}).
			Where("id = ? AND status = ?", id, row.Status).
			Updates(map[string]any{
				"status":              next.Status,
				"updated_at":          next.UpdatedAt,
				"escrow_id":           next.EscrowID,
				"solver_bond_id":      next.SolverBondID,
				"ibc_packet_sequence": next.IBCPacketSequence,
				"completed_at":        next.CompletedAt,
				"error_message":       next.ErrorMessage,
			})
		if res.Error != nil {
			return fmt.Errorf("update settlement: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("settlement %s changed concurrently: %w", id, intents.ErrInvalidStateTransition)
		}
		return nil
	})
}

// Get implements Store.
func (s *SQLStore) Get(ctx context.Context, id string) (Record, error) {
	if s == nil || s.db == nil {
		return Record{}, fmt.Errorf("storage not configured")
	}
	var row settlementRow
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Record{}, fmt.Errorf("settlement %s: %w", id, intents.ErrNotFound)
		}
		return Record{}, fmt.Errorf("load settlement: %w", err)
	}
	return fromRow(row), nil
}

// GetByIntent implements Store.
func (s *SQLStore) GetByIntent(ctx context.Context, intentID string) ([]Record, error) {
	return s.list(ctx, 0, "intent_id = ?", intentID)
}

// GetHistory implements Store.
func (s *SQLStore) GetHistory(ctx context.Context, id string) ([]Transition, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("storage not configured")
	}
	var count int64
	if err := s.db.WithContext(ctx).Model(&settlementRow{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return nil, fmt.Errorf("check settlement: %w", err)
	}
	if count == 0 {
		return nil, fmt.Errorf("settlement %s: %w", id, intents.ErrNotFound)
	}
	var rows []transitionRow
	if err := s.db.WithContext(ctx).
		Where("settlement_id = ?", id).
		Order("timestamp ASC").Order("id ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	out := make([]Transition, 0, len(rows))
	for _, row := range rows {
		out = append(out, Transition{
			SettlementID: row.SettlementID,
			FromStatus:   Status(row.FromStatus),
			ToStatus:     Status(row.ToStatus),
			Timestamp:    time.Unix(0, row.Timestamp).UTC(),
			Details:      derefString(row.Details),
			TxHash:       derefString(row.TxHash),
		})
	}
	return out, nil
}

// ListByStatus implements Store.
func (s *SQLStore) ListByStatus(ctx context.Context, status Status, limit int) ([]Record, error) {
	return s.list(ctx, clampLimit(limit), "status = ?", string(status))
}

// ListBySolver implements Store.
func (s *SQLStore) ListBySolver(ctx context.Context, solverID string, limit int) ([]Record, error) {
	return s.list(ctx, clampLimit(limit), "solver_id = ?", solverID)
}

// ListStuck implements Store.
func (s *SQLStore) ListStuck(ctx context.Context, threshold time.Time) ([]Record, error) {
	terminal := []string{string(StatusComplete), string(StatusFailed), string(StatusTimedOut)}
	return s.list(ctx, 0, "status NOT IN ? AND updated_at < ?", terminal, threshold.UnixNano())
}

func (s *SQLStore) list(ctx context.Context, limit int, query string, args ...any) ([]Record, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("storage not configured")
	}
	q := s.db.WithContext(ctx).Where(query, args...).Order("created_at ASC").Order("id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []settlementRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list settlements: %w", err)
	}
	out := make([]Record, 0, len(rows))
	for _, row := range rows {
		out = append(out, fromRow(row))
	}
	return out, nil
}

func toRow(rec Record) settlementRow {
	row := settlementRow{
		ID:               rec.ID,
		IntentID:         rec.IntentID,
		QuoteID:          rec.QuoteID,
		SolverID:         optionalString(rec.SolverID),
		UserAddress:      rec.UserAddress,
		InputChain:       rec.InputAsset.Chain,
		InputDenom:       rec.InputAsset.Denom,
		InputAmount:      rec.InputAsset.Amount.String(),
		OutputChain:      rec.OutputAsset.Chain,
		OutputDenom:      rec.OutputAsset.Denom,
		OutputAmount:     rec.OutputAsset.Amount.String(),
		Status:           string(rec.Status),
		EscrowID:         optionalString(rec.EscrowID),
		SolverBondID:     optionalString(rec.SolverBondID),
		CreatedAt:        rec.CreatedAt.UnixNano(),
		UpdatedAt:        rec.UpdatedAt.UnixNano(),
		ExpiresAt:        rec.ExpiresAt.UnixNano(),
		ErrorMessage:     optionalString(rec.ErrorMessage),
		LockedBondAmount: rec.LockedBondAmount.String(),
		LockedBondAssets: strings.Join(rec.LockedBondAssets, ","),
	}
	if rec.IBCPacketSequence != nil {
		seq := int64(*rec.IBCPacketSequence)
		row.IBCPacketSequence = &seq
	}
	if rec.CompletedAt != nil {
		at := rec.CompletedAt.UnixNano()
		row.CompletedAt = &at
	}
	return row
}

func fromRow(row settlementRow) Record {
	rec := Record{
		ID:               row.ID,
		IntentID:         row.IntentID,
		QuoteID:          row.QuoteID,
		SolverID:         derefString(row.SolverID),
		UserAddress:      row.UserAddress,
		InputAsset:       intents.Asset{Chain: row.InputChain, Denom: row.InputDenom, Amount: parseDecimal(row.InputAmount)},
		OutputAsset:      intents.Asset{Chain: row.OutputChain, Denom: row.OutputDenom, Amount: parseDecimal(row.OutputAmount)},
		Status:           Status(row.Status),
		EscrowID:         derefString(row.EscrowID),
		SolverBondID:     derefString(row.SolverBondID),
		CreatedAt:        time.Unix(0, row.CreatedAt).UTC(),
		UpdatedAt:        time.Unix(0, row.UpdatedAt).UTC(),
		ExpiresAt:        time.Unix(0, row.ExpiresAt).UTC(),
		ErrorMessage:     derefString(row.ErrorMessage),
		LockedBondAmount: parseDecimal(row.LockedBondAmount),
	}
	if row.LockedBondAssets != "" {
		rec.LockedBondAssets = strings.Split(row.LockedBondAssets, ",")
	}
	if row.IBCPacketSequence != nil {
		seq := uint64(*row.IBCPacketSequence)
		rec.IBCPacketSequence = &seq
	}
	if row.CompletedAt != nil {
		at := time.Unix(0, *row.CompletedAt).UTC()
		rec.CompletedAt = &at
	}
	return rec
}

func parseDecimal(raw string) decimal.Decimal {
	if raw == "" {
		return decimal.Zero
	}
	value, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero
	}
	return value
}

func optionalString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func derefString(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
