// Package ledger is the append-only record of gateway notifications. The
// (gateway, external_txn_id) unique index is the idempotency gate for the
// whole settlement path.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"settlement-api/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrNotFound = errors.New("ledger record not found")

type Ledger struct {
	db *gorm.DB
}

// New creates a ledger backed by db.
func New(db *gorm.DB) *Ledger {
	return &Ledger{db: db}
}

// RecordIfNew inserts txn unless a row with the same gateway and external id
// already exists. It returns false for a duplicate. Concurrent callers with the
// same key get exactly one true.
func (l *Ledger) RecordIfNew(ctx context.Context, txn *models.Transaction) (bool, error) {
	return RecordIfNewTx(l.db.WithContext(ctx), txn)
}

// RecordIfNewTx is RecordIfNew on a caller-supplied handle.
func RecordIfNewTx(db *gorm.DB, txn *models.Transaction) (bool, error) {
	if txn.Gateway == "" || txn.ExternalTxnID == "" {
		return false, fmt.Errorf("ledger record needs gateway and external txn id")
	}
	if txn.ReceivedAt.IsZero() {
		txn.ReceivedAt = time.Now()
	}

	res := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "gateway"}, {Name: "external_txn_id"}},
		DoNothing: true,
	}).Create(txn)
	if res.Error != nil {
		return false, fmt.Errorf("failed to record transaction %s/%s: %w", txn.Gateway, txn.ExternalTxnID, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// Lookup returns the ledger row for a gateway transaction.
func (l *Ledger) Lookup(ctx context.Context, gateway, txnID string) (*models.Transaction, error) {
	var txn models.Transaction
	err := l.db.WithContext(ctx).
		Where("gateway = ? AND external_txn_id = ?", gateway, txnID).
		First(&txn).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &txn, nil
}

// ListByOrder returns every ledger row for an order, oldest first.
func (l *Ledger) ListByOrder(ctx context.Context, orderID uint) ([]models.Transaction, error) {
	var txns []models.Transaction
	err := l.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("id").
		Find(&txns).Error
	return txns, err
}

// RecordIncident stores an operator-visible incident.
func (l *Ledger) RecordIncident(ctx context.Context, incident *models.SettlementIncident) error {
	return RecordIncidentTx(l.db.WithContext(ctx), incident)
}

// RecordIncidentTx is RecordIncident on a caller-supplied handle.
func RecordIncidentTx(db *gorm.DB, incident *models.SettlementIncident) error {
	if err := db.Create(incident).Error; err != nil {
		return fmt.Errorf("failed to record incident: %w", err)
	}
	return nil
}

// IncidentFilter narrows Incidents. Zero values match everything.
type IncidentFilter struct {
	Gateway string
	Kind    string
	OrderID uint
	Since   time.Time
	Limit   int
}

// Incidents lists incidents newest first.
func (l *Ledger) Incidents(ctx context.Context, f IncidentFilter) ([]models.SettlementIncident, error) {
	q := l.db.WithContext(ctx).Model(&models.SettlementIncident{})
	if f.Gateway != "" {
		q = q.Where("gateway = ?", f.Gateway)
	}
	if f.Kind != "" {
		q = q.Where("kind = ?", f.Kind)
	}
	if f.OrderID != 0 {
		q = q.Where("order_id = ?", f.OrderID)
	}
	if !f.Since.IsZero() {
		q = q.Where("created_at >= ?", f.Since)
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	var out []models.SettlementIncident
	err := q.Order("id DESC").Limit(limit).Find(&out).Error
	return out, err
}
