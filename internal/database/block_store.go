package database

import (
	"errors"
	"fmt"
	"time"

	"logward/internal/domain"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// UpsertBlockRecord writes the record keyed by IP, replacing any prior row
// for the same address.
func UpsertBlockRecord(record *domain.BlockRecord) error {
	if DB == nil {
		return errors.New("database: not initialized")
	}
	err := DB.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "ip"}},
		UpdateAll: true,
	}).Create(record).Error
	if err != nil {
		return fmt.Errorf("database: upsert block record for %s: %w", record.IP, err)
	}
	return nil
}

// GetBlockRecord loads the record for one IP, or nil when absent.
func GetBlockRecord(ip string) (*domain.BlockRecord, error) {
	if DB == nil {
		return nil, errors.New("database: not initialized")
	}
	var record domain.BlockRecord
	err := DB.Where("ip = ?", ip).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("database: load block record for %s: %w", ip, err)
	}
	return &record, nil
}

// DeleteBlockRecord removes the row for one IP. Missing rows are not errors.
func DeleteBlockRecord(ip string) error {
	if DB == nil {
		return errors.New("database: not initialized")
	}
	if err := DB.Where("ip = ?", ip).Delete(&domain.BlockRecord{}).Error; err != nil {
		return fmt.Errorf("database: delete block record for %s: %w", ip, err)
	}
	return nil
}

// ListActiveBlockRecords returns every record that is permanent or not yet
// expired, for restart re-enforcement.
func ListActiveBlockRecords(now time.Time) ([]domain.BlockRecord, error) {
	if DB == nil {
		return nil, errors.New("database: not initialized")
	}
	var records []domain.BlockRecord
	err := DB.
		Where("expires_at IS NULL OR expires_at > ?", now).
		Where("action IN ?", []string{domain.ActionTempBlock, domain.ActionPermBlock}).
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("database: list active block records: %w", err)
	}
	return records, nil
}

// InsertAttackEvent appends one audit row.
func InsertAttackEvent(event *domain.AttackEvent) error {
	if DB == nil {
		return errors.New("database: not initialized")
	}
	if err := DB.Create(event).Error; err != nil {
		return fmt.Errorf("database: insert attack event: %w", err)
	}
	return nil
}

// PruneAttackEvents deletes audit rows older than the cutoff and reports how
// many were removed.
func PruneAttackEvents(before time.Time) (int64, error) {
	if DB == nil {
		return 0, errors.New("database: not initialized")
	}
	result := DB.Where("timestamp < ?", before).Delete(&domain.AttackEvent{})
	if result.Error != nil {
		return 0, fmt.Errorf("database: prune attack events: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// ListRecentAttackEvents returns the newest audit rows, newest first.
func ListRecentAttackEvents(limit int) ([]domain.AttackEvent, error) {
	if DB == nil {
		return nil, errors.New("database: not initialized")
	}
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var events []domain.AttackEvent
	err := DB.Order("timestamp DESC").Limit(limit).Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("database: list attack events: %w", err)
	}
	return events, nil
}
