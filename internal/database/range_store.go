package database

import (
	"errors"
	"fmt"
	"time"

	"logward/internal/domain"

	"gorm.io/gorm"
)

// ReplaceProxyRanges swaps the cached CDN ranges for one address family in a
// single transaction so a failed refresh never leaves a half-written cache.
func ReplaceProxyRanges(family int, cidrs []string, source string) error {
	if DB == nil {
		return errors.New("database: not initialized")
	}

	now := time.Now()
	rows := make([]domain.ProxyRange, 0, len(cidrs))
	for _, c := range cidrs {
		rows = append(rows, domain.ProxyRange{
			CIDR:      c,
			Family:    family,
			Source:    source,
			FetchedAt: now,
		})
	}

	err := DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("family = ?", family).Delete(&domain.ProxyRange{}).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.Create(&rows).Error
	})
	if err != nil {
		return fmt.Errorf("database: replace proxy ranges (v%d): %w", family, err)
	}
	return nil
}

// LoadProxyRanges returns the cached ranges and the oldest fetch timestamp,
// so callers can judge staleness.
func LoadProxyRanges() ([]domain.ProxyRange, time.Time, error) {
	if DB == nil {
		return nil, time.Time{}, errors.New("database: not initialized")
	}

	var rows []domain.ProxyRange
	if err := DB.Order("family, cidr").Find(&rows).Error; err != nil {
		return nil, time.Time{}, fmt.Errorf("database: load proxy ranges: %w", err)
	}

	var oldest time.Time
	for _, row := range rows {
		if oldest.IsZero() || row.FetchedAt.Before(oldest) {
			oldest = row.FetchedAt
		}
	}
	return rows, oldest, nil
}
