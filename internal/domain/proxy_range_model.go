package domain

import "time"

// ProxyRange stores one cached trusted-proxy CIDR fetched from the CDN's
// published range lists, so the store can start offline.
type ProxyRange struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"`

	// CIDR holds the normalized network string (e.g. 173.245.48.0/20).
	CIDR string `gorm:"column:cidr;size:64;uniqueIndex;not null"`

	// Family is 4 or 6.
	Family int `gorm:"not null;default:4"`

	Source string `gorm:"size:255;not null;default:''"`

	FetchedAt time.Time `gorm:"autoCreateTime"`
}
