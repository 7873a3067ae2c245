package domain

import "time"

// AttackEvent is the audit record written for every pipeline decision that
// produced at least a logged action.
type AttackEvent struct {
	ID uint64 `gorm:"primaryKey;autoIncrement" json:"id"`

	Timestamp   time.Time `gorm:"index;not null" json:"timestamp"`
	SourceIP    string    `gorm:"size:45;index;not null" json:"source_ip"`
	ProxyIP     string    `gorm:"size:45;not null;default:''" json:"proxy_ip"`
	CountryCode string    `gorm:"size:2;not null;default:'XX'" json:"country_code"`
	CountryName string    `gorm:"size:64;not null;default:'Unknown'" json:"country_name"`

	Category  string    `gorm:"size:64;not null;default:''" json:"category"`
	RiskLevel RiskLevel `gorm:"size:16;not null;default:'LOW'" json:"risk_level"`
	Summary   string    `gorm:"size:512;not null;default:''" json:"summary"`

	// Categories lists every signature category the line matched when there
	// was more than one; Category is the most severe of them.
	Categories StringList `gorm:"type:text" json:"categories,omitempty"`

	// Action taken by the blocker: logged, temp_block, perm_block or skip.
	Action string `gorm:"size:16;not null;default:''" json:"action"`

	// Source names the log source the line came from.
	Source string `gorm:"size:255;not null;default:''" json:"source"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}
