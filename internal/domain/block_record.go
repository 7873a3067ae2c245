package domain

import "time"

// Block actions in escalation order.
const (
	ActionLogged    = "logged"
	ActionTempBlock = "temp_block"
	ActionPermBlock = "perm_block"
)

// Enforcement methods a block record can carry.
const (
	MethodIptables      = "iptables"
	MethodEdgeAPI       = "edge_api"
	MethodWebserverDeny = "webserver_deny"
)

// BlockRecord stores one enforced (or logged) block keyed by IP so that
// enforcement survives restarts.
type BlockRecord struct {
	ID uint64 `gorm:"primaryKey;autoIncrement" json:"id"`

	// IP is the address the block was issued against (normalized string form).
	IP        string `gorm:"size:45;uniqueIndex;not null" json:"ip"`
	RealIP    string `gorm:"size:45;not null;default:''" json:"real_ip"`
	ProxyIP   string `gorm:"size:45;not null;default:''" json:"proxy_ip"`
	UserAgent string `gorm:"size:512;not null;default:''" json:"user_agent"`
	Endpoint  string `gorm:"size:512;not null;default:''" json:"endpoint"`
	Method    string `gorm:"size:16;not null;default:''" json:"method"`

	Action    string    `gorm:"size:16;not null" json:"action"`
	Reason    string    `gorm:"size:512;not null;default:''" json:"reason"`
	RiskLevel RiskLevel `gorm:"size:16;not null;default:'LOW'" json:"risk_level"`
	Source    string    `gorm:"size:255;not null;default:''" json:"source"`

	// BlockMethod records which backend performed the enforcement.
	BlockMethod string `gorm:"size:32;not null;default:''" json:"block_method"`

	// EdgeRuleID holds the backend handle (list item or access rule ID) needed
	// for O(1) removal on the edge API.
	EdgeRuleID string `gorm:"size:128;not null;default:''" json:"edge_rule_id,omitempty"`

	// ExpiresAt is nil for permanent blocks.
	ExpiresAt *time.Time `json:"expires_at,omitempty"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// Expired reports whether a temporary block has run out.
func (b *BlockRecord) Expired(now time.Time) bool {
	return b.ExpiresAt != nil && now.After(*b.ExpiresAt)
}

// Permanent reports whether the record has no expiry.
func (b *BlockRecord) Permanent() bool {
	return b.ExpiresAt == nil
}
