package users

import (
	"strings"
	"time"
)

// Identity maps a session subject to a canonical marketplace user, with the
// wallet the user has linked for payouts and purchases.
type Identity struct {
	Provider      string    `gorm:"column:provider;primaryKey;size:32;not null"`
	Subject       string    `gorm:"column:subject;primaryKey;size:190;not null"`
	UserID        string    `gorm:"column:user_id;size:190;not null;index"`
	Email         string    `gorm:"column:user_email;size:320"`
	DisplayName   string    `gorm:"column:user_display_name;size:320"`
	WalletAddress string    `gorm:"column:wallet_address;size:64;not null;default:''"`
	LastSeenAt    time.Time `gorm:"column:last_seen_at;autoUpdateTime"`
	CreatedAt     time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing user identities.
func (Identity) TableName() string {
	return "user_identities"
}

// normalize value helper used across service implementation.
func normalize(value string) string {
	return strings.TrimSpace(value)
}
