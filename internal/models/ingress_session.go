package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// IngressSession tracks one temporary ingress grant for a single client address.
// Only RevokedAt is ever written after the row is created.
type IngressSession struct {
	ID           string     `gorm:"primaryKey;size:36" json:"id"`
	Address      string     `gorm:"size:64;not null;index:idx_ingress_open_address,priority:1" json:"address"`
	AuthorizedAt time.Time  `gorm:"not null" json:"authorized_at"`
	ExpiresAt    time.Time  `gorm:"not null;index:idx_ingress_expiry,priority:2" json:"expires_at"`
	RevokedAt    *time.Time `gorm:"index:idx_ingress_open_address,priority:2;index:idx_ingress_expiry,priority:1" json:"revoked_at"`
}

// TableName pins the table name used for session tracking.
func (IngressSession) TableName() string {
	return "ingress_sessions"
}

// BeforeCreate ensures UUID identifiers are generated automatically.
func (s *IngressSession) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	return nil
}

// IsOpen reports whether the session has not been revoked yet.
func (s *IngressSession) IsOpen() bool {
	return s != nil && s.RevokedAt == nil
}
