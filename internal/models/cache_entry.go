package models

import (
	"time"
)

// CacheEntry backs the database fallback of the cache store. It carries
// pending auth challenges, rate-limit counters, and cached lookups when Redis
// is not configured.
type CacheEntry struct {
	Key       string    `gorm:"primaryKey;size:256"`
	Value     []byte    `gorm:"type:blob"`
	ExpiresAt time.Time `gorm:"index"`
	CreatedAt time.Time
	UpdatedAt time.Time
}
