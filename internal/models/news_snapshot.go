package models

import (
	"time"

	"gorm.io/datatypes"
)

// NewsSnapshot stores the last successful upstream result per query so the
// dashboard still renders when the news provider is unreachable. It lives in
// its own table with no relation to authentication state.
type NewsSnapshot struct {
	Query     string         `gorm:"primaryKey;size:256" json:"query"`
	Payload   datatypes.JSON `json:"payload"`
	FetchedAt time.Time      `json:"fetched_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}
