package model

import "time"

const (
	FileStatusUploaded   = "uploaded"
	FileStatusProcessing = "processing"
	FileStatusProcessed  = "processed"
	FileStatusFailed     = "failed"
)

// FileRecord tracks one uploaded document through the ingestion state
// machine: uploaded -> processing -> processed | failed. Every transition is
// persisted with a timestamp; failures keep the causing message.
type FileRecord struct {
	ID            uint       `gorm:"primaryKey" json:"id"`
	FileID        string     `gorm:"size:128;not null;uniqueIndex" json:"file_id"`
	UserID        string     `gorm:"size:64;not null;index" json:"user_id"`
	Key           string     `gorm:"size:512;not null" json:"key"`
	CorrelationID string     `gorm:"size:64" json:"correlation_id"`
	Status        string     `gorm:"size:16;not null;index" json:"status"`
	Error         string     `gorm:"type:text" json:"error"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	ProcessedAt   *time.Time `json:"processed_at"`
}
