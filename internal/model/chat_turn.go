package model

import "time"

const (
	SenderUser = "user"
	SenderAI   = "ai"
)

// ChatTurn is one durable transcript entry, scoped to a user and the
// document the conversation is about.
type ChatTurn struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	ChatID    string    `gorm:"size:64;index" json:"chat_id"`
	UserID    string    `gorm:"size:64;not null;index:idx_chat_scope" json:"user_id"`
	FileID    string    `gorm:"size:128;not null;index:idx_chat_scope" json:"file_id"`
	Sender    string    `gorm:"size:8;not null" json:"sender"`
	Message   string    `gorm:"type:text;not null" json:"message"`
	CreatedAt time.Time `json:"timestamp"`
}
