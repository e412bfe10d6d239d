package repository

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"askdocs/internal/model"
)

type ChatRepository struct {
	db *gorm.DB
}

func NewChatRepository(db *gorm.DB) *ChatRepository {
	return &ChatRepository{db: db}
}

func (r *ChatRepository) Append(ctx context.Context, turn model.ChatTurn) error {
	if err := r.db.WithContext(ctx).Create(&turn).Error; err != nil {
		return fmt.Errorf("append chat turn failed: %w", err)
	}
	return nil
}

// ListRecent returns the newest turns for one (user, file) conversation in
// chronological order.
func (r *ChatRepository) ListRecent(ctx context.Context, userID, fileID string, limit int) ([]model.ChatTurn, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	var turns []model.ChatTurn
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND file_id = ?", userID, fileID).
		Order("created_at DESC").
		Limit(limit).
		Find(&turns).Error
	if err != nil {
		return nil, fmt.Errorf("list chat turns failed: %w", err)
	}

	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}
