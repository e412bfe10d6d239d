package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"askdocs/internal/model"
)

var ErrFileNotFound = errors.New("file record not found")

type FileRepository struct {
	db *gorm.DB
}

func NewFileRepository(db *gorm.DB) *FileRepository {
	return &FileRepository{db: db}
}

func (r *FileRepository) Create(ctx context.Context, rec *model.FileRecord) error {
	if rec.Status == "" {
		rec.Status = model.FileStatusUploaded
	}
	if err := r.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("create file record failed: %w", err)
	}
	return nil
}

func (r *FileRepository) GetByFileID(ctx context.Context, fileID string) (*model.FileRecord, error) {
	var rec model.FileRecord
	err := r.db.WithContext(ctx).Where("file_id = ?", fileID).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrFileNotFound, fileID)
	}
	if err != nil {
		return nil, fmt.Errorf("get file record failed: %w", err)
	}
	return &rec, nil
}

func (r *FileRepository) MarkProcessing(ctx context.Context, fileID string) error {
	return r.update(ctx, fileID, map[string]any{
		"status": model.FileStatusProcessing,
		"error":  "",
	})
}

func (r *FileRepository) MarkProcessed(ctx context.Context, fileID string) error {
	now := time.Now()
	return r.update(ctx, fileID, map[string]any{
		"status":       model.FileStatusProcessed,
		"error":        "",
		"processed_at": &now,
	})
}

func (r *FileRepository) MarkFailed(ctx context.Context, fileID, cause string) error {
	return r.update(ctx, fileID, map[string]any{
		"status": model.FileStatusFailed,
		"error":  cause,
	})
}

func (r *FileRepository) update(ctx context.Context, fileID string, fields map[string]any) error {
	res := r.db.WithContext(ctx).
		Model(&model.FileRecord{}).
		Where("file_id = ?", fileID).
		Updates(fields)
	if res.Error != nil {
		return fmt.Errorf("update file record failed: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrFileNotFound, fileID)
	}
	return nil
}
