package vectorstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/pgvector/pgvector-go"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// vectorRow is the pgvector table shape. Metadata is stored as jsonb so
// provenance fields survive round trips without schema churn.
type vectorRow struct {
	ID        string `gorm:"primaryKey"`
	UserID    string `gorm:"index:idx_vectors_scope"`
	FileID    string `gorm:"index:idx_vectors_scope"`
	Metadata  string
	Embedding pgvector.Vector
	CreatedAt time.Time
}

func (vectorRow) TableName() string { return "vectors" }

// PGVectorStore is the relational vector backend.
type PGVectorStore struct {
	db       *gorm.DB
	operator Operator
	logger   *slog.Logger
}

// NewPGVector ensures the extension and table exist and returns the store.
// The column dimension is fixed at creation; writes with a different width
// fail loudly rather than being silently padded.
func NewPGVector(db *gorm.DB, dimensions int, operator Operator, logger *slog.Logger) (*PGVectorStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dimensions <= 0 {
		return nil, fmt.Errorf("pgvector: dimensions must be positive, got %d", dimensions)
	}
	if !operator.Valid() {
		return nil, fmt.Errorf("pgvector: unsupported operator %q", operator)
	}

	if err := db.Exec("CREATE EXTENSION IF NOT EXISTS vector").Error; err != nil {
		return nil, fmt.Errorf("create pgvector extension failed: %w", err)
	}
	createTable := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS vectors (
		id text PRIMARY KEY,
		user_id text NOT NULL DEFAULT '',
		file_id text NOT NULL DEFAULT '',
		metadata jsonb,
		embedding vector(%d),
		created_at timestamptz NOT NULL DEFAULT now()
	)`, dimensions)
	if err := db.Exec(createTable).Error; err != nil {
		return nil, fmt.Errorf("create vectors table failed: %w", err)
	}
	if err := db.Exec("CREATE INDEX IF NOT EXISTS idx_vectors_scope ON vectors (user_id, file_id)").Error; err != nil {
		return nil, fmt.Errorf("create vectors scope index failed: %w", err)
	}

	return &PGVectorStore{db: db, operator: operator, logger: logger}, nil
}

// Upsert writes all records in one transaction with ON CONFLICT (id) DO
// UPDATE. Unlike the remote backend there is no partial success: the
// transaction either lands fully or the whole set is reported failed.
func (s *PGVectorStore) Upsert(ctx context.Context, records []Record) (UpsertResult, error) {
	if len(records) == 0 {
		return UpsertResult{}, nil
	}

	rows := make([]vectorRow, len(records))
	for i, r := range records {
		meta, err := json.Marshal(r.Metadata)
		if err != nil {
			return UpsertResult{}, fmt.Errorf("marshal vector metadata failed: %w", err)
		}
		rows[i] = vectorRow{
			ID:        r.ID,
			UserID:    r.Metadata["userId"],
			FileID:    r.Metadata["fileId"],
			Metadata:  string(meta),
			Embedding: pgvector.NewVector(r.Values),
		}
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"user_id", "file_id", "metadata", "embedding",
			}),
		}).Create(&rows).Error
	})
	if err != nil {
		ids := make([]string, len(records))
		for i, r := range records {
			ids[i] = r.ID
		}
		return UpsertResult{
			FailedBatches: []FailedBatch{{IDs: ids, Err: err}},
		}, fmt.Errorf("pgvector upsert failed: %w", err)
	}

	return UpsertResult{UpsertedCount: len(records)}, nil
}

// Query returns the topK nearest rows inside the (userID, fileID) scope,
// ordered by ascending distance under the configured operator.
func (s *PGVectorStore) Query(ctx context.Context, embedding []float32, userID, fileID string, topK int) ([]Match, error) {
	if err := validateQuery(embedding, topK); err != nil {
		return nil, err
	}

	type hit struct {
		ID       string
		Metadata string
		Distance float64
	}

	var hits []hit
	expr := fmt.Sprintf("id, metadata, embedding %s ? AS distance", s.operator.sqlOperator())
	err := s.db.WithContext(ctx).
		Table("vectors").
		Select(expr, pgvector.NewVector(embedding)).
		Where("user_id = ? AND file_id = ?", userID, fileID).
		Order("distance ASC").
		Limit(topK).
		Scan(&hits).Error
	if err != nil {
		return nil, fmt.Errorf("pgvector query failed: %w", err)
	}

	matches := make([]Match, len(hits))
	for i, h := range hits {
		meta := map[string]string{}
		if h.Metadata != "" {
			if err := json.Unmarshal([]byte(h.Metadata), &meta); err != nil {
				s.logger.Warn("vector metadata unmarshal failed", "id", h.ID, "err", err)
			}
		}
		matches[i] = Match{
			ID:       h.ID,
			Score:    DistanceToScore(s.operator, h.Distance),
			Metadata: meta,
		}
	}
	return matches, nil
}
