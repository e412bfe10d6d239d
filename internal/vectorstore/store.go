// Package vectorstore persists and queries embedding vectors behind a
// pluggable backend: a remote Qdrant collection or a pgvector table.
package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"askdocs/internal/pkg/retry"
)

const (
	BackendQdrant   = "qdrant"
	BackendPGVector = "pgvector"

	// Remote upserts are grouped in fixed-size batches; each batch gets
	// one initial attempt plus three retries at 1s/2s/4s.
	defaultBatchSize  = 100
	batchAttempts     = 4
	defaultRetryDelay = time.Second
)

var (
	ErrEmptyEmbedding = errors.New("query embedding must not be empty")
	ErrInvalidTopK    = errors.New("topK must be a positive integer")
	ErrUnknownBackend = errors.New("unknown vector store backend")
)

// Record is one stored vector. Every record carries userId/fileId metadata so
// queries are always tenant+document scoped.
type Record struct {
	ID       string
	Values   []float32
	Metadata map[string]string
}

// Match is one query hit, ranked descending by Score.
type Match struct {
	ID       string
	Score    float64
	Metadata map[string]string
}

// FailedBatch records a batch that exhausted its retries. Sibling batches
// are unaffected; partial success is the designed outcome.
type FailedBatch struct {
	IDs []string
	Err error
}

type UpsertResult struct {
	UpsertedCount int
	FailedBatches []FailedBatch
}

// Store is the backend-neutral interface. Both implementations are safe for
// concurrent use.
type Store interface {
	Upsert(ctx context.Context, records []Record) (UpsertResult, error)
	Query(ctx context.Context, embedding []float32, userID, fileID string, topK int) ([]Match, error)
}

// Config selects and tunes the backend once at construction time.
type Config struct {
	Backend    string
	Operator   Operator // pgvector distance operator
	Dimensions int      // embedding width

	QdrantHost       string
	QdrantPort       int
	QdrantCollection string
}

// New builds the configured backend. The backend choice is resolved exactly
// here; call sites only ever see the Store interface.
func New(ctx context.Context, cfg Config, db *gorm.DB, logger *slog.Logger) (Store, error) {
	switch cfg.Backend {
	case BackendQdrant:
		return NewQdrant(ctx, cfg.QdrantHost, cfg.QdrantPort, cfg.QdrantCollection, logger)
	case BackendPGVector:
		return NewPGVector(db, cfg.Dimensions, cfg.Operator, logger)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend)
	}
}

func validateQuery(embedding []float32, topK int) error {
	if len(embedding) == 0 {
		return ErrEmptyEmbedding
	}
	if topK <= 0 {
		return ErrInvalidTopK
	}
	return nil
}

// batchedUpsert splits records into batches and retries each batch
// independently with exponential backoff. A batch that exhausts its retries
// lands in FailedBatches; the remaining batches still run.
func batchedUpsert(
	ctx context.Context,
	records []Record,
	batchSize int,
	retryDelay time.Duration,
	upsertBatch func(ctx context.Context, batch []Record) error,
	logger *slog.Logger,
) UpsertResult {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelay
	}

	var result UpsertResult
	for start := 0; start < len(records); start += batchSize {
		end := start + batchSize
		if end > len(records) {
			end = len(records)
		}
		batch := records[start:end]

		err := retry.Do(ctx, func() error {
			return upsertBatch(ctx, batch)
		}, batchAttempts, retryDelay)
		if err != nil {
			ids := make([]string, len(batch))
			for i, r := range batch {
				ids[i] = r.ID
			}
			logger.Error("vector batch upsert failed after retries",
				"batch_start", start, "size", len(batch), "err", err)
			result.FailedBatches = append(result.FailedBatches, FailedBatch{IDs: ids, Err: err})
			continue
		}
		result.UpsertedCount += len(batch)
	}
	return result
}
