// Package cache keeps recent conversation turns in Redis so answer requests
// do not hit the database on the hot path. The database stays the source of
// truth; the cache is a bounded, expiring tail of each conversation.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	redisv9 "github.com/redis/go-redis/v9"

	"askdocs/internal/model"
	"askdocs/internal/repository"
)

const maxCachedTurns = 50

// HistoryCache layers a Redis list over the durable chat repository. Reads
// prefer the cache and fall back to the repository on a miss or a Redis
// failure; writes go to both, and a Redis failure on write only degrades
// freshness, never correctness.
type HistoryCache struct {
	client *redisv9.Client
	repo   *repository.ChatRepository
	ttl    time.Duration
	logger *slog.Logger
}

func NewHistoryCache(client *redisv9.Client, repo *repository.ChatRepository, ttl time.Duration, logger *slog.Logger) *HistoryCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HistoryCache{
		client: client,
		repo:   repo,
		ttl:    ttl,
		logger: logger,
	}
}

// Recent returns up to limit turns in chronological order.
func (c *HistoryCache) Recent(ctx context.Context, userID, fileID string, limit int) ([]model.ChatTurn, error) {
	if limit <= 0 {
		limit = 10
	}

	key := historyKey(userID, fileID)
	raw, err := c.client.LRange(ctx, key, int64(-limit), -1).Result()
	if err != nil {
		c.logger.Warn("redis history read failed, falling back to database", "err", err)
		return c.repo.ListRecent(ctx, userID, fileID, limit)
	}
	if len(raw) == 0 {
		turns, err := c.repo.ListRecent(ctx, userID, fileID, limit)
		if err != nil {
			return nil, err
		}
		c.fill(ctx, key, turns)
		return turns, nil
	}

	turns := make([]model.ChatTurn, 0, len(raw))
	for _, item := range raw {
		var turn model.ChatTurn
		if err := json.Unmarshal([]byte(item), &turn); err != nil {
			c.logger.Warn("corrupt cached turn, refilling from database", "err", err)
			_ = c.client.Del(ctx, key).Err()
			return c.repo.ListRecent(ctx, userID, fileID, limit)
		}
		turns = append(turns, turn)
	}
	return turns, nil
}

// Append persists the turn durably, then mirrors it into the cache.
func (c *HistoryCache) Append(ctx context.Context, turn model.ChatTurn) error {
	if err := c.repo.Append(ctx, turn); err != nil {
		return err
	}

	payload, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("marshal chat turn failed: %w", err)
	}

	key := historyKey(turn.UserID, turn.FileID)
	pipe := c.client.TxPipeline()
	pipe.RPush(ctx, key, payload)
	pipe.LTrim(ctx, key, int64(-maxCachedTurns), -1)
	pipe.Expire(ctx, key, c.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.Warn("redis history append failed", "err", err)
	}
	return nil
}

func (c *HistoryCache) fill(ctx context.Context, key string, turns []model.ChatTurn) {
	if len(turns) == 0 {
		return
	}
	pipe := c.client.TxPipeline()
	for _, turn := range turns {
		payload, err := json.Marshal(turn)
		if err != nil {
			return
		}
		pipe.RPush(ctx, key, payload)
	}
	pipe.Expire(ctx, key, c.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.Warn("redis history fill failed", "err", err)
	}
}

func historyKey(userID, fileID string) string {
	return fmt.Sprintf("chat:history:%s:%s", userID, fileID)
}
