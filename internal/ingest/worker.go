package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	amqp "github.com/rabbitmq/amqp091-go"

	"askdocs/internal/chunk"
	"askdocs/internal/events"
	"askdocs/internal/model"
	"askdocs/internal/pkg/retry"
	"askdocs/internal/prompt"
	"askdocs/internal/storage"
	"askdocs/internal/vectorstore"
)

// Embedder turns one chunk into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// FileStore persists the ingestion state machine.
type FileStore interface {
	MarkProcessing(ctx context.Context, fileID string) error
	MarkProcessed(ctx context.Context, fileID string) error
	MarkFailed(ctx context.Context, fileID, cause string) error
}

// Publisher fans progress events out to the owner's connections.
type Publisher interface {
	Publish(ctx context.Context, identity, event string, payload any) bool
}

// Config tunes the ingestion worker.
type Config struct {
	QueueName       string
	Concurrency     int           // parallel jobs (default 5)
	ChunkSize       int           // runes per chunk (default 1000)
	ChunkOverlap    int           // runes shared between neighbors (default 100)
	UpsertBatchSize int           // records per upsert call (default 50)
	EmbedRetries    int           // retries after the first embed attempt (default 3)
	EmbedRetryDelay time.Duration // base backoff between embed attempts (default 1s)
}

func (c *Config) withDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 5
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = 1000
	}
	if c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize {
		c.ChunkOverlap = 100
	}
	if c.UpsertBatchSize <= 0 {
		c.UpsertBatchSize = 50
	}
	if c.EmbedRetries <= 0 {
		c.EmbedRetries = 3
	}
	if c.EmbedRetryDelay <= 0 {
		c.EmbedRetryDelay = time.Second
	}
}

// Worker consumes ingestion jobs and processes them on a bounded pool. A job
// moves its file record uploaded -> processing -> processed, or -> failed
// with the cause recorded; either way the outcome is pushed to the owner.
type Worker struct {
	conn    *amqp.Connection
	objects storage.ObjectStore
	files   FileStore
	embed   Embedder
	store   vectorstore.Store
	pub     Publisher
	cfg     Config
	logger  *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewWorker(
	conn *amqp.Connection,
	objects storage.ObjectStore,
	files FileStore,
	embed Embedder,
	store vectorstore.Store,
	pub Publisher,
	cfg Config,
	logger *slog.Logger,
) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.withDefaults()
	return &Worker{
		conn:    conn,
		objects: objects,
		files:   files,
		embed:   embed,
		store:   store,
		pub:     pub,
		cfg:     cfg,
		logger:  logger,
	}
}

// Start begins consuming. It is idempotent; the second call is a no-op.
func (w *Worker) Start(ctx context.Context) error {
	if w.cancel != nil {
		return nil
	}

	workerCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	ch, err := w.conn.Channel()
	if err != nil {
		cancel()
		return fmt.Errorf("open worker channel failed: %w", err)
	}

	_, err = ch.QueueDeclare(
		w.cfg.QueueName,
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		_ = ch.Close()
		cancel()
		return fmt.Errorf("declare worker queue failed: %w", err)
	}

	// Prefetch matches the pool so the broker never hands us more jobs than
	// we can run.
	if err := ch.Qos(w.cfg.Concurrency, 0, false); err != nil {
		_ = ch.Close()
		cancel()
		return fmt.Errorf("set worker qos failed: %w", err)
	}

	deliveries, err := ch.Consume(
		w.cfg.QueueName,
		"",
		false,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		_ = ch.Close()
		cancel()
		return fmt.Errorf("consume queue failed: %w", err)
	}

	pool, err := ants.NewPool(w.cfg.Concurrency)
	if err != nil {
		_ = ch.Close()
		cancel()
		return fmt.Errorf("create worker pool failed: %w", err)
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer ch.Close()
		defer pool.Release()

		for {
			select {
			case <-workerCtx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				delivery := d
				if err := pool.Submit(func() {
					w.handle(workerCtx, delivery)
				}); err != nil {
					w.logger.Error("submit ingestion job failed", "err", err)
					_ = delivery.Nack(false, true)
				}
			}
		}
	}()

	return nil
}

func (w *Worker) Close() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}

func (w *Worker) handle(ctx context.Context, d amqp.Delivery) {
	var job Job
	if err := json.Unmarshal(d.Body, &job); err != nil {
		w.logger.Error("decode ingestion job failed", "err", err)
		_ = d.Nack(false, false)
		return
	}

	log := w.logger.With("fileId", job.FileID, "userId", job.UserID, "correlationId", job.CorrelationID)
	log.Info("ingestion job started", "key", job.Key)

	if err := w.Process(ctx, job); err != nil {
		log.Error("ingestion job failed", "err", err)
		w.fail(ctx, job, err)
		_ = d.Nack(false, false)
		return
	}

	log.Info("ingestion job completed")
	_ = d.Ack(false)
}

// Process runs one job end to end. Progress milestones: 10 once the object
// is fetched, 40 after extraction and chunking, then 70 up to 90 as batches
// land, and 100 on completion.
func (w *Worker) Process(ctx context.Context, job Job) error {
	if err := w.files.MarkProcessing(ctx, job.FileID); err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}

	body, err := w.objects.Get(ctx, job.Key)
	if err != nil {
		return fmt.Errorf("fetch object %q: %w", job.Key, err)
	}
	w.progress(ctx, job, 10)

	text, err := extractText(job.Key, body)
	_ = body.Close()
	if err != nil {
		return err
	}
	text = prompt.Sanitize(text)

	// One whole-document vector, written independently of chunking, so
	// retrieval can match a document's overall topic even when no single
	// chunk is close to the question.
	if err := w.upsertDocument(ctx, job, text); err != nil {
		return err
	}

	total := chunk.Count(len([]rune(text)), w.cfg.ChunkSize, w.cfg.ChunkOverlap)
	w.progress(ctx, job, 40)

	records := make([]vectorstore.Record, 0, total)
	i := 0
	for piece := range chunk.Chunks(text, w.cfg.ChunkSize, w.cfg.ChunkOverlap) {
		vec, err := w.embedChunk(ctx, piece)
		if err != nil {
			return fmt.Errorf("embed chunk %d/%d: %w", i+1, total, err)
		}
		records = append(records, vectorstore.Record{
			ID:     uuid.NewString(),
			Values: vec,
			Metadata: map[string]string{
				"text":   piece,
				"userId": job.UserID,
				"fileId": job.FileID,
				"chunk":  fmt.Sprintf("%d", i),
				"source": "upload",
			},
		})
		i++
	}
	w.progress(ctx, job, 70)

	if err := w.upsertAll(ctx, job, records); err != nil {
		return err
	}
	w.progress(ctx, job, 100)

	if err := w.files.MarkProcessed(ctx, job.FileID); err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	w.pub.Publish(ctx, job.UserID, events.EventFileProcessed, events.FileDonePayload{
		FileID: job.FileID,
		Status: model.FileStatusProcessed,
	})
	return nil
}

// docEmbedLimit caps the text sent to the document-level embed call so an
// oversized upload stays within the embedding model's input window.
const docEmbedLimit = 6000

// upsertDocument embeds the document as a whole and stores a single
// document-level vector alongside the chunk vectors.
func (w *Worker) upsertDocument(ctx context.Context, job Job, text string) error {
	if text == "" {
		return nil
	}
	excerpt := text
	if r := []rune(excerpt); len(r) > docEmbedLimit {
		excerpt = string(r[:docEmbedLimit])
	}

	vec, err := w.embedChunk(ctx, excerpt)
	if err != nil {
		return fmt.Errorf("embed document: %w", err)
	}

	res, err := w.store.Upsert(ctx, []vectorstore.Record{{
		ID:     uuid.NewString(),
		Values: vec,
		Metadata: map[string]string{
			"text":   excerpt,
			"userId": job.UserID,
			"fileId": job.FileID,
			"level":  "document",
			"source": "upload",
		},
	}})
	if err != nil {
		return fmt.Errorf("upsert document vector: %w", err)
	}
	if len(res.FailedBatches) > 0 {
		return fmt.Errorf("upsert document vector failed after retries")
	}
	return nil
}

func (w *Worker) embedChunk(ctx context.Context, piece string) ([]float32, error) {
	var vec []float32
	err := retry.Do(ctx, func() error {
		out, err := w.embed.Embed(ctx, piece)
		if err != nil {
			return err
		}
		vec = out
		return nil
	}, w.cfg.EmbedRetries+1, w.cfg.EmbedRetryDelay)
	return vec, err
}

// upsertAll writes records in batches, advancing progress from 70 to 90.
// Any failed batch fails the whole job: a partially indexed document would
// silently answer from half its content.
func (w *Worker) upsertAll(ctx context.Context, job Job, records []vectorstore.Record) error {
	total := (len(records) + w.cfg.UpsertBatchSize - 1) / w.cfg.UpsertBatchSize
	for b := 0; b < total; b++ {
		start := b * w.cfg.UpsertBatchSize
		end := min(start+w.cfg.UpsertBatchSize, len(records))

		res, err := w.store.Upsert(ctx, records[start:end])
		if err != nil {
			return fmt.Errorf("upsert batch %d/%d: %w", b+1, total, err)
		}
		if len(res.FailedBatches) > 0 {
			return fmt.Errorf("upsert batch %d/%d: %d records failed after retries",
				b+1, total, end-start-res.UpsertedCount)
		}
		w.progress(ctx, job, 70+20*(b+1)/total)
	}
	return nil
}

func (w *Worker) progress(ctx context.Context, job Job, pct int) {
	w.pub.Publish(ctx, job.UserID, events.EventFileProgress, events.FileProgressPayload{
		FileID:   job.FileID,
		Status:   model.FileStatusProcessing,
		Progress: pct,
	})
}

func (w *Worker) fail(ctx context.Context, job Job, cause error) {
	if err := w.files.MarkFailed(ctx, job.FileID, cause.Error()); err != nil {
		w.logger.Error("mark failed failed", "fileId", job.FileID, "err", err)
	}
	msg := cause.Error()
	w.pub.Publish(ctx, job.UserID, events.EventFileFailed, events.FileDonePayload{
		FileID: job.FileID,
		Status: model.FileStatusFailed,
		Error:  &msg,
	})
}
