// Package ingest consumes uploaded-document jobs from the queue and turns
// each document into scoped vectors: extract text, chunk, embed, upsert,
// with progress fanned out to the owner's connections along the way.
package ingest

// Job is the queue payload enqueued when a document upload completes.
type Job struct {
	Key           string `json:"key"`
	UserID        string `json:"userId"`
	FileID        string `json:"fileId"`
	CorrelationID string `json:"correlationId"`
}
