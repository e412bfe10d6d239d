// Package events fans job and answer progress out to client connections,
// locally and across process instances via a broadcast channel.
package events

// Event names delivered to clients.
const (
	EventFileProgress   = "file-progress"
	EventFileProcessed  = "file-processed"
	EventFileFailed     = "file-failed"
	EventAnswerChunk    = "answer_chunk"
	EventAnswerComplete = "answer_complete"
	EventError          = "error"
)

// FileProgressPayload reports ingestion progress as a monotonically
// increasing percentage.
type FileProgressPayload struct {
	FileID   string `json:"fileId"`
	Status   string `json:"status"`
	Progress int    `json:"progress"`
}

// FileDonePayload terminates a file's event stream, carrying the failure
// message when Status is "failed".
type FileDonePayload struct {
	FileID string  `json:"fileId"`
	Status string  `json:"status"`
	Error  *string `json:"error"`
}
