package models

import "time"

const (
	JobStatusQueued     = "queued"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
)

// TerminalStatus reports whether status admits no further transitions.
func TerminalStatus(status string) bool {
	return status == JobStatusCompleted || status == JobStatusFailed
}

// Job tracks one asynchronous composite run. The API returns a job_id on
// POST /api/process; the client polls GET /api/jobs/{id} until the status is
// completed or failed, then downloads OutputFile.
type Job struct {
	ID         string    `json:"job_id"`
	Provider   Provider  `json:"provider"`
	Status     string    `json:"status"`
	Progress   int       `json:"progress"`
	Message    string    `json:"message"`
	OutputFile string    `json:"output_file,omitempty"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}
