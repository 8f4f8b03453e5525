// Package jobs holds the in-memory job store and the dispatcher that turns
// validated processing requests into background composite runs.
package jobs

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/satimage/compositor/pkg/models"
)

// Store keeps every job of this process run in memory. Records never persist
// across restarts and are never deleted while the process lives.
type Store struct {
	mu    sync.RWMutex
	jobs  map[string]*models.Job
	order []string
}

func NewStore() *Store {
	return &Store{jobs: make(map[string]*models.Job)}
}

// Create inserts a queued record and returns its snapshot plus the Owner
// handle that the executing adapter uses for every later update. Only the
// holder of the Owner can mutate the job.
func (s *Store) Create(provider models.Provider) (models.Job, *Owner) {
	job := &models.Job{
		ID:        uuid.NewString(),
		Provider:  provider,
		Status:    models.JobStatusQueued,
		Message:   "Job created, waiting to start...",
		CreatedAt: time.Now().UTC(),
	}

	s.mu.Lock()
	s.jobs[job.ID] = job
	s.order = append(s.order, job.ID)
	s.mu.Unlock()

	return *job, &Owner{store: s, id: job.ID}
}

// Get returns a snapshot of the job, or false when the id is unknown.
func (s *Store) Get(id string) (models.Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return models.Job{}, false
	}
	return *job, true
}

// List returns snapshots of every job, newest first.
func (s *Store) List() []models.Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Job, 0, len(s.order))
	for i := len(s.order) - 1; i >= 0; i-- {
		out = append(out, *s.jobs[s.order[i]])
	}
	return out
}

// Owner is the single-writer handle for one job. Updates hold the store lock
// so readers always observe a complete record, and the state machine is
// enforced here: queued → processing → completed|failed, progress monotonic,
// terminal states frozen.
type Owner struct {
	store *Store
	id    string
}

// ID returns the job this owner writes.
func (o *Owner) ID() string { return o.id }

// Processing transitions the job out of queued.
func (o *Owner) Processing(message string) {
	o.update(func(j *models.Job) {
		if j.Status != models.JobStatusQueued {
			return
		}
		j.Status = models.JobStatusProcessing
		j.Message = message
	})
}

// Progress records incremental progress; regressions are clamped away.
func (o *Owner) Progress(pct int, message string) {
	o.update(func(j *models.Job) {
		if pct > 100 {
			pct = 100
		}
		if pct > j.Progress {
			j.Progress = pct
		}
		if message != "" {
			j.Message = message
		}
	})
}

// Completed marks the terminal success state and pins the output reference.
func (o *Owner) Completed(outputFile, message string) {
	o.update(func(j *models.Job) {
		j.Status = models.JobStatusCompleted
		j.Progress = 100
		j.Message = message
		j.OutputFile = outputFile
	})
}

// Failed marks the terminal failure state with a descriptive message.
func (o *Owner) Failed(errMsg string) {
	o.update(func(j *models.Job) {
		j.Status = models.JobStatusFailed
		j.Message = "Error: " + errMsg
		j.Error = errMsg
	})
}

func (o *Owner) update(fn func(*models.Job)) {
	o.store.mu.Lock()
	defer o.store.mu.Unlock()
	job, ok := o.store.jobs[o.id]
	if !ok || models.TerminalStatus(job.Status) {
		return
	}
	fn(job)
}
