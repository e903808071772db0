package extract

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/recallbox/memoryd/internal/apperr"
	"github.com/recallbox/memoryd/internal/config"
)

// Job lifecycle states.
const (
	JobQueued    = "queued"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

// Job is one tracked extraction request.
type Job struct {
	ID            string     `json:"job_id"`
	Status        string     `json:"status"`
	Source        string     `json:"source"`
	Context       string     `json:"context"`
	MessageLength int        `json:"message_length"`
	QueueDepth    int        `json:"queue_depth,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	Result        *Result    `json:"result,omitempty"`
	Error         string     `json:"error,omitempty"`

	messages string
}

// Queue is the bounded extraction job queue with its worker pool and job
// table. Overflow is rejected with a retry hint instead of blocking the
// request path.
type Queue struct {
	cfg      config.ExtractionConfig
	pipeline *Pipeline

	// Trim runs after every job, reclaiming provider-call allocations.
	Trim func(reason string)

	tasks chan *Job

	mu   sync.Mutex
	jobs map[string]*Job
}

// NewQueue builds the queue around a pipeline.
func NewQueue(cfg config.ExtractionConfig, pipeline *Pipeline) *Queue {
	capacity := cfg.QueueMax
	if capacity <= 0 {
		capacity = 50
	}
	return &Queue{
		cfg:      cfg,
		pipeline: pipeline,
		tasks:    make(chan *Job, capacity),
		jobs:     make(map[string]*Job),
	}
}

// Pipeline exposes the underlying pipeline for status reporting.
func (q *Queue) Pipeline() *Pipeline { return q.pipeline }

// Depth returns the number of queued (not yet started) jobs.
func (q *Queue) Depth() int { return len(q.tasks) }

// Submit enqueues a job. A full queue returns ResourceExhausted with a
// retry-after proportional to the backlog per worker, clamped to 1..30
// seconds.
func (q *Queue) Submit(messages, source, jobContext string) (Job, error) {
	job := &Job{
		ID:            newJobID(),
		Status:        JobQueued,
		Source:        source,
		Context:       jobContext,
		MessageLength: len(messages),
		CreatedAt:     time.Now().UTC(),
		messages:      messages,
	}

	select {
	case q.tasks <- job:
	default:
		depth := len(q.tasks)
		workers := q.cfg.Workers
		if workers < 1 {
			workers = 1
		}
		retry := depth/workers + 1
		if retry < 1 {
			retry = 1
		}
		if retry > 30 {
			retry = 30
		}
		return Job{}, apperr.ResourceExhausted("extraction queue full", retry)
	}

	q.mu.Lock()
	q.jobs[job.ID] = job
	q.mu.Unlock()
	return *job, nil
}

// Get returns a copy of a job record.
func (q *Queue) Get(id string) (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *job, true
}

// Counts returns the number of tracked jobs per status.
func (q *Queue) Counts() map[string]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	counts := make(map[string]int, 4)
	for _, job := range q.jobs {
		counts[job.Status]++
	}
	return counts
}

// Run starts the worker pool and blocks until ctx is cancelled.
func (q *Queue) Run(ctx context.Context) {
	workers := q.cfg.Workers
	if workers < 1 {
		workers = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job := <-q.tasks:
					// A started job runs to completion; shutdown only
					// stops pulling new work. Provider client timeouts
					// still bound each call.
					q.runJob(context.WithoutCancel(ctx), job)
				}
			}
		}()
	}
	wg.Wait()
}

func (q *Queue) runJob(ctx context.Context, job *Job) {
	if q.Trim != nil {
		defer q.Trim("extract:" + job.Context)
	}

	now := time.Now().UTC()
	q.mu.Lock()
	job.Status = JobRunning
	job.StartedAt = &now
	job.QueueDepth = len(q.tasks)
	q.mu.Unlock()

	slog.Info("extraction job started",
		slog.String("job_id", job.ID),
		slog.String("source", job.Source),
		slog.Int("queue_depth", job.QueueDepth))

	result := q.pipeline.Run(ctx, job.messages, job.Source, job.Context)

	done := time.Now().UTC()
	q.mu.Lock()
	job.CompletedAt = &done
	job.Result = &result
	job.messages = ""
	if result.Error != "" && !result.FallbackTriggered {
		job.Status = JobFailed
		job.Error = result.Error
	} else {
		job.Status = JobCompleted
	}
	q.mu.Unlock()
}

// Reap drops finished jobs past the retention window and enforces the hard
// cap, evicting the oldest finished jobs first.
func (q *Queue) Reap() {
	retention := q.cfg.Retention()
	maxJobs := q.cfg.JobCap
	if maxJobs <= 0 {
		maxJobs = 200
	}
	cutoff := time.Now().UTC().Add(-retention)

	q.mu.Lock()
	defer q.mu.Unlock()

	var finished []*Job
	for id, job := range q.jobs {
		if job.Status != JobCompleted && job.Status != JobFailed {
			continue
		}
		if job.CompletedAt != nil && job.CompletedAt.Before(cutoff) {
			delete(q.jobs, id)
			continue
		}
		finished = append(finished, job)
	}

	over := len(q.jobs) - maxJobs
	if over <= 0 {
		return
	}
	sort.Slice(finished, func(i, j int) bool {
		return finished[i].CompletedAt.Before(*finished[j].CompletedAt)
	})
	for _, job := range finished {
		if over <= 0 {
			break
		}
		delete(q.jobs, job.ID)
		over--
	}
}

// newJobID returns a 128-bit random hex id.
func newJobID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand failure means the process is in serious trouble;
		// fall back to a timestamp id rather than panic.
		return hex.EncodeToString([]byte(time.Now().UTC().Format("20060102150405.000000000")))
	}
	return hex.EncodeToString(b[:])
}
