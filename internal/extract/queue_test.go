package extract

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recallbox/memoryd/internal/apperr"
)

func newTestQueue(t *testing.T, provider Provider, queueMax, workers int) *Queue {
	t.Helper()
	cfg := extractionConfig()
	cfg.QueueMax = queueMax
	cfg.Workers = workers
	return NewQueue(cfg, NewPipeline(provider, newFakeMemory(), cfg))
}

func TestQueueRunsJobToCompletion(t *testing.T) {
	provider := &scriptedProvider{responses: []Completion{{Text: `["a fact worth keeping around"]`}}}
	q := newTestQueue(t, provider, 10, 1)

	trimmed := make(chan string, 1)
	q.Trim = func(reason string) { trimmed <- reason }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	job, err := q.Submit("conversation", "session/1", "stop")
	require.NoError(t, err)
	assert.Len(t, job.ID, 32)
	assert.Equal(t, JobQueued, job.Status)
	assert.Equal(t, len("conversation"), job.MessageLength)

	require.Eventually(t, func() bool {
		got, ok := q.Get(job.ID)
		return ok && got.Status == JobCompleted
	}, 5*time.Second, 10*time.Millisecond)

	got, ok := q.Get(job.ID)
	require.True(t, ok)
	require.NotNil(t, got.Result)
	assert.Equal(t, 1, got.Result.StoredCount)
	assert.NotNil(t, got.CompletedAt)

	select {
	case reason := <-trimmed:
		assert.Equal(t, "extract:stop", reason)
	case <-time.After(time.Second):
		t.Fatal("trim was not invoked")
	}
}

// stallingProvider blocks inside Complete until released, then reports
// whether its context had been cancelled.
type stallingProvider struct {
	started chan struct{}
	release chan struct{}
	ctxErr  chan error
}

func (p *stallingProvider) Name() string       { return "stalling" }
func (p *stallingProvider) Model() string      { return "stalling-1" }
func (p *stallingProvider) SupportsAUDN() bool { return false }

func (p *stallingProvider) HealthCheck(context.Context) bool {
	return true
}

func (p *stallingProvider) Complete(ctx context.Context, _, _ string) (Completion, error) {
	close(p.started)
	<-p.release
	p.ctxErr <- ctx.Err()
	return Completion{Text: `["a fact captured during shutdown"]`}, nil
}

func TestQueueDrainsJobAcrossShutdown(t *testing.T) {
	provider := &stallingProvider{
		started: make(chan struct{}),
		release: make(chan struct{}),
		ctxErr:  make(chan error, 1),
	}
	cfg := extractionConfig()
	cfg.QueueMax = 10
	cfg.Workers = 1
	cfg.HeuristicFallback = false
	q := NewQueue(cfg, NewPipeline(provider, newFakeMemory(), cfg))

	ctx, cancel := context.WithCancel(context.Background())
	go q.Run(ctx)

	job, err := q.Submit("conversation", "session/1", "stop")
	require.NoError(t, err)

	// Cancel the run context while the provider call is in flight.
	<-provider.started
	cancel()
	close(provider.release)

	select {
	case err := <-provider.ctxErr:
		assert.NoError(t, err, "in-flight provider call was cancelled")
	case <-time.After(5 * time.Second):
		t.Fatal("provider never finished")
	}

	require.Eventually(t, func() bool {
		got, ok := q.Get(job.ID)
		return ok && got.Status == JobCompleted
	}, 5*time.Second, 10*time.Millisecond)
}

func TestQueueProviderFailureMarksJobFailed(t *testing.T) {
	provider := &scriptedProvider{errs: []error{errors.New("down")}}
	cfg := extractionConfig()
	cfg.QueueMax = 10
	cfg.Workers = 1
	cfg.HeuristicFallback = false
	q := NewQueue(cfg, NewPipeline(provider, newFakeMemory(), cfg))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	job, err := q.Submit("text", "s", "stop")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, ok := q.Get(job.ID)
		return ok && got.Status == JobFailed
	}, 5*time.Second, 10*time.Millisecond)

	got, _ := q.Get(job.ID)
	assert.Equal(t, "provider_runtime_failure", got.Error)
}

func TestQueueOverflowReturnsRetryAfter(t *testing.T) {
	// No workers running: submissions stay queued.
	q := newTestQueue(t, &scriptedProvider{}, 2, 2)

	_, err := q.Submit("one", "s", "stop")
	require.NoError(t, err)
	_, err = q.Submit("two", "s", "stop")
	require.NoError(t, err)

	_, err = q.Submit("three", "s", "stop")
	require.Error(t, err)
	var ae *apperr.Error
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, apperr.KindResourceExhausted, ae.Kind)
	assert.GreaterOrEqual(t, ae.RetryAfter, 1)
	assert.LessOrEqual(t, ae.RetryAfter, 30)

	assert.Equal(t, 2, q.Depth())
}

func TestQueueGetUnknown(t *testing.T) {
	q := newTestQueue(t, &scriptedProvider{}, 2, 1)
	_, ok := q.Get("nope")
	assert.False(t, ok)
}

func TestQueueReapRetentionAndCap(t *testing.T) {
	cfg := extractionConfig()
	cfg.JobRetention = "1h"
	cfg.JobCap = 3
	q := NewQueue(cfg, nil)

	old := time.Now().UTC().Add(-2 * time.Hour)
	recent := time.Now().UTC()

	addJob := func(id string, status string, completed time.Time) {
		done := completed
		q.jobs[id] = &Job{ID: id, Status: status, CompletedAt: &done}
	}
	addJob("stale", JobCompleted, old)
	addJob("f1", JobCompleted, recent.Add(-3*time.Minute))
	addJob("f2", JobFailed, recent.Add(-2*time.Minute))
	addJob("f3", JobCompleted, recent.Add(-time.Minute))
	q.jobs["active"] = &Job{ID: "active", Status: JobRunning}

	q.Reap()

	_, ok := q.Get("stale")
	assert.False(t, ok, "expired job survives reap")
	// Cap of 3: the oldest finished job goes, the running job stays.
	_, ok = q.Get("f1")
	assert.False(t, ok)
	_, ok = q.Get("f2")
	assert.True(t, ok)
	_, ok = q.Get("active")
	assert.True(t, ok)

	counts := q.Counts()
	assert.Equal(t, 1, counts[JobRunning])
}
