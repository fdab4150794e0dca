package jobengine

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netlabio/controller/internal/db"
	"github.com/netlabio/controller/internal/repository"
)

func TestRestartShouldProceed(t *testing.T) {
	assert.True(t, restartShouldProceed("completed"))
	assert.False(t, restartShouldProceed("failed"))
	assert.False(t, restartShouldProceed("cancelled"))
}

// statusSequenceJobRepo is a minimal JobRepository fake that hands back a
// fixed sequence of statuses for one job, one call to GetByID at a time —
// just enough to drive waitForJobTerminal through a "running" poll before
// the job lands on its final status, without a real database.
type statusSequenceJobRepo struct {
	repository.JobRepository
	jobID    uuid.UUID
	statuses []string
	call     int
}

func (r *statusSequenceJobRepo) GetByID(ctx context.Context, id uuid.UUID) (*db.Job, error) {
	status := r.statuses[r.call]
	if r.call < len(r.statuses)-1 {
		r.call++
	}
	return &db.Job{Action: "down", Status: status}, nil
}

func TestWaitForJobTerminalPollsUntilTerminal(t *testing.T) {
	jobID := uuid.New()
	repo := &statusSequenceJobRepo{jobID: jobID, statuses: []string{"running", "running", "completed"}}
	e := &Engine{jobs: repo}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	job, err := e.waitForJobTerminal(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, "completed", job.Status)
	assert.True(t, isTerminal(job.Status))
}

func TestWaitForJobTerminalRespectsContextCancellation(t *testing.T) {
	jobID := uuid.New()
	repo := &statusSequenceJobRepo{jobID: jobID, statuses: []string{"running"}}
	e := &Engine{jobs: repo}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.waitForJobTerminal(ctx, jobID)
	assert.Error(t, err)
}
