package repository

import (
	"testing"
	"time"

	"facecluster-go/internal/core/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedJob(t *testing.T, repo *GormRepository, collectionID uint, jobType, status string) *models.Job {
	t.Helper()
	job := &models.Job{
		Type:         jobType,
		CollectionID: collectionID,
		Status:       status,
		MaxAttempts:  3,
	}
	require.NoError(t, repo.CreateJob(job))
	return job
}

// backdateJob setzt created_at explizit, damit die Claim-Reihenfolge
// nicht von der Zeitauflösung der Datenbank abhängt
func backdateJob(t *testing.T, repo *GormRepository, job *models.Job, age time.Duration) {
	t.Helper()
	require.NoError(t, repo.db.Model(job).Update("created_at", time.Now().Add(-age)).Error)
}

func TestClaimNextJobTakesOldestDue(t *testing.T) {
	repo := newTestRepo(t)
	collection := seedCollection(t, repo)

	newer := seedJob(t, repo, collection.ID, models.JobTypeDetection, models.JobStatusPending)
	backdateJob(t, repo, newer, time.Minute)
	older := seedJob(t, repo, collection.ID, models.JobTypeDetection, models.JobStatusPending)
	backdateJob(t, repo, older, time.Hour)

	claimed, err := repo.ClaimNextJob(models.JobTypeDetection)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	assert.Equal(t, older.ID, claimed.ID)
	assert.Equal(t, models.JobStatusProcessing, claimed.Status)
	assert.Equal(t, 1, claimed.Attempts)
	require.NotNil(t, claimed.StartedAt)
}

func TestClaimNextJobIgnoresOtherTypes(t *testing.T) {
	repo := newTestRepo(t)
	collection := seedCollection(t, repo)

	seedJob(t, repo, collection.ID, models.JobTypeGrouping, models.JobStatusPending)

	claimed, err := repo.ClaimNextJob(models.JobTypeDetection)
	require.NoError(t, err)
	assert.Nil(t, claimed)
}

func TestClaimNextJobDoesNotClaimTwice(t *testing.T) {
	repo := newTestRepo(t)
	collection := seedCollection(t, repo)

	seedJob(t, repo, collection.ID, models.JobTypeDetection, models.JobStatusPending)

	first, err := repo.ClaimNextJob(models.JobTypeDetection)
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := repo.ClaimNextJob(models.JobTypeDetection)
	require.NoError(t, err)
	assert.Nil(t, second)
}

func TestClaimNextJobRespectsNotBefore(t *testing.T) {
	repo := newTestRepo(t)
	collection := seedCollection(t, repo)

	job := seedJob(t, repo, collection.ID, models.JobTypeDetection, models.JobStatusPending)

	// Erst in einer Stunde fällig: Backoff-Jobs bleiben liegen
	future := time.Now().Add(time.Hour)
	job.NotBefore = &future
	require.NoError(t, repo.SaveJob(job))

	claimed, err := repo.ClaimNextJob(models.JobTypeDetection)
	require.NoError(t, err)
	assert.Nil(t, claimed)

	// Fälligkeit in der Vergangenheit: der Job ist wieder beanspruchbar
	past := time.Now().Add(-time.Minute)
	job.NotBefore = &past
	require.NoError(t, repo.SaveJob(job))

	claimed, err = repo.ClaimNextJob(models.JobTypeDetection)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, job.ID, claimed.ID)
}

func TestCancelPendingJob(t *testing.T) {
	repo := newTestRepo(t)
	collection := seedCollection(t, repo)

	job := seedJob(t, repo, collection.ID, models.JobTypeDetection, models.JobStatusPending)

	cancelled, err := repo.CancelPendingJob(job.ID)
	require.NoError(t, err)
	assert.True(t, cancelled)

	reloaded, err := repo.GetJobByID(job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, reloaded.Status)
	assert.NotNil(t, reloaded.FinishedAt)

	// Ein abgebrochener Job ist nicht mehr beanspruchbar
	claimed, err := repo.ClaimNextJob(models.JobTypeDetection)
	require.NoError(t, err)
	assert.Nil(t, claimed)
}

func TestCancelPendingJobLosesAgainstClaim(t *testing.T) {
	repo := newTestRepo(t)
	collection := seedCollection(t, repo)

	job := seedJob(t, repo, collection.ID, models.JobTypeDetection, models.JobStatusPending)

	claimed, err := repo.ClaimNextJob(models.JobTypeDetection)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	// Der Job läuft bereits, das bedingte Update greift nicht mehr
	cancelled, err := repo.CancelPendingJob(job.ID)
	require.NoError(t, err)
	assert.False(t, cancelled)

	reloaded, err := repo.GetJobByID(job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusProcessing, reloaded.Status)
}

func TestResetProcessingJobs(t *testing.T) {
	repo := newTestRepo(t)
	collection := seedCollection(t, repo)

	seedJob(t, repo, collection.ID, models.JobTypeDetection, models.JobStatusPending)

	claimed, err := repo.ClaimNextJob(models.JobTypeDetection)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	reset, err := repo.ResetProcessingJobs()
	require.NoError(t, err)
	assert.Equal(t, int64(1), reset)

	reloaded, err := repo.GetJobByID(claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, reloaded.Status)
	assert.Nil(t, reloaded.StartedAt)

	// Nach dem Neustart wird der Job erneut beansprucht, der Zähler
	// behält den abgebrochenen Versuch
	again, err := repo.ClaimNextJob(models.JobTypeDetection)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, 2, again.Attempts)
}

func TestDeleteTerminalJobsBefore(t *testing.T) {
	repo := newTestRepo(t)
	collection := seedCollection(t, repo)

	finish := func(job *models.Job, status string, age time.Duration) {
		finishedAt := time.Now().Add(-age)
		job.Status = status
		job.FinishedAt = &finishedAt
		require.NoError(t, repo.SaveJob(job))
	}

	oldDone := seedJob(t, repo, collection.ID, models.JobTypeDetection, models.JobStatusPending)
	finish(oldDone, models.JobStatusCompleted, 48*time.Hour)
	oldFailed := seedJob(t, repo, collection.ID, models.JobTypeGrouping, models.JobStatusPending)
	finish(oldFailed, models.JobStatusFailed, 48*time.Hour)
	freshDone := seedJob(t, repo, collection.ID, models.JobTypeDetection, models.JobStatusPending)
	finish(freshDone, models.JobStatusCompleted, time.Hour)
	running := seedJob(t, repo, collection.ID, models.JobTypeCleanup, models.JobStatusProcessing)

	deleted, err := repo.DeleteTerminalJobsBefore(time.Now().Add(-24 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	// Der frische und der laufende Job bleiben erhalten
	for _, id := range []uint{freshDone.ID, running.ID} {
		job, err := repo.GetJobByID(id)
		require.NoError(t, err)
		assert.NotNil(t, job)
	}
	gone, err := repo.GetJobByID(oldDone.ID)
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestCountJobsByStatus(t *testing.T) {
	repo := newTestRepo(t)
	collection := seedCollection(t, repo)

	seedJob(t, repo, collection.ID, models.JobTypeDetection, models.JobStatusPending)
	seedJob(t, repo, collection.ID, models.JobTypeGrouping, models.JobStatusPending)
	seedJob(t, repo, collection.ID, models.JobTypeCleanup, models.JobStatusProcessing)

	pending, err := repo.CountJobsByStatus(models.JobStatusPending)
	require.NoError(t, err)
	assert.Equal(t, int64(2), pending)

	processing, err := repo.CountJobsByStatus(models.JobStatusProcessing)
	require.NoError(t, err)
	assert.Equal(t, int64(1), processing)

	failed, err := repo.CountJobsByStatus(models.JobStatusFailed)
	require.NoError(t, err)
	assert.Zero(t, failed)
}

func TestListJobsByCollection(t *testing.T) {
	repo := newTestRepo(t)
	col1 := seedCollection(t, repo)
	col2 := &models.Collection{Name: "Andere", ExternalID: "col-ext-jobs"}
	require.NoError(t, repo.SaveCollection(col2))

	a := seedJob(t, repo, col1.ID, models.JobTypeDetection, models.JobStatusPending)
	backdateJob(t, repo, a, time.Hour)
	b := seedJob(t, repo, col1.ID, models.JobTypeGrouping, models.JobStatusPending)
	backdateJob(t, repo, b, time.Minute)
	seedJob(t, repo, col2.ID, models.JobTypeDetection, models.JobStatusPending)

	jobs, err := repo.ListJobsByCollection(col1.ID)
	require.NoError(t, err)
	require.Len(t, jobs, 2)

	// Neueste zuerst
	assert.Equal(t, b.ID, jobs[0].ID)
	assert.Equal(t, a.ID, jobs[1].ID)
}
