package repository

import (
	"errors"
	"fmt"
	"time"

	"facecluster-go/internal/core/models"

	"gorm.io/gorm"
)

// Job-Methoden. Die Job-Tabelle ist zugleich die dauerhafte Warteschlange
// der Pipeline: Worker beanspruchen PENDING-Jobs über ein bedingtes Update,
// damit kein Job doppelt ausgeführt wird.

// CreateJob legt einen neuen Job an
func (r *GormRepository) CreateJob(job *models.Job) error {
	return r.db.Create(job).Error
}

// SaveJob speichert einen Job
func (r *GormRepository) SaveJob(job *models.Job) error {
	return r.db.Save(job).Error
}

// GetJobByID holt einen Job anhand seiner ID
func (r *GormRepository) GetJobByID(id uint) (*models.Job, error) {
	var job models.Job
	result := r.db.First(&job, id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, result.Error
	}
	return &job, nil
}

// ClaimNextJob beansprucht den ältesten fälligen PENDING-Job des Typs und
// setzt ihn auf PROCESSING. Gibt nil zurück, wenn kein Job fällig ist oder
// ein anderer Worker schneller war.
func (r *GormRepository) ClaimNextJob(jobType string) (*models.Job, error) {
	now := time.Now()

	var job models.Job
	err := r.db.Where("type = ? AND status = ? AND (not_before IS NULL OR not_before <= ?)",
		jobType, models.JobStatusPending, now).
		Order("created_at ASC").
		First(&job).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find pending job: %w", err)
	}

	// Bedingtes Update als Claim: schlägt fehl, wenn ein anderer Worker
	// den Job inzwischen übernommen oder ein Cancel ihn beendet hat
	result := r.db.Model(&models.Job{}).
		Where("id = ? AND status = ?", job.ID, models.JobStatusPending).
		Updates(map[string]interface{}{
			"status":     models.JobStatusProcessing,
			"started_at": now,
			"attempts":   gorm.Expr("attempts + 1"),
		})
	if result.Error != nil {
		return nil, fmt.Errorf("failed to claim job %d: %w", job.ID, result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}

	if err := r.db.First(&job, job.ID).Error; err != nil {
		return nil, fmt.Errorf("failed to reload claimed job %d: %w", job.ID, err)
	}
	return &job, nil
}

// CancelPendingJob setzt einen PENDING-Job auf CANCELLED. Das bedingte
// Update verliert absichtlich gegen einen gleichzeitigen Claim: hat ein
// Worker den Job bereits übernommen, meldet die Methode false und der
// Aufrufer muss auf kooperativen Abbruch ausweichen.
func (r *GormRepository) CancelPendingJob(id uint) (bool, error) {
	now := time.Now()
	result := r.db.Model(&models.Job{}).
		Where("id = ? AND status = ?", id, models.JobStatusPending).
		Updates(map[string]interface{}{
			"status":      models.JobStatusCancelled,
			"finished_at": now,
		})
	if result.Error != nil {
		return false, fmt.Errorf("failed to cancel job %d: %w", id, result.Error)
	}
	return result.RowsAffected > 0, nil
}

// ListJobsByCollection holt alle Jobs einer Sammlung, neueste zuerst
func (r *GormRepository) ListJobsByCollection(collectionID uint) ([]models.Job, error) {
	var jobs []models.Job
	result := r.db.Where("collection_id = ?", collectionID).Order("created_at DESC").Find(&jobs)
	if result.Error != nil {
		return nil, result.Error
	}
	return jobs, nil
}

// ResetProcessingJobs setzt alle PROCESSING-Jobs auf PENDING zurück.
// Wird beim Start aufgerufen: Jobs, die beim letzten Absturz liefen,
// werden so wieder aufgenommen.
func (r *GormRepository) ResetProcessingJobs() (int64, error) {
	result := r.db.Model(&models.Job{}).
		Where("status = ?", models.JobStatusProcessing).
		Updates(map[string]interface{}{
			"status":     models.JobStatusPending,
			"started_at": nil,
		})
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

// DeleteTerminalJobsBefore löscht abgeschlossene Jobs, die vor dem
// Stichtag beendet wurden
func (r *GormRepository) DeleteTerminalJobsBefore(cutoff time.Time) (int64, error) {
	result := r.db.Unscoped().
		Where("status IN ? AND finished_at < ?",
			[]string{models.JobStatusCompleted, models.JobStatusFailed, models.JobStatusCancelled}, cutoff).
		Delete(&models.Job{})
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

// CountJobsByStatus zählt Jobs mit dem angegebenen Status
func (r *GormRepository) CountJobsByStatus(status string) (int64, error) {
	var count int64
	err := r.db.Model(&models.Job{}).Where("status = ?", status).Count(&count).Error
	return count, err
}
