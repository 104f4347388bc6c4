package repository

import (
	"errors"
	"time"

	"facecluster-go/internal/core/models"

	"gorm.io/gorm"
)

// Repository definiert die Schnittstelle für die Datenbank-Operationen
type Repository interface {
	// Collection-Methoden
	GetCollectionByID(id uint) (*models.Collection, error)
	GetCollections() ([]models.Collection, error)
	SaveCollection(collection *models.Collection) error
	AddStorageUsed(collectionID uint, delta int64) error

	// Media-Methoden
	GetMediaByID(id uint) (*models.Media, error)
	GetMediaByIDs(ids []uint) ([]models.Media, error)
	GetMediaOlderThan(collectionID uint, cutoff time.Time) ([]models.Media, error)
	SaveMedia(media *models.Media) error
	MarkMediaProcessed(id uint) error
	DeleteMediaByIDs(ids []uint) error

	// FaceDetection-Methoden
	SaveFaceDetection(detection *models.FaceDetection) error
	GetDetectionByID(id uint) (*models.FaceDetection, error)
	GetDetectionsByIDs(ids []uint) ([]models.FaceDetection, error)
	GetUnprocessedDetections(ids []uint) ([]models.FaceDetection, error)
	GetDetectionsByMediaIDs(mediaIDs []uint) ([]models.FaceDetection, error)
	MarkDetectionsProcessed(ids []uint) error
	DeleteDetectionsByMediaIDs(mediaIDs []uint) error

	// Cluster-Methoden
	CreateClusterWithMembers(cluster *models.FaceCluster, members []models.FaceClusterMember) error
	AppendClusterMembers(clusterID uint, members []models.FaceClusterMember) error
	GetClusterByID(id uint) (*models.FaceCluster, error)
	GetClustersByCollection(collectionID uint) ([]models.FaceCluster, error)
	RenameCluster(id uint, name string) error
	DeleteCluster(id uint) error
	MergeClusters(survivorID, absorbedID uint) (*models.FaceCluster, error)
	RemoveClusterMember(clusterID, faceDetectionID uint) (clusterDeleted bool, err error)
	RemoveMembersByDetectionIDs(detectionIDs []uint) error

	// Job-Methoden
	CreateJob(job *models.Job) error
	SaveJob(job *models.Job) error
	GetJobByID(id uint) (*models.Job, error)
	ClaimNextJob(jobType string) (*models.Job, error)
	CancelPendingJob(id uint) (bool, error)
	ListJobsByCollection(collectionID uint) ([]models.Job, error)
	ResetProcessingJobs() (int64, error)
	DeleteTerminalJobsBefore(cutoff time.Time) (int64, error)
	CountJobsByStatus(status string) (int64, error)
}

// GormRepository implementiert die Repository-Schnittstelle mit GORM
type GormRepository struct {
	db *gorm.DB
}

// NewGormRepository erstellt eine neue Repository-Instanz
func NewGormRepository(db *gorm.DB) *GormRepository {
	return &GormRepository{db: db}
}

// Collection-Methoden

// GetCollectionByID holt eine Sammlung anhand ihrer ID
func (r *GormRepository) GetCollectionByID(id uint) (*models.Collection, error) {
	var collection models.Collection
	result := r.db.First(&collection, id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, result.Error
	}
	return &collection, nil
}

// GetCollections holt alle Sammlungen
func (r *GormRepository) GetCollections() ([]models.Collection, error) {
	var collections []models.Collection
	result := r.db.Order("id ASC").Find(&collections)
	if result.Error != nil {
		return nil, result.Error
	}
	return collections, nil
}

// SaveCollection speichert eine Sammlung
func (r *GormRepository) SaveCollection(collection *models.Collection) error {
	return r.db.Save(collection).Error
}

// AddStorageUsed verändert den Speicherzähler einer Sammlung atomar.
// Negative Deltas dekrementieren (Cleanup), der Zähler fällt nie unter 0.
func (r *GormRepository) AddStorageUsed(collectionID uint, delta int64) error {
	return r.db.Model(&models.Collection{}).
		Where("id = ?", collectionID).
		Update("storage_used", gorm.Expr("MAX(storage_used + ?, 0)", delta)).Error
}

// Media-Methoden

// GetMediaByID holt ein Medium anhand seiner ID
func (r *GormRepository) GetMediaByID(id uint) (*models.Media, error) {
	var media models.Media
	result := r.db.First(&media, id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, result.Error
	}
	return &media, nil
}

// GetMediaByIDs holt mehrere Medien; nicht vorhandene IDs werden ausgelassen
func (r *GormRepository) GetMediaByIDs(ids []uint) ([]models.Media, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var media []models.Media
	result := r.db.Where("id IN ?", ids).Find(&media)
	if result.Error != nil {
		return nil, result.Error
	}
	return media, nil
}

// GetMediaOlderThan holt alle Medien einer Sammlung, die vor dem
// Stichtag angelegt wurden
func (r *GormRepository) GetMediaOlderThan(collectionID uint, cutoff time.Time) ([]models.Media, error) {
	var media []models.Media
	result := r.db.Where("collection_id = ? AND created_at < ?", collectionID, cutoff).Find(&media)
	if result.Error != nil {
		return nil, result.Error
	}
	return media, nil
}

// SaveMedia speichert ein Medium
func (r *GormRepository) SaveMedia(media *models.Media) error {
	return r.db.Save(media).Error
}

// MarkMediaProcessed markiert ein Medium als verarbeitet
func (r *GormRepository) MarkMediaProcessed(id uint) error {
	return r.db.Model(&models.Media{}).Where("id = ?", id).Update("processed", true).Error
}

// DeleteMediaByIDs löscht Medien-Zeilen endgültig
func (r *GormRepository) DeleteMediaByIDs(ids []uint) error {
	if len(ids) == 0 {
		return nil
	}
	return r.db.Unscoped().Where("id IN ?", ids).Delete(&models.Media{}).Error
}

// FaceDetection-Methoden

// SaveFaceDetection speichert eine Gesichts-Detektion
func (r *GormRepository) SaveFaceDetection(detection *models.FaceDetection) error {
	return r.db.Save(detection).Error
}

// GetDetectionByID holt eine Detektion anhand ihrer ID
func (r *GormRepository) GetDetectionByID(id uint) (*models.FaceDetection, error) {
	var detection models.FaceDetection
	result := r.db.First(&detection, id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, result.Error
	}
	return &detection, nil
}

// GetDetectionsByIDs holt mehrere Detektionen
func (r *GormRepository) GetDetectionsByIDs(ids []uint) ([]models.FaceDetection, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var detections []models.FaceDetection
	result := r.db.Where("id IN ?", ids).Find(&detections)
	if result.Error != nil {
		return nil, result.Error
	}
	return detections, nil
}

// GetUnprocessedDetections holt aus der angegebenen Menge nur die
// Detektionen, die noch keinen Grouping-Durchlauf gesehen haben
func (r *GormRepository) GetUnprocessedDetections(ids []uint) ([]models.FaceDetection, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var detections []models.FaceDetection
	result := r.db.Where("id IN ? AND processed = ?", ids, false).Find(&detections)
	if result.Error != nil {
		return nil, result.Error
	}
	return detections, nil
}

// GetDetectionsByMediaIDs holt alle Detektionen zu den angegebenen Medien
func (r *GormRepository) GetDetectionsByMediaIDs(mediaIDs []uint) ([]models.FaceDetection, error) {
	if len(mediaIDs) == 0 {
		return nil, nil
	}
	var detections []models.FaceDetection
	result := r.db.Where("media_id IN ?", mediaIDs).Find(&detections)
	if result.Error != nil {
		return nil, result.Error
	}
	return detections, nil
}

// MarkDetectionsProcessed setzt das Processed-Flag für alle angegebenen
// Detektionen. Das Flag wird nie zurückgesetzt - eine einmal konsumierte
// Detektion wird von späteren Grouping-Durchläufen nicht erneut betrachtet.
func (r *GormRepository) MarkDetectionsProcessed(ids []uint) error {
	if len(ids) == 0 {
		return nil
	}
	return r.db.Model(&models.FaceDetection{}).Where("id IN ?", ids).Update("processed", true).Error
}

// DeleteDetectionsByMediaIDs löscht alle Detektionen der angegebenen Medien
func (r *GormRepository) DeleteDetectionsByMediaIDs(mediaIDs []uint) error {
	if len(mediaIDs) == 0 {
		return nil
	}
	return r.db.Unscoped().Where("media_id IN ?", mediaIDs).Delete(&models.FaceDetection{}).Error
}
