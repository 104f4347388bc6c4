package pipeline

import (
	"encoding/json"
	"fmt"
	"time"

	"facecluster-go/internal/core/models"

	log "github.com/sirupsen/logrus"
)

// runCleanup verarbeitet einen CLEANUP-Job: Objekte im Speicher, indexierte
// Gesichter im Vision-Dienst und die zugehörigen Datenbankzeilen werden
// gelöscht, betroffene Cluster neu gezählt und geleerte Cluster entfernt.
// Die externen Ressourcen werden vor der Datenbank gelöscht: schlägt ein
// externer Schritt fehl, bleibt die Datenbank konsistent und der Job kann
// manuell erneut eingestellt werden. Cleanup läuft bewusst ohne
// automatischen Retry.
func (o *Orchestrator) runCleanup(job *models.Job) (*models.CleanupResult, error) {
	var payload models.CleanupPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, fmt.Errorf("%w: invalid cleanup payload: %v", errSetup, err)
	}
	if len(payload.MediaIDs) == 0 && payload.OlderThanDays <= 0 {
		return nil, fmt.Errorf("%w: cleanup payload names no target", errSetup)
	}

	collection, err := o.repo.GetCollectionByID(payload.CollectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load collection %d: %w", payload.CollectionID, err)
	}
	if collection == nil {
		return nil, fmt.Errorf("%w: collection %d does not exist", errSetup, payload.CollectionID)
	}

	// Zielmenge bestimmen: explizite Medien-Liste oder Altersgrenze
	var media []models.Media
	if len(payload.MediaIDs) > 0 {
		loaded, err := o.repo.GetMediaByIDs(payload.MediaIDs)
		if err != nil {
			return nil, fmt.Errorf("failed to load media: %w", err)
		}
		// Medien fremder Sammlungen aussortieren
		for _, m := range loaded {
			if m.CollectionID == collection.ID {
				media = append(media, m)
			}
		}
	} else {
		cutoff := time.Now().AddDate(0, 0, -payload.OlderThanDays)
		media, err = o.repo.GetMediaOlderThan(collection.ID, cutoff)
		if err != nil {
			return nil, fmt.Errorf("failed to load media older than %s: %w", cutoff.Format(time.RFC3339), err)
		}
	}

	result := &models.CleanupResult{}
	if len(media) == 0 {
		log.Infof("Cleanup job %d: nothing to delete", job.ID)
		return result, nil
	}
	o.setProgress(job, 10)

	mediaIDs := make([]uint, 0, len(media))
	objectKeys := make([]string, 0, 2*len(media))
	var bytesFreed int64
	for _, m := range media {
		mediaIDs = append(mediaIDs, m.ID)
		objectKeys = append(objectKeys, m.StorageKey)
		if m.ThumbnailKey != "" {
			objectKeys = append(objectKeys, m.ThumbnailKey)
		}
		bytesFreed += m.SizeBytes
	}

	detections, err := o.repo.GetDetectionsByMediaIDs(mediaIDs)
	if err != nil {
		return result, fmt.Errorf("failed to load detections: %w", err)
	}
	detectionIDs := make([]uint, 0, len(detections))
	faceIDs := make([]string, 0, len(detections))
	for _, d := range detections {
		detectionIDs = append(detectionIDs, d.ID)
		if d.FaceID != "" {
			faceIDs = append(faceIDs, d.FaceID)
		}
	}
	o.setProgress(job, 20)

	ctx := o.stopCtx

	if err := o.store.DeleteMany(ctx, objectKeys); err != nil {
		return result, fmt.Errorf("failed to delete objects from storage: %w", err)
	}
	o.setProgress(job, 50)

	if len(faceIDs) > 0 {
		deleted, err := o.vision.DeleteFaces(ctx, collection.ExternalID, faceIDs)
		if err != nil {
			return result, fmt.Errorf("failed to delete faces from vision service: %w", err)
		}
		result.FacesDeleted = deleted
	}
	o.setProgress(job, 70)

	// Reihenfolge: erst Mitgliedszeilen (zählt Cluster neu, löscht geleerte),
	// dann Detektionen, dann Medien
	if err := o.repo.RemoveMembersByDetectionIDs(detectionIDs); err != nil {
		return result, fmt.Errorf("failed to remove cluster members: %w", err)
	}
	if err := o.repo.DeleteDetectionsByMediaIDs(mediaIDs); err != nil {
		return result, fmt.Errorf("failed to delete detections: %w", err)
	}
	if err := o.repo.DeleteMediaByIDs(mediaIDs); err != nil {
		return result, fmt.Errorf("failed to delete media: %w", err)
	}
	if err := o.repo.AddStorageUsed(collection.ID, -bytesFreed); err != nil {
		return result, fmt.Errorf("failed to update storage counter: %w", err)
	}

	result.MediaDeleted = len(mediaIDs)
	result.BytesFreed = bytesFreed

	o.cache.InvalidateCollection(collection.ID)
	log.Infof("Cleanup job %d: deleted %d media, %d faces, freed %d bytes",
		job.ID, result.MediaDeleted, result.FacesDeleted, result.BytesFreed)
	return result, nil
}
