package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"facecluster-go/internal/core/models"
	"facecluster-go/internal/core/quality"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
)

// runDetection verarbeitet einen DETECTION-Job: für jedes Medium werden die
// Gesichter erkannt, ausgeschnitten, im Vision-Dienst indexiert und als
// FaceDetection-Zeilen persistiert. Fehler einzelner Medien überspringen nur
// das Medium; der Job läuft weiter. Zum Abschluss wird ein GROUPING-Job für
// die neu indexierten Gesichter eingestellt.
//
// Fortschritt: 10 nach dem Setup, 10-90 über die Medien, 100 beim Abschluss.
func (o *Orchestrator) runDetection(job *models.Job) (*models.DetectionResult, error) {
	var payload models.DetectionPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, fmt.Errorf("%w: invalid detection payload: %v", errSetup, err)
	}
	if len(payload.MediaIDs) == 0 {
		return nil, fmt.Errorf("%w: detection payload names no media", errSetup)
	}

	collection, err := o.repo.GetCollectionByID(payload.CollectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load collection %d: %w", payload.CollectionID, err)
	}
	if collection == nil {
		return nil, fmt.Errorf("%w: collection %d does not exist", errSetup, payload.CollectionID)
	}

	ctx := o.stopCtx

	// Namensraum im Vision-Dienst sicherstellen; der Aufruf ist idempotent
	if err := o.vision.CreateCollection(ctx, collection.ExternalID); err != nil {
		return nil, fmt.Errorf("failed to ensure vision collection %s: %w", collection.ExternalID, err)
	}
	o.setProgress(job, 10)

	result := &models.DetectionResult{}
	var newDetectionIDs []uint
	total := len(payload.MediaIDs)

	for i, mediaID := range payload.MediaIDs {
		if o.cancelRequested(job.ID) {
			return result, errCancelled
		}

		detectionIDs, facesDetected, err := o.processMedia(ctx, collection, mediaID)
		if err != nil {
			log.WithFields(log.Fields{"job_id": job.ID, "media_id": mediaID}).
				Warnf("Skipping media: %v", err)
			result.MediaFailed++
		} else {
			result.MediaProcessed++
			result.FacesDetected += facesDetected
		}

		// Auch ein fehlgeschlagenes Medium kann bereits persistierte
		// Detektionen haben; die wandern trotzdem in den Folge-Job, sonst
		// blieben sie für immer unkonsumiert
		result.FacesIndexed += len(detectionIDs)
		newDetectionIDs = append(newDetectionIDs, detectionIDs...)

		o.setProgress(job, 10+(80*(i+1))/total)

		// Pause zwischen den Bildern, um den Vision-Dienst nicht zu fluten
		if i < total-1 {
			if err := o.wait(o.cfg.Pipeline.InterImageDelay()); err != nil {
				return result, err
			}
		}
	}

	if len(newDetectionIDs) > 0 {
		groupingJob, err := o.EnqueueGrouping(payload.CollectionID, newDetectionIDs)
		if err != nil {
			// Ohne Folge-Job blieben die Gesichter dauerhaft ungruppiert,
			// daher schlägt der Detection-Job fehl und wird wiederholt
			return result, fmt.Errorf("failed to enqueue grouping job: %w", err)
		}
		result.GroupingJobID = groupingJob.ID
		log.Infof("Detection job %d chained grouping job %d for %d faces",
			job.ID, groupingJob.ID, len(newDetectionIDs))
	}

	o.cache.InvalidateCollection(payload.CollectionID)
	return result, nil
}

// processMedia verarbeitet ein einzelnes Medium und liefert die IDs der
// persistierten Detektionen sowie die Anzahl der erkannten Gesichter
func (o *Orchestrator) processMedia(ctx context.Context, collection *models.Collection, mediaID uint) ([]uint, int, error) {
	media, err := o.repo.GetMediaByID(mediaID)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to load media: %w", err)
	}
	if media == nil {
		return nil, 0, fmt.Errorf("media %d does not exist", mediaID)
	}

	imageData, err := o.store.Get(ctx, media.StorageKey)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to fetch %s from object storage: %w", media.StorageKey, err)
	}

	records, err := o.vision.DetectFaces(ctx, imageData, media.StorageKey)
	if err != nil {
		return nil, 0, fmt.Errorf("face detection failed: %w", err)
	}

	var detectionIDs []uint
	for _, record := range records {
		// Gesicht ausschneiden und aufbereiten; schlägt das fehl, wird
		// das Originalbild indexiert
		faceImage, err := o.enhancer.EnhanceFace(imageData, record.BoundingBox)
		if err != nil {
			log.Debugf("Face enhancement failed for media %d, indexing original image: %v", media.ID, err)
			faceImage = imageData
		}

		indexed, err := o.vision.IndexFace(ctx, collection.ExternalID, faceImage, uuid.NewString())
		if err != nil {
			log.Warnf("Failed to index face from media %d: %v", media.ID, err)
			continue
		}
		if len(indexed) == 0 || indexed[0].FaceID == "" {
			log.Warnf("Vision service returned no face ID for media %d", media.ID)
			continue
		}

		boxJSON, _ := json.Marshal(record.BoundingBox)
		detection := &models.FaceDetection{
			MediaID:      media.ID,
			CollectionID: collection.ID,
			FaceID:       indexed[0].FaceID, // opake Vendor-ID, unverändert übernommen
			BoundingBox:  datatypes.JSON(boxJSON),
			Confidence:   record.Confidence,
			QualityScore: quality.Score(record),
		}
		if record.Quality != nil {
			brightness, sharpness := record.Quality.Brightness, record.Quality.Sharpness
			detection.Brightness = &brightness
			detection.Sharpness = &sharpness
		}
		if record.Pose != nil {
			roll, yaw, pitch := record.Pose.Roll, record.Pose.Yaw, record.Pose.Pitch
			detection.Roll = &roll
			detection.Yaw = &yaw
			detection.Pitch = &pitch
		}

		if err := o.repo.SaveFaceDetection(detection); err != nil {
			return detectionIDs, len(records), fmt.Errorf("failed to persist detection: %w", err)
		}
		detectionIDs = append(detectionIDs, detection.ID)
	}

	if err := o.repo.MarkMediaProcessed(media.ID); err != nil {
		return detectionIDs, len(records), fmt.Errorf("failed to mark media processed: %w", err)
	}

	log.Debugf("Media %d processed: %d faces detected, %d indexed", media.ID, len(records), len(detectionIDs))
	return detectionIDs, len(records), nil
}
