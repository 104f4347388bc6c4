package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"facecluster-go/internal/core/clustering"
	"facecluster-go/internal/core/models"

	log "github.com/sirupsen/logrus"
)

// runGrouping verarbeitet einen GROUPING-Job. Gibt es in der Sammlung noch
// keine Cluster, läuft die vollständige Clusterbildung über alle noch nicht
// konsumierten Detektionen; sonst werden die neuen Gesichter inkrementell
// den bestehenden Clustern zugeordnet. Pro Sammlung läuft höchstens ein
// Durchlauf gleichzeitig.
//
// Fortschritt: 20 nach dem Laden, 60 nach der Engine, 60-95 über die
// Persistierung, 100 beim Abschluss.
func (o *Orchestrator) runGrouping(job *models.Job) (*models.GroupingResult, error) {
	var payload models.GroupingPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, fmt.Errorf("%w: invalid grouping payload: %v", errSetup, err)
	}

	collection, err := o.repo.GetCollectionByID(payload.CollectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load collection %d: %w", payload.CollectionID, err)
	}
	if collection == nil {
		return nil, fmt.Errorf("%w: collection %d does not exist", errSetup, payload.CollectionID)
	}

	result := &models.GroupingResult{}

	// Ein Job ohne Detektionen ist gültig und schließt ohne Arbeit ab
	if len(payload.FaceDetectionIDs) == 0 {
		return result, nil
	}

	lock := o.collectionLock(payload.CollectionID)
	lock.Lock()
	defer lock.Unlock()

	// Nur Detektionen betrachten, die noch kein Grouping-Durchlauf
	// konsumiert hat - so ist ein wiederholter Job ein No-Op
	detections, err := o.repo.GetUnprocessedDetections(payload.FaceDetectionIDs)
	if err != nil {
		return result, fmt.Errorf("failed to load detections: %w", err)
	}

	byID := make(map[uint]models.FaceDetection, len(detections))
	for _, d := range detections {
		if d.FaceID == "" {
			// Nie indexierte Gesichter können nicht gesucht werden
			continue
		}
		byID[d.ID] = d
	}

	// Reihenfolge der Nutzlast beibehalten, damit der Durchlauf
	// deterministisch ist
	faceIDs := make([]string, 0, len(byID))
	byFaceID := make(map[string]models.FaceDetection, len(byID))
	for _, id := range payload.FaceDetectionIDs {
		d, ok := byID[id]
		if !ok {
			continue
		}
		if _, seen := byFaceID[d.FaceID]; seen {
			continue
		}
		byFaceID[d.FaceID] = d
		faceIDs = append(faceIDs, d.FaceID)
	}

	result.FacesConsidered = len(faceIDs)
	if len(faceIDs) == 0 {
		log.Infof("Grouping job %d: no unconsumed faces, nothing to do", job.ID)
		return result, nil
	}
	o.setProgress(job, 20)

	existing, err := o.repo.GetClustersByCollection(payload.CollectionID)
	if err != nil {
		return result, fmt.Errorf("failed to load existing clusters: %w", err)
	}

	// Abbruch-Anforderungen in einen Kontext-Abbruch übersetzen, damit die
	// Engine zwischen ihren Durchläufen anhalten kann
	ctx, cancel := context.WithCancel(o.stopCtx)
	watcherDone := make(chan struct{})
	go func() {
		defer close(watcherDone)
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if o.cancelRequested(job.ID) {
					cancel()
					return
				}
			}
		}
	}()
	defer func() {
		cancel()
		<-watcherDone
	}()

	threshold := o.cfg.Clustering.SimilarityThreshold

	if len(existing) == 0 {
		err = o.groupFromScratch(ctx, job, collection, faceIDs, byFaceID, threshold, result)
	} else {
		err = o.groupIncrementally(ctx, job, collection, existing, faceIDs, byFaceID, threshold, result)
	}
	if err != nil {
		return result, err
	}

	o.cache.InvalidateCollection(payload.CollectionID)
	log.Infof("Grouping job %d: %d faces -> %d new clusters, %d updated, %d unclustered",
		job.ID, result.FacesConsidered, result.ClustersCreated, result.ClustersUpdated, result.UnclusteredFaces)
	return result, nil
}

// groupFromScratch führt die vollständige Clusterbildung aus und persistiert
// das Ergebnis Cluster für Cluster
func (o *Orchestrator) groupFromScratch(ctx context.Context, job *models.Job, collection *models.Collection,
	faceIDs []string, byFaceID map[string]models.FaceDetection, threshold float64, result *models.GroupingResult) error {

	res, err := o.engine.Cluster(ctx, collection.ExternalID, faceIDs, threshold)
	if err != nil {
		return o.mapEngineError(job, err)
	}
	o.setProgress(job, 60)

	total := len(res.Clusters)
	for i, cluster := range res.Clusters {
		// Zwischen den Clustern prüfen: bereits persistierte bleiben erhalten
		if o.cancelRequested(job.ID) {
			return errCancelled
		}
		if err := o.persistCluster(collection, cluster.FaceIDs, cluster.RepresentativeFaceID,
			cluster.AverageSimilarity, cluster.AverageSimilarity/100, byFaceID); err != nil {
			return err
		}
		result.ClustersCreated++
		result.FacesClustered += len(cluster.FaceIDs)
		if total > 0 {
			o.setProgress(job, 60+(35*(i+1))/total)
		}
	}

	return o.handleUnclustered(collection, res.UnclusteredFaces, byFaceID, result)
}

// groupIncrementally ordnet neue Gesichter den bestehenden Clustern zu
func (o *Orchestrator) groupIncrementally(ctx context.Context, job *models.Job, collection *models.Collection,
	existing []models.FaceCluster, faceIDs []string, byFaceID map[string]models.FaceDetection,
	threshold float64, result *models.GroupingResult) error {

	existingForEngine, err := o.existingClustersForEngine(existing)
	if err != nil {
		return err
	}

	res, err := o.engine.AddFacesToClusters(ctx, collection.ExternalID, faceIDs, existingForEngine, threshold)
	if err != nil {
		return o.mapEngineError(job, err)
	}
	o.setProgress(job, 60)

	for clusterID, newFaces := range res.UpdatedClusters {
		if o.cancelRequested(job.ID) {
			return errCancelled
		}
		members := make([]models.FaceClusterMember, 0, len(newFaces))
		var detectionIDs []uint
		for _, faceID := range newFaces {
			d, ok := byFaceID[faceID]
			if !ok {
				continue
			}
			// Die Suche garantiert mindestens den Schwellenwert; die
			// exakte Ähnlichkeit wird nicht zurückgereicht
			members = append(members, models.FaceClusterMember{
				FaceDetectionID: d.ID,
				Similarity:      threshold,
			})
			detectionIDs = append(detectionIDs, d.ID)
		}
		if len(members) == 0 {
			continue
		}
		if err := o.repo.AppendClusterMembers(clusterID, members); err != nil {
			return fmt.Errorf("failed to append members to cluster %d: %w", clusterID, err)
		}
		if err := o.repo.MarkDetectionsProcessed(detectionIDs); err != nil {
			return fmt.Errorf("failed to mark detections processed: %w", err)
		}
		result.ClustersUpdated++
		result.FacesClustered += len(members)
	}

	for _, cluster := range res.NewClusters {
		if o.cancelRequested(job.ID) {
			return errCancelled
		}
		if err := o.persistCluster(collection, cluster.FaceIDs, cluster.RepresentativeFaceID,
			cluster.AverageSimilarity, cluster.AverageSimilarity/100, byFaceID); err != nil {
			return err
		}
		result.ClustersCreated++
		result.FacesClustered += len(cluster.FaceIDs)
	}
	o.setProgress(job, 95)

	return o.handleUnclustered(collection, res.UnclusteredFaces, byFaceID, result)
}

// existingClustersForEngine übersetzt persistierte Cluster in die Sicht der
// Engine: Cluster-ID plus die Vendor-FaceIDs der Mitglieder
func (o *Orchestrator) existingClustersForEngine(clusters []models.FaceCluster) ([]clustering.ExistingCluster, error) {
	var memberDetectionIDs []uint
	for _, c := range clusters {
		for _, m := range c.Members {
			memberDetectionIDs = append(memberDetectionIDs, m.FaceDetectionID)
		}
	}
	detections, err := o.repo.GetDetectionsByIDs(memberDetectionIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to load cluster member detections: %w", err)
	}
	faceIDByDetection := make(map[uint]string, len(detections))
	for _, d := range detections {
		faceIDByDetection[d.ID] = d.FaceID
	}

	out := make([]clustering.ExistingCluster, 0, len(clusters))
	for _, c := range clusters {
		ec := clustering.ExistingCluster{ID: c.ID}
		for _, m := range c.Members {
			if faceID := faceIDByDetection[m.FaceDetectionID]; faceID != "" {
				ec.FaceIDs = append(ec.FaceIDs, faceID)
			}
		}
		out = append(out, ec)
	}
	return out, nil
}

// persistCluster legt einen neuen Cluster mit seinen Mitgliedern an und
// markiert die Detektionen als konsumiert
func (o *Orchestrator) persistCluster(collection *models.Collection, faceIDs []string,
	representative string, similarity, confidence float64, byFaceID map[string]models.FaceDetection) error {

	members := make([]models.FaceClusterMember, 0, len(faceIDs))
	var detectionIDs []uint
	for _, faceID := range faceIDs {
		d, ok := byFaceID[faceID]
		if !ok {
			continue
		}
		members = append(members, models.FaceClusterMember{
			FaceDetectionID: d.ID,
			Similarity:      similarity,
		})
		detectionIDs = append(detectionIDs, d.ID)
	}
	if len(members) == 0 {
		return nil
	}

	cluster := &models.FaceCluster{
		CollectionID:         collection.ID,
		RepresentativeFaceID: representative,
		Confidence:           confidence,
	}
	if err := o.repo.CreateClusterWithMembers(cluster, members); err != nil {
		return fmt.Errorf("failed to persist cluster: %w", err)
	}
	if err := o.repo.MarkDetectionsProcessed(detectionIDs); err != nil {
		return fmt.Errorf("failed to mark detections processed: %w", err)
	}
	return nil
}

// handleUnclustered wendet die Singleton-Strategie auf Gesichter ohne
// Cluster an. Konsumiert werden sie in jedem Fall - ein späterer Durchlauf
// betrachtet sie nicht erneut.
func (o *Orchestrator) handleUnclustered(collection *models.Collection, unclustered []string,
	byFaceID map[string]models.FaceDetection, result *models.GroupingResult) error {

	if len(unclustered) == 0 {
		return nil
	}

	if o.cfg.Clustering.KeepSingletons {
		for _, faceID := range unclustered {
			if err := o.persistCluster(collection, []string{faceID}, faceID,
				0, o.cfg.Clustering.SingletonConfidence, byFaceID); err != nil {
				return err
			}
			result.ClustersCreated++
			result.FacesClustered++
		}
		return nil
	}

	var detectionIDs []uint
	for _, faceID := range unclustered {
		if d, ok := byFaceID[faceID]; ok {
			detectionIDs = append(detectionIDs, d.ID)
		}
	}
	if err := o.repo.MarkDetectionsProcessed(detectionIDs); err != nil {
		return fmt.Errorf("failed to mark unclustered detections processed: %w", err)
	}
	result.UnclusteredFaces = len(unclustered)
	return nil
}

// mapEngineError übersetzt einen Kontext-Abbruch der Engine in den
// passenden Pipeline-Fehler
func (o *Orchestrator) mapEngineError(job *models.Job, err error) error {
	if errors.Is(err, context.Canceled) {
		if o.cancelRequested(job.ID) {
			return errCancelled
		}
		return errShutdown
	}
	return err
}
