// Package pipeline implementiert die dreistufige Verarbeitungs-Pipeline
// (Detection -> Grouping -> Cleanup) auf Basis der persistierten Job-Tabelle.
// Die Tabelle ist die Warteschlange: Worker pollen sie, beanspruchen Jobs
// über ein bedingtes Update und schreiben Fortschritt und Ergebnis zurück.
// Nach einem Neustart werden unterbrochene Jobs automatisch wieder
// aufgenommen.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"facecluster-go/config"
	"facecluster-go/internal/cache"
	"facecluster-go/internal/core/clustering"
	"facecluster-go/internal/core/models"
	"facecluster-go/internal/db/repository"
	"facecluster-go/internal/integrations/vision"
	"facecluster-go/internal/storage"

	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
)

// VisionService ist die Schnittstelle, die die Pipeline vom externen
// Gesichtserkennungsdienst benötigt
type VisionService interface {
	CreateCollection(ctx context.Context, collectionID string) error
	DetectFaces(ctx context.Context, imageData []byte, filename string) ([]vision.FaceRecord, error)
	IndexFace(ctx context.Context, collectionID string, imageData []byte, externalID string) ([]vision.FaceRecord, error)
	DeleteFaces(ctx context.Context, collectionID string, faceIDs []string) (int, error)
}

// FaceEnhancer schneidet ein Gesicht aus dem Originalbild aus und bereitet
// es für die Indexierung auf
type FaceEnhancer interface {
	EnhanceFace(imageData []byte, box vision.BoundingBox) ([]byte, error)
}

// ClusterEngine ist die Schnittstelle zur Ähnlichkeits-Clusterbildung
type ClusterEngine interface {
	Cluster(ctx context.Context, collectionID string, faceIDs []string, threshold float64) (*clustering.Result, error)
	AddFacesToClusters(ctx context.Context, collectionID string, newFaceIDs []string, existing []clustering.ExistingCluster, threshold float64) (*clustering.IncrementalResult, error)
}

// Notifier erhält Job-Updates für Push-Kanäle (SSE, MQTT)
type Notifier interface {
	NotifyJobUpdate(job *models.Job)
}

// ErrJobNotFound wird gemeldet, wenn eine Job-ID nicht existiert
var ErrJobNotFound = errors.New("job not found")

// errSetup markiert Fehler, bei denen ein Retry sinnlos ist (ungültige
// Nutzlast, fehlende Sammlung). Solche Jobs schlagen sofort endgültig fehl.
var errSetup = errors.New("setup error")

// errCancelled signalisiert einen kooperativen Abbruch durch den Benutzer
var errCancelled = errors.New("job cancelled")

// errShutdown signalisiert, dass die Pipeline herunterfährt. Der Job wird
// ohne Backoff auf PENDING zurückgesetzt und beim nächsten Start fortgesetzt.
var errShutdown = errors.New("pipeline shutting down")

// Orchestrator betreibt die Worker-Pools der drei Pipeline-Stufen und
// verwaltet den Lebenszyklus der Jobs
type Orchestrator struct {
	cfg      *config.Config
	repo     repository.Repository
	vision   VisionService
	enhancer FaceEnhancer
	engine   ClusterEngine
	store    storage.ObjectStore
	cache    *cache.Store

	notifierMu sync.RWMutex
	notifiers  []Notifier

	stopOnce sync.Once
	stopCh   chan struct{}
	stopCtx  context.Context
	stopFn   context.CancelFunc
	wg       sync.WaitGroup
	wake     map[string]chan struct{}

	// Job-IDs, für die ein kooperativer Abbruch angefordert wurde
	cancelRequests sync.Map

	// Pro Sammlung läuft höchstens ein Grouping-Durchlauf gleichzeitig,
	// sonst könnten zwei Durchläufe dieselben Gesichter doppelt zuordnen
	groupingMu    sync.Mutex
	groupingLocks map[uint]*sync.Mutex
}

// NewOrchestrator erstellt einen neuen Orchestrator. Cache darf nil sein,
// dann wird ein deaktivierter Cache verwendet.
func NewOrchestrator(
	cfg *config.Config,
	repo repository.Repository,
	visionSvc VisionService,
	enhancer FaceEnhancer,
	engine ClusterEngine,
	store storage.ObjectStore,
	cacheStore *cache.Store,
) *Orchestrator {
	if cacheStore == nil {
		cacheStore = cache.New(false, 0)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:      cfg,
		repo:     repo,
		vision:   visionSvc,
		enhancer: enhancer,
		engine:   engine,
		store:    store,
		cache:    cacheStore,
		stopCh:   make(chan struct{}),
		stopCtx:  ctx,
		stopFn:   cancel,
		wake: map[string]chan struct{}{
			models.JobTypeDetection: make(chan struct{}, 1),
			models.JobTypeGrouping:  make(chan struct{}, 1),
			models.JobTypeCleanup:   make(chan struct{}, 1),
		},
		groupingLocks: make(map[uint]*sync.Mutex),
	}
}

// AddNotifier registriert einen Empfänger für Job-Updates
func (o *Orchestrator) AddNotifier(n Notifier) {
	if n == nil {
		return
	}
	o.notifierMu.Lock()
	o.notifiers = append(o.notifiers, n)
	o.notifierMu.Unlock()
}

// Start nimmt unterbrochene Jobs wieder auf und startet die Worker-Pools,
// den Job-Reaper und - falls konfiguriert - den Alters-Cleanup-Scheduler
func (o *Orchestrator) Start() error {
	reset, err := o.repo.ResetProcessingJobs()
	if err != nil {
		return fmt.Errorf("failed to reset interrupted jobs: %w", err)
	}
	if reset > 0 {
		log.Infof("Re-queued %d interrupted jobs from previous run", reset)
	}

	pools := map[string]int{
		models.JobTypeDetection: o.cfg.Pipeline.DetectionWorkers,
		models.JobTypeGrouping:  o.cfg.Pipeline.GroupingWorkers,
		models.JobTypeCleanup:   o.cfg.Pipeline.CleanupWorkers,
	}
	for jobType, count := range pools {
		if count < 1 {
			count = 1
		}
		for i := 0; i < count; i++ {
			o.wg.Add(1)
			go o.workerLoop(jobType, i)
		}
	}

	o.wg.Add(1)
	go o.reaperLoop()

	if o.cfg.Pipeline.RetentionDays > 0 {
		o.wg.Add(1)
		go o.retentionLoop()
	}

	log.Infof("Pipeline started (detection=%d, grouping=%d, cleanup=%d workers)",
		pools[models.JobTypeDetection], pools[models.JobTypeGrouping], pools[models.JobTypeCleanup])
	return nil
}

// Stop hält die Worker an und wartet, bis laufende Jobs zurückgestellt sind
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() {
		close(o.stopCh)
		o.stopFn()
	})
	o.wg.Wait()
	log.Info("Pipeline stopped")
}

// EnqueueDetection stellt einen DETECTION-Job für die angegebenen Medien ein
func (o *Orchestrator) EnqueueDetection(collectionID uint, mediaIDs []uint) (*models.Job, error) {
	if len(mediaIDs) == 0 {
		return nil, fmt.Errorf("detection job requires at least one media ID")
	}
	payload := models.DetectionPayload{CollectionID: collectionID, MediaIDs: mediaIDs}
	return o.enqueue(models.JobTypeDetection, collectionID, payload, o.cfg.Pipeline.MaxAttempts)
}

// EnqueueGrouping stellt einen GROUPING-Job für die angegebenen Detektionen
// ein. Eine leere Detektionsliste ist zulässig; der Job schließt dann ohne
// Arbeit ab.
func (o *Orchestrator) EnqueueGrouping(collectionID uint, detectionIDs []uint) (*models.Job, error) {
	payload := models.GroupingPayload{CollectionID: collectionID, FaceDetectionIDs: detectionIDs}
	return o.enqueue(models.JobTypeGrouping, collectionID, payload, o.cfg.Pipeline.MaxAttempts)
}

// EnqueueCleanup stellt einen CLEANUP-Job ein. Cleanup löscht externe
// Ressourcen und läuft deshalb bewusst ohne automatischen Retry.
func (o *Orchestrator) EnqueueCleanup(collectionID uint, mediaIDs []uint, olderThanDays int) (*models.Job, error) {
	if len(mediaIDs) == 0 && olderThanDays <= 0 {
		return nil, fmt.Errorf("cleanup job requires media IDs or an age threshold")
	}
	payload := models.CleanupPayload{CollectionID: collectionID, MediaIDs: mediaIDs, OlderThanDays: olderThanDays}
	return o.enqueue(models.JobTypeCleanup, collectionID, payload, 1)
}

func (o *Orchestrator) enqueue(jobType string, collectionID uint, payload interface{}, maxAttempts int) (*models.Job, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job payload: %w", err)
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	job := &models.Job{
		Type:         jobType,
		CollectionID: collectionID,
		Status:       models.JobStatusPending,
		Payload:      datatypes.JSON(data),
		MaxAttempts:  maxAttempts,
	}
	if err := o.repo.CreateJob(job); err != nil {
		return nil, fmt.Errorf("failed to create %s job: %w", jobType, err)
	}

	log.WithFields(log.Fields{"job_id": job.ID, "type": jobType, "collection_id": collectionID}).Info("Job enqueued")
	o.wakeWorkers(jobType)
	o.notifyJob(job)
	return job, nil
}

// GetJob liefert den aktuellen Zustand eines Jobs
func (o *Orchestrator) GetJob(jobID uint) (*models.Job, error) {
	job, err := o.repo.GetJobByID(jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, ErrJobNotFound
	}
	return job, nil
}

// ListJobs liefert alle Jobs einer Sammlung, neueste zuerst
func (o *Orchestrator) ListJobs(collectionID uint) ([]models.Job, error) {
	return o.repo.ListJobsByCollection(collectionID)
}

// Cancel bricht einen Job ab. PENDING-Jobs werden sofort auf CANCELLED
// gesetzt; für PROCESSING-Jobs wird ein kooperativer Abbruch angefordert,
// den der Worker an der nächsten Prüfstelle umsetzt. Terminale Jobs bleiben
// unverändert, die Methode meldet dann false.
func (o *Orchestrator) Cancel(jobID uint) (bool, error) {
	job, err := o.repo.GetJobByID(jobID)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, ErrJobNotFound
	}
	if job.IsTerminal() {
		return false, nil
	}

	if job.Status == models.JobStatusPending {
		cancelled, err := o.repo.CancelPendingJob(jobID)
		if err != nil {
			return false, err
		}
		if cancelled {
			job.Status = models.JobStatusCancelled
			log.Infof("Job %d cancelled while pending", jobID)
			o.notifyJob(job)
			return true, nil
		}
		// Ein Worker war schneller - auf kooperativen Abbruch ausweichen
	}

	o.cancelRequests.Store(jobID, struct{}{})
	log.Infof("Cancellation requested for running job %d", jobID)
	return true, nil
}

// workerLoop pollt die Job-Tabelle für einen Job-Typ und führt beanspruchte
// Jobs aus. Enqueue weckt die Schleife zusätzlich über den Wake-Kanal.
func (o *Orchestrator) workerLoop(jobType string, workerID int) {
	defer o.wg.Done()

	interval := o.cfg.Pipeline.PollInterval()
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Debugf("%s worker %d started", jobType, workerID)
	for {
		select {
		case <-o.stopCh:
			return
		case <-ticker.C:
		case <-o.wake[jobType]:
		}

		// Alle fälligen Jobs abarbeiten, bevor wieder gewartet wird
		for {
			job, err := o.repo.ClaimNextJob(jobType)
			if err != nil {
				log.Errorf("%s worker %d failed to claim job: %v", jobType, workerID, err)
				break
			}
			if job == nil {
				break
			}
			o.execute(job)

			select {
			case <-o.stopCh:
				return
			default:
			}
		}
	}
}

// execute führt einen beanspruchten Job aus und überführt ihn in den
// passenden Folgezustand
func (o *Orchestrator) execute(job *models.Job) {
	logger := log.WithFields(log.Fields{"job_id": job.ID, "type": job.Type, "attempt": job.Attempts})
	logger.Info("Job started")
	o.notifyJob(job)

	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("Job panicked: %v", r)
			o.finishJob(job, models.JobStatusFailed, nil, fmt.Sprintf("internal error: %v", r))
			o.clearCancel(job.ID)
		}
	}()

	var result interface{}
	var err error
	switch job.Type {
	case models.JobTypeDetection:
		var res *models.DetectionResult
		res, err = o.runDetection(job)
		if res != nil {
			result = res
		}
	case models.JobTypeGrouping:
		var res *models.GroupingResult
		res, err = o.runGrouping(job)
		if res != nil {
			result = res
		}
	case models.JobTypeCleanup:
		var res *models.CleanupResult
		res, err = o.runCleanup(job)
		if res != nil {
			result = res
		}
	default:
		err = fmt.Errorf("%w: unknown job type %q", errSetup, job.Type)
	}

	o.clearCancel(job.ID)

	switch {
	case err == nil:
		job.Progress = 100
		o.finishJob(job, models.JobStatusCompleted, result, "")
		logger.Info("Job completed")
	case errors.Is(err, errCancelled):
		// Bereits persistierte Teilergebnisse bleiben erhalten
		o.finishJob(job, models.JobStatusCancelled, result, "cancelled by user")
		logger.Info("Job cancelled")
	case errors.Is(err, errShutdown):
		o.requeueForRestart(job)
		logger.Info("Job deferred for restart")
	case errors.Is(err, errSetup) || job.Attempts >= job.MaxAttempts:
		o.finishJob(job, models.JobStatusFailed, result, err.Error())
		logger.Errorf("Job failed permanently: %v", err)
	default:
		o.requeueWithBackoff(job, err)
		logger.Warnf("Job failed (attempt %d/%d), will retry: %v", job.Attempts, job.MaxAttempts, err)
	}
}

// finishJob überführt den Job in einen terminalen Status
func (o *Orchestrator) finishJob(job *models.Job, status string, result interface{}, errorMessage string) {
	now := time.Now()
	job.Status = status
	job.FinishedAt = &now
	job.ErrorMessage = errorMessage
	if result != nil {
		if data, err := json.Marshal(result); err == nil {
			job.Result = datatypes.JSON(data)
		} else {
			log.Errorf("Failed to marshal result of job %d: %v", job.ID, err)
		}
	}
	if err := o.repo.SaveJob(job); err != nil {
		log.Errorf("Failed to persist final state of job %d: %v", job.ID, err)
	}
	o.notifyJob(job)
}

// requeueWithBackoff stellt einen fehlgeschlagenen Job mit exponentiellem
// Backoff erneut ein
func (o *Orchestrator) requeueWithBackoff(job *models.Job, cause error) {
	backoff := time.Duration(o.cfg.Pipeline.RetryBackoffSec) * time.Second
	if backoff <= 0 {
		backoff = 30 * time.Second
	}
	attempt := job.Attempts
	if attempt < 1 {
		attempt = 1
	}
	notBefore := time.Now().Add(backoff * (1 << (attempt - 1)))

	job.Status = models.JobStatusPending
	job.NotBefore = &notBefore
	job.StartedAt = nil
	job.ErrorMessage = cause.Error()
	if err := o.repo.SaveJob(job); err != nil {
		log.Errorf("Failed to requeue job %d: %v", job.ID, err)
	}
	o.notifyJob(job)
}

// requeueForRestart stellt einen durch das Herunterfahren unterbrochenen Job
// ohne Backoff zurück. Der Versuch zählt nicht als Fehlschlag.
func (o *Orchestrator) requeueForRestart(job *models.Job) {
	job.Status = models.JobStatusPending
	job.StartedAt = nil
	job.NotBefore = nil
	if job.Attempts > 0 {
		job.Attempts--
	}
	if err := o.repo.SaveJob(job); err != nil {
		log.Errorf("Failed to defer job %d for restart: %v", job.ID, err)
	}
}

// setProgress aktualisiert den Fortschritt eines laufenden Jobs. Der Wert
// steigt monoton; Rückschritte werden ignoriert.
func (o *Orchestrator) setProgress(job *models.Job, progress int) {
	if progress > 100 {
		progress = 100
	}
	if progress <= job.Progress {
		return
	}
	job.Progress = progress
	if err := o.repo.SaveJob(job); err != nil {
		log.Warnf("Failed to persist progress of job %d: %v", job.ID, err)
	}
	o.notifyJob(job)
}

func (o *Orchestrator) notifyJob(job *models.Job) {
	o.notifierMu.RLock()
	defer o.notifierMu.RUnlock()
	for _, n := range o.notifiers {
		n.NotifyJobUpdate(job)
	}
}

func (o *Orchestrator) wakeWorkers(jobType string) {
	ch, ok := o.wake[jobType]
	if !ok {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (o *Orchestrator) cancelRequested(jobID uint) bool {
	_, ok := o.cancelRequests.Load(jobID)
	return ok
}

func (o *Orchestrator) clearCancel(jobID uint) {
	o.cancelRequests.Delete(jobID)
}

// collectionLock liefert den Grouping-Mutex einer Sammlung
func (o *Orchestrator) collectionLock(collectionID uint) *sync.Mutex {
	o.groupingMu.Lock()
	defer o.groupingMu.Unlock()
	lock, ok := o.groupingLocks[collectionID]
	if !ok {
		lock = &sync.Mutex{}
		o.groupingLocks[collectionID] = lock
	}
	return lock
}

// wait blockiert für die angegebene Dauer und bricht ab, wenn die Pipeline
// herunterfährt
func (o *Orchestrator) wait(d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-o.stopCh:
		return errShutdown
	}
}

// reaperLoop löscht regelmäßig abgeschlossene Jobs, die älter als die
// konfigurierte Aufbewahrungsdauer sind
func (o *Orchestrator) reaperLoop() {
	defer o.wg.Done()

	retention := time.Duration(o.cfg.Pipeline.JobRetentionHours) * time.Hour
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-o.stopCh:
			return
		case <-ticker.C:
			deleted, err := o.repo.DeleteTerminalJobsBefore(time.Now().Add(-retention))
			if err != nil {
				log.Errorf("Job reaper failed: %v", err)
				continue
			}
			if deleted > 0 {
				log.Infof("Job reaper removed %d finished jobs", deleted)
			}
		}
	}
}

// retentionLoop stellt täglich pro Sammlung einen Alters-Cleanup-Job ein
func (o *Orchestrator) retentionLoop() {
	defer o.wg.Done()

	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	// Erster Durchlauf kurz nach dem Start, danach täglich
	timer := time.NewTimer(time.Minute)
	defer timer.Stop()

	for {
		select {
		case <-o.stopCh:
			return
		case <-timer.C:
			o.enqueueRetentionCleanups()
		case <-ticker.C:
			o.enqueueRetentionCleanups()
		}
	}
}

func (o *Orchestrator) enqueueRetentionCleanups() {
	collections, err := o.repo.GetCollections()
	if err != nil {
		log.Errorf("Retention scheduler failed to list collections: %v", err)
		return
	}
	for _, collection := range collections {
		if _, err := o.EnqueueCleanup(collection.ID, nil, o.cfg.Pipeline.RetentionDays); err != nil {
			log.Errorf("Retention scheduler failed to enqueue cleanup for collection %d: %v", collection.ID, err)
		}
	}
}
