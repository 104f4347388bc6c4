package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"facecluster-go/internal/core/pipeline"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// JobHandler behandelt API-Anfragen für Pipeline-Jobs
type JobHandler struct {
	orchestrator *pipeline.Orchestrator
}

// NewJobHandler erstellt einen neuen Job-Handler
func NewJobHandler(orchestrator *pipeline.Orchestrator) *JobHandler {
	return &JobHandler{orchestrator: orchestrator}
}

// RegisterRoutes registriert alle Job-Routen
func (h *JobHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.POST("/jobs/detection", h.EnqueueDetection)
	router.POST("/jobs/grouping", h.EnqueueGrouping)
	router.POST("/jobs/cleanup", h.EnqueueCleanup)
	router.GET("/jobs/:id", h.GetJob)
	router.POST("/jobs/:id/cancel", h.CancelJob)
	router.GET("/collections/:id/jobs", h.ListCollectionJobs)
}

type detectionRequest struct {
	CollectionID uint   `json:"collection_id" binding:"required"`
	MediaIDs     []uint `json:"media_ids" binding:"required"`
}

// EnqueueDetection stellt einen DETECTION-Job ein
func (h *JobHandler) EnqueueDetection(c *gin.Context) {
	var req detectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	job, err := h.orchestrator.EnqueueDetection(req.CollectionID, req.MediaIDs)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"job": job})
}

type groupingRequest struct {
	CollectionID     uint   `json:"collection_id" binding:"required"`
	FaceDetectionIDs []uint `json:"face_detection_ids"`
}

// EnqueueGrouping stellt einen GROUPING-Job ein
func (h *JobHandler) EnqueueGrouping(c *gin.Context) {
	var req groupingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	job, err := h.orchestrator.EnqueueGrouping(req.CollectionID, req.FaceDetectionIDs)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"job": job})
}

type cleanupRequest struct {
	CollectionID  uint   `json:"collection_id" binding:"required"`
	MediaIDs      []uint `json:"media_ids"`
	OlderThanDays int    `json:"older_than_days"`
}

// EnqueueCleanup stellt einen CLEANUP-Job ein
func (h *JobHandler) EnqueueCleanup(c *gin.Context) {
	var req cleanupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	job, err := h.orchestrator.EnqueueCleanup(req.CollectionID, req.MediaIDs, req.OlderThanDays)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"job": job})
}

// GetJob liefert den aktuellen Zustand eines Jobs
func (h *JobHandler) GetJob(c *gin.Context) {
	id, err := parseID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid job ID"})
		return
	}

	job, err := h.orchestrator.GetJob(id)
	if err != nil {
		if errors.Is(err, pipeline.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
			return
		}
		log.Errorf("Failed to load job %d: %v", id, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load job"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"job": job})
}

// CancelJob bricht einen Job ab
func (h *JobHandler) CancelJob(c *gin.Context) {
	id, err := parseID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid job ID"})
		return
	}

	cancelled, err := h.orchestrator.Cancel(id)
	if err != nil {
		if errors.Is(err, pipeline.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
			return
		}
		log.Errorf("Failed to cancel job %d: %v", id, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to cancel job"})
		return
	}
	if !cancelled {
		c.JSON(http.StatusConflict, gin.H{"error": "Job already finished"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Cancellation requested"})
}

// ListCollectionJobs liefert alle Jobs einer Sammlung, neueste zuerst
func (h *JobHandler) ListCollectionJobs(c *gin.Context) {
	id, err := parseID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid collection ID"})
		return
	}

	jobs, err := h.orchestrator.ListJobs(id)
	if err != nil {
		log.Errorf("Failed to list jobs of collection %d: %v", id, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list jobs"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"jobs": jobs})
}

// parseID wandelt einen Pfad-Parameter in eine numerische ID um
func parseID(raw string) (uint, error) {
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, err
	}
	return uint(id), nil
}
