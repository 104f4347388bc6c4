package handlers

import (
	"io"
	"net/http"

	"facecluster-go/internal/core/models"
	"facecluster-go/internal/db/repository"
	"facecluster-go/internal/server/sse"
	"facecluster-go/internal/utils"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// SystemHandler behandelt Status- und Event-Stream-Anfragen
type SystemHandler struct {
	repo   repository.Repository
	sseHub *sse.Hub
}

// NewSystemHandler erstellt einen neuen System-Handler
func NewSystemHandler(repo repository.Repository, sseHub *sse.Hub) *SystemHandler {
	return &SystemHandler{
		repo:   repo,
		sseHub: sseHub,
	}
}

// RegisterRoutes registriert alle System-Routen
func (h *SystemHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/status", h.GetStatus)
	router.GET("/events", h.StreamEvents)
}

// GetStatus liefert System- und Pipeline-Statistiken
func (h *SystemHandler) GetStatus(c *gin.Context) {
	pending, err := h.repo.CountJobsByStatus(models.JobStatusPending)
	if err != nil {
		log.Errorf("Failed to count pending jobs: %v", err)
	}
	processing, err := h.repo.CountJobsByStatus(models.JobStatusProcessing)
	if err != nil {
		log.Errorf("Failed to count processing jobs: %v", err)
	}

	c.JSON(http.StatusOK, utils.GetSystemStats(pending, processing))
}

// StreamEvents behandelt SSE-Verbindungen für Echtzeit-Updates
func (h *SystemHandler) StreamEvents(c *gin.Context) {
	// SSE-Header setzen
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("Access-Control-Allow-Origin", "*")

	// Client-Kanal erstellen
	client := make(sse.Client, 10) // Puffer für 10 Nachrichten

	// Client beim Hub registrieren
	h.sseHub.Register(client)
	defer h.sseHub.Unregister(client)

	// Client-Verbindung überwachen
	c.Stream(func(w io.Writer) bool {
		// Auf die nächste Nachricht warten
		msg, ok := <-client
		if !ok {
			return false // Kanal geschlossen, Stream beenden
		}

		// Nachricht im SSE-Format senden
		c.SSEvent("message", string(msg))
		return true
	})
}
