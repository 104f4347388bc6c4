package handlers

import (
	"fmt"
	"io"
	"net/http"
	"path/filepath"

	"facecluster-go/internal/core/models"
	"facecluster-go/internal/db/repository"
	"facecluster-go/internal/storage"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// CollectionHandler behandelt API-Anfragen für Sammlungen und Medien
type CollectionHandler struct {
	repo  repository.Repository
	store storage.ObjectStore
}

// NewCollectionHandler erstellt einen neuen Collection-Handler
func NewCollectionHandler(repo repository.Repository, store storage.ObjectStore) *CollectionHandler {
	return &CollectionHandler{
		repo:  repo,
		store: store,
	}
}

// RegisterRoutes registriert alle Collection-Routen
func (h *CollectionHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.POST("/collections", h.CreateCollection)
	router.GET("/collections/:id", h.GetCollection)
	router.POST("/collections/:id/media", h.UploadMedia)
}

type createCollectionRequest struct {
	Name string `json:"name" binding:"required"`
}

// CreateCollection legt eine neue Sammlung an. Der Namensraum im
// Vision-Dienst wird erst beim ersten Detection-Job erstellt.
func (h *CollectionHandler) CreateCollection(c *gin.Context) {
	var req createCollectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	collection := &models.Collection{
		Name:       req.Name,
		ExternalID: uuid.NewString(),
	}
	if err := h.repo.SaveCollection(collection); err != nil {
		log.Errorf("Failed to create collection: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create collection"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"collection": collection})
}

// GetCollection liefert eine Sammlung
func (h *CollectionHandler) GetCollection(c *gin.Context) {
	id, err := parseID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid collection ID"})
		return
	}

	collection, err := h.repo.GetCollectionByID(id)
	if err != nil {
		log.Errorf("Failed to load collection %d: %v", id, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load collection"})
		return
	}
	if collection == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Collection not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"collection": collection})
}

// UploadMedia nimmt ein Foto entgegen, legt es im Objektspeicher ab und
// registriert die Medien-Zeile. Die Gesichtserkennung läuft erst, wenn ein
// Detection-Job das Medium referenziert.
func (h *CollectionHandler) UploadMedia(c *gin.Context) {
	id, err := parseID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid collection ID"})
		return
	}

	collection, err := h.repo.GetCollectionByID(id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load collection"})
		return
	}
	if collection == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Collection not found"})
		return
	}

	file, header, err := c.Request.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No file uploaded or invalid form data"})
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read uploaded file"})
		return
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	storageKey := fmt.Sprintf("collections/%s/media/%s%s",
		collection.ExternalID, uuid.NewString(), filepath.Ext(header.Filename))

	if err := h.store.Put(c.Request.Context(), storageKey, data, contentType); err != nil {
		log.Errorf("Failed to store media in object storage: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to store media"})
		return
	}

	media := &models.Media{
		CollectionID: collection.ID,
		StorageKey:   storageKey,
		ContentType:  contentType,
		SizeBytes:    int64(len(data)),
	}
	if err := h.repo.SaveMedia(media); err != nil {
		log.Errorf("Failed to register media row: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to register media"})
		return
	}
	if err := h.repo.AddStorageUsed(collection.ID, media.SizeBytes); err != nil {
		log.Warnf("Failed to update storage counter of collection %d: %v", collection.ID, err)
	}

	c.JSON(http.StatusCreated, gin.H{"media": media})
}
