package handlers

import (
	"net/http"

	"facecluster-go/internal/cache"
	"facecluster-go/internal/core/models"
	"facecluster-go/internal/db/repository"
	"facecluster-go/internal/server/sse"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// ClusterHandler behandelt API-Anfragen für Personen-Cluster
type ClusterHandler struct {
	repo   repository.Repository
	cache  *cache.Store
	sseHub *sse.Hub
}

// NewClusterHandler erstellt einen neuen Cluster-Handler
func NewClusterHandler(repo repository.Repository, cacheStore *cache.Store, sseHub *sse.Hub) *ClusterHandler {
	return &ClusterHandler{
		repo:   repo,
		cache:  cacheStore,
		sseHub: sseHub,
	}
}

// RegisterRoutes registriert alle Cluster-Routen
func (h *ClusterHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/collections/:id/clusters", h.ListClusters)
	router.GET("/clusters/:id", h.GetCluster)
	router.PUT("/clusters/:id", h.RenameCluster)
	router.DELETE("/clusters/:id", h.DeleteCluster)
	router.POST("/clusters/:id/merge", h.MergeClusters)
	router.DELETE("/clusters/:id/faces/:detectionId", h.RemoveClusterFace)
}

// ListClusters liefert alle Cluster einer Sammlung, größte zuerst
func (h *ClusterHandler) ListClusters(c *gin.Context) {
	collectionID, err := parseID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid collection ID"})
		return
	}

	cacheKey := cache.CollectionKey(collectionID, "clusters")
	if cached, ok := h.cache.Get(cacheKey); ok {
		if clusters, ok := cached.([]models.FaceCluster); ok {
			c.JSON(http.StatusOK, gin.H{"clusters": clusters, "cached": true})
			return
		}
	}

	clusters, err := h.repo.GetClustersByCollection(collectionID)
	if err != nil {
		log.Errorf("Failed to list clusters of collection %d: %v", collectionID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list clusters"})
		return
	}

	h.cache.Set(cacheKey, clusters)
	c.JSON(http.StatusOK, gin.H{"clusters": clusters})
}

// GetCluster liefert einen Cluster mit seinen Mitgliedern
func (h *ClusterHandler) GetCluster(c *gin.Context) {
	id, err := parseID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid cluster ID"})
		return
	}

	cluster, err := h.repo.GetClusterByID(id)
	if err != nil {
		log.Errorf("Failed to load cluster %d: %v", id, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load cluster"})
		return
	}
	if cluster == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Cluster not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"cluster": cluster})
}

type renameRequest struct {
	Name string `json:"name" binding:"required"`
}

// RenameCluster setzt den Anzeigenamen eines Clusters
func (h *ClusterHandler) RenameCluster(c *gin.Context) {
	id, err := parseID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid cluster ID"})
		return
	}

	var req renameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	cluster, err := h.repo.GetClusterByID(id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load cluster"})
		return
	}
	if cluster == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Cluster not found"})
		return
	}

	if err := h.repo.RenameCluster(id, req.Name); err != nil {
		log.Errorf("Failed to rename cluster %d: %v", id, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to rename cluster"})
		return
	}

	h.invalidate(cluster.CollectionID)
	h.sseHub.BroadcastClusterUpdate(cluster.CollectionID, id, "renamed")
	c.JSON(http.StatusOK, gin.H{"message": "Cluster renamed"})
}

// DeleteCluster löscht einen Cluster samt Mitgliedszeilen. Die Detektionen
// selbst bleiben erhalten.
func (h *ClusterHandler) DeleteCluster(c *gin.Context) {
	id, err := parseID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid cluster ID"})
		return
	}

	cluster, err := h.repo.GetClusterByID(id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load cluster"})
		return
	}
	if cluster == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Cluster not found"})
		return
	}

	if err := h.repo.DeleteCluster(id); err != nil {
		log.Errorf("Failed to delete cluster %d: %v", id, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete cluster"})
		return
	}

	h.invalidate(cluster.CollectionID)
	h.sseHub.BroadcastClusterUpdate(cluster.CollectionID, id, "deleted")
	c.JSON(http.StatusOK, gin.H{"message": "Cluster deleted"})
}

type mergeRequest struct {
	AbsorbedID uint `json:"absorbed_id" binding:"required"`
}

// MergeClusters überführt die Mitglieder des absorbierten Clusters in den
// angegebenen Cluster
func (h *ClusterHandler) MergeClusters(c *gin.Context) {
	survivorID, err := parseID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid cluster ID"})
		return
	}

	var req mergeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	survivor, err := h.repo.MergeClusters(survivorID, req.AbsorbedID)
	if err != nil {
		log.Errorf("Failed to merge cluster %d into %d: %v", req.AbsorbedID, survivorID, err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	h.invalidate(survivor.CollectionID)
	h.sseHub.BroadcastClusterUpdate(survivor.CollectionID, survivorID, "merged")
	c.JSON(http.StatusOK, gin.H{"cluster": survivor})
}

// RemoveClusterFace entfernt eine Detektion aus einem Cluster. Wird der
// Cluster dadurch geleert, wird er gelöscht.
func (h *ClusterHandler) RemoveClusterFace(c *gin.Context) {
	clusterID, err := parseID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid cluster ID"})
		return
	}
	detectionID, err := parseID(c.Param("detectionId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid detection ID"})
		return
	}

	cluster, err := h.repo.GetClusterByID(clusterID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load cluster"})
		return
	}
	if cluster == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Cluster not found"})
		return
	}

	clusterDeleted, err := h.repo.RemoveClusterMember(clusterID, detectionID)
	if err != nil {
		log.Errorf("Failed to remove detection %d from cluster %d: %v", detectionID, clusterID, err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	h.invalidate(cluster.CollectionID)
	h.sseHub.BroadcastClusterUpdate(cluster.CollectionID, clusterID, "member_removed")
	c.JSON(http.StatusOK, gin.H{
		"message":         "Face removed from cluster",
		"cluster_deleted": clusterDeleted,
	})
}

func (h *ClusterHandler) invalidate(collectionID uint) {
	if h.cache != nil {
		h.cache.InvalidateCollection(collectionID)
	}
}
