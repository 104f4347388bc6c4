package repository

import (
	"errors"
	"fmt"

	"facecluster-go/internal/core/models"

	"gorm.io/gorm"
)

// Cluster-Methoden. AppearanceCount wird grundsätzlich aus den
// Mitgliedszeilen neu berechnet und nie unabhängig inkrementiert oder
// dekrementiert - so kann der Zähler nicht von der Mitgliedschaft abdriften.

// CreateClusterWithMembers legt einen Cluster samt Mitgliedern in einer
// Transaktion an
func (r *GormRepository) CreateClusterWithMembers(cluster *models.FaceCluster, members []models.FaceClusterMember) error {
	if len(members) == 0 {
		return fmt.Errorf("refusing to create cluster without members")
	}

	return r.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(cluster).Error; err != nil {
			return fmt.Errorf("failed to create cluster: %w", err)
		}
		for i := range members {
			members[i].ClusterID = cluster.ID
		}
		if err := tx.Create(&members).Error; err != nil {
			return fmt.Errorf("failed to create cluster members: %w", err)
		}
		return recountCluster(tx, cluster)
	})
}

// AppendClusterMembers hängt Mitglieder an einen bestehenden Cluster an
// und aktualisiert den Zähler
func (r *GormRepository) AppendClusterMembers(clusterID uint, members []models.FaceClusterMember) error {
	if len(members) == 0 {
		return nil
	}

	return r.db.Transaction(func(tx *gorm.DB) error {
		var cluster models.FaceCluster
		if err := tx.First(&cluster, clusterID).Error; err != nil {
			return fmt.Errorf("failed to load cluster %d: %w", clusterID, err)
		}
		for i := range members {
			members[i].ClusterID = clusterID
		}
		if err := tx.Create(&members).Error; err != nil {
			return fmt.Errorf("failed to append cluster members: %w", err)
		}
		return recountCluster(tx, &cluster)
	})
}

// GetClusterByID holt einen Cluster mit seinen Mitgliedern
func (r *GormRepository) GetClusterByID(id uint) (*models.FaceCluster, error) {
	var cluster models.FaceCluster
	result := r.db.Preload("Members").First(&cluster, id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, result.Error
	}
	return &cluster, nil
}

// GetClustersByCollection holt alle Cluster einer Sammlung mit Mitgliedern
func (r *GormRepository) GetClustersByCollection(collectionID uint) ([]models.FaceCluster, error) {
	var clusters []models.FaceCluster
	result := r.db.Preload("Members").Where("collection_id = ?", collectionID).Order("appearance_count DESC").Find(&clusters)
	if result.Error != nil {
		return nil, result.Error
	}
	return clusters, nil
}

// RenameCluster setzt den Anzeigenamen eines Clusters
func (r *GormRepository) RenameCluster(id uint, name string) error {
	return r.db.Model(&models.FaceCluster{}).Where("id = ?", id).Update("name", name).Error
}

// DeleteCluster löscht einen Cluster samt Mitgliedszeilen
func (r *GormRepository) DeleteCluster(id uint) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Unscoped().Where("cluster_id = ?", id).Delete(&models.FaceClusterMember{}).Error; err != nil {
			return fmt.Errorf("failed to delete cluster members: %w", err)
		}
		if err := tx.Unscoped().Delete(&models.FaceCluster{}, id).Error; err != nil {
			return fmt.Errorf("failed to delete cluster: %w", err)
		}
		return nil
	})
}

// MergeClusters überführt alle Mitglieder des absorbierten Clusters in den
// überlebenden Cluster und löscht den absorbierten. Die Konfidenz des
// Überlebenden wird als mitgliedsgewichtetes Mittel beider Cluster neu
// gesetzt.
func (r *GormRepository) MergeClusters(survivorID, absorbedID uint) (*models.FaceCluster, error) {
	if survivorID == absorbedID {
		return nil, fmt.Errorf("cannot merge cluster %d with itself", survivorID)
	}

	var survivor models.FaceCluster
	err := r.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&survivor, survivorID).Error; err != nil {
			return fmt.Errorf("failed to load surviving cluster %d: %w", survivorID, err)
		}
		var absorbed models.FaceCluster
		if err := tx.First(&absorbed, absorbedID).Error; err != nil {
			return fmt.Errorf("failed to load absorbed cluster %d: %w", absorbedID, err)
		}
		if survivor.CollectionID != absorbed.CollectionID {
			return fmt.Errorf("clusters %d and %d belong to different collections", survivorID, absorbedID)
		}

		// Mitglieder umhängen
		if err := tx.Model(&models.FaceClusterMember{}).
			Where("cluster_id = ?", absorbedID).
			Update("cluster_id", survivorID).Error; err != nil {
			return fmt.Errorf("failed to re-parent members: %w", err)
		}

		// Absorbierten Cluster entfernen
		if err := tx.Unscoped().Delete(&models.FaceCluster{}, absorbedID).Error; err != nil {
			return fmt.Errorf("failed to delete absorbed cluster: %w", err)
		}

		// Konfidenz mitgliedsgewichtet mitteln
		totalBefore := survivor.AppearanceCount + absorbed.AppearanceCount
		if totalBefore > 0 {
			survivor.Confidence = (survivor.Confidence*float64(survivor.AppearanceCount) +
				absorbed.Confidence*float64(absorbed.AppearanceCount)) / float64(totalBefore)
		}

		return recountCluster(tx, &survivor)
	})
	if err != nil {
		return nil, err
	}
	return &survivor, nil
}

// RemoveClusterMember entfernt eine einzelne Detektion aus einem Cluster.
// Leert die Entfernung den Cluster, wird der Cluster selbst gelöscht und
// das dem Aufrufer über clusterDeleted gemeldet.
func (r *GormRepository) RemoveClusterMember(clusterID, faceDetectionID uint) (bool, error) {
	clusterDeleted := false
	err := r.db.Transaction(func(tx *gorm.DB) error {
		var cluster models.FaceCluster
		if err := tx.First(&cluster, clusterID).Error; err != nil {
			return fmt.Errorf("failed to load cluster %d: %w", clusterID, err)
		}

		result := tx.Unscoped().
			Where("cluster_id = ? AND face_detection_id = ?", clusterID, faceDetectionID).
			Delete(&models.FaceClusterMember{})
		if result.Error != nil {
			return fmt.Errorf("failed to delete cluster member: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("detection %d is not a member of cluster %d", faceDetectionID, clusterID)
		}

		var remaining int64
		if err := tx.Model(&models.FaceClusterMember{}).Where("cluster_id = ?", clusterID).Count(&remaining).Error; err != nil {
			return fmt.Errorf("failed to count remaining members: %w", err)
		}

		// Cluster ohne Mitglieder dürfen nicht existieren
		if remaining == 0 {
			if err := tx.Unscoped().Delete(&models.FaceCluster{}, clusterID).Error; err != nil {
				return fmt.Errorf("failed to delete emptied cluster: %w", err)
			}
			clusterDeleted = true
			return nil
		}

		return recountCluster(tx, &cluster)
	})
	return clusterDeleted, err
}

// RemoveMembersByDetectionIDs entfernt die Mitgliedszeilen der angegebenen
// Detektionen aus allen Clustern (Cleanup-Pfad), zählt die betroffenen
// Cluster neu und löscht geleerte Cluster.
func (r *GormRepository) RemoveMembersByDetectionIDs(detectionIDs []uint) error {
	if len(detectionIDs) == 0 {
		return nil
	}

	return r.db.Transaction(func(tx *gorm.DB) error {
		var affected []uint
		if err := tx.Model(&models.FaceClusterMember{}).
			Where("face_detection_id IN ?", detectionIDs).
			Distinct().Pluck("cluster_id", &affected).Error; err != nil {
			return fmt.Errorf("failed to find affected clusters: %w", err)
		}
		if len(affected) == 0 {
			return nil
		}

		if err := tx.Unscoped().Where("face_detection_id IN ?", detectionIDs).Delete(&models.FaceClusterMember{}).Error; err != nil {
			return fmt.Errorf("failed to delete cluster members: %w", err)
		}

		for _, clusterID := range affected {
			var remaining int64
			if err := tx.Model(&models.FaceClusterMember{}).Where("cluster_id = ?", clusterID).Count(&remaining).Error; err != nil {
				return fmt.Errorf("failed to count members of cluster %d: %w", clusterID, err)
			}
			if remaining == 0 {
				if err := tx.Unscoped().Delete(&models.FaceCluster{}, clusterID).Error; err != nil {
					return fmt.Errorf("failed to delete emptied cluster %d: %w", clusterID, err)
				}
				continue
			}
			var cluster models.FaceCluster
			if err := tx.First(&cluster, clusterID).Error; err != nil {
				return fmt.Errorf("failed to load cluster %d: %w", clusterID, err)
			}
			if err := recountCluster(tx, &cluster); err != nil {
				return err
			}
		}
		return nil
	})
}

// recountCluster setzt AppearanceCount auf die tatsächliche Anzahl der
// Mitgliedszeilen
func recountCluster(tx *gorm.DB, cluster *models.FaceCluster) error {
	var count int64
	if err := tx.Model(&models.FaceClusterMember{}).Where("cluster_id = ?", cluster.ID).Count(&count).Error; err != nil {
		return fmt.Errorf("failed to count members of cluster %d: %w", cluster.ID, err)
	}
	cluster.AppearanceCount = int(count)
	if err := tx.Save(cluster).Error; err != nil {
		return fmt.Errorf("failed to save cluster %d: %w", cluster.ID, err)
	}
	return nil
}
