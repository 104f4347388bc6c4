package repository

import (
	"testing"

	"facecluster-go/internal/core/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// seedCluster legt einen Cluster mit je einer Detektion pro Mitglied an
func seedCluster(t *testing.T, repo *GormRepository, collectionID, mediaID uint, confidence float64, faceIDs ...string) *models.FaceCluster {
	t.Helper()

	members := make([]models.FaceClusterMember, 0, len(faceIDs))
	for _, faceID := range faceIDs {
		detection := seedDetection(t, repo, collectionID, mediaID, faceID)
		members = append(members, models.FaceClusterMember{FaceDetectionID: detection.ID, Similarity: 90})
	}

	cluster := &models.FaceCluster{
		CollectionID:         collectionID,
		RepresentativeFaceID: faceIDs[0],
		Confidence:           confidence,
	}
	require.NoError(t, repo.CreateClusterWithMembers(cluster, members))
	return cluster
}

func TestCreateClusterWithMembersSetsAppearanceCount(t *testing.T) {
	repo := newTestRepo(t)
	collection := seedCollection(t, repo)
	media := seedMedia(t, repo, collection.ID, "m1", 100)

	cluster := seedCluster(t, repo, collection.ID, media.ID, 0.9, "a", "b", "c")

	assert.Equal(t, 3, cluster.AppearanceCount)

	reloaded, err := repo.GetClusterByID(cluster.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, reloaded.AppearanceCount)
	assert.Len(t, reloaded.Members, 3)
}

func TestCreateClusterWithoutMembersIsRefused(t *testing.T) {
	repo := newTestRepo(t)
	collection := seedCollection(t, repo)

	cluster := &models.FaceCluster{CollectionID: collection.ID}
	assert.Error(t, repo.CreateClusterWithMembers(cluster, nil))
}

func TestDetectionBelongsToAtMostOneCluster(t *testing.T) {
	repo := newTestRepo(t)
	collection := seedCollection(t, repo)
	media := seedMedia(t, repo, collection.ID, "m1", 100)

	detection := seedDetection(t, repo, collection.ID, media.ID, "shared")

	first := &models.FaceCluster{CollectionID: collection.ID}
	require.NoError(t, repo.CreateClusterWithMembers(first,
		[]models.FaceClusterMember{{FaceDetectionID: detection.ID}}))

	// Der Unique-Index auf FaceDetectionID verhindert die Doppelzuordnung
	second := &models.FaceCluster{CollectionID: collection.ID}
	assert.Error(t, repo.CreateClusterWithMembers(second,
		[]models.FaceClusterMember{{FaceDetectionID: detection.ID}}))
}

func TestMergeClusters(t *testing.T) {
	repo := newTestRepo(t)
	collection := seedCollection(t, repo)
	media := seedMedia(t, repo, collection.ID, "m1", 100)

	survivor := seedCluster(t, repo, collection.ID, media.ID, 0.9, "a", "b")
	absorbed := seedCluster(t, repo, collection.ID, media.ID, 0.6, "c", "d", "e")

	merged, err := repo.MergeClusters(survivor.ID, absorbed.ID)
	require.NoError(t, err)

	// Alle Mitglieder hängen am Überlebenden, der Zähler stimmt
	assert.Equal(t, 5, merged.AppearanceCount)

	// Konfidenz ist das mitgliedsgewichtete Mittel: (0.9*2 + 0.6*3) / 5
	assert.InDelta(t, 0.72, merged.Confidence, 0.001)

	// Der absorbierte Cluster existiert nicht mehr
	gone, err := repo.GetClusterByID(absorbed.ID)
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestMergeClustersAcrossCollectionsIsRefused(t *testing.T) {
	repo := newTestRepo(t)
	col1 := seedCollection(t, repo)
	col2 := &models.Collection{Name: "Andere", ExternalID: "col-ext-2"}
	require.NoError(t, repo.SaveCollection(col2))

	m1 := seedMedia(t, repo, col1.ID, "m1", 100)
	m2 := seedMedia(t, repo, col2.ID, "m2", 100)

	a := seedCluster(t, repo, col1.ID, m1.ID, 0.9, "a", "b")
	b := seedCluster(t, repo, col2.ID, m2.ID, 0.9, "c", "d")

	_, err := repo.MergeClusters(a.ID, b.ID)
	assert.Error(t, err)
}

func TestMergeClusterWithItselfIsRefused(t *testing.T) {
	repo := newTestRepo(t)

	_, err := repo.MergeClusters(1, 1)
	assert.Error(t, err)
}

func TestRemoveClusterMemberRecounts(t *testing.T) {
	repo := newTestRepo(t)
	collection := seedCollection(t, repo)
	media := seedMedia(t, repo, collection.ID, "m1", 100)

	cluster := seedCluster(t, repo, collection.ID, media.ID, 0.9, "a", "b", "c")
	reloaded, err := repo.GetClusterByID(cluster.ID)
	require.NoError(t, err)

	deleted, err := repo.RemoveClusterMember(cluster.ID, reloaded.Members[0].FaceDetectionID)
	require.NoError(t, err)
	assert.False(t, deleted)

	reloaded, err = repo.GetClusterByID(cluster.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, reloaded.AppearanceCount)
	assert.Len(t, reloaded.Members, 2)
}

func TestRemoveLastClusterMemberDeletesCluster(t *testing.T) {
	repo := newTestRepo(t)
	collection := seedCollection(t, repo)
	media := seedMedia(t, repo, collection.ID, "m1", 100)

	cluster := seedCluster(t, repo, collection.ID, media.ID, 0.9, "only")
	reloaded, err := repo.GetClusterByID(cluster.ID)
	require.NoError(t, err)

	deleted, err := repo.RemoveClusterMember(cluster.ID, reloaded.Members[0].FaceDetectionID)
	require.NoError(t, err)
	assert.True(t, deleted, "emptied cluster must be deleted")

	gone, err := repo.GetClusterByID(cluster.ID)
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestRemoveClusterMemberUnknownDetection(t *testing.T) {
	repo := newTestRepo(t)
	collection := seedCollection(t, repo)
	media := seedMedia(t, repo, collection.ID, "m1", 100)

	cluster := seedCluster(t, repo, collection.ID, media.ID, 0.9, "a", "b")

	_, err := repo.RemoveClusterMember(cluster.ID, 99999)
	assert.Error(t, err)
}

func TestRemoveMembersByDetectionIDs(t *testing.T) {
	repo := newTestRepo(t)
	collection := seedCollection(t, repo)
	media := seedMedia(t, repo, collection.ID, "m1", 100)

	big := seedCluster(t, repo, collection.ID, media.ID, 0.9, "a", "b", "c")
	small := seedCluster(t, repo, collection.ID, media.ID, 0.8, "x")

	bigReloaded, err := repo.GetClusterByID(big.ID)
	require.NoError(t, err)
	smallReloaded, err := repo.GetClusterByID(small.ID)
	require.NoError(t, err)

	// Eine Detektion aus dem großen Cluster und die einzige des kleinen
	targets := []uint{
		bigReloaded.Members[0].FaceDetectionID,
		smallReloaded.Members[0].FaceDetectionID,
	}
	require.NoError(t, repo.RemoveMembersByDetectionIDs(targets))

	// Der große Cluster wurde neu gezählt
	bigReloaded, err = repo.GetClusterByID(big.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, bigReloaded.AppearanceCount)

	// Der geleerte kleine Cluster wurde gelöscht
	gone, err := repo.GetClusterByID(small.ID)
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestGetClustersByCollectionOrdersBySize(t *testing.T) {
	repo := newTestRepo(t)
	collection := seedCollection(t, repo)
	media := seedMedia(t, repo, collection.ID, "m1", 100)

	seedCluster(t, repo, collection.ID, media.ID, 0.9, "a", "b")
	seedCluster(t, repo, collection.ID, media.ID, 0.9, "c", "d", "e", "f")

	clusters, err := repo.GetClustersByCollection(collection.ID)
	require.NoError(t, err)
	require.Len(t, clusters, 2)
	assert.Equal(t, 4, clusters[0].AppearanceCount)
	assert.Equal(t, 2, clusters[1].AppearanceCount)
}

func TestRenameCluster(t *testing.T) {
	repo := newTestRepo(t)
	collection := seedCollection(t, repo)
	media := seedMedia(t, repo, collection.ID, "m1", 100)

	cluster := seedCluster(t, repo, collection.ID, media.ID, 0.9, "a", "b")
	require.NoError(t, repo.RenameCluster(cluster.ID, "Oma"))

	reloaded, err := repo.GetClusterByID(cluster.ID)
	require.NoError(t, err)
	assert.Equal(t, "Oma", reloaded.Name)
}
