package repository

import (
	"path/filepath"
	"testing"
	"time"

	"facecluster-go/internal/core/models"
	"facecluster-go/internal/db"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// newTestRepo öffnet eine frische SQLite-Datenbank im Temp-Verzeichnis des
// Tests und migriert das Schema
func newTestRepo(t *testing.T) *GormRepository {
	t.Helper()

	gdb, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.Migrate(gdb))

	return NewGormRepository(gdb)
}

func seedCollection(t *testing.T, repo *GormRepository) *models.Collection {
	t.Helper()
	collection := &models.Collection{Name: "Urlaub", ExternalID: "col-ext-1"}
	require.NoError(t, repo.SaveCollection(collection))
	return collection
}

func seedMedia(t *testing.T, repo *GormRepository, collectionID uint, key string, size int64) *models.Media {
	t.Helper()
	media := &models.Media{CollectionID: collectionID, StorageKey: key, SizeBytes: size}
	require.NoError(t, repo.SaveMedia(media))
	return media
}

func seedDetection(t *testing.T, repo *GormRepository, collectionID, mediaID uint, faceID string) *models.FaceDetection {
	t.Helper()
	detection := &models.FaceDetection{
		MediaID:      mediaID,
		CollectionID: collectionID,
		FaceID:       faceID,
		Confidence:   95,
	}
	require.NoError(t, repo.SaveFaceDetection(detection))
	return detection
}

func TestGetCollectionByIDNotFound(t *testing.T) {
	repo := newTestRepo(t)

	collection, err := repo.GetCollectionByID(999)
	require.NoError(t, err)
	assert.Nil(t, collection)
}

func TestAddStorageUsedNeverGoesNegative(t *testing.T) {
	repo := newTestRepo(t)
	collection := seedCollection(t, repo)

	require.NoError(t, repo.AddStorageUsed(collection.ID, 1000))
	require.NoError(t, repo.AddStorageUsed(collection.ID, -400))

	reloaded, err := repo.GetCollectionByID(collection.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(600), reloaded.StorageUsed)

	// Ein zu großes Dekrement klemmt bei 0, statt negativ zu werden
	require.NoError(t, repo.AddStorageUsed(collection.ID, -5000))
	reloaded, err = repo.GetCollectionByID(collection.ID)
	require.NoError(t, err)
	assert.Zero(t, reloaded.StorageUsed)
}

func TestGetUnprocessedDetectionsFiltersConsumed(t *testing.T) {
	repo := newTestRepo(t)
	collection := seedCollection(t, repo)
	media := seedMedia(t, repo, collection.ID, "m1", 100)

	d1 := seedDetection(t, repo, collection.ID, media.ID, "face-1")
	d2 := seedDetection(t, repo, collection.ID, media.ID, "face-2")
	d3 := seedDetection(t, repo, collection.ID, media.ID, "face-3")

	require.NoError(t, repo.MarkDetectionsProcessed([]uint{d2.ID}))

	unprocessed, err := repo.GetUnprocessedDetections([]uint{d1.ID, d2.ID, d3.ID})
	require.NoError(t, err)

	ids := make([]uint, 0, len(unprocessed))
	for _, d := range unprocessed {
		ids = append(ids, d.ID)
	}
	assert.ElementsMatch(t, []uint{d1.ID, d3.ID}, ids)
}

func TestGetMediaOlderThan(t *testing.T) {
	repo := newTestRepo(t)
	collection := seedCollection(t, repo)

	old := seedMedia(t, repo, collection.ID, "old", 100)
	require.NoError(t, repo.db.Model(old).Update("created_at", time.Now().AddDate(0, 0, -10)).Error)
	seedMedia(t, repo, collection.ID, "fresh", 100)

	media, err := repo.GetMediaOlderThan(collection.ID, time.Now().AddDate(0, 0, -7))
	require.NoError(t, err)
	require.Len(t, media, 1)
	assert.Equal(t, "old", media[0].StorageKey)
}

func TestDeleteDetectionsByMediaIDs(t *testing.T) {
	repo := newTestRepo(t)
	collection := seedCollection(t, repo)
	m1 := seedMedia(t, repo, collection.ID, "m1", 100)
	m2 := seedMedia(t, repo, collection.ID, "m2", 100)

	seedDetection(t, repo, collection.ID, m1.ID, "face-1")
	keep := seedDetection(t, repo, collection.ID, m2.ID, "face-2")

	require.NoError(t, repo.DeleteDetectionsByMediaIDs([]uint{m1.ID}))

	remaining, err := repo.GetDetectionsByMediaIDs([]uint{m1.ID, m2.ID})
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, keep.ID, remaining[0].ID)
}
