package models

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Collection repräsentiert eine geteilte Foto-Sammlung und zugleich den
// Namensraum im Index des externen Gesichtserkennungsdienstes
type Collection struct {
	gorm.Model
	Name        string `gorm:"not null"`
	ExternalID  string `gorm:"uniqueIndex;not null"` // Collection-ID im externen Dienst
	StorageUsed int64  // Belegter Speicher in Bytes (wird vom Cleanup dekrementiert)
}

// Media repräsentiert ein hochgeladenes Foto einer Sammlung
type Media struct {
	gorm.Model
	CollectionID uint   `gorm:"index;not null"`
	StorageKey   string `gorm:"uniqueIndex;not null"` // Schlüssel des Originals im Objektspeicher
	ThumbnailKey string // Schlüssel des Thumbnails, falls vorhanden
	ContentType  string
	SizeBytes    int64
	Processed    bool            `gorm:"index"` // true, sobald die Gesichtserkennung durchlaufen wurde
	Faces        []FaceDetection `gorm:"foreignKey:MediaID;constraint:OnDelete:CASCADE;"`
}

// FaceDetection repräsentiert ein in einem Foto gefundenes Gesicht.
// FaceID ist die opake ID des externen Dienstes und bleibt leer, bis das
// Gesicht dort indexiert wurde. Die Bounding-Box wird als Verhältniswerte
// in [0,1] gespeichert und ist damit auflösungsunabhängig.
type FaceDetection struct {
	gorm.Model
	MediaID      uint           `gorm:"index;not null"`
	CollectionID uint           `gorm:"index;not null"`
	FaceID       string         `gorm:"index"`     // Vendor-Face-ID (opak, verbatim gespeichert)
	BoundingBox  datatypes.JSON `gorm:"type:json"` // {x, y, width, height} als Verhältniswerte
	Confidence   float64        // Erkennungssicherheit des Detektors (0-100)
	Brightness   *float64       // Optionale Qualitätsmetrik (0-100)
	Sharpness    *float64       // Optionale Qualitätsmetrik (0-100)
	Roll         *float64       // Pose in Grad
	Yaw          *float64
	Pitch        *float64
	QualityScore int  // Abgeleiteter Qualitäts-Score (0-100)
	Processed    bool `gorm:"index"` // true, sobald ein Grouping-Durchlauf das Gesicht konsumiert hat
}

// FaceCluster repräsentiert eine vermutete Person innerhalb einer Sammlung
type FaceCluster struct {
	gorm.Model
	CollectionID         uint   `gorm:"index;not null"`
	Name                 string // Von Menschen vergebener Anzeigename, leer bis zur Benennung
	RepresentativeFaceID string // Vendor-Face-ID des repräsentativen Mitglieds
	AppearanceCount      int    // Entspricht immer der Anzahl der Mitgliedszeilen
	Confidence           float64 // Mittlere Intra-Cluster-Ähnlichkeit, normalisiert auf [0,1]
	Members              []FaceClusterMember `gorm:"foreignKey:ClusterID;constraint:OnDelete:CASCADE;"`
}

// FaceClusterMember verbindet einen FaceCluster mit einer FaceDetection.
// Eine FaceDetection gehört zu höchstens einem Cluster (Partition, keine
// Überdeckung) - daher der Unique-Index auf FaceDetectionID.
type FaceClusterMember struct {
	gorm.Model
	ClusterID       uint    `gorm:"index;not null"`
	FaceDetectionID uint    `gorm:"uniqueIndex;not null"`
	Similarity      float64 // Ähnlichkeit dieses Mitglieds zum Cluster
}

// Job-Typen der Pipeline
const (
	JobTypeDetection = "DETECTION"
	JobTypeGrouping  = "GROUPING"
	JobTypeCleanup   = "CLEANUP"
)

// Job-Status. Übergänge: PENDING -> PROCESSING -> {COMPLETED, FAILED},
// sowie PENDING|PROCESSING -> CANCELLED. Terminale Status werden nie verlassen.
const (
	JobStatusPending    = "PENDING"
	JobStatusProcessing = "PROCESSING"
	JobStatusCompleted  = "COMPLETED"
	JobStatusFailed     = "FAILED"
	JobStatusCancelled  = "CANCELLED"
)

// Job repräsentiert einen Aufruf einer Pipeline-Stufe. Jobs werden persistiert,
// damit die Pipeline nach einem Neustart fortsetzen kann.
type Job struct {
	gorm.Model
	Type         string `gorm:"index;not null"`
	CollectionID uint   `gorm:"index;not null"`
	Status       string `gorm:"index;default:'PENDING'"`
	Progress     int    // 0-100, monoton steigend während PROCESSING
	Payload      datatypes.JSON `gorm:"type:json"`
	Result       datatypes.JSON `gorm:"type:json;null"`
	ErrorMessage string         // Fehlermeldung verbatim, für Operator-Sichtbarkeit
	Attempts     int            `gorm:"default:0"`
	MaxAttempts  int            `gorm:"default:3"` // CLEANUP: immer 1, bewusst ohne Retry
	NotBefore    *time.Time     // Frühester nächster Ausführungszeitpunkt (Backoff)
	StartedAt    *time.Time
	FinishedAt   *time.Time
}

// IsTerminal meldet, ob der Job einen terminalen Status erreicht hat
func (j *Job) IsTerminal() bool {
	switch j.Status {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// DetectionPayload ist die Nutzlast eines DETECTION-Jobs
type DetectionPayload struct {
	CollectionID uint   `json:"collection_id"`
	MediaIDs     []uint `json:"media_ids"`
}

// GroupingPayload ist die Nutzlast eines GROUPING-Jobs
type GroupingPayload struct {
	CollectionID     uint   `json:"collection_id"`
	FaceDetectionIDs []uint `json:"face_detection_ids"`
}

// CleanupPayload ist die Nutzlast eines CLEANUP-Jobs. Entweder MediaIDs
// oder OlderThanDays bestimmt die Zielmenge.
type CleanupPayload struct {
	CollectionID  uint   `json:"collection_id"`
	MediaIDs      []uint `json:"media_ids,omitempty"`
	OlderThanDays int    `json:"older_than_days,omitempty"`
}

// DetectionResult fasst das Ergebnis eines DETECTION-Jobs zusammen
type DetectionResult struct {
	MediaProcessed int  `json:"media_processed"`
	MediaFailed    int  `json:"media_failed"`
	FacesDetected  int  `json:"faces_detected"`
	FacesIndexed   int  `json:"faces_indexed"`
	GroupingJobID  uint `json:"grouping_job_id,omitempty"`
}

// GroupingResult fasst das Ergebnis eines GROUPING-Jobs zusammen
type GroupingResult struct {
	FacesConsidered  int `json:"faces_considered"`
	ClustersCreated  int `json:"clusters_created"`
	ClustersUpdated  int `json:"clusters_updated"`
	FacesClustered   int `json:"faces_clustered"`
	UnclusteredFaces int `json:"unclustered_faces"`
}

// CleanupResult fasst das Ergebnis eines CLEANUP-Jobs zusammen
type CleanupResult struct {
	MediaDeleted int   `json:"media_deleted"`
	FacesDeleted int   `json:"faces_deleted"`
	BytesFreed   int64 `json:"bytes_freed"`
}
