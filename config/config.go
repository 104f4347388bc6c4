package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Config repräsentiert die Hauptkonfiguration der Anwendung
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Log        LogConfig        `mapstructure:"log"`
	DB         DBConfig         `mapstructure:"db"`
	Vision     VisionConfig     `mapstructure:"vision"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Enhance    EnhanceConfig    `mapstructure:"enhance"`
	Clustering ClusteringConfig `mapstructure:"clustering"`
	Pipeline   PipelineConfig   `mapstructure:"pipeline"`
	Cache      CacheConfig      `mapstructure:"cache"`
	MQTT       MQTTConfig       `mapstructure:"mqtt"`
}

// ServerConfig enthält Server-bezogene Einstellungen
type ServerConfig struct {
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
	DataDir string `mapstructure:"data_dir"`
}

// LogConfig enthält Log-Einstellungen
type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

// DBConfig enthält Datenbankeinstellungen
type DBConfig struct {
	File string `mapstructure:"file"` // für SQLite
}

// VisionConfig enthält die Einstellungen für den externen Gesichtserkennungsdienst
type VisionConfig struct {
	URL            string  `mapstructure:"url"`
	APIKey         string  `mapstructure:"api_key"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
	MinConfidence  float64 `mapstructure:"min_confidence"` // Mindest-Konfidenz (0-100) für Detektionen
}

// StorageConfig enthält die Einstellungen für den MinIO-Objektspeicher
type StorageConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

// EnhanceConfig enthält die Einstellungen für die Gesichtsbild-Aufbereitung
type EnhanceConfig struct {
	TargetSize  int     `mapstructure:"target_size"`  // Kantenlänge des Ausgabebildes in Pixeln
	BoxPadding  float64 `mapstructure:"box_padding"`  // Zusätzlicher Rand um die Bounding-Box (relativ)
	JPEGQuality int     `mapstructure:"jpeg_quality"` // Qualität der JPEG-Ausgabe (1-100)
}

// ClusteringConfig enthält die Einstellungen für die Ähnlichkeits-Clusterbildung
type ClusteringConfig struct {
	SimilarityThreshold float64 `mapstructure:"similarity_threshold"` // Basis-Schwellenwert (0-100)
	MergePassDelta      float64 `mapstructure:"merge_pass_delta"`     // Absenkung für den zweiten Merge-Durchlauf
	MaxResults          int     `mapstructure:"max_results"`          // Top-N pro Ähnlichkeitssuche
	MergeSampleSize     int     `mapstructure:"merge_sample_size"`    // Stichprobengröße pro Cluster in den Merge-Durchläufen
	BatchSize           int     `mapstructure:"batch_size"`           // Anzahl Suchanfragen pro Batch
	BatchDelayMs        int     `mapstructure:"batch_delay_ms"`       // Pause zwischen Batches (Rate-Limit)
	KeepSingletons      bool    `mapstructure:"keep_singletons"`      // Ein-Element-Cluster persistieren statt verwerfen
	SingletonConfidence float64 `mapstructure:"singleton_confidence"` // Reduzierte Konfidenz für persistierte Singletons
}

// PipelineConfig enthält die Einstellungen für die Job-Pipeline
type PipelineConfig struct {
	DetectionWorkers  int `mapstructure:"detection_workers"`
	GroupingWorkers   int `mapstructure:"grouping_workers"`
	CleanupWorkers    int `mapstructure:"cleanup_workers"`
	InterImageDelayMs int `mapstructure:"inter_image_delay_ms"` // Pause nach jedem Bild (Rate-Limit)
	PollIntervalMs    int `mapstructure:"poll_interval_ms"`     // Abfrageintervall der Worker auf der Job-Tabelle
	MaxAttempts       int `mapstructure:"max_attempts"`         // Versuche für DETECTION/GROUPING (CLEANUP ist immer 1)
	RetryBackoffSec   int `mapstructure:"retry_backoff_sec"`    // Basis für den exponentiellen Backoff
	JobRetentionHours int `mapstructure:"job_retention_hours"`  // Aufbewahrung abgeschlossener Jobs
	RetentionDays     int `mapstructure:"retention_days"`       // 0 = kein automatischer Alters-Cleanup
}

// CacheConfig enthält die Einstellungen für den In-Memory-Cache
type CacheConfig struct {
	Enabled    bool `mapstructure:"enabled"`
	TTLMinutes int  `mapstructure:"ttl_minutes"`
}

// MQTTConfig enthält die Konfiguration für den MQTT-Client
type MQTTConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Broker   string `mapstructure:"broker"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	ClientID string `mapstructure:"client_id"`
	Topic    string `mapstructure:"topic"`
}

// InterImageDelay gibt die konfigurierte Pause zwischen zwei Bildern zurück
func (p PipelineConfig) InterImageDelay() time.Duration {
	return time.Duration(p.InterImageDelayMs) * time.Millisecond
}

// PollInterval gibt das Abfrageintervall der Worker zurück
func (p PipelineConfig) PollInterval() time.Duration {
	return time.Duration(p.PollIntervalMs) * time.Millisecond
}

// BatchDelay gibt die Pause zwischen zwei Such-Batches zurück
func (c ClusteringConfig) BatchDelay() time.Duration {
	return time.Duration(c.BatchDelayMs) * time.Millisecond
}

// Load lädt die Konfiguration aus Datei, Umgebungsvariablen und Standardwerten
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Standardwerte festlegen
	setDefaults(v)

	// Konfigurationsdatei laden, wenn vorhanden
	if configPath != "" {
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			log.Warnf("Config file %s does not exist, using defaults", configPath)
		} else {
			v.SetConfigFile(configPath)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
			log.Infof("Config loaded from %s", configPath)
		}
	}

	// Umgebungsvariablen überlagern die Konfiguration
	v.AutomaticEnv()
	v.SetEnvPrefix("FACECLUSTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Konfiguration in Struct umwandeln
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Sicherstellen, dass erforderliche Verzeichnisse existieren
	if err := ensureDirectories(&cfg); err != nil {
		return nil, fmt.Errorf("failed to create required directories: %w", err)
	}

	return &cfg, nil
}

// setDefaults legt Standardwerte für die Konfiguration fest
func setDefaults(v *viper.Viper) {
	// Server-Standardwerte
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.data_dir", "/data")

	// Log-Standardwerte
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "/data/logs/facecluster.log")

	// DB-Standardwerte
	v.SetDefault("db.file", "/data/facecluster.db")

	// Vision-Standardwerte
	v.SetDefault("vision.url", "http://localhost:8080")
	v.SetDefault("vision.timeout_seconds", 30)
	v.SetDefault("vision.min_confidence", 80.0)

	// Storage-Standardwerte
	v.SetDefault("storage.endpoint", "localhost:9000")
	v.SetDefault("storage.bucket", "facecluster-media")
	v.SetDefault("storage.use_ssl", false)

	// Enhance-Standardwerte
	v.SetDefault("enhance.target_size", 320)
	v.SetDefault("enhance.box_padding", 0.15)
	v.SetDefault("enhance.jpeg_quality", 90)

	// Clustering-Standardwerte
	v.SetDefault("clustering.similarity_threshold", 85.0)
	v.SetDefault("clustering.merge_pass_delta", 5.0)
	v.SetDefault("clustering.max_results", 10)
	v.SetDefault("clustering.merge_sample_size", 3)
	v.SetDefault("clustering.batch_size", 10)
	v.SetDefault("clustering.batch_delay_ms", 200)
	v.SetDefault("clustering.keep_singletons", false)
	v.SetDefault("clustering.singleton_confidence", 0.5)

	// Pipeline-Standardwerte
	v.SetDefault("pipeline.detection_workers", 2)
	v.SetDefault("pipeline.grouping_workers", 2)
	v.SetDefault("pipeline.cleanup_workers", 1)
	v.SetDefault("pipeline.inter_image_delay_ms", 350)
	v.SetDefault("pipeline.poll_interval_ms", 500)
	v.SetDefault("pipeline.max_attempts", 3)
	v.SetDefault("pipeline.retry_backoff_sec", 30)
	v.SetDefault("pipeline.job_retention_hours", 24)
	v.SetDefault("pipeline.retention_days", 0)

	// Cache-Standardwerte
	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.ttl_minutes", 10)

	// MQTT-Standardwerte
	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.port", 1883)
	v.SetDefault("mqtt.client_id", "facecluster-go")
	v.SetDefault("mqtt.topic", "facecluster/events")
}

// ensureDirectories stellt sicher, dass alle erforderlichen Verzeichnisse existieren
func ensureDirectories(cfg *Config) error {
	// Daten-Basisverzeichnis
	if cfg.Server.DataDir != "" {
		if err := os.MkdirAll(cfg.Server.DataDir, 0755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	// Log-Verzeichnis
	if cfg.Log.File != "" {
		logDir := filepath.Dir(cfg.Log.File)
		if err := os.MkdirAll(logDir, 0755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}
	}

	// Datenbank-Verzeichnis (für SQLite)
	if cfg.DB.File != "" {
		dbDir := filepath.Dir(cfg.DB.File)
		if err := os.MkdirAll(dbDir, 0755); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	return nil
}
