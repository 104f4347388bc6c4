package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"facecluster-go/config"
	"facecluster-go/internal/api/handlers"
	"facecluster-go/internal/cache"
	"facecluster-go/internal/core/clustering"
	"facecluster-go/internal/core/pipeline"
	"facecluster-go/internal/db"
	"facecluster-go/internal/db/repository"
	"facecluster-go/internal/enhance"
	"facecluster-go/internal/integrations/mqtt"
	"facecluster-go/internal/integrations/vision"
	"facecluster-go/internal/logger"
	"facecluster-go/internal/server/sse"
	"facecluster-go/internal/storage"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

func main() {
	configPath := flag.String("config", "/config/config.yaml", "Pfad zur Konfigurationsdatei")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize logger
	if err := logger.Init(cfg.Log); err != nil {
		log.Errorf("Failed to initialize logger completely: %v", err)
	}

	// Initialize database connection
	log.Info("Initializing database...")
	gdb, err := db.Open(cfg.DB)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	repo := repository.NewGormRepository(gdb)

	// Object storage (MinIO)
	store, err := storage.NewMinIOStore(context.Background(), cfg.Storage)
	if err != nil {
		log.Fatalf("Failed to initialize object storage: %v", err)
	}

	// Vision service client
	visionClient := vision.NewClient(cfg.Vision)

	// Face enhancement and clustering engine
	enhancer := enhance.NewEnhancer(cfg.Enhance)
	engine := clustering.NewEngine(visionClient, clustering.Options{
		Threshold:       cfg.Clustering.SimilarityThreshold,
		MergePassDelta:  cfg.Clustering.MergePassDelta,
		MaxResults:      cfg.Clustering.MaxResults,
		MergeSampleSize: cfg.Clustering.MergeSampleSize,
		BatchSize:       cfg.Clustering.BatchSize,
		BatchDelay:      cfg.Clustering.BatchDelay(),
	})

	// In-Memory-Cache
	cacheStore := cache.New(cfg.Cache.Enabled, time.Duration(cfg.Cache.TTLMinutes)*time.Minute)

	// SSE-Hub für Echtzeit-Updates
	sseHub := sse.NewHub()
	go sseHub.Run()

	// Pipeline-Orchestrator
	orchestrator := pipeline.NewOrchestrator(cfg, repo, visionClient, enhancer, engine, store, cacheStore)
	orchestrator.AddNotifier(sseHub)

	// MQTT-Client, falls aktiviert
	if cfg.MQTT.Enabled {
		mqttClient := mqtt.NewClient(cfg.MQTT)
		if err := mqttClient.Start(); err != nil {
			log.Warnf("Failed to start MQTT client: %v. Continuing without MQTT.", err)
		} else {
			orchestrator.AddNotifier(mqttClient)
			defer mqttClient.Stop()
		}
	} else {
		log.Info("MQTT is disabled in config.")
	}

	if err := orchestrator.Start(); err != nil {
		log.Fatalf("Failed to start pipeline: %v", err)
	}

	// --- Router und Handler ---
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.Default())

	api := router.Group("/api")
	handlers.NewCollectionHandler(repo, store).RegisterRoutes(api)
	handlers.NewJobHandler(orchestrator).RegisterRoutes(api)
	handlers.NewClusterHandler(repo, cacheStore, sseHub).RegisterRoutes(api)
	handlers.NewSystemHandler(repo, sseHub).RegisterRoutes(api)

	serverAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:    serverAddr,
		Handler: router,
	}

	// Server starten und auf Shutdown-Signal warten
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Infof("Starting server on %s", serverAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	<-ctx.Done()
	log.Info("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorf("Server shutdown failed: %v", err)
	}

	// Pipeline anhalten; laufende Jobs werden zurückgestellt und beim
	// nächsten Start fortgesetzt
	orchestrator.Stop()

	log.Info("Server stopped.")
}
