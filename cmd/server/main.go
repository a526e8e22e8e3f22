package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"avatar-pipeline/api/rest/handlers"
	"avatar-pipeline/api/rest/routes"
	"avatar-pipeline/config"
	"avatar-pipeline/core/monitoring"
	"avatar-pipeline/core/pipeline"
	"avatar-pipeline/core/progress"
	"avatar-pipeline/core/repository"
	"avatar-pipeline/core/resource_manager"
	"avatar-pipeline/providers/detector"
	"avatar-pipeline/providers/mixer"
	"avatar-pipeline/providers/render"
	"avatar-pipeline/providers/segmenter"
	"avatar-pipeline/providers/tts"
	"avatar-pipeline/storage"

	"github.com/gorilla/mux"
)

func main() {
	cfg := config.Load()

	// Persistence is optional; without a database the service runs in-memory
	var recorder pipeline.Recorder
	var archive handlers.Archive
	var taskRepo *repository.TaskRepository
	if cfg.DatabaseURL != "" {
		db, err := repository.NewDB(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer db.Close()
		log.Println("Database connected successfully")

		taskRepo = repository.NewTaskRepository(db)
		eventRepo := repository.NewEventRepository(db)
		rec := repository.NewRecorder(taskRepo, eventRepo)
		recorder = rec
		archive = rec
	} else {
		log.Println("No DATABASE_URL set, running without persistence")
	}

	// Initialize storage
	store, err := storage.NewManager(cfg.StorageRoot, nil)
	if err != nil {
		log.Fatalf("Failed to initialize storage: %v", err)
	}

	// Initialize GPU resource pool
	pool := resource_manager.NewGPUResourceManager(map[string]int{
		"detection":    cfg.DetectionSlots,
		"segmentation": cfg.SegmentationSlots,
	})

	// Initialize progress tracker
	tracker := progress.NewTracker(64, cfg.HeartbeatInterval, cfg.EventRetention)

	// Initialize stage adapters
	adapters := pipeline.Adapters{
		Detector:    detector.NewClient(cfg.DetectionURL, cfg.StageTimeout),
		Segmenter:   segmenter.NewClient(cfg.SegmentationURL, cfg.StageTimeout),
		Synthesizer: tts.NewClient(cfg.TTSURL, cfg.StageTimeout),
		Mixer:       mixer.NewClient(cfg.MixerURL, cfg.StageTimeout),
		Render:      render.NewClient(cfg.RenderURL, cfg.RenderAPIKey, cfg.StageTimeout),
	}

	metrics := monitoring.NewRegistry()

	svc := pipeline.NewService(pipeline.Config{
		StageTimeout:       cfg.StageTimeout,
		RenderPollInterval: cfg.RenderPollInterval,
		RenderBudget:       cfg.RenderBudget,
	}, adapters, pool, tracker, store, recorder, metrics)

	ctx, stop := context.WithCancel(context.Background())
	tracker.Start(ctx)

	// Periodic storage sweep
	go func() {
		ticker := time.NewTicker(cfg.StorageSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				freed, removed := store.Sweep()
				metrics.Counter("storage_bytes_freed").Add(freed)
				if removed > 0 {
					log.Printf("Storage sweep removed %d items, freed %d bytes", removed, freed)
				}
				if n := svc.Sweep(); n > 0 {
					log.Printf("Dropped %d terminal runs from memory", n)
				}
				if taskRepo != nil {
					pruned, err := taskRepo.PruneTasks(cfg.TaskRetention)
					if err != nil {
						log.Printf("Task prune failed: %v", err)
					} else if pruned > 0 {
						log.Printf("Pruned %d expired task records", pruned)
					}
				}
			}
		}
	}()

	// Setup routes
	r := mux.NewRouter()
	routes.SetupRoutes(r, svc, tracker, pool, store, metrics, archive)

	server := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: r,
	}

	go func() {
		log.Printf("Server starting on port %s", cfg.ServerPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	svc.Stop()
	tracker.Stop()
	stop()

	log.Println("Server stopped")
}
