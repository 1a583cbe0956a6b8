package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jfilter/timetiles-sub003/config"
	"github.com/jfilter/timetiles-sub003/services"

	"github.com/joho/godotenv"
)

func main() {
	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	logFile, _ := config.InitLogging()
	if logFile != nil {
		defer logFile.Close()
	}

	config.InitDB()
	if err := config.Migrate(config.DB); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}

	pipelineSettings := config.LoadPipelineSettings()
	geocodingSettings := config.LoadGeocodingSettings()

	queue := services.NewTaskQueueService(config.DB)
	notify := services.NewNotificationService(config.DB, os.Getenv("WEB_BASE_URL"))
	pipeline := services.NewPipelineService(config.DB, queue, notify, pipelineSettings)
	parser := services.NewSourceParserService(os.Getenv("UPLOAD_PATH"))
	geocoding := services.NewGeocodingService(config.DB, geocodingSettings)
	cache := services.NewLocationCacheService(config.DB, geocodingSettings.CacheTTL)
	runner := services.NewStageRunner(config.DB, pipeline, parser, geocoding, cache)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Printf("Worker starting (poll interval %s)", pipelineSettings.WorkerPollInterval)

	go maintenanceLoop(ctx, pipeline, queue, cache, pipelineSettings)

	poll := time.NewTicker(pipelineSettings.WorkerPollInterval)
	defer poll.Stop()

	for {
		task, err := queue.Claim(ctx)
		if err != nil {
			log.Printf("Failed to claim task: %v", err)
		}
		if task != nil {
			if err := runner.ProcessTask(ctx, task); err != nil {
				log.Printf("Task %s (%s) failed: %v", task.ID, task.TaskName, err)
				if qErr := queue.Fail(ctx, task.ID, err, false); qErr != nil {
					log.Printf("Failed to mark task %s failed: %v", task.ID, qErr)
				}
			} else if err := queue.Complete(ctx, task.ID); err != nil {
				log.Printf("Failed to complete task %s: %v", task.ID, err)
			}
			// Drain the queue without waiting for the next tick.
			continue
		}

		select {
		case <-ctx.Done():
			log.Println("Worker shutting down")
			return
		case <-poll.C:
		}
	}
}

// maintenanceLoop runs the periodic housekeeping. Stale task requeueing,
// automated retries, and stuck approval cleanup tick on MaintenanceInterval;
// the location cache TTL sweep has its own, much slower cadence.
func maintenanceLoop(ctx context.Context, pipeline *services.PipelineService, queue *services.TaskQueueService, cache *services.LocationCacheService, settings config.PipelineSettings) {
	maintenance := time.NewTicker(settings.MaintenanceInterval)
	defer maintenance.Stop()
	sweep := time.NewTicker(settings.CacheSweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sweep.C:
			if _, err := cache.CleanupExpired(); err != nil {
				log.Printf("Failed to sweep location cache: %v", err)
			}
			continue
		case <-maintenance.C:
		}

		if n, err := queue.RequeueStale(ctx, settings.TaskClaimTimeout); err != nil {
			log.Printf("Failed to requeue stale tasks: %v", err)
		} else if n > 0 {
			log.Printf("Requeued %d stale tasks", n)
		}

		if n, err := pipeline.ScheduleRetries(ctx); err != nil {
			log.Printf("Failed to schedule retries: %v", err)
		} else if n > 0 {
			log.Printf("Scheduled %d automated retries", n)
		}

		if n, err := pipeline.CleanupApprovalLocks(ctx); err != nil {
			log.Printf("Failed to clean up stale approvals: %v", err)
		} else if n > 0 {
			log.Printf("Failed %d jobs with stale approvals", n)
		}
	}
}
