package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/eleven-am/call-orchestrator/internal/shared"
	"github.com/eleven-am/call-orchestrator/internal/worker"
	"github.com/redis/go-redis/v9"
)

// Simulated media worker: announces itself on the fleet channel until
// interrupted. Useful for local development and load testing the registry.
func main() {
	var (
		workerID = flag.String("id", "", "worker id (generated when empty)")
		capacity = flag.Int("capacity", 4, "max concurrent sessions")
		load     = flag.Int("load", 0, "reported current load")
		region   = flag.String("region", "", "worker region label")
		interval = flag.Duration("interval", 10*time.Second, "heartbeat interval")
	)
	flag.Parse()

	if *workerID == "" {
		*workerID = shared.NewID("worker_")
	}

	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: os.Getenv("REDIS_PASSWORD"),
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hb := worker.Heartbeat{
		WorkerID:    *workerID,
		Status:      worker.StatusAvailable,
		Load:        *load,
		MaxCapacity: *capacity,
		Region:      *region,
	}

	if err := worker.PublishHeartbeat(ctx, client, hb); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to publish heartbeat: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Worker %s heartbeating every %s (capacity %d)\n", *workerID, *interval, *capacity)

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			fmt.Println("Worker shutting down")
			return
		case <-ticker.C:
			if err := worker.PublishHeartbeat(ctx, client, hb); err != nil {
				fmt.Fprintf(os.Stderr, "Failed to publish heartbeat: %v\n", err)
			}
		}
	}
}
