package main

import (
	"context"
	"flag"
	"log"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/quaylabs/go-quay/v1/backend"
	"github.com/quaylabs/go-quay/v1/jobqueue"
)

func splitHostPort(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, err
	}
	return host, port, nil
}

var (
	jobs        = flag.Int("n", 10000, "Total number of jobs")
	concurrency = flag.Int("c", 16, "Processor concurrency")
	poll        = flag.Duration("poll", 20*time.Millisecond, "Polling interval")
	queueType   = flag.String("backend", "local", "Backend: local or redis")
	redisAddr   = flag.String("redis", "localhost:6379", "Redis host:port when -backend=redis")
	localPath   = flag.String("path", "", "Queue directory when -backend=local (default temp-like ./bench-queue)")
)

func main() {
	flag.Parse()

	cfg := backend.Config{
		QueueType:    backend.Type(*queueType),
		PollInterval: *poll,
	}
	switch cfg.QueueType {
	case backend.Local:
		cfg.LocalPath = *localPath
		if cfg.LocalPath == "" {
			cfg.LocalPath = "bench-queue"
		}
	case backend.Redis:
		host, port, err := splitHostPort(*redisAddr)
		if err != nil {
			log.Fatal(err)
		}
		cfg.RedisHost, cfg.RedisPort = host, port
	}

	b, err := backend.Open(cfg)
	if err != nil {
		log.Fatal(err)
	}
	ctx := context.Background()
	defer b.Close(ctx)

	log.Printf("Starting benchmark: %d jobs, concurrency %d, backend %s", *jobs, *concurrency, cfg.QueueType)

	var done atomic.Int64
	finished := make(chan struct{})
	err = b.Jobs.Process("bench", func(ctx context.Context, job *jobqueue.Job) error {
		if done.Add(1) == int64(*jobs) {
			close(finished)
		}
		return nil
	}, jobqueue.ProcessOptions{Concurrency: *concurrency})
	if err != nil {
		log.Fatal(err)
	}

	start := time.Now()
	for i := 0; i < *jobs; i++ {
		if _, err := b.Jobs.Add(ctx, "bench", map[string]int{"i": i}, nil); err != nil {
			log.Fatalf("enqueue %d: %v", i, err)
		}
	}
	enqueued := time.Since(start)
	log.Printf("Enqueued %d jobs in %v (%.2f jobs/s)", *jobs, enqueued, float64(*jobs)/enqueued.Seconds())

	<-finished
	elapsed := time.Since(start)
	log.Printf("Processed %d jobs in %v (%.2f jobs/s)", *jobs, elapsed, float64(*jobs)/elapsed.Seconds())

	stats, err := b.Jobs.Stats(ctx, "bench")
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("Final stats: %+v", stats)
}
