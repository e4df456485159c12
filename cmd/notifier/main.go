package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"

	"classlink/internal/config"
	"classlink/internal/queue"
	"classlink/internal/store"
)

// Notifier consumes reconciler notices from the queue and surfaces them to
// staff. Today that means the log; hooking in mail or a chat webhook happens
// here without touching the API process.
func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	if cfg.QueueBackend != "redis" {
		log.Fatal("notifier needs QUEUE_BACKEND=redis; the in-memory queue lives inside the api process")
	}
	redisClient := store.NewRedis(cfg.RedisAddr)
	q := queue.NewRedisQueue(redisClient.Client, "")

	messages, err := q.Consume(ctx)
	if err != nil {
		log.Fatalf("queue consume init failed: %v", err)
	}

	log.Println("notifier started, waiting for messages...")
	for msg := range messages {
		if msg.Type != queue.TypeAutoMarked {
			continue
		}
		var notice queue.AutoMarkedNotice
		if err := json.Unmarshal(msg.Body, &notice); err != nil {
			log.Printf("bad notice payload: %v", err)
			continue
		}
		log.Printf("%s: %d students were automatically marked absent", notice.Date, notice.Count)
	}

	log.Println("notifier stopped")
}
