package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/courier/chat-relay/internal/fanout"
	"github.com/courier/chat-relay/internal/handler"
	"github.com/courier/chat-relay/internal/journal"
	"github.com/courier/chat-relay/internal/metrics"
	"github.com/courier/chat-relay/internal/presence"
	"github.com/courier/chat-relay/internal/ratelimit"
	"github.com/courier/chat-relay/internal/relay"
	"github.com/courier/chat-relay/internal/ws"
)

func main() {
	config := ws.DefaultServerConfig()

	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		config.ListenAddr = addr
	}
	if v := os.Getenv("WORKER_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.WorkerPoolSize = n
		}
	}
	if v := os.Getenv("MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.MaxConnections = n
		}
	}
	if v := os.Getenv("READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.ReadTimeout = d
		}
	}
	if v := os.Getenv("WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.WriteTimeout = d
		}
	}

	metricsAddr := ":9090"
	if v := os.Getenv("METRICS_ADDR"); v != "" {
		metricsAddr = v
	}

	partitions := journal.DefaultPartitions
	if v := os.Getenv("LOG_PARTITIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			partitions = n
		}
	}

	// --- NATS (relay bus + durable log) ---
	relayConfig := relay.DefaultConfig()
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		relayConfig.URL = natsURL
	}
	relayClient, err := relay.Connect(relayConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	js, err := jetstream.New(relayClient.Conn())
	if err != nil {
		cancel()
		log.Fatalf("failed to create JetStream context: %v", err)
	}
	if err := journal.EnsureStream(ctx, js); err != nil {
		cancel()
		log.Fatalf("failed to ensure message log stream: %v", err)
	}
	cancel()
	appender := journal.NewAppender(js, partitions)

	// --- Redis (presence directory + rate limiting) ---
	redisAddr := "localhost:6379"
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		redisAddr = v
	}
	directory, err := presence.Open(redisAddr)
	if err != nil {
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	limiter := ratelimit.NewLimiter(directory.Client())

	log.Printf("Courier relay server starting")
	log.Printf("  listen_addr:     %s", config.ListenAddr)
	log.Printf("  metrics_addr:    %s", metricsAddr)
	log.Printf("  worker_pool:     %d", config.WorkerPoolSize)
	log.Printf("  max_connections: %d", config.MaxConnections)
	log.Printf("  read_timeout:    %s", config.ReadTimeout)
	log.Printf("  write_timeout:   %s", config.WriteTimeout)
	log.Printf("  nats_url:        %s", relayConfig.URL)
	log.Printf("  redis_addr:      %s", redisAddr)
	log.Printf("  log_partitions:  %d", partitions)

	// --- connection handler + fanout ---
	dispatcher := ws.NewMessageDispatcher(nil)
	server := ws.NewServer(config, dispatcher.Dispatch)
	dispatcher.SetServer(server)

	h := handler.New(directory, relayClient, appender, limiter, nil)
	h.Register(dispatcher)
	server.SetOnDisconnect(h.OnDisconnect)

	dispatcherFanout := fanout.New(directory, server)
	if err := relayClient.Start(dispatcherFanout); err != nil {
		log.Fatalf("failed to subscribe to relay subjects: %v", err)
	}

	// --- metrics ---
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		if err := http.ListenAndServe(metricsAddr, mux); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server error: %v", err)
		}
	}()

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		relayClient.Close()
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		if err := directory.Close(); err != nil {
			log.Printf("presence directory close error: %v", err)
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
