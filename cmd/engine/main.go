// Command engine wires the encryption engine's components into a
// single long-lived process exposing only the ambient /health and
// /metrics endpoints — message transport and user-facing APIs are the
// messaging layer's job (spec.md §1 Non-goals), not this binary's.
//
// Grounded on the teacher's cmd/chatserver/main.go: config.Load(),
// connect-then-defer-Close() on every external store, an HTTP server
// with Slowloris-resistant timeouts, and a SIGINT/SIGTERM graceful
// shutdown sequence.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/NicholasAntoniadesEngineer/e2ee-engine/internal/backup"
	"github.com/NicholasAntoniadesEngineer/e2ee-engine/internal/config"
	"github.com/NicholasAntoniadesEngineer/e2ee-engine/internal/countersync"
	ekcrypto "github.com/NicholasAntoniadesEngineer/e2ee-engine/internal/crypto"
	"github.com/NicholasAntoniadesEngineer/e2ee-engine/internal/facade"
	"github.com/NicholasAntoniadesEngineer/e2ee-engine/internal/historicalkeys"
	"github.com/NicholasAntoniadesEngineer/e2ee-engine/internal/keymanager"
	"github.com/NicholasAntoniadesEngineer/e2ee-engine/internal/localstore"
	"github.com/NicholasAntoniadesEngineer/e2ee-engine/internal/metrics"
	"github.com/NicholasAntoniadesEngineer/e2ee-engine/internal/remotestore"
)

func main() {
	cfg := config.Load()

	log.Printf("starting encryption engine")

	local, err := localstore.Open(cfg.LocalStorePath)
	if err != nil {
		log.Fatalf("failed to open local store: %v", err)
	}
	defer func() {
		if err := local.Close(); err != nil {
			log.Printf("warning: failed to close local store: %v", err)
		}
	}()

	remote, err := remotestore.Open(cfg.RemoteDSN)
	if err != nil {
		log.Fatalf("failed to connect to remote store: %v", err)
	}
	defer func() {
		if err := remote.Close(); err != nil {
			log.Printf("warning: failed to close remote store: %v", err)
		}
	}()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisURL})
	defer func() {
		if err := redisClient.Close(); err != nil {
			log.Printf("warning: failed to close redis: %v", err)
		}
	}()
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("failed to reach redis: %v", err)
	}

	history := historicalkeys.New(local, remote)
	backups := backup.New(remote, cfg.PBKDF2Iterations, cfg.Pepper)
	counterQueue := countersync.New(redisClient, "session_counter_sync")

	mgr := keymanager.New(local, remote, history, backups, remote, counterQueue, keymanager.Config{
		HKDFInfoPrefix: cfg.HKDFInfoPrefix,
		SafetyNumber: ekcrypto.SafetyNumberConfig{
			Groups:         cfg.SafetyNumberGroups,
			DigitsPerGroup: cfg.SafetyNumberDigitsPerGroup,
		},
		RotationInterval:    cfg.RotationInterval,
		RotationMinInterval: cfg.RotationMinInterval,
		RotationMaxInterval: cfg.RotationMaxInterval,
		RotationLockTTL:     cfg.RotationLockTTL,
	})
	// A real deployment hands callers the Facade wrapping this Manager
	// per active user session; this process only needs the dependency
	// graph above to prove every store and queue is reachable, and to
	// serve the ambient endpoints below.
	_ = facade.New(mgr)

	consumerCtx, stopConsumer := context.WithCancel(context.Background())
	defer stopConsumer()
	go counterQueue.StartConsumer(consumerCtx, "counter-sync-writers", "engine-"+getEnv("HOSTNAME", "local"), func(ctx context.Context, ev countersync.Event) error {
		return remote.UpdateSessionKeyBackupCounter(ctx, ev.UserID, ev.ConversationID, ev.Epoch, ev.Counter)
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", metrics.Handler())

	server := &http.Server{
		Addr:              ":" + getEnv("ENGINE_PORT", "8090"),
		Handler:           mux,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("engine listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Printf("received signal %v, starting graceful shutdown", sig)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("warning: server shutdown error: %v", err)
	}
	log.Println("engine stopped gracefully")
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
