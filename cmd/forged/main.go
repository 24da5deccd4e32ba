// Command forged is the forge control-plane daemon: it owns the Store,
// applies pending migrations at startup, and serves the RPC surface
// described in spec §4.5 over HTTP/WebSocket. Grounded on cmd/tarsy/main.go
// (flag parsing, godotenv.Load, gin.Default wiring, log.Printf/Fatalf for
// startup/fatal messages — the one place this repo uses the global logger
// instead of a component-scoped *slog.Logger, matching the teacher).
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/forgehq/forge/pkg/config"
	"github.com/forgehq/forge/pkg/daemon"
	"github.com/forgehq/forge/pkg/guard"
	"github.com/forgehq/forge/pkg/migrate"
	"github.com/forgehq/forge/pkg/runner"
	"github.com/forgehq/forge/pkg/store"
)

func main() {
	envFile := flag.String("env-file", getEnv("FORGE_ENV_FILE", ".env"), "Path to an optional .env file")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil {
		log.Printf("no .env file loaded from %s: %v", *envFile, err)
	} else {
		log.Printf("loaded environment from %s", *envFile)
	}

	cfg, err := config.LoadFromEnv()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("failed to create data dir %s: %v", cfg.DataDir, err)
	}

	log.Printf("starting forged")
	log.Printf("database path: %s", cfg.DatabasePath)
	log.Printf("data dir: %s", cfg.DataDir)
	log.Printf("http addr: %s", cfg.HTTPAddr)

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Printf("error closing store: %v", err)
		}
	}()

	ctx := context.Background()
	if _, err := migrate.Up(ctx, st.DB()); err != nil {
		log.Fatalf("failed to apply migrations: %v", err)
	}
	version, err := migrate.SchemaVersion(ctx, st.DB())
	if err != nil {
		log.Fatalf("failed to read schema version: %v", err)
	}
	log.Printf("schema at version %d", version)

	r := runner.New(st, cfg.DataDir)
	r.DefaultPoolName = cfg.DefaultPoolName
	r.OutputTailLines = cfg.OutputTailLines
	r.InterruptPollInterval = cfg.InterruptPollInterval
	if cfg.JudgeCommand != "" {
		r.Judge = guard.ShellJudge(cfg.JudgeCommand)
	}

	srv := daemon.NewServer(st, r)

	shutdownCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Start(cfg.HTTPAddr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			log.Fatalf("http server exited: %v", err)
		}
	case <-shutdownCtx.Done():
		log.Printf("shutting down")
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(stopCtx); err != nil {
			log.Printf("error during shutdown: %v", err)
		}
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
