// Package main is the entry point for the logutil access-log analyzer.
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/akarpov/logutil/internal/api"
	"github.com/akarpov/logutil/internal/config"
	"github.com/akarpov/logutil/internal/parser"
	"github.com/akarpov/logutil/internal/signatures"
	"github.com/akarpov/logutil/internal/store"
	"github.com/akarpov/logutil/internal/tailer"
)

func main() {
	log.Println("Starting logutil...")

	cfgPath := getEnv("LOGUTIL_CONFIG", "./logutil.yaml")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("Configuration error: %v", err)
	}

	// Diagnostics go to a side file so stdout stays usable.
	diag, closeDiag, err := openDiagLogger(cfg.DiagLog)
	if err != nil {
		log.Fatalf("Error opening diagnostic log: %v", err)
	}
	defer closeDiag()

	lineParser, err := parser.New(cfg.Pattern, cfg.DateFormat)
	if err != nil {
		log.Fatalf("Invalid line pattern: %v", err)
	}

	sigs := signatures.Default()
	if cfg.SignaturesFile != "" {
		sigs, err = signatures.Load(cfg.SignaturesFile)
		if err != nil {
			log.Fatalf("Error loading signatures: %v", err)
		}
		log.Printf("Loaded signatures from %s", cfg.SignaturesFile)
	}

	db := store.New(cfg.MaxRecords, sigs)

	t := tailer.New(tailer.Config{
		Path:  cfg.File,
		Mode:  cfg.TailMode(),
		LastN: cfg.LastN,
		Progress: func(pct float64) {
			log.Printf("Backfill: %.1f%%", pct)
		},
	}, lineParser, db, diag)

	initCtx, cancelInit := context.WithCancel(context.Background())
	defer cancelInit()

	log.Printf("Reading %s (mode: %s)", cfg.File, cfg.Mode)
	if err := t.Init(initCtx); err != nil {
		log.Fatalf("Error initializing tailer: %v", err)
	}
	log.Printf("Initialized at line %d, %d records stored", t.Cursor(), db.Len())

	apiServer := api.NewServer(cfg.APIAddr, db, cfg.ExportDir)

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	errChan := make(chan error, 1)

	go t.Run(runCtx, cfg.PollInterval)

	go func() {
		log.Printf("Starting REST API server on %s", cfg.APIAddr)
		if err := apiServer.Start(); err != nil {
			errChan <- fmt.Errorf("API server error: %w", err)
		}
	}()

	log.Println("API endpoints:")
	log.Printf("  - Stats: http://%s/api/v1/stats", cfg.APIAddr)
	log.Printf("  - Top IPs: http://%s/api/v1/top/ips", cfg.APIAddr)
	log.Printf("  - Security: http://%s/api/v1/security/suspicious-ips", cfg.APIAddr)
	log.Printf("  - Health: http://%s/api/v1/health", cfg.APIAddr)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		log.Fatalf("Server error: %v", err)
	case sig := <-sigChan:
		log.Printf("Received signal: %v, shutting down...", sig)
	}

	cancelRun()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("Error shutting down API server: %v", err)
	}

	log.Println("Shutdown complete")
}

// openDiagLogger opens the diagnostic slog file. An empty path discards
// diagnostics.
func openDiagLogger(path string) (*slog.Logger, func(), error) {
	if path == "" {
		return slog.New(slog.NewTextHandler(io.Discard, nil)), func() {}, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, err
	}
	logger := slog.New(slog.NewTextHandler(f, &slog.HandlerOptions{Level: slog.LevelInfo}))
	return logger, func() { f.Close() }, nil
}

// getEnv gets an environment variable with a default fallback.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
