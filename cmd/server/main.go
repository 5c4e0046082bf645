// server is the entitylink resolution server binary. It exposes the
// resolution session over HTTP: free-text relationship fields in, record ids
// (or pending choices) out.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"entitylink/internal/api"
	"entitylink/internal/config"
	"entitylink/internal/embeddings"
	"entitylink/internal/logging"
	"entitylink/internal/resolution"
	"entitylink/internal/schema"
	"entitylink/internal/storage"
)

func main() {
	var (
		addr       = flag.String("addr", "", "HTTP listen address (overrides config)")
		schemaPath = flag.String("schema", "", "record-type schema file (overrides config)")
	)
	flag.Parse()

	if err := run(*addr, *schemaPath); err != nil {
		fmt.Fprintf(os.Stderr, "server failed: %v\n", err)
		os.Exit(1)
	}
}

func run(addrOverride, schemaOverride string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if schemaOverride != "" {
		cfg.Store.SchemaFile = schemaOverride
	}

	logger := logging.NewLogger(logging.ParseLogLevel(cfg.Logging.Level))
	logging.SetDefaultLogger(logger)

	registry, err := schema.LoadFile(cfg.Store.SchemaFile)
	if err != nil {
		return fmt.Errorf("loading record schemas: %w", err)
	}
	logger.Info("record schemas loaded", "file", cfg.Store.SchemaFile, "types", len(registry.Names()))

	_, _, partial := cfg.Resolution.ForType("")
	store, err := openRecordStore(cfg, registry, partial, logger)
	if err != nil {
		return fmt.Errorf("opening record store: %w", err)
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			logger.Error("closing record store", "error", closeErr)
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	index, err := openSemanticIndex(ctx, cfg, logger)
	if err != nil {
		// The engine degrades to textual search without an index; a dead
		// vector backend should not keep the server from starting.
		logger.Warn("semantic index unavailable, continuing with textual search only", "error", err)
		index = nil
	}
	if index != nil {
		defer func() {
			if closeErr := index.Close(); closeErr != nil {
				logger.Error("closing semantic index", "error", closeErr)
			}
		}()
	}

	engine := resolution.NewEngine(store, index, registry, &cfg.Resolution, logger)
	session := resolution.NewSession(engine, logger)
	router := api.NewRouter(cfg, session, store, index, logger)

	listenAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	if addrOverride != "" {
		listenAddr = addrOverride
	}

	srv := &http.Server{
		Addr:         listenAddr,
		Handler:      router.Handler(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", listenAddr, "store", cfg.Store.Driver, "semantic_index", index != nil)
		if serveErr := srv.ListenAndServe(); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			errCh <- serveErr
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case serveErr := <-errCh:
		return serveErr
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}
	logger.Info("server stopped")
	return nil
}

func openRecordStore(cfg *config.Config, registry *schema.Registry, partialScore float64, logger logging.Logger) (storage.RecordStore, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		return storage.NewSQLiteRecordStore(cfg.Store.DSN, registry, partialScore, logger)
	case "postgres":
		return storage.NewPostgresRecordStore(cfg.Store.DSN, registry, partialScore, logger)
	case "memory":
		return storage.NewMemoryRecordStore(registry, partialScore), nil
	default:
		return nil, fmt.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

func openSemanticIndex(ctx context.Context, cfg *config.Config, logger logging.Logger) (storage.SemanticIndex, error) {
	if !cfg.Qdrant.Enabled {
		logger.Info("semantic index disabled")
		return nil, nil
	}

	embedder, err := embeddings.NewOpenAIService(&cfg.OpenAI)
	if err != nil {
		return nil, fmt.Errorf("creating embedding service: %w", err)
	}

	index := storage.NewQdrantSemanticIndex(&cfg.Qdrant, embedder, logger)
	if err := index.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("initializing qdrant collection: %w", err)
	}
	return index, nil
}
