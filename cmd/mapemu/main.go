// Command mapemu serves an in-memory map over the websocket bridge so the
// sidebar can run without a real map.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mohammed-shakir/map-sidebar/internal/core/health"
	middleware "github.com/mohammed-shakir/map-sidebar/internal/core/middleware"
	"github.com/mohammed-shakir/map-sidebar/internal/core/model"
	"github.com/mohammed-shakir/map-sidebar/internal/logger"
	"github.com/mohammed-shakir/map-sidebar/internal/mapservice/memory"
	"github.com/mohammed-shakir/map-sidebar/internal/mapservice/wsbridge"
)

func main() {
	os.Exit(run())
}

func run() int {
	addr := flag.String("addr", ":8091", "listen address")
	seedFile := flag.String("seed", os.Getenv("MAP_SEED_FILE"), "YAML seed file (default: built-in demo map)")
	flag.Parse()

	zl := logger.Build(logger.Config{
		Level:     os.Getenv("LOG_LEVEL"),
		Console:   strings.ToLower(os.Getenv("LOG_CONSOLE")) == "true",
		Component: "mapemu",
	}, os.Stdout)
	log := logger.NewSlog(&zl)

	seed := memory.DefaultSeed()
	if *seedFile != "" {
		s, err := memory.LoadSeed(*seedFile)
		if err != nil {
			log.Error("load seed", "err", err)
			return 1
		}
		seed = s
	}
	svc, err := memory.New(seed, log)
	if err != nil {
		log.Error("build map", "err", err)
		return 1
	}

	r := chi.NewRouter()
	r.Use(middleware.Recover())
	r.Use(middleware.Logging(log))
	r.Get("/healthz", health.Liveness())
	r.Handle("/ws", wsbridge.Handler(svc, log))
	// Admin endpoints change the map the way a user of the map would.
	r.Put("/admin/layers", upsert(svc.UpsertLayer))
	r.Put("/admin/groups", upsert(svc.UpsertGroup))
	r.Put("/admin/viewport", upsert(svc.MoveViewport))
	r.Delete("/admin/layers/{id}", remove(svc.RemoveLayer))
	r.Delete("/admin/groups/{id}", remove(svc.RemoveGroup))
	r.Get("/admin/tables", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(svc.DataTables())
	})

	srv := &http.Server{
		Addr:              *addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info("map emulator listening", "addr", *addr, "map_id", seed.MapID, "layers", len(seed.Layers))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return 0
	case err := <-errCh:
		log.Error("server exited with error", "err", err)
		return 1
	}
}

func upsert[T model.Layer | model.Group | model.Viewport](apply func(T)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var v T
		if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		apply(v)
		w.WriteHeader(http.StatusNoContent)
	}
}

func remove(apply func(string) bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !apply(chi.URLParam(r, "id")) {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
