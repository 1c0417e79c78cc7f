package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dreamware/shardplane/internal/coordinator"
	"github.com/dreamware/shardplane/internal/storage"
)

// config is the coordinator's YAML configuration file.
type config struct {
	Addr               string `yaml:"addr"`
	coordinator.Config `yaml:",inline"`
}

func defaultConfig() config {
	return config{Addr: ":8080", Config: coordinator.DefaultConfig()}
}

// loadConfig reads path over the defaults. An empty path yields the defaults.
func loadConfig(path string) (config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

func main() {
	cfg, err := loadConfig(os.Getenv("COORDINATOR_CONFIG"))
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	addr := getenv("COORDINATOR_ADDR", cfg.Addr)

	srv := newServer(cfg.Config)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv.coord.Start(ctx)

	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("coordinator listening on %s", addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	srv.coord.Stop()
	log.Println("coordinator stopped")
}

type server struct {
	coord *coordinator.Coordinator
}

func newServer(cfg coordinator.Config) *server {
	return &server{coord: coordinator.New(cfg, storage.NewMemoryStore())}
}

func (s *server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	// membership
	mux.HandleFunc("POST /register", s.handleRegister)
	mux.HandleFunc("GET /servers", s.handleListServers)
	mux.HandleFunc("POST /servers/{id}/{event}", s.handleServerEvent)

	// table configs
	mux.HandleFunc("GET /table_config", s.handleListConfigs)
	mux.HandleFunc("POST /table_config", s.handleCreateConfig)
	mux.HandleFunc("GET /table_config/{id}", s.handleGetConfig)
	mux.HandleFunc("PATCH /table_config/{id}", s.handlePatchConfig)
	mux.HandleFunc("PUT /table_config/{id}", s.handleReplaceConfig)
	mux.HandleFunc("DELETE /table_config/{id}", s.handleDeleteConfig)

	// derived views
	mux.HandleFunc("GET /table_status", s.handleListStatus)
	mux.HandleFunc("GET /table_status/{id}", s.handleGetStatus)
	mux.HandleFunc("GET /current_issues", s.handleIssues)

	// administrative operations
	mux.HandleFunc("POST /tables/{id}/reconfigure", s.handleReconfigure)
	mux.HandleFunc("POST /tables/{id}/rebalance", s.handleRebalance)
	mux.HandleFunc("POST /tables/{id}/distribution", s.handleDistribution)
	mux.HandleFunc("GET /tables/{id}/wait", s.handleWait)
	mux.HandleFunc("POST /backfill/{signal}", s.handleBackfill)

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
