// Package main implements the server agent: the process that runs next to a
// data server, announces it to the coordinator and answers its health probes.
//
// The agent owns no table data. It exists so the coordinator's membership
// service learns about the server (id, name, tags and address) and can probe
// it afterwards.
//
// Architecture:
//
//	┌─────────────────────────────────────────┐
//	│                 Agent                   │
//	├─────────────────────────────────────────┤
//	│  HTTP API:                              │
//	│    /health       - Health probe target  │
//	│    /info         - Agent information    │
//	├─────────────────────────────────────────┤
//	│  Coordinator link:                      │
//	│    register      - POST /register       │
//	│    refresh       - GET  /servers        │
//	└─────────────────────────────────────────┘
//
// Configuration:
//   - NODE_ID: Unique server identifier (required)
//   - NODE_NAME: Human readable name (default: NODE_ID)
//   - NODE_TAGS: Comma separated server tags (default: none)
//   - NODE_LISTEN: Listen address (default: ":8081")
//   - NODE_ADDR: Public address for coordinator (default: "http://127.0.0.1:8081")
//   - NODE_REFRESH: How often to check membership (default: "10s")
//   - COORDINATOR_ADDR: Coordinator URL (required)
//
// Example usage:
//
//	NODE_ID=s1 \
//	NODE_TAGS=east,ssd \
//	NODE_LISTEN=:8081 \
//	NODE_ADDR=http://localhost:8081 \
//	COORDINATOR_ADDR=http://localhost:8080 \
//	./node
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/exp/slices"

	"github.com/dreamware/shardplane/internal/cluster"
)

// logFatal is a variable to allow mocking log.Fatal in tests.
var logFatal = log.Fatalf

// registerAttempts and registerBackoff bound the startup registration loop.
var (
	registerAttempts = 10
	registerBackoff  = 400 * time.Millisecond
)

// errNotListed means the coordinator does not know this server.
var errNotListed = errors.New("server not listed by coordinator")

// Agent announces one server to the coordinator and tracks how the
// coordinator currently sees it. Safe for concurrent use.
type Agent struct {
	started time.Time
	coord   string
	info    cluster.NodeInfo
	status  cluster.ServerStatus
	mu      sync.RWMutex
}

// NewAgent creates an agent for info that talks to the coordinator at coord.
func NewAgent(info cluster.NodeInfo, coord string) *Agent {
	if info.Name == "" {
		info.Name = info.ID
	}
	return &Agent{info: info, coord: strings.TrimRight(coord, "/"), started: time.Now()}
}

// Status returns the membership status last reported by the coordinator,
// or "" before the first successful refresh.
func (a *Agent) Status() cluster.ServerStatus {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.status
}

func (a *Agent) setStatus(s cluster.ServerStatus) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.status = s
}

// Register announces the server, retrying while the coordinator is not up
// yet. It returns the last error once every attempt failed.
func (a *Agent) Register(ctx context.Context) error {
	body := cluster.RegisterRequest{Node: a.info}
	var lastErr error
	for i := 0; i < registerAttempts; i++ {
		lastErr = cluster.PostJSON(ctx, a.coord+"/register", body, nil)
		if lastErr == nil {
			log.Printf("node[%s] registered with coordinator @ %s", a.info.ID, a.coord)
			return nil
		}
		log.Printf("node[%s] register retry %d: %v", a.info.ID, i+1, lastErr)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(registerBackoff):
		}
	}
	return fmt.Errorf("register %s: %w", a.info.ID, lastErr)
}

// Refresh asks the coordinator how it sees this server. A coordinator that
// lost its in-memory membership gets the server announced again.
func (a *Agent) Refresh(ctx context.Context) error {
	var out struct {
		Servers []cluster.Server `json:"servers"`
	}
	if err := cluster.GetJSON(ctx, a.coord+"/servers", &out); err != nil {
		return err
	}
	i := slices.IndexFunc(out.Servers, func(s cluster.Server) bool { return s.ID == a.info.ID })
	if i < 0 {
		a.setStatus("")
		log.Printf("node[%s] not listed by coordinator, registering again", a.info.ID)
		if err := cluster.PostJSON(ctx, a.coord+"/register", cluster.RegisterRequest{Node: a.info}, nil); err != nil {
			return fmt.Errorf("%w: %v", errNotListed, err)
		}
		return nil
	}
	prev := a.Status()
	cur := out.Servers[i].Status
	if prev != cur {
		log.Printf("node[%s] coordinator reports %s", a.info.ID, cur)
	}
	a.setStatus(cur)
	return nil
}

// Run refreshes membership every interval until ctx ends or the server is
// permanently removed, which is final.
func (a *Agent) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := a.Refresh(ctx); err != nil {
			log.Printf("node[%s] refresh: %v", a.info.ID, err)
			continue
		}
		if a.Status() == cluster.StatusPermanentlyRemoved {
			log.Printf("node[%s] permanently removed; no longer refreshing", a.info.ID)
			return
		}
	}
}

func (a *Agent) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /info", a.handleInfo)
	return mux
}

// handleInfo reports the announced identity and the coordinator's view.
//
// Endpoint: GET /info
//
// Response body:
//
//	{
//	  "node": {"id": "s1", "name": "s1", "addr": "http://s1:8081", "tags": ["east"]},
//	  "status": "reachable",
//	  "uptime": "1m30s"
//	}
func (a *Agent) handleInfo(w http.ResponseWriter, _ *http.Request) {
	resp := struct {
		Node   cluster.NodeInfo     `json:"node"`
		Status cluster.ServerStatus `json:"status"`
		Uptime string               `json:"uptime"`
	}{
		Node:   a.info,
		Status: a.Status(),
		Uptime: time.Since(a.started).Round(time.Second).String(),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func main() {
	info := cluster.NodeInfo{
		ID:   mustGetenv("NODE_ID"),
		Name: os.Getenv("NODE_NAME"),
		Addr: getenv("NODE_ADDR", "http://127.0.0.1:8081"),
		Tags: parseTags(os.Getenv("NODE_TAGS")),
	}
	listen := getenv("NODE_LISTEN", ":8081")
	coord := mustGetenv("COORDINATOR_ADDR")
	refresh, err := time.ParseDuration(getenv("NODE_REFRESH", "10s"))
	if err != nil || refresh <= 0 {
		logFatal("bad NODE_REFRESH: %q", os.Getenv("NODE_REFRESH"))
		return
	}

	agent := NewAgent(info, coord)
	s := &http.Server{
		Addr:              listen,
		Handler:           agent.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("node[%s] listening on %s (public %s)", info.ID, listen, info.Addr)
		if err := s.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logFatal("listen: %v", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := agent.Register(ctx); err != nil {
		logFatal("failed to register with coordinator: %v", err)
	}
	go agent.Run(ctx, refresh)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		log.Printf("server shutdown error: %v", err)
	}
	log.Println("node stopped")
}

// parseTags splits a comma separated tag list, dropping blanks and repeats.
func parseTags(s string) []string {
	var out []string
	for _, tag := range strings.Split(s, ",") {
		tag = strings.TrimSpace(tag)
		if tag != "" && !slices.Contains(out, tag) {
			out = append(out, tag)
		}
	}
	return out
}

// getenv returns the environment variable k, or def when it is unset or empty.
func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

// mustGetenv returns the environment variable k and terminates the program
// when it is unset or empty.
func mustGetenv(k string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	logFatal("missing env %s", k)
	return ""
}
