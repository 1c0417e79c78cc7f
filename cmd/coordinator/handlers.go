package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dreamware/shardplane/internal/cluster"
	"github.com/dreamware/shardplane/internal/coordinator"
	"github.com/dreamware/shardplane/internal/planner"
	"github.com/dreamware/shardplane/internal/table"
	"github.com/dreamware/shardplane/internal/tablestore"
)

const defaultWaitTimeout = 30 * time.Second

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// errorStatus maps domain errors to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, table.ErrInvalidConfig):
		return http.StatusBadRequest
	case errors.Is(err, planner.ErrInsufficientReplicas),
		errors.Is(err, planner.ErrNoPrimaryEligibleServer):
		return http.StatusUnprocessableEntity
	case errors.Is(err, tablestore.ErrConfigConflict),
		errors.Is(err, tablestore.ErrTableExists),
		errors.Is(err, cluster.ErrServerRemoved):
		return http.StatusConflict
	case errors.Is(err, coordinator.ErrTimeout):
		return http.StatusRequestTimeout
	case errors.Is(err, tablestore.ErrTableNotFound),
		errors.Is(err, cluster.ErrUnknownServer):
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	code := errorStatus(err)
	if code == http.StatusInternalServerError {
		log.Printf("[http] internal error: %v", err)
	}
	http.Error(w, err.Error(), code)
}

// expectedVersion reads the If-Match header. A missing header means "any".
func expectedVersion(r *http.Request) (uint64, error) {
	v := strings.Trim(r.Header.Get("If-Match"), `" `)
	if v == "" || v == "*" {
		return 0, nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: bad If-Match %q", table.ErrInvalidConfig, v)
	}
	return n, nil
}

func writeVersioned(w http.ResponseWriter, code int, v tablestore.Versioned) {
	w.Header().Set("ETag", strconv.Quote(strconv.FormatUint(v.Version, 10)))
	writeJSON(w, code, v)
}

func (s *server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req cluster.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if req.Node.ID == "" || req.Node.Addr == "" {
		http.Error(w, "missing id/addr", http.StatusBadRequest)
		return
	}
	if err := s.coord.Join(req.Node); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleListServers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Servers []cluster.Server `json:"servers"`
	}{Servers: s.coord.Servers()})
}

func (s *server) handleServerEvent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var err error
	switch r.PathValue("event") {
	case "reachable":
		err = s.coord.MarkReachable(id)
	case "unreachable":
		err = s.coord.MarkUnreachable(id)
	case "remove":
		err = s.coord.RemoveServer(id)
	default:
		http.NotFound(w, r)
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleListConfigs(w http.ResponseWriter, r *http.Request) {
	all, err := s.coord.TableConfigs()
	if err != nil {
		writeError(w, err)
		return
	}
	if all == nil {
		all = []tablestore.Versioned{}
	}
	writeJSON(w, http.StatusOK, struct {
		Tables []tablestore.Versioned `json:"tables"`
	}{Tables: all})
}

func (s *server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	v, err := s.coord.TableConfig(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeVersioned(w, http.StatusOK, v)
}

func (s *server) handleCreateConfig(w http.ResponseWriter, r *http.Request) {
	var cfg table.Config
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		http.Error(w, "bad json: "+err.Error(), http.StatusBadRequest)
		return
	}
	v, err := s.coord.CreateTable(&cfg)
	if err != nil {
		writeError(w, err)
		return
	}
	writeVersioned(w, http.StatusCreated, v)
}

func (s *server) handlePatchConfig(w http.ResponseWriter, r *http.Request) {
	expected, err := expectedVersion(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var patch map[string]any
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		http.Error(w, "bad json: "+err.Error(), http.StatusBadRequest)
		return
	}
	v, err := s.coord.PatchTable(r.PathValue("id"), expected, patch)
	if err != nil {
		writeError(w, err)
		return
	}
	writeVersioned(w, http.StatusOK, v)
}

func (s *server) handleReplaceConfig(w http.ResponseWriter, r *http.Request) {
	expected, err := expectedVersion(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var cfg table.Config
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		http.Error(w, "bad json: "+err.Error(), http.StatusBadRequest)
		return
	}
	v, err := s.coord.ReplaceTable(r.PathValue("id"), expected, &cfg)
	if err != nil {
		writeError(w, err)
		return
	}
	writeVersioned(w, http.StatusOK, v)
}

func (s *server) handleDeleteConfig(w http.ResponseWriter, r *http.Request) {
	expected, err := expectedVersion(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.coord.DeleteTable(r.PathValue("id"), expected); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleListStatus(w http.ResponseWriter, r *http.Request) {
	all, err := s.coord.TableStatuses()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tables": all})
}

func (s *server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.coord.TableStatus(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *server) handleIssues(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"issues": s.coord.CurrentIssues()})
}

func (s *server) handleReconfigure(w http.ResponseWriter, r *http.Request) {
	var req planner.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json: "+err.Error(), http.StatusBadRequest)
		return
	}
	v, err := s.coord.Reconfigure(r.PathValue("id"), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reconfigured": 1, "version": v.Version, "config": v.Config})
}

func (s *server) handleRebalance(w http.ResponseWriter, r *http.Request) {
	moved, err := s.coord.Rebalance(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	n := 0
	if moved {
		n = 1
	}
	writeJSON(w, http.StatusOK, map[string]int{"rebalanced": n})
}

func (s *server) handleDistribution(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Keys []string `json:"keys"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if err := s.coord.SetDistribution(r.PathValue("id"), req.Keys); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleWait(w http.ResponseWriter, r *http.Request) {
	level, err := coordinator.ParseWaitFor(r.URL.Query().Get("for"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	timeout := defaultWaitTimeout
	if t := r.URL.Query().Get("timeout"); t != "" {
		if timeout, err = time.ParseDuration(t); err != nil {
			http.Error(w, "bad timeout", http.StatusBadRequest)
			return
		}
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()
	if err := s.coord.Wait(ctx, r.PathValue("id"), level); err != nil {
		// a gone client is not a readiness timeout; nobody reads the answer
		if r.Context().Err() != nil {
			log.Printf("[http] wait on %s abandoned by client", r.PathValue("id"))
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"ready": 1})
}

type backfillSignal struct {
	Table  string `json:"table"`
	Shard  int    `json:"shard"`
	Server string `json:"server"`
}

func (s *server) handleBackfill(w http.ResponseWriter, r *http.Request) {
	var sig backfillSignal
	if err := json.NewDecoder(r.Body).Decode(&sig); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	var applied bool
	switch r.PathValue("signal") {
	case "caught_up":
		applied = s.coord.ReplicaCaughtUp(sig.Table, sig.Shard, sig.Server)
	case "lost_sync":
		applied = s.coord.ReplicaLostSync(sig.Table, sig.Shard, sig.Server)
	default:
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"applied": applied})
}
