package coordinator

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dreamware/shardplane/internal/cluster"
)

const (
	healthUnknown   = "unknown"
	healthHealthy   = "healthy"
	healthUnhealthy = "unhealthy"
)

// ServerHealth tracks probe results for a single server.
// Thread-safe: Protected by HealthMonitor's mutex when accessed.
type ServerHealth struct {
	LastCheck        time.Time `json:"last_check"`   // Timestamp of the last probe
	LastHealthy      time.Time `json:"last_healthy"` // Timestamp of the last successful probe
	ServerID         string    `json:"server_id"`
	Status           string    `json:"status"` // "healthy", "unhealthy" or "unknown"
	ConsecutiveFails int       `json:"consecutive_fails"`
}

// HealthMonitor periodically probes every registered server's /health
// endpoint and reports transitions through callbacks. It only observes;
// turning a failed probe into a membership event is the callback's job.
// Thread-safe: All methods are safe for concurrent access.
type HealthMonitor struct {
	servers     map[string]*ServerHealth
	httpClient  *http.Client
	checkFunc   func(addr string) error
	onUnhealthy func(serverID string)
	onHealthy   func(serverID string)
	ctx         context.Context
	cancel      context.CancelFunc
	interval    time.Duration
	mu          sync.RWMutex
	wg          sync.WaitGroup
	maxFailures int
}

// NewHealthMonitor creates a monitor that probes every interval and marks a
// server unhealthy after maxFailures consecutive failed probes.
//
// Parameters:
//   - interval: Time between probe rounds (e.g., 5*time.Second)
//   - maxFailures: Consecutive failures before the unhealthy callback fires;
//     values below 1 are treated as 1
//
// Returns:
//   - A monitor with no callbacks set; probing starts with Start
//
// Example:
//
//	monitor := NewHealthMonitor(5*time.Second, 3)
//	monitor.SetOnUnhealthy(func(id string) { state.MarkUnreachable(id) })
//	go monitor.Start(ctx, state.Servers)
func NewHealthMonitor(interval time.Duration, maxFailures int) *HealthMonitor {
	ctx, cancel := context.WithCancel(context.Background())
	if maxFailures < 1 {
		maxFailures = 1
	}
	return &HealthMonitor{
		interval:    interval,
		maxFailures: maxFailures,
		servers:     make(map[string]*ServerHealth),
		httpClient: &http.Client{
			Timeout: 2 * time.Second,
		},
		ctx:    ctx,
		cancel: cancel,
	}
}

// SetOnUnhealthy sets the callback invoked when a server crosses the failure
// threshold. It runs on its own goroutine.
func (h *HealthMonitor) SetOnUnhealthy(callback func(serverID string)) {
	h.onUnhealthy = callback
}

// SetOnHealthy sets the callback invoked when a server that was not known to
// be healthy answers a probe. It runs on its own goroutine.
func (h *HealthMonitor) SetOnHealthy(callback func(serverID string)) {
	h.onHealthy = callback
}

// SetCheckFunction overrides the default HTTP probe. Useful for tests.
func (h *HealthMonitor) SetCheckFunction(checkFunc func(addr string) error) {
	h.checkFunc = checkFunc
}

// Start probes the servers returned by provider until ctx is canceled or
// Stop is called. Permanently removed servers and servers without an address
// are skipped. Blocks.
func (h *HealthMonitor) Start(ctx context.Context, provider func() []cluster.Server) {
	h.wg.Add(1)
	defer h.wg.Done()

	if ctx == nil {
		ctx = h.ctx
	}
	if h.checkFunc == nil {
		h.checkFunc = h.defaultHealthCheck
	}

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	log.Printf("[health] monitor started with interval %v", h.interval)

	h.checkAll(provider())

	for {
		select {
		case <-ticker.C:
			h.checkAll(provider())
		case <-ctx.Done():
			log.Println("[health] monitor stopping: context canceled")
			return
		case <-h.ctx.Done():
			log.Println("[health] monitor stopping")
			return
		}
	}
}

// Stop cancels the probe loop and waits for it to exit.
func (h *HealthMonitor) Stop() {
	h.cancel()
	h.wg.Wait()
}

func (h *HealthMonitor) checkAll(servers []cluster.Server) {
	current := make(map[string]bool)

	for _, srv := range servers {
		if srv.Status == cluster.StatusPermanentlyRemoved || srv.Addr == "" {
			continue
		}
		current[srv.ID] = true
		h.checkServer(srv)
	}

	h.mu.Lock()
	for id := range h.servers {
		if !current[id] {
			delete(h.servers, id)
			log.Printf("[health] stopped probing %s", id)
		}
	}
	h.mu.Unlock()
}

func (h *HealthMonitor) checkServer(srv cluster.Server) {
	h.mu.Lock()
	health, exists := h.servers[srv.ID]
	if !exists {
		health = &ServerHealth{
			ServerID: srv.ID,
			Status:   healthUnknown,
		}
		h.servers[srv.ID] = health
	}
	h.mu.Unlock()

	err := h.checkFunc(srv.Addr)

	h.mu.Lock()
	defer h.mu.Unlock()

	health.LastCheck = time.Now()

	if err != nil {
		health.ConsecutiveFails++
		log.Printf("[health] probe of %s failed (%d/%d): %v",
			srv.ID, health.ConsecutiveFails, h.maxFailures, err)

		if health.ConsecutiveFails >= h.maxFailures && health.Status != healthUnhealthy {
			health.Status = healthUnhealthy
			log.Printf("[health] %s marked unhealthy after %d failures", srv.ID, health.ConsecutiveFails)
			if h.onUnhealthy != nil {
				go h.onUnhealthy(srv.ID)
			}
		}
		return
	}

	previous := health.Status
	health.Status = healthHealthy
	health.ConsecutiveFails = 0
	health.LastHealthy = health.LastCheck
	if previous != healthHealthy {
		if previous == healthUnhealthy {
			log.Printf("[health] %s recovered", srv.ID)
		}
		if h.onHealthy != nil {
			go h.onHealthy(srv.ID)
		}
	}
}

// defaultHealthCheck performs an HTTP GET against the server's /health endpoint.
func (h *HealthMonitor) defaultHealthCheck(addr string) error {
	url := addr
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		url = fmt.Sprintf("http://%s", addr)
	}
	if !strings.HasSuffix(url, "/health") {
		url = strings.TrimRight(url, "/") + "/health"
	}

	resp, err := h.httpClient.Get(url)
	if err != nil {
		return fmt.Errorf("health check request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}

// ServerHealth returns a copy of one server's probe record, or nil if the
// server is not being probed.
func (h *HealthMonitor) ServerHealth(id string) *ServerHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	health, exists := h.servers[id]
	if !exists {
		return nil
	}
	cp := *health
	return &cp
}

// AllServerHealth returns copies of every probe record keyed by server id.
func (h *HealthMonitor) AllServerHealth() map[string]*ServerHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	result := make(map[string]*ServerHealth, len(h.servers))
	for id, health := range h.servers {
		cp := *health
		result[id] = &cp
	}
	return result
}

// IsHealthy reports whether the last probes of id succeeded.
func (h *HealthMonitor) IsHealthy(id string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	health, exists := h.servers[id]
	return exists && health.Status == healthHealthy
}
