package cluster

import (
	"errors"
	"fmt"
	"log"
	"sync"

	"golang.org/x/exp/slices"
)

var (
	// ErrUnknownServer is returned for transitions on a server that never joined.
	ErrUnknownServer = errors.New("unknown server")
	// ErrServerRemoved is returned for transitions on a permanently removed server.
	ErrServerRemoved = errors.New("server permanently removed")
)

// Event describes a single membership transition.
type Event struct {
	ServerID string       `json:"server_id"`
	From     ServerStatus `json:"from,omitempty"`
	To       ServerStatus `json:"to"`
	Version  uint64       `json:"version"`
}

// Permanent reports whether the event is an irreversible removal.
func (e Event) Permanent() bool {
	return e.To == StatusPermanentlyRemoved
}

// Joined reports whether the event introduced a new server.
func (e Event) Joined() bool {
	return e.From == ""
}

// State tracks server identity, tags and liveness. It is the only place
// server status is mutated; everything else works on a Snapshot.
//
// Handlers registered with OnMembershipChange run in transition order on the
// goroutine that caused the transition. They must not call back into State
// mutators.
type State struct {
	servers   map[string]*Server
	handlers  []func(Event)
	turn      *sync.Cond // signals delivered advancing
	mu        sync.RWMutex
	turnMu    sync.Mutex
	version   uint64
	delivered uint64
}

// NewState creates an empty cluster state.
func NewState() *State {
	s := &State{servers: make(map[string]*Server)}
	s.turn = sync.NewCond(&s.turnMu)
	return s
}

// OnMembershipChange registers handler to be called for every transition.
func (s *State) OnMembershipChange(handler func(Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, handler)
}

// Join adds a server or refreshes its name, address and tags. A known server
// that was unreachable becomes reachable again. Joining with the id of a
// permanently removed server fails.
func (s *State) Join(info NodeInfo) error {
	if info.ID == "" {
		return errors.New("server id cannot be empty")
	}
	name := info.Name
	if name == "" {
		name = info.ID
	}

	s.mu.Lock()
	srv, ok := s.servers[info.ID]
	if ok && srv.Status == StatusPermanentlyRemoved {
		s.mu.Unlock()
		return fmt.Errorf("join %s: %w", info.ID, ErrServerRemoved)
	}
	var from ServerStatus
	if ok {
		from = srv.Status
	} else {
		srv = &Server{ID: info.ID}
		s.servers[info.ID] = srv
	}
	srv.Name = name
	srv.Addr = info.Addr
	srv.Tags = slices.Clone(info.Tags)
	srv.Status = StatusReachable
	if ok && from == StatusReachable {
		// metadata refresh only
		s.mu.Unlock()
		return nil
	}
	s.commit(Event{ServerID: info.ID, From: from, To: StatusReachable})
	return nil
}

// MarkReachable records that a server reconnected.
func (s *State) MarkReachable(id string) error {
	return s.transition(id, StatusReachable)
}

// MarkUnreachable records a transient disconnect.
func (s *State) MarkUnreachable(id string) error {
	return s.transition(id, StatusUnreachable)
}

// PermanentlyRemove records that a server is gone for good. It cannot be undone.
func (s *State) PermanentlyRemove(id string) error {
	return s.transition(id, StatusPermanentlyRemoved)
}

func (s *State) transition(id string, to ServerStatus) error {
	s.mu.Lock()
	srv, ok := s.servers[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("server %s: %w", id, ErrUnknownServer)
	}
	if srv.Status == StatusPermanentlyRemoved {
		s.mu.Unlock()
		if to == StatusPermanentlyRemoved {
			return nil
		}
		return fmt.Errorf("server %s: %w", id, ErrServerRemoved)
	}
	if srv.Status == to {
		s.mu.Unlock()
		return nil
	}
	from := srv.Status
	srv.Status = to
	s.commit(Event{ServerID: id, From: from, To: to})
	return nil
}

// commit bumps the version and delivers ev. Called with mu held; releases it.
// Delivery waits for every earlier version to be delivered first so handlers
// observe transitions in the order they were applied.
func (s *State) commit(ev Event) {
	s.version++
	ev.Version = s.version
	handlers := slices.Clone(s.handlers)
	s.mu.Unlock()

	s.turnMu.Lock()
	for s.delivered+1 != ev.Version {
		s.turn.Wait()
	}
	s.turnMu.Unlock()

	log.Printf("[cluster] server %s: %q -> %q (v%d)", ev.ServerID, ev.From, ev.To, ev.Version)
	for _, h := range handlers {
		h(ev)
	}

	s.turnMu.Lock()
	s.delivered = ev.Version
	s.turn.Broadcast()
	s.turnMu.Unlock()
}

// Forget drops the record of a permanently removed server. Callers must make
// sure no table config still references it.
func (s *State) Forget(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	srv, ok := s.servers[id]
	if !ok || srv.Status != StatusPermanentlyRemoved {
		return false
	}
	delete(s.servers, id)
	return true
}

// Server returns a copy of one server record.
func (s *State) Server(id string) (Server, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	srv, ok := s.servers[id]
	if !ok {
		return Server{}, false
	}
	return srv.clone(), true
}

// Servers returns copies of all server records ordered by id.
func (s *State) Servers() []Server {
	return s.Snapshot().Servers()
}

// Snapshot returns an immutable view of the current membership.
func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	servers := make(map[string]Server, len(s.servers))
	for id, srv := range s.servers {
		servers[id] = srv.clone()
	}
	return Snapshot{servers: servers, version: s.version}
}

// Snapshot is an immutable view of cluster membership at one version.
// It is safe for concurrent use.
type Snapshot struct {
	servers map[string]Server
	version uint64
}

// NewSnapshot builds a snapshot directly from server records.
func NewSnapshot(servers ...Server) Snapshot {
	m := make(map[string]Server, len(servers))
	for _, srv := range servers {
		m[srv.ID] = srv.clone()
	}
	return Snapshot{servers: m}
}

// Version is the number of transitions applied before the snapshot was taken.
func (s Snapshot) Version() uint64 {
	return s.version
}

// Server looks up one server.
func (s Snapshot) Server(id string) (Server, bool) {
	srv, ok := s.servers[id]
	return srv.clone(), ok
}

// Status returns the status of id. Servers unknown to the snapshot have
// been forgotten and count as permanently removed.
func (s Snapshot) Status(id string) ServerStatus {
	srv, ok := s.servers[id]
	if !ok {
		return StatusPermanentlyRemoved
	}
	return srv.Status
}

// Reachable reports whether id is currently connected.
func (s Snapshot) Reachable(id string) bool {
	return s.Status(id) == StatusReachable
}

// Removed reports whether id is permanently removed.
func (s Snapshot) Removed(id string) bool {
	return s.Status(id) == StatusPermanentlyRemoved
}

// Servers returns all servers ordered by id.
func (s Snapshot) Servers() []Server {
	out := make([]Server, 0, len(s.servers))
	for _, srv := range s.servers {
		out = append(out, srv.clone())
	}
	slices.SortFunc(out, func(a, b Server) int {
		return compareStrings(a.ID, b.ID)
	})
	return out
}

// Live returns the reachable servers ordered by id.
func (s Snapshot) Live() []Server {
	all := s.Servers()
	out := all[:0]
	for _, srv := range all {
		if srv.Reachable() {
			out = append(out, srv)
		}
	}
	return out
}

func compareStrings(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
