// Package coordinator is the control loop of shardplane. It owns cluster
// membership, the table config store, backfill progress and the current
// issue set, and keeps them consistent with each other.
//
// # Overview
//
// Nothing in shardplane moves data. The coordinator decides where shards of
// each table should live, watches which servers are alive and which replicas
// have caught up, and reports from that whether each table can serve reads
// and writes. Administrators act on what it reports by writing new configs.
//
// # Architecture
//
//	           membership events            config writes
//	 /register, HealthMonitor, admin     PATCH/PUT, reconfigure
//	               │                              │
//	               ▼                              ▼
//	      ┌─────────────────┐   snapshot   ┌─────────────────┐
//	      │  cluster.State  │─────────────▶│ tablestore.Store│ (CAS)
//	      └────────┬────────┘              └────────┬────────┘
//	               │ Event                          │ Change
//	               ▼                                ▼
//	      ┌───────────────────────────────────────────────┐
//	      │ Coordinator                                   │
//	      │  readiness.Tracker   backfill progress        │
//	      │  issues.Detect       on removal / write       │
//	      │  planner.Planner     reconfigure / rebalance  │
//	      └───────────────────────┬───────────────────────┘
//	                              │ notify
//	               ┌──────────────┴──────────────┐
//	               ▼                             ▼
//	       Wait (table flags)          status publisher (logs)
//
// # Ordering
//
// Config writes and membership handling are serialized by one mutex so the
// backfill tracker sees assignments and server losses in the order they were
// applied. Status computation never takes that mutex: it works on a
// membership snapshot and a copy of the tracker state.
//
// # Health Monitoring
//
// HealthMonitor probes each registered server's /health endpoint. After
// HealthMaxFailures consecutive failures the server is marked unreachable;
// the next successful probe marks it reachable again. Permanent removal is
// never automatic: only an administrator can declare a server gone.
//
// # Usage
//
//	c := coordinator.New(coordinator.DefaultConfig(), storage.NewMemoryStore())
//	c.Start(ctx)
//	defer c.Stop()
//
//	c.Join(cluster.NodeInfo{ID: "s1", Addr: "http://10.0.0.1:8081", Tags: []string{"east"}})
//	c.CreateTable(cfg)
//	c.Reconfigure("t1", planner.Request{Shards: 4, Replicas: 3})
//	err := c.Wait(ctx, "t1", coordinator.WaitForWrites)
package coordinator
