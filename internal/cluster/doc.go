// Package cluster tracks which servers exist, how they are tagged and
// whether they are reachable.
//
// # Server Lifecycle
//
//	          Join
//	            │
//	            ▼
//	      ┌───────────┐  MarkUnreachable   ┌─────────────┐
//	      │ reachable │───────────────────▶│ unreachable │
//	      │           │◀───────────────────│             │
//	      └─────┬─────┘  MarkReachable     └──────┬──────┘
//	            │            / Join               │
//	            │ PermanentlyRemove               │ PermanentlyRemove
//	            ▼                                 ▼
//	      ┌───────────────────────────────────────────┐
//	      │ permanently_removed (terminal)            │
//	      └───────────────────────────────────────────┘
//	                         │ Forget, once unreferenced
//	                         ▼
//	                      (gone)
//
// Unreachable is transient: the server may come back with its data. Removal
// is an administrator's statement that the server and its data are gone for
// good, and no transition leaves that state.
//
// # Snapshots
//
// State is the only mutable piece. Everything that reasons about membership
// (readiness, issue detection, planning) takes a Snapshot, an immutable copy
// at one version. A server absent from a snapshot has been forgotten and is
// treated as permanently removed.
//
// # Events
//
// Every transition is delivered to OnMembershipChange handlers as an Event,
// in the order transitions were applied, even when they race. Handlers run
// after the state lock is released so they may take snapshots, but they must
// not call State mutators.
//
// # Tags
//
// Servers carry free-form tags such as a datacenter name. Every server
// implicitly carries DefaultTag.
//
// # Wire Helpers
//
// PostJSON and GetJSON are the small HTTP helpers servers and the
// coordinator use to talk to each other.
package cluster
