package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/shardplane/internal/cluster"
	"github.com/dreamware/shardplane/internal/issues"
	"github.com/dreamware/shardplane/internal/planner"
	"github.com/dreamware/shardplane/internal/readiness"
	"github.com/dreamware/shardplane/internal/storage"
	"github.com/dreamware/shardplane/internal/table"
	"github.com/dreamware/shardplane/internal/tablestore"
)

func newTestCoordinator(t *testing.T, servers ...string) *Coordinator {
	t.Helper()
	c := New(Config{}, storage.NewMemoryStore())
	for _, id := range servers {
		require.NoError(t, c.Join(cluster.NodeInfo{ID: id}))
	}
	return c
}

func oneShard(id string, acks table.AckPolicy, primary string, servers ...string) *table.Config {
	var replicas []table.Replica
	for _, s := range servers {
		replicas = append(replicas, table.Replica{Server: s, Voting: true})
	}
	return &table.Config{
		ID:         id,
		DB:         "test",
		Name:       id,
		PrimaryKey: "id",
		Shards:     []table.Shard{{Replicas: replicas, PrimaryReplica: primary}},
		WriteAcks:  acks,
		Durability: table.DurabilityHard,
	}
}

func status(t *testing.T, c *Coordinator, id string) readiness.Flags {
	t.Helper()
	st, err := c.TableStatus(id)
	require.NoError(t, err)
	return st.Status
}

func issueTypes(list []issues.Issue) []issues.Type {
	var out []issues.Type
	for _, is := range list {
		out = append(out, is.Type)
	}
	return out
}

func serverIDs(servers []cluster.Server) []string {
	var out []string
	for _, s := range servers {
		out = append(out, s.ID)
	}
	return out
}

func TestDataLost(t *testing.T) {
	c := newTestCoordinator(t, "s1", "s2", "s3")
	_, err := c.CreateTable(oneShard("t1", table.Uniform(table.AckMajority), "s1", "s1", "s2", "s3"))
	require.NoError(t, err)
	assert.Empty(t, c.CurrentIssues())

	for _, id := range []string{"s1", "s2", "s3"} {
		require.NoError(t, c.RemoveServer(id))
	}

	got := c.CurrentIssues()
	require.Len(t, got, 1)
	assert.Equal(t, issues.TypeDataLost, got[0].Type)
	assert.Equal(t, "t1", got[0].TableID)
	require.NotNil(t, got[0].ShardIndex)
	assert.Equal(t, 0, *got[0].ShardIndex)

	// still referenced, so still known
	assert.Equal(t, []string{"s1", "s2", "s3"}, serverIDs(c.Servers()))

	require.NoError(t, c.DeleteTable("t1", 0))
	assert.Empty(t, c.CurrentIssues())
	assert.Empty(t, c.Servers(), "unreferenced removed servers are forgotten")
}

func TestUnsatisfiableAcks(t *testing.T) {
	c := newTestCoordinator(t, "l1", "l2", "d1", "d2")
	_, err := c.CreateTable(oneShard("t1", table.Uniform(table.AckMajority), "l1", "l1", "l2", "d1", "d2"))
	require.NoError(t, err)

	require.NoError(t, c.RemoveServer("d1"))
	require.NoError(t, c.RemoveServer("d2"))
	assert.Equal(t, []issues.Type{issues.TypeWriteAcks}, issueTypes(c.CurrentIssues()))

	_, err = c.PatchTable("t1", 0, map[string]any{
		"write_acks": []any{map[string]any{"replicas": []any{"l1", "l2"}, "acks": "majority"}},
	})
	require.NoError(t, err)
	assert.Empty(t, c.CurrentIssues())
}

func TestPartialLiveness(t *testing.T) {
	c := newTestCoordinator(t, "s1", "s2", "s3")
	_, err := c.CreateTable(oneShard("t1", table.Uniform(table.AckSingle), "s1", "s1", "s2", "s3"))
	require.NoError(t, err)
	assert.Equal(t, readiness.Flags{
		ReadyForOutdatedReads: true,
		ReadyForReads:         true,
		ReadyForWrites:        true,
		AllReplicasReady:      true,
	}, status(t, c, "t1"))

	require.NoError(t, c.MarkUnreachable("s3"))
	assert.Equal(t, readiness.Flags{
		ReadyForOutdatedReads: true,
		ReadyForReads:         true,
		ReadyForWrites:        true,
	}, status(t, c, "t1"))

	// back, but behind until backfill finishes
	require.NoError(t, c.MarkReachable("s3"))
	assert.False(t, status(t, c, "t1").AllReplicasReady)

	assert.True(t, c.ReplicaCaughtUp("t1", 0, "s3"))
	assert.True(t, status(t, c, "t1").AllReplicasReady)
	assert.Empty(t, c.CurrentIssues(), "transient failures never raise issues")
}

func TestDeadPrimary(t *testing.T) {
	c := newTestCoordinator(t, "s1", "s2", "s3")
	_, err := c.CreateTable(oneShard("t1", table.Uniform(table.AckMajority), "s1", "s1", "s2", "s3"))
	require.NoError(t, err)

	require.NoError(t, c.MarkUnreachable("s1"))
	assert.Equal(t, readiness.Flags{ReadyForOutdatedReads: true}, status(t, c, "t1"))

	_, err = c.PatchTable("t1", 0, map[string]any{
		"shards": []any{map[string]any{"primary_replica": "s2"}},
	})
	require.NoError(t, err)
	assert.Equal(t, readiness.Flags{
		ReadyForOutdatedReads: true,
		ReadyForReads:         true,
		ReadyForWrites:        true,
	}, status(t, c, "t1"))
}

func TestRemovedPrimaryNeedsPrimary(t *testing.T) {
	c := newTestCoordinator(t, "s1", "s2", "s3")
	_, err := c.CreateTable(oneShard("t1", table.Uniform(table.AckMajority), "s1", "s1", "s2", "s3"))
	require.NoError(t, err)

	require.NoError(t, c.RemoveServer("s1"))
	assert.Equal(t, []issues.Type{issues.TypeTableNeedsPrimary}, issueTypes(c.CurrentIssues()))

	_, err = c.PatchTable("t1", 0, map[string]any{
		"shards": []any{map[string]any{"replicas": []any{"s2", "s3"}, "primary_replica": "s2"}},
	})
	require.NoError(t, err)
	assert.Empty(t, c.CurrentIssues())
	assert.Equal(t, []string{"s2", "s3"}, serverIDs(c.Servers()), "s1 forgotten once unreferenced")
}

func TestStaleBackfillSignal(t *testing.T) {
	c := newTestCoordinator(t, "s1", "s2", "s3")
	_, err := c.CreateTable(oneShard("t1", table.Uniform(table.AckMajority), "s1", "s1", "s2"))
	require.NoError(t, err)

	assert.True(t, c.ReplicaLostSync("t1", 0, "s2"))

	// s2 is replaced by s3 before its backfill completes
	_, err = c.PatchTable("t1", 0, map[string]any{
		"shards": []any{map[string]any{"replicas": []any{"s1", "s3"}}},
	})
	require.NoError(t, err)

	assert.False(t, c.ReplicaCaughtUp("t1", 0, "s2"), "superseded assignment")
	assert.False(t, c.ReplicaCaughtUp("t1", 1, "s1"), "no such shard")
	assert.False(t, c.ReplicaCaughtUp("nope", 0, "s1"), "no such table")

	st, err := c.TableStatus("t1")
	require.NoError(t, err)
	assert.Equal(t, readiness.StateBackfilling, st.Shards[0].Replicas[1].State)

	assert.True(t, c.ReplicaCaughtUp("t1", 0, "s3"))
	assert.True(t, status(t, c, "t1").AllReplicasReady)
}

func TestConfigWrites(t *testing.T) {
	c := newTestCoordinator(t, "s1", "s2")

	t.Run("unknown server rejected", func(t *testing.T) {
		_, err := c.CreateTable(oneShard("t0", table.Uniform(table.AckMajority), "ghost", "ghost"))
		assert.ErrorIs(t, err, table.ErrInvalidConfig)
	})

	created, err := c.CreateTable(oneShard("t1", table.Uniform(table.AckMajority), "s1", "s1", "s2"))
	require.NoError(t, err)
	assert.EqualValues(t, 1, created.Version)

	t.Run("duplicate create", func(t *testing.T) {
		_, err := c.CreateTable(oneShard("t1", table.Uniform(table.AckMajority), "s1", "s1"))
		assert.ErrorIs(t, err, tablestore.ErrTableExists)
	})

	t.Run("compare and swap", func(t *testing.T) {
		v, err := c.PatchTable("t1", 1, map[string]any{"name": "first"})
		require.NoError(t, err)
		assert.EqualValues(t, 2, v.Version)

		_, err = c.PatchTable("t1", 1, map[string]any{"name": "second"})
		assert.ErrorIs(t, err, tablestore.ErrConfigConflict)

		got, err := c.TableConfig("t1")
		require.NoError(t, err)
		assert.Equal(t, "first", got.Config.Name)
	})

	t.Run("replace", func(t *testing.T) {
		next := oneShard("t1", table.Uniform(table.AckSingle), "s2", "s1", "s2")
		v, err := c.ReplaceTable("t1", 0, next)
		require.NoError(t, err)
		assert.Equal(t, "s2", v.Config.Shards[0].PrimaryReplica)
	})

	t.Run("missing table", func(t *testing.T) {
		_, err := c.TableStatus("nope")
		assert.ErrorIs(t, err, tablestore.ErrTableNotFound)
		assert.ErrorIs(t, c.DeleteTable("nope", 0), tablestore.ErrTableNotFound)
		assert.ErrorIs(t, c.SetDistribution("nope", []string{"a"}), tablestore.ErrTableNotFound)
	})

	all, err := c.TableConfigs()
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestReconfigure(t *testing.T) {
	c := New(Config{}, storage.NewMemoryStore())
	for i, dc := range []string{"east", "east", "west", "west"} {
		require.NoError(t, c.Join(cluster.NodeInfo{ID: fmt.Sprintf("s%d", i+1), Tags: []string{dc}}))
	}
	_, err := c.CreateTable(oneShard("other", table.Uniform(table.AckMajority), "s1", "s1", "s2"))
	require.NoError(t, err)
	_, err = c.CreateTable(oneShard("t1", table.Uniform(table.AckMajority), "s1", "s1"))
	require.NoError(t, err)

	v, err := c.Reconfigure("t1", planner.Request{
		Shards:     2,
		Replicas:   2,
		PrimaryTag: "west",
		Groups:     []planner.PlacementGroup{{Tag: "west", DesiredCount: 2}},
	})
	require.NoError(t, err)
	assert.EqualValues(t, 2, v.Version)
	require.Len(t, v.Config.Shards, 2)
	for _, s := range v.Config.Shards {
		assert.ElementsMatch(t, []string{"s3", "s4"}, s.Servers())
	}

	// new replicas have to backfill before they serve
	st := status(t, c, "t1")
	assert.False(t, st.ReadyForOutdatedReads)

	_, err = c.Reconfigure("t1", planner.Request{Shards: 1, Replicas: 5})
	assert.ErrorIs(t, err, planner.ErrInsufficientReplicas)
	got, _ := c.TableConfig("t1")
	assert.EqualValues(t, 2, got.Version, "failed reconfigure writes nothing")
}

func TestRebalance(t *testing.T) {
	c := newTestCoordinator(t, "s1", "s2")
	cfg := oneShard("t1", table.Uniform(table.AckSingle), "s1", "s1")
	cfg.Shards = []table.Shard{
		{Range: table.KeyRange{End: "b"}, Replicas: []table.Replica{{Server: "s1", Voting: true}}, PrimaryReplica: "s1"},
		{Range: table.KeyRange{Start: "b"}, Replicas: []table.Replica{{Server: "s2", Voting: true}}, PrimaryReplica: "s2"},
	}
	_, err := c.CreateTable(cfg)
	require.NoError(t, err)

	moved, err := c.Rebalance("t1")
	require.NoError(t, err)
	assert.False(t, moved, "no key sample yet")

	var keys []string
	for i := 0; i < 30; i++ {
		keys = append(keys, fmt.Sprintf("a%03d", i))
	}
	for i := 0; i < 10; i++ {
		keys = append(keys, fmt.Sprintf("b%03d", i))
	}
	require.NoError(t, c.SetDistribution("t1", keys))

	moved, err = c.Rebalance("t1")
	require.NoError(t, err)
	assert.True(t, moved)
	got, err := c.TableConfig("t1")
	require.NoError(t, err)
	assert.Equal(t, "a020", got.Config.Shards[0].Range.End)

	moved, err = c.Rebalance("t1")
	require.NoError(t, err)
	assert.False(t, moved, "already balanced")
}

func TestWait(t *testing.T) {
	c := newTestCoordinator(t, "s1", "s2", "s3")
	_, err := c.CreateTable(oneShard("t1", table.Uniform(table.AckMajority), "s1", "s1", "s2", "s3"))
	require.NoError(t, err)

	t.Run("already ready", func(t *testing.T) {
		assert.NoError(t, c.Wait(context.Background(), "t1", WaitForWrites))
	})

	require.NoError(t, c.MarkUnreachable("s1"))

	t.Run("timeout", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		err := c.Wait(ctx, "t1", WaitForWrites)
		assert.ErrorIs(t, err, ErrTimeout)
		assert.Equal(t, readiness.Flags{ReadyForOutdatedReads: true}, status(t, c, "t1"), "waiting changes nothing")
	})

	t.Run("unknown table", func(t *testing.T) {
		err := c.Wait(context.Background(), "nope", WaitForReads)
		assert.ErrorIs(t, err, tablestore.ErrTableNotFound)
	})

	t.Run("woken by recovery", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		done := make(chan error, 1)
		go func() { done <- c.Wait(ctx, "t1", WaitForReads) }()

		time.Sleep(20 * time.Millisecond)
		require.NoError(t, c.MarkReachable("s1"))
		assert.True(t, c.ReplicaCaughtUp("t1", 0, "s1"))

		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("Wait did not return after the table became ready")
		}
	})
}

func TestParseWaitFor(t *testing.T) {
	tests := []struct {
		in      string
		want    WaitFor
		wantErr bool
	}{
		{in: "outdated_reads", want: WaitForOutdatedReads},
		{in: "reads", want: WaitForReads},
		{in: "writes", want: WaitForWrites},
		{in: "all_replicas", want: WaitForAllReplicas},
		{in: "all_replicas_ready", want: WaitForAllReplicas},
		{in: "", want: WaitForAllReplicas},
		{in: "soon", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseWaitFor(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStatusPublisher(t *testing.T) {
	c := newTestCoordinator(t, "s1", "s2")
	c.Start(context.Background())
	defer c.Stop()

	for i := 0; i < 5; i++ {
		_, err := c.CreateTable(oneShard(fmt.Sprintf("t%d", i), table.Uniform(table.AckMajority), "s1", "s1", "s2"))
		require.NoError(t, err)
	}
	assert.Eventually(t, func() bool {
		return len(c.Published()) == 5 && c.Published()["t0"].AllReplicasReady
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, c.MarkUnreachable("s2"))
	assert.Eventually(t, func() bool {
		f := c.Published()["t3"]
		return f.ReadyForReads && !f.ReadyForWrites
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, c.DeleteTable("t4", 0))
	assert.Eventually(t, func() bool {
		_, ok := c.Published()["t4"]
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestTableStatusesOrder(t *testing.T) {
	c := newTestCoordinator(t, "s1")
	c.cfg.StatusWorkers = 3
	for _, id := range []string{"t5", "t2", "t9", "t1", "t7"} {
		_, err := c.CreateTable(oneShard(id, table.Uniform(table.AckSingle), "s1", "s1"))
		require.NoError(t, err)
	}
	all, err := c.TableStatuses()
	require.NoError(t, err)
	var ids []string
	for _, st := range all {
		ids = append(ids, st.ID)
	}
	assert.Equal(t, []string{"t1", "t2", "t5", "t7", "t9"}, ids)
}

func TestHealthDrivesMembership(t *testing.T) {
	c := New(Config{HealthInterval: 10 * time.Millisecond, HealthMaxFailures: 1}, storage.NewMemoryStore())
	var mu sync.Mutex
	down := false
	c.Health().SetCheckFunction(func(addr string) error {
		mu.Lock()
		defer mu.Unlock()
		if down {
			return errors.New("refused")
		}
		return nil
	})
	require.NoError(t, c.Join(cluster.NodeInfo{ID: "s1", Addr: "http://s1:9000"}))
	c.Start(context.Background())
	defer c.Stop()

	serverStatus := func() cluster.ServerStatus {
		srv, _ := c.state.Server("s1")
		return srv.Status
	}

	mu.Lock()
	down = true
	mu.Unlock()
	assert.Eventually(t, func() bool { return serverStatus() == cluster.StatusUnreachable },
		time.Second, 10*time.Millisecond)

	mu.Lock()
	down = false
	mu.Unlock()
	assert.Eventually(t, func() bool { return serverStatus() == cluster.StatusReachable },
		time.Second, 10*time.Millisecond)
}

func TestConcurrentMembershipAndWrites(t *testing.T) {
	c := newTestCoordinator(t, "s1", "s2", "s3")
	_, err := c.CreateTable(oneShard("t1", table.Uniform(table.AckMajority), "s1", "s1", "s2", "s3"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = c.MarkUnreachable("s3")
			_ = c.MarkReachable("s3")
		}()
		go func(i int) {
			defer wg.Done()
			_, _ = c.PatchTable("t1", 0, map[string]any{"name": fmt.Sprintf("n%d", i)})
		}(i)
	}
	wg.Wait()

	// whatever the interleaving, s3 ended reachable but has to catch up
	st, err := c.TableStatus("t1")
	require.NoError(t, err)
	assert.Equal(t, readiness.StateBackfilling, st.Shards[0].Replicas[2].State)
	assert.True(t, st.Status.ReadyForWrites)
}
