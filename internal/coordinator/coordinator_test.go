package coordinator

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/cuemby/mongobackup/internal/backuperr"
	"github.com/cuemby/mongobackup/internal/dbdriver"
	"github.com/cuemby/mongobackup/internal/fanout"
	"github.com/cuemby/mongobackup/internal/topology"
	"github.com/cuemby/mongobackup/internal/transport"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeHostAgent answers every command with success unless scripted
// otherwise, and records every command it was asked to run. It also tracks
// the mongod service state, so `/etc/init.d/mongodb status` reports the
// service as stopped between a `stop` and the next `start`.
type fakeHostAgent struct {
	host      string
	responses map[string]struct {
		code int
		out  string
		err  error
	}
	// failPrefix, when set, fails any command starting with it — used for
	// commands whose exact text embeds a run-generated backup ID the test
	// can't predict ahead of time.
	failPrefix    string
	failErr       error
	commands      []string
	mongodStopped bool
}

func newFakeHostAgent(host string) *fakeHostAgent {
	return &fakeHostAgent{host: host, responses: map[string]struct {
		code int
		out  string
		err  error
	}{}}
}

func (f *fakeHostAgent) Run(ctx context.Context, command string, timeout time.Duration, capture bool) (int, string, error) {
	f.commands = append(f.commands, command)
	if r, ok := f.responses[command]; ok {
		return r.code, r.out, r.err
	}
	if f.failPrefix != "" && strings.HasPrefix(command, f.failPrefix) {
		return 1, "", f.failErr
	}
	switch command {
	case "/etc/init.d/mongodb stop":
		f.mongodStopped = true
	case "/etc/init.d/mongodb start":
		f.mongodStopped = false
	case "/etc/init.d/mongodb status":
		if f.mongodStopped {
			return 3, "", backuperr.New(backuperr.KindCommand, "mongod is not running")
		}
	}
	if capture {
		return 0, "/dev/vg0/snap", nil
	}
	return 0, "", nil
}

func buildTestDeps(t *testing.T, router *dbdriver.FakeRouterClient, shardClients map[string]*dbdriver.FakeShardClient, hostAgents map[string]*fakeHostAgent) Deps {
	t.Helper()
	return Deps{
		Router: router,
		NewShardClient: func(ctx context.Context, addr string) (dbdriver.ShardClient, error) {
			c, ok := shardClients[addr]
			require.True(t, ok, "no fake shard client configured for %s", addr)
			return c, nil
		},
		NewHostAgent: func(host string) transport.HostAgent {
			a, ok := hostAgents[host]
			require.True(t, ok, "no fake host agent configured for %s", host)
			return a
		},
		Fanout: fanout.New(zerolog.Nop()),
		Logger: zerolog.Nop(),
	}
}

func TestCoordinator_FullRunSucceeds(t *testing.T) {
	router := &dbdriver.FakeRouterClient{
		Shards: []topology.Shard{
			{StandaloneEndpoint: "shard1:27018"},
		},
		ConfigServers: []string{"cfg2:27019", "cfg1:27019"},
	}
	shardClients := map[string]*dbdriver.FakeShardClient{
		"shard1:27018": {},
	}
	hostAgents := map[string]*fakeHostAgent{
		"host1":       newFakeHostAgent("host1"),
		"cfg1:27019":  newFakeHostAgent("cfg1:27019"),
	}

	deps := buildTestDeps(t, router, shardClients, hostAgents)
	c := New(deps)

	summary, err := c.RunWith(context.Background(), RunInput{
		Hosts: []HostSpec{
			{Host: "host1", LVol: "/dev/vg0/mongo", MountPoint: "/mnt/snap", ArchiveDir: "/backup/host1"},
		},
		ConfigBaseDir: "/backup/config",
	})

	require.NoError(t, err)
	require.NotNil(t, summary)
	assert.NotEmpty(t, summary.BackupID)
	assert.Equal(t, "cfg1:27019", summary.ConfigHost)
	require.Len(t, summary.Hosts, 1)
	assert.Equal(t, "host1", summary.Hosts[0].Host)

	assert.True(t, router.StopBalancerCalls >= 1)
	assert.True(t, router.StartBalancerCalls >= 1)
	assert.Equal(t, 1, shardClients["shard1:27018"].LockCalls)
	assert.Equal(t, 1, shardClients["shard1:27018"].UnlockCalls)
}

func TestCoordinator_AbortsAndRollsBackWhenLockShardsFails(t *testing.T) {
	router := &dbdriver.FakeRouterClient{
		Shards: []topology.Shard{
			{StandaloneEndpoint: "shard1:27018"},
		},
		ConfigServers: []string{"cfg1:27019"},
	}
	shardClients := map[string]*dbdriver.FakeShardClient{
		"shard1:27018": {LockErr: backuperr.New(backuperr.KindLock, "fsync failed")},
	}
	hostAgents := map[string]*fakeHostAgent{
		"host1":      newFakeHostAgent("host1"),
		"cfg1:27019": newFakeHostAgent("cfg1:27019"),
	}

	deps := buildTestDeps(t, router, shardClients, hostAgents)
	c := New(deps)

	_, err := c.RunWith(context.Background(), RunInput{
		Hosts: []HostSpec{
			{Host: "host1", LVol: "/dev/vg0/mongo", MountPoint: "/mnt/snap", ArchiveDir: "/backup/host1"},
		},
		ConfigBaseDir: "/backup/config",
	})

	require.Error(t, err)
	var be *backuperr.Error
	require.ErrorAs(t, err, &be)
	assert.Equal(t, backuperr.KindAborted, be.Kind)

	// Rollback must have restarted the config server and the balancer, even
	// though lock_shards failed well after both were stopped.
	assert.True(t, router.StartBalancerCalls >= 1, "rollback must restart the balancer")
}

func TestCoordinator_AbortsWhenVolumeMissing(t *testing.T) {
	router := &dbdriver.FakeRouterClient{
		Shards:        []topology.Shard{{StandaloneEndpoint: "shard1:27018"}},
		ConfigServers: []string{"cfg1:27019"},
	}
	shardClients := map[string]*dbdriver.FakeShardClient{"shard1:27018": {}}

	badHost := newFakeHostAgent("host1")
	badHost.responses["lvdisplay /dev/vg0/missing > /dev/null"] = struct {
		code int
		out  string
		err  error
	}{err: backuperr.New(backuperr.KindCommand, "no such volume")}

	hostAgents := map[string]*fakeHostAgent{
		"host1":      badHost,
		"cfg1:27019": newFakeHostAgent("cfg1:27019"),
	}

	deps := buildTestDeps(t, router, shardClients, hostAgents)
	c := New(deps)

	_, err := c.RunWith(context.Background(), RunInput{
		Hosts: []HostSpec{
			{Host: "host1", LVol: "/dev/vg0/missing", MountPoint: "/mnt/snap", ArchiveDir: "/backup/host1"},
		},
		ConfigBaseDir: "/backup/config",
	})

	require.Error(t, err)
	assert.Equal(t, 0, router.StopBalancerCalls, "initialization failures must not touch cluster state")
}

// TestCoordinator_WaitForLocksExhaustsBudgetAndAborts exercises
// ClusterLockedError: another operator's lock document never clears, so
// wait_for_locks polls through its entire attempt budget and aborts before
// any shard is ever locked.
func TestCoordinator_WaitForLocksExhaustsBudgetAndAborts(t *testing.T) {
	router := &dbdriver.FakeRouterClient{
		Shards:        []topology.Shard{{StandaloneEndpoint: "shard1:27018"}},
		ConfigServers: []string{"cfg1:27019"},
		Locks:         []dbdriver.LockDoc{{ID: "someone-elses-backup", State: 2}},
	}
	shardClients := map[string]*dbdriver.FakeShardClient{"shard1:27018": {}}
	hostAgents := map[string]*fakeHostAgent{
		"host1":      newFakeHostAgent("host1"),
		"cfg1:27019": newFakeHostAgent("cfg1:27019"),
	}

	deps := buildTestDeps(t, router, shardClients, hostAgents)
	c := New(deps)
	c.lockPollInterval = time.Microsecond // the budget is real; the wait between polls isn't

	_, err := c.RunWith(context.Background(), RunInput{
		Hosts: []HostSpec{
			{Host: "host1", LVol: "/dev/vg0/mongo", MountPoint: "/mnt/snap", ArchiveDir: "/backup/host1"},
		},
		ConfigBaseDir: "/backup/config",
	})

	require.Error(t, err)
	var be *backuperr.Error
	require.ErrorAs(t, err, &be)
	assert.Equal(t, backuperr.KindAborted, be.Kind)
	var cause *backuperr.Error
	require.ErrorAs(t, be.Err, &cause)
	assert.Equal(t, backuperr.KindClusterLocked, cause.Kind)

	assert.Equal(t, 0, shardClients["shard1:27018"].LockCalls, "a cluster already locked elsewhere must never be locked by this run too")
}

// TestCoordinator_AbortsBeforeAnyMutationWhenNoLockTarget exercises
// NoLockTargetError: a shard with no healthy secondary and no primary must
// abort construction before the balancer or any shard is touched.
func TestCoordinator_AbortsBeforeAnyMutationWhenNoLockTarget(t *testing.T) {
	router := &dbdriver.FakeRouterClient{
		Shards: []topology.Shard{
			{
				Name: "rs1",
				Members: []topology.Member{
					{Host: "a1:27018", Role: topology.RoleSecondary, Health: topology.HealthDown},
				},
			},
		},
		ConfigServers: []string{"cfg1:27019"},
	}
	hostAgents := map[string]*fakeHostAgent{
		"host1":      newFakeHostAgent("host1"),
		"cfg1:27019": newFakeHostAgent("cfg1:27019"),
	}

	deps := buildTestDeps(t, router, map[string]*dbdriver.FakeShardClient{}, hostAgents)
	c := New(deps)

	_, err := c.RunWith(context.Background(), RunInput{
		Hosts: []HostSpec{
			{Host: "host1", LVol: "/dev/vg0/mongo", MountPoint: "/mnt/snap", ArchiveDir: "/backup/host1"},
		},
		ConfigBaseDir: "/backup/config",
	})

	require.Error(t, err)
	var be *backuperr.Error
	require.ErrorAs(t, err, &be)
	assert.Equal(t, backuperr.KindNoLockTarget, be.Kind)

	assert.Equal(t, 0, router.StopBalancerCalls, "a shard with no lock target must abort before the balancer is stopped")
}

// TestCoordinator_PartialSnapshotFailureStillCleansUpEveryHost exercises the
// fan-out runner's "wait for all, no cancellation" contract at the
// coordinator level: create_snapshots fails on host2 only, yet the
// remove_snapshots rollback still runs against host1 too.
func TestCoordinator_PartialSnapshotFailureStillCleansUpEveryHost(t *testing.T) {
	router := &dbdriver.FakeRouterClient{
		Shards:        []topology.Shard{{StandaloneEndpoint: "shard1:27018"}},
		ConfigServers: []string{"cfg1:27019"},
	}
	shardClients := map[string]*dbdriver.FakeShardClient{"shard1:27018": {}}

	host1 := newFakeHostAgent("host1")
	host2 := newFakeHostAgent("host2")
	host2.failPrefix = "lvcreate --snapshot /dev/vg0/mongo2"
	host2.failErr = backuperr.New(backuperr.KindCommand, "lvcreate failed")

	hostAgents := map[string]*fakeHostAgent{
		"host1":      host1,
		"host2":      host2,
		"cfg1:27019": newFakeHostAgent("cfg1:27019"),
	}

	deps := buildTestDeps(t, router, shardClients, hostAgents)
	c := New(deps)

	_, err := c.RunWith(context.Background(), RunInput{
		Hosts: []HostSpec{
			{Host: "host1", LVol: "/dev/vg0/mongo1", MountPoint: "/mnt/snap1", ArchiveDir: "/backup/host1"},
			{Host: "host2", LVol: "/dev/vg0/mongo2", MountPoint: "/mnt/snap2", ArchiveDir: "/backup/host2"},
		},
		ConfigBaseDir: "/backup/config",
	})

	require.Error(t, err)

	assert.True(t, commandIssued(host1.commands, "lvremove -f"), "remove_snapshots rollback must still run on host1 even though only host2 failed")
	assert.True(t, commandIssued(host2.commands, "lvremove -f"), "remove_snapshots rollback must also run on the host that failed")
}

// TestCoordinator_LaterPhaseFailureOnlyRollsBackWhatsStillPending exercises a
// failure arriving after earlier forward-progress cleanup (unlock_shards,
// start_balancer) has already run: rollback must not re-lock shards or
// re-stop the balancer, only unwind the steps still outstanding.
func TestCoordinator_LaterPhaseFailureOnlyRollsBackWhatsStillPending(t *testing.T) {
	router := &dbdriver.FakeRouterClient{
		Shards:        []topology.Shard{{StandaloneEndpoint: "shard1:27018"}},
		ConfigServers: []string{"cfg1:27019"},
	}
	shardClients := map[string]*dbdriver.FakeShardClient{"shard1:27018": {}}

	host1 := newFakeHostAgent("host1")
	host1.failPrefix = "tar -cvf"
	host1.failErr = backuperr.New(backuperr.KindCommand, "tar failed")

	hostAgents := map[string]*fakeHostAgent{
		"host1":      host1,
		"cfg1:27019": newFakeHostAgent("cfg1:27019"),
	}

	deps := buildTestDeps(t, router, shardClients, hostAgents)
	c := New(deps)

	_, err := c.RunWith(context.Background(), RunInput{
		Hosts: []HostSpec{
			{Host: "host1", LVol: "/dev/vg0/mongo", MountPoint: "/mnt/snap", ArchiveDir: "/backup/host1"},
		},
		ConfigBaseDir: "/backup/config",
	})

	require.Error(t, err)

	assert.Equal(t, 1, router.StopBalancerCalls, "the balancer must not be stopped a second time by rollback")
	assert.Equal(t, 1, router.StartBalancerCalls, "the balancer must not be re-started a second time by rollback")
	assert.Equal(t, 1, shardClients["shard1:27018"].LockCalls, "shards must not be re-locked by rollback")
	assert.Equal(t, 1, shardClients["shard1:27018"].UnlockCalls, "shards must not be re-unlocked by rollback")

	assert.Equal(t, 1, countCommands(host1.commands, "umount -f /mnt/snap"), "only the still-pending unmount_snapshots rollback step should fire")
	assert.Equal(t, 1, countCommands(host1.commands, "lvremove -f"), "only the still-pending remove_snapshots rollback step should fire")
}

func commandIssued(commands []string, prefix string) bool {
	return countCommands(commands, prefix) > 0
}

func countCommands(commands []string, prefix string) int {
	n := 0
	for _, c := range commands {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}
