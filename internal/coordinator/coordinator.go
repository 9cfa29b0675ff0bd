// Package coordinator drives one end-to-end backup run: it stops the
// balancer, quiesces the config server and every shard, snapshots each
// host's MongoDB volume, and reverses the sequence — rolling back to the
// pre-backup state if any phase exhausts its retry budget.
package coordinator

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cuemby/mongobackup/internal/backuperr"
	"github.com/cuemby/mongobackup/internal/configserver"
	"github.com/cuemby/mongobackup/internal/dbdriver"
	"github.com/cuemby/mongobackup/internal/fanout"
	"github.com/cuemby/mongobackup/internal/obslog"
	"github.com/cuemby/mongobackup/internal/snapshot"
	"github.com/cuemby/mongobackup/internal/topology"
	"github.com/cuemby/mongobackup/internal/transport"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// attempt budgets per phase, matching the original implementation's
// run_step(..., tries=N) call sites.
const (
	attemptsStopBalancer  = 2
	attemptsDefault       = 1
	attemptsMongodump     = 3
	attemptsUnlockShards  = 2
	attemptsConfigStart   = 2
	attemptsStartBalancer = 4
)

const maxWaitForLockAttempts = 360
const waitForLockPoll = 5 * time.Second

// HostSpec is one physical host's LVM/mount configuration for a backup run.
type HostSpec struct {
	Host       string
	LVol       string
	MountPoint string
	ArchiveDir string
}

// Deps are the Coordinator's external collaborators. Tests supply fakes for
// Router, NewShardClient and NewHostAgent; production wiring supplies
// mongo-driver- and ssh-backed implementations.
type Deps struct {
	Router         dbdriver.RouterClient
	NewShardClient func(ctx context.Context, addr string) (dbdriver.ShardClient, error)
	NewHostAgent   func(host string) transport.HostAgent
	Fanout         *fanout.Runner
	Metrics        Metrics
	Logger         zerolog.Logger
}

// RunInput is the per-run configuration: the hosts to snapshot and where to
// stage the config server's mongodump output.
type RunInput struct {
	Hosts         []HostSpec
	ConfigBaseDir string
}

// HostResult records where a backed-up host's tar archive ended up.
type HostResult struct {
	Host        string
	ArchivePath string
}

// BackupSummary is the result of a fully successful backup run.
type BackupSummary struct {
	BackupID   string
	RunID      string
	Duration   time.Duration
	ConfigHost string
	Hosts      []HostResult
}

// Coordinator runs one backup to completion (or rolls back trying).
type Coordinator struct {
	deps Deps

	rollback *RollbackLog

	shardHosts   []string
	shardClients map[string]dbdriver.ShardClient

	snapshotWorkers map[string]*snapshot.Worker
	configServer    *configserver.Agent
	configHost      string

	currentBackupID string

	// lockPollInterval is the delay between wait_for_locks polls. Defaults
	// to waitForLockPoll; tests shrink it so exhausting
	// maxWaitForLockAttempts doesn't take real wall-clock minutes.
	lockPollInterval time.Duration
}

// New builds a Coordinator from deps. Missing optional fields (Fanout,
// Metrics, Logger) get sane defaults so tests can supply a partial Deps.
func New(deps Deps) *Coordinator {
	if deps.Fanout == nil {
		deps.Fanout = fanout.New(deps.Logger)
	}
	if deps.Metrics == nil {
		deps.Metrics = NoopMetrics{}
	}
	return &Coordinator{deps: deps, rollback: &RollbackLog{}, lockPollInterval: waitForLockPoll}
}

// Run executes one full backup: construction/validation, then the phase
// sequence, returning a BackupSummary on success. A phase that exhausts its
// attempts yields a *backuperr.Error of KindAborted (with rollback already
// drained); a failure during construction, before any cluster state has
// changed, is returned as-is (e.g. KindNoLockTarget).
func (c *Coordinator) Run(ctx context.Context) (*BackupSummary, error) {
	return c.RunWith(ctx, RunInput{})
}

// RunWith executes one full backup for the given RunInput.
func (c *Coordinator) RunWith(ctx context.Context, in RunInput) (*BackupSummary, error) {
	backupID := GenerateBackupID()
	c.currentBackupID = backupID
	runID := uuid.New().String()
	logger := obslog.WithBackupID(c.deps.Logger, backupID).With().Str("run_id", runID).Logger()
	logger.Info().Msg("initializing backup run")

	if err := c.initialize(ctx, in, backupID, logger); err != nil {
		return nil, err
	}
	defer c.closeClients(ctx)

	start := time.Now()
	phases := []struct {
		name     string
		attempts int
		run      func(context.Context) error
		before   func()
		after    func()
	}{
		{
			name:     "stop_balancer",
			attempts: attemptsStopBalancer,
			before:   func() { c.rollback.Push(RollbackStep{Name: "start_balancer", Fn: func(ctx context.Context) error { return c.deps.Router.StartBalancer(ctx) }}) },
			run:      c.deps.Router.StopBalancer,
		},
		{
			name:     "wait_for_locks",
			attempts: attemptsDefault,
			run:      c.waitForLocks,
		},
		{
			name:     "config_server.stop",
			attempts: attemptsDefault,
			before:   func() { c.rollback.Push(RollbackStep{Name: "config_server.start", Fn: c.configServer.Start}) },
			run:      c.configServer.Stop,
		},
		{
			name:     "config_server.mongodump",
			attempts: attemptsMongodump,
			run:      c.configServer.Mongodump,
		},
		{
			name:     "lock_shards",
			attempts: attemptsDefault,
			before:   func() { c.rollback.Push(RollbackStep{Name: "unlock_shards", Fn: c.unlockShards}) },
			run:      c.lockShards,
		},
		{
			name:     "create_snapshots",
			attempts: attemptsDefault,
			before:   func() { c.rollback.Push(RollbackStep{Name: "remove_snapshots", Fn: c.removeSnapshots}) },
			run:      func(ctx context.Context) error { return c.fanoutHosts(ctx, backupID, "create_snapshots", func(w *snapshot.Worker, ctx context.Context, id string, errs chan<- string) { w.CreateSnapshot(ctx, id, errs) }) },
		},
		{
			name:     "unlock_shards",
			attempts: attemptsUnlockShards,
			before:   func() { c.rollback.Remove("unlock_shards") },
			run:      c.unlockShards,
		},
		{
			name:     "config_server.start",
			attempts: attemptsConfigStart,
			before:   func() { c.rollback.Remove("config_server.start") },
			run:      c.configServer.Start,
		},
		{
			name:     "start_balancer",
			attempts: attemptsStartBalancer,
			before:   func() { c.rollback.Remove("start_balancer") },
			run:      c.deps.Router.StartBalancer,
		},
		{
			name:     "mount_snapshots",
			attempts: attemptsDefault,
			before:   func() { c.rollback.Push(RollbackStep{Name: "unmount_snapshots", Fn: c.unmountSnapshots}) },
			run:      func(ctx context.Context) error { return c.fanoutHosts(ctx, backupID, "mount_snapshots", func(w *snapshot.Worker, ctx context.Context, id string, errs chan<- string) { w.MountSnapshot(ctx, id, errs) }) },
		},
		{
			name:     "take_tar_backups",
			attempts: attemptsDefault,
			run:      func(ctx context.Context) error { return c.fanoutHosts(ctx, backupID, "take_tar_backups", func(w *snapshot.Worker, ctx context.Context, id string, errs chan<- string) { w.TakeTarBackup(ctx, id, errs) }) },
		},
		{
			name:     "unmount_snapshots",
			attempts: attemptsDefault,
			before:   func() { c.rollback.Remove("unmount_snapshots") },
			run:      c.unmountSnapshots,
		},
		{
			name:     "remove_snapshots",
			attempts: attemptsDefault,
			before:   func() { c.rollback.Remove("remove_snapshots") },
			run:      func(ctx context.Context) error { return c.fanoutHosts(ctx, backupID, "remove_snapshots", func(w *snapshot.Worker, ctx context.Context, id string, errs chan<- string) { w.RemoveSnapshot(ctx, id, errs) }) },
		},
	}

	for _, p := range phases {
		if p.before != nil {
			p.before()
		}
		if err := RunStep(ctx, p.name, p.attempts, c.rollback, c.deps.Metrics, logger, p.run); err != nil {
			return nil, err
		}
	}

	c.deps.Metrics.ObserveBackupResult("success")
	logger.Info().Dur("duration", time.Since(start)).Msg("backup finished successfully")

	summary := &BackupSummary{BackupID: backupID, RunID: runID, Duration: time.Since(start), ConfigHost: c.configHost}
	for _, h := range in.Hosts {
		summary.Hosts = append(summary.Hosts, HostResult{
			Host:        h.Host,
			ArchivePath: fmt.Sprintf("%s/%s.tar", h.ArchiveDir, backupID),
		})
	}
	return summary, nil
}

// initialize builds every per-run collaborator: shard clients (one per
// chosen lock target), the config server agent, and one snapshot.Worker per
// host. Any failure here aborts before any cluster state has changed, so no
// rollback is necessary.
func (c *Coordinator) initialize(ctx context.Context, in RunInput, backupID string, logger zerolog.Logger) error {
	c.snapshotWorkers = map[string]*snapshot.Worker{}
	for _, h := range in.Hosts {
		agent := c.deps.NewHostAgent(h.Host)
		w, err := snapshot.New(ctx, agent, h.Host, h.LVol, h.MountPoint, h.ArchiveDir, logger)
		if err != nil {
			return err
		}
		c.snapshotWorkers[h.Host] = w
	}

	shards, err := c.deps.Router.GetShardTopology(ctx)
	if err != nil {
		return err
	}
	c.shardClients = map[string]dbdriver.ShardClient{}
	for _, s := range shards {
		target, err := topology.SelectLockTarget(s)
		if err != nil {
			return err
		}
		client, err := c.deps.NewShardClient(ctx, target)
		if err != nil {
			return err
		}
		c.shardHosts = append(c.shardHosts, target)
		c.shardClients[target] = client
	}

	configServers, err := c.deps.Router.GetConfigServers(ctx)
	if err != nil {
		return err
	}
	if len(configServers) == 0 {
		return backuperr.New(backuperr.KindAborted, "router reported no config servers")
	}
	sorted := append([]string(nil), configServers...)
	sort.Strings(sorted)
	c.configHost = sorted[0]

	configAgent := c.deps.NewHostAgent(c.configHost)
	outDir := filepath.Join(in.ConfigBaseDir, backupID)
	cs, err := configserver.New(ctx, configAgent, c.configHost, outDir, logger)
	if err != nil {
		return err
	}
	c.configServer = cs

	return nil
}

func (c *Coordinator) closeClients(ctx context.Context) {
	for _, client := range c.shardClients {
		_ = client.Close(ctx)
	}
}

// waitForLocks polls the router for held distributed locks, giving up after
// maxWaitForLockAttempts * waitForLockPoll (30 minutes in production).
func (c *Coordinator) waitForLocks(ctx context.Context) error {
	for i := 0; i < maxWaitForLockAttempts; i++ {
		locks, err := c.deps.Router.GetLocks(ctx)
		if err != nil {
			return err
		}
		if len(locks) == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.lockPollInterval):
		}
	}

	locks, err := c.deps.Router.GetLocks(ctx)
	if err != nil {
		return err
	}
	if len(locks) > 0 {
		return backuperr.New(backuperr.KindClusterLocked, "something is still locking the cluster, aborting backup")
	}
	return nil
}

// lockShards fsync-locks every shard's chosen member concurrently.
func (c *Coordinator) lockShards(ctx context.Context) error {
	err := c.deps.Fanout.Run(c.shardHosts, func(host string, errs chan<- string) {
		if err := c.shardClients[host].Lock(ctx); err != nil {
			errs <- fmt.Sprintf("shard member %s: %v", host, err)
		}
	})
	return wrapFanoutErr(backuperr.KindLock, "lock_shards", err)
}

// unlockShards releases every shard's lock sequentially — unlike lockShards
// this isn't fanned out, trading speed for simplicity since unlocking is
// fast — and accumulates every failure rather than stopping at the first,
// so a single unreachable shard doesn't leave the rest locked.
func (c *Coordinator) unlockShards(ctx context.Context) error {
	var msgs []string
	for _, host := range c.shardHosts {
		if err := c.shardClients[host].Unlock(ctx); err != nil {
			msgs = append(msgs, fmt.Sprintf("shard member %s: %v", host, err))
		}
	}
	if len(msgs) > 0 {
		return backuperr.New(backuperr.KindUnlock, strings.Join(msgs, "; "))
	}
	return nil
}

func (c *Coordinator) unmountSnapshots(ctx context.Context) error {
	return c.fanoutHosts(ctx, c.currentBackupID, "unmount_snapshots", func(w *snapshot.Worker, ctx context.Context, id string, errs chan<- string) {
		w.UnmountSnapshot(ctx, id, errs)
	})
}

func (c *Coordinator) removeSnapshots(ctx context.Context) error {
	return c.fanoutHosts(ctx, c.currentBackupID, "remove_snapshots", func(w *snapshot.Worker, ctx context.Context, id string, errs chan<- string) {
		w.RemoveSnapshot(ctx, id, errs)
	})
}

// fanoutHosts dispatches op across every configured snapshot.Worker
// concurrently via the shared fan-out Runner.
func (c *Coordinator) fanoutHosts(ctx context.Context, backupID, phase string, op func(w *snapshot.Worker, ctx context.Context, backupID string, errs chan<- string)) error {
	hosts := make([]string, 0, len(c.snapshotWorkers))
	for h := range c.snapshotWorkers {
		hosts = append(hosts, h)
	}
	err := c.deps.Fanout.Run(hosts, func(host string, errs chan<- string) {
		op(c.snapshotWorkers[host], ctx, backupID, errs)
	})
	return wrapFanoutErr(backuperr.KindCommand, phase, err)
}

func wrapFanoutErr(kind backuperr.Kind, phase string, err error) error {
	if err == nil {
		return nil
	}
	return backuperr.Wrap(kind, fmt.Sprintf("fan-out phase %q failed", phase), err)
}
