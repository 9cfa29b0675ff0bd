package dbdriver

import (
	"context"
	"sync"

	"github.com/cuemby/mongobackup/internal/backuperr"
	"github.com/cuemby/mongobackup/internal/topology"
)

// FakeRouterClient is an in-memory RouterClient for tests that drive the
// coordinator without a live cluster. Each field is a hook the test can set;
// nil hooks fall back to a zero-value success response.
type FakeRouterClient struct {
	mu sync.Mutex

	Shards                []topology.Shard
	Locks                 []LockDoc
	Stopped               bool
	ConfigServers         []string
	StopBalancerErr       error
	StartBalancerErr      error
	GetShardTopologyErr   error
	GetLocksErr           error
	GetConfigServersErr   error
	BalancerStoppedErr    error
	StopBalancerCalls     int
	StartBalancerCalls    int
}

func (f *FakeRouterClient) GetShardTopology(ctx context.Context) ([]topology.Shard, error) {
	if f.GetShardTopologyErr != nil {
		return nil, f.GetShardTopologyErr
	}
	return f.Shards, nil
}

func (f *FakeRouterClient) GetLocks(ctx context.Context) ([]LockDoc, error) {
	if f.GetLocksErr != nil {
		return nil, f.GetLocksErr
	}
	return f.Locks, nil
}

func (f *FakeRouterClient) BalancerStopped(ctx context.Context) (bool, error) {
	if f.BalancerStoppedErr != nil {
		return false, f.BalancerStoppedErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Stopped, nil
}

func (f *FakeRouterClient) StopBalancer(ctx context.Context) error {
	f.mu.Lock()
	f.StopBalancerCalls++
	f.mu.Unlock()
	if f.StopBalancerErr != nil {
		return f.StopBalancerErr
	}
	f.mu.Lock()
	f.Stopped = true
	f.mu.Unlock()
	return nil
}

func (f *FakeRouterClient) StartBalancer(ctx context.Context) error {
	f.mu.Lock()
	f.StartBalancerCalls++
	f.mu.Unlock()
	if f.StartBalancerErr != nil {
		return f.StartBalancerErr
	}
	f.mu.Lock()
	f.Stopped = false
	f.mu.Unlock()
	return nil
}

func (f *FakeRouterClient) GetConfigServers(ctx context.Context) ([]string, error) {
	if f.GetConfigServersErr != nil {
		return nil, f.GetConfigServersErr
	}
	return f.ConfigServers, nil
}

func (f *FakeRouterClient) Close(ctx context.Context) error { return nil }

// FakeShardClient is an in-memory ShardClient for coordinator tests.
type FakeShardClient struct {
	mu sync.Mutex

	locked    bool
	LockErr   error
	UnlockErr error

	LockCalls   int
	UnlockCalls int
}

func (f *FakeShardClient) Lock(ctx context.Context) error {
	f.mu.Lock()
	f.LockCalls++
	f.mu.Unlock()
	if f.LockErr != nil {
		return f.LockErr
	}
	f.mu.Lock()
	f.locked = true
	f.mu.Unlock()
	return nil
}

func (f *FakeShardClient) Unlock(ctx context.Context) error {
	f.mu.Lock()
	f.UnlockCalls++
	f.mu.Unlock()
	if f.UnlockErr != nil {
		return f.UnlockErr
	}
	f.mu.Lock()
	f.locked = false
	f.mu.Unlock()
	return nil
}

func (f *FakeShardClient) IsLocked(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.locked, nil
}

func (f *FakeShardClient) Close(ctx context.Context) error { return nil }

// clusterLockedErr is a convenience for tests that need BalancerStopped /
// GetLocks to model a cluster another operator already locked.
func clusterLockedErr() error {
	return backuperr.New(backuperr.KindClusterLocked, "cluster already has active locks")
}
