// Package dbdriver implements the database-protocol clients the coordinator
// drives: a RouterClient bound to the router's `config` database, and a
// ShardClient bound to one shard member. Both are backed by
// go.mongodb.org/mongo-driver; the interfaces exist so the coordinator can
// be tested against fakes instead of a live cluster.
package dbdriver

import (
	"context"

	"github.com/cuemby/mongobackup/internal/topology"
)

// LockDoc is one held distributed-lock document from config.locks.
type LockDoc struct {
	ID    string
	State int
}

// RouterClient reads cluster topology and controls the balancer via the
// router's `config` database.
type RouterClient interface {
	// GetShardTopology returns the raw shard layout: for each shard
	// document, whether it is standalone or a replica set, and — for
	// replica sets — the member list with role/health/optime populated
	// from replSetGetStatus.
	GetShardTopology(ctx context.Context) ([]topology.Shard, error)

	// GetLocks returns the currently held (state == 2) distributed locks.
	GetLocks(ctx context.Context) ([]LockDoc, error)

	BalancerStopped(ctx context.Context) (bool, error)
	StopBalancer(ctx context.Context) error
	StartBalancer(ctx context.Context) error

	// GetConfigServers returns the config server host list parsed from the
	// router's own command-line options, sorted ascending.
	GetConfigServers(ctx context.Context) ([]string, error)

	Close(ctx context.Context) error
}

// ShardClient performs fsync-with-lock / unlock / is-locked against one
// chosen shard member.
type ShardClient interface {
	Lock(ctx context.Context) error
	Unlock(ctx context.Context) error
	IsLocked(ctx context.Context) (bool, error)
	Close(ctx context.Context) error
}
