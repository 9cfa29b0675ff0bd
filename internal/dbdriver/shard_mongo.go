package dbdriver

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/mongobackup/internal/backuperr"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// MongoShardClient is the ShardClient backed by go.mongodb.org/mongo-driver,
// bound to a single chosen shard member (the lock target the topology
// package selected).
type MongoShardClient struct {
	client *mongo.Client
}

// NewMongoShardClient connects directly to member addr, bypassing routing.
func NewMongoShardClient(ctx context.Context, addr string) (*MongoShardClient, error) {
	client, err := mongo.Connect(ctx, options.Client().
		ApplyURI(fmt.Sprintf("mongodb://%s/?connect=direct", addr)).
		SetDirect(true).
		SetConnectTimeout(5*time.Second).
		SetServerSelectionTimeout(5*time.Second))
	if err != nil {
		return nil, backuperr.Wrap(backuperr.KindTransport, "connect to shard member", err).WithHost(addr)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		return nil, backuperr.Wrap(backuperr.KindTransport, "ping shard member", err).WithHost(addr)
	}
	return &MongoShardClient{client: client}, nil
}

func (s *MongoShardClient) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// Lock issues fsync with lock:true, matching mongod's fsyncLock admin
// command used to quiesce a shard member for snapshotting. It then
// re-queries lock state: a command that reports success but doesn't
// actually take effect must still surface as a failure.
func (s *MongoShardClient) Lock(ctx context.Context) error {
	err := s.client.Database("admin").RunCommand(ctx,
		bson.D{{Key: "fsync", Value: 1}, {Key: "lock", Value: true}}).Err()
	if err != nil {
		return backuperr.Wrap(backuperr.KindLock, "fsync lock", err)
	}

	locked, err := s.IsLocked(ctx)
	if err != nil {
		return err
	}
	if !locked {
		return backuperr.New(backuperr.KindLock, "fsync lock reported success but member is not locked")
	}
	return nil
}

// Unlock issues fsyncUnlock, reversing Lock, then re-queries lock state to
// confirm the member actually released.
func (s *MongoShardClient) Unlock(ctx context.Context) error {
	err := s.client.Database("admin").RunCommand(ctx,
		bson.D{{Key: "fsyncUnlock", Value: 1}}).Err()
	if err != nil {
		return backuperr.Wrap(backuperr.KindUnlock, "fsync unlock", err)
	}

	locked, err := s.IsLocked(ctx)
	if err != nil {
		return err
	}
	if locked {
		return backuperr.New(backuperr.KindUnlock, "fsync unlock reported success but member is still locked")
	}
	return nil
}

// IsLocked reports whether the member currently holds an fsync lock, via
// the fsyncLock field of currentOp's output (absent when unlocked).
func (s *MongoShardClient) IsLocked(ctx context.Context) (bool, error) {
	var doc struct {
		LockCount int64 `bson:"fsyncLock"`
	}
	err := s.client.Database("admin").RunCommand(ctx,
		bson.D{{Key: "currentOp", Value: 1}, {Key: "fsyncLock", Value: 1}}).Decode(&doc)
	if err != nil {
		return false, backuperr.Wrap(backuperr.KindLock, "read fsync lock state", err)
	}
	return doc.LockCount > 0, nil
}
