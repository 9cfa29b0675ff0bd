package dbdriver

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cuemby/mongobackup/internal/backuperr"
	"github.com/cuemby/mongobackup/internal/topology"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// MongoRouterClient is the RouterClient backed by go.mongodb.org/mongo-driver,
// bound to the router's `config` database.
type MongoRouterClient struct {
	client *mongo.Client
	config *mongo.Database
}

// NewMongoRouterClient connects to the router at addr ("host:port").
func NewMongoRouterClient(ctx context.Context, addr string) (*MongoRouterClient, error) {
	client, err := mongo.Connect(ctx, options.Client().
		ApplyURI(fmt.Sprintf("mongodb://%s", addr)).
		SetConnectTimeout(5*time.Second).
		SetServerSelectionTimeout(5*time.Second))
	if err != nil {
		return nil, backuperr.Wrap(backuperr.KindTransport, "connect to router", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		return nil, backuperr.Wrap(backuperr.KindTransport, "ping router", err)
	}
	return &MongoRouterClient{client: client, config: client.Database("config")}, nil
}

func (r *MongoRouterClient) Close(ctx context.Context) error {
	return r.client.Disconnect(ctx)
}

type shardDoc struct {
	ID   string `bson:"_id"`
	Host string `bson:"host"`
}

// GetShardTopology implements RouterClient.GetShardTopology.
func (r *MongoRouterClient) GetShardTopology(ctx context.Context) ([]topology.Shard, error) {
	cur, err := r.config.Collection("shards").Find(ctx, bson.D{})
	if err != nil {
		return nil, backuperr.Wrap(backuperr.KindTransport, "read config.shards", err)
	}
	defer cur.Close(ctx)

	var shards []topology.Shard
	for cur.Next(ctx) {
		var doc shardDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, backuperr.Wrap(backuperr.KindTransport, "decode shard document", err)
		}

		if !strings.Contains(doc.Host, "/") {
			shards = append(shards, topology.Shard{StandaloneEndpoint: doc.Host})
			continue
		}

		parts := strings.SplitN(doc.Host, "/", 2)
		name, hosts := parts[0], strings.Split(parts[1], ",")

		members, err := replicaSetMembers(ctx, hosts)
		if err != nil {
			return nil, err
		}
		shards = append(shards, topology.Shard{Name: name, Members: members})
	}
	if err := cur.Err(); err != nil {
		return nil, backuperr.Wrap(backuperr.KindTransport, "iterate config.shards", err)
	}
	return shards, nil
}

type replSetMember struct {
	Name       string    `bson:"name"`
	State      int       `bson:"state"`
	Health     float64   `bson:"health"`
	OptimeDate time.Time `bson:"optimeDate"`
}

type replSetStatus struct {
	Members []replSetMember `bson:"members"`
}

// replica-set member states, per MongoDB's replSetGetStatus.
const (
	rsStatePrimary   = 1
	rsStateSecondary = 2
)

func replicaSetMembers(ctx context.Context, hosts []string) ([]topology.Member, error) {
	client, err := mongo.Connect(ctx, options.Client().
		SetHosts(hosts).
		SetConnectTimeout(5*time.Second).
		SetServerSelectionTimeout(5*time.Second))
	if err != nil {
		return nil, backuperr.Wrap(backuperr.KindTransport, fmt.Sprintf("connect to replica set %v", hosts), err)
	}
	defer client.Disconnect(ctx)

	var status replSetStatus
	if err := client.Database("admin").RunCommand(ctx, bson.D{{Key: "replSetGetStatus", Value: 1}}).Decode(&status); err != nil {
		return nil, backuperr.Wrap(backuperr.KindTransport, "replSetGetStatus", err)
	}

	members := make([]topology.Member, 0, len(status.Members))
	for _, m := range status.Members {
		role := topology.RoleOther
		switch m.State {
		case rsStatePrimary:
			role = topology.RolePrimary
		case rsStateSecondary:
			role = topology.RoleSecondary
		}
		health := topology.HealthDown
		if m.Health == 1 {
			health = topology.HealthUp
		}
		members = append(members, topology.Member{
			Host:   m.Name,
			Role:   role,
			Health: health,
			Optime: m.OptimeDate,
		})
	}
	return members, nil
}

// GetLocks implements RouterClient.GetLocks.
func (r *MongoRouterClient) GetLocks(ctx context.Context) ([]LockDoc, error) {
	cur, err := r.config.Collection("locks").Find(ctx, bson.D{{Key: "state", Value: 2}})
	if err != nil {
		return nil, backuperr.Wrap(backuperr.KindTransport, "read config.locks", err)
	}
	defer cur.Close(ctx)

	var locks []LockDoc
	for cur.Next(ctx) {
		var doc struct {
			ID    string `bson:"_id"`
			State int    `bson:"state"`
		}
		if err := cur.Decode(&doc); err != nil {
			return nil, backuperr.Wrap(backuperr.KindTransport, "decode lock document", err)
		}
		locks = append(locks, LockDoc{ID: doc.ID, State: doc.State})
	}
	return locks, cur.Err()
}

func (r *MongoRouterClient) readBalancerStopped(ctx context.Context) (bool, error) {
	var doc struct {
		Stopped bool `bson:"stopped"`
	}
	err := r.config.Collection("settings").FindOne(ctx, bson.D{{Key: "_id", Value: "balancer"}}).Decode(&doc)
	if err != nil {
		return false, backuperr.Wrap(backuperr.KindTransport, "read balancer settings", err)
	}
	return doc.Stopped, nil
}

func (r *MongoRouterClient) BalancerStopped(ctx context.Context) (bool, error) {
	return r.readBalancerStopped(ctx)
}

func (r *MongoRouterClient) setBalancerStopped(ctx context.Context, stopped bool) error {
	_, err := r.config.Collection("settings").UpdateOne(ctx,
		bson.D{{Key: "_id", Value: "balancer"}},
		bson.D{{Key: "$set", Value: bson.D{{Key: "stopped", Value: stopped}}}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return backuperr.Wrap(backuperr.KindBalancer, "write balancer settings", err)
	}

	got, err := r.readBalancerStopped(ctx)
	if err != nil {
		return err
	}
	if got != stopped {
		return backuperr.New(backuperr.KindBalancer, fmt.Sprintf("balancer stopped=%v after write, expected %v", got, stopped))
	}
	return nil
}

func (r *MongoRouterClient) StopBalancer(ctx context.Context) error {
	return r.setBalancerStopped(ctx, true)
}

func (r *MongoRouterClient) StartBalancer(ctx context.Context) error {
	return r.setBalancerStopped(ctx, false)
}

// GetConfigServers implements RouterClient.GetConfigServers. The original
// implementation shuffles this list before the coordinator sorts it; the
// shuffle is dead code (spec.md §9) and is not reproduced here.
func (r *MongoRouterClient) GetConfigServers(ctx context.Context) ([]string, error) {
	var opts struct {
		Parsed struct {
			ConfigDB string `bson:"configdb"`
		} `bson:"parsed"`
	}
	err := r.client.Database("admin").RunCommand(ctx, bson.D{{Key: "getCmdLineOpts", Value: 1}}).Decode(&opts)
	if err != nil {
		return nil, backuperr.Wrap(backuperr.KindTransport, "getCmdLineOpts", err)
	}

	configdb := opts.Parsed.ConfigDB
	if idx := strings.Index(configdb, "/"); idx >= 0 {
		configdb = configdb[idx+1:]
	}
	servers := strings.Split(configdb, ",")
	sort.Strings(servers)
	return servers, nil
}
