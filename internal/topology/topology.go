// Package topology models the cluster layout discovered at the start of a
// backup run and selects the lock target for each shard.
package topology

import (
	"fmt"
	"sort"
	"time"

	"github.com/cuemby/mongobackup/internal/backuperr"
)

// MemberRole mirrors a replica-set member's reported role.
type MemberRole string

const (
	RolePrimary   MemberRole = "primary"
	RoleSecondary MemberRole = "secondary"
	RoleOther     MemberRole = "other"
)

// MemberHealth mirrors a replica-set member's reported health.
type MemberHealth string

const (
	HealthUp   MemberHealth = "up"
	HealthDown MemberHealth = "down"
)

// Member is one node of a replica-set shard.
type Member struct {
	Host   string
	Role   MemberRole
	Health MemberHealth
	Optime time.Time
}

// Shard is either a standalone endpoint or a replica set. Exactly one of
// StandaloneEndpoint or (Name, Members) is populated.
type Shard struct {
	// StandaloneEndpoint is set for a shard whose host string carries no
	// "/" (no replica-set name prefix).
	StandaloneEndpoint string

	// Name is the replica-set name, set when this shard is a replica set.
	Name string

	// Members is the replica-set member list, set when this shard is a
	// replica set.
	Members []Member
}

// IsStandalone reports whether the shard is a single standalone member.
func (s Shard) IsStandalone() bool {
	return s.StandaloneEndpoint != "" && s.Name == ""
}

// SelectLockTarget picks the member to lock for a shard, per spec:
//  1. candidates = secondaries with health=up
//  2. pick the candidate with the largest optime (least replication lag)
//  3. otherwise pick the primary
//  4. otherwise fail
//
// Standalone shards return their endpoint verbatim.
func SelectLockTarget(s Shard) (string, error) {
	if s.IsStandalone() {
		return s.StandaloneEndpoint, nil
	}

	var candidates []Member
	for _, m := range s.Members {
		if m.Role == RoleSecondary && m.Health == HealthUp {
			candidates = append(candidates, m)
		}
	}
	if len(candidates) > 0 {
		sort.Slice(candidates, func(i, j int) bool {
			return candidates[i].Optime.After(candidates[j].Optime)
		})
		return candidates[0].Host, nil
	}

	for _, m := range s.Members {
		if m.Role == RolePrimary {
			return m.Host, nil
		}
	}

	return "", backuperr.New(backuperr.KindNoLockTarget,
		fmt.Sprintf("shard %q has no healthy secondary and no primary", s.Name))
}
