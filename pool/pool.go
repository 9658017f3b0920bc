// Package pool provides a pooled connection: N connections behind the
// same Conn contract, load-spread by round-robin.
//
// Main features:
//
// - Dispatch of every request to exactly one member according to a
// round-robin strategy.
//
// - Fail-closed health aggregation: the pool is healthy only if every
// member is.
//
// Because a Pool is itself a Conn, pools nest anywhere a single
// connection is expected (a pool of pools composes, a route handle can
// own a pool as its destination).
package pool

import (
	"errors"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"

	"github.com/TPNguyen/mcrouter"
)

// ErrNoMembers is returned when a pool is built without connections.
var ErrNoMembers = errors.New("pool: at least one member connection is required")

// Pool owns a fixed set of member connections and dispatches each request
// to exactly one of them. Members may be external connections, internal
// connections or nested pools, in any mix sharing the transport contract.
type Pool struct {
	members []mcrouter.Conn
	// current is the only shared mutable dispatch state; it advances on
	// every dispatch regardless of outcome.
	current uint64
}

var _ mcrouter.Conn = (*Pool)(nil)

// New builds a pool over the given members. The pool takes ownership:
// closing the pool closes the members, in the order supplied.
func New(members ...mcrouter.Conn) (*Pool, error) {
	if len(members) == 0 {
		return nil, ErrNoMembers
	}
	return &Pool{members: members}, nil
}

// Size returns the number of member connections.
func (p *Pool) Size() int {
	return len(p.members)
}

// Do dispatches the request to the next member in round-robin order.
func (p *Pool) Do(req *mcrouter.Request) *mcrouter.Future {
	return p.members[p.nextIndex()].Do(req)
}

// HealthCheck reports healthy only if every member reports healthy. Every
// member is probed on each call; health state does not influence dispatch
// selection, an unhealthy member keeps receiving its round-robin share.
func (p *Pool) HealthCheck() bool {
	healthy := true
	for _, member := range p.members {
		if !member.HealthCheck() {
			healthy = false
		}
	}
	return healthy
}

// Close tears down the members in the order they were supplied,
// aggregating their errors.
func (p *Pool) Close() error {
	var errs *multierror.Error
	for _, member := range p.members {
		if err := member.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

func (p *Pool) nextIndex() uint64 {
	next := atomic.AddUint64(&p.current, 1)
	return (next - 1) % uint64(len(p.members))
}
