// Package router builds a routing tree out of a declarative configuration:
// pools of external connections, route handles on top of them, and the
// in-process internal connection variant that wraps the whole tree.
package router

import (
	"encoding/json"
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/TPNguyen/mcrouter"
	"github.com/TPNguyen/mcrouter/pool"
	"github.com/TPNguyen/mcrouter/routes"
)

// Opts configures the connections a router dials.
type Opts struct {
	// ConnOpts is applied to every external connection of every pool.
	ConnOpts mcrouter.Opts
	// Picker overrides the read-path replica selection of key-split
	// routes built by this router.
	Picker routes.Picker
}

// Router is an embedded request router: the route tree built from one
// Config, dispatching in-process without an extra socket hop. It exposes
// the Conn contract, so a Router is substitutable for a plain connection.
//
// The router owns its pools. There is no ambient registry of router
// instances; whoever constructs the router holds the only handle.
type Router struct {
	name  string
	root  mcrouter.Conn
	pools map[string]mcrouter.Conn
}

var _ mcrouter.Conn = (*Router)(nil)

// New parses blob, dials every pool member and wires the route tree.
// Every configuration error rejects the whole build; on a dial failure
// the already-dialed connections are torn down again.
func New(name string, blob string, opts Opts) (*Router, error) {
	cfg, err := ParseConfig(blob)
	if err != nil {
		return nil, err
	}

	r := &Router{name: name, pools: make(map[string]mcrouter.Conn, len(cfg.Pools))}
	for poolName, poolCfg := range cfg.Pools {
		p, err := r.buildPool(poolName, poolCfg, opts)
		if err != nil {
			r.Close()
			return nil, err
		}
		r.pools[poolName] = p
	}

	root, err := r.buildRoute(cfg.Route, opts)
	if err != nil {
		r.Close()
		return nil, err
	}
	r.root = root
	return r, nil
}

// Name returns the identifying name the router was built with.
func (r *Router) Name() string {
	return r.name
}

// Do routes the request through the route tree.
func (r *Router) Do(req *mcrouter.Request) *mcrouter.Future {
	return r.root.Do(req)
}

// HealthCheck probes the route tree; it is healthy when the root target
// is, which for pool-backed trees means every pool member answered.
func (r *Router) HealthCheck() bool {
	return r.root.HealthCheck()
}

// Close tears down every pool the router owns.
func (r *Router) Close() error {
	var errs *multierror.Error
	for _, p := range r.pools {
		if err := p.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	r.pools = nil
	return errs.ErrorOrNil()
}

// buildPool dials the pool members. A single-server pool needs no
// round-robin layer, the bare connection serves it.
func (r *Router) buildPool(name string, cfg PoolConfig, opts Opts) (mcrouter.Conn, error) {
	protocol, err := mcrouter.ParseProtocol(cfg.Protocol)
	if err != nil {
		return nil, fmt.Errorf("pool %q: %w", name, err)
	}
	members := make([]mcrouter.Conn, 0, len(cfg.Servers))
	for _, server := range cfg.Servers {
		conn, err := mcrouter.Connect(server, protocol, opts.ConnOpts)
		if err != nil {
			for _, member := range members {
				member.Close()
			}
			return nil, fmt.Errorf("pool %q: %w", name, err)
		}
		members = append(members, conn)
	}
	if len(members) == 1 {
		return members[0], nil
	}
	return pool.New(members...)
}

// sharedConn is the view of a router-owned target handed to route
// handles. Handles close their destinations; the no-op Close keeps that
// from tearing down a pool other nodes still reference.
type sharedConn struct {
	mcrouter.Conn
}

func (sharedConn) Close() error { return nil }

// buildRoute wires one route node. Pools are shared between route nodes
// referencing them and stay owned by the router, not by the handles.
func (r *Router) buildRoute(raw json.RawMessage, opts Opts) (mcrouter.Conn, error) {
	poolName, node, err := decodeRouteNode(raw)
	if err != nil {
		return nil, err
	}
	if poolName == "" && node.Type == "PoolRoute" {
		poolName = node.Pool
	}
	if poolName != "" {
		p, ok := r.pools[poolName]
		if !ok {
			return nil, fmt.Errorf("route references unknown pool %q", poolName)
		}
		return sharedConn{p}, nil
	}

	switch node.Type {
	case "KeySplitRoute":
		if node.Replicas == nil {
			return nil, fmt.Errorf("KeySplitRoute: no replicas specified")
		}
		if node.AllSync == nil {
			return nil, fmt.Errorf("KeySplitRoute: all_sync not specified")
		}
		destination, err := r.buildRoute(node.Destination, opts)
		if err != nil {
			return nil, err
		}
		return routes.NewKeySplitRoute(destination, *node.Replicas, *node.AllSync,
			routes.KeySplitOpts{Picker: opts.Picker, Logger: opts.ConnOpts.Logger})
	default:
		return nil, fmt.Errorf("unknown route type %q", node.Type)
	}
}
