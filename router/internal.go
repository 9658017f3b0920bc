package router

import (
	"github.com/google/uuid"

	"github.com/TPNguyen/mcrouter"
)

// InternalConn is the in-process connection variant: instead of a host and
// port it is constructed from an embedded router configuration plus a
// client-identifying name, and requests are handed off through the
// embedded route tree without a socket hop. It honors the identical Conn
// contract, so callers never need to know which variant they hold.
type InternalConn struct {
	name   string
	router *Router
}

var _ mcrouter.Conn = (*InternalConn)(nil)

// NewInternalConn builds the embedded router from the configuration blob.
// An empty name gets a generated one.
func NewInternalConn(name string, blob string, opts Opts) (*InternalConn, error) {
	if name == "" {
		name = "internal-" + uuid.NewString()
	}
	r, err := New(name, blob, opts)
	if err != nil {
		return nil, err
	}
	return &InternalConn{name: name, router: r}, nil
}

// Name returns the client-identifying name of the connection.
func (c *InternalConn) Name() string {
	return c.name
}

// Do dispatches the request in-process through the embedded router.
func (c *InternalConn) Do(req *mcrouter.Request) *mcrouter.Future {
	return c.router.Do(req)
}

// HealthCheck probes the embedded router's route tree.
func (c *InternalConn) HealthCheck() bool {
	return c.router.HealthCheck()
}

// Close tears down the embedded router and its pools.
func (c *InternalConn) Close() error {
	return c.router.Close()
}
