// Package mcrouter implements the request-routing core of a caching proxy:
// a transport-agnostic connection contract with external and internal
// variants, and the building blocks route handles and pools are composed
// from.
package mcrouter

import (
	"bufio"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/edwingeng/deque/v2"
	"github.com/puzpuzpuz/xsync/v3"
)

// State describes the lifecycle of an external connection.
type State uint32

const (
	StateDisconnected State = iota
	StateConnecting
	StateHealthy
	StateUnhealthy
)

// String returns the name of a state.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateHealthy:
		return "healthy"
	case StateUnhealthy:
		return "unhealthy"
	default:
		return fmt.Sprintf("unknown state (%d)", uint32(s))
	}
}

// Opts is a way to configure a Connection.
type Opts struct {
	// Timeout for the response to a particular request. If Timeout is
	// zero, a request can be blocked infinitely.
	// Also used to set up net.Conn read/write deadlines.
	Timeout time.Duration
	// DialTimeout bounds the initial dial. Defaults to one second.
	DialTimeout time.Duration
	// Logger is a user specified logger used for error messages.
	Logger Logger
}

// Clone returns a copy of the Opts object.
func (opts Opts) Clone() Opts {
	optsCopy := opts

	return optsCopy
}

const defaultProbeTimeout = time.Second

var ioErrors = metrics.NewCounter("mcrouter_connection_io_errors_total")

// Connection is a live session to one remote backend over a fixed wire
// protocol. It is created and configured with Connect and could not be
// reconfigured later.
//
// A Connection becomes StateHealthy only after a successful health probe
// and transitions to StateUnhealthy on I/O failure. There is no background
// reconnection: once the transport breaks, requests are rejected with
// ClientError{Code: ErrConnectionNotReady} and the owner is expected to
// destroy the connection and build a new one.
//
// Do is safe to call concurrently from multiple logical operations.
type Connection struct {
	addr     string
	protocol Protocol
	opts     Opts
	codec    codec

	mutex sync.Mutex // guards c during teardown
	c     net.Conn

	state     uint32
	alive     uint32
	requestID uint32

	pending *xsync.MapOf[uint32, *Future]

	sendMu sync.Mutex
	sendq  *deque.Deque[*Future]
	dirty  chan struct{}

	control chan struct{}
}

var _ Conn = (*Connection)(nil)

// Connect dials addr, starts the connection's writer and reader and runs
// one health probe. A failed dial is an error; a failed probe is not — the
// connection is returned in StateUnhealthy and the caller may keep probing
// with WaitHealthy.
func Connect(addr string, protocol Protocol, opts Opts) (*Connection, error) {
	opts = opts.Clone()
	if opts.Logger == nil {
		opts.Logger = DefaultLogger
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = time.Second
	}

	conn := &Connection{
		addr:     addr,
		protocol: protocol,
		opts:     opts,
		codec:    protocol.newCodec(),
		state:    uint32(StateConnecting),
		pending:  xsync.NewMapOf[uint32, *Future](),
		sendq:    deque.NewDeque[*Future](),
		dirty:    make(chan struct{}, 1),
		control:  make(chan struct{}),
	}

	network, address := parseAddress(addr)
	c, err := net.DialTimeout(network, address, opts.DialTimeout)
	if err != nil {
		atomic.StoreUint32(&conn.state, uint32(StateDisconnected))
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	conn.c = c
	atomic.StoreUint32(&conn.alive, 1)

	// Write deadlines bound the writer; the reader blocks freely between
	// replies, per-request timeouts are enforced by timers instead.
	dc := &deadlineIO{to: opts.Timeout, c: c}
	go conn.writer(bufio.NewWriterSize(dc, 64*1024), c)
	go conn.reader(bufio.NewReaderSize(c, 64*1024), c)

	conn.HealthCheck()
	return conn, nil
}

// Addr returns the configured address of the backend.
func (conn *Connection) Addr() string {
	return conn.addr
}

// Protocol returns the wire protocol the connection was built with.
func (conn *Connection) Protocol() Protocol {
	return conn.protocol
}

// State returns the current connection state.
func (conn *Connection) State() State {
	return State(atomic.LoadUint32(&conn.state))
}

// Do performs a request asynchronously on the connection. The request is
// put on the send queue and the future resolves once the reply is read
// back, the request times out, or the transport fails.
func (conn *Connection) Do(req *Request) *Future {
	fut := NewFuture(req)
	if err := req.validate(); err != nil {
		fut.SetError(err)
		return fut
	}
	if conn.closed() {
		fut.SetError(ClientError{ErrConnectionClosed, "using closed connection"})
		return fut
	}
	if atomic.LoadUint32(&conn.alive) == 0 {
		fut.SetError(ClientError{ErrConnectionNotReady, "connection is not ready"})
		return fut
	}

	fut.requestID = conn.nextRequestID()
	// The timer is armed before the future becomes visible through
	// pending, so no concurrent resolution can observe the field while it
	// is written. Firing ahead of the store is a no-op: the callback only
	// acts on a future it can still take out of pending.
	if to := conn.opts.Timeout; to > 0 {
		id := fut.requestID
		fut.timer = time.AfterFunc(to, func() {
			if f, ok := conn.pending.LoadAndDelete(id); ok {
				f.SetError(ClientError{
					Code: ErrTimeouted,
					Msg:  fmt.Sprintf("client timeout for request %d", id),
				})
			}
		})
	}
	conn.pending.Store(fut.requestID, fut)
	if conn.closed() {
		// Lost the race against Close; take the future back.
		if f, ok := conn.pending.LoadAndDelete(fut.requestID); ok {
			f.SetError(ClientError{ErrConnectionClosed, "using closed connection"})
		}
		return fut
	}
	if atomic.LoadUint32(&conn.alive) == 0 {
		// Lost the race against teardown: its failPending sweep may have
		// finished before the store above, leaving no goroutine to ever
		// resolve this future.
		if f, ok := conn.pending.LoadAndDelete(fut.requestID); ok {
			f.SetError(ClientError{ErrConnectionNotReady, "connection is not ready"})
		}
		return fut
	}

	conn.sendMu.Lock()
	conn.sendq.PushBack(fut)
	conn.sendMu.Unlock()
	select {
	case conn.dirty <- struct{}{}:
	default:
	}
	return fut
}

// HealthCheck sends a version probe and reports whether the backend
// answered it. The probe moves the connection to StateHealthy or
// StateUnhealthy accordingly; it does not disturb in-flight requests.
func (conn *Connection) HealthCheck() bool {
	fut := conn.Do(&Request{Op: OpVersion})
	probeTimeout := conn.opts.Timeout
	if probeTimeout <= 0 {
		probeTimeout = defaultProbeTimeout
	}

	var ok bool
	select {
	case <-fut.WaitChan():
		reply, err := fut.Get()
		ok = err == nil && reply.OK()
	case <-time.After(probeTimeout):
		if f, loaded := conn.pending.LoadAndDelete(fut.requestID); loaded {
			f.SetError(ClientError{ErrTimeouted, "health probe timed out"})
		}
	}

	if !conn.closed() && atomic.LoadUint32(&conn.alive) == 1 {
		if ok {
			atomic.StoreUint32(&conn.state, uint32(StateHealthy))
		} else {
			atomic.StoreUint32(&conn.state, uint32(StateUnhealthy))
			conn.opts.Logger.Report(LogHealthCheckFailed, conn.addr)
		}
	}
	return ok
}

// Close closes the Connection. All pending requests resolve with
// ClientError{Code: ErrConnectionClosed}. After this method is called
// there is no way to reopen the Connection.
func (conn *Connection) Close() error {
	conn.mutex.Lock()
	defer conn.mutex.Unlock()
	if conn.closed() {
		return nil
	}
	close(conn.control)
	atomic.StoreUint32(&conn.state, uint32(StateDisconnected))
	atomic.StoreUint32(&conn.alive, 0)
	var err error
	if conn.c != nil {
		err = conn.c.Close()
		conn.c = nil
	}
	conn.failPending(ClientError{ErrConnectionClosed, "connection closed by client"})
	return err
}

func (conn *Connection) closed() bool {
	select {
	case <-conn.control:
		return true
	default:
		return false
	}
}

func (conn *Connection) nextRequestID() uint32 {
	return atomic.AddUint32(&conn.requestID, 1)
}

func (conn *Connection) writer(w *bufio.Writer, c net.Conn) {
	for {
		select {
		case <-conn.control:
			return
		case <-conn.dirty:
		}
		for {
			conn.sendMu.Lock()
			if conn.sendq.Len() == 0 {
				conn.sendMu.Unlock()
				break
			}
			fut := conn.sendq.PopFront()
			conn.sendMu.Unlock()
			if fut.resolved() {
				// Timed out or failed before hitting the wire.
				continue
			}
			if err := conn.codec.WriteRequest(w, fut.requestID, fut.req); err != nil {
				if cerr, isClient := err.(ClientError); isClient && cerr.Code == ErrBadRequest {
					// The request could not be framed; the connection survives.
					if f, ok := conn.pending.LoadAndDelete(fut.requestID); ok {
						f.SetError(err)
					}
					continue
				}
				conn.teardown(err, c)
				return
			}
		}
		if err := w.Flush(); err != nil {
			conn.teardown(err, c)
			return
		}
	}
}

func (conn *Connection) reader(r *bufio.Reader, c net.Conn) {
	for {
		id, reply, err := conn.codec.ReadReply(r)
		if err != nil {
			conn.teardown(err, c)
			return
		}
		if fut, ok := conn.pending.LoadAndDelete(id); ok {
			fut.SetReply(reply)
		} else {
			conn.opts.Logger.Report(LogUnexpectedReplyID, conn.addr, id)
		}
	}
}

// teardown handles a mid-flight transport failure: the connection goes
// unhealthy, the socket is closed and every in-flight request resolves
// with a local error.
func (conn *Connection) teardown(err error, c net.Conn) {
	if conn.closed() {
		conn.failPending(ClientError{ErrConnectionClosed, "connection closed by client"})
		return
	}
	atomic.StoreUint32(&conn.alive, 0)
	atomic.StoreUint32(&conn.state, uint32(StateUnhealthy))
	ioErrors.Inc()
	conn.opts.Logger.Report(LogIOError, conn.addr, err)

	conn.mutex.Lock()
	if conn.c == c && conn.c != nil {
		conn.c.Close()
		conn.c = nil
	}
	conn.mutex.Unlock()

	conn.failPending(ClientError{ErrIOError, "connection failed: " + err.Error()})
}

func (conn *Connection) failPending(cerr ClientError) {
	conn.pending.Range(func(id uint32, _ *Future) bool {
		if fut, ok := conn.pending.LoadAndDelete(id); ok {
			fut.SetError(cerr)
		}
		return true
	})
	conn.sendMu.Lock()
	for conn.sendq.Len() > 0 {
		conn.sendq.PopFront().SetError(cerr)
	}
	conn.sendMu.Unlock()
}
