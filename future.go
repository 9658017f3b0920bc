package mcrouter

import (
	"sync/atomic"
	"time"
)

// Future is a handle for an asynchronous request. It resolves exactly once,
// either with the backend's reply or with a ResLocalError reply wrapping a
// transport failure.
type Future struct {
	req       *Request
	requestID uint32
	reply     *Reply
	err       error
	done      uint32
	ready     chan struct{}
	timer     *time.Timer
}

// NewFuture returns a new unresolved Future for the request.
func NewFuture(req *Request) *Future {
	return &Future{req: req, ready: make(chan struct{})}
}

// NewErrorFuture returns a Future already resolved with the error.
func NewErrorFuture(req *Request, err error) *Future {
	fut := NewFuture(req)
	fut.SetError(err)
	return fut
}

// Request returns the request the future correlates to.
func (fut *Future) Request() *Request {
	return fut.req
}

// SetReply resolves the future with the reply. Only the first resolution
// takes effect.
func (fut *Future) SetReply(reply *Reply) {
	if atomic.CompareAndSwapUint32(&fut.done, 0, 1) {
		fut.reply = reply
		fut.err = reply.Err
		fut.markReady()
	}
}

// SetError resolves the future with a local-error reply carrying err.
func (fut *Future) SetError(err error) {
	if atomic.CompareAndSwapUint32(&fut.done, 0, 1) {
		fut.reply = localErrorReply(fut.req, err)
		fut.err = err
		fut.markReady()
	}
}

func (fut *Future) markReady() {
	if fut.timer != nil {
		fut.timer.Stop()
	}
	close(fut.ready)
}

// Get waits for the future to resolve and returns the reply and error.
//
// The reply is never nil: transport failures are returned as a reply with
// Result ResLocalError, with the same error in the second return value.
func (fut *Future) Get() (*Reply, error) {
	<-fut.ready
	return fut.reply, fut.err
}

// Err waits for the future to resolve and returns its error, if any.
func (fut *Future) Err() error {
	<-fut.ready
	return fut.err
}

// WaitChan returns a channel which becomes closed once the reply arrived or
// an error occurred.
func (fut *Future) WaitChan() <-chan struct{} {
	return fut.ready
}

func (fut *Future) resolved() bool {
	return atomic.LoadUint32(&fut.done) != 0
}
