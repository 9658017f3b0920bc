package mcrouter

import (
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Conn is the common capability of every routing target: a single external
// connection, an in-process internal connection, a pooled connection or a
// route handle. Callers must never need to know which variant they hold.
type Conn interface {
	// Do performs a request asynchronously. It returns immediately having
	// scheduled work; the returned future resolves exactly once.
	Do(req *Request) *Future
	// HealthCheck performs a lightweight round trip against the target and
	// reports whether it can currently serve requests. It is safe to call
	// before any Do and does not disturb in-flight requests.
	HealthCheck() bool
	// Close tears the target down. A closed target rejects requests with
	// ClientError{Code: ErrConnectionClosed}.
	Close() error
}

// Callback receives the original request (for correlation) and its reply.
type Callback func(req *Request, reply *Reply)

// SendRequestOne sends one request and delivers the reply through cb on a
// separate goroutine. The callback is invoked exactly once per call, also
// when the transport fails: failures arrive as a ResLocalError reply.
func SendRequestOne(c Conn, req *Request, cb Callback) {
	fut := c.Do(req)
	go func() {
		reply, _ := fut.Get()
		cb(req, reply)
	}()
}

var errUnhealthy = errors.New("health check failed")

// WaitHealthy probes the target until it reports healthy, with a fixed
// delay between a bounded number of attempts. Zero attempts or a
// non-positive delay select the defaults (5 attempts, 200ms apart).
//
// Retrying is deliberately the caller's job, not the connection's: the
// core has no background reconnection policy.
func WaitHealthy(c Conn, attempts uint, delay time.Duration) bool {
	if attempts == 0 {
		attempts = DefaultHealthAttempts
	}
	if delay <= 0 {
		delay = DefaultHealthDelay
	}
	err := backoff.Retry(func() error {
		if !c.HealthCheck() {
			return errUnhealthy
		}
		return nil
	}, backoff.WithMaxRetries(backoff.NewConstantBackOff(delay), uint64(attempts-1)))
	return err == nil
}
