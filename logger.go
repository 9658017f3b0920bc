package mcrouter

import "log"

// LogKind identifies an event reported through Logger.
type LogKind int

const (
	// LogIOError is reported when a connection fails mid-flight.
	LogIOError LogKind = iota + 1
	// LogUnexpectedReplyID is reported when a reply with an unknown
	// request id is received. Most probably it is due to a request
	// timeout.
	LogUnexpectedReplyID
	// LogHealthCheckFailed is reported when a health probe fails.
	LogHealthCheckFailed
	// LogSecondaryReplicaFailed is reported by a replica-split route
	// handle when secondary replica operations fail.
	LogSecondaryReplicaFailed
)

// Logger is the logger type expected to be passed in options.
type Logger interface {
	Report(event LogKind, target string, v ...interface{})
}

// DefaultLogger reports events through the standard log package. It is used
// whenever no Logger is configured.
var DefaultLogger Logger = defaultLogger{}

type defaultLogger struct{}

func (d defaultLogger) Report(event LogKind, target string, v ...interface{}) {
	switch event {
	case LogIOError:
		err := v[0].(error)
		log.Printf("mcrouter: connection %s failed: %s\n", target, err)
	case LogUnexpectedReplyID:
		id := v[0].(uint32)
		log.Printf("mcrouter: connection %s got unexpected request id (%d) in reply\n", target, id)
	case LogHealthCheckFailed:
		log.Printf("mcrouter: health check of %s failed: %v\n", target, v)
	case LogSecondaryReplicaFailed:
		err := v[0].(error)
		log.Printf("mcrouter: secondary replicas of key %q failed: %s\n", target, err)
	default:
		args := append([]interface{}{"mcrouter: unexpected event ", event, target}, v...)
		log.Print(args...)
	}
}
