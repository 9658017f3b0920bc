package mcrouter

import "fmt"

// Result is the outcome of an operation as seen by the client.
type Result uint8

const (
	// ResOK is the generic success of a no-key operation.
	ResOK Result = iota
	ResStored
	ResNotStored
	ResExists
	ResFound
	// ResNotFound is a miss. It is an outcome, not an error.
	ResNotFound
	ResDeleted
	ResTouched
	// ResRemoteError is a failure reported by the backend.
	ResRemoteError
	// ResLocalError is a transport or client-side failure. The reply
	// carries the ClientError in Err.
	ResLocalError
)

// String returns the name of a result.
func (res Result) String() string {
	switch res {
	case ResOK:
		return "ok"
	case ResStored:
		return "stored"
	case ResNotStored:
		return "not_stored"
	case ResExists:
		return "exists"
	case ResFound:
		return "found"
	case ResNotFound:
		return "not_found"
	case ResDeleted:
		return "deleted"
	case ResTouched:
		return "touched"
	case ResRemoteError:
		return "remote_error"
	case ResLocalError:
		return "local_error"
	default:
		return fmt.Sprintf("unknown result (%d)", uint8(res))
	}
}

// Reply is the reconciled, client-visible outcome of a Request. Errors below
// the configuration boundary are always recovered into a Reply; callers
// distinguish success from failure by inspecting Result, not by recovering
// from a panic or a dropped callback.
type Reply struct {
	Result Result
	// Key is the key the backend reported the reply under, when the
	// protocol reflects it. Route handles translate derived replica keys
	// back to the logical key here.
	Key   string
	Value []byte
	Flags uint32
	// Err is set for ResRemoteError and ResLocalError replies.
	Err error
}

// Failed reports whether the reply is an error outcome. A miss is not a
// failure.
func (reply *Reply) Failed() bool {
	return reply.Result == ResRemoteError || reply.Result == ResLocalError
}

// OK reports the opposite of Failed.
func (reply *Reply) OK() bool {
	return !reply.Failed()
}

func localErrorReply(req *Request, err error) *Reply {
	reply := &Reply{Result: ResLocalError, Err: err}
	if req != nil {
		reply.Key = req.Key
	}
	return reply
}
