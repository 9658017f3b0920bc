package mcrouter

import "fmt"

// Op is a kind of key-value operation.
type Op uint8

const (
	OpGet Op = iota
	OpGets
	OpSet
	OpAdd
	OpReplace
	OpDelete
	OpTouch
	OpNoop
	OpVersion
	OpFlushAll
)

// String returns the name of an operation.
func (op Op) String() string {
	switch op {
	case OpGet:
		return "get"
	case OpGets:
		return "gets"
	case OpSet:
		return "set"
	case OpAdd:
		return "add"
	case OpReplace:
		return "replace"
	case OpDelete:
		return "delete"
	case OpTouch:
		return "touch"
	case OpNoop:
		return "noop"
	case OpVersion:
		return "version"
	case OpFlushAll:
		return "flush_all"
	default:
		return fmt.Sprintf("unknown op (%d)", uint8(op))
	}
}

// IsRead reports whether op is a key-address lookup.
func (op Op) IsRead() bool {
	return op == OpGet || op == OpGets
}

// IsWrite reports whether op is a key-address mutation.
func (op Op) IsWrite() bool {
	switch op {
	case OpSet, OpAdd, OpReplace, OpDelete, OpTouch:
		return true
	default:
		return false
	}
}

// HasKey reports whether op addresses a key at all. Operations without a
// key (noop, version, flush_all) pass through route handles unreplicated.
func (op Op) HasKey() bool {
	return op.IsRead() || op.IsWrite()
}

// Request is a single key-value operation.
//
// A Request is not mutated by connections or route handles; replica-split
// routing derives new Request values instead (see WithKey).
type Request struct {
	Op    Op
	Key   string
	Value []byte
	// Flags is an opaque value stored alongside the value.
	Flags uint32
	// Expiration is a relative TTL in seconds, zero means no expiration.
	Expiration uint32
}

// WithKey returns a shallow copy of the request addressing another key.
func (req *Request) WithKey(key string) *Request {
	cp := *req
	cp.Key = key
	return &cp
}

func (req *Request) validate() error {
	if req.Op > OpFlushAll {
		return ClientError{ErrBadRequest, "unknown operation " + req.Op.String()}
	}
	if req.Op.HasKey() {
		if req.Key == "" {
			return ClientError{ErrBadRequest, "empty key for " + req.Op.String()}
		}
		if len(req.Key) > MaxKeyLength {
			return ClientError{ErrBadRequest,
				fmt.Sprintf("key longer than %d bytes", MaxKeyLength)}
		}
	}
	return nil
}
