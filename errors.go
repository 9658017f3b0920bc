package mcrouter

import "fmt"

// Error is a failure reported by the backend itself, as opposed to a
// failure of the transport on the way there.
type Error struct {
	Msg string
}

// Error converts an Error to a string.
func (srverr Error) Error() string {
	return srverr.Msg
}

// ClientError is an error produced by this client, i.e. connection
// failures or timeouts. It travels to the caller inside a ResLocalError
// reply, never as a panic across the Conn boundary.
type ClientError struct {
	Code uint32
	Msg  string
}

// Error converts a ClientError to a string.
func (clierr ClientError) Error() string {
	return fmt.Sprintf("%s (0x%x)", clierr.Msg, clierr.Code)
}

// Temporary returns true if a next attempt to perform the request may
// succeed.
//
// Currently it returns true when:
//
// - the connection is not ready at the moment
//
// - the request timed out
func (clierr ClientError) Temporary() bool {
	switch clierr.Code {
	case ErrConnectionNotReady, ErrTimeouted:
		return true
	default:
		return false
	}
}

// Client error codes.
const (
	ErrConnectionNotReady = 0x4000 + iota
	ErrConnectionClosed   = 0x4000 + iota
	ErrProtocolError      = 0x4000 + iota
	ErrTimeouted          = 0x4000 + iota
	ErrIOError            = 0x4000 + iota
	ErrBadRequest         = 0x4000 + iota
)
