package mcrouter

import (
	"bufio"
	"fmt"
)

// Protocol selects the wire framing of an external connection. The
// selection is part of construction and immutable thereafter.
type Protocol uint8

const (
	// ProtocolBinary is the compact binary framing: a fixed 24-byte
	// header with an opaque correlation id, followed by extras, key and
	// value.
	ProtocolBinary Protocol = iota
	// ProtocolRPC is the RPC-style framing: length-prefixed msgpack
	// frames.
	ProtocolRPC
)

// ParseProtocol converts a configuration string to a Protocol.
func ParseProtocol(s string) (Protocol, error) {
	switch s {
	case "binary":
		return ProtocolBinary, nil
	case "rpc":
		return ProtocolRPC, nil
	default:
		return 0, fmt.Errorf("unsupported protocol %q", s)
	}
}

// String returns the configuration name of the protocol.
func (p Protocol) String() string {
	switch p {
	case ProtocolBinary:
		return "binary"
	case ProtocolRPC:
		return "rpc"
	default:
		return fmt.Sprintf("unknown protocol (%d)", uint8(p))
	}
}

// codec frames requests onto the wire and reads framed replies back,
// correlating them by request id.
type codec interface {
	WriteRequest(w *bufio.Writer, id uint32, req *Request) error
	ReadReply(r *bufio.Reader) (uint32, *Reply, error)
}

func (p Protocol) newCodec() codec {
	switch p {
	case ProtocolRPC:
		return rpcCodec{}
	default:
		return binaryCodec{}
	}
}
