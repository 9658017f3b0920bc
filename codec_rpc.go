package mcrouter

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// RPC framing: every frame is a big-endian uint32 length prefix followed by
// one msgpack-encoded message. Requests and replies carry an explicit id
// field for correlation.

type rpcRequest struct {
	ID         uint32 `msgpack:"id"`
	Op         uint8  `msgpack:"op"`
	Key        string `msgpack:"key"`
	Value      []byte `msgpack:"value"`
	Flags      uint32 `msgpack:"flags"`
	Expiration uint32 `msgpack:"expiration"`
}

type rpcReply struct {
	ID     uint32 `msgpack:"id"`
	Result uint8  `msgpack:"result"`
	Key    string `msgpack:"key"`
	Value  []byte `msgpack:"value"`
	Flags  uint32 `msgpack:"flags"`
	Error  string `msgpack:"error"`
}

type rpcCodec struct{}

func (rpcCodec) WriteRequest(w *bufio.Writer, id uint32, req *Request) error {
	body, err := msgpack.Marshal(rpcRequest{
		ID:         id,
		Op:         uint8(req.Op),
		Key:        req.Key,
		Value:      req.Value,
		Flags:      req.Flags,
		Expiration: req.Expiration,
	})
	if err != nil {
		return ClientError{ErrProtocolError, "encode request: " + err.Error()}
	}
	var prefix [PacketLengthBytes]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(body)))
	if _, err := w.Write(prefix[:]); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

func (rpcCodec) ReadReply(r *bufio.Reader) (uint32, *Reply, error) {
	var prefix [PacketLengthBytes]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return 0, nil, err
	}
	length := binary.BigEndian.Uint32(prefix[:])
	if length == 0 {
		return 0, nil, ClientError{ErrProtocolError, "reply frame should not be 0 length"}
	}
	if length > MaxFrameBytes {
		return 0, nil, ClientError{ErrProtocolError,
			fmt.Sprintf("reply frame of %d bytes exceeds the frame limit", length)}
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, err
	}

	var framed rpcReply
	if err := msgpack.Unmarshal(body, &framed); err != nil {
		return 0, nil, ClientError{ErrProtocolError, "decode reply: " + err.Error()}
	}
	reply := &Reply{
		Result: Result(framed.Result),
		Key:    framed.Key,
		Value:  framed.Value,
		Flags:  framed.Flags,
	}
	if framed.Error != "" {
		reply.Err = Error{Msg: framed.Error}
	}
	return framed.ID, reply, nil
}
