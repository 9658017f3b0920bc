package mcrouter

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// Binary framing, modeled on the memcache binary protocol. Every packet is
// a 24-byte header followed by extras, key and value. The opaque field
// carries the request id, so replies may arrive out of order.
//
//	0: magic  1: opcode  2-3: key length
//	4: extras length  5: data type  6-7: status (replies only)
//	8-11: total body length  12-15: opaque  16-23: cas (unused)

const (
	binaryHeaderLen = 24

	magicRequest  = 0x80
	magicResponse = 0x81
)

const (
	statusOK        = 0x0000
	statusNotFound  = 0x0001
	statusExists    = 0x0002
	statusNotStored = 0x0005
)

var binaryOpcodes = map[Op]uint8{
	OpGet:      0x00,
	OpSet:      0x01,
	OpAdd:      0x02,
	OpReplace:  0x03,
	OpDelete:   0x04,
	OpFlushAll: 0x08,
	OpNoop:     0x0a,
	OpVersion:  0x0b,
	OpGets:     0x0c,
	OpTouch:    0x1c,
}

var binaryOps = func() map[uint8]Op {
	ops := make(map[uint8]Op, len(binaryOpcodes))
	for op, code := range binaryOpcodes {
		ops[code] = op
	}
	return ops
}()

type binaryCodec struct{}

func (binaryCodec) WriteRequest(w *bufio.Writer, id uint32, req *Request) error {
	opcode, ok := binaryOpcodes[req.Op]
	if !ok {
		return ClientError{ErrBadRequest, "operation " + req.Op.String() + " is not framed by the binary protocol"}
	}

	var extras []byte
	switch req.Op {
	case OpSet, OpAdd, OpReplace:
		extras = make([]byte, 8)
		binary.BigEndian.PutUint32(extras[0:], req.Flags)
		binary.BigEndian.PutUint32(extras[4:], req.Expiration)
	case OpTouch:
		extras = make([]byte, 4)
		binary.BigEndian.PutUint32(extras, req.Expiration)
	}

	var header [binaryHeaderLen]byte
	header[0] = magicRequest
	header[1] = opcode
	binary.BigEndian.PutUint16(header[2:], uint16(len(req.Key)))
	header[4] = uint8(len(extras))
	binary.BigEndian.PutUint32(header[8:], uint32(len(extras)+len(req.Key)+len(req.Value)))
	binary.BigEndian.PutUint32(header[12:], id)

	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	if _, err := w.Write(extras); err != nil {
		return err
	}
	if _, err := w.WriteString(req.Key); err != nil {
		return err
	}
	_, err := w.Write(req.Value)
	return err
}

func (binaryCodec) ReadReply(r *bufio.Reader) (uint32, *Reply, error) {
	var header [binaryHeaderLen]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, nil, err
	}
	if header[0] != magicResponse {
		return 0, nil, ClientError{ErrProtocolError,
			fmt.Sprintf("wrong response magic 0x%x", header[0])}
	}
	op, ok := binaryOps[header[1]]
	if !ok {
		return 0, nil, ClientError{ErrProtocolError,
			fmt.Sprintf("unknown response opcode 0x%x", header[1])}
	}

	keyLen := int(binary.BigEndian.Uint16(header[2:]))
	extrasLen := int(header[4])
	status := binary.BigEndian.Uint16(header[6:])
	bodyLen := int(binary.BigEndian.Uint32(header[8:]))
	id := binary.BigEndian.Uint32(header[12:])

	if bodyLen < extrasLen+keyLen {
		return 0, nil, ClientError{ErrProtocolError, "response body shorter than its parts"}
	}
	if bodyLen > MaxFrameBytes {
		return 0, nil, ClientError{ErrProtocolError,
			fmt.Sprintf("response body of %d bytes exceeds the frame limit", bodyLen)}
	}
	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, err
	}

	reply := &Reply{Key: string(body[extrasLen : extrasLen+keyLen])}
	value := body[extrasLen+keyLen:]
	if extrasLen >= 4 {
		reply.Flags = binary.BigEndian.Uint32(body)
	}

	switch status {
	case statusOK:
		reply.Result = successResult(op)
		if len(value) > 0 {
			reply.Value = value
		}
	case statusNotFound:
		reply.Result = ResNotFound
	case statusExists:
		reply.Result = ResExists
	case statusNotStored:
		reply.Result = ResNotStored
	default:
		reply.Result = ResRemoteError
		reply.Err = Error{Msg: string(value)}
	}
	return id, reply, nil
}

// successResult maps a status-OK response back to the op-specific outcome.
func successResult(op Op) Result {
	switch op {
	case OpGet, OpGets:
		return ResFound
	case OpSet, OpAdd, OpReplace:
		return ResStored
	case OpDelete:
		return ResDeleted
	case OpTouch:
		return ResTouched
	default:
		return ResOK
	}
}
