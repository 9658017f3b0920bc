// Package test_helpers provides an in-memory cache backend for tests. The
// server listens on a loopback socket and speaks either of the two wire
// protocols, so external connections, pools and route handles can be
// exercised end to end without a real cache fleet.
package test_helpers

import (
	"bufio"
	"encoding/binary"
	"io"
	"net"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/TPNguyen/mcrouter"
)

// StoredItem is one value held by the mock backend.
type StoredItem struct {
	Value []byte
	Flags uint32
}

// MockServer is a minimal single-store cache backend.
type MockServer struct {
	protocol mcrouter.Protocol
	ln       net.Listener

	mu    sync.Mutex
	items map[string]StoredItem

	closed chan struct{}
	wg     sync.WaitGroup
}

// StartMockServer starts a backend for the given protocol on a random
// loopback port.
func StartMockServer(protocol mcrouter.Protocol) (*MockServer, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s := &MockServer{
		protocol: protocol,
		ln:       ln,
		items:    make(map[string]StoredItem),
		closed:   make(chan struct{}),
	}
	s.wg.Add(1)
	go s.serve()
	return s, nil
}

// Addr returns the dialable address of the server.
func (s *MockServer) Addr() string {
	return s.ln.Addr().String()
}

// Item returns the stored item for key, if any.
func (s *MockServer) Item(key string) (StoredItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[key]
	return item, ok
}

// Len returns the number of stored items.
func (s *MockServer) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Close stops accepting and tears down all sessions.
func (s *MockServer) Close() {
	select {
	case <-s.closed:
		return
	default:
	}
	close(s.closed)
	s.ln.Close()
	s.wg.Wait()
}

func (s *MockServer) serve() {
	defer s.wg.Done()
	for {
		c, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go s.handle(c)
	}
}

func (s *MockServer) handle(c net.Conn) {
	defer s.wg.Done()
	defer c.Close()
	go func() {
		<-s.closed
		c.Close()
	}()

	r := bufio.NewReader(c)
	w := bufio.NewWriter(c)
	for {
		var err error
		if s.protocol == mcrouter.ProtocolRPC {
			err = s.handleRPC(r, w)
		} else {
			err = s.handleBinary(r, w)
		}
		if err != nil {
			return
		}
		if err := w.Flush(); err != nil {
			return
		}
	}
}

// apply runs one operation against the store and returns the op-specific
// outcome.
func (s *MockServer) apply(op mcrouter.Op, key string, value []byte,
	flags, expiration uint32) (mcrouter.Result, StoredItem) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch op {
	case mcrouter.OpGet, mcrouter.OpGets:
		if item, ok := s.items[key]; ok {
			return mcrouter.ResFound, item
		}
		return mcrouter.ResNotFound, StoredItem{}
	case mcrouter.OpSet:
		s.items[key] = StoredItem{Value: value, Flags: flags}
		return mcrouter.ResStored, StoredItem{}
	case mcrouter.OpAdd:
		if _, ok := s.items[key]; ok {
			return mcrouter.ResNotStored, StoredItem{}
		}
		s.items[key] = StoredItem{Value: value, Flags: flags}
		return mcrouter.ResStored, StoredItem{}
	case mcrouter.OpReplace:
		if _, ok := s.items[key]; !ok {
			return mcrouter.ResNotStored, StoredItem{}
		}
		s.items[key] = StoredItem{Value: value, Flags: flags}
		return mcrouter.ResStored, StoredItem{}
	case mcrouter.OpDelete:
		if _, ok := s.items[key]; !ok {
			return mcrouter.ResNotFound, StoredItem{}
		}
		delete(s.items, key)
		return mcrouter.ResDeleted, StoredItem{}
	case mcrouter.OpTouch:
		if _, ok := s.items[key]; !ok {
			return mcrouter.ResNotFound, StoredItem{}
		}
		return mcrouter.ResTouched, StoredItem{}
	case mcrouter.OpVersion:
		return mcrouter.ResOK, StoredItem{Value: []byte("1.0.0-mock")}
	case mcrouter.OpFlushAll:
		s.items = make(map[string]StoredItem)
		return mcrouter.ResOK, StoredItem{}
	default:
		return mcrouter.ResOK, StoredItem{}
	}
}

//
// binary protocol
//

var mockOps = map[uint8]mcrouter.Op{
	0x00: mcrouter.OpGet,
	0x01: mcrouter.OpSet,
	0x02: mcrouter.OpAdd,
	0x03: mcrouter.OpReplace,
	0x04: mcrouter.OpDelete,
	0x08: mcrouter.OpFlushAll,
	0x0a: mcrouter.OpNoop,
	0x0b: mcrouter.OpVersion,
	0x0c: mcrouter.OpGets,
	0x1c: mcrouter.OpTouch,
}

func (s *MockServer) handleBinary(r *bufio.Reader, w *bufio.Writer) error {
	var header [24]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return err
	}
	opcode := header[1]
	keyLen := int(binary.BigEndian.Uint16(header[2:]))
	extrasLen := int(header[4])
	bodyLen := int(binary.BigEndian.Uint32(header[8:]))
	opaque := binary.BigEndian.Uint32(header[12:])

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return err
	}
	op := mockOps[opcode]
	key := string(body[extrasLen : extrasLen+keyLen])
	value := body[extrasLen+keyLen:]
	var flags, expiration uint32
	if op == mcrouter.OpTouch && extrasLen == 4 {
		expiration = binary.BigEndian.Uint32(body)
	} else {
		if extrasLen >= 4 {
			flags = binary.BigEndian.Uint32(body)
		}
		if extrasLen >= 8 {
			expiration = binary.BigEndian.Uint32(body[4:])
		}
	}

	result, item := s.apply(op, key, value, flags, expiration)

	var status uint16
	var respKey string
	var respExtras, respValue []byte
	switch result {
	case mcrouter.ResNotFound:
		status = 0x0001
	case mcrouter.ResExists:
		status = 0x0002
	case mcrouter.ResNotStored:
		status = 0x0005
	case mcrouter.ResFound:
		respKey = key
		respExtras = make([]byte, 4)
		binary.BigEndian.PutUint32(respExtras, item.Flags)
		respValue = item.Value
	case mcrouter.ResOK:
		respValue = item.Value
	}

	var resp [24]byte
	resp[0] = 0x81
	resp[1] = opcode
	binary.BigEndian.PutUint16(resp[2:], uint16(len(respKey)))
	resp[4] = uint8(len(respExtras))
	binary.BigEndian.PutUint16(resp[6:], status)
	binary.BigEndian.PutUint32(resp[8:], uint32(len(respExtras)+len(respKey)+len(respValue)))
	binary.BigEndian.PutUint32(resp[12:], opaque)
	if _, err := w.Write(resp[:]); err != nil {
		return err
	}
	if _, err := w.Write(respExtras); err != nil {
		return err
	}
	if _, err := w.WriteString(respKey); err != nil {
		return err
	}
	_, err := w.Write(respValue)
	return err
}

//
// rpc protocol
//

type mockRPCRequest struct {
	ID         uint32 `msgpack:"id"`
	Op         uint8  `msgpack:"op"`
	Key        string `msgpack:"key"`
	Value      []byte `msgpack:"value"`
	Flags      uint32 `msgpack:"flags"`
	Expiration uint32 `msgpack:"expiration"`
}

type mockRPCReply struct {
	ID     uint32 `msgpack:"id"`
	Result uint8  `msgpack:"result"`
	Key    string `msgpack:"key"`
	Value  []byte `msgpack:"value"`
	Flags  uint32 `msgpack:"flags"`
	Error  string `msgpack:"error"`
}

func (s *MockServer) handleRPC(r *bufio.Reader, w *bufio.Writer) error {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return err
	}
	body := make([]byte, binary.BigEndian.Uint32(prefix[:]))
	if _, err := io.ReadFull(r, body); err != nil {
		return err
	}
	var req mockRPCRequest
	if err := msgpack.Unmarshal(body, &req); err != nil {
		return err
	}

	result, item := s.apply(mcrouter.Op(req.Op), req.Key, req.Value, req.Flags, req.Expiration)
	reply := mockRPCReply{ID: req.ID, Result: uint8(result)}
	switch result {
	case mcrouter.ResFound:
		reply.Key = req.Key
		reply.Value = item.Value
		reply.Flags = item.Flags
	case mcrouter.ResOK:
		reply.Value = item.Value
	}

	out, err := msgpack.Marshal(reply)
	if err != nil {
		return err
	}
	binary.BigEndian.PutUint32(prefix[:], uint32(len(out)))
	if _, err := w.Write(prefix[:]); err != nil {
		return err
	}
	_, err = w.Write(out)
	return err
}
