package mcrouter

import (
	"net"
	"time"
)

// deadlineIO arms a read/write deadline before every socket operation when
// a request timeout is configured.
type deadlineIO struct {
	to time.Duration
	c  net.Conn
}

func (d *deadlineIO) Read(b []byte) (int, error) {
	if d.to > 0 {
		d.c.SetReadDeadline(time.Now().Add(d.to))
	}
	return d.c.Read(b)
}

func (d *deadlineIO) Write(b []byte) (int, error) {
	if d.to > 0 {
		d.c.SetWriteDeadline(time.Now().Add(d.to))
	}
	return d.c.Write(b)
}

// parseAddress splits a configured address into a network and a dialable
// address.
//
// Addresses could be specified in the following ways:
//
// - TCP connections (tcp://192.168.1.1:11211, tcp:my.host:11211,
// 192.168.1.1:11211, my.host:11211)
//
// - Unix socket, first '/' or '.' indicates a Unix socket
// (unix:///abs/path/mc.sock, unix:path/mc.sock, /abs/path/mc.sock,
// ./rel/path/mc.sock, unix/:path/mc.sock)
func parseAddress(address string) (network, addr string) {
	network = "tcp"
	addrLen := len(address)
	switch {
	case addrLen > 0 && (address[0] == '.' || address[0] == '/'):
		network = "unix"
	case addrLen >= 7 && address[0:7] == "unix://":
		network = "unix"
		address = address[7:]
	case addrLen >= 6 && address[0:6] == "unix/:":
		network = "unix"
		address = address[6:]
	case addrLen >= 5 && address[0:5] == "unix:":
		network = "unix"
		address = address[5:]
	case addrLen >= 6 && address[0:6] == "tcp://":
		address = address[6:]
	case addrLen >= 4 && address[0:4] == "tcp:":
		address = address[4:]
	}
	return network, address
}
