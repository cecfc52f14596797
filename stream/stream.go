package stream

import (
	"crypto/tls"
	"net"

	"github.com/pkg/errors"
)

// Stream is a duplex byte channel over either a plaintext socket or a
// TLS session layered on one. Raw exposes the underlying TCP
// connection solely for the pool's liveness probe, which must observe
// raw socket state beneath the TLS record layer. No other component
// may care which variant it holds.
type Stream interface {
	net.Conn

	// Raw returns the TCP connection carrying this stream.
	Raw() *net.TCPConn
}

// Plain is a stream over a bare TCP connection.
type Plain struct {
	*net.TCPConn
}

// Raw implements Stream.
func (p *Plain) Raw() *net.TCPConn {
	return p.TCPConn
}

// NewPlain wraps an established TCP connection, e.g. one returned by a
// proxy tunnel.
func NewPlain(conn *net.TCPConn) *Plain {
	return &Plain{TCPConn: conn}
}

// DialPlain opens a plaintext stream to addr.
func DialPlain(addr string) (*Plain, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "fail to connect to %s", addr)
	}
	return &Plain{TCPConn: conn.(*net.TCPConn)}, nil
}

// Secure is a stream over a TLS session.
type Secure struct {
	*tls.Conn
	raw *net.TCPConn
}

// Raw implements Stream.
func (s *Secure) Raw() *net.TCPConn {
	return s.raw
}

// NewSecure layers a TLS client session on an established TCP
// connection and runs the handshake before returning.
func NewSecure(conn *net.TCPConn, cfg *tls.Config) (*Secure, error) {
	tlsConn := tls.Client(conn, cfg)
	if err := tlsConn.Handshake(); err != nil {
		conn.Close()
		return nil, errors.Wrapf(err, "TLS handshake with %s failed", cfg.ServerName)
	}
	return &Secure{Conn: tlsConn, raw: conn}, nil
}

// DialSecure opens a TCP connection to addr and performs a TLS
// handshake using cfg.
func DialSecure(addr string, cfg *tls.Config) (*Secure, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "fail to connect to %s", addr)
	}
	return NewSecure(conn.(*net.TCPConn), cfg)
}
