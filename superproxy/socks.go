package superproxy

import (
	"io"
	"net"
	"strconv"

	"github.com/pkg/errors"
	"github.com/valyala/bytebufferpool"
)

const socks5Version = 5

const (
	socks5AuthNone     = 0
	socks5AuthPassword = 2
)

const socks5Connect = 1

const (
	socks5IP4    = 1
	socks5Domain = 3
	socks5IP6    = 4
)

var socks5Errors = []string{
	"",
	"general failure",
	"connection forbidden",
	"network unreachable",
	"host unreachable",
	"connection refused",
	"TTL expired",
	"command not supported",
	"address type not supported",
}

func (p *SuperProxy) initSOCKS5GreetingsAndAuth(user, pass string) {
	p.socks5Greetings = make([]byte, 0, 4)
	p.socks5Greetings = append(p.socks5Greetings, socks5Version)
	if len(user) > 0 && len(user) < 256 && len(pass) < 256 {
		p.socks5Greetings = append(p.socks5Greetings, 2, /* num auth methods */
			socks5AuthNone, socks5AuthPassword)
		// RFC 1929 username/password sub-negotiation
		p.socks5Auth = make([]byte, 0, 3+len(user)+len(pass))
		p.socks5Auth = append(p.socks5Auth, 1 /* password protocol version */)
		p.socks5Auth = append(p.socks5Auth, uint8(len(user)))
		p.socks5Auth = append(p.socks5Auth, user...)
		p.socks5Auth = append(p.socks5Auth, uint8(len(pass)))
		p.socks5Auth = append(p.socks5Auth, pass...)
	} else {
		p.socks5Greetings = append(p.socks5Greetings, 1, /* num auth methods */
			socks5AuthNone)
	}
}

// connectSOCKS5Proxy takes an established connection to a SOCKS5 proxy
// and commands the server to extend it to target, a canonical
// host:port address.
func (p *SuperProxy) connectSOCKS5Proxy(conn net.Conn, target string) error {
	targetHost, portStr, err := net.SplitHostPort(target)
	if err != nil {
		return errors.Wrapf(err, "bad tunnel target %s", target)
	}
	targetPort, err := strconv.Atoi(portStr)
	if err != nil {
		return errors.Wrapf(err, "bad tunnel target port %s", portStr)
	}

	if _, err = conn.Write(p.socks5Greetings); err != nil {
		return errors.Wrapf(err, "fail to write greeting to SOCKS5 proxy %s", p.hostWithPort)
	}
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	buf.Write([]byte{0, 0})

	if _, err = io.ReadFull(conn, buf.B[:2]); err != nil {
		return errors.Wrapf(err, "fail to read greeting from SOCKS5 proxy %s", p.hostWithPort)
	}
	if buf.B[0] != socks5Version {
		return errors.Errorf("SOCKS5 proxy %s has unexpected version %d", p.hostWithPort, buf.B[0])
	}
	if buf.B[1] == 0xff {
		return errors.Errorf("SOCKS5 proxy %s requires authentication", p.hostWithPort)
	}

	if buf.B[1] == socks5AuthPassword {
		if _, err = conn.Write(p.socks5Auth); err != nil {
			return errors.Wrapf(err, "fail to write auth request to SOCKS5 proxy %s", p.hostWithPort)
		}
		if _, err = io.ReadFull(conn, buf.B[:2]); err != nil {
			return errors.Wrapf(err, "fail to read auth reply from SOCKS5 proxy %s", p.hostWithPort)
		}
		if buf.B[1] != 0 {
			return errors.Errorf("SOCKS5 proxy %s rejected username/password", p.hostWithPort)
		}
	}

	buf.Reset()
	buf.WriteByte(socks5Version)
	buf.WriteByte(socks5Connect)
	buf.WriteByte(0) /* reserved */
	if ip := net.ParseIP(targetHost); ip != nil {
		if ip4 := ip.To4(); ip4 != nil {
			buf.WriteByte(socks5IP4)
			ip = ip4
		} else {
			buf.WriteByte(socks5IP6)
		}
		buf.Write(ip)
	} else {
		if len(targetHost) > 255 {
			return errors.Errorf("tunnel target host name too long: %s", targetHost)
		}
		buf.WriteByte(socks5Domain)
		buf.WriteByte(byte(len(targetHost)))
		buf.WriteString(targetHost)
	}
	buf.WriteByte(byte(targetPort >> 8))
	buf.WriteByte(byte(targetPort))

	if _, err = conn.Write(buf.B); err != nil {
		return errors.Wrapf(err, "fail to write connect request to SOCKS5 proxy %s", p.hostWithPort)
	}

	if _, err = io.ReadFull(conn, buf.B[:4]); err != nil {
		return errors.Wrapf(err, "fail to read connect reply from SOCKS5 proxy %s", p.hostWithPort)
	}
	if status := buf.B[1]; status != 0 {
		failure := "unknown error"
		if int(status) < len(socks5Errors) {
			failure = socks5Errors[status]
		}
		return errors.Errorf("SOCKS5 proxy %s failed to connect: %s", p.hostWithPort, failure)
	}

	// discard the bound address and port
	bytesToDiscard := 0
	switch buf.B[3] {
	case socks5IP4:
		bytesToDiscard = net.IPv4len
	case socks5IP6:
		bytesToDiscard = net.IPv6len
	case socks5Domain:
		if _, err = io.ReadFull(conn, buf.B[:1]); err != nil {
			return errors.Wrapf(err, "fail to read domain length from SOCKS5 proxy %s", p.hostWithPort)
		}
		bytesToDiscard = int(buf.B[0])
	default:
		return errors.Errorf("got unknown address type %d from SOCKS5 proxy %s", buf.B[3], p.hostWithPort)
	}
	if cap(buf.B) < bytesToDiscard {
		buf.B = make([]byte, bytesToDiscard)
	} else {
		buf.B = buf.B[:bytesToDiscard]
	}
	if _, err = io.ReadFull(conn, buf.B); err != nil {
		return errors.Wrapf(err, "fail to read address from SOCKS5 proxy %s", p.hostWithPort)
	}
	if _, err = io.ReadFull(conn, buf.B[:2]); err != nil {
		return errors.Wrapf(err, "fail to read port from SOCKS5 proxy %s", p.hostWithPort)
	}
	return nil
}
