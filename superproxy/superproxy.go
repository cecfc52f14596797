package superproxy

import (
	"encoding/base64"
	"net"
	"strconv"

	"github.com/pkg/errors"
	"github.com/valyala/bytebufferpool"

	"github.com/haxii/fastclient/httpkit"
)

// ProxyType type of upstream proxy
type ProxyType int

const (
	// ProxyTypeHTTP a traditional HTTP CONNECT proxy
	ProxyTypeHTTP ProxyType = iota
	// ProxyTypeSOCKS5 a SOCKS5 proxy
	ProxyTypeSOCKS5
)

// SuperProxy is an upstream proxy every connection is tunneled
// through. The tunnel carries raw bytes, so a TLS session to the
// target can be layered on top of it afterwards.
type SuperProxy struct {
	hostWithPort string
	proxyType    ProxyType

	// HTTP proxy auth header, prebuilt with trailing CRLF
	authHeaderWithCRLF []byte

	// SOCKS5 greetings & auth messages, prebuilt
	socks5Greetings []byte
	socks5Auth      []byte
}

// New makes an upstream proxy. user and pass may be empty for
// unauthenticated proxies.
func New(proxyHost string, proxyPort uint16, proxyType ProxyType,
	user, pass string) (*SuperProxy, error) {
	if len(proxyHost) == 0 {
		return nil, errors.New("nil proxy host provided")
	}
	if proxyPort == 0 {
		return nil, errors.New("nil proxy port provided")
	}
	p := &SuperProxy{
		hostWithPort: net.JoinHostPort(proxyHost, strconv.Itoa(int(proxyPort))),
		proxyType:    proxyType,
	}
	if proxyType == ProxyTypeSOCKS5 {
		p.initSOCKS5GreetingsAndAuth(user, pass)
	} else if len(user) > 0 && len(pass) > 0 {
		encoded := base64.StdEncoding.EncodeToString([]byte(user + ":" + pass))
		p.authHeaderWithCRLF = []byte("Proxy-Authorization: Basic " + encoded + "\r\n")
	}
	return p, nil
}

// HostWithPort returns the proxy's address.
func (p *SuperProxy) HostWithPort() string {
	return p.hostWithPort
}

// MakeTunnel dials the proxy and commands it to extend the connection
// to targetHostWithPort, returning the raw TCP connection carrying the
// tunnel.
func (p *SuperProxy) MakeTunnel(targetHostWithPort string) (*net.TCPConn, error) {
	conn, err := net.Dial("tcp", p.hostWithPort)
	if err != nil {
		return nil, errors.Wrapf(err, "fail to connect to proxy %s", p.hostWithPort)
	}
	tcp := conn.(*net.TCPConn)

	switch p.proxyType {
	case ProxyTypeSOCKS5:
		err = p.connectSOCKS5Proxy(tcp, targetHostWithPort)
	default:
		err = p.connectHTTPProxy(tcp, targetHostWithPort)
	}
	if err != nil {
		tcp.Close()
		return nil, err
	}
	return tcp, nil
}

// connectHTTPProxy writes a `CONNECT target HTTP/1.1` request and
// expects a 2xx status back before the tunnel is usable.
func (p *SuperProxy) connectHTTPProxy(conn net.Conn, target string) error {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	buf.WriteString("CONNECT ")
	buf.WriteString(target)
	buf.WriteString(" HTTP/1.1\r\nHost: ")
	buf.WriteString(target)
	buf.WriteString("\r\n")
	buf.Write(p.authHeaderWithCRLF)
	buf.WriteString("\r\n")
	if _, err := conn.Write(buf.B); err != nil {
		return errors.Wrapf(err, "fail to write CONNECT to proxy %s", p.hostWithPort)
	}

	buf.Reset()
	if err := httpkit.ReadUntil(conn, []byte("\r\n\r\n"), buf); err != nil {
		return errors.Wrapf(err, "fail to read CONNECT response from proxy %s", p.hostWithPort)
	}
	_, code, err := httpkit.ParseStatusLine(firstLine(buf.B))
	if err != nil {
		return errors.Wrapf(err, "bad CONNECT response from proxy %s", p.hostWithPort)
	}
	if code < 200 || code >= 300 {
		return errors.Errorf("proxy %s refused CONNECT with status %d", p.hostWithPort, code)
	}
	return nil
}

func firstLine(b []byte) []byte {
	for i := 0; i < len(b); i++ {
		if b[i] == '\n' {
			return b[:i+1]
		}
	}
	return b
}
