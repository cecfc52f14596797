package transport

import (
	"net"
	"net/url"

	"github.com/pkg/errors"

	"github.com/haxii/fastclient/cert"
	"github.com/haxii/fastclient/connpool"
	"github.com/haxii/fastclient/log"
	"github.com/haxii/fastclient/stream"
	"github.com/haxii/fastclient/superproxy"
)

var (
	// ErrUnsupportedScheme the request URL scheme is neither http nor
	// https.
	ErrUnsupportedScheme = errors.New("unsupported scheme")
	// ErrNoResolveResult DNS returned no address for the host.
	ErrNoResolveResult = errors.New("no result in DNS resolve")
	// ErrSecureHostIsIP an https request targeted a bare IP address;
	// the TLS handshake requires a domain name host for SNI.
	ErrSecureHostIsIP = errors.New("https request requires a domain name host for SNI")
)

// Resolve resolves host and joins its first address with port. The
// resolver may return many addresses; only the first is ever used, so
// a host maps to exactly one destination per resolution.
func Resolve(host, port string) (string, error) {
	if ip := net.ParseIP(host); ip != nil {
		return net.JoinHostPort(host, port), nil
	}
	ips, err := net.LookupIP(host)
	if err != nil {
		return "", errors.Wrapf(err, "fail to resolve %s", host)
	}
	if len(ips) == 0 {
		return "", errors.Wrapf(ErrNoResolveResult, "host %s", host)
	}
	return net.JoinHostPort(ips[0].String(), port), nil
}

// Config carries the collaborators acquisition needs.
type Config struct {
	// Pool idle stream store consulted before dialing
	Pool *connpool.Pool
	// TrustStore TLS trust configuration, nil for system roots
	TrustStore *cert.TrustStore
	// Proxy optional upstream tunnel for every new connection
	Proxy *superproxy.SuperProxy
}

// Acquire obtains a usable stream for u: a pooled one that passed the
// liveness probe, or a freshly connected (and for https, handshaked)
// one. The returned destination keys the stream's pool bucket.
func Acquire(cfg *Config, u *url.URL) (stream.Stream, connpool.Destination, error) {
	var kind connpool.Kind
	switch u.Scheme {
	case "http":
		kind = connpool.KindPlain
	case "https":
		kind = connpool.KindSecure
	default:
		return nil, connpool.Destination{},
			errors.Wrapf(ErrUnsupportedScheme, "scheme %q", u.Scheme)
	}

	host := u.Hostname()
	port := u.Port()
	if len(port) == 0 {
		if kind == connpool.KindSecure {
			port = "443"
		} else {
			port = "80"
		}
	}
	addr, err := Resolve(host, port)
	if err != nil {
		return nil, connpool.Destination{}, err
	}
	dst := connpool.Destination{Addr: addr, Kind: kind}

	if cfg.Pool != nil {
		if s := cfg.Pool.Acquire(dst); s != nil {
			return s, dst, nil
		}
	}

	if kind == connpool.KindPlain {
		s, err := dialPlain(cfg, addr)
		return s, dst, err
	}
	s, err := dialSecure(cfg, addr, host)
	return s, dst, err
}

func dialPlain(cfg *Config, addr string) (stream.Stream, error) {
	if cfg.Proxy != nil {
		conn, err := cfg.Proxy.MakeTunnel(addr)
		if err != nil {
			return nil, err
		}
		log.Debugf("tunneled to %s via proxy %s", addr, cfg.Proxy.HostWithPort())
		return stream.NewPlain(conn), nil
	}
	return stream.DialPlain(addr)
}

func dialSecure(cfg *Config, addr, host string) (stream.Stream, error) {
	// the handshake verifies the peer against the host name; a bare
	// IP has no name to verify and is rejected outright
	if net.ParseIP(host) != nil {
		return nil, errors.Wrapf(ErrSecureHostIsIP, "host %s", host)
	}
	tlsCfg, err := cert.MakeClientTLSConfig(cfg.TrustStore, host)
	if err != nil {
		return nil, err
	}
	if cfg.Proxy != nil {
		conn, err := cfg.Proxy.MakeTunnel(addr)
		if err != nil {
			return nil, err
		}
		log.Debugf("tunneled to %s via proxy %s", addr, cfg.Proxy.HostWithPort())
		return stream.NewSecure(conn, tlsCfg)
	}
	return stream.DialSecure(addr, tlsCfg)
}
