package client

import (
	stderrors "errors"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/valyala/bytebufferpool"

	"github.com/haxii/fastclient/cert"
	"github.com/haxii/fastclient/connpool"
	"github.com/haxii/fastclient/httpkit"
	"github.com/haxii/fastclient/log"
	"github.com/haxii/fastclient/stream"
	"github.com/haxii/fastclient/superproxy"
	"github.com/haxii/fastclient/transport"
	"github.com/haxii/fastclient/writerpool"
)

const (
	// DefaultTotalTimeout bounds a whole exchange up to the parsed
	// response head. Body reads run unbounded; callers needing a body
	// budget enforce it themselves.
	DefaultTotalTimeout = 5 * time.Minute

	// DefaultHeaderTimeout bounds the response status-line read.
	DefaultHeaderTimeout = 30 * time.Second
)

// ErrHeaderTimeout the peer did not produce a status line within the
// header timeout.
var ErrHeaderTimeout = errors.New("timed out reading response header")

var (
	crlf     = []byte("\r\n")
	crlfcrlf = []byte("\r\n\r\n")
)

// Client is an HTTP/1.1 client over pooled keep-alive connections.
//
// Copying a Client by value is prohibited. It is safe to call its
// methods from concurrently running goroutines; the connection pool is
// the only shared mutable state and requests to different destinations
// never contend on it.
type Client struct {
	// TotalTimeout bounds connect, request write and response head
	// read per request. DefaultTotalTimeout if unset; negative
	// disables it.
	TotalTimeout time.Duration

	// HeaderTimeout bounds the response status-line read.
	// DefaultHeaderTimeout if unset; a per-request timeout overrides
	// it. Negative disables it.
	HeaderTimeout time.Duration

	// TrustStore TLS trust configuration, nil for the system roots.
	TrustStore *cert.TrustStore

	// Proxy optional upstream every connection is tunneled through.
	Proxy *superproxy.SuperProxy

	// Pool idle connection store. One is created on first use when
	// unset; inject a shared instance to pool across clients.
	Pool *connpool.Pool

	// WriterPool recycles request head writers. Created on first use
	// when unset.
	WriterPool *writerpool.Pool

	initOnce sync.Once
}

func (c *Client) init() {
	c.initOnce.Do(func() {
		if c.Pool == nil {
			c.Pool = &connpool.Pool{}
		}
		if c.WriterPool == nil {
			c.WriterPool = writerpool.New(0)
		}
	})
}

// Do sends req and parses the response head. The returned response
// owns the connection; the caller must Close it on every path, usually
// via defer, so the connection is pooled or dropped.
func (c *Client) Do(req *Request) (*Response, error) {
	sent, err := c.DoHeader(req)
	if err != nil {
		return nil, err
	}
	return c.DoBody(req, sent)
}

// Sent is a request whose head is on the wire but whose body is not.
type Sent struct {
	strm     stream.Stream
	dst      connpool.Destination
	deadline time.Time
}

// DoHeader resolves, acquires a stream and writes the request head,
// running the 100-continue handshake when requested. The body follows
// via DoBody.
func (c *Client) DoHeader(req *Request) (*Sent, error) {
	c.init()
	if req == nil {
		return nil, errors.New("nil request")
	}

	cfg := &transport.Config{
		Pool:       c.Pool,
		TrustStore: c.TrustStore,
		Proxy:      c.Proxy,
	}
	s, dst, err := transport.Acquire(cfg, req.url)
	if err != nil {
		return nil, err
	}

	var deadline time.Time
	total := c.TotalTimeout
	if total == 0 {
		total = DefaultTotalTimeout
	}
	if total > 0 {
		deadline = time.Now().Add(total)
		if err = s.SetDeadline(deadline); err != nil {
			s.Close()
			return nil, errors.Wrap(err, "fail to arm request deadline")
		}
	}

	if err = c.writeHead(req, s); err != nil {
		s.Close()
		return nil, err
	}
	return &Sent{strm: s, dst: dst, deadline: deadline}, nil
}

// DoBody transfers the request body and reads the response head off
// the stream sent left open.
func (c *Client) DoBody(req *Request, sent *Sent) (*Response, error) {
	c.init()
	if sent == nil || sent.strm == nil {
		return nil, errors.New("nil sent request")
	}
	s := sent.strm

	if err := c.writeBody(req, s); err != nil {
		s.Close()
		return nil, err
	}
	resp, err := c.readResponse(req, s, sent)
	if err != nil {
		s.Close()
		return nil, err
	}
	return resp, nil
}

func (c *Client) writeHead(req *Request, s stream.Stream) error {
	head := &httpkit.RequestHead{
		Method:         req.method,
		Path:           req.pathWithDefault(),
		Query:          req.url.RawQuery,
		Headers:        req.headers,
		ContentLength:  req.contentLength,
		BasicAuthUser:  req.basicAuthUser,
		BasicAuthPass:  req.basicAuthPass,
		HasBasicAuth:   req.hasBasicAuth,
		ExpectContinue: req.expectContinue,
	}
	bw := c.WriterPool.Acquire(s)
	err := httpkit.WriteRequestHead(bw, head)
	c.WriterPool.Release(bw)
	if err != nil {
		return err
	}
	if req.expectContinue {
		// the body is withheld until the peer acknowledges readiness
		return httpkit.AwaitContinue(s)
	}
	return nil
}

func (c *Client) writeBody(req *Request, s stream.Stream) error {
	switch req.bodyKind {
	case bodyNone:
		return nil
	case bodyLiteral:
		_, err := s.Write([]byte(req.bodyLiteral))
		return errors.Wrap(err, "fail to write request body")
	case bodyStream:
		_, err := httpkit.CopyBody(s, req.bodyStream, req.contentLength)
		if req.bodyCloser != nil {
			req.bodyCloser.Close()
			req.bodyCloser = nil
		}
		return err
	}
	return nil
}

func (c *Client) readResponse(req *Request, s stream.Stream, sent *Sent) (*Response, error) {
	headerTimeout := req.headerTimeout
	if headerTimeout == 0 {
		headerTimeout = c.HeaderTimeout
	}
	if headerTimeout == 0 {
		headerTimeout = DefaultHeaderTimeout
	}
	if headerTimeout > 0 {
		if err := s.SetReadDeadline(time.Now().Add(headerTimeout)); err != nil {
			return nil, errors.Wrap(err, "fail to arm header timeout")
		}
	}

	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	if err := httpkit.ReadUntil(s, crlf, buf); err != nil {
		if stderrors.Is(err, os.ErrDeadlineExceeded) {
			return nil, errors.Wrapf(ErrHeaderTimeout, "after %s", headerTimeout)
		}
		return nil, errors.Wrap(err, "fail to read status line")
	}
	version, statusCode, err := httpkit.ParseStatusLine(buf.B)
	if err != nil {
		log.Errorf(err, "status line parse failed for %s", sent.dst)
		return nil, err
	}

	// only the status line is bounded by the header timeout; the rest
	// of the head falls back under the total deadline
	if err = s.SetReadDeadline(sent.deadline); err != nil {
		return nil, errors.Wrap(err, "fail to reset header timeout")
	}

	buf.Reset()
	if err = httpkit.ReadUntil(s, crlfcrlf, buf); err != nil {
		return nil, errors.Wrap(err, "fail to read header block")
	}
	headers, err := httpkit.ParseHeaderBlock(buf.B)
	if err != nil {
		log.Errorf(err, "header block parse failed for %s", sent.dst)
		return nil, err
	}

	// the body read path carries no deadline of its own
	if err = s.SetDeadline(time.Time{}); err != nil {
		return nil, errors.Wrap(err, "fail to clear deadlines")
	}

	return &Response{
		version:    version,
		statusCode: statusCode,
		headers:    headers,
		strm:       s,
		dst:        sent.dst,
		pool:       c.Pool,
	}, nil
}
