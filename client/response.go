package client

import (
	"io"
	"strconv"
	"unicode/utf8"

	"github.com/pkg/errors"
	"github.com/valyala/bytebufferpool"

	"github.com/haxii/fastclient/connpool"
	"github.com/haxii/fastclient/httpkit"
	"github.com/haxii/fastclient/log"
	"github.com/haxii/fastclient/stream"
)

var (
	// ErrBodyConsumed the response body has already been read.
	ErrBodyConsumed = errors.New("response body has been read")
	// ErrNoBodyStream the response no longer owns a stream.
	ErrNoBodyStream = errors.New("response has no body stream")
	// ErrUnsupportedFraming the response has no Content-Length;
	// chunked and unknown-length bodies are unsupported.
	ErrUnsupportedFraming = errors.New("response without content-length is not supported")
	// ErrBodyNotText the body bytes are not valid UTF-8.
	ErrBodyNotText = errors.New("response body is not valid text")
)

// bodyReadChunkSize is the read granularity of BodyString.
const bodyReadChunkSize = 1024

// Response is a parsed response head plus exclusive ownership of the
// stream it arrived on. The body is readable at most once; Close must
// run on every exit path (defer it) so the stream is either returned
// to the pool or closed, never leaked.
type Response struct {
	version    httpkit.Version
	statusCode int
	headers    httpkit.Headers

	consumed bool
	closed   bool

	strm stream.Stream
	dst  connpool.Destination
	pool *connpool.Pool
}

// StatusCode returns the response status code.
func (r *Response) StatusCode() int {
	return r.statusCode
}

// Version returns the response protocol version.
func (r *Response) Version() httpkit.Version {
	return r.version
}

// IsSuccess reports whether the status code is in the 2xx range.
func (r *Response) IsSuccess() bool {
	return r.statusCode >= 200 && r.statusCode < 300
}

// HeaderOne returns the first value of the header key, lowercase.
func (r *Response) HeaderOne(key string) (string, bool) {
	return r.headers.One(key)
}

// HeaderAll returns every value of the header key in parse order.
func (r *Response) HeaderAll(key string) []string {
	return r.headers.All(key)
}

// ContentLength returns the declared body length and whether the
// header is present with a parseable value.
func (r *Response) ContentLength() (int64, bool) {
	v, ok := r.headers.One("content-length")
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// BodyString reads the declared-length body as text. It fails on a
// second call regardless of the first call's outcome. A peer closing
// early yields the partial body without an error; the next request on
// this connection will fail the liveness probe instead.
func (r *Response) BodyString() (string, error) {
	if r.consumed {
		return "", ErrBodyConsumed
	}
	length, ok := r.ContentLength()
	if !ok {
		return "", ErrUnsupportedFraming
	}
	if length == 0 {
		r.consumed = true
		return "", nil
	}
	if r.strm == nil {
		return "", ErrNoBodyStream
	}

	acc := bytebufferpool.Get()
	defer bytebufferpool.Put(acc)
	var buf [bodyReadChunkSize]byte
	remaining := length
	for remaining > 0 {
		toRead := int64(len(buf))
		if remaining < toRead {
			toRead = remaining
		}
		n, err := r.strm.Read(buf[:toRead])
		if n > 0 {
			acc.Write(buf[:n])
			remaining -= int64(n)
		}
		if err == io.EOF || (n == 0 && err == nil) {
			log.Debugf("peer closed with %d of %d body bytes read", length-remaining, length)
			break
		}
		if err != nil {
			return "", errors.Wrap(err, "fail to read response body")
		}
	}
	r.consumed = true
	if !utf8.Valid(acc.B) {
		return "", ErrBodyNotText
	}
	return string(acc.B), nil
}

// Close releases the response's stream: back to the pool when the
// body was fully consumed, closed otherwise. A stream is never pooled
// half-drained. Close is idempotent.
func (r *Response) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	s := r.strm
	r.strm = nil
	if s == nil {
		return nil
	}
	if !r.consumed {
		log.Debugf("discarding stream of %s: body not consumed", r.dst)
		return s.Close()
	}
	if r.pool == nil {
		return s.Close()
	}
	r.pool.Release(r.dst, s)
	return nil
}
