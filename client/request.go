package client

import (
	"io"
	"net/url"
	"os"
	"time"

	"github.com/pkg/errors"
)

// DefaultUserAgent is sent with every request unless overwritten.
const DefaultUserAgent = "fastclient/1.0"

// ErrInvalidURL the request URL did not parse.
var ErrInvalidURL = errors.New("failed to parse the URL")

type bodyKind int

const (
	bodyNone bodyKind = iota
	bodyLiteral
	bodyStream
)

// Request is a single http request under construction. Setters return
// the request so calls chain. A Request is not safe for concurrent
// mutation and must not be sent twice while a body stream is attached.
type Request struct {
	method  string
	url     *url.URL
	headers map[string][]string

	hasBasicAuth  bool
	basicAuthUser string
	basicAuthPass string

	expectContinue bool
	contentLength  int64
	headerTimeout  time.Duration

	bodyKind    bodyKind
	bodyLiteral string
	bodyStream  io.Reader
	bodyCloser  io.Closer
}

// New makes a GET request for rawURL with the host and user-agent
// headers prefilled.
func New(rawURL string) (*Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidURL, "%s", err)
	}
	r := &Request{
		method:  "GET",
		url:     u,
		headers: make(map[string][]string),
	}
	r.SetHeader("host", u.Host)
	r.SetHeader("user-agent", DefaultUserAgent)
	return r, nil
}

// URL returns the parsed target URL.
func (r *Request) URL() *url.URL {
	return r.url
}

// SetMethod sets the request method, UPPER case expected.
func (r *Request) SetMethod(method string) *Request {
	r.method = method
	return r
}

// SetHeader replaces every stored value of key with value.
func (r *Request) SetHeader(key, value string) *Request {
	r.headers[key] = []string{value}
	return r
}

// AddHeader appends value to the values stored for key. Note the wire
// writer only emits a key's first value; later ones stay visible via
// HeaderAll only.
func (r *Request) AddHeader(key, value string) *Request {
	r.headers[key] = append(r.headers[key], value)
	return r
}

// HeaderOne returns the first value stored for key.
func (r *Request) HeaderOne(key string) (string, bool) {
	values := r.headers[key]
	if len(values) == 0 {
		return "", false
	}
	return values[0], true
}

// HeaderAll returns every value stored for key.
func (r *Request) HeaderAll(key string) []string {
	return r.headers[key]
}

// SetContentType sets the content-type header.
func (r *Request) SetContentType(contentType string) *Request {
	return r.SetHeader("content-type", contentType)
}

// SetBasicAuth attaches basic auth credentials.
func (r *Request) SetBasicAuth(user, pass string) *Request {
	r.hasBasicAuth = true
	r.basicAuthUser = user
	r.basicAuthPass = pass
	return r
}

// SetExpectContinue makes the writer hold the body until the peer
// answers the Expect: 100-continue head.
func (r *Request) SetExpectContinue(expect bool) *Request {
	r.expectContinue = expect
	return r
}

// SetHeaderTimeout bounds the response status-line read for this
// request, overriding the client's default.
func (r *Request) SetHeaderTimeout(d time.Duration) *Request {
	r.headerTimeout = d
	return r
}

// SetBodyString attaches body and declares its length.
func (r *Request) SetBodyString(body string) *Request {
	r.bodyKind = bodyLiteral
	r.bodyLiteral = body
	r.bodyStream = nil
	r.bodyCloser = nil
	r.contentLength = int64(len(body))
	return r
}

// SetBodyStream attaches a length-bounded byte stream as the body.
func (r *Request) SetBodyStream(body io.Reader, length int64) *Request {
	r.bodyKind = bodyStream
	r.bodyLiteral = ""
	r.bodyStream = body
	r.bodyCloser = nil
	r.contentLength = length
	return r
}

// SetBodyFile attaches the file at path as the body, declaring its
// current size. The file is closed after the body is sent.
func (r *Request) SetBodyFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "fail to open body file %s", path)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return errors.Wrapf(err, "fail to stat body file %s", path)
	}
	r.SetBodyStream(f, info.Size())
	r.bodyCloser = f
	return nil
}

// pathWithDefault returns the escaped request path, "/" when empty.
func (r *Request) pathWithDefault() string {
	if p := r.url.EscapedPath(); len(p) > 0 {
		return p
	}
	return "/"
}
