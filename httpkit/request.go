package httpkit

import (
	"bufio"
	"encoding/base64"
	"io"
	"strconv"

	"github.com/pkg/errors"
)

// RequestHead is everything the writer serializes ahead of the body.
type RequestHead struct {
	// Method request method in UPPER case
	Method string
	// Path absolute request path, "/" when empty
	Path string
	// Query raw query string, written after "?" when non-empty
	Query string
	// Headers request header mapping. When a key stores several
	// values only the first is emitted; see WriteRequestHead.
	Headers map[string][]string
	// ContentLength declared body length, emitted even when zero
	ContentLength int64
	// BasicAuthUser / BasicAuthPass emitted as an Authorization
	// header when HasBasicAuth is set
	BasicAuthUser string
	BasicAuthPass string
	HasBasicAuth  bool
	// ExpectContinue asks the peer for a 100 Continue before the body
	ExpectContinue bool
}

var (
	// ErrClosedBeforeContinue the peer closed the stream before
	// acknowledging an Expect: 100-continue request.
	ErrClosedBeforeContinue = errors.New("stream closed before the 100 continue response")
	// ErrExpectationFailed the peer answered an Expect: 100-continue
	// request with something other than 100 Continue.
	ErrExpectationFailed = errors.New("received non-100-continue response")
)

// WriteRequestHead serializes head onto bw and flushes it.
//
// Layout: request line, one line per header key, Content-Length
// (always, zero for bodiless requests), optional basic auth, optional
// Expect: 100-continue, Connection: keep-alive, blank line.
//
// A key holding several values only gets its first value written; the
// rest stay readable on the request but never reach the wire.
func WriteRequestHead(bw *bufio.Writer, head *RequestHead) error {
	path := head.Path
	if len(path) == 0 {
		path = "/"
	}
	if err := writeAll(bw, head.Method, " ", path); err != nil {
		return err
	}
	if len(head.Query) > 0 {
		if err := writeAll(bw, "?", head.Query); err != nil {
			return err
		}
	}
	if err := writeAll(bw, " ", "HTTP/1.1\r\n"); err != nil {
		return err
	}
	for key, values := range head.Headers {
		if len(values) == 0 {
			continue
		}
		if err := writeAll(bw, key, ": ", values[0], "\r\n"); err != nil {
			return err
		}
	}
	if err := writeAll(bw, "Content-Length: ",
		strconv.FormatInt(head.ContentLength, 10), "\r\n"); err != nil {
		return err
	}
	if head.HasBasicAuth {
		encoded := base64.StdEncoding.EncodeToString(
			[]byte(head.BasicAuthUser + ":" + head.BasicAuthPass))
		if err := writeAll(bw, "Authorization: Basic ", encoded, "\r\n"); err != nil {
			return err
		}
	}
	if head.ExpectContinue {
		if err := writeAll(bw, "Expect: 100-continue\r\n"); err != nil {
			return err
		}
	}
	if err := writeAll(bw, "Connection: keep-alive\r\n", "\r\n"); err != nil {
		return err
	}
	if err := bw.Flush(); err != nil {
		return errors.Wrap(err, "fail to flush request head")
	}
	return nil
}

func writeAll(bw *bufio.Writer, parts ...string) error {
	for _, p := range parts {
		if _, err := bw.WriteString(p); err != nil {
			return errors.Wrap(err, "fail to write request head")
		}
	}
	return nil
}

const continueResponse = "HTTP/1.1 100 Continue\r\n\r\n"

// AwaitContinue blocks on r until the peer reacts to an
// Expect: 100-continue head. Anything but the literal 100 Continue
// response is a hard failure and the body must not be sent.
func AwaitContinue(r io.Reader) error {
	var buf [1024]byte
	n, err := r.Read(buf[:])
	if n == 0 {
		if err != nil && err != io.EOF {
			return errors.Wrap(err, "fail to read the 100 continue response")
		}
		return ErrClosedBeforeContinue
	}
	if got := string(buf[:n]); got != continueResponse {
		return errors.Wrapf(ErrExpectationFailed, "got %q", got)
	}
	return nil
}
