package client

import (
	"bufio"
	"errors"
	"io"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haxii/fastclient/connpool"
	"github.com/haxii/fastclient/httpkit"
)

// startServer runs handler on every accepted connection and returns the
// server's http URL plus a pointer to the accept counter. Handlers run
// off the test goroutine, so they report through channels, never
// through t.
func startServer(t *testing.T, handler func(conn net.Conn)) (string, *int32) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	var accepted int32
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			atomic.AddInt32(&accepted, 1)
			go handler(conn)
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return "http://" + ln.Addr().String(), &accepted
}

// readHead consumes a request head off br up to and including the bare
// CRLF terminating it.
func readHead(br *bufio.Reader) (string, error) {
	var head strings.Builder
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return "", err
		}
		head.WriteString(line)
		if line == "\r\n" {
			return head.String(), nil
		}
	}
}

func declaredLength(head string) int {
	const marker = "Content-Length: "
	i := strings.Index(head, marker)
	if i < 0 {
		return 0
	}
	rest := head[i+len(marker):]
	end := strings.IndexByte(rest, '\r')
	n, _ := strconv.Atoi(rest[:end])
	return n
}

func readBody(br *bufio.Reader, head string) (string, error) {
	n := declaredLength(head)
	body := make([]byte, n)
	if _, err := io.ReadFull(br, body); err != nil {
		return "", err
	}
	return string(body), nil
}

func TestClientDo(t *testing.T) {
	headCh := make(chan string, 1)
	addr, _ := startServer(t, func(conn net.Conn) {
		defer conn.Close()
		head, err := readHead(bufio.NewReader(conn))
		if err != nil {
			return
		}
		headCh <- head
		conn.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 5\r\nContent-Type: text/plain\r\n\r\nhello"))
	})

	req, err := New(addr + "/greeting?lang=en")
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	c := &Client{}
	resp, err := c.Do(req)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	defer resp.Close()

	head := <-headCh
	if !strings.HasPrefix(head, "GET /greeting?lang=en HTTP/1.1\r\n") {
		t.Fatalf("unexpected request line in %q", head)
	}
	for _, want := range []string{
		"host: " + strings.TrimPrefix(addr, "http://") + "\r\n",
		"user-agent: " + DefaultUserAgent + "\r\n",
		"Content-Length: 0\r\n",
		"Connection: keep-alive\r\n",
	} {
		if !strings.Contains(head, want) {
			t.Fatalf("%q missing from request head %q", want, head)
		}
	}

	if resp.StatusCode() != 200 || !resp.IsSuccess() {
		t.Fatalf("unexpected status %d", resp.StatusCode())
	}
	if resp.Version() != httpkit.Version11 {
		t.Fatalf("unexpected version %s", resp.Version())
	}
	if v, _ := resp.HeaderOne("content-type"); v != "text/plain" {
		t.Fatalf("unexpected content type %q", v)
	}
	if n, ok := resp.ContentLength(); !ok || n != 5 {
		t.Fatalf("unexpected content length %d %v", n, ok)
	}

	body, err := resp.BodyString()
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if body != "hello" {
		t.Fatalf("unexpected body %q", body)
	}
	if _, err = resp.BodyString(); !errors.Is(err, ErrBodyConsumed) {
		t.Fatalf("unexpected error %v, expecting %s", err, ErrBodyConsumed)
	}
}

func TestClientDoPost(t *testing.T) {
	bodyCh := make(chan string, 1)
	addr, _ := startServer(t, func(conn net.Conn) {
		defer conn.Close()
		br := bufio.NewReader(conn)
		head, err := readHead(br)
		if err != nil {
			return
		}
		body, err := readBody(br, head)
		if err != nil {
			return
		}
		bodyCh <- head + body
		conn.Write([]byte("HTTP/1.1 201 Created\r\nContent-Length: 0\r\n\r\n"))
	})

	req, err := New(addr + "/items")
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	req.SetMethod("POST").SetContentType("application/json").SetBodyString(`{"a":1}`)

	c := &Client{}
	resp, err := c.Do(req)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	defer resp.Close()

	got := <-bodyCh
	if !strings.HasPrefix(got, "POST /items HTTP/1.1\r\n") {
		t.Fatalf("unexpected request line in %q", got)
	}
	if !strings.Contains(got, "Content-Length: 7\r\n") {
		t.Fatalf("content length missing from %q", got)
	}
	if !strings.HasSuffix(got, `{"a":1}`) {
		t.Fatalf("body missing from %q", got)
	}

	if resp.StatusCode() != 201 {
		t.Fatalf("unexpected status %d", resp.StatusCode())
	}
	// a zero-length body reads as empty exactly once
	body, err := resp.BodyString()
	if err != nil || body != "" {
		t.Fatalf("unexpected body %q, error %v", body, err)
	}
	if _, err = resp.BodyString(); !errors.Is(err, ErrBodyConsumed) {
		t.Fatalf("unexpected error %v, expecting %s", err, ErrBodyConsumed)
	}
}

func TestClientBodyStream(t *testing.T) {
	bodyCh := make(chan string, 1)
	addr, _ := startServer(t, func(conn net.Conn) {
		defer conn.Close()
		br := bufio.NewReader(conn)
		head, err := readHead(br)
		if err != nil {
			return
		}
		body, err := readBody(br, head)
		if err != nil {
			return
		}
		bodyCh <- body
		conn.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"))
	})

	req, err := New(addr + "/upload")
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	req.SetMethod("PUT").SetBodyStream(strings.NewReader("streamed payload"), 16)

	c := &Client{}
	resp, err := c.Do(req)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	defer resp.Close()

	if body := <-bodyCh; body != "streamed payload" {
		t.Fatalf("unexpected body %q", body)
	}
	if body, err := resp.BodyString(); err != nil || body != "ok" {
		t.Fatalf("unexpected body %q, error %v", body, err)
	}
}

// serveLoop answers every request on one connection with response.
func serveLoop(response string) func(net.Conn) {
	return func(conn net.Conn) {
		defer conn.Close()
		br := bufio.NewReader(conn)
		for {
			head, err := readHead(br)
			if err != nil {
				return
			}
			if _, err = readBody(br, head); err != nil {
				return
			}
			if _, err = conn.Write([]byte(response)); err != nil {
				return
			}
		}
	}
}

func TestClientPooledReuse(t *testing.T) {
	addr, accepted := startServer(t,
		serveLoop("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"))

	c := &Client{}
	for i := 0; i < 3; i++ {
		req, err := New(addr + "/")
		if err != nil {
			t.Fatalf("unexpected error: %s", err)
		}
		resp, err := c.Do(req)
		if err != nil {
			t.Fatalf("request %d: unexpected error: %s", i, err)
		}
		if _, err = resp.BodyString(); err != nil {
			t.Fatalf("request %d: unexpected error: %s", i, err)
		}
		if err = resp.Close(); err != nil {
			t.Fatalf("request %d: unexpected error: %s", i, err)
		}
	}

	if n := atomic.LoadInt32(accepted); n != 1 {
		t.Fatalf("unexpected %d connections, expecting a single reused one", n)
	}
	if stats := c.Pool.Stats(); stats.Hits != 2 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestClientUnconsumedBodyNotPooled(t *testing.T) {
	addr, accepted := startServer(t,
		serveLoop("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"))

	c := &Client{}
	for i := 0; i < 2; i++ {
		req, err := New(addr + "/")
		if err != nil {
			t.Fatalf("unexpected error: %s", err)
		}
		resp, err := c.Do(req)
		if err != nil {
			t.Fatalf("request %d: unexpected error: %s", i, err)
		}
		// closing with the body unread must drop the connection
		if err = resp.Close(); err != nil {
			t.Fatalf("request %d: unexpected error: %s", i, err)
		}
	}

	if n := atomic.LoadInt32(accepted); n != 2 {
		t.Fatalf("unexpected %d connections, expecting a fresh one per request", n)
	}
	if stats := c.Pool.Stats(); stats.Hits != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestClientExpectContinue(t *testing.T) {
	headCh := make(chan string, 1)
	bodyCh := make(chan string, 1)
	addr, _ := startServer(t, func(conn net.Conn) {
		defer conn.Close()
		br := bufio.NewReader(conn)
		head, err := readHead(br)
		if err != nil {
			return
		}
		headCh <- head
		conn.Write([]byte("HTTP/1.1 100 Continue\r\n\r\n"))
		body, err := readBody(br, head)
		if err != nil {
			return
		}
		bodyCh <- body
		conn.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n"))
	})

	req, err := New(addr + "/upload")
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	req.SetMethod("POST").SetBodyString("data").SetExpectContinue(true)

	c := &Client{}
	resp, err := c.Do(req)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	defer resp.Close()

	if head := <-headCh; !strings.Contains(head, "Expect: 100-continue\r\n") {
		t.Fatalf("expect header missing from %q", head)
	}
	if body := <-bodyCh; body != "data" {
		t.Fatalf("unexpected body %q", body)
	}
	if resp.StatusCode() != 200 {
		t.Fatalf("unexpected status %d", resp.StatusCode())
	}
}

func TestClientExpectationFailed(t *testing.T) {
	addr, _ := startServer(t, func(conn net.Conn) {
		defer conn.Close()
		br := bufio.NewReader(conn)
		if _, err := readHead(br); err != nil {
			return
		}
		conn.Write([]byte("HTTP/1.1 417 Expectation Failed\r\n\r\n"))
		// drain so a body write, which would be a protocol violation
		// here, does not block the peer
		io.Copy(io.Discard, br)
	})

	req, err := New(addr + "/upload")
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	req.SetMethod("POST").SetBodyString("data").SetExpectContinue(true)

	c := &Client{}
	_, err = c.Do(req)
	if !errors.Is(err, httpkit.ErrExpectationFailed) {
		t.Fatalf("unexpected error %v, expecting %s", err, httpkit.ErrExpectationFailed)
	}
}

func TestClientTruncatedBody(t *testing.T) {
	addr, _ := startServer(t, func(conn net.Conn) {
		defer conn.Close()
		if _, err := readHead(bufio.NewReader(conn)); err != nil {
			return
		}
		// declare ten body bytes, deliver four, hang up
		conn.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 10\r\n\r\nhell"))
	})

	req, err := New(addr + "/")
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	c := &Client{}
	resp, err := c.Do(req)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	defer resp.Close()

	body, err := resp.BodyString()
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if body != "hell" {
		t.Fatalf("unexpected body %q, expecting the delivered prefix", body)
	}
}

func TestClientBodyNotText(t *testing.T) {
	addr, _ := startServer(t, func(conn net.Conn) {
		defer conn.Close()
		if _, err := readHead(bufio.NewReader(conn)); err != nil {
			return
		}
		conn.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 3\r\n\r\n\xff\xfe\xfd"))
	})

	req, err := New(addr + "/")
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	c := &Client{}
	resp, err := c.Do(req)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	defer resp.Close()

	if _, err = resp.BodyString(); !errors.Is(err, ErrBodyNotText) {
		t.Fatalf("unexpected error %v, expecting %s", err, ErrBodyNotText)
	}
	// the failed decode still consumed the body
	if _, err = resp.BodyString(); !errors.Is(err, ErrBodyConsumed) {
		t.Fatalf("unexpected error %v, expecting %s", err, ErrBodyConsumed)
	}
}

func TestClientNoContentLength(t *testing.T) {
	addr, _ := startServer(t, func(conn net.Conn) {
		defer conn.Close()
		if _, err := readHead(bufio.NewReader(conn)); err != nil {
			return
		}
		conn.Write([]byte("HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n"))
	})

	req, err := New(addr + "/")
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	c := &Client{}
	resp, err := c.Do(req)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	defer resp.Close()

	if _, ok := resp.ContentLength(); ok {
		t.Fatal("unexpected content length")
	}
	if _, err = resp.BodyString(); !errors.Is(err, ErrUnsupportedFraming) {
		t.Fatalf("unexpected error %v, expecting %s", err, ErrUnsupportedFraming)
	}
}

func TestClientHeaderTimeout(t *testing.T) {
	addr, _ := startServer(t, func(conn net.Conn) {
		defer conn.Close()
		br := bufio.NewReader(conn)
		if _, err := readHead(br); err != nil {
			return
		}
		// never answer; hold the conn until the client gives up
		io.Copy(io.Discard, br)
	})

	req, err := New(addr + "/")
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	req.SetHeaderTimeout(50 * time.Millisecond)

	c := &Client{}
	start := time.Now()
	_, err = c.Do(req)
	if !errors.Is(err, ErrHeaderTimeout) {
		t.Fatalf("unexpected error %v, expecting %s", err, ErrHeaderTimeout)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("timeout fired after %s", elapsed)
	}
}

func TestClientSharedPool(t *testing.T) {
	addr, accepted := startServer(t,
		serveLoop("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"))

	pool := &connpool.Pool{}
	first := &Client{Pool: pool}
	second := &Client{Pool: pool}

	for _, c := range []*Client{first, second} {
		req, err := New(addr + "/")
		if err != nil {
			t.Fatalf("unexpected error: %s", err)
		}
		resp, err := c.Do(req)
		if err != nil {
			t.Fatalf("unexpected error: %s", err)
		}
		if _, err = resp.BodyString(); err != nil {
			t.Fatalf("unexpected error: %s", err)
		}
		resp.Close()
	}

	if n := atomic.LoadInt32(accepted); n != 1 {
		t.Fatalf("unexpected %d connections, expecting the clients to share one", n)
	}
}

func TestResponseCloseIdempotent(t *testing.T) {
	addr, _ := startServer(t,
		serveLoop("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"))

	req, err := New(addr + "/")
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	c := &Client{}
	resp, err := c.Do(req)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if _, err = resp.BodyString(); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	for i := 0; i < 3; i++ {
		if err = resp.Close(); err != nil {
			t.Fatalf("close %d: unexpected error: %s", i, err)
		}
	}
}

func TestRequestChaining(t *testing.T) {
	req, err := New("http://example.com/api")
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	req.SetMethod("POST").
		SetHeader("x-token", "abc").
		AddHeader("x-tag", "one").
		AddHeader("x-tag", "two").
		SetBasicAuth("user", "pass").
		SetBodyString("payload")

	if v, _ := req.HeaderOne("x-token"); v != "abc" {
		t.Fatalf("unexpected header %q", v)
	}
	if tags := req.HeaderAll("x-tag"); len(tags) != 2 {
		t.Fatalf("unexpected tags %v", tags)
	}
	if v, _ := req.HeaderOne("host"); v != "example.com" {
		t.Fatalf("unexpected host header %q", v)
	}
	if req.contentLength != 7 {
		t.Fatalf("unexpected content length %d", req.contentLength)
	}
}

func TestNewRequestBadURL(t *testing.T) {
	if _, err := New("http://exa mple.com/%zz"); !errors.Is(err, ErrInvalidURL) {
		t.Fatalf("unexpected error %v, expecting %s", err, ErrInvalidURL)
	}
}
