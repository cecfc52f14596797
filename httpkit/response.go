package httpkit

import (
	"bytes"
	"io"
	"strconv"

	"github.com/pkg/errors"
	"github.com/valyala/bytebufferpool"
)

// Version response protocol version. Only the two HTTP/1 versions are
// recognized; anything else fails the status-line parse.
type Version int

const (
	// Version11 HTTP/1.1
	Version11 Version = iota
	// Version10 HTTP/1.0
	Version10
)

func (v Version) String() string {
	if v == Version10 {
		return "HTTP/1.0"
	}
	return "HTTP/1.1"
}

var (
	// ErrMalformedStatusLine the status line does not follow
	// `HTTP/<ver> <code> [reason]`.
	ErrMalformedStatusLine = errors.New("malformed status line")
	// ErrInvalidVersion the version token is neither 1.1 nor 1.0.
	ErrInvalidVersion = errors.New("invalid HTTP version")
	// ErrInvalidStatusCode the status code token is not an unsigned
	// integer.
	ErrInvalidStatusCode = errors.New("invalid status code")
	// ErrMalformedHeader a header line is missing the single space
	// after the colon, or has no colon at all.
	ErrMalformedHeader = errors.New("malformed header line")
)

// ReadUntil appends bytes from r to buf one at a time until buf's tail
// matches delim. The deliberate lack of read-ahead keeps body bytes on
// the stream for whoever owns it next.
func ReadUntil(r io.Reader, delim []byte, buf *bytebufferpool.ByteBuffer) error {
	if len(delim) == 0 {
		return nil
	}
	var one [1]byte
	for {
		n, err := r.Read(one[:])
		if n > 0 {
			buf.B = append(buf.B, one[0])
			if bytes.HasSuffix(buf.B, delim) {
				return nil
			}
		}
		if err != nil {
			return errors.Wrapf(err, "stream ended before delimiter %q", delim)
		}
	}
}

// ParseStatusLine parses `HTTP/<ver> <code> [reason]` with an optional
// trailing CRLF. The reason phrase is ignored.
func ParseStatusLine(line []byte) (Version, int, error) {
	line = trimCRLF(line)
	if !bytes.HasPrefix(line, []byte("HTTP/")) {
		return 0, 0, errors.Wrapf(ErrMalformedStatusLine, "line %q", line)
	}
	rest := line[len("HTTP/"):]

	sp := bytes.IndexByte(rest, ' ')
	if sp < 0 {
		return 0, 0, errors.Wrapf(ErrMalformedStatusLine, "line %q", line)
	}
	var version Version
	switch string(rest[:sp]) {
	case "1.1":
		version = Version11
	case "1.0":
		version = Version10
	default:
		return 0, 0, errors.Wrapf(ErrInvalidVersion, "got %q", rest[:sp])
	}

	codeToken := rest[sp+1:]
	if end := bytes.IndexAny(codeToken, " \r"); end >= 0 {
		codeToken = codeToken[:end]
	}
	code, err := strconv.ParseUint(string(codeToken), 10, 16)
	if err != nil {
		return 0, 0, errors.Wrapf(ErrInvalidStatusCode, "got %q", codeToken)
	}
	return version, int(code), nil
}

// Headers is a response header multimap. Keys are lowercased on
// insertion; repeated keys accumulate values in parse order.
type Headers map[string][]string

// One returns the first value stored for key (already lowercase).
func (h Headers) One(key string) (string, bool) {
	values := h[key]
	if len(values) == 0 {
		return "", false
	}
	return values[0], true
}

// All returns every value stored for key in parse order.
func (h Headers) All(key string) []string {
	return h[key]
}

// ParseHeaderBlock parses zero or more `key: value` CRLF lines
// terminated by a lone CRLF. The key is any run of bytes containing
// neither a colon nor a space; exactly one space must follow the
// colon, anything beyond it belongs to the value.
func ParseHeaderBlock(block []byte) (Headers, error) {
	headers := make(Headers)
	rest := block
	for {
		if len(rest) == 0 || bytes.Equal(rest, []byte("\r\n")) {
			return headers, nil
		}
		lineEnd := bytes.Index(rest, []byte("\r\n"))
		if lineEnd < 0 {
			return nil, errors.Wrapf(ErrMalformedHeader, "no CRLF in %q", rest)
		}
		line := rest[:lineEnd]
		rest = rest[lineEnd+2:]
		if bytes.ContainsAny(line, "\r\n") {
			return nil, errors.Wrapf(ErrMalformedHeader, "stray CR or LF in line %q", line)
		}

		colon := bytes.IndexByte(line, ':')
		if colon <= 0 {
			return nil, errors.Wrapf(ErrMalformedHeader, "line %q", line)
		}
		key := line[:colon]
		if bytes.IndexByte(key, ' ') >= 0 {
			return nil, errors.Wrapf(ErrMalformedHeader, "space in key of line %q", line)
		}
		if colon+1 >= len(line) || line[colon+1] != ' ' {
			return nil, errors.Wrapf(ErrMalformedHeader,
				"missing space after colon in line %q", line)
		}
		value := line[colon+2:]

		lowerKey := string(toLower(key))
		headers[lowerKey] = append(headers[lowerKey], string(value))
	}
}

func trimCRLF(b []byte) []byte {
	b = bytes.TrimSuffix(b, []byte("\n"))
	return bytes.TrimSuffix(b, []byte("\r"))
}

func toLower(b []byte) []byte {
	out := make([]byte, len(b))
	for i, c := range b {
		if 'A' <= c && c <= 'Z' {
			c += 'a' - 'A'
		}
		out[i] = c
	}
	return out
}
