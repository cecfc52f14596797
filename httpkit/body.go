package httpkit

import (
	"io"

	"github.com/pkg/errors"
)

// CopyChunkSize is the read granularity of streamed body transfers.
const CopyChunkSize = 128 * 1024

// CopyBody streams a request body from src to dst in CopyChunkSize
// reads, stopping at source exhaustion or once declared bytes have
// been copied, whichever comes first. It returns the bytes copied. A
// source shorter than declared is not an error here; the early stop is
// the only length handling.
func CopyBody(dst io.Writer, src io.Reader, declared int64) (int64, error) {
	buf := make([]byte, CopyChunkSize)
	var copied int64
	for copied < declared {
		toRead := int64(len(buf))
		if remaining := declared - copied; remaining < toRead {
			toRead = remaining
		}
		n, err := src.Read(buf[:toRead])
		if n > 0 {
			if werr := writeFull(dst, buf[:n]); werr != nil {
				return copied, werr
			}
			copied += int64(n)
		}
		if err == io.EOF || (n == 0 && err == nil) {
			break
		}
		if err != nil {
			return copied, errors.Wrap(err, "fail to read request body")
		}
	}
	return copied, nil
}

func writeFull(w io.Writer, p []byte) error {
	wn, err := w.Write(p)
	if err != nil {
		return errors.Wrap(err, "fail to write request body")
	}
	if wn != len(p) {
		return io.ErrShortWrite
	}
	return nil
}
