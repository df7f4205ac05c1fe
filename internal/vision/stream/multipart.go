package stream

import (
	"bytes"
	"io"
	"net/http"

	"github.com/pkg/errors"
)

const (
	// Boundary separates parts of the stream.
	Boundary = "frame"
	// ContentType is the response content type of a frame stream.
	ContentType = "multipart/x-mixed-replace; boundary=" + Boundary
)

// ErrPeerGone is returned when a chunk can no longer be delivered.
var ErrPeerGone = errors.New("peer disconnected")

// AppendChunk appends one part to dst:
//
//	--frame\r\nContent-Type: <type>\r\n\r\n<payload>\r\n
func AppendChunk(dst []byte, contentType string, payload []byte) []byte {
	dst = append(dst, "--"+Boundary+"\r\n"...)
	dst = append(dst, "Content-Type: "...)
	dst = append(dst, contentType...)
	dst = append(dst, "\r\n\r\n"...)
	dst = append(dst, payload...)
	return append(dst, "\r\n"...)
}

// ChunkWriter writes parts of a multipart/x-mixed-replace stream. Each part
// goes out in a single Write followed by a flush, so a viewer never sees a
// partial frame sitting in a buffer.
type ChunkWriter struct {
	w           io.Writer
	flusher     http.Flusher
	contentType string
	buf         []byte
	chunks      uint64
	bytes       uint64
}

// NewChunkWriter wraps w. If w is an http.Flusher every chunk is flushed.
func NewChunkWriter(w io.Writer, contentType string) *ChunkWriter {
	cw := &ChunkWriter{w: w, contentType: contentType}
	if f, ok := w.(http.Flusher); ok {
		cw.flusher = f
	}
	return cw
}

// WriteChunk sends one frame. Any write error means the peer is gone.
func (cw *ChunkWriter) WriteChunk(payload []byte) error {
	cw.buf = AppendChunk(cw.buf[:0], cw.contentType, payload)
	n, err := cw.w.Write(cw.buf)
	cw.bytes += uint64(n)
	if err != nil {
		return errors.Wrapf(ErrPeerGone, "write chunk: %v", err)
	}
	if n != len(cw.buf) {
		return errors.Wrap(ErrPeerGone, "short write")
	}
	if cw.flusher != nil {
		cw.flusher.Flush()
	}
	cw.chunks++
	return nil
}

// Chunks returns the number of complete chunks written.
func (cw *ChunkWriter) Chunks() uint64 {
	return cw.chunks
}

// Bytes returns the number of bytes written, including framing.
func (cw *ChunkWriter) Bytes() uint64 {
	return cw.bytes
}

// ParseChunks splits a complete stream body back into payloads and rejects
// anything that does not follow the part grammar exactly. Parts carry no
// length, so a part ends only where CRLF is followed by a complete part
// header. A payload that itself contains that whole sequence is split; this
// is meant for tests and diagnostics, not for untrusted streams.
func ParseChunks(body []byte, contentType string) ([][]byte, error) {
	header := []byte("--" + Boundary + "\r\nContent-Type: " + contentType + "\r\n\r\n")
	next := append([]byte("\r\n"), header...)

	var payloads [][]byte
	for len(body) > 0 {
		if !bytes.HasPrefix(body, header) {
			return payloads, errors.Errorf("chunk %d: bad header", len(payloads))
		}
		body = body[len(header):]

		end := bytes.Index(body, next)
		if end < 0 {
			if !bytes.HasSuffix(body, []byte("\r\n")) {
				return payloads, errors.Errorf("chunk %d: missing trailing CRLF", len(payloads))
			}
			payloads = append(payloads, body[:len(body)-2])
			break
		}
		payloads = append(payloads, body[:end])
		body = body[end+2:]
	}
	return payloads, nil
}
