// Package poolcodec implements the newline-delimited JSON framing used on
// every pool IPC channel: one JSON object per line, read in arrival order,
// with a hard cap on how much unterminated data may accumulate before a
// single frame is considered a protocol violation.
//
// The decoder owns no io.Reader: callers push bytes in as they arrive off
// either end of a net.Conn, since the pool frames messages in both
// directions over the same channel.
package poolcodec

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// MaxFrameBuffer is the hard ceiling on bytes held without seeing a
// newline.
const MaxFrameBuffer = 10 * 1024 * 1024

// ErrFrameTooLarge is returned by Feed when a single frame would exceed
// MaxFrameBuffer before a newline is seen. It is fatal: the decoder's
// internal buffer is discarded and the decoder must not be reused.
var ErrFrameTooLarge = fmt.Errorf("poolcodec: frame exceeds %d byte limit", MaxFrameBuffer)

// ParseError wraps a single line that failed to unmarshal as JSON. Unlike
// ErrFrameTooLarge, a ParseError is non-fatal: the decoder drops the
// offending line and keeps parsing subsequent lines.
type ParseError struct {
	Line []byte
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("poolcodec: malformed frame: %v", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Decoder accumulates bytes fed to it via Feed and splits them into
// complete newline-terminated frames, decoding each as JSON in arrival
// order. It holds no reference to any io.Reader: callers own how bytes
// arrive (a net.Conn, a pipe, a test fixture) and push them in.
type Decoder struct {
	buf    bytes.Buffer
	closed bool
}

// NewDecoder returns an empty Decoder ready to accept fed bytes.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed appends chunk to the internal buffer and returns every fully decoded
// message found in arrival order. A line that fails to unmarshal produces a
// non-fatal *ParseError in errs but does not stop subsequent lines from
// being parsed. If the buffer would exceed MaxFrameBuffer before a newline
// is seen, Feed returns ErrFrameTooLarge and the Decoder must be discarded.
func (d *Decoder) Feed(chunk []byte) (messages []json.RawMessage, errs []error, fatal error) {
	if d.closed {
		return nil, nil, fmt.Errorf("poolcodec: decoder already closed by a fatal error")
	}
	d.buf.Write(chunk)

	for {
		data := d.buf.Bytes()
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			if d.buf.Len() > MaxFrameBuffer {
				d.closed = true
				d.buf.Reset()
				return messages, errs, ErrFrameTooLarge
			}
			return messages, errs, nil
		}

		line := make([]byte, idx)
		copy(line, data[:idx])
		d.buf.Next(idx + 1)

		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		var raw json.RawMessage
		if err := json.Unmarshal(line, &raw); err != nil {
			errs = append(errs, &ParseError{Line: line, Err: err})
			continue
		}
		messages = append(messages, raw)
	}
}

// Flush attempts to parse any residual bytes left in the buffer that were
// never newline-terminated, the case where a peer closes its write side
// mid-frame. It returns the parsed message if the residue is valid JSON, a
// non-fatal error if it is not, and (nil, nil) if the buffer is empty.
func (d *Decoder) Flush() (json.RawMessage, error) {
	if d.closed {
		return nil, nil
	}
	data := bytes.TrimSpace(d.buf.Bytes())
	d.buf.Reset()
	if len(data) == 0 {
		return nil, nil
	}
	var raw json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &ParseError{Line: data, Err: err}
	}
	return raw, nil
}

// Buffered returns the number of bytes currently held without a terminating
// newline. Used by callers that want to surface buffer pressure in metrics.
func (d *Decoder) Buffered() int {
	return d.buf.Len()
}

// Encoder serializes messages to newline-delimited JSON frames, the
// counterpart framing Decoder expects on the other end of the channel.
type Encoder struct {
	writer interface{ Write([]byte) (int, error) }
}

// NewEncoder returns an Encoder that writes frames to w.
func NewEncoder(w interface{ Write([]byte) (int, error) }) *Encoder {
	return &Encoder{writer: w}
}

// Encode marshals v as JSON and writes it followed by a single newline.
// Each call issues exactly one Write, so partial frames are never observed
// by a concurrent reader on the other end of a pipe or socket.
func (e *Encoder) Encode(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("poolcodec: marshal frame: %w", err)
	}
	payload = append(payload, '\n')
	if _, err := e.writer.Write(payload); err != nil {
		return fmt.Errorf("poolcodec: write frame: %w", err)
	}
	return nil
}
