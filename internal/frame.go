package internal

import (
	"bytes"
	"io"
	"iter"
	"strings"
)

const (
	// FrameDelimiter terminates every frame on the wire.
	FrameDelimiter byte = '\n'
	// MaxFrameSize bounds a single inbound frame.
	MaxFrameSize = 64 * 1024

	readChunkSize = 4096
)

// EncodeFrame turns text into a single delimited frame.
func EncodeFrame(text string) ([]byte, error) {
	if strings.IndexByte(text, FrameDelimiter) >= 0 {
		return nil, ErrDelimiterInFrame
	}
	out := make([]byte, 0, len(text)+1)
	out = append(out, text...)
	return append(out, FrameDelimiter), nil
}

// Decoder turns a byte stream into frames. Bytes past the last delimiter are
// kept in a carry-over buffer until the next read completes them, so frames
// split or coalesced across reads come out the same either way.
type Decoder struct {
	r            io.Reader
	carry        []byte
	scratch      []byte
	maxFrameSize int
}

// NewDecoder reads frames from r with the default frame limit.
func NewDecoder(r io.Reader) *Decoder {
	return NewDecoderSize(r, MaxFrameSize)
}

// NewDecoderSize reads frames from r; maxFrameSize <= 0 disables the limit.
func NewDecoderSize(r io.Reader, maxFrameSize int) *Decoder {
	return &Decoder{
		r:            r,
		scratch:      make([]byte, readChunkSize),
		maxFrameSize: maxFrameSize,
	}
}

// Next blocks until one complete frame is available. A read failure or EOF is
// returned as *ConnectionError and any buffered partial frame is dropped.
func (d *Decoder) Next() (string, error) {
	for {
		if idx := bytes.IndexByte(d.carry, FrameDelimiter); idx >= 0 {
			frame := d.carry[:idx]
			d.carry = d.carry[idx+1:]
			if d.maxFrameSize > 0 && len(frame) > d.maxFrameSize {
				return "", &ProtocolError{Err: ErrFrameTooLarge}
			}
			return string(frame), nil
		}
		if d.maxFrameSize > 0 && len(d.carry) > d.maxFrameSize {
			d.carry = nil
			return "", &ProtocolError{Err: ErrFrameTooLarge}
		}
		n, err := d.r.Read(d.scratch)
		if n > 0 {
			d.carry = append(d.carry, d.scratch[:n]...)
			continue
		}
		if err != nil {
			incomplete := len(d.carry) > 0
			d.carry = nil
			return "", &ConnectionError{Op: "read", Incomplete: incomplete, Err: err}
		}
	}
}

// Frames is a lazy view over Next. Breaking out of the loop leaves the
// decoder where it stopped, so a later Frames call picks up from there.
func (d *Decoder) Frames() iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for {
			frame, err := d.Next()
			if !yield(frame, err) || err != nil {
				return
			}
		}
	}
}

// Buffered reports how many carried-over bytes are waiting.
func (d *Decoder) Buffered() int {
	return len(d.carry)
}

// Read serves raw bytes: carry-over first, then the underlying reader. The
// file service uses it to read a body that follows a framed header.
func (d *Decoder) Read(p []byte) (int, error) {
	if len(d.carry) > 0 {
		n := copy(p, d.carry)
		d.carry = d.carry[n:]
		return n, nil
	}
	return d.r.Read(p)
}

// SplitFrames is the pure form of the decoder step: it appends chunk to carry
// and returns every completed frame plus the new carry-over.
func SplitFrames(carry, chunk []byte) ([]string, []byte) {
	data := append(append([]byte(nil), carry...), chunk...)
	var frames []string
	for {
		idx := bytes.IndexByte(data, FrameDelimiter)
		if idx < 0 {
			break
		}
		frames = append(frames, string(data[:idx]))
		data = data[idx+1:]
	}
	if len(data) == 0 {
		return frames, nil
	}
	return frames, data
}
