package internal

import (
	"bytes"
	"errors"
	"io"
	"math/rand"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chunkedReader hands out the stream in the given chunk sizes.
type chunkedReader struct {
	data   []byte
	splits []int
}

func (r *chunkedReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, io.EOF
	}
	n := len(r.data)
	if len(r.splits) > 0 {
		n = r.splits[0]
		r.splits = r.splits[1:]
		if n > len(r.data) {
			n = len(r.data)
		}
	}
	if n > len(p) {
		n = len(p)
	}
	copy(p, r.data[:n])
	r.data = r.data[n:]
	return n, nil
}

func collectFrames(t *testing.T, d *Decoder) []string {
	t.Helper()
	var frames []string
	for frame, err := range d.Frames() {
		if err != nil {
			var connErr *ConnectionError
			require.ErrorAs(t, err, &connErr)
			require.ErrorIs(t, err, io.EOF)
			break
		}
		frames = append(frames, frame)
	}
	return frames
}

func TestEncodeFrame(t *testing.T) {
	encoded, err := EncodeFrame("hello")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello\n"), encoded)

	_, err = EncodeFrame("two\nlines")
	assert.ErrorIs(t, err, ErrDelimiterInFrame)
}

func TestDecoderReadCases(t *testing.T) {
	// no delimiter: the whole chunk is carried over
	frames, carry := SplitFrames(nil, []byte("partial"))
	assert.Empty(t, frames)
	assert.Equal(t, []byte("partial"), carry)

	// ends exactly on a delimiter: carry-over cleared
	frames, carry = SplitFrames(carry, []byte(" one\ntwo\n"))
	assert.Equal(t, []string{"partial one", "two"}, frames)
	assert.Nil(t, carry)

	// delimiters present but not at the end: last segment carried over
	frames, carry = SplitFrames(nil, []byte("a\nb\nc"))
	assert.Equal(t, []string{"a", "b"}, frames)
	assert.Equal(t, []byte("c"), carry)
}

func TestDecoderIsReadBoundaryIndependent(t *testing.T) {
	stream := []byte("alice\n{\"room_type\":\"GLOBAL\"}\nhi there\n\n/switch\nlast")
	want := collectFrames(t, NewDecoder(bytes.NewReader(stream)))
	require.Equal(t, []string{"alice", `{"room_type":"GLOBAL"}`, "hi there", "", "/switch"}, want)

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 200; i++ {
		var splits []int
		for remaining := len(stream); remaining > 0; {
			n := rng.Intn(7) + 1
			splits = append(splits, n)
			remaining -= n
		}
		got := collectFrames(t, NewDecoder(&chunkedReader{data: stream, splits: splits}))
		require.Equal(t, want, got, "splits %v", splits)
	}

	got := collectFrames(t, NewDecoder(iotest.OneByteReader(bytes.NewReader(stream))))
	assert.Equal(t, want, got)
}

func TestSplitFramesReconstructsStream(t *testing.T) {
	stream := []byte("x\nyy\n\nzzz\nrest")
	var (
		carry  []byte
		frames []string
	)
	for i := 0; i < len(stream); i += 3 {
		end := min(i+3, len(stream))
		var got []string
		got, carry = SplitFrames(carry, stream[i:end])
		frames = append(frames, got...)
	}
	var rebuilt bytes.Buffer
	for _, f := range frames {
		rebuilt.WriteString(f)
		rebuilt.WriteByte(FrameDelimiter)
	}
	rebuilt.Write(carry)
	assert.Equal(t, stream, rebuilt.Bytes())
}

func TestDecoderDiscardsPartialFrameOnClose(t *testing.T) {
	d := NewDecoder(strings.NewReader("complete\nincompl"))
	frame, err := d.Next()
	require.NoError(t, err)
	assert.Equal(t, "complete", frame)

	_, err = d.Next()
	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.True(t, connErr.Incomplete)
	assert.Zero(t, d.Buffered())
}

func TestDecoderSurfacesReadErrors(t *testing.T) {
	boom := errors.New("boom")
	d := NewDecoder(iotest.ErrReader(boom))
	_, err := d.Next()
	assert.ErrorIs(t, err, boom)
	assert.True(t, isConnectionError(err))
}

func TestDecoderFrameLimit(t *testing.T) {
	d := NewDecoderSize(strings.NewReader(strings.Repeat("a", 32)+"\n"), 16)
	_, err := d.Next()
	var protoErr *ProtocolError
	require.ErrorAs(t, err, &protoErr)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestDecoderRawReadAfterHeader(t *testing.T) {
	d := NewDecoder(strings.NewReader("UPLOAD\nbody\nwith newline"))
	frame, err := d.Next()
	require.NoError(t, err)
	require.Equal(t, "UPLOAD", frame)

	body, err := io.ReadAll(d)
	require.NoError(t, err)
	assert.Equal(t, "body\nwith newline", string(body))
}

func TestFramesIsRestartable(t *testing.T) {
	d := NewDecoder(strings.NewReader("one\ntwo\nthree\n"))
	for frame, err := range d.Frames() {
		require.NoError(t, err)
		assert.Equal(t, "one", frame)
		break
	}
	frame, err := d.Next()
	require.NoError(t, err)
	assert.Equal(t, "two", frame)
	for frame, err := range d.Frames() {
		require.NoError(t, err)
		assert.Equal(t, "three", frame)
		break
	}
}
