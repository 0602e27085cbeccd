package transport

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"testing"

	"github.com/psantana5/pvf-worker/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pipe(t *testing.T, opts ...Option) (*Conn, net.Conn) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return New(a, opts...), b
}

func TestSendReceive(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	left, right := New(a), New(b)

	go func() {
		left.Send(&models.HostMessage{Shutdown: true})
	}()

	var msg models.HostMessage
	require.NoError(t, right.Receive(&msg))
	assert.True(t, msg.Shutdown)
}

func TestReceiveClosedAtFrameBoundary(t *testing.T) {
	c, peer := pipe(t)
	peer.Close()

	var msg models.HostMessage
	err := c.Receive(&msg)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestMalformedFrames(t *testing.T) {
	header := func(n uint32) []byte {
		var h [headerSize]byte
		binary.BigEndian.PutUint32(h[:], n)
		return h[:]
	}

	tests := []struct {
		name string
		raw  []byte
	}{
		{"zero length", header(0)},
		{"oversized", header(1 << 10)},
		{"truncated header", []byte{0, 0}},
		{"truncated body", append(header(10), 1, 2, 3)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, peer := pipe(t, WithMaxFrameSize(512))
			go func() {
				peer.Write(tt.raw)
				peer.Close()
			}()

			_, err := c.ReadFrame()
			require.ErrorIs(t, err, ErrMalformed)

			// The channel stays unusable once desynchronized.
			_, err = c.ReadFrame()
			assert.ErrorIs(t, err, ErrMalformed)
			assert.ErrorIs(t, c.WriteFrame([]byte{1}), ErrMalformed)
		})
	}
}

func TestUndecodableBodyIsMalformed(t *testing.T) {
	c, peer := pipe(t)
	go New(peer).WriteFrame([]byte{0xff, 0xff, 0xff})

	var msg models.HostMessage
	err := c.Receive(&msg)
	assert.ErrorIs(t, err, ErrMalformed)
}

// trickleConn delivers one byte per Read and accepts one byte per Write
type trickleConn struct {
	in  *bytes.Reader
	out bytes.Buffer
}

func (t *trickleConn) Read(p []byte) (int, error) {
	if len(p) > 1 {
		p = p[:1]
	}
	return t.in.Read(p)
}

func (t *trickleConn) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	t.out.WriteByte(p[0])
	return 1, nil
}

func (t *trickleConn) Close() error { return nil }

func TestPartialReadsAndWritesResume(t *testing.T) {
	body, err := (&models.WorkerMessage{Hello: &models.Hello{PID: 42, Kind: "execute"}}).MarshalBinary()
	require.NoError(t, err)

	w := &trickleConn{in: bytes.NewReader(nil)}
	require.NoError(t, New(w).WriteFrame(body))

	r := &trickleConn{in: bytes.NewReader(w.out.Bytes())}
	var msg models.WorkerMessage
	require.NoError(t, New(r).Receive(&msg))
	assert.Equal(t, 42, msg.Hello.PID)

	// Next read hits EOF at a frame boundary.
	_, err = New(&trickleConn{in: bytes.NewReader(nil)}).ReadFrame()
	assert.True(t, errors.Is(err, ErrClosed))
}

func TestWriteFrameRejectsEmptyBody(t *testing.T) {
	c := New(&trickleConn{in: bytes.NewReader(nil)})
	assert.Error(t, c.WriteFrame(nil))
}

var _ io.ReadWriteCloser = (*trickleConn)(nil)
