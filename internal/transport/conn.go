package transport

// Frames are a 4-byte big-endian length followed by the body.
// The transport never looks inside the body.

import (
	"bufio"
	"encoding"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"syscall"
)

const (
	headerSize = 4

	// DefaultMaxFrameSize bounds a single message body
	DefaultMaxFrameSize = 64 << 20
)

var (
	// ErrClosed means the peer disconnected cleanly at a frame boundary
	ErrClosed = errors.New("transport closed")
	// ErrMalformed means the peer violated the framing or message schema.
	// The channel is desynchronized and must not be used again.
	ErrMalformed = errors.New("transport malformed")
)

// Conn exchanges framed messages over a byte stream
type Conn struct {
	rw           io.ReadWriteCloser
	r            *bufio.Reader
	maxFrameSize uint32

	writeMu sync.Mutex
	readMu  sync.Mutex

	mu     sync.Mutex
	broken bool
}

// Option configures a Conn
type Option func(*Conn)

// WithMaxFrameSize overrides DefaultMaxFrameSize
func WithMaxFrameSize(n uint32) Option {
	return func(c *Conn) {
		if n > 0 {
			c.maxFrameSize = n
		}
	}
}

// New wraps a byte stream
func New(rw io.ReadWriteCloser, opts ...Option) *Conn {
	c := &Conn{
		rw:           rw,
		r:            bufio.NewReader(rw),
		maxFrameSize: DefaultMaxFrameSize,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Dial connects to a Unix socket
func Dial(path string, opts ...Option) (*Conn, error) {
	nc, err := net.Dial("unix", path)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", path, err)
	}
	return New(nc, opts...), nil
}

// Send encodes and writes one message
func (c *Conn) Send(msg encoding.BinaryMarshaler) error {
	body, err := msg.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	return c.WriteFrame(body)
}

// Receive reads one message and decodes it into msg.
// A body that fails to decode is reported as ErrMalformed.
func (c *Conn) Receive(msg encoding.BinaryUnmarshaler) error {
	body, err := c.ReadFrame()
	if err != nil {
		return err
	}
	if err := msg.UnmarshalBinary(body); err != nil {
		c.markBroken()
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

// WriteFrame writes a raw body with its length prefix
func (c *Conn) WriteFrame(body []byte) error {
	if c.isBroken() {
		return ErrMalformed
	}
	if len(body) == 0 || uint64(len(body)) > uint64(c.maxFrameSize) {
		return fmt.Errorf("frame size %d outside (0, %d]", len(body), c.maxFrameSize)
	}

	buf := make([]byte, headerSize+len(body))
	binary.BigEndian.PutUint32(buf, uint32(len(body)))
	copy(buf[headerSize:], body)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.WriteRaw(buf)
}

// WriteRaw writes bytes with no framing. Only the puppet uses this, to
// desynchronize the peer on purpose.
func (c *Conn) WriteRaw(b []byte) error {
	for len(b) > 0 {
		n, err := c.rw.Write(b)
		if err != nil {
			if isClosedErr(err) {
				return ErrClosed
			}
			return fmt.Errorf("write failed: %w", err)
		}
		b = b[n:]
	}
	return nil
}

// ReadFrame reads one raw body
func (c *Conn) ReadFrame() ([]byte, error) {
	if c.isBroken() {
		return nil, ErrMalformed
	}

	c.readMu.Lock()
	defer c.readMu.Unlock()

	var header [headerSize]byte
	if _, err := io.ReadFull(c.r, header[:]); err != nil {
		switch {
		case errors.Is(err, io.EOF) || isClosedErr(err):
			return nil, ErrClosed
		case errors.Is(err, io.ErrUnexpectedEOF):
			c.markBroken()
			return nil, fmt.Errorf("%w: truncated header", ErrMalformed)
		default:
			return nil, fmt.Errorf("read failed: %w", err)
		}
	}

	size := binary.BigEndian.Uint32(header[:])
	if size == 0 || size > c.maxFrameSize {
		c.markBroken()
		return nil, fmt.Errorf("%w: frame size %d outside (0, %d]", ErrMalformed, size, c.maxFrameSize)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(c.r, body); err != nil {
		c.markBroken()
		return nil, fmt.Errorf("%w: truncated body (%d bytes expected): %v", ErrMalformed, size, err)
	}
	return body, nil
}

// Close closes the underlying stream
func (c *Conn) Close() error {
	return c.rw.Close()
}

func (c *Conn) markBroken() {
	c.mu.Lock()
	c.broken = true
	c.mu.Unlock()
}

func (c *Conn) isBroken() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.broken
}

func isClosedErr(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNRESET)
}
