package channel

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"
)

const (
	// DefaultDelimiter terminates every wire message
	DefaultDelimiter = "\r\n\r\n"

	// DefaultReadBufferSize is the size of a single socket read
	DefaultReadBufferSize = 64 * 1024

	// DefaultThreshold bounds the payload collected by one Receive call
	DefaultThreshold = 4 * 1024 * 1024
)

// ErrNoConn is returned when the channel has no socket
var ErrNoConn = errors.New("channel has no connection")

// Codec is one direction of a message pipeline
type Codec interface {
	Encode(payload []byte) ([]byte, error)
	Decode(data []byte) ([]byte, error)
}

// Config holds framing parameters
type Config struct {
	Delimiter      []byte
	ReadBufferSize int
	Threshold      int
}

func (c Config) withDefaults() Config {
	if len(c.Delimiter) == 0 {
		c.Delimiter = []byte(DefaultDelimiter)
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = DefaultReadBufferSize
	}
	if c.Threshold <= 0 {
		c.Threshold = DefaultThreshold
	}
	return c
}

// Channel turns a byte stream into whole messages
type Channel struct {
	conn     net.Conn
	sender   Codec
	receiver Codec
	delim    []byte
	buf      []byte
	limit    int
	timeout  time.Duration
	history  []byte
}

// New wraps conn. sender encodes outgoing payloads and receiver decodes
// incoming segments.
func New(conn net.Conn, sender, receiver Codec, cfg Config) *Channel {
	cfg = cfg.withDefaults()
	return &Channel{
		conn:     conn,
		sender:   sender,
		receiver: receiver,
		delim:    bytes.Clone(cfg.Delimiter),
		buf:      make([]byte, cfg.ReadBufferSize),
		limit:    cfg.Threshold,
	}
}

// Conn returns the underlying socket
func (c *Channel) Conn() net.Conn {
	return c.conn
}

// History returns the bytes carried over to the next Receive
func (c *Channel) History() []byte {
	return c.history
}

// SetTimeout applies d as the deadline of every subsequent socket
// operation. Zero disables deadlines.
func (c *Channel) SetTimeout(d time.Duration) {
	c.timeout = d
	if d == 0 && c.conn != nil {
		_ = c.conn.SetDeadline(time.Time{})
	}
}

// SetCodecs swaps the pipelines, used once a handshake settles the keys
func (c *Channel) SetCodecs(sender, receiver Codec) {
	c.sender = sender
	c.receiver = receiver
}

// Send encodes payload and writes it followed by the delimiter. A message
// written to a peer that reset the connection is dropped silently.
func (c *Channel) Send(payload []byte) error {
	if c.conn == nil {
		return ErrNoConn
	}

	data, err := c.sender.Encode(payload)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	data = append(data, c.delim...)

	if c.timeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
	}
	for len(data) > 0 {
		n, err := c.conn.Write(data)
		if err != nil {
			if isPeerReset(err) {
				return nil
			}
			return err
		}
		data = data[n:]
	}
	return nil
}

// Receive returns the concatenation of every message decoded in this call
func (c *Channel) Receive() ([]byte, error) {
	msgs, err := c.ReceiveMessages()
	return bytes.Join(msgs, nil), err
}

// ReceiveMessages reads until the buffered bytes end on a delimiter, the
// decoded payload reaches the threshold, the pending partial message
// reaches the threshold, or the socket yields no data. Any trailing partial
// message is kept for the next call. A socket error is returned together
// with the messages decoded before it.
func (c *Channel) ReceiveMessages() ([][]byte, error) {
	if c.conn == nil {
		return nil, ErrNoConn
	}

	var (
		msgs  [][]byte
		total int
	)

	text, err := c.read(c.history)
	c.history = nil
	for len(text) > 0 {
		segments := bytes.Split(text, c.delim)
		rest := segments[len(segments)-1]

		for i, seg := range segments[:len(segments)-1] {
			if len(seg) == 0 {
				continue
			}
			msg, derr := c.receiver.Decode(seg)
			if derr != nil {
				c.history = bytes.Clone(bytes.Join(segments[i+1:], c.delim))
				return msgs, derr
			}
			msgs = append(msgs, msg)
			total += len(msg)
		}

		if len(rest) == 0 || total >= c.limit || len(rest) >= c.limit || err != nil {
			c.history = bytes.Clone(rest)
			break
		}
		text, err = c.read(rest)
	}
	return msgs, err
}

func (c *Channel) read(prefix []byte) ([]byte, error) {
	if c.timeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.timeout))
	}
	n, err := c.conn.Read(c.buf)
	return append(prefix, c.buf[:n]...), err
}

// Close closes the underlying socket
func (c *Channel) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

func isPeerReset(err error) bool {
	return errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE)
}
