package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"
)

// maxMessageSize bounds one newline-delimited message.
const maxMessageSize = 1 << 20

type recvResult struct {
	msg Message
	err error
}

// StreamChannel frames messages as newline-delimited JSON over a net.Conn.
type StreamChannel struct {
	conn net.Conn

	writeMu sync.Mutex
	enc     *json.Encoder

	incoming chan recvResult
	done     chan struct{}
	once     sync.Once
}

var _ Channel = (*StreamChannel)(nil)

// NewStreamChannel wraps conn and starts its reader.
func NewStreamChannel(conn net.Conn) *StreamChannel {
	c := &StreamChannel{
		conn:     conn,
		enc:      json.NewEncoder(conn),
		incoming: make(chan recvResult),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *StreamChannel) readLoop() {
	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxMessageSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var result recvResult
		if err := json.Unmarshal(line, &result.msg); err != nil {
			result.err = fmt.Errorf("%w: invalid message: %v", ErrBadRequest, err)
		}

		select {
		case c.incoming <- result:
		case <-c.done:
			return
		}
	}

	err := scanner.Err()
	if err == nil {
		err = ErrClosed
	} else {
		err = fmt.Errorf("%w: %v", ErrClosed, err)
	}
	select {
	case c.incoming <- recvResult{err: err}:
	case <-c.done:
	}
	c.Close()
}

// Recv returns the next message. A malformed line yields an ErrBadRequest error and
// the stream stays usable.
func (c *StreamChannel) Recv(ctx context.Context) (Message, error) {
	select {
	case r := <-c.incoming:
		return r.msg, r.err
	case <-c.done:
		return Message{}, ErrClosed
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// Send writes one message. The write deadline follows ctx.
func (c *StreamChannel) Send(ctx context.Context, msg Message) error {
	select {
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Time{}
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	if err := c.enc.Encode(msg); err != nil {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return nil
}

// Close closes the connection.
func (c *StreamChannel) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// RemoteAddr returns the peer address.
func (c *StreamChannel) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Dial connects to a gapd socket.
func Dial(ctx context.Context, network, address string) (*StreamChannel, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s %s: %w", network, address, err)
	}
	return NewStreamChannel(conn), nil
}
