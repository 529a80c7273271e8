// Package msgchan provides a non-blocking framed message channel over a
// pair of byte-stream file descriptors.
package msgchan

import (
	"errors"
	"fmt"
	"io"

	"golang.org/x/sys/unix"

	"kvmux/internal/proto"
)

// MaxBacklog bounds the encoded bytes waiting to be written. A peer that
// stops draining its end hits this limit and is failed rather than growing
// our memory without bound.
const MaxBacklog = 4 << 20

// ErrBacklog is returned by Enqueue when the outbound buffer is full.
var ErrBacklog = errors.New("msgchan: send backlog exceeded")

const readChunk = 32 << 10

// Channel frames messages onto sendFD and parses them off recvFD. Both fds
// must already be in non-blocking mode; no Channel operation ever blocks.
// The two fds may be the same descriptor (a socketpair end).
type Channel struct {
	sendFD int
	recvFD int

	outbuf []byte
	inbuf  []byte
	closed bool
}

// New wraps the given descriptors. Ownership of the fds passes to the
// channel; Close releases them.
func New(sendFD, recvFD int) *Channel {
	return &Channel{sendFD: sendFD, recvFD: recvFD}
}

// RecvFD returns the descriptor to watch for readability.
func (c *Channel) RecvFD() int { return c.recvFD }

// SendFD returns the descriptor to watch for writability.
func (c *Channel) SendFD() int { return c.sendFD }

// Enqueue appends msg to the outbound buffer. It fails with ErrBacklog when
// the buffered bytes would exceed MaxBacklog.
func (c *Channel) Enqueue(msg *proto.Message) error {
	frame := proto.Encode(msg)
	if len(c.outbuf)+len(frame) > MaxBacklog {
		return ErrBacklog
	}
	c.outbuf = append(c.outbuf, frame...)
	return nil
}

// HasOutbound reports whether any bytes are waiting to be written.
func (c *Channel) HasOutbound() bool { return len(c.outbuf) > 0 }

// TrySend writes as much of the outbound buffer as the fd accepts. It
// returns true if any progress was made, false if the write would block.
// A non-nil error is fatal to the connection.
func (c *Channel) TrySend() (bool, error) {
	if len(c.outbuf) == 0 {
		return false, nil
	}

	n, err := unix.Write(c.sendFD, c.outbuf)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EINTR {
			return false, nil
		}
		return false, fmt.Errorf("msgchan: write: %w", err)
	}
	if n <= 0 {
		return false, nil
	}

	c.outbuf = c.outbuf[:copy(c.outbuf, c.outbuf[n:])]
	return true, nil
}

// TryRecv attempts to decode one complete message. It returns (nil, nil)
// when no complete frame is available yet. io.EOF or a framing error is
// fatal to the connection.
func (c *Channel) TryRecv() (*proto.Message, error) {
	// A previous read may have buffered more than one frame.
	if msg, err := c.decodeOne(); msg != nil || err != nil {
		return msg, err
	}

	var chunk [readChunk]byte
	for {
		n, err := unix.Read(c.recvFD, chunk[:])
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if err == unix.EAGAIN {
				return nil, nil
			}
			return nil, fmt.Errorf("msgchan: read: %w", err)
		}
		if n == 0 {
			return nil, io.EOF
		}
		c.inbuf = append(c.inbuf, chunk[:n]...)
		break
	}

	return c.decodeOne()
}

func (c *Channel) decodeOne() (*proto.Message, error) {
	msg, n, err := proto.Decode(c.inbuf)
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, nil
	}
	c.inbuf = c.inbuf[:copy(c.inbuf, c.inbuf[n:])]
	return msg, nil
}

// Buffered reports whether a complete undelivered frame is already sitting
// in the receive buffer. The event loop uses this to drain the channel
// before waiting on the fd again.
func (c *Channel) Buffered() bool {
	msg, _, err := proto.Decode(c.inbuf)
	return err == nil && msg != nil
}

// Close closes both descriptors and discards buffered data. Safe to call
// more than once.
func (c *Channel) Close() {
	if c.closed {
		return
	}
	c.closed = true
	unix.Close(c.recvFD)
	if c.sendFD != c.recvFD {
		unix.Close(c.sendFD)
	}
	c.outbuf = nil
	c.inbuf = nil
}
