// Package transport implements the cluster bus: a single TCP port shared by
// gossip, elections and replication. Each connection starts with one byte
// naming the protocol, followed by length-prefixed gob frames.
package transport

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/10yihang/slotkv/pkg/bufpool"
)

// Kind selects the protocol spoken on a bus connection.
type Kind uint8

const (
	KindGossip Kind = iota + 1
	KindFailover
	KindReplication
)

func (k Kind) String() string {
	switch k {
	case KindGossip:
		return "gossip"
	case KindFailover:
		return "failover"
	case KindReplication:
		return "replication"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// MaxFrameSize bounds a single frame. Full slot maps and snapshot chunks stay
// well below it.
const MaxFrameSize = 16 << 20

// DialTimeout is the default timeout for bus connections.
const DialTimeout = 2 * time.Second

// ReadFrame reads one frame: a big-endian 32-bit length, then the payload.
func ReadFrame(r io.Reader) ([]byte, error) {
	lengthBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, lengthBuf); err != nil {
		return nil, err
	}

	length := uint32(lengthBuf[0])<<24 | uint32(lengthBuf[1])<<16 |
		uint32(lengthBuf[2])<<8 | uint32(lengthBuf[3])

	if length > MaxFrameSize {
		return nil, fmt.Errorf("frame too large: %d", length)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}

// Decode gob-decodes data into v.
func Decode(data []byte, v any) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}

// WriteMsg encodes v and writes it as one frame.
func WriteMsg(w io.Writer, v any) error {
	buf := bufpool.Get()
	defer bufpool.Put(buf)

	buf.Write([]byte{0, 0, 0, 0})
	if err := gob.NewEncoder(buf).Encode(v); err != nil {
		return fmt.Errorf("encode: %w", err)
	}

	frame := buf.Bytes()
	n := len(frame) - 4
	if n > MaxFrameSize {
		return fmt.Errorf("frame too large: %d", n)
	}
	frame[0] = byte(n >> 24)
	frame[1] = byte(n >> 16)
	frame[2] = byte(n >> 8)
	frame[3] = byte(n)

	_, err := w.Write(frame)
	return err
}

// ReadMsg reads one frame and decodes it into v.
func ReadMsg(r io.Reader, v any) error {
	data, err := ReadFrame(r)
	if err != nil {
		return err
	}
	return Decode(data, v)
}

// Dial opens a bus connection to addr and announces kind.
func Dial(ctx context.Context, addr string, kind Kind) (net.Conn, error) {
	d := net.Dialer{Timeout: DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", addr, err)
	}
	if _, err := conn.Write([]byte{byte(kind)}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("announce %s to %s: %w", kind, addr, err)
	}
	return conn, nil
}

// Request sends req to addr and decodes a single reply into resp.
func Request(ctx context.Context, addr string, kind Kind, req, resp any, timeout time.Duration) error {
	conn, err := Dial(ctx, addr, kind)
	if err != nil {
		return err
	}
	defer conn.Close()

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetDeadline(deadline)

	if err := WriteMsg(conn, req); err != nil {
		return fmt.Errorf("write to %s: %w", addr, err)
	}
	if err := ReadMsg(conn, resp); err != nil {
		return fmt.Errorf("read from %s: %w", addr, err)
	}
	return nil
}

// Send delivers msg to addr without waiting for a reply.
func Send(ctx context.Context, addr string, kind Kind, msg any) error {
	conn, err := Dial(ctx, addr, kind)
	if err != nil {
		return err
	}
	defer conn.Close()

	conn.SetWriteDeadline(time.Now().Add(DialTimeout))
	return WriteMsg(conn, msg)
}
