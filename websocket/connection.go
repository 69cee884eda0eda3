package websocket

import (
	"bufio"
	"context"
	"net"

	kuproxy "github.com/JellyTony/kuproxy"
	"github.com/gobwas/ws"
)

type Frame struct {
	raw ws.Frame
}

func (f *Frame) SetOpCode(code kuproxy.OpCode) {
	f.raw.Header.OpCode = ws.OpCode(code)
}

func (f *Frame) GetOpCode() kuproxy.OpCode {
	return kuproxy.OpCode(f.raw.Header.OpCode)
}

func (f *Frame) SetPayload(payload []byte) {
	f.raw.Payload = payload
}

func (f *Frame) GetPayload() []byte {
	if f.raw.Header.Masked {
		ws.Cipher(f.raw.Payload, f.raw.Header.Mask, 0)
	}
	f.raw.Header.Masked = false
	return f.raw.Payload
}

// Conn is a websocket connection. Client side connections mask outgoing frames.
type Conn struct {
	net.Conn
	client bool
}

func NewConn(conn net.Conn) *Conn {
	return &Conn{
		Conn: conn,
	}
}

// Upgrade performs the server side handshake on an accepted connection.
func Upgrade(conn net.Conn) (*Conn, error) {
	if _, err := ws.Upgrade(conn); err != nil {
		return nil, err
	}
	return NewConn(conn), nil
}

// Dial performs the client side handshake against a ws:// or wss:// url.
func Dial(ctx context.Context, url string) (*Conn, error) {
	conn, br, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, err
	}
	if br != nil {
		conn = &bufferedConn{Conn: conn, r: br}
	}
	return &Conn{Conn: conn, client: true}, nil
}

func (c *Conn) ReadFrame() (kuproxy.Frame, error) {
	f, err := ws.ReadFrame(c.Conn)
	if err != nil {
		return nil, err
	}
	return &Frame{raw: f}, nil
}

func (c *Conn) WriteFrame(code kuproxy.OpCode, payload []byte) error {
	f := ws.NewFrame(ws.OpCode(code), true, payload)
	if c.client {
		f = ws.MaskFrameInPlace(f)
	}
	return ws.WriteFrame(c.Conn, f)
}

func (c *Conn) Flush() error {
	return nil
}

// bufferedConn drains bytes the handshake reader already buffered.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (b *bufferedConn) Read(p []byte) (int, error) {
	return b.r.Read(p)
}
