package network

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/switchyard-io/switchyard/codec"
	"github.com/switchyard-io/switchyard/proto"
	"github.com/switchyard-io/switchyard/record"
	"github.com/switchyard-io/switchyard/wire"
)

// writeWait bounds a single frame write to a peer.
const writeWait = 5 * time.Second

var contextBackground = context.Background()

// frameConn abstracts the byte transport under a connection: a raw TCP
// stream carrying length-prefixed frames, or a WebSocket carrying one
// frame per binary message.
type frameConn interface {
	ReadFrame() ([]byte, error)
	WriteFrame([]byte) error
	Close() error
	RemoteAddr() net.Addr
}

type tcpFrameConn struct {
	conn   net.Conn
	reader *codec.Reader
}

func newTCPFrameConn(conn net.Conn, maxFrame int) *tcpFrameConn {
	return &tcpFrameConn{conn: conn, reader: codec.NewReader(conn, maxFrame)}
}

func (t *tcpFrameConn) ReadFrame() ([]byte, error) {
	return t.reader.ReadFrame()
}

func (t *tcpFrameConn) WriteFrame(frame []byte) error {
	if err := t.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	_, err := t.conn.Write(frame)
	return err
}

func (t *tcpFrameConn) Close() error         { return t.conn.Close() }
func (t *tcpFrameConn) RemoteAddr() net.Addr { return t.conn.RemoteAddr() }

// wsFrameConn bridges a server-side WebSocket: every binary message is
// one frame, already delimited by the WebSocket layer.
type wsFrameConn struct {
	conn     net.Conn
	maxFrame int
}

func (w *wsFrameConn) ReadFrame() ([]byte, error) {
	for {
		frame, err := wsutil.ReadClientBinary(w.conn)
		if err != nil {
			return nil, err
		}
		if len(frame) == 0 {
			continue
		}
		if err := codec.ValidateFrame(frame, w.maxFrame); err != nil {
			return nil, err
		}
		return frame, nil
	}
}

func (w *wsFrameConn) WriteFrame(frame []byte) error {
	if err := w.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return wsutil.WriteServerBinary(w.conn, frame)
}

func (w *wsFrameConn) Close() error         { return w.conn.Close() }
func (w *wsFrameConn) RemoteAddr() net.Addr { return w.conn.RemoteAddr() }

// Conn pumps one bridged peer: frames in, records toward the broker;
// records from the broker, frames out. The _ping liveness channel is
// answered here so probes never burden the routing core.
type Conn struct {
	id      uuid.UUID
	token   uint64
	timerID uint64 // guarded by the owning server's mutex

	fc      frameConn
	w       *wire.Wire
	codec   codec.Codec
	crypto  *codec.Crypto
	hmac    *codec.FrameHMAC
	limiter *rate.Limiter

	pingOut  chan record.Record
	lastRead atomic.Int64

	log       *zap.Logger
	closeOnce sync.Once
	onClose   func(*Conn)
}

func newConn(fc frameConn, w *wire.Wire, crypto *codec.Crypto, hmac *codec.FrameHMAC, limiter *rate.Limiter, log *zap.Logger) *Conn {
	c := &Conn{
		id:      uuid.New(),
		fc:      fc,
		w:       w,
		codec:   codec.RecordCodec{},
		crypto:  crypto,
		hmac:    hmac,
		limiter: limiter,
		pingOut: make(chan record.Record, 1),
		log:     log,
	}
	c.lastRead.Store(time.Now().UnixNano())
	return c
}

func (c *Conn) start() {
	go c.readLoop()
	go c.writeLoop()
}

func (c *Conn) close(reason string) {
	c.closeOnce.Do(func() {
		c.log.Debug("connection closed",
			zap.String("conn_id", c.id.String()),
			zap.String("reason", reason))
		_ = c.fc.Close()
		c.w.Close()
		if c.onClose != nil {
			c.onClose(c)
		}
	})
}

// outboundEmpty reports whether nothing is waiting to go out to the
// peer; probes are only sent on otherwise silent connections.
func (c *Conn) outboundEmpty() bool {
	return len(c.w.Sink()) == 0 && len(c.pingOut) == 0
}

func (c *Conn) readLoop() {
	for {
		frame, err := c.fc.ReadFrame()
		if err != nil {
			c.close("read: " + err.Error())
			return
		}
		c.lastRead.Store(time.Now().UnixNano())
		framesRead.Inc()

		if c.limiter != nil {
			_ = c.limiter.Wait(contextBackground)
		}

		if c.hmac != nil {
			frame, err = c.hmac.Verify(frame)
			if err != nil {
				c.close("hmac: " + err.Error())
				return
			}
		}

		rec, err := c.codec.Decode(c.crypto, frame)
		if err != nil {
			// Undecodable or replayed frames are transport errors; the
			// connection goes down, never the broker.
			c.close("decode: " + err.Error())
			return
		}

		if ch, _ := rec.Str(proto.KeyChan); ch == proto.ChanPing {
			if _, hasCode := proto.CodeOf(rec); !hasCode && c.outboundEmpty() {
				proto.Stamp(rec, proto.Ok)
				select {
				case c.pingOut <- rec:
				default:
				}
			}
			continue
		}

		if err := c.w.Send(rec); err != nil {
			if err == wire.ErrDisconnected {
				c.close("broker wire closed")
				return
			}
			// Full: the wire capacity is the flow control; drop this one.
			recordsDropped.Inc()
		}
	}
}

func (c *Conn) writeLoop() {
	for {
		select {
		case rec := <-c.pingOut:
			if !c.writeRecord(rec) {
				return
			}
		case rec := <-c.w.Sink():
			if !c.writeRecord(rec) {
				return
			}
		case <-c.w.Done():
			// Flush whatever the broker enqueued before the close.
			for {
				select {
				case rec := <-c.w.Sink():
					if !c.writeRecord(rec) {
						return
					}
				default:
					c.close("wire closed")
					return
				}
			}
		}
	}
}

func (c *Conn) writeRecord(rec record.Record) bool {
	frame, err := c.codec.Encode(c.crypto, rec)
	if err == nil && c.hmac != nil {
		frame, err = c.hmac.Sign(frame)
	}
	if err != nil {
		c.log.Warn("encode failed",
			zap.String("conn_id", c.id.String()),
			zap.Error(err))
		return true
	}
	if err := c.fc.WriteFrame(frame); err != nil {
		c.close("write: " + err.Error())
		return false
	}
	framesWritten.Inc()
	return true
}
