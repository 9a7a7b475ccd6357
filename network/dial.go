package network

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"go.uber.org/zap"

	"github.com/switchyard-io/switchyard/codec"
	"github.com/switchyard-io/switchyard/proto"
	"github.com/switchyard-io/switchyard/record"
	"github.com/switchyard-io/switchyard/wire"
)

// CryptoOptions selects the AEAD negotiated with the remote broker.
type CryptoOptions struct {
	Method codec.Method
	Access string
	Secret string
}

// DialOptions tune a client connection.
type DialOptions struct {
	// Capacity is the wire depth handed to the caller.
	Capacity int
	// MaxFrame bounds accepted frame sizes.
	MaxFrame int
	// Crypto, when set, seals the connection after the handshake.
	Crypto *CryptoOptions
	// HMACSecret signs the frames that follow the broker's connect
	// acknowledgement on plaintext connections; it must match the
	// server's. Ignored when Crypto is set.
	HMACSecret string
	// Timeout bounds the dial plus handshake.
	Timeout time.Duration
	// Logger receives connection lifecycle logs.
	Logger *zap.Logger
}

func (o DialOptions) withDefaults() DialOptions {
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Dial connects to a remote broker over framed TCP, performs the _hand
// exchange and returns the caller's end of a Wire bridged over the
// socket. The returned wire behaves exactly like one obtained from an
// in-process broker.
func Dial(addr string, opts DialOptions) (*wire.Wire, error) {
	opts = opts.withDefaults()

	netConn, err := net.DialTimeout("tcp", addr, opts.Timeout)
	if err != nil {
		return nil, fmt.Errorf("network: dial %s: %w", addr, err)
	}

	fc := newTCPFrameConn(netConn, opts.MaxFrame)
	return bridgeClient(netConn, fc, addr, opts)
}

// DialWS connects to a remote broker's WebSocket listener. Each frame
// travels as one binary message.
func DialWS(addr string, opts DialOptions) (*wire.Wire, error) {
	opts = opts.withDefaults()

	ctx, cancel := context.WithTimeout(context.Background(), opts.Timeout)
	defer cancel()

	netConn, _, _, err := ws.DefaultDialer.Dial(ctx, "ws://"+addr+"/")
	if err != nil {
		return nil, fmt.Errorf("network: dial ws %s: %w", addr, err)
	}

	fc := &wsClientFrameConn{conn: netConn, maxFrame: opts.MaxFrame}
	return bridgeClient(netConn, fc, addr, opts)
}

type wsClientFrameConn struct {
	conn     net.Conn
	maxFrame int
}

func (w *wsClientFrameConn) ReadFrame() ([]byte, error) {
	for {
		frame, err := wsutil.ReadServerBinary(w.conn)
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

func (w *wsClientFrameConn) WriteFrame(frame []byte) error {
	if err := w.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return wsutil.WriteClientBinary(w.conn, frame)
}

func (w *wsClientFrameConn) Close() error         { return w.conn.Close() }
func (w *wsClientFrameConn) RemoteAddr() net.Addr { return w.conn.RemoteAddr() }

// bridgeClient runs the client side of the connection bootstrap: the
// _hand greeting or AEAD negotiation, then the broker's connect
// acknowledgement, then the two pump loops.
func bridgeClient(netConn net.Conn, fc frameConn, addr string, opts DialOptions) (*wire.Wire, error) {
	deadline := time.Now().Add(opts.Timeout)
	_ = netConn.SetDeadline(deadline)

	plain := codec.RecordCodec{}

	hand := record.Record{proto.KeyChan: proto.ChanHand}
	if opts.Crypto != nil {
		hand.Set(proto.KeyMethod, opts.Crypto.Method.String())
		hand.Set(proto.KeyAccess, opts.Crypto.Access)
	}
	frame, err := plain.Encode(nil, hand)
	if err != nil {
		_ = fc.Close()
		return nil, err
	}
	if err := fc.WriteFrame(frame); err != nil {
		_ = fc.Close()
		return nil, fmt.Errorf("network: handshake write: %w", err)
	}

	if _, err := readExpectOk(fc, plain, nil); err != nil {
		_ = fc.Close()
		return nil, fmt.Errorf("network: handshake: %w", err)
	}

	var crypto *codec.Crypto
	if opts.Crypto != nil {
		crypto, err = codec.NewCrypto(opts.Crypto.Method, []byte(opts.Crypto.Secret))
		if err != nil {
			_ = fc.Close()
			return nil, err
		}
	}

	// The broker relays its connect acknowledgement once the slot exists.
	if _, err := readExpectOk(fc, plain, crypto); err != nil {
		_ = fc.Close()
		return nil, fmt.Errorf("network: connect: %w", err)
	}

	_ = netConn.SetDeadline(time.Time{})

	var hm *codec.FrameHMAC
	if crypto == nil && opts.HMACSecret != "" {
		hm = codec.NewFrameHMAC([]byte(opts.HMACSecret))
	}

	local, remote := wire.Pipe(opts.Capacity, record.Record{proto.KeyAddr: addr})

	c := newConn(fc, local, crypto, hm, nil, opts.Logger)
	c.start()

	return remote, nil
}

func readExpectOk(fc frameConn, c codec.Codec, crypto *codec.Crypto) (record.Record, error) {
	frame, err := fc.ReadFrame()
	if err != nil {
		return nil, err
	}
	rec, err := c.Decode(crypto, frame)
	if err != nil {
		return nil, err
	}
	if code, ok := proto.CodeOf(rec); !ok || code != proto.Ok {
		if code.Valid() && code != proto.Ok {
			return nil, code.Err()
		}
		return nil, fmt.Errorf("refused")
	}
	return rec, nil
}
