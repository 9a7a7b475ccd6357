// Package network bridges socket-attached remote peers into the broker.
// Each accepted connection is framed (raw TCP or WebSocket), optionally
// AEAD-sealed after a _hand handshake, plugged into the broker as an
// ordinary Wire and watched by a timing-wheel keep-alive.
package network

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/switchyard-io/switchyard/broker"
	"github.com/switchyard-io/switchyard/codec"
	"github.com/switchyard-io/switchyard/proto"
	"github.com/switchyard-io/switchyard/record"
	"github.com/switchyard-io/switchyard/timewheel"
)

// AccessFunc resolves the secret for an access key presented in a _hand
// handshake. Returning false refuses the handshake.
type AccessFunc func(access string) (secret string, ok bool)

// Options tune a Server.
type Options struct {
	// Capacity is the per-connection wire depth; zero means the wire
	// default.
	Capacity int
	// MaxFrame bounds accepted frame sizes; zero means the 64 MiB record
	// maximum.
	MaxFrame int
	// KeepAlive is the idle/probe policy; zero fields take defaults.
	KeepAlive KeepAlive
	// Access resolves handshake access keys. Nil refuses every _hand that
	// names a cipher method; a _hand without one is a plaintext greeting
	// and is acknowledged either way.
	Access AccessFunc
	// HMACSecret, when set, signs every frame after the connect
	// acknowledgement on plaintext connections with HMAC-SHA256. Ignored
	// once an AEAD is negotiated.
	HMACSecret string
	// RateLimit throttles inbound frames per connection; zero disables.
	RateLimit rate.Limit
	RateBurst int
	// HandshakeTimeout bounds the wait for a connection's first frame.
	HandshakeTimeout time.Duration
}

func (o Options) withDefaults() Options {
	o.KeepAlive = o.KeepAlive.withDefaults()
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 30 * time.Second
	}
	if o.RateBurst <= 0 {
		o.RateBurst = 64
	}
	return o
}

type timerEntry struct {
	token   uint64
	timerID uint64
}

// Server owns the accept loops, the connection registry and the
// keep-alive wheel of one broker's network edge.
type Server struct {
	socket *broker.Socket
	opts   Options
	log    *zap.Logger

	mu        sync.Mutex
	conns     map[uint64]*Conn
	listeners []net.Listener
	nextToken uint64
	nextTimer uint64
	wheel     *timewheel.Wheel[timerEntry]

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewServer builds a network edge for the given broker and starts its
// keep-alive clock.
func NewServer(socket *broker.Socket, opts Options, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		socket: socket,
		opts:   opts.withDefaults(),
		log:    log,
		conns:  make(map[uint64]*Conn),
		wheel:  timewheel.New[timerEntry](),
		done:   make(chan struct{}),
	}

	s.wg.Add(1)
	go s.keepAliveLoop()

	return s
}

// Listen starts accepting framed TCP connections on addr.
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("network: listen %s: %w", addr, err)
	}
	s.registerListener(ln)
	s.log.Info("listening", zap.String("addr", ln.Addr().String()), zap.String("transport", "tcp"))

	s.wg.Add(1)
	go s.acceptLoop(ln, false)
	return nil
}

// ListenWS starts accepting WebSocket connections on addr; each binary
// message carries one frame.
func (s *Server) ListenWS(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("network: listen %s: %w", addr, err)
	}
	s.registerListener(ln)
	s.log.Info("listening", zap.String("addr", ln.Addr().String()), zap.String("transport", "websocket"))

	s.wg.Add(1)
	go s.acceptLoop(ln, true)
	return nil
}

// Addr returns the bound address of the most recent listener, handy when
// listening on port zero.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.listeners) == 0 {
		return nil
	}
	return s.listeners[len(s.listeners)-1].Addr()
}

func (s *Server) registerListener(ln net.Listener) {
	s.mu.Lock()
	s.listeners = append(s.listeners, ln)
	s.mu.Unlock()
}

// Close stops the listeners, the keep-alive clock and every connection.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		close(s.done)

		s.mu.Lock()
		for _, ln := range s.listeners {
			_ = ln.Close()
		}
		conns := make([]*Conn, 0, len(s.conns))
		for _, c := range s.conns {
			conns = append(conns, c)
		}
		s.mu.Unlock()

		for _, c := range conns {
			c.close("server shutdown")
		}
		s.wg.Wait()
	})
}

func (s *Server) acceptLoop(ln net.Listener, isWS bool) {
	defer s.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(50 * time.Millisecond)
				continue
			}
			s.log.Error("accept error", zap.Error(err))
			return
		}

		s.wg.Add(1)
		go func(conn net.Conn) {
			defer s.wg.Done()
			s.handleConn(conn, isWS)
		}(conn)
	}
}

func (s *Server) handleConn(netConn net.Conn, isWS bool) {
	var fc frameConn
	if isWS {
		if _, err := ws.Upgrade(netConn); err != nil {
			handshakeFailures.Inc()
			s.log.Debug("websocket upgrade failed", zap.Error(err))
			_ = netConn.Close()
			return
		}
		fc = &wsFrameConn{conn: netConn, maxFrame: s.opts.MaxFrame}
	} else {
		fc = newTCPFrameConn(netConn, s.opts.MaxFrame)
	}

	// The first frame decides whether the connection is sealed: a _hand
	// record negotiates the AEAD, anything else stays plaintext and is
	// forwarded once the slot exists.
	_ = netConn.SetReadDeadline(time.Now().Add(s.opts.HandshakeTimeout))
	first, err := fc.ReadFrame()
	if err != nil {
		s.log.Debug("no first frame", zap.Error(err))
		_ = fc.Close()
		return
	}
	_ = netConn.SetReadDeadline(time.Time{})

	plain := codec.RecordCodec{}
	firstRec, err := plain.Decode(nil, first)
	if err != nil {
		s.log.Debug("undecodable first frame", zap.Error(err))
		_ = fc.Close()
		return
	}

	var crypto *codec.Crypto
	if ch, _ := firstRec.Str(proto.KeyChan); ch == proto.ChanHand {
		crypto, err = s.handshake(fc, firstRec)
		if err != nil {
			handshakeFailures.Inc()
			s.log.Debug("handshake refused",
				zap.String("remote", fc.RemoteAddr().String()),
				zap.Error(err))
			_ = fc.Close()
			return
		}
		firstRec = nil
	}

	attr := record.Record{proto.KeyAddr: fc.RemoteAddr().String()}
	w, err := s.socket.Connect(attr, s.opts.Capacity, 0)
	if err != nil {
		s.log.Debug("broker refused connection",
			zap.String("remote", fc.RemoteAddr().String()),
			zap.Error(err))
		_ = fc.Close()
		return
	}

	var limiter *rate.Limiter
	if s.opts.RateLimit > 0 {
		limiter = rate.NewLimiter(s.opts.RateLimit, s.opts.RateBurst)
	}

	var hm *codec.FrameHMAC
	if crypto == nil && s.opts.HMACSecret != "" {
		hm = codec.NewFrameHMAC([]byte(s.opts.HMACSecret))
	}

	c := newConn(fc, w, crypto, nil, limiter, s.log)
	c.onClose = func(c *Conn) {
		s.unregister(c)
		connectionsActive.Dec()
	}

	s.register(c)
	connectionsTotal.Inc()
	connectionsActive.Inc()

	// Relay the broker's connect acknowledgement to the peer, then any
	// first record that arrived before the slot existed. Like the _hand
	// reply, the acknowledgement goes out unsigned; frame signing starts
	// after it.
	ack := record.New()
	proto.Stamp(ack, proto.Ok)
	if !c.writeRecord(ack) {
		return
	}
	c.hmac = hm
	if firstRec != nil {
		if err := w.Send(firstRec); err != nil {
			recordsDropped.Inc()
		}
	}

	s.log.Debug("peer bridged",
		zap.String("conn_id", c.id.String()),
		zap.String("remote", fc.RemoteAddr().String()),
		zap.Bool("sealed", crypto != nil))

	c.start()
}

// handshake verifies the access key and arms the negotiated AEAD. A
// _hand record without a method is a plaintext greeting: it is
// acknowledged and the connection stays unsealed.
func (s *Server) handshake(fc frameConn, req record.Record) (*codec.Crypto, error) {
	methodName, ok := req.Str(proto.KeyMethod)
	if !ok {
		reply := record.Record{proto.KeyChan: proto.ChanHand}
		proto.Stamp(reply, proto.Ok)
		frame, err := (codec.RecordCodec{}).Encode(nil, reply)
		if err != nil {
			return nil, err
		}
		return nil, fc.WriteFrame(frame)
	}
	method, err := codec.ParseMethod(methodName)
	if err != nil {
		return nil, err
	}

	access, _ := req.Str(proto.KeyAccess)
	if s.opts.Access == nil {
		return nil, errors.New("no access table configured")
	}
	secret, allowed := s.opts.Access(access)
	if !allowed {
		reply := record.Record{proto.KeyChan: proto.ChanHand}
		proto.Stamp(reply, proto.AuthenticationFailed)
		if frame, err := (codec.RecordCodec{}).Encode(nil, reply); err == nil {
			_ = fc.WriteFrame(frame)
		}
		return nil, fmt.Errorf("access key %q refused", access)
	}

	reply := record.Record{proto.KeyChan: proto.ChanHand, proto.KeyMethod: methodName}
	proto.Stamp(reply, proto.Ok)
	frame, err := (codec.RecordCodec{}).Encode(nil, reply)
	if err != nil {
		return nil, err
	}
	if err := fc.WriteFrame(frame); err != nil {
		return nil, err
	}

	return codec.NewCrypto(method, []byte(secret))
}

func (s *Server) register(c *Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextToken++
	c.token = s.nextToken
	s.nextTimer++
	c.timerID = s.nextTimer
	s.conns[c.token] = c

	idleTicks := ceilSeconds(s.opts.KeepAlive.Idle)
	if err := s.wheel.Insert(timerEntry{token: c.token, timerID: c.timerID}, idleTicks); err != nil {
		s.log.Warn("keepalive schedule failed", zap.Error(err))
	}
}

func (s *Server) unregister(c *Conn) {
	s.mu.Lock()
	delete(s.conns, c.token)
	s.mu.Unlock()
}

// keepAliveLoop drives the timing wheel at one tick per second. Expired
// entries whose timer id no longer matches the connection are stale
// reschedules and are dropped on the floor; that is the cancellation
// mechanism.
func (s *Server) keepAliveLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			var evict []*Conn

			s.mu.Lock()
			for _, e := range s.wheel.Tick() {
				c, ok := s.conns[e.token]
				if !ok || c.timerID != e.timerID {
					continue
				}

				last := time.Unix(0, c.lastRead.Load())
				delay, probe, alive := s.opts.KeepAlive.Next(last, now)
				if !alive {
					evict = append(evict, c)
					continue
				}

				s.nextTimer++
				c.timerID = s.nextTimer
				if err := s.wheel.Insert(timerEntry{token: c.token, timerID: c.timerID}, delay); err != nil {
					s.log.Warn("keepalive reschedule failed", zap.Error(err))
				}

				if probe && c.outboundEmpty() {
					ping := record.Record{proto.KeyChan: proto.ChanPing}
					select {
					case c.pingOut <- ping:
						keepAliveProbes.Inc()
					default:
					}
				}
			}
			s.mu.Unlock()

			for _, c := range evict {
				keepAliveEvictions.Inc()
				s.log.Debug("evicting idle connection",
					zap.String("conn_id", c.id.String()))
				c.close("idle timeout")
			}
		}
	}
}
