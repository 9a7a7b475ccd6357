package network

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/switchyard-io/switchyard/broker"
	"github.com/switchyard-io/switchyard/codec"
	"github.com/switchyard-io/switchyard/proto"
	"github.com/switchyard-io/switchyard/record"
	"github.com/switchyard-io/switchyard/wire"
)

func startBridge(t *testing.T, opts Options) (*broker.Socket, *Server, string) {
	t.Helper()

	sock := broker.NewSocket(record.NewID(), nil, nil)
	t.Cleanup(sock.Stop)

	srv := NewServer(sock, opts, nil)
	t.Cleanup(srv.Close)

	require.NoError(t, srv.Listen("127.0.0.1:0"))
	return sock, srv, srv.Addr().String()
}

func recvOne(t *testing.T, w *wire.Wire) record.Record {
	t.Helper()
	rec, err := w.Wait(2 * time.Second)
	require.NoError(t, err)
	return rec
}

func TestPlaintextBridge(t *testing.T) {
	sock, _, addr := startBridge(t, Options{})

	remote, err := Dial(addr, DialOptions{Timeout: 2 * time.Second})
	require.NoError(t, err)
	defer remote.Close()

	local, err := sock.Connect(nil, 64, time.Second)
	require.NoError(t, err)

	// The remote peer subscribes, the in-process peer publishes.
	require.NoError(t, remote.Send(record.Record{proto.KeyChan: proto.ChanAttach, proto.KeyValue: "room"}))
	reply := recvOne(t, remote)
	code, _ := proto.CodeOf(reply)
	require.Equal(t, proto.Ok, code)

	require.NoError(t, local.Send(record.Record{proto.KeyChan: "room", "msg": "over the wire"}))

	got := recvOne(t, remote)
	msg, _ := got.Str("msg")
	assert.Equal(t, "over the wire", msg)
}

func TestSealedBridge(t *testing.T) {
	opts := Options{
		Access: func(access string) (string, bool) {
			if access == "robot-1" {
				return "very secret", true
			}
			return "", false
		},
	}
	sock, _, addr := startBridge(t, opts)

	remote, err := Dial(addr, DialOptions{
		Timeout: 2 * time.Second,
		Crypto: &CryptoOptions{
			Method: codec.ChaCha20Poly1305,
			Access: "robot-1",
			Secret: "very secret",
		},
	})
	require.NoError(t, err)
	defer remote.Close()

	local, err := sock.Connect(nil, 64, time.Second)
	require.NoError(t, err)

	require.NoError(t, remote.Send(record.Record{proto.KeyChan: proto.ChanAttach, proto.KeyValue: "room"}))
	reply := recvOne(t, remote)
	code, _ := proto.CodeOf(reply)
	require.Equal(t, proto.Ok, code)

	require.NoError(t, local.Send(record.Record{proto.KeyChan: "room", "n": int32(42)}))

	got := recvOne(t, remote)
	n, _ := got.Int32("n")
	assert.Equal(t, int32(42), n)
}

func TestHandshakeRefused(t *testing.T) {
	opts := Options{
		Access: func(string) (string, bool) { return "", false },
	}
	_, _, addr := startBridge(t, opts)

	_, err := Dial(addr, DialOptions{
		Timeout: 2 * time.Second,
		Crypto: &CryptoOptions{
			Method: codec.Aes128Gcm,
			Access: "who",
			Secret: "what",
		},
	})
	require.Error(t, err)

	var codeErr *proto.CodeError
	if assert.ErrorAs(t, err, &codeErr) {
		assert.Equal(t, proto.AuthenticationFailed, codeErr.Code)
	}
}

func TestTransportAnswersPing(t *testing.T) {
	_, _, addr := startBridge(t, Options{})

	// A raw peer sees the transport-level liveness exchange that wires
	// obtained from Dial handle internally.
	raw, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer raw.Close()

	fc := newTCPFrameConn(raw, 0)
	plain := codec.RecordCodec{}

	frame, err := plain.Encode(nil, record.Record{proto.KeyChan: proto.ChanHand})
	require.NoError(t, err)
	require.NoError(t, fc.WriteFrame(frame))
	_, err = readExpectOk(fc, plain, nil) // greeting reply
	require.NoError(t, err)
	_, err = readExpectOk(fc, plain, nil) // broker connect ack
	require.NoError(t, err)

	frame, err = plain.Encode(nil, record.Record{proto.KeyChan: proto.ChanPing})
	require.NoError(t, err)
	require.NoError(t, fc.WriteFrame(frame))

	replyFrame, err := fc.ReadFrame()
	require.NoError(t, err)
	reply, err := plain.Decode(nil, replyFrame)
	require.NoError(t, err)

	ch, _ := reply.Str(proto.KeyChan)
	assert.Equal(t, proto.ChanPing, ch)
	code, _ := proto.CodeOf(reply)
	assert.Equal(t, proto.Ok, code)
}

func TestKeepAliveEviction(t *testing.T) {
	opts := Options{
		KeepAlive: KeepAlive{Idle: time.Second, Probe: time.Second},
	}
	sock, _, addr := startBridge(t, opts)

	watcher, err := sock.Connect(nil, 64, time.Second)
	require.NoError(t, err)
	require.NoError(t, watcher.Send(record.Record{proto.KeyChan: proto.ChanAttach, proto.KeyValue: proto.ChanSlotBreak}))
	reply := recvOne(t, watcher)
	code, _ := proto.CodeOf(reply)
	require.Equal(t, proto.Ok, code)

	// A raw client that greets, then never answers anything again. The
	// wires returned by Dial answer probes automatically, which is
	// exactly what eviction must not see.
	raw, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer raw.Close()

	fc := newTCPFrameConn(raw, 0)
	plain := codec.RecordCodec{}

	frame, err := plain.Encode(nil, record.Record{proto.KeyChan: proto.ChanHand})
	require.NoError(t, err)
	require.NoError(t, fc.WriteFrame(frame))

	_, err = readExpectOk(fc, plain, nil) // greeting reply
	require.NoError(t, err)
	_, err = readExpectOk(fc, plain, nil) // broker connect ack
	require.NoError(t, err)

	// Silence. Idle fires after ~1s, the probe goes unanswered, and the
	// connection is removed after idle+probe.
	event, err := watcher.Wait(10 * time.Second)
	require.NoError(t, err)
	ch, _ := event.Str(proto.KeyChan)
	assert.Equal(t, proto.ChanSlotBreak, ch)
}

func TestKeepAlivePolicy(t *testing.T) {
	k := KeepAlive{Idle: 60 * time.Second, Probe: 20 * time.Second}
	base := time.Now()

	// Fresh activity: schedule the idle check, no probe.
	delay, probe, alive := k.Next(base, base)
	assert.True(t, alive)
	assert.False(t, probe)
	assert.Equal(t, uint32(60), delay)

	// Past idle: probe and watch the probe window.
	delay, probe, alive = k.Next(base, base.Add(65*time.Second))
	assert.True(t, alive)
	assert.True(t, probe)
	assert.Equal(t, uint32(15), delay)

	// Past idle+probe: dead.
	_, _, alive = k.Next(base, base.Add(81*time.Second))
	assert.False(t, alive)
}

func TestWebSocketBridge(t *testing.T) {
	sock := broker.NewSocket(record.NewID(), nil, nil)
	t.Cleanup(sock.Stop)

	srv := NewServer(sock, Options{}, nil)
	t.Cleanup(srv.Close)
	require.NoError(t, srv.ListenWS("127.0.0.1:0"))
	addr := srv.Addr().String()

	remote, err := DialWS(addr, DialOptions{Timeout: 2 * time.Second})
	require.NoError(t, err)
	defer remote.Close()

	local, err := sock.Connect(nil, 64, time.Second)
	require.NoError(t, err)

	require.NoError(t, remote.Send(record.Record{proto.KeyChan: proto.ChanAttach, proto.KeyValue: "ws.room"}))
	reply := recvOne(t, remote)
	code, _ := proto.CodeOf(reply)
	require.Equal(t, proto.Ok, code)

	require.NoError(t, local.Send(record.Record{proto.KeyChan: "ws.room", "msg": "binary"}))

	got := recvOne(t, remote)
	msg, _ := got.Str("msg")
	assert.Equal(t, "binary", msg)
}

func TestHMACBridge(t *testing.T) {
	sock, _, addr := func() (*broker.Socket, *Server, string) {
		sock := broker.NewSocket(record.NewID(), nil, nil)
		srv := NewServer(sock, Options{HMACSecret: "frame-key"}, nil)
		require.NoError(t, srv.Listen("127.0.0.1:0"))
		t.Cleanup(func() { srv.Close(); sock.Stop() })
		return sock, srv, srv.Addr().String()
	}()

	remote, err := Dial(addr, DialOptions{Timeout: 2 * time.Second, HMACSecret: "frame-key"})
	require.NoError(t, err)
	defer remote.Close()

	local, err := sock.Connect(nil, 64, time.Second)
	require.NoError(t, err)

	require.NoError(t, remote.Send(record.Record{proto.KeyChan: proto.ChanAttach, proto.KeyValue: "signed"}))
	reply := recvOne(t, remote)
	code, _ := proto.CodeOf(reply)
	require.Equal(t, proto.Ok, code)

	require.NoError(t, local.Send(record.Record{proto.KeyChan: "signed", "n": int32(7)}))
	got := recvOne(t, remote)
	n, _ := got.Int32("n")
	assert.Equal(t, int32(7), n)
}
