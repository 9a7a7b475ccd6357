package broker

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/switchyard-io/switchyard/proto"
	"github.com/switchyard-io/switchyard/record"
	"github.com/switchyard-io/switchyard/wire"
)

func startSocket(t *testing.T, hook Hook) *Socket {
	t.Helper()
	s := NewSocket(record.NewID(), hook, nil)
	t.Cleanup(s.Stop)
	return s
}

func connect(t *testing.T, s *Socket, attr record.Record) *wire.Wire {
	t.Helper()
	w, err := s.Connect(attr, 64, time.Second)
	require.NoError(t, err)
	return w
}

func recvOne(t *testing.T, w *wire.Wire) record.Record {
	t.Helper()
	rec, err := w.Wait(2 * time.Second)
	require.NoError(t, err)
	return rec
}

func attachChan(t *testing.T, w *wire.Wire, channel string, extra record.Record) {
	t.Helper()
	req := record.Record{proto.KeyChan: proto.ChanAttach, proto.KeyValue: channel}
	for k, v := range extra {
		req.Set(k, v)
	}
	require.NoError(t, w.Send(req))

	reply := recvOne(t, w)
	code, ok := proto.CodeOf(reply)
	require.True(t, ok)
	require.Equal(t, proto.Ok, code)
}

func TestRoutingSoundness(t *testing.T) {
	s := startSocket(t, nil)

	a := connect(t, s, record.Record{proto.KeySlotID: record.NewID()})
	b := connect(t, s, nil)

	attachChan(t, b, "room", nil)

	aID, _ := a.AttrClone().GetID(proto.KeySlotID)

	require.NoError(t, a.Send(record.Record{proto.KeyChan: "room", "msg": "hi"}))

	got := recvOne(t, b)
	ch, _ := got.Str(proto.KeyChan)
	assert.Equal(t, "room", ch)
	msg, _ := got.Str("msg")
	assert.Equal(t, "hi", msg)
	from, _ := got.GetID(proto.KeyFrom)
	assert.Equal(t, aID, from)
}

func TestSenderExcludedFromOwnPublish(t *testing.T) {
	s := startSocket(t, nil)

	a := connect(t, s, nil)
	attachChan(t, a, "room", nil)

	require.NoError(t, a.Send(record.Record{proto.KeyChan: "room", "msg": "echo?"}))

	// The only subscriber is the sender, so the publish finds no one.
	reply := recvOne(t, a)
	code, _ := proto.CodeOf(reply)
	assert.Equal(t, proto.NoConsumers, code)
}

func TestSharedDelivery(t *testing.T) {
	const total = 200

	s := startSocket(t, nil)

	// Receiver wires are sized above the message count so queue overflow
	// cannot skew the conservation check.
	a, err := s.Connect(nil, total+8, time.Second)
	require.NoError(t, err)
	b, err := s.Connect(nil, total+8, time.Second)
	require.NoError(t, err)
	c := connect(t, s, nil)

	attachChan(t, a, "q", record.Record{proto.KeyShare: true})
	attachChan(t, b, "q", record.Record{proto.KeyShare: true})

	done := make(chan int, 2)
	count := func(w *wire.Wire) {
		n := 0
		for {
			if _, err := w.Wait(500 * time.Millisecond); err != nil {
				break
			}
			n++
		}
		done <- n
	}
	go count(a)
	go count(b)

	for i := 0; i < total; i++ {
		for {
			err := c.Send(record.Record{proto.KeyChan: "q", "i": int32(i)})
			if err == nil {
				break
			}
			require.ErrorIs(t, err, wire.ErrFull)
			time.Sleep(time.Millisecond)
		}
	}

	na, nb := <-done, <-done
	assert.Equal(t, total, na+nb)
	assert.Positive(t, na)
	assert.Positive(t, nb)
}

func TestLabelFilter(t *testing.T) {
	s := startSocket(t, nil)

	a := connect(t, s, nil)
	b := connect(t, s, nil)

	attachChan(t, a, "t", record.Record{proto.KeyLabel: []string{"x", "y"}})

	// Label that intersects nothing: the publish bounces.
	require.NoError(t, b.Send(record.Record{
		proto.KeyChan: "t", proto.KeyLabel: "z", "n": int32(1),
	}))
	reply := recvOne(t, b)
	code, _ := proto.CodeOf(reply)
	assert.Equal(t, proto.NoConsumers, code)

	_, err := a.Wait(200 * time.Millisecond)
	assert.ErrorIs(t, err, wire.ErrTimedOut)

	// Intersecting label delivers.
	require.NoError(t, b.Send(record.Record{
		proto.KeyChan: "t", proto.KeyLabel: []string{"x", "z"}, "n": int32(2),
	}))
	got := recvOne(t, a)
	n, _ := got.Int32("n")
	assert.Equal(t, int32(2), n)
}

func TestTagFilter(t *testing.T) {
	s := startSocket(t, nil)

	tagged := connect(t, s, record.Record{proto.KeyTags: []string{"eu", "ssd"}})
	plain := connect(t, s, nil)
	sender := connect(t, s, nil)

	attachChan(t, tagged, "jobs", nil)
	attachChan(t, plain, "jobs", nil)

	// Only slots carrying every requested tag are eligible.
	require.NoError(t, sender.Send(record.Record{
		proto.KeyChan: "jobs", proto.KeyTags: "eu", "n": int32(1),
	}))

	got := recvOne(t, tagged)
	n, _ := got.Int32("n")
	assert.Equal(t, int32(1), n)

	_, err := plain.Wait(200 * time.Millisecond)
	assert.ErrorIs(t, err, wire.ErrTimedOut)
}

func TestPointToPointPrecedence(t *testing.T) {
	s := startSocket(t, nil)

	targetID := record.NewID()
	target := connect(t, s, record.Record{proto.KeySlotID: targetID})
	bystander := connect(t, s, nil)
	sender := connect(t, s, nil)

	// The bystander subscribes; the target does not. _to must still win.
	attachChan(t, bystander, "direct", nil)

	require.NoError(t, sender.Send(record.Record{
		proto.KeyChan: "direct",
		proto.KeyTo:   targetID,
		proto.KeyLabel: "whatever",
		"n":           int32(9),
	}))

	got := recvOne(t, target)
	n, _ := got.Int32("n")
	assert.Equal(t, int32(9), n)
	assert.False(t, got.Has(proto.KeyTo))

	_, err := bystander.Wait(200 * time.Millisecond)
	assert.ErrorIs(t, err, wire.ErrTimedOut)
}

func TestDuplicateSlotID(t *testing.T) {
	s := startSocket(t, nil)

	id := record.NewID()
	_ = connect(t, s, record.Record{proto.KeySlotID: id})

	_, err := s.Connect(record.Record{proto.KeySlotID: id}, 16, time.Second)
	require.Error(t, err)

	var codeErr *proto.CodeError
	require.ErrorAs(t, err, &codeErr)
	assert.Equal(t, proto.DuplicateSlotId, codeErr.Code)
}

func TestAuthPinsSlotID(t *testing.T) {
	s := startSocket(t, nil)

	w := connect(t, s, nil)

	newID := record.NewID()
	require.NoError(t, w.Send(record.Record{proto.KeyChan: proto.ChanAuth, proto.KeySlotID: newID}))
	reply := recvOne(t, w)
	code, _ := proto.CodeOf(reply)
	require.Equal(t, proto.Ok, code)
	gotID, _ := reply.GetID(proto.KeySlotID)
	assert.Equal(t, newID, gotID)
	soid, ok := reply.GetID(proto.KeySocketID)
	require.True(t, ok)
	assert.Equal(t, s.ID(), soid)

	// A second auth cannot reassign the id.
	require.NoError(t, w.Send(record.Record{proto.KeyChan: proto.ChanAuth, proto.KeySlotID: record.NewID()}))
	reply = recvOne(t, w)
	code, _ = proto.CodeOf(reply)
	assert.Equal(t, proto.PermissionDenied, code)
}

func TestCrossBrokerHop(t *testing.T) {
	s := startSocket(t, nil)

	peerSocketID := record.NewID()
	peer := connect(t, s, record.Record{proto.KeySlotID: peerSocketID})
	sender := connect(t, s, nil)

	require.NoError(t, peer.Send(record.Record{proto.KeyChan: proto.ChanJoin}))
	reply := recvOne(t, peer)
	code, _ := proto.CodeOf(reply)
	require.Equal(t, proto.Ok, code)

	require.NoError(t, sender.Send(record.Record{
		proto.KeyChan:     "remote.room",
		proto.KeyToSocket: peerSocketID,
		"n":               int32(3),
	}))

	got := recvOne(t, peer)
	n, _ := got.Int32("n")
	assert.Equal(t, int32(3), n)
	assert.False(t, got.Has(proto.KeyToSocket), "_to_socket must be stripped")

	fromSocket, ok := got.GetID(proto.KeyFromSocket)
	require.True(t, ok, "joined slots learn the origin broker")
	assert.Equal(t, s.ID(), fromSocket)
}

func TestAckReply(t *testing.T) {
	s := startSocket(t, nil)

	a := connect(t, s, nil)
	b := connect(t, s, nil)
	attachChan(t, b, "room", nil)

	msgID := record.NewID()
	require.NoError(t, a.Send(record.Record{
		proto.KeyChan: "room",
		proto.KeyAck:  true,
		proto.KeyID:   msgID,
		"msg":         "hello",
	}))

	ackRec := recvOne(t, a)
	code, _ := proto.CodeOf(ackRec)
	assert.Equal(t, proto.Ok, code)
	gotID, _ := ackRec.GetID(proto.KeyID)
	assert.Equal(t, msgID, gotID)
	acked, _ := ackRec.Bool(proto.KeyAck)
	assert.True(t, acked)

	delivered := recvOne(t, b)
	assert.False(t, delivered.Has(proto.KeyAck), "ack flag is consumed by the broker")
}

func TestMineSnapshot(t *testing.T) {
	s := startSocket(t, nil)

	w := connect(t, s, record.Record{proto.KeyTags: "gpu"})
	attachChan(t, w, "work", record.Record{proto.KeyLabel: "heavy"})

	require.NoError(t, w.Send(record.Record{proto.KeyChan: proto.ChanMine}))
	reply := recvOne(t, w)

	code, _ := proto.CodeOf(reply)
	require.Equal(t, proto.Ok, code)

	snapshot, ok := reply.Rec(proto.KeyValue)
	require.True(t, ok)

	chans, ok := snapshot.Rec(proto.KeyChans)
	require.True(t, ok)
	assert.True(t, chans.Has("work"))

	joined, _ := snapshot.Bool(proto.KeyJoined)
	assert.False(t, joined)
}

func TestDetachStopsDelivery(t *testing.T) {
	s := startSocket(t, nil)

	a := connect(t, s, nil)
	b := connect(t, s, nil)
	attachChan(t, b, "room", nil)

	require.NoError(t, b.Send(record.Record{proto.KeyChan: proto.ChanDetach, proto.KeyValue: "room"}))
	reply := recvOne(t, b)
	code, _ := proto.CodeOf(reply)
	require.Equal(t, proto.Ok, code)

	require.NoError(t, a.Send(record.Record{proto.KeyChan: "room", "n": int32(1)}))
	bounce := recvOne(t, a)
	code, _ = proto.CodeOf(bounce)
	assert.Equal(t, proto.NoConsumers, code)
}

func TestSlotBreakEvent(t *testing.T) {
	s := startSocket(t, nil)

	watcher := connect(t, s, nil)
	attachChan(t, watcher, proto.ChanSlotBreak, nil)

	victim := connect(t, s, nil)
	victimID, _ := victim.AttrClone().GetID(proto.KeySlotID)
	victim.Close()

	event := recvOne(t, watcher)
	ch, _ := event.Str(proto.KeyChan)
	assert.Equal(t, proto.ChanSlotBreak, ch)
	gotID, _ := event.GetID(proto.KeySlotID)
	assert.Equal(t, victimID, gotID)
}

func TestSlotKill(t *testing.T) {
	s := startSocket(t, nil)

	victimID := record.NewID()
	victim := connect(t, s, record.Record{proto.KeySlotID: victimID})
	killer := connect(t, s, nil)

	require.NoError(t, killer.Send(record.Record{
		proto.KeyChan:   proto.ChanSlotKill,
		proto.KeySlotID: victimID,
	}))
	reply := recvOne(t, killer)
	code, _ := proto.CodeOf(reply)
	require.Equal(t, proto.Ok, code)

	_, err := victim.Wait(2 * time.Second)
	assert.ErrorIs(t, err, wire.ErrDisconnected)
}

func TestKillUnknownTarget(t *testing.T) {
	s := startSocket(t, nil)

	killer := connect(t, s, nil)

	require.NoError(t, killer.Send(record.Record{
		proto.KeyChan:   proto.ChanSlotKill,
		proto.KeySlotID: record.NewID(),
	}))
	reply := recvOne(t, killer)
	code, _ := proto.CodeOf(reply)
	assert.Equal(t, proto.TargetSlotIdNotExist, code)
}

func TestUnsupportedControlChan(t *testing.T) {
	s := startSocket(t, nil)

	w := connect(t, s, nil)
	require.NoError(t, w.Send(record.Record{proto.KeyChan: "_nope"}))

	reply := recvOne(t, w)
	code, _ := proto.CodeOf(reply)
	assert.Equal(t, proto.UnsupportedChan, code)
}

func TestMissingChanField(t *testing.T) {
	s := startSocket(t, nil)

	w := connect(t, s, nil)
	require.NoError(t, w.Send(record.Record{"n": int32(1)}))

	reply := recvOne(t, w)
	code, _ := proto.CodeOf(reply)
	assert.Equal(t, proto.CannotGetChanField, code)
}

type denyHook struct {
	BaseHook
	denyAttach atomic.Bool
	denyEmit   atomic.Bool
}

func (h *denyHook) Attach(*Slot, record.Record, string, []string) bool { return !h.denyAttach.Load() }
func (h *denyHook) Emit(*Slot, record.Record) bool                     { return !h.denyEmit.Load() }

func TestHookDenials(t *testing.T) {
	hook := &denyHook{}
	hook.denyAttach.Store(true)
	s := startSocket(t, hook)

	w := connect(t, s, nil)

	require.NoError(t, w.Send(record.Record{proto.KeyChan: proto.ChanAttach, proto.KeyValue: "x"}))
	reply := recvOne(t, w)
	code, _ := proto.CodeOf(reply)
	assert.Equal(t, proto.PermissionDenied, code)

	hook.denyAttach.Store(false)
	hook.denyEmit.Store(true)

	require.NoError(t, w.Send(record.Record{proto.KeyChan: "x", "n": int32(1)}))
	reply = recvOne(t, w)
	code, _ = proto.CodeOf(reply)
	assert.Equal(t, proto.PermissionDenied, code)
}

func TestPingControl(t *testing.T) {
	s := startSocket(t, nil)

	w := connect(t, s, nil)
	require.NoError(t, w.Send(record.Record{proto.KeyChan: proto.ChanPing, "payload": int32(7)}))

	reply := recvOne(t, w)
	code, _ := proto.CodeOf(reply)
	assert.Equal(t, proto.Ok, code)
	payload, _ := reply.Int32("payload")
	assert.Equal(t, int32(7), payload)
}
