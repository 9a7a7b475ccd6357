package port

import (
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/switchyard-io/switchyard/proto"
	"github.com/switchyard-io/switchyard/record"
	"github.com/switchyard-io/switchyard/wire"
)

type packetKind int

const (
	pkSend packetKind = iota
	pkUnSend
	pkAttach
	pkDetach
	pkCall
	pkUnCall
	pkAdd
	pkRemove
	pkResponse
)

type packet struct {
	kind    packetKind
	id      uint32
	msgID   record.ID
	channel string
	method  string
	labels  []string
	rec     record.Record
	sink    chan record.Record
	handler Handler
	ack     chan error
	callAck chan callResult
}

type callResult struct {
	rec record.Record
	err error
}

type sessionState int

const (
	stateUnconnected sessionState = iota
	stateUnauthed
	stateAuthing
	stateAuthed
)

type recvEntry struct {
	channel string
	labels  map[string]struct{}
	sink    chan record.Record
}

type rpcEntry struct {
	channel string
	labels  map[string]struct{}
}

type work struct {
	stop    bool
	fromID  record.ID
	reqID   record.ID
	req     record.Record
	handler Handler
}

// backend is the single-goroutine reactor owning all client session
// state: the subscription tables, the pending ack/call maps and the
// wire. Application goroutines reach it only through the packet queue;
// workers only through the work queue.
type backend struct {
	id        record.ID
	connector Connector
	opts      Options
	queue     chan packet
	run       *atomic.Bool
	done      chan struct{}
	log       *zap.Logger

	state sessionState
	w     *wire.Wire

	// chans holds the label union announced to the broker per channel;
	// chans2 maps a channel to the local receiver ids feeding from it.
	chans  map[string]map[string]struct{}
	chans2 map[string]map[uint32]struct{}

	recvs  map[uint32]*recvEntry
	recvs2 map[uint32]*rpcEntry

	sending   map[record.ID]chan error
	attaching map[uint32]chan error
	calling   map[record.ID]chan callResult
	handles   map[uint32]Handler

	workQueue chan work
}

func newBackend(id record.ID, connector Connector, opts Options, queue chan packet, run *atomic.Bool, done chan struct{}) *backend {
	return &backend{
		id:        id,
		connector: connector,
		opts:      opts,
		queue:     queue,
		run:       run,
		done:      done,
		log:       opts.Logger,
		chans:     make(map[string]map[string]struct{}),
		chans2:    make(map[string]map[uint32]struct{}),
		recvs:     make(map[uint32]*recvEntry),
		recvs2:    make(map[uint32]*rpcEntry),
		sending:   make(map[record.ID]chan error),
		attaching: make(map[uint32]chan error),
		calling:   make(map[record.ID]chan callResult),
		handles:   make(map[uint32]Handler),
		workQueue: make(chan work, opts.Workers*32),
	}
}

func (b *backend) runLoop() {
	defer b.shutdown()

	for b.run.Load() {
		if b.w == nil {
			if err := b.connect(); err != nil {
				b.log.Debug("connect failed, retrying", zap.Error(err))
				time.Sleep(time.Second)
				continue
			}
		}

		if b.state == stateUnauthed {
			b.sendAuth()
		}

		// The packet queue is only served while authenticated; a nil
		// channel never fires in a select.
		var packets chan packet
		if b.state == stateAuthed {
			packets = b.queue
		}

		select {
		case rec := <-b.w.Sink():
			b.dispatchWire(rec)
		case <-b.w.Done():
			b.disconnect()
		case pkt := <-packets:
			b.handlePacket(pkt)
		case <-time.After(time.Second):
			// Periodic run-flag check while idle.
		}
	}
}

func (b *backend) shutdown() {
	if b.w != nil {
		b.w.Close()
	}

	b.failPending(ErrClosed)

	// Refuse whatever is still queued.
	for {
		select {
		case pkt := <-b.queue:
			b.refuse(pkt, ErrClosed)
			continue
		default:
		}
		break
	}

	// Unblock workers first, then hand each one a stop sentinel; closing
	// the queue covers any sentinel that could not be placed.
	close(b.done)
	for i := 0; i < b.opts.Workers; i++ {
		select {
		case b.workQueue <- work{stop: true}:
		default:
		}
	}
	close(b.workQueue)

	b.log.Debug("port backend stopped")
}

func (b *backend) refuse(pkt packet, err error) {
	if pkt.ack != nil {
		pkt.ack <- err
	}
	if pkt.callAck != nil {
		pkt.callAck <- callResult{err: err}
	}
}

func (b *backend) connect() error {
	w, err := b.connector.connect(b.opts.Capacity)
	if err != nil {
		return err
	}
	b.w = w
	b.state = stateUnauthed
	return nil
}

func (b *backend) disconnect() {
	b.log.Debug("wire disconnected")
	if b.w != nil {
		b.w.Close()
	}
	b.w = nil
	b.state = stateUnconnected
	b.failPending(ErrDisconnected)
}

func (b *backend) failPending(err error) {
	for id, ack := range b.sending {
		ack <- err
		delete(b.sending, id)
	}
	for id, ack := range b.attaching {
		ack <- err
		delete(b.attaching, id)
	}
	for id, ack := range b.calling {
		ack <- callResult{err: err}
		delete(b.calling, id)
	}
}

func (b *backend) sendAuth() {
	rec := record.Record{
		proto.KeyChan:   proto.ChanAuth,
		proto.KeySlotID: b.id,
	}
	for k, v := range b.opts.Auth {
		rec.Set(k, v)
	}
	if err := b.w.Send(rec); err != nil {
		b.disconnect()
		return
	}
	b.state = stateAuthing
}

// reattachAll replays every announced subscription after an
// authentication, which is how state survives reconnects.
func (b *backend) reattachAll() {
	for channel, labels := range b.chans {
		if channel == proto.CatchAll {
			continue
		}
		rec := record.Record{
			proto.KeyChan:  proto.ChanAttach,
			proto.KeyValue: channel,
		}
		if len(labels) > 0 {
			rec.Set(proto.KeyLabel, labelSlice(labels))
		}
		if err := b.w.Send(rec); err != nil {
			b.disconnect()
			return
		}
	}
}

func (b *backend) dispatchWire(rec record.Record) {
	channel, hasChan := rec.Str(proto.KeyChan)
	if !hasChan {
		// Uncorrelated control traffic such as the relayed connect ack.
		return
	}

	if strings.HasPrefix(channel, "_") {
		switch channel {
		case proto.ChanAuth:
			code, ok := proto.CodeOf(rec)
			if ok && code == proto.Ok {
				b.log.Debug("authenticated")
				b.state = stateAuthed
				b.reattachAll()
			} else {
				b.log.Warn("authentication refused", zap.Stringer("code", code))
				b.disconnect()
			}
		case proto.ChanAttach:
			b.resolveAttach(rec)
		default:
			// _ping and friends are served below the port.
		}
		return
	}

	if code, hasCode := proto.CodeOf(rec); hasCode {
		if id, ok := rec.GetID(proto.KeyID); ok {
			if ack, pending := b.sending[id]; pending {
				delete(b.sending, id)
				ack <- code.Err()
			}
			return
		}
		if reqID, ok := rec.GetID(proto.KeyRequestID); ok {
			if ack, pending := b.calling[reqID]; pending {
				delete(b.calling, reqID)
				ack <- callResult{err: code.Err()}
			}
			return
		}
		return
	}

	if channel == proto.RPCRecv {
		if reqID, ok := rec.GetID(proto.KeyRequestID); ok {
			if ack, pending := b.calling[reqID]; pending {
				delete(b.calling, reqID)
				ack <- callResult{rec: rec}
			}
		}
		return
	}

	b.deliver(channel, rec)
}

func (b *backend) resolveAttach(rec record.Record) {
	attachID, ok := rec.Uint64(proto.KeyAttachID)
	if !ok {
		return
	}
	id := uint32(attachID)

	ack, pending := b.attaching[id]
	if !pending {
		return
	}
	delete(b.attaching, id)

	code, _ := proto.CodeOf(rec)
	if code == proto.Ok {
		ack <- nil
		return
	}
	ack <- code.Err()

	// The broker refused: roll the local registration back.
	if e, found := b.recvs[id]; found {
		delete(b.recvs, id)
		b.detachLocal(id, e.channel, e.labels)
	}
	if e, found := b.recvs2[id]; found {
		delete(b.recvs2, id)
		delete(b.handles, id)
		b.detachLocal(id, e.channel, e.labels)
	}
}

// deliver fans one inbound record out to matching local receivers, or to
// the catch-all receivers when no local receiver is attached to the
// channel. A record whose labels match none of the channel's receivers is
// dropped.
func (b *backend) deliver(channel string, rec record.Record) {
	labels, ok := rec.Strings(proto.KeyLabel)
	if !ok {
		return
	}

	ids, found := b.chans2[channel]
	if !found || len(ids) == 0 {
		for id := range b.chans2[proto.CatchAll] {
			if e, live := b.recvs[id]; live {
				b.push(e, rec)
			}
		}
		return
	}

	for id := range ids {
		if e, live := b.recvs[id]; live {
			if intersects(e.labels, labels) {
				b.push(e, rec)
			}
		}
		if e, live := b.recvs2[id]; live {
			if !intersects(e.labels, labels) {
				continue
			}
			fromID, hasFrom := rec.GetID(proto.KeyFrom)
			reqID, hasReq := rec.GetID(proto.KeyRequestID)
			handler, hasHandler := b.handles[id]
			if !hasFrom || !hasReq || !hasHandler {
				continue
			}
			select {
			case b.workQueue <- work{fromID: fromID, reqID: reqID, req: rec, handler: handler}:
			default:
				b.log.Warn("worker queue full, request dropped",
					zap.String("chan", channel))
			}
		}
	}
}

func (b *backend) push(e *recvEntry, rec record.Record) {
	select {
	case e.sink <- rec:
	default:
		// A receiver that stopped draining loses records rather than
		// stalling the backend.
		b.log.Warn("receiver full, record dropped", zap.String("chan", e.channel))
	}
}

// intersects applies the client-side label filter: a labeled record only
// reaches receivers whose label set intersects it.
func intersects(sub map[string]struct{}, labels []string) bool {
	if len(labels) == 0 {
		return true
	}
	for _, l := range labels {
		if _, ok := sub[l]; ok {
			return true
		}
	}
	return false
}

func (b *backend) handlePacket(pkt packet) {
	switch pkt.kind {
	case pkSend:
		if err := b.w.Send(pkt.rec); err != nil {
			pkt.ack <- err
			return
		}
		b.sending[pkt.msgID] = pkt.ack

	case pkUnSend:
		delete(b.sending, pkt.msgID)

	case pkAttach:
		labels := labelSet(pkt.labels)
		b.registerRecv(pkt.id, pkt.channel)
		b.recvs[pkt.id] = &recvEntry{channel: pkt.channel, labels: labels, sink: pkt.sink}
		if pkt.channel == proto.CatchAll {
			pkt.ack <- nil
			return
		}
		b.attachUpstream(pkt.id, pkt.channel, labels, pkt.ack)

	case pkDetach:
		if e, found := b.recvs[pkt.id]; found {
			delete(b.recvs, pkt.id)
			b.detachUpstream(pkt.id, e.channel, e.labels)
		}

	case pkCall:
		channel := proto.RPCReqPrefix + pkt.method
		pkt.rec.Set(proto.KeyChan, channel)
		pkt.rec.Set(proto.KeyShare, true)
		pkt.rec.Set(proto.KeyRequestID, pkt.msgID)
		if err := b.w.Send(pkt.rec); err != nil {
			pkt.callAck <- callResult{err: err}
			return
		}
		b.calling[pkt.msgID] = pkt.callAck

	case pkUnCall:
		delete(b.calling, pkt.msgID)

	case pkAdd:
		channel := proto.RPCReqPrefix + pkt.method
		labels := labelSet(pkt.labels)
		b.registerRecv(pkt.id, channel)
		b.recvs2[pkt.id] = &rpcEntry{channel: channel, labels: labels}
		b.handles[pkt.id] = pkt.handler
		b.attachUpstream(pkt.id, channel, labels, pkt.ack)

	case pkRemove:
		if e, found := b.recvs2[pkt.id]; found {
			delete(b.recvs2, pkt.id)
			delete(b.handles, pkt.id)
			b.detachUpstream(pkt.id, e.channel, e.labels)
		}

	case pkResponse:
		if err := b.w.Send(pkt.rec); err != nil {
			b.log.Warn("rpc response dropped", zap.Error(err))
		}
	}
}

func (b *backend) registerRecv(id uint32, channel string) {
	set, ok := b.chans2[channel]
	if !ok {
		set = make(map[uint32]struct{})
		b.chans2[channel] = set
	}
	set[id] = struct{}{}
}

// attachUpstream announces a subscription to the broker, but only when
// it actually widens what this port already receives: the first receiver
// for a channel, or new labels on it.
func (b *backend) attachUpstream(id uint32, channel string, labels map[string]struct{}, ack chan error) {
	announced, known := b.chans[channel]
	if !known {
		announced = make(map[string]struct{})
		b.chans[channel] = announced
	}

	var request record.Record
	switch {
	case !known:
		request = record.Record{
			proto.KeyChan:     proto.ChanAttach,
			proto.KeyAttachID: int64(id),
			proto.KeyValue:    channel,
		}
		if len(labels) > 0 {
			request.Set(proto.KeyLabel, labelSlice(labels))
		}
	default:
		widened := diffLabels(labels, announced)
		if len(widened) > 0 {
			request = record.Record{
				proto.KeyChan:     proto.ChanAttach,
				proto.KeyAttachID: int64(id),
				proto.KeyValue:    channel,
				proto.KeyLabel:    widened,
			}
		}
	}

	for l := range labels {
		announced[l] = struct{}{}
	}

	if request == nil {
		ack <- nil
		return
	}
	if err := b.w.Send(request); err != nil {
		ack <- err
		return
	}
	b.attaching[id] = ack
}

// detachUpstream narrows or ends the broker subscription after a local
// receiver went away.
func (b *backend) detachUpstream(id uint32, channel string, labels map[string]struct{}) {
	b.detachLocal(id, channel, labels)
	if b.w == nil || b.state != stateAuthed {
		return
	}

	if _, still := b.chans2[channel]; !still {
		if channel != proto.CatchAll {
			_ = b.w.Send(record.Record{
				proto.KeyChan:  proto.ChanDetach,
				proto.KeyValue: channel,
			})
		}
		return
	}

	// Other receivers remain: narrow the announced labels to what they
	// still need.
	remaining := make(map[string]struct{})
	for _, e := range b.recvs {
		if e.channel == channel {
			for l := range e.labels {
				remaining[l] = struct{}{}
			}
		}
	}
	for _, e := range b.recvs2 {
		if e.channel == channel {
			for l := range e.labels {
				remaining[l] = struct{}{}
			}
		}
	}

	narrowed := diffLabels(labels, remaining)
	if len(narrowed) > 0 && channel != proto.CatchAll {
		_ = b.w.Send(record.Record{
			proto.KeyChan:  proto.ChanDetach,
			proto.KeyValue: channel,
			proto.KeyLabel: narrowed,
		})
		b.chans[channel] = remaining
	}
}

// detachLocal removes the local registration without talking to the
// broker.
func (b *backend) detachLocal(id uint32, channel string, _ map[string]struct{}) {
	if ids, ok := b.chans2[channel]; ok {
		delete(ids, id)
		if len(ids) == 0 {
			delete(b.chans2, channel)
			delete(b.chans, channel)
		}
	}
}

// worker serves RPC requests from the shared queue until told to stop.
func (b *backend) worker() {
	for wk := range b.workQueue {
		if wk.stop {
			return
		}

		reply := invoke(wk.handler, wk.req)
		reply.Set(proto.KeyChan, proto.RPCRecv)
		reply.Set(proto.KeyTo, wk.fromID)
		reply.Set(proto.KeyRequestID, wk.reqID)

		select {
		case b.queue <- packet{kind: pkResponse, rec: reply}:
		case <-b.done:
			return
		}
	}
}

// invoke shields the worker from handler panics; a panicking handler
// yields an InternalError reply instead of a dead worker.
func invoke(handler Handler, req record.Record) (reply record.Record) {
	defer func() {
		if r := recover(); r != nil {
			reply = record.New()
			proto.Stamp(reply, proto.InternalError)
		}
	}()

	reply = handler(req)
	if reply == nil {
		reply = record.New()
	}
	return reply
}

func labelSet(labels []string) map[string]struct{} {
	set := make(map[string]struct{}, len(labels))
	for _, l := range labels {
		set[l] = struct{}{}
	}
	return set
}

func labelSlice(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for l := range set {
		out = append(out, l)
	}
	return out
}

func diffLabels(a, b map[string]struct{}) []string {
	var out []string
	for l := range a {
		if _, ok := b[l]; !ok {
			out = append(out, l)
		}
	}
	return out
}
