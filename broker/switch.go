package broker

import (
	crand "crypto/rand"
	"encoding/binary"
	"math/rand"
	"strings"

	"go.uber.org/zap"

	"github.com/switchyard-io/switchyard/proto"
	"github.com/switchyard-io/switchyard/record"
	"github.com/switchyard-io/switchyard/wire"
)

// Switch is the routing core. It owns all slot state and is driven
// exclusively by the broker goroutine; it holds no locks of its own.
type Switch struct {
	socketID record.ID
	hook     Hook
	log      *zap.Logger

	slots slab
	// chans and shareChans index channel name to subscriber tokens.
	chans      map[string]map[int]struct{}
	shareChans map[string]map[int]struct{}
	// slotIDs is the reverse index slot id -> token.
	slotIDs map[record.ID]int
	// socketIDs holds only joined slots, keyed by their broker id.
	socketIDs map[record.ID]int

	sendNum uint64
	recvNum uint64

	serial uint64
	rng    *rand.Rand
}

func newSwitch(socketID record.ID, hook Hook, log *zap.Logger) *Switch {
	var seed [8]byte
	_, _ = crand.Read(seed[:])

	return &Switch{
		socketID:   socketID,
		hook:       hook,
		log:        log,
		chans:      make(map[string]map[int]struct{}),
		shareChans: make(map[string]map[int]struct{}),
		slotIDs:    make(map[record.ID]int),
		socketIDs:  make(map[record.ID]int),
		rng:        rand.New(rand.NewSource(int64(binary.LittleEndian.Uint64(seed[:])))),
	}
}

// SocketID returns this broker's id.
func (s *Switch) SocketID() record.ID { return s.socketID }

// SlotCount returns the number of live slots.
func (s *Switch) SlotCount() int { return s.slots.size() }

// GetSlot returns a slot by token, or nil.
func (s *Switch) GetSlot(token int) *Slot { return s.slots.get(token) }

// addSlot admits a new wire. The slot id comes from the wire attr when the
// peer supplied one, otherwise a fresh id is assigned and written back.
func (s *Switch) addSlot(w *wire.Wire) (token int, serial uint64, ok bool) {
	attr := w.AttrClone()

	var slotID record.ID
	if attr.Has(proto.KeySlotID) {
		id, isID := attr.GetID(proto.KeySlotID)
		if !isID {
			refuse(w, proto.InvalidSlotIdFieldType)
			return 0, 0, false
		}
		if _, taken := s.slotIDs[id]; taken {
			refuse(w, proto.DuplicateSlotId)
			return 0, 0, false
		}
		slotID = id
	} else {
		slotID = record.NewID()
		w.Attr(func(a record.Record) {
			a.Set(proto.KeySlotID, slotID)
		})
	}

	tags, tagsOK := attr.Strings(proto.KeyTags)
	if !tagsOK {
		refuse(w, proto.InvalidTagsFieldType)
		return 0, 0, false
	}

	s.serial++
	slot := newSlot(s.serial, slotID, w, tags)
	token = s.slots.insert(slot)

	ready := record.New()
	proto.Stamp(ready, proto.Ok)

	if s.hook.Accept(slot) && slot.Wire.Send(ready) == nil {
		s.slotIDs[slot.ID] = token

		event := record.Record{
			proto.KeyChan:   proto.ChanSlotReady,
			proto.KeySlotID: slot.ID,
			proto.KeyAttr:   w.AttrClone(),
		}
		s.relayEvent(token, proto.ChanSlotReady, event)

		s.log.Debug("slot ready",
			zap.Int("token", token),
			zap.String("slot_id", slot.ID.Hex()))
		return token, slot.serial, true
	}

	s.slots.remove(token)
	refuse(w, proto.AuthenticationFailed)
	return 0, 0, false
}

func refuse(w *wire.Wire, code proto.Code) {
	reply := record.New()
	proto.Stamp(reply, code)
	_ = w.Send(reply)
	w.Close()
}

// delSlot tears a slot down: subscriptions, reverse indexes and bind
// cross-references go first, then the remove hook, then the break event.
func (s *Switch) delSlot(token int) {
	slot := s.slots.remove(token)
	if slot == nil {
		return
	}

	for channel := range slot.Chans {
		s.dropSubscriber(s.chans, channel, token)
	}
	for channel := range slot.ShareChans {
		s.dropSubscriber(s.shareChans, channel, token)
	}

	if t, ok := s.slotIDs[slot.ID]; ok && t == token {
		delete(s.slotIDs, slot.ID)
	}
	if t, ok := s.socketIDs[slot.ID]; ok && t == token {
		delete(s.socketIDs, slot.ID)
	}

	for other := range slot.Bind {
		if peer := s.slots.get(other); peer != nil {
			delete(peer.Bound, token)
		}
	}
	for other := range slot.Bound {
		if peer := s.slots.get(other); peer != nil {
			delete(peer.Bind, token)
		}
	}

	s.hook.Remove(slot)

	event := record.Record{
		proto.KeyChan:   proto.ChanSlotBreak,
		proto.KeySlotID: slot.ID,
		proto.KeyAttr:   slot.Wire.AttrClone(),
	}
	s.relayEvent(token, proto.ChanSlotBreak, event)

	slot.Wire.Close()

	s.log.Debug("slot break",
		zap.Int("token", token),
		zap.String("slot_id", slot.ID.Hex()))
}

func (s *Switch) dropSubscriber(index map[string]map[int]struct{}, channel string, token int) {
	subs, ok := index[channel]
	if !ok {
		return
	}
	delete(subs, token)
	if len(subs) == 0 {
		delete(index, channel)
	}
}

// recvMessage is the entry point for every inbound record.
func (s *Switch) recvMessage(token int, rec record.Record) {
	slot := s.slots.get(token)
	if slot == nil {
		return
	}
	s.recvNum++

	if !s.hook.Recv(slot, rec) {
		s.reply(token, rec, proto.RefuseReceiveMessage)
		return
	}

	channel, ok := rec.Str(proto.KeyChan)
	if !ok {
		s.reply(token, rec, proto.CannotGetChanField)
		return
	}

	if strings.HasPrefix(channel, "_") {
		switch channel {
		case proto.ChanAuth:
			s.auth(token, rec)
		case proto.ChanAttach:
			s.attach(token, rec)
		case proto.ChanDetach:
			s.detach(token, rec)
		case proto.ChanJoin:
			s.join(token, rec)
		case proto.ChanLeave:
			s.leave(token, rec)
		case proto.ChanPing:
			s.ping(token, rec)
		case proto.ChanMine:
			s.mine(token, rec)
		case proto.ChanCustom:
			s.custom(token, rec)
		case proto.ChanSlotKill:
			s.kill(token, rec)
		default:
			s.reply(token, rec, proto.UnsupportedChan)
		}
		return
	}

	s.relayMessage(token, channel, rec)
}

// sendTo pushes one record into a slot's wire. A full wire drops the
// record silently; a slow subscriber must never stall the broker.
func (s *Switch) sendTo(token int, rec record.Record) bool {
	slot := s.slots.get(token)
	if slot == nil {
		return false
	}
	if !s.hook.Send(slot, rec) {
		return false
	}
	if slot.Wire.Send(rec) == nil {
		s.sendNum++
	}
	return true
}

func (s *Switch) reply(token int, rec record.Record, code proto.Code) {
	proto.Stamp(rec, code)
	s.sendTo(token, rec)
}

// relayEvent fans a lifecycle event out to the event channel's
// subscribers, excluding the slot that caused it.
func (s *Switch) relayEvent(origin int, channel string, event record.Record) {
	for token := range s.chans[channel] {
		if token == origin {
			continue
		}
		s.sendTo(token, event.Clone())
	}
}

func shareOf(rec record.Record) bool {
	v, _ := rec.Bool(proto.KeyShare)
	return v
}

// relayMessage routes one application record. See the delivery rules in
// the package documentation.
func (s *Switch) relayMessage(token int, channel string, rec record.Record) {
	sender := s.slots.get(token)

	if !s.hook.Emit(sender, rec) {
		s.reply(token, rec, proto.PermissionDenied)
		return
	}

	// The confirmation is built before routing mutates the record and
	// sent once fan-out completes.
	var ack record.Record
	if wantAck, _ := rec.Bool(proto.KeyAck); wantAck {
		ack = record.Record{
			proto.KeyChan: channel,
			proto.KeyAck:  true,
		}
		if id, ok := rec.GetID(proto.KeyID); ok {
			ack.Set(proto.KeyID, id)
		}
		proto.Stamp(ack, proto.Ok)
		rec.Del(proto.KeyAck)
	}

	// Keep the hop origin: only stamp _from when the record does not
	// already carry one from a previous broker.
	if !rec.Has(proto.KeyFrom) {
		rec.Set(proto.KeyFrom, sender.ID)
	}

	// Cross-broker routing short-circuits everything else.
	if rec.Has(proto.KeyToSocket) {
		target, ok := rec.GetID(proto.KeyToSocket)
		if !ok {
			s.reply(token, rec, proto.InvalidToSocketFieldType)
			return
		}
		if target != s.socketID {
			rec.Del(proto.KeyToSocket)
			if peerToken, found := s.socketIDs[target]; found {
				if peer := s.slots.get(peerToken); peer != nil {
					s.deliver(peer, rec)
				}
			}
			return
		}
	}

	// _to addressed at this broker itself means local delivery.
	if to, ok := rec.GetID(proto.KeyTo); ok && to == s.socketID {
		rec.Del(proto.KeyTo)
	}

	share := shareOf(rec)

	if rec.Has(proto.KeyTo) {
		// Point-to-point has priority: subscriptions, labels and tags are
		// all ignored.
		ids, ok := rec.IDs(proto.KeyTo)
		if !ok {
			s.reply(token, rec, proto.InvalidToFieldType)
			return
		}
		rec.Del(proto.KeyTo)

		targets := make([]int, 0, len(ids))
		for _, id := range ids {
			if t, found := s.slotIDs[id]; found {
				targets = append(targets, t)
			}
		}

		if share && len(targets) > 1 {
			targets = []int{targets[s.rng.Intn(len(targets))]}
		}
		for _, t := range targets {
			if slot := s.slots.get(t); slot != nil {
				s.deliver(slot, rec)
			}
		}

		// Confirmations are only produced for published sends.
		return
	}

	labels, ok := rec.Strings(proto.KeyLabel)
	if !ok {
		s.reply(token, rec, proto.InvalidLabelFieldType)
		return
	}
	tags, ok := rec.Strings(proto.KeyTags)
	if !ok {
		s.reply(token, rec, proto.InvalidTagsFieldType)
		return
	}

	delivered := false

	// Plain subscribers. _shar picks one of them at random.
	if subs, found := s.chans[channel]; found {
		eligible := make([]*Slot, 0, len(subs))
		for t := range subs {
			if t == token {
				continue
			}
			slot := s.slots.get(t)
			if slot == nil || !slot.hasAllTags(tags) || !labelsMatch(slot.Chans[channel], labels) {
				continue
			}
			eligible = append(eligible, slot)
		}

		if share {
			if len(eligible) > 0 {
				s.deliver(eligible[s.rng.Intn(len(eligible))], rec)
				delivered = true
			}
		} else {
			for _, slot := range eligible {
				s.deliver(slot, rec)
				delivered = true
			}
		}
	}

	// Shared subscribers run as an independent mechanism and always
	// receive exactly one copy per message, whatever _shar says.
	if subs, found := s.shareChans[channel]; found {
		eligible := make([]*Slot, 0, len(subs))
		for t := range subs {
			if t == token {
				continue
			}
			slot := s.slots.get(t)
			if slot == nil || !slot.hasAllTags(tags) || !labelsMatch(slot.ShareChans[channel], labels) {
				continue
			}
			eligible = append(eligible, slot)
		}
		if len(eligible) > 0 {
			s.deliver(eligible[s.rng.Intn(len(eligible))], rec)
			delivered = true
		}
	}

	if !delivered && !share {
		// Only a pure publish earns the NoConsumers reply.
		rec.Del(proto.KeyFrom)
		s.reply(token, rec, proto.NoConsumers)
		return
	}

	if ack != nil {
		s.sendTo(token, ack)
	}
}

// deliver clones the record for one recipient, consults the push hook and
// stamps the origin broker when handing to a joined slot.
func (s *Switch) deliver(slot *Slot, rec record.Record) {
	out := rec.Clone()
	if !s.hook.Push(slot, out) {
		return
	}
	if slot.Joined && !out.Has(proto.KeyFromSocket) {
		out.Set(proto.KeyFromSocket, s.socketID)
	}
	s.sendTo(slot.Token, out)
}
