package broker

import (
	"go.uber.org/zap"

	"github.com/switchyard-io/switchyard/proto"
	"github.com/switchyard-io/switchyard/record"
)

// auth serves _auth. Authentication is never required for routing; the
// operation exists so a peer can pin its slot id and let the hook apply
// policy. The id may be changed here until the first success, after which
// it is immutable for the slot's lifetime.
func (s *Switch) auth(token int, rec record.Record) {
	slot := s.slots.get(token)

	requested := slot.ID
	if rec.Has(proto.KeySlotID) {
		id, ok := rec.GetID(proto.KeySlotID)
		if !ok {
			s.reply(token, rec, proto.InvalidSlotIdFieldType)
			return
		}
		if id != slot.ID {
			if slot.Authed {
				s.reply(token, rec, proto.PermissionDenied)
				return
			}
			if other, taken := s.slotIDs[id]; taken && other != token {
				s.reply(token, rec, proto.DuplicateSlotId)
				return
			}
			requested = id
		}
	}

	if !s.hook.Auth(slot, rec) {
		s.reply(token, rec, proto.AuthenticationFailed)
		return
	}

	if requested != slot.ID {
		delete(s.slotIDs, slot.ID)
		slot.ID = requested
		s.slotIDs[requested] = token
		slot.Wire.Attr(func(a record.Record) {
			a.Set(proto.KeySlotID, requested)
		})
	}
	slot.Authed = true

	rec.Set(proto.KeySlotID, slot.ID)
	rec.Set(proto.KeySocketID, s.socketID)
	s.reply(token, rec, proto.Ok)
}

// attach serves _atta. The subscription may carry labels and may be
// shared; both are recorded per channel on the slot.
func (s *Switch) attach(token int, rec record.Record) {
	slot := s.slots.get(token)

	channel, ok := rec.Str(proto.KeyValue)
	if !ok {
		s.reply(token, rec, proto.CannotGetValueField)
		return
	}

	share, shareOK := false, true
	if rec.Has(proto.KeyShare) {
		share, shareOK = rec.Bool(proto.KeyShare)
	}
	if !shareOK {
		s.reply(token, rec, proto.InvalidShareFieldType)
		return
	}

	labels, ok := rec.Strings(proto.KeyLabel)
	if !ok {
		s.reply(token, rec, proto.InvalidLabelFieldType)
		return
	}

	if !s.hook.Attach(slot, rec, channel, labels) {
		s.reply(token, rec, proto.PermissionDenied)
		return
	}

	event := record.Record{
		proto.KeyChan:   proto.ChanSlotAttach,
		proto.KeyValue:  channel,
		proto.KeySlotID: slot.ID,
	}
	if raw, has := rec[proto.KeyLabel]; has {
		event.Set(proto.KeyLabel, raw)
	}

	if share {
		event.Set(proto.KeyShare, true)
		s.addSubscriber(s.shareChans, channel, token)
		mergeLabels(slot.ShareChans, channel, labels)
	} else {
		s.addSubscriber(s.chans, channel, token)
		mergeLabels(slot.Chans, channel, labels)
	}

	s.relayEvent(token, proto.ChanSlotAttach, event)

	s.log.Debug("attach",
		zap.String("chan", channel),
		zap.Bool("share", share),
		zap.String("slot_id", slot.ID.Hex()))

	s.reply(token, rec, proto.Ok)
}

func (s *Switch) addSubscriber(index map[string]map[int]struct{}, channel string, token int) {
	subs, ok := index[channel]
	if !ok {
		subs = make(map[int]struct{})
		index[channel] = subs
	}
	subs[token] = struct{}{}
}

// detach serves _deta. With no labels the whole subscription goes; with
// labels only those labels are removed and the subscription stays.
func (s *Switch) detach(token int, rec record.Record) {
	slot := s.slots.get(token)

	channel, ok := rec.Str(proto.KeyValue)
	if !ok {
		s.reply(token, rec, proto.CannotGetValueField)
		return
	}

	share, shareOK := false, true
	if rec.Has(proto.KeyShare) {
		share, shareOK = rec.Bool(proto.KeyShare)
	}
	if !shareOK {
		s.reply(token, rec, proto.InvalidShareFieldType)
		return
	}

	labels, ok := rec.Strings(proto.KeyLabel)
	if !ok {
		s.reply(token, rec, proto.InvalidLabelFieldType)
		return
	}

	if !s.hook.Detach(slot, rec, channel, labels) {
		s.reply(token, rec, proto.PermissionDenied)
		return
	}

	event := record.Record{
		proto.KeyChan:   proto.ChanSlotDetach,
		proto.KeyValue:  channel,
		proto.KeySlotID: slot.ID,
	}
	if raw, has := rec[proto.KeyLabel]; has {
		event.Set(proto.KeyLabel, raw)
	}

	slotChans, index := slot.Chans, s.chans
	if share {
		event.Set(proto.KeyShare, true)
		slotChans, index = slot.ShareChans, s.shareChans
	}

	if len(labels) == 0 {
		delete(slotChans, channel)
		s.dropSubscriber(index, channel, token)
	} else if set, subscribed := slotChans[channel]; subscribed {
		for _, l := range labels {
			delete(set, l)
		}
	}

	s.relayEvent(token, proto.ChanSlotDetach, event)

	s.reply(token, rec, proto.Ok)
}

// join serves _join: the slot becomes a peer broker reachable through
// _to_socket addressing.
func (s *Switch) join(token int, rec record.Record) {
	slot := s.slots.get(token)

	if !s.hook.Join(slot, rec) {
		s.reply(token, rec, proto.PermissionDenied)
		return
	}

	s.socketIDs[slot.ID] = token
	slot.Joined = true

	s.reply(token, rec, proto.Ok)
}

// leave serves _leav and reverses join.
func (s *Switch) leave(token int, rec record.Record) {
	slot := s.slots.get(token)

	if !s.hook.Leave(slot, rec) {
		s.reply(token, rec, proto.PermissionDenied)
		return
	}

	delete(s.socketIDs, slot.ID)
	slot.Joined = false

	s.reply(token, rec, proto.Ok)
}

// ping serves _ping for in-process wires; the network bridge answers its
// remote peers before records ever reach the Switch.
func (s *Switch) ping(token int, rec record.Record) {
	s.hook.Ping(s.slots.get(token), rec)
	s.reply(token, rec, proto.Ok)
}

// mine serves _mine with the requesting slot's snapshot.
func (s *Switch) mine(token int, rec record.Record) {
	slot := s.slots.get(token)

	chans := record.New()
	for channel, labels := range slot.Chans {
		chans.Set(channel, labelList(labels))
	}
	shareChans := record.New()
	for channel, labels := range slot.ShareChans {
		shareChans.Set(channel, labelList(labels))
	}

	snapshot := record.Record{
		proto.KeySocketID:   s.socketID,
		proto.KeySlotID:     slot.ID,
		proto.KeyAttr:       slot.Wire.AttrClone(),
		proto.KeyChans:      chans,
		proto.KeyShareChans: shareChans,
		proto.KeySendNum:    int64(slot.Wire.SendNum()),
		proto.KeyRecvNum:    int64(slot.Wire.RecvNum()),
		proto.KeyJoined:     slot.Joined,
	}

	rec.Set(proto.KeyValue, snapshot)
	s.reply(token, rec, proto.Ok)
}

func labelList(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for l := range set {
		out = append(out, l)
	}
	return out
}

// custom serves _cust; the hook decides whether to stamp _code.
func (s *Switch) custom(token int, rec record.Record) {
	s.hook.Custom(s, token, rec)
	s.sendTo(token, rec)
}

// kill serves _slki and removes the named slot. Authorization is the
// hook's business.
func (s *Switch) kill(token int, rec record.Record) {
	slot := s.slots.get(token)

	if !s.hook.Kill(slot, rec) {
		s.reply(token, rec, proto.PermissionDenied)
		return
	}

	if !rec.Has(proto.KeySlotID) {
		s.reply(token, rec, proto.CannotGetValueField)
		return
	}
	id, ok := rec.GetID(proto.KeySlotID)
	if !ok {
		s.reply(token, rec, proto.InvalidSlotIdFieldType)
		return
	}

	target, exists := s.slotIDs[id]
	if !exists {
		s.reply(token, rec, proto.TargetSlotIdNotExist)
		return
	}

	s.reply(token, rec, proto.Ok)
	s.delSlot(target)
}
