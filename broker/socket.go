// Package broker implements the routing core of the switchyard broker:
// the Switch owning all slot state, the Hook policy surface and the
// Socket loop that drives them.
//
// Delivery rules, in order: cross-broker _to_socket routing, point to
// point _to addressing, label and tag filtered channel fan-out, and the
// independent shared-subscription groups that always receive exactly one
// copy. A full recipient wire drops that one copy; nothing ever blocks
// the broker goroutine.
package broker

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/switchyard-io/switchyard/proto"
	"github.com/switchyard-io/switchyard/record"
	"github.com/switchyard-io/switchyard/wire"
)

var (
	// ErrStopped is returned by Connect after the broker loop has exited.
	ErrStopped = errors.New("broker: socket stopped")
	// ErrRefused is returned when the broker did not acknowledge a new
	// slot in time.
	ErrRefused = errors.New("broker: connection refused")
)

// DefaultConnectTimeout bounds how long Connect waits for the broker's
// acknowledgement.
const DefaultConnectTimeout = 10 * time.Second

// pumpWait is the poll interval pump goroutines use so they can observe
// socket shutdown.
const pumpWait = 500 * time.Millisecond

type packetKind int

const (
	packetNewSlot packetKind = iota
	packetClose
)

type packet struct {
	kind packetKind
	wire *wire.Wire
}

type slotEvent struct {
	token  int
	serial uint64
	rec    record.Record
	gone   bool
}

// Socket runs one broker. All Switch state is confined to the loop
// goroutine; everything else talks to it through the control queue and
// the per-slot wires.
type Socket struct {
	id  record.ID
	log *zap.Logger

	queue  chan packet
	events chan slotEvent
	done   chan struct{}
	run    atomic.Bool
}

// NewSocket starts a broker loop. A nil hook allows everything; a nil
// logger is replaced with a no-op one.
func NewSocket(id record.ID, hook Hook, log *zap.Logger) *Socket {
	if hook == nil {
		hook = BaseHook{}
	}
	if log == nil {
		log = zap.NewNop()
	}

	s := &Socket{
		id:     id,
		log:    log,
		queue:  make(chan packet, 64),
		events: make(chan slotEvent, 256),
		done:   make(chan struct{}),
	}
	s.run.Store(true)

	sw := newSwitch(id, hook, log)
	go s.loop(sw, hook)

	return s
}

// ID returns the broker's socket id.
func (s *Socket) ID() record.ID { return s.id }

// IsRunning reports whether the loop is still alive.
func (s *Socket) IsRunning() bool { return s.run.Load() }

// Done is closed when the loop exits.
func (s *Socket) Done() <-chan struct{} { return s.done }

// Stop asks the loop to exit. Safe to call more than once.
func (s *Socket) Stop() {
	if s.run.CompareAndSwap(true, false) {
		select {
		case s.queue <- packet{kind: packetClose}:
		case <-s.done:
		}
	}
}

// Connect plugs a new in-process endpoint into the broker and waits for
// its acknowledgement. The returned wire end belongs to the caller.
func (s *Socket) Connect(attr record.Record, capacity int, timeout time.Duration) (*wire.Wire, error) {
	if !s.IsRunning() {
		return nil, ErrStopped
	}
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}

	local, remote := wire.Pipe(capacity, attr)

	select {
	case s.queue <- packet{kind: packetNewSlot, wire: local}:
	case <-s.done:
		return nil, ErrStopped
	}

	rec, err := remote.Wait(timeout)
	if err != nil {
		remote.Close()
		return nil, fmt.Errorf("%w: %v", ErrRefused, err)
	}
	if code, ok := proto.CodeOf(rec); !ok || code != proto.Ok {
		remote.Close()
		if code.Valid() && code != proto.Ok {
			return nil, code.Err()
		}
		return nil, ErrRefused
	}

	return remote, nil
}

func (s *Socket) loop(sw *Switch, hook Hook) {
	defer func() {
		s.run.Store(false)
		hook.Stop(sw)
		sw.slots.forEach(func(slot *Slot) {
			slot.Wire.Close()
		})
		close(s.done)
	}()

	for {
		select {
		case p := <-s.queue:
			switch p.kind {
			case packetNewSlot:
				if token, serial, ok := sw.addSlot(p.wire); ok {
					go s.pump(token, serial, p.wire)
				}
			case packetClose:
				s.log.Debug("broker loop closing")
				return
			}
		case ev := <-s.events:
			slot := sw.slots.get(ev.token)
			if slot == nil || slot.serial != ev.serial {
				continue
			}
			if ev.gone {
				sw.delSlot(ev.token)
			} else {
				sw.recvMessage(ev.token, ev.rec)
			}
		}
	}
}

// pump forwards one slot's inbound records into the loop's event queue
// and reports the disconnect when the wire dies.
func (s *Socket) pump(token int, serial uint64, w *wire.Wire) {
	for {
		rec, err := w.Wait(pumpWait)
		switch {
		case err == nil:
			select {
			case s.events <- slotEvent{token: token, serial: serial, rec: rec}:
			case <-s.done:
				return
			}
		case errors.Is(err, wire.ErrTimedOut):
			select {
			case <-s.done:
				return
			default:
			}
		case errors.Is(err, wire.ErrDisconnected):
			select {
			case s.events <- slotEvent{token: token, serial: serial, gone: true}:
			case <-s.done:
			}
			return
		default:
			return
		}
	}
}
