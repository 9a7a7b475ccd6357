// Package wire provides the bounded full-duplex record channel connecting
// a slot to the broker. A Wire pair shares one close flag and one
// attribute record; each direction is an independent bounded queue.
//
// The Wire is the single mechanism through which the routing core talks to
// anything else: in-process clients, remote-bridged peers and peer brokers
// all look the same behind a Wire.
package wire

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/switchyard-io/switchyard/record"
)

var (
	// ErrFull is returned by Send when the outbound queue is at capacity.
	ErrFull = errors.New("wire: full")
	// ErrEmpty is returned by Recv when nothing is pending.
	ErrEmpty = errors.New("wire: empty")
	// ErrDisconnected is returned once the shared close flag is set and
	// the inbound queue has been drained.
	ErrDisconnected = errors.New("wire: disconnected")
	// ErrTimedOut is returned by Wait when the timeout elapses first.
	ErrTimedOut = errors.New("wire: timed out")
)

// DefaultCapacity is the queue depth used when a caller passes zero.
const DefaultCapacity = 64

// Wire is one end of a pipe. A Wire end may be moved between goroutines
// but must not be used from two goroutines at once.
type Wire struct {
	capacity int
	tx       chan record.Record
	rx       chan record.Record

	closed  *atomic.Bool
	closeCh chan struct{}
	once    *sync.Once

	attrMu *sync.Mutex
	attr   record.Record

	sendNum atomic.Uint64
	recvNum atomic.Uint64
}

// Pipe builds a connected pair of Wire ends sharing one close flag and one
// attribute record. Each direction holds at most capacity records.
func Pipe(capacity int, attr record.Record) (*Wire, *Wire) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if attr == nil {
		attr = record.New()
	}

	q1 := make(chan record.Record, capacity)
	q2 := make(chan record.Record, capacity)

	closed := &atomic.Bool{}
	closeCh := make(chan struct{})
	once := &sync.Once{}
	attrMu := &sync.Mutex{}

	a := &Wire{capacity: capacity, tx: q1, rx: q2, closed: closed, closeCh: closeCh, once: once, attrMu: attrMu, attr: attr}
	b := &Wire{capacity: capacity, tx: q2, rx: q1, closed: closed, closeCh: closeCh, once: once, attrMu: attrMu, attr: attr}
	return a, b
}

// Capacity returns the per-direction queue depth.
func (w *Wire) Capacity() int { return w.capacity }

// Pending returns the number of outbound records not yet consumed by the
// peer.
func (w *Wire) Pending() int { return len(w.tx) }

// IsClosed reports whether either end has closed the pair.
func (w *Wire) IsClosed() bool { return w.closed.Load() }

// Close sets the shared close flag. The peer drains any queued records and
// then observes ErrDisconnected. Close is idempotent.
func (w *Wire) Close() {
	w.once.Do(func() {
		w.closed.Store(true)
		close(w.closeCh)
	})
}

// Done returns a channel closed when the pair closes.
func (w *Wire) Done() <-chan struct{} { return w.closeCh }

// Sink exposes the inbound queue for use in select loops. Records read
// directly from the sink bypass the receive counter.
func (w *Wire) Sink() <-chan record.Record { return w.rx }

// Send enqueues a record for the peer. It fails with ErrDisconnected once
// the pair is closed and with ErrFull when the peer is not keeping up;
// it never blocks.
func (w *Wire) Send(rec record.Record) error {
	if w.IsClosed() {
		return ErrDisconnected
	}
	select {
	case w.tx <- rec:
		w.sendNum.Add(1)
		return nil
	default:
		return ErrFull
	}
}

// Recv pops the next inbound record without blocking.
func (w *Wire) Recv() (record.Record, error) {
	select {
	case rec := <-w.rx:
		w.recvNum.Add(1)
		return rec, nil
	default:
		if w.IsClosed() {
			return nil, ErrDisconnected
		}
		return nil, ErrEmpty
	}
}

// Wait blocks until a record arrives, the pair closes, or the timeout
// elapses. A timeout of zero or less waits forever. Pending records are
// drained before a close is reported.
func (w *Wire) Wait(timeout time.Duration) (record.Record, error) {
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case rec := <-w.rx:
		w.recvNum.Add(1)
		return rec, nil
	case <-w.closeCh:
		// Drain what the peer managed to enqueue before closing.
		select {
		case rec := <-w.rx:
			w.recvNum.Add(1)
			return rec, nil
		default:
			return nil, ErrDisconnected
		}
	case <-timer:
		return nil, ErrTimedOut
	}
}

// Attr runs fn with the shared attribute record while holding its lock.
func (w *Wire) Attr(fn func(record.Record)) {
	w.attrMu.Lock()
	defer w.attrMu.Unlock()
	fn(w.attr)
}

// AttrClone returns a copy of the shared attribute record.
func (w *Wire) AttrClone() record.Record {
	w.attrMu.Lock()
	defer w.attrMu.Unlock()
	return w.attr.Clone()
}

// SendNum returns how many records this end has successfully sent.
func (w *Wire) SendNum() uint64 { return w.sendNum.Load() }

// RecvNum returns how many records this end has received.
func (w *Wire) RecvNum() uint64 { return w.recvNum.Load() }
