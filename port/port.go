// Package port is the client-side facade over one Wire to a broker. A
// backend goroutine owns all session state and multiplexes application
// intents (send, subscribe, RPC register, RPC call) onto the wire; a
// bounded worker pool serves registered RPC handlers.
package port

import (
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/switchyard-io/switchyard/proto"
	"github.com/switchyard-io/switchyard/record"
)

var (
	// ErrTimedOut is returned when an acknowledged operation does not
	// resolve in time.
	ErrTimedOut = errors.New("port: timed out")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("port: closed")
	// ErrDisconnected resolves pending operations when the wire dies.
	ErrDisconnected = errors.New("port: disconnected")
)

// DefaultTimeout applies when an operation is given no deadline.
const DefaultTimeout = 10 * time.Second

// Handler serves one RPC method. It runs on a worker goroutine and must
// return the reply record; a nil reply becomes an empty one.
type Handler func(record.Record) record.Record

// Options tune a Port.
type Options struct {
	// Workers sizes the RPC worker pool.
	Workers int
	// Capacity is the wire depth toward the broker.
	Capacity int
	// Auth carries extra claims sent with _auth.
	Auth record.Record
	// Logger receives backend lifecycle logs.
	Logger *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Port is safe for concurrent use by any number of application
// goroutines.
type Port struct {
	id    record.ID
	queue chan packet

	nextRecv atomic.Uint32
	run      *atomic.Bool
	done     chan struct{}
}

// Connect starts a Port. The connection is established and authenticated
// lazily by the backend; operations issued meanwhile queue up.
func Connect(connector Connector, opts Options) (*Port, error) {
	opts = opts.withDefaults()

	p := &Port{
		id:    record.NewID(),
		queue: make(chan packet, 128),
		run:   &atomic.Bool{},
		done:  make(chan struct{}),
	}
	p.run.Store(true)

	b := newBackend(p.id, connector, opts, p.queue, p.run, p.done)
	go b.runLoop()
	for i := 0; i < opts.Workers; i++ {
		go b.worker()
	}

	return p, nil
}

// ID returns the slot id this port authenticates with.
func (p *Port) ID() record.ID { return p.id }

// Close shuts the backend down, failing every pending operation.
func (p *Port) Close() {
	p.run.Store(false)
}

// Done is closed once the backend has exited.
func (p *Port) Done() <-chan struct{} { return p.done }

func (p *Port) push(pkt packet) error {
	if !p.run.Load() {
		return ErrClosed
	}
	select {
	case p.queue <- pkt:
		return nil
	case <-p.done:
		return ErrClosed
	}
}

func await(ack chan error, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case err := <-ack:
		return err
	case <-t.C:
		return ErrTimedOut
	}
}

// Send publishes rec on a channel and waits for the broker's
// confirmation. Labels, when given, restrict delivery to intersecting
// subscriptions.
func (p *Port) Send(channel string, rec record.Record, labels []string, timeout time.Duration) error {
	if rec == nil {
		rec = record.New()
	}
	out := rec.Clone()
	out.Set(proto.KeyChan, channel)
	out.Set(proto.KeyAck, true)
	if len(labels) > 0 {
		out.Set(proto.KeyLabel, labels)
	}
	msgID, ok := out.GetID(proto.KeyID)
	if !ok {
		msgID = record.NewID()
		out.Set(proto.KeyID, msgID)
	}

	ack := make(chan error, 1)
	if err := p.push(packet{kind: pkSend, msgID: msgID, rec: out, ack: ack}); err != nil {
		return err
	}

	err := await(ack, timeout)
	if errors.Is(err, ErrTimedOut) {
		_ = p.push(packet{kind: pkUnSend, msgID: msgID})
	}
	return err
}

// Recv subscribes to a channel and returns a receiver delivering
// matching records. Use proto.CatchAll to observe records arriving on
// channels no other local receiver is attached to.
func (p *Port) Recv(channel string, labels []string, timeout time.Duration) (*Recv, error) {
	id := p.nextRecv.Add(1)
	sink := make(chan record.Record, recvBuffer)

	ack := make(chan error, 1)
	err := p.push(packet{
		kind:    pkAttach,
		id:      id,
		channel: channel,
		labels:  labels,
		sink:    sink,
		ack:     ack,
	})
	if err != nil {
		return nil, err
	}
	if err := await(ack, timeout); err != nil {
		return nil, err
	}

	return &Recv{port: p, id: id, ch: sink}, nil
}

// Call invokes a remote RPC method and waits for its reply.
func (p *Port) Call(method string, req record.Record, timeout time.Duration) (record.Record, error) {
	if req == nil {
		req = record.New()
	}
	out := req.Clone()

	reqID := record.NewID()
	reply := make(chan callResult, 1)
	if err := p.push(packet{kind: pkCall, msgID: reqID, method: method, rec: out, callAck: reply}); err != nil {
		return nil, err
	}

	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case res := <-reply:
		return res.rec, res.err
	case <-t.C:
		// Purge the pending entry so the table cannot grow unbounded.
		_ = p.push(packet{kind: pkUnCall, msgID: reqID})
		return nil, ErrTimedOut
	}
}

// Add registers an RPC handler for a method and returns its handle.
func (p *Port) Add(method string, handler Handler, labels []string, timeout time.Duration) (uint32, error) {
	id := p.nextRecv.Add(1)

	ack := make(chan error, 1)
	err := p.push(packet{
		kind:    pkAdd,
		id:      id,
		method:  method,
		labels:  labels,
		handler: handler,
		ack:     ack,
	})
	if err != nil {
		return 0, err
	}
	if err := await(ack, timeout); err != nil {
		return 0, err
	}
	return id, nil
}

// Remove unregisters an RPC handler.
func (p *Port) Remove(id uint32) {
	_ = p.push(packet{kind: pkRemove, id: id})
}

// recvBuffer is the per-receiver delivery queue depth; records beyond it
// are dropped rather than blocking the backend.
const recvBuffer = 256

// Recv is one subscription's delivery stream.
type Recv struct {
	port *Port
	id   uint32
	ch   chan record.Record
}

// Chan exposes the delivery stream.
func (r *Recv) Chan() <-chan record.Record { return r.ch }

// Next blocks for the next record up to the timeout.
func (r *Recv) Next(timeout time.Duration) (record.Record, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case rec := <-r.ch:
		return rec, nil
	case <-t.C:
		return nil, ErrTimedOut
	case <-r.port.done:
		return nil, ErrClosed
	}
}

// Close detaches the receiver. The broker subscription narrows or ends
// depending on what other local receivers still need.
func (r *Recv) Close() {
	_ = r.port.push(packet{kind: pkDetach, id: r.id})
}
