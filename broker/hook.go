package broker

import "github.com/switchyard-io/switchyard/record"

// Hook is the policy surface consulted by the routing core. Every
// callback runs on the broker goroutine and must not block. A false return
// from a gate short-circuits the operation: Auth and Accept answer with
// AuthenticationFailed, Recv with RefuseReceiveMessage, Attach, Detach,
// Join, Leave, Emit and Kill with PermissionDenied, while a refused Send or
// Push drops the record without a reply.
//
// The hook is fixed at Socket construction and cannot be replaced while
// the broker runs.
type Hook interface {
	// Accept runs before a new slot enters the table.
	Accept(*Slot) bool
	// Remove runs after a slot has been removed.
	Remove(*Slot)
	// Recv gates every inbound record.
	Recv(*Slot, record.Record) bool
	// Send gates every outbound record.
	Send(*Slot, record.Record) bool
	// Auth gates the _auth operation.
	Auth(*Slot, record.Record) bool
	// Attach gates subscriptions; labels carries the requested label set.
	Attach(slot *Slot, rec record.Record, channel string, labels []string) bool
	// Detach gates unsubscriptions.
	Detach(slot *Slot, rec record.Record, channel string, labels []string) bool
	// Join gates peer-broker registration.
	Join(*Slot, record.Record) bool
	// Leave gates peer-broker deregistration.
	Leave(*Slot, record.Record) bool
	// Ping observes _ping records before the reply is stamped.
	Ping(*Slot, record.Record)
	// Emit gates a message entering the relay pipeline.
	Emit(*Slot, record.Record) bool
	// Push gates a message reaching one chosen recipient.
	Push(*Slot, record.Record) bool
	// Kill gates the _slki operation.
	Kill(*Slot, record.Record) bool
	// Custom serves the _cust channel; it decides whether to stamp _code.
	Custom(sw *Switch, token int, rec record.Record)
	// Stop runs once when the broker loop exits.
	Stop(*Switch)
}

// BaseHook is a Hook that allows everything. Embed it to override only
// the callbacks a policy cares about.
type BaseHook struct{}

func (BaseHook) Accept(*Slot) bool                                  { return true }
func (BaseHook) Remove(*Slot)                                       {}
func (BaseHook) Recv(*Slot, record.Record) bool                     { return true }
func (BaseHook) Send(*Slot, record.Record) bool                     { return true }
func (BaseHook) Auth(*Slot, record.Record) bool                     { return true }
func (BaseHook) Attach(*Slot, record.Record, string, []string) bool { return true }
func (BaseHook) Detach(*Slot, record.Record, string, []string) bool { return true }
func (BaseHook) Join(*Slot, record.Record) bool                     { return true }
func (BaseHook) Leave(*Slot, record.Record) bool                    { return true }
func (BaseHook) Ping(*Slot, record.Record)                          {}
func (BaseHook) Emit(*Slot, record.Record) bool                     { return true }
func (BaseHook) Push(*Slot, record.Record) bool                     { return true }
func (BaseHook) Kill(*Slot, record.Record) bool                     { return true }
func (BaseHook) Custom(*Switch, int, record.Record)                 {}
func (BaseHook) Stop(*Switch)                                       {}

var _ Hook = BaseHook{}
