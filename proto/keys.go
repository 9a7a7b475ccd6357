// Package proto defines the wire vocabulary shared by the broker and its
// clients: the reserved record keys, the control channel names and the
// error codes stamped into replies.
//
// Every key beginning with a single underscore is reserved for control use;
// anything else is an application channel or payload field.
package proto

// Core routing keys.
const (
	KeyChan  = "_chan" // channel name
	KeyValue = "_valu" // value target for control ops
	KeyLabel = "_labe" // label string or label array
	KeyTags  = "_tags" // slot-scoped routing tags
	KeyTo    = "_to"   // target slot id or array thereof
	KeyFrom  = "_from" // origin slot id
	KeyShare = "_shar" // shared (load balanced) delivery
	KeyAck   = "_ack"  // request a send confirmation
	KeyID    = "_id"   // client assigned message id
	KeyCode  = "_code" // error code, 0 = OK
	KeyError = "_erro" // debug error text

	KeyToSocket   = "_to_socket"   // target broker socket id
	KeyFromSocket = "_from_socket" // origin broker socket id
)

// Identity and attribute keys.
const (
	KeySlotID   = "_slid"
	KeySocketID = "_soid"
	KeyAttr     = "_attr"
	KeyAddr     = "_addr"
	KeyJoined   = "_jond"

	KeyChans      = "_chas"
	KeyShareChans = "_shas"
	KeySendNum    = "_snum"
	KeyRecvNum    = "_rnum"

	KeyAttachID  = "_atid"
	KeyRequestID = "_rqid"
	KeyToken     = "_toke"
)

// Control channels served by the broker.
const (
	ChanAuth     = "_auth"
	ChanAttach   = "_atta"
	ChanDetach   = "_deta"
	ChanJoin     = "_join"
	ChanLeave    = "_leav"
	ChanPing     = "_ping"
	ChanMine     = "_mine"
	ChanCustom   = "_cust"
	ChanSlotKill = "_slki"
)

// Slot lifecycle event channels.
const (
	ChanSlotReady  = "_slre"
	ChanSlotBreak  = "_slbr"
	ChanSlotAttach = "_slat"
	ChanSlotDetach = "_slde"
)

// Transport handshake keys.
const (
	ChanHand  = "_hand"
	KeyMethod = "_meth"
	KeyAccess = "_acce"
	KeyOrigin = "_orig"
)

// RPC overlay channels.
const (
	RPCReqPrefix = "RPC/REQ/"
	RPCRecv      = "RPC/RECV"
)

// CatchAll is the pseudo channel a Port receiver may attach to in order to
// observe records arriving on channels no other local receiver is attached
// to. It never reaches the broker.
const CatchAll = "_unkn"
