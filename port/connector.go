package port

import (
	"errors"

	"github.com/switchyard-io/switchyard/broker"
	"github.com/switchyard-io/switchyard/network"
	"github.com/switchyard-io/switchyard/record"
	"github.com/switchyard-io/switchyard/wire"
)

// Connector describes how a Port reaches its broker: directly through an
// in-process Socket, or over the network bridge.
type Connector struct {
	socket *broker.Socket
	attr   record.Record
	addr   string
	dial   network.DialOptions
}

// InProcess connects through a broker living in the same process.
func InProcess(socket *broker.Socket, attr record.Record) Connector {
	return Connector{socket: socket, attr: attr}
}

// Net connects to a remote broker address.
func Net(addr string, dial network.DialOptions) Connector {
	return Connector{addr: addr, dial: dial}
}

func (c Connector) connect(capacity int) (*wire.Wire, error) {
	switch {
	case c.socket != nil:
		attr := c.attr
		if attr == nil {
			attr = record.New()
		}
		return c.socket.Connect(attr.Clone(), capacity, 0)
	case c.addr != "":
		dial := c.dial
		if dial.Capacity == 0 {
			dial.Capacity = capacity
		}
		return network.Dial(c.addr, dial)
	default:
		return nil, errors.New("port: empty connector")
	}
}
