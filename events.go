package hivecom

import "hivecom_core/discovery"

// Event is one of the Event* types below.
type Event interface {
	event()
}

type EventPeerDiscovered struct {
	Client     discovery.ClientType
	Identifier string
}

// EventPeerAuthorized follows EventPeerDiscovered once a session key is agreed.
type EventPeerAuthorized struct {
	Identifier string
}

type EventPeerDisconnected struct {
	Identifier string
}

type EventPacketReceived struct {
	Identifier string // originator
	Payload    []byte
	Relayed    bool
}

type EventLog struct {
	Text string
}

func (EventPeerDiscovered) event()   {}
func (EventPeerAuthorized) event()   {}
func (EventPeerDisconnected) event() {}
func (EventPacketReceived) event()   {}
func (EventLog) event()              {}
