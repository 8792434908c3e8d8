package packet

import "strconv"

// Version is the wire version written by this node.
const Version = 1

type MessageFlag int

const (
	Discovery MessageFlag = iota
	Authorization
	Message
	Control
	Route
)

func (f MessageFlag) String() string {
	switch f {
	case Discovery:
		return "Discovery"
	case Authorization:
		return "Authorization"
	case Message:
		return "Message"
	case Control:
		return "Control"
	case Route:
		return "Route"
	default:
		return "MessageFlag(" + strconv.Itoa(int(f)) + ")"
	}
}

// Valid reports whether f is one of the known flags.
func (f MessageFlag) Valid() bool {
	return f >= Discovery && f <= Route
}

// Carries reports whether packets of this flag carry application traffic
// (receiver, sender, payload) rather than handshake material.
func (f MessageFlag) Carries() bool {
	return f == Message || f == Control || f == Route
}

// fieldCount is the total number of wire fields, version and flag included.
func (f MessageFlag) fieldCount() int {
	if f == Discovery {
		return 4
	}
	return 5
}

// Packet is the unit exchanged between data links.
// Sender is empty for Discovery and Authorization, where the certificate names the peer.
type Packet struct {
	Version     int
	Flag        MessageFlag
	Receiver    string
	Sender      string
	Certificate []byte
	Ciphertext  []byte
	Payload     []byte
}

func NewDiscovery(receiver string, certificate []byte) *Packet {
	return &Packet{
		Version:     Version,
		Flag:        Discovery,
		Receiver:    receiver,
		Certificate: certificate,
	}
}

func NewAuthorization(receiver string, certificate []byte, ciphertext []byte) *Packet {
	return &Packet{
		Version:     Version,
		Flag:        Authorization,
		Receiver:    receiver,
		Certificate: certificate,
		Ciphertext:  ciphertext,
	}
}

func NewMessage(receiver string, sender string, payload []byte) *Packet {
	return &Packet{
		Version:  Version,
		Flag:     Message,
		Receiver: receiver,
		Sender:   sender,
		Payload:  payload,
	}
}

func NewControl(receiver string, sender string, payload []byte) *Packet {
	return &Packet{
		Version:  Version,
		Flag:     Control,
		Receiver: receiver,
		Sender:   sender,
		Payload:  payload,
	}
}

// control payloads
const (
	ControlBye = "bye"
)
