package hivecom

import (
	"errors"

	"hivecom_core/discovery"
	"hivecom_core/packet"
	"hivecom_core/registry"
)

var (
	ErrClosed          = errors.New("data link closed")
	ErrUntrustedSender = errors.New("untrusted sender")
	ErrLoopback        = errors.New("destination is the local node")
)

// DataLink connects discovery, trust and routing to one concrete transport.
// Every method is safe to call from any goroutine.
type DataLink interface {
	Identifier() string

	// SendDiscovery announces this node to every reachable peer. Best effort.
	SendDiscovery()

	// Send delivers message to a direct neighbour. Unknown receivers are logged and dropped.
	Send(receiver string, message []byte)

	// Route delivers message directly when receiver is a neighbour, otherwise through a relay.
	Route(receiver string, message []byte) error

	// BlacklistConnection removes trust and the registry entry of identifier.
	BlacklistConnection(identifier string)

	Peers() []registry.PeerRecord
	Events() <-chan Event
	Close() error
}

// CertificateAuthority checks certificates presented during discovery.
type CertificateAuthority interface {
	Identify(certificate []byte) (string, error)
	Verify(certificate []byte) bool
}

// KeyExchange is the local half of the authorization handshake.
type KeyExchange interface {
	Encapsulate(peerCertificate []byte) (ciphertext []byte, secret []byte, err error)
	Decapsulate(ciphertext []byte) ([]byte, error)
}

// Target addresses a transmission. Endpoint is transport specific:
// "ip:port" for the network transport, the node identifier in simulation.
type Target struct {
	Identifier string
	Endpoint   string
}

// Origin describes the link a packet arrived through.
type Origin struct {
	Endpoint string
	Hop      string // identifier of the link peer
	Client   discovery.ClientType
}

// Transmitter hands encoded packets to the transport. It must not block;
// failures are reported back through Protocol.Disconnect.
type Transmitter interface {
	Transmit(target Target, flag packet.MessageFlag, raw []byte)
}
