package hivecom

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/phuslu/log"

	"hivecom_core/discovery"
	"hivecom_core/metrics"
	"hivecom_core/packet"
	"hivecom_core/registry"
	"hivecom_core/routing"
	"hivecom_core/trust"
)

const DefaultEventBuffer = 256

var (
	errMisdirected = errors.New("packet addressed to another node")
	errRejected    = errors.New("certificate rejected")
	errHopMismatch = errors.New("certificate does not match link peer")
)

type ProtocolConfig struct {
	Identifier  string
	Client      discovery.ClientType
	Certificate []byte

	Authority   CertificateAuthority
	KeyExchange KeyExchange
	Transmitter Transmitter

	Router      *routing.Router // default: AvoidSender with a random source
	RelayBudget int             // default: DefaultRelayBudget
	RelayWindow time.Duration   // default: DefaultRelayWindow
	EventBuffer int             // default: DefaultEventBuffer
	Trace       bool            // emit EventLog for every transmission
	Metrics     *metrics.Node
}

// Protocol is the transport-agnostic DataLink state machine of one node.
// It is driven from a single goroutine owned by the transport; only Peers,
// IsTrusted, Endpoint and Events may be used from elsewhere.
type Protocol struct {
	local       string
	client      discovery.ClientType
	certificate []byte

	authority   CertificateAuthority
	kex         KeyExchange
	transmitter Transmitter
	router      *routing.Router
	metrics     *metrics.Node
	trace       bool

	registry  *registry.Registry
	engine    *discovery.Engine
	blacklist map[string]bool
	relays    *relayBudget

	events chan Event
	closed bool
}

func NewProtocol(conf ProtocolConfig) (*Protocol, error) {
	if conf.Identifier == "" || strings.ContainsRune(conf.Identifier, '\n') {
		return nil, fmt.Errorf("invalid identifier %q", conf.Identifier)
	}
	if len(conf.Certificate) == 0 {
		return nil, errors.New("missing certificate")
	}
	if conf.Authority == nil || conf.KeyExchange == nil || conf.Transmitter == nil {
		return nil, errors.New("missing collaborator")
	}

	result := new(Protocol)
	result.local = conf.Identifier
	result.client = conf.Client
	result.certificate = conf.Certificate
	result.authority = conf.Authority
	result.kex = conf.KeyExchange
	result.transmitter = conf.Transmitter
	result.router = conf.Router
	if result.router == nil {
		result.router = routing.NewRouter(routing.AvoidSender, nil)
	}
	result.metrics = conf.Metrics
	result.trace = conf.Trace

	result.registry = registry.New()
	result.engine = discovery.NewEngine(conf.Identifier)
	result.blacklist = make(map[string]bool)

	budget := conf.RelayBudget
	if budget <= 0 {
		budget = DefaultRelayBudget
	}
	window := conf.RelayWindow
	if window <= 0 {
		window = DefaultRelayWindow
	}
	result.relays = newRelayBudget(budget, window)

	buffer := conf.EventBuffer
	if buffer <= 0 {
		buffer = DefaultEventBuffer
	}
	result.events = make(chan Event, buffer)
	return result, nil
}

func (p *Protocol) Identifier() string {
	return p.local
}

func (p *Protocol) Client() discovery.ClientType {
	return p.client
}

func (p *Protocol) Announcement() string {
	return discovery.FormatAnnouncement(p.client, p.local)
}

func (p *Protocol) Events() <-chan Event {
	return p.events
}

func (p *Protocol) Peers() []registry.PeerRecord {
	return p.registry.All()
}

func (p *Protocol) IsTrusted(identifier string) bool {
	return p.registry.IsTrusted(identifier)
}

// Endpoint returns where identifier was last seen.
func (p *Protocol) Endpoint(identifier string) (string, bool) {
	record, err := p.registry.Lookup(identifier)
	if err != nil {
		return "", false
	}
	return record.Endpoint, true
}

func (p *Protocol) IsBlacklisted(identifier string) bool {
	return p.blacklist[identifier]
}

func (p *Protocol) State(identifier string) discovery.State {
	return p.engine.State(identifier)
}

func (p *Protocol) emit(event Event) {
	if p.closed {
		return
	}
	select {
	case p.events <- event:
	default:
		p.metrics.Drop(metrics.DropEventQueue)
		log.Warn().Str("node", p.local).Msgf("event queue full, dropped %T", event)
	}
}

// diagnostic is logged and surfaced on the event stream.
func (p *Protocol) diagnostic(text string) {
	log.Warn().Str("node", p.local).Msg(text)
	p.emit(EventLog{Text: text})
}

func (p *Protocol) transmit(target Target, pk *packet.Packet) error {
	raw, err := packet.Encode(pk)
	if err != nil {
		log.Error().Str("node", p.local).Err(err).Msg("encode")
		return err
	}
	if p.trace {
		p.emit(EventLog{Text: "Message being sent from '" + p.local + "' to '" + target.Identifier + "'\n" + packet.Describe(raw)})
	}
	p.metrics.Packet(metrics.Outbound, pk.Flag.String())
	p.transmitter.Transmit(target, pk.Flag, raw)
	return nil
}

func (p *Protocol) transmitTo(identifier string, pk *packet.Packet) error {
	record, err := p.registry.Lookup(identifier)
	if err != nil {
		return err
	}
	return p.transmit(Target{Identifier: identifier, Endpoint: record.Endpoint}, pk)
}

// SendDiscoveryTo starts a certificate exchange with target.
func (p *Protocol) SendDiscoveryTo(target Target) {
	if p.closed {
		return
	}
	p.transmit(target, packet.NewDiscovery(target.Identifier, p.certificate))
}

// HandleAnnouncement reacts to a broadcast heard from endpoint. A new candidate
// gets this node's Discovery packet; a trusted one only has its endpoint refreshed.
func (p *Protocol) HandleAnnouncement(raw string, endpoint string) error {
	if p.closed {
		return ErrClosed
	}
	announcement, err := p.engine.HandleAnnouncement(raw)
	switch {
	case errors.Is(err, discovery.ErrSelfAnnouncement):
		return nil
	case errors.Is(err, discovery.ErrUnknownClientType):
		p.metrics.Drop(metrics.DropMalformed)
		p.diagnostic("announcement with unknown client type: " + raw)
		return err
	case err != nil:
		p.metrics.Drop(metrics.DropMalformed)
		log.Debug().Str("node", p.local).Str("endpoint", endpoint).Err(err).Msg("announcement")
		return err
	}

	if p.registry.IsTrusted(announcement.Identifier) {
		p.registry.Upsert(announcement.Identifier, endpoint)
		return nil
	}
	p.SendDiscoveryTo(Target{Identifier: announcement.Identifier, Endpoint: endpoint})
	return nil
}

// HandleTransmission processes one encoded packet received through origin.
func (p *Protocol) HandleTransmission(origin Origin, raw []byte) error {
	if p.closed {
		return ErrClosed
	}
	pk, err := packet.Decode(raw)
	if err != nil {
		p.metrics.Drop(metrics.DropMalformed)
		log.Debug().Str("node", p.local).Str("hop", origin.Hop).Err(err).Msg("decode")
		return err
	}
	p.metrics.Packet(metrics.Inbound, pk.Flag.String())

	switch pk.Flag {
	case packet.Discovery:
		return p.handleDiscovery(origin, pk)
	case packet.Authorization:
		return p.handleAuthorization(origin, pk)
	}
	return p.handleTraffic(origin, pk)
}

// acceptCertificate verifies the certificate carried by a handshake packet and
// trusts its owner. A forged certificate blacklists the identifier it claims.
func (p *Protocol) acceptCertificate(origin Origin, pk *packet.Packet) (string, error) {
	if pk.Receiver != p.local {
		p.metrics.Drop(metrics.DropMisdirected)
		return "", errMisdirected
	}
	identifier, err := p.authority.Identify(pk.Certificate)
	if err != nil {
		p.metrics.Drop(metrics.DropRejected)
		p.diagnostic("unreadable certificate from " + origin.Endpoint)
		return "", err
	}
	if identifier == p.local {
		log.Debug().Str("node", p.local).Msg("own certificate received, Not Ok")
		p.metrics.Drop(metrics.DropRejected)
		return "", discovery.ErrSelfAnnouncement
	}
	if origin.Hop != "" && origin.Hop != identifier {
		p.metrics.Drop(metrics.DropRejected)
		p.diagnostic("certificate of " + identifier + " presented by " + origin.Hop)
		return "", errHopMismatch
	}

	p.engine.Exchange(identifier)
	if !p.authority.Verify(pk.Certificate) {
		p.metrics.Drop(metrics.DropRejected)
		p.Blacklist(identifier)
		p.engine.Reject(identifier)
		p.diagnostic("certificate of " + identifier + " rejected")
		return "", errRejected
	}

	delete(p.blacklist, identifier)
	p.registry.Upsert(identifier, origin.Endpoint)
	p.registry.Trust(identifier, origin.Client)
	if p.engine.Accept(identifier) {
		log.Info().Str("node", p.local).Str("peer", identifier).Str("client", origin.Client.String()).Msg("peer discovered")
		p.metrics.SetPeers(len(p.registry.Trusted()))
		p.emit(EventPeerDiscovered{Client: origin.Client, Identifier: identifier})
	}
	return identifier, nil
}

func (p *Protocol) handleDiscovery(origin Origin, pk *packet.Packet) error {
	identifier, err := p.acceptCertificate(origin, pk)
	if err != nil {
		return err
	}

	ciphertext, secret, err := p.kex.Encapsulate(pk.Certificate)
	if err != nil {
		log.Error().Str("node", p.local).Str("peer", identifier).Err(err).Msg("encapsulate")
		return err
	}
	if err := p.storeSessionKey(identifier, secret, identifier); err != nil {
		return err
	}
	if err := p.transmitTo(identifier, packet.NewAuthorization(identifier, p.certificate, ciphertext)); err != nil {
		return err
	}
	p.emit(EventPeerAuthorized{Identifier: identifier})
	return nil
}

func (p *Protocol) handleAuthorization(origin Origin, pk *packet.Packet) error {
	identifier, err := p.acceptCertificate(origin, pk)
	if err != nil {
		return err
	}

	secret, err := p.kex.Decapsulate(pk.Ciphertext)
	if err != nil {
		p.diagnostic("authorization from " + identifier + " could not be opened")
		return err
	}
	if err := p.storeSessionKey(identifier, secret, p.local); err != nil {
		return err
	}
	p.emit(EventPeerAuthorized{Identifier: identifier})
	return nil
}

// storeSessionKey keeps the key of the first exchange, unless a later exchange was
// initiated by the lower identifier. Both ends settle on the same key when
// they discover each other at the same time.
func (p *Protocol) storeSessionKey(peer string, secret []byte, initiator string) error {
	key, err := trust.DeriveSessionKey(secret, p.local, peer)
	if err != nil {
		return err
	}
	record, err := p.registry.Lookup(peer)
	if err != nil {
		return err
	}
	if record.SessionKey == nil || initiator == min(p.local, peer) {
		p.registry.SetSessionKey(peer, key)
	}
	return nil
}

func (p *Protocol) handleTraffic(origin Origin, pk *packet.Packet) error {
	hop := origin.Hop
	if hop == "" || p.blacklist[hop] || p.blacklist[pk.Sender] || !p.registry.IsTrusted(hop) {
		p.metrics.Drop(metrics.DropUntrusted)
		log.Debug().Str("node", p.local).Str("hop", hop).Str("sender", pk.Sender).Msg("untrusted packet dropped")
		return ErrUntrustedSender
	}

	if pk.Receiver == p.local {
		if pk.Flag == packet.Control {
			return p.handleControl(hop, pk)
		}
		p.emit(EventPacketReceived{
			Identifier: pk.Sender,
			Payload:    pk.Payload,
			Relayed:    pk.Flag == packet.Route,
		})
		return nil
	}

	if pk.Flag == packet.Control {
		p.metrics.Drop(metrics.DropMisdirected)
		return errMisdirected
	}
	return p.relay(hop, pk)
}

func (p *Protocol) handleControl(hop string, pk *packet.Packet) error {
	switch string(pk.Payload) {
	case packet.ControlBye:
		if pk.Sender == hop {
			log.Info().Str("node", p.local).Str("peer", hop).Msg("peer said bye")
			p.Disconnect(hop)
		}
	default:
		log.Debug().Str("node", p.local).Str("peer", hop).Msg("unknown control payload")
	}
	return nil
}

// relay forwards pk toward its receiver. Handing it to the receiver itself
// ends the walk and is not charged against the relay budget.
func (p *Protocol) relay(hop string, pk *packet.Packet) error {
	next, direct, err := p.router.NextHop(pk.Receiver, p.registry.Trusted(), hop)
	if err != nil {
		p.metrics.Drop(metrics.DropNoRoute)
		return err
	}
	if !direct && !p.relays.allow(pk) {
		p.metrics.Drop(metrics.DropBudget)
		log.Debug().Str("node", p.local).Str("receiver", pk.Receiver).Msg("relay budget exhausted")
		return nil
	}

	pk.Flag = packet.Route
	p.metrics.Relay()
	return p.transmitTo(next, pk)
}

// Send delivers message to a trusted neighbour. Anything else is logged and dropped.
func (p *Protocol) Send(receiver string, message []byte) {
	if p.closed {
		return
	}
	record, err := p.registry.Lookup(receiver)
	if err != nil || !record.Trusted {
		p.metrics.Drop(metrics.DropUnknownPeer)
		log.Warn().Str("node", p.local).Str("receiver", receiver).Msg("send to unknown peer dropped")
		return
	}
	p.transmit(Target{Identifier: receiver, Endpoint: record.Endpoint}, packet.NewMessage(receiver, p.local, message))
}

// Route sends directly to a neighbour, otherwise hands message to a randomly chosen relay.
func (p *Protocol) Route(receiver string, message []byte) error {
	if p.closed {
		return ErrClosed
	}
	if receiver == p.local {
		return ErrLoopback
	}
	next, direct, err := p.router.NextHop(receiver, p.registry.Trusted(), "")
	if err != nil {
		p.metrics.Drop(metrics.DropNoRoute)
		return err
	}

	pk := packet.NewMessage(receiver, p.local, message)
	if !direct {
		pk.Flag = packet.Route
	}
	return p.transmitTo(next, pk)
}

// Blacklist forgets identifier and refuses its traffic until a fresh
// certificate exchange succeeds.
func (p *Protocol) Blacklist(identifier string) {
	p.blacklist[identifier] = true
	log.Warn().Str("node", p.local).Str("peer", identifier).Msg("blacklisted")
	p.Disconnect(identifier)
}

// Disconnect drops the registry entry of identifier after a transport-level disconnect.
func (p *Protocol) Disconnect(identifier string) {
	p.engine.Forget(identifier)
	if !p.registry.Remove(identifier) {
		return
	}
	p.metrics.SetPeers(len(p.registry.Trusted()))
	p.emit(EventPeerDisconnected{Identifier: identifier})
}

// Farewell tells every trusted neighbour this node is leaving.
func (p *Protocol) Farewell() {
	if p.closed {
		return
	}
	for _, neighbour := range p.registry.Trusted() {
		p.transmitTo(neighbour, packet.NewControl(neighbour, p.local, []byte(packet.ControlBye)))
	}
}

// Shutdown stops the protocol and closes the event stream. It is idempotent.
func (p *Protocol) Shutdown() {
	if p.closed {
		return
	}
	p.closed = true
	close(p.events)
}
