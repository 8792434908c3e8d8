package net_service

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/phuslu/log"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	hivecom "hivecom_core"
	"hivecom_core/aurl"
	"hivecom_core/metrics"
	"hivecom_core/packet"
	"hivecom_core/registry"
	"hivecom_core/routing"
	"hivecom_core/trust"
)

const reactorQueueSize = 1024

// NetService is the DataLink over the real network: UDP broadcast for
// announcements, HTTP/3 over QUIC for packets. Protocol state is owned by a
// single reactor goroutine; sockets and handlers only post work to it.
type NetService struct {
	conf     Config
	identity *trust.Identity
	protocol *hivecom.Protocol
	metrics  *metrics.Node
	selector *AddressSelector

	quicTransport *quic.Transport
	tlsConf       *tls.Config
	quicConf      *quic.Config
	h3Server      *http3.Server
	h3Client      *http3.Transport
	client        *http.Client
	port          int

	broadcastConn *net.UDPConn
	broadcastAddr *net.UDPAddr
	mtx           *sync.Mutex

	reactor      chan func()
	sessions     map[string]*peerSession // endpoint -> session, reactor only
	sessionGroup *sync.WaitGroup

	closing   chan struct{}
	done      chan struct{}
	closeOnce *sync.Once
	closeErr  error
}

var _ hivecom.DataLink = (*NetService)(nil)

type transmitter struct {
	service *NetService
}

func (t transmitter) Transmit(target hivecom.Target, flag packet.MessageFlag, raw []byte) {
	t.service.transmit(target, flag, raw)
}

func NewNetService(conf Config, identity *trust.Identity, authority hivecom.CertificateAuthority) (*NetService, error) {
	if conf.Scheme == "" {
		conf.Scheme = "https"
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	if identity == nil || identity.Identifier != conf.Identifier {
		return nil, errors.New("identity does not match configured identifier")
	}

	result := new(NetService)
	result.conf = conf
	result.identity = identity
	result.metrics = conf.Metrics.Node(conf.Identifier)
	result.mtx = new(sync.Mutex)
	result.reactor = make(chan func(), reactorQueueSize)
	result.sessions = make(map[string]*peerSession)
	result.sessionGroup = new(sync.WaitGroup)
	result.closing = make(chan struct{})
	result.done = make(chan struct{})
	result.closeOnce = new(sync.Once)
	result.port = conf.MessagePort

	local_ip, err := LocalIP()
	if err != nil {
		local_ip = net.IPv4zero
	}
	result.selector = NewAddressSelector(local_ip)

	if !conf.DisableBroadcast {
		result.broadcastAddr, err = net.ResolveUDPAddr("udp4", net.JoinHostPort(conf.BroadcastAddress, strconv.Itoa(conf.BroadcastPort)))
		if err != nil {
			return nil, err
		}
	}

	if !conf.DisableHTTP3 {
		udpConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: conf.MessagePort})
		if err != nil {
			return nil, err
		}
		result.port = udpConn.LocalAddr().(*net.UDPAddr).Port
		result.quicTransport = &quic.Transport{Conn: udpConn}
		if result.tlsConf, err = NewDefaultTlsConf(conf.Identifier); err != nil {
			udpConn.Close()
			return nil, err
		}
		result.quicConf = NewDefaultQuicConf()
		result.h3Client = &http3.Transport{
			TLSClientConfig: result.tlsConf,
			QUICConfig:      result.quicConf,
			Dial: func(ctx context.Context, addr string, tlsCfg *tls.Config, cfg *quic.Config) (quic.EarlyConnection, error) {
				udpAddr, err := net.ResolveUDPAddr("udp", addr)
				if err != nil {
					return nil, err
				}
				return result.quicTransport.DialEarly(ctx, udpAddr, tlsCfg, cfg)
			},
		}
		result.client = &http.Client{Transport: result.h3Client, Timeout: conf.RequestTimeout}
	}
	if conf.HTTPClient != nil {
		result.client = conf.HTTPClient
	}

	relay_window := conf.RelayWindow
	if relay_window <= 0 {
		relay_window = 3 * conf.RequestTimeout
	}
	result.protocol, err = hivecom.NewProtocol(hivecom.ProtocolConfig{
		Identifier:  conf.Identifier,
		Client:      conf.Client,
		Certificate: identity.Certificate,
		Authority:   authority,
		KeyExchange: identity.KEM,
		Transmitter: transmitter{result},
		Router:      routing.NewRouter(conf.RoutingPolicy, conf.RoutingSource),
		RelayBudget: conf.RelayBudget,
		RelayWindow: relay_window,
		Trace:       conf.Trace,
		Metrics:     result.metrics,
	})
	if err != nil {
		result.closeNetwork()
		return nil, err
	}
	if !conf.DisableHTTP3 {
		result.h3Server = &http3.Server{
			Handler:    result.Handler(),
			QUICConfig: result.quicConf,
		}
	}

	go result.runReactor()
	return result, nil
}

func (s *NetService) runReactor() {
	defer close(s.done)
	for {
		select {
		case task := <-s.reactor:
			task()
		case <-s.closing:
			return
		}
	}
}

// post hands task to the reactor. It reports false once the service is closing.
func (s *NetService) post(task func()) bool {
	select {
	case <-s.closing:
		return false
	default:
	}
	select {
	case s.reactor <- task:
		return true
	case <-s.closing:
		return false
	}
}

// LocalAURL lists the addresses this node can be reached at.
func (s *NetService) LocalAURL() *aurl.AURL {
	addresses := []*net.UDPAddr{{IP: net.IPv4(127, 0, 0, 1), Port: s.port}}
	if local_ip := s.selector.localPrivateAddr; !local_ip.Equal(net.IPv4zero) {
		addresses = append([]*net.UDPAddr{{IP: local_ip, Port: s.port}}, addresses...)
	}
	return aurl.New(s.conf.Identifier, addresses...)
}

// Port is the advertised message port.
func (s *NetService) Port() int {
	return s.port
}

// ListenAndServe runs the broadcast listener, the HTTP/3 server and the
// periodic announcer until ctx is done or the service is closed.
func (s *NetService) ListenAndServe(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)

	if !s.conf.DisableBroadcast {
		conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: s.conf.BroadcastPort})
		if err != nil {
			log.Warn().Str("node", s.conf.Identifier).Err(err).Msg("broadcast listener unavailable, announcements disabled")
		} else {
			s.mtx.Lock()
			s.broadcastConn = conn
			s.mtx.Unlock()
			group.Go(func() error {
				return s.serveBroadcast(conn)
			})
		}
	}

	if !s.conf.DisableHTTP3 {
		listener, err := s.quicTransport.ListenEarly(s.tlsConf, s.quicConf)
		if err != nil {
			return err
		}
		group.Go(func() error {
			err := s.h3Server.ServeListener(listener)
			if errors.Is(err, http.ErrServerClosed) || errors.Is(err, quic.ErrServerClosed) || s.isClosing() {
				return nil
			}
			return err
		})
	}

	if s.conf.DiscoveryInterval > 0 {
		group.Go(func() error {
			ticker := time.NewTicker(s.conf.DiscoveryInterval)
			defer ticker.Stop()
			s.SendDiscovery()
			for {
				select {
				case <-ticker.C:
					s.SendDiscovery()
				case <-ctx.Done():
					return nil
				case <-s.closing:
					return nil
				}
			}
		})
	}

	group.Go(func() error {
		select {
		case <-ctx.Done():
			return s.Close()
		case <-s.closing:
			return nil
		}
	})

	log.Info().Str("node", s.conf.Identifier).Str("aurl", s.LocalAURL().ToString()).Msg("serving")
	return group.Wait()
}

func (s *NetService) isClosing() bool {
	select {
	case <-s.closing:
		return true
	default:
		return false
	}
}

func (s *NetService) Identifier() string {
	return s.conf.Identifier
}

// SendDiscovery broadcasts the announcement and offers the certificate to every static peer.
func (s *NetService) SendDiscovery() {
	s.post(func() {
		s.announce()
		for _, peer := range s.conf.StaticPeers {
			if peer.Identifier() == s.conf.Identifier {
				continue
			}
			address, ok := s.selector.Select(peer.Addresses())
			if !ok {
				log.Warn().Str("node", s.conf.Identifier).Str("peer", peer.ToString()).Msg("no usable address")
				continue
			}
			s.protocol.SendDiscoveryTo(hivecom.Target{Identifier: peer.Identifier(), Endpoint: address.String()})
		}
	})
}

func (s *NetService) Send(receiver string, message []byte) {
	s.post(func() {
		s.protocol.Send(receiver, message)
	})
}

// Route waits until the reactor has handed the message to its first hop.
func (s *NetService) Route(receiver string, message []byte) error {
	result := make(chan error, 1)
	if !s.post(func() {
		result <- s.protocol.Route(receiver, message)
	}) {
		return hivecom.ErrClosed
	}
	select {
	case err := <-result:
		return err
	case <-s.done:
		select {
		case err := <-result:
			return err
		default:
			return hivecom.ErrClosed
		}
	}
}

func (s *NetService) BlacklistConnection(identifier string) {
	s.post(func() {
		s.protocol.Blacklist(identifier)
		s.dropSessionsOf(identifier)
	})
}

func (s *NetService) Peers() []registry.PeerRecord {
	return s.protocol.Peers()
}

func (s *NetService) IsTrusted(identifier string) bool {
	return s.protocol.IsTrusted(identifier)
}

func (s *NetService) Events() <-chan hivecom.Event {
	return s.protocol.Events()
}

// Close says goodbye to every neighbour, waits up to RequestTimeout for the
// outbound queues to drain, then stops the reactor and releases the sockets.
func (s *NetService) Close() error {
	s.closeOnce.Do(func() {
		finished := make(chan struct{})
		if s.post(func() {
			defer close(finished)
			s.protocol.Farewell()
			s.protocol.Shutdown()
			for endpoint, session := range s.sessions {
				session.close()
				delete(s.sessions, endpoint)
			}
		}) {
			select {
			case <-finished:
			case <-s.done:
			}
		}

		flushed := make(chan struct{})
		go func() {
			s.sessionGroup.Wait()
			close(flushed)
		}()
		select {
		case <-flushed:
		case <-time.After(s.conf.RequestTimeout):
			log.Warn().Str("node", s.conf.Identifier).Msg("outbound queues not flushed before close")
		}

		close(s.closing)
		<-s.done
		s.closeErr = s.closeNetwork()
		log.Info().Str("node", s.conf.Identifier).Msg("closed")
	})
	return s.closeErr
}

func (s *NetService) closeNetwork() error {
	var err error
	if s.h3Server != nil {
		err = multierr.Append(err, s.h3Server.Close())
	}
	if s.h3Client != nil {
		err = multierr.Append(err, s.h3Client.Close())
	}
	if s.quicTransport != nil {
		err = multierr.Append(err, s.quicTransport.Close())
	}
	s.mtx.Lock()
	if s.broadcastConn != nil {
		err = multierr.Append(err, s.broadcastConn.Close())
		s.broadcastConn = nil
	}
	s.mtx.Unlock()
	return err
}
