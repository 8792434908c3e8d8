package net_service

import (
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"

	"github.com/phuslu/log"

	hivecom "hivecom_core"
	"hivecom_core/discovery"
	"hivecom_core/metrics"
	"hivecom_core/packet"
)

const maxPacketSize = 1 << 20

var (
	errMissingIdentifier = errors.New("missing " + IdentifierHeader + " header")
	errBadPort           = errors.New("invalid " + PortHeader + " header")
)

// Handler serves the packet endpoints, /ping and, when a registry is configured, /metrics.
func (s *NetService) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+DiscoveryPath, s.servePacket)
	mux.HandleFunc("POST "+AuthorizationPath, s.servePacket)
	mux.HandleFunc("POST "+MessagePath, s.servePacket)
	mux.HandleFunc("GET "+PingPath, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("pong"))
	})
	if s.conf.MetricsRegistry != nil {
		mux.Handle("GET "+MetricsPath, metrics.Handler(s.conf.MetricsRegistry))
	}
	return mux
}

func (s *NetService) originOf(r *http.Request) (hivecom.Origin, error) {
	hop := r.Header.Get(IdentifierHeader)
	if hop == "" {
		return hivecom.Origin{}, errMissingIdentifier
	}
	client, err := discovery.ParseClientType(r.Header.Get(ClientHeader))
	if err != nil {
		return hivecom.Origin{}, err
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return hivecom.Origin{}, err
	}
	port := s.conf.PeerPort
	if advertised := r.Header.Get(PortHeader); advertised != "" {
		port, err = strconv.Atoi(advertised)
		if err != nil || port <= 0 || port > 65535 {
			return hivecom.Origin{}, errBadPort
		}
	}
	return hivecom.Origin{
		Endpoint: net.JoinHostPort(host, strconv.Itoa(port)),
		Hop:      hop,
		Client:   client,
	}, nil
}

// servePacket checks the envelope, then queues the packet for the reactor and
// answers 202 before it is processed.
func (s *NetService) servePacket(w http.ResponseWriter, r *http.Request) {
	origin, err := s.originOf(r)
	if err != nil {
		s.metrics.Drop(metrics.DropMalformed)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxPacketSize+1))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(raw) > maxPacketSize {
		s.metrics.Drop(metrics.DropMalformed)
		http.Error(w, "packet too large", http.StatusRequestEntityTooLarge)
		return
	}
	pk, err := packet.Decode(raw)
	if err != nil || PathOf(pk.Flag) != r.URL.Path {
		s.metrics.Drop(metrics.DropMalformed)
		http.Error(w, "malformed packet", http.StatusBadRequest)
		return
	}

	handshake := pk.Flag == packet.Discovery || pk.Flag == packet.Authorization
	if !s.post(func() {
		if !handshake {
			// traffic must come from where the hop was last seen
			if endpoint, ok := s.protocol.Endpoint(origin.Hop); ok && endpoint != origin.Endpoint {
				s.metrics.Drop(metrics.DropUntrusted)
				log.Debug().Str("node", s.conf.Identifier).Str("hop", origin.Hop).Str("endpoint", origin.Endpoint).Msg("hop endpoint mismatch")
				return
			}
		}
		s.protocol.HandleTransmission(origin, raw)
	}) {
		http.Error(w, hivecom.ErrClosed.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
