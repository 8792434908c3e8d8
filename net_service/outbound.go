package net_service

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/phuslu/log"

	hivecom "hivecom_core"
	"hivecom_core/metrics"
	"hivecom_core/packet"
)

// PathOf maps a packet flag to the logical endpoint it is posted to.
func PathOf(flag packet.MessageFlag) string {
	switch flag {
	case packet.Discovery:
		return DiscoveryPath
	case packet.Authorization:
		return AuthorizationPath
	default:
		return MessagePath
	}
}

// transmit runs on the reactor and never blocks: a full session queue drops the packet.
func (s *NetService) transmit(target hivecom.Target, flag packet.MessageFlag, raw []byte) {
	session, ok := s.sessions[target.Endpoint]
	if !ok || session.target.Identifier != target.Identifier {
		if ok {
			s.closeSession(session)
		}
		session = s.openSession(target)
		s.sessions[target.Endpoint] = session
	}
	if !session.enqueue(outboundRequest{path: PathOf(flag), raw: raw}) {
		s.metrics.Drop(metrics.DropTransport)
		log.Warn().Str("node", s.conf.Identifier).Str("peer", target.Identifier).Str("flag", flag.String()).Msg("outbound queue full, packet dropped")
	}
}

func (s *NetService) deliver(target hivecom.Target, request outboundRequest) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.conf.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.conf.Scheme+"://"+target.Endpoint+request.path, bytes.NewReader(request.raw))
	if err != nil {
		return err
	}
	req.Header.Set(IdentifierHeader, s.conf.Identifier)
	req.Header.Set(ClientHeader, s.conf.Client.Tag())
	req.Header.Set(PortHeader, strconv.Itoa(s.port))

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusAccepted:
		return nil
	case resp.StatusCode >= http.StatusInternalServerError:
		return fmt.Errorf("peer answered %s", resp.Status)
	default:
		log.Debug().Str("node", s.conf.Identifier).Str("peer", target.Identifier).Int("status", resp.StatusCode).Msg("packet refused")
		return nil
	}
}
