package net_service

import (
	"github.com/phuslu/log"

	hivecom "hivecom_core"
	"hivecom_core/metrics"
	"hivecom_core/watchdog"
)

const sessionQueueSize = 64

type outboundRequest struct {
	path string
	raw  []byte
}

// peerSession serializes the requests sent to one endpoint. It is opened on
// the first transmission and closed by the reactor on disconnect.
type peerSession struct {
	target hivecom.Target
	queue  chan outboundRequest
	closed bool
}

func (s *peerSession) enqueue(request outboundRequest) bool {
	if s.closed {
		return false
	}
	select {
	case s.queue <- request:
		return true
	default:
		return false
	}
}

func (s *peerSession) close() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.queue)
}

func (s *NetService) openSession(target hivecom.Target) *peerSession {
	session := &peerSession{
		target: target,
		queue:  make(chan outboundRequest, sessionQueueSize),
	}
	watchdog.CountHandleExport()
	s.sessionGroup.Add(1)
	go s.runSession(session)
	return session
}

func (s *NetService) runSession(session *peerSession) {
	defer s.sessionGroup.Done()
	defer watchdog.CountHandleRelease()

	for request := range session.queue {
		err := s.deliver(session.target, request)
		if err == nil {
			continue
		}
		log.Warn().Str("node", s.conf.Identifier).Str("peer", session.target.Identifier).Str("endpoint", session.target.Endpoint).Err(err).Msg("transport failure")
		s.metrics.Drop(metrics.DropTransport)
		s.post(func() {
			s.closeSession(session)
			s.protocol.Disconnect(session.target.Identifier)
		})
		for range session.queue {
		}
		return
	}
}

// closeSession runs on the reactor.
func (s *NetService) closeSession(session *peerSession) {
	if current, ok := s.sessions[session.target.Endpoint]; ok && current == session {
		delete(s.sessions, session.target.Endpoint)
	}
	session.close()
}

// dropSessionsOf runs on the reactor.
func (s *NetService) dropSessionsOf(identifier string) {
	for _, session := range s.sessions {
		if session.target.Identifier == identifier {
			s.closeSession(session)
		}
	}
}
