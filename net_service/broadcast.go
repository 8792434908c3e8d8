package net_service

import (
	"errors"
	"net"
	"strconv"

	"github.com/phuslu/log"
)

const maxAnnouncementSize = 1024

// announce runs on the reactor.
func (s *NetService) announce() {
	s.mtx.Lock()
	conn := s.broadcastConn
	s.mtx.Unlock()
	if conn == nil || s.broadcastAddr == nil {
		return
	}
	if _, err := conn.WriteToUDP([]byte(s.protocol.Announcement()), s.broadcastAddr); err != nil {
		log.Warn().Str("node", s.conf.Identifier).Err(err).Msg("announcement")
	}
}

// serveBroadcast feeds every datagram heard on the broadcast port to the
// reactor. The sender is assumed to listen on PeerPort.
func (s *NetService) serveBroadcast(conn *net.UDPConn) error {
	buf := make([]byte, maxAnnouncementSize)
	for {
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || s.isClosing() {
				return nil
			}
			return err
		}
		raw := string(buf[:n])
		endpoint := net.JoinHostPort(addr.IP.String(), strconv.Itoa(s.conf.PeerPort))
		if !s.post(func() {
			s.protocol.HandleAnnouncement(raw, endpoint)
		}) {
			return nil
		}
	}
}
