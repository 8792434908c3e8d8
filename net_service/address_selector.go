package net_service

import (
	"net"
	"sync"
)

// AddressSelector picks which advertised address of a static peer to dial.
type AddressSelector struct {
	localPrivateAddr net.IP
	localPublicAddr  net.IP //can be added later

	mtx *sync.Mutex
}

func NewAddressSelector(local_private_addr net.IP) *AddressSelector {
	return &AddressSelector{
		local_private_addr,
		net.IPv4zero,
		new(sync.Mutex),
	}
}

// LocalIP returns the address of the interface that routes to the internet.
func LocalIP() (net.IP, error) {
	conn, err := net.DialUDP("udp", nil, &net.UDPAddr{
		IP:   net.IPv4(8, 8, 8, 8), // Google's public DNS as an example
		Port: 53,
	})
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	return conn.LocalAddr().(*net.UDPAddr).IP, nil
}

func (s *AddressSelector) SetPublicIP(ip net.IP) {
	s.mtx.Lock()
	s.localPublicAddr = ip
	s.mtx.Unlock()
}

// Select prefers public addresses, then a private one, then loopback.
func (s *AddressSelector) Select(addresses []*net.UDPAddr) (*net.UDPAddr, bool) {
	candidates := s.FilterAddressCandidates(addresses)
	if len(candidates) == 0 {
		return nil, false
	}
	return candidates[0], true
}

func (s *AddressSelector) FilterAddressCandidates(addresses []*net.UDPAddr) []*net.UDPAddr {
	public_addresses := make([]*net.UDPAddr, 0)

	var loopbackaddr *net.UDPAddr
	var privateaddr *net.UDPAddr

	for _, address := range addresses {
		if address.IP.Equal(net.IPv4zero) || address.IP.Equal(net.IPv4bcast) {
			continue
		}

		if address.IP.IsLoopback() {
			loopbackaddr = address
			continue
		}

		if address.IP.IsPrivate() {
			if privateaddr == nil {
				privateaddr = address
			}
			continue
		}

		s.mtx.Lock()
		is_pub_eq := address.IP.Equal(s.localPublicAddr)
		s.mtx.Unlock()
		if is_pub_eq {
			continue //ignore same public address
		}

		public_addresses = append(public_addresses, address)
	}

	if len(public_addresses) == 0 { //no public address found
		if privateaddr != nil && !privateaddr.IP.Equal(s.localPrivateAddr) {
			return []*net.UDPAddr{privateaddr}
		}

		if loopbackaddr != nil {
			return []*net.UDPAddr{loopbackaddr}
		}
		return []*net.UDPAddr{}
	}
	return public_addresses
}
