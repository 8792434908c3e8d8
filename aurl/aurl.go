package aurl

import (
	"net"
	"net/netip"
	"strconv"
	"strings"
)

const Scheme = "hivecom"

// AURL names a peer and the addresses it can be reached at.
type AURL struct {
	identifier string
	addresses  []*net.UDPAddr
}

func New(identifier string, addresses ...*net.UDPAddr) *AURL {
	return &AURL{identifier: identifier, addresses: addresses}
}

// hivecom:A:192.168.0.7:1235
// hivecom:A:[2001:db8:85a3:8d3:1319:8a2e:370:7348]:1235|192.168.0.7:1235
// hivecom:A
func (a *AURL) ToString() string {
	if len(a.addresses) == 0 {
		return Scheme + ":" + a.identifier
	}
	candidates_string := make([]string, len(a.addresses))
	for i, c := range a.addresses {
		candidates_string[i] = c.String()
	}
	return Scheme + ":" + a.identifier + ":" + strings.Join(candidates_string, "|")
}

func (a *AURL) String() string {
	return a.ToString()
}

func (a *AURL) Identifier() string {
	return a.identifier
}
func (a *AURL) Addresses() []*net.UDPAddr {
	return a.addresses
}

type AURLParseError struct {
	Code int
}

func (u *AURLParseError) Error() string {
	var msg string
	switch u.Code {
	case 100:
		msg = "unsupported protocol"
	case 101:
		msg = "invalid format"
	case 102:
		msg = "identifier missing"
	case 103:
		msg = "address candidate parse fail"
	default:
		msg = "unknown error (" + strconv.Itoa(u.Code) + ")"
	}
	return "failed to parse hivecom URL: " + msg
}

func ParseAURL(raw string) (*AURL, error) {
	body, ok := strings.CutPrefix(raw, Scheme+":")
	if !ok {
		return nil, &AURLParseError{Code: 100}
	}
	body = strings.TrimPrefix(body, "//")
	if strings.ContainsAny(body, "\n/") {
		return nil, &AURLParseError{Code: 101}
	}

	id_endpos := strings.IndexByte(body, ':')
	if id_endpos == -1 {
		if body == "" {
			return nil, &AURLParseError{Code: 102}
		}
		return &AURL{
			identifier: body,
			addresses:  []*net.UDPAddr{},
		}, nil
	}
	identifier := body[:id_endpos]
	if len(identifier) < 1 {
		return nil, &AURLParseError{Code: 102}
	}

	c_split := strings.Split(body[id_endpos+1:], "|")
	candidates := make([]*net.UDPAddr, len(c_split))
	for i, candidate := range c_split {
		addrport, err := netip.ParseAddrPort(candidate)
		if err != nil {
			return nil, &AURLParseError{Code: 103}
		}
		cand := net.UDPAddrFromAddrPort(addrport)
		if cand.Port == 0 {
			return nil, &AURLParseError{Code: 103}
		}
		candidates[i] = cand
	}

	return &AURL{
		identifier: identifier,
		addresses:  candidates,
	}, nil
}
