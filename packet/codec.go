package packet

import (
	"bytes"
	"encoding/base64"
	"strconv"
	"strings"
)

const fieldDelimiter = '\n'

type MalformedPacketError struct {
	Code int
}

const (
	MalformedEmpty = iota + 100
	MalformedVersion
	MalformedFlag
	MalformedFieldCount
	MalformedBytes
	MalformedIdentifier
)

func (e *MalformedPacketError) Error() string {
	var msg string
	switch e.Code {
	case MalformedEmpty:
		msg = "empty packet"
	case MalformedVersion:
		msg = "invalid version"
	case MalformedFlag:
		msg = "unrecognized flag"
	case MalformedFieldCount:
		msg = "field count does not match flag"
	case MalformedBytes:
		msg = "invalid byte field encoding"
	case MalformedIdentifier:
		msg = "empty receiver or sender"
	default:
		msg = "unknown error (" + strconv.Itoa(e.Code) + ")"
	}
	return "malformed packet: " + msg
}

type EncodingError struct {
	Field string
}

func (e *EncodingError) Error() string {
	return "failed to encode packet: missing or invalid " + e.Field
}

// Encode serializes p into the newline-delimited wire format.
func Encode(p *Packet) ([]byte, error) {
	if p == nil {
		return nil, &EncodingError{Field: "packet"}
	}
	if p.Version <= 0 {
		return nil, &EncodingError{Field: "version"}
	}
	if !p.Flag.Valid() {
		return nil, &EncodingError{Field: "flag"}
	}
	if err := checkIdentifier("receiver", p.Receiver); err != nil {
		return nil, err
	}

	fields := make([]string, 0, p.Flag.fieldCount())
	fields = append(fields, strconv.Itoa(p.Version), strconv.Itoa(int(p.Flag)), p.Receiver)

	switch p.Flag {
	case Discovery:
		if len(p.Certificate) == 0 {
			return nil, &EncodingError{Field: "certificate"}
		}
		fields = append(fields, encodeBytes(p.Certificate))
	case Authorization:
		if len(p.Certificate) == 0 {
			return nil, &EncodingError{Field: "certificate"}
		}
		if len(p.Ciphertext) == 0 {
			return nil, &EncodingError{Field: "ciphertext"}
		}
		fields = append(fields, encodeBytes(p.Certificate), encodeBytes(p.Ciphertext))
	default:
		if err := checkIdentifier("sender", p.Sender); err != nil {
			return nil, err
		}
		fields = append(fields, p.Sender, encodeBytes(p.Payload))
	}
	return []byte(strings.Join(fields, string(fieldDelimiter))), nil
}

// Decode parses version and flag, then exactly the fields the flag mandates.
// Every packet Decode accepts is accepted by Encode as well.
func Decode(raw []byte) (*Packet, error) {
	if len(raw) == 0 {
		return nil, &MalformedPacketError{Code: MalformedEmpty}
	}
	fields := bytes.Split(raw, []byte{fieldDelimiter})
	if len(fields) < 2 {
		return nil, &MalformedPacketError{Code: MalformedFieldCount}
	}

	version, err := strconv.Atoi(string(fields[0]))
	if err != nil || version <= 0 {
		return nil, &MalformedPacketError{Code: MalformedVersion}
	}
	flag_value, err := strconv.Atoi(string(fields[1]))
	if err != nil {
		return nil, &MalformedPacketError{Code: MalformedFlag}
	}
	flag := MessageFlag(flag_value)
	if !flag.Valid() {
		return nil, &MalformedPacketError{Code: MalformedFlag}
	}
	if len(fields) != flag.fieldCount() {
		return nil, &MalformedPacketError{Code: MalformedFieldCount}
	}

	if len(fields[2]) == 0 {
		return nil, &MalformedPacketError{Code: MalformedIdentifier}
	}
	result := &Packet{
		Version:  version,
		Flag:     flag,
		Receiver: string(fields[2]),
	}
	switch flag {
	case Discovery:
		if result.Certificate, err = decodeRequiredBytes(fields[3]); err != nil {
			return nil, err
		}
	case Authorization:
		if result.Certificate, err = decodeRequiredBytes(fields[3]); err != nil {
			return nil, err
		}
		if result.Ciphertext, err = decodeRequiredBytes(fields[4]); err != nil {
			return nil, err
		}
	default:
		if len(fields[3]) == 0 {
			return nil, &MalformedPacketError{Code: MalformedIdentifier}
		}
		result.Sender = string(fields[3])
		if result.Payload, err = decodeBytes(fields[4]); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func checkIdentifier(field string, identifier string) error {
	if identifier == "" || strings.ContainsRune(identifier, fieldDelimiter) {
		return &EncodingError{Field: field}
	}
	return nil
}

func encodeBytes(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

func decodeRequiredBytes(field []byte) ([]byte, error) {
	if len(field) == 0 {
		return nil, &MalformedPacketError{Code: MalformedBytes}
	}
	return decodeBytes(field)
}

func decodeBytes(field []byte) ([]byte, error) {
	if len(field) == 0 {
		return nil, nil
	}
	result := make([]byte, base64.StdEncoding.DecodedLen(len(field)))
	n, err := base64.StdEncoding.Decode(result, field)
	if err != nil {
		return nil, &MalformedPacketError{Code: MalformedBytes}
	}
	return result[:n], nil
}
