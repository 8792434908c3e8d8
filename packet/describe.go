package packet

import (
	"encoding/base64"
	"strconv"
	"strings"
)

const maxDescribedCharacters = 20

// Describe renders raw for the diagnostic log stream. Long byte fields are
// trimmed to their first and last 20 characters.
func Describe(raw []byte) string {
	p, err := Decode(raw)
	if err != nil {
		return "Packet: " + err.Error() + "\n"
	}

	var sb strings.Builder
	sb.WriteString("Version: " + strconv.Itoa(p.Version) + "\n")
	sb.WriteString("Flag: " + p.Flag.String() + "\n")
	sb.WriteString("Receiver: " + p.Receiver + "\n")
	switch p.Flag {
	case Discovery:
		sb.WriteString("Certificate: " + trimBytes(p.Certificate) + "\n")
	case Authorization:
		sb.WriteString("Certificate: " + trimBytes(p.Certificate) + "\n")
		sb.WriteString("Ciphertext: " + trimBytes(p.Ciphertext) + "\n")
	default:
		sb.WriteString("Sender: " + p.Sender + "\n")
		sb.WriteString("Message: " + trimBytes(p.Payload) + "\n")
	}
	return sb.String()
}

func trimBytes(b []byte) string {
	text := base64.StdEncoding.EncodeToString(b)
	if len(text) > maxDescribedCharacters {
		return text[:maxDescribedCharacters] + " ... " + text[len(text)-maxDescribedCharacters:]
	}
	return text
}
