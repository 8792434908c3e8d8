package aurl_test

import (
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hivecom_core/aurl"
)

func TestParseAURL(t *testing.T) {
	u, err := aurl.ParseAURL("hivecom:A:192.168.0.7:1235")
	require.NoError(t, err)
	assert.Equal(t, "A", u.Identifier())
	require.Len(t, u.Addresses(), 1)
	assert.Equal(t, "192.168.0.7:1235", u.Addresses()[0].String())

	u, err = aurl.ParseAURL("hivecom://sensor-7:[2001:db8::1]:1235|10.0.0.2:1300")
	require.NoError(t, err)
	assert.Equal(t, "sensor-7", u.Identifier())
	require.Len(t, u.Addresses(), 2)
	assert.Equal(t, 1300, u.Addresses()[1].Port)

	u, err = aurl.ParseAURL("hivecom:B")
	require.NoError(t, err)
	assert.Empty(t, u.Addresses())
	assert.Equal(t, "hivecom:B", u.ToString())
}

func TestParseAURLErrors(t *testing.T) {
	cases := map[string]int{
		"udp:A:1.2.3.4:5":      100,
		"hivecom:A/path":       101,
		"hivecom:":             102,
		"hivecom::1.2.3.4:5":   102,
		"hivecom:A:1.2.3.4":    103,
		"hivecom:A:1.2.3.4:0":  103,
		"hivecom:A:nowhere:80": 103,
	}
	for raw, code := range cases {
		_, err := aurl.ParseAURL(raw)
		var parse_err *aurl.AURLParseError
		require.True(t, errors.As(err, &parse_err), raw)
		assert.Equal(t, code, parse_err.Code, raw)
	}
}

func TestToStringRoundTrip(t *testing.T) {
	u := aurl.New("A", &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 1235}, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1236})
	parsed, err := aurl.ParseAURL(u.ToString())
	require.NoError(t, err)
	assert.Equal(t, u.ToString(), parsed.ToString())
	assert.Equal(t, "hivecom:A:10.0.0.1:1235|127.0.0.1:1236", u.String())
}
