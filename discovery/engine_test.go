package discovery_test

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hivecom_core/discovery"
)

func TestParseAnnouncement(t *testing.T) {
	a, err := discovery.ParseAnnouncement("HiveCom-Desktop; A")
	require.NoError(t, err)
	assert.Equal(t, discovery.Announcement{Client: discovery.Desktop, Identifier: "A"}, a)

	a, err = discovery.ParseAnnouncement("HiveCom-IoT; sensor-7")
	require.NoError(t, err)
	assert.Equal(t, discovery.Embedded, a.Client)

	_, err = discovery.ParseAnnouncement("HiveCom-Desktop A")
	assert.ErrorIs(t, err, discovery.ErrMalformedAnnouncement)
	_, err = discovery.ParseAnnouncement("HiveCom-Desktop; ")
	assert.ErrorIs(t, err, discovery.ErrMalformedAnnouncement)
	_, err = discovery.ParseAnnouncement("a; b; c")
	assert.ErrorIs(t, err, discovery.ErrMalformedAnnouncement)
	_, err = discovery.ParseAnnouncement("HiveCom-Toaster; A")
	assert.ErrorIs(t, err, discovery.ErrUnknownClientType)
}

func TestFormatAnnouncementRoundTrip(t *testing.T) {
	for _, client := range []discovery.ClientType{discovery.Desktop, discovery.Mobile, discovery.Embedded} {
		a, err := discovery.ParseAnnouncement(discovery.FormatAnnouncement(client, "node"))
		require.NoError(t, err)
		assert.Equal(t, client, a.Client)
		assert.Equal(t, "node", a.Identifier)
	}
}

func TestSelfAnnouncementIsSuppressed(t *testing.T) {
	e := discovery.NewEngine("A")

	_, err := e.HandleAnnouncement("HiveCom-Desktop; A")
	assert.ErrorIs(t, err, discovery.ErrSelfAnnouncement)
	assert.Equal(t, discovery.Unknown, e.State("A"))
}

func TestUnknownClientTypeLeavesNoState(t *testing.T) {
	e := discovery.NewEngine("A")

	_, err := e.HandleAnnouncement("HiveCom-Watch; B")
	assert.ErrorIs(t, err, discovery.ErrUnknownClientType)
	assert.Equal(t, discovery.Unknown, e.State("B"))
}

func TestCandidateLifecycle(t *testing.T) {
	e := discovery.NewEngine("A")

	a, err := e.HandleAnnouncement("HiveCom-Mobile; B")
	require.NoError(t, err)
	assert.Equal(t, "B", a.Identifier)
	assert.Equal(t, discovery.AnnouncementSeen, e.State("B"))

	e.Exchange("B")
	assert.Equal(t, discovery.CertificateExchanged, e.State("B"))

	assert.True(t, e.Accept("B"))
	assert.False(t, e.Accept("B"), "second accept is not a new trust")
	assert.Equal(t, discovery.Trusted, e.State("B"))

	// re-announcement and a repeated exchange keep trust
	_, err = e.HandleAnnouncement("HiveCom-Mobile; B")
	require.NoError(t, err)
	e.Exchange("B")
	assert.Equal(t, discovery.Trusted, e.State("B"))

	e.Forget("B")
	assert.Equal(t, discovery.Unknown, e.State("B"))
	assert.True(t, e.Accept("B"), "trust after forget is new again")

	e.Reject("B")
	assert.Equal(t, discovery.Rejected, e.State("B"))
	_, err = e.HandleAnnouncement("HiveCom-Mobile; B")
	require.NoError(t, err)
	assert.Equal(t, discovery.AnnouncementSeen, e.State("B"))
}

func TestCandidatesAreBounded(t *testing.T) {
	e := discovery.NewEngine("A")
	e.Accept("T")

	for i := 0; i < 3*discovery.MaxCandidates; i++ {
		_, err := e.HandleAnnouncement(discovery.FormatAnnouncement(discovery.Desktop, "flood-"+strconv.Itoa(i)))
		require.NoError(t, err)
		_, err = e.HandleAnnouncement("HiveCom-Watch; junk-" + strconv.Itoa(i))
		require.ErrorIs(t, err, discovery.ErrUnknownClientType)
	}

	remembered := 0
	for i := 0; i < 3*discovery.MaxCandidates; i++ {
		if e.State("flood-"+strconv.Itoa(i)) != discovery.Unknown {
			remembered++
		}
		assert.Equal(t, discovery.Unknown, e.State("junk-"+strconv.Itoa(i)))
	}
	assert.Equal(t, discovery.MaxCandidates, remembered)
	assert.Equal(t, discovery.AnnouncementSeen, e.State("flood-"+strconv.Itoa(3*discovery.MaxCandidates-1)))
	assert.Equal(t, discovery.Trusted, e.State("T"), "trusted peers survive a flood")
}
