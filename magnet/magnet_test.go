package magnet

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/btengine/engine/core"
)

func TestParseBasic(t *testing.T) {
	require := require.New(t)

	ih := core.InfoHashFixture()
	raw := "magnet:?xt=urn:btih:" + ih.Hex() + "&dn=ubuntu.iso&tr=http%3A%2F%2Ftracker.example.com%2Fannounce&x.pe=1.2.3.4%3A6881"

	l, err := Parse(raw)
	require.NoError(err)
	require.Equal(ih, l.InfoHash)
	require.Equal("ubuntu.iso", l.Name)
	require.Equal([]string{"http://tracker.example.com/announce"}, l.Trackers)
	require.Equal([]PeerHint{{IP: "1.2.3.4", Port: 6881}}, l.PeerHints)
}

func TestParseMissingInfoHash(t *testing.T) {
	_, err := Parse("magnet:?dn=foo")
	require.Equal(t, ErrMissingInfoHash, err)
}

func TestParseNotMagnet(t *testing.T) {
	_, err := Parse("http://example.com")
	require.Equal(t, ErrNotAMagnetLink, err)
}

func TestRoundTrip(t *testing.T) {
	require := require.New(t)

	ih := core.InfoHashFixture()
	l := &Link{
		InfoHash:  ih,
		Name:      "foo",
		Trackers:  []string{"udp://tracker.example.com:80"},
		PeerHints: []PeerHint{{IP: "10.0.0.1", Port: 1234}},
	}
	reparsed, err := Parse(l.String())
	require.NoError(err)
	require.Equal(l, reparsed)
}
