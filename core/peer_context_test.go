package core

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewPeerContext(t *testing.T) {
	require := require.New(t)

	pctx, err := NewPeerContext(RandomPeerIDFactory, "zone1", "cluster1", "127.0.0.1", 9999, false)
	require.NoError(err)
	require.Equal("127.0.0.1", pctx.IP)
	require.Equal(9999, pctx.Port)
	require.False(pctx.Origin)
}

func TestNewPeerContextRequiresIPAndPort(t *testing.T) {
	require := require.New(t)

	_, err := NewPeerContext(RandomPeerIDFactory, "zone1", "cluster1", "", 9999, false)
	require.Error(err)

	_, err = NewPeerContext(RandomPeerIDFactory, "zone1", "cluster1", "127.0.0.1", 0, false)
	require.Error(err)
}

func TestNewPeerContextAddrHash(t *testing.T) {
	require := require.New(t)

	pctx1, err := NewPeerContext(AddrHashPeerIDFactory, "zone1", "cluster1", "127.0.0.1", 9999, false)
	require.NoError(err)
	pctx2, err := NewPeerContext(AddrHashPeerIDFactory, "zone1", "cluster1", "127.0.0.1", 9999, false)
	require.NoError(err)

	require.Equal(pctx1.PeerID, pctx2.PeerID)
}
