package core

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPeerInfoFromContext(t *testing.T) {
	require := require.New(t)

	pctx := PeerContextFixture()
	pi := PeerInfoFromContext(pctx, true)

	require.Equal(pctx.PeerID, pi.PeerID)
	require.Equal(pctx.IP, pi.IP)
	require.Equal(pctx.Port, pi.Port)
	require.True(pi.Complete)
}

func TestSortedByPeerID(t *testing.T) {
	require := require.New(t)

	peers := []*PeerInfo{
		PeerInfoFixture(),
		PeerInfoFixture(),
		PeerInfoFixture(),
	}
	sorted := SortedByPeerID(peers)
	require.Len(sorted, len(peers))
	for i := 1; i < len(sorted); i++ {
		require.True(sorted[i-1].PeerID.LessThan(sorted[i].PeerID) || sorted[i-1].PeerID == sorted[i].PeerID)
	}
}
