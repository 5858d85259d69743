package sphinxcodec

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dflmix/peer/internal/keystore"
	"github.com/dflmix/peer/internal/peerid"
)

// testNet builds a small in-memory keystore per peer id, as if each peer
// had loaded its own Load() result plus everyone else's public keys.
func testNet(t *testing.T, n int) []*keystore.KeyStore {
	t.Helper()
	privs := make([]keystore.PrivateKey, n)
	pubs := make([]keystore.PublicKey, n)
	for i := 0; i < n; i++ {
		priv, pub, err := keystore.GenerateKeypair()
		require.NoError(t, err)
		privs[i] = priv
		pubs[i] = pub
	}
	pubMap := make(map[peerid.ID]keystore.PublicKey, n)
	for i, pk := range pubs {
		pubMap[peerid.ID(i)] = pk
	}
	stores := make([]*keystore.KeyStore, n)
	for i := 0; i < n; i++ {
		stores[i] = keystore.New(peerid.ID(i), privs[i], pubMap)
	}
	return stores
}

func TestBuildForwardDirectDelivery(t *testing.T) {
	stores := testNet(t, 2)
	params, err := NewParams(2, 256)
	require.NoError(t, err)

	payload := []byte("model-fragment-bytes")
	path := Path{Dest: peerid.ID(1)}
	pkt, err := BuildForward(params, stores[0], path, payload)
	require.NoError(t, err)
	require.Len(t, pkt.Header, params.HeaderLen())
	require.Len(t, pkt.Body, params.BodyLen)

	decision, err := ProcessInbound(params, stores[1], pkt)
	require.NoError(t, err)
	require.NotNil(t, decision.Deliver)
	require.Equal(t, payload, decision.Deliver.Payload[:len(payload)])
}

func TestBuildForwardThroughRelay(t *testing.T) {
	stores := testNet(t, 3)
	params, err := NewParams(2, 256)
	require.NoError(t, err)

	payload := []byte("fragment-via-relay")
	path := Path{Hops: []peerid.ID{1}, Dest: peerid.ID(2)}
	pkt, err := BuildForward(params, stores[0], path, payload)
	require.NoError(t, err)

	atRelay, err := ProcessInbound(params, stores[1], pkt)
	require.NoError(t, err)
	require.NotNil(t, atRelay.Relay)
	require.Equal(t, peerid.ID(2), atRelay.Relay.NextHop)

	atDest, err := ProcessInbound(params, stores[2], atRelay.Relay.Packet)
	require.NoError(t, err)
	require.NotNil(t, atDest.Deliver)
	require.Equal(t, payload, atDest.Deliver.Payload[:len(payload)])
}

func TestSURBRoundTrip(t *testing.T) {
	stores := testNet(t, 3)
	params, err := NewParams(2, 128)
	require.NoError(t, err)

	// Origin (0) builds a SURB terminating at itself via relay 1.
	returnPath := Path{Hops: []peerid.ID{1}, Dest: peerid.ID(0)}
	surb, err := NewSURB(params, stores[0], returnPath, 42)
	require.NoError(t, err)

	// Correspondent (2) received the SURB and wraps an ack in it.
	ack := []byte("ack-for-fragment-7")
	reply, err := BuildSURBReply(params, surb, ack)
	require.NoError(t, err)

	atRelay, err := ProcessInbound(params, stores[1], reply)
	require.NoError(t, err)
	require.NotNil(t, atRelay.Relay)
	require.Equal(t, peerid.ID(0), atRelay.Relay.NextHop)

	atOrigin, err := ProcessInbound(params, stores[0], atRelay.Relay.Packet)
	require.NoError(t, err)
	require.NotNil(t, atOrigin.SurbTerminal)
	require.Equal(t, ack, atOrigin.SurbTerminal.Payload[:len(ack)])
}

func TestProcessInboundRejectsTamperedHeader(t *testing.T) {
	stores := testNet(t, 2)
	params, err := NewParams(1, 64)
	require.NoError(t, err)

	pkt, err := BuildForward(params, stores[0], Path{Dest: peerid.ID(1)}, []byte("x"))
	require.NoError(t, err)
	pkt.Header[len(pkt.Header)-1] ^= 0xFF

	_, err = ProcessInbound(params, stores[1], pkt)
	require.Error(t, err)
}

func TestSelectPathRespectsMaxHops(t *testing.T) {
	params, err := NewParams(2, 64)
	require.NoError(t, err)
	peers := peerid.Table{
		0: {Host: "a", Port: 1},
		1: {Host: "b", Port: 2},
		2: {Host: "c", Port: 3},
		3: {Host: "d", Port: 4},
	}
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 50; i++ {
		p, err := SelectPath(rng, peers, 0, 3, nil, params, true)
		require.NoError(t, err)
		require.LessOrEqual(t, len(p.Hops), params.MaxHops)
		seen := map[peerid.ID]bool{}
		for _, h := range p.Hops {
			require.False(t, seen[h])
			seen[h] = true
			require.NotEqual(t, peerid.ID(0), h)
			require.NotEqual(t, peerid.ID(3), h)
		}
	}
}

func TestSelectPathDirectWhenMixingDisabled(t *testing.T) {
	params, err := NewParams(2, 64)
	require.NoError(t, err)
	peers := peerid.Table{0: {}, 1: {}, 2: {}}
	rng := rand.New(rand.NewSource(2))
	p, err := SelectPath(rng, peers, 0, 1, nil, params, false)
	require.NoError(t, err)
	require.Empty(t, p.Hops)
}
