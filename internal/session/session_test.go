package session

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/op/go-logging.v1"

	"github.com/dflmix/peer/internal/peerid"
)

func testLogger() *logging.Logger {
	backend := logging.NewLogBackend(os.Stderr, "", 0)
	logging.SetBackend(backend)
	return logging.MustGetLogger("session-test")
}

func TestSessionSwitchConnectAndExchangeFrame(t *testing.T) {
	table := peerid.Table{
		0: {Host: "127.0.0.1", Port: 18341},
		1: {Host: "127.0.0.1", Port: 18342},
	}

	var mu sync.Mutex
	var received []byte
	gotFrame := make(chan struct{}, 1)
	handler := func(from peerid.ID, frame []byte) {
		mu.Lock()
		received = frame
		mu.Unlock()
		select {
		case gotFrame <- struct{}{}:
		default:
		}
	}

	log := testLogger()
	s0 := New(0, table, 16, handler, nil, log)
	s1 := New(1, table, 16, nil, nil, log)

	require.NoError(t, s0.Start())
	defer s0.CloseAll()
	require.NoError(t, s1.Start())
	defer s1.CloseAll()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	// Peer 0 has the lower id, so it dials peer 1.
	s0.ConnectPeers(ctx)

	require.Eventually(t, func() bool {
		return len(s1.ActivePeers()) == 1
	}, time.Second, 10*time.Millisecond)

	frame := make([]byte, 16)
	copy(frame, []byte("hello-peer-zero"))
	require.NoError(t, s1.SendTo(ctx, 0, frame))

	select {
	case <-gotFrame:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame")
	}
	mu.Lock()
	require.Equal(t, frame, received)
	mu.Unlock()
}

func TestClearLinkInvokesOnGone(t *testing.T) {
	table := peerid.Table{
		0: {Host: "127.0.0.1", Port: 18351},
		1: {Host: "127.0.0.1", Port: 18352},
	}
	log := testLogger()

	goneCh := make(chan peerid.ID, 1)
	s0 := New(0, table, 16, nil, func(peer peerid.ID) { goneCh <- peer }, log)
	s1 := New(1, table, 16, nil, nil, log)

	require.NoError(t, s0.Start())
	defer s0.CloseAll()
	require.NoError(t, s1.Start())
	defer s1.CloseAll()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s0.ConnectPeers(ctx)

	require.Eventually(t, func() bool {
		return len(s1.ActivePeers()) == 1
	}, time.Second, 10*time.Millisecond)

	s1.CloseAll()

	select {
	case peer := <-goneCh:
		require.Equal(t, peerid.ID(1), peer)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for onGone callback")
	}
}

func TestSendToUnknownPeerReturnsPeerGone(t *testing.T) {
	table := peerid.Table{0: {Host: "127.0.0.1", Port: 18343}}
	log := testLogger()
	s := New(0, table, 16, nil, nil, log)
	require.NoError(t, s.Start())
	defer s.CloseAll()

	err := s.SendTo(context.Background(), 99, make([]byte, 16))
	require.Error(t, err)
	var gone *PeerGone
	require.ErrorAs(t, err, &gone)
}
