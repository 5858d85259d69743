package peerlink

import (
	"context"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/op/go-logging.v1"
)

func testLogger() *logging.Logger {
	backend := logging.NewLogBackend(os.Stderr, "", 0)
	logging.SetBackend(backend)
	return logging.MustGetLogger("peerlink-test")
}

func TestSendRecvRoundTrip(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	serverConnCh := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		require.NoError(t, err)
		serverConnCh <- c
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	log := testLogger()
	clientLink, err := Create(ctx, 1, ln.Addr().String(), 16, log)
	require.NoError(t, err)
	defer clientLink.Close()

	serverConn := <-serverConnCh
	serverLink := FromAccepted(2, serverConn, 16, log)
	defer serverLink.Close()

	frame := make([]byte, 16)
	copy(frame, []byte("hello-over-wire"))
	require.NoError(t, clientLink.Send(ctx, frame))

	got, err := serverLink.Recv()
	require.NoError(t, err)
	require.Equal(t, frame, got)
}

func TestSendRejectsWrongFrameLength(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		c, _ := ln.Accept()
		if c != nil {
			c.Close()
		}
	}()

	ctx := context.Background()
	log := testLogger()
	link, err := Create(ctx, 1, ln.Addr().String(), 16, log)
	require.NoError(t, err)
	defer link.Close()

	err = link.Send(ctx, []byte("too-short"))
	require.Error(t, err)
}

func TestCloseMarksInactive(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		c, _ := ln.Accept()
		if c != nil {
			c.Close()
		}
	}()

	ctx := context.Background()
	log := testLogger()
	link, err := Create(ctx, 1, ln.Addr().String(), 16, log)
	require.NoError(t, err)

	require.True(t, link.IsActive())
	require.NoError(t, link.Close())
	require.False(t, link.IsActive())
}

func TestCreateFailsOnUnreachableAddress(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()
	log := testLogger()

	_, err := Create(ctx, 1, "127.0.0.1:1", 16, log)
	require.Error(t, err)
}
