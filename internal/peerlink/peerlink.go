// Package peerlink manages one TCP connection to a peer: fixed-length
// framing on the wire, a bounded-attempt dialer, and a flag that marks a
// link inactive on first I/O failure rather than retrying inline.
package peerlink

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/dflmix/peer/internal/peerid"
)

// LinkError wraps any I/O failure on a PeerLink. Callers count it and
// mark the link inactive; they do not retry inline.
type LinkError struct {
	Peer peerid.ID
	Err  error
}

func (e *LinkError) Error() string {
	return fmt.Sprintf("peerlink: peer %d: %v", e.Peer, e.Err)
}
func (e *LinkError) Unwrap() error { return e.Err }

const dialAttempts = 3

// PeerLink owns one net.Conn to a single remote peer and serializes
// writes to it. Frames are fixed-length: packetLen bytes per send/recv,
// matching the codec's wire packet size for this deployment.
type PeerLink struct {
	peer      peerid.ID
	packetLen int
	log       *logging.Logger

	writeMu sync.Mutex
	conn    net.Conn
	reader  *bufio.Reader

	activeMu sync.RWMutex
	active   bool
}

// Create dials addr with up to dialAttempts tries, backing off briefly
// between attempts, and returns an active PeerLink on success.
func Create(ctx context.Context, peer peerid.ID, addr string, packetLen int, log *logging.Logger) (*PeerLink, error) {
	var lastErr error
	for attempt := 0; attempt < dialAttempts; attempt++ {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			return wrap(peer, conn, packetLen, log), nil
		}
		lastErr = err
		log.Debugf("Dial attempt %d/%d to peer %d (%s) failed: %v", attempt+1, dialAttempts, peer, addr, err)
		select {
		case <-ctx.Done():
			return nil, &LinkError{Peer: peer, Err: ctx.Err()}
		case <-time.After(200 * time.Millisecond):
		}
	}
	return nil, &LinkError{Peer: peer, Err: fmt.Errorf("exhausted %d dial attempts: %w", dialAttempts, lastErr)}
}

// FromAccepted wraps an already-established inbound connection.
func FromAccepted(peer peerid.ID, conn net.Conn, packetLen int, log *logging.Logger) *PeerLink {
	return wrap(peer, conn, packetLen, log)
}

func wrap(peer peerid.ID, conn net.Conn, packetLen int, log *logging.Logger) *PeerLink {
	return &PeerLink{
		peer:      peer,
		packetLen: packetLen,
		log:       log,
		conn:      conn,
		reader:    bufio.NewReaderSize(conn, packetLen),
		active:    true,
	}
}

// IsActive reports whether this link is still believed usable.
func (l *PeerLink) IsActive() bool {
	l.activeMu.RLock()
	defer l.activeMu.RUnlock()
	return l.active
}

func (l *PeerLink) markInactive() {
	l.activeMu.Lock()
	l.active = false
	l.activeMu.Unlock()
}

// Send writes exactly one fixed-length frame. On any error the link is
// marked inactive; the caller is responsible for dropping or recreating
// it, never for retrying on the same PeerLink.
func (l *PeerLink) Send(ctx context.Context, frame []byte) error {
	if len(frame) != l.packetLen {
		return &LinkError{Peer: l.peer, Err: fmt.Errorf("frame is %d bytes, want %d", len(frame), l.packetLen)}
	}
	if !l.IsActive() {
		return &LinkError{Peer: l.peer, Err: fmt.Errorf("link inactive")}
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = l.conn.SetWriteDeadline(dl)
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if _, err := l.conn.Write(frame); err != nil {
		l.markInactive()
		return &LinkError{Peer: l.peer, Err: err}
	}
	return nil
}

// Recv blocks for exactly one fixed-length frame. On any error,
// including a clean EOF, the link is marked inactive.
func (l *PeerLink) Recv() ([]byte, error) {
	frame := make([]byte, l.packetLen)
	if _, err := io.ReadFull(l.reader, frame); err != nil {
		l.markInactive()
		return nil, &LinkError{Peer: l.peer, Err: err}
	}
	return frame, nil
}

// Close tears down the underlying connection and marks the link
// inactive.
func (l *PeerLink) Close() error {
	l.markInactive()
	return l.conn.Close()
}

// Peer returns the remote peer id this link talks to.
func (l *PeerLink) Peer() peerid.ID { return l.peer }
