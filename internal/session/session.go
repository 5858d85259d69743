// Package session owns the set of live PeerLinks to the fixed peer
// table: accepting inbound connections, dialing outbound ones, and
// routing outgoing frames to the right link.
package session

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/dflmix/peer/internal/peerid"
	"github.com/dflmix/peer/internal/peerlink"
)

// PeerGone is returned by SendTo when no active link exists for a peer.
type PeerGone struct {
	Peer peerid.ID
}

func (e *PeerGone) Error() string { return fmt.Sprintf("session: peer %d has no active link", e.Peer) }

const sendTimeout = 3 * time.Second

// FrameHandler is invoked with every inbound frame, tagged with which
// peer it arrived from.
type FrameHandler func(from peerid.ID, frame []byte)

// GoneHandler is invoked when a peer's link is torn down, so callers can
// stop chasing delivery to a peer that is no longer reachable.
type GoneHandler func(peer peerid.ID)

// SessionSwitch is the single owner of this node's PeerLinks.
type SessionSwitch struct {
	self      peerid.ID
	peers     peerid.Table
	packetLen int
	log       *logging.Logger
	onFrame   FrameHandler
	onGone    GoneHandler

	mu    sync.RWMutex
	links map[peerid.ID]*peerlink.PeerLink

	ln net.Listener
	wg sync.WaitGroup
}

// New constructs a SessionSwitch for the given fixed peer table. onGone
// may be nil if the caller doesn't need disconnect notifications.
func New(self peerid.ID, peers peerid.Table, packetLen int, onFrame FrameHandler, onGone GoneHandler, log *logging.Logger) *SessionSwitch {
	return &SessionSwitch{
		self:      self,
		peers:     peers,
		packetLen: packetLen,
		log:       log,
		onFrame:   onFrame,
		onGone:    onGone,
		links:     make(map[peerid.ID]*peerlink.PeerLink),
	}
}

// Start opens this node's listener and begins accepting inbound peer
// connections in the background.
func (s *SessionSwitch) Start() error {
	addr := s.peers[s.self]
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", addr.Port))
	if err != nil {
		return fmt.Errorf("session: listen on %s: %w", addr, err)
	}
	s.ln = ln
	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

func (s *SessionSwitch) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			s.log.Debugf("session: accept loop exiting: %v", err)
			return
		}
		remoteID, ok := s.identifyRemote(conn)
		if !ok {
			s.log.Debugf("session: rejecting connection from unrecognized address %s", conn.RemoteAddr())
			conn.Close()
			continue
		}
		link := peerlink.FromAccepted(remoteID, conn, s.packetLen, s.log)
		s.setLink(remoteID, link)
		s.wg.Add(1)
		go s.readLoop(link)
	}
}

// identifyRemote maps an accepted connection's remote address back to a
// peer id using the static table. This is brittle under NAT or port
// remapping; the fixed peer set this substrate assumes is what makes it
// workable here.
func (s *SessionSwitch) identifyRemote(conn net.Conn) (peerid.ID, bool) {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return 0, false
	}
	for id, addr := range s.peers {
		if id == s.self {
			continue
		}
		if addr.Host == host {
			return id, true
		}
	}
	return 0, false
}

func (s *SessionSwitch) readLoop(link *peerlink.PeerLink) {
	defer s.wg.Done()
	for {
		frame, err := link.Recv()
		if err != nil {
			s.log.Debugf("session: link to peer %d failed: %v", link.Peer(), err)
			s.clearLink(link.Peer())
			return
		}
		if s.onFrame != nil {
			s.onFrame(link.Peer(), frame)
		}
	}
}

// ConnectPeers dials every peer in the table with an id greater than
// self, so that each undirected link is established by exactly one side.
func (s *SessionSwitch) ConnectPeers(ctx context.Context) {
	for _, id := range s.peers.Others(s.self) {
		if id <= s.self {
			continue
		}
		s.dial(ctx, id)
	}
}

// ReconnectGone re-dials every peer this side is responsible for
// connecting to (id greater than self) whose link is currently missing
// or inactive. It is meant to be called periodically by a background
// sweep so a link that dropped gets re-created without a restart.
func (s *SessionSwitch) ReconnectGone(ctx context.Context) {
	for _, id := range s.peers.Others(s.self) {
		if id <= s.self {
			continue
		}
		s.mu.RLock()
		link, ok := s.links[id]
		s.mu.RUnlock()
		if ok && link.IsActive() {
			continue
		}
		s.dial(ctx, id)
	}
}

func (s *SessionSwitch) dial(ctx context.Context, id peerid.ID) {
	addr := s.peers[id]
	link, err := peerlink.Create(ctx, id, addr.String(), s.packetLen, s.log)
	if err != nil {
		s.log.Debugf("session: failed to connect to peer %d: %v", id, err)
		return
	}
	s.setLink(id, link)
	s.wg.Add(1)
	go s.readLoop(link)
}

func (s *SessionSwitch) setLink(id peerid.ID, link *peerlink.PeerLink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.links[id]; ok {
		old.Close()
	}
	s.links[id] = link
}

func (s *SessionSwitch) clearLink(id peerid.ID) {
	s.mu.Lock()
	delete(s.links, id)
	s.mu.Unlock()
	if s.onGone != nil {
		s.onGone(id)
	}
}

// SendTo writes frame to peer's link. It is a no-op error, not a panic,
// when the link is missing or inactive.
func (s *SessionSwitch) SendTo(ctx context.Context, peer peerid.ID, frame []byte) error {
	s.mu.RLock()
	link, ok := s.links[peer]
	s.mu.RUnlock()
	if !ok || !link.IsActive() {
		return &PeerGone{Peer: peer}
	}
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	return link.Send(ctx, frame)
}

// ActivePeers returns the ids of every peer with a currently active
// link.
func (s *SessionSwitch) ActivePeers() []peerid.ID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]peerid.ID, 0, len(s.links))
	for id, link := range s.links {
		if link.IsActive() {
			ids = append(ids, id)
		}
	}
	return ids
}

// CloseAll closes the listener and every active link, then waits for
// background loops to exit.
func (s *SessionSwitch) CloseAll() {
	if s.ln != nil {
		s.ln.Close()
	}
	s.mu.Lock()
	for _, link := range s.links {
		link.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}
