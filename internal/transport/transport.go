// Package transport is the glue component: it turns application
// fragments into Sphinx packets on the way out, and turns inbound
// packets into relay hops, delivered fragments, or SURB acks on the way
// in. It owns the fragment cache, the duplicate filter, and the
// cover-traffic stash.
package transport

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	mRand "math/rand"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/katzenpost/core/monotime"
	"gopkg.in/op/go-logging.v1"

	"github.com/dflmix/peer/internal/dedupe"
	"github.com/dflmix/peer/internal/fragcache"
	"github.com/dflmix/peer/internal/keystore"
	"github.com/dflmix/peer/internal/metrics"
	"github.com/dflmix/peer/internal/mixer"
	"github.com/dflmix/peer/internal/peerid"
	"github.com/dflmix/peer/internal/sphinxcodec"
	"github.com/dflmix/peer/internal/wireformat"
)

type nymtupleDTO struct {
	SurbID       uint64   `cbor:"1,keyasint"`
	Header       []byte   `cbor:"2,keyasint"`
	FirstHop     uint32   `cbor:"3,keyasint"`
	BodyMaskKeys [][]byte `cbor:"4,keyasint"`
}

func encodeNymtuple(surb sphinxcodec.SURB) ([]byte, error) {
	dto := nymtupleDTO{SurbID: surb.SurbID, Header: surb.Header, FirstHop: uint32(surb.FirstHop)}
	dto.BodyMaskKeys = make([][]byte, len(surb.BodyMaskKeys))
	for i, k := range surb.BodyMaskKeys {
		dto.BodyMaskKeys[i] = append([]byte{}, k[:]...)
	}
	b, err := cbor.Marshal(dto)
	if err != nil {
		return nil, fmt.Errorf("transport: encode nymtuple: %w", err)
	}
	return b, nil
}

func decodeNymtuple(buf []byte) (sphinxcodec.SURB, error) {
	var dto nymtupleDTO
	if err := cbor.Unmarshal(buf, &dto); err != nil {
		return sphinxcodec.SURB{}, fmt.Errorf("transport: decode nymtuple: %w", err)
	}
	surb := sphinxcodec.SURB{SurbID: dto.SurbID, Header: dto.Header, FirstHop: peerid.ID(dto.FirstHop)}
	surb.BodyMaskKeys = make([][32]byte, len(dto.BodyMaskKeys))
	for i, k := range dto.BodyMaskKeys {
		copy(surb.BodyMaskKeys[i][:], k)
	}
	return surb, nil
}

// Sender abstracts the session switch for outbound frames, so Mixer and
// TransportCore share one narrow interface.
type Sender interface {
	SendTo(ctx context.Context, peer peerid.ID, frame []byte) error
}

// Config bundles what TransportCore needs beyond its component
// dependencies.
type Config struct {
	Self          peerid.ID
	Peers         peerid.Table
	Params        sphinxcodec.Params
	MixEnabled    bool
	MaxCoverStash int
	ResendPeriod  time.Duration
	ResendSlack   time.Duration
}

// TransportCore wires KeyStore, PacketCodec, FragmentCache, Mixer and the
// duplicate filter into the send/receive pipeline spec'd for this node.
type TransportCore struct {
	cfg Config
	ks  *keystore.KeyStore
	log *logging.Logger
	met *metrics.Metrics

	cache  *fragcache.FragmentCache
	dedupe *dedupe.Filter
	mix    *mixer.Mixer
	sender Sender

	rngMu sync.Mutex
	rng   *mRand.Rand

	stashMu sync.Mutex
	stash   [][]byte // pre-rendered cover frames, bounded to MaxCoverStash
}

// New constructs a TransportCore. It runs no goroutine of its own: the
// mixer, the session switch and the reliability clock call into it.
func New(cfg Config, ks *keystore.KeyStore, cache *fragcache.FragmentCache, dd *dedupe.Filter, mix *mixer.Mixer, sender Sender, met *metrics.Metrics, log *logging.Logger) *TransportCore {
	var seed int64
	var seedBuf [8]byte
	_, _ = rand.Read(seedBuf[:])
	seed = int64(binary.BigEndian.Uint64(seedBuf[:]))
	return &TransportCore{
		cfg:    cfg,
		ks:     ks,
		log:    log,
		met:    met,
		cache:  cache,
		dedupe: dd,
		mix:    mix,
		sender: sender,
		rng:    mRand.New(mRand.NewSource(seed)),
	}
}

func (t *TransportCore) newSurbID() uint64 {
	t.rngMu.Lock()
	defer t.rngMu.Unlock()
	return t.rng.Uint64()
}

func (t *TransportCore) selectPath(dest peerid.ID, avoid ...peerid.ID) (sphinxcodec.Path, error) {
	t.rngMu.Lock()
	defer t.rngMu.Unlock()
	return sphinxcodec.SelectPath(t.rng, t.cfg.Peers, t.cfg.Self, dest, avoid, t.cfg.Params, t.cfg.MixEnabled)
}

// SendFragment serializes env, builds a forward Sphinx packet for dest
// carrying a SURB for the ack, inserts a fragcache record, and enqueues
// the packet with the mixer. It never blocks on the network.
func (t *TransportCore) SendFragment(dest peerid.ID, env wireformat.Envelope) error {
	surbID := t.newSurbID()

	// The return path must never route back through dest itself: a SURB
	// whose intermediate hops include the very peer the message was sent
	// to would let that peer sit on its own reply path.
	returnPath, err := t.selectPath(t.cfg.Self, dest)
	if err != nil {
		return err
	}
	surb, err := sphinxcodec.NewSURB(t.cfg.Params, t.ks, returnPath, surbID)
	if err != nil {
		return fmt.Errorf("transport: build SURB: %w", err)
	}
	nym, err := encodeNymtuple(surb)
	if err != nil {
		return err
	}
	env.Nymtuple = nym

	payload, err := wireformat.Encode(env)
	if err != nil {
		return fmt.Errorf("transport: encode envelope: %w", err)
	}

	fwdPath, err := t.selectPath(dest)
	if err != nil {
		return err
	}
	fwdPath.Dest = dest
	pkt, err := sphinxcodec.BuildForward(t.cfg.Params, t.ks, fwdPath, payload)
	if err != nil {
		return fmt.Errorf("transport: build forward packet: %w", err)
	}

	firstHop := dest
	if len(fwdPath.Hops) > 0 {
		firstHop = fwdPath.Hops[0]
	}

	t.cache.Insert(&fragcache.Record{
		SurbID:  surbID,
		Dest:    dest,
		Payload: payload,
		SentAt:  monotime.Now(),
		ETA:     monotime.Now() + t.cfg.ResendPeriod,
	})

	t.mix.Enqueue(mixer.OutboxItem{Kind: mixer.Forward, NextHop: firstHop, Packet: pkt, SurbID: surbID})
	t.met.PacketsSent.Inc()
	return nil
}

// HandleInbound peels one layer off an inbound wire packet and acts on
// the routing decision: relay onward, deliver and ack, or record a SURB
// ack for a fragment this node sent.
func (t *TransportCore) HandleInbound(fromPeer peerid.ID, raw []byte) {
	t.met.PacketsReceived.Inc()

	if t.dedupe.SeenBefore(raw) {
		t.met.DuplicatesDropped.Inc()
		return
	}

	pkt, err := sphinxcodec.ParsePacket(t.cfg.Params, raw)
	if err != nil {
		t.log.Debugf("transport: malformed packet from peer %d: %v", fromPeer, err)
		t.met.DecodeErrors.Inc()
		return
	}

	decision, err := sphinxcodec.ProcessInbound(t.cfg.Params, t.ks, pkt)
	if err != nil {
		t.log.Debugf("transport: failed to process packet from peer %d: %v", fromPeer, err)
		t.met.DecodeErrors.Inc()
		return
	}

	switch {
	case decision.Relay != nil:
		t.met.PacketsForwarded.Inc()
		t.mix.Enqueue(mixer.OutboxItem{Kind: mixer.Relay, NextHop: decision.Relay.NextHop, Packet: decision.Relay.Packet})
	case decision.Deliver != nil:
		t.handleDeliver(decision.Deliver.Payload)
	case decision.SurbTerminal != nil:
		t.handleSurbTerminal(decision.SurbTerminal.Payload)
	}
}

func (t *TransportCore) handleDeliver(body []byte) {
	env, err := wireformat.Decode(body)
	if err != nil {
		t.log.Debugf("transport: failed to decode delivered envelope: %v", err)
		t.met.DecodeErrors.Inc()
		return
	}

	if len(env.Nymtuple) > 0 {
		surb, err := decodeNymtuple(env.Nymtuple)
		if err != nil {
			t.log.Debugf("transport: failed to decode nymtuple: %v", err)
		} else if ackPkt, err := sphinxcodec.BuildSURBReply(t.cfg.Params, surb, ackPayload(surb.SurbID)); err == nil {
			t.mix.Enqueue(mixer.OutboxItem{Kind: mixer.SurbReply, NextHop: surb.FirstHop, Packet: ackPkt})
		}
	}

	switch env.Tag {
	case wireformat.ModelPart:
		t.log.Debugf("transport: delivered model part round=%d part=%d/%d", env.Round, env.Part, env.OfParts)
	case wireformat.RoundFinished:
		t.log.Debugf("transport: peer signaled round %d finished", env.Round)
	}
}

func (t *TransportCore) handleSurbTerminal(body []byte) {
	surbID := binary.BigEndian.Uint64(body[:8])
	rtt, ok := t.cache.Ack(surbID)
	if !ok {
		return
	}
	t.met.ObserveRTT(rtt)
}

// ackPayload builds the tiny fixed ack body an inbound delivery replies
// with: just the SURB id the originator should mark acked.
func ackPayload(surbID uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, surbID)
	return buf
}

// ResendSweep is invoked by the ReliabilityClock: it asks the fragment
// cache for every record whose ETA has lapsed, and re-emits each one as
// a Resend item. The resend carries the record's stored payload, so it
// embeds the original SURB; no new SURB id is minted and no new cache
// record is inserted for it.
func (t *TransportCore) ResendSweep() {
	due := t.cache.SweepStale(monotime.Now(), t.cfg.ResendSlack)
	for _, rec := range due {
		path, err := t.selectPath(rec.Dest)
		if err != nil {
			continue
		}
		path.Dest = rec.Dest
		pkt, err := sphinxcodec.BuildForward(t.cfg.Params, t.ks, path, rec.Payload)
		if err != nil {
			continue
		}
		firstHop := rec.Dest
		if len(path.Hops) > 0 {
			firstHop = path.Hops[0]
		}
		t.mix.Enqueue(mixer.OutboxItem{Kind: mixer.Resend, NextHop: firstHop, Packet: pkt, SurbID: rec.SurbID})
		t.met.FragmentsResent.Inc()
	}
	t.cache.ClearAcked()
}

// PurgeGonePeer drops every outstanding fragcache record addressed to a
// peer whose link just went away, so the resend loop stops chasing it.
func (t *TransportCore) PurgeGonePeer(peer peerid.ID) {
	dropped := t.cache.DropForPeer(peer)
	if len(dropped) > 0 {
		t.log.Debugf("transport: dropped %d outstanding fragments for gone peer %d", len(dropped), peer)
	}
}

// AllAcked reports whether the fragment cache has nothing left
// outstanding, letting the caller decide it can go idle.
func (t *TransportCore) AllAcked() bool {
	return t.cache.AllAcked()
}

// StashCover appends a pre-rendered cover frame to the bounded stash,
// dropping the oldest entry if already at capacity.
func (t *TransportCore) StashCover(frame []byte) {
	t.stashMu.Lock()
	defer t.stashMu.Unlock()
	if len(t.stash) >= t.cfg.MaxCoverStash {
		t.stash = t.stash[1:]
	}
	t.stash = append(t.stash, frame)
}

// NextCover implements mixer.CoverGenerator by building a fresh Sphinx
// packet carrying an empty cover envelope to a random peer on each call.
// It does not read the stash that StashCover fills.
func (t *TransportCore) NextCover() (mixer.OutboxItem, bool) {
	others := t.cfg.Peers.Others(t.cfg.Self)
	if len(others) == 0 {
		return mixer.OutboxItem{}, false
	}
	t.rngMu.Lock()
	dest := others[t.rng.Intn(len(others))]
	t.rngMu.Unlock()

	env := wireformat.NewCover(make([]byte, 0))
	payload, err := wireformat.Encode(env)
	if err != nil {
		return mixer.OutboxItem{}, false
	}
	path, err := t.selectPath(dest)
	if err != nil {
		return mixer.OutboxItem{}, false
	}
	path.Dest = dest
	pkt, err := sphinxcodec.BuildForward(t.cfg.Params, t.ks, path, payload)
	if err != nil {
		return mixer.OutboxItem{}, false
	}
	firstHop := dest
	if len(path.Hops) > 0 {
		firstHop = path.Hops[0]
	}
	t.met.CoversEmitted.Inc()
	return mixer.OutboxItem{Kind: mixer.Cover, NextHop: firstHop, Packet: pkt}, true
}
