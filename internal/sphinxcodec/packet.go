package sphinxcodec

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/curve25519"

	"github.com/dflmix/peer/internal/keystore"
	"github.com/dflmix/peer/internal/peerid"
)

const (
	tagRelay = iota + 1
	tagDeliver
	tagSurbTerminal
)

// CodecError wraps every failure ProcessInbound can hit on the wire: a
// torn packet, a bad MAC, or an unknown peer key. Callers count it and
// drop the packet rather than treat it as fatal.
type CodecError struct {
	Reason string
}

func (e *CodecError) Error() string { return fmt.Sprintf("sphinxcodec: %s", e.Reason) }

// PacketOnWire is the fixed-length onion packet as it travels between
// peers: a peelable header followed by a layer-masked body.
type PacketOnWire struct {
	Header []byte
	Body   []byte
}

// Bytes concatenates header and body for framing over a PeerLink.
func (p PacketOnWire) Bytes() []byte {
	out := make([]byte, 0, len(p.Header)+len(p.Body))
	out = append(out, p.Header...)
	out = append(out, p.Body...)
	return out
}

// ParsePacket splits a fixed-length wire buffer back into header and body
// according to params.
func ParsePacket(params Params, buf []byte) (PacketOnWire, error) {
	if len(buf) != params.PacketLen() {
		return PacketOnWire{}, &CodecError{Reason: fmt.Sprintf("packet is %d bytes, want %d", len(buf), params.PacketLen())}
	}
	h := params.HeaderLen()
	return PacketOnWire{Header: buf[:h], Body: buf[h:]}, nil
}

// SURB (Single-Use Reply Block) is the opaque return-path token an origin
// hands to a correspondent so it can route one reply back without ever
// learning the return path.
type SURB struct {
	SurbID uint64
	Header []byte
	// FirstHop is the peer the holder of this SURB must hand the
	// finished reply packet to. The replier has no other way to learn
	// it, since the rest of the return path is opaque to it.
	FirstHop     peerid.ID
	BodyMaskKeys [][32]byte
}

// buildChainHeader lays out one slot per chain entry, independently
// DH-derived and stream-masked, followed by random filler slots out to
// capacity. It returns the header bytes and, in chain order, the body
// mask key each hop will apply.
func buildChainHeader(params Params, ks *keystore.KeyStore, chain []peerid.ID, terminalTag byte) ([]byte, [][32]byte, error) {
	capacity := params.slotCapacity()
	if len(chain) > capacity {
		return nil, nil, fmt.Errorf("sphinxcodec: chain of %d hops exceeds capacity %d", len(chain), capacity)
	}
	var alphaPriv [alphaLen]byte
	if _, err := rand.Read(alphaPriv[:]); err != nil {
		return nil, nil, fmt.Errorf("sphinxcodec: generate alpha: %w", err)
	}
	alphaPubBytes, err := curve25519.X25519(alphaPriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, nil, fmt.Errorf("sphinxcodec: derive alpha point: %w", err)
	}

	slots := make([][]byte, capacity)
	bodyKeys := make([][32]byte, len(chain))
	for i, hop := range chain {
		hopPub, err := ks.PublicOf(hop)
		if err != nil {
			return nil, nil, err
		}
		hk, err := hopKeysFromOriginSide(alphaPriv, hopPub)
		if err != nil {
			return nil, nil, err
		}
		bodyKeys[i] = hk.bodyKey

		tag := byte(tagRelay)
		var nextID uint32
		if i == len(chain)-1 {
			tag = terminalTag
		} else {
			nextID = uint32(chain[i+1])
		}
		directive := make([]byte, directiveLen)
		directive[0] = tag
		binary.BigEndian.PutUint32(directive[1:], nextID)
		encDirective, err := streamXOR(hk.directiveKey, directive)
		if err != nil {
			return nil, nil, err
		}
		mac := computeMAC(hk.macKey, append(append([]byte{}, alphaPubBytes...), encDirective...))
		slots[i] = append(encDirective, mac...)
	}
	for i := len(chain); i < capacity; i++ {
		filler := make([]byte, slotLen)
		if _, err := rand.Read(filler); err != nil {
			return nil, nil, fmt.Errorf("sphinxcodec: generate filler slot: %w", err)
		}
		slots[i] = filler
	}

	header := make([]byte, 0, params.HeaderLen())
	header = append(header, alphaPubBytes...)
	for _, s := range slots {
		header = append(header, s...)
	}
	return header, bodyKeys, nil
}

func cascadeXOR(payload []byte, keys [][32]byte) []byte {
	out := append([]byte{}, payload...)
	for _, k := range keys {
		masked, _ := streamXOR(k, out)
		out = masked
	}
	return out
}

// padBody right-pads payload with zero bytes out to params.BodyLen. The
// wireformat envelope is self-describing, so trailing padding after the
// real content is never mistaken for payload by the decoder.
func padBody(params Params, payload []byte) ([]byte, error) {
	if len(payload) > params.BodyLen {
		return nil, fmt.Errorf("sphinxcodec: payload of %d bytes exceeds body len %d", len(payload), params.BodyLen)
	}
	out := make([]byte, params.BodyLen)
	copy(out, payload)
	return out, nil
}

// BuildForward constructs a complete onion packet carrying payload to
// path.Dest via path.Hops.
func BuildForward(params Params, ks *keystore.KeyStore, path Path, payload []byte) (PacketOnWire, error) {
	if err := path.validate(params); err != nil {
		return PacketOnWire{}, err
	}
	chain := path.fullChain()
	header, bodyKeys, err := buildChainHeader(params, ks, chain, tagDeliver)
	if err != nil {
		return PacketOnWire{}, err
	}
	padded, err := padBody(params, payload)
	if err != nil {
		return PacketOnWire{}, err
	}
	return PacketOnWire{Header: header, Body: cascadeXOR(padded, bodyKeys)}, nil
}

// NewSURB builds a return-path header terminating at self (tagged
// tagSurbTerminal) and the body mask keys a correspondent will need to
// premask a reply it originates, since the correspondent holds none of
// the private keys required to derive them itself.
func NewSURB(params Params, ks *keystore.KeyStore, path Path, surbID uint64) (SURB, error) {
	if path.Dest != ks.Self() {
		return SURB{}, fmt.Errorf("sphinxcodec: SURB must terminate at self, got dest %d", path.Dest)
	}
	if err := path.validate(params); err != nil {
		return SURB{}, err
	}
	chain := path.fullChain()
	header, bodyKeys, err := buildChainHeader(params, ks, chain, tagSurbTerminal)
	if err != nil {
		return SURB{}, err
	}
	return SURB{SurbID: surbID, Header: header, FirstHop: chain[0], BodyMaskKeys: bodyKeys}, nil
}

// BuildSURBReply wraps an ack payload for transit along a SURB's
// pre-built return path. The caller is the correspondent that received
// the SURB, not its originator.
func BuildSURBReply(params Params, surb SURB, payload []byte) (PacketOnWire, error) {
	if len(surb.Header) != params.HeaderLen() {
		return PacketOnWire{}, fmt.Errorf("sphinxcodec: SURB header length %d does not match params", len(surb.Header))
	}
	padded, err := padBody(params, payload)
	if err != nil {
		return PacketOnWire{}, err
	}
	header := append([]byte{}, surb.Header...)
	return PacketOnWire{Header: header, Body: cascadeXOR(padded, surb.BodyMaskKeys)}, nil
}

// RelayDecision is returned when a packet must be forwarded on.
type RelayDecision struct {
	NextHop peerid.ID
	Packet  PacketOnWire
}

// DeliverDecision is returned when a packet's payload is addressed here.
type DeliverDecision struct {
	Payload []byte
}

// SurbTerminalDecision is returned when a reply packet has completed its
// return path and arrived back at the node that issued the SURB.
type SurbTerminalDecision struct {
	Payload []byte
}

// RoutingDecision is the tagged outcome of peeling one layer off an
// inbound packet. Exactly one field is non-nil.
type RoutingDecision struct {
	Relay        *RelayDecision
	Deliver      *DeliverDecision
	SurbTerminal *SurbTerminalDecision
}

// ProcessInbound peels the outermost header layer addressed to self,
// verifies its MAC, strips one body mask layer, and reports what to do
// next with the resulting packet.
func ProcessInbound(params Params, ks *keystore.KeyStore, pkt PacketOnWire) (RoutingDecision, error) {
	if len(pkt.Header) != params.HeaderLen() || len(pkt.Body) != params.BodyLen {
		return RoutingDecision{}, &CodecError{Reason: "malformed packet dimensions"}
	}
	alpha := pkt.Header[:alphaLen]
	var alphaArr [alphaLen]byte
	copy(alphaArr[:], alpha)

	rest := pkt.Header[alphaLen:]
	capacity := params.slotCapacity()
	if len(rest) != capacity*slotLen {
		return RoutingDecision{}, &CodecError{Reason: "malformed header slot count"}
	}
	firstSlot := rest[:slotLen]
	encDirective := firstSlot[:directiveLen]
	tag := firstSlot[directiveLen:]

	selfPriv, err := ks.PrivateOf(ks.Self())
	if err != nil {
		return RoutingDecision{}, err
	}
	hk, err := hopKeysFromHopSide(alphaArr, selfPriv)
	if err != nil {
		return RoutingDecision{}, err
	}
	if !verifyMAC(hk.macKey, append(append([]byte{}, alpha...), encDirective...), tag) {
		return RoutingDecision{}, &CodecError{Reason: "header MAC verification failed"}
	}
	directive, err := streamXOR(hk.directiveKey, encDirective)
	if err != nil {
		return RoutingDecision{}, err
	}
	directiveTag := directive[0]
	nextID := peerid.ID(binary.BigEndian.Uint32(directive[1:]))

	body, err := streamXOR(hk.bodyKey, pkt.Body)
	if err != nil {
		return RoutingDecision{}, err
	}

	filler := make([]byte, slotLen)
	if _, err := rand.Read(filler); err != nil {
		return RoutingDecision{}, fmt.Errorf("sphinxcodec: generate filler slot: %w", err)
	}
	newRest := append(append([]byte{}, rest[slotLen:]...), filler...)
	newHeader := append(append([]byte{}, alpha...), newRest...)

	switch directiveTag {
	case tagRelay:
		return RoutingDecision{Relay: &RelayDecision{
			NextHop: nextID,
			Packet:  PacketOnWire{Header: newHeader, Body: body},
		}}, nil
	case tagDeliver:
		return RoutingDecision{Deliver: &DeliverDecision{Payload: body}}, nil
	case tagSurbTerminal:
		return RoutingDecision{SurbTerminal: &SurbTerminalDecision{Payload: body}}, nil
	default:
		return RoutingDecision{}, &CodecError{Reason: fmt.Sprintf("unknown directive tag %d", directiveTag)}
	}
}
