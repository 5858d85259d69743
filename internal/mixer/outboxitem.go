package mixer

import (
	"github.com/dflmix/peer/internal/peerid"
	"github.com/dflmix/peer/internal/sphinxcodec"
)

// Kind discriminates the variants of OutboxItem. A tagged struct is used
// instead of a closure so the mixer can inspect and log what kind of
// traffic it is about to emit without invoking it first.
type Kind uint8

const (
	// Forward is an original application fragment leaving this node.
	Forward Kind = iota + 1
	// Relay is a packet this node is forwarding on behalf of another hop.
	Relay
	// SurbReply is an ack or reply packet built against a received SURB.
	SurbReply
	// Resend is a Forward item being re-emitted after its ETA lapsed.
	Resend
	// Cover is padding traffic with no application meaning.
	Cover
)

func (k Kind) String() string {
	switch k {
	case Forward:
		return "Forward"
	case Relay:
		return "Relay"
	case SurbReply:
		return "SurbReply"
	case Resend:
		return "Resend"
	case Cover:
		return "Cover"
	default:
		return "Unknown"
	}
}

// OutboxItem is one packet queued for emission to a specific next-hop
// peer, along with enough bookkeeping for the mixer and transport to
// treat each kind correctly.
type OutboxItem struct {
	Kind   Kind
	NextHop peerid.ID
	Packet sphinxcodec.PacketOnWire

	// SurbID is set for Forward and Resend items, identifying the
	// fragcache record this emission corresponds to.
	SurbID uint64
}
