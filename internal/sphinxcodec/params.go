// Package sphinxcodec builds and peels the onion packets that carry both
// forward traffic and SURB replies between peers.
package sphinxcodec

import "fmt"

// slotLen is the wire size of one routing-directive slot in the header: a
// 5-byte directive (1 tag byte + 4-byte next-hop peer id) XOR-masked by the
// per-hop stream cipher, followed by a 16-byte truncated HMAC-SHA256 MAC.
const slotLen = directiveLen + macLen
const directiveLen = 5
const macLen = 16

// alphaLen is the size of the packet's single shared ephemeral DH point.
const alphaLen = 32

// Params is the immutable set of wire-format dimensions this node's peers
// have agreed on. It must be identical across the whole peer set.
type Params struct {
	MaxHops int
	BodyLen int
}

// NewParams derives the full set of wire dimensions from the two knobs an
// operator actually configures: how many intermediate hops a path may use,
// and how large a fragment payload is. The header always has room for
// MaxHops+1 slots: one directive per intermediate hop, plus one terminal
// "deliver to me" slot for the last hop.
func NewParams(maxHops, bodyLen int) (Params, error) {
	if maxHops < 0 {
		return Params{}, fmt.Errorf("sphinxcodec: max hops must be >= 0, got %d", maxHops)
	}
	if bodyLen <= 0 {
		return Params{}, fmt.Errorf("sphinxcodec: body len must be > 0, got %d", bodyLen)
	}
	return Params{MaxHops: maxHops, BodyLen: bodyLen}, nil
}

// slotCapacity is the number of header slots a packet carries.
func (p Params) slotCapacity() int { return p.MaxHops + 1 }

// HeaderLen is the fixed wire length of the header: the shared alpha plus
// one slot per hop of capacity.
func (p Params) HeaderLen() int { return alphaLen + p.slotCapacity()*slotLen }

// PacketLen is the fixed wire length of a full packet, header plus body.
func (p Params) PacketLen() int { return p.HeaderLen() + p.BodyLen }
