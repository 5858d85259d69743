// Package wireformat encodes the application-level envelope carried
// inside a Sphinx packet's body: a small tag plus round/part bookkeeping
// around the opaque model bytes a learning collaborator is exchanging.
package wireformat

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Tag identifies what kind of envelope this is, mirroring the
// originating system's package-type enumeration.
type Tag uint8

const (
	// ModelPart carries a fragment of learning-round payload.
	ModelPart Tag = iota + 1
	// Cover carries no meaningful content; it exists only to keep
	// traffic shape uniform.
	Cover
	// RoundFinished is a zero-payload control envelope announcing that
	// the sender has nothing further to contribute to the round.
	RoundFinished
)

func (t Tag) String() string {
	switch t {
	case ModelPart:
		return "ModelPart"
	case Cover:
		return "Cover"
	case RoundFinished:
		return "RoundFinished"
	default:
		return fmt.Sprintf("Tag(%d)", t)
	}
}

// Envelope is the self-describing structure every forward packet's body
// carries, surviving the zero-padding Sphinx applies out to BodyLen.
type Envelope struct {
	Tag     Tag    `cbor:"1,keyasint"`
	Round   uint32 `cbor:"2,keyasint"`
	Part    uint32 `cbor:"3,keyasint"`
	OfParts uint32 `cbor:"4,keyasint"`
	Content []byte `cbor:"5,keyasint,omitempty"`

	// Nymtuple, when present, is an opaque serialized SURB the sender
	// expects an ack back through. The transport layer owns its
	// contents; wireformat only carries it.
	Nymtuple []byte `cbor:"6,keyasint,omitempty"`
}

// Encode serializes env with CBOR.
func Encode(env Envelope) ([]byte, error) {
	b, err := cbor.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("wireformat: encode: %w", err)
	}
	return b, nil
}

// Decode parses an envelope out of buf. buf may carry trailing zero
// padding after the encoded value; cbor.Unmarshal only consumes the
// bytes the value actually needs.
func Decode(buf []byte) (Envelope, error) {
	var env Envelope
	if err := cbor.Unmarshal(buf, &env); err != nil {
		return Envelope{}, fmt.Errorf("wireformat: decode: %w", err)
	}
	return env, nil
}

// NewCover builds a minimal cover envelope carrying content, used by the
// transport's cover generator to pad outbound traffic shape.
func NewCover(content []byte) Envelope {
	return Envelope{Tag: Cover, Content: content}
}

// NewRoundFinished builds the zero-payload control envelope a peer sends
// once it has no more fragments to contribute to round.
func NewRoundFinished(round uint32) Envelope {
	return Envelope{Tag: RoundFinished, Round: round}
}
