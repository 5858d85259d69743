package sphinxcodec

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/dflmix/peer/internal/keystore"
)

// hopKeys is everything one hop derives from the packet's shared alpha and
// its own static private key: a key for masking the directive slot, a key
// for authenticating the header, and a key for masking the body.
type hopKeys struct {
	directiveKey [32]byte
	macKey       [32]byte
	bodyKey      [32]byte
}

// hopKeysFromHopSide runs X25519(selfPriv, alpha): the side a relay or
// destination hop takes, using its own static private key against the
// packet's shared ephemeral point.
func hopKeysFromHopSide(alpha [alphaLen]byte, selfPriv keystore.PrivateKey) (hopKeys, error) {
	shared, err := curve25519.X25519(selfPriv[:], alpha[:])
	if err != nil {
		return hopKeys{}, fmt.Errorf("sphinxcodec: DH failed: %w", err)
	}
	return expandHopKeys(shared)
}

// hopKeysFromOriginSide runs X25519(alphaPriv, hopPub): the side the
// packet's builder takes, using the ephemeral private scalar against a
// hop's static public key. DH symmetry guarantees this yields the same
// shared secret hopKeysFromHopSide computes at that hop.
func hopKeysFromOriginSide(alphaPriv [alphaLen]byte, hopPub keystore.PublicKey) (hopKeys, error) {
	shared, err := curve25519.X25519(alphaPriv[:], hopPub[:])
	if err != nil {
		return hopKeys{}, fmt.Errorf("sphinxcodec: DH failed: %w", err)
	}
	return expandHopKeys(shared)
}

func expandHopKeys(shared []byte) (hopKeys, error) {
	h := hkdf.New(sha256.New, shared, nil, []byte("sphinxcodec-hop-v1"))
	var out hopKeys
	if _, err := io.ReadFull(h, out.directiveKey[:]); err != nil {
		return hopKeys{}, fmt.Errorf("sphinxcodec: hkdf expand: %w", err)
	}
	if _, err := io.ReadFull(h, out.macKey[:]); err != nil {
		return hopKeys{}, fmt.Errorf("sphinxcodec: hkdf expand: %w", err)
	}
	if _, err := io.ReadFull(h, out.bodyKey[:]); err != nil {
		return hopKeys{}, fmt.Errorf("sphinxcodec: hkdf expand: %w", err)
	}
	return out, nil
}

// streamXOR XORs src into a freshly allocated buffer using the chacha20
// keystream under key, with an all-zero nonce: a fixed key is used for
// exactly one masking operation and is never reused, so nonce reuse is not
// a concern.
func streamXOR(key [32]byte, src []byte) ([]byte, error) {
	var nonce [chacha20.NonceSize]byte
	c, err := chacha20.NewUnauthenticatedCipher(key[:], nonce[:])
	if err != nil {
		return nil, fmt.Errorf("sphinxcodec: chacha20 init: %w", err)
	}
	dst := make([]byte, len(src))
	c.XORKeyStream(dst, src)
	return dst, nil
}

// computeMAC returns the first macLen bytes of HMAC-SHA256(macKey, data).
func computeMAC(macKey [32]byte, data []byte) []byte {
	m := hmac.New(sha256.New, macKey[:])
	m.Write(data)
	return m.Sum(nil)[:macLen]
}

func verifyMAC(macKey [32]byte, data, tag []byte) bool {
	return hmac.Equal(computeMAC(macKey, data), tag)
}
