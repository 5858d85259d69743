// Package keystore loads and exposes per-peer Sphinx routing keys.
//
// The on-disk format follows a PEM convention ("Ed25519 PRIVATE KEY"-style
// blocks), adapted to X25519 scalars: one
// PEM file holds this node's private key, a second holds every peer's
// public key as a sequence of blocks tagged with a "peer-id" header.
package keystore

import (
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"io/ioutil"
	"strconv"

	"golang.org/x/crypto/curve25519"

	"github.com/dflmix/peer/internal/peerid"
)

const (
	privateKeyType = "X25519 PRIVATE KEY"
	publicKeyType  = "X25519 PUBLIC KEY"
	peerIDHeader   = "peer-id"
)

// PrivateKey and PublicKey are raw 32-byte Curve25519 scalars/points.
type PrivateKey [32]byte
type PublicKey [32]byte

// ErrKeyMissing is returned when a queried peer id has no known public key.
type ErrKeyMissing struct {
	Peer peerid.ID
}

func (e *ErrKeyMissing) Error() string {
	return fmt.Sprintf("keystore: no public key for peer %d", e.Peer)
}

// KeyStore holds this node's private key and every peer's public key. It is
// immutable once Load returns.
type KeyStore struct {
	self peerid.ID
	priv PrivateKey
	pub  map[peerid.ID]PublicKey
}

// Load reads the private key file (this node's scalar only) and the public
// key file (every peer, self included) and returns an immutable KeyStore.
func Load(self peerid.ID, privPath, pubPath string) (*KeyStore, error) {
	privBuf, err := ioutil.ReadFile(privPath)
	if err != nil {
		return nil, fmt.Errorf("keystore: read private key file: %w", err)
	}
	blk, _ := pem.Decode(privBuf)
	if blk == nil || blk.Type != privateKeyType || len(blk.Bytes) != 32 {
		return nil, fmt.Errorf("keystore: malformed private key file %q", privPath)
	}
	ks := &KeyStore{
		self: self,
		pub:  make(map[peerid.ID]PublicKey),
	}
	copy(ks.priv[:], blk.Bytes)

	pubBuf, err := ioutil.ReadFile(pubPath)
	if err != nil {
		return nil, fmt.Errorf("keystore: read public key file: %w", err)
	}
	rest := pubBuf
	for {
		var blk *pem.Block
		blk, rest = pem.Decode(rest)
		if blk == nil {
			break
		}
		if blk.Type != publicKeyType || len(blk.Bytes) != 32 {
			return nil, fmt.Errorf("keystore: malformed public key block in %q", pubPath)
		}
		idStr, ok := blk.Headers[peerIDHeader]
		if !ok {
			return nil, fmt.Errorf("keystore: public key block missing %q header", peerIDHeader)
		}
		n, err := strconv.ParseUint(idStr, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("keystore: invalid peer id %q: %w", idStr, err)
		}
		var pk PublicKey
		copy(pk[:], blk.Bytes)
		ks.pub[peerid.ID(n)] = pk
	}
	if _, ok := ks.pub[self]; !ok {
		return nil, fmt.Errorf("keystore: public key file missing entry for self (peer %d)", self)
	}
	return ks, nil
}

// PrivateOf returns the private scalar for the queried peer, which must be
// self; any other id is a programming error in the caller.
func (ks *KeyStore) PrivateOf(id peerid.ID) (PrivateKey, error) {
	if id != ks.self {
		return PrivateKey{}, fmt.Errorf("keystore: private key only available for self (%d), got %d", ks.self, id)
	}
	return ks.priv, nil
}

// PublicOf returns the public point for the given peer id.
func (ks *KeyStore) PublicOf(id peerid.ID) (PublicKey, error) {
	pk, ok := ks.pub[id]
	if !ok {
		return PublicKey{}, &ErrKeyMissing{Peer: id}
	}
	return pk, nil
}

// New builds a KeyStore directly from already-loaded key material,
// bypassing the PEM files Load reads. Used by tests and by tooling that
// provisions keys in memory before persisting them.
func New(self peerid.ID, priv PrivateKey, pub map[peerid.ID]PublicKey) *KeyStore {
	cp := make(map[peerid.ID]PublicKey, len(pub))
	for id, pk := range pub {
		cp[id] = pk
	}
	return &KeyStore{self: self, priv: priv, pub: cp}
}

// Self returns this node's peer id.
func (ks *KeyStore) Self() peerid.ID { return ks.self }

// GenerateKeypair creates a fresh X25519 keypair, used by deployment
// tooling to provision the PKI material this package loads.
func GenerateKeypair() (PrivateKey, PublicKey, error) {
	var priv PrivateKey
	if _, err := rand.Read(priv[:]); err != nil {
		return PrivateKey{}, PublicKey{}, fmt.Errorf("keystore: generate private scalar: %w", err)
	}
	pubBytes, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return PrivateKey{}, PublicKey{}, fmt.Errorf("keystore: derive public point: %w", err)
	}
	var pub PublicKey
	copy(pub[:], pubBytes)
	return priv, pub, nil
}
