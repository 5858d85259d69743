package keystore

import (
	"encoding/pem"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dflmix/peer/internal/peerid"
)

func writePEMFiles(t *testing.T, dir string, self peerid.ID, priv PrivateKey, pubs map[peerid.ID]PublicKey) (string, string) {
	t.Helper()
	privPath := filepath.Join(dir, "identity.private.pem")
	privBlock := &pem.Block{Type: privateKeyType, Bytes: priv[:]}
	require.NoError(t, ioutil.WriteFile(privPath, pem.EncodeToMemory(privBlock), 0600))

	pubPath := filepath.Join(dir, "peers.public.pem")
	var buf []byte
	for id, pk := range pubs {
		blk := &pem.Block{
			Type:    publicKeyType,
			Headers: map[string]string{peerIDHeader: itoa(uint32(id))},
			Bytes:   pk[:],
		}
		buf = append(buf, pem.EncodeToMemory(blk)...)
	}
	require.NoError(t, ioutil.WriteFile(pubPath, buf, 0644))
	return privPath, pubPath
}

func itoa(n uint32) string {
	if n == 0 {
		return "0"
	}
	var digits []byte
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

func TestLoadRoundTrip(t *testing.T) {
	dir, err := ioutil.TempDir("", "keystore-test")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	selfPriv, selfPub, err := GenerateKeypair()
	require.NoError(t, err)
	_, otherPub, err := GenerateKeypair()
	require.NoError(t, err)

	pubs := map[peerid.ID]PublicKey{0: selfPub, 1: otherPub}
	privPath, pubPath := writePEMFiles(t, dir, 0, selfPriv, pubs)

	ks, err := Load(0, privPath, pubPath)
	require.NoError(t, err)

	got, err := ks.PrivateOf(0)
	require.NoError(t, err)
	require.Equal(t, selfPriv, got)

	p1, err := ks.PublicOf(1)
	require.NoError(t, err)
	require.Equal(t, otherPub, p1)
}

func TestPrivateOfRejectsOtherPeers(t *testing.T) {
	priv, pub, err := GenerateKeypair()
	require.NoError(t, err)
	ks := New(0, priv, map[peerid.ID]PublicKey{0: pub})

	_, err = ks.PrivateOf(1)
	require.Error(t, err)
}

func TestPublicOfMissingPeer(t *testing.T) {
	priv, pub, err := GenerateKeypair()
	require.NoError(t, err)
	ks := New(0, priv, map[peerid.ID]PublicKey{0: pub})

	_, err = ks.PublicOf(7)
	require.Error(t, err)
	var missing *ErrKeyMissing
	require.ErrorAs(t, err, &missing)
	require.Equal(t, peerid.ID(7), missing.Peer)
}

func TestLoadRejectsMissingSelfKey(t *testing.T) {
	dir, err := ioutil.TempDir("", "keystore-test")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	selfPriv, _, err := GenerateKeypair()
	require.NoError(t, err)
	_, otherPub, err := GenerateKeypair()
	require.NoError(t, err)

	privPath, pubPath := writePEMFiles(t, dir, 0, selfPriv, map[peerid.ID]PublicKey{1: otherPub})

	_, err = Load(0, privPath, pubPath)
	require.Error(t, err)
}
