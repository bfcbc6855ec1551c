package discovery

import (
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/require"

	"github.com/standardsats/immortan/lnwire"
)

func signDigest(t *testing.T, priv *btcec.PrivateKey, digest []byte) lnwire.Sig {
	t.Helper()
	hash := chainhash.DoubleHashB(digest)
	sig := ecdsa.Sign(priv, hash)
	return lnwire.Sig{Signature: sig}
}

func TestValidateChannelAnn(t *testing.T) {
	nodeKey1, _ := btcec.NewPrivateKey()
	nodeKey2, _ := btcec.NewPrivateKey()
	btcKey1, _ := btcec.NewPrivateKey()
	btcKey2, _ := btcec.NewPrivateKey()

	ann := &lnwire.ChannelAnnouncement{
		ShortChannelID: lnwire.ShortChannelID{BlockHeight: 42},
		NodeID1:        nodeKey1.PubKey(),
		NodeID2:        nodeKey2.PubKey(),
		BitcoinKey1:    btcKey1.PubKey(),
		BitcoinKey2:    btcKey2.PubKey(),
	}
	digest := channelAnnDigest(ann)

	ann.NodeSig1 = signDigest(t, nodeKey1, digest)
	ann.NodeSig2 = signDigest(t, nodeKey2, digest)
	ann.BitcoinSig1 = signDigest(t, btcKey1, digest)
	ann.BitcoinSig2 = signDigest(t, btcKey2, digest)

	require.NoError(t, validateChannelAnn(ann))

	t.Run("tampered field invalidates every signature", func(t *testing.T) {
		tampered := *ann
		tampered.ShortChannelID.BlockHeight = 43
		require.Error(t, validateChannelAnn(&tampered))
	})

	t.Run("wrong signer", func(t *testing.T) {
		tampered := *ann
		tampered.NodeSig1 = signDigest(t, nodeKey2, digest)
		require.Error(t, validateChannelAnn(&tampered))
	})
}

func TestValidateNodeAnn(t *testing.T) {
	priv, _ := btcec.NewPrivateKey()
	ann := &lnwire.NodeAnnouncement{
		Timestamp: 100,
		NodeID:    priv.PubKey(),
		Alias:     "node",
	}
	ann.Signature = signDigest(t, priv, nodeAnnDigest(ann))

	require.NoError(t, validateNodeAnn(ann))

	other, _ := btcec.NewPrivateKey()
	bad := *ann
	bad.Signature = signDigest(t, other, nodeAnnDigest(ann))
	require.Error(t, validateNodeAnn(&bad))
}

func TestValidateChannelUpdateAnn(t *testing.T) {
	priv, _ := btcec.NewPrivateKey()
	u := &lnwire.ChannelUpdate{
		ShortChannelID: lnwire.ShortChannelID{BlockHeight: 7},
		Timestamp:      55,
	}
	u.Signature = signDigest(t, priv, channelUpdateDigest(u))

	require.NoError(t, ValidateChannelUpdateAnn(priv.PubKey(), u))

	other, _ := btcec.NewPrivateKey()
	require.Error(t, ValidateChannelUpdateAnn(other.PubKey(), u))
}

func TestPhcSCID_OrderIndependent(t *testing.T) {
	priv1, _ := btcec.NewPrivateKey()
	priv2, _ := btcec.NewPrivateKey()
	id1 := lnwire.NewNodeID(priv1.PubKey())
	id2 := lnwire.NewNodeID(priv2.PubKey())

	require.Equal(t, phcSCID(id1, id2), phcSCID(id2, id1))
}

func TestValidatePHCAnnouncement(t *testing.T) {
	priv1, _ := btcec.NewPrivateKey()
	priv2, _ := btcec.NewPrivateKey()
	id1 := lnwire.NewNodeID(priv1.PubKey())
	id2 := lnwire.NewNodeID(priv2.PubKey())

	scid := phcSCID(id1, id2)
	require.NoError(t, validatePHCAnnouncement(scid, id1, id2))

	wrong := lnwire.NewShortChanIDFromInt(scid.ToUint64() + 1)
	require.Error(t, validatePHCAnnouncement(wrong, id1, id2))
}
