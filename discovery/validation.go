package discovery

import (
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/davecgh/go-spew/spew"
	"github.com/go-errors/errors"
	"github.com/standardsats/immortan/lnwire"
)

// channelAnnDigest computes the digest that must be covered by all four
// signatures on a channel announcement.
func channelAnnDigest(a *lnwire.ChannelAnnouncement) []byte {
	var buf []byte
	buf = append(buf, a.ChainHash[:]...)
	scid := a.ShortChannelID.ToUint64()
	for i := 56; i >= 0; i -= 8 {
		buf = append(buf, byte(scid>>uint(i)))
	}
	buf = append(buf, a.NodeID1.SerializeCompressed()...)
	buf = append(buf, a.NodeID2.SerializeCompressed()...)
	buf = append(buf, a.BitcoinKey1.SerializeCompressed()...)
	buf = append(buf, a.BitcoinKey2.SerializeCompressed()...)
	return buf
}

// validateChannelAnn validates the channel announcement message and checks
// that the node signatures cover the announcement, and that the bitcoin
// signatures cover the node keys.
func validateChannelAnn(a *lnwire.ChannelAnnouncement) error {
	dataHash := chainhash.DoubleHashB(channelAnnDigest(a))

	// First we'll verify that the passed bitcoin key signature is indeed
	// a signature over the computed hash digest.
	if !a.BitcoinSig1.Verify(dataHash, a.BitcoinKey1) {
		return errors.New("can't verify first bitcoin signature")
	}

	// If that checks out, then we'll verify that the second bitcoin
	// signature is a valid signature of the bitcoin public key over the
	// hash digest as well.
	if !a.BitcoinSig2.Verify(dataHash, a.BitcoinKey2) {
		return errors.New("can't verify second bitcoin signature")
	}

	// Both node signatures attached should indeed be valid signatures
	// over the selected digest of the channel announcement.
	if !a.NodeSig1.Verify(dataHash, a.NodeID1) {
		return errors.New("can't verify data in first node signature")
	}
	if !a.NodeSig2.Verify(dataHash, a.NodeID2) {
		return errors.New("can't verify data in second node signature")
	}

	return nil
}

// nodeAnnDigest computes the digest covered by a node announcement's
// signature.
func nodeAnnDigest(a *lnwire.NodeAnnouncement) []byte {
	var buf []byte
	for i := 24; i >= 0; i -= 8 {
		buf = append(buf, byte(a.Timestamp>>uint(i)))
	}
	buf = append(buf, a.NodeID.SerializeCompressed()...)
	buf = append(buf, a.RGBColor[:]...)
	buf = append(buf, []byte(a.Alias)...)
	return buf
}

// validateNodeAnn validates the node announcement by ensuring that the
// attached signature is a signature of the node announcement under the
// specified node public key.
func validateNodeAnn(a *lnwire.NodeAnnouncement) error {
	dataHash := chainhash.DoubleHashB(nodeAnnDigest(a))
	if !a.Signature.Verify(dataHash, a.NodeID) {
		return errors.New("signature on node announcement is invalid")
	}
	return nil
}

// channelUpdateDigest computes the digest covered by a channel update's
// signature.
func channelUpdateDigest(u *lnwire.ChannelUpdate) []byte {
	var buf []byte
	buf = append(buf, u.ChainHash[:]...)
	scid := u.ShortChannelID.ToUint64()
	for i := 56; i >= 0; i -= 8 {
		buf = append(buf, byte(scid>>uint(i)))
	}
	for i := 24; i >= 0; i -= 8 {
		buf = append(buf, byte(u.Timestamp>>uint(i)))
	}
	buf = append(buf, u.MessageFlags, u.ChannelFlags)
	return buf
}

// ValidateChannelUpdateAnn validates the channel update announcement by
// checking that the included signature covers the announcement and has
// been signed by pubKey, the side-specific node id it claims to originate
// from. Exported so other packages (the payment engine's remote-reject
// classifier) can verify an update carried inside a failure onion without
// duplicating the digest rule.
func ValidateChannelUpdateAnn(pubKey *btcec.PublicKey, u *lnwire.ChannelUpdate) error {
	dataHash := chainhash.DoubleHashB(channelUpdateDigest(u))

	if !u.Signature.Verify(dataHash, pubKey) {
		return errors.Errorf("invalid signature for channel "+
			"update %v", spew.Sdump(u))
	}

	return nil
}

// phcSCID computes the deterministic SCID a private hosted channel must
// advertise: H(min(nodeId1,nodeId2) || max(nodeId1,nodeId2)), per spec.md
// section 4.1 and invariant P7.
func phcSCID(nodeID1, nodeID2 lnwire.NodeID) lnwire.ShortChannelID {
	lo, hi := nodeID1, nodeID2
	if bytesGreater(lo[:], hi[:]) {
		lo, hi = hi, lo
	}

	var buf []byte
	buf = append(buf, lo[:]...)
	buf = append(buf, hi[:]...)
	h := chainhash.HashB(buf)

	var raw uint64
	for i := 0; i < 8; i++ {
		raw = raw<<8 | uint64(h[i])
	}
	return lnwire.NewShortChanIDFromInt(raw)
}

// bytesGreater reports whether a > b lexicographically, for fixed-size
// equal-length slices.
func bytesGreater(a, b []byte) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] > b[i]
		}
	}
	return false
}

// validatePHCAnnouncement checks that a PHC announcement's SCID matches
// the deterministic hash of its two endpoints, per invariant P7.
func validatePHCAnnouncement(scid lnwire.ShortChannelID, nodeID1, nodeID2 lnwire.NodeID) error {
	want := phcSCID(nodeID1, nodeID2)
	if want != scid {
		return errors.Errorf("PHC short_channel_id mismatch: "+
			"got %v want %v", scid.ToUint64(), want.ToUint64())
	}
	return nil
}
