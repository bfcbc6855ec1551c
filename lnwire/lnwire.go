// Package lnwire holds the wire-message data shapes consumed by the sync
// and payment core. Encoding/decoding these messages on the BOLT 7/BOLT 4
// wire is assumed available elsewhere (see spec.md section 1); this package
// only carries the struct shapes the core reads and writes fields on.
package lnwire

import (
	"net"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
)

// MilliSatoshi is the unit amounts are expressed in throughout the core.
type MilliSatoshi uint64

// ToSatoshis truncates down to whole satoshis.
func (m MilliSatoshi) ToSatoshis() int64 {
	return int64(m / 1000)
}

// NodeID is the compressed serialization of a secp256k1 public key, used as
// a comparable map key wherever a node identity needs to be tracked.
type NodeID [33]byte

// NewNodeID derives a NodeID from a public key.
func NewNodeID(pub *btcec.PublicKey) NodeID {
	var id NodeID
	copy(id[:], pub.SerializeCompressed())
	return id
}

// String returns a short hex preview, convenient in log lines.
func (n NodeID) String() string {
	const hextable = "0123456789abcdef"
	out := make([]byte, 16)
	for i := 0; i < 8; i++ {
		out[i*2] = hextable[n[i]>>4]
		out[i*2+1] = hextable[n[i]&0xf]
	}
	return string(out)
}

// ShortChannelID is the 64-bit opaque identifier BOLT 7 uses to name a
// public channel: block height, transaction index within the block, and
// the output index of the funding transaction.
type ShortChannelID struct {
	BlockHeight uint32
	TxIndex     uint32
	TxPosition  uint16
}

// ToUint64 packs the SCID into the 8-byte wire representation.
func (s ShortChannelID) ToUint64() uint64 {
	return (uint64(s.BlockHeight) << 40) | (uint64(s.TxIndex) << 16) |
		uint64(s.TxPosition)
}

// NewShortChanIDFromInt unpacks the 8-byte wire representation.
func NewShortChanIDFromInt(i uint64) ShortChannelID {
	return ShortChannelID{
		BlockHeight: uint32(i >> 40),
		TxIndex:     uint32(i>>16) & 0xffffff,
		TxPosition:  uint16(i),
	}
}

// PaymentHash identifies an HTLC/invoice across the network.
type PaymentHash [32]byte

// NetAddress is one reachable address for a candidate peer, plus the node
// id that should answer at it. This is the "remote node info" of spec.md
// section 3.
type NetAddress struct {
	// IdentityKey is the peer's long-term node id.
	IdentityKey *btcec.PublicKey

	// Address is where to dial.
	Address net.Addr
}

// FeatureVector is a minimal bitset sufficient to answer "is feature X
// set", which is all the handshake guard in spec.md section 4.1 needs.
type FeatureVector struct {
	bits map[uint16]struct{}
}

// NewFeatureVector builds a FeatureVector from the set bit positions.
func NewFeatureVector(bits ...uint16) *FeatureVector {
	fv := &FeatureVector{bits: make(map[uint16]struct{}, len(bits))}
	for _, b := range bits {
		fv.bits[b] = struct{}{}
	}
	return fv
}

// HasFeature reports whether the given bit is set.
func (f *FeatureVector) HasFeature(bit uint16) bool {
	if f == nil {
		return false
	}
	_, ok := f.bits[bit]
	return ok
}

// ChannelRangeQueriesExtended is the feature bit gating the extended
// query_channel_range/reply_channel_range TLVs this core requires.
const ChannelRangeQueriesExtended uint16 = 13

// Init is the feature-negotiation message exchanged right after the Noise
// handshake completes.
type Init struct {
	GlobalFeatures *FeatureVector
	Features       *FeatureVector
}

// Sig is an ECDSA signature over a double-SHA256 digest, as BOLT 7 uses
// throughout gossip messages.
type Sig struct {
	*ecdsa.Signature
}

// Verify checks sig against digest under pubKey.
func (s Sig) Verify(digest []byte, pubKey *btcec.PublicKey) bool {
	if s.Signature == nil || pubKey == nil {
		return false
	}
	return s.Signature.Verify(digest, pubKey)
}

// ChannelAnnouncement is the canonical, signed fact that a public channel
// exists, per spec.md section 3.
type ChannelAnnouncement struct {
	ShortChannelID ShortChannelID
	NodeID1        *btcec.PublicKey
	NodeID2        *btcec.PublicKey
	BitcoinKey1    *btcec.PublicKey
	BitcoinKey2    *btcec.PublicKey

	NodeSig1    Sig
	NodeSig2    Sig
	BitcoinSig1 Sig
	BitcoinSig2 Sig

	Features *FeatureVector
	ChainHash [32]byte
}

// ChannelAnnouncement1 is the lite, signature-stripped form a SyncWorker
// stores once an SCID is proven (spec.md section 4.1, gossip phase).
type ChannelAnnouncement1 struct {
	ShortChannelID ShortChannelID
	NodeID1        NodeID
	NodeID2        NodeID
}

// Lite drops the signatures and retains only what downstream consensus
// needs.
func (a *ChannelAnnouncement) Lite() ChannelAnnouncement1 {
	return ChannelAnnouncement1{
		ShortChannelID: a.ShortChannelID,
		NodeID1:        NewNodeID(a.NodeID1),
		NodeID2:        NewNodeID(a.NodeID2),
	}
}

// ChannelUpdate carries one direction's routing policy for a channel.
type ChannelUpdate struct {
	ShortChannelID  ShortChannelID
	ChainHash       [32]byte
	Timestamp       uint32
	MessageFlags    uint8
	ChannelFlags    uint8
	TimeLockDelta   uint16
	HtlcMinimumMsat MilliSatoshi
	BaseFee         uint32
	FeeRate         uint32
	HtlcMaximumMsat MilliSatoshi
	HasMaxHtlc      bool
	Signature       Sig
}

// Direction returns 0 or 1, per the BOLT 7 direction bit.
func (u *ChannelUpdate) Direction() uint8 {
	return u.ChannelFlags & 0x01
}

// Disabled reports the BOLT 7 "disabled" bit.
func (u *ChannelUpdate) Disabled() bool {
	return u.ChannelFlags&0x02 != 0
}

// UpdateCore is the policy-only identity of a channel update: two updates
// with equal UpdateCore are the "same" update regardless of timestamp or
// signature (spec.md section 3).
type UpdateCore struct {
	ShortChannelID  ShortChannelID
	Direction       uint8
	MessageFlags    uint8
	ChannelFlags    uint8
	TimeLockDelta   uint16
	HtlcMinimumMsat MilliSatoshi
	BaseFee         uint32
	FeeRate         uint32
	HtlcMaximumMsat MilliSatoshi
	HasMaxHtlc      bool
}

// Core projects a ChannelUpdate down to its UpdateCore.
func (u *ChannelUpdate) Core() UpdateCore {
	return UpdateCore{
		ShortChannelID:  u.ShortChannelID,
		Direction:       u.Direction(),
		MessageFlags:    u.MessageFlags,
		ChannelFlags:    u.ChannelFlags,
		TimeLockDelta:   u.TimeLockDelta,
		HtlcMinimumMsat: u.HtlcMinimumMsat,
		BaseFee:         u.BaseFee,
		FeeRate:         u.FeeRate,
		HtlcMaximumMsat: u.HtlcMaximumMsat,
		HasMaxHtlc:      u.HasMaxHtlc,
	}
}

// NodeAnnouncement carries node metadata signed by the advertising node.
type NodeAnnouncement struct {
	Signature Sig
	Timestamp uint32
	NodeID    *btcec.PublicKey
	RGBColor  [3]byte
	Alias     string
	Addresses []net.Addr
	Features  *FeatureVector
}

// QueryChannelRange asks a peer for every SCID it knows of in a block
// range.
type QueryChannelRange struct {
	ChainHash   [32]byte
	FirstBlockHeight uint32
	NumBlocks        uint32
	WantAllTimestamps bool
	WantAllChecksums  bool
}

// ReplyChannelRange is one batch of a peer's answer to QueryChannelRange.
// The three slices are parallel arrays; a reply is holistic (spec.md
// section 3) iff they are all the same length.
type ReplyChannelRange struct {
	ChainHash    [32]byte
	SyncComplete bool
	ShortChanIDs []ShortChannelID
	Timestamps   [][2]uint32 // per-direction timestamps, 0 if absent
	Checksums    [][2]uint32 // per-direction checksums, 0 if absent
}

// Holistic reports whether the parallel arrays agree in length.
func (r *ReplyChannelRange) Holistic() bool {
	n := len(r.ShortChanIDs)
	return len(r.Timestamps) == n && len(r.Checksums) == n
}

// QueryShortChannelIDsFlag is one bit of the encoded-query-flags TLV.
type QueryShortChannelIDsFlag uint8

const (
	FlagChannelAnnouncement QueryShortChannelIDsFlag = 1 << 0
	FlagChannelUpdate1      QueryShortChannelIDsFlag = 1 << 1
	FlagChannelUpdate2      QueryShortChannelIDsFlag = 1 << 2
	FlagNodeAnnouncement1   QueryShortChannelIDsFlag = 1 << 3
	FlagNodeAnnouncement2   QueryShortChannelIDsFlag = 1 << 4
)

// ShortChanIDAndFlag pairs one SCID with the query flags to request for
// it.
type ShortChanIDAndFlag struct {
	ShortChanID ShortChannelID
	Flag        QueryShortChannelIDsFlag
}

// QueryShortChannelIDs is one batch request for specific gossip messages
// about a set of known SCIDs.
type QueryShortChannelIDs struct {
	ChainHash [32]byte
	SCIDs     []ShortChanIDAndFlag
}

// ReplyShortChannelIDsEnd terminates one QueryShortChannelIDs batch.
type ReplyShortChannelIDsEnd struct {
	ChainHash  [32]byte
	Complete   bool
}

// QueryPublicHostedChannels asks a single peer (the hosting node) for the
// private hosted channels it is willing to disclose.
type QueryPublicHostedChannels struct {
	ChainHash [32]byte
}

// ReplyPublicHostedChannelsEnd terminates a PHC reply stream.
type ReplyPublicHostedChannelsEnd struct {
	ChainHash [32]byte
}

// UpdateAddHTLC is the command used to add one HTLC to a channel.
type UpdateAddHTLC struct {
	ChanID      [32]byte
	ID          uint64
	Amount      MilliSatoshi
	PaymentHash PaymentHash
	Expiry      uint32
	OnionBlob   [1300]byte
}
