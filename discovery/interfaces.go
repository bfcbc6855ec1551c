package discovery

import (
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/standardsats/immortan/lnwire"
)

// PeerHandle is the messaging surface a SyncWorker actually needs from its
// Noise-encrypted transport connection, per spec.md section 6. The Noise
// layer itself is an external collaborator; this is the call surface the
// core consumes.
type PeerHandle interface {
	// SendMany delivers a batch of messages over the wire, in order.
	SendMany(msgs ...interface{}) error

	// NodeID is this peer's long-term public key.
	NodeID() *btcec.PublicKey
}

// Transport listens for and dials peers on behalf of the sync engine and
// reports connection lifecycle back through the listener callbacks,
// exactly as spec.md section 6 describes.
type Transport interface {
	// Listen establishes a connection using a fresh ephemeral keypair
	// to the given remote peer, registering listener as the recipient
	// of lifecycle callbacks for it.
	Listen(ephemeralKey *btcec.PrivateKey, remote lnwire.NetAddress, listener SyncListener) error

	// Forget tells the transport it may tear down and discard any
	// state associated with the (ephemeralKey, peerNodeId) pair.
	Forget(ephemeralKey *btcec.PublicKey, peerNodeID lnwire.NodeID)
}

// SyncListener receives transport lifecycle callbacks for one peer
// connection.
type SyncListener interface {
	OnOperational(worker *SyncWorker, init lnwire.Init)
	OnMessage(worker *SyncWorker, msg interface{})
	OnHostedMessage(worker *SyncWorker, msg interface{})
	OnDisconnect(worker *SyncWorker)
}

// ChannelDigest is the per-direction (timestamp, checksum) a router keeps
// for a known channel, used to decide whether a peer's copy is newer
// (spec.md section 4.2, "should_request_update").
type ChannelDigest struct {
	Timestamp [2]uint32
	Checksum  [2]uint32
	HasUpdate [2]bool
}

// Router is the read-only view spec.md section 6 grants the sync engine
// onto the persistent router database and graph. The store itself is an
// external collaborator; updates flow into it but are never awaited.
type Router interface {
	// HasChannel reports whether scid is already known locally.
	HasChannel(scid lnwire.ShortChannelID) bool

	// GetChannelDigestInfo returns the locally stored digest for scid,
	// if any.
	GetChannelDigestInfo(scid lnwire.ShortChannelID) (ChannelDigest, bool)

	// Adjacency returns the number of public-channel neighbors node has
	// in the local graph. No code in this package calls it at present;
	// PHC admission does not consult it.
	Adjacency(node lnwire.NodeID) int
}

// Clock is the wall-clock external collaborator of spec.md section 6,
// used for the stamped failure-recovery timeline. github.com/
// lightningnetwork/lnd/clock.Clock satisfies this interface directly.
type Clock interface {
	Now() time.Time
}
