package discovery

import (
	"github.com/standardsats/immortan/lnwire"
)

// PureRoutingData is the vetted snapshot the sync master hands to the
// router database and to the payment-graph source of truth (spec.md
// section 3). Only entries confirmed by more than acceptThreshold
// distinct peers ever appear here (invariants P1/P2).
type PureRoutingData struct {
	Announces []lnwire.ChannelAnnouncement1
	Updates   []lnwire.ChannelUpdate

	// QueriesLeft is the sum of still-pending queries across all
	// workers at the moment this snapshot was cut.
	QueriesLeft int
}

// CompleteHostedRoutingData is PHCSyncMaster's terminal delivery, the PHC
// analogue of PureRoutingData.
type CompleteHostedRoutingData struct {
	Announces []lnwire.ChannelAnnouncement1
	Updates   []lnwire.ChannelUpdate
}

// shortIDReply is one worker's accumulated ReplyChannelRange batches from
// the short-id phase, keyed by the peer that reported them.
type shortIDReply struct {
	peer     lnwire.NodeID
	holistic bool
	scids    []lnwire.ShortChannelID
	// ts/checksums are parallel to scids, per direction.
	ts        [][2]uint32
	checksums [][2]uint32
}

// CMDShortIdsComplete is emitted by a SyncWorker when its short-id phase
// finishes (a ReplyChannelRange arrived with SyncComplete set).
type CMDShortIdsComplete struct {
	Worker *SyncWorker
	Data   shortIDReply
}

// chunkResult is one gossip-phase batch worth of worker-local consensus
// contributions, folded into the master's accumulators on receipt.
type chunkResult struct {
	announces []lnwire.ChannelAnnouncement1
	updates   []lnwire.ChannelUpdate
	excluded  map[lnwire.ShortChannelID]struct{}
}

// CMDChunkComplete is emitted by a SyncWorker when one QueryShortChannelIDs
// batch has fully round-tripped (a ReplyShortChannelIDsEnd arrived).
type CMDChunkComplete struct {
	Worker *SyncWorker
	Data   chunkResult
}

// CMDGossipComplete is emitted once a worker's query queue has drained.
type CMDGossipComplete struct {
	Worker *SyncWorker
}

// CMDPHCComplete is emitted by the PHC worker on ReplyPublicHostedChannelsEnd.
type CMDPHCComplete struct {
	Worker *SyncWorker
	Data   CompleteHostedRoutingData
}

// CMDShutdown tells a worker to clear its local state and stop its
// mailbox. Idempotent. The worker holds no Transport, so the transport is
// not told to forget the peer pair.
type CMDShutdown struct{}

// CMDAddSync tells the master to provision and attach a new worker to a
// fresh candidate peer, in the short-id phase.
type CMDAddSync struct{}

// updateCoreKey is the map key used wherever "same update regardless of
// timestamp/signature" needs a comparable value.
type updateCoreKey = lnwire.UpdateCore
