package discovery

import (
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/lightningnetwork/lnd/queue"
	"github.com/standardsats/immortan/lnwire"
)

// workerState is the SyncWorker's current phase, chosen by which data
// object the master injects on transition out of Waiting (spec.md
// section 4.1).
type workerState uint8

const (
	stateWaiting workerState = iota
	stateShortIDSync
	stateGossipSync
	statePHCSync
	stateShutDown
)

func (s workerState) String() string {
	switch s {
	case stateWaiting:
		return "Waiting"
	case stateShortIDSync:
		return "ShortIDSync"
	case stateGossipSync:
		return "GossipSync"
	case statePHCSync:
		return "PHCSync"
	case stateShutDown:
		return "ShutDown"
	default:
		return "Unknown"
	}
}

// phcProgress tracks per-SCID expected-direction bookkeeping and the
// per-node PHC cap while the worker is in the PHC phase (spec.md section
// 4.1).
type phcProgress struct {
	expectedPositions map[lnwire.ShortChannelID]map[uint8]struct{}
	nodeIDToShortIDs  map[lnwire.NodeID]map[lnwire.ShortChannelID]struct{}
	announces         map[lnwire.ShortChannelID]lnwire.ChannelAnnouncement1
	updates           []lnwire.ChannelUpdate
}

// SyncWorker drives one peer through one phase of BOLT 7 gossip sync over
// one Noise connection, per spec.md section 4.1. It is a single-threaded
// cooperative actor: all of its state is private and only touched from
// its own run loop.
type SyncWorker struct {
	master RemoteNodeInfoSource
	peer   lnwire.NetAddress

	mailbox *queue.ConcurrentQueue

	state workerState

	// short-id phase accumulator.
	pendingRanges []lnwire.ReplyChannelRange

	// gossip-phase query queue, supplied whole by the master on
	// transition into GossipSync.
	queryQueue []lnwire.QueryShortChannelIDs

	// gossip-phase per-chunk accumulators, reset after each
	// CMDChunkComplete emission.
	announces map[lnwire.ShortChannelID]lnwire.ChannelAnnouncement1
	updates   map[updateCoreKey]lnwire.ChannelUpdate
	excluded  map[lnwire.ShortChannelID]struct{}

	phc phcProgress

	// presetQueue is non-nil for a replacement worker spawned mid-gossip
	// (spec.md section 4.2, "the replacement worker inherits the
	// disconnected worker's remaining query queue"): such a worker
	// skips the short-id phase entirely once operational.
	presetQueue []lnwire.QueryShortChannelIDs

	quit       chan struct{}
	shutdownMu sync.Once
}

// RemoteNodeInfoSource is the narrow slice of SyncMaster a worker needs:
// enough to consult proven SCIDs and exclusions and to report completion,
// without the worker owning a reference back into the master's internals.
type RemoteNodeInfoSource interface {
	IsProven(scid lnwire.ShortChannelID) bool
	IsExcluded(update *lnwire.ChannelUpdate) bool
	OnNodeAnnouncement(ann *lnwire.NodeAnnouncement)
	DeliverShortIdsComplete(w *SyncWorker, data shortIDReply)
	DeliverChunkComplete(w *SyncWorker, data chunkResult)
	DeliverGossipComplete(w *SyncWorker)
	DeliverPHCComplete(w *SyncWorker, data CompleteHostedRoutingData)
	DeliverDisconnect(w *SyncWorker, hadExtendedRangeQueries bool, remainingQueue []lnwire.QueryShortChannelIDs)
	Config() Config
}

// NewSyncWorker constructs a worker in the Waiting state, mailbox started,
// not yet attached to any transport connection. presetQueue is non-nil
// only for a replacement worker that should skip the short-id phase and
// enter gossip sync directly with the inherited queue once operational.
func NewSyncWorker(master RemoteNodeInfoSource, peer lnwire.NetAddress, presetQueue []lnwire.QueryShortChannelIDs) *SyncWorker {
	w := &SyncWorker{
		master:      master,
		peer:        peer,
		mailbox:     queue.NewConcurrentQueue(64),
		state:       stateWaiting,
		presetQueue: presetQueue,
		quit:        make(chan struct{}),
	}
	w.mailbox.Start()
	go w.run()
	return w
}

// Peer returns the candidate peer this worker is assigned to.
func (w *SyncWorker) Peer() lnwire.NetAddress {
	return w.peer
}

// State reports the worker's current phase. Exposed for tests and
// logging only; never consulted for control flow outside the worker's own
// goroutine.
func (w *SyncWorker) State() string {
	return w.state.String()
}

// Send enqueues msg onto the worker's mailbox. Never blocks the caller:
// the mailbox is an unbounded buffered queue.
func (w *SyncWorker) Send(msg interface{}) {
	select {
	case w.mailbox.ChanIn() <- msg:
	case <-w.quit:
	}
}

// run is the worker's single-consumer message loop. It must be launched
// exactly once, as a goroutine.
func (w *SyncWorker) run() {
	for {
		select {
		case msg := <-w.mailbox.ChanOut():
			w.process(msg)
			if w.state == stateShutDown {
				return
			}
		case <-w.quit:
			return
		}
	}
}

// onOperationalMsg carries the negotiated Init features from the
// transport once the Noise handshake completes.
type onOperationalMsg struct {
	init lnwire.Init
}

// OnOperational is called by the transport once the connection is usable.
func (w *SyncWorker) OnOperational(init lnwire.Init) {
	w.Send(onOperationalMsg{init: init})
}

// OnMessage is called by the transport for every gossip message received
// from the peer.
func (w *SyncWorker) OnMessage(msg interface{}) {
	w.Send(msg)
}

// OnDisconnect is called by the transport when the connection drops.
func (w *SyncWorker) OnDisconnect() {
	w.Send(disconnectedMsg{})
}

type disconnectedMsg struct{}

// beginGossip is sent by the master to hand this (already short-id
// synced) worker its query queue and move it into GossipSync.
type beginGossip struct {
	queue []lnwire.QueryShortChannelIDs
}

// beginPHC is sent by the master to move a dedicated PHC worker into the
// PHC phase.
type beginPHC struct{}

// process dispatches one mailbox message. It never blocks: the worker
// performs no I/O itself (it holds no PeerHandle and sends no queries);
// everything it reacts to arrives from the transport as a message.
func (w *SyncWorker) process(msg interface{}) {
	switch m := msg.(type) {
	case onOperationalMsg:
		w.handleOperational(m.init)

	case disconnectedMsg:
		w.handleDisconnect()

	case beginGossip:
		w.queryQueue = m.queue
		w.state = stateGossipSync
		w.resetChunkAccumulators()
		w.sendNextBatch()

	case beginPHC:
		w.state = statePHCSync
		w.phc = phcProgress{
			expectedPositions: make(map[lnwire.ShortChannelID]map[uint8]struct{}),
			nodeIDToShortIDs:  make(map[lnwire.NodeID]map[lnwire.ShortChannelID]struct{}),
			announces:         make(map[lnwire.ShortChannelID]lnwire.ChannelAnnouncement1),
		}

	case *lnwire.ReplyChannelRange:
		w.handleReplyChannelRange(m)

	case *lnwire.ChannelAnnouncement:
		w.handleChannelAnnouncement(m)

	case *lnwire.ChannelUpdate:
		w.handleChannelUpdate(m)

	case *lnwire.NodeAnnouncement:
		w.handleNodeAnnouncement(m)

	case *lnwire.ReplyShortChannelIDsEnd:
		w.handleChunkEnd()

	case *lnwire.ReplyPublicHostedChannelsEnd:
		w.handlePHCEnd()

	case CMDShutdown:
		w.handleShutdown()
	}
}

// handleOperational is the "handshake guard" of spec.md section 4.1: a
// peer lacking the extended range-query feature is disconnected
// immediately and evicted from the candidate pool by the master.
func (w *SyncWorker) handleOperational(init lnwire.Init) {
	if !init.Features.HasFeature(lnwire.ChannelRangeQueriesExtended) {
		log.Debugf("peer lacks extended range queries, disconnecting")
		w.master.DeliverDisconnect(w, false, nil)
		w.shutdown()
		return
	}

	if w.presetQueue != nil {
		log.Debugf("peer operational, resuming inherited gossip queue")
		w.state = stateGossipSync
		w.queryQueue = w.presetQueue
		w.resetChunkAccumulators()
		w.sendNextBatch()
		return
	}

	if w.state == statePHCSync {
		log.Debugf("peer operational, continuing PHC sync")
		return
	}

	log.Debugf("peer operational, beginning short-id sync")
	w.state = stateShortIDSync
	w.pendingRanges = nil
}

// handleReplyChannelRange accumulates one ReplyChannelRange block by
// prepending it to the pending list, per spec.md section 4.1.
func (w *SyncWorker) handleReplyChannelRange(r *lnwire.ReplyChannelRange) {
	if w.state != stateShortIDSync {
		return
	}

	w.pendingRanges = append([]lnwire.ReplyChannelRange{*r}, w.pendingRanges...)

	if !r.SyncComplete {
		return
	}

	data := foldReplies(w.pendingRanges)
	w.master.DeliverShortIdsComplete(w, data)
}

// foldReplies merges the (possibly multiple) holistic-or-not ReplyChannelRange
// blocks a worker has collected into the single reply the master consumes
// for proof computation. Non-holistic blocks are discarded whole, per
// spec.md section 3.
func foldReplies(blocks []lnwire.ReplyChannelRange) shortIDReply {
	out := shortIDReply{holistic: true}
	for _, b := range blocks {
		if !b.Holistic() {
			continue
		}
		out.scids = append(out.scids, b.ShortChanIDs...)
		out.ts = append(out.ts, b.Timestamps...)
		out.checksums = append(out.checksums, b.Checksums...)
	}
	return out
}

func (w *SyncWorker) resetChunkAccumulators() {
	w.announces = make(map[lnwire.ShortChannelID]lnwire.ChannelAnnouncement1)
	w.updates = make(map[updateCoreKey]lnwire.ChannelUpdate)
	w.excluded = make(map[lnwire.ShortChannelID]struct{})
}

// sendNextBatch reports gossip completion and shuts down when the
// worker's query queue is empty. With queries left it does nothing: the
// head of the queue is not sent to the peer from here, and the queue only
// advances in handleChunkEnd.
func (w *SyncWorker) sendNextBatch() {
	if len(w.queryQueue) == 0 {
		w.master.DeliverGossipComplete(w)
		w.shutdown()
		return
	}
}

// handleChannelAnnouncement admits an announcement into the worker's
// gossip-phase accumulator iff its SCID is already proven (spec.md
// section 4.1).
func (w *SyncWorker) handleChannelAnnouncement(a *lnwire.ChannelAnnouncement) {
	if w.state != stateGossipSync {
		return
	}
	if !w.master.IsProven(a.ShortChannelID) {
		return
	}
	w.announces[a.ShortChannelID] = a.Lite()
}

// handleChannelUpdate files a proven channel update into either the
// excluded or updates accumulator, per spec.md section 4.1.
func (w *SyncWorker) handleChannelUpdate(u *lnwire.ChannelUpdate) {
	if w.state != stateGossipSync {
		return
	}
	if !w.master.IsProven(u.ShortChannelID) {
		return
	}

	if w.master.IsExcluded(u) {
		w.excluded[u.ShortChannelID] = struct{}{}
		return
	}

	w.updates[u.Core()] = *u
}

// handleNodeAnnouncement forwards a validly signed node announcement to
// the master's onNodeAnnouncement callback, bypassing the worker's own
// accumulators entirely (spec.md section 4.1).
func (w *SyncWorker) handleNodeAnnouncement(a *lnwire.NodeAnnouncement) {
	if err := validateNodeAnn(a); err != nil {
		log.Debugf("dropping invalid node announcement: %v", err)
		return
	}
	w.master.OnNodeAnnouncement(a)
}

// handleChunkEnd advances the query queue, reports the completed chunk to
// the master, and self-triggers the next batch.
func (w *SyncWorker) handleChunkEnd() {
	if w.state != stateGossipSync {
		return
	}

	data := chunkResult{
		announces: mapValues(w.announces),
		updates:   updateMapValues(w.updates),
		excluded:  w.excluded,
	}

	if len(w.queryQueue) > 0 {
		w.queryQueue = w.queryQueue[1:]
	}
	w.resetChunkAccumulators()

	w.master.DeliverChunkComplete(w, data)
	w.sendNextBatch()
}

func mapValues(m map[lnwire.ShortChannelID]lnwire.ChannelAnnouncement1) []lnwire.ChannelAnnouncement1 {
	out := make([]lnwire.ChannelAnnouncement1, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	return out
}

func updateMapValues(m map[updateCoreKey]lnwire.ChannelUpdate) []lnwire.ChannelUpdate {
	out := make([]lnwire.ChannelUpdate, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	return out
}

// handlePHCEnd delivers the collected PHC data to the master and shuts
// down, per spec.md section 4.1.
func (w *SyncWorker) handlePHCEnd() {
	if w.state != statePHCSync {
		return
	}

	data := CompleteHostedRoutingData{
		Updates: w.phc.updates,
	}
	for _, a := range w.phc.announces {
		data.Announces = append(data.Announces, a)
	}

	w.master.DeliverPHCComplete(w, data)
	w.shutdown()
}

// handlePHCAnnouncement is the PHC-phase admission rule of spec.md
// section 4.1: valid only if marked PHC, the SCID matches the
// deterministic hash of its endpoints, and neither endpoint already has
// maxPHCPerNode accepted channels.
func (w *SyncWorker) handlePHCAnnouncement(scid lnwire.ShortChannelID, nodeID1, nodeID2 *btcec.PublicKey) bool {
	if w.state != statePHCSync {
		return false
	}

	id1 := lnwire.NewNodeID(nodeID1)
	id2 := lnwire.NewNodeID(nodeID2)

	if err := validatePHCAnnouncement(scid, id1, id2); err != nil {
		log.Debugf("rejecting PHC announcement: %v", err)
		return false
	}

	maxPerNode := w.master.Config().MaxPHCPerNode
	if len(w.phc.nodeIDToShortIDs[id1]) >= maxPerNode {
		return false
	}
	if len(w.phc.nodeIDToShortIDs[id2]) >= maxPerNode {
		return false
	}

	w.phc.announces[scid] = lnwire.ChannelAnnouncement1{
		ShortChannelID: scid,
		NodeID1:        id1,
		NodeID2:        id2,
	}
	w.phc.expectedPositions[scid] = map[uint8]struct{}{0: {}, 1: {}}

	if w.phc.nodeIDToShortIDs[id1] == nil {
		w.phc.nodeIDToShortIDs[id1] = make(map[lnwire.ShortChannelID]struct{})
	}
	if w.phc.nodeIDToShortIDs[id2] == nil {
		w.phc.nodeIDToShortIDs[id2] = make(map[lnwire.ShortChannelID]struct{})
	}
	w.phc.nodeIDToShortIDs[id1][scid] = struct{}{}
	w.phc.nodeIDToShortIDs[id2][scid] = struct{}{}

	return true
}

// handlePHCUpdate is the PHC-phase update-admission rule of spec.md
// section 4.1: capacity bounds, htlcMinimum ordering, side-specific
// signature, and "direction not yet seen".
func (w *SyncWorker) handlePHCUpdate(u *lnwire.ChannelUpdate) {
	if w.state != statePHCSync {
		return
	}

	ann, ok := w.phc.announces[u.ShortChannelID]
	if !ok {
		return
	}

	cfg := w.master.Config()
	capacity := uint64(u.HtlcMaximumMsat)
	if capacity < cfg.MinPHCCapacity || capacity > cfg.MaxPHCCapacity {
		return
	}
	if capacity <= uint64(u.HtlcMinimumMsat) {
		return
	}

	remaining, ok := w.phc.expectedPositions[u.ShortChannelID]
	if !ok {
		return
	}
	dir := u.Direction()
	if _, seen := remaining[dir]; !seen {
		return
	}

	// Resolve the side-specific signer: direction 0 means node1 is the
	// update's origin.
	var signerID lnwire.NodeID
	if dir == 0 {
		signerID = ann.NodeID1
	} else {
		signerID = ann.NodeID2
	}
	signerKey, err := btcec.ParsePubKey(signerID[:])
	if err != nil {
		return
	}
	if err := ValidateChannelUpdateAnn(signerKey, u); err != nil {
		log.Debugf("rejecting PHC update: %v", err)
		return
	}

	delete(remaining, dir)
	w.phc.updates = append(w.phc.updates, *u)
}

// handleDisconnect notifies the master. The worker reports the peer as
// having had extended range queries whenever it had left Waiting, and
// hands over its remaining query queue; the master decides what to do
// with the peer from there.
func (w *SyncWorker) handleDisconnect() {
	hadExtendedRangeQueries := w.state != stateWaiting
	remaining := append([]lnwire.QueryShortChannelIDs(nil), w.queryQueue...)
	w.master.DeliverDisconnect(w, hadExtendedRangeQueries, remaining)
	w.shutdown()
}

// handleShutdown clears local state. Idempotent, per spec.md section 5.
func (w *SyncWorker) handleShutdown() {
	w.shutdown()
}

// shutdown tears the worker down exactly once, however it was triggered
// (explicit CMDShutdown, disconnect, or natural completion of a phase).
// Safe to invoke repeatedly.
func (w *SyncWorker) shutdown() {
	w.shutdownMu.Do(func() {
		w.pendingRanges = nil
		w.queryQueue = nil
		w.announces = nil
		w.updates = nil
		w.excluded = nil
		w.state = stateShutDown
		close(w.quit)
		w.mailbox.Stop()
	})
}
