package discovery

import (
	"math/rand"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/lightningnetwork/lnd/queue"
	"github.com/standardsats/immortan/lnwire"
)

// masterState is the SyncMaster's phase: collecting short-id reports from
// every worker, cross-validating gossip replies, or finished.
type masterState uint8

const (
	masterCollectingShortIDs masterState = iota
	masterGossiping
	masterShutDown
)

// announceEntry and updateEntry track the distinct node ids that have
// confirmed one announcement or update-core, keyed so re-delivery of the same chunk
// from the same reporter is a no-op (the idempotence property of
// spec.md section 8).
type announceEntry struct {
	value     lnwire.ChannelAnnouncement1
	reporters map[lnwire.NodeID]struct{}
}

type updateEntry struct {
	value     lnwire.ChannelUpdate
	reporters map[lnwire.NodeID]struct{}
}

// SyncMaster supervises N parallel SyncWorkers, cross-validates gossip by
// K-of-N agreement, and emits vetted routing snapshots in batches, per
// spec.md section 4.2.
type SyncMaster struct {
	cfg      Config
	trans    Transport
	router   Router
	mailbox  *queue.ConcurrentQueue
	quit     chan struct{}
	rng      *rand.Rand

	onChunkSyncComplete func(PureRoutingData)
	onTotalSyncComplete func()
	onNodeAnnouncement  func(*lnwire.NodeAnnouncement)

	requestNodeAnnounce map[lnwire.ShortChannelID]struct{}

	state masterState

	candidates []lnwire.NetAddress
	usedPeers  map[lnwire.NodeID]struct{}

	workers            map[*SyncWorker]struct{}
	shortIDData        map[*SyncWorker]shortIDReply
	pendingQueriesLeft map[*SyncWorker]int

	provenShortIds map[lnwire.ShortChannelID]struct{}
	priorExcluded  map[lnwire.ShortChannelID]struct{}

	queryList []lnwire.QueryShortChannelIDs

	confirmedChanAnnounces map[lnwire.ShortChannelID]*announceEntry
	confirmedChanUpdates   map[lnwire.UpdateCore]*updateEntry

	chunksRemaining int
}

// NewSyncMaster constructs a master ready to Start once a candidate peer
// list is supplied.
func NewSyncMaster(cfg Config, trans Transport, router Router) *SyncMaster {
	m := &SyncMaster{
		cfg:                    cfg,
		trans:                  trans,
		router:                 router,
		mailbox:                queue.NewConcurrentQueue(64),
		quit:                   make(chan struct{}),
		rng:                    rand.New(rand.NewSource(time.Now().UnixNano())),
		usedPeers:              make(map[lnwire.NodeID]struct{}),
		workers:                make(map[*SyncWorker]struct{}),
		shortIDData:            make(map[*SyncWorker]shortIDReply),
		pendingQueriesLeft:     make(map[*SyncWorker]int),
		provenShortIds:         make(map[lnwire.ShortChannelID]struct{}),
		priorExcluded:          make(map[lnwire.ShortChannelID]struct{}),
		confirmedChanAnnounces: make(map[lnwire.ShortChannelID]*announceEntry),
		confirmedChanUpdates:   make(map[lnwire.UpdateCore]*updateEntry),
	}
	m.mailbox.Start()
	go m.run()
	return m
}

// Config returns the master's configuration. Part of RemoteNodeInfoSource.
func (m *SyncMaster) Config() Config { return m.cfg }

// Start kicks the master off with an initial candidate pool and the set
// of callbacks spec.md section 4.2 drives. Call once.
func (m *SyncMaster) Start(
	candidates []lnwire.NetAddress,
	requestNodeAnnounce map[lnwire.ShortChannelID]struct{},
	onChunkSyncComplete func(PureRoutingData),
	onTotalSyncComplete func(),
	onNodeAnnouncement func(*lnwire.NodeAnnouncement),
) {
	m.Send(startMsg{
		candidates:          candidates,
		requestNodeAnnounce: requestNodeAnnounce,
		onChunkSyncComplete: onChunkSyncComplete,
		onTotalSyncComplete: onTotalSyncComplete,
		onNodeAnnouncement:  onNodeAnnouncement,
	})
}

type startMsg struct {
	candidates          []lnwire.NetAddress
	requestNodeAnnounce map[lnwire.ShortChannelID]struct{}
	onChunkSyncComplete func(PureRoutingData)
	onTotalSyncComplete func()
	onNodeAnnouncement  func(*lnwire.NodeAnnouncement)
}

type addSyncMsg struct{}

type shortIdsCompleteMsg struct {
	w    *SyncWorker
	data shortIDReply
}

type gossipCompleteMsg struct{ w *SyncWorker }

type disconnectMsg struct {
	w                        *SyncWorker
	hadExtendedRangeQueries  bool
	remainingQueue           []lnwire.QueryShortChannelIDs
}

type nodeAnnMsg struct{ ann *lnwire.NodeAnnouncement }

// Send enqueues msg onto the master's mailbox, never blocking the caller.
func (m *SyncMaster) Send(msg interface{}) {
	select {
	case m.mailbox.ChanIn() <- msg:
	case <-m.quit:
	}
}

func (m *SyncMaster) run() {
	for {
		select {
		case msg := <-m.mailbox.ChanOut():
			m.process(msg)
			if m.state == masterShutDown {
				return
			}
		case <-m.quit:
			return
		}
	}
}

func (m *SyncMaster) process(msg interface{}) {
	switch v := msg.(type) {
	case startMsg:
		m.candidates = v.candidates
		m.requestNodeAnnounce = v.requestNodeAnnounce
		m.onChunkSyncComplete = v.onChunkSyncComplete
		m.onTotalSyncComplete = v.onTotalSyncComplete
		m.onNodeAnnouncement = v.onNodeAnnouncement
		m.chunksRemaining = m.cfg.ChunksToWait
		for i := 0; i < m.cfg.MaxConnections && len(m.candidates) > 0; i++ {
			m.spawnWorker(nil)
		}

	case addSyncMsg:
		m.spawnWorker(nil)

	case shortIdsCompleteMsg:
		m.shortIDData[v.w] = v.data
		if len(m.shortIDData) >= m.cfg.MaxConnections {
			m.computeProofAndStartGossip()
		}

	case reportedChunkCompleteMsg:
		reporter := lnwire.NewNodeID(v.w.Peer().IdentityKey)
		m.foldChunkFor(reporter, v.data)
		if n, ok := m.pendingQueriesLeft[v.w]; ok && n > 0 {
			m.pendingQueriesLeft[v.w] = n - 1
		}
		m.chunksRemaining--
		if m.chunksRemaining <= 0 {
			m.emitSnapshot()
			m.chunksRemaining = m.cfg.ChunksToWait
		}

	case gossipCompleteMsg:
		delete(m.workers, v.w)
		delete(m.pendingQueriesLeft, v.w)
		if len(m.workers) == 0 {
			m.emitFinalSnapshot()
		}

	case disconnectMsg:
		m.handleWorkerDisconnect(v.w, v.hadExtendedRangeQueries, v.remainingQueue)

	case replaceWorkerMsg:
		if m.state != masterShutDown {
			m.spawnWorker(v.queue)
		}

	case nodeAnnMsg:
		if m.onNodeAnnouncement != nil {
			m.onNodeAnnouncement(v.ann)
		}
	}
}

// spawnWorker picks a fresh, previously unused candidate peer, generates
// a fresh random ephemeral keypair, and attaches a new SyncWorker to it
// (spec.md section 3, "Lifecycle"). If inheritedQueue is non-nil the new
// worker is handed straight into the gossip phase with that queue
// (replacement mid-sync); otherwise it starts in Waiting, same as at
// initial spawn.
func (m *SyncMaster) spawnWorker(inheritedQueue []lnwire.QueryShortChannelIDs) {
	peer, ok := m.nextCandidate()
	if !ok {
		log.Warnf("sync candidate pool exhausted, running with %d workers",
			len(m.workers))
		return
	}

	w := NewSyncWorker(m, peer, inheritedQueue)
	m.workers[w] = struct{}{}

	if inheritedQueue != nil {
		m.pendingQueriesLeft[w] = len(inheritedQueue)
	}

	ephemeral, err := btcec.NewPrivateKey()
	if err != nil {
		log.Errorf("unable to generate ephemeral key: %v", err)
		return
	}

	if m.trans != nil {
		if err := m.trans.Listen(ephemeral, peer, workerListener{w}); err != nil {
			log.Errorf("unable to connect to sync candidate: %v", err)
		}
	}
}

// workerListener adapts the SyncListener callback surface onto a
// concrete worker's own message-posting methods.
type workerListener struct{ w *SyncWorker }

func (l workerListener) OnOperational(_ *SyncWorker, init lnwire.Init) { l.w.OnOperational(init) }
func (l workerListener) OnMessage(_ *SyncWorker, msg interface{})      { l.w.OnMessage(msg) }
func (l workerListener) OnHostedMessage(_ *SyncWorker, msg interface{}) { l.w.OnMessage(msg) }
func (l workerListener) OnDisconnect(_ *SyncWorker)                    { l.w.OnDisconnect() }

// nextCandidate pops a uniformly random not-yet-used candidate peer.
func (m *SyncMaster) nextCandidate() (lnwire.NetAddress, bool) {
	for len(m.candidates) > 0 {
		i := m.rng.Intn(len(m.candidates))
		cand := m.candidates[i]
		m.candidates = append(m.candidates[:i], m.candidates[i+1:]...)

		id := lnwire.NewNodeID(cand.IdentityKey)
		if _, used := m.usedPeers[id]; used {
			continue
		}
		m.usedPeers[id] = struct{}{}
		return cand, true
	}
	return lnwire.NetAddress{}, false
}

// computeProofAndStartGossip is spec.md section 4.2's "Proof computation"
// followed immediately by query derivation and the gossip-phase
// transition, since provenShortIds must be set before reply2Query runs.
func (m *SyncMaster) computeProofAndStartGossip() {
	replies := make([]shortIDReply, 0, len(m.shortIDData))
	for _, r := range m.shortIDData {
		replies = append(replies, r)
	}

	counts := make(map[lnwire.ShortChannelID]map[lnwire.NodeID]struct{})
	for w, r := range m.shortIDData {
		peerID := lnwire.NewNodeID(w.Peer().IdentityKey)
		for _, scid := range r.scids {
			if counts[scid] == nil {
				counts[scid] = make(map[lnwire.NodeID]struct{})
			}
			counts[scid][peerID] = struct{}{}
		}
	}

	m.provenShortIds = make(map[lnwire.ShortChannelID]struct{})
	for scid, reporters := range counts {
		if len(reporters) > m.cfg.AcceptThreshold {
			m.provenShortIds[scid] = struct{}{}
		}
	}

	m.queryList = reply2Query(
		replies, m.provenShortIds, m.priorExcluded, m.requestNodeAnnounce,
		m.router, m.cfg.MessagesToAsk,
	)

	m.state = masterGossiping
	for w := range m.workers {
		queueCopy := append([]lnwire.QueryShortChannelIDs(nil), m.queryList...)
		m.pendingQueriesLeft[w] = len(queueCopy)
		w.Send(beginGossip{queue: queueCopy})
	}
}

// foldChunkFor merges one worker's per-chunk contribution into the
// master's confirmed-reporter sets, per spec.md section 4.2.
func (m *SyncMaster) foldChunkFor(reporter lnwire.NodeID, data chunkResult) {
	for _, a := range data.announces {
		e, ok := m.confirmedChanAnnounces[a.ShortChannelID]
		if !ok {
			e = &announceEntry{value: a, reporters: make(map[lnwire.NodeID]struct{})}
			m.confirmedChanAnnounces[a.ShortChannelID] = e
		}
		e.reporters[reporter] = struct{}{}
	}

	for _, u := range data.updates {
		core := u.Core()
		e, ok := m.confirmedChanUpdates[core]
		if !ok {
			e = &updateEntry{reporters: make(map[lnwire.NodeID]struct{})}
			m.confirmedChanUpdates[core] = e
		}
		e.value = u
		e.reporters[reporter] = struct{}{}
	}

	for scid := range data.excluded {
		m.priorExcluded[scid] = struct{}{}
	}
}

// emitSnapshot distills and delivers one PureRoutingData batch, then
// evicts the emitted entries from the accumulators (spec.md section 4.2).
func (m *SyncMaster) emitSnapshot() {
	snap := m.distill()

	queriesLeft := 0
	for _, n := range m.pendingQueriesLeft {
		queriesLeft += n
	}
	snap.QueriesLeft = queriesLeft

	if m.onChunkSyncComplete != nil {
		m.onChunkSyncComplete(snap)
	}
}

// emitFinalSnapshot flushes one last PureRoutingData with QueriesLeft=0,
// clears the accumulators, and signals total completion (spec.md section
// 4.2, "Completion").
func (m *SyncMaster) emitFinalSnapshot() {
	snap := m.distill()
	snap.QueriesLeft = 0

	if m.onChunkSyncComplete != nil {
		m.onChunkSyncComplete(snap)
	}

	m.confirmedChanAnnounces = make(map[lnwire.ShortChannelID]*announceEntry)
	m.confirmedChanUpdates = make(map[lnwire.UpdateCore]*updateEntry)

	if m.onTotalSyncComplete != nil {
		m.onTotalSyncComplete()
	}

	m.state = masterShutDown
	close(m.quit)
	m.mailbox.Stop()
}

// distill converts the accumulators into a PureRoutingData snapshot of
// everything confirmed by strictly more than acceptThreshold reporters
// (invariants P1/P2), then evicts those entries.
func (m *SyncMaster) distill() PureRoutingData {
	var snap PureRoutingData

	for scid, e := range m.confirmedChanAnnounces {
		if len(e.reporters) > m.cfg.AcceptThreshold {
			snap.Announces = append(snap.Announces, e.value)
			delete(m.confirmedChanAnnounces, scid)
		}
	}

	for core, e := range m.confirmedChanUpdates {
		if len(e.reporters) > m.cfg.AcceptThreshold {
			snap.Updates = append(snap.Updates, e.value)
			delete(m.confirmedChanUpdates, core)
		}
	}

	return snap
}

// handleWorkerDisconnect is spec.md section 4.2's disconnection policy:
// drop the worker; if it never proved extended-range support, evict its
// peer from the candidate pool permanently; schedule a replacement after
// ReconnectBackoff, which inherits the dead worker's remaining query
// queue if the sync was already in the gossip phase.
func (m *SyncMaster) handleWorkerDisconnect(w *SyncWorker, hadExtendedRangeQueries bool, remaining []lnwire.QueryShortChannelIDs) {
	delete(m.workers, w)
	delete(m.shortIDData, w)
	delete(m.pendingQueriesLeft, w)

	if m.state == masterShutDown {
		return
	}

	if !hadExtendedRangeQueries {
		log.Debugf("evicting peer lacking extended range queries from pool")
	}

	inherit := remaining
	master := m
	time.AfterFunc(m.cfg.ReconnectBackoff, func() {
		master.Send(replaceWorkerMsg{queue: inherit})
	})
}

type replaceWorkerMsg struct {
	queue []lnwire.QueryShortChannelIDs
}

// --- RemoteNodeInfoSource implementation -----------------------------------

func (m *SyncMaster) IsProven(scid lnwire.ShortChannelID) bool {
	_, ok := m.provenShortIds[scid]
	return ok
}

func (m *SyncMaster) IsExcluded(u *lnwire.ChannelUpdate) bool {
	if !u.HasMaxHtlc {
		return true
	}
	if uint64(u.HtlcMaximumMsat) < m.cfg.MinCapacity {
		return true
	}
	if u.HtlcMaximumMsat <= u.HtlcMinimumMsat {
		return true
	}
	return false
}

func (m *SyncMaster) OnNodeAnnouncement(ann *lnwire.NodeAnnouncement) {
	m.Send(nodeAnnMsg{ann: ann})
}

func (m *SyncMaster) DeliverShortIdsComplete(w *SyncWorker, data shortIDReply) {
	m.Send(shortIdsCompleteMsg{w: w, data: data})
}

func (m *SyncMaster) DeliverChunkComplete(w *SyncWorker, data chunkResult) {
	m.Send(reportedChunkCompleteMsg{w: w, data: data})
}

type reportedChunkCompleteMsg struct {
	w    *SyncWorker
	data chunkResult
}

func (m *SyncMaster) DeliverGossipComplete(w *SyncWorker) {
	m.Send(gossipCompleteMsg{w: w})
}

func (m *SyncMaster) DeliverPHCComplete(w *SyncWorker, data CompleteHostedRoutingData) {
	// SyncMaster itself does not run PHC sync; PHCSyncMaster does. A
	// plain SyncMaster never hands a worker into the PHC phase, so this
	// is unreachable in practice and only exists to satisfy the shared
	// RemoteNodeInfoSource interface.
}

func (m *SyncMaster) DeliverDisconnect(w *SyncWorker, hadExtendedRangeQueries bool, remainingQueue []lnwire.QueryShortChannelIDs) {
	m.Send(disconnectMsg{w: w, hadExtendedRangeQueries: hadExtendedRangeQueries, remainingQueue: remainingQueue})
}
