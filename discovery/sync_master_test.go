package discovery

import (
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/require"

	"github.com/standardsats/immortan/lnwire"
)

func newTestMaster(t *testing.T, cfg Config) *SyncMaster {
	t.Helper()
	m := NewSyncMaster(cfg, nil, nil)
	t.Cleanup(func() {
		if m.state != masterShutDown {
			close(m.quit)
		}
	})
	return m
}

// attachWorker creates a real SyncWorker pointed at a freshly generated
// peer identity and registers it with m the same way spawnWorker does,
// without requiring a Transport.
func attachWorker(t *testing.T, m *SyncMaster) *SyncWorker {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	addr := lnwire.NetAddress{IdentityKey: priv.PubKey()}
	w := NewSyncWorker(m, addr, nil)
	t.Cleanup(func() { w.Send(CMDShutdown{}) })
	m.workers[w] = struct{}{}
	return w
}

func TestComputeProofAndStartGossip_RequiresMoreThanAcceptThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AcceptThreshold = 1
	cfg.MaxConnections = 3
	m := newTestMaster(t, cfg)

	w1 := attachWorker(t, m)
	w2 := attachWorker(t, m)
	w3 := attachWorker(t, m)

	provenSCID := lnwire.ShortChannelID{BlockHeight: 100}
	onlyOneSCID := lnwire.ShortChannelID{BlockHeight: 200}

	m.process(shortIdsCompleteMsg{w: w1, data: shortIDReply{scids: []lnwire.ShortChannelID{provenSCID, onlyOneSCID}}})
	m.process(shortIdsCompleteMsg{w: w2, data: shortIDReply{scids: []lnwire.ShortChannelID{provenSCID}}})
	m.process(shortIdsCompleteMsg{w: w3, data: shortIDReply{scids: []lnwire.ShortChannelID{provenSCID}}})

	require.Equal(t, masterGossiping, m.state)
	require.Contains(t, m.provenShortIds, provenSCID)
	require.NotContains(t, m.provenShortIds, onlyOneSCID,
		"a single reporter does not exceed AcceptThreshold=1")
}

func TestComputeProofAndStartGossip_TriggersOnceMaxConnectionsReport(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConnections = 2
	m := newTestMaster(t, cfg)

	w1 := attachWorker(t, m)
	w2 := attachWorker(t, m)

	m.process(shortIdsCompleteMsg{w: w1, data: shortIDReply{}})
	require.Equal(t, masterCollectingShortIDs, m.state, "must wait for all MaxConnections reports")

	m.process(shortIdsCompleteMsg{w: w2, data: shortIDReply{}})
	require.Equal(t, masterGossiping, m.state)
}

func TestIsExcluded_MissingMaxHtlcIsExcluded(t *testing.T) {
	m := newTestMaster(t, DefaultConfig())
	u := &lnwire.ChannelUpdate{HasMaxHtlc: false}
	require.True(t, m.IsExcluded(u))
}

func TestIsExcluded_BelowMinCapacityIsExcluded(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinCapacity = 1_000_000
	m := newTestMaster(t, cfg)

	u := &lnwire.ChannelUpdate{HasMaxHtlc: true, HtlcMaximumMsat: 999_999, HtlcMinimumMsat: 0}
	require.True(t, m.IsExcluded(u))
}

func TestIsExcluded_MaxNotAboveMinIsExcluded(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinCapacity = 0
	m := newTestMaster(t, cfg)

	u := &lnwire.ChannelUpdate{HasMaxHtlc: true, HtlcMaximumMsat: 500, HtlcMinimumMsat: 500}
	require.True(t, m.IsExcluded(u))
}

func TestIsExcluded_AdmitsWellFormedUpdate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinCapacity = 0
	m := newTestMaster(t, cfg)

	u := &lnwire.ChannelUpdate{HasMaxHtlc: true, HtlcMaximumMsat: 1000, HtlcMinimumMsat: 1}
	require.False(t, m.IsExcluded(u))
}

func TestDistill_OnlyEmitsEntriesOverThresholdAndEvicts(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AcceptThreshold = 1
	m := newTestMaster(t, cfg)

	confirmedSCID := lnwire.ShortChannelID{BlockHeight: 1}
	unconfirmedSCID := lnwire.ShortChannelID{BlockHeight: 2}

	m.foldChunkFor(lnwire.NodeID{1}, chunkResult{
		announces: []lnwire.ChannelAnnouncement1{{ShortChannelID: confirmedSCID}},
	})
	m.foldChunkFor(lnwire.NodeID{2}, chunkResult{
		announces: []lnwire.ChannelAnnouncement1{{ShortChannelID: confirmedSCID}},
	})
	m.foldChunkFor(lnwire.NodeID{3}, chunkResult{
		announces: []lnwire.ChannelAnnouncement1{{ShortChannelID: unconfirmedSCID}},
	})

	snap := m.distill()

	require.Len(t, snap.Announces, 1)
	require.Equal(t, confirmedSCID, snap.Announces[0].ShortChannelID)

	require.NotContains(t, m.confirmedChanAnnounces, confirmedSCID, "emitted entries must be evicted")
	require.Contains(t, m.confirmedChanAnnounces, unconfirmedSCID, "below-threshold entries stay pending")
}

func TestEmitFinalSnapshot_ClearsAccumulatorsAndShutsDown(t *testing.T) {
	m := newTestMaster(t, DefaultConfig())

	var delivered PureRoutingData
	var totalCompleted bool
	m.onChunkSyncComplete = func(d PureRoutingData) { delivered = d }
	m.onTotalSyncComplete = func() { totalCompleted = true }

	m.foldChunkFor(lnwire.NodeID{1}, chunkResult{
		announces: []lnwire.ChannelAnnouncement1{{ShortChannelID: lnwire.ShortChannelID{BlockHeight: 1}}},
	})
	m.foldChunkFor(lnwire.NodeID{2}, chunkResult{
		announces: []lnwire.ChannelAnnouncement1{{ShortChannelID: lnwire.ShortChannelID{BlockHeight: 1}}},
	})

	m.emitFinalSnapshot()

	require.Len(t, delivered.Announces, 1)
	require.Equal(t, 0, delivered.QueriesLeft)
	require.True(t, totalCompleted)
	require.Empty(t, m.confirmedChanAnnounces)
	require.Equal(t, masterShutDown, m.state)
}

func TestGossipCompleteMsg_TriggersFinalSnapshotOnceAllWorkersDrain(t *testing.T) {
	m := newTestMaster(t, DefaultConfig())
	w1 := attachWorker(t, m)
	w2 := attachWorker(t, m)

	var totalCompleted bool
	m.onTotalSyncComplete = func() { totalCompleted = true }

	m.process(gossipCompleteMsg{w: w1})
	require.False(t, totalCompleted, "one remaining worker must block final completion")

	m.process(gossipCompleteMsg{w: w2})
	require.True(t, totalCompleted)
	require.Equal(t, masterShutDown, m.state)
}

func TestHandleWorkerDisconnect_DropsWorkerAndItsAccumulatedState(t *testing.T) {
	m := newTestMaster(t, DefaultConfig())
	w := attachWorker(t, m)
	m.shortIDData[w] = shortIDReply{holistic: true}
	m.pendingQueriesLeft[w] = 3

	m.handleWorkerDisconnect(w, true, nil)

	require.NotContains(t, m.workers, w)
	require.NotContains(t, m.shortIDData, w)
	require.NotContains(t, m.pendingQueriesLeft, w)
}

func TestNextCandidate_NeverRepeatsAUsedPeer(t *testing.T) {
	m := newTestMaster(t, DefaultConfig())

	var candidates []lnwire.NetAddress
	seen := make(map[lnwire.NodeID]struct{})
	for i := 0; i < 5; i++ {
		priv, err := btcec.NewPrivateKey()
		require.NoError(t, err)
		candidates = append(candidates, lnwire.NetAddress{IdentityKey: priv.PubKey()})
	}
	m.candidates = candidates

	for i := 0; i < 5; i++ {
		cand, ok := m.nextCandidate()
		require.True(t, ok)
		id := lnwire.NewNodeID(cand.IdentityKey)
		require.NotContains(t, seen, id, "must not hand out the same peer twice")
		seen[id] = struct{}{}
	}

	_, ok := m.nextCandidate()
	require.False(t, ok, "pool must be exhausted after every candidate is used")
}
