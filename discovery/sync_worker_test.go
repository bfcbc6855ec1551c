package discovery

import (
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/require"

	"github.com/standardsats/immortan/lnwire"
)

// mockRemoteNodeInfoSource is a constructor-injected stand-in for
// RemoteNodeInfoSource, in the teacher's mock.go style: every callback the
// worker can invoke is recorded and, where the worker needs an answer, is
// backed by a settable function field.
type mockRemoteNodeInfoSource struct {
	cfg Config

	provenFn   func(lnwire.ShortChannelID) bool
	excludedFn func(*lnwire.ChannelUpdate) bool

	nodeAnns       []*lnwire.NodeAnnouncement
	shortIDs       []shortIDReply
	chunks         []chunkResult
	gossipComplete int
	phcComplete    []CompleteHostedRoutingData
	disconnects    int
	lastDisconnect struct {
		hadExtended bool
		remaining   []lnwire.QueryShortChannelIDs
	}
}

func (m *mockRemoteNodeInfoSource) IsProven(scid lnwire.ShortChannelID) bool {
	if m.provenFn != nil {
		return m.provenFn(scid)
	}
	return false
}

func (m *mockRemoteNodeInfoSource) IsExcluded(u *lnwire.ChannelUpdate) bool {
	if m.excludedFn != nil {
		return m.excludedFn(u)
	}
	return false
}

func (m *mockRemoteNodeInfoSource) OnNodeAnnouncement(ann *lnwire.NodeAnnouncement) {
	m.nodeAnns = append(m.nodeAnns, ann)
}

func (m *mockRemoteNodeInfoSource) DeliverShortIdsComplete(w *SyncWorker, data shortIDReply) {
	m.shortIDs = append(m.shortIDs, data)
}

func (m *mockRemoteNodeInfoSource) DeliverChunkComplete(w *SyncWorker, data chunkResult) {
	m.chunks = append(m.chunks, data)
}

func (m *mockRemoteNodeInfoSource) DeliverGossipComplete(w *SyncWorker) {
	m.gossipComplete++
}

func (m *mockRemoteNodeInfoSource) DeliverPHCComplete(w *SyncWorker, data CompleteHostedRoutingData) {
	m.phcComplete = append(m.phcComplete, data)
}

func (m *mockRemoteNodeInfoSource) DeliverDisconnect(w *SyncWorker, hadExtendedRangeQueries bool, remainingQueue []lnwire.QueryShortChannelIDs) {
	m.disconnects++
	m.lastDisconnect.hadExtended = hadExtendedRangeQueries
	m.lastDisconnect.remaining = remainingQueue
}

func (m *mockRemoteNodeInfoSource) Config() Config { return m.cfg }

func newTestWorker(t *testing.T, master *mockRemoteNodeInfoSource) *SyncWorker {
	t.Helper()
	w := NewSyncWorker(master, lnwire.NetAddress{}, nil)
	t.Cleanup(func() { w.Send(CMDShutdown{}) })
	return w
}

func TestSyncWorker_HandshakeGuardDisconnectsMissingFeature(t *testing.T) {
	master := &mockRemoteNodeInfoSource{cfg: DefaultConfig()}
	w := newTestWorker(t, master)

	w.process(onOperationalMsg{init: lnwire.Init{Features: lnwire.NewFeatureVector()}})

	require.Equal(t, stateShutDown, w.state)
	require.Equal(t, 1, master.disconnects)
	require.False(t, master.lastDisconnect.hadExtended)
}

func TestSyncWorker_HandshakeGuardAdmitsExtendedFeature(t *testing.T) {
	master := &mockRemoteNodeInfoSource{cfg: DefaultConfig()}
	w := newTestWorker(t, master)

	w.process(onOperationalMsg{
		init: lnwire.Init{Features: lnwire.NewFeatureVector(lnwire.ChannelRangeQueriesExtended)},
	})

	require.Equal(t, stateShortIDSync, w.state)
	require.Equal(t, 0, master.disconnects)
}

func TestSyncWorker_InheritedQueueSkipsShortIDPhase(t *testing.T) {
	master := &mockRemoteNodeInfoSource{cfg: DefaultConfig()}
	preset := []lnwire.QueryShortChannelIDs{{}}
	w := NewSyncWorker(master, lnwire.NetAddress{}, preset)
	t.Cleanup(func() { w.Send(CMDShutdown{}) })

	w.process(onOperationalMsg{
		init: lnwire.Init{Features: lnwire.NewFeatureVector(lnwire.ChannelRangeQueriesExtended)},
	})

	require.Equal(t, stateGossipSync, w.state)
}

func TestFoldReplies_DiscardsNonHolisticBlocks(t *testing.T) {
	holistic := lnwire.ReplyChannelRange{
		ShortChanIDs: []lnwire.ShortChannelID{{BlockHeight: 1}},
		Timestamps:   [][2]uint32{{1, 1}},
		Checksums:    [][2]uint32{{1, 1}},
	}
	nonHolistic := lnwire.ReplyChannelRange{
		ShortChanIDs: []lnwire.ShortChannelID{{BlockHeight: 2}, {BlockHeight: 3}},
		Timestamps:   [][2]uint32{{1, 1}},
	}

	out := foldReplies([]lnwire.ReplyChannelRange{holistic, nonHolistic})

	require.True(t, out.holistic)
	require.Equal(t, []lnwire.ShortChannelID{{BlockHeight: 1}}, out.scids)
}

func TestSyncWorker_GossipPhaseAdmitsOnlyProvenUnexcluded(t *testing.T) {
	provenSCID := lnwire.ShortChannelID{BlockHeight: 10}
	unprovenSCID := lnwire.ShortChannelID{BlockHeight: 20}

	master := &mockRemoteNodeInfoSource{
		cfg: DefaultConfig(),
		provenFn: func(scid lnwire.ShortChannelID) bool {
			return scid == provenSCID
		},
		excludedFn: func(u *lnwire.ChannelUpdate) bool {
			return u.ChannelFlags&0x02 != 0
		},
	}
	w := newTestWorker(t, master)
	w.state = stateGossipSync
	w.resetChunkAccumulators()

	w.handleChannelAnnouncement(&lnwire.ChannelAnnouncement{ShortChannelID: provenSCID})
	w.handleChannelAnnouncement(&lnwire.ChannelAnnouncement{ShortChannelID: unprovenSCID})

	require.Len(t, w.announces, 1)
	require.Contains(t, w.announces, provenSCID)

	okUpdate := &lnwire.ChannelUpdate{ShortChannelID: provenSCID}
	excludedUpdate := &lnwire.ChannelUpdate{ShortChannelID: provenSCID, ChannelFlags: 0x02}
	w.handleChannelUpdate(okUpdate)
	w.handleChannelUpdate(excludedUpdate)

	require.Len(t, w.updates, 1)
	require.Len(t, w.excluded, 1)
	require.Contains(t, w.excluded, provenSCID)
}

func TestSyncWorker_PHCAdmission(t *testing.T) {
	master := &mockRemoteNodeInfoSource{cfg: DefaultConfig()}
	w := newTestWorker(t, master)
	w.process(beginPHC{})

	priv1, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	priv2, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	pub1, pub2 := priv1.PubKey(), priv2.PubKey()

	id1, id2 := lnwire.NewNodeID(pub1), lnwire.NewNodeID(pub2)
	scid := phcSCID(id1, id2)

	require.True(t, w.handlePHCAnnouncement(scid, pub1, pub2))
	require.Contains(t, w.phc.announces, scid)

	badSCID := lnwire.NewShortChanIDFromInt(scid.ToUint64() + 1)
	require.False(t, w.handlePHCAnnouncement(badSCID, pub1, pub2))
}

func TestSyncWorker_PHCAdmissionRespectsPerNodeCap(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPHCPerNode = 1
	master := &mockRemoteNodeInfoSource{cfg: cfg}
	w := newTestWorker(t, master)
	w.process(beginPHC{})

	priv1, _ := btcec.NewPrivateKey()
	pub1 := priv1.PubKey()

	for i := 0; i < 2; i++ {
		priv, _ := btcec.NewPrivateKey()
		pub := priv.PubKey()
		id1, id2 := lnwire.NewNodeID(pub1), lnwire.NewNodeID(pub)
		scid := phcSCID(id1, id2)
		admitted := w.handlePHCAnnouncement(scid, pub1, pub)
		if i == 0 {
			require.True(t, admitted)
		} else {
			require.False(t, admitted, "second channel for the already-capped node must be rejected")
		}
	}
}
