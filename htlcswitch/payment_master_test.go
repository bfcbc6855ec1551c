package htlcswitch

import (
	"math/rand"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/lightningnetwork/lnd/queue"
	"github.com/stretchr/testify/require"

	"github.com/standardsats/immortan/lnwire"
)

// mockChannel is the teacher's mock.go style constructor-injected stand-in
// for a local Channel: every knob a test needs is a plain field, and
// SendAdd just records what it was asked to do.
type mockChannel struct {
	desc      ChannelDesc
	available lnwire.MilliSatoshi
	minSend   lnwire.MilliSatoshi
	online    bool

	sendAddCalls int
	sendAddErr   error
}

func (c *mockChannel) Desc() ChannelDesc                     { return c.desc }
func (c *mockChannel) AvailableForSend() lnwire.MilliSatoshi { return c.available }
func (c *mockChannel) MinSendable() lnwire.MilliSatoshi      { return c.minSend }
func (c *mockChannel) IsOnline() bool                        { return c.online }
func (c *mockChannel) SendAdd(partID uint64, amount lnwire.MilliSatoshi, hash lnwire.PaymentHash,
	route Route, sessionKey *btcec.PrivateKey) error {
	c.sendAddCalls++
	return c.sendAddErr
}

// mockClock lets decay tests move time forward deterministically, in the
// same vein as the Clock interface's doc comment promises for
// clock.NewTestClock.
type mockClock struct{ nowMsec int64 }

func (c *mockClock) NowMsec() int64 { return c.nowMsec }

// mockPathFinder records every call a test needs to assert on; FindRoute
// never replies on its own; tests that need a reply call
// DeliverRouteFound/DeliverNoRouteAvailable on the master directly.
type mockPathFinder struct {
	findRouteCalls []RouteRequest
}

func (p *mockPathFinder) FindRoute(req RouteRequest) {
	p.findRouteCalls = append(p.findRouteCalls, req)
}
func (p *mockPathFinder) FeedChannelUpdate(update *lnwire.ChannelUpdate) {}
func (p *mockPathFinder) NodeIDFromUpdate(update *lnwire.ChannelUpdate) (lnwire.NodeID, bool) {
	return lnwire.NodeID{}, false
}

func newTestMaster(t *testing.T, clock Clock) (*OutgoingPaymentMaster, *mockPathFinder) {
	t.Helper()
	pf := &mockPathFinder{}
	m := NewOutgoingPaymentMaster(DefaultPaymentConfig(), pf, clock, rand.New(rand.NewSource(1)))
	t.Cleanup(func() { close(m.quit) })
	return m, pf
}

func TestSendables_ExcludesNotRoutableAndDirectionFailedAndCapsAtRecordedFailure(t *testing.T) {
	m, _ := newTestMaster(t, &mockClock{})

	peer := lnwire.NodeID{9}
	chOK := ChannelDesc{ShortChannelID: lnwire.ShortChannelID{BlockHeight: 1}, Peer: peer}
	chNotRoutable := ChannelDesc{ShortChannelID: lnwire.ShortChannelID{BlockHeight: 2}, Peer: peer}
	chDirectionFailed := ChannelDesc{ShortChannelID: lnwire.ShortChannelID{BlockHeight: 3}, Peer: peer}
	chCapped := ChannelDesc{ShortChannelID: lnwire.ShortChannelID{BlockHeight: 4}, Peer: peer}

	m.process(CMDRegisterChannel{Channel: &mockChannel{desc: chOK, available: 100_000, minSend: 1}})
	m.process(CMDRegisterChannel{Channel: &mockChannel{desc: chNotRoutable, available: 100_000, minSend: 1}})
	m.process(CMDRegisterChannel{Channel: &mockChannel{desc: chDirectionFailed, available: 100_000, minSend: 1}})
	m.process(CMDRegisterChannel{Channel: &mockChannel{desc: chCapped, available: 100_000, minSend: 1}})

	m.process(ChannelNotRoutableMsg{Desc: chNotRoutable})

	cfg := m.Config()
	for i := 0; i < cfg.MaxDirectionFailures; i++ {
		m.process(ChannelFailedAtAmountMsg{Desc: chDirectionFailed, CurrentUsage: 1000})
	}

	m.process(ChannelFailedAtAmountMsg{Desc: chCapped, CurrentUsage: 500})

	out := m.Sendables()

	require.Contains(t, out, chOK)
	require.Equal(t, lnwire.MilliSatoshi(100_000), out[chOK])

	require.NotContains(t, out, chNotRoutable)
	require.NotContains(t, out, chDirectionFailed)

	require.Contains(t, out, chCapped)
	require.Equal(t, lnwire.MilliSatoshi(500), out[chCapped], "capped by the recorded failure amount, not the channel's raw capacity")
}

func TestSendables_ExcludesBelowMinSendable(t *testing.T) {
	m, _ := newTestMaster(t, &mockClock{})
	desc := ChannelDesc{ShortChannelID: lnwire.ShortChannelID{BlockHeight: 1}}
	m.process(CMDRegisterChannel{Channel: &mockChannel{desc: desc, available: 50, minSend: 100}})

	out := m.Sendables()

	require.NotContains(t, out, desc)
}

func TestDirectChannels_FiltersByPeer(t *testing.T) {
	m, _ := newTestMaster(t, &mockClock{})
	target := lnwire.NodeID{1}
	other := lnwire.NodeID{2}

	direct := ChannelDesc{ShortChannelID: lnwire.ShortChannelID{BlockHeight: 1}, Peer: target}
	indirect := ChannelDesc{ShortChannelID: lnwire.ShortChannelID{BlockHeight: 2}, Peer: other}

	m.process(CMDRegisterChannel{Channel: &mockChannel{desc: direct}})
	m.process(CMDRegisterChannel{Channel: &mockChannel{desc: indirect}})

	out := m.DirectChannels(target)

	require.Contains(t, out, direct)
	require.NotContains(t, out, indirect)
}

func TestApplyDecay_HalvesNodeAndDirectionFailureCounts(t *testing.T) {
	m, _ := newTestMaster(t, &mockClock{})
	node := lnwire.NodeID{1}
	desc := ChannelDesc{ShortChannelID: lnwire.ShortChannelID{BlockHeight: 1}}

	m.process(NodeFailedMsg{Node: node, K: 7})
	m.process(CMDRegisterChannel{Channel: &mockChannel{desc: desc, available: 1000}})
	cfg := m.Config()
	for i := 0; i < cfg.MaxDirectionFailures+1; i++ {
		m.process(ChannelFailedAtAmountMsg{Desc: desc, CurrentUsage: 100})
	}

	m.applyDecay()

	require.Equal(t, 3, m.nodeFailures[node])
	require.Equal(t, (cfg.MaxDirectionFailures+1)/2, m.directionFailed[desc])
}

func TestApplyDecay_RecoversFullyAfterRecoveryWindow(t *testing.T) {
	clk := &mockClock{nowMsec: 0}
	m, _ := newTestMaster(t, clk)

	desc := ChannelDesc{ShortChannelID: lnwire.ShortChannelID{BlockHeight: 1}}
	m.process(CMDRegisterChannel{Channel: &mockChannel{desc: desc, available: 100_000}})
	m.process(ChannelFailedAtAmountMsg{Desc: desc, CurrentUsage: 1000})

	clk.nowMsec = m.Config().FailedChanRecoveryMsec

	m.applyDecay()

	m.statsMu.RLock()
	_, stillFailed := m.failedChannels[desc]
	m.statsMu.RUnlock()

	require.False(t, stillFailed, "a channel should heal back to full capacity once the recovery window has fully elapsed")
}

func TestApplyDecay_PartiallyHealsBeforeRecoveryWindowElapses(t *testing.T) {
	clk := &mockClock{nowMsec: 0}
	m, _ := newTestMaster(t, clk)

	desc := ChannelDesc{ShortChannelID: lnwire.ShortChannelID{BlockHeight: 1}}
	m.process(CMDRegisterChannel{Channel: &mockChannel{desc: desc, available: 100_000}})
	m.process(ChannelFailedAtAmountMsg{Desc: desc, CurrentUsage: 0})

	clk.nowMsec = m.Config().FailedChanRecoveryMsec / 2

	m.applyDecay()

	m.statsMu.RLock()
	failed, stillFailed := m.failedChannels[desc]
	m.statsMu.RUnlock()

	require.True(t, stillFailed)
	require.Greater(t, failed.Amount, lnwire.MilliSatoshi(0))
	require.Less(t, failed.Amount, lnwire.MilliSatoshi(100_000))
}

func TestApplyDecay_DropsFailureForRemovedChannel(t *testing.T) {
	m, _ := newTestMaster(t, &mockClock{})
	desc := ChannelDesc{ShortChannelID: lnwire.ShortChannelID{BlockHeight: 1}}

	m.statsMu.Lock()
	m.failedChannels[desc] = StampedChannelFailed{Amount: 500, StampMsec: 0}
	m.statsMu.Unlock()

	m.applyDecay()

	m.statsMu.RLock()
	_, ok := m.failedChannels[desc]
	m.statsMu.RUnlock()

	require.False(t, ok, "a failure recorded against a channel no longer registered must be dropped, not divide-by-missing-capacity")
}

func TestBuildExclusions_ExcludesOverThresholdNodesAndChannels(t *testing.T) {
	m, _ := newTestMaster(t, &mockClock{})
	cfg := m.Config()

	heavyNode := lnwire.NodeID{1}
	lightNode := lnwire.NodeID{2}
	m.nodeFailures[heavyNode] = cfg.MaxStrangeNodeFailures
	m.nodeFailures[lightNode] = cfg.MaxStrangeNodeFailures - 1

	notRoutable := ChannelDesc{ShortChannelID: lnwire.ShortChannelID{BlockHeight: 1}}
	m.chanNotRoutable[notRoutable] = struct{}{}

	directionFailed := ChannelDesc{ShortChannelID: lnwire.ShortChannelID{BlockHeight: 2}}
	m.directionFailed[directionFailed] = cfg.MaxDirectionFailures

	req := m.buildExclusions(RouteRequest{})

	require.Contains(t, req.IgnoreNodes, heavyNode)
	require.NotContains(t, req.IgnoreNodes, lightNode)
	require.Contains(t, req.IgnoreChannels, notRoutable.ShortChannelID)
	require.Contains(t, req.IgnoreChannels, directionFailed.ShortChannelID)
}

// newUnstartedSender builds a sender struct directly, skipping
// NewOutgoingPaymentSender's background run() goroutine, so a test can
// drain its mailbox deterministically without racing a live consumer.
func newUnstartedSender(master MasterHandle, tag FullPaymentTag) *OutgoingPaymentSender {
	mailbox := queue.NewConcurrentQueue(8)
	mailbox.Start()
	return &OutgoingPaymentSender{
		master:  master,
		tag:     tag,
		state:   senderInit,
		parts:   make(map[uint64]PartStatus),
		mailbox: mailbox,
		quit:    make(chan struct{}),
		rng:     rand.New(rand.NewSource(1)),
	}
}

func TestHandleSubmitAdd_NoSuchChannelRejectsLocally(t *testing.T) {
	m, _ := newTestMaster(t, &mockClock{})
	tag := FullPaymentTag{Nonce: 1}
	s := newUnstartedSender(m, tag)
	m.senders[tag] = s
	defer s.mailbox.Stop()

	m.handleSubmitAdd(submitAddMsg{tag: tag, partID: 1, desc: ChannelDesc{ShortChannelID: lnwire.ShortChannelID{BlockHeight: 99}}})

	select {
	case msg := <-s.mailbox.ChanOut():
		reject, ok := msg.(LocalReject)
		require.True(t, ok)
		require.Equal(t, OtherLocalReject, reject.Reason)
	case <-time.After(time.Second):
		t.Fatal("expected a LocalReject to have been queued for the sender")
	}
}

func TestHandleSubmitAdd_ChannelFoundDispatchesSendAdd(t *testing.T) {
	m, _ := newTestMaster(t, &mockClock{})
	desc := ChannelDesc{ShortChannelID: lnwire.ShortChannelID{BlockHeight: 1}}
	ch := &mockChannel{desc: desc, available: 1_000_000}
	m.process(CMDRegisterChannel{Channel: ch})

	m.handleSubmitAdd(submitAddMsg{desc: desc, partID: 1})

	require.Equal(t, 1, ch.sendAddCalls)
}
