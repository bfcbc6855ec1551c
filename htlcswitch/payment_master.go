package htlcswitch

import (
	"math/rand"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/lightningnetwork/lnd/queue"
	"github.com/standardsats/immortan/lnwire"
	"golang.org/x/exp/maps"
)

// routeMutexState is the OutgoingPaymentMaster's path-finder mutex, per
// spec.md section 4.4.
type routeMutexState uint8

const (
	expectingPayments routeMutexState = iota
	waitingForRoute
)

// OutgoingPaymentMaster owns the node's local channel set, the global
// failure-statistics tables, and serializes path-finder access across every
// live OutgoingPaymentSender, per spec.md section 4.4. It is a
// single-threaded cooperative actor.
type OutgoingPaymentMaster struct {
	cfg        PaymentConfig
	pathFinder PathFinder
	clock      Clock

	mailbox *queue.ConcurrentQueue
	quit    chan struct{}
	rng     *rand.Rand

	senders map[FullPaymentTag]*OutgoingPaymentSender

	routeState      routeMutexState
	outstandingTag  FullPaymentTag
	outstandingPart uint64

	// statsMu guards every field below: they're written only from
	// process(), on the master's own goroutine, but read from Sendables,
	// DirectChannels and LastUpdateSeen, which senders call directly
	// (spec.md section 5's "shared resources" are reads, never writes,
	// from outside the owning actor).
	statsMu sync.RWMutex

	channels        map[ChannelDesc]Channel
	nodeFailures    map[lnwire.NodeID]int
	directionFailed map[ChannelDesc]int
	chanNotRoutable map[ChannelDesc]struct{}
	failedChannels  map[ChannelDesc]StampedChannelFailed

	// lastUpdates is the most recent channel update fed in through
	// ForwardGossipUpdate per short channel id, used by the remote-reject
	// classifier's byte-identical imbalance check (spec.md section 4.5).
	lastUpdates map[lnwire.ShortChannelID]*lnwire.ChannelUpdate
}

// NewOutgoingPaymentMaster constructs a master with empty statistics,
// mailbox started.
func NewOutgoingPaymentMaster(cfg PaymentConfig, pathFinder PathFinder, clock Clock, rng *rand.Rand) *OutgoingPaymentMaster {
	m := &OutgoingPaymentMaster{
		cfg:             cfg,
		pathFinder:      pathFinder,
		clock:           clock,
		mailbox:         queue.NewConcurrentQueue(128),
		quit:            make(chan struct{}),
		rng:             rng,
		channels:        make(map[ChannelDesc]Channel),
		senders:         make(map[FullPaymentTag]*OutgoingPaymentSender),
		nodeFailures:    make(map[lnwire.NodeID]int),
		directionFailed: make(map[ChannelDesc]int),
		chanNotRoutable: make(map[ChannelDesc]struct{}),
		failedChannels:  make(map[ChannelDesc]StampedChannelFailed),
		lastUpdates:     make(map[lnwire.ShortChannelID]*lnwire.ChannelUpdate),
	}
	m.mailbox.Start()
	go m.run()
	return m
}

func (m *OutgoingPaymentMaster) Config() PaymentConfig { return m.cfg }

func (m *OutgoingPaymentMaster) Send(msg interface{}) {
	select {
	case m.mailbox.ChanIn() <- msg:
	case <-m.quit:
	}
}

func (m *OutgoingPaymentMaster) run() {
	for {
		select {
		case msg := <-m.mailbox.ChanOut():
			m.process(msg)
		case <-m.quit:
			return
		}
	}
}

// CMDRegisterChannel adds or refreshes one of the node's local channels.
type CMDRegisterChannel struct{ Channel Channel }

// cmdMasterAskForRoute triggers one round of the path-finder mutex's
// broadcast phase, per spec.md section 4.4.
type cmdMasterAskForRoute struct{ ClearFailures bool }

// CMDSendPayment starts a brand new outgoing payment.
type CMDSendPayment struct {
	Tag       FullPaymentTag
	Target    lnwire.NodeID
	Amount    lnwire.MilliSatoshi
	Listeners []PaymentListener

	// ClearFailures applies one decay step to the failure statistics
	// before admitting the payment, per spec.md section 4.4.
	ClearFailures bool
}

type routeReqMsg struct {
	tag FullPaymentTag
	req RouteRequest
}

type routeReplyMsg struct {
	found   *RouteFound
	noRoute *NoRouteAvailable
}

func (m *OutgoingPaymentMaster) process(msg interface{}) {
	switch v := msg.(type) {
	case CMDRegisterChannel:
		m.statsMu.Lock()
		m.channels[v.Channel.Desc()] = v.Channel
		m.statsMu.Unlock()

	case CMDSendPayment:
		if v.ClearFailures {
			m.applyDecay()
		}
		s := NewOutgoingPaymentSender(m, v.Tag, v.Target, v.Listeners, m.rng)
		m.senders[v.Tag] = s
		s.Send(CMDSendMultiPart{Amount: v.Amount})

	case cmdMasterAskForRoute:
		if v.ClearFailures {
			m.applyDecay()
		}
		if m.routeState == expectingPayments {
			m.broadcastAskForRoute()
		}

	case routeReqMsg:
		if m.routeState == waitingForRoute {
			log.Debugf("route request dropped, another is outstanding")
			return
		}
		m.routeState = waitingForRoute
		m.outstandingTag = v.tag
		m.outstandingPart = v.req.PartID
		m.pathFinder.FindRoute(m.buildExclusions(v.req))

	case routeReplyMsg:
		m.routeState = expectingPayments
		if v.found != nil {
			if s, ok := m.senders[m.outstandingTag]; ok {
				s.Send(*v.found)
			}
		} else if v.noRoute != nil {
			if s, ok := m.senders[m.outstandingTag]; ok {
				s.Send(*v.noRoute)
			}
		}
		m.broadcastAskForRoute()

	case NodeFailedMsg:
		m.statsMu.Lock()
		m.nodeFailures[v.Node] += v.K
		m.statsMu.Unlock()

	case ChannelFailedAtAmountMsg:
		m.statsMu.Lock()
		prior, ok := m.failedChannels[v.Desc]
		amount := v.CurrentUsage
		if ok && prior.Amount < amount {
			amount = prior.Amount
		}
		m.failedChannels[v.Desc] = StampedChannelFailed{
			Amount:    amount,
			StampMsec: m.clock.NowMsec(),
		}
		m.directionFailed[v.Desc]++
		m.statsMu.Unlock()

	case ChannelNotRoutableMsg:
		m.statsMu.Lock()
		m.chanNotRoutable[v.Desc] = struct{}{}
		m.statsMu.Unlock()

	case gossipUpdateMsg:
		m.statsMu.Lock()
		m.lastUpdates[v.update.ShortChannelID] = v.update
		m.statsMu.Unlock()
		m.pathFinder.FeedChannelUpdate(v.update)

	case removeSenderMsg:
		delete(m.senders, v.tag)

	case submitAddMsg:
		m.handleSubmitAdd(v)
	}
}

// handleSubmitAdd resolves a part's ChannelDesc to a live Channel and hands
// it the HTLC, all on the master's own goroutine: the sender never touches
// m.channels directly. Any failure to even start the send — no such
// channel, or the channel's own local refusal — is reported back to the
// originating sender as a LocalReject, the same way a Channel itself would
// report one encountered after SendAdd returned successfully.
func (m *OutgoingPaymentMaster) handleSubmitAdd(v submitAddMsg) {
	m.statsMu.RLock()
	ch, ok := m.channels[v.desc]
	m.statsMu.RUnlock()
	if !ok {
		m.rejectSubmittedAdd(v.tag, v.partID, OtherLocalReject)
		return
	}

	if err := ch.SendAdd(v.partID, v.amount, v.paymentHash, v.route, v.sessionKey); err != nil {
		m.rejectSubmittedAdd(v.tag, v.partID, OtherLocalReject)
	}
}

func (m *OutgoingPaymentMaster) rejectSubmittedAdd(tag FullPaymentTag, partID uint64, reason LocalRejectReason) {
	if s, ok := m.senders[tag]; ok {
		s.Send(LocalReject{PartID: partID, Reason: reason})
	}
}

type gossipUpdateMsg struct{ update *lnwire.ChannelUpdate }

// ForwardGossipUpdate feeds a validated channel update from the sync engine
// into the path-finder's online graph view (spec.md section 6).
func (m *OutgoingPaymentMaster) ForwardGossipUpdate(update *lnwire.ChannelUpdate) {
	m.Send(gossipUpdateMsg{update: update})
}

// AskForRoute triggers one broadcast round, optionally clearing decayed
// failure statistics first.
func (m *OutgoingPaymentMaster) AskForRoute(clearFailures bool) {
	m.Send(cmdMasterAskForRoute{ClearFailures: clearFailures})
}

func (m *OutgoingPaymentMaster) broadcastAskForRoute() {
	for _, s := range m.senders {
		s.Send(CMDAskForRoute{})
	}
}

// --- MasterHandle implementation (consumed by OutgoingPaymentSender) ------

func (m *OutgoingPaymentMaster) RequestRoute(req RouteRequest) {
	m.Send(routeReqMsg{tag: req.Tag, req: req})
}

func (m *OutgoingPaymentMaster) ReportNodeFailed(node lnwire.NodeID, k int) {
	m.Send(NodeFailedMsg{Node: node, K: k})
}

func (m *OutgoingPaymentMaster) ReportChannelFailedAtAmount(desc ChannelDesc, usage lnwire.MilliSatoshi) {
	m.Send(ChannelFailedAtAmountMsg{Desc: desc, CurrentUsage: usage})
}

func (m *OutgoingPaymentMaster) ReportChannelNotRoutable(desc ChannelDesc) {
	m.Send(ChannelNotRoutableMsg{Desc: desc})
}

type removeSenderMsg struct{ tag FullPaymentTag }

func (m *OutgoingPaymentMaster) RemoveSenderFSM(tag FullPaymentTag) {
	m.Send(removeSenderMsg{tag: tag})
}

type submitAddMsg struct {
	tag         FullPaymentTag
	desc        ChannelDesc
	partID      uint64
	amount      lnwire.MilliSatoshi
	paymentHash lnwire.PaymentHash
	route       Route
	sessionKey  *btcec.PrivateKey
}

func (m *OutgoingPaymentMaster) SubmitAdd(tag FullPaymentTag, desc ChannelDesc, partID uint64,
	amount lnwire.MilliSatoshi, paymentHash lnwire.PaymentHash, route Route, sessionKey *btcec.PrivateKey) {

	m.Send(submitAddMsg{
		tag: tag, desc: desc, partID: partID, amount: amount,
		paymentHash: paymentHash, route: route, sessionKey: sessionKey,
	})
}

// Sendables returns, for every registered channel not excluded by
// chanNotRoutable or its direction-failure count, its AvailableForSend
// capped at any recorded failure amount, dropping channels below
// MinSendable. No fee reserve is subtracted; parts a sender has assigned
// but not yet handed to a channel are subtracted by the sender itself in
// assignToChans. Called directly by a sender's own goroutine, not
// through the mailbox, so it takes statsMu for the duration of the read;
// Channel.AvailableForSend/MinSendable are themselves safe for concurrent
// reads per their own contract.
func (m *OutgoingPaymentMaster) Sendables() map[ChannelDesc]lnwire.MilliSatoshi {
	m.statsMu.RLock()
	defer m.statsMu.RUnlock()

	out := make(map[ChannelDesc]lnwire.MilliSatoshi, len(m.channels))
	for desc, ch := range m.channels {
		if _, excluded := m.chanNotRoutable[desc]; excluded {
			continue
		}
		if m.directionFailed[desc] >= m.cfg.MaxDirectionFailures {
			continue
		}

		available := ch.AvailableForSend()
		if failed, ok := m.failedChannels[desc]; ok {
			if available > failed.Amount {
				available = failed.Amount
			}
		}
		if available < ch.MinSendable() {
			continue
		}
		out[desc] = available
	}
	return out
}

// DirectChannels returns the subset of registered channels whose peer is
// the payment's direct target.
func (m *OutgoingPaymentMaster) DirectChannels(target lnwire.NodeID) map[ChannelDesc]struct{} {
	m.statsMu.RLock()
	defer m.statsMu.RUnlock()

	out := make(map[ChannelDesc]struct{})
	for desc := range m.channels {
		if desc.Peer == target {
			out[desc] = struct{}{}
		}
	}
	return out
}

// LastUpdateSeen returns the most recently gossiped channel update for a
// short channel id, if one has been fed in. Called directly by a sender's
// goroutine from the remote-reject classifier.
func (m *OutgoingPaymentMaster) LastUpdateSeen(scid lnwire.ShortChannelID) (*lnwire.ChannelUpdate, bool) {
	m.statsMu.RLock()
	defer m.statsMu.RUnlock()

	u, ok := m.lastUpdates[scid]
	return u, ok
}

// buildExclusions assembles the RouteRequest exclusion sets: nodes whose
// failure count is at or above MaxStrangeNodeFailures, channels in
// chanNotRoutable, and channels whose direction-failure count is at or
// above MaxDirectionFailures. In-flight usage and recorded failure amounts
// are not consulted, so no channel is excluded for capacity reasons here.
func (m *OutgoingPaymentMaster) buildExclusions(req RouteRequest) RouteRequest {
	req.IgnoreNodes = make(map[lnwire.NodeID]struct{})
	req.IgnoreChannels = make(map[lnwire.ShortChannelID]struct{})

	for node, count := range m.nodeFailures {
		if count >= m.cfg.MaxStrangeNodeFailures {
			req.IgnoreNodes[node] = struct{}{}
		}
	}

	for desc := range m.chanNotRoutable {
		req.IgnoreChannels[desc.ShortChannelID] = struct{}{}
	}
	for desc, count := range m.directionFailed {
		if count >= m.cfg.MaxDirectionFailures {
			req.IgnoreChannels[desc.ShortChannelID] = struct{}{}
		}
	}

	return req
}

// applyDecay implements spec.md section 4.4's decay policy, run before
// admitting a new SendMultiPart when the caller sets ClearFailures.
func (m *OutgoingPaymentMaster) applyDecay() {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()

	for node, count := range m.nodeFailures {
		m.nodeFailures[node] = count / 2
	}
	for desc, count := range m.directionFailed {
		m.directionFailed[desc] = count / 2
	}

	// Snapshot the keys before mutating: applyDecay both updates and
	// deletes entries of the same map. The snapshot's key order is
	// unspecified; each entry is decayed independently, so the order does
	// not affect the result.
	now := m.clock.NowMsec()
	for _, desc := range maps.Keys(m.failedChannels) {
		failed := m.failedChannels[desc]
		ch, ok := m.channels[desc]
		if !ok {
			delete(m.failedChannels, desc)
			continue
		}
		capacity := ch.AvailableForSend()
		delta := now - failed.StampMsec
		if delta < 0 {
			delta = 0
		}
		ratio := float64(delta) / float64(m.cfg.FailedChanRecoveryMsec)
		if ratio > 1 {
			ratio = 1
		}

		newAmount := float64(failed.Amount) +
			float64(int64(capacity)-int64(failed.Amount))*ratio

		if newAmount >= float64(capacity) {
			delete(m.failedChannels, desc)
			continue
		}

		m.failedChannels[desc] = StampedChannelFailed{
			Amount:    lnwire.MilliSatoshi(newAmount),
			StampMsec: failed.StampMsec,
		}
	}

	m.chanNotRoutable = make(map[ChannelDesc]struct{})
}

// DeliverRouteFound and DeliverNoRouteAvailable are how the owning binary
// feeds the path-finder's asynchronous reply back into the master, since
// PathFinder.FindRoute itself never blocks for a reply.
func (m *OutgoingPaymentMaster) DeliverRouteFound(r RouteFound) {
	m.Send(routeReplyMsg{found: &r})
}

func (m *OutgoingPaymentMaster) DeliverNoRouteAvailable(r NoRouteAvailable) {
	m.Send(routeReplyMsg{noRoute: &r})
}

// reconnectRetryHint is unused directly but documents the cadence a host binary
// should drive AskForRoute at when channels come back online.
const reconnectRetryHint = 5 * time.Second
