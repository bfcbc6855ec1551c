package htlcswitch

import (
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/lightningnetwork/lnd/queue"
	"github.com/standardsats/immortan/lnwire"
)

// MasterHandle is the narrow slice of OutgoingPaymentMaster a sender needs:
// enough to request a route, report failure statistics, and read a current
// sendable-per-channel snapshot, without the sender owning a reference into
// the master's internal failure-statistics tables (spec.md section 4.4,
// "the OutgoingPaymentMaster holds the only mutable view of global failure
// statistics and is the only writer").
type MasterHandle interface {
	RequestRoute(req RouteRequest)
	ReportNodeFailed(node lnwire.NodeID, k int)
	ReportChannelFailedAtAmount(desc ChannelDesc, usage lnwire.MilliSatoshi)
	ReportChannelNotRoutable(desc ChannelDesc)
	Sendables() map[ChannelDesc]lnwire.MilliSatoshi
	DirectChannels(target lnwire.NodeID) map[ChannelDesc]struct{}
	LastUpdateSeen(scid lnwire.ShortChannelID) (*lnwire.ChannelUpdate, bool)
	Config() PaymentConfig
	RemoveSenderFSM(tag FullPaymentTag)

	// SubmitAdd hands a part's HTLC to the named local channel. Never
	// blocks: resolution happens on the master's own goroutine, and any
	// outcome (including "no such channel") arrives later as a message
	// to the calling sender's own mailbox.
	SubmitAdd(tag FullPaymentTag, desc ChannelDesc, partID uint64, amount lnwire.MilliSatoshi,
		paymentHash lnwire.PaymentHash, route Route, sessionKey *btcec.PrivateKey)
}

// OutgoingPaymentSender drives one multi-part payment's parts from INIT
// through to SUCCEEDED or ABORTED, per spec.md section 4.5. It is a
// single-threaded cooperative actor: all state is private and only touched
// from its own run loop.
type OutgoingPaymentSender struct {
	master MasterHandle
	target lnwire.NodeID

	tag          FullPaymentTag
	totalAmount  lnwire.MilliSatoshi
	listeners    []PaymentListener

	state senderState
	parts map[uint64]PartStatus

	nextPartID uint64

	abortTimer *time.Timer

	mailbox *queue.ConcurrentQueue
	quit    chan struct{}
	rng     *rand.Rand

	shutdownOnce sync.Once
}

// NewOutgoingPaymentSender constructs a sender in the INIT state.
func NewOutgoingPaymentSender(master MasterHandle, tag FullPaymentTag,
	target lnwire.NodeID, listeners []PaymentListener, rng *rand.Rand) *OutgoingPaymentSender {

	s := &OutgoingPaymentSender{
		master:    master,
		target:    target,
		tag:       tag,
		listeners: listeners,
		state:     senderInit,
		parts:     make(map[uint64]PartStatus),
		mailbox:   queue.NewConcurrentQueue(32),
		quit:      make(chan struct{}),
		rng:       rng,
	}
	s.mailbox.Start()
	go s.run()
	return s
}

// CMDSendMultiPart kicks off the initial split of a payment's amount across
// the current set of sendable channels.
type CMDSendMultiPart struct {
	Amount lnwire.MilliSatoshi
}

// CMDAbort asks the sender to give up, honoured only while no part has
// been handed to a channel (no part carries a Flight).
type CMDAbort struct{}

// CMDAskForRoute is broadcast by the master to every live sender each time
// the path-finder mutex frees up (spec.md section 4.4, "Serialization").
type CMDAskForRoute struct{}

type cmdAbortTimerFired struct{}

func (s *OutgoingPaymentSender) Send(msg interface{}) {
	select {
	case s.mailbox.ChanIn() <- msg:
	case <-s.quit:
	}
}

func (s *OutgoingPaymentSender) run() {
	for {
		select {
		case msg := <-s.mailbox.ChanOut():
			s.process(msg)
		case <-s.quit:
			return
		}
	}
}

func (s *OutgoingPaymentSender) process(msg interface{}) {
	switch v := msg.(type) {
	case CMDSendMultiPart:
		s.totalAmount = v.Amount
		s.assignToChans(v.Amount)
		s.resetAbortTimer()
		s.askForRoute()

	case CMDAbort:
		s.handleAbort()

	case CMDAskForRoute:
		s.askForRoute()

	case cmdAbortTimerFired:
		s.handleAbortTimerFired()

	case RouteFound:
		s.handleRouteFound(v)

	case NoRouteAvailable:
		s.handleNoRouteAvailable(v)

	case LocalReject:
		s.handleLocalReject(v)

	case RemoteFulfill:
		s.handleRemoteFulfill(v)

	case RemoteUpdateFail:
		s.handleRemoteUpdateFail(v)
	}

	if len(s.parts) == 0 && s.state.terminal() {
		s.shutdown()
	}
}

// --- initial split -----------------------------------------------------

type channelCandidate struct {
	desc      ChannelDesc
	sendable  lnwire.MilliSatoshi
	isDirect  bool
}

// assignToChans is spec.md section 4.5's "Initial split": greedily cover
// amount across currently sendable channels, direct-to-payee channels
// first. Each channel's sendable amount is first reduced by this sender's
// parts already assigned to it but not yet in flight. If a remainder is
// left, a WaitForChanOnline placeholder for it is added when the summed
// sendable amounts of those same channels (including what was just
// allocated from them) reach the remainder; offline channels are not
// counted, since Sendables does not report them. Otherwise the payment
// fails with NotEnoughFunds. Every call resets the abort timer.
func (s *OutgoingPaymentSender) assignToChans(amount lnwire.MilliSatoshi) {
	s.resetAbortTimer()

	sendables := s.master.Sendables()
	for _, p := range s.parts {
		part, ok := p.(WaitForRouteOrInFlight)
		if !ok || part.Flight != nil {
			continue
		}
		if avail, ok := sendables[part.Cnc]; ok {
			if part.Amount >= avail {
				sendables[part.Cnc] = 0
			} else {
				sendables[part.Cnc] = avail - part.Amount
			}
		}
	}
	direct := s.master.DirectChannels(s.target)

	candidates := make([]channelCandidate, 0, len(sendables))
	for desc, sendable := range sendables {
		_, isDirect := direct[desc]
		candidates = append(candidates, channelCandidate{
			desc: desc, sendable: sendable, isDirect: isDirect,
		})
	}

	s.rng.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].isDirect && !candidates[j].isDirect
	})

	leftover := int64(amount)
	for _, c := range candidates {
		if leftover <= 0 {
			break
		}
		alloc := c.sendable
		if int64(alloc) > leftover {
			alloc = lnwire.MilliSatoshi(leftover)
		}
		if alloc == 0 {
			continue
		}

		sessionKey, err := btcec.NewPrivateKey()
		if err != nil {
			continue
		}

		id := s.nextPartID
		s.nextPartID++
		s.parts[id] = WaitForRouteOrInFlight{
			Amount:     alloc,
			Cnc:        c.desc,
			SessionKey: sessionKey,
		}

		leftover -= int64(alloc)
	}

	if leftover <= 0 {
		s.state = senderPending
		return
	}

	var sleepingCapacity int64
	for _, sendable := range sendables {
		sleepingCapacity += int64(sendable)
	}

	if sleepingCapacity >= leftover {
		id := s.nextPartID
		s.nextPartID++
		s.parts[id] = WaitForChanOnline{Amount: lnwire.MilliSatoshi(leftover)}
		s.state = senderPending
		return
	}

	s.terminalFail(PaymentFailure{Tag: FailureNotEnoughFunds})
}

func (s *OutgoingPaymentSender) resetAbortTimer() {
	if s.abortTimer != nil {
		s.abortTimer.Stop()
	}
	timeout := s.master.Config().AbortTimeout
	sender := s
	s.abortTimer = time.AfterFunc(timeout, func() {
		sender.Send(cmdAbortTimerFired{})
	})
}

func (s *OutgoingPaymentSender) handleAbortTimerFired() {
	for _, p := range s.parts {
		if _, ok := p.(WaitForChanOnline); ok {
			s.terminalFail(PaymentFailure{Tag: FailureTimedOut})
			return
		}
	}
}

// --- route resolution ----------------------------------------------------

// askForRoute is invoked whenever a waiting-no-flight part might be ready
// to ask for a route: after initial split, after a reassignment, and after
// any NoRouteAvailable reply (to try the next-largest part).
func (s *OutgoingPaymentSender) askForRoute() {
	if s.state.terminal() {
		return
	}

	var bestID uint64
	var best WaitForRouteOrInFlight
	found := false
	for id, p := range s.parts {
		part, ok := p.(WaitForRouteOrInFlight)
		if !ok || part.Flight != nil {
			continue
		}
		if !found || part.Amount > best.Amount {
			bestID, best, found = id, part, true
		}
	}
	if !found {
		return
	}

	s.master.RequestRoute(RouteRequest{
		Tag:        s.tag,
		PartID:     bestID,
		TargetNode: s.target,
		Amount:     best.Amount,
	})
}

func (s *OutgoingPaymentSender) handleRouteFound(v RouteFound) {
	part, ok := s.parts[v.PartID].(WaitForRouteOrInFlight)
	if !ok {
		return
	}

	part.Flight = &Flight{Route: v.Route}
	s.parts[v.PartID] = part

	// The Channel reports the terminal outcome asynchronously via
	// RemoteFulfill/RemoteUpdateFail/LocalReject messages to this
	// sender's own mailbox; SubmitAdd itself never blocks.
	s.master.SubmitAdd(s.tag, part.Cnc, v.PartID, part.Amount,
		s.tag.PaymentHash, v.Route, part.SessionKey)

	s.askForRoute()
}

func (s *OutgoingPaymentSender) handleNoRouteAvailable(v NoRouteAvailable) {
	part, ok := s.parts[v.PartID].(WaitForRouteOrInFlight)
	if !ok {
		return
	}

	sendables := s.master.Sendables()
	for desc, sendable := range sendables {
		if desc == part.Cnc {
			continue
		}
		if alreadyTried(part.LocalFailed, desc) {
			continue
		}
		if sendable < part.Amount {
			continue
		}
		part.Cnc = desc
		s.parts[v.PartID] = part
		s.askForRoute()
		return
	}

	cfg := s.master.Config()
	if s.outgoingHtlcSlotsLeft() >= 1 {
		delete(s.parts, v.PartID)
		s.cutIntoHalves(part.Amount)
		return
	}
	_ = cfg
	s.terminalFail(PaymentFailure{Tag: FailureNoRoutesFound})
}

func alreadyTried(history []ChannelDesc, desc ChannelDesc) bool {
	for _, d := range history {
		if d == desc {
			return true
		}
	}
	return false
}

func (s *OutgoingPaymentSender) outgoingHtlcSlotsLeft() int {
	cfg := s.master.Config()
	inFlight := 0
	for _, p := range s.parts {
		if part, ok := p.(WaitForRouteOrInFlight); ok && part.Flight != nil {
			inFlight++
		}
	}
	return cfg.MaxInChannelHtlcs - inFlight
}

// cutIntoHalves is spec.md section 4.5: split amount into floor(a/2) and
// a-floor(a/2), then assign each half sequentially so the second
// assignment observes the first's reservations.
func (s *OutgoingPaymentSender) cutIntoHalves(amount lnwire.MilliSatoshi) {
	half := amount / 2
	rest := amount - half

	s.assignToChans(half)
	if s.state.terminal() {
		return
	}
	s.assignToChans(rest)
}

// --- local reject ----------------------------------------------------

func (s *OutgoingPaymentSender) handleLocalReject(v LocalReject) {
	part, ok := s.parts[v.PartID].(WaitForRouteOrInFlight)
	if !ok {
		return
	}

	switch v.Reason {
	case InPrincipleNotSendable:
		s.terminalFail(PaymentFailure{Tag: FailurePaymentNotSendable})

	case ChannelOffline:
		delete(s.parts, v.PartID)
		s.assignToChans(part.Amount)

	default:
		part.LocalFailed = append(part.LocalFailed, part.Cnc)
		part.Flight = nil
		s.parts[v.PartID] = part

		sendables := s.master.Sendables()
		for desc, sendable := range sendables {
			if alreadyTried(part.LocalFailed, desc) {
				continue
			}
			if sendable < part.Amount {
				continue
			}
			part.Cnc = desc
			s.parts[v.PartID] = part
			s.askForRoute()
			return
		}
		s.terminalFail(PaymentFailure{Tag: FailureRunOutOfCapableChans})
	}
}

// --- remote reject ----------------------------------------------------

func (s *OutgoingPaymentSender) handleRemoteUpdateFail(v RemoteUpdateFail) {
	part, ok := s.parts[v.PartID].(WaitForRouteOrInFlight)
	if !ok || part.Flight == nil {
		return
	}

	result := classifyRemoteFailure(
		NewSphinxDecrypter(part.SessionKey, part.Flight.Route),
		part.Flight.Route,
		v.Reason,
		decodeFailureMessage,
		s.master.LastUpdateSeen,
		verifyUpdateSig,
		func(hopIndex int) ChannelDesc {
			// The origin's outgoing edge is the channel that reaches
			// the next hop.
			hops := part.Flight.Route.Hops
			if hopIndex+1 < len(hops) {
				return ChannelDesc{ShortChannelID: hops[hopIndex+1].ShortChannelID}
			}
			return part.Cnc
		},
		s.rng,
	)

	switch result.outcome {
	case outcomeTerminal:
		s.terminalFail(*result.terminalInfo)
		return

	case outcomeChannelExcluded:
		s.master.ReportChannelNotRoutable(result.desc)

	case outcomeImbalance:
		s.master.ReportChannelFailedAtAmount(result.desc, result.currentUsage)

	case outcomeNodePenalized:
		s.master.ReportNodeFailed(result.originNode, 1)

	case outcomeNodeHeavilyPenalized:
		cfg := s.master.Config()
		s.master.ReportNodeFailed(result.originNode, cfg.MaxStrangeNodeFailures*32)
	}

	s.resolveRemoteFail(v.PartID, part)
}

// resolveRemoteFail tries to reassign the part's amount to any currently
// sendable channel (the one just used included), bounded by
// maxRemoteAttempts, then falls
// back to subdivision or failure.
func (s *OutgoingPaymentSender) resolveRemoteFail(partID uint64, part WaitForRouteOrInFlight) {
	cfg := s.master.Config()

	part.RemoteAttempts++
	part.Flight = nil

	if part.RemoteAttempts <= cfg.MaxRemoteAttempts {
		sendables := s.master.Sendables()
		for desc, sendable := range sendables {
			if sendable < part.Amount {
				continue
			}
			part.Cnc = desc
			s.parts[partID] = part
			s.askForRoute()
			return
		}
	}

	if s.outgoingHtlcSlotsLeft() >= 1 {
		delete(s.parts, partID)
		s.cutIntoHalves(part.Amount)
		return
	}

	delete(s.parts, partID)
	s.terminalFail(PaymentFailure{Tag: FailureRunOutOfRetryAttempts})
}

// --- fulfillment ----------------------------------------------------

func (s *OutgoingPaymentSender) handleRemoteFulfill(v RemoteFulfill) {
	if s.state.terminal() {
		delete(s.parts, v.PartID)
		return
	}

	s.state = senderSucceeded
	preimage := v.Preimage
	for _, l := range s.listeners {
		l.WholePaymentSucceeded(s.tag, preimage)
	}
	delete(s.parts, v.PartID)
}

// --- abort ----------------------------------------------------

func (s *OutgoingPaymentSender) handleAbort() {
	for _, p := range s.parts {
		if part, ok := p.(WaitForRouteOrInFlight); ok && part.Flight != nil {
			// A part has been handed to a channel; CMDAbort is not
			// honoured.
			return
		}
	}
	s.terminalFail(PaymentFailure{Tag: FailureNotRetryingNoDetails})
}

func (s *OutgoingPaymentSender) terminalFail(f PaymentFailure) {
	if s.state.terminal() {
		return
	}
	s.state = senderAborted
	if s.abortTimer != nil {
		s.abortTimer.Stop()
	}
	for _, l := range s.listeners {
		l.WholePaymentFailed(s.tag, f)
	}
}

func (s *OutgoingPaymentSender) shutdown() {
	s.shutdownOnce.Do(func() {
		s.master.RemoveSenderFSM(s.tag)
		close(s.quit)
		s.mailbox.Stop()
	})
}
