package htlcswitch

import (
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/standardsats/immortan/lnwire"
)

// FullPaymentTag identifies one outgoing multi-part payment across its
// entire lifetime: the payment hash plus a locally-generated nonce so a
// retried payment to the same invoice gets its own sender.
type FullPaymentTag struct {
	PaymentHash lnwire.PaymentHash
	Nonce       uint64
}

// ChannelDesc identifies one of our local channels: the short channel id
// plus the remote peer it connects to. Direction is derived separately,
// since a channel update's direction bit depends on which endpoint is the
// lower-sorted node id, not on which side is "ours".
type ChannelDesc struct {
	ShortChannelID lnwire.ShortChannelID
	Peer           lnwire.NodeID
}

// Route is an ordered hop sequence a path-finder returns for one part. The
// Channel package only needs to know the route exists and its per-hop
// MilliSatoshi/expiry deltas to build an onion; this package never
// constructs or decodes sphinx packets other than the failure onion.
type Route struct {
	Hops []RouteHop
}

// RouteHop is one onion hop: the node to forward through, the channel used
// to reach it, and the amount/expiry the hop is instructed to forward.
type RouteHop struct {
	NodeID         lnwire.NodeID
	ShortChannelID lnwire.ShortChannelID
	AmountToForward lnwire.MilliSatoshi
	OutgoingCltv    uint32
}

// LastHop returns the route's final hop, or false if the route is empty.
func (r Route) LastHop() (RouteHop, bool) {
	if len(r.Hops) == 0 {
		return RouteHop{}, false
	}
	return r.Hops[len(r.Hops)-1], true
}

// PartStatus is a sum type over a payment part's current lifecycle stage,
// per spec.md section 4.5.
type PartStatus interface {
	isPartStatus()
}

// WaitForChanOnline is a placeholder part hoping a currently-sleeping
// channel reconnects in time to absorb its amount.
type WaitForChanOnline struct {
	Amount lnwire.MilliSatoshi
	Cnc    ChannelDesc
}

func (WaitForChanOnline) isPartStatus() {}

// Flight carries the state of a part that has been handed to a channel:
// the route it was sent along, and a SharedSecrets slot that this package
// never fills. A returned BOLT 4 failure onion is decrypted from the
// part's SessionKey and this route.
type Flight struct {
	Route         Route
	SharedSecrets [][]byte
}

// WaitForRouteOrInFlight is a part waiting for a route (Flight nil) or
// already submitted to a channel (Flight non-nil). SessionKey is generated
// once, at assignment time, and reused for the onion built once a route is
// found (spec.md section 4.5, "a fresh random onion session key").
type WaitForRouteOrInFlight struct {
	Amount         lnwire.MilliSatoshi
	Cnc            ChannelDesc
	SessionKey     *btcec.PrivateKey
	Flight         *Flight
	LocalFailed    []ChannelDesc
	RemoteAttempts int
}

func (WaitForRouteOrInFlight) isPartStatus() {}

// senderState is the OutgoingPaymentSender lifecycle, per spec.md section
// 4.5. Transitions are one-way except INIT->PENDING and
// PENDING->ABORTED|SUCCEEDED.
type senderState uint8

const (
	senderInit senderState = iota
	senderPending
	senderAborted
	senderSucceeded
)

func (s senderState) String() string {
	switch s {
	case senderInit:
		return "INIT"
	case senderPending:
		return "PENDING"
	case senderAborted:
		return "ABORTED"
	case senderSucceeded:
		return "SUCCEEDED"
	default:
		return "Unknown"
	}
}

func (s senderState) terminal() bool {
	return s == senderAborted || s == senderSucceeded
}

// PaymentFailureTag is the user-visible error taxonomy of spec.md section 7.
type PaymentFailureTag string

const (
	FailureNoRoutesFound         PaymentFailureTag = "no-routes-found"
	FailureNotEnoughFunds        PaymentFailureTag = "not-enough-funds"
	FailurePaymentNotSendable    PaymentFailureTag = "payment-not-sendable"
	FailureRunOutOfRetryAttempts PaymentFailureTag = "run-out-of-retry-attempts"
	FailureRunOutOfCapableChans  PaymentFailureTag = "run-out-of-capable-channels"
	FailureNodeCouldNotParseOnion PaymentFailureTag = "node-could-not-parse-onion"
	FailureNotRetryingNoDetails  PaymentFailureTag = "not-retrying-no-details"
	FailureTimedOut              PaymentFailureTag = "timed-out"
)

// PaymentFailure is a local, terminal failure reason attached to a payment.
type PaymentFailure struct {
	Tag     PaymentFailureTag
	Remote  *RemoteFailureInfo
}

// RemoteFailureInfo carries a decoded (or undecodable) BOLT 4 failure onion
// alongside the route it travelled, per spec.md section 7.
type RemoteFailureInfo struct {
	Message    lnwire.FailureMessage // nil if Unreadable
	Route      Route
	Unreadable bool
}

// StampedChannelFailed records the amount at which a channel direction was
// last observed to fail, and when, so the decay policy can heal it over
// time (spec.md section 4.4).
type StampedChannelFailed struct {
	Amount    lnwire.MilliSatoshi
	StampMsec int64
}

// RouteRequest is what the master hands the path-finder: the amount to
// route, the target node, and the accumulated exclusions that narrow the
// search (spec.md section 4.4).
type RouteRequest struct {
	Tag    FullPaymentTag
	PartID uint64

	TargetNode lnwire.NodeID
	Amount     lnwire.MilliSatoshi

	IgnoreNodes    map[lnwire.NodeID]struct{}
	IgnoreChannels map[lnwire.ShortChannelID]struct{}
}

// RouteFound is the path-finder's successful reply to a RouteRequest.
type RouteFound struct {
	Tag    FullPaymentTag
	PartID uint64
	Route  Route
}

// NoRouteAvailable is the path-finder's failure reply to a RouteRequest.
type NoRouteAvailable struct {
	Tag    FullPaymentTag
	PartID uint64
}

// LocalReject is emitted by a Channel when it cannot even attempt to send
// an HTLC it was asked to add.
type LocalReject struct {
	PartID uint64
	Reason LocalRejectReason
}

// LocalRejectReason enumerates why a channel refused a part before any
// wire message left the node, per spec.md section 4.5.
type LocalRejectReason uint8

const (
	// InPrincipleNotSendable means no amount could ever clear this
	// channel (e.g. it's permanently below dust or closing).
	InPrincipleNotSendable LocalRejectReason = iota

	// ChannelOffline means the peer is currently disconnected.
	ChannelOffline

	// OtherLocalReject covers any other local refusal (insufficient
	// current bandwidth, HTLC slot exhaustion, etc).
	OtherLocalReject
)

// RemoteFulfill is emitted by a Channel once the peer has both revealed the
// preimage and the state transition locking it in has committed.
type RemoteFulfill struct {
	PartID   uint64
	Preimage [32]byte
}

// RemoteUpdateFail is emitted by a Channel when the peer returned an
// encrypted BOLT 4 failure onion for a part.
type RemoteUpdateFail struct {
	PartID uint64
	Reason []byte
}

// NodeFailedMsg increments a node's strange-failure penalty by k.
type NodeFailedMsg struct {
	Node lnwire.NodeID
	K    int
}

// ChannelFailedAtAmountMsg records an imbalance failure on one channel
// direction at a given in-flight usage.
type ChannelFailedAtAmountMsg struct {
	Desc         ChannelDesc
	CurrentUsage lnwire.MilliSatoshi
}

// ChannelNotRoutableMsg hard-excludes a channel for the remainder of the
// current attempt cycle.
type ChannelNotRoutableMsg struct {
	Desc ChannelDesc
}
