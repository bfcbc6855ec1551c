package htlcswitch

import (
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/standardsats/immortan/lnwire"
)

// PathFinder is the external route-finding service the master serializes
// access to (spec.md section 4.4, "at most one route request may be
// outstanding system-wide").
type PathFinder interface {
	// FindRoute submits a route request. The reply (RouteFound or
	// NoRouteAvailable) arrives asynchronously via the master's mailbox;
	// this call must not block.
	FindRoute(req RouteRequest)

	// FeedChannelUpdate forwards a gossip-sourced channel update into
	// the path-finder's online graph view. Loose, best-effort: the
	// caller does not await completion.
	FeedChannelUpdate(update *lnwire.ChannelUpdate)

	// NodeIDFromUpdate resolves the origin node of a channel update, if
	// the path-finder's graph has enough information to say which side
	// signed it.
	NodeIDFromUpdate(update *lnwire.ChannelUpdate) (lnwire.NodeID, bool)
}

// Channel is the external per-link handle a sender submits HTLCs to and
// receives terminal HTLC outcomes from (spec.md section 6).
type Channel interface {
	Desc() ChannelDesc

	// AvailableForSend is the channel's current outbound bandwidth,
	// before subtracting any sender-side reservations.
	AvailableForSend() lnwire.MilliSatoshi

	// MinSendable is the smallest amount the channel will carry.
	MinSendable() lnwire.MilliSatoshi

	// IsOnline reports whether the channel's peer is currently
	// connected.
	IsOnline() bool

	// SendAdd submits one part's HTLC. The terminal outcome (fulfill or
	// fail) is reported back through the listener the channel was
	// constructed with, not through this call's return value.
	SendAdd(partID uint64, amount lnwire.MilliSatoshi, paymentHash lnwire.PaymentHash,
		route Route, sessionKey *btcec.PrivateKey) error
}

// PaymentListener is notified once per outcome of an entire outgoing
// payment: fan-out target for the terminal states spec.md section 4.5
// guarantees are emitted exactly once (SUPPLEMENTED FEATURES).
type PaymentListener interface {
	WholePaymentSucceeded(tag FullPaymentTag, preimage [32]byte)
	WholePaymentFailed(tag FullPaymentTag, failure PaymentFailure)
}

// Clock abstracts wall-clock time so the capacity-decay formula (spec.md
// section 4.4) can be driven deterministically in tests.
type Clock interface {
	NowMsec() int64
}

// lndClockAdapter wraps the ecosystem's clock.Clock (the same interface
// channeldb and contractcourt take for deterministic tests) down to the
// millisecond granularity the decay formula wants.
type lndClockAdapter struct {
	inner clock.Clock
}

// NewLndClock adapts a clock.Clock into a Clock, so production wiring can
// hand the master clock.NewDefaultClock() and tests can hand it
// clock.NewTestClock(t).
func NewLndClock(inner clock.Clock) Clock {
	return &lndClockAdapter{inner: inner}
}

func (c *lndClockAdapter) NowMsec() int64 {
	return c.inner.Now().UnixNano() / int64(1e6)
}

