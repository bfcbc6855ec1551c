package htlcswitch

import (
	"math/rand"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/go-errors/errors"
	sphinx "github.com/lightningnetwork/lightning-onion"
	"github.com/standardsats/immortan/discovery"
	"github.com/standardsats/immortan/lnwire"
)

// verifyUpdateSig checks a channel update's signature against the node id
// it claims to have originated from, reusing the gossip engine's own
// digest rule (spec.md section 4.5, "Update-class failure: verify the
// attached update's signature").
func verifyUpdateSig(origin lnwire.NodeID, u *lnwire.ChannelUpdate) bool {
	pubKey, err := btcec.ParsePubKey(origin[:])
	if err != nil {
		return false
	}
	return discovery.ValidateChannelUpdateAnn(pubKey, u) == nil
}

// ErrorDecrypter peels the BOLT 4 failure onion a remote reject carries,
// resolving which hop on the route produced it. Grounded on
// lightning-onion's OnionErrorDecrypter, which returns the index of the
// originating hop alongside the still-encrypted-for-us failure payload.
type ErrorDecrypter interface {
	DecryptError(encryptedData []byte) (originIndex int, failure []byte, err error)
}

// sphinxDecrypter adapts a part's session key and route into a
// lightning-onion circuit, constructing the decrypter lazily since the
// route (and thus the payment path) is only known once a part is in
// flight.
type sphinxDecrypter struct {
	circuit *sphinx.Circuit
}

// NewSphinxDecrypter builds the ErrorDecrypter for one in-flight part from
// its session key and resolved route.
func NewSphinxDecrypter(sessionKey *btcec.PrivateKey, route Route) ErrorDecrypter {
	path := make([]*btcec.PublicKey, len(route.Hops))
	for i, hop := range route.Hops {
		pub, err := btcec.ParsePubKey(hop.NodeID[:])
		if err != nil {
			continue
		}
		path[i] = pub
	}

	return &sphinxDecrypter{
		circuit: &sphinx.Circuit{
			SessionKey:  sessionKey,
			PaymentPath: path,
		},
	}
}

func (s *sphinxDecrypter) DecryptError(encryptedData []byte) (int, []byte, error) {
	failurePubKey, failure, err := sphinx.NewOnionErrorDecrypter(s.circuit).
		DecryptError(encryptedData)
	if err != nil {
		return 0, nil, err
	}

	for i, hop := range s.circuit.PaymentPath {
		if hop.IsEqual(failurePubKey) {
			return i, failure, nil
		}
	}
	return 0, nil, errUnknownErrorSource
}

// remoteRejectOutcome classifies a decoded remote reject per spec.md
// section 4.5's taxonomy, directing what the sender does next.
type remoteRejectOutcome uint8

const (
	// outcomeTerminal means the whole payment fails now: the failure
	// came from the final recipient, or is a payment-timeout.
	outcomeTerminal remoteRejectOutcome = iota

	// outcomeChannelExcluded means a transit node's update-class failure
	// disabled a channel, which is now permanently excluded for this
	// attempt.
	outcomeChannelExcluded

	// outcomeImbalance means the update was byte-identical to what we
	// already had: treat as a plain capacity imbalance.
	outcomeImbalance

	// outcomeNodePenalized means a node's strange-failure counter should
	// be bumped (the ordinary case for an update-class failure we fed
	// onward, or a node-class failure, or an unclassifiable failure with
	// a clear origin).
	outcomeNodePenalized

	// outcomeNodeHeavilyPenalized means originNode gets the full 32x
	// penalty: the reporting hop for an invalid update signature, a
	// random internal hop for an undecryptable onion. It is also
	// returned, with originNode left zero, for an undecodable failure
	// payload and for an undecryptable onion on a route of two hops or
	// fewer.
	outcomeNodeHeavilyPenalized
)

// remoteRejectResult is what classifyRemoteFailure reports back to the
// sender so it can update the master's failure statistics and decide
// whether to retry.
type remoteRejectResult struct {
	outcome      remoteRejectOutcome
	originNode   lnwire.NodeID
	desc         ChannelDesc
	currentUsage lnwire.MilliSatoshi
	terminalInfo *PaymentFailure
}

// classifyRemoteFailure implements spec.md section 4.5's "Remote reject"
// rule set. decoder decrypts the onion; route is the part's resolved
// route; lastUpdateSeen is the previously-known update for the channel the
// failure names, if any (for the byte-identical imbalance check);
// verifyUpdateSig reports whether a Update-class failure's attached
// signature verifies.
func classifyRemoteFailure(
	decoder ErrorDecrypter,
	route Route,
	reason []byte,
	decodeFailure func([]byte) (lnwire.FailureMessage, error),
	lastUpdateSeen func(lnwire.ShortChannelID) (*lnwire.ChannelUpdate, bool),
	verifyUpdateSig func(origin lnwire.NodeID, u *lnwire.ChannelUpdate) bool,
	usedChannel func(hopIndex int) ChannelDesc,
	rng *rand.Rand,
) remoteRejectResult {

	originIdx, payload, err := decoder.DecryptError(reason)
	if err != nil {
		// Undecryptable: blame a uniformly random internal hop,
		// excluding the first and last.
		if len(route.Hops) <= 2 {
			return remoteRejectResult{outcome: outcomeNodeHeavilyPenalized}
		}
		pick := 1 + rng.Intn(len(route.Hops)-2)
		return remoteRejectResult{
			outcome:    outcomeNodeHeavilyPenalized,
			originNode: route.Hops[pick].NodeID,
		}
	}

	msg, err := decodeFailure(payload)
	if err != nil {
		return remoteRejectResult{outcome: outcomeNodeHeavilyPenalized}
	}

	lastHop, _ := route.LastHop()
	isFinal := originIdx == len(route.Hops)-1

	if isFinal && route.Hops[originIdx].NodeID == lastHop.NodeID {
		return remoteRejectResult{
			outcome: outcomeTerminal,
			terminalInfo: &PaymentFailure{
				Remote: &RemoteFailureInfo{Message: msg, Route: route},
			},
		}
	}
	if lnwire.IsFinal(msg) {
		return remoteRejectResult{
			outcome: outcomeTerminal,
			terminalInfo: &PaymentFailure{
				Remote: &RemoteFailureInfo{Message: msg, Route: route},
			},
		}
	}

	origin := route.Hops[originIdx].NodeID
	usedDesc := usedChannel(originIdx)

	if lnwire.IsUpdateClass(msg) {
		update := lnwire.UpdateOf(msg)
		if update == nil || !verifyUpdateSig(origin, update) {
			return remoteRejectResult{
				outcome:    outcomeNodeHeavilyPenalized,
				originNode: origin,
			}
		}

		if update.ShortChannelID != usedDesc.ShortChannelID {
			return remoteRejectResult{
				outcome:    outcomeNodePenalized,
				originNode: origin,
				desc:       usedDesc,
			}
		}

		if update.Disabled() {
			return remoteRejectResult{
				outcome:    outcomeChannelExcluded,
				originNode: origin,
				desc:       usedDesc,
			}
		}

		if prior, ok := lastUpdateSeen(update.ShortChannelID); ok &&
			prior.Core() == update.Core() {

			return remoteRejectResult{
				outcome:      outcomeImbalance,
				originNode:   origin,
				desc:         usedDesc,
				currentUsage: route.Hops[originIdx].AmountToForward,
			}
		}

		return remoteRejectResult{
			outcome:    outcomeNodePenalized,
			originNode: origin,
			desc:       usedDesc,
		}
	}

	if lnwire.IsNodeClass(msg) {
		return remoteRejectResult{outcome: outcomeNodePenalized, originNode: origin}
	}

	return remoteRejectResult{
		outcome:    outcomeNodePenalized,
		originNode: origin,
		desc:       usedDesc,
	}
}

var errUnknownErrorSource = errors.New("unable to locate onion failure's originating hop")

// decodeFailureMessage turns a decrypted BOLT 4 failure payload into one of
// the lnwire.FailureMessage types. The wire-level parsing of the payload is
// assumed external (section 1's "BOLT wire codecs"). decodeFailureMessage
// is an unexported package variable, so only code inside this package can
// replace it; nothing outside the package can set a decoder. The default rejects
// everything, which is safe: an undecodable payload falls back to
// outcomeNodeHeavilyPenalized, the same treatment BOLT 4 prescribes for a
// malformed failure.
var decodeFailureMessage = defaultFailureCodec

// FailureCodec decodes a raw BOLT 4 failure payload into a typed
// FailureMessage; it is the type of decodeFailureMessage.
type FailureCodec func([]byte) (lnwire.FailureMessage, error)

func defaultFailureCodec([]byte) (lnwire.FailureMessage, error) {
	return nil, errors.New("no failure codec configured")
}
