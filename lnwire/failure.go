package lnwire

// FailureMessage is the decrypted BOLT 4 onion failure payload carried back
// from a hop that could not forward or settle an HTLC.
type FailureMessage interface {
	// Code returns the BOLT 4 failure code, used to classify the
	// failure (update-class, node-class, final, ...).
	Code() uint16
}

// failure code bits, per BOLT 4.
const (
	flagBadOnion    uint16 = 0x8000
	flagPerm        uint16 = 0x4000
	flagNode        uint16 = 0x2000
	flagUpdate      uint16 = 0x1000
)

// FailTemporaryChannelFailure is returned by a transit hop whose outgoing
// channel is temporarily unable to forward; it carries the hop's current
// view of the channel update for that edge.
type FailTemporaryChannelFailure struct {
	Update *ChannelUpdate
}

func (f *FailTemporaryChannelFailure) Code() uint16 { return flagUpdate | 7 }

// FailAmountBelowMinimum is an Update-class failure: the forwarded amount
// was below the channel's advertised minimum.
type FailAmountBelowMinimum struct {
	Update *ChannelUpdate
}

func (f *FailAmountBelowMinimum) Code() uint16 { return flagUpdate | 10 }

// FailFeeInsufficient is an Update-class failure: the offered fee was
// insufficient for the hop's policy.
type FailFeeInsufficient struct {
	Update *ChannelUpdate
}

func (f *FailFeeInsufficient) Code() uint16 { return flagUpdate | 11 }

// FailIncorrectCltvExpiry is an Update-class failure.
type FailIncorrectCltvExpiry struct {
	Update *ChannelUpdate
}

func (f *FailIncorrectCltvExpiry) Code() uint16 { return flagUpdate | 13 }

// FailExpiryTooSoon is an Update-class failure with no channel reference
// beyond "try a slower route".
type FailExpiryTooSoon struct {
	Update *ChannelUpdate
}

func (f *FailExpiryTooSoon) Code() uint16 { return flagUpdate | 14 }

// FailPermanentChannelFailure is a permanent failure attributed to one
// channel without carrying an update; it is neither Node- nor
// Update-class.
type FailPermanentChannelFailure struct{}

func (f *FailPermanentChannelFailure) Code() uint16 { return flagPerm | 8 }

// FailUnknownNextPeer is attributed to the node, not any one channel.
type FailUnknownNextPeer struct{}

func (f *FailUnknownNextPeer) Code() uint16 { return flagPerm | 2 }

// FailPermanentNodeFailure is a Node-class failure.
type FailPermanentNodeFailure struct{}

func (f *FailPermanentNodeFailure) Code() uint16 { return flagPerm | flagNode | 2 }

// FailTemporaryNodeFailure is a Node-class failure.
type FailTemporaryNodeFailure struct{}

func (f *FailTemporaryNodeFailure) Code() uint16 { return flagNode | 2 }

// FailIncorrectOrUnknownPaymentDetails is returned by the final recipient.
type FailIncorrectOrUnknownPaymentDetails struct {
	HtlcMsat      MilliSatoshi
	HeightTarget  uint32
}

func (f *FailIncorrectOrUnknownPaymentDetails) Code() uint16 { return flagPerm | 15 }

// FailFinalIncorrectCltvExpiry is returned by the final recipient.
type FailFinalIncorrectCltvExpiry struct {
	CltvExpiry uint32
}

func (f *FailFinalIncorrectCltvExpiry) Code() uint16 { return 18 }

// FailPaymentTimeout signals the payee gave up waiting for completion of
// a multi-part payment; terminal regardless of where it originated.
type FailPaymentTimeout struct{}

func (f *FailPaymentTimeout) Code() uint16 { return 23 }

// IsUpdateClass reports whether code carries a channel_update the path
// finder can learn from (BOLT 4's "UPDATE" class bit).
func IsUpdateClass(f FailureMessage) bool {
	return f.Code()&flagUpdate != 0
}

// IsNodeClass reports whether the failure is attributed to the reporting
// node as a whole rather than one of its channels.
func IsNodeClass(f FailureMessage) bool {
	return f.Code()&flagNode != 0
}

// IsFinal reports whether this failure can only legitimately originate at
// the payment's final recipient.
func IsFinal(f FailureMessage) bool {
	switch f.(type) {
	case *FailIncorrectOrUnknownPaymentDetails, *FailFinalIncorrectCltvExpiry,
		*FailPaymentTimeout:
		return true
	}
	return false
}

// UpdateOf extracts the embedded channel update from an Update-class
// failure, if any.
func UpdateOf(f FailureMessage) *ChannelUpdate {
	switch m := f.(type) {
	case *FailTemporaryChannelFailure:
		return m.Update
	case *FailAmountBelowMinimum:
		return m.Update
	case *FailFeeInsufficient:
		return m.Update
	case *FailIncorrectCltvExpiry:
		return m.Update
	case *FailExpiryTooSoon:
		return m.Update
	}
	return nil
}
