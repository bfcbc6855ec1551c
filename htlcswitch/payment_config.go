package htlcswitch

import "time"

// PaymentConfig groups the tunables of spec.md section 4.4 and section 6
// that govern retry caps and the capacity-decay time constant. Struct tags
// make it consumable by github.com/jessevdk/go-flags from a host binary's
// configuration file without this package knowing anything about flag
// parsing.
type PaymentConfig struct {
	// MaxDirectionFailures is how many times a channel direction may
	// fail before it is excluded from route requests for the remainder
	// of the current attempt cycle.
	MaxDirectionFailures int `long:"maxdirectionfailures" description:"penalty count before a channel direction is excluded"`

	// MaxStrangeNodeFailures is how many times a node may be blamed for
	// a remote failure before it is excluded.
	MaxStrangeNodeFailures int `long:"maxstrangenodefailures" description:"penalty count before a node is excluded"`

	// MaxRemoteAttempts caps how many times one sender part may retry
	// after a remote reject before giving up with RunOutOfRetryAttempts.
	MaxRemoteAttempts int `long:"maxremoteattempts" description:"remote reject retries before a part gives up"`

	// MaxInChannelHtlcs caps the number of simultaneous in-flight parts
	// one sender may have, counted across all of its channels, bounding
	// CutIntoHalves subdivision depth.
	MaxInChannelHtlcs int `long:"maxinchannelhtlcs" description:"max simultaneous in-flight HTLCs per payment"`

	// FailedChanRecoveryMsec is the time constant used by the capacity
	// failure decay formula: a channel's recorded failure amount heals
	// back toward capacity linearly over this many milliseconds.
	FailedChanRecoveryMsec int64 `long:"failedchanrecoverymsec" description:"capacity-failure decay time constant in milliseconds"`

	// AbortTimeout is how long a sender waits, after (re)assigning parts
	// to channels, before giving up on any part still WaitForChanOnline.
	AbortTimeout time.Duration `long:"aborttimeout" description:"timeout before a stuck payment is aborted"`
}

// DefaultPaymentConfig returns the values this implementation ships with.
func DefaultPaymentConfig() PaymentConfig {
	return PaymentConfig{
		MaxDirectionFailures:   2,
		MaxStrangeNodeFailures: 5,
		MaxRemoteAttempts:      3,
		MaxInChannelHtlcs:      5,
		FailedChanRecoveryMsec: int64(10 * time.Minute / time.Millisecond),
		AbortTimeout:           30 * time.Second,
	}
}
