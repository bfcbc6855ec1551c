package discovery

import "time"

// Config groups the tunables of spec.md section 6 that govern sync-peer
// count, consensus thresholds, batching, and PHC admission. Struct tags
// make it consumable by github.com/jessevdk/go-flags from a host binary's
// configuration file without this package knowing anything about flag
// parsing.
type Config struct {
	// MaxConnections is the number of parallel sync peers the master
	// keeps alive.
	MaxConnections int `long:"maxconnections" description:"number of parallel gossip sync peers"`

	// AcceptThreshold is the minimum number of corroborating peers
	// (strictly more than this) required to admit an SCID, announcement,
	// or update into the validated snapshot.
	AcceptThreshold int `long:"acceptthreshold" description:"minimum corroborating peer count for admission"`

	// MessagesToAsk is the number of SCIDs packed into one
	// QueryShortChannelIDs batch.
	MessagesToAsk int `long:"messagestoask" description:"SCIDs per gossip query batch"`

	// ChunksToWait is how many completed chunks the master folds
	// together before emitting one PureRoutingData snapshot.
	ChunksToWait int `long:"chunkstowait" description:"chunks batched per routing snapshot"`

	// MinCapacity is the minimum advertised channel capacity (in
	// millisatoshi) a channel update needs to not be excluded.
	MinCapacity uint64 `long:"mincapacity" description:"minimum accepted channel capacity msat"`

	// MinPHCCapacity and MaxPHCCapacity bound the capacity a private
	// hosted channel update may advertise.
	MinPHCCapacity uint64 `long:"minphccapacity" description:"minimum accepted PHC capacity msat"`
	MaxPHCCapacity uint64 `long:"maxphccapacity" description:"maximum accepted PHC capacity msat"`

	// MaxPHCPerNode caps the number of accepted PHCs per endpoint.
	MaxPHCPerNode int `long:"maxphcpernode" description:"max accepted PHCs per node"`

	// MinNormalChansForPHC is the minimum number of normal (on-chain)
	// adjacencies for each endpoint of a PHC announcement. It is parsed
	// and carried in Config only: no PHC admission path reads it, so no
	// graph check is made before a PHC announcement is accepted.
	MinNormalChansForPHC int `long:"minnormalchansforphc" description:"min public channel adjacency for PHC admission"`

	// ReconnectBackoff is how long the master waits before replacing a
	// disconnected worker (spec.md section 4.2, "Disconnection
	// policy").
	ReconnectBackoff time.Duration `long:"reconnectbackoff" description:"delay before replacing a disconnected sync peer"`

	// PHCAttempts bounds PHCSyncMaster's disconnect-retry budget.
	PHCAttempts int `long:"phcattempts" description:"PHC worker reconnect attempts before giving up"`
}

// DefaultConfig returns the values this implementation ships with, chosen
// to match the ranges spec.md's seed tests exercise.
func DefaultConfig() Config {
	return Config{
		MaxConnections:       4,
		AcceptThreshold:      1,
		MessagesToAsk:        500,
		ChunksToWait:         4,
		MinCapacity:          1_000_000,
		MinPHCCapacity:       1_000_000,
		MaxPHCCapacity:       50_000_000_000,
		MaxPHCPerNode:        5,
		MinNormalChansForPHC: 2,
		ReconnectBackoff:     5 * time.Second,
		PHCAttempts:          5,
	}
}
