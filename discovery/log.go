package discovery

import "github.com/btcsuite/btclog"

// log is the package-level logger used by the sync engine. It defaults to
// discarding everything so importing this package has no surprise side
// effects; the host binary wires in a real backend via UseLogger.
var log btclog.Logger

func init() {
	UseLogger(btclog.Disabled)
}

// DisableLog disables all library log output.
func DisableLog() {
	UseLogger(btclog.Disabled)
}

// UseLogger sets the package-wide logger used by the sync engine.
func UseLogger(logger btclog.Logger) {
	log = logger
}
