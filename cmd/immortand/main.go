// Command immortand wires the gossip-sync and outgoing-payment engines
// together behind a single config file/flag surface, the way the teacher's
// cmd/lnd main.go wires its subsystems behind one top-level Config.
package main

import (
	"fmt"
	"os"

	"github.com/btcsuite/btclog"
	flags "github.com/jessevdk/go-flags"
	"github.com/standardsats/immortan/discovery"
	"github.com/standardsats/immortan/htlcswitch"
)

// config is the top-level flag surface: each embedded group's `long`/
// `description` tags come straight from discovery.Config and
// htlcswitch.PaymentConfig, so go-flags renders one combined --help
// listing without either package importing the flags library itself.
type config struct {
	Discovery discovery.Config        `group:"discovery" namespace:"discovery"`
	Payment   htlcswitch.PaymentConfig `group:"payment" namespace:"payment"`
}

func defaultConfig() config {
	return config{
		Discovery: discovery.DefaultConfig(),
		Payment:   htlcswitch.DefaultPaymentConfig(),
	}
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg := defaultConfig()
	parser := flags.NewParser(&cfg, flags.Default)
	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			return nil
		}
		return err
	}

	backend := btclog.NewBackend(os.Stdout)
	discovery.UseLogger(backend.Logger("DISC"))
	htlcswitch.UseLogger(backend.Logger("HSWC"))

	// The Router/PathFinder/Transport/Channel collaborators this config
	// feeds are external per spec.md section 1 and 6; a host application
	// embeds discovery.NewSyncMaster/htlcswitch.NewOutgoingPaymentMaster
	// once it has real implementations of those to hand in. This binary's
	// job is only to parse the combined flag surface and stand up logging.
	log := backend.Logger("MAIN")
	log.Infof("immortand config resolved: %d sync peers, accept threshold %d, "+
		"%d direction-failure budget, %s abort timeout",
		cfg.Discovery.MaxConnections, cfg.Discovery.AcceptThreshold,
		cfg.Payment.MaxDirectionFailures, cfg.Payment.AbortTimeout)

	return nil
}
