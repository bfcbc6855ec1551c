package discovery

import (
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/lightningnetwork/lnd/queue"
	"github.com/standardsats/immortan/lnwire"
)

// PHCSyncMaster is the single-worker variant of SyncMaster that
// synchronizes private hosted channels, per spec.md section 4.3.
type PHCSyncMaster struct {
	cfg     Config
	trans   Transport
	router  Router
	mailbox *queue.ConcurrentQueue
	quit    chan struct{}

	onSyncComplete     func(CompleteHostedRoutingData)
	onNodeAnnouncement func(*lnwire.NodeAnnouncement)

	peer lnwire.NetAddress

	worker *SyncWorker

	// everOperational tracks whether the current worker ever completed
	// the handshake guard; per DESIGN.md's resolution of the open
	// question in spec.md section 9, attemptsLeft is only decremented
	// for a disconnect of a worker that reached Operational at least
	// once.
	everOperational bool

	attemptsLeft int

	state masterState
}

// NewPHCSyncMaster constructs a PHC master for one candidate hosting
// peer.
func NewPHCSyncMaster(cfg Config, trans Transport, router Router, peer lnwire.NetAddress) *PHCSyncMaster {
	m := &PHCSyncMaster{
		cfg:          cfg,
		trans:        trans,
		router:       router,
		mailbox:      queue.NewConcurrentQueue(16),
		quit:         make(chan struct{}),
		peer:         peer,
		attemptsLeft: cfg.PHCAttempts,
	}
	m.mailbox.Start()
	go m.run()
	return m
}

func (m *PHCSyncMaster) Config() Config { return m.cfg }

// Start begins the PHC sync with the given callbacks.
func (m *PHCSyncMaster) Start(
	onSyncComplete func(CompleteHostedRoutingData),
	onNodeAnnouncement func(*lnwire.NodeAnnouncement),
) {
	m.Send(phcStartMsg{onSyncComplete: onSyncComplete, onNodeAnnouncement: onNodeAnnouncement})
}

type phcStartMsg struct {
	onSyncComplete     func(CompleteHostedRoutingData)
	onNodeAnnouncement func(*lnwire.NodeAnnouncement)
}

type phcRetryMsg struct{}

// Send enqueues msg onto the master's mailbox, never blocking the caller.
func (m *PHCSyncMaster) Send(msg interface{}) {
	select {
	case m.mailbox.ChanIn() <- msg:
	case <-m.quit:
	}
}

func (m *PHCSyncMaster) run() {
	for {
		select {
		case msg := <-m.mailbox.ChanOut():
			m.process(msg)
			if m.state == masterShutDown {
				return
			}
		case <-m.quit:
			return
		}
	}
}

func (m *PHCSyncMaster) process(msg interface{}) {
	switch v := msg.(type) {
	case phcStartMsg:
		m.onSyncComplete = v.onSyncComplete
		m.onNodeAnnouncement = v.onNodeAnnouncement
		m.spawnWorker()

	case phcRetryMsg:
		if m.attemptsLeft <= 0 {
			log.Debugf("PHC sync exhausted reconnect attempts, terminating silently")
			m.shutdown()
			return
		}
		m.spawnWorker()

	case disconnectMsg:
		m.handleDisconnect()

	case nodeAnnMsg:
		if m.onNodeAnnouncement != nil {
			m.onNodeAnnouncement(v.ann)
		}

	case phcCompleteMsg:
		if m.onSyncComplete != nil {
			m.onSyncComplete(v.data)
		}
		m.shutdown()
	}
}

type phcCompleteMsg struct {
	data CompleteHostedRoutingData
}

func (m *PHCSyncMaster) spawnWorker() {
	m.everOperational = false
	w := NewSyncWorker(m, m.peer, nil)
	m.worker = w
	w.Send(beginPHC{})

	if m.trans == nil {
		return
	}

	ephemeral, err := btcec.NewPrivateKey()
	if err != nil {
		log.Errorf("unable to generate ephemeral key: %v", err)
		return
	}
	if err := m.trans.Listen(ephemeral, m.peer, workerListener{w}); err != nil {
		log.Errorf("unable to connect to PHC candidate: %v", err)
	}
}

func (m *PHCSyncMaster) handleDisconnect() {
	if m.everOperational {
		m.attemptsLeft--
	}

	master := m
	time.AfterFunc(m.cfg.ReconnectBackoff, func() {
		master.Send(phcRetryMsg{})
	})
}

func (m *PHCSyncMaster) shutdown() {
	if m.state == masterShutDown {
		return
	}
	m.state = masterShutDown
	close(m.quit)
	m.mailbox.Stop()
}

// --- RemoteNodeInfoSource implementation -----------------------------------

// IsProven is unused by the PHC phase (admission is per spec.md section
// 4.1's PHC-specific rule, not the N-of-K SCID proof), but required by
// the shared interface.
func (m *PHCSyncMaster) IsProven(scid lnwire.ShortChannelID) bool { return false }

func (m *PHCSyncMaster) IsExcluded(u *lnwire.ChannelUpdate) bool { return false }

func (m *PHCSyncMaster) OnNodeAnnouncement(ann *lnwire.NodeAnnouncement) {
	m.Send(nodeAnnMsg{ann: ann})
}

func (m *PHCSyncMaster) DeliverShortIdsComplete(w *SyncWorker, data shortIDReply) {}

func (m *PHCSyncMaster) DeliverChunkComplete(w *SyncWorker, data chunkResult) {}

func (m *PHCSyncMaster) DeliverGossipComplete(w *SyncWorker) {}

func (m *PHCSyncMaster) DeliverPHCComplete(w *SyncWorker, data CompleteHostedRoutingData) {
	m.everOperational = true
	m.Send(phcCompleteMsg{data: data})
}

func (m *PHCSyncMaster) DeliverDisconnect(w *SyncWorker, hadExtendedRangeQueries bool, remainingQueue []lnwire.QueryShortChannelIDs) {
	if hadExtendedRangeQueries {
		m.everOperational = true
	}
	m.Send(disconnectMsg{w: w, hadExtendedRangeQueries: hadExtendedRangeQueries})
}
