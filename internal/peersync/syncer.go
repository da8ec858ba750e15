package peersync

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/haivemind/haivemind/internal/bus"
	"github.com/haivemind/haivemind/internal/config"
	"github.com/haivemind/haivemind/internal/model"
	"github.com/haivemind/haivemind/internal/storage"
)

// SyncerConfig tunes the outbound side of replication.
type SyncerConfig struct {
	MachineID      string
	Peers          []config.Peer
	Token          string
	WorkersPerPeer int
	QueueDepth     int
	PullBatch      int
	ProbeInterval  time.Duration
}

// peerState is the runtime view of one configured peer.
type peerState struct {
	cfg      config.Peer
	client   *Client
	queue    chan storage.JournalEntry
	lastSeen atomic.Int64 // unix seconds of the last successful RPC
}

func (p *peerState) healthy(now time.Time, window time.Duration) bool {
	seen := p.lastSeen.Load()
	return seen > 0 && now.Sub(time.Unix(seen, 0)) < window
}

func (p *peerState) touch() { p.lastSeen.Store(time.Now().Unix()) }

// Syncer drives replication against the configured fleet: a bootstrap pull on
// startup, continuous mirroring of local journal entries, and periodic
// liveness probes that double as catch-up pulls.
type Syncer struct {
	db      *storage.DB
	applier *Applier
	bus     bus.Bus
	cfg     SyncerConfig
	logger  *slog.Logger

	peers []*peerState

	mu          sync.Mutex
	cancel      context.CancelFunc
	done        chan struct{}
	unsubscribe func()
	started     bool
}

// NewSyncer builds a syncer for the configured peer list.
func NewSyncer(db *storage.DB, applier *Applier, b bus.Bus, cfg SyncerConfig, logger *slog.Logger) *Syncer {
	if cfg.WorkersPerPeer <= 0 {
		cfg.WorkersPerPeer = 4
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 256
	}
	if cfg.PullBatch <= 0 {
		cfg.PullBatch = 500
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = 30 * time.Second
	}
	s := &Syncer{db: db, applier: applier, bus: b, cfg: cfg, logger: logger}
	for _, p := range cfg.Peers {
		s.peers = append(s.peers, &peerState{
			cfg:    p,
			client: NewClient(p.Endpoint, cfg.Token),
			queue:  make(chan storage.JournalEntry, cfg.QueueDepth),
		})
	}
	return s
}

// Start bootstraps from every peer, then begins mirroring and probing.
// Bootstrap failures are logged, not fatal: an unreachable peer is caught up
// by the probe loop once it returns.
func (s *Syncer) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.done = make(chan struct{})

	if err := s.bootstrap(ctx); err != nil {
		s.logger.Warn("peersync: bootstrap incomplete", "error", err)
	}

	unsub, err := s.bus.Subscribe(func(ctx context.Context, ev model.SyncEvent) {
		s.enqueue(ev)
	})
	if err != nil {
		cancel()
		return model.Wrap(model.KindUnavailable, err, "subscribe outbound mirror")
	}
	s.unsubscribe = unsub

	var wg sync.WaitGroup
	for _, p := range s.peers {
		for range s.cfg.WorkersPerPeer {
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.pushWorker(runCtx, p)
			}()
		}
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.probeLoop(runCtx)
	}()
	go func() {
		wg.Wait()
		close(s.done)
	}()

	s.started = true
	return nil
}

// Stop halts mirroring and waits for workers to finish.
func (s *Syncer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	s.cancel()
	<-s.done
	s.started = false
}

// PeerCount returns the number of configured peers.
func (s *Syncer) PeerCount() int { return len(s.peers) }

// HealthyPeers counts peers seen within three probe intervals.
func (s *Syncer) HealthyPeers() int {
	window := 3 * s.cfg.ProbeInterval
	now := time.Now()
	n := 0
	for _, p := range s.peers {
		if p.healthy(now, window) {
			n++
		}
	}
	return n
}

// bootstrap pulls each peer's backlog concurrently, checkpointing as batches
// apply so a crash resumes where it left off.
func (s *Syncer) bootstrap(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, p := range s.peers {
		g.Go(func() error {
			if err := s.pullFrom(ctx, p); err != nil {
				s.logger.Warn("peersync: bootstrap pull", "peer", p.cfg.MachineID, "error", err)
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

// pullFrom drains a peer's journal from our checkpoint to its head.
func (s *Syncer) pullFrom(ctx context.Context, p *peerState) error {
	for {
		after, err := s.db.GetPeerCheckpoint(ctx, p.cfg.MachineID)
		if err != nil {
			return err
		}
		resp, err := p.client.Pull(ctx, PullRequest{
			MachineID: s.cfg.MachineID,
			AfterSeq:  after,
			Limit:     s.cfg.PullBatch,
		})
		if err != nil {
			return err
		}
		p.touch()

		applied := after
		for _, entry := range resp.Events {
			if _, err := s.applier.Apply(ctx, entry.Event); err != nil {
				// Checkpoint what applied; the bad event retries next pull.
				_ = s.db.SetPeerCheckpoint(ctx, p.cfg.MachineID, applied)
				return err
			}
			if entry.Seq > applied {
				applied = entry.Seq
			}
		}
		// NextSeq covers entries the server filtered out for us.
		next := max(applied, resp.NextSeq)
		if next > after {
			if err := s.db.SetPeerCheckpoint(ctx, p.cfg.MachineID, next); err != nil {
				return err
			}
		}
		if next >= resp.LatestSeq {
			return nil
		}
	}
}

// enqueue mirrors one locally originated event to every eligible peer queue.
func (s *Syncer) enqueue(ev model.SyncEvent) {
	if ev.OriginMachineID != s.cfg.MachineID {
		return
	}
	entry := storage.JournalEntry{Event: ev}
	for _, p := range s.peers {
		if !ev.Outbound(p.cfg.Internal) {
			continue
		}
		select {
		case p.queue <- entry:
		default:
			// Full queue: the peer is behind; its probe pull catches up.
			s.logger.Debug("peersync: peer queue full, dropping mirror",
				"peer", p.cfg.MachineID, "kind", ev.Kind)
		}
	}
}

// pushWorker drains one peer's queue, batching adjacent events.
func (s *Syncer) pushWorker(ctx context.Context, p *peerState) {
	for {
		select {
		case <-ctx.Done():
			return
		case first, open := <-p.queue:
			if !open {
				return
			}
			batch := []storage.JournalEntry{first}
		fill:
			for len(batch) < 64 {
				select {
				case next := <-p.queue:
					batch = append(batch, next)
				default:
					break fill
				}
			}
			s.pushBatch(ctx, p, batch)
		}
	}
}

func (s *Syncer) pushBatch(ctx context.Context, p *peerState, batch []storage.JournalEntry) {
	_, err := p.client.Push(ctx, PushRequest{
		MachineID: s.cfg.MachineID,
		Events:    batch,
	})
	if err != nil {
		if !errors.Is(ctx.Err(), context.Canceled) {
			s.logger.Warn("peersync: push batch",
				"peer", p.cfg.MachineID, "events", len(batch), "error", err)
		}
		return
	}
	p.touch()
}

// probeLoop checks each peer's liveness and pulls any backlog the mirror
// missed (dropped queue entries, events journaled while we were down).
func (s *Syncer) probeLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, p := range s.peers {
				st, err := p.client.Status(ctx)
				if err != nil {
					s.logger.Debug("peersync: probe", "peer", p.cfg.MachineID, "error", err)
					continue
				}
				p.touch()
				after, err := s.db.GetPeerCheckpoint(ctx, p.cfg.MachineID)
				if err != nil {
					s.logger.Warn("peersync: probe checkpoint", "peer", p.cfg.MachineID, "error", err)
					continue
				}
				if st.LatestSeq > after {
					if err := s.pullFrom(ctx, p); err != nil {
						s.logger.Warn("peersync: catch-up pull", "peer", p.cfg.MachineID, "error", err)
					}
				}
			}
		}
	}
}
