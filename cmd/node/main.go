// cmd/node/main.go
package main

import (
	"context"
	"crypto/rand"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"p2p_presence/pkg/addrbook"
	"p2p_presence/pkg/config"
	"p2p_presence/pkg/connset"
	"p2p_presence/pkg/data"
	"p2p_presence/pkg/leader"
	"p2p_presence/pkg/maintenance"
	"p2p_presence/pkg/metrics"
	"p2p_presence/pkg/p2p"
	"p2p_presence/pkg/presence"
	"p2p_presence/pkg/protocol"
	"p2p_presence/pkg/ratelimit"
	"p2p_presence/pkg/security"
	"p2p_presence/pkg/utils"
)

var (
	configFile  = flag.String("config", "config.yaml", "Path to configuration file")
	metricsAddr = flag.String("metrics-addr", ":9090", "Listen address for the metrics endpoint")
	debug       = flag.Bool("debug", false, "Enable debug mode")
)

const (
	bucketSecretKey = "bucket_secret"
	ticketSecretKey = "ticket_secret"

	idlePeerAge = 30 * time.Minute
)

// Node ties the defense core together: address book, connection set,
// rate limiter, presence registry, leader selector and the transport
// glue around them.
type Node struct {
	cfg        *config.Config
	repo       data.Repository
	book       *addrbook.AddressBook
	conns      *connset.Set
	limiter    *ratelimit.Limiter
	behavior   *security.BehaviorTracker
	registry   *presence.Registry
	selector   *leader.Selector
	tickets    *security.TicketIssuer
	host       *p2p.Host
	gossip     *p2p.AddrGossip
	dispatch   *p2p.Dispatcher
	proto      *protocol.Service
	sched      *maintenance.Scheduler
	metrics    *metrics.Metrics
	metricsSrv *http.Server
	logger     *zap.Logger
}

func main() {
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := initLogger(cfg, *debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	node, err := initializeNode(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize node", zap.Error(err))
	}

	setupGracefulShutdown(ctx, cancel, node, logger)

	<-ctx.Done()
}

func initLogger(cfg *config.Config, debug bool) (*zap.Logger, error) {
	logCfg := utils.DefaultLogConfig()
	logCfg.Level = cfg.LogLevel
	logCfg.Debug = debug || cfg.IsDevelopment()
	return utils.NewLogger(logCfg)
}

func initializeNode(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Node, error) {
	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	repo, err := openRepository(initCtx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("opening repository: %w", err)
	}

	node := &Node{
		cfg:     cfg,
		repo:    repo,
		metrics: metrics.New(prometheus.DefaultRegisterer),
		logger:  logger,
	}

	// ctx outlives initialization: the host, pubsub and DHT treat it
	// as their lifetime.
	if err := node.buildCore(ctx); err != nil {
		repo.Close()
		return nil, err
	}

	if err := node.start(ctx); err != nil {
		node.stop(context.Background())
		return nil, fmt.Errorf("starting services: %w", err)
	}

	return node, nil
}

func openRepository(ctx context.Context, cfg *config.Config, logger *zap.Logger) (data.Repository, error) {
	if cfg.Database.URL == "" {
		logger.Warn("No database URL configured, state will not survive restarts")
		return data.NewMemoryRepository(), nil
	}
	return data.NewPostgresRepository(ctx, cfg.Database.URL, logger)
}

func (n *Node) buildCore(ctx context.Context) error {
	// Database-facing restore work gets its own deadline.
	restoreCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	n.conns = connset.New(n.cfg.Conns, n.logger)

	book, err := n.buildAddressBook(restoreCtx)
	if err != nil {
		return fmt.Errorf("building address book: %w", err)
	}
	n.book = book

	n.limiter = ratelimit.New(n.cfg.RateLimit, n.logger)
	n.behavior = security.NewBehaviorTracker(n.onDiscourage, n.logger)

	registry, err := presence.NewRegistry(n.cfg.Presence, &repositoryOracle{repo: n.repo}, n.logger)
	if err != nil {
		return fmt.Errorf("building presence registry: %w", err)
	}
	if err := n.restorePresence(restoreCtx, registry); err != nil {
		return fmt.Errorf("restoring presence state: %w", err)
	}
	n.registry = registry

	verifier := security.NewVerifier()
	selector, err := leader.New(n.cfg.Leader, verifier, n.logger)
	if err != nil {
		return fmt.Errorf("building leader selector: %w", err)
	}
	n.selector = selector

	ticketSecret, err := n.loadOrCreateSecret(restoreCtx, ticketSecretKey)
	if err != nil {
		return fmt.Errorf("loading ticket secret: %w", err)
	}
	issuer, err := security.NewTicketIssuer(ticketSecret[:])
	if err != nil {
		return fmt.Errorf("building ticket issuer: %w", err)
	}
	n.tickets = issuer

	host, err := p2p.NewHost(ctx, n.cfg.P2P, n.book, n.conns, n.limiter, n.metrics, n.logger)
	if err != nil {
		return fmt.Errorf("building p2p host: %w", err)
	}
	n.host = host

	gossip, err := p2p.NewAddrGossip(host.PubSub(), n.cfg.P2P.GossipTopic, host.ID(),
		n.book, n.limiter, n.behavior, host.RememberPeer, n.logger)
	if err != nil {
		return fmt.Errorf("joining address gossip: %w", err)
	}
	n.gossip = gossip

	n.dispatch = p2p.NewDispatcher(n.limiter, n.behavior, n.metrics, n.logger)
	n.proto = protocol.NewService(n.registry, n.selector, verifier, n.tickets, n.metrics, n.logger)
	n.proto.Bind(n.dispatch)

	n.sched = maintenance.NewScheduler(n.logger)
	if err := n.scheduleMaintenance(); err != nil {
		return fmt.Errorf("scheduling maintenance: %w", err)
	}

	return nil
}

// buildAddressBook restores the bucket placement secret and the
// persisted records so an attacker cannot reshuffle buckets by
// forcing restarts.
func (n *Node) buildAddressBook(ctx context.Context) (*addrbook.AddressBook, error) {
	secret, err := n.loadOrCreateSecret(ctx, bucketSecretKey)
	if err != nil {
		return nil, err
	}

	book, err := addrbook.New(n.cfg.AddrBook, n.logger,
		addrbook.WithSecret(secret),
		addrbook.WithProtectedFunc(n.conns.HasAddress),
	)
	if err != nil {
		return nil, err
	}

	if n.cfg.AddrBook.PersistEnabled {
		addrs, err := n.repo.ListAddresses(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing persisted addresses: %w", err)
		}
		records := make([]addrbook.Record, 0, len(addrs))
		for _, a := range addrs {
			records = append(records, addrbook.Record{
				Host:        a.Host,
				Port:        a.Port,
				SourceHost:  a.SourceHost,
				SourcePort:  a.SourcePort,
				Tried:       a.Tried,
				LastSeen:    a.LastSeen,
				LastSuccess: a.LastSuccess,
				Attempts:    a.Attempts,
			})
		}
		book.Restore(records)
		n.logger.Info("Address book restored", zap.Int("records", len(records)))
	}

	return book, nil
}

func (n *Node) loadOrCreateSecret(ctx context.Context, key string) ([32]byte, error) {
	var secret [32]byte

	stored, err := n.repo.GetNodeState(ctx, key)
	if err == nil && len(stored) == len(secret) {
		copy(secret[:], stored)
		return secret, nil
	}
	if err != nil && !errors.Is(err, data.ErrNotFound) {
		return secret, err
	}

	if _, err := rand.Read(secret[:]); err != nil {
		return secret, fmt.Errorf("generating secret: %w", err)
	}
	if err := n.repo.SetNodeState(ctx, key, secret[:]); err != nil {
		return secret, fmt.Errorf("persisting secret: %w", err)
	}
	return secret, nil
}

func (n *Node) restorePresence(ctx context.Context, registry *presence.Registry) error {
	windows, err := n.repo.ListWindows(ctx, n.cfg.Presence.WindowsPerStats)
	if err != nil {
		return err
	}
	identities, err := n.repo.ListIdentities(ctx)
	if err != nil {
		return err
	}

	recs := make([]presence.WindowRecord, 0, len(windows))
	for _, w := range windows {
		recs = append(recs, presence.WindowRecord{
			Window: w.Window,
			Tier:   presence.Tier(w.Tier),
			Count:  w.Count,
		})
	}
	ids := make([]*presence.Identity, 0, len(identities))
	for _, rec := range identities {
		ids = append(ids, &presence.Identity{
			PubKey:       rec.PubKey,
			Tier:         presence.Tier(rec.Tier),
			RegisteredAt: rec.RegisteredAt,
			Window:       rec.Window,
			UserPresent:  rec.UserPresent,
			UserVerified: rec.UserVerified,
			EligibleAt:   rec.EligibleAt,
		})
	}

	if len(recs) == 0 && len(ids) == 0 {
		return nil
	}
	if err := registry.RestoreState(recs, ids); err != nil {
		return err
	}
	n.logger.Info("Presence state restored",
		zap.Int("windows", len(recs)),
		zap.Int("identities", len(ids)),
	)
	return nil
}

// onDiscourage escalates a misbehaving peer from behavior scoring to
// the rate limiter's discouragement filter.
func (n *Node) onDiscourage(p peer.ID) {
	n.limiter.Discourage(p)
	n.metrics.Discouragements.Inc()
}

func (n *Node) scheduleMaintenance() error {
	if _, err := n.sched.Schedule("prune", n.cfg.Maintenance.PruneSchedule, n.runPrune); err != nil {
		return err
	}
	if _, err := n.sched.Schedule("rollover", n.cfg.Maintenance.RolloverSchedule, n.runRollover); err != nil {
		return err
	}
	return nil
}

// runPrune drops terminally stale addresses and idle per-peer state,
// then refreshes the size gauges.
func (n *Node) runPrune(ctx context.Context) error {
	pruned := n.book.PruneStale()
	idleLimiter := n.limiter.PruneIdle(idlePeerAge)
	idleScores := n.behavior.PruneIdle(idlePeerAge)
	staleRoutes := n.host.PruneRoutes()

	stats := n.book.Stats()
	n.metrics.AddrBookSize.WithLabelValues("new").Set(float64(stats.NewCount))
	n.metrics.AddrBookSize.WithLabelValues("tried").Set(float64(stats.TriedCount))

	inbound, outbound := n.conns.Counts()
	n.metrics.Connections.WithLabelValues("inbound").Set(float64(inbound))
	n.metrics.Connections.WithLabelValues("outbound").Set(float64(outbound))

	n.logger.Debug("Prune pass complete",
		zap.Int("staleAddresses", pruned),
		zap.Int("idleLimiterPeers", idleLimiter),
		zap.Int("idleScoredPeers", idleScores),
		zap.Int("staleRoutes", staleRoutes),
	)

	if n.cfg.AddrBook.PersistEnabled {
		return n.persistAddresses(ctx)
	}
	return nil
}

// runRollover closes any elapsed presence windows and persists the
// resulting counts so the cooldown survives restarts.
func (n *Node) runRollover(ctx context.Context) error {
	n.registry.Rollover()
	n.proto.CheckMissedSlot(time.Now())

	snap := n.registry.Snapshot()
	for _, tier := range []presence.Tier{presence.TierFullNode, presence.TierVerifiedUser} {
		n.metrics.CooldownWindows.WithLabelValues(tier.String()).
			Set(float64(snap.AppliedCooldown(tier)))
	}

	windows, identities := n.registry.ExportState()
	for i := range windows {
		w := &data.PresenceWindow{
			Window:   windows[i].Window,
			Tier:     int(windows[i].Tier),
			Count:    windows[i].Count,
			ClosedAt: time.Now().UTC(),
		}
		if err := n.repo.SaveWindow(ctx, w); err != nil {
			return fmt.Errorf("saving window %d: %w", w.Window, err)
		}
	}
	for _, id := range identities {
		rec := &data.IdentityRecord{
			PubKey:       id.PubKey,
			Tier:         int(id.Tier),
			RegisteredAt: id.RegisteredAt,
			Window:       id.Window,
			UserPresent:  id.UserPresent,
			UserVerified: id.UserVerified,
			EligibleAt:   id.EligibleAt,
		}
		if err := n.repo.SaveIdentity(ctx, rec); err != nil && !errors.Is(err, data.ErrDuplicate) {
			return fmt.Errorf("saving identity: %w", err)
		}
	}
	return nil
}

func (n *Node) persistAddresses(ctx context.Context) error {
	snapshot := n.book.Snapshot()
	addrs := make([]*data.Address, 0, len(snapshot))
	for i := range snapshot {
		r := &snapshot[i]
		addrs = append(addrs, &data.Address{
			Host:        r.Host,
			Port:        r.Port,
			SourceHost:  r.SourceHost,
			SourcePort:  r.SourcePort,
			Tried:       r.Tried,
			LastSeen:    r.LastSeen,
			LastSuccess: r.LastSuccess,
			Attempts:    r.Attempts,
		})
	}
	return n.repo.ReplaceAddresses(ctx, addrs)
}

func (n *Node) start(ctx context.Context) error {
	n.host.ServeDispatcher(n.dispatch)
	if err := n.host.Start(ctx, n.gossip); err != nil {
		return fmt.Errorf("starting host: %w", err)
	}

	n.sched.Start()
	n.startMetricsServer()

	n.logger.Info("Node started",
		zap.String("peerID", n.host.ID().String()),
		zap.Int("port", n.cfg.P2P.Port),
	)
	return nil
}

func (n *Node) startMetricsServer() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	n.metricsSrv = &http.Server{Addr: *metricsAddr, Handler: mux}

	utils.SafeGo(n.logger, func() {
		if err := n.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			n.logger.Error("Metrics server failed", zap.Error(err))
		}
	})
}

func (n *Node) stop(ctx context.Context) error {
	var errs []error

	if n.sched != nil {
		n.sched.Stop()
	}
	if n.metricsSrv != nil {
		if err := n.metricsSrv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stopping metrics server: %w", err))
		}
	}
	if n.host != nil {
		if err := n.host.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stopping host: %w", err))
		}
	}

	// Flush durable state before the repository goes away.
	if n.book != nil && n.cfg.AddrBook.PersistEnabled {
		if err := n.persistAddresses(ctx); err != nil {
			errs = append(errs, fmt.Errorf("persisting addresses: %w", err))
		}
	}
	if n.registry != nil {
		if err := n.runRollover(ctx); err != nil {
			errs = append(errs, fmt.Errorf("persisting presence state: %w", err))
		}
	}
	if n.repo != nil {
		n.repo.Close()
	}

	for _, err := range errs {
		n.logger.Error("Shutdown error", zap.Error(err))
	}

	n.logger.Info("Node stopped")
	return nil
}

func setupGracefulShutdown(ctx context.Context, cancel context.CancelFunc, node *Node, logger *zap.Logger) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
		case <-ctx.Done():
			logger.Info("Context cancelled")
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := node.stop(shutdownCtx); err != nil {
			logger.Error("Error during shutdown", zap.Error(err))
			os.Exit(1)
		}

		cancel()
	}()
}

// repositoryOracle treats any public key absent from durable storage
// as a first registration.
type repositoryOracle struct {
	repo data.Repository
}

func (o *repositoryOracle) IsFirstRegistration(ctx context.Context, pubKey []byte) (bool, error) {
	_, err := o.repo.GetIdentity(ctx, pubKey)
	if errors.Is(err, data.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return false, nil
}
