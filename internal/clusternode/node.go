// Package clusternode wires the bus protocol, slot map, router, and
// migration controller into the single actor described by spec §5:
// one event loop, no locks, every state mutation sequenced by ticks
// and inbound frames.
package clusternode

import (
	"context"
	"fmt"
	"time"

	"clustercore/internal/bus"
	"clustercore/internal/clusterconfig"
	"clustercore/internal/crypto"
	"clustercore/internal/logging"
	"clustercore/internal/migration"
	"clustercore/internal/router"
	"clustercore/internal/store"
)

// ClusterNode owns every coordination-core collaborator for one node
// and drives them from a single goroutine's select loop.
type ClusterNode struct {
	Cluster   *bus.Cluster
	Protocol  *bus.Protocol
	Router    *router.Router
	Migration *migration.Controller
	Store     *store.Store
	Config    *clusterconfig.Store

	salt       []byte // PBKDF2 salt the bus authenticator derives its key from
	metrics    Metrics
	configPath string
	saveEvery  uint64
	tickCount  uint64
	commands   chan func()
	stop       chan struct{}
	stopped    chan struct{}

	healthWasFail     bool
	electionWasActive bool
}

// Options bundles New's startup parameters.
type Options struct {
	ClientAddr  string // this node's client-facing ip
	ClientPort  int    // this node's client-facing port; bus listens on ClientPort+10000
	ConfigPath  string
	ClusterAuth string // shared bus secret, empty disables authentication
	Cluster     bus.Config
	DialTimeout time.Duration
}

// New mints a fresh node identity, restores the epoch vars and auth salt
// from the config file, binds the bus listener, and returns a
// ClusterNode ready for Start.
func New(opts Options) (*ClusterNode, error) {
	if opts.ClientPort <= 0 || opts.ClientPort > 65535-10000 {
		return nil, fmt.Errorf("clusternode: client port %d leaves no room for the bus offset (+10000)", opts.ClientPort)
	}

	cfgStore, err := clusterconfig.Open(opts.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("clusternode: %w", err)
	}

	self, vars, err := loadOrCreateSelf(cfgStore, opts)
	if err != nil {
		cfgStore.Close()
		return nil, fmt.Errorf("clusternode: load identity: %w", err)
	}

	salt := vars.Salt
	if len(salt) == 0 {
		salt, err = crypto.GenerateSalt()
		if err != nil {
			cfgStore.Close()
			return nil, fmt.Errorf("clusternode: generate auth salt: %w", err)
		}
	}

	auth := bus.NewAuthenticator(opts.ClusterAuth, salt)
	cluster := bus.NewCluster(self, opts.Cluster, auth)
	cluster.CurrentEpoch = vars.CurrentEpoch
	cluster.LastVoteEpoch = vars.LastVoteEpoch

	busAddr := fmt.Sprintf("%s:%d", opts.ClientAddr, opts.ClientPort+10000)
	proto, err := bus.NewProtocol(cluster, busAddr, opts.DialTimeout)
	if err != nil {
		cfgStore.Close()
		return nil, fmt.Errorf("clusternode: %w", err)
	}

	st := store.New()
	return &ClusterNode{
		Cluster:    cluster,
		Protocol:   proto,
		Router:     router.New(cluster, st),
		Migration:  migration.New(cluster, st),
		Store:      st,
		Config:     cfgStore,
		salt:       salt,
		configPath: opts.ConfigPath,
		saveEvery:  100,
		commands:   make(chan func()),
		stop:       make(chan struct{}),
		stopped:    make(chan struct{}),
	}, nil
}

// Submit runs fn on the event loop goroutine and blocks until it has
// run, so callers outside the loop (the HTTP operator surface) never
// touch Cluster/Store/Router state except through this channel (spec
// §5: "operator HTTP commands are submitted as closures on a command
// channel"). Safe to call before Start or after Stop only if fn itself
// does not depend on the loop actually draining commands; ordinary use
// is always while Start is running.
func (n *ClusterNode) Submit(fn func()) {
	done := make(chan struct{})
	n.commands <- func() {
		fn()
		close(done)
	}
	<-done
}

// loadOrCreateSelf mints this process's identity and restores the
// epoch vars from any existing config file content. The node identity
// itself is not restored across restarts: clusterconfig's peer lines
// exist for operator inspection, not for rebuilding the directory
// (see clusterconfig.ParseVars), so a restarted node re-establishes
// its place in the cluster via MEET/gossip like any new node would,
// carrying forward only the epoch counters that must never regress
// (spec §8 "epoch ordering").
func loadOrCreateSelf(cfgStore *clusterconfig.Store, opts Options) (*bus.Peer, clusterconfig.Vars, error) {
	var vars clusterconfig.Vars
	if content, err := cfgStore.Load(); err == nil && len(content) > 0 {
		v, verr := clusterconfig.ParseVars(content)
		if verr != nil {
			return nil, clusterconfig.Vars{}, verr
		}
		vars = v
	}

	id, err := bus.NewID()
	if err != nil {
		return nil, clusterconfig.Vars{}, err
	}
	self := &bus.Peer{
		ID:        id,
		Address:   opts.ClientAddr,
		Port:      opts.ClientPort + 10000,
		Flags:     bus.FlagPrimary,
		CreatedAt: time.Now(),
	}
	return self, vars, nil
}

// Start runs the single-actor event loop until ctx is done or Stop is
// called. Every tick and every inbound frame is handled inline, never
// concurrently with one another (spec §5 "Suspension points").
func (n *ClusterNode) Start(ctx context.Context) {
	ticker := time.NewTicker(n.Cluster.Config.TickInterval)
	defer ticker.Stop()
	defer close(n.stopped)

	logging.Info("clusternode: started, self=%s", n.Cluster.Directory.Self.ID)

	for {
		select {
		case <-ctx.Done():
			return
		case <-n.stop:
			return
		case now := <-ticker.C:
			n.tickCount++
			n.Protocol.Tick(now, n.tickCount)
			n.Cluster.RecomputeHealth()
			n.observeTickMetrics(now)
			if n.tickCount%n.saveEvery == 0 {
				if err := n.Config.Save(n.Cluster, n.salt); err != nil {
					logging.Warn("clusternode: periodic config save failed: %v", err)
				}
			}
		case frame := <-n.Protocol.Inbox():
			n.Protocol.HandleInbound(frame.Link, frame.Msg)
			n.Cluster.RecomputeHealth()
		case fn := <-n.commands:
			fn()
			n.Cluster.RecomputeHealth()
		}
	}
}

// Stop ends the event loop and releases the bus listener and config
// file lock. Blocks until the loop goroutine has actually exited.
func (n *ClusterNode) Stop() error {
	close(n.stop)
	<-n.stopped
	if err := n.Config.Save(n.Cluster, n.salt); err != nil {
		logging.Warn("clusternode: final config save failed: %v", err)
	}
	if err := n.Protocol.Close(); err != nil {
		logging.Warn("clusternode: protocol close failed: %v", err)
	}
	return n.Config.Close()
}
