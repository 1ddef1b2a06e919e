// Package coordinator implements the main loop: the single goroutine that
// owns the three shared flags, the cached peer set, and the last-emitted
// route table, and drives the Policy Engine and BGP Emitter each cycle.
package coordinator

import (
	"context"
	"net/netip"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/shtouff-go/exazk/internal/bgpline"
	"github.com/shtouff-go/exazk/internal/maintenance"
	"github.com/shtouff-go/exazk/internal/peers"
	"github.com/shtouff-go/exazk/internal/policy"
	"github.com/shtouff-go/exazk/internal/probe"
	"github.com/shtouff-go/exazk/internal/registrar"
	"github.com/shtouff-go/exazk/internal/route"
	"github.com/shtouff-go/exazk/internal/zksession"
)

// Phase is one of the coordinator's four lifecycle states.
type Phase int

const (
	PhaseInit Phase = iota
	PhaseRunning
	PhaseStopping
	PhaseStopped
)

func (p Phase) String() string {
	switch p {
	case PhaseRunning:
		return "running"
	case PhaseStopping:
		return "stopping"
	case PhaseStopped:
		return "stopped"
	default:
		return "init"
	}
}

// ShortSleep is the responsiveness tick of the wait loop.
const ShortSleep = 100 * time.Millisecond

// LongSleep bounds how long a cycle waits with nothing to react to.
const LongSleep = 10 * time.Second

// Session is the slice of *zksession.Session the coordinator drives.
type Session interface {
	States() <-chan zksession.SessionState
	Close()
}

// Config bundles the identity and ZK layout the coordinator needs; CLI and
// file configuration both resolve into one of these before Run starts.
type Config struct {
	ServicePath string
	AuthIP      netip.Addr
	NonAuthIPs  []netip.Addr
}

// Coordinator wires together the Local Probe, Maintenance Probe, Ephemeral
// Registrar, Peer Watcher, Policy Engine, and BGP Emitter, and owns the
// flags and cached state that tie them together.
type Coordinator struct {
	log *zap.Logger
	cfg Config

	session   Session
	registrar *registrar.Registrar
	watcher   *peers.Watcher
	readPeers func() (map[string]struct{}, error)
	probe     *probe.Checker
	maint     *maintenance.Checker
	emitter   *bgpline.Emitter

	refresh    atomic.Bool
	recreate   atomic.Bool
	shouldstop atomic.Bool

	sessionState atomic.Int32 // zksession.SessionState

	phase atomic.Int32 // Phase

	peers map[string]struct{}
	table route.Table

	shortSleep time.Duration
	longSleep  time.Duration

	publish func(Snapshot)
}

// Snapshot is a point-in-time view of one cycle's decision, for the
// optional status API. It carries no ZK handles or other live resources,
// so it's safe to hand off across goroutines and serialize as JSON.
type Snapshot struct {
	Timestamp    time.Time
	SessionState zksession.SessionState
	ProbeOK      bool
	Maintenance  bool
	Peers        []string
	Table        route.Table
}

// SetPublisher registers fn to be called with a Snapshot at the end of
// every cycle. Passing nil disables publishing (the default).
func (c *Coordinator) SetPublisher(fn func(Snapshot)) {
	c.publish = fn
}

// New builds a Coordinator. readPeers is called on every refresh cycle
// while CONNECTED to get the authoritative peer set (normally
// peers.ReadChildren bound to the session's conn and service path).
func New(
	log *zap.Logger,
	cfg Config,
	session Session,
	reg *registrar.Registrar,
	watcher *peers.Watcher,
	readPeers func() (map[string]struct{}, error),
	probeChecker *probe.Checker,
	maintChecker *maintenance.Checker,
	emitter *bgpline.Emitter,
) *Coordinator {
	c := &Coordinator{
		log:        log,
		cfg:        cfg,
		session:    session,
		registrar:  reg,
		watcher:    watcher,
		readPeers:  readPeers,
		probe:      probeChecker,
		maint:      maintChecker,
		emitter:    emitter,
		peers:      map[string]struct{}{},
		shortSleep: ShortSleep,
		longSleep:  LongSleep,
	}
	c.sessionState.Store(int32(zksession.Disconnected))
	return c
}

// Phase reports the coordinator's current lifecycle phase.
func (c *Coordinator) Phase() Phase {
	return Phase(c.phase.Load())
}

// RequestStop sets shouldstop. Safe to call from a signal handler: it is a
// single atomic store and nothing else.
func (c *Coordinator) RequestStop() {
	c.shouldstop.Store(true)
}

// Run executes INIT, then RUNNING cycles until shouldstop fires, ctx is
// cancelled, or the emitter fails to write a table, then STOPPING. It
// returns once the coordinator reaches STOPPED.
func (c *Coordinator) Run(ctx context.Context) {
	c.phase.Store(int32(PhaseInit))
	go c.watchSessionState()
	go c.watcher.Run()

	c.refresh.Store(true)
	c.recreate.Store(true)
	c.phase.Store(int32(PhaseRunning))
	c.log.Info("coordinator entering RUNNING")

	for {
		c.wait(ctx)

		if c.shouldstop.Load() {
			break
		}

		if ctx.Err() != nil {
			break
		}

		if c.recreate.Load() {
			recreate, err := c.registrar.Register(c.cfg.AuthIP)
			if err != nil {
				c.log.Error("ephemeral registration failed", zap.Error(err))
			}
			c.recreate.Store(recreate)
		}

		probeOK := c.probe.Check()
		inMaintenance := c.maint.Check()

		switch {
		case !probeOK || inMaintenance:
			c.table = policy.Evaluate(policy.Inputs{
				ProbeOK:     probeOK,
				Maintenance: inMaintenance,
				Peers:       c.peers,
				AuthIP:      c.cfg.AuthIP,
				NonAuthIPs:  c.cfg.NonAuthIPs,
			})

		case zksession.SessionState(c.sessionState.Load()) == zksession.Connected:
			if c.refresh.Load() {
				peerSet, err := c.readPeers()
				if err != nil {
					c.log.Error("failed to read peer set, keeping previous", zap.Error(err))
				} else {
					c.peers = peerSet
				}
				c.refresh.Store(false)
			}
			c.table = policy.Evaluate(policy.Inputs{
				ProbeOK:     true,
				Maintenance: false,
				Peers:       c.peers,
				AuthIP:      c.cfg.AuthIP,
				NonAuthIPs:  c.cfg.NonAuthIPs,
			})

		default:
			// Session not connected: leave the last decision standing.
		}

		if err := c.emitter.Advertise(c.table); err != nil {
			c.log.Error("failed to advertise route table, stopping", zap.Error(err))
			break
		}

		if c.publish != nil {
			peerNames := make([]string, 0, len(c.peers))
			for p := range c.peers {
				peerNames = append(peerNames, p)
			}
			c.publish(Snapshot{
				Timestamp:    time.Now(),
				SessionState: zksession.SessionState(c.sessionState.Load()),
				ProbeOK:      probeOK,
				Maintenance:  inMaintenance,
				Peers:        peerNames,
				Table:        c.table,
			})
		}
	}

	c.phase.Store(int32(PhaseStopping))
	c.log.Info("coordinator entering STOPPING")
	c.watcher.Stop()
	c.session.Close()
	c.phase.Store(int32(PhaseStopped))
	c.log.Info("coordinator STOPPED")
}

// wait blocks in ShortSleep increments for up to LongSleep, returning early
// as soon as any of the three flags becomes true or the Peer Watcher
// delivers a notification (which sets refresh itself before returning).
func (c *Coordinator) wait(ctx context.Context) {
	deadline := time.Now().Add(c.longSleep)
	ticker := time.NewTicker(c.shortSleep)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		if c.shouldstop.Load() || c.refresh.Load() || c.recreate.Load() {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-c.watcher.Notifications():
			c.refresh.Store(true)
			return
		case <-ticker.C:
		}
	}
}

// watchSessionState translates session-state transitions into flag
// updates: LOST sets recreate, and any transition into CONNECTED sets
// refresh. SUSPENDED updates the cached state with no further action.
func (c *Coordinator) watchSessionState() {
	prev := zksession.Disconnected
	for state := range c.session.States() {
		c.sessionState.Store(int32(state))

		switch state {
		case zksession.Lost:
			c.recreate.Store(true)
		case zksession.Connected:
			if prev != zksession.Connected {
				c.refresh.Store(true)
			}
		}

		prev = state
	}
}
