// Package zksession owns the ZooKeeper connection: dialing, translating
// connection-state events into the coordination engine's own SessionState,
// and the ensure_path helper every other component needing a znode path
// relies on.
package zksession

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"
	"go.uber.org/zap"
)

// SessionState mirrors the subset of ZK connection states the coordination
// engine cares about. It collapses zk's finer-grained states (CONNECTING,
// ASSOCIATING, AUTHENTICATING, ...) down to the four that drive policy.
type SessionState int

const (
	// Disconnected is the state before the first successful connect, or
	// after a permanent close.
	Disconnected SessionState = iota
	// Connected means the session is live and has an assigned session ID.
	Connected
	// Suspended means the TCP link dropped but the session may still be
	// recoverable before it expires; ephemeral nodes are untouched so far.
	Suspended
	// Lost means the session expired; every ephemeral node this instance
	// owned has been purged server-side and must be recreated from
	// scratch once reconnected.
	Lost
)

func (s SessionState) String() string {
	switch s {
	case Connected:
		return "connected"
	case Suspended:
		return "suspended"
	case Lost:
		return "lost"
	default:
		return "disconnected"
	}
}

// Conn is the slice of the zk.Conn surface the rest of this module needs.
// Narrowing it to an interface lets tests substitute a fake without a live
// ensemble.
type Conn interface {
	State() zk.State
	Children(path string) ([]string, *zk.Stat, error)
	ChildrenW(path string) ([]string, *zk.Stat, <-chan zk.Event, error)
	Exists(path string) (bool, *zk.Stat, error)
	ExistsW(path string) (bool, *zk.Stat, <-chan zk.Event, error)
	Create(path string, data []byte, flags int32, acl []zk.ACL) (string, error)
	Delete(path string, version int32) error
	Close()
}

// Session owns a live zk.Conn plus the goroutine translating its raw event
// channel into SessionState transitions.
type Session struct {
	log   *zap.Logger
	conn  *zk.Conn
	state chan SessionState
}

// Dial connects to servers (host:port list), using timeout both as the ZK
// session timeout and as the bound on establishing the first session: if no
// session is established within timeout, the connection is closed and an
// error is returned. On success, Connected is already queued on States()
// and later ZK connection events are translated in the background; callers
// should drain States() promptly since it is buffered only a few deep.
func Dial(log *zap.Logger, servers []string, timeout time.Duration) (*Session, error) {
	conn, events, err := zk.Connect(servers, timeout)
	if err != nil {
		return nil, fmt.Errorf("connecting to zookeeper %s: %w", strings.Join(servers, ","), err)
	}

	deadline := time.After(timeout)
	for established := false; !established; {
		select {
		case ev, ok := <-events:
			if !ok {
				conn.Close()
				return nil, fmt.Errorf("connecting to zookeeper %s: event channel closed", strings.Join(servers, ","))
			}
			established = ev.Type == zk.EventSession && ev.State == zk.StateHasSession
		case <-deadline:
			conn.Close()
			return nil, fmt.Errorf("connecting to zookeeper %s: no session within %s", strings.Join(servers, ","), timeout)
		}
	}

	s := &Session{
		log:   log,
		conn:  conn,
		state: make(chan SessionState, 8),
	}
	s.state <- Connected
	go s.translate(events)

	return s, nil
}

// Conn exposes the underlying connection for components that need the full
// zk.Conn surface (registrar, peer watcher, maintenance probe).
func (s *Session) Conn() *zk.Conn {
	return s.conn
}

// States returns the channel of SessionState transitions.
func (s *Session) States() <-chan SessionState {
	return s.state
}

// Close terminates the session. translate never emits Disconnected: the
// client reports its own close as a disconnect, which arrives as Suspended,
// and States() is closed once the client's event channel closes.
func (s *Session) Close() {
	s.conn.Close()
}

func (s *Session) translate(events <-chan zk.Event) {
	defer close(s.state)

	wasExpired := false
	for ev := range events {
		if ev.Type != zk.EventSession {
			continue
		}

		switch ev.State {
		case zk.StateHasSession:
			if wasExpired {
				s.log.Warn("zk session re-established after expiry, ephemeral nodes were purged")
				wasExpired = false
			} else {
				s.log.Info("zk session connected")
			}
			s.state <- Connected

		case zk.StateConnected:
			// Socket is up but SASL/session handshake not yet complete;
			// StateHasSession is the one that actually matters downstream.

		case zk.StateConnecting, zk.StateDisconnected:
			s.log.Warn("zk session disconnected, attempting to reconnect")
			s.state <- Suspended

		case zk.StateExpired:
			s.log.Error("zk session expired")
			wasExpired = true
			s.state <- Lost

		case zk.StateAuthFailed:
			s.log.Error("zk authentication failed")
			s.state <- Lost
		}
	}
}

// EnsurePath creates path and every missing ancestor as a persistent node
// with empty data, mirroring Kazoo's ensure_path: idempotent, and tolerant
// of another process winning the create race on any segment.
func EnsurePath(conn Conn, path string) error {
	if path == "" || path == "/" {
		return nil
	}

	segments := strings.Split(strings.Trim(path, "/"), "/")
	cur := ""
	for _, seg := range segments {
		cur += "/" + seg
		exists, _, err := conn.Exists(cur)
		if err != nil {
			return fmt.Errorf("checking existence of %s: %w", cur, err)
		}
		if exists {
			continue
		}

		_, err = conn.Create(cur, nil, 0, zk.WorldACL(zk.PermAll))
		if err != nil && !errors.Is(err, zk.ErrNodeExists) {
			return fmt.Errorf("creating %s: %w", cur, err)
		}
	}

	return nil
}
