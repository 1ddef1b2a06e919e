// Package registrar creates and watches over this instance's ephemeral
// registration node under the service path.
package registrar

import (
	"errors"
	"net/netip"
	"time"

	"github.com/go-zookeeper/zk"
	"go.uber.org/zap"
)

// GhostPollInterval is how often a stale ghost node left by a prior,
// not-yet-expired session is re-checked.
const GhostPollInterval = 1 * time.Second

// Conn is the slice of zk.Conn this package needs.
type Conn interface {
	Create(path string, data []byte, flags int32, acl []zk.ACL) (string, error)
	Exists(path string) (bool, *zk.Stat, error)
}

// Registrar owns the ephemeral node announcing this instance's presence.
type Registrar struct {
	log         *zap.Logger
	conn        Conn
	servicePath string
	ghostPoll   time.Duration
}

// New creates a Registrar that registers under servicePath.
func New(log *zap.Logger, conn Conn, servicePath string) *Registrar {
	return &Registrar{log: log, conn: conn, servicePath: servicePath, ghostPoll: GhostPollInterval}
}

// nodePath returns the full ephemeral node path for authIP.
func (r *Registrar) nodePath(authIP netip.Addr) string {
	return r.servicePath + "/" + authIP.String()
}

// Register creates the ephemeral node for authIP. It reports whether the
// caller should retry on the next cycle (recreate stays true) along with
// any error worth logging upstream; a nil error with recreate=false means
// the node is now in place.
//
// On ErrNodeExists from a node this instance itself just created in a
// session that has not yet been recognized as expired by this client (a
// "ghost"), it polls every GhostPollInterval until the node disappears
// rather than deleting it — deleting a ghost would race with the server
// eventually expiring the old session and could delete a live node owned
// by a genuinely different, still-connected instance.
func (r *Registrar) Register(authIP netip.Addr) (recreate bool, err error) {
	path := r.nodePath(authIP)

	_, createErr := r.conn.Create(path, nil, zk.FlagEphemeral, zk.WorldACL(zk.PermAll))
	if createErr == nil {
		return false, nil
	}

	if errors.Is(createErr, zk.ErrSessionExpired) {
		r.log.Warn("session expired while creating ephemeral node, will retry", zap.String("path", path))
		return true, nil
	}

	if errors.Is(createErr, zk.ErrNodeExists) {
		r.log.Warn("stale ephemeral node still present, waiting for it to expire", zap.String("path", path))
		r.waitForGhostToClear(path)
		return true, nil
	}

	r.log.Error("failed to create ephemeral node", zap.String("path", path), zap.Error(createErr))
	return true, createErr
}

// waitForGhostToClear polls path's existence, sleeping GhostPollInterval
// between checks, until it is gone or an error other than "still there"
// occurs. It never deletes the node itself.
func (r *Registrar) waitForGhostToClear(path string) {
	for {
		exists, _, err := r.conn.Exists(path)
		if err != nil {
			r.log.Error("error checking stale ephemeral node", zap.String("path", path), zap.Error(err))
			return
		}
		if !exists {
			return
		}
		time.Sleep(r.ghostPoll)
	}
}
