// Package maintenance checks for the maintenance marker znode that tells
// this instance to withdraw its routes regardless of local health.
package maintenance

import (
	"github.com/go-zookeeper/zk"
)

// Conn is the slice of zk.Conn this package needs.
type Conn interface {
	Exists(path string) (bool, *zk.Stat, error)
}

// Checker queries the existence of a fixed maintenance path.
type Checker struct {
	conn Conn
	path string
}

// New creates a Checker for path.
func New(conn Conn, path string) *Checker {
	return &Checker{conn: conn, path: path}
}

// Check reports whether the maintenance marker currently exists. A session
// loss (surfaced by go-zookeeper/zk as ErrConnectionClosed, ErrNoServer, or
// similar) is not latched as "in maintenance" — the Coordinator already
// tracks session loss on its own path via the Session Manager's listener,
// and conflating the two would make an expired session look like an
// operator-requested maintenance window.
func (c *Checker) Check() bool {
	exists, _, err := c.conn.Exists(c.path)
	if err != nil {
		return false
	}
	return exists
}
