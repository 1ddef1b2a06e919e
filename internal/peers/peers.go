// Package peers maintains the children-watch on the service path and reads
// which peers currently hold a registration; the Coordinator keeps the
// cached peer set itself.
package peers

import (
	"go.uber.org/zap"

	"github.com/go-zookeeper/zk"
)

// Conn is the slice of zk.Conn this package needs.
type Conn interface {
	Children(path string) ([]string, *zk.Stat, error)
	ChildrenW(path string) ([]string, *zk.Stat, <-chan zk.Event, error)
}

// Watcher installs and re-arms a children-watch on a fixed path and
// delivers every fired notification on Notifications(). It never reads the
// children itself beyond what's needed to re-arm the watch — the
// Coordinator does the authoritative re-read, to keep peer-set mutation on
// a single goroutine.
type Watcher struct {
	log  *zap.Logger
	conn Conn
	path string

	notify chan struct{}
	stop   chan struct{}
}

// New creates a Watcher over path. Call Run in its own goroutine to start
// watching; it exits once Stop is called or the event channel closes.
func New(log *zap.Logger, conn Conn, path string) *Watcher {
	return &Watcher{
		log:    log,
		conn:   conn,
		path:   path,
		notify: make(chan struct{}, 1),
		stop:   make(chan struct{}),
	}
}

// Notifications returns the channel a watch fire is posted to. It is
// buffered to depth 1 and never blocks a send — a burst of watch fires
// while the Coordinator is busy collapses to a single pending refresh,
// which is correct since the Coordinator always re-reads the full
// children set rather than trusting the watch event's contents.
func (w *Watcher) Notifications() <-chan struct{} {
	return w.notify
}

// Stop terminates the watch loop.
func (w *Watcher) Stop() {
	close(w.stop)
}

// Run installs the watch and re-arms it every time it fires, until Stop is
// called. Each fire posts (non-blocking) to the notifications channel.
func (w *Watcher) Run() {
	for {
		_, _, events, err := w.conn.ChildrenW(w.path)
		if err != nil {
			w.log.Error("failed to install children watch, retrying", zap.String("path", w.path), zap.Error(err))
			select {
			case <-w.stop:
				return
			default:
			}
			continue
		}

		select {
		case <-w.stop:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Err != nil {
				w.log.Warn("children watch delivered an error, re-arming", zap.Error(ev.Err))
			}
			w.postNotify()
		}
	}
}

func (w *Watcher) postNotify() {
	select {
	case w.notify <- struct{}{}:
	default:
	}
}

// ReadChildren returns the current basenames under path, as a set keyed by
// basename. This is what the Coordinator calls on refresh to get an
// authoritative peer set; the Watcher itself never calls it.
func ReadChildren(conn Conn, path string) (map[string]struct{}, error) {
	children, _, err := conn.Children(path)
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(children))
	for _, c := range children {
		set[c] = struct{}{}
	}
	return set, nil
}
