// Package statusapi serves a read-only introspection view of the
// coordinator's state over HTTP and WebSocket. It never accepts a write:
// the only way to change this daemon's behavior is the maintenance znode,
// signals, or restarting it with different flags. That asymmetry is
// deliberate — see the package's SPEC_FULL note on why this exists at all.
package statusapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/shtouff-go/exazk/internal/coordinator"
)

// Broadcaster fans out coordinator.Snapshot values to any number of
// subscribers and remembers the most recent one for a plain GET.
type Broadcaster struct {
	mu      sync.RWMutex
	current *coordinator.Snapshot

	subsMu sync.RWMutex
	subs   []chan<- *coordinator.Snapshot
}

// NewBroadcaster creates an empty Broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{}
}

// Publish is the function to hand to Coordinator.SetPublisher.
func (b *Broadcaster) Publish(snap coordinator.Snapshot) {
	b.mu.Lock()
	b.current = &snap
	b.mu.Unlock()

	b.subsMu.RLock()
	defer b.subsMu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- &snap:
		default:
			// A slow subscriber misses an update rather than blocking the
			// coordinator's own cycle.
		}
	}
}

// Subscribe returns a channel of future snapshots.
func (b *Broadcaster) Subscribe(bufSize int) <-chan *coordinator.Snapshot {
	ch := make(chan *coordinator.Snapshot, bufSize)
	b.subsMu.Lock()
	b.subs = append(b.subs, ch)
	b.subsMu.Unlock()
	return ch
}

// Current returns the most recently published snapshot, or nil if none
// has been published yet.
func (b *Broadcaster) Current() *coordinator.Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.current
}

// Server is the HTTP+WS front end over a Broadcaster.
type Server struct {
	log   *zap.Logger
	addr  string
	bcast *Broadcaster

	httpServer *http.Server

	wsMu     sync.RWMutex
	wsConns  map[*websocket.Conn]struct{}
	upgrader websocket.Upgrader
}

// NewServer creates a Server that will listen on addr once Start is
// called.
func NewServer(log *zap.Logger, addr string, bcast *Broadcaster) *Server {
	return &Server{
		log:     log,
		addr:    addr,
		bcast:   bcast,
		wsConns: make(map[*websocket.Conn]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Start begins serving. It returns once the listener is bound; errors
// afterward are logged, not returned, matching the rest of this daemon's
// treatment of a non-essential side channel.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/ws/status", s.handleWS)

	s.httpServer = &http.Server{Handler: mux}

	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.addr, err)
	}

	s.log.Info("status API listening", zap.String("addr", s.addr))

	go func() {
		if err := s.httpServer.Serve(lis); err != nil && err != http.ErrServerClosed {
			s.log.Error("status API server error", zap.Error(err))
		}
	}()

	go s.relay()

	return nil
}

// Stop shuts the HTTP server down and closes any open WebSocket
// connections.
func (s *Server) Stop() {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		s.httpServer.Shutdown(ctx)
	}
	s.wsMu.Lock()
	for c := range s.wsConns {
		c.Close()
	}
	s.wsMu.Unlock()
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	snap := s.bcast.Current()
	if snap == nil {
		writeJSON(w, map[string]any{})
		return
	}
	writeJSON(w, snapshotToJSON(snap))
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("status websocket upgrade failed", zap.Error(err))
		return
	}

	s.wsMu.Lock()
	s.wsConns[conn] = struct{}{}
	s.wsMu.Unlock()

	// Drain-only: clients don't send anything meaningful. This loop's sole
	// purpose is to notice the connection closing.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	s.wsMu.Lock()
	delete(s.wsConns, conn)
	s.wsMu.Unlock()
	conn.Close()
}

func (s *Server) relay() {
	ch := s.bcast.Subscribe(4)
	for snap := range ch {
		data, err := json.Marshal(snapshotToJSON(snap))
		if err != nil {
			continue
		}

		s.wsMu.RLock()
		for c := range s.wsConns {
			if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
				c.Close()
				go func(conn *websocket.Conn) {
					s.wsMu.Lock()
					delete(s.wsConns, conn)
					s.wsMu.Unlock()
				}(c)
			}
		}
		s.wsMu.RUnlock()
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func snapshotToJSON(snap *coordinator.Snapshot) map[string]any {
	announce := make([]string, 0, len(snap.Table.Announce))
	for _, r := range snap.Table.Announce {
		announce = append(announce, fmt.Sprintf("%s/32 med %d", r.Prefix, r.Metric))
	}
	withdraw := make([]string, 0, len(snap.Table.Withdraw))
	for _, r := range snap.Table.Withdraw {
		withdraw = append(withdraw, r.Prefix.String()+"/32")
	}

	return map[string]any{
		"timestamp":    snap.Timestamp.Format(time.RFC3339),
		"sessionState": snap.SessionState.String(),
		"probeOk":      snap.ProbeOK,
		"maintenance":  snap.Maintenance,
		"peers":        snap.Peers,
		"announce":     announce,
		"withdraw":     withdraw,
	}
}
