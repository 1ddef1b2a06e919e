package coordinator

import (
	"bytes"
	"context"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/go-zookeeper/zk"

	"github.com/shtouff-go/exazk/internal/bgpline"
	"github.com/shtouff-go/exazk/internal/maintenance"
	"github.com/shtouff-go/exazk/internal/peers"
	"github.com/shtouff-go/exazk/internal/probe"
	"github.com/shtouff-go/exazk/internal/registrar"
	"github.com/shtouff-go/exazk/internal/zksession"
)

type fakeSession struct {
	states chan zksession.SessionState
}

func newFakeSession() *fakeSession {
	s := &fakeSession{states: make(chan zksession.SessionState)}
	close(s.states) // watchSessionState exits immediately; tests set sessionState directly
	return s
}

func (f *fakeSession) States() <-chan zksession.SessionState { return f.states }
func (f *fakeSession) Close()                                {}

type fakeZKConn struct {
	mu           sync.Mutex
	children     []string
	maintExists  bool
	createdNodes map[string]bool
	watchFires   chan zk.Event
}

func newFakeZKConn(children []string, maintExists bool) *fakeZKConn {
	return &fakeZKConn{
		children:     children,
		maintExists:  maintExists,
		createdNodes: map[string]bool{},
		watchFires:   make(chan zk.Event, 1),
	}
}

func (f *fakeZKConn) Create(path string, data []byte, flags int32, acl []zk.ACL) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createdNodes[path] = true
	return path, nil
}

func (f *fakeZKConn) Exists(path string) (bool, *zk.Stat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if strings.Contains(path, "maintenance") {
		return f.maintExists, nil, nil
	}
	return f.createdNodes[path], nil, nil
}

func (f *fakeZKConn) Children(path string) ([]string, *zk.Stat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.children))
	copy(out, f.children)
	return out, nil, nil
}

func (f *fakeZKConn) ChildrenW(path string) ([]string, *zk.Stat, <-chan zk.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.children))
	copy(out, f.children)
	return out, nil, f.watchFires, nil
}

// setChildren updates the authoritative children list a later ReadChildren
// will observe; it does not itself notify anyone watching.
func (f *fakeZKConn) setChildren(children []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.children = children
}

func mustIP(t *testing.T, s string) netip.Addr {
	t.Helper()
	ip, err := netip.ParseAddr(s)
	if err != nil {
		t.Fatal(err)
	}
	return ip
}

func setup(t *testing.T, children []string, maintExists bool, command string) (*Coordinator, *bytes.Buffer) {
	t.Helper()
	c, buf, _ := setupWithConn(t, children, maintExists, command)
	return c, buf
}

func setupWithConn(t *testing.T, children []string, maintExists bool, command string) (*Coordinator, *bytes.Buffer, *fakeZKConn) {
	t.Helper()

	conn := newFakeZKConn(children, maintExists)
	log := zap.NewNop()

	cfg := Config{
		ServicePath: "/exazk/svc",
		AuthIP:      mustIP(t, "10.0.0.1"),
		NonAuthIPs:  []netip.Addr{mustIP(t, "10.0.0.2"), mustIP(t, "10.0.0.3")},
	}

	reg := registrar.New(log, conn, cfg.ServicePath)
	watcher := peers.New(log, conn, cfg.ServicePath)
	readPeers := func() (map[string]struct{}, error) {
		return peers.ReadChildren(conn, cfg.ServicePath)
	}
	probeChecker := probe.New(log, command)
	maintChecker := maintenance.New(conn, "/exazk/maintenance")

	var buf bytes.Buffer
	emitter := bgpline.New(log, &buf)

	c := New(log, cfg, newFakeSession(), reg, watcher, readPeers, probeChecker, maintChecker, emitter)
	c.shortSleep = 2 * time.Millisecond
	c.longSleep = 10 * time.Second

	return c, &buf, conn
}

func runOneCycle(t *testing.T, c *Coordinator) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	c.RequestStop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("coordinator did not stop within 1s of RequestStop")
	}
}

func TestCoordinator_S1_HealthyAlone(t *testing.T) {
	c, buf := setup(t, nil, false, "true")
	c.sessionState.Store(int32(zksession.Connected))

	runOneCycle(t, c)

	got := buf.String()
	for _, want := range []string{
		"announce route 10.0.0.1/32 next-hop self med 100",
		"announce route 10.0.0.2/32 next-hop self med 200",
		"announce route 10.0.0.3/32 next-hop self med 200",
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("expected output to contain %q, got:\n%s", want, got)
		}
	}
	if strings.Contains(got, "withdraw") {
		t.Fatalf("expected no withdraw lines, got:\n%s", got)
	}
}

func TestCoordinator_S2_PeerPresentForNonAuth(t *testing.T) {
	c, buf := setup(t, []string{"10.0.0.2"}, false, "true")
	c.sessionState.Store(int32(zksession.Connected))

	runOneCycle(t, c)

	got := buf.String()
	for _, want := range []string{
		"announce route 10.0.0.1/32 next-hop self med 100",
		"announce route 10.0.0.3/32 next-hop self med 200",
		"withdraw route 10.0.0.2/32",
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("expected output to contain %q, got:\n%s", want, got)
		}
	}
	if strings.Contains(got, "announce route 10.0.0.2") {
		t.Fatalf("did not expect 10.0.0.2 to be announced, got:\n%s", got)
	}
}

// TestCoordinator_S2_DynamicFailover exercises the path the review flagged:
// a children-watch fire mid-run, with no session transition at all, must
// still cause a peer-set refresh on the next cycle.
func TestCoordinator_S2_DynamicFailover(t *testing.T) {
	c, buf, conn := setupWithConn(t, nil, false, "true")
	c.sessionState.Store(int32(zksession.Connected))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	// Let the first cycle or two run with no peers present.
	time.Sleep(20 * time.Millisecond)

	// A peer registers for 10.0.0.2 and the watch fires; the coordinator
	// never transitions session state, so refresh must come from the
	// notification alone.
	conn.setChildren([]string{"10.0.0.2"})
	conn.watchFires <- zk.Event{Type: zk.EventNodeChildrenChanged}

	time.Sleep(30 * time.Millisecond)
	c.RequestStop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("coordinator did not stop within 1s of RequestStop")
	}

	got := buf.String()
	if !strings.Contains(got, "withdraw route 10.0.0.2/32") {
		t.Fatalf("expected a post-notification cycle to withdraw 10.0.0.2 once it registered, got:\n%s", got)
	}
}

func TestCoordinator_S3_MaintenanceEngaged(t *testing.T) {
	c, buf := setup(t, nil, true, "true")
	c.sessionState.Store(int32(zksession.Connected))

	runOneCycle(t, c)

	got := buf.String()
	if strings.Contains(got, "announce") {
		t.Fatalf("expected no announce lines during maintenance, got:\n%s", got)
	}
	for _, want := range []string{
		"withdraw route 10.0.0.1/32",
		"withdraw route 10.0.0.2/32",
		"withdraw route 10.0.0.3/32",
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("expected output to contain %q, got:\n%s", want, got)
		}
	}
}

func TestCoordinator_S4_ProbeFails(t *testing.T) {
	c, buf := setup(t, nil, false, "false")
	c.sessionState.Store(int32(zksession.Connected))

	runOneCycle(t, c)

	got := buf.String()
	if strings.Contains(got, "announce") {
		t.Fatalf("expected no announce lines on probe failure, got:\n%s", got)
	}
	for _, want := range []string{
		"withdraw route 10.0.0.1/32",
		"withdraw route 10.0.0.2/32",
		"withdraw route 10.0.0.3/32",
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("expected output to contain %q, got:\n%s", want, got)
		}
	}
}

func TestCoordinator_S5_ProbeTimesOut(t *testing.T) {
	c, buf := setup(t, nil, false, "sleep 5")
	c.probe = probe.New(zap.NewNop(), "sleep 5")
	c.sessionState.Store(int32(zksession.Connected))

	start := time.Now()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	time.Sleep(1200 * time.Millisecond)
	c.RequestStop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("coordinator did not stop in time")
	}

	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("scenario took %s, want well under 3s", elapsed)
	}

	got := buf.String()
	if !strings.Contains(got, "withdraw route 10.0.0.1/32") {
		t.Fatalf("expected withdraw-all output for a timed-out probe, got:\n%s", got)
	}
}

func TestCoordinator_ShutdownConverges(t *testing.T) {
	c, _ := setup(t, nil, false, "true")
	c.sessionState.Store(int32(zksession.Connected))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	start := time.Now()
	c.RequestStop()

	select {
	case <-done:
	case <-time.After(1100 * time.Millisecond):
		t.Fatal("shutdown did not converge within shortsleep + one probe duration")
	}
	if elapsed := time.Since(start); elapsed > 1100*time.Millisecond {
		t.Fatalf("shutdown took %s, want <= ~1.1s", elapsed)
	}
	if c.Phase() != PhaseStopped {
		t.Fatalf("expected phase STOPPED, got %s", c.Phase())
	}
}
