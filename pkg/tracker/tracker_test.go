package tracker

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"
)

// fakeConn satisfies net.Conn with a close flag.
type fakeConn struct {
	net.TCPConn
	closed atomic.Bool
	addr   fakeAddr
}

type fakeAddr string

func (a fakeAddr) Network() string { return "tcp" }
func (a fakeAddr) String() string  { return string(a) }

func (c *fakeConn) Close() error {
	c.closed.Store(true)
	return nil
}
func (c *fakeConn) RemoteAddr() net.Addr { return c.addr }

func newFakeConn(addr string) *fakeConn {
	return &fakeConn{addr: fakeAddr(addr)}
}

func TestTrackForgetCounts(t *testing.T) {
	tr := New(0)
	c1 := newFakeConn("10.1.1.1:1000")
	c2 := newFakeConn("10.1.1.2:1000")

	tr.Track(c1, 1)
	tr.Track(c2, 2)

	total, upgraded := tr.Counts()
	if total != 2 || upgraded != 0 {
		t.Fatalf("counts = %d/%d, want 2/0", total, upgraded)
	}

	tr.MarkUpgraded(c2)
	if _, upgraded = tr.Counts(); upgraded != 1 {
		t.Fatalf("upgraded = %d, want 1", upgraded)
	}

	tr.Forget(c1)
	if total, _ = tr.Counts(); total != 1 {
		t.Fatalf("total after forget = %d, want 1", total)
	}
}

func TestUpgradeStateTransitions(t *testing.T) {
	tr := New(0)
	c := newFakeConn("10.1.1.1:1000")
	tr.Track(c, 7)

	if s, ok := tr.StateOf(c); !ok || s != StateNone {
		t.Fatalf("initial state = %v ok=%v", s, ok)
	}
	tr.MarkUpgrading(c)
	if s, _ := tr.StateOf(c); s != StateUpgrading {
		t.Fatalf("state = %v, want upgrading", s)
	}
	tr.MarkUpgraded(c)
	if s, _ := tr.StateOf(c); s != StateUpgraded {
		t.Fatalf("state = %v, want upgraded", s)
	}
}

func TestMarkUntrackedConnIsNoop(t *testing.T) {
	tr := New(0)
	tr.MarkUpgraded(newFakeConn("10.1.1.1:1"))
	tr.MarkUpgraded(nil)

	if total, _ := tr.Counts(); total != 0 {
		t.Fatal("untracked conn should not be created by mark")
	}
}

func TestReapExpiredOnlyUpgradedPastLifetime(t *testing.T) {
	tr := New(time.Minute)

	young := newFakeConn("10.1.1.1:1")
	oldPlain := newFakeConn("10.1.1.2:1")
	oldUpgraded := newFakeConn("10.1.1.3:1")

	tr.Track(young, 1)
	tr.Track(oldPlain, 1)
	tr.Track(oldUpgraded, 1)
	tr.MarkUpgraded(young)
	tr.MarkUpgraded(oldUpgraded)

	// Backdate the old entries.
	tr.mu.Lock()
	tr.conns[oldPlain].opened = time.Now().Add(-2 * time.Minute)
	tr.conns[oldUpgraded].opened = time.Now().Add(-2 * time.Minute)
	tr.mu.Unlock()

	if n := tr.reapExpired(time.Now()); n != 1 {
		t.Fatalf("reaped %d, want 1", n)
	}
	if !oldUpgraded.closed.Load() {
		t.Error("expired upgraded conn not closed")
	}
	if young.closed.Load() || oldPlain.closed.Load() {
		t.Error("reaper closed a connection it should not have")
	}
}

func TestZeroLifetimeMeansUnbounded(t *testing.T) {
	tr := New(0)
	c := newFakeConn("10.1.1.1:1")
	tr.Track(c, 1)
	tr.MarkUpgraded(c)

	tr.mu.Lock()
	tr.conns[c].opened = time.Now().Add(-24 * time.Hour)
	tr.mu.Unlock()

	tr.Start(context.Background())
	defer tr.Stop()

	time.Sleep(50 * time.Millisecond)
	if c.closed.Load() {
		t.Error("unbounded tracker closed an upgraded conn")
	}
}

func TestConnContextRoundTrip(t *testing.T) {
	c := newFakeConn("10.1.1.1:1")
	ctx := WithConn(context.Background(), c)
	if got := ConnFromContext(ctx); got != net.Conn(c) {
		t.Error("conn not recovered from context")
	}
	if got := ConnFromContext(context.Background()); got != nil {
		t.Error("expected nil for bare context")
	}
}

func TestListReportsGeneration(t *testing.T) {
	tr := New(0)
	c := newFakeConn("10.9.9.9:1234")
	tr.Track(c, 42)

	infos := tr.List()
	if len(infos) != 1 {
		t.Fatalf("list len = %d", len(infos))
	}
	if infos[0].Generation != 42 || infos[0].RemoteAddr != "10.9.9.9:1234" {
		t.Errorf("info = %+v", infos[0])
	}
}
