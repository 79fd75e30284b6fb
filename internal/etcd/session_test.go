package etcd

import (
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	pb "go.etcd.io/etcd/api/v3/etcdserverpb"

	"jaybeams/internal/cq"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// mockInterceptor records operations instead of launching them; the
// tests complete them by hand, playing the etcd server's part.
type mockInterceptor struct {
	mu  sync.Mutex
	ops []cq.Operation
}

func (m *mockInterceptor) Intercept(op cq.Operation, _ func()) {
	m.mu.Lock()
	m.ops = append(m.ops, op)
	m.mu.Unlock()
}

// take removes and returns the first recorded operation with the given
// name, or nil.
func (m *mockInterceptor) take(name string) cq.Operation {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, op := range m.ops {
		if op.Name() == name {
			m.ops = append(m.ops[:i], m.ops[i+1:]...)
			return op
		}
	}
	return nil
}

func waitOp(t *testing.T, m *mockInterceptor, name string) cq.Operation {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if op := m.take(name); op != nil {
			return op
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for operation %q", name)
	return nil
}

func newTestRuntime(t *testing.T) (*cq.Runtime, *mockInterceptor) {
	t.Helper()
	mock := &mockInterceptor{}
	rt := cq.New(nil, cq.WithInterceptor(mock), cq.WithPollInterval(5*time.Millisecond))
	go rt.Run()
	t.Cleanup(rt.Shutdown)
	return rt, mock
}

type grantOp = cq.RPCOp[*pb.LeaseGrantRequest, *pb.LeaseGrantResponse]
type kaCreateOp = cq.CreateStreamOp[*pb.LeaseKeepAliveRequest, *pb.LeaseKeepAliveResponse]
type kaWriteOp = cq.WriteOp[*pb.LeaseKeepAliveRequest]
type kaReadOp = cq.ReadOp[*pb.LeaseKeepAliveResponse]

// grantLease plays the server side of a session preamble: grant the
// lease and accept the keep-alive stream.
func grantLease(t *testing.T, rt *cq.Runtime, mock *mockInterceptor, leaseID int64, ttlSeconds int64) {
	t.Helper()
	grant := waitOp(t, mock, "session/preamble/lease_grant").(*grantOp)
	grant.Response.ID = leaseID
	grant.Response.TTL = ttlSeconds
	rt.Complete(grant, true)

	create := waitOp(t, mock, "session/ka_stream").(*kaCreateOp)
	create.Stream = &cq.Stream[*pb.LeaseKeepAliveRequest, *pb.LeaseKeepAliveResponse]{}
	rt.Complete(create, true)
}

func startSession(t *testing.T, rt *cq.Runtime, mock *mockInterceptor, leaseID int64) *Session {
	t.Helper()
	type result struct {
		s   *Session
		err error
	}
	ch := make(chan result, 1)
	go func() {
		s, err := NewSession(rt, 5*time.Second, testLogger())
		ch <- result{s, err}
	}()
	grantLease(t, rt, mock, leaseID, 10)
	res := <-ch
	if res.err != nil {
		t.Fatalf("NewSession failed: %v", res.err)
	}
	return res.s
}

func TestSessionPreamble(t *testing.T) {
	t.Parallel()
	rt, mock := newTestRuntime(t)

	s := startSession(t, rt, mock, 0x111)
	if got := s.LeaseID(); got != 0x111 {
		t.Errorf("lease id = %x, want 111", got)
	}
	if got := s.ActualTTL(); got != 10*time.Second {
		t.Errorf("actual TTL = %v, want 10s (server adjusted)", got)
	}
	if got := s.State(); got != StateConnected {
		t.Errorf("state = %v, want connected", got)
	}
}

func TestSessionGrantRejected(t *testing.T) {
	t.Parallel()
	rt, mock := newTestRuntime(t)

	type result struct {
		s   *Session
		err error
	}
	ch := make(chan result, 1)
	go func() {
		s, err := NewSession(rt, 5*time.Second, testLogger())
		ch <- result{s, err}
	}()
	grant := waitOp(t, mock, "session/preamble/lease_grant").(*grantOp)
	grant.Response.Error = "too many leases"
	rt.Complete(grant, true)

	res := <-ch
	if !errors.Is(res.err, ErrLeaseGrantFailed) {
		t.Fatalf("err = %v, want ErrLeaseGrantFailed", res.err)
	}
	if res.s != nil {
		t.Error("no session should be returned on a rejected grant")
	}
}

// The keep-alive cycle alternates strictly: timer fires, one write,
// one read, next timer. The TTL adopts the server's value.
func TestSessionKeepAliveCycle(t *testing.T) {
	t.Parallel()
	rt, mock := newTestRuntime(t)

	s := startSession(t, rt, mock, 0x222)

	timer := waitOp(t, mock, "session/set_timer/ttl_refresh").(*cq.TimerOp)
	rt.Complete(timer, true)

	write := waitOp(t, mock, "session/on_timeout/write").(*kaWriteOp)
	if write.Request.ID != 0x222 {
		t.Errorf("keep-alive carries lease %x, want 222", write.Request.ID)
	}
	// Exactly one write in flight; no read posted yet.
	if op := mock.take("session/on_write/read"); op != nil {
		t.Fatal("read posted before the write completed")
	}
	rt.Complete(write, true)

	read := waitOp(t, mock, "session/on_write/read").(*kaReadOp)
	// No new timer until the read completes.
	if op := mock.take("session/set_timer/ttl_refresh"); op != nil {
		t.Fatal("timer scheduled before the read completed")
	}
	read.Response.TTL = 4
	rt.Complete(read, true)

	waitOp(t, mock, "session/set_timer/ttl_refresh")
	if got := s.ActualTTL(); got != 4*time.Second {
		t.Errorf("actual TTL = %v, want 4s adopted from the response", got)
	}
}

func TestSessionShutdown(t *testing.T) {
	t.Parallel()
	rt, mock := newTestRuntime(t)

	s := startSession(t, rt, mock, 0x333)
	waitOp(t, mock, "session/set_timer/ttl_refresh")

	done := make(chan struct{})
	go func() {
		s.Shutdown()
		close(done)
	}()
	wd := waitOp(t, mock, "session/shutdown/writes_done").(*cq.WritesDoneOp)
	rt.Complete(wd, true)
	fin := waitOp(t, mock, "session/ka_stream/finish").(*cq.FinishOp)
	rt.Complete(fin, true)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Shutdown did not return")
	}
	if got := s.State(); got != StateShutdown {
		t.Errorf("state = %v, want shutdown", got)
	}
	// Idempotent.
	s.Shutdown()
}

func TestSessionRevoke(t *testing.T) {
	t.Parallel()
	rt, mock := newTestRuntime(t)

	s := startSession(t, rt, mock, 0x444)

	done := make(chan error, 1)
	go func() { done <- s.Revoke() }()

	revoke := waitOp(t, mock, "session/revoke").(*cq.RPCOp[*pb.LeaseRevokeRequest, *pb.LeaseRevokeResponse])
	if revoke.Request.ID != 0x444 {
		t.Errorf("revoke carries lease %x, want 444", revoke.Request.ID)
	}
	rt.Complete(revoke, true)
	wd := waitOp(t, mock, "session/shutdown/writes_done").(*cq.WritesDoneOp)
	rt.Complete(wd, true)
	fin := waitOp(t, mock, "session/ka_stream/finish").(*cq.FinishOp)
	rt.Complete(fin, true)

	if err := <-done; err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}
	if got := s.State(); got != StateShutdown {
		t.Errorf("state = %v, want shutdown", got)
	}
}
