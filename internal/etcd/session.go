// Package etcd implements the coordination building blocks used by the
// long-lived daemons: a TTL lease session and a sequenced-key leader
// election, both driven through the cq completion-queue runtime against
// an etcd cluster's KV, Watch and Lease services.
package etcd

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	pb "go.etcd.io/etcd/api/v3/etcdserverpb"

	"jaybeams/internal/cq"
)

// Fully qualified gRPC method names for the etcd services.
const (
	leaseGrantMethod     = "/etcdserverpb.Lease/LeaseGrant"
	leaseRevokeMethod    = "/etcdserverpb.Lease/LeaseRevoke"
	leaseKeepAliveMethod = "/etcdserverpb.Lease/LeaseKeepAlive"
	kvRangeMethod        = "/etcdserverpb.KV/Range"
	kvTxnMethod          = "/etcdserverpb.KV/Txn"
	watchMethod          = "/etcdserverpb.Watch/Watch"
)

// ErrLeaseGrantFailed reports a rejected lease-grant request; the
// session tears down without holding any remote resource.
var ErrLeaseGrantFailed = errors.New("lease grant failed")

// SessionState names the session lifecycle states.
type SessionState int

const (
	StateConstructing SessionState = iota
	StateConnecting
	StateConnected
	StateShuttingDown
	StateShutdown
)

func (s SessionState) String() string {
	switch s {
	case StateConstructing:
		return "constructing"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateShuttingDown:
		return "shuttingdown"
	case StateShutdown:
		return "shutdown"
	}
	return fmt.Sprintf("SessionState(%d)", int(s))
}

// DefaultTTL is the desired lease TTL when none is configured.
const DefaultTTL = 5 * time.Second

// keepAlivesPerTTL is how many keep-alives are sent per TTL period; a
// refresh every TTL/5 tolerates several lost responses before expiry.
const keepAlivesPerTTL = 5

type kaStream = cq.Stream[*pb.LeaseKeepAliveRequest, *pb.LeaseKeepAliveResponse]

// Session holds a lease on the etcd cluster for the lifetime of the
// process, refreshing it over a keep-alive stream. The state machine
// enforces strict timer → write → read alternation, so at most one
// keep-alive is ever in flight.
type Session struct {
	rt     *cq.Runtime
	logger *slog.Logger

	mu         sync.Mutex
	state      SessionState
	desiredTTL time.Duration
	actualTTL  time.Duration
	leaseID    int64
	stream     *kaStream
	timer      *cq.TimerOp
}

// NewSession requests a fresh lease and starts the keep-alive cycle.
// The constructor blocks until the lease is granted and the stream is
// connected; the runtime's reaper must already be running.
func NewSession(rt *cq.Runtime, desiredTTL time.Duration, logger *slog.Logger) (*Session, error) {
	return NewSessionWithLease(rt, desiredTTL, 0, logger)
}

// NewSessionWithLease is NewSession for an application that remembered
// its lease id across a fast restart. The id is advisory; the server
// authoritatively assigns the lease.
func NewSessionWithLease(rt *cq.Runtime, desiredTTL time.Duration, leaseID int64, logger *slog.Logger) (*Session, error) {
	s := &Session{
		rt:         rt,
		logger:     logger.With("component", "etcd-session"),
		state:      StateConstructing,
		desiredTTL: desiredTTL,
		leaseID:    leaseID,
	}
	if err := s.preamble(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Session) preamble() error {
	req := &pb.LeaseGrantRequest{
		TTL: int64(s.desiredTTL / time.Second),
		ID:  s.leaseID,
	}
	resp := &pb.LeaseGrantResponse{}
	if err := cq.RPC(s.rt, "session/preamble/lease_grant", leaseGrantMethod, req, resp); err != nil {
		return fmt.Errorf("%w: %v", ErrLeaseGrantFailed, err)
	}
	if resp.Error != "" {
		return fmt.Errorf("%w: %s", ErrLeaseGrantFailed, resp.Error)
	}
	s.leaseID = resp.ID
	s.actualTTL = time.Duration(resp.TTL) * time.Second
	s.logger.Debug("lease granted", "lease_id", fmt.Sprintf("%x", s.leaseID), "ttl", s.actualTTL)

	// The object is not visible to other goroutines yet; no lock needed.
	s.state = StateConnecting
	stream, err := cq.CreateRdWrStream[*pb.LeaseKeepAliveRequest, *pb.LeaseKeepAliveResponse](
		s.rt, "session/ka_stream", leaseKeepAliveMethod)
	if err != nil {
		s.state = StateShutdown
		return err
	}
	s.stream = stream
	s.state = StateConnected
	s.setTimer()
	return nil
}

// LeaseID returns the server-assigned lease id.
func (s *Session) LeaseID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leaseID
}

// ActualTTL returns the TTL most recently imposed by the server.
func (s *Session) ActualTTL() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.actualTTL
}

// State returns the session lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// setTimer schedules the next keep-alive. A new timer is created only
// when no keep-alive is in flight: the previous read has completed.
func (s *Session) setTimer() {
	s.mu.Lock()
	if s.state != StateConnected {
		s.mu.Unlock()
		return
	}
	interval := s.actualTTL / keepAlivesPerTTL
	s.timer = s.rt.MakeRelativeTimer(interval, "session/set_timer/ttl_refresh", s.onTimeout)
	s.mu.Unlock()
}

// onTimeout fires on the reaper: write one keep-alive request.
func (s *Session) onTimeout(_ *cq.TimerOp, ok bool) {
	if !ok {
		// Canceled timer.
		return
	}
	s.mu.Lock()
	if s.state != StateConnected {
		s.mu.Unlock()
		return
	}
	stream, leaseID := s.stream, s.leaseID
	s.mu.Unlock()
	req := &pb.LeaseKeepAliveRequest{ID: leaseID}
	cq.AsyncWrite(s.rt, stream, "session/on_timeout/write", req, s.onWrite)
}

// onWrite completes the write: post the matching read.
func (s *Session) onWrite(op *cq.WriteOp[*pb.LeaseKeepAliveRequest], ok bool) {
	if !ok {
		s.failKeepAlive("keep-alive write failed", op.Err)
		return
	}
	s.mu.Lock()
	if s.state != StateConnected {
		s.mu.Unlock()
		return
	}
	stream := s.stream
	s.mu.Unlock()
	resp := &pb.LeaseKeepAliveResponse{}
	cq.AsyncRead(s.rt, stream, "session/on_write/read", resp, s.onRead)
}

// onRead completes the read: adopt the server's TTL and rearm.
func (s *Session) onRead(op *cq.ReadOp[*pb.LeaseKeepAliveResponse], ok bool) {
	if !ok {
		s.failKeepAlive("keep-alive read failed", op.Err)
		return
	}
	s.mu.Lock()
	if s.state != StateConnected {
		s.mu.Unlock()
		return
	}
	// The server may lengthen or shorten the TTL to pace us.
	s.actualTTL = time.Duration(op.Response.TTL) * time.Second
	s.mu.Unlock()
	s.setTimer()
}

// failKeepAlive handles a broken keep-alive stream: the lease is
// expiring (or the runtime is shutting down) and the session is over.
func (s *Session) failKeepAlive(msg string, err error) {
	s.mu.Lock()
	if s.state != StateConnected {
		s.mu.Unlock()
		return
	}
	s.state = StateShuttingDown
	s.mu.Unlock()
	s.logger.Warn(msg, "lease_id", fmt.Sprintf("%x", s.leaseID), "error", err)
}

// Revoke synchronously revokes the lease on the server, tearing down
// every key attached to it, then shuts the session down. Must not be
// called from the reaper goroutine.
func (s *Session) Revoke() error {
	req := &pb.LeaseRevokeRequest{ID: s.LeaseID()}
	resp := &pb.LeaseRevokeResponse{}
	if err := cq.RPC(s.rt, "session/revoke", leaseRevokeMethod, req, resp); err != nil {
		s.Shutdown()
		return fmt.Errorf("lease revoke: %w", err)
	}
	s.logger.Debug("lease revoked", "lease_id", fmt.Sprintf("%x", s.LeaseID()))
	s.Shutdown()
	return nil
}

// Shutdown cancels the refresh timer, half-closes the keep-alive
// stream, and releases local resources. Blocking; must not be called
// from the reaper goroutine. Idempotent.
func (s *Session) Shutdown() {
	s.mu.Lock()
	if s.state == StateShuttingDown || s.state == StateShutdown {
		// A keep-alive failure may have moved us here already; finish
		// the teardown exactly once by racing on the stream handle.
		if s.stream == nil {
			s.mu.Unlock()
			return
		}
	}
	s.state = StateShuttingDown
	timer, stream := s.timer, s.stream
	s.timer, s.stream = nil, nil
	s.mu.Unlock()

	if timer != nil {
		timer.Cancel()
	}
	if stream != nil {
		if err := cq.WritesDone(s.rt, stream, "session/shutdown/writes_done"); err != nil {
			s.logger.Debug("writes_done on shutdown", "error", err)
		}
		// Unpark a keep-alive read still waiting on the stream.
		stream.Cancel()
		if err := cq.Finish(s.rt, stream, "session/ka_stream/finish", &pb.LeaseKeepAliveResponse{}); err != nil {
			s.logger.Debug("finish on shutdown", "error", err)
		}
	}
	s.mu.Lock()
	s.state = StateShutdown
	s.mu.Unlock()
}
