package etcd

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.etcd.io/etcd/api/v3/mvccpb"

	pb "go.etcd.io/etcd/api/v3/etcdserverpb"

	"jaybeams/internal/cq"
)

// ErrInconsistentState reports a participant key whose value could not
// be reconciled with ours during setup.
var ErrInconsistentState = errors.New("inconsistent election state")

// ErrProclaimFailed reports a failed conditional overwrite of the
// participant value.
var ErrProclaimFailed = errors.New("proclaim failed")

// ElectionState names the election lifecycle states.
type ElectionState int

const (
	ElectionConstructing ElectionState = iota
	ElectionConnecting
	ElectionTestAndSet
	ElectionRepublish
	ElectionPublished
	ElectionQuerying
	ElectionCampaigning
	ElectionElected
	ElectionResigning
	ElectionResigned
	ElectionShuttingDown
	ElectionShutdown
)

func (s ElectionState) String() string {
	names := []string{
		"constructing", "connecting", "testandset", "republish", "published",
		"querying", "campaigning", "elected", "resigning", "resigned",
		"shuttingdown", "shutdown",
	}
	if int(s) < len(names) {
		return names[s]
	}
	return fmt.Sprintf("ElectionState(%d)", int(s))
}

type watchStream = cq.Stream[*pb.WatchRequest, *pb.WatchResponse]

// Election is one participant in a sequenced-key leader election. Each
// participant creates a key under the election prefix tied to its
// session lease; the participant with the smallest creation revision
// holds the leadership. Losers watch their single immediate predecessor
// rather than the whole prefix, which avoids thundering-herd wake-ups.
//
// The campaign callback is invoked exactly once over the participant's
// lifetime: true when elected, false when the participant resigned,
// lost its lease, or shut down before winning.
type Election struct {
	rt      *cq.Runtime
	session *Session
	logger  *slog.Logger

	name  string
	value []byte
	key   string

	participantRevision int64
	watcher             *watchStream

	mu             sync.Mutex
	state          ElectionState
	currentWatches map[int64]struct{}
	watchedKeys    map[string]struct{}
	callback       func(bool)
	pendingOps     int
	opsDone        *sync.Cond
}

// NewElection joins the election, publishing value under the
// participant's key. The constructor blocks on the setup transaction;
// the runtime's reaper must already be running.
func NewElection(rt *cq.Runtime, session *Session, name string, value []byte, logger *slog.Logger) (*Election, error) {
	e := &Election{
		rt:             rt,
		session:        session,
		logger:         logger.With("component", "election", "name", name),
		name:           name,
		value:          append([]byte(nil), value...),
		key:            fmt.Sprintf("%s/%x", name, session.LeaseID()),
		state:          ElectionConstructing,
		currentWatches: make(map[int64]struct{}),
		watchedKeys:    make(map[string]struct{}),
	}
	e.opsDone = sync.NewCond(&e.mu)
	if err := e.preamble(); err != nil {
		e.Shutdown()
		return nil, err
	}
	return e, nil
}

// Key returns the participant's key under the election prefix.
func (e *Election) Key() string { return e.key }

// ParticipantRevision returns the creation revision of the
// participant's key.
func (e *Election) ParticipantRevision() int64 { return e.participantRevision }

// State returns the election lifecycle state.
func (e *Election) State() ElectionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// preamble opens the watch stream and creates the participant key with
// a test-and-set transaction: if the key does not exist, put it with
// the session lease; otherwise fetch the existing value and reconcile.
func (e *Election) preamble() error {
	e.setState("preamble", ElectionConnecting)
	watcher, err := cq.CreateRdWrStream[*pb.WatchRequest, *pb.WatchResponse](
		e.rt, "election/watch", watchMethod)
	if err != nil {
		return err
	}
	e.watcher = watcher
	e.setState("preamble", ElectionTestAndSet)

	// "create revision == 0" is how etcd spells "the key does not exist".
	req := &pb.TxnRequest{
		Compare: []*pb.Compare{{
			Key:         []byte(e.key),
			Result:      pb.Compare_EQUAL,
			Target:      pb.Compare_CREATE,
			TargetUnion: &pb.Compare_CreateRevision{CreateRevision: 0},
		}},
		Success: []*pb.RequestOp{{
			Request: &pb.RequestOp_RequestPut{RequestPut: &pb.PutRequest{
				Key:   []byte(e.key),
				Value: e.value,
				Lease: e.session.LeaseID(),
			}},
		}},
		Failure: []*pb.RequestOp{{
			Request: &pb.RequestOp_RequestRange{RequestRange: &pb.RangeRequest{
				Key: []byte(e.key),
			}},
		}},
	}
	resp, err := e.commit(req, "election/commit/create_node")
	if err != nil {
		return err
	}
	e.participantRevision = resp.Header.GetRevision()

	if !resp.Succeeded {
		// The key survived a previous instance of this program; adopt
		// its creation revision and republish our value if it differs.
		if len(resp.Responses) != 1 || resp.Responses[0].GetResponseRange() == nil ||
			len(resp.Responses[0].GetResponseRange().Kvs) != 1 {
			return fmt.Errorf("%w: unexpected txn response shape for key %s", ErrInconsistentState, e.key)
		}
		kv := resp.Responses[0].GetResponseRange().Kvs[0]
		e.participantRevision = kv.CreateRevision
		if string(kv.Value) != string(e.value) {
			e.setState("preamble", ElectionRepublish)
			failureOp := &pb.RequestOp{
				Request: &pb.RequestOp_RequestDeleteRange{RequestDeleteRange: &pb.DeleteRangeRequest{
					Key: []byte(e.key),
				}},
			}
			published, err := e.publishValue(e.value, failureOp)
			if err != nil {
				return err
			}
			if !published.Succeeded {
				return fmt.Errorf("%w: failed writing new value on existing key %s", ErrInconsistentState, e.key)
			}
		}
	}
	e.setState("preamble", ElectionPublished)
	return nil
}

// Campaign starts the campaign; cb is invoked exactly once with the
// terminal outcome.
func (e *Election) Campaign(cb func(elected bool)) {
	e.mu.Lock()
	if e.callback != nil {
		e.mu.Unlock()
		panic("election: Campaign called twice")
	}
	e.callback = cb
	e.mu.Unlock()
	e.rangeQuery()
}

// rangeQuery looks for the single key with the largest creation
// revision strictly below ours: our immediate predecessor.
func (e *Election) rangeQuery() {
	if !e.opStart("range request") {
		return
	}
	e.setState("rangeQuery", ElectionQuerying)
	prefix := e.name + "/"
	req := &pb.RangeRequest{
		Key:               []byte(prefix),
		RangeEnd:          prefixEnd([]byte(prefix)),
		MaxCreateRevision: e.participantRevision - 1,
		SortOrder:         pb.RangeRequest_DESCEND,
		SortTarget:        pb.RangeRequest_CREATE,
		Limit:             1,
	}
	cq.AsyncRPC(e.rt, "election/campaign/range", kvRangeMethod, req, &pb.RangeResponse{}, e.onRangeRequest)
}

// onRangeRequest installs a watch on the predecessor, if any; with no
// predecessor the election is won.
func (e *Election) onRangeRequest(op *cq.RPCOp[*pb.RangeRequest, *pb.RangeResponse], ok bool) {
	e.opDone()
	if !ok {
		e.makeCallback(false)
		return
	}
	if op.Err != nil {
		e.logger.Error("range query failed", "error", op.Err)
		e.makeCallback(false)
		return
	}
	for _, kv := range op.Response.Kvs {
		if !e.opStart("create watch") {
			return
		}
		e.setState("onRangeRequest", ElectionCampaigning)
		key := string(kv.Key)
		revision := op.Response.Header.GetRevision()
		e.mu.Lock()
		e.watchedKeys[key] = struct{}{}
		e.mu.Unlock()
		e.logger.Debug("watching predecessor", "key", key, "revision", revision)
		req := &pb.WatchRequest{
			RequestUnion: &pb.WatchRequest_CreateRequest{CreateRequest: &pb.WatchCreateRequest{
				Key:           kv.Key,
				StartRevision: revision - 1,
			}},
		}
		cq.AsyncWrite(e.rt, e.watcher, "election/on_range/watch", req,
			func(op *cq.WriteOp[*pb.WatchRequest], ok bool) {
				e.onWatchCreate(op, ok)
			})
	}
	e.checkElectionOverMaybe()
}

func (e *Election) onWatchCreate(_ *cq.WriteOp[*pb.WatchRequest], ok bool) {
	e.opDone()
	if !ok {
		return
	}
	e.postWatchRead()
}

func (e *Election) postWatchRead() {
	if !e.opStart("read watch") {
		return
	}
	resp := &pb.WatchResponse{}
	cq.AsyncRead(e.rt, e.watcher, "election/watch/read", resp, e.onWatchRead)
}

// onWatchRead consumes one watch response: track watcher creation,
// erase watched keys on DELETE events, and keep reading unless the
// watcher was canceled or the revision was compacted.
func (e *Election) onWatchRead(op *cq.ReadOp[*pb.WatchResponse], ok bool) {
	e.opDone()
	if !ok {
		return
	}
	resp := op.Response
	if resp.Created {
		e.mu.Lock()
		e.currentWatches[resp.WatchId] = struct{}{}
		e.mu.Unlock()
	}
	sawDelete := false
	for _, ev := range resp.Events {
		// Only DELETE matters: the predecessor resigned or its lease
		// expired.
		if ev.Type != mvccpb.DELETE {
			continue
		}
		sawDelete = true
		e.mu.Lock()
		delete(e.watchedKeys, string(ev.Kv.Key))
		e.mu.Unlock()
	}
	// Once every watched key has been observed deleted, go back to the
	// range query: the slot may have been taken by a participant that
	// joined between our query and the deletion.
	e.mu.Lock()
	drained := sawDelete && len(e.watchedKeys) == 0
	e.mu.Unlock()
	if drained {
		e.rangeQuery()
	}
	if resp.Canceled {
		e.mu.Lock()
		delete(e.currentWatches, resp.WatchId)
		e.mu.Unlock()
		return
	}
	if resp.CompactRevision != 0 {
		// The server compacted past our start revision and canceled the
		// watcher. The predecessor's key may already be gone; re-run the
		// range query from the latest revision. Normal occurrence, not
		// a failure.
		e.logger.Info("watcher canceled by compaction",
			"compact_revision", resp.CompactRevision, "watch_id", resp.WatchId)
		e.mu.Lock()
		delete(e.currentWatches, resp.WatchId)
		for k := range e.watchedKeys {
			delete(e.watchedKeys, k)
		}
		e.mu.Unlock()
		e.rangeQuery()
		return
	}
	e.mu.Lock()
	finished := e.state == ElectionShuttingDown || e.state == ElectionShutdown ||
		e.state == ElectionResigning || e.state == ElectionResigned
	e.mu.Unlock()
	if finished {
		return
	}
	e.postWatchRead()
}

// checkElectionOverMaybe declares victory once every watched key has
// been observed deleted.
func (e *Election) checkElectionOverMaybe() {
	e.mu.Lock()
	if len(e.watchedKeys) > 0 {
		e.mu.Unlock()
		return
	}
	if e.state != ElectionShuttingDown && e.state != ElectionShutdown &&
		e.state != ElectionResigning && e.state != ElectionResigned {
		e.state = ElectionElected
	}
	e.mu.Unlock()
	e.makeCallback(true)
}

// makeCallback invokes the campaign callback at most once.
func (e *Election) makeCallback(result bool) {
	e.mu.Lock()
	cb := e.callback
	e.callback = nil
	e.mu.Unlock()
	if cb == nil {
		return
	}
	cb(result)
}

// Proclaim atomically overwrites the participant value, conditioned on
// our creation revision still holding.
func (e *Election) Proclaim(value []byte) error {
	copied := append([]byte(nil), value...)
	resp, err := e.publishValue(copied, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProclaimFailed, err)
	}
	if !resp.Succeeded {
		return fmt.Errorf("%w: create revision no longer matches for key %s", ErrProclaimFailed, e.key)
	}
	e.mu.Lock()
	e.value = copied
	e.mu.Unlock()
	return nil
}

// publishValue writes value under the participant key, conditioned on
// the creation revision; failureOp (optional) runs when the condition
// fails.
func (e *Election) publishValue(value []byte, failureOp *pb.RequestOp) (*pb.TxnResponse, error) {
	req := &pb.TxnRequest{
		Compare: []*pb.Compare{{
			Key:         []byte(e.key),
			Result:      pb.Compare_EQUAL,
			Target:      pb.Compare_CREATE,
			TargetUnion: &pb.Compare_CreateRevision{CreateRevision: e.participantRevision},
		}},
		Success: []*pb.RequestOp{{
			Request: &pb.RequestOp_RequestPut{RequestPut: &pb.PutRequest{
				Key:   []byte(e.key),
				Value: value,
				Lease: e.session.LeaseID(),
			}},
		}},
	}
	if failureOp != nil {
		req.Failure = []*pb.RequestOp{failureOp}
	}
	return e.commit(req, "election/publish_value")
}

// commit runs one Txn synchronously through the runtime.
func (e *Election) commit(req *pb.TxnRequest, name string) (*pb.TxnResponse, error) {
	resp := &pb.TxnResponse{}
	if err := cq.RPC(e.rt, name, kvTxnMethod, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Resign abandons the campaign: cancel every active watch, wait for
// in-flight operations to drain, and deliver the terminal callback if
// it has not fired. The caller still owns the lease; revoking it is
// what removes the participant key on the server.
func (e *Election) Resign() {
	e.mu.Lock()
	if e.state == ElectionResigning || e.state == ElectionResigned ||
		e.state == ElectionShuttingDown || e.state == ElectionShutdown {
		e.mu.Unlock()
		return
	}
	e.state = ElectionResigning
	watches := make([]int64, 0, len(e.currentWatches))
	for w := range e.currentWatches {
		watches = append(watches, w)
	}
	e.mu.Unlock()

	for _, w := range watches {
		if !e.opStartResigning("cancel watch") {
			break
		}
		req := &pb.WatchRequest{
			RequestUnion: &pb.WatchRequest_CancelRequest{CancelRequest: &pb.WatchCancelRequest{
				WatchId: w,
			}},
		}
		cq.AsyncWrite(e.rt, e.watcher, "election/resign/cancel_watch", req,
			func(op *cq.WriteOp[*pb.WatchRequest], ok bool) {
				e.opDone()
			})
	}
	e.waitOpsDrained()
	e.makeCallback(false)
	e.setState("Resign", ElectionResigned)
}

// Shutdown tears down the watcher stream and local resources. Sticky:
// no new asynchronous operation starts once entered. Blocking; must
// not be called from the reaper goroutine. Idempotent.
func (e *Election) Shutdown() {
	e.mu.Lock()
	if e.state == ElectionShuttingDown || e.state == ElectionShutdown {
		e.mu.Unlock()
		return
	}
	e.state = ElectionShuttingDown
	watcher := e.watcher
	e.watcher = nil
	e.mu.Unlock()

	e.makeCallback(false)
	if watcher != nil {
		if err := cq.WritesDone(e.rt, watcher, "election/shutdown/writes_done"); err != nil {
			e.logger.Debug("writes_done on shutdown", "error", err)
		}
		// Unpark any read still waiting on the idle stream so the
		// pending-operation counter can reach zero.
		watcher.Cancel()
	}
	e.waitOpsDrained()
	if watcher != nil {
		if err := cq.Finish(e.rt, watcher, "election/watch/finish", &pb.WatchResponse{}); err != nil {
			e.logger.Debug("finish on shutdown", "error", err)
		}
	}
	e.mu.Lock()
	e.state = ElectionShutdown
	e.mu.Unlock()
}

// opStart registers one in-flight asynchronous operation; it refuses
// once the participant is resigning or shutting down.
func (e *Election) opStart(what string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.state {
	case ElectionResigning, ElectionResigned, ElectionShuttingDown, ElectionShutdown:
		return false
	}
	e.pendingOps++
	return true
}

// opStartResigning admits operations needed by the resign path itself.
func (e *Election) opStartResigning(what string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.state {
	case ElectionShuttingDown, ElectionShutdown:
		return false
	}
	e.pendingOps++
	return true
}

func (e *Election) opDone() {
	e.mu.Lock()
	e.pendingOps--
	if e.pendingOps <= 0 {
		e.opsDone.Broadcast()
	}
	e.mu.Unlock()
}

// waitOpsDrained blocks until the pending-operation counter reaches
// zero. Must not run on the reaper goroutine.
func (e *Election) waitOpsDrained() {
	e.mu.Lock()
	for e.pendingOps > 0 {
		e.opsDone.Wait()
	}
	e.mu.Unlock()
}

func (e *Election) setState(where string, s ElectionState) {
	e.mu.Lock()
	prev := e.state
	if prev == ElectionShuttingDown || prev == ElectionShutdown {
		e.mu.Unlock()
		return
	}
	e.state = s
	e.mu.Unlock()
	e.logger.Debug("state transition", "where", where, "from", prev.String(), "to", s.String())
}

// prefixEnd returns the key immediately after every key with the given
// prefix, for use as a range end.
func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return []byte{0}
}
