// Package queue runs the transfers of one account on a fixed pool of workers.
//
// Every node has at most one operation in flight. Waiting operations start in
// FIFO order, and a cancelled operation always ends Cancelled, never Failed.
// Status and progress callbacks are handed to a dispatch.Executor in the order
// the queue produced them.
package queue

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dl-alexandre/docsync/internal/dispatch"
	"github.com/dl-alexandre/docsync/internal/logging"
	"github.com/dl-alexandre/docsync/internal/remote"
	"github.com/dl-alexandre/docsync/internal/types"
	"github.com/dl-alexandre/docsync/internal/utils"
	"github.com/oklog/ulid/v2"
	"golang.org/x/time/rate"
)

var (
	// ErrAlreadyInFlight is returned when the node already has a waiting or running operation
	ErrAlreadyInFlight = utils.ErrAlreadyInFlight
	// ErrClosed is returned by Enqueue after Disable
	ErrClosed = errors.New("operation queue is disabled")
)

// Task performs one transfer. It must return promptly once ctx is done.
type Task func(ctx context.Context, progress remote.ProgressFunc) error

// Request describes an operation to enqueue
type Request struct {
	NodeSyncID string
	Activity   types.ActivityType
	// Batch groups the operations of one top-level node so they can be cancelled together
	Batch      string
	BytesTotal int64
	Run        Task
	// Finish runs on the worker once the outcome is known, before the node
	// leaves the in-flight set and before Done is closed.
	Finish func(Outcome)
}

// Outcome is the terminal result of an operation
type Outcome struct {
	NodeSyncID string
	Activity   types.ActivityType
	Status     types.NodeStatus
	Err        error
}

// Kind places the outcome in the engine error taxonomy. Successful outcomes
// have no kind.
func (o Outcome) Kind() types.ErrorKind {
	switch o.Status {
	case types.StatusCancelled:
		return types.ErrorKindCancelled
	case types.StatusOffline:
		return types.ErrorKindOffline
	case types.StatusFailed:
		switch {
		case errors.Is(o.Err, utils.ErrRegistryCorruption):
			return types.ErrorKindRegistryCorruption
		case errors.Is(o.Err, utils.ErrObstaclePending):
			return types.ErrorKindObstacle
		}
		return types.ErrorKindTransferFailed
	}
	return ""
}

// Callbacks receive queue notifications on the configured executor
type Callbacks struct {
	OnOperationCount func(inProgress int)
	OnProgress       func(totalBytes, syncedBytes int64)
	OnNodeStatus     func(status types.SyncNodeStatus)
	OnConnectivity   func(online bool)
}

// Options configures a Queue
type Options struct {
	AccountID        string
	ProgressInterval time.Duration
	// Executor delivers callbacks. Callbacks run while the queue lock is held
	// when Executor is dispatch.Inline, so they must not call back into the queue.
	Executor  dispatch.Executor
	Callbacks Callbacks
	Logger    logging.Logger
}

type state int

const (
	stateWaiting state = iota
	stateRunning
	stateParked
	stateFinishing
	stateDone
)

// Handle tracks one enqueued operation
type Handle struct {
	id  string
	req Request

	ctx    context.Context
	cancel context.CancelFunc

	state        state
	elem         *list.Element
	cancelStatus types.NodeStatus
	transferred  int64
	total        int64
	progressGate *rate.Sometimes

	done    chan struct{}
	outcome Outcome
}

// ID returns the operation ID
func (h *Handle) ID() string { return h.id }

// NodeSyncID returns the node the operation targets
func (h *Handle) NodeSyncID() string { return h.req.NodeSyncID }

// Activity returns the transfer direction
func (h *Handle) Activity() types.ActivityType { return h.req.Activity }

// Done is closed once the operation reaches a terminal state
func (h *Handle) Done() <-chan struct{} { return h.done }

// Outcome returns the terminal result. It is only meaningful after Done is closed.
func (h *Handle) Outcome() Outcome {
	<-h.done
	return h.outcome
}

// Wait blocks until the operation is terminal or ctx is done
func (h *Handle) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-h.done:
		return h.outcome, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// Queue is the per-account operation queue
type Queue struct {
	accountID string
	exec      dispatch.Executor
	callbacks Callbacks
	logger    logging.Logger
	interval  time.Duration

	mu       sync.Mutex
	cond     *sync.Cond
	waiting  *list.List
	parked   []*Handle
	handles  map[string]*Handle
	statuses map[string]types.SyncNodeStatus
	running  int
	paused   bool
	offline  bool
	closed   bool
	changed  chan struct{}

	totalBytes   int64
	syncedBytes  int64
	progressGate *rate.Sometimes

	baseCtx context.Context
	stop    context.CancelFunc
	workers sync.WaitGroup
}

// New starts a queue with utils.QueueWorkers workers
func New(opts Options) *Queue {
	if opts.Logger == nil {
		opts.Logger = logging.NewNoOpLogger()
	}
	if opts.Executor == nil {
		opts.Executor = dispatch.Inline{}
	}
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = time.Duration(utils.DefaultProgressThrottleMs) * time.Millisecond
	}

	ctx, stop := context.WithCancel(context.Background())
	q := &Queue{
		accountID:    opts.AccountID,
		exec:         opts.Executor,
		callbacks:    opts.Callbacks,
		logger:       opts.Logger,
		interval:     opts.ProgressInterval,
		waiting:      list.New(),
		handles:      make(map[string]*Handle),
		statuses:     make(map[string]types.SyncNodeStatus),
		changed:      make(chan struct{}),
		progressGate: &rate.Sometimes{Interval: opts.ProgressInterval},
		baseCtx:      ctx,
		stop:         stop,
	}
	q.cond = sync.NewCond(&q.mu)

	for i := 0; i < utils.QueueWorkers; i++ {
		q.workers.Add(1)
		go q.worker()
	}
	return q
}

// Enqueue schedules an operation. It fails with ErrAlreadyInFlight when the
// node already has an operation waiting, running or parked.
func (q *Queue) Enqueue(req Request) (*Handle, error) {
	if req.NodeSyncID == "" {
		return nil, fmt.Errorf("node sync id is required")
	}
	if req.Run == nil {
		return nil, fmt.Errorf("operation for %s has no task", req.NodeSyncID)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrClosed
	}
	if _, busy := q.handles[req.NodeSyncID]; busy {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyInFlight, req.NodeSyncID)
	}

	ctx, cancel := context.WithCancel(q.baseCtx)
	h := &Handle{
		id:           ulid.Make().String(),
		req:          req,
		ctx:          ctx,
		cancel:       cancel,
		total:        req.BytesTotal,
		progressGate: &rate.Sometimes{Interval: q.interval},
		done:         make(chan struct{}),
	}
	q.handles[req.NodeSyncID] = h
	if h.total > 0 {
		q.totalBytes += h.total
	}

	if q.offline {
		h.state = stateParked
		q.parked = append(q.parked, h)
		q.setStatusLocked(h, types.StatusOffline)
	} else {
		h.state = stateWaiting
		h.elem = q.waiting.PushBack(h)
		q.setStatusLocked(h, types.StatusWaiting)
		q.cond.Signal()
	}
	q.countLocked()
	q.emitProgressLocked()

	q.logger.Debug("Operation enqueued",
		logging.F("account", q.accountID),
		logging.F("node", req.NodeSyncID),
		logging.F("activity", string(req.Activity)),
		logging.F("operation", h.id))
	return h, nil
}

func (q *Queue) worker() {
	defer q.workers.Done()
	for {
		h := q.next()
		if h == nil {
			return
		}
		err := q.execute(h)
		q.finish(h, err)
	}
}

// next blocks until an operation may start, or returns nil once the queue is closed
func (q *Queue) next() *Handle {
	q.mu.Lock()
	defer q.mu.Unlock()
	for !q.closed && (q.paused || q.waiting.Len() == 0) {
		q.cond.Wait()
	}
	if q.closed {
		return nil
	}

	h := q.waiting.Remove(q.waiting.Front()).(*Handle)
	h.elem = nil
	h.state = stateRunning
	q.running++
	q.setStatusLocked(h, types.StatusLoading)
	return h
}

func (q *Queue) execute(h *Handle) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("operation panicked: %v", r)
		}
	}()
	return h.req.Run(h.ctx, func(transferred, total int64) {
		q.reportProgress(h, transferred, total)
	})
}

func (q *Queue) finish(h *Handle, err error) {
	q.mu.Lock()
	q.running--

	var status types.NodeStatus
	switch {
	case err == nil:
		status = types.StatusSuccessful
	case h.cancelStatus != types.StatusNone:
		status = h.cancelStatus
	case errors.Is(err, context.Canceled):
		status = types.StatusCancelled
	case remote.IsOffline(err) && !q.closed:
		q.parkRunningLocked(h)
		q.mu.Unlock()
		q.logger.Info("Operation parked until connectivity returns",
			logging.F("account", q.accountID),
			logging.F("node", h.req.NodeSyncID))
		return
	default:
		status = types.StatusFailed
	}
	h.state = stateFinishing
	q.mu.Unlock()

	if status == types.StatusFailed {
		q.logger.Warn("Operation failed",
			logging.F("account", q.accountID),
			logging.F("node", h.req.NodeSyncID),
			logging.F("activity", string(h.req.Activity)),
			logging.F("error", err))
	}
	q.settle(h, status, err)
}

// parkRunningLocked returns a running operation to the parked set with fresh
// state and takes the whole queue offline.
func (q *Queue) parkRunningLocked(h *Handle) {
	h.cancel()
	h.ctx, h.cancel = context.WithCancel(q.baseCtx)
	q.syncedBytes -= h.transferred
	h.transferred = 0
	h.state = stateParked
	q.parked = append(q.parked, h)
	q.setStatusLocked(h, types.StatusOffline)
	q.goOfflineLocked()
	q.emitProgressLocked()
}

// settle runs the Finish hook outside the lock, then releases the node
func (q *Queue) settle(h *Handle, status types.NodeStatus, err error) {
	out := Outcome{
		NodeSyncID: h.req.NodeSyncID,
		Activity:   h.req.Activity,
		Status:     status,
		Err:        err,
	}
	if h.req.Finish != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					q.logger.Error("Operation finish hook panicked",
						logging.F("node", h.req.NodeSyncID),
						logging.F("panic", fmt.Sprint(r)))
				}
			}()
			h.req.Finish(out)
		}()
	}

	q.mu.Lock()
	q.completeLocked(h, out)
	q.mu.Unlock()
}

func (q *Queue) completeLocked(h *Handle, out Outcome) {
	h.cancel()
	delete(q.handles, h.req.NodeSyncID)
	h.state = stateDone
	h.outcome = out

	if out.Status == types.StatusSuccessful {
		if h.total > 0 {
			q.syncedBytes += h.total - h.transferred
			h.transferred = h.total
		}
	} else {
		if h.total > 0 {
			q.totalBytes -= h.total
		}
		q.syncedBytes -= h.transferred
	}

	if out.Status == types.StatusDisabled {
		delete(q.statuses, h.req.NodeSyncID)
		q.notifyStatusLocked(q.statusFor(h, types.StatusDisabled))
		q.broadcastLocked()
	} else {
		q.setStatusLocked(h, out.Status)
	}

	q.emitProgressLocked()
	if len(q.handles) == 0 {
		q.totalBytes, q.syncedBytes = 0, 0
	}
	q.countLocked()
	close(h.done)
}

func (q *Queue) reportProgress(h *Handle, transferred, total int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if h.state != stateRunning {
		return
	}
	if total > 0 && total != h.total {
		q.totalBytes += total - h.total
		h.total = total
	}
	if transferred != h.transferred {
		q.syncedBytes += transferred - h.transferred
		h.transferred = transferred
	}

	st := q.statusFor(h, types.StatusLoading)
	q.statuses[h.req.NodeSyncID] = st
	h.progressGate.Do(func() { q.notifyStatusLocked(st) })
	q.progressGate.Do(q.emitProgressLocked)
}

// Cancel cancels the node's operation. A waiting or parked operation ends
// immediately; a running one is asked to abort and ends Cancelled when its
// task returns. It reports whether an operation was found.
func (q *Queue) Cancel(nodeSyncID string) bool {
	q.mu.Lock()
	h, ok := q.handles[nodeSyncID]
	if !ok {
		q.mu.Unlock()
		return false
	}
	detached := q.cancelLocked([]*Handle{h}, types.StatusCancelled)
	q.mu.Unlock()

	q.settleCancelled(detached, types.StatusCancelled)
	return true
}

// CancelNodes cancels the operations of the given nodes and returns the
// handles that were found, so callers can wait for running ones to end.
func (q *Queue) CancelNodes(nodeSyncIDs []string) []*Handle {
	q.mu.Lock()
	var targets []*Handle
	for _, id := range nodeSyncIDs {
		if h, ok := q.handles[id]; ok {
			targets = append(targets, h)
		}
	}
	detached := q.cancelLocked(targets, types.StatusCancelled)
	q.mu.Unlock()

	q.settleCancelled(detached, types.StatusCancelled)
	return targets
}

// CancelPending cancels the given nodes' operations that have not started
// yet and returns how many ended. Running operations are left alone.
func (q *Queue) CancelPending(nodeSyncIDs []string) int {
	q.mu.Lock()
	var targets []*Handle
	for _, id := range nodeSyncIDs {
		if h, ok := q.handles[id]; ok && (h.state == stateWaiting || h.state == stateParked) {
			targets = append(targets, h)
		}
	}
	detached := q.cancelLocked(targets, types.StatusCancelled)
	q.mu.Unlock()

	q.settleCancelled(detached, types.StatusCancelled)
	return len(detached)
}

// CancelBatch cancels the operations of a batch that have not started yet.
// Running operations of the batch are left alone.
func (q *Queue) CancelBatch(batch string) int {
	q.mu.Lock()
	var targets []*Handle
	for _, h := range q.handles {
		if h.req.Batch == batch && (h.state == stateWaiting || h.state == stateParked) {
			targets = append(targets, h)
		}
	}
	detached := q.cancelLocked(targets, types.StatusCancelled)
	q.mu.Unlock()

	q.settleCancelled(detached, types.StatusCancelled)
	return len(detached)
}

// CancelAll cancels every operation of the given activity, or all of them for
// types.ActivityNone, and returns their handles.
func (q *Queue) CancelAll(activity types.ActivityType) []*Handle {
	q.mu.Lock()
	targets := q.matchingLocked(activity)
	detached := q.cancelLocked(targets, types.StatusCancelled)
	q.mu.Unlock()

	q.settleCancelled(detached, types.StatusCancelled)
	return targets
}

func (q *Queue) matchingLocked(activity types.ActivityType) []*Handle {
	var out []*Handle
	for e := q.waiting.Front(); e != nil; e = e.Next() {
		h := e.Value.(*Handle)
		if activity == types.ActivityNone || h.req.Activity == activity {
			out = append(out, h)
		}
	}
	for _, h := range q.handles {
		if h.state == stateWaiting {
			continue
		}
		if activity == types.ActivityNone || h.req.Activity == activity {
			out = append(out, h)
		}
	}
	return out
}

// cancelLocked detaches waiting and parked handles, which the caller must
// settle, and signals running ones.
func (q *Queue) cancelLocked(targets []*Handle, status types.NodeStatus) []*Handle {
	var detached []*Handle
	for _, h := range targets {
		switch h.state {
		case stateWaiting:
			q.waiting.Remove(h.elem)
			h.elem = nil
			h.state = stateFinishing
			detached = append(detached, h)
		case stateParked:
			q.removeParkedLocked(h)
			h.state = stateFinishing
			detached = append(detached, h)
		case stateRunning:
			if h.cancelStatus == types.StatusNone {
				h.cancelStatus = status
			}
			h.cancel()
		}
	}
	return detached
}

func (q *Queue) settleCancelled(handles []*Handle, status types.NodeStatus) {
	for _, h := range handles {
		q.settle(h, status, context.Canceled)
	}
	if len(handles) > 0 {
		q.logger.Debug("Operations cancelled",
			logging.F("account", q.accountID),
			logging.F("count", len(handles)))
	}
}

func (q *Queue) removeParkedLocked(h *Handle) {
	for i, p := range q.parked {
		if p == h {
			q.parked = append(q.parked[:i], q.parked[i+1:]...)
			return
		}
	}
}

// Pause stops starting new operations. Running operations continue.
func (q *Queue) Pause(paused bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = paused
	if !paused {
		q.cond.Broadcast()
	}
}

// Paused reports whether the queue is paused
func (q *Queue) Paused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused
}

// SetOnline parks waiting operations as Offline, or returns parked operations
// to Waiting in their original order.
func (q *Queue) SetOnline(online bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	if !online {
		q.goOfflineLocked()
		return
	}
	if !q.offline {
		return
	}

	q.offline = false
	for _, h := range q.parked {
		h.state = stateWaiting
		h.elem = q.waiting.PushBack(h)
		q.setStatusLocked(h, types.StatusWaiting)
	}
	q.parked = nil
	q.notifyConnectivityLocked(true)
	q.cond.Broadcast()
}

// Online reports whether the queue currently admits operations to workers
func (q *Queue) Online() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return !q.offline
}

func (q *Queue) goOfflineLocked() {
	if q.offline {
		return
	}
	q.offline = true
	for e := q.waiting.Front(); e != nil; {
		next := e.Next()
		h := q.waiting.Remove(e).(*Handle)
		h.elem = nil
		h.state = stateParked
		q.parked = append(q.parked, h)
		q.setStatusLocked(h, types.StatusOffline)
		e = next
	}
	q.notifyConnectivityLocked(false)
	q.logger.Info("Operation queue offline",
		logging.F("account", q.accountID),
		logging.F("parked", len(q.parked)))
}

// Disable cancels every operation with status Disabled, stops the workers and
// clears all queue state. Enqueue fails with ErrClosed afterwards.
func (q *Queue) Disable() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	targets := q.matchingLocked(types.ActivityNone)
	detached := q.cancelLocked(targets, types.StatusDisabled)
	q.cond.Broadcast()
	q.mu.Unlock()

	q.settleCancelled(detached, types.StatusDisabled)
	q.workers.Wait()
	q.stop()

	q.mu.Lock()
	q.statuses = make(map[string]types.SyncNodeStatus)
	q.parked = nil
	q.totalBytes, q.syncedBytes = 0, 0
	q.broadcastLocked()
	q.mu.Unlock()

	q.logger.Debug("Operation queue disabled", logging.F("account", q.accountID))
}

// Status returns the last known status of a node
func (q *Queue) Status(nodeSyncID string) (types.SyncNodeStatus, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	st, ok := q.statuses[nodeSyncID]
	return st, ok
}

// Statuses returns a copy of every known node status
func (q *Queue) Statuses() map[string]types.SyncNodeStatus {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[string]types.SyncNodeStatus, len(q.statuses))
	for k, v := range q.statuses {
		out[k] = v
	}
	return out
}

// Forget drops the remembered status of a node that is not in flight
func (q *Queue) Forget(nodeSyncID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, busy := q.handles[nodeSyncID]; !busy {
		delete(q.statuses, nodeSyncID)
	}
}

// InFlight reports whether the node has an operation waiting, running or parked
func (q *Queue) InFlight(nodeSyncID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.handles[nodeSyncID]
	return ok
}

// Handles returns the operations in flight, parked ones included
func (q *Queue) Handles() []*Handle {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Handle, 0, len(q.handles))
	for _, h := range q.handles {
		out = append(out, h)
	}
	return out
}

// IsBusy reports whether any operation is waiting or running
func (q *Queue) IsBusy() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.waiting.Len() > 0 || q.running > 0
}

// Running returns the number of operations currently executing
func (q *Queue) Running() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

// Len returns the number of operations in flight, parked ones included
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.handles)
}

// Progress returns the aggregate byte counters
func (q *Queue) Progress() (totalBytes, syncedBytes int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.totalBytes, q.syncedBytes
}

// WaitSettled blocks until every handle is terminal or parked as Offline
func (q *Queue) WaitSettled(ctx context.Context, handles []*Handle) error {
	for {
		q.mu.Lock()
		settled := true
		for _, h := range handles {
			if h.state != stateDone && h.state != stateParked {
				settled = false
				break
			}
		}
		changed := q.changed
		q.mu.Unlock()

		if settled {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (q *Queue) statusFor(h *Handle, status types.NodeStatus) types.SyncNodeStatus {
	return types.SyncNodeStatus{
		NodeSyncID:       h.req.NodeSyncID,
		Status:           status,
		Activity:         h.req.Activity,
		BytesTransferred: h.transferred,
		BytesTotal:       h.total,
	}
}

func (q *Queue) setStatusLocked(h *Handle, status types.NodeStatus) {
	st := q.statusFor(h, status)
	q.statuses[h.req.NodeSyncID] = st
	q.notifyStatusLocked(st)
	q.broadcastLocked()
}

func (q *Queue) broadcastLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}

func (q *Queue) notifyStatusLocked(st types.SyncNodeStatus) {
	if cb := q.callbacks.OnNodeStatus; cb != nil {
		q.exec.Dispatch(func() { cb(st) })
	}
}

func (q *Queue) countLocked() {
	if cb := q.callbacks.OnOperationCount; cb != nil {
		n := len(q.handles)
		q.exec.Dispatch(func() { cb(n) })
	}
}

func (q *Queue) emitProgressLocked() {
	if cb := q.callbacks.OnProgress; cb != nil {
		total, synced := q.totalBytes, q.syncedBytes
		q.exec.Dispatch(func() { cb(total, synced) })
	}
}

func (q *Queue) notifyConnectivityLocked(online bool) {
	if cb := q.callbacks.OnConnectivity; cb != nil {
		q.exec.Dispatch(func() { cb(online) })
	}
}

// WaitDone blocks until every handle is terminal or ctx is done
func WaitDone(ctx context.Context, handles []*Handle) error {
	for _, h := range handles {
		select {
		case <-h.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
