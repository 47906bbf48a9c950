// Package eventsub implements the per-group background workers that scan
// newly committed blocks against filter predicates and push matches to
// subscribers.
package eventsub

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Log is one matched event log. The concrete ledger log shape is an
// external collaborator's concern (spec.md §1); eventsub only needs enough
// to filter and report.
type Log struct {
	Address     string
	Topics      []string
	BlockNumber uint64
}

// Filter selects the logs an EventSub task cares about. ToBlock of zero
// means open-ended (never completes on its own; only explicit Cancel ends
// the task).
type Filter struct {
	FromBlock uint64
	ToBlock   uint64
	Addresses []string
	Topics    []string
}

func (f Filter) matches(l Log) bool {
	if l.BlockNumber < f.FromBlock {
		return false
	}
	if f.ToBlock != 0 && l.BlockNumber > f.ToBlock {
		return false
	}
	if len(f.Addresses) > 0 && !containsString(f.Addresses, l.Address) {
		return false
	}
	if len(f.Topics) > 0 {
		found := false
		for _, want := range f.Topics {
			if containsString(l.Topics, want) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func containsString(s []string, v string) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

// LedgerClient fetches the logs committed in one block. The real
// implementation backs onto the ledger/txpool services this gateway
// proxies; spec.md §1 scopes those call shapes out, so this is the minimal
// contract eventsub needs.
type LedgerClient interface {
	FetchBlockLogs(blockNumber uint64) ([]Log, error)
}

// PushCompleted is the terminal status carried on a task's final,
// empty-result callback invocation.
const PushCompleted = 1

// Callback reports matches (or, on completion, an empty slice with
// complete=true) to the subscriber. It returns whether the subscriber is
// still reachable; the worker cancels the task once it returns false.
type Callback func(matches []Log, complete bool) (alive bool)

// Task is one active subscription, identified by id within a group.
type Task struct {
	ID      string
	GroupID string
	Filter  Filter
	Cb      Callback

	lastProcessed  uint64
	workInProgress int32 // atomic bool
}

const maxBlocksPerLoop = 10

// GroupWorker drives every task subscribed to one group: it owns the
// pending add/cancel queues and the active task map, and polls
// latestBlockNumber (updated externally, asynchronously, by block-number
// notifications) rather than being driven by them directly.
type GroupWorker struct {
	GroupID string
	ledger  LedgerClient

	latestBlockNumber uint64 // atomic

	toAdd    chan *Task
	toCancel chan string

	mu     sync.Mutex
	active map[string]*Task

	stopCh chan struct{}
	log    *logrus.Entry
}

// NewGroupWorker constructs a worker for groupID backed by ledger.
func NewGroupWorker(groupID string, ledger LedgerClient) *GroupWorker {
	return &GroupWorker{
		GroupID:  groupID,
		ledger:   ledger,
		toAdd:    make(chan *Task, 256),
		toCancel: make(chan string, 256),
		active:   make(map[string]*Task),
		stopCh:   make(chan struct{}),
		log:      logrus.WithField("group", groupID),
	}
}

// AddTask enqueues a new task; duplicate ids already active are rejected
// when the loop drains the queue, not here, matching the spec's
// drain-then-reject ordering.
func (w *GroupWorker) AddTask(t *Task) { w.toAdd <- t }

// CancelTask enqueues id for removal from activeTasks.
func (w *GroupWorker) CancelTask(id string) { w.toCancel <- id }

// UpdateLatestBlockNumber is called from outside the worker loop whenever
// a new block-number notification arrives for this group.
func (w *GroupWorker) UpdateLatestBlockNumber(n uint64) {
	atomic.StoreUint64(&w.latestBlockNumber, n)
}

// ActiveTaskCount reports the number of tasks currently tracked, for
// metrics and tests.
func (w *GroupWorker) ActiveTaskCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.active)
}

// Start runs the worker loop in its own goroutine until Stop is called.
func (w *GroupWorker) Start() {
	go w.run()
}

// Stop terminates the worker loop. In-flight ledger reads are allowed to
// complete; their results are simply discarded once the loop has exited.
func (w *GroupWorker) Stop() {
	close(w.stopCh)
}

func (w *GroupWorker) run() {
	for {
		select {
		case <-w.stopCh:
			return
		default:
		}

		w.drainCancels()
		w.drainAdds()
		w.stepActiveTasks()

		select {
		case <-w.stopCh:
			return
		case <-time.After(time.Millisecond):
		}
	}
}

func (w *GroupWorker) drainCancels() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for {
		select {
		case id := <-w.toCancel:
			delete(w.active, id)
		default:
			return
		}
	}
}

func (w *GroupWorker) drainAdds() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for {
		select {
		case t := <-w.toAdd:
			if _, dup := w.active[t.ID]; dup {
				w.log.WithField("task", t.ID).Warn("rejecting duplicate task id")
				continue
			}
			if t.Filter.FromBlock > 0 {
				t.lastProcessed = t.Filter.FromBlock - 1
			}
			w.active[t.ID] = t
		default:
			return
		}
	}
}

func (w *GroupWorker) stepActiveTasks() {
	w.mu.Lock()
	tasks := make([]*Task, 0, len(w.active))
	for _, t := range w.active {
		tasks = append(tasks, t)
	}
	w.mu.Unlock()

	latest := atomic.LoadUint64(&w.latestBlockNumber)

	for _, t := range tasks {
		if !t.Cb(nil, false) {
			w.CancelTask(t.ID)
			continue
		}

		if t.Filter.ToBlock != 0 && t.Filter.ToBlock <= t.lastProcessed {
			t.Cb(nil, true)
			w.CancelTask(t.ID)
			continue
		}

		if !atomic.CompareAndSwapInt32(&t.workInProgress, 0, 1) {
			continue
		}

		next := t.lastProcessed + 1
		if next > latest {
			atomic.StoreInt32(&t.workInProgress, 0)
			continue
		}

		w.processWindow(t, latest)
	}
}

func (w *GroupWorker) processWindow(t *Task, latest uint64) {
	defer atomic.StoreInt32(&t.workInProgress, 0)

	end := t.lastProcessed + maxBlocksPerLoop
	if end > latest {
		end = latest
	}
	if t.Filter.ToBlock != 0 && end > t.Filter.ToBlock {
		end = t.Filter.ToBlock
	}

	for bn := t.lastProcessed + 1; bn <= end; bn++ {
		logs, err := w.ledger.FetchBlockLogs(bn)
		if err != nil {
			w.log.WithError(err).WithField("block", bn).Warn("failed to fetch block logs")
			return
		}
		var matches []Log
		for _, l := range logs {
			if t.Filter.matches(l) {
				matches = append(matches, l)
			}
		}
		if len(matches) > 0 {
			if !t.Cb(matches, false) {
				return
			}
		}
		t.lastProcessed = bn
	}
}
