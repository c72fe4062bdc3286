package server

import "sync"

// ActionKind tags the host-only command carried by an Action.
type ActionKind int

const (
	ActionCompile ActionKind = iota + 1
	ActionTestStart
	ActionRefresh
	ActionSettingsLoad
)

func (k ActionKind) String() string {
	switch k {
	case ActionCompile:
		return "compile"
	case ActionTestStart:
		return "test-start"
	case ActionRefresh:
		return "refresh"
	case ActionSettingsLoad:
		return "settings-load"
	}
	return "unknown"
}

// Action is a tagged command enqueued by request handlers and executed
// exactly once, in FIFO order, on the host tick. Representing queued work as
// a value rather than a closure keeps the queue inspectable in tests.
type Action struct {
	Kind   ActionKind
	Mode   TestMode
	Filter TestFilter
	Force  bool
}

// actionQueue is a mutex-guarded FIFO. The network goroutine enqueues; the
// host tick drains to empty. No priority is needed since every tick consumes
// everything that is currently queued.
type actionQueue struct {
	mu    sync.Mutex
	items []Action
}

func (q *actionQueue) enqueue(a Action) {
	q.mu.Lock()
	q.items = append(q.items, a)
	q.mu.Unlock()
}

// drain removes and returns all currently queued actions. Actions enqueued
// after drain returns wait for the next tick.
func (q *actionQueue) drain() []Action {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.mu.Unlock()
	return items
}

func (q *actionQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
