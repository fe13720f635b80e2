package hostsim

import (
	"container/heap"
	"sync"
)

// TaskFunc is the body of a Task.  It runs on the worker that pops the event, with the
// destination host active.
type TaskFunc func(wk *Worker, arg any)

// Task is a deferred unit of work.  The same Task may be carried by several events.
type Task struct {
	name string
	fn   TaskFunc
	arg  any
}

// NewTask is a constructor
func NewTask(name string, fn TaskFunc, arg any) *Task {
	return &Task{name: name, fn: fn, arg: arg}
}

func (task *Task) Name() string { return task.name }

func (task *Task) execute(wk *Worker) {
	if task.fn != nil {
		task.fn(wk, task.arg)
	}
}

// Event binds a Task to the time and host it executes at.  The source host and its
// sequence number break ties between events at the same time, so the order events of a
// host run in never depends on which worker thread scheduled them first.
type Event struct {
	time   SimTime
	task   *Task
	src    *Host
	dst    *Host
	srcSeq uint64
}

func (ev *Event) Time() SimTime { return ev.time }

func (ev *Event) srcID() HostID {
	if ev.src == nil {
		return 0
	}
	return ev.src.id
}

// before orders events by (time, source host, source sequence)
func (ev *Event) before(other *Event) bool {
	if ev.time != other.time {
		return ev.time < other.time
	}
	if ev.srcID() != other.srcID() {
		return ev.srcID() < other.srcID()
	}
	return ev.srcSeq < other.srcSeq
}

// eventHeap implements heap.Interface
type eventHeap []*Event

func (eh eventHeap) Len() int           { return len(eh) }
func (eh eventHeap) Less(i, j int) bool { return eh[i].before(eh[j]) }
func (eh eventHeap) Swap(i, j int)      { eh[i], eh[j] = eh[j], eh[i] }

func (eh *eventHeap) Push(x any) {
	*eh = append(*eh, x.(*Event))
}

func (eh *eventHeap) Pop() any {
	old := *eh
	n := len(old)
	ev := old[n-1]
	old[n-1] = nil
	*eh = old[:n-1]
	return ev
}

// eventQueue is the per-host queue.  Other workers push into it while the owner pops, so
// it carries its own lock.  lastPopped enforces that a host's events run in time order.
type eventQueue struct {
	mu         sync.Mutex
	events     eventHeap
	lastPopped SimTime
	nPushed    uint64
	nPopped    uint64
}

func (eq *eventQueue) push(ev *Event) {
	eq.mu.Lock()
	heap.Push(&eq.events, ev)
	eq.nPushed++
	eq.mu.Unlock()
}

// popBefore removes and returns the next event if its time is before barrier
func (eq *eventQueue) popBefore(barrier SimTime) *Event {
	eq.mu.Lock()
	defer eq.mu.Unlock()
	if len(eq.events) == 0 || eq.events[0].time >= barrier {
		return nil
	}
	ev := heap.Pop(&eq.events).(*Event)
	if ev.time < eq.lastPopped {
		panic("event queue: host event popped out of time order")
	}
	eq.lastPopped = ev.time
	eq.nPopped++
	return ev
}

// nextTime is the time of the earliest queued event, SimTimeInvalid when empty
func (eq *eventQueue) nextTime() SimTime {
	eq.mu.Lock()
	defer eq.mu.Unlock()
	if len(eq.events) == 0 {
		return SimTimeInvalid
	}
	return eq.events[0].time
}

func (eq *eventQueue) len() int {
	eq.mu.Lock()
	defer eq.mu.Unlock()
	return len(eq.events)
}
