package hostsim

// scheduler.go runs the rounds of a simulation.  Each worker thread is a goroutine that
// waits for a round window, executes the events of its hosts that fall inside it, and
// reports at a barrier.  Once every worker has reported, the scheduler finds the earliest
// pending event and hands it back to the manager, which sizes the next window.

import (
	"sync"
)

// Scheduler owns the worker threads and the host-to-thread policy
type Scheduler struct {
	mgr     *Manager
	policy  SchedulingPolicy
	workers []*Worker

	barrier sync.WaitGroup
	exited  sync.WaitGroup
	started bool
	rounds  uint64
}

// CreateScheduler is a constructor.  One worker is made for each thread of the policy.
func CreateScheduler(mgr *Manager, policy SchedulingPolicy) *Scheduler {
	sched := new(Scheduler)
	sched.mgr = mgr
	sched.policy = policy
	nThreads := policy.Threads()
	sched.workers = make([]*Worker, nThreads)
	for idx := 0; idx < nThreads; idx++ {
		sched.workers[idx] = createWorker(idx, mgr, sched)
	}
	return sched
}

func (sched *Scheduler) Policy() SchedulingPolicy { return sched.policy }
func (sched *Scheduler) Workers() []*Worker       { return sched.workers }
func (sched *Scheduler) Rounds() uint64           { return sched.rounds }

// AddHost hands a host to the policy, and returns the thread it was assigned to
func (sched *Scheduler) AddHost(host *Host) int {
	return sched.policy.AssignHost(host)
}

// Start launches the worker goroutines; they block until the first round is released
func (sched *Scheduler) Start() {
	if sched.started {
		return
	}
	sched.started = true
	for _, wk := range sched.workers {
		sched.exited.Add(1)
		go func(wk *Worker) {
			defer sched.exited.Done()
			wk.run()
		}(wk)
	}
}

// RunRound releases every worker into the window [start, end), waits for all of them to
// drain it, and returns the time of the earliest event still pending anywhere
// (SimTimeInvalid if none is)
func (sched *Scheduler) RunRound(start, end SimTime) SimTime {
	if !sched.started {
		sched.Start()
	}
	sched.rounds++
	sched.policy.OnRoundAdvance(start, end)

	sched.barrier.Add(len(sched.workers))
	for _, wk := range sched.workers {
		wk.startCh <- roundWindow{start: start, end: end}
	}
	sched.barrier.Wait()

	next := SimTimeInvalid
	for _, wk := range sched.workers {
		wk.state = WorkerWaitForStart
		next = minSimTime(next, wk.minNextEventTime())
	}
	return next
}

// Finish stops the worker goroutines and merges their counters into the manager
func (sched *Scheduler) Finish() {
	if sched.started {
		for _, wk := range sched.workers {
			close(wk.startCh)
		}
		sched.exited.Wait()
		sched.started = false
	}
	for _, wk := range sched.workers {
		sched.mgr.mergeCounters(wk.counters)
	}
}

// EventsRun is the number of events executed by all workers
func (sched *Scheduler) EventsRun() uint64 {
	var total uint64
	for _, wk := range sched.workers {
		total += wk.eventsRun
	}
	return total
}
