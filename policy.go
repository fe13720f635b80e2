package hostsim

import (
	"fmt"
	"strings"
	"sync"
)

// SchedulingPolicy decides which worker thread runs which host.  It is independent of
// the round protocol: the scheduler only asks it for the next host a thread should run
// in the current round, and tells it when a new round begins.
type SchedulingPolicy interface {
	// AssignHost records a host and returns the thread it belongs to
	AssignHost(host *Host) int

	// NextReadyHost returns a host the thread should run this round, nil when it has none left
	NextReadyHost(thread int) *Host

	// OnRoundAdvance is called before each round is released
	OnRoundAdvance(start, end SimTime)

	// HostsOf lists the hosts assigned to a thread
	HostsOf(thread int) []*Host

	// Threads is the number of worker threads the policy distributes hosts over
	Threads() int

	Name() string
}

// hostRoster is a thread's list of hosts plus the position of the next host to hand out
// this round.  Stealing threads claim from it too, hence the lock.
type hostRoster struct {
	mu    sync.Mutex
	hosts []*Host
	next  int
}

func (hr *hostRoster) add(host *Host) {
	hr.mu.Lock()
	hr.hosts = append(hr.hosts, host)
	hr.mu.Unlock()
}

func (hr *hostRoster) claim() *Host {
	hr.mu.Lock()
	defer hr.mu.Unlock()
	if hr.next >= len(hr.hosts) {
		return nil
	}
	host := hr.hosts[hr.next]
	hr.next++
	return host
}

func (hr *hostRoster) reset() {
	hr.mu.Lock()
	hr.next = 0
	hr.mu.Unlock()
}

// rosterPolicy holds what the policies have in common: one roster per thread
type rosterPolicy struct {
	rosters   []*hostRoster
	nAssigned int
}

func makeRosterPolicy(nThreads int) rosterPolicy {
	if nThreads < 1 {
		nThreads = 1
	}
	rp := rosterPolicy{rosters: make([]*hostRoster, nThreads)}
	for idx := range rp.rosters {
		rp.rosters[idx] = new(hostRoster)
	}
	return rp
}

func (rp *rosterPolicy) assignTo(host *Host, thread int) int {
	rp.rosters[thread].add(host)
	host.thread = thread
	rp.nAssigned++
	return thread
}

func (rp *rosterPolicy) NextReadyHost(thread int) *Host {
	if thread < 0 || thread >= len(rp.rosters) {
		return nil
	}
	return rp.rosters[thread].claim()
}

func (rp *rosterPolicy) OnRoundAdvance(start, end SimTime) {
	for _, roster := range rp.rosters {
		roster.reset()
	}
}

func (rp *rosterPolicy) Threads() int {
	return len(rp.rosters)
}

func (rp *rosterPolicy) HostsOf(thread int) []*Host {
	if thread < 0 || thread >= len(rp.rosters) {
		return nil
	}
	return rp.rosters[thread].hosts
}

// SerialPolicy gives every host to the first thread
type SerialPolicy struct {
	rosterPolicy
}

func NewSerialPolicy(nThreads int) *SerialPolicy {
	return &SerialPolicy{rosterPolicy: makeRosterPolicy(nThreads)}
}

func (sp *SerialPolicy) AssignHost(host *Host) int { return sp.assignTo(host, 0) }
func (sp *SerialPolicy) Name() string              { return "serial" }

// HostPinnedPolicy pins hosts to threads round robin in the order they are added
type HostPinnedPolicy struct {
	rosterPolicy
}

func NewHostPinnedPolicy(nThreads int) *HostPinnedPolicy {
	return &HostPinnedPolicy{rosterPolicy: makeRosterPolicy(nThreads)}
}

func (hp *HostPinnedPolicy) AssignHost(host *Host) int {
	return hp.assignTo(host, hp.nAssigned%len(hp.rosters))
}

func (hp *HostPinnedPolicy) Name() string { return "pinned" }

// StealPolicy pins hosts like HostPinnedPolicy, but a thread that runs out of its own
// hosts claims hosts another thread has not reached yet.  A host is still run by at most
// one thread per round.
type StealPolicy struct {
	rosterPolicy
}

func NewStealPolicy(nThreads int) *StealPolicy {
	return &StealPolicy{rosterPolicy: makeRosterPolicy(nThreads)}
}

func (st *StealPolicy) AssignHost(host *Host) int {
	return st.assignTo(host, st.nAssigned%len(st.rosters))
}

func (st *StealPolicy) NextReadyHost(thread int) *Host {
	if host := st.rosterPolicy.NextReadyHost(thread); host != nil {
		return host
	}
	n := len(st.rosters)
	for offset := 1; offset < n; offset++ {
		if host := st.rosters[(thread+offset)%n].claim(); host != nil {
			return host
		}
	}
	return nil
}

func (st *StealPolicy) Name() string { return "steal" }

// GroupPolicy places consecutive groups of groupSize hosts on the same thread, and
// deals the groups to threads round robin
type GroupPolicy struct {
	rosterPolicy
	groupSize int
}

func NewGroupPolicy(nThreads, groupSize int) *GroupPolicy {
	if groupSize < 1 {
		groupSize = 1
	}
	return &GroupPolicy{rosterPolicy: makeRosterPolicy(nThreads), groupSize: groupSize}
}

func (gp *GroupPolicy) AssignHost(host *Host) int {
	group := gp.nAssigned / gp.groupSize
	return gp.assignTo(host, group%len(gp.rosters))
}

func (gp *GroupPolicy) Name() string { return "group" }

// CreateSchedulingPolicy builds a policy by name: serial, pinned, steal or group
func CreateSchedulingPolicy(name string, nThreads, groupSize int) (SchedulingPolicy, error) {
	switch strings.ToLower(name) {
	case "", "serial", "global":
		return NewSerialPolicy(nThreads), nil
	case "pinned", "host", "hostpinned":
		return NewHostPinnedPolicy(nThreads), nil
	case "steal":
		return NewStealPolicy(nThreads), nil
	case "group", "threadgroup":
		return NewGroupPolicy(nThreads, groupSize), nil
	}
	return nil, fmt.Errorf("unknown scheduling policy %q", name)
}
