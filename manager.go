package hostsim

// manager.go is the coordinating layer of a simulation.  The Manager owns the DNS, the
// topology, the hosts and the scheduler; Run boots the hosts, drives the rounds until
// the window closes, and shuts everything down.  Round windows are [start, start+jump)
// where jump is the larger of the configured runahead and the smallest path latency seen
// so far.  A smaller path latency discovered during a round only takes effect at the
// next round boundary.

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// jump used when the topology offers no latency to size rounds by
const defaultMinTimeJump = SimTimeMillisecond

// Manager is the simulation context shared by all workers
type Manager struct {
	cfg       *SimulationCfg
	dns       *DNS
	topology  *Topology
	scheduler *Scheduler

	hosts  []*Host
	byName map[string]*Host

	seed         uint64
	endTime      SimTime
	bootstrapEnd SimTime
	runahead     SimTime

	minJump     SimTime
	jumpMu      sync.Mutex
	nextMinJump SimTime

	logLevel logrus.Level
	log      *logrus.Entry
	trace    *TraceManager

	countersMu sync.Mutex
	counters   *ObjectCounter

	crossings atomic.Uint64
	ran       bool
}

// CreateManager builds the scheduler and policy the configuration asks for over topo.
// Hosts are added afterwards with AddHost.
func CreateManager(cfg *SimulationCfg, topo *Topology) (*Manager, error) {
	if cfg == nil || topo == nil {
		return nil, errors.New("manager: configuration and topology are required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	mgr := new(Manager)
	mgr.cfg = cfg
	mgr.dns = CreateDNS()
	mgr.topology = topo
	mgr.byName = make(map[string]*Host)
	mgr.seed = cfg.Seed
	mgr.endTime = cfg.StopSimTime()
	mgr.bootstrapEnd = cfg.BootstrapSimTime()
	mgr.runahead = cfg.RunaheadSimTime()
	mgr.logLevel = parseLogLevel(cfg.LogLevel, logrus.InfoLevel)
	mgr.log = simLogger.WithField("sim", cfg.Name)
	mgr.counters = createObjectCounter()
	mgr.raiseLoggerLevel(mgr.logLevel)

	mgr.minJump = SimTimeFromMillis(topo.MinEdgeLatency())
	if mgr.minJump == 0 {
		mgr.minJump = defaultMinTimeJump
	}
	mgr.nextMinJump = mgr.minJump

	if len(cfg.TraceFile) > 0 {
		mgr.trace = CreateTraceManager(cfg.Name, true)
	}

	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	policy, err := CreateSchedulingPolicy(cfg.Policy, workers, cfg.GroupSize)
	if err != nil {
		return nil, fmt.Errorf("simulation %s: %w", cfg.Name, err)
	}
	mgr.scheduler = CreateScheduler(mgr, policy)
	topo.SetMinLatencyCallback(mgr.updateMinTimeJump)
	return mgr, nil
}

// BuildManager reads the topology the configuration names, relative to dir, and adds
// every host the configuration describes, parameters applied
func BuildManager(cfg *SimulationCfg, dir string) (*Manager, error) {
	gd, err := cfg.LoadTopology(dir)
	if err != nil {
		return nil, err
	}
	topo, err := CreateTopology(gd)
	if err != nil {
		return nil, err
	}
	mgr, err := CreateManager(cfg, topo)
	if err != nil {
		return nil, err
	}
	hosts, err := cfg.ResolvedHosts(dir)
	if err != nil {
		return nil, err
	}
	for _, hd := range hosts {
		if _, err := mgr.AddHost(hd); err != nil {
			return nil, err
		}
	}
	return mgr, nil
}

func (mgr *Manager) DNS() *DNS              { return mgr.dns }
func (mgr *Manager) Topology() *Topology    { return mgr.topology }
func (mgr *Manager) Scheduler() *Scheduler  { return mgr.scheduler }
func (mgr *Manager) Hosts() []*Host         { return mgr.hosts }
func (mgr *Manager) EndTime() SimTime       { return mgr.endTime }
func (mgr *Manager) Trace() *TraceManager   { return mgr.trace }
func (mgr *Manager) Config() *SimulationCfg { return mgr.cfg }

// hostSeed derives a host's seed from the master seed, so that a host's random draws do
// not depend on the order other hosts were added in beyond its own id
func hostSeed(master uint64, id HostID) uint64 {
	z := master + uint64(id)*0x9e3779b97f4a7c15
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}

// AddHost creates a host from its description, attaches it to the network, gives it to
// the scheduling policy and adds the processes the description lists
func (mgr *Manager) AddHost(hd HostDesc) (*Host, error) {
	if mgr.ran {
		return nil, fmt.Errorf("host %s: hosts cannot be added once the simulation ran", hd.Name)
	}
	if _, present := mgr.byName[hd.Name]; present {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateHost, hd.Name)
	}
	id := HostID(len(mgr.hosts) + 1)
	host := createHost(mgr, id, hd, hostSeed(mgr.seed, id))
	if err := host.setup(); err != nil {
		return nil, err
	}
	mgr.raiseLoggerLevel(host.log.level)
	host.thread = mgr.scheduler.AddHost(host)
	mgr.hosts = append(mgr.hosts, host)
	mgr.byName[host.name] = host
	mgr.trace.AddName(int(id), host.name, "host")

	for _, pd := range hd.Processes {
		if _, err := addProcess(host, pd); err != nil {
			return nil, err
		}
	}
	return host, nil
}

func addProcess(host *Host, pd ProcessDesc) (*Process, error) {
	return host.AddApplication(SimTimeFromSeconds(pd.Start), SimTimeFromSeconds(pd.Stop),
		pd.Plugin, pd.Path, pd.Entry, pd.Env, pd.Args)
}

// AddApplication adds a process to the named host before the simulation runs
func (mgr *Manager) AddApplication(hostName string, pd ProcessDesc) (*Process, error) {
	if mgr.ran {
		return nil, fmt.Errorf("host %s: processes cannot be added once the simulation ran", hostName)
	}
	host := mgr.byName[hostName]
	if host == nil {
		return nil, fmt.Errorf("no host named %s", hostName)
	}
	return addProcess(host, pd)
}

// HostByID returns the host with the id, nil if there is none
func (mgr *Manager) HostByID(id HostID) *Host {
	if id == 0 || int(id) > len(mgr.hosts) {
		return nil
	}
	return mgr.hosts[id-1]
}

func (mgr *Manager) HostByName(name string) *Host {
	return mgr.byName[name]
}

// raiseLoggerLevel makes sure the shared logger passes what some host wants to log;
// hosts filter against their own levels
func (mgr *Manager) raiseLoggerLevel(lvl logrus.Level) {
	if lvl > simLogger.GetLevel() {
		simLogger.SetLevel(lvl)
	}
}

func (mgr *Manager) logf(lvl logrus.Level, format string, args ...any) {
	if lvl > mgr.logLevel {
		return
	}
	mgr.log.Logf(lvl, format, args...)
}

// updateMinTimeJump is told by the topology about each new smallest path latency.  It
// may be called from any worker; the value is held until the next round boundary.
func (mgr *Manager) updateMinTimeJump(latency SimTime) {
	if latency == 0 {
		return
	}
	mgr.jumpMu.Lock()
	if latency < mgr.nextMinJump {
		mgr.nextMinJump = latency
	}
	mgr.jumpMu.Unlock()
}

// MinTimeJump is the width of a round: the configured runahead when it is larger than
// the smallest latency known at the start of the round
func (mgr *Manager) MinTimeJump() SimTime {
	return maxSimTime(mgr.runahead, mgr.minJump)
}

// roundFinished applies a pending jump update and sizes the next window from the
// earliest pending event.  It reports false when the window would be empty.
func (mgr *Manager) roundFinished(minNext SimTime) (bool, SimTime, SimTime) {
	mgr.jumpMu.Lock()
	if mgr.nextMinJump < mgr.minJump {
		mgr.logf(logrus.DebugLevel, "minimum time jump lowered from %s to %s", mgr.minJump, mgr.nextMinJump)
		mgr.minJump = mgr.nextMinJump
	}
	mgr.jumpMu.Unlock()

	if minNext == SimTimeInvalid || minNext >= mgr.endTime {
		return false, mgr.endTime, mgr.endTime
	}
	start := minNext
	end := minSimTime(start+mgr.MinTimeJump(), mgr.endTime)
	return start < end, start, end
}

// noteScheduled is called by workers for every event they schedule.  An event for
// another host inside the window being executed would break the hosts' causal order.
func (mgr *Manager) noteScheduled(wk *Worker, ev *Event) {
	if ev.src == ev.dst {
		return
	}
	if wk.state == WorkerRunning && ev.time < wk.windowEnd {
		panic(fmt.Errorf("manager: event for host %s at %s inside the window ending %s",
			ev.dst.name, ev.time, wk.windowEnd))
	}
	mgr.crossings.Add(1)
}

// Crossings is the number of events scheduled from one host onto another
func (mgr *Manager) Crossings() uint64 {
	return mgr.crossings.Load()
}

// countNew tallies an object created outside any worker, e.g. a task queued before the run
func (mgr *Manager) countNew(kind string) {
	mgr.countersMu.Lock()
	mgr.counters.IncNew(kind)
	mgr.countersMu.Unlock()
}

func (mgr *Manager) mergeCounters(oc *ObjectCounter) {
	mgr.countersMu.Lock()
	mgr.counters.Merge(oc)
	mgr.countersMu.Unlock()
}

// Counters returns a copy of the merged object counters
func (mgr *Manager) Counters() *ObjectCounter {
	mgr.countersMu.Lock()
	defer mgr.countersMu.Unlock()
	oc := createObjectCounter()
	for kind, n := range mgr.counters.New {
		oc.New[kind] = n
	}
	for kind, n := range mgr.counters.Free {
		oc.Free[kind] = n
	}
	return oc
}

// minPendingTime is the earliest event queued on any host
func (mgr *Manager) minPendingTime() SimTime {
	next := SimTimeInvalid
	for _, host := range mgr.hosts {
		next = minSimTime(next, host.events.nextTime())
	}
	return next
}

// withEachHost runs fn on a worker outside the rounds, with each host active in turn
func (mgr *Manager) withEachHost(now SimTime, fn func(wk *Worker, host *Host)) {
	wk := createWorker(-1, mgr, mgr.scheduler)
	wk.now = now
	wk.windowStart, wk.windowEnd = now, now
	for _, host := range mgr.hosts {
		wk.activeHost = host
		host.now = maxSimTime(host.now, now)
		fn(wk, host)
	}
	wk.activeHost = nil
	mgr.mergeCounters(wk.counters)
}

// Run executes the simulation to its end time.  It can be called once.
func (mgr *Manager) Run() error {
	if mgr.ran {
		return errors.New("manager: simulation already ran")
	}
	mgr.ran = true
	if len(mgr.hosts) == 0 {
		return fmt.Errorf("simulation %s: no hosts", mgr.cfg.Name)
	}
	mgr.logf(logrus.InfoLevel, "starting %d hosts on %d workers (%s policy), stop at %s",
		len(mgr.hosts), len(mgr.scheduler.workers), mgr.scheduler.policy.Name(), mgr.endTime)

	mgr.withEachHost(0, func(wk *Worker, host *Host) {
		host.boot(wk)
	})

	more, start, end := mgr.roundFinished(mgr.minPendingTime())
	for more {
		mgr.logf(logrus.TraceLevel, "round %d: [%s, %s)", mgr.scheduler.rounds+1, start, end)
		next := mgr.scheduler.RunRound(start, end)
		more, start, end = mgr.roundFinished(next)
	}
	mgr.scheduler.Finish()

	// every process stops before any host leaves the network
	mgr.withEachHost(mgr.endTime, func(wk *Worker, host *Host) {
		host.stopProcesses(wk)
	})
	mgr.withEachHost(mgr.endTime, func(wk *Worker, host *Host) {
		host.shutdown(wk)
		for ev := host.events.popBefore(SimTimeInvalid); ev != nil; ev = host.events.popBefore(SimTimeInvalid) {
			wk.counters.IncFree(counterEvent)
		}
	})

	if mgr.trace.Active() {
		if err := mgr.trace.WriteToFile(mgr.cfg.TraceFile, true); err != nil {
			return fmt.Errorf("simulation %s: writing trace: %w", mgr.cfg.Name, err)
		}
	}
	mgr.logf(logrus.InfoLevel, "finished after %d rounds, %d events, %d cross-host events; %s",
		mgr.scheduler.rounds, mgr.scheduler.EventsRun(), mgr.Crossings(), mgr.Counters())
	return nil
}
