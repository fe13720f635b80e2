package hostsim

import (
	"fmt"
	"sync"

	"github.com/iti/rngstream"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"
)

// Application is the code a process runs.  Start is called at the process start time
// with the process's host active on the worker; from then on the application acts only
// through the host's socket calls and tasks it schedules.  Stop is called at the stop
// time, if the process has one.
type Application interface {
	Start(wk *Worker, proc *Process) error
	Stop(wk *Worker, proc *Process)
}

// PluginFactory makes a fresh Application for each process that names the plugin
type PluginFactory func() Application

var (
	pluginMu sync.RWMutex
	plugins  = make(map[string]PluginFactory)
)

// rngstream keeps the seed of the next stream in package state that New advances
var rngstreamMu sync.Mutex

// every component of an rngstream seed must be below m2 = 4294944443 and not all zero
const rngSeedModulus = 4294944443 - 1

// createProcessStream makes a named stream whose seed depends only on the host seed and
// the process id, never on how many streams were made before it
func createProcessStream(name string, hostSeedValue uint64, procID int) *rngstream.RngStream {
	rngstreamMu.Lock()
	defer rngstreamMu.Unlock()
	strm := rngstream.New(name)
	procSeed := hostSeed(hostSeedValue, HostID(procID))
	seed := make([]uint64, 6)
	for idx := range seed {
		seed[idx] = 1 + hostSeed(procSeed, HostID(idx+1))%rngSeedModulus
	}
	if !strm.SetSeed(seed) {
		panic(fmt.Errorf("process %s: rejected stream seed %v", name, seed))
	}
	return strm
}

// RegisterPlugin makes an application available to AddApplication under id
func RegisterPlugin(id string, factory PluginFactory) {
	pluginMu.Lock()
	defer pluginMu.Unlock()
	plugins[id] = factory
}

func lookupPlugin(id string) (PluginFactory, bool) {
	pluginMu.RLock()
	defer pluginMu.RUnlock()
	factory, present := plugins[id]
	return factory, present
}

// RegisteredPlugins lists the plugin ids in sorted order
func RegisteredPlugins() []string {
	pluginMu.RLock()
	defer pluginMu.RUnlock()
	ids := make([]string, 0, len(plugins))
	for id := range plugins {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Process is one application instance on a host
type Process struct {
	id       int
	name     string
	host     *Host
	pluginID string
	path     string
	entry    string
	env      []string
	argv     []string

	startTime SimTime
	stopTime  SimTime

	app     Application
	rngstrm *rngstream.RngStream
	running bool
}

func (proc *Process) ID() int                  { return proc.id }
func (proc *Process) Name() string             { return proc.name }
func (proc *Process) Host() *Host              { return proc.host }
func (proc *Process) PluginID() string         { return proc.pluginID }
func (proc *Process) ExecutablePath() string   { return proc.path }
func (proc *Process) EntrySymbol() string      { return proc.entry }
func (proc *Process) Env() []string            { return proc.env }
func (proc *Process) Argv() []string           { return proc.argv }
func (proc *Process) Running() bool            { return proc.running }
func (proc *Process) Application() Application { return proc.app }

// Rng is the process's own random stream
func (proc *Process) Rng() *rngstream.RngStream { return proc.rngstrm }

// Logf writes to the host's log with the process name attached
func (proc *Process) Logf(wk *Worker, lvl logrus.Level, format string, args ...any) {
	proc.host.log.logf(wk.now, lvl, proc.name+": "+format, args...)
}

func (proc *Process) start(wk *Worker, _ any) {
	prev := wk.activeProcess
	wk.activeProcess = proc
	defer func() { wk.activeProcess = prev }()

	proc.running = true
	proc.host.log.logf(wk.now, logrus.InfoLevel, "starting process %s (%s)", proc.name, proc.pluginID)
	if err := proc.app.Start(wk, proc); err != nil {
		proc.running = false
		proc.host.log.logf(wk.now, logrus.WarnLevel, "process %s failed to start: %v", proc.name, err)
	}
}

func (proc *Process) stop(wk *Worker, _ any) {
	if !proc.running {
		return
	}
	prev := wk.activeProcess
	wk.activeProcess = proc
	defer func() { wk.activeProcess = prev }()

	proc.app.Stop(wk, proc)
	proc.running = false
	proc.host.log.logf(wk.now, logrus.InfoLevel, "stopped process %s", proc.name)
}

// AddApplication schedules a process to run on the host from startTime until stopTime.
// A zero stopTime, or one not after startTime, means the process runs until the end.
// Processes are added at configuration time, before the simulation runs.
func (host *Host) AddApplication(startTime, stopTime SimTime, pluginID, executablePath, entrySymbol string,
	env, argv []string) (*Process, error) {
	factory, present := lookupPlugin(pluginID)
	if !present {
		return nil, fmt.Errorf("host %s: unknown plugin %q", host.name, pluginID)
	}
	proc := new(Process)
	proc.id = len(host.processes) + 1
	proc.name = fmt.Sprintf("%s.%s.%d", host.name, pluginID, proc.id)
	proc.host = host
	proc.pluginID = pluginID
	proc.path = executablePath
	proc.entry = entrySymbol
	proc.env = append([]string(nil), env...)
	proc.argv = append([]string(nil), argv...)
	proc.startTime = startTime
	proc.stopTime = stopTime
	proc.app = factory()
	proc.rngstrm = createProcessStream(proc.name, host.seed, proc.id)
	host.processes = append(host.processes, proc)
	return proc, nil
}

// scheduleProcesses queues the start and stop of every process
func (host *Host) scheduleProcesses(wk *Worker) {
	for _, proc := range host.processes {
		start := maxSimTime(proc.startTime, wk.now)
		wk.ScheduleTask(NewTask("process-start", proc.start, nil), host, start-wk.now)
		if proc.stopTime > proc.startTime {
			wk.ScheduleTask(NewTask("process-stop", proc.stop, nil), host, proc.stopTime-wk.now)
		}
	}
}
