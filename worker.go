package hostsim

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// WorkerState is the phase of the round protocol a worker is in
type WorkerState int

const (
	WorkerWaitForStart WorkerState = iota
	WorkerRunning
	WorkerWaitForFinish
)

func (ws WorkerState) String() string {
	switch ws {
	case WorkerWaitForStart:
		return "wait-for-start"
	case WorkerRunning:
		return "running"
	case WorkerWaitForFinish:
		return "wait-for-finish"
	}
	return "unknown"
}

// object kinds tallied by the worker counters
const (
	counterEvent  = "event"
	counterPacket = "packet"
	counterSocket = "socket"
	counterTask   = "task"
)

type roundWindow struct {
	start, end SimTime
}

// Worker is the execution context of one scheduler thread.  While an event runs, the
// worker knows the current time and the active host and process; all code that needs
// them is handed the worker, and the worker is the only way to schedule new events or
// put a packet on the network.
type Worker struct {
	id    int
	mgr   *Manager
	sched *Scheduler
	state WorkerState

	windowStart SimTime
	windowEnd   SimTime
	now         SimTime

	activeHost    *Host
	activeProcess *Process

	counters  *ObjectCounter
	eventsRun uint64

	startCh chan roundWindow
}

func createWorker(id int, mgr *Manager, sched *Scheduler) *Worker {
	wk := new(Worker)
	wk.id = id
	wk.mgr = mgr
	wk.sched = sched
	wk.state = WorkerWaitForStart
	wk.counters = createObjectCounter()
	wk.startCh = make(chan roundWindow)
	return wk
}

func (wk *Worker) ID() int                 { return wk.id }
func (wk *Worker) Now() SimTime            { return wk.now }
func (wk *Worker) State() WorkerState      { return wk.state }
func (wk *Worker) ActiveHost() *Host       { return wk.activeHost }
func (wk *Worker) ActiveProcess() *Process { return wk.activeProcess }
func (wk *Worker) Manager() *Manager       { return wk.mgr }

// Window returns the bounds of the round being executed
func (wk *Worker) Window() (SimTime, SimTime) {
	return wk.windowStart, wk.windowEnd
}

// run is the body of the worker's goroutine.  Each value received on startCh releases
// one round; the worker drains every host the policy hands it and then reports at the
// barrier.
func (wk *Worker) run() {
	for win := range wk.startCh {
		wk.state = WorkerRunning
		wk.windowStart, wk.windowEnd = win.start, win.end

		for host := wk.sched.policy.NextReadyHost(wk.id); host != nil; host = wk.sched.policy.NextReadyHost(wk.id) {
			wk.runHost(host)
		}

		wk.activeHost = nil
		wk.activeProcess = nil
		wk.state = WorkerWaitForFinish
		wk.sched.barrier.Done()
	}
}

// runHost executes every event of the host that falls inside the window, including the
// ones scheduled by those events
func (wk *Worker) runHost(host *Host) {
	wk.activeHost = host
	for {
		ev := host.events.popBefore(wk.windowEnd)
		if ev == nil {
			break
		}
		wk.runEvent(ev)
	}
	wk.activeHost = nil
}

func (wk *Worker) runEvent(ev *Event) {
	host := ev.dst
	if ev.time < host.now {
		panic(fmt.Errorf("worker %d: event at %s precedes host %s time %s", wk.id, ev.time, host.name, host.now))
	}
	wk.now = ev.time
	host.now = ev.time

	// a busy CPU pushes the event back to when the CPU frees up
	if host.cpu != nil && host.cpu.isBlocked(ev.time) {
		ev.time = host.cpu.availableAt()
		if ev.time < wk.mgr.endTime {
			host.events.push(ev)
		} else {
			wk.counters.IncFree(counterEvent)
		}
		return
	}

	ev.task.execute(wk)
	wk.eventsRun++
	wk.counters.IncFree(counterEvent)
}

// ScheduleTask schedules task to run on dst after delay.  An event for another host never
// lands inside the round being executed: its time is moved up to the round's end, which
// keeps the hosts' causal order intact whatever order the workers run them in.  Events at
// or past the end of the simulation are discarded and false is returned.
func (wk *Worker) ScheduleTask(task *Task, dst *Host, delay SimTime) bool {
	src := wk.activeHost
	if src == nil {
		panic("worker: ScheduleTask called with no active host")
	}
	if dst == nil {
		dst = src
	}

	t := wk.now + delay
	if dst != src && t < wk.windowEnd {
		t = wk.windowEnd
	}
	if t >= wk.mgr.endTime {
		return false
	}

	ev := &Event{time: t, task: task, src: src, dst: dst, srcSeq: src.nextEventSeq()}
	dst.events.push(ev)
	wk.counters.IncNew(counterEvent)
	wk.mgr.noteScheduled(wk, ev)
	return true
}

// SendPacket puts a packet sent by the active host onto the network.  The path's
// reliability decides, with a draw from the sending host's random source, whether the
// packet survives; packets without payload always do, as does everything during the
// bootstrap period.  A survivor is delivered to the destination host's interface after
// the path latency, plus a uniform draw of up to the path jitter when it has one.
func (wk *Worker) SendPacket(pkt *Packet) {
	src := wk.activeHost
	mgr := wk.mgr

	srcAddr := mgr.dns.ResolveIP(pkt.srcIP)
	dstAddr := mgr.dns.ResolveIP(pkt.dstIP)
	if srcAddr == nil || dstAddr == nil {
		src.log.logf(wk.now, logrus.WarnLevel, "dropping packet with unknown address: %s", pkt)
		pkt.AddDeliveryStatus(StatusInetDropped)
		return
	}

	path, routable := mgr.topology.GetPath(srcAddr, dstAddr)
	if !routable {
		src.log.logf(wk.now, logrus.WarnLevel, "dropping packet, no route from %s to %s", srcAddr, dstAddr)
		pkt.AddDeliveryStatus(StatusInetDropped)
		return
	}

	bootstrapping := wk.now < mgr.bootstrapEnd
	if !bootstrapping && pkt.PayloadLength() > 0 {
		if src.random.Float64() > path.Reliability() {
			pkt.AddDeliveryStatus(StatusInetDropped)
			return
		}
	}

	dstHost := mgr.HostByID(dstAddr.hostID)
	if dstHost == nil {
		pkt.AddDeliveryStatus(StatusInetDropped)
		return
	}

	pkt.AddDeliveryStatus(StatusInetSent)
	delivered := pkt.Copy()
	delivered.tracer = dstHost.packetTracer()
	wk.counters.IncNew(counterPacket)

	latency := path.Latency()
	if path.Jitter() > 0 {
		latency += src.random.Float64() * path.Jitter()
	}
	delay := SimTimeFromMillis(latency)
	if wk.ScheduleTask(NewTask("deliver-packet", deliverPacket, delivered), dstHost, delay) {
		path.packets.Add(1)
	}
}

// deliverPacket hands an arriving packet to the interface that owns its destination address
func deliverPacket(wk *Worker, arg any) {
	pkt := arg.(*Packet)
	host := wk.activeHost
	iface := host.interfaceForIP(pkt.dstIP)
	if iface == nil {
		pkt.AddDeliveryStatus(StatusRcvInterfaceDropped)
		return
	}
	iface.packetArrived(wk, pkt)
}

// minNextEventTime is the earliest pending event over the hosts this worker's thread owns
func (wk *Worker) minNextEventTime() SimTime {
	next := SimTimeInvalid
	for _, host := range wk.sched.policy.HostsOf(wk.id) {
		next = minSimTime(next, host.events.nextTime())
	}
	return next
}
