package hostsim

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/exp/rand"
	"golang.org/x/exp/slices"
)

// first handle given to a descriptor
const firstDescriptorHandle = 3

// Host is one simulated machine.  It owns a loopback and an ethernet interface, the
// sockets its processes open, a CPU, and a random source seeded from the master seed.
// All of a host's state is touched only by the worker running the host's events, except
// its event queue, which other workers push into.
type Host struct {
	id     HostID
	name   string
	desc   HostDesc
	mgr    *Manager
	thread int

	seed   uint64
	random *rand.Rand
	log    *hostLogger
	cpu    *cpu
	tracer *hostTracer

	events   eventQueue
	eventSeq uint64
	now      SimTime

	defaultAddr *Address
	vertex      int
	loopback    *NetworkInterface
	ethernet    *NetworkInterface
	interfaces  map[uint32]*NetworkInterface

	descriptors map[int]Descriptor
	nextHandle  int
	processes   []*Process

	packetID       uint64
	packetPriority uint64

	recvBufferSize int
	sendBufferSize int
	autotuneRecv   bool
	autotuneSend   bool
	congestion     string

	heartbeatInterval SimTime
	heartbeatLevel    logrus.Level
	heartbeatInfo     heartbeatInfo

	booted bool
}

// createHost builds a host from its description.  Nothing is registered anywhere until setup.
func createHost(mgr *Manager, id HostID, hd HostDesc, seed uint64) *Host {
	host := new(Host)
	host.id = id
	host.name = hd.Name
	host.desc = hd
	host.mgr = mgr
	host.seed = seed
	host.random = rand.New(rand.NewSource(seed))
	host.log = createHostLogger(hd.Name, parseLogLevel(hd.LogLevel, mgr.logLevel))
	host.cpu = createCPU(hd.CPUFrequency, 0, SimTime(hd.CPUThreshold)*SimTimeMicrosecond,
		SimTime(hd.CPUPrecision)*SimTimeMicrosecond)
	if mgr.trace != nil {
		host.tracer = &hostTracer{tm: mgr.trace, host: host}
	}
	host.interfaces = make(map[uint32]*NetworkInterface)
	host.descriptors = make(map[int]Descriptor)
	host.nextHandle = firstDescriptorHandle

	host.recvBufferSize = TCPDefaultRecvBuffer
	if hd.SocketRecvBuffer > 0 {
		host.recvBufferSize = hd.SocketRecvBuffer
	}
	host.sendBufferSize = TCPDefaultSendBuffer
	if hd.SocketSendBuffer > 0 {
		host.sendBufferSize = hd.SocketSendBuffer
	}
	host.autotuneRecv = !hd.DisableAutotuneRecv && hd.SocketRecvBuffer == 0
	host.autotuneSend = !hd.DisableAutotuneSend && hd.SocketSendBuffer == 0
	host.congestion = hd.TCPCongestion

	host.heartbeatInterval = SimTimeFromSeconds(hd.HeartbeatInterval)
	host.heartbeatLevel = parseLogLevel(hd.HeartbeatLogLevel, logrus.InfoLevel)
	host.heartbeatInfo = parseHeartbeatInfo(hd.HeartbeatLogInfo)
	return host
}

func (host *Host) ID() HostID                  { return host.id }
func (host *Host) Name() string                { return host.name }
func (host *Host) Address() *Address           { return host.defaultAddr }
func (host *Host) IP() uint32                  { return host.defaultAddr.ipValue }
func (host *Host) Vertex() int                 { return host.vertex }
func (host *Host) Thread() int                 { return host.thread }
func (host *Host) Manager() *Manager           { return host.mgr }
func (host *Host) Random() *rand.Rand          { return host.random }
func (host *Host) Now() SimTime                { return host.now }
func (host *Host) Loopback() *NetworkInterface { return host.loopback }
func (host *Host) Ethernet() *NetworkInterface { return host.ethernet }
func (host *Host) Processes() []*Process       { return host.processes }

// setup registers the host in DNS, attaches it to the topology and builds its interfaces
func (host *Host) setup() error {
	hd := host.desc
	mgr := host.mgr

	addr, err := mgr.dns.Register(host.id, host.name, parseIP(hd.IP))
	if err != nil {
		return err
	}
	host.defaultAddr = addr

	hints := AttachHints{IP: parseIP(hd.IP), CityCode: hd.CityCode, CountryCode: hd.CountryCode,
		GeoCode: hd.GeoCode, Type: hd.Type}
	vertex, err := mgr.topology.Attach(addr, host.random, hints)
	if err != nil {
		mgr.dns.Deregister(addr)
		return fmt.Errorf("host %s: %w", host.name, err)
	}
	host.vertex = vertex

	down, up, _ := mgr.topology.VertexBandwidth(addr)
	if hd.BandwidthDown > 0 {
		down = hd.BandwidthDown
	}
	if hd.BandwidthUp > 0 {
		up = hd.BandwidthUp
	}
	qdisc, err := parseQDisc(hd.QDisc)
	if err != nil {
		return fmt.Errorf("host %s: %w", host.name, err)
	}
	routerQueue, err := parseRouterQueue(hd.RouterQueue)
	if err != nil {
		return fmt.Errorf("host %s: %w", host.name, err)
	}

	host.loopback, err = createNetworkInterface(host, CreateLocalAddress(host.id, host.name),
		interfaceCfg{qdisc: qdisc, pcap: hd.Pcap, pcapDir: hd.PcapDir})
	if err != nil {
		return fmt.Errorf("host %s: %w", host.name, err)
	}
	host.ethernet, err = createNetworkInterface(host, addr, interfaceCfg{
		upKiB:       up,
		downKiB:     down,
		qdisc:       qdisc,
		routerQueue: routerQueue,
		routerBytes: hd.InterfaceBuffer,
		withRouter:  true,
		pcap:        hd.Pcap,
		pcapDir:     hd.PcapDir,
	})
	if err != nil {
		return fmt.Errorf("host %s: %w", host.name, err)
	}
	host.interfaces[LoopbackIP] = host.loopback
	host.interfaces[addr.ipValue] = host.ethernet

	host.log.logf(0, logrus.DebugLevel, "set up at %s on vertex %d, %.0f KiB/s down %.0f KiB/s up",
		addr.ipString, vertex, down, up)
	return nil
}

// boot queues the starts of the host's processes and its heartbeat
func (host *Host) boot(wk *Worker) {
	if host.booted {
		return
	}
	host.booted = true
	host.scheduleProcesses(wk)
	if host.heartbeatInterval > 0 {
		wk.ScheduleTask(NewTask("heartbeat", host.heartbeat, nil), host, host.heartbeatInterval)
	}
}

// stopProcesses stops the processes still running
func (host *Host) stopProcesses(wk *Worker) {
	for _, proc := range host.processes {
		proc.stop(wk, nil)
	}
}

// shutdown takes the host off the network, stopping whatever still runs first
func (host *Host) shutdown(wk *Worker) {
	host.stopProcesses(wk)
	for _, iface := range []*NetworkInterface{host.loopback, host.ethernet} {
		if iface != nil {
			host.log.logf(wk.now, logrus.DebugLevel, "%s sent %d packets %d bytes, received %d packets %d bytes",
				IPString(iface.ip), iface.packetsSent, iface.bytesSent, iface.packetsReceived, iface.bytesReceived)
			iface.close()
		}
	}
	if host.defaultAddr != nil {
		host.mgr.topology.Detach(host.defaultAddr)
		host.mgr.dns.Deregister(host.defaultAddr)
	}
}

func (host *Host) heartbeat(wk *Worker, _ any) {
	if host.heartbeatInfo.node {
		host.log.logf(wk.now, host.heartbeatLevel, "heartbeat: sent %d bytes, received %d bytes, %d descriptors",
			host.ethernet.bytesSent, host.ethernet.bytesReceived, len(host.descriptors))
	}
	if host.heartbeatInfo.socket {
		for _, handle := range host.handles() {
			d := host.descriptors[handle]
			sock := socketOf(d)
			if sock == nil {
				continue
			}
			host.log.logf(wk.now, host.heartbeatLevel, "heartbeat: %s %d input %d/%d output %d/%d",
				d.Type(), handle, sock.inputLength, sock.inputSize, sock.outputLength, sock.outputSize)
		}
	}
	wk.ScheduleTask(NewTask("heartbeat", host.heartbeat, nil), host, host.heartbeatInterval)
}

// ScheduleTask queues a task on the host before the simulation runs, at absolute time at
func (host *Host) ScheduleTask(at SimTime, task *Task) {
	ev := &Event{time: at, task: task, src: host, dst: host, srcSeq: host.nextEventSeq()}
	host.events.push(ev)
	host.mgr.countNew(counterEvent)
}

func (host *Host) nextEventSeq() uint64 {
	host.eventSeq++
	return host.eventSeq
}

// packetTracer returns nil when tracing is off
func (host *Host) packetTracer() packetTracer {
	if host.tracer == nil {
		return nil
	}
	return host.tracer
}

// ChargeCPU accounts native nanoseconds of processing to the host's CPU, and returns the
// simulated time it took
func (host *Host) ChargeCPU(wk *Worker, native SimTime) SimTime {
	return host.cpu.addDelay(wk.now, native)
}

// Interface returns the interface that owns ip, nil if there is none
func (host *Host) Interface(ip uint32) *NetworkInterface {
	return host.interfaceForIP(ip)
}

func (host *Host) interfaceForIP(ip uint32) *NetworkInterface {
	if ip>>24 == 127 {
		return host.loopback
	}
	return host.interfaces[ip]
}

// sourceIPFor picks the local address packets to peer leave from
func (host *Host) sourceIPFor(peer uint32) uint32 {
	if peer>>24 == 127 || host.ethernet == nil {
		return LoopbackIP
	}
	return host.ethernet.ip
}

// createPacket makes a packet owned by this host.  Data packets get increasing
// priorities, so the FIFO discipline sends them in the order they were written; control
// packets go ahead of all of them.
func (host *Host) createPacket(wk *Worker, protocol Protocol, payload []byte, control bool) *Packet {
	host.packetID++
	id := uint64(host.id)<<40 | host.packetID
	var priority uint64
	if !control {
		host.packetPriority++
		priority = host.packetPriority
	}
	pkt := createPacket(id, protocol, payload, priority)
	pkt.tracer = host.packetTracer()
	pkt.AddDeliveryStatus(StatusSndCreated)
	wk.counters.IncNew(counterPacket)
	return pkt
}

// descriptor looks up a handle whether or not the application has closed it
func (host *Host) descriptor(handle int) Descriptor {
	return host.descriptors[handle]
}

func (host *Host) registerDescriptor(d Descriptor) int {
	db := d.base()
	db.handle = host.nextHandle
	host.nextHandle++
	host.descriptors[db.handle] = d
	return db.handle
}

// releaseDescriptor drops a descriptor both the application and the protocol are done with
func (host *Host) releaseDescriptor(wk *Worker, d Descriptor) {
	db := d.base()
	if host.descriptors[db.handle] != d {
		return
	}
	delete(host.descriptors, db.handle)
	db.adjustStatus(wk, DescActive, false)
	// children are counted by their listener
	if tcp, ok := d.(*TCP); !ok || tcp.child == nil {
		wk.counters.IncFree(counterSocket)
	}
}

// disassociate removes a socket's bindings from the interfaces its bound address covers
func (host *Host) disassociate(t transport) {
	sock := t.socket()
	if !sock.isBound {
		return
	}
	for _, iface := range host.bindTargets(sock.boundIP) {
		key := assocKey{protocol: sock.protocol, port: sock.boundPort}
		if iface.assoc[key] == t {
			iface.disassociate(sock.protocol, sock.boundPort, 0, 0)
		}
	}
}

// bindTargets lists the interfaces a bind to ip covers
func (host *Host) bindTargets(ip uint32) []*NetworkInterface {
	if ip == AnyIP {
		return []*NetworkInterface{host.loopback, host.ethernet}
	}
	if iface := host.interfaceForIP(ip); iface != nil {
		return []*NetworkInterface{iface}
	}
	return nil
}

// handles lists the open descriptor handles in order
func (host *Host) handles() []int {
	handles := make([]int, 0, len(host.descriptors))
	for handle := range host.descriptors {
		handles = append(handles, handle)
	}
	slices.Sort(handles)
	return handles
}

func socketOf(d Descriptor) *Socket {
	if t, ok := d.(transport); ok {
		return t.socket()
	}
	return nil
}
