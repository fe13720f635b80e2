package hostsim

import (
	"github.com/sirupsen/logrus"
)

// assocKey identifies the socket an arriving packet belongs to.  A zero peer is the
// wildcard: it matches packets from anyone.
type assocKey struct {
	protocol Protocol
	port     uint16
	peerIP   uint32
	peerPort uint16
}

// NetworkInterface is a host's attachment to one IP.  Outgoing packets are pulled from
// the sockets that want to send, in the order the queueing discipline picks, as fast as
// the send bucket allows.  Incoming packets wait in the router, if the interface has one,
// and are admitted as fast as the receive bucket allows.  The loopback interface has
// neither router nor limits.
type NetworkInterface struct {
	host   *Host
	addr   *Address
	ip     uint32
	router *Router

	sendBucket *tokenBucket
	recvBucket *tokenBucket

	qdisc QDisc
	queue sendQueue
	assoc map[assocKey]transport

	pcap    *pcapWriter
	sending bool

	packetsSent     uint64
	packetsReceived uint64
	bytesSent       uint64
	bytesReceived   uint64
}

// interfaceCfg carries what a host decided about one of its interfaces
type interfaceCfg struct {
	upKiB, downKiB float64
	qdisc          QDisc
	routerQueue    RouterQueue
	routerBytes    int
	withRouter     bool
	pcapDir        string
	pcap           bool
}

func createNetworkInterface(host *Host, addr *Address, cfg interfaceCfg) (*NetworkInterface, error) {
	iface := new(NetworkInterface)
	iface.host = host
	iface.addr = addr
	iface.ip = addr.ipValue
	iface.qdisc = cfg.qdisc
	iface.queue = createSendQueue(cfg.qdisc)
	iface.assoc = make(map[assocKey]transport)

	if cfg.upKiB > 0 {
		iface.sendBucket = createTokenBucket(cfg.upKiB, tokenBucketInterval)
	}
	if cfg.downKiB > 0 {
		iface.recvBucket = createTokenBucket(cfg.downKiB, tokenBucketInterval)
	}
	if cfg.withRouter {
		iface.router = createRouter(iface, cfg.routerQueue, cfg.routerBytes)
	}
	if cfg.pcap {
		pw, err := createPcapWriter(cfg.pcapDir, host.name, iface.ip)
		if err != nil {
			return nil, err
		}
		iface.pcap = pw
	}
	return iface, nil
}

func (iface *NetworkInterface) IP() uint32            { return iface.ip }
func (iface *NetworkInterface) Address() *Address     { return iface.addr }
func (iface *NetworkInterface) Router() *Router       { return iface.router }
func (iface *NetworkInterface) QDisc() QDisc          { return iface.qdisc }
func (iface *NetworkInterface) BytesSent() uint64     { return iface.bytesSent }
func (iface *NetworkInterface) BytesReceived() uint64 { return iface.bytesReceived }

// SendRate and ReceiveRate are the shaping rates in bytes per second, 0 when unshaped
func (iface *NetworkInterface) SendRate() float64 {
	if iface.sendBucket == nil {
		return 0
	}
	return iface.sendBucket.rate()
}

func (iface *NetworkInterface) ReceiveRate() float64 {
	if iface.recvBucket == nil {
		return 0
	}
	return iface.recvBucket.rate()
}

func (iface *NetworkInterface) associate(t transport, protocol Protocol, port uint16, peerIP uint32, peerPort uint16) error {
	key := assocKey{protocol: protocol, port: port, peerIP: peerIP, peerPort: peerPort}
	if _, present := iface.assoc[key]; present {
		return ErrAddrInUse
	}
	iface.assoc[key] = t
	return nil
}

func (iface *NetworkInterface) disassociate(protocol Protocol, port uint16, peerIP uint32, peerPort uint16) {
	delete(iface.assoc, assocKey{protocol: protocol, port: port, peerIP: peerIP, peerPort: peerPort})
}

func (iface *NetworkInterface) isAssociated(protocol Protocol, port uint16, peerIP uint32, peerPort uint16) bool {
	_, present := iface.assoc[assocKey{protocol: protocol, port: port, peerIP: peerIP, peerPort: peerPort}]
	return present
}

// lookup finds the socket for an arriving packet, preferring an exact peer match
func (iface *NetworkInterface) lookup(pkt *Packet) transport {
	if t, present := iface.assoc[assocKey{pkt.protocol, pkt.dstPort, pkt.srcIP, pkt.srcPort}]; present {
		return t
	}
	return iface.assoc[assocKey{protocol: pkt.protocol, port: pkt.dstPort}]
}

// unlimited reports whether the bucket should be ignored: the interface is unshaped,
// or the simulation is still in its bootstrap period
func (iface *NetworkInterface) unlimited(wk *Worker, tb *tokenBucket) bool {
	return tb == nil || wk.now < wk.mgr.bootstrapEnd
}

func (iface *NetworkInterface) scheduleRefill(wk *Worker, tb *tokenBucket, fn TaskFunc) {
	if tb.refillPending || tb.full() {
		return
	}
	tb.refillPending = true
	wk.ScheduleTask(NewTask("bucket-refill", fn, nil), iface.host, tb.interval)
}

func (iface *NetworkInterface) refillSend(wk *Worker, _ any) {
	tb := iface.sendBucket
	tb.refillPending = false
	tb.addTokens()
	iface.sendPackets(wk)
	iface.scheduleRefill(wk, tb, iface.refillSend)
}

func (iface *NetworkInterface) refillReceive(wk *Worker, _ any) {
	tb := iface.recvBucket
	tb.refillPending = false
	tb.addTokens()
	iface.receivePackets(wk)
	iface.scheduleRefill(wk, tb, iface.refillReceive)
}

// wantsSend puts a socket with output on the send queue and tries to send right away
func (iface *NetworkInterface) wantsSend(wk *Worker, t transport) {
	iface.queue.add(t)
	iface.sendPackets(wk)
}

// sendPackets sends from the queued sockets until they run dry or the bucket does
func (iface *NetworkInterface) sendPackets(wk *Worker) {
	if iface.sending {
		return
	}
	iface.sending = true
	defer func() { iface.sending = false }()

	for {
		t := iface.queue.next()
		if t == nil {
			return
		}
		sock := t.socket()
		pkt := sock.peekNextOutPacket()
		if pkt == nil {
			iface.queue.remove(t)
			continue
		}
		if pkt.srcIP != iface.ip {
			// the socket's next packet leaves from a different interface
			iface.queue.remove(t)
			if other := iface.host.interfaceForIP(pkt.srcIP); other != nil && other != iface {
				other.queue.add(t)
				wk.ScheduleTask(NewTask("interface-send", other.sendTask, nil), iface.host, 0)
			}
			continue
		}
		if !iface.unlimited(wk, iface.sendBucket) && !iface.sendBucket.canSend() {
			iface.scheduleRefill(wk, iface.sendBucket, iface.refillSend)
			return
		}

		pkt = sock.pullOutPacket(wk)
		t.aboutToSend(wk, pkt)
		iface.queue.served(t)
		if !iface.unlimited(wk, iface.sendBucket) {
			iface.sendBucket.consume(pkt.TotalSize())
			iface.scheduleRefill(wk, iface.sendBucket, iface.refillSend)
		}
		iface.transmit(wk, pkt)
	}
}

func (iface *NetworkInterface) sendTask(wk *Worker, _ any) {
	iface.sendPackets(wk)
}

// transmit puts a packet on the wire.  A packet addressed to the interface itself, or to
// the loopback address, never reaches the network: it is received back one nanosecond later.
func (iface *NetworkInterface) transmit(wk *Worker, pkt *Packet) {
	iface.packetsSent++
	iface.bytesSent += uint64(pkt.TotalSize())
	iface.capture(wk, pkt)
	pkt.AddDeliveryStatus(StatusSndInterfaceSent)

	if pkt.dstIP == pkt.srcIP || iface.router == nil {
		wk.ScheduleTask(NewTask("local-receive", iface.localReceive, pkt.Copy()), iface.host, SimTimeNanosecond)
		return
	}
	// 127.0.0.1 is never on the network, whichever interface the sender is bound to
	if pkt.dstIP == LoopbackIP {
		lo := iface.host.loopback
		wk.ScheduleTask(NewTask("local-receive", lo.localReceive, pkt.Copy()), iface.host, SimTimeNanosecond)
		return
	}
	wk.SendPacket(pkt)
}

func (iface *NetworkInterface) localReceive(wk *Worker, arg any) {
	iface.receiveOne(wk, arg.(*Packet))
}

func (iface *NetworkInterface) capture(wk *Worker, pkt *Packet) {
	if iface.pcap == nil {
		return
	}
	if err := iface.pcap.writePacket(wk.now, pkt); err != nil {
		iface.host.log.logf(wk.now, logrus.WarnLevel, "pcap write failed on %s: %v", IPString(iface.ip), err)
	}
}

// packetArrived takes a packet delivered by the network.  It waits in the router until
// the receive bucket admits it.
func (iface *NetworkInterface) packetArrived(wk *Worker, pkt *Packet) {
	if iface.router == nil {
		iface.receiveOne(wk, pkt)
		return
	}
	if iface.router.enqueue(wk, pkt) {
		iface.receivePackets(wk)
	}
}

func (iface *NetworkInterface) receivePackets(wk *Worker) {
	for iface.router.peek() != nil {
		if !iface.unlimited(wk, iface.recvBucket) && !iface.recvBucket.canSend() {
			iface.scheduleRefill(wk, iface.recvBucket, iface.refillReceive)
			return
		}
		pkt := iface.router.dequeue(wk)
		if pkt == nil {
			return
		}
		if !iface.unlimited(wk, iface.recvBucket) {
			iface.recvBucket.consume(pkt.TotalSize())
			iface.scheduleRefill(wk, iface.recvBucket, iface.refillReceive)
		}
		iface.receiveOne(wk, pkt)
	}
}

// receiveOne hands an admitted packet to its socket.  A TCP segment nobody listens for
// is answered with a reset.
func (iface *NetworkInterface) receiveOne(wk *Worker, pkt *Packet) {
	iface.packetsReceived++
	iface.bytesReceived += uint64(pkt.TotalSize())
	iface.capture(wk, pkt)
	pkt.AddDeliveryStatus(StatusRcvInterfaceReceived)

	t := iface.lookup(pkt)
	if t == nil {
		pkt.AddDeliveryStatus(StatusRcvInterfaceDropped)
		if pkt.protocol == ProtocolTCP && pkt.tcp != nil && pkt.tcp.Flags&TCPFlagRST == 0 {
			iface.sendReset(wk, pkt)
		}
		return
	}
	t.processPacket(wk, pkt)
}

func (iface *NetworkInterface) sendReset(wk *Worker, pkt *Packet) {
	rst := iface.host.createPacket(wk, ProtocolTCP, nil, true)
	rst.setTCP(TCPFlagRST, pkt.dstIP, pkt.dstPort, pkt.srcIP, pkt.srcPort, 0)
	rst.tcp.Acknowledgment = pkt.tcp.Sequence + 1
	if !iface.unlimited(wk, iface.sendBucket) {
		iface.sendBucket.consume(rst.TotalSize())
		iface.scheduleRefill(wk, iface.sendBucket, iface.refillSend)
	}
	iface.transmit(wk, rst)
}

func (iface *NetworkInterface) close() {
	if err := iface.pcap.close(); err != nil {
		simLogger.Warnf("closing pcap of %s: %v", IPString(iface.ip), err)
	}
	iface.pcap = nil
}
