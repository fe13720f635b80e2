package hostsim

import (
	"github.com/sirupsen/logrus"
	"github.com/unixpickle/essentials"
	"golang.org/x/exp/slices"
)

// largest accept backlog a listener may ask for
const tcpMaxBacklog = 128

// tcpServer is the listening side of a TCP socket.  It owns the connections it spawns,
// keyed by the peer's address and port, and queues the established ones the application
// has not accepted yet.
type tcpServer struct {
	backlog  int
	children map[uint64]*TCP
	pending  []*TCP
}

// tcpChild is a connection spawned by a listener.  It refers to its parent by descriptor
// handle, never by pointer, and knows its own key in the parent's table.
type tcpChild struct {
	parentHandle int
	key          uint64
	accepted     bool
}

func childKey(ip uint32, port uint16) uint64 {
	return uint64(ip)<<16 | uint64(port)
}

// listen turns a bound socket into a listener
func (tcp *TCP) listen(wk *Worker, backlog int) error {
	if backlog <= 0 || backlog > tcpMaxBacklog {
		backlog = tcpMaxBacklog
	}
	if tcp.server != nil && tcp.state == TCPStateListen {
		tcp.server.backlog = backlog
		return nil
	}
	if tcp.state != TCPStateClosed || tcp.connectAttempted || tcp.child != nil {
		return ErrInvalid
	}
	tcp.server = &tcpServer{backlog: backlog, children: make(map[uint64]*TCP)}
	tcp.setState(wk, TCPStateListen)
	tcp.updateStatus(wk)
	return nil
}

// parent returns the listener a child belongs to, nil if it is gone
func (tcp *TCP) parent() *TCP {
	if tcp.child == nil {
		return nil
	}
	d := tcp.host.descriptor(tcp.child.parentHandle)
	parent, ok := d.(*TCP)
	if !ok || parent.server == nil {
		return nil
	}
	return parent
}

// serverProcessPacket hands a segment to the child connection it belongs to.  A SYN
// from a new peer spawns a child, unless the listener is closed or its backlog is full.
func (tcp *TCP) serverProcessPacket(wk *Worker, pkt *Packet) {
	srv := tcp.server
	hdr := pkt.tcp
	if hdr == nil {
		pkt.AddDeliveryStatus(StatusRcvSocketDropped)
		return
	}
	key := childKey(pkt.srcIP, pkt.srcPort)
	if child, present := srv.children[key]; present {
		child.processPacket(wk, pkt)
		return
	}
	if tcp.state != TCPStateListen || hdr.Flags&(TCPFlagSYN|TCPFlagACK|TCPFlagRST) != TCPFlagSYN {
		pkt.AddDeliveryStatus(StatusRcvSocketDropped)
		return
	}
	if len(srv.pending) >= srv.backlog {
		tcp.host.log.logf(wk.now, logrus.DebugLevel, "listener on port %d has a full backlog, dropping SYN from %s:%d",
			tcp.boundPort, IPString(pkt.srcIP), pkt.srcPort)
		pkt.AddDeliveryStatus(StatusRcvSocketDropped)
		return
	}
	pkt.AddDeliveryStatus(StatusRcvSocketProcessed)

	child := createTCP(tcp.host, 0, tcp.inputSize, tcp.outputSize, tcp.congName, tcp.autotune.recv, tcp.autotune.send)
	child.child = &tcpChild{parentHandle: tcp.handle, key: key}
	child.setBound(pkt.dstIP, tcp.boundPort)
	child.setPeer(pkt.srcIP, pkt.srcPort)
	srv.children[key] = child
	wk.counters.IncNew(counterSocket)

	child.receive.lastTimestamp = hdr.TimestampValue
	child.receive.next = hdr.Sequence + 1
	child.send.window = max(hdr.Window, 1)
	child.setState(wk, TCPStateSynReceived)
	child.queueSegment(wk, TCPFlagSYN|TCPFlagACK, nil)
	child.flush(wk)
}

// childEstablished queues a child that finished its handshake for accept, or resets it
// if the listener has gone or has no room
func (tcp *TCP) childEstablished(wk *Worker) {
	if tcp.child == nil {
		return
	}
	parent := tcp.parent()
	if parent == nil || parent.state != TCPStateListen || len(parent.server.pending) >= parent.server.backlog {
		tcp.sendControl(wk, TCPFlagRST)
		tcp.enterClosed(wk)
		return
	}
	parent.server.pending = append(parent.server.pending, tcp)
	parent.updateStatus(wk)
}

// accept hands the oldest established child to the application
func (tcp *TCP) accept(wk *Worker) (*TCP, error) {
	if tcp.server == nil || tcp.state != TCPStateListen {
		return nil, ErrInvalid
	}
	srv := tcp.server
	if len(srv.pending) == 0 {
		return nil, ErrWouldBlock
	}
	child := srv.pending[0]
	essentials.OrderedDelete(&srv.pending, 0)
	child.child.accepted = true
	tcp.host.registerDescriptor(child)
	tcp.updateStatus(wk)
	child.updateStatus(wk)
	return child, nil
}

// leaveParent removes a closed child from its listener.  A listener the application has
// closed goes away with its last child.
func (tcp *TCP) leaveParent(wk *Worker) {
	parent := tcp.parent()
	if parent == nil {
		return
	}
	srv := parent.server
	if srv.children[tcp.child.key] == tcp {
		delete(srv.children, tcp.child.key)
		wk.counters.IncFree(counterSocket)
	}
	for idx, p := range srv.pending {
		if p == tcp {
			essentials.OrderedDelete(&srv.pending, idx)
			break
		}
	}
	parent.updateStatus(wk)
	if parent.state == TCPStateClosed && len(srv.children) == 0 {
		parent.host.disassociate(parent)
		parent.releaseIfDone(wk)
	}
}

// closeServer stops listening.  Children the application never accepted are reset;
// accepted ones carry on, and the listener lingers until the last of them closes.
func (tcp *TCP) closeServer(wk *Worker) {
	srv := tcp.server
	var keys []uint64
	for key, child := range srv.children {
		if !child.child.accepted {
			keys = append(keys, key)
		}
	}
	slices.Sort(keys)
	srv.pending = nil
	for _, key := range keys {
		child := srv.children[key]
		child.sendControl(wk, TCPFlagRST)
		child.enterClosed(wk)
	}
	tcp.enterClosed(wk)
}
