package hostsim

import (
	"container/heap"

	"github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"
)

// TCPState is a state of the TCP connection state machine
type TCPState int

const (
	TCPStateClosed TCPState = iota
	TCPStateListen
	TCPStateSynSent
	TCPStateSynReceived
	TCPStateEstablished
	TCPStateFinWait1
	TCPStateFinWait2
	TCPStateClosing
	TCPStateTimeWait
	TCPStateCloseWait
	TCPStateLastAck
)

var tcpStateNames = []string{"CLOSED", "LISTEN", "SYN_SENT", "SYN_RECEIVED", "ESTABLISHED",
	"FIN_WAIT_1", "FIN_WAIT_2", "CLOSING", "TIME_WAIT", "CLOSE_WAIT", "LAST_ACK"}

func (ts TCPState) String() string {
	if int(ts) < len(tcpStateNames) {
		return tcpStateNames[ts]
	}
	return "UNKNOWN"
}

// ConnectStatus is the outcome of a connection attempt as seen by a polling application
type ConnectStatus int

const (
	ConnectNotAttempted ConnectStatus = iota
	ConnectInProgress
	ConnectEstablishedNotSignaled
	ConnectEstablishedSignaled
	ConnectReset
	ConnectRefused
	ConnectNotConnected
)

// Err is the error a repeated connect call reports for the status
func (cs ConnectStatus) Err() error {
	switch cs {
	case ConnectInProgress:
		return ErrAlready
	case ConnectEstablishedNotSignaled:
		return nil
	case ConnectEstablishedSignaled:
		return ErrIsConnected
	case ConnectReset:
		return ErrConnReset
	case ConnectRefused:
		return ErrConnRefused
	}
	return ErrNotConnected
}

type tcpError int

const (
	tcpErrNone tcpError = iota
	tcpErrReset
	tcpErrRefused
)

// ShutdownHow selects the direction Shutdown closes
type ShutdownHow int

const (
	ShutRead ShutdownHow = iota
	ShutWrite
	ShutReadWrite
)

const (
	tcpTimeWaitDelay      = 60 * SimTimeSecond
	tcpChildTimeWaitDelay = 1 * SimTimeSecond

	TCPDefaultRecvBuffer = 174760
	TCPDefaultSendBuffer = 131072
	tcpMinBuffer         = 16384
	tcpMaxRecvBuffer     = 6291456
	tcpMaxSendBuffer     = 4194304
	tcpAutotuneMaxFactor = 2
)

// seqHeap orders packets by sequence number
type seqHeap []*Packet

func (sh seqHeap) Len() int           { return len(sh) }
func (sh seqHeap) Less(i, j int) bool { return sh[i].tcp.Sequence < sh[j].tcp.Sequence }
func (sh seqHeap) Swap(i, j int)      { sh[i], sh[j] = sh[j], sh[i] }

func (sh *seqHeap) Push(x any) {
	*sh = append(*sh, x.(*Packet))
}

func (sh *seqHeap) Pop() any {
	old := *sh
	n := len(old)
	pkt := old[n-1]
	old[n-1] = nil
	*sh = old[:n-1]
	return pkt
}

type tcpSendState struct {
	unacked uint32
	next    uint32
	window  uint32
}

type tcpReceiveState struct {
	next           uint32
	lastAdvertised uint32
	lastTimestamp  SimTime
}

type tcpAutotune struct {
	recv, send  bool
	bytesCopied int
	lastAdjust  SimTime
}

// TCP is a stream socket.  Sequence numbers count segments: the SYN takes sequence 0,
// data starts at 1, and a FIN takes one sequence number like a data segment.  Segments
// written by the application wait in the throttled queue until the send window admits
// them into the socket's output buffer; the interface later pulls them from there and,
// at that moment, they enter the retransmit queue.  Segments arriving out of order wait
// in the unordered queue until the gap before them fills.
type TCP struct {
	Socket
	state     TCPState
	prevState TCPState
	err       tcpError

	connectAttempted bool
	everEstablished  bool
	connectSignaled  bool
	eofSignaled      bool
	readClosed       bool
	writeClosed      bool
	finPending       bool
	finSent          bool
	finSeq           uint32
	finReceived      bool

	send    tcpSendState
	receive tcpReceiveState

	throttled       seqHeap
	throttledLength int
	unordered       seqHeap
	unorderedSeqs   map[uint32]bool
	retransmit      map[uint32]*Packet
	lost            map[uint32]bool
	sacked          map[uint32]bool
	resent          map[uint32]bool
	dupAcks         int

	timer    tcpRetransmitTimer
	rtt      tcpRTT
	cong     congestionControl
	congName string
	autotune tcpAutotune

	server  *tcpServer
	child   *tcpChild
	partial []byte
}

func createTCP(host *Host, handle int, recvSize, sendSize int, congName string, autotuneRecv, autotuneSend bool) *TCP {
	tcp := new(TCP)
	tcp.initSocket(host, handle, DescriptorTCP, ProtocolTCP, tcp, recvSize, sendSize)
	tcp.unorderedSeqs = make(map[uint32]bool)
	tcp.retransmit = make(map[uint32]*Packet)
	tcp.lost = make(map[uint32]bool)
	tcp.sacked = make(map[uint32]bool)
	tcp.resent = make(map[uint32]bool)
	tcp.rtt.reset()
	cong, err := createCongestionControl(congName)
	if err != nil {
		host.log.logf(0, logrus.WarnLevel, "%v, using reno", err)
		cong = createReno()
	}
	tcp.cong = cong
	tcp.congName = cong.name()
	tcp.send.window = tcpInitialCongestionWindow
	tcp.autotune.recv = autotuneRecv
	tcp.autotune.send = autotuneSend
	return tcp
}

func (tcp *TCP) State() TCPState { return tcp.state }
func (tcp *TCP) IsServer() bool  { return tcp.server != nil }

// CongestionWindow is the current congestion window in packets
func (tcp *TCP) CongestionWindow() uint32 { return tcp.cong.window() }

func (tcp *TCP) RTO() SimTime { return tcp.rtt.rto }

func (tcp *TCP) setState(wk *Worker, state TCPState) {
	tcp.prevState = tcp.state
	tcp.state = state
	tcp.host.log.logf(wk.now, logrus.TraceLevel, "tcp %s:%d -> %s:%d %s -> %s",
		IPString(tcp.boundIP), tcp.boundPort, IPString(tcp.peerIP), tcp.peerPort, tcp.prevState, state)
}

// ConnectStatus distinguishes the outcomes a polling application may need to tell apart
func (tcp *TCP) ConnectStatus() ConnectStatus {
	switch {
	case tcp.err == tcpErrRefused:
		return ConnectRefused
	case tcp.err == tcpErrReset:
		return ConnectReset
	case tcp.state == TCPStateSynSent || tcp.state == TCPStateSynReceived:
		return ConnectInProgress
	case tcp.everEstablished && tcp.connectSignaled:
		return ConnectEstablishedSignaled
	case tcp.everEstablished:
		return ConnectEstablishedNotSignaled
	case !tcp.connectAttempted:
		return ConnectNotAttempted
	}
	return ConnectNotConnected
}

// advertisedWindow is the room in the input buffer, in segments, never less than one
func (tcp *TCP) advertisedWindow() uint32 {
	w := uint32(tcp.inputBufferSpace() / TCPMaxSegmentSize)
	if w < 1 {
		w = 1
	}
	return w
}

// sendWindow is how many segments past the oldest unacknowledged one may be in flight
func (tcp *TCP) sendWindow() uint32 {
	w := min(tcp.cong.window(), tcp.send.window)
	if w < 1 {
		w = 1
	}
	return w
}

func (tcp *TCP) canSendData() bool {
	return (tcp.state == TCPStateEstablished || tcp.state == TCPStateCloseWait) && !tcp.writeClosed
}

func (tcp *TCP) updateStatus(wk *Worker) {
	readable := len(tcp.input) > 0 || len(tcp.partial) > 0 || tcp.finReceived || tcp.err != tcpErrNone
	if tcp.server != nil {
		readable = len(tcp.server.pending) > 0
	}
	writable := tcp.err != tcpErrNone ||
		(tcp.canSendData() && tcp.outputBufferSpace()-tcp.throttledLength > 0)

	tcp.adjustStatus(wk, DescReadable, readable)
	tcp.adjustStatus(wk, DescWritable, writable)
}

// sendControl queues a segment that takes no sequence number: an ACK, possibly a
// duplicate one listing the segments held out of order, or a RST
func (tcp *TCP) sendControl(wk *Worker, flags TCPFlags) {
	if flags&TCPFlagACK != 0 && len(tcp.unordered) > 0 && tcp.unordered[0].tcp.Sequence > tcp.receive.next {
		flags |= TCPFlagDupACK | TCPFlagSACK
	}
	pkt := tcp.host.createPacket(wk, ProtocolTCP, nil, true)
	pkt.setTCP(flags, tcp.sourceIP(), tcp.boundPort, tcp.peerIP, tcp.peerPort, 0)
	if flags&TCPFlagSACK != 0 {
		pkt.tcp.SelectiveACKs = tcp.sackList()
	}
	tcp.stampHeader(wk, pkt)
	tcp.addToOutputBuffer(wk, pkt)
}

func (tcp *TCP) sackList() []uint32 {
	seqs := make([]uint32, 0, len(tcp.unorderedSeqs))
	for seq := range tcp.unorderedSeqs {
		seqs = append(seqs, seq)
	}
	slices.Sort(seqs)
	return seqs
}

// queueSegment gives a SYN, FIN or data segment the next sequence number and parks it in
// the throttled queue
func (tcp *TCP) queueSegment(wk *Worker, flags TCPFlags, payload []byte) {
	pkt := tcp.host.createPacket(wk, ProtocolTCP, payload, len(payload) == 0)
	pkt.setTCP(flags, tcp.sourceIP(), tcp.boundPort, tcp.peerIP, tcp.peerPort, tcp.send.next)
	tcp.send.next++
	heap.Push(&tcp.throttled, pkt)
	tcp.throttledLength += pkt.PayloadLength()
	pkt.AddDeliveryStatus(StatusSndTCPEnqueueThrottled)
}

// stampHeader fills in the fields that describe the receive side at the moment of sending
func (tcp *TCP) stampHeader(wk *Worker, pkt *Packet) {
	hdr := pkt.tcp
	if tcp.state != TCPStateSynSent {
		hdr.Acknowledgment = tcp.receive.next
	}
	hdr.Window = tcp.advertisedWindow()
	tcp.receive.lastAdvertised = hdr.Window
	hdr.TimestampValue = wk.now
	hdr.TimestampEcho = tcp.receive.lastTimestamp
}

// flush moves the connection forward: lost segments are queued again, segments the send
// window admits go to the output buffer, the in-order prefix of what arrived goes to the
// input buffer, a deferred FIN is sent once all data has left, and the status bits and
// retransmit timer are brought up to date
func (tcp *TCP) flush(wk *Worker) {
	if tcp.state == TCPStateClosed || tcp.state == TCPStateListen {
		tcp.updateStatus(wk)
		return
	}

	if len(tcp.lost) > 0 {
		seqs := make([]uint32, 0, len(tcp.lost))
		for seq := range tcp.lost {
			seqs = append(seqs, seq)
		}
		slices.Sort(seqs)
		for _, seq := range seqs {
			delete(tcp.lost, seq)
			pkt, present := tcp.retransmit[seq]
			if !present {
				continue
			}
			delete(tcp.retransmit, seq)
			pkt.AddDeliveryStatus(StatusSndTCPDequeueRetransmit)
			tcp.resent[seq] = true
			heap.Push(&tcp.throttled, pkt)
			tcp.throttledLength += pkt.PayloadLength()
		}
	}

	if tcp.finPending && len(tcp.throttled) == 0 && len(tcp.outputData) == 0 {
		tcp.finPending = false
		tcp.finSeq = tcp.send.next
		tcp.finSent = true
		tcp.queueSegment(wk, TCPFlagFIN|TCPFlagACK, nil)
	}

	window := tcp.sendWindow()
	for len(tcp.throttled) > 0 {
		pkt := tcp.throttled[0]
		seq := pkt.tcp.Sequence
		if seq < tcp.send.unacked {
			heap.Pop(&tcp.throttled)
			tcp.throttledLength -= pkt.PayloadLength()
			continue
		}
		if seq >= tcp.send.unacked+window || pkt.PayloadLength() > tcp.outputBufferSpace() {
			break
		}
		heap.Pop(&tcp.throttled)
		tcp.throttledLength -= pkt.PayloadLength()
		tcp.addToOutputBuffer(wk, pkt)
	}

	tcp.drainUnordered(wk)
	tcp.updateStatus(wk)
	if len(tcp.retransmit) > 0 && tcp.timer.desired == 0 {
		tcp.setRetransmitTimer(wk, wk.now+tcp.rtt.rto)
	}
}

// drainUnordered moves the segments that continue the in-order stream into the input buffer
func (tcp *TCP) drainUnordered(wk *Worker) {
	for len(tcp.unordered) > 0 {
		pkt := tcp.unordered[0]
		seq := pkt.tcp.Sequence
		if seq < tcp.receive.next {
			heap.Pop(&tcp.unordered)
			delete(tcp.unorderedSeqs, seq)
			continue
		}
		if seq != tcp.receive.next {
			return
		}
		if pkt.tcp.Flags&TCPFlagFIN != 0 {
			heap.Pop(&tcp.unordered)
			delete(tcp.unorderedSeqs, seq)
			tcp.receive.next++
			tcp.processFIN(wk)
			continue
		}
		if tcp.readClosed {
			heap.Pop(&tcp.unordered)
			delete(tcp.unorderedSeqs, seq)
			tcp.receive.next++
			pkt.AddDeliveryStatus(StatusRcvSocketDropped)
			continue
		}
		if !tcp.addToInputBuffer(wk, pkt) {
			return
		}
		heap.Pop(&tcp.unordered)
		delete(tcp.unorderedSeqs, seq)
		tcp.receive.next++
	}
}

func (tcp *TCP) processFIN(wk *Worker) {
	tcp.finReceived = true
	switch tcp.state {
	case TCPStateSynReceived, TCPStateEstablished:
		tcp.setState(wk, TCPStateCloseWait)
	case TCPStateFinWait1:
		tcp.setState(wk, TCPStateClosing)
	case TCPStateFinWait2:
		tcp.enterTimeWait(wk)
	}
	tcp.updateStatus(wk)
}

// processPacket handles a segment delivered to this socket by the interface, or by the
// listening socket it belongs to
func (tcp *TCP) processPacket(wk *Worker, pkt *Packet) {
	if tcp.server != nil {
		tcp.serverProcessPacket(wk, pkt)
		return
	}
	hdr := pkt.tcp
	if hdr == nil || tcp.state == TCPStateClosed || tcp.state == TCPStateListen {
		pkt.AddDeliveryStatus(StatusRcvSocketDropped)
		return
	}
	pkt.AddDeliveryStatus(StatusRcvSocketProcessed)
	tcp.receive.lastTimestamp = hdr.TimestampValue

	if hdr.Flags&TCPFlagRST != 0 {
		tcp.processReset(wk)
		return
	}

	if tcp.state == TCPStateSynSent {
		if hdr.Flags&(TCPFlagSYN|TCPFlagACK) != TCPFlagSYN|TCPFlagACK || hdr.Acknowledgment != tcp.send.next {
			pkt.AddDeliveryStatus(StatusRcvSocketDropped)
			return
		}
		tcp.receive.next = hdr.Sequence + 1
		tcp.processAck(wk, hdr)
		tcp.send.window = max(hdr.Window, 1)
		tcp.setState(wk, TCPStateEstablished)
		tcp.established(wk)
		tcp.flush(wk)
		tcp.sendControl(wk, TCPFlagACK)
		return
	}

	if hdr.Flags&TCPFlagACK != 0 {
		tcp.send.window = max(hdr.Window, 1)
		tcp.processAck(wk, hdr)
		if tcp.state == TCPStateSynReceived && tcp.send.unacked > 0 {
			tcp.setState(wk, TCPStateEstablished)
			tcp.established(wk)
			tcp.childEstablished(wk)
		}
		if tcp.state == TCPStateClosed {
			return
		}
	}

	needAck := false
	if pkt.PayloadLength() > 0 || hdr.Flags&(TCPFlagFIN|TCPFlagSYN) != 0 {
		tcp.processSegment(pkt)
		needAck = true
	}
	tcp.flush(wk)
	if needAck && tcp.state != TCPStateClosed {
		tcp.sendControl(wk, TCPFlagACK)
	}
}

// processSegment files an arriving SYN, FIN or data segment.  Segments already received,
// or beyond the window, are dropped; either way the sender is owed an acknowledgment.
func (tcp *TCP) processSegment(pkt *Packet) {
	seq := pkt.tcp.Sequence
	window := max(tcp.receive.lastAdvertised, tcp.advertisedWindow())
	switch {
	case seq < tcp.receive.next:
		pkt.AddDeliveryStatus(StatusRcvSocketDropped)
	case seq >= tcp.receive.next+window:
		pkt.AddDeliveryStatus(StatusRcvSocketDropped)
	case tcp.unorderedSeqs[seq]:
		pkt.AddDeliveryStatus(StatusRcvSocketDropped)
	case pkt.tcp.Flags&TCPFlagSYN != 0:
		pkt.AddDeliveryStatus(StatusRcvSocketDropped)
	default:
		tcp.unorderedSeqs[seq] = true
		heap.Push(&tcp.unordered, pkt)
		if seq != tcp.receive.next {
			pkt.AddDeliveryStatus(StatusRcvTCPEnqueueUnordered)
		}
	}
}

// processAck applies an acknowledgment.  It is valid if it covers more than was
// acknowledged before and no more than was sent.  A duplicate carries the segments the
// peer holds out of order; the third in a row triggers fast retransmit.
func (tcp *TCP) processAck(wk *Worker, hdr *TCPHeader) {
	ack := hdr.Acknowledgment
	if ack > tcp.send.unacked && ack <= tcp.send.next {
		nAcked := ack - tcp.send.unacked
		for seq := range tcp.retransmit {
			if seq < ack {
				delete(tcp.retransmit, seq)
			}
		}
		for _, set := range []map[uint32]bool{tcp.lost, tcp.sacked, tcp.resent} {
			for seq := range set {
				if seq < ack {
					delete(set, seq)
				}
			}
		}
		tcp.send.unacked = ack
		tcp.dupAcks = 0

		if tcp.rtt.backoffs >= 3 {
			tcp.rtt.reset()
		}
		tcp.rtt.backoffs = 0
		if hdr.TimestampEcho > 0 && wk.now >= hdr.TimestampEcho {
			tcp.rtt.sample(wk.now - hdr.TimestampEcho)
		}
		tcp.cong.newAck(nAcked)
		tcp.autotuneSend(wk)

		if len(tcp.retransmit) == 0 {
			tcp.timer.desired = 0
		} else {
			tcp.setRetransmitTimer(wk, wk.now+tcp.rtt.rto)
		}
		if tcp.finSent && ack > tcp.finSeq {
			tcp.finAcked(wk)
		}
		return
	}

	if ack == tcp.send.unacked && hdr.Flags&TCPFlagDupACK != 0 && tcp.send.next > tcp.send.unacked {
		for _, seq := range hdr.SelectiveACKs {
			if seq >= tcp.send.unacked {
				tcp.sacked[seq] = true
			}
		}
		tcp.dupAcks++
		tcp.cong.duplicateAck(tcp.dupAcks)
		if tcp.dupAcks == 3 {
			tcp.fastRetransmit(wk)
		}
	}
}

func (tcp *TCP) finAcked(wk *Worker) {
	switch tcp.state {
	case TCPStateFinWait1:
		tcp.setState(wk, TCPStateFinWait2)
	case TCPStateClosing:
		tcp.enterTimeWait(wk)
	case TCPStateLastAck:
		tcp.enterClosed(wk)
	}
}

func (tcp *TCP) processReset(wk *Worker) {
	switch tcp.state {
	case TCPStateClosed, TCPStateListen:
		return
	case TCPStateSynSent:
		tcp.err = tcpErrRefused
	default:
		tcp.err = tcpErrReset
	}
	tcp.host.log.logf(wk.now, logrus.DebugLevel, "tcp %s:%d reset by %s:%d in %s",
		IPString(tcp.boundIP), tcp.boundPort, IPString(tcp.peerIP), tcp.peerPort, tcp.state)
	tcp.enterClosed(wk)
}

// established runs once the handshake completes
func (tcp *TCP) established(wk *Worker) {
	tcp.everEstablished = true
	tcp.autotuneInit(wk)
	tcp.updateStatus(wk)
}

func (tcp *TCP) enterTimeWait(wk *Worker) {
	tcp.setState(wk, TCPStateTimeWait)
	delay := tcpTimeWaitDelay
	if tcp.child != nil {
		delay = tcpChildTimeWaitDelay
	}
	wk.ScheduleTask(NewTask("tcp-timewait", tcp.timeWaitExpired, nil), nil, delay)
}

func (tcp *TCP) timeWaitExpired(wk *Worker, _ any) {
	if tcp.state == TCPStateTimeWait {
		tcp.enterClosed(wk)
	}
}

// enterClosed ends the connection.  Queued control segments (a final ACK or a RST) still
// go out; everything else is discarded.  A server's child leaves its parent, which may
// let the parent go too.
func (tcp *TCP) enterClosed(wk *Worker) {
	if tcp.state == TCPStateClosed {
		return
	}
	tcp.setState(wk, TCPStateClosed)
	tcp.timer.desired = 0
	tcp.finPending = false
	tcp.adjustStatus(wk, DescClosed, true)

	tcp.throttled = nil
	tcp.throttledLength = 0
	tcp.unordered = nil
	clear(tcp.unorderedSeqs)
	clear(tcp.retransmit)
	clear(tcp.lost)
	clear(tcp.sacked)
	clear(tcp.resent)
	for _, pkt := range tcp.outputData {
		tcp.outputLength -= pkt.PayloadLength()
	}
	tcp.outputData = nil
	tcp.drainedOutput()

	if tcp.child != nil {
		tcp.leaveParent(wk)
	} else if tcp.server == nil || len(tcp.server.children) == 0 {
		tcp.host.disassociate(tcp)
	}
	tcp.updateStatus(wk)
	tcp.releaseIfDone(wk)
}

// releaseIfDone frees the descriptor once both the application and the protocol are done with it
func (tcp *TCP) releaseIfDone(wk *Worker) {
	if tcp.state != TCPStateClosed || !tcp.userClosed {
		return
	}
	if tcp.server != nil && len(tcp.server.children) > 0 {
		return
	}
	tcp.host.releaseDescriptor(wk, tcp)
}

// connect starts the handshake.  The socket must already be bound.
func (tcp *TCP) connect(wk *Worker, ip uint32, port uint16) error {
	if tcp.connectAttempted || tcp.state != TCPStateClosed {
		if tcp.server != nil {
			return ErrInvalid
		}
		status := tcp.ConnectStatus()
		if status == ConnectEstablishedNotSignaled {
			tcp.connectSignaled = true
		}
		return status.Err()
	}
	tcp.connectAttempted = true
	tcp.setPeer(ip, port)
	tcp.setState(wk, TCPStateSynSent)
	tcp.queueSegment(wk, TCPFlagSYN, nil)
	tcp.flush(wk)
	return ErrInProgress
}

// sendUserData segments as much of data as the buffers have room for
func (tcp *TCP) sendUserData(wk *Worker, data []byte) (int, error) {
	switch {
	case tcp.err == tcpErrReset:
		return 0, ErrConnReset
	case tcp.err == tcpErrRefused:
		return 0, ErrConnRefused
	case tcp.writeClosed:
		return 0, ErrPipe
	case tcp.state == TCPStateSynSent || tcp.state == TCPStateSynReceived:
		return 0, ErrWouldBlock
	case !tcp.canSendData():
		if tcp.everEstablished {
			return 0, ErrPipe
		}
		return 0, ErrNotConnected
	}

	space := tcp.outputBufferSpace() - tcp.throttledLength
	if space <= 0 {
		tcp.updateStatus(wk)
		return 0, ErrWouldBlock
	}
	n := min(len(data), space)
	for off := 0; off < n; off += TCPMaxSegmentSize {
		end := min(off+TCPMaxSegmentSize, n)
		tcp.queueSegment(wk, TCPFlagACK, data[off:end])
	}
	tcp.flush(wk)
	return n, nil
}

// receiveUserData copies in-order bytes into buf.  Zero bytes with no error is end of
// stream.
func (tcp *TCP) receiveUserData(wk *Worker, buf []byte) (int, error) {
	if tcp.server != nil {
		return 0, ErrNotConnected
	}
	n := 0
	for n < len(buf) {
		if len(tcp.partial) > 0 {
			c := copy(buf[n:], tcp.partial)
			tcp.partial = tcp.partial[c:]
			n += c
			continue
		}
		pkt := tcp.removeFromInputBuffer(wk)
		if pkt == nil {
			break
		}
		pkt.AddDeliveryStatus(StatusRcvSocketDelivered)
		c := copy(buf[n:], pkt.payload)
		if c < len(pkt.payload) {
			tcp.partial = pkt.payload[c:]
		}
		n += c
	}

	if n > 0 {
		tcp.autotuneReceive(wk, n)
		nextBefore := tcp.receive.next
		advBefore := tcp.receive.lastAdvertised
		tcp.flush(wk)
		adv := tcp.advertisedWindow()
		opened := adv > advBefore && (advBefore <= 2 || adv >= 2*advBefore)
		if tcp.state != TCPStateClosed && (tcp.receive.next != nextBefore || opened) {
			tcp.sendControl(wk, TCPFlagACK)
		}
		tcp.updateStatus(wk)
		return n, nil
	}

	switch {
	case tcp.finReceived:
		tcp.eofSignaled = true
		return 0, nil
	case tcp.err == tcpErrReset:
		return 0, ErrConnReset
	case tcp.err == tcpErrRefused:
		return 0, ErrConnRefused
	case tcp.state == TCPStateClosed && !tcp.everEstablished:
		return 0, ErrNotConnected
	}
	return 0, ErrWouldBlock
}

// close is the application letting go of the socket.  Unsent data still goes out, and
// the FIN follows it.
func (tcp *TCP) close(wk *Worker) {
	tcp.userClosed = true
	tcp.writeClosed = true
	switch tcp.state {
	case TCPStateListen:
		tcp.closeServer(wk)
	case TCPStateClosed:
		tcp.releaseIfDone(wk)
	case TCPStateSynSent:
		tcp.enterClosed(wk)
	case TCPStateSynReceived, TCPStateEstablished:
		tcp.setState(wk, TCPStateFinWait1)
		tcp.finPending = true
		tcp.flush(wk)
	case TCPStateCloseWait:
		tcp.setState(wk, TCPStateLastAck)
		tcp.finPending = true
		tcp.flush(wk)
	}
}

func (tcp *TCP) shutdown(wk *Worker, how ShutdownHow) error {
	if !tcp.everEstablished && tcp.state != TCPStateSynReceived {
		return ErrNotConnected
	}
	if how == ShutRead || how == ShutReadWrite {
		tcp.readClosed = true
		for tcp.removeFromInputBuffer(wk) != nil {
		}
		tcp.partial = nil
	}
	if (how == ShutWrite || how == ShutReadWrite) && !tcp.writeClosed {
		tcp.writeClosed = true
		switch tcp.state {
		case TCPStateSynReceived, TCPStateEstablished:
			tcp.setState(wk, TCPStateFinWait1)
			tcp.finPending = true
		case TCPStateCloseWait:
			tcp.setState(wk, TCPStateLastAck)
			tcp.finPending = true
		}
	}
	tcp.flush(wk)
	return nil
}

// aboutToSend is called by the interface as it takes a segment off the output buffer.
// Only segments really leaving count against the retransmit timer, so this is where
// they join the retransmit queue.
func (tcp *TCP) aboutToSend(wk *Worker, pkt *Packet) {
	hdr := pkt.tcp
	if tcp.state != TCPStateClosed {
		tcp.stampHeader(wk, pkt)
	}
	consumesSeq := hdr.Sequence > 0 || hdr.Flags&TCPFlagSYN != 0
	if consumesSeq && tcp.state != TCPStateClosed && hdr.Sequence >= tcp.send.unacked {
		tcp.retransmit[hdr.Sequence] = pkt
		pkt.AddDeliveryStatus(StatusSndTCPEnqueueRetransmit)
		if tcp.resent[hdr.Sequence] {
			pkt.AddDeliveryStatus(StatusSndTCPRetransmitted)
		}
		if tcp.timer.desired == 0 {
			tcp.setRetransmitTimer(wk, wk.now+tcp.rtt.rto)
		}
	}
	if tcp.finPending && len(tcp.outputData) == 0 {
		tcp.flush(wk)
	}
}
