package hostsim

import (
	"fmt"
	"strings"
)

// Protocol tags the transport a packet or socket belongs to
type Protocol int

const (
	ProtocolNone Protocol = iota
	ProtocolLocal
	ProtocolTCP
	ProtocolUDP
)

func (p Protocol) String() string {
	switch p {
	case ProtocolLocal:
		return "local"
	case ProtocolTCP:
		return "tcp"
	case ProtocolUDP:
		return "udp"
	}
	return "none"
}

// sizes in bytes
const (
	MTU                = 1500
	HeaderSizeEthernet = 14
	HeaderSizeIP       = 20
	HeaderSizeTCP      = 32
	HeaderSizeUDP      = 8

	HeaderSizeTCPIP    = HeaderSizeTCP + HeaderSizeIP
	HeaderSizeTCPIPEth = HeaderSizeTCPIP + HeaderSizeEthernet
	HeaderSizeUDPIPEth = HeaderSizeUDP + HeaderSizeIP + HeaderSizeEthernet
	TCPMaxSegmentSize  = MTU - HeaderSizeTCPIP
	UDPMaxDatagramSize = 65507
)

// TCPFlags are the control bits of a TCP segment
type TCPFlags uint8

const (
	TCPFlagNone TCPFlags = 0
	TCPFlagRST  TCPFlags = 1 << iota
	TCPFlagSYN
	TCPFlagACK
	TCPFlagSACK
	TCPFlagFIN
	TCPFlagDupACK
)

func (f TCPFlags) String() string {
	names := make([]string, 0, 6)
	for _, fl := range []struct {
		flag TCPFlags
		name string
	}{{TCPFlagRST, "RST"}, {TCPFlagSYN, "SYN"}, {TCPFlagACK, "ACK"}, {TCPFlagSACK, "SACK"},
		{TCPFlagFIN, "FIN"}, {TCPFlagDupACK, "DUPACK"}} {
		if f&fl.flag != 0 {
			names = append(names, fl.name)
		}
	}
	if len(names) == 0 {
		return "NONE"
	}
	return strings.Join(names, "|")
}

// TCPHeader is the part of a segment's header the simulated TCP uses.  Sequence numbers
// count segments, not bytes.
type TCPHeader struct {
	Flags          TCPFlags
	Sequence       uint32
	Acknowledgment uint32
	Window         uint32
	SelectiveACKs  []uint32
	TimestampValue SimTime
	TimestampEcho  SimTime
}

// DeliveryStatus records the points a packet passed on its way from sender to receiver
type DeliveryStatus uint32

const (
	StatusNone       DeliveryStatus = 0
	StatusSndCreated DeliveryStatus = 1 << iota
	StatusSndTCPEnqueueThrottled
	StatusSndTCPEnqueueRetransmit
	StatusSndTCPDequeueRetransmit
	StatusSndTCPRetransmitted
	StatusSndSocketBuffered
	StatusSndInterfaceSent
	StatusInetSent
	StatusInetDropped
	StatusRouterEnqueued
	StatusRouterDequeued
	StatusRouterDropped
	StatusRcvInterfaceReceived
	StatusRcvInterfaceDropped
	StatusRcvSocketProcessed
	StatusRcvSocketDropped
	StatusRcvTCPEnqueueUnordered
	StatusRcvSocketBuffered
	StatusRcvSocketDelivered
	StatusDestroyed
)

var statusNames = map[DeliveryStatus]string{
	StatusSndCreated:              "SND_CREATED",
	StatusSndTCPEnqueueThrottled:  "SND_TCP_ENQUEUE_THROTTLED",
	StatusSndTCPEnqueueRetransmit: "SND_TCP_ENQUEUE_RETRANSMIT",
	StatusSndTCPDequeueRetransmit: "SND_TCP_DEQUEUE_RETRANSMIT",
	StatusSndTCPRetransmitted:     "SND_TCP_RETRANSMITTED",
	StatusSndSocketBuffered:       "SND_SOCKET_BUFFERED",
	StatusSndInterfaceSent:        "SND_INTERFACE_SENT",
	StatusInetSent:                "INET_SENT",
	StatusInetDropped:             "INET_DROPPED",
	StatusRouterEnqueued:          "ROUTER_ENQUEUED",
	StatusRouterDequeued:          "ROUTER_DEQUEUED",
	StatusRouterDropped:           "ROUTER_DROPPED",
	StatusRcvInterfaceReceived:    "RCV_INTERFACE_RECEIVED",
	StatusRcvInterfaceDropped:     "RCV_INTERFACE_DROPPED",
	StatusRcvSocketProcessed:      "RCV_SOCKET_PROCESSED",
	StatusRcvSocketDropped:        "RCV_SOCKET_DROPPED",
	StatusRcvTCPEnqueueUnordered:  "RCV_TCP_ENQUEUE_UNORDERED",
	StatusRcvSocketBuffered:       "RCV_SOCKET_BUFFERED",
	StatusRcvSocketDelivered:      "RCV_SOCKET_DELIVERED",
	StatusDestroyed:               "DESTROYED",
}

func (ds DeliveryStatus) String() string {
	if name, present := statusNames[ds]; present {
		return name
	}
	return fmt.Sprintf("status(%#x)", uint32(ds))
}

// Packet is the unit moved between hosts.  Addresses are host-order IPv4 values.
// A packet is owned by one host at a time; crossing to another host makes a copy.
type Packet struct {
	id       uint64
	protocol Protocol
	srcIP    uint32
	srcPort  uint16
	dstIP    uint32
	dstPort  uint16
	payload  []byte
	priority uint64
	tcp      *TCPHeader

	status  DeliveryStatus
	history []DeliveryStatus
	tracer  packetTracer
}

// packetTracer receives each delivery status a packet acquires
type packetTracer interface {
	tracePacket(pkt *Packet, status DeliveryStatus)
}

// createPacket copies the payload, the caller keeps ownership of its buffer
func createPacket(id uint64, protocol Protocol, payload []byte, priority uint64) *Packet {
	pkt := new(Packet)
	pkt.id = id
	pkt.protocol = protocol
	pkt.priority = priority
	if len(payload) > 0 {
		pkt.payload = append([]byte(nil), payload...)
	}
	return pkt
}

func (pkt *Packet) setUDP(srcIP uint32, srcPort uint16, dstIP uint32, dstPort uint16) {
	pkt.srcIP, pkt.srcPort = srcIP, srcPort
	pkt.dstIP, pkt.dstPort = dstIP, dstPort
}

func (pkt *Packet) setTCP(flags TCPFlags, srcIP uint32, srcPort uint16, dstIP uint32, dstPort uint16, seq uint32) {
	pkt.srcIP, pkt.srcPort = srcIP, srcPort
	pkt.dstIP, pkt.dstPort = dstIP, dstPort
	pkt.tcp = &TCPHeader{Flags: flags, Sequence: seq}
}

// Copy duplicates the packet, sharing nothing mutable with the original
func (pkt *Packet) Copy() *Packet {
	cp := new(Packet)
	*cp = *pkt
	if pkt.payload != nil {
		cp.payload = append([]byte(nil), pkt.payload...)
	}
	if pkt.tcp != nil {
		hdr := *pkt.tcp
		if pkt.tcp.SelectiveACKs != nil {
			hdr.SelectiveACKs = append([]uint32(nil), pkt.tcp.SelectiveACKs...)
		}
		cp.tcp = &hdr
	}
	cp.history = append([]DeliveryStatus(nil), pkt.history...)
	return cp
}

func (pkt *Packet) ID() uint64             { return pkt.id }
func (pkt *Packet) Protocol() Protocol     { return pkt.protocol }
func (pkt *Packet) SrcIP() uint32          { return pkt.srcIP }
func (pkt *Packet) SrcPort() uint16        { return pkt.srcPort }
func (pkt *Packet) DstIP() uint32          { return pkt.dstIP }
func (pkt *Packet) DstPort() uint16        { return pkt.dstPort }
func (pkt *Packet) Priority() uint64       { return pkt.priority }
func (pkt *Packet) Payload() []byte        { return pkt.payload }
func (pkt *Packet) PayloadLength() int     { return len(pkt.payload) }
func (pkt *Packet) TCPHeader() *TCPHeader  { return pkt.tcp }
func (pkt *Packet) Status() DeliveryStatus { return pkt.status }

// History lists the delivery statuses in the order the packet acquired them
func (pkt *Packet) History() []DeliveryStatus {
	return pkt.history
}

// HeaderSize is the number of bytes of protocol headers the packet carries on the wire
func (pkt *Packet) HeaderSize() int {
	switch pkt.protocol {
	case ProtocolTCP:
		return HeaderSizeTCPIPEth
	case ProtocolUDP:
		return HeaderSizeUDPIPEth
	}
	return 0
}

// TotalSize is the size charged against bandwidth
func (pkt *Packet) TotalSize() int {
	return pkt.PayloadLength() + pkt.HeaderSize()
}

// AddDeliveryStatus records that the packet reached a point on its path
func (pkt *Packet) AddDeliveryStatus(ds DeliveryStatus) {
	pkt.status |= ds
	pkt.history = append(pkt.history, ds)
	if pkt.tracer != nil {
		pkt.tracer.tracePacket(pkt, ds)
	}
}

// HasDeliveryStatus reports whether the packet ever acquired the status
func (pkt *Packet) HasDeliveryStatus(ds DeliveryStatus) bool {
	return pkt.status&ds != 0
}

func (pkt *Packet) String() string {
	if pkt.tcp != nil {
		return fmt.Sprintf("%s:%d -> %s:%d tcp %s seq=%d ack=%d win=%d len=%d",
			IPString(pkt.srcIP), pkt.srcPort, IPString(pkt.dstIP), pkt.dstPort,
			pkt.tcp.Flags, pkt.tcp.Sequence, pkt.tcp.Acknowledgment, pkt.tcp.Window, len(pkt.payload))
	}
	return fmt.Sprintf("%s:%d -> %s:%d %s len=%d",
		IPString(pkt.srcIP), pkt.srcPort, IPString(pkt.dstIP), pkt.dstPort, pkt.protocol, len(pkt.payload))
}
