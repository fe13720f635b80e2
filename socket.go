package hostsim

import "fmt"

// transport is what the network interface needs from a socket: TCP and UDP are the two
// kinds there are
type transport interface {
	Descriptor
	socket() *Socket
	processPacket(wk *Worker, pkt *Packet)
	aboutToSend(wk *Worker, pkt *Packet)
}

// Socket holds the state TCP and UDP share: the bound and peer names, and the input and
// output buffers.  A buffer's length never exceeds its size.  A request to shrink a buffer
// below what it holds is parked in sizePending and applied once enough has drained.
type Socket struct {
	descriptorBase
	protocol Protocol
	owner    transport

	boundIP   uint32
	boundPort uint16
	isBound   bool
	peerIP    uint32
	peerPort  uint16
	hasPeer   bool
	unixPath  string

	input            []*Packet
	inputLength      int
	inputSize        int
	inputSizePending int

	outputControl     []*Packet
	outputData        []*Packet
	outputLength      int
	outputSize        int
	outputSizePending int
}

func (s *Socket) initSocket(host *Host, handle int, dtype DescriptorType, protocol Protocol, owner transport,
	recvSize, sendSize int) {
	s.handle = handle
	s.dtype = dtype
	s.host = host
	s.protocol = protocol
	s.owner = owner
	s.inputSize = recvSize
	s.outputSize = sendSize
	s.status = DescActive | DescWritable
}

func (s *Socket) socket() *Socket { return s }

func (s *Socket) Protocol() Protocol { return s.protocol }

// BoundName returns the local address and port, ok is false if the socket is unbound
func (s *Socket) BoundName() (ip uint32, port uint16, ok bool) {
	return s.boundIP, s.boundPort, s.isBound
}

// PeerName returns the remote address and port, ok is false if there is no peer
func (s *Socket) PeerName() (ip uint32, port uint16, ok bool) {
	return s.peerIP, s.peerPort, s.hasPeer
}

func (s *Socket) setBound(ip uint32, port uint16) {
	s.boundIP, s.boundPort, s.isBound = ip, port, true
}

func (s *Socket) setPeer(ip uint32, port uint16) {
	s.peerIP, s.peerPort, s.hasPeer = ip, port, true
}

// sourceIP is the address the socket's packets leave from
func (s *Socket) sourceIP() uint32 {
	if s.boundIP != AnyIP {
		return s.boundIP
	}
	return s.host.sourceIPFor(s.peerIP)
}

func (s *Socket) InputBufferSize() int    { return s.inputSize }
func (s *Socket) InputBufferLength() int  { return s.inputLength }
func (s *Socket) OutputBufferSize() int   { return s.outputSize }
func (s *Socket) OutputBufferLength() int { return s.outputLength }

func (s *Socket) inputBufferSpace() int {
	if s.inputLength >= s.inputSize {
		return 0
	}
	return s.inputSize - s.inputLength
}

func (s *Socket) outputBufferSpace() int {
	if s.outputLength >= s.outputSize {
		return 0
	}
	return s.outputSize - s.outputLength
}

// setInputBufferSize applies the size at once if everything buffered fits, and parks it
// as pending otherwise
func (s *Socket) setInputBufferSize(size int) {
	if size >= s.inputLength {
		s.inputSize = size
		s.inputSizePending = 0
		return
	}
	s.inputSizePending = size
}

func (s *Socket) setOutputBufferSize(wk *Worker, size int) {
	if size >= s.outputLength {
		s.outputSize = size
		s.outputSizePending = 0
	} else {
		s.outputSizePending = size
	}
	s.adjustStatus(wk, DescWritable, s.outputBufferSpace() > 0)
}

func (s *Socket) drainedInput() {
	if s.inputSizePending > 0 && s.inputLength <= s.inputSizePending {
		s.inputSize = s.inputSizePending
		s.inputSizePending = 0
	}
}

func (s *Socket) drainedOutput() {
	if s.outputSizePending > 0 && s.outputLength <= s.outputSizePending {
		s.outputSize = s.outputSizePending
		s.outputSizePending = 0
	}
}

func (s *Socket) checkBuffers() {
	if s.inputLength < 0 || s.inputLength > s.inputSize || s.outputLength < 0 || s.outputLength > s.outputSize {
		panic(fmt.Errorf("socket %d: buffer invariant broken, input %d/%d output %d/%d",
			s.handle, s.inputLength, s.inputSize, s.outputLength, s.outputSize))
	}
}

// addToInputBuffer queues a packet for the application.  It returns false, and queues
// nothing, if the payload does not fit.
func (s *Socket) addToInputBuffer(wk *Worker, pkt *Packet) bool {
	n := pkt.PayloadLength()
	if n > s.inputBufferSpace() {
		return false
	}
	s.input = append(s.input, pkt)
	s.inputLength += n
	s.checkBuffers()
	pkt.AddDeliveryStatus(StatusRcvSocketBuffered)
	s.adjustStatus(wk, DescReadable, true)
	return true
}

func (s *Socket) peekInputPacket() *Packet {
	if len(s.input) == 0 {
		return nil
	}
	return s.input[0]
}

func (s *Socket) removeFromInputBuffer(wk *Worker) *Packet {
	if len(s.input) == 0 {
		return nil
	}
	pkt := s.input[0]
	s.input[0] = nil
	s.input = s.input[1:]
	s.inputLength -= pkt.PayloadLength()
	s.drainedInput()
	s.checkBuffers()
	s.adjustStatus(wk, DescReadable, len(s.input) > 0)
	return pkt
}

// addToOutputBuffer queues a packet for the interface, control packets ahead of data.
// It returns false, and queues nothing, if the payload does not fit.  On success the
// interface the packet leaves from is told the socket wants to send.
func (s *Socket) addToOutputBuffer(wk *Worker, pkt *Packet) bool {
	n := pkt.PayloadLength()
	if n > s.outputBufferSpace() {
		return false
	}
	if n == 0 {
		s.outputControl = append(s.outputControl, pkt)
	} else {
		s.outputData = append(s.outputData, pkt)
	}
	s.outputLength += n
	s.checkBuffers()
	pkt.AddDeliveryStatus(StatusSndSocketBuffered)
	s.adjustStatus(wk, DescWritable, s.outputBufferSpace() > 0)

	if iface := s.host.interfaceForIP(pkt.srcIP); iface != nil {
		iface.wantsSend(wk, s.owner)
	}
	return true
}

func (s *Socket) peekNextOutPacket() *Packet {
	if len(s.outputControl) > 0 {
		return s.outputControl[0]
	}
	if len(s.outputData) > 0 {
		return s.outputData[0]
	}
	return nil
}

func (s *Socket) hasOutput() bool {
	return len(s.outputControl) > 0 || len(s.outputData) > 0
}

// pullOutPacket removes the packet peekNextOutPacket would have returned
func (s *Socket) pullOutPacket(wk *Worker) *Packet {
	var pkt *Packet
	if len(s.outputControl) > 0 {
		pkt = s.outputControl[0]
		s.outputControl[0] = nil
		s.outputControl = s.outputControl[1:]
	} else if len(s.outputData) > 0 {
		pkt = s.outputData[0]
		s.outputData[0] = nil
		s.outputData = s.outputData[1:]
	} else {
		return nil
	}
	s.outputLength -= pkt.PayloadLength()
	s.drainedOutput()
	s.checkBuffers()
	s.adjustStatus(wk, DescWritable, s.outputBufferSpace() > 0)
	return pkt
}
