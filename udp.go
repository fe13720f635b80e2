package hostsim

// UDP is a datagram socket.  Each datagram travels as one packet; one that does not fit
// the receiver's input buffer is dropped.
type UDP struct {
	Socket
}

func createUDP(host *Host, handle int, recvSize, sendSize int) *UDP {
	udp := new(UDP)
	udp.initSocket(host, handle, DescriptorUDP, ProtocolUDP, udp, recvSize, sendSize)
	return udp
}

func (udp *UDP) processPacket(wk *Worker, pkt *Packet) {
	if udp.userClosed {
		pkt.AddDeliveryStatus(StatusRcvSocketDropped)
		return
	}
	if !udp.addToInputBuffer(wk, pkt) {
		pkt.AddDeliveryStatus(StatusRcvSocketDropped)
		return
	}
	pkt.AddDeliveryStatus(StatusRcvSocketProcessed)
}

func (udp *UDP) aboutToSend(wk *Worker, pkt *Packet) {}

// connect fixes the destination used when a send names none
func (udp *UDP) connect(wk *Worker, ip uint32, port uint16) error {
	udp.setPeer(ip, port)
	return nil
}

// sendUserData queues data as one datagram to ip:port, or to the connected peer when ip is zero
func (udp *UDP) sendUserData(wk *Worker, data []byte, ip uint32, port uint16) (int, error) {
	if len(data) > UDPMaxDatagramSize {
		return 0, ErrMessageSize
	}
	if ip == AnyIP {
		if !udp.hasPeer {
			return 0, ErrDestAddrNeeded
		}
		ip, port = udp.peerIP, udp.peerPort
	}
	if len(data) > udp.outputBufferSpace() {
		return 0, ErrWouldBlock
	}

	src := udp.boundIP
	if src == AnyIP {
		src = udp.host.sourceIPFor(ip)
	}
	pkt := udp.host.createPacket(wk, ProtocolUDP, data, false)
	pkt.setUDP(src, udp.boundPort, ip, port)
	if !udp.addToOutputBuffer(wk, pkt) {
		return 0, ErrWouldBlock
	}
	return len(data), nil
}

// receiveUserData copies the next datagram into buf.  Bytes that do not fit are
// discarded, as with a real datagram socket.
func (udp *UDP) receiveUserData(wk *Worker, buf []byte) (int, uint32, uint16, error) {
	pkt := udp.removeFromInputBuffer(wk)
	if pkt == nil {
		return 0, 0, 0, ErrWouldBlock
	}
	pkt.AddDeliveryStatus(StatusRcvSocketDelivered)
	n := copy(buf, pkt.payload)
	return n, pkt.srcIP, pkt.srcPort, nil
}

func (udp *UDP) close(wk *Worker) {
	udp.userClosed = true
	udp.adjustStatus(wk, DescClosed, true)
	udp.adjustStatus(wk, DescActive, false)
	udp.host.disassociate(udp)
	udp.host.releaseDescriptor(wk, udp)
}
