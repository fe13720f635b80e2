package hostsim

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// host-sockets.go is the system call surface of a host.  Every call is made by code
// running in one of the host's events, with the worker executing that event; failures
// come back as the errno values in errors.go.

const (
	ephemeralPortMin = 10000
	ephemeralPortMax = 65535
	ephemeralTries   = 64
)

func (host *Host) checkActive(wk *Worker) {
	if wk == nil || wk.activeHost != host {
		panic(fmt.Errorf("host %s: socket call made outside the host's events", host.name))
	}
}

// lookup returns the descriptor behind a handle the application still holds
func (host *Host) lookup(handle int) (Descriptor, error) {
	d, present := host.descriptors[handle]
	if !present || d.base().userClosed {
		return nil, ErrBadDescriptor
	}
	return d, nil
}

func (host *Host) lookupTCP(handle int) (*TCP, error) {
	d, err := host.lookup(handle)
	if err != nil {
		return nil, err
	}
	tcp, ok := d.(*TCP)
	if !ok {
		return nil, ErrNotSupported
	}
	return tcp, nil
}

func (host *Host) lookupTransport(handle int) (transport, error) {
	d, err := host.lookup(handle)
	if err != nil {
		return nil, err
	}
	t, ok := d.(transport)
	if !ok {
		return nil, ErrNotSocket
	}
	return t, nil
}

// Descriptor returns the descriptor behind a handle, nil once it is released
func (host *Host) Descriptor(handle int) Descriptor {
	return host.descriptors[handle]
}

// CreateSocket opens a TCP or UDP socket and returns its handle
func (host *Host) CreateSocket(wk *Worker, dtype DescriptorType) (int, error) {
	host.checkActive(wk)
	var d Descriptor
	switch dtype {
	case DescriptorTCP:
		d = createTCP(host, 0, host.recvBufferSize, host.sendBufferSize, host.congestion,
			host.autotuneRecv, host.autotuneSend)
	case DescriptorUDP:
		d = createUDP(host, 0, host.recvBufferSize, host.sendBufferSize)
	default:
		return 0, ErrNotSupported
	}
	handle := host.registerDescriptor(d)
	wk.counters.IncNew(counterSocket)
	return handle, nil
}

// portFree reports whether nothing of the protocol is bound to port on the interfaces
func portFree(ifaces []*NetworkInterface, protocol Protocol, port uint16) bool {
	for _, iface := range ifaces {
		if iface.isAssociated(protocol, port, 0, 0) {
			return false
		}
	}
	return true
}

// ephemeralPort draws a free port from the host's random source, falling back to a scan
func (host *Host) ephemeralPort(ifaces []*NetworkInterface, protocol Protocol) (uint16, error) {
	span := ephemeralPortMax - ephemeralPortMin + 1
	for try := 0; try < ephemeralTries; try++ {
		port := uint16(ephemeralPortMin + host.random.Intn(span))
		if portFree(ifaces, protocol, port) {
			return port, nil
		}
	}
	for port := ephemeralPortMin; port <= ephemeralPortMax; port++ {
		if portFree(ifaces, protocol, uint16(port)) {
			return uint16(port), nil
		}
	}
	return 0, ErrAddrInUse
}

func (host *Host) bind(t transport, ip uint32, port uint16) error {
	sock := t.socket()
	if sock.isBound {
		return ErrInvalid
	}
	if ip != AnyIP && host.interfaceForIP(ip) == nil {
		return ErrAddrNotAvailable
	}
	ifaces := host.bindTargets(ip)
	if port == 0 {
		var err error
		if port, err = host.ephemeralPort(ifaces, sock.protocol); err != nil {
			return err
		}
	} else if !portFree(ifaces, sock.protocol, port) {
		return ErrAddrInUse
	}
	for _, iface := range ifaces {
		if err := iface.associate(t, sock.protocol, port, 0, 0); err != nil {
			return err
		}
	}
	sock.setBound(ip, port)
	return nil
}

// Bind gives a socket its local address.  AnyIP binds to every interface, port 0 picks
// a free ephemeral port.
func (host *Host) Bind(wk *Worker, handle int, ip uint32, port uint16) error {
	host.checkActive(wk)
	t, err := host.lookupTransport(handle)
	if err != nil {
		return err
	}
	return host.bind(t, ip, port)
}

// autoBind binds an unbound socket to every interface and an ephemeral port
func (host *Host) autoBind(t transport) error {
	if t.socket().isBound {
		return nil
	}
	return host.bind(t, AnyIP, 0)
}

// Listen makes a TCP socket accept connections; backlog is clamped to [1, 128]
func (host *Host) Listen(wk *Worker, handle int, backlog int) error {
	host.checkActive(wk)
	tcp, err := host.lookupTCP(handle)
	if err != nil {
		return err
	}
	if err := host.autoBind(tcp); err != nil {
		return err
	}
	return tcp.listen(wk, backlog)
}

// Connect starts a TCP handshake, returning ErrInProgress, or sets the default peer of a
// UDP socket.  Calling it again on a TCP socket reports how the attempt is going.
func (host *Host) Connect(wk *Worker, handle int, ip uint32, port uint16) error {
	host.checkActive(wk)
	t, err := host.lookupTransport(handle)
	if err != nil {
		return err
	}
	if ip == AnyIP || port == 0 {
		return ErrAddrNotAvailable
	}
	switch sock := t.(type) {
	case *TCP:
		if sock.server != nil {
			return ErrIsConnected
		}
		if !sock.connectAttempted {
			if err := host.autoBind(sock); err != nil {
				return err
			}
		}
		return sock.connect(wk, ip, port)
	case *UDP:
		if err := host.autoBind(sock); err != nil {
			return err
		}
		return sock.connect(wk, ip, port)
	}
	return ErrNotSupported
}

// Accept returns the handle of the oldest established connection waiting on a listener
func (host *Host) Accept(wk *Worker, handle int) (int, error) {
	host.checkActive(wk)
	tcp, err := host.lookupTCP(handle)
	if err != nil {
		return 0, err
	}
	child, err := tcp.accept(wk)
	if err != nil {
		return 0, err
	}
	host.log.logf(wk.now, logrus.DebugLevel, "accepted %s:%d on port %d as %d",
		IPString(child.peerIP), child.peerPort, tcp.boundPort, child.handle)
	return child.handle, nil
}

// Send writes to a connected socket
func (host *Host) Send(wk *Worker, handle int, data []byte) (int, error) {
	return host.SendTo(wk, handle, data, AnyIP, 0)
}

// SendTo writes data.  A TCP socket takes as much as its buffers have room for and
// ignores the address; a UDP socket sends one datagram to ip:port, or to its connected
// peer when ip is AnyIP.
func (host *Host) SendTo(wk *Worker, handle int, data []byte, ip uint32, port uint16) (int, error) {
	host.checkActive(wk)
	t, err := host.lookupTransport(handle)
	if err != nil {
		return 0, err
	}
	switch sock := t.(type) {
	case *TCP:
		if sock.server != nil {
			return 0, ErrNotConnected
		}
		return sock.sendUserData(wk, data)
	case *UDP:
		if err := host.autoBind(sock); err != nil {
			return 0, err
		}
		return sock.sendUserData(wk, data, ip, port)
	}
	return 0, ErrNotSupported
}

// Receive reads from a socket.  For TCP zero bytes and no error is end of stream.
func (host *Host) Receive(wk *Worker, handle int, buf []byte) (int, error) {
	n, _, _, err := host.ReceiveFrom(wk, handle, buf)
	return n, err
}

// ReceiveFrom reads like Receive and also returns the address the data came from
func (host *Host) ReceiveFrom(wk *Worker, handle int, buf []byte) (int, uint32, uint16, error) {
	host.checkActive(wk)
	t, err := host.lookupTransport(handle)
	if err != nil {
		return 0, 0, 0, err
	}
	switch sock := t.(type) {
	case *TCP:
		n, err := sock.receiveUserData(wk, buf)
		return n, sock.peerIP, sock.peerPort, err
	case *UDP:
		return sock.receiveUserData(wk, buf)
	}
	return 0, 0, 0, ErrNotSupported
}

// Close lets go of a handle.  A TCP connection still delivers what was written and then
// closes with the peer; the handle is invalid from now on either way.
func (host *Host) Close(wk *Worker, handle int) error {
	host.checkActive(wk)
	t, err := host.lookupTransport(handle)
	if err != nil {
		return err
	}
	switch sock := t.(type) {
	case *TCP:
		sock.close(wk)
	case *UDP:
		sock.close(wk)
	}
	return nil
}

// Shutdown closes one or both directions of a TCP connection
func (host *Host) Shutdown(wk *Worker, handle int, how ShutdownHow) error {
	host.checkActive(wk)
	t, err := host.lookupTransport(handle)
	if err != nil {
		return err
	}
	switch sock := t.(type) {
	case *TCP:
		return sock.shutdown(wk, how)
	case *UDP:
		if !sock.hasPeer {
			return ErrNotConnected
		}
		return nil
	}
	return ErrNotSupported
}

// ConnectStatus reports the state of a TCP connection attempt without changing it
func (host *Host) ConnectStatus(handle int) (ConnectStatus, error) {
	tcp, err := host.lookupTCP(handle)
	if err != nil {
		return ConnectNotAttempted, err
	}
	return tcp.ConnectStatus(), nil
}

// SocketName returns the local address and port a socket is bound to
func (host *Host) SocketName(handle int) (uint32, uint16, error) {
	t, err := host.lookupTransport(handle)
	if err != nil {
		return 0, 0, err
	}
	ip, port, ok := t.socket().BoundName()
	if !ok {
		return 0, 0, ErrInvalid
	}
	return ip, port, nil
}

// PeerName returns the address and port of a socket's peer
func (host *Host) PeerName(handle int) (uint32, uint16, error) {
	t, err := host.lookupTransport(handle)
	if err != nil {
		return 0, 0, err
	}
	ip, port, ok := t.socket().PeerName()
	if !ok {
		return 0, 0, ErrNotConnected
	}
	return ip, port, nil
}

// SetBufferSize changes the input and output buffer sizes; zero leaves a size alone.
// Setting a TCP buffer turns autotuning off for that direction.
func (host *Host) SetBufferSize(wk *Worker, handle int, recv, send int) error {
	host.checkActive(wk)
	t, err := host.lookupTransport(handle)
	if err != nil {
		return err
	}
	if recv < 0 || send < 0 {
		return ErrInvalid
	}
	sock := t.socket()
	if recv > 0 {
		sock.setInputBufferSize(recv)
	}
	if send > 0 {
		sock.setOutputBufferSize(wk, send)
	}
	if tcp, ok := t.(*TCP); ok {
		if recv > 0 {
			tcp.autotune.recv = false
		}
		if send > 0 {
			tcp.autotune.send = false
		}
		tcp.updateStatus(wk)
	}
	return nil
}

// SetAutotune turns TCP buffer autotuning on or off for each direction
func (host *Host) SetAutotune(handle int, recv, send bool) error {
	tcp, err := host.lookupTCP(handle)
	if err != nil {
		return err
	}
	tcp.autotune.recv = recv
	tcp.autotune.send = send
	return nil
}

// Watch registers fn to be told about status changes of a descriptor.  It is called in
// an event of its own on this host.
func (host *Host) Watch(handle int, fn DescriptorListener) error {
	d, err := host.lookup(handle)
	if err != nil {
		return err
	}
	d.base().addListener(fn)
	return nil
}
