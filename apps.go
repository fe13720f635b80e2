package hostsim

// apps.go holds the workloads that ship with the simulator.  Each is registered as a
// plugin and configured through its process arguments:
//
//	bulkserver <port>
//	bulkclient <server> <port> <bytes>
//	udpecho <port>
//	udpping <server> <port> <count> [interval ms]
//
// A server argument is a hostname or a dotted IPv4 address.

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"

	"github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"
)

func init() {
	RegisterPlugin("bulkserver", func() Application { return new(BulkServer) })
	RegisterPlugin("bulkclient", func() Application { return new(BulkClient) })
	RegisterPlugin("udpecho", func() Application { return new(UDPEcho) })
	RegisterPlugin("udpping", func() Application { return new(UDPPing) })
}

// bounds of the write sizes a bulk client draws
const (
	bulkChunkMin = 512
	bulkChunkMax = 64 * 1024
)

// BulkPattern is the byte a bulk client sends at offset idx of its stream
func BulkPattern(idx int) byte {
	return byte(idx%251) ^ byte(idx>>11)
}

func argCount(proc *Process, n int) error {
	if len(proc.argv) < n {
		return fmt.Errorf("%s: expected %d arguments, got %d", proc.pluginID, n, len(proc.argv))
	}
	return nil
}

func parsePort(s string) (uint16, error) {
	v, err := strconv.ParseUint(s, 10, 16)
	if err != nil || v == 0 {
		return 0, fmt.Errorf("bad port %q", s)
	}
	return uint16(v), nil
}

// resolveServer turns a hostname or address into an IP value
func resolveServer(host *Host, s string) (uint32, error) {
	if addr := host.mgr.dns.ResolveName(s); addr != nil {
		return addr.ipValue, nil
	}
	if ip := parseIP(s); ip != nil {
		return IPToValue(ip), nil
	}
	return 0, fmt.Errorf("cannot resolve %q", s)
}

// BulkServer accepts TCP connections and keeps everything each peer sends until it
// closes its side
type BulkServer struct {
	proc      *Process
	listener  int
	open      map[int][]byte
	transfers [][]byte
}

// Transfers lists the streams of the connections that reached end of stream, in the
// order they did
func (bs *BulkServer) Transfers() [][]byte { return bs.transfers }

func (bs *BulkServer) Start(wk *Worker, proc *Process) error {
	if err := argCount(proc, 1); err != nil {
		return err
	}
	port, err := parsePort(proc.argv[0])
	if err != nil {
		return err
	}
	bs.proc = proc
	bs.open = make(map[int][]byte)
	host := proc.host

	bs.listener, err = host.CreateSocket(wk, DescriptorTCP)
	if err != nil {
		return err
	}
	if err := host.Bind(wk, bs.listener, AnyIP, port); err != nil {
		return err
	}
	if err := host.Listen(wk, bs.listener, 0); err != nil {
		return err
	}
	return host.Watch(bs.listener, bs.listenerReady)
}

func (bs *BulkServer) listenerReady(wk *Worker, handle int, status DescriptorStatus) {
	if status&DescReadable == 0 {
		return
	}
	host := bs.proc.host
	for {
		child, err := host.Accept(wk, handle)
		if err != nil {
			return
		}
		bs.open[child] = nil
		if err := host.Watch(child, bs.connReady); err != nil {
			continue
		}
		bs.drain(wk, child)
	}
}

func (bs *BulkServer) connReady(wk *Worker, handle int, status DescriptorStatus) {
	if status&DescReadable != 0 {
		bs.drain(wk, handle)
	}
}

// drain reads until the connection has nothing more, closing it at end of stream
func (bs *BulkServer) drain(wk *Worker, handle int) {
	data, present := bs.open[handle]
	if !present {
		return
	}
	host := bs.proc.host
	buf := make([]byte, 16*1024)
	for {
		n, err := host.Receive(wk, handle, buf)
		if n > 0 {
			data = append(data, buf[:n]...)
			continue
		}
		if errors.Is(err, ErrWouldBlock) {
			bs.open[handle] = data
			return
		}
		if err != nil {
			bs.proc.Logf(wk, logrus.InfoLevel, "connection %d failed after %d bytes: %v", handle, len(data), err)
		} else {
			bs.proc.Logf(wk, logrus.InfoLevel, "connection %d delivered %d bytes", handle, len(data))
			bs.transfers = append(bs.transfers, data)
		}
		delete(bs.open, handle)
		host.Close(wk, handle)
		return
	}
}

func (bs *BulkServer) Stop(wk *Worker, proc *Process) {
	for _, handle := range sortedKeys(bs.open) {
		proc.host.Close(wk, handle)
	}
	bs.open = nil
	proc.host.Close(wk, bs.listener)
}

func sortedKeys(m map[int][]byte) []int {
	keys := make([]int, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys
}

// BulkClient connects to a bulk server and sends it a fixed number of bytes of
// BulkPattern, in writes whose sizes come from the process's random stream, then closes
type BulkClient struct {
	proc   *Process
	handle int
	total  int
	sent   int
	writes []int
	closed bool
	err    error
}

func (bc *BulkClient) Sent() int     { return bc.sent }
func (bc *BulkClient) Writes() []int { return bc.writes }
func (bc *BulkClient) Done() bool    { return bc.closed && bc.sent == bc.total }
func (bc *BulkClient) Err() error    { return bc.err }

func (bc *BulkClient) Start(wk *Worker, proc *Process) error {
	if err := argCount(proc, 3); err != nil {
		return err
	}
	host := proc.host
	ip, err := resolveServer(host, proc.argv[0])
	if err != nil {
		return err
	}
	port, err := parsePort(proc.argv[1])
	if err != nil {
		return err
	}
	bc.total, err = strconv.Atoi(proc.argv[2])
	if err != nil || bc.total < 0 {
		return fmt.Errorf("bad byte count %q", proc.argv[2])
	}
	bc.proc = proc

	bc.handle, err = host.CreateSocket(wk, DescriptorTCP)
	if err != nil {
		return err
	}
	if err := host.Watch(bc.handle, bc.ready); err != nil {
		return err
	}
	if err := host.Connect(wk, bc.handle, ip, port); err != nil && !errors.Is(err, ErrInProgress) {
		return err
	}
	return nil
}

func (bc *BulkClient) ready(wk *Worker, handle int, status DescriptorStatus) {
	if bc.closed || status&DescWritable == 0 {
		return
	}
	cs, _ := bc.proc.host.ConnectStatus(handle)
	switch cs {
	case ConnectRefused, ConnectReset:
		bc.fail(wk, cs.Err())
	case ConnectEstablishedSignaled, ConnectEstablishedNotSignaled:
		bc.pump(wk)
	}
}

func (bc *BulkClient) pump(wk *Worker) {
	host := bc.proc.host
	for bc.sent < bc.total {
		size := min(bc.proc.rngstrm.RandInt(bulkChunkMin, bulkChunkMax), bc.total-bc.sent)
		chunk := make([]byte, size)
		for idx := range chunk {
			chunk[idx] = BulkPattern(bc.sent + idx)
		}
		n, err := host.Send(wk, bc.handle, chunk)
		bc.sent += n
		if n > 0 {
			bc.writes = append(bc.writes, n)
		}
		if errors.Is(err, ErrWouldBlock) {
			return
		}
		if err != nil {
			bc.fail(wk, err)
			return
		}
	}
	bc.proc.Logf(wk, logrus.InfoLevel, "wrote %d bytes, closing", bc.sent)
	bc.closed = true
	host.Close(wk, bc.handle)
}

func (bc *BulkClient) fail(wk *Worker, err error) {
	bc.err = err
	bc.closed = true
	bc.proc.Logf(wk, logrus.WarnLevel, "transfer failed after %d bytes: %v", bc.sent, err)
	bc.proc.host.Close(wk, bc.handle)
}

func (bc *BulkClient) Stop(wk *Worker, proc *Process) {
	if !bc.closed {
		bc.closed = true
		proc.host.Close(wk, bc.handle)
	}
}

// UDPEcho sends every datagram it receives back to where it came from
type UDPEcho struct {
	proc   *Process
	handle int
	echoed int
}

func (ue *UDPEcho) Echoed() int { return ue.echoed }

func (ue *UDPEcho) Start(wk *Worker, proc *Process) error {
	if err := argCount(proc, 1); err != nil {
		return err
	}
	port, err := parsePort(proc.argv[0])
	if err != nil {
		return err
	}
	ue.proc = proc
	host := proc.host
	if ue.handle, err = host.CreateSocket(wk, DescriptorUDP); err != nil {
		return err
	}
	if err := host.Bind(wk, ue.handle, AnyIP, port); err != nil {
		return err
	}
	return host.Watch(ue.handle, ue.ready)
}

func (ue *UDPEcho) ready(wk *Worker, handle int, status DescriptorStatus) {
	if status&DescReadable == 0 {
		return
	}
	host := ue.proc.host
	buf := make([]byte, UDPMaxDatagramSize)
	for {
		n, ip, port, err := host.ReceiveFrom(wk, handle, buf)
		if err != nil {
			return
		}
		if _, err := host.SendTo(wk, handle, buf[:n], ip, port); err == nil {
			ue.echoed++
		}
	}
}

func (ue *UDPEcho) Stop(wk *Worker, proc *Process) {
	proc.host.Close(wk, ue.handle)
}

// default gap between pings
const udpPingInterval = 100 * SimTimeMillisecond

// UDPPing sends numbered datagrams to an echo server at a fixed interval and records
// the round trip time of each reply
type UDPPing struct {
	proc     *Process
	handle   int
	count    int
	interval SimTime
	sent     int
	rtts     []SimTime
}

func (up *UDPPing) Sent() int             { return up.sent }
func (up *UDPPing) RoundTrips() []SimTime { return up.rtts }

func (up *UDPPing) Start(wk *Worker, proc *Process) error {
	if err := argCount(proc, 3); err != nil {
		return err
	}
	host := proc.host
	ip, err := resolveServer(host, proc.argv[0])
	if err != nil {
		return err
	}
	port, err := parsePort(proc.argv[1])
	if err != nil {
		return err
	}
	if up.count, err = strconv.Atoi(proc.argv[2]); err != nil || up.count < 0 {
		return fmt.Errorf("bad ping count %q", proc.argv[2])
	}
	up.interval = udpPingInterval
	if len(proc.argv) > 3 {
		ms, err := strconv.ParseFloat(proc.argv[3], 64)
		if err != nil || ms <= 0 {
			return fmt.Errorf("bad ping interval %q", proc.argv[3])
		}
		up.interval = SimTimeFromMillis(ms)
	}
	up.proc = proc

	if up.handle, err = host.CreateSocket(wk, DescriptorUDP); err != nil {
		return err
	}
	if err := host.Connect(wk, up.handle, ip, port); err != nil {
		return err
	}
	if err := host.Watch(up.handle, up.ready); err != nil {
		return err
	}
	up.ping(wk, nil)
	return nil
}

func (up *UDPPing) ping(wk *Worker, _ any) {
	if up.sent >= up.count || !up.proc.running {
		return
	}
	msg := make([]byte, 16)
	binary.BigEndian.PutUint64(msg, uint64(up.sent))
	binary.BigEndian.PutUint64(msg[8:], uint64(wk.now))
	if _, err := up.proc.host.Send(wk, up.handle, msg); err != nil {
		up.proc.Logf(wk, logrus.DebugLevel, "ping %d not sent: %v", up.sent, err)
	}
	up.sent++
	wk.ScheduleTask(NewTask("udp-ping", up.ping, nil), up.proc.host, up.interval)
}

func (up *UDPPing) ready(wk *Worker, handle int, status DescriptorStatus) {
	if status&DescReadable == 0 {
		return
	}
	buf := make([]byte, 64)
	for {
		n, err := up.proc.host.Receive(wk, handle, buf)
		if err != nil {
			return
		}
		if n < 16 {
			continue
		}
		sentAt := SimTime(binary.BigEndian.Uint64(buf[8:16]))
		up.rtts = append(up.rtts, wk.now-sentAt)
	}
}

func (up *UDPPing) Stop(wk *Worker, proc *Process) {
	proc.host.Close(wk, up.handle)
}
