package hostsim

import (
	"bytes"
	"errors"
	"path/filepath"
	"strconv"
	"testing"

	"golang.org/x/exp/slices"
	"gopkg.in/yaml.v3"
)

func bulkPatternBytes(n int) []byte {
	data := make([]byte, n)
	for idx := range data {
		data[idx] = BulkPattern(idx)
	}
	return data
}

// bulkTransfer runs a bulk client against a bulk server on two vertices joined by an
// edge with the given loss, and returns what the server received
func bulkTransfer(t *testing.T, loss float64, nBytes int, server HostDesc) ([][]byte, *BulkClient) {
	t.Helper()
	cfg := CreateSimulationCfg("bulk", 120)
	cfg.Seed = 5
	server.Name = "server"
	server.IP = "12.0.0.2"
	server.Processes = []ProcessDesc{{Plugin: "bulkserver", Start: 0, Args: []string{"8080"}}}
	client := HostDesc{Name: "client", IP: "12.0.0.1",
		Processes: []ProcessDesc{{Plugin: "bulkclient", Start: 0.5, Args: []string{"server", "8080", strconv.Itoa(nBytes)}}}}

	mgr := testManager(t, cfg, fullMesh(2, 10, loss), client, server)
	if err := mgr.Run(); err != nil {
		t.Fatal(err)
	}
	bs := mgr.HostByName("server").Processes()[0].Application().(*BulkServer)
	bc := mgr.HostByName("client").Processes()[0].Application().(*BulkClient)
	return bs.Transfers(), bc
}

func TestBulkTransferLossless(t *testing.T) {
	transfers, bc := bulkTransfer(t, 0, 256*1024, HostDesc{})
	if bc.Err() != nil || !bc.Done() {
		t.Fatalf("client finished=%v err=%v after %d bytes", bc.Done(), bc.Err(), bc.Sent())
	}
	if len(transfers) != 1 {
		t.Fatalf("server completed %d transfers", len(transfers))
	}
	if !bytes.Equal(transfers[0], bulkPatternBytes(256*1024)) {
		t.Errorf("server received %d bytes that differ from what was sent", len(transfers[0]))
	}
}

func TestBulkTransferWithLoss(t *testing.T) {
	const nBytes = 100 * 1024
	transfers, bc := bulkTransfer(t, 0.05, nBytes, HostDesc{})
	if bc.Err() != nil || !bc.Done() {
		t.Fatalf("client finished=%v err=%v after %d bytes", bc.Done(), bc.Err(), bc.Sent())
	}
	if len(transfers) != 1 {
		t.Fatalf("server completed %d transfers", len(transfers))
	}
	if !bytes.Equal(transfers[0], bulkPatternBytes(nBytes)) {
		t.Errorf("server received %d bytes that differ from what was sent", len(transfers[0]))
	}
}

func TestBulkTransferRoundRobinCoDel(t *testing.T) {
	server := HostDesc{QDisc: "rr", RouterQueue: "codel", SocketRecvBuffer: 64 * 1024}
	transfers, bc := bulkTransfer(t, 0.01, 64*1024, server)
	if !bc.Done() || len(transfers) != 1 || !bytes.Equal(transfers[0], bulkPatternBytes(64*1024)) {
		t.Errorf("transfer through codel router failed: done=%v transfers=%d", bc.Done(), len(transfers))
	}
}

// socketCalls runs fn on the first host of a fresh two host simulation, before the run
func socketCalls(t *testing.T, fn func(wk *Worker, host *Host)) {
	t.Helper()
	cfg := CreateSimulationCfg("sockets", 100)
	mgr := testManager(t, cfg, fullMesh(2, 5, 0), meshHosts(2)...)
	onHost(mgr, mgr.hosts[0], func(wk *Worker) { fn(wk, mgr.hosts[0]) })
}

// queuedTasks lists, in time order, when the host's pending events named name will run
func queuedTasks(host *Host, name string) []SimTime {
	host.events.mu.Lock()
	defer host.events.mu.Unlock()
	var times []SimTime
	for _, ev := range host.events.events {
		if ev.task.name == name {
			times = append(times, ev.time)
		}
	}
	slices.Sort(times)
	return times
}

func TestJitteredTransferArrivesInOrder(t *testing.T) {
	const nBytes = 200 * 1024
	cfg := CreateSimulationCfg("jitter", 120)
	cfg.Seed = 11
	cfg.TraceFile = filepath.Join(t.TempDir(), "jitter.yaml")
	gd := fullMesh(2, 10, 0.01)
	gd.EdgeList[0].Jitter = 5
	server := HostDesc{Name: "server", IP: "12.0.0.2",
		Processes: []ProcessDesc{{Plugin: "bulkserver", Args: []string{"8080"}}}}
	client := HostDesc{Name: "client", IP: "12.0.0.1",
		Processes: []ProcessDesc{{Plugin: "bulkclient", Start: 0.5, Args: []string{"server", "8080", strconv.Itoa(nBytes)}}}}
	mgr := testManager(t, cfg, gd, client, server)
	if err := mgr.Run(); err != nil {
		t.Fatal(err)
	}

	bc := mgr.HostByName("client").Processes()[0].Application().(*BulkClient)
	bs := mgr.HostByName("server").Processes()[0].Application().(*BulkServer)
	if !bc.Done() || len(bs.Transfers()) != 1 {
		t.Fatalf("client finished=%v err=%v, server completed %d transfers", bc.Done(), bc.Err(), len(bs.Transfers()))
	}
	if !bytes.Equal(bs.Transfers()[0], bulkPatternBytes(nBytes)) {
		t.Errorf("server received %d bytes that differ from what was sent", len(bs.Transfers()[0]))
	}
	sizes := slices.Clone(bc.Writes())
	slices.Sort(sizes)
	if len(sizes) < 2 || sizes[0] == sizes[len(sizes)-1] {
		t.Errorf("writes were not of varying size: %v", bc.Writes())
	}

	reordered := 0
	for _, list := range mgr.Trace().Traces {
		for _, inst := range list {
			var pt PacketTrace
			if err := yaml.Unmarshal([]byte(inst.TraceStr), &pt); err != nil {
				t.Fatal(err)
			}
			if pt.Op == StatusRcvTCPEnqueueUnordered.String() {
				reordered++
			}
		}
	}
	if reordered == 0 {
		t.Error("no segment arrived out of order")
	}
}

func TestRTTEstimator(t *testing.T) {
	var r tcpRTT
	r.reset()
	if r.rto != SimTimeSecond || r.valid {
		t.Fatalf("fresh estimator rto %s valid %v", r.rto, r.valid)
	}
	r.sample(100 * SimTimeMillisecond)
	if r.srtt != 100*SimTimeMillisecond || r.rttvar != 50*SimTimeMillisecond || r.rto != 300*SimTimeMillisecond {
		t.Errorf("first sample gave srtt %s rttvar %s rto %s", r.srtt, r.rttvar, r.rto)
	}
	r.sample(200 * SimTimeMillisecond)
	if r.srtt != 112500*SimTimeMicrosecond || r.rttvar != 62500*SimTimeMicrosecond {
		t.Errorf("second sample gave srtt %s rttvar %s", r.srtt, r.rttvar)
	}
	if r.rto != 362500*SimTimeMicrosecond {
		t.Errorf("rto %s, expected srtt plus four times rttvar", r.rto)
	}

	r.reset()
	r.sample(SimTimeMillisecond)
	if r.rto != 200*SimTimeMillisecond {
		t.Errorf("rto %s below the floor", r.rto)
	}
	for n := 0; n < 20; n++ {
		r.backoff()
	}
	if r.rto != 120*SimTimeSecond || r.backoffs != 20 {
		t.Errorf("after 20 backoffs rto is %s", r.rto)
	}
}

func TestBackoffResetsEstimator(t *testing.T) {
	socketCalls(t, func(wk *Worker, host *Host) {
		for _, test := range []struct {
			backoffs int
			reset    bool
		}{{2, false}, {3, true}} {
			h, _ := host.CreateSocket(wk, DescriptorTCP)
			tcp := host.Descriptor(h).(*TCP)
			tcp.state = TCPStateEstablished
			tcp.send.unacked, tcp.send.next = 1, 10
			tcp.rtt.sample(100 * SimTimeMillisecond)
			for n := 0; n < test.backoffs; n++ {
				tcp.rtt.backoff()
			}

			tcp.processAck(wk, &TCPHeader{Flags: TCPFlagACK, Acknowledgment: 5})
			if tcp.rtt.backoffs != 0 || tcp.send.unacked != 5 {
				t.Errorf("%d backoffs: ack left backoffs %d unacked %d", test.backoffs, tcp.rtt.backoffs, tcp.send.unacked)
			}
			if reset := !tcp.rtt.valid && tcp.rtt.rto == SimTimeSecond; reset != test.reset {
				t.Errorf("%d backoffs: estimator reset=%v, rto %s", test.backoffs, reset, tcp.rtt.rto)
			}
		}
	})
}

func TestRetransmitTimerWatermark(t *testing.T) {
	socketCalls(t, func(wk *Worker, host *Host) {
		h, _ := host.CreateSocket(wk, DescriptorTCP)
		tcp := host.Descriptor(h).(*TCP)
		tcp.state = TCPStateEstablished

		tcp.setRetransmitTimer(wk, 100*SimTimeMillisecond)
		tcp.setRetransmitTimer(wk, 300*SimTimeMillisecond)
		if checks := queuedTasks(host, "tcp-retransmit"); len(checks) != 1 || checks[0] != 100*SimTimeMillisecond {
			t.Fatalf("later expiry scheduled its own check: %v", checks)
		}

		// the early check finds the timer pushed back and waits again
		wk.now = 100 * SimTimeMillisecond
		tcp.retransmitTimerFired(wk, nil)
		if tcp.rtt.backoffs != 0 || tcp.timer.desired != 300*SimTimeMillisecond {
			t.Errorf("stale check expired the timer: backoffs %d desired %s", tcp.rtt.backoffs, tcp.timer.desired)
		}
		if len(tcp.timer.scheduled) != 1 || tcp.timer.scheduled[0] != 300*SimTimeMillisecond {
			t.Errorf("stale check rescheduled at %v", tcp.timer.scheduled)
		}

		wk.now = 300 * SimTimeMillisecond
		tcp.retransmitTimerFired(wk, nil)
		if tcp.rtt.backoffs != 1 || tcp.rtt.rto != 2*SimTimeSecond || tcp.timer.desired != 0 {
			t.Errorf("expiry left backoffs %d rto %s desired %s", tcp.rtt.backoffs, tcp.rtt.rto, tcp.timer.desired)
		}
		tcp.retransmitTimerFired(wk, nil)
		if tcp.rtt.backoffs != 1 {
			t.Error("check with the timer off expired it again")
		}
	})
}

func TestTimeWaitDelay(t *testing.T) {
	socketCalls(t, func(wk *Worker, host *Host) {
		h, _ := host.CreateSocket(wk, DescriptorTCP)
		tcp := host.Descriptor(h).(*TCP)
		tcp.state = TCPStateFinWait2
		tcp.enterTimeWait(wk)

		child := createTCP(host, 0, 4096, 4096, host.congestion, false, false)
		child.child = &tcpChild{}
		child.state = TCPStateClosing
		child.enterTimeWait(wk)

		if tcp.State() != TCPStateTimeWait || child.State() != TCPStateTimeWait {
			t.Fatalf("states %s and %s", tcp.State(), child.State())
		}
		waits := queuedTasks(host, "tcp-timewait")
		if len(waits) != 2 || waits[0] != SimTimeSecond || waits[1] != 60*SimTimeSecond {
			t.Errorf("time wait expiries at %v, expected 1s for the server child and 60s otherwise", waits)
		}

		wk.now = 60 * SimTimeSecond
		tcp.timeWaitExpired(wk, nil)
		if tcp.State() != TCPStateClosed {
			t.Errorf("time wait expiry left %s", tcp.State())
		}
	})
}

// synFrom is a connection request from port peerPort of the second mesh host
func synFrom(host *Host, port, peerPort uint16) *Packet {
	pkt := createPacket(uint64(peerPort), ProtocolTCP, nil, 0)
	pkt.setTCP(TCPFlagSYN, IPToValue(parseIP(vertexIP(2))), peerPort, host.IP(), port, 0)
	pkt.tcp.Window = 65535
	return pkt
}

// listenOn opens a listener on port and returns its handle and socket
func listenOn(t *testing.T, wk *Worker, host *Host, port uint16, backlog int) (int, *TCP) {
	t.Helper()
	h, _ := host.CreateSocket(wk, DescriptorTCP)
	if err := host.Bind(wk, h, AnyIP, port); err != nil {
		t.Fatal(err)
	}
	if err := host.Listen(wk, h, backlog); err != nil {
		t.Fatal(err)
	}
	return h, host.Descriptor(h).(*TCP)
}

func TestListenerBacklog(t *testing.T) {
	socketCalls(t, func(wk *Worker, host *Host) {
		h, lst := listenOn(t, wk, host, 8080, 0)
		if lst.server.backlog != 128 {
			t.Errorf("default backlog %d", lst.server.backlog)
		}
		if err := host.Listen(wk, h, 500); err != nil || lst.server.backlog != 128 {
			t.Errorf("backlog of 500 became %d, %v", lst.server.backlog, err)
		}
		if err := host.Listen(wk, h, 2); err != nil || lst.server.backlog != 2 {
			t.Errorf("backlog of 2 became %d, %v", lst.server.backlog, err)
		}

		// two established connections wait for accept
		for n := 0; n < 2; n++ {
			lst.server.pending = append(lst.server.pending, createTCP(host, 0, 4096, 4096, host.congestion, false, false))
		}
		syn := synFrom(host, 8080, 4000)
		lst.serverProcessPacket(wk, syn)
		if len(lst.server.children) != 0 || !syn.HasDeliveryStatus(StatusRcvSocketDropped) {
			t.Errorf("SYN to a full backlog spawned %d children", len(lst.server.children))
		}

		lst.server.pending = lst.server.pending[:1]
		lst.serverProcessPacket(wk, synFrom(host, 8080, 4001))
		child, present := lst.server.children[childKey(IPToValue(parseIP(vertexIP(2))), 4001)]
		if !present || child.State() != TCPStateSynReceived {
			t.Errorf("SYN with room in the backlog spawned %v", child)
		}
	})
}

func TestListenerLingersForAcceptedChild(t *testing.T) {
	socketCalls(t, func(wk *Worker, host *Host) {
		h, lst := listenOn(t, wk, host, 8080, 4)
		lst.serverProcessPacket(wk, synFrom(host, 8080, 4000))
		lst.serverProcessPacket(wk, synFrom(host, 8080, 4001))
		peer := IPToValue(parseIP(vertexIP(2)))
		kept, dropped := lst.server.children[childKey(peer, 4000)], lst.server.children[childKey(peer, 4001)]
		if kept == nil || dropped == nil {
			t.Fatalf("listener holds %d children", len(lst.server.children))
		}
		kept.child.accepted = true
		kept.state = TCPStateEstablished

		if err := host.Close(wk, h); err != nil {
			t.Fatal(err)
		}
		if dropped.State() != TCPStateClosed {
			t.Errorf("unaccepted child left in %s", dropped.State())
		}
		if kept.State() != TCPStateEstablished || len(lst.server.children) != 1 {
			t.Errorf("accepted child in %s, %d children left", kept.State(), len(lst.server.children))
		}
		if host.Descriptor(h) == nil {
			t.Error("listener released while an accepted child is open")
		}

		kept.enterClosed(wk)
		if host.Descriptor(h) != nil {
			t.Error("listener outlived its last child")
		}
	})
}

func TestClosedListenerResetsUnacceptedPeer(t *testing.T) {
	cfg := CreateSimulationCfg("reset", 3)
	client := HostDesc{Name: "client", IP: "12.0.0.1",
		Processes: []ProcessDesc{{Plugin: "bulkclient", Start: 0.1, Args: []string{"server", "8080", "1000000"}}}}
	server := HostDesc{Name: "server", IP: "12.0.0.2", SocketRecvBuffer: 16384}
	mgr := testManager(t, cfg, fullMesh(2, 10, 0), client, server)

	srv := mgr.HostByName("server")
	released := false
	onHost(mgr, srv, func(wk *Worker) {
		h, _ := listenOn(t, wk, srv, 8080, 4)
		wk.ScheduleTask(NewTask("close-listener", func(wk *Worker, _ any) {
			if err := srv.Close(wk, h); err != nil {
				t.Error(err)
			}
		}, nil), srv, SimTimeSecond)
		wk.ScheduleTask(NewTask("check-listener", func(wk *Worker, _ any) {
			released = srv.Descriptor(h) == nil
		}, nil), srv, 2*SimTimeSecond)
	})
	if err := mgr.Run(); err != nil {
		t.Fatal(err)
	}

	bc := mgr.HostByName("client").Processes()[0].Application().(*BulkClient)
	if !errors.Is(bc.Err(), ErrConnReset) {
		t.Errorf("client of a never accepted connection ended with %v after %d bytes", bc.Err(), bc.Sent())
	}
	if !released {
		t.Error("closed listener still holds its handle")
	}
}

func TestEthernetSocketReachesLoopback(t *testing.T) {
	cfg := CreateSimulationCfg("lo", 1)
	mgr := testManager(t, cfg, fullMesh(2, 5, 0), meshHosts(2)...)
	host := mgr.hosts[0]
	var got string
	var from uint32
	onHost(mgr, host, func(wk *Worker) {
		rx, _ := host.CreateSocket(wk, DescriptorUDP)
		if err := host.Bind(wk, rx, LoopbackIP, 7000); err != nil {
			t.Fatal(err)
		}
		host.Watch(rx, func(wk *Worker, handle int, status DescriptorStatus) {
			if status&DescReadable == 0 {
				return
			}
			buf := make([]byte, 64)
			if n, ip, _, err := host.ReceiveFrom(wk, handle, buf); err == nil {
				got, from = string(buf[:n]), ip
			}
		})
		tx, _ := host.CreateSocket(wk, DescriptorUDP)
		if err := host.Bind(wk, tx, host.IP(), 5000); err != nil {
			t.Fatal(err)
		}
		if _, err := host.SendTo(wk, tx, []byte("hello"), LoopbackIP, 7000); err != nil {
			t.Fatal(err)
		}
	})
	if err := mgr.Run(); err != nil {
		t.Fatal(err)
	}
	if got != "hello" || from != host.IP() {
		t.Errorf("loopback socket received %q from %s", got, IPString(from))
	}
	if host.Loopback().BytesReceived() == 0 {
		t.Error("datagram to 127.0.0.1 did not arrive on the loopback interface")
	}
}

func TestSocketCallErrors(t *testing.T) {
	socketCalls(t, func(wk *Worker, host *Host) {
		h1, err := host.CreateSocket(wk, DescriptorTCP)
		if err != nil {
			t.Fatal(err)
		}
		if h1 != firstDescriptorHandle {
			t.Errorf("first handle is %d", h1)
		}
		if err := host.Bind(wk, h1, AnyIP, 9000); err != nil {
			t.Fatal(err)
		}
		if err := host.Bind(wk, h1, AnyIP, 9001); !errors.Is(err, ErrInvalid) {
			t.Errorf("second bind gave %v", err)
		}

		h2, _ := host.CreateSocket(wk, DescriptorTCP)
		if err := host.Bind(wk, h2, host.IP(), 9000); !errors.Is(err, ErrAddrInUse) {
			t.Errorf("bind to a port in use gave %v", err)
		}
		if err := host.Bind(wk, h2, IPToValue(parseIP("13.1.1.1")), 9002); !errors.Is(err, ErrAddrNotAvailable) {
			t.Errorf("bind to a foreign address gave %v", err)
		}
		if err := host.Bind(wk, h2, LoopbackIP, 0); err != nil {
			t.Fatal(err)
		}
		ip, port, err := host.SocketName(h2)
		if err != nil || ip != LoopbackIP || port < ephemeralPortMin {
			t.Errorf("ephemeral bind gave %s:%d %v", IPString(ip), port, err)
		}

		if _, err := host.Receive(wk, h2, make([]byte, 10)); !errors.Is(err, ErrNotConnected) {
			t.Errorf("receive on an unconnected socket gave %v", err)
		}
		if _, err := host.Send(wk, h2, []byte("x")); !errors.Is(err, ErrNotConnected) {
			t.Errorf("send on an unconnected socket gave %v", err)
		}
		if _, err := host.Accept(wk, h2); !errors.Is(err, ErrInvalid) {
			t.Errorf("accept on a non-listener gave %v", err)
		}

		if err := host.Listen(wk, h1, 4); err != nil {
			t.Fatal(err)
		}
		if _, err := host.Accept(wk, h1); !errors.Is(err, ErrWouldBlock) {
			t.Errorf("accept with no pending connection gave %v", err)
		}
		if err := host.Close(wk, h1); err != nil {
			t.Fatal(err)
		}
		if err := host.Close(wk, h1); !errors.Is(err, ErrBadDescriptor) {
			t.Errorf("second close gave %v", err)
		}
		if _, err := host.CreateSocket(wk, DescriptorNone); !errors.Is(err, ErrNotSupported) {
			t.Errorf("unknown descriptor type gave %v", err)
		}
	})
}

func TestUDPSocketCalls(t *testing.T) {
	socketCalls(t, func(wk *Worker, host *Host) {
		h, _ := host.CreateSocket(wk, DescriptorUDP)
		if _, err := host.Send(wk, h, []byte("hello")); !errors.Is(err, ErrDestAddrNeeded) {
			t.Errorf("send without a peer gave %v", err)
		}
		if _, err := host.SendTo(wk, h, make([]byte, UDPMaxDatagramSize+1), LoopbackIP, 9); !errors.Is(err, ErrMessageSize) {
			t.Errorf("oversized datagram gave %v", err)
		}
		if err := host.Shutdown(wk, h, ShutWrite); !errors.Is(err, ErrNotConnected) {
			t.Errorf("shutdown of an unconnected udp socket gave %v", err)
		}
		if _, _, err := host.PeerName(h); !errors.Is(err, ErrNotConnected) {
			t.Errorf("peer name without a peer gave %v", err)
		}
		if err := host.Connect(wk, h, LoopbackIP, 9); err != nil {
			t.Fatal(err)
		}
		if ip, port, err := host.PeerName(h); err != nil || ip != LoopbackIP || port != 9 {
			t.Errorf("peer is %s:%d %v", IPString(ip), port, err)
		}
		if _, _, err := host.SocketName(h); err != nil {
			t.Errorf("connect did not bind: %v", err)
		}
		if err := host.Listen(wk, h, 1); !errors.Is(err, ErrNotSupported) {
			t.Errorf("listen on udp gave %v", err)
		}
	})
}

func TestConnectRefused(t *testing.T) {
	cfg := CreateSimulationCfg("refused", 2)
	client := HostDesc{Name: "client", IP: "12.0.0.1",
		Processes: []ProcessDesc{{Plugin: "bulkclient", Start: 0.1, Args: []string{"server", "8080", "1000"}}}}
	mgr := testManager(t, cfg, fullMesh(2, 5, 0), client, HostDesc{Name: "server", IP: "12.0.0.2"})
	if err := mgr.Run(); err != nil {
		t.Fatal(err)
	}
	bc := mgr.HostByName("client").Processes()[0].Application().(*BulkClient)
	if !errors.Is(bc.Err(), ErrConnRefused) {
		t.Errorf("connect to a closed port ended with %v", bc.Err())
	}
}

func TestUDPPingEcho(t *testing.T) {
	cfg := CreateSimulationCfg("ping", 3)
	server := HostDesc{Name: "echo", IP: "12.0.0.2",
		Processes: []ProcessDesc{{Plugin: "udpecho", Args: []string{"7"}}}}
	client := HostDesc{Name: "pinger", IP: "12.0.0.1",
		Processes: []ProcessDesc{{Plugin: "udpping", Start: 0.1, Args: []string{"echo", "7", "10", "50"}}}}
	mgr := testManager(t, cfg, fullMesh(2, 20, 0), server, client)
	if err := mgr.Run(); err != nil {
		t.Fatal(err)
	}
	up := mgr.HostByName("pinger").Processes()[0].Application().(*UDPPing)
	if up.Sent() != 10 || len(up.RoundTrips()) != 10 {
		t.Fatalf("sent %d pings, got %d replies", up.Sent(), len(up.RoundTrips()))
	}
	for _, rtt := range up.RoundTrips() {
		if rtt < 40*SimTimeMillisecond || rtt > 45*SimTimeMillisecond {
			t.Errorf("round trip of %s over two 20ms paths", rtt)
		}
	}
	ue := mgr.HostByName("echo").Processes()[0].Application().(*UDPEcho)
	if ue.Echoed() != 10 {
		t.Errorf("echo server echoed %d datagrams", ue.Echoed())
	}
}

func TestLoopbackTCP(t *testing.T) {
	cfg := CreateSimulationCfg("loopback", 5)
	hd := HostDesc{Name: "solo", Processes: []ProcessDesc{
		{Plugin: "bulkserver", Args: []string{"80"}},
		{Plugin: "bulkclient", Start: 0.01, Args: []string{"127.0.0.1", "80", "50000"}},
	}}
	mgr := testManager(t, cfg, fullMesh(2, 5, 0), hd)
	if err := mgr.Run(); err != nil {
		t.Fatal(err)
	}
	host := mgr.HostByName("solo")
	bs := host.Processes()[0].Application().(*BulkServer)
	if len(bs.Transfers()) != 1 || !bytes.Equal(bs.Transfers()[0], bulkPatternBytes(50000)) {
		t.Errorf("loopback transfer failed, %d transfers", len(bs.Transfers()))
	}
	if host.Ethernet().BytesSent() != 0 {
		t.Errorf("loopback traffic left on the ethernet interface: %d bytes", host.Ethernet().BytesSent())
	}
}

func TestSocketBufferResize(t *testing.T) {
	socketCalls(t, func(wk *Worker, host *Host) {
		h, _ := host.CreateSocket(wk, DescriptorUDP)
		udp := host.Descriptor(h).(*UDP)
		if err := host.SetBufferSize(wk, h, 3000, 0); err != nil {
			t.Fatal(err)
		}
		for id := uint64(1); id <= 3; id++ {
			if !udp.addToInputBuffer(wk, udpPacket(id, 1000)) {
				t.Errorf("datagram %d refused", id)
			}
		}
		if udp.addToInputBuffer(wk, udpPacket(4, 1)) {
			t.Error("full input buffer took another datagram")
		}
		if udp.Status()&DescReadable == 0 {
			t.Error("socket with buffered input not readable")
		}

		// shrinking below what is buffered waits for the reader
		if err := host.SetBufferSize(wk, h, 1500, 0); err != nil {
			t.Fatal(err)
		}
		if udp.InputBufferSize() != 3000 {
			t.Errorf("input size changed to %d while 3000 bytes are buffered", udp.InputBufferSize())
		}
		buf := make([]byte, 2000)
		for n := 0; n < 2; n++ {
			if got, err := host.Receive(wk, h, buf); err != nil || got != 1000 {
				t.Fatalf("receive gave %d %v", got, err)
			}
		}
		if udp.InputBufferSize() != 1500 || udp.InputBufferLength() != 1000 {
			t.Errorf("after draining, input is %d/%d", udp.InputBufferLength(), udp.InputBufferSize())
		}
		if err := host.SetBufferSize(wk, h, -1, 0); err == nil {
			t.Error("negative buffer size accepted")
		}

		tcpHandle, _ := host.CreateSocket(wk, DescriptorTCP)
		if err := host.SetBufferSize(wk, tcpHandle, 0, 8192); err != nil {
			t.Fatal(err)
		}
		tcp := host.Descriptor(tcpHandle).(*TCP)
		if tcp.OutputBufferSize() != 8192 || tcp.autotune.send || tcp.autotune.recv != host.autotuneRecv {
			t.Errorf("explicit send buffer left size %d autotune send=%v", tcp.OutputBufferSize(), tcp.autotune.send)
		}
	})
}
