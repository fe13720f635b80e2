package hostsim

import "math"

func clampBuffer(size, lo, hi int) int {
	return min(max(size, lo), hi)
}

// autotuneInit sizes the buffers of a new connection to the bandwidth-delay product of
// its path, with a quarter more for slack.  The bandwidth is the narrower of this side's
// link and the peer's in the direction of each buffer.
func (tcp *TCP) autotuneInit(wk *Worker) {
	if !tcp.autotune.recv && !tcp.autotune.send {
		return
	}
	tcp.autotune.lastAdjust = wk.now
	mgr := wk.mgr
	local := mgr.dns.ResolveIP(tcp.sourceIP())
	peer := mgr.dns.ResolveIP(tcp.peerIP)
	if local == nil || peer == nil {
		return
	}
	latency := mgr.topology.GetLatency(local, peer)
	if math.IsInf(latency, 1) {
		return
	}
	ownDown, ownUp, ok := mgr.topology.VertexBandwidth(local)
	if !ok {
		return
	}
	peerDown, peerUp, ok := mgr.topology.VertexBandwidth(peer)
	if !ok {
		return
	}
	if tcp.host.ethernet != nil {
		if r := tcp.host.ethernet.SendRate(); r > 0 {
			ownUp = r / 1024.0
		}
		if r := tcp.host.ethernet.ReceiveRate(); r > 0 {
			ownDown = r / 1024.0
		}
	}

	rtt := 2.0 * latency / 1000.0
	bdp := func(kibPerSec float64) int {
		return int(math.Ceil(rtt * kibPerSec * 1024.0 * 1.25))
	}
	if tcp.autotune.recv {
		tcp.setInputBufferSize(clampBuffer(bdp(math.Min(ownDown, peerUp)), tcpMinBuffer, tcpMaxRecvBuffer))
	}
	if tcp.autotune.send {
		tcp.setOutputBufferSize(wk, clampBuffer(bdp(math.Min(ownUp, peerDown)), tcpMinBuffer, tcpMaxSendBuffer))
	}
}

// autotuneReceive grows the input buffer to twice what the application drains in a
// round trip
func (tcp *TCP) autotuneReceive(wk *Worker, n int) {
	if !tcp.autotune.recv {
		return
	}
	tcp.autotune.bytesCopied += n
	period := tcp.rtt.srtt
	if !tcp.rtt.valid {
		period = tcp.rtt.rto
	}
	if wk.now-tcp.autotune.lastAdjust < period {
		return
	}
	space := 2 * tcp.autotune.bytesCopied
	if space > tcp.inputSize {
		tcp.setInputBufferSize(min(space, tcpAutotuneMaxFactor*tcpMaxRecvBuffer))
	}
	tcp.autotune.bytesCopied = 0
	tcp.autotune.lastAdjust = wk.now
}

// autotuneSend keeps the output buffer at twice the congestion window
func (tcp *TCP) autotuneSend(wk *Worker) {
	if !tcp.autotune.send {
		return
	}
	want := 2 * int(tcp.cong.window()) * TCPMaxSegmentSize
	if want > tcp.outputSize {
		tcp.setOutputBufferSize(wk, min(want, tcpAutotuneMaxFactor*tcpMaxSendBuffer))
	}
}
