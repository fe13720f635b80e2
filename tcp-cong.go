package hostsim

import (
	"fmt"
	"math"
	"strings"
)

// congestionControl decides the congestion window, counted in packets.  TCP calls the
// hooks as acknowledgments, duplicate acknowledgments and timeouts happen.
type congestionControl interface {
	window() uint32
	slowStartThreshold() uint32
	newAck(nAcked uint32)
	duplicateAck(count int)
	timeout()
	name() string
}

const tcpInitialCongestionWindow = 10

func createCongestionControl(name string) (congestionControl, error) {
	switch strings.ToLower(name) {
	case "", "reno":
		return createReno(), nil
	case "aimd":
		return createAIMD(), nil
	}
	return nil, fmt.Errorf("unknown congestion control %q", name)
}

type renoPhase int

const (
	renoSlowStart renoPhase = iota
	renoCongestionAvoidance
	renoFastRecovery
)

// reno is TCP Reno: exponential growth up to the threshold, one packet per window after
// it, halving with fast recovery on three duplicate acks, and a window of one on timeout
type reno struct {
	cwnd     uint32
	ssthresh uint32
	phase    renoPhase
	acked    uint32
}

func createReno() *reno {
	return &reno{cwnd: tcpInitialCongestionWindow, ssthresh: math.MaxUint32}
}

func (r *reno) window() uint32             { return r.cwnd }
func (r *reno) slowStartThreshold() uint32 { return r.ssthresh }
func (r *reno) name() string               { return "reno" }

func (r *reno) newAck(nAcked uint32) {
	switch r.phase {
	case renoFastRecovery:
		r.cwnd = r.ssthresh
		r.phase = renoCongestionAvoidance
		r.acked = 0
	case renoSlowStart:
		r.cwnd += nAcked
		if r.cwnd >= r.ssthresh {
			r.phase = renoCongestionAvoidance
		}
	case renoCongestionAvoidance:
		r.acked += nAcked
		for r.acked >= r.cwnd {
			r.acked -= r.cwnd
			r.cwnd++
		}
	}
}

func (r *reno) duplicateAck(count int) {
	switch {
	case count == 3 && r.phase != renoFastRecovery:
		r.ssthresh = max(r.cwnd/2, 2)
		r.cwnd = r.ssthresh + 3
		r.phase = renoFastRecovery
	case count > 3 && r.phase == renoFastRecovery:
		r.cwnd++
	}
}

func (r *reno) timeout() {
	r.ssthresh = max(r.cwnd/2, 2)
	r.cwnd = 1
	r.acked = 0
	r.phase = renoSlowStart
}

// aimd grows the window by one packet per window acknowledged and halves it on loss
type aimd struct {
	cwnd  uint32
	acked uint32
}

func createAIMD() *aimd {
	return &aimd{cwnd: tcpInitialCongestionWindow}
}

func (a *aimd) window() uint32             { return a.cwnd }
func (a *aimd) slowStartThreshold() uint32 { return a.cwnd }
func (a *aimd) name() string               { return "aimd" }

func (a *aimd) newAck(nAcked uint32) {
	a.acked += nAcked
	for a.acked >= a.cwnd {
		a.acked -= a.cwnd
		a.cwnd++
	}
}

func (a *aimd) duplicateAck(count int) {
	if count == 3 {
		a.cwnd = max(a.cwnd/2, 1)
		a.acked = 0
	}
}

func (a *aimd) timeout() {
	a.cwnd = max(a.cwnd/2, 1)
	a.acked = 0
}
