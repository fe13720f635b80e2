package hostsim

import (
	"container/heap"

	"github.com/sirupsen/logrus"
)

const (
	tcpInitialRTO = SimTimeSecond
	tcpMinRTO     = 200 * SimTimeMillisecond
	tcpMaxRTO     = 120 * SimTimeSecond
)

// tcpRTT is the smoothed round trip estimator: srtt moves 1/8 of the way to each sample,
// rttvar 1/4 of the way to the sample's deviation, and rto = srtt + 4*rttvar.
type tcpRTT struct {
	srtt     SimTime
	rttvar   SimTime
	rto      SimTime
	valid    bool
	backoffs int
}

func (r *tcpRTT) reset() {
	r.srtt, r.rttvar = 0, 0
	r.rto = tcpInitialRTO
	r.valid = false
}

func (r *tcpRTT) sample(m SimTime) {
	if !r.valid {
		r.srtt = m
		r.rttvar = m / 2
		r.valid = true
	} else {
		dev := r.srtt - m
		if m > r.srtt {
			dev = m - r.srtt
		}
		r.rttvar = (3*r.rttvar + dev) / 4
		r.srtt = (7*r.srtt + m) / 8
	}
	r.rto = clampRTO(r.srtt + 4*r.rttvar)
}

func (r *tcpRTT) backoff() {
	r.rto = clampRTO(2 * r.rto)
	r.backoffs++
}

func clampRTO(rto SimTime) SimTime {
	return min(max(rto, tcpMinRTO), tcpMaxRTO)
}

// timeHeap is a min-heap of the times retransmit checks are scheduled for
type timeHeap []SimTime

func (th timeHeap) Len() int           { return len(th) }
func (th timeHeap) Less(i, j int) bool { return th[i] < th[j] }
func (th timeHeap) Swap(i, j int)      { th[i], th[j] = th[j], th[i] }
func (th *timeHeap) Push(x any)        { *th = append(*th, x.(SimTime)) }

func (th *timeHeap) Pop() any {
	old := *th
	n := len(old)
	t := old[n-1]
	*th = old[:n-1]
	return t
}

// tcpRetransmitTimer never cancels an event.  desired is when the timer should expire,
// zero when it is off.  Each scheduled check is recorded in scheduled; a check that fires
// before desired schedules another for desired, and one that fires with the timer off
// does nothing.  A new check is only scheduled when none already pending fires by then.
type tcpRetransmitTimer struct {
	desired   SimTime
	scheduled timeHeap
}

func (tcp *TCP) setRetransmitTimer(wk *Worker, at SimTime) {
	tcp.timer.desired = at
	tcp.scheduleTimerCheck(wk, at)
}

func (tcp *TCP) scheduleTimerCheck(wk *Worker, at SimTime) {
	if len(tcp.timer.scheduled) > 0 && tcp.timer.scheduled[0] <= at {
		return
	}
	if at < wk.now {
		at = wk.now
	}
	if wk.ScheduleTask(NewTask("tcp-retransmit", tcp.retransmitTimerFired, nil), nil, at-wk.now) {
		heap.Push(&tcp.timer.scheduled, at)
	}
}

func (tcp *TCP) retransmitTimerFired(wk *Worker, _ any) {
	if len(tcp.timer.scheduled) > 0 {
		heap.Pop(&tcp.timer.scheduled)
	}
	if tcp.state == TCPStateClosed || tcp.timer.desired == 0 {
		return
	}
	if tcp.timer.desired > wk.now {
		tcp.scheduleTimerCheck(wk, tcp.timer.desired)
		return
	}
	tcp.timer.desired = 0
	tcp.retransmitTimeout(wk)
}

// retransmitTimeout backs off, tells congestion control, and marks every segment in
// flight lost so the next flush sends them again
func (tcp *TCP) retransmitTimeout(wk *Worker) {
	tcp.rtt.backoff()
	tcp.cong.timeout()
	tcp.dupAcks = 0
	for seq := range tcp.retransmit {
		tcp.lost[seq] = true
	}
	tcp.host.log.logf(wk.now, logrus.DebugLevel, "tcp %s:%d retransmit timeout, %d in flight, rto %s",
		IPString(tcp.boundIP), tcp.boundPort, len(tcp.retransmit), tcp.rtt.rto)
	tcp.flush(wk)
}

// fastRetransmit marks lost the oldest unacknowledged segment and every segment below
// the highest one the peer reports holding that it does not hold
func (tcp *TCP) fastRetransmit(wk *Worker) {
	var highest uint32
	for seq := range tcp.sacked {
		highest = max(highest, seq)
	}
	if !tcp.sacked[tcp.send.unacked] {
		tcp.lost[tcp.send.unacked] = true
	}
	for seq := range tcp.retransmit {
		if seq < highest && !tcp.sacked[seq] {
			tcp.lost[seq] = true
		}
	}
	tcp.host.log.logf(wk.now, logrus.TraceLevel, "tcp %s:%d fast retransmit from %d, %d lost",
		IPString(tcp.boundIP), tcp.boundPort, tcp.send.unacked, len(tcp.lost))
}
