package hostsim

import (
	"fmt"
	"strings"

	"github.com/unixpickle/essentials"
)

// QDisc names the discipline an interface uses to pick which socket sends next
type QDisc int

const (
	QDiscFIFO QDisc = iota
	QDiscRoundRobin
)

func (qd QDisc) String() string {
	if qd == QDiscRoundRobin {
		return "rr"
	}
	return "fifo"
}

func parseQDisc(name string) (QDisc, error) {
	switch strings.ToLower(name) {
	case "", "fifo":
		return QDiscFIFO, nil
	case "rr", "roundrobin", "round-robin":
		return QDiscRoundRobin, nil
	}
	return QDiscFIFO, fmt.Errorf("unknown queueing discipline %q", name)
}

// sendQueue holds the sockets of an interface that have packets to send.  A socket is
// added when it says it wants to send and dropped once it has nothing left.
type sendQueue interface {
	add(t transport)
	// next returns the socket to serve, nil if there is none
	next() transport
	// served is called after next's socket sent one packet
	served(t transport)
	remove(t transport)
	len() int
}

func createSendQueue(qd QDisc) sendQueue {
	if qd == QDiscRoundRobin {
		return &rrQueue{member: make(map[transport]bool)}
	}
	return &fifoQueue{member: make(map[transport]bool)}
}

// fifoQueue serves the socket whose next packet has the lowest priority value.
// Data priorities come from a per-host counter and control packets have priority 0,
// so this is first-come first-served across sockets with control traffic first.
type fifoQueue struct {
	sockets []transport
	member  map[transport]bool
}

func (fq *fifoQueue) add(t transport) {
	if fq.member[t] {
		return
	}
	fq.member[t] = true
	fq.sockets = append(fq.sockets, t)
}

func (fq *fifoQueue) next() transport {
	var best transport
	var bestPriority uint64
	for _, t := range fq.sockets {
		pkt := t.socket().peekNextOutPacket()
		if pkt == nil {
			continue
		}
		if best == nil || pkt.priority < bestPriority {
			best, bestPriority = t, pkt.priority
		}
	}
	if best == nil && len(fq.sockets) > 0 {
		// everything left is empty, let the caller discard it
		return fq.sockets[0]
	}
	return best
}

func (fq *fifoQueue) served(t transport) {
	if !t.socket().hasOutput() {
		fq.remove(t)
	}
}

func (fq *fifoQueue) remove(t transport) {
	if !fq.member[t] {
		return
	}
	delete(fq.member, t)
	for idx, other := range fq.sockets {
		if other == t {
			essentials.OrderedDelete(&fq.sockets, idx)
			break
		}
	}
}

func (fq *fifoQueue) len() int { return len(fq.sockets) }

// rrQueue serves sockets in turn, one packet each
type rrQueue struct {
	sockets []transport
	member  map[transport]bool
}

func (rq *rrQueue) add(t transport) {
	if rq.member[t] {
		return
	}
	rq.member[t] = true
	rq.sockets = append(rq.sockets, t)
}

func (rq *rrQueue) next() transport {
	if len(rq.sockets) == 0 {
		return nil
	}
	return rq.sockets[0]
}

func (rq *rrQueue) served(t transport) {
	if len(rq.sockets) == 0 || rq.sockets[0] != t {
		return
	}
	essentials.OrderedDelete(&rq.sockets, 0)
	if t.socket().hasOutput() {
		rq.sockets = append(rq.sockets, t)
	} else {
		delete(rq.member, t)
	}
}

func (rq *rrQueue) remove(t transport) {
	if !rq.member[t] {
		return
	}
	delete(rq.member, t)
	for idx, other := range rq.sockets {
		if other == t {
			essentials.OrderedDelete(&rq.sockets, idx)
			break
		}
	}
}

func (rq *rrQueue) len() int { return len(rq.sockets) }
