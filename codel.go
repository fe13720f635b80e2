package hostsim

import (
	"math"

	"github.com/unixpickle/essentials"
)

// CoDel controls queue delay rather than queue length (RFC 8289).  A packet's sojourn
// time is measured when it leaves the queue.  Once sojourn times have stayed above
// target for a full interval the queue enters the dropping state, where it drops at
// intervals shrinking with the square root of the drop count, until the delay falls
// back under target.
const (
	codelTarget   = 10 * SimTimeMillisecond
	codelInterval = 100 * SimTimeMillisecond
)

type codelEntry struct {
	pkt      *Packet
	enqueued SimTime
}

type codelQueue struct {
	entries []codelEntry
	bytes   int
	limit   int

	target         SimTime
	interval       SimTime
	firstAboveTime SimTime
	dropNext       SimTime
	count          uint32
	lastCount      uint32
	dropping       bool
}

func createCoDelQueue(byteLimit int) *codelQueue {
	return &codelQueue{limit: byteLimit, target: codelTarget, interval: codelInterval}
}

func (cq *codelQueue) enqueue(now SimTime, pkt *Packet) bool {
	size := pkt.TotalSize()
	if cq.bytes+size > cq.limit {
		return false
	}
	cq.entries = append(cq.entries, codelEntry{pkt: pkt, enqueued: now})
	cq.bytes += size
	return true
}

func (cq *codelQueue) peek() *Packet {
	if len(cq.entries) == 0 {
		return nil
	}
	return cq.entries[0].pkt
}

func (cq *codelQueue) len() int { return len(cq.entries) }

// pop removes the head and reports whether its sojourn time makes it a drop candidate
func (cq *codelQueue) pop(now SimTime) (*Packet, bool) {
	if len(cq.entries) == 0 {
		cq.firstAboveTime = 0
		return nil, false
	}
	entry := cq.entries[0]
	essentials.OrderedDelete(&cq.entries, 0)
	cq.bytes -= entry.pkt.TotalSize()

	sojourn := now - entry.enqueued
	okToDrop := false
	if sojourn < cq.target || cq.bytes <= MTU {
		cq.firstAboveTime = 0
	} else if cq.firstAboveTime == 0 {
		cq.firstAboveTime = now + cq.interval
	} else if now >= cq.firstAboveTime {
		okToDrop = true
	}
	return entry.pkt, okToDrop
}

func (cq *codelQueue) controlLaw(t SimTime) SimTime {
	return t + SimTime(float64(cq.interval)/math.Sqrt(float64(cq.count)))
}

func (cq *codelQueue) dequeue(now SimTime) (*Packet, []*Packet) {
	var dropped []*Packet
	pkt, okToDrop := cq.pop(now)
	if pkt == nil {
		cq.dropping = false
		return nil, nil
	}

	if cq.dropping {
		if !okToDrop {
			cq.dropping = false
		}
		for cq.dropping && now >= cq.dropNext {
			dropped = append(dropped, pkt)
			cq.count++
			pkt, okToDrop = cq.pop(now)
			if pkt == nil || !okToDrop {
				cq.dropping = false
			} else {
				cq.dropNext = cq.controlLaw(cq.dropNext)
			}
		}
	} else if okToDrop {
		dropped = append(dropped, pkt)
		pkt, _ = cq.pop(now)
		cq.dropping = true

		delta := cq.count - cq.lastCount
		if delta > 1 && (now < cq.dropNext || now-cq.dropNext < 16*cq.interval) {
			cq.count = delta
		} else {
			cq.count = 1
		}
		cq.dropNext = cq.controlLaw(now)
		cq.lastCount = cq.count
	}
	return pkt, dropped
}
