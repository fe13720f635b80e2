package hostsim

import (
	"fmt"
	"strings"

	"github.com/unixpickle/essentials"
)

// RouterQueue names the queue management a router applies to arriving packets
type RouterQueue int

const (
	RouterQueueSingle RouterQueue = iota
	RouterQueueStatic
	RouterQueueCoDel
)

// byte cap of a static queue when the host configures none
const defaultRouterQueueBytes = 1024 * 1024

func (rq RouterQueue) String() string {
	switch rq {
	case RouterQueueStatic:
		return "static"
	case RouterQueueCoDel:
		return "codel"
	}
	return "single"
}

func parseRouterQueue(name string) (RouterQueue, error) {
	switch strings.ToLower(name) {
	case "single":
		return RouterQueueSingle, nil
	case "", "static", "fifo":
		return RouterQueueStatic, nil
	case "codel":
		return RouterQueueCoDel, nil
	}
	return RouterQueueStatic, fmt.Errorf("unknown router queue %q", name)
}

// queueManager is the admission and dequeue policy of a router
type queueManager interface {
	// enqueue admits the packet, or returns false if it is dropped
	enqueue(now SimTime, pkt *Packet) bool
	// dequeue returns the next packet to deliver, plus any it dropped along the way
	dequeue(now SimTime) (*Packet, []*Packet)
	peek() *Packet
	len() int
}

// Router sits upstream of a host's ethernet interface.  Packets arriving from the
// network wait in its queue until the interface's receive bucket lets them in.
type Router struct {
	iface   *NetworkInterface
	kind    RouterQueue
	qm      queueManager
	dropped uint64
	passed  uint64
}

func createRouter(iface *NetworkInterface, kind RouterQueue, byteLimit int) *Router {
	rtr := new(Router)
	rtr.iface = iface
	rtr.kind = kind
	if byteLimit <= 0 {
		byteLimit = defaultRouterQueueBytes
	}
	switch kind {
	case RouterQueueSingle:
		rtr.qm = new(singleQueue)
	case RouterQueueCoDel:
		rtr.qm = createCoDelQueue(byteLimit)
	default:
		rtr.qm = &staticQueue{limit: byteLimit}
	}
	return rtr
}

func (rtr *Router) Kind() RouterQueue { return rtr.kind }
func (rtr *Router) Dropped() uint64   { return rtr.dropped }
func (rtr *Router) Len() int          { return rtr.qm.len() }

func (rtr *Router) enqueue(wk *Worker, pkt *Packet) bool {
	if !rtr.qm.enqueue(wk.now, pkt) {
		rtr.dropped++
		pkt.AddDeliveryStatus(StatusRouterDropped)
		return false
	}
	pkt.AddDeliveryStatus(StatusRouterEnqueued)
	return true
}

func (rtr *Router) dequeue(wk *Worker) *Packet {
	pkt, dropped := rtr.qm.dequeue(wk.now)
	for _, d := range dropped {
		rtr.dropped++
		d.AddDeliveryStatus(StatusRouterDropped)
	}
	if pkt != nil {
		rtr.passed++
		pkt.AddDeliveryStatus(StatusRouterDequeued)
	}
	return pkt
}

func (rtr *Router) peek() *Packet {
	return rtr.qm.peek()
}

// singleQueue holds at most one packet
type singleQueue struct {
	pkt *Packet
}

func (sq *singleQueue) enqueue(now SimTime, pkt *Packet) bool {
	if sq.pkt != nil {
		return false
	}
	sq.pkt = pkt
	return true
}

func (sq *singleQueue) dequeue(now SimTime) (*Packet, []*Packet) {
	pkt := sq.pkt
	sq.pkt = nil
	return pkt, nil
}

func (sq *singleQueue) peek() *Packet { return sq.pkt }

func (sq *singleQueue) len() int {
	if sq.pkt == nil {
		return 0
	}
	return 1
}

// staticQueue is a FIFO capped at limit bytes; arrivals that do not fit are dropped
type staticQueue struct {
	pkts  []*Packet
	bytes int
	limit int
}

func (sq *staticQueue) enqueue(now SimTime, pkt *Packet) bool {
	size := pkt.TotalSize()
	if sq.bytes+size > sq.limit {
		return false
	}
	sq.pkts = append(sq.pkts, pkt)
	sq.bytes += size
	return true
}

func (sq *staticQueue) dequeue(now SimTime) (*Packet, []*Packet) {
	if len(sq.pkts) == 0 {
		return nil, nil
	}
	pkt := sq.pkts[0]
	essentials.OrderedDelete(&sq.pkts, 0)
	sq.bytes -= pkt.TotalSize()
	return pkt, nil
}

func (sq *staticQueue) peek() *Packet {
	if len(sq.pkts) == 0 {
		return nil
	}
	return sq.pkts[0]
}

func (sq *staticQueue) len() int { return len(sq.pkts) }
