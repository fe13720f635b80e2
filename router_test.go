package hostsim

import (
	"math"
	"testing"
)

func udpPacket(id uint64, size int) *Packet {
	pkt := createPacket(id, ProtocolUDP, make([]byte, size), id)
	pkt.setUDP(IPToValue(parseIP("12.0.0.1")), 5000, IPToValue(parseIP("12.0.0.2")), 6000)
	return pkt
}

func TestTokenBucket(t *testing.T) {
	tb := createTokenBucket(1000, SimTimeMillisecond)
	if tb.refill != 1024 || tb.capacity != 1024+MTU || !tb.full() {
		t.Fatalf("bucket refill %d capacity %d remaining %d", tb.refill, tb.capacity, tb.remaining)
	}
	tb.consume(3000)
	if tb.canSend() {
		t.Error("bucket in deficit allows sending")
	}
	if !tb.addTokens() || !tb.canSend() {
		t.Errorf("one refill left %d tokens", tb.remaining)
	}
	tb.addTokens()
	if tb.addTokens() || !tb.full() {
		t.Errorf("three refills left %d of %d tokens", tb.remaining, tb.capacity)
	}
	tb.addTokens()
	if tb.remaining != tb.capacity {
		t.Errorf("refill overflowed capacity: %d", tb.remaining)
	}
	if math.Abs(tb.rate()-1024*1000) > 1 {
		t.Errorf("rate is %g bytes/s", tb.rate())
	}

	if tiny := createTokenBucket(0.0001, 0); tiny.refill != 1 || tiny.interval != tokenBucketInterval {
		t.Errorf("tiny bucket refill %d interval %s", tiny.refill, tiny.interval)
	}
}

func TestSingleQueue(t *testing.T) {
	rtr := createRouter(nil, RouterQueueSingle, 0)
	wk := &Worker{}
	if !rtr.enqueue(wk, udpPacket(1, 100)) {
		t.Fatal("empty single queue refused a packet")
	}
	second := udpPacket(2, 100)
	if rtr.enqueue(wk, second) {
		t.Error("single queue took a second packet")
	}
	if !second.HasDeliveryStatus(StatusRouterDropped) || rtr.Dropped() != 1 {
		t.Error("refused packet not marked dropped")
	}
	if pkt := rtr.dequeue(wk); pkt == nil || pkt.ID() != 1 || !pkt.HasDeliveryStatus(StatusRouterDequeued) {
		t.Errorf("dequeued %v", pkt)
	}
	if rtr.Len() != 0 || rtr.dequeue(wk) != nil {
		t.Error("single queue not empty after dequeue")
	}
}

func TestStaticQueueByteLimit(t *testing.T) {
	size := udpPacket(0, 1000).TotalSize()
	rtr := createRouter(nil, RouterQueueStatic, 2*size+10)
	wk := &Worker{}
	for id := uint64(1); id <= 3; id++ {
		accepted := rtr.enqueue(wk, udpPacket(id, 1000))
		if accepted != (id <= 2) {
			t.Errorf("packet %d accepted=%v", id, accepted)
		}
	}
	if rtr.Len() != 2 || rtr.Dropped() != 1 {
		t.Errorf("queue holds %d packets, dropped %d", rtr.Len(), rtr.Dropped())
	}
	if rtr.peek().ID() != 1 {
		t.Error("static queue is not first in first out")
	}
	rtr.dequeue(wk)
	if !rtr.enqueue(wk, udpPacket(4, 1000)) {
		t.Error("room freed by dequeue not reused")
	}
	var order []uint64
	for pkt := rtr.dequeue(wk); pkt != nil; pkt = rtr.dequeue(wk) {
		order = append(order, pkt.ID())
	}
	if len(order) != 2 || order[0] != 2 || order[1] != 4 {
		t.Errorf("dequeue order %v", order)
	}
}

func TestRouterQueueNames(t *testing.T) {
	for name, want := range map[string]RouterQueue{"": RouterQueueStatic, "CoDel": RouterQueueCoDel, "single": RouterQueueSingle} {
		if got, err := parseRouterQueue(name); err != nil || got != want {
			t.Errorf("%q parsed as %s, %v", name, got, err)
		}
	}
	if _, err := parseRouterQueue("red"); err == nil {
		t.Error("unknown router queue accepted")
	}
	if qd, err := parseQDisc("round-robin"); err != nil || qd != QDiscRoundRobin {
		t.Errorf("round-robin parsed as %s, %v", qd, err)
	}
	if _, err := parseQDisc("prio"); err == nil {
		t.Error("unknown qdisc accepted")
	}
}

func TestCoDelDropsStandingQueue(t *testing.T) {
	cq := createCoDelQueue(defaultRouterQueueBytes)
	for id := uint64(1); id <= 20; id++ {
		cq.enqueue(0, udpPacket(id, 1000))
	}

	// above target but not yet for a whole interval
	pkt, dropped := cq.dequeue(50 * SimTimeMillisecond)
	if pkt.ID() != 1 || len(dropped) != 0 {
		t.Fatalf("first dequeue gave %d, dropped %d", pkt.ID(), len(dropped))
	}
	pkt, dropped = cq.dequeue(160 * SimTimeMillisecond)
	if len(dropped) != 1 || dropped[0].ID() != 2 || pkt.ID() != 3 || !cq.dropping {
		t.Fatalf("entering drop state gave %d with %d dropped", pkt.ID(), len(dropped))
	}
	pkt, dropped = cq.dequeue(170 * SimTimeMillisecond)
	if len(dropped) != 0 || pkt.ID() != 4 {
		t.Errorf("dequeue before the next drop time dropped %d", len(dropped))
	}
	pkt, dropped = cq.dequeue(270 * SimTimeMillisecond)
	if len(dropped) != 1 || pkt.ID() != 6 || cq.count != 2 {
		t.Errorf("second drop gave %d with %d dropped, count %d", pkt.ID(), len(dropped), cq.count)
	}
	if want := 260*SimTimeMillisecond + SimTime(float64(codelInterval)/math.Sqrt(2)); cq.dropNext != want {
		t.Errorf("next drop at %s, expected %s", cq.dropNext, want)
	}
}

func TestCoDelKeepsShortQueue(t *testing.T) {
	cq := createCoDelQueue(defaultRouterQueueBytes)
	now := SimTime(0)
	for id := uint64(1); id <= 100; id++ {
		cq.enqueue(now, udpPacket(id, 1400))
		now += 2 * SimTimeMillisecond
		pkt, dropped := cq.dequeue(now)
		if pkt == nil || pkt.ID() != id || len(dropped) != 0 {
			t.Fatalf("packet %d dropped from a queue that never stood", id)
		}
	}
	if pkt, _ := cq.dequeue(now); pkt != nil || cq.dropping {
		t.Error("empty queue returned a packet")
	}
}
