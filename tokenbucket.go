package hostsim

// tokenBucket shapes an interface direction to a byte rate.  It is refilled by refill
// bytes every interval, up to capacity, which is one interval's worth plus one MTU so
// fractional packets are not lost across refills.  A packet may be sent while any tokens
// remain, so remaining can fall below zero; the deficit is paid back by later refills.
type tokenBucket struct {
	capacity  int64
	remaining int64
	refill    int64
	interval  SimTime

	refillPending bool
}

// default time between refills
const tokenBucketInterval = SimTimeMillisecond

// createTokenBucket sizes a bucket for a rate given in KiB/s.  The bucket starts full.
func createTokenBucket(kibPerSec float64, interval SimTime) *tokenBucket {
	if interval == 0 {
		interval = tokenBucketInterval
	}
	tb := new(tokenBucket)
	tb.interval = interval
	tb.refill = int64(kibPerSec * 1024.0 * interval.Seconds())
	if tb.refill < 1 {
		tb.refill = 1
	}
	tb.capacity = tb.refill + MTU
	tb.remaining = tb.capacity
	return tb
}

func (tb *tokenBucket) canSend() bool {
	return tb.remaining > 0
}

func (tb *tokenBucket) consume(n int) {
	tb.remaining -= int64(n)
}

func (tb *tokenBucket) full() bool {
	return tb.remaining >= tb.capacity
}

// addTokens performs one refill and reports whether the bucket is still short of capacity
func (tb *tokenBucket) addTokens() bool {
	tb.remaining += tb.refill
	if tb.remaining > tb.capacity {
		tb.remaining = tb.capacity
	}
	return tb.remaining < tb.capacity
}

// rate is the refill rate in bytes per second
func (tb *tokenBucket) rate() float64 {
	return float64(tb.refill) / tb.interval.Seconds()
}
