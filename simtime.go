package hostsim

import (
	"fmt"
	"math"

	"github.com/iti/evt/vrtime"
)

// SimTime is simulated time, counted in nanoseconds since the start of the simulation
type SimTime uint64

const (
	SimTimeNanosecond  SimTime = 1
	SimTimeMicrosecond SimTime = 1000 * SimTimeNanosecond
	SimTimeMillisecond SimTime = 1000 * SimTimeMicrosecond
	SimTimeSecond      SimTime = 1000 * SimTimeMillisecond

	// SimTimeInvalid marks 'no time', e.g. the next event time of an empty queue
	SimTimeInvalid SimTime = math.MaxUint64
)

// SimTimeFromMillis converts milliseconds to SimTime, rounding up to the next nanosecond
func SimTimeFromMillis(ms float64) SimTime {
	if ms <= 0 {
		return 0
	}
	return SimTime(math.Ceil(ms * float64(SimTimeMillisecond)))
}

// SimTimeFromSeconds converts seconds to SimTime, rounding up to the next nanosecond
func SimTimeFromSeconds(secs float64) SimTime {
	if secs <= 0 {
		return 0
	}
	return SimTime(math.Ceil(secs * float64(SimTimeSecond)))
}

func (t SimTime) Seconds() float64 {
	return float64(t) / float64(SimTimeSecond)
}

func (t SimTime) Millis() float64 {
	return float64(t) / float64(SimTimeMillisecond)
}

// VrTime expresses the time in the virtual time representation used in trace records
func (t SimTime) VrTime() vrtime.Time {
	return vrtime.SecondsToTime(t.Seconds())
}

func (t SimTime) String() string {
	if t == SimTimeInvalid {
		return "invalid"
	}
	return fmt.Sprintf("%d.%09d", uint64(t/SimTimeSecond), uint64(t%SimTimeSecond))
}

func minSimTime(a, b SimTime) SimTime {
	if a < b {
		return a
	}
	return b
}

func maxSimTime(a, b SimTime) SimTime {
	if a > b {
		return a
	}
	return b
}
