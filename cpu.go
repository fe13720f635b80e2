package hostsim

// cpu models the time a host spends computing.  Work charged to it is scaled from the
// speed of the machine running the simulation to the configured speed of the host, and
// rounded up to the precision.  Events that arrive while more than threshold of work is
// queued wait until the CPU frees up.  A zero threshold turns blocking off.
type cpu struct {
	frequencyKHz    uint64
	rawFrequencyKHz uint64
	threshold       SimTime
	precision       SimTime
	timeAvailable   SimTime
}

// frequency assumed for the machine the simulation runs on when the host gives none
const defaultRawFrequencyKHz = 2500000

func createCPU(frequencyKHz, rawFrequencyKHz uint64, threshold, precision SimTime) *cpu {
	c := new(cpu)
	if rawFrequencyKHz == 0 {
		rawFrequencyKHz = defaultRawFrequencyKHz
	}
	if frequencyKHz == 0 {
		frequencyKHz = rawFrequencyKHz
	}
	c.frequencyKHz = frequencyKHz
	c.rawFrequencyKHz = rawFrequencyKHz
	c.threshold = threshold
	c.precision = precision
	return c
}

// addDelay charges native nanoseconds of work, measured on the simulating machine
func (c *cpu) addDelay(now, native SimTime) SimTime {
	scaled := SimTime(float64(native) * float64(c.rawFrequencyKHz) / float64(c.frequencyKHz))
	if c.precision > 1 {
		if rem := scaled % c.precision; rem != 0 {
			scaled += c.precision - rem
		}
	}
	c.timeAvailable = maxSimTime(c.timeAvailable, now) + scaled
	return scaled
}

func (c *cpu) isBlocked(now SimTime) bool {
	if c.threshold == 0 || c.timeAvailable <= now {
		return false
	}
	return c.timeAvailable-now > c.threshold
}

func (c *cpu) availableAt() SimTime {
	return c.timeAvailable
}
