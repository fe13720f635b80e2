package hostsim

import (
	"os"
	"strconv"
	"sync"

	"github.com/iti/evt/vrtime"
	"golang.org/x/exp/slices"
	"gopkg.in/yaml.v3"
)

// TraceInst is one serialized trace record
type TraceInst struct {
	TraceTime string `json:"tracetime" yaml:"tracetime"`
	TraceType string `json:"tracetype" yaml:"tracetype"`
	TraceStr  string `json:"tracestr" yaml:"tracestr"`
}

// NameType is a an entry in a dictionary created for a trace
// that maps object id numbers to a (name,type) pair
type NameType struct {
	Name string `json:"name" yaml:"name"`
	Type string `json:"type" yaml:"type"`
}

// TraceManager gathers the delivery history of packets during a run.  Records are kept
// per host id; hosts running on different workers add to it concurrently, hence the lock.
type TraceManager struct {
	// experiment uses trace
	InUse bool `json:"inuse" yaml:"inuse"`

	// name of experiment
	ExpName string `json:"expname" yaml:"expname"`

	// text name associated with each host id
	NameByID map[int]NameType `json:"namebyid" yaml:"namebyid"`

	// all trace records for this experiment
	Traces map[int][]TraceInst `json:"traces" yaml:"traces"`

	mu sync.Mutex
}

// CreateTraceManager is a constructor.  It saves the name of the experiment
// and a flag indicating whether the trace manager is active.
func CreateTraceManager(expName string, active bool) *TraceManager {
	tm := new(TraceManager)
	tm.InUse = active
	tm.ExpName = expName
	tm.NameByID = make(map[int]NameType)
	tm.Traces = make(map[int][]TraceInst)
	return tm
}

// Active tells the caller whether the Trace Manager is actively being used
func (tm *TraceManager) Active() bool {
	return tm != nil && tm.InUse
}

// AddTrace stores a record under the id of the host it belongs to
func (tm *TraceManager) AddTrace(id int, trace TraceInst) {
	if !tm.Active() {
		return
	}
	tm.mu.Lock()
	tm.Traces[id] = append(tm.Traces[id], trace)
	tm.mu.Unlock()
}

// AddName is used to add an element to the id -> (name,type) dictionary for the trace file
func (tm *TraceManager) AddName(id int, name string, objDesc string) {
	if !tm.Active() {
		return
	}
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if _, present := tm.NameByID[id]; present {
		panic("duplicated id in AddName")
	}
	tm.NameByID[id] = NameType{Name: name, Type: objDesc}
}

// Len is the number of records gathered
func (tm *TraceManager) Len() int {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	n := 0
	for _, list := range tm.Traces {
		n += len(list)
	}
	return n
}

// WriteToFile stores the Traces struct to the file whose name is given.
// Serialization to json or to yaml is selected based on the extension of this name.
// With globalOrder all records are merged under id 0 and sorted by time.
func (tm *TraceManager) WriteToFile(filename string, globalOrder bool) error {
	if !tm.Active() {
		return nil
	}
	tm.mu.Lock()
	defer tm.mu.Unlock()

	out := tm
	if globalOrder {
		out = new(TraceManager)
		out.InUse = tm.InUse
		out.ExpName = tm.ExpName
		out.NameByID = make(map[int]NameType, len(tm.NameByID))
		for key, value := range tm.NameByID {
			out.NameByID[key] = value
		}
		ids := make([]int, 0, len(tm.Traces))
		for id := range tm.Traces {
			ids = append(ids, id)
		}
		slices.Sort(ids)
		merged := make([]TraceInst, 0)
		for _, id := range ids {
			merged = append(merged, tm.Traces[id]...)
		}
		slices.SortStableFunc(merged, func(a, b TraceInst) int {
			v1, _ := strconv.ParseFloat(a.TraceTime, 64)
			v2, _ := strconv.ParseFloat(b.TraceTime, 64)
			switch {
			case v1 < v2:
				return -1
			case v1 > v2:
				return 1
			}
			return 0
		})
		out.Traces = map[int][]TraceInst{0: merged}
	}

	bytes, err := marshalByExt(filename, out)
	if err != nil {
		return err
	}
	return os.WriteFile(filename, bytes, 0o644)
}

// PacketTrace records a packet acquiring a delivery status on some host
type PacketTrace struct {
	Time     float64 // time in float64
	Ticks    int64   // ticks variable of time
	Priority int64   // priority field of time-stamp
	HostID   int
	PacketID uint64
	Op       string // the delivery status
	Protocol string
	Src      string
	Dst      string
	Seq      uint32
	Length   int
	Status   string // every status acquired so far
}

func (pt *PacketTrace) Serialize() string {
	bytes, merr := yaml.Marshal(*pt)
	if merr != nil {
		panic(merr)
	}
	return string(bytes[:])
}

// AddPacketTrace creates a record of the packet's new status and stores it
func AddPacketTrace(tm *TraceManager, vrt vrtime.Time, hostID HostID, pkt *Packet, status DeliveryStatus) {
	pt := new(PacketTrace)
	pt.Time = vrt.Seconds()
	pt.Ticks = vrt.Ticks()
	pt.Priority = vrt.Pri()
	pt.HostID = int(hostID)
	pt.PacketID = pkt.id
	pt.Op = status.String()
	pt.Protocol = pkt.protocol.String()
	pt.Src = IPString(pkt.srcIP) + ":" + strconv.Itoa(int(pkt.srcPort))
	pt.Dst = IPString(pkt.dstIP) + ":" + strconv.Itoa(int(pkt.dstPort))
	if pkt.tcp != nil {
		pt.Seq = pkt.tcp.Sequence
	}
	pt.Length = pkt.PayloadLength()
	pt.Status = pkt.status.String()

	traceTime := strconv.FormatFloat(pt.Time, 'f', -1, 64)
	tm.AddTrace(pt.HostID, TraceInst{TraceTime: traceTime, TraceType: "packet", TraceStr: pt.Serialize()})
}

// hostTracer stamps a host's packet records with the host's current time
type hostTracer struct {
	tm   *TraceManager
	host *Host
}

func (ht *hostTracer) tracePacket(pkt *Packet, status DeliveryStatus) {
	AddPacketTrace(ht.tm, ht.host.now.VrTime(), ht.host.id, pkt, status)
}
