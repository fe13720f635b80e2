package hostsim

import (
	"fmt"
	"math"
	"net"
	"strings"
	"sync"

	"golang.org/x/exp/slices"
	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
)

// topoVertex is a graph vertex with its attributes resolved
type topoVertex struct {
	desc    VertexDesc
	ipValue uint32
	loss    float64
}

// Topology answers 'what does it cost to move a packet from this address to that one'.
// The graph is fixed once loaded; paths are computed on first use and cached for the
// rest of the run.  Four locks guard the state shared between workers: the graph, the
// path cache, the minimum observed latency, and the attachment table.  None is ever held
// while acquiring another across a graph search.
type Topology struct {
	directed     bool
	preferDirect bool
	isComplete   bool

	vertices    []topoVertex
	byID        map[string]int
	edges       map[pathKey]edgeAttrb
	minIncident []edgeAttrb
	hasIncident []bool

	minEdgeLatency float64

	graphMu sync.Mutex
	graph   graph.Graph
	nodes   []simple.Node

	pathMu sync.RWMutex
	paths  map[pathKey]*Path

	minLatMu        sync.RWMutex
	minPathLatency  float64
	onNewMinLatency func(SimTime)

	attachMu    sync.RWMutex
	attached    map[uint32]int
	attachCount map[int]int
}

// AttachHints narrows the choice of vertex for a new host
type AttachHints struct {
	IP          net.IP
	CityCode    string
	CountryCode string
	GeoCode     string
	Type        string
}

// RandomSource is the part of a host's seeded random generator the topology draws from
type RandomSource interface {
	Float64() float64
}

func parseIP(s string) net.IP {
	return net.ParseIP(strings.TrimSpace(s))
}

// CreateTopology validates a loaded graph and prepares it for path lookups.  A graph with
// missing or malformed attributes, or one that is not a single strongly connected
// cluster, is rejected.
func CreateTopology(src GraphSource) (*Topology, error) {
	if err := validateGraphSource(src); err != nil {
		return nil, err
	}

	tg := new(Topology)
	tg.directed = src.Directed()
	tg.preferDirect = src.PreferDirectPaths()
	tg.byID = make(map[string]int)
	tg.edges = make(map[pathKey]edgeAttrb)
	tg.paths = make(map[pathKey]*Path)
	tg.attached = make(map[uint32]int)
	tg.attachCount = make(map[int]int)
	tg.minPathLatency = math.Inf(1)
	tg.minEdgeLatency = math.Inf(1)

	for _, vd := range src.Vertices() {
		tg.byID[vd.ID] = len(tg.vertices)
		tg.vertices = append(tg.vertices, topoVertex{desc: vd, ipValue: IPToValue(parseIP(vd.IP)), loss: vd.PacketLoss})
	}
	tg.minIncident = make([]edgeAttrb, len(tg.vertices))
	tg.hasIncident = make([]bool, len(tg.vertices))

	for _, ed := range src.Edges() {
		s, d := tg.byID[ed.Src], tg.byID[ed.Dst]
		attrb := edgeAttrb{latency: ed.Latency, loss: ed.PacketLoss, jitter: ed.Jitter}
		if s == d {
			simLogger.Warnf("topology: ignoring self loop on vertex %s", ed.Src)
			continue
		}
		if ed.Latency == 0 {
			simLogger.Warnf("topology: edge (%s,%s) has zero latency", ed.Src, ed.Dst)
		}
		tg.edges[pathKey{s, d}] = attrb
		if !tg.directed {
			tg.edges[pathKey{d, s}] = attrb
		}
		tg.noteIncident(s, attrb)
		if !tg.directed {
			tg.noteIncident(d, attrb)
		}
		tg.minEdgeLatency = math.Min(tg.minEdgeLatency, ed.Latency)
	}

	if tg.isComplete = src.Complete(); tg.isComplete && !tg.allPairsAdjacent() {
		simLogger.Warn("topology: graph is marked complete but some vertex pairs have no edge")
	}
	tg.buildGraph()

	if n := tg.clusterCount(); n != 1 {
		return nil, fmt.Errorf("%w: found %d clusters", ErrGraphDisconnected, n)
	}
	return tg, nil
}

// noteIncident keeps the lowest-latency edge leaving each vertex, for self paths
func (tg *Topology) noteIncident(v int, attrb edgeAttrb) {
	if !tg.hasIncident[v] || attrb.latency < tg.minIncident[v].latency {
		tg.minIncident[v] = attrb
		tg.hasIncident[v] = true
	}
}

// allPairsAdjacent reports whether every ordered pair of distinct vertices has an edge
func (tg *Topology) allPairsAdjacent() bool {
	n := len(tg.vertices)
	for s := 0; s < n; s++ {
		for d := 0; d < n; d++ {
			if s == d {
				continue
			}
			if _, present := tg.edges[pathKey{s, d}]; !present {
				return false
			}
		}
	}
	return true
}

// SetMinLatencyCallback registers the function told about each new minimum path latency
func (tg *Topology) SetMinLatencyCallback(fn func(SimTime)) {
	tg.minLatMu.Lock()
	defer tg.minLatMu.Unlock()
	tg.onNewMinLatency = fn
}

// MinEdgeLatency is the smallest latency of any edge, in milliseconds
func (tg *Topology) MinEdgeLatency() float64 {
	if math.IsInf(tg.minEdgeLatency, 1) {
		return 0
	}
	return tg.minEdgeLatency
}

// MinPathLatency is the smallest latency of any path computed so far, +Inf before the first
func (tg *Topology) MinPathLatency() float64 {
	tg.minLatMu.RLock()
	defer tg.minLatMu.RUnlock()
	return tg.minPathLatency
}

func (tg *Topology) NumVertices() int {
	return len(tg.vertices)
}

// VertexIndex returns the index of the vertex with the given id
func (tg *Topology) VertexIndex(id string) (int, bool) {
	idx, present := tg.byID[id]
	return idx, present
}

// usableIP reports whether a requested address can steer attachment
func usableIP(ip net.IP) (uint32, bool) {
	v := IPToValue(ip)
	if v == 0 || isRestrictedIP(v) {
		return 0, false
	}
	return v, true
}

// Attach chooses the vertex a host's address lives at.  A vertex whose ip equals the
// requested one wins outright.  Otherwise the candidates are narrowed by the hints, most
// specific combination first, and the first non-empty set is used.  Within it the vertex
// whose ip scores highest against the requested ip is chosen (see closestIP), or, with no
// usable request, one drawn uniformly with the host's random source.
func (tg *Topology) Attach(addr *Address, rnd RandomSource, hints AttachHints) (int, error) {
	if len(tg.vertices) == 0 {
		return 0, ErrNoVertex
	}

	reqIP, haveIP := usableIP(hints.IP)
	chosen := -1

	if haveIP {
		for idx, v := range tg.vertices {
			if v.ipValue == reqIP {
				chosen = idx
				break
			}
		}
	}

	if chosen < 0 {
		candidates := tg.narrowCandidates(hints)
		if haveIP {
			chosen = tg.closestIP(candidates, reqIP)
		}
		if chosen < 0 {
			u := rnd.Float64()
			pick := int(u * float64(len(candidates)))
			if pick >= len(candidates) {
				pick = len(candidates) - 1
			}
			chosen = candidates[pick]
		}
	}

	tg.attachMu.Lock()
	defer tg.attachMu.Unlock()
	if old, present := tg.attached[addr.ipValue]; present {
		tg.attachCount[old]--
	}
	tg.attached[addr.ipValue] = chosen
	tg.attachCount[chosen]++
	return chosen, nil
}

// narrowCandidates applies the hint filters in order of decreasing specificity
func (tg *Topology) narrowCandidates(hints AttachHints) []int {
	type filter struct {
		usable bool
		match  func(v *topoVertex) bool
	}
	city := func(v *topoVertex) bool { return strings.EqualFold(v.desc.CityCode, hints.CityCode) }
	country := func(v *topoVertex) bool { return strings.EqualFold(v.desc.CountryCode, hints.CountryCode) }
	geo := func(v *topoVertex) bool { return strings.EqualFold(v.desc.GeoCode, hints.GeoCode) }
	vtype := func(v *topoVertex) bool { return strings.EqualFold(v.desc.Type, hints.Type) }

	haveCity, haveCountry := len(hints.CityCode) > 0, len(hints.CountryCode) > 0
	haveGeo, haveType := len(hints.GeoCode) > 0, len(hints.Type) > 0

	filters := []filter{
		{haveCity && haveType, func(v *topoVertex) bool { return city(v) && vtype(v) }},
		{haveCity, city},
		{haveCountry && haveType, func(v *topoVertex) bool { return country(v) && vtype(v) }},
		{haveCountry, country},
		{haveGeo && haveType, func(v *topoVertex) bool { return geo(v) && vtype(v) }},
		{haveGeo, geo},
		{haveType, vtype},
	}

	for _, f := range filters {
		if !f.usable {
			continue
		}
		candidates := make([]int, 0)
		for idx := range tg.vertices {
			if f.match(&tg.vertices[idx]) {
				candidates = append(candidates, idx)
			}
		}
		if len(candidates) > 0 {
			return candidates
		}
	}

	all := make([]int, len(tg.vertices))
	for idx := range all {
		all[idx] = idx
	}
	return all
}

// closestIP scores each candidate carrying an ip as ^(vertex ip ^ requested ip) compared
// as an unsigned integer, so agreement in high-order bits outweighs any number of
// agreements below them and the longest shared prefix wins.  Ties go to the first
// candidate.  -1 means no candidate has an ip.
func (tg *Topology) closestIP(candidates []int, reqIP uint32) int {
	chosen := -1
	var bestScore uint32
	for _, idx := range candidates {
		vip := tg.vertices[idx].ipValue
		if vip == 0 {
			continue
		}
		score := ^(vip ^ reqIP)
		if chosen < 0 || score > bestScore {
			chosen = idx
			bestScore = score
		}
	}
	return chosen
}

// Detach removes an address from the attachment table
func (tg *Topology) Detach(addr *Address) {
	tg.attachMu.Lock()
	defer tg.attachMu.Unlock()
	if v, present := tg.attached[addr.ipValue]; present {
		delete(tg.attached, addr.ipValue)
		tg.attachCount[v]--
		if tg.attachCount[v] <= 0 {
			delete(tg.attachCount, v)
		}
	}
}

// AttachedVertex returns the vertex an address is attached to
func (tg *Topology) AttachedVertex(addr *Address) (int, bool) {
	tg.attachMu.RLock()
	defer tg.attachMu.RUnlock()
	v, present := tg.attached[addr.ipValue]
	return v, present
}

// attachedVertices lists, in index order, the vertices at least one host is attached to
func (tg *Topology) attachedVertices() []int {
	tg.attachMu.RLock()
	targets := make([]int, 0, len(tg.attachCount))
	for v := range tg.attachCount {
		targets = append(targets, v)
	}
	tg.attachMu.RUnlock()
	slices.Sort(targets)
	return targets
}

// VertexBandwidth returns the down and up bandwidth (KiB/s) of the vertex an address is attached to
func (tg *Topology) VertexBandwidth(addr *Address) (float64, float64, bool) {
	v, present := tg.AttachedVertex(addr)
	if !present {
		return 0, 0, false
	}
	return tg.vertices[v].desc.BandwidthDown, tg.vertices[v].desc.BandwidthUp, true
}

// GetPath returns the cached path between the vertices two addresses are attached to,
// computing it first if need be
func (tg *Topology) GetPath(src, dst *Address) (*Path, bool) {
	srcV, srcOK := tg.AttachedVertex(src)
	dstV, dstOK := tg.AttachedVertex(dst)
	if !srcOK || !dstOK {
		return nil, false
	}
	return tg.PathBetween(srcV, dstV), true
}

// GetLatency returns the path latency in milliseconds, +Inf if either address is unattached
func (tg *Topology) GetLatency(src, dst *Address) float64 {
	p, ok := tg.GetPath(src, dst)
	if !ok {
		return math.Inf(1)
	}
	return p.latency
}

// GetReliability returns the probability a packet survives the path, 0 if either address is unattached
func (tg *Topology) GetReliability(src, dst *Address) float64 {
	p, ok := tg.GetPath(src, dst)
	if !ok {
		return 0
	}
	return p.reliability
}

// IsRoutable reports whether both addresses are attached
func (tg *Topology) IsRoutable(src, dst *Address) bool {
	_, ok := tg.GetPath(src, dst)
	return ok
}

// IncrementPathPacketCounter counts a packet sent along the path between two addresses
func (tg *Topology) IncrementPathPacketCounter(src, dst *Address) {
	if p, ok := tg.GetPath(src, dst); ok {
		p.packets.Add(1)
	}
}

// PathPacketCount returns the number of packets counted on the path between two addresses
func (tg *Topology) PathPacketCount(src, dst *Address) uint64 {
	if p, ok := tg.GetPath(src, dst); ok {
		return p.packets.Load()
	}
	return 0
}

// lookupCached checks the cache, under both orders when the graph is undirected
func (tg *Topology) lookupCached(src, dst int) *Path {
	tg.pathMu.RLock()
	defer tg.pathMu.RUnlock()
	if p, present := tg.paths[pathKey{src, dst}]; present {
		return p
	}
	if !tg.directed {
		if p, present := tg.paths[pathKey{dst, src}]; present {
			return p
		}
	}
	return nil
}

// PathBetween returns the path between two vertices, computing and caching it on first use
func (tg *Topology) PathBetween(src, dst int) *Path {
	if p := tg.lookupCached(src, dst); p != nil {
		return p
	}

	var computed []*Path
	if src == dst {
		computed = []*Path{tg.selfPath(src)}
	} else if attrb, adjacent := tg.edgeBetween(src, dst); adjacent && (tg.isComplete || tg.preferDirect) {
		computed = []*Path{tg.directPath(src, dst, attrb)}
	} else {
		targets := tg.attachedVertices()
		if !slices.Contains(targets, dst) {
			targets = append(targets, dst)
		}
		computed = tg.shortestPaths(src, targets)
	}

	tg.storePaths(computed)

	if p := tg.lookupCached(src, dst); p != nil {
		return p
	}
	panic(fmt.Errorf("topology: no path from vertex %d to %d", src, dst))
}

// storePaths clamps zero latencies, caches every path not already known, and reports a
// new minimum latency to whoever is listening
func (tg *Topology) storePaths(computed []*Path) {
	minLatency := math.Inf(1)

	tg.pathMu.Lock()
	for _, p := range computed {
		if p.latency == 0 {
			simLogger.Warnf("topology: path from vertex %s to %s has zero latency, using 1 ms",
				tg.vertices[p.src].desc.ID, tg.vertices[p.dst].desc.ID)
			p.latency = 1
		}
		key := pathKey{p.src, p.dst}
		if _, present := tg.paths[key]; present {
			continue
		}
		tg.paths[key] = p
		minLatency = math.Min(minLatency, p.latency)
	}
	tg.pathMu.Unlock()

	if math.IsInf(minLatency, 1) {
		return
	}

	tg.minLatMu.Lock()
	var notify func(SimTime)
	if minLatency < tg.minPathLatency {
		tg.minPathLatency = minLatency
		notify = tg.onNewMinLatency
	}
	tg.minLatMu.Unlock()

	if notify != nil {
		notify(SimTimeFromMillis(minLatency))
	}
}
