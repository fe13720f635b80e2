package hostsim

// routes.go converts the topology graph into the representation used by the gonum graph
// package, checks that it forms one cluster, and computes the paths the topology caches.
//
// Edge weights are latencies in milliseconds, so a shortest path is the lowest-latency path.
// A Dijkstra run from a source vertex yields the tree of shortest paths to every vertex;
// we extract from it the paths to every vertex that has a host attached and cache them
// all at once, since the next lookup from the same source is very likely to want another
// destination.

import (
	"math"
	"sync/atomic"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/path"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
)

// Path is the cost of moving a packet from one vertex to another.  Latency is in
// milliseconds, reliability is the probability that a packet survives the trip.
// Jitter, also in milliseconds, bounds the extra delay each packet may draw on top of
// the latency.  Everything but the packet counter is fixed once the path is cached.
type Path struct {
	isDirect    bool
	src, dst    int
	latency     float64
	jitter      float64
	reliability float64
	packets     atomic.Uint64
}

func createPath(src, dst int, latency, reliability float64, isDirect bool) *Path {
	p := new(Path)
	p.src = src
	p.dst = dst
	p.latency = latency
	p.reliability = reliability
	p.isDirect = isDirect
	return p
}

func (p *Path) IsDirect() bool       { return p.isDirect }
func (p *Path) Src() int             { return p.src }
func (p *Path) Dst() int             { return p.dst }
func (p *Path) Latency() float64     { return p.latency }
func (p *Path) Jitter() float64      { return p.jitter }
func (p *Path) Reliability() float64 { return p.reliability }
func (p *Path) PacketCount() uint64  { return p.packets.Load() }

// pathKey indexes the path cache by (source vertex, destination vertex)
type pathKey struct {
	src, dst int
}

// edgeAttrb keeps what the path computations need from an EdgeDesc
type edgeAttrb struct {
	latency float64
	loss    float64
	jitter  float64
}

// buildGraph creates the gonum form of the topology, nodes identified by vertex index.
// Self loops are left out, they carry no routing information (and gonum refuses them).
func (tg *Topology) buildGraph() {
	tg.nodes = make([]simple.Node, len(tg.vertices))
	for idx := range tg.vertices {
		tg.nodes[idx] = simple.Node(idx)
	}

	if tg.directed {
		dg := simple.NewWeightedDirectedGraph(0, math.Inf(1))
		for _, node := range tg.nodes {
			dg.AddNode(node)
		}
		for key, attrb := range tg.edges {
			if key.src == key.dst {
				continue
			}
			dg.SetWeightedEdge(simple.WeightedEdge{F: tg.nodes[key.src], T: tg.nodes[key.dst], W: attrb.latency})
		}
		tg.graph = dg
		return
	}

	ug := simple.NewWeightedUndirectedGraph(0, math.Inf(1))
	for _, node := range tg.nodes {
		ug.AddNode(node)
	}
	for key, attrb := range tg.edges {
		// undirected edges are stored under both orders, add each once
		if key.src >= key.dst {
			continue
		}
		ug.SetWeightedEdge(simple.WeightedEdge{F: tg.nodes[key.src], T: tg.nodes[key.dst], W: attrb.latency})
	}
	tg.graph = ug
}

// clusterCount returns the number of strongly connected components of a directed graph,
// or of connected components of an undirected one
func (tg *Topology) clusterCount() int {
	tg.graphMu.Lock()
	defer tg.graphMu.Unlock()

	if tg.directed {
		return len(topo.TarjanSCC(tg.graph.(graph.Directed)))
	}
	return len(topo.ConnectedComponents(tg.graph.(graph.Undirected)))
}

// edgeBetween returns the attributes of the edge from src to dst, for undirected graphs
// in either orientation
func (tg *Topology) edgeBetween(src, dst int) (edgeAttrb, bool) {
	attrb, present := tg.edges[pathKey{src, dst}]
	if present || tg.directed {
		return attrb, present
	}
	attrb, present = tg.edges[pathKey{dst, src}]
	return attrb, present
}

// selfPath models routing out of vertex v and straight back through its nearest neighbor
func (tg *Topology) selfPath(v int) *Path {
	best, found := tg.minIncident[v], tg.hasIncident[v]
	if !found {
		return createPath(v, v, 0, 1, false)
	}
	reliability := (1 - best.loss) * (1 - best.loss)
	p := createPath(v, v, 2*best.latency, reliability, false)
	p.jitter = 2 * best.jitter
	return p
}

// directPath uses the edge joining the two vertices, without searching
func (tg *Topology) directPath(src, dst int, attrb edgeAttrb) *Path {
	reliability := (1 - tg.vertices[src].loss) * (1 - attrb.loss) * (1 - tg.vertices[dst].loss)
	p := createPath(src, dst, attrb.latency, reliability, true)
	p.jitter = attrb.jitter
	return p
}

// shortestPaths runs Dijkstra from src and returns the paths to each of the targets.
// The graph lock is held only for the duration of the search.
func (tg *Topology) shortestPaths(src int, targets []int) []*Path {
	type route struct {
		dst     int
		nodes   []graph.Node
		latency float64
	}
	routes := make([]route, 0, len(targets))

	tg.graphMu.Lock()
	spTree := path.DijkstraFrom(tg.nodes[src], tg.graph)
	for _, dst := range targets {
		if dst == src {
			continue
		}
		nodes, weight := spTree.To(int64(dst))
		routes = append(routes, route{dst: dst, nodes: nodes, latency: weight})
	}
	tg.graphMu.Unlock()

	paths := make([]*Path, 0, len(routes))
	for _, rt := range routes {
		if len(rt.nodes) == 0 || math.IsInf(rt.latency, 1) {
			// unreachable, which the cluster check at load time rules out
			continue
		}
		reliability := 1 - tg.vertices[src].loss
		jitter := 0.0
		for idx := 1; idx < len(rt.nodes); idx++ {
			attrb, _ := tg.edgeBetween(int(rt.nodes[idx-1].ID()), int(rt.nodes[idx].ID()))
			reliability *= 1 - attrb.loss
			jitter += attrb.jitter
		}
		reliability *= 1 - tg.vertices[rt.dst].loss
		p := createPath(src, rt.dst, rt.latency, reliability, false)
		p.jitter = jitter
		paths = append(paths, p)
	}
	return paths
}
