package hostsim

import (
	"io"
	"testing"

	"github.com/sirupsen/logrus"
)

func init() {
	lg := logrus.New()
	lg.SetOutput(io.Discard)
	SetLogger(lg)
}

// fullMesh is a complete undirected graph of n vertices named v1..vn, at 12.0.0.1 ..
// 12.0.0.n, every edge with the given latency and loss
func fullMesh(n int, latency, loss float64) *GraphDesc {
	gd := CreateGraphDesc("mesh", false)
	for idx := 1; idx <= n; idx++ {
		v := gd.AddVertex(vertexName(idx), 10240, 10240)
		v.IP = vertexIP(idx)
	}
	for s := 1; s <= n; s++ {
		for d := s + 1; d <= n; d++ {
			gd.AddEdge(vertexName(s), vertexName(d), latency, loss)
		}
	}
	gd.SetComplete(true)
	return gd
}

// lineGraph is A - B - C with 10ms edges and no edge between A and C
func lineGraph() *GraphDesc {
	gd := CreateGraphDesc("line", false)
	gd.AddVertex("A", 10240, 10240).IP = "12.0.0.1"
	gd.AddVertex("B", 10240, 10240).IP = "12.0.0.2"
	gd.AddVertex("C", 10240, 10240).IP = "12.0.0.3"
	gd.AddEdge("A", "B", 10, 0)
	gd.AddEdge("B", "C", 10, 0)
	return gd
}

// triangle is A - B - C with 10ms edges plus a slow 50ms edge between A and C
func triangle() *GraphDesc {
	gd := lineGraph()
	gd.Name = "triangle"
	gd.AddEdge("A", "C", 50, 0)
	return gd
}

func vertexName(idx int) string {
	return "v" + string(rune('0'+idx))
}

func vertexIP(idx int) string {
	return "12.0.0." + string(rune('0'+idx))
}

// testManager builds a manager over gd and adds the hosts
func testManager(t *testing.T, cfg *SimulationCfg, gd *GraphDesc, hosts ...HostDesc) *Manager {
	t.Helper()
	topo, err := CreateTopology(gd)
	if err != nil {
		t.Fatal(err)
	}
	mgr, err := CreateManager(cfg, topo)
	if err != nil {
		t.Fatal(err)
	}
	for _, hd := range hosts {
		if _, err := mgr.AddHost(hd); err != nil {
			t.Fatal(err)
		}
	}
	return mgr
}

// onHost runs fn with host active on a worker outside the rounds, as boot does
func onHost(mgr *Manager, host *Host, fn func(wk *Worker)) {
	wk := createWorker(-1, mgr, mgr.scheduler)
	wk.activeHost = host
	wk.now = host.now
	fn(wk)
	mgr.mergeCounters(wk.counters)
}
