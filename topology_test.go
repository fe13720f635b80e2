package hostsim

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/exp/rand"
)

func attachAt(t *testing.T, tg *Topology, id HostID, ip string) *Address {
	t.Helper()
	addr := createAddress(id, "h"+ip, IPToValue(parseIP(ip)), false)
	if _, err := tg.Attach(addr, rand.New(rand.NewSource(1)), AttachHints{IP: parseIP(ip)}); err != nil {
		t.Fatal(err)
	}
	return addr
}

func TestLinePathLatency(t *testing.T) {
	tg, err := CreateTopology(lineGraph())
	if err != nil {
		t.Fatal(err)
	}
	a := attachAt(t, tg, 1, "12.0.0.1")
	c := attachAt(t, tg, 2, "12.0.0.3")

	if lat := tg.GetLatency(a, c); lat != 20 {
		t.Errorf("A to C latency is %g ms, expected 20", lat)
	}
	if lat := tg.GetLatency(c, a); lat != 20 {
		t.Errorf("C to A latency is %g ms, expected 20", lat)
	}
	if rel := tg.GetReliability(a, c); rel != 1 {
		t.Errorf("lossless path has reliability %g", rel)
	}
	if tg.MinEdgeLatency() != 10 {
		t.Errorf("minimum edge latency is %g", tg.MinEdgeLatency())
	}
}

func TestTriangleTakesShortestPath(t *testing.T) {
	tg, err := CreateTopology(triangle())
	if err != nil {
		t.Fatal(err)
	}
	a := attachAt(t, tg, 1, "12.0.0.1")
	b := attachAt(t, tg, 2, "12.0.0.2")
	c := attachAt(t, tg, 3, "12.0.0.3")

	ab, bc, ac := tg.GetLatency(a, b), tg.GetLatency(b, c), tg.GetLatency(a, c)
	if math.Abs(ac-(ab+bc)) > 1e-9 || ac != 20 {
		t.Errorf("A to C latency %g ms, expected A to B %g plus B to C %g", ac, ab, bc)
	}
	if p, _ := tg.GetPath(a, c); p.IsDirect() {
		t.Error("every pair adjacent, but the path from A to C was taken directly")
	}
}

func TestDirectPaths(t *testing.T) {
	for _, test := range []struct {
		name     string
		prefer   bool
		complete bool
		latency  float64
		direct   bool
	}{
		{"shortest", false, false, 20, false},
		{"prefer direct", true, false, 50, true},
		{"marked complete", false, true, 50, true},
	} {
		gd := triangle()
		gd.VertexList[0].PacketLoss = 0.1
		gd.VertexList[2].PacketLoss = 0.2
		gd.EdgeList[2].PacketLoss = 0.5
		if test.prefer {
			gd.SetPreferDirectPaths(true)
		}
		if test.complete {
			gd.SetComplete(true)
		}
		tg, err := CreateTopology(gd)
		if err != nil {
			t.Fatal(err)
		}
		a := attachAt(t, tg, 1, "12.0.0.1")
		c := attachAt(t, tg, 2, "12.0.0.3")
		p, _ := tg.GetPath(a, c)
		if p.Latency() != test.latency || p.IsDirect() != test.direct {
			t.Errorf("%s: latency %g direct %v", test.name, p.Latency(), p.IsDirect())
		}
		if test.direct && math.Abs(p.Reliability()-0.9*0.5*0.8) > 1e-9 {
			t.Errorf("%s: direct path reliability %g, expected the edge and both vertex loss factors", test.name, p.Reliability())
		}
	}

	// a preferred direct path needs an edge; A and C on the line are two hops apart
	gd := lineGraph()
	gd.SetPreferDirectPaths(true)
	tg, err := CreateTopology(gd)
	if err != nil {
		t.Fatal(err)
	}
	if lat := tg.GetLatency(attachAt(t, tg, 1, "12.0.0.1"), attachAt(t, tg, 2, "12.0.0.3")); lat != 20 {
		t.Errorf("non-adjacent vertices with direct paths preferred: %g ms", lat)
	}
}

func TestPathCacheIdempotent(t *testing.T) {
	tg, err := CreateTopology(lineGraph())
	if err != nil {
		t.Fatal(err)
	}
	a := attachAt(t, tg, 1, "12.0.0.1")
	c := attachAt(t, tg, 2, "12.0.0.3")

	first, ok := tg.GetPath(a, c)
	if !ok {
		t.Fatal("path not routable")
	}
	second, _ := tg.GetPath(a, c)
	if first != second {
		t.Error("second lookup computed a new path")
	}
	tg.IncrementPathPacketCounter(a, c)
	tg.IncrementPathPacketCounter(a, c)
	if n := tg.PathPacketCount(a, c); n != 2 {
		t.Errorf("path counted %d packets, expected 2", n)
	}
	if first.Latency() != second.Latency() || first.Reliability() != second.Reliability() {
		t.Error("cached path changed")
	}
}

func TestSelfPath(t *testing.T) {
	gd := CreateGraphDesc("pair", false)
	gd.AddVertex("A", 1024, 1024).IP = "12.0.0.1"
	gd.AddVertex("B", 1024, 1024).IP = "12.0.0.2"
	gd.AddEdge("A", "B", 7, 0.1)
	tg, err := CreateTopology(gd)
	if err != nil {
		t.Fatal(err)
	}
	a1 := attachAt(t, tg, 1, "12.0.0.1")
	a2 := createAddress(2, "second", IPToValue(parseIP("11.0.0.9")), false)
	if _, err := tg.Attach(a2, rand.New(rand.NewSource(1)), AttachHints{IP: parseIP("12.0.0.1")}); err != nil {
		t.Fatal(err)
	}

	p, ok := tg.GetPath(a1, a2)
	if !ok {
		t.Fatal("self path not routable")
	}
	if p.Src() != p.Dst() {
		t.Fatalf("hosts on one vertex got a path from %d to %d", p.Src(), p.Dst())
	}
	if p.Latency() != 14 {
		t.Errorf("self path latency %g, expected twice the nearest edge", p.Latency())
	}
	if math.Abs(p.Reliability()-0.81) > 1e-9 {
		t.Errorf("self path reliability %g, expected 0.81", p.Reliability())
	}
}

func TestZeroLatencyClamped(t *testing.T) {
	gd := CreateGraphDesc("zero", false)
	gd.AddVertex("A", 1024, 1024).IP = "12.0.0.1"
	gd.AddVertex("B", 1024, 1024).IP = "12.0.0.2"
	gd.AddEdge("A", "B", 0, 0)
	tg, err := CreateTopology(gd)
	if err != nil {
		t.Fatal(err)
	}
	var reported SimTime
	tg.SetMinLatencyCallback(func(lat SimTime) { reported = lat })

	a := attachAt(t, tg, 1, "12.0.0.1")
	b := attachAt(t, tg, 2, "12.0.0.2")
	if lat := tg.GetLatency(a, b); lat != 1 {
		t.Errorf("zero latency path reported %g ms", lat)
	}
	if reported != SimTimeMillisecond {
		t.Errorf("minimum latency callback got %s", reported)
	}
}

func TestDisconnectedGraph(t *testing.T) {
	gd := CreateGraphDesc("split", true)
	gd.AddVertex("A", 1024, 1024)
	gd.AddVertex("B", 1024, 1024)
	gd.AddEdge("A", "B", 5, 0)
	if _, err := CreateTopology(gd); !errors.Is(err, ErrGraphDisconnected) {
		t.Errorf("directed graph without a way back gave %v", err)
	}

	gd = CreateGraphDesc("bad", false)
	gd.AddVertex("A", 0, 1024)
	if _, err := CreateTopology(gd); !errors.Is(err, ErrGraphAttribute) {
		t.Errorf("vertex without bandwidth gave %v", err)
	}
}

func TestAttachHints(t *testing.T) {
	gd := fullMesh(3, 5, 0)
	gd.VertexList[1].CityCode = "chi"
	tg, err := CreateTopology(gd)
	if err != nil {
		t.Fatal(err)
	}
	addr := createAddress(1, "h", IPToValue(parseIP("11.0.0.1")), false)
	v, err := tg.Attach(addr, rand.New(rand.NewSource(3)), AttachHints{CityCode: "CHI"})
	if err != nil {
		t.Fatal(err)
	}
	if v != 1 {
		t.Errorf("city hint attached to vertex %d", v)
	}
	tg.Detach(addr)
	if _, attached := tg.AttachedVertex(addr); attached {
		t.Error("address still attached after Detach")
	}
}

func TestAttachPrefersLongestPrefix(t *testing.T) {
	gd := fullMesh(2, 5, 0)
	// 140.0.0.1 differs from the request in one high bit, 12.0.0.254 in the eight low ones
	gd.VertexList[0].IP = "140.0.0.1"
	gd.VertexList[1].IP = "12.0.0.254"
	tg, err := CreateTopology(gd)
	if err != nil {
		t.Fatal(err)
	}
	addr := createAddress(1, "h", IPToValue(parseIP("12.0.0.1")), false)
	v, err := tg.Attach(addr, rand.New(rand.NewSource(3)), AttachHints{IP: parseIP("12.0.0.1")})
	if err != nil {
		t.Fatal(err)
	}
	if v != 1 {
		t.Errorf("attached to vertex %d, expected the one sharing the high-order bits", v)
	}
}

func TestGraphDescFile(t *testing.T) {
	gd := lineGraph()
	gd.SetPreferDirectPaths(true)
	filename := filepath.Join(t.TempDir(), "line.yaml")
	if err := gd.WriteToFile(filename); err != nil {
		t.Fatal(err)
	}
	back, err := ReadGraphDesc(filename, true, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(back.VertexList) != 3 || len(back.EdgeList) != 2 || !back.PreferDirectPaths() {
		t.Errorf("read back %+v", back)
	}
	if err := gd.WriteToFile(filepath.Join(t.TempDir(), "line.txt")); err == nil {
		t.Error("unknown extension accepted")
	}
	if _, err := os.Stat(filename); err != nil {
		t.Error(err)
	}
}
