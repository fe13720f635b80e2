package hostsim

import (
	"fmt"
	"sync"
	"testing"

	"github.com/iti/rngstream"
	"golang.org/x/exp/slices"
)

func meshHosts(n int) []HostDesc {
	hosts := make([]HostDesc, n)
	for idx := range hosts {
		hosts[idx] = HostDesc{Name: fmt.Sprintf("host%d", idx+1), IP: vertexIP(idx%4 + 1)}
	}
	return hosts
}

func TestRunaheadDominates(t *testing.T) {
	cfg := CreateSimulationCfg("runahead", 1)
	cfg.Runahead = 20
	mgr := testManager(t, cfg, fullMesh(3, 5, 0), meshHosts(3)...)
	if jump := mgr.MinTimeJump(); jump != 20*SimTimeMillisecond {
		t.Errorf("jump with 20ms runahead over 5ms edges is %s", jump)
	}
	more, start, end := mgr.roundFinished(0)
	if !more || start != 0 || end != 20*SimTimeMillisecond {
		t.Errorf("first window [%s, %s) continue=%v", start, end, more)
	}

	cfg = CreateSimulationCfg("computed", 1)
	mgr = testManager(t, cfg, fullMesh(3, 5, 0), meshHosts(3)...)
	if jump := mgr.MinTimeJump(); jump != 5*SimTimeMillisecond {
		t.Errorf("jump without runahead is %s", jump)
	}
}

func TestMinJumpAppliedAtBoundary(t *testing.T) {
	cfg := CreateSimulationCfg("boundary", 1)
	mgr := testManager(t, cfg, fullMesh(2, 5, 0), meshHosts(2)...)

	mgr.updateMinTimeJump(2 * SimTimeMillisecond)
	if jump := mgr.MinTimeJump(); jump != 5*SimTimeMillisecond {
		t.Errorf("jump changed mid round to %s", jump)
	}
	_, start, end := mgr.roundFinished(100 * SimTimeMillisecond)
	if end-start != 2*SimTimeMillisecond {
		t.Errorf("window after boundary is [%s, %s)", start, end)
	}

	more, _, end := mgr.roundFinished(mgr.endTime - SimTimeNanosecond)
	if !more || end != mgr.endTime {
		t.Errorf("last window should be clamped to the end time, got end %s", end)
	}
	if more, _, _ := mgr.roundFinished(SimTimeInvalid); more {
		t.Error("no pending events should end the simulation")
	}
}

// bounceLog is what one host saw of the bouncing tasks
type bounceLog struct {
	times []SimTime
	from  []HostID
}

type bounce struct {
	sentAt    SimTime
	windowEnd SimTime
	from      HostID
	hops      int
}

// runBounces injects tasks that hop between random hosts with delays of at least the
// minimum jump, and checks every hop against the causality bound
func runBounces(t *testing.T, policy string, workers int) []bounceLog {
	cfg := CreateSimulationCfg("bounce", 2)
	cfg.Policy = policy
	cfg.Workers = workers
	cfg.GroupSize = 2
	cfg.Seed = 11
	mgr := testManager(t, cfg, fullMesh(4, 5, 0), meshHosts(8)...)
	jump := mgr.MinTimeJump()

	logs := make([]bounceLog, len(mgr.hosts))
	var mu sync.Mutex
	violations := 0

	var hop TaskFunc
	hop = func(wk *Worker, arg any) {
		b := arg.(bounce)
		host := wk.ActiveHost()
		lg := &logs[host.id-1]
		if n := len(lg.times); n > 0 && lg.times[n-1] > wk.Now() {
			mu.Lock()
			violations++
			mu.Unlock()
		}
		lg.times = append(lg.times, wk.Now())
		lg.from = append(lg.from, b.from)
		if b.from != host.id && (wk.Now() < b.windowEnd || wk.Now()-b.sentAt < jump) {
			mu.Lock()
			violations++
			mu.Unlock()
		}
		if b.hops == 0 {
			return
		}
		dst := mgr.hosts[host.Random().Intn(len(mgr.hosts))]
		delay := jump + SimTime(host.Random().Intn(int(10*SimTimeMillisecond)))
		_, windowEnd := wk.Window()
		next := bounce{sentAt: wk.Now(), windowEnd: windowEnd, from: host.id, hops: b.hops - 1}
		if dst == host {
			next.windowEnd = 0
		}
		wk.ScheduleTask(NewTask("hop", hop, next), dst, delay)
	}

	for idx, host := range mgr.hosts {
		start := SimTime(idx) * SimTimeMillisecond
		host.ScheduleTask(start, NewTask("hop", hop, bounce{from: host.id, hops: 50}))
	}
	if err := mgr.Run(); err != nil {
		t.Fatal(err)
	}
	if violations > 0 {
		t.Errorf("%s policy, %d workers: %d causality violations", policy, workers, violations)
	}
	if live := mgr.Counters().Live(counterEvent); live != 0 {
		t.Errorf("%d events neither run nor discarded", live)
	}
	return logs
}

func TestCausalityAndDeterminism(t *testing.T) {
	reference := runBounces(t, "serial", 1)
	total := 0
	for _, lg := range reference {
		total += len(lg.times)
	}
	if total != 8*51 {
		t.Errorf("ran %d hops, expected %d", total, 8*51)
	}

	for _, run := range []struct {
		policy  string
		workers int
	}{{"pinned", 3}, {"steal", 4}, {"group", 2}} {
		logs := runBounces(t, run.policy, run.workers)
		for idx := range logs {
			if fmt.Sprint(logs[idx]) != fmt.Sprint(reference[idx]) {
				t.Errorf("%s policy: host %d ran a different event sequence", run.policy, idx+1)
			}
		}
	}
}

func TestEventsPastEndDiscarded(t *testing.T) {
	cfg := CreateSimulationCfg("end", 0.5)
	mgr := testManager(t, cfg, fullMesh(2, 5, 0), meshHosts(2)...)
	host := mgr.hosts[0]
	ran := 0
	host.ScheduleTask(0, NewTask("schedule-late", func(wk *Worker, _ any) {
		ran++
		if wk.ScheduleTask(NewTask("late", func(*Worker, any) { ran++ }, nil), nil, SimTimeSecond) {
			t.Error("event past the end time was accepted")
		}
	}, nil))
	if err := mgr.Run(); err != nil {
		t.Fatal(err)
	}
	if ran != 1 {
		t.Errorf("%d tasks ran, expected 1", ran)
	}
	if err := mgr.Run(); err == nil {
		t.Error("second Run accepted")
	}
}

func TestAddHostRejectsDuplicates(t *testing.T) {
	cfg := CreateSimulationCfg("dup", 1)
	mgr := testManager(t, cfg, fullMesh(2, 5, 0), HostDesc{Name: "same"})
	if _, err := mgr.AddHost(HostDesc{Name: "same"}); err == nil {
		t.Error("duplicate hostname accepted")
	}
	if mgr.HostByName("same") == nil || mgr.HostByID(1) == nil || mgr.HostByID(2) != nil {
		t.Error("host lookups wrong")
	}

	if _, err := mgr.AddApplication("same", ProcessDesc{Plugin: "udpecho", Args: []string{"7"}}); err != nil {
		t.Fatal(err)
	}
	if _, err := mgr.AddApplication("other", ProcessDesc{Plugin: "udpecho"}); err == nil {
		t.Error("process added to a missing host")
	}
	if _, err := mgr.AddApplication("same", ProcessDesc{Plugin: "nosuch"}); err == nil {
		t.Error("unknown plugin accepted")
	}
	if procs := mgr.HostByName("same").Processes(); len(procs) != 1 || procs[0].PluginID() != "udpecho" {
		t.Errorf("host has %d processes", len(procs))
	}
}

func TestProcessStreamsFollowSeed(t *testing.T) {
	build := func(seed uint64) *Manager {
		cfg := CreateSimulationCfg("streams", 60)
		cfg.Seed = seed
		server := HostDesc{Name: "server", IP: "12.0.0.2",
			Processes: []ProcessDesc{{Plugin: "bulkserver", Args: []string{"8080"}}}}
		client := HostDesc{Name: "client", IP: "12.0.0.1",
			Processes: []ProcessDesc{{Plugin: "bulkclient", Start: 0.5, Args: []string{"server", "8080", "65536"}}}}
		return testManager(t, cfg, fullMesh(2, 10, 0.02), client, server)
	}
	clientProc := func(mgr *Manager) *Process { return mgr.HostByName("client").Processes()[0] }

	first := build(7)
	rngstream.New("unrelated")
	second := build(7)
	other := build(8)

	a, b, c := clientProc(first).Rng().RandInt(0, 1<<30), clientProc(second).Rng().RandInt(0, 1<<30),
		clientProc(other).Rng().RandInt(0, 1<<30)
	if a != b {
		t.Errorf("equally seeded processes drew %d and %d", a, b)
	}
	if a == c {
		t.Errorf("processes under seeds 7 and 8 both drew %d", a)
	}

	for _, mgr := range []*Manager{first, second} {
		if err := mgr.Run(); err != nil {
			t.Fatal(err)
		}
	}
	w1 := clientProc(first).Application().(*BulkClient).Writes()
	w2 := clientProc(second).Application().(*BulkClient).Writes()
	if len(w1) == 0 || !slices.Equal(w1, w2) {
		t.Errorf("equally seeded runs wrote %v and %v", w1, w2)
	}
}
