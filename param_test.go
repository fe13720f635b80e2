package hostsim

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestApplyParametersSpecificWins(t *testing.T) {
	hosts := []HostDesc{
		{Name: "web", Groups: []string{"servers"}},
		{Name: "db", Groups: []string{"servers", "storage"}},
		{Name: "laptop"},
	}
	params := []ExpParameter{
		*CreateExpParameter("Interface", []AttrbStruct{{"group", "servers"}}, "qdisc", "rr"),
		*CreateExpParameter("Host", []AttrbStruct{{"name", "db"}}, "socketrecvbuffer", "262144"),
		*CreateExpParameter("Host", []AttrbStruct{{"*", ""}}, "socketrecvbuffer", "65536"),
		*CreateExpParameter("Host", []AttrbStruct{{"*", ""}}, "autotunesend", "false"),
	}
	if err := ApplyParameters(hosts, params); err != nil {
		t.Fatal(err)
	}
	if hosts[0].QDisc != "rr" || hosts[1].QDisc != "rr" || hosts[2].QDisc != "" {
		t.Errorf("group parameter applied as %q %q %q", hosts[0].QDisc, hosts[1].QDisc, hosts[2].QDisc)
	}
	if hosts[1].SocketRecvBuffer != 262144 || hosts[0].SocketRecvBuffer != 65536 {
		t.Errorf("named parameter did not override the wildcard: %d %d",
			hosts[1].SocketRecvBuffer, hosts[0].SocketRecvBuffer)
	}
	if !hosts[2].DisableAutotuneSend {
		t.Error("autotunesend=false did not disable autotuning")
	}

	bad := []ExpParameter{*CreateExpParameter("Host", nil, "qdisc", "rr")}
	if err := ApplyParameters(hosts, bad); err == nil {
		t.Error("interface parameter accepted on a host")
	}
	bad = []ExpParameter{*CreateExpParameter("Interface", nil, "routerqueue", "red")}
	if err := ApplyParameters(hosts, bad); err == nil {
		t.Error("unknown router queue accepted")
	}
}

func TestExpParameterAttributes(t *testing.T) {
	ep := CreateExpParameter("Host", nil, "loglevel", "debug")
	if err := ep.AddAttribute("group", "a"); err != nil {
		t.Fatal(err)
	}
	if err := ep.AddAttribute("group", "b"); err != nil {
		t.Errorf("second group refused: %v", err)
	}
	if err := ep.AddAttribute("name", "x"); err != nil {
		t.Fatal(err)
	}
	if err := ep.AddAttribute("name", "y"); err == nil {
		t.Error("second name accepted")
	}
	if err := ep.AddAttribute("color", "red"); err == nil {
		t.Error("unknown attribute accepted")
	}
	if CompareAttrbs(ep.Attributes[:1], ep.Attributes) != -1 || CompareAttrbs(ep.Attributes, ep.Attributes[:1]) != 1 {
		t.Error("shorter attribute list not more general")
	}
	if !EqAttrbs(ep.Attributes, []AttrbStruct{ep.Attributes[2], ep.Attributes[0], ep.Attributes[1]}) {
		t.Error("reordered attributes compare unequal")
	}
}

func TestExpCfgFile(t *testing.T) {
	excfg := CreateExpCfg("tuning")
	if err := excfg.AddParameter("Interface", []AttrbStruct{{"type", "router"}}, "bandwidthup", "2048"); err != nil {
		t.Fatal(err)
	}
	if err := excfg.AddParameter("Interface", nil, "cpufrequency", "1"); err == nil {
		t.Error("host parameter accepted for an interface")
	}
	filename := filepath.Join(t.TempDir(), "exp.json")
	if err := excfg.WriteToFile(filename); err != nil {
		t.Fatal(err)
	}
	back, err := ReadExpCfg(filename, false, nil)
	if err != nil {
		t.Fatal(err)
	}
	if back.Name != "tuning" || len(back.Parameters) != 1 || !back.Parameters[0].Eq(&excfg.Parameters[0]) {
		t.Errorf("read back %+v", back)
	}
}

func TestExpandHosts(t *testing.T) {
	cfg := CreateSimulationCfg("expand", 1)
	cfg.AddHost(HostDesc{Name: "peer", Quantity: 3, IP: "12.0.0.9", Groups: []string{"p2p"},
		Processes: []ProcessDesc{{Plugin: "udpecho", Args: []string{"7"}}}})
	cfg.AddHost(HostDesc{Name: "solo", Quantity: 1})
	hosts := cfg.ExpandHosts()
	if len(hosts) != 4 {
		t.Fatalf("expanded to %d hosts", len(hosts))
	}
	for idx, want := range []string{"peer1", "peer2", "peer3", "solo"} {
		if hosts[idx].Name != want || hosts[idx].Quantity != 0 {
			t.Errorf("host %d is %s quantity %d", idx, hosts[idx].Name, hosts[idx].Quantity)
		}
	}
	if hosts[0].IP != "12.0.0.9" || hosts[1].IP != "" {
		t.Error("requested address given to more than the first clone")
	}
	hosts[0].Groups[0] = "changed"
	if hosts[1].Groups[0] != "p2p" {
		t.Error("clones share their group list")
	}
}

func TestSimulationCfgValidate(t *testing.T) {
	cfg := CreateSimulationCfg("bad", 0)
	if cfg.Validate() == nil {
		t.Error("zero stop time accepted")
	}
	cfg = CreateSimulationCfg("dup", 1)
	cfg.AddHost(HostDesc{Name: "a2"})
	cfg.AddHost(HostDesc{Name: "a", Quantity: 2})
	if err := cfg.Validate(); !errors.Is(err, ErrDuplicateHost) {
		t.Errorf("clashing expanded name gave %v", err)
	}
	cfg = CreateSimulationCfg("cc", 1)
	cfg.AddHost(HostDesc{Name: "a", TCPCongestion: "bbr"})
	if cfg.Validate() == nil {
		t.Error("unknown congestion control accepted")
	}
}

func TestSimulationCfgFile(t *testing.T) {
	dir := t.TempDir()
	if err := lineGraph().WriteToFile(filepath.Join(dir, "line.yaml")); err != nil {
		t.Fatal(err)
	}
	excfg := CreateExpCfg("params")
	if err := excfg.AddParameter("Host", []AttrbStruct{{"name", "b"}}, "loglevel", "debug"); err != nil {
		t.Fatal(err)
	}
	if err := excfg.WriteToFile(filepath.Join(dir, "params.yaml")); err != nil {
		t.Fatal(err)
	}

	cfg := CreateSimulationCfg("files", 2)
	cfg.TopologyFile = "line.yaml"
	cfg.ParameterFile = "params.yaml"
	cfg.Runahead = 40
	cfg.AddHost(HostDesc{Name: "a", IP: "12.0.0.1"})
	cfg.AddHost(HostDesc{Name: "b", IP: "12.0.0.3"})
	filename := filepath.Join(dir, "sim.yaml")
	if err := cfg.WriteToFile(filename); err != nil {
		t.Fatal(err)
	}

	back, err := ReadSimulationCfg(filename, true, nil)
	if err != nil {
		t.Fatal(err)
	}
	if back.RunaheadSimTime() != 40*SimTimeMillisecond || back.StopSimTime() != 2*SimTimeSecond {
		t.Errorf("times read back as %s and %s", back.RunaheadSimTime(), back.StopSimTime())
	}
	hosts, err := back.ResolvedHosts(dir)
	if err != nil {
		t.Fatal(err)
	}
	if hosts[0].LogLevel != "" || hosts[1].LogLevel != "debug" {
		t.Errorf("parameter file applied as %q %q", hosts[0].LogLevel, hosts[1].LogLevel)
	}

	mgr, err := BuildManager(back, dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(mgr.Hosts()) != 2 || mgr.MinTimeJump() != 40*SimTimeMillisecond {
		t.Errorf("built %d hosts with jump %s", len(mgr.Hosts()), mgr.MinTimeJump())
	}
	if err := mgr.Run(); err != nil {
		t.Fatal(err)
	}
}

func TestHeartbeatInfo(t *testing.T) {
	if hi := parseHeartbeatInfo(""); !hi.node || hi.socket {
		t.Errorf("default heartbeat info %+v", hi)
	}
	if hi := parseHeartbeatInfo("Socket, node"); !hi.node || !hi.socket {
		t.Errorf("parsed heartbeat info %+v", hi)
	}
}
