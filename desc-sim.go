package hostsim

// desc-sim.go holds the serializable description of a simulation: the run parameters,
// the hosts and the processes they run.  Like the graph description it is read from and
// written to yaml or json, chosen by file extension.

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ProcessDesc describes one application a host runs.  Times are in seconds.
type ProcessDesc struct {
	Plugin string   `json:"plugin" yaml:"plugin"`
	Path   string   `json:"path,omitempty" yaml:"path,omitempty"`
	Entry  string   `json:"entry,omitempty" yaml:"entry,omitempty"`
	Start  float64  `json:"start" yaml:"start"`
	Stop   float64  `json:"stop,omitempty" yaml:"stop,omitempty"`
	Env    []string `json:"env,omitempty" yaml:"env,omitempty"`
	Args   []string `json:"args,omitempty" yaml:"args,omitempty"`
}

// HostDesc is the configuration record of a host.  Zero values mean 'use the default'.
// Bandwidths are in KiB/s and override the ones of the vertex the host attaches to.
// CPU times are in microseconds, heartbeat interval in seconds.  A Quantity above one
// makes that many hosts, named Name1 .. NameN.
type HostDesc struct {
	Name        string   `json:"name" yaml:"name"`
	Quantity    int      `json:"quantity,omitempty" yaml:"quantity,omitempty"`
	Groups      []string `json:"groups,omitempty" yaml:"groups,omitempty"`
	IP          string   `json:"ip,omitempty" yaml:"ip,omitempty"`
	CityCode    string   `json:"citycode,omitempty" yaml:"citycode,omitempty"`
	CountryCode string   `json:"countrycode,omitempty" yaml:"countrycode,omitempty"`
	GeoCode     string   `json:"geocode,omitempty" yaml:"geocode,omitempty"`
	Type        string   `json:"type,omitempty" yaml:"type,omitempty"`

	CPUFrequency uint64 `json:"cpufrequency,omitempty" yaml:"cpufrequency,omitempty"`
	CPUThreshold int64  `json:"cputhreshold,omitempty" yaml:"cputhreshold,omitempty"`
	CPUPrecision int64  `json:"cpuprecision,omitempty" yaml:"cpuprecision,omitempty"`

	LogLevel          string  `json:"loglevel,omitempty" yaml:"loglevel,omitempty"`
	HeartbeatInterval float64 `json:"heartbeatinterval,omitempty" yaml:"heartbeatinterval,omitempty"`
	HeartbeatLogLevel string  `json:"heartbeatloglevel,omitempty" yaml:"heartbeatloglevel,omitempty"`
	HeartbeatLogInfo  string  `json:"heartbeatloginfo,omitempty" yaml:"heartbeatloginfo,omitempty"`

	Pcap    bool   `json:"pcap,omitempty" yaml:"pcap,omitempty"`
	PcapDir string `json:"pcapdir,omitempty" yaml:"pcapdir,omitempty"`

	SocketRecvBuffer    int    `json:"socketrecvbuffer,omitempty" yaml:"socketrecvbuffer,omitempty"`
	SocketSendBuffer    int    `json:"socketsendbuffer,omitempty" yaml:"socketsendbuffer,omitempty"`
	DisableAutotuneRecv bool   `json:"disableautotunerecv,omitempty" yaml:"disableautotunerecv,omitempty"`
	DisableAutotuneSend bool   `json:"disableautotunesend,omitempty" yaml:"disableautotunesend,omitempty"`
	TCPCongestion       string `json:"tcpcongestion,omitempty" yaml:"tcpcongestion,omitempty"`

	InterfaceBuffer int     `json:"interfacebuffer,omitempty" yaml:"interfacebuffer,omitempty"`
	QDisc           string  `json:"qdisc,omitempty" yaml:"qdisc,omitempty"`
	RouterQueue     string  `json:"routerqueue,omitempty" yaml:"routerqueue,omitempty"`
	BandwidthDown   float64 `json:"bandwidthdown,omitempty" yaml:"bandwidthdown,omitempty"`
	BandwidthUp     float64 `json:"bandwidthup,omitempty" yaml:"bandwidthup,omitempty"`

	Processes []ProcessDesc `json:"processes,omitempty" yaml:"processes,omitempty"`
}

// SimulationCfg describes a whole run.  Times are in seconds except Runahead, which is
// in milliseconds.  The topology comes from TopologyFile unless it is given inline.
// ParameterFile names an ExpCfg whose parameters are applied after Parameters.
type SimulationCfg struct {
	Name         string  `json:"name" yaml:"name"`
	Seed         uint64  `json:"seed" yaml:"seed"`
	Workers      int     `json:"workers" yaml:"workers"`
	Policy       string  `json:"policy,omitempty" yaml:"policy,omitempty"`
	GroupSize    int     `json:"groupsize,omitempty" yaml:"groupsize,omitempty"`
	StopTime     float64 `json:"stoptime" yaml:"stoptime"`
	BootstrapEnd float64 `json:"bootstrapend,omitempty" yaml:"bootstrapend,omitempty"`
	Runahead     float64 `json:"runahead,omitempty" yaml:"runahead,omitempty"`
	LogLevel     string  `json:"loglevel,omitempty" yaml:"loglevel,omitempty"`
	TraceFile    string  `json:"tracefile,omitempty" yaml:"tracefile,omitempty"`

	TopologyFile  string         `json:"topologyfile,omitempty" yaml:"topologyfile,omitempty"`
	Topology      *GraphDesc     `json:"topology,omitempty" yaml:"topology,omitempty"`
	Hosts         []HostDesc     `json:"hosts" yaml:"hosts"`
	Parameters    []ExpParameter `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	ParameterFile string         `json:"parameterfile,omitempty" yaml:"parameterfile,omitempty"`
}

// CreateSimulationCfg is a constructor
func CreateSimulationCfg(name string, stopTime float64) *SimulationCfg {
	cfg := new(SimulationCfg)
	cfg.Name = name
	cfg.StopTime = stopTime
	cfg.Workers = 1
	cfg.Seed = 1
	return cfg
}

func (cfg *SimulationCfg) AddHost(hd HostDesc) {
	cfg.Hosts = append(cfg.Hosts, hd)
}

// StopSimTime is the end of the simulation
func (cfg *SimulationCfg) StopSimTime() SimTime {
	return SimTimeFromSeconds(cfg.StopTime)
}

func (cfg *SimulationCfg) BootstrapSimTime() SimTime {
	return SimTimeFromSeconds(cfg.BootstrapEnd)
}

func (cfg *SimulationCfg) RunaheadSimTime() SimTime {
	return SimTimeFromMillis(cfg.Runahead)
}

// Validate checks the values that cannot be defaulted
func (cfg *SimulationCfg) Validate() error {
	if cfg.StopTime <= 0 {
		return fmt.Errorf("simulation %s: stop time must be positive", cfg.Name)
	}
	if cfg.BootstrapEnd < 0 || cfg.Runahead < 0 {
		return fmt.Errorf("simulation %s: bootstrap end and runahead may not be negative", cfg.Name)
	}
	if cfg.Workers < 0 {
		return fmt.Errorf("simulation %s: negative worker count", cfg.Name)
	}
	names := make(map[string]bool)
	for _, hd := range cfg.ExpandHosts() {
		if len(hd.Name) == 0 {
			return fmt.Errorf("simulation %s: host without a name", cfg.Name)
		}
		if names[hd.Name] {
			return fmt.Errorf("simulation %s: %w: %s", cfg.Name, ErrDuplicateHost, hd.Name)
		}
		names[hd.Name] = true
		if _, err := parseQDisc(hd.QDisc); err != nil {
			return fmt.Errorf("host %s: %w", hd.Name, err)
		}
		if _, err := parseRouterQueue(hd.RouterQueue); err != nil {
			return fmt.Errorf("host %s: %w", hd.Name, err)
		}
		if _, err := createCongestionControl(hd.TCPCongestion); err != nil {
			return fmt.Errorf("host %s: %w", hd.Name, err)
		}
	}
	return nil
}

// ExpandHosts returns the host list with every Quantity unrolled
func (cfg *SimulationCfg) ExpandHosts() []HostDesc {
	hosts := make([]HostDesc, 0, len(cfg.Hosts))
	for _, hd := range cfg.Hosts {
		if hd.Quantity <= 1 {
			hd.Quantity = 0
			hosts = append(hosts, hd)
			continue
		}
		for idx := 1; idx <= hd.Quantity; idx++ {
			clone := hd
			clone.Name = fmt.Sprintf("%s%d", hd.Name, idx)
			clone.Quantity = 0
			clone.Groups = append([]string(nil), hd.Groups...)
			clone.Processes = append([]ProcessDesc(nil), hd.Processes...)
			// a requested address goes to the first clone only
			if idx > 1 {
				clone.IP = ""
			}
			hosts = append(hosts, clone)
		}
	}
	return hosts
}

// LoadTopology returns the inline topology, or reads TopologyFile.  A relative file name
// is taken relative to dir.
func (cfg *SimulationCfg) LoadTopology(dir string) (*GraphDesc, error) {
	if cfg.Topology != nil {
		return cfg.Topology, nil
	}
	if len(cfg.TopologyFile) == 0 {
		return nil, fmt.Errorf("simulation %s: no topology given", cfg.Name)
	}
	filename := cfg.TopologyFile
	if !filepath.IsAbs(filename) && len(dir) > 0 {
		filename = filepath.Join(dir, filename)
	}
	return ReadGraphDesc(filename, isYAMLFile(filename), nil)
}

// ResolvedHosts expands the host list and applies the experiment parameters to it
func (cfg *SimulationCfg) ResolvedHosts(dir string) ([]HostDesc, error) {
	hosts := cfg.ExpandHosts()
	params := append([]ExpParameter(nil), cfg.Parameters...)
	if len(cfg.ParameterFile) > 0 {
		filename := cfg.ParameterFile
		if !filepath.IsAbs(filename) && len(dir) > 0 {
			filename = filepath.Join(dir, filename)
		}
		expCfg, err := ReadExpCfg(filename, isYAMLFile(filename), nil)
		if err != nil {
			return nil, err
		}
		params = append(params, expCfg.Parameters...)
	}
	if err := ApplyParameters(hosts, params); err != nil {
		return nil, err
	}
	return hosts, nil
}

// WriteToFile stores the SimulationCfg to the file whose name is given.
// Serialization to json or to yaml is selected based on the extension of this name.
func (cfg *SimulationCfg) WriteToFile(filename string) error {
	bytes, err := marshalByExt(filename, cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(filename, bytes, 0o644)
}

// ReadSimulationCfg deserializes a byte slice holding a representation of a SimulationCfg.
// If dict is empty the file whose name is given is read to acquire the bytes.
func ReadSimulationCfg(filename string, useYAML bool, dict []byte) (*SimulationCfg, error) {
	var err error
	if len(dict) == 0 {
		dict, err = os.ReadFile(filename)
		if err != nil {
			return nil, err
		}
	}

	example := SimulationCfg{Workers: 1, Seed: 1}
	if err = unmarshalDesc(dict, useYAML, &example); err != nil {
		return nil, fmt.Errorf("simulation description %s: %w", filename, err)
	}
	if err := example.Validate(); err != nil {
		return nil, err
	}
	return &example, nil
}

// unmarshalDesc decodes a description as yaml or json
func unmarshalDesc(dict []byte, useYAML bool, v any) error {
	if useYAML {
		return yaml.Unmarshal(dict, v)
	}
	return json.Unmarshal(dict, v)
}

// heartbeatInfo is the parsed HeartbeatLogInfo list
type heartbeatInfo struct {
	node, socket bool
}

func parseHeartbeatInfo(s string) heartbeatInfo {
	if len(strings.TrimSpace(s)) == 0 {
		return heartbeatInfo{node: true}
	}
	var hi heartbeatInfo
	for _, part := range strings.Split(s, ",") {
		switch strings.ToLower(strings.TrimSpace(part)) {
		case "node":
			hi.node = true
		case "socket":
			hi.socket = true
		}
	}
	return hi
}
