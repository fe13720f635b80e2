package hostsim

// desc-topo.go holds the serializable description of the network graph that hosts attach to.
// A GraphDesc is what a topology loader produces; CreateTopology consumes it through the
// GraphSource interface, so that other loaders can supply a graph without going through files.

import (
	"encoding/json"
	"fmt"
	"os"
	"path"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// GraphSource is the abstract result of loading a topology: a weighted graph with
// per-vertex and per-edge attributes
type GraphSource interface {
	Directed() bool
	PreferDirectPaths() bool
	Complete() bool
	Vertices() []VertexDesc
	Edges() []EdgeDesc
}

// VertexDesc describes one network vertex.  ID, BandwidthDown and BandwidthUp are required,
// bandwidths are in KiB/s.  PacketLoss is a probability in [0,1].
type VertexDesc struct {
	ID            string  `json:"id" yaml:"id"`
	IP            string  `json:"ip,omitempty" yaml:"ip,omitempty"`
	CityCode      string  `json:"citycode,omitempty" yaml:"citycode,omitempty"`
	CountryCode   string  `json:"countrycode,omitempty" yaml:"countrycode,omitempty"`
	GeoCode       string  `json:"geocode,omitempty" yaml:"geocode,omitempty"`
	Type          string  `json:"type,omitempty" yaml:"type,omitempty"`
	ASN           string  `json:"asn,omitempty" yaml:"asn,omitempty"`
	BandwidthDown float64 `json:"bandwidthdown" yaml:"bandwidthdown"`
	BandwidthUp   float64 `json:"bandwidthup" yaml:"bandwidthup"`
	PacketLoss    float64 `json:"packetloss,omitempty" yaml:"packetloss,omitempty"`
}

// EdgeDesc describes a link between two vertices named by their ids.
// Latency is in milliseconds, PacketLoss a probability in [0,1].
type EdgeDesc struct {
	Src        string  `json:"src" yaml:"src"`
	Dst        string  `json:"dst" yaml:"dst"`
	Latency    float64 `json:"latency" yaml:"latency"`
	PacketLoss float64 `json:"packetloss" yaml:"packetloss"`
	Jitter     float64 `json:"jitter,omitempty" yaml:"jitter,omitempty"`
}

// GraphDesc is the serializable form of a topology graph
type GraphDesc struct {
	Name string `json:"name" yaml:"name"`

	// IsDirected selects a directed graph; undirected edges are usable both ways
	IsDirected bool `json:"directed" yaml:"directed"`

	// PreferDirect holds the graph attribute 'preferdirectpaths', a boolean written as a string
	PreferDirect string `json:"preferdirectpaths,omitempty" yaml:"preferdirectpaths,omitempty"`

	// IsComplete holds the graph attribute 'complete', set by loaders that generate a graph
	// with every vertex pair adjacent.  Adjacency alone does not make a graph complete.
	IsComplete string `json:"complete,omitempty" yaml:"complete,omitempty"`

	VertexList []VertexDesc `json:"vertices" yaml:"vertices"`
	EdgeList   []EdgeDesc   `json:"edges" yaml:"edges"`
}

// CreateGraphDesc is a constructor
func CreateGraphDesc(name string, directed bool) *GraphDesc {
	gd := new(GraphDesc)
	gd.Name = name
	gd.IsDirected = directed
	gd.VertexList = make([]VertexDesc, 0)
	gd.EdgeList = make([]EdgeDesc, 0)
	return gd
}

// AddVertex appends a vertex with the required attributes and returns it for further filling
func (gd *GraphDesc) AddVertex(id string, bwDown, bwUp float64) *VertexDesc {
	gd.VertexList = append(gd.VertexList, VertexDesc{ID: id, BandwidthDown: bwDown, BandwidthUp: bwUp})
	return &gd.VertexList[len(gd.VertexList)-1]
}

// AddEdge appends an edge
func (gd *GraphDesc) AddEdge(src, dst string, latency, loss float64) *EdgeDesc {
	gd.EdgeList = append(gd.EdgeList, EdgeDesc{Src: src, Dst: dst, Latency: latency, PacketLoss: loss})
	return &gd.EdgeList[len(gd.EdgeList)-1]
}

// SetPreferDirectPaths sets the 'preferdirectpaths' graph attribute
func (gd *GraphDesc) SetPreferDirectPaths(prefer bool) {
	gd.PreferDirect = strconv.FormatBool(prefer)
}

// SetComplete sets the 'complete' graph attribute
func (gd *GraphDesc) SetComplete(complete bool) {
	gd.IsComplete = strconv.FormatBool(complete)
}

func (gd *GraphDesc) Directed() bool { return gd.IsDirected }

// Complete interprets the 'complete' attribute the way PreferDirectPaths does
func (gd *GraphDesc) Complete() bool {
	complete, err := strconv.ParseBool(strings.TrimSpace(gd.IsComplete))
	return err == nil && complete
}

// PreferDirectPaths interprets the string attribute; anything unparsable counts as false
func (gd *GraphDesc) PreferDirectPaths() bool {
	prefer, err := strconv.ParseBool(strings.TrimSpace(gd.PreferDirect))
	return err == nil && prefer
}

func (gd *GraphDesc) Vertices() []VertexDesc { return gd.VertexList }

func (gd *GraphDesc) Edges() []EdgeDesc { return gd.EdgeList }

// validateGraphSource checks that every required attribute is present and well formed
func validateGraphSource(src GraphSource) error {
	vertices := src.Vertices()
	if len(vertices) == 0 {
		return fmt.Errorf("%w: graph has no vertices", ErrGraphAttribute)
	}
	seen := make(map[string]bool)
	for idx, v := range vertices {
		if len(v.ID) == 0 {
			return fmt.Errorf("%w: vertex %d has no id", ErrGraphAttribute, idx)
		}
		if seen[v.ID] {
			return fmt.Errorf("%w: vertex id %s is duplicated", ErrGraphAttribute, v.ID)
		}
		seen[v.ID] = true
		if !(v.BandwidthDown > 0) || !(v.BandwidthUp > 0) {
			return fmt.Errorf("%w: vertex %s needs positive bandwidthdown and bandwidthup", ErrGraphAttribute, v.ID)
		}
		if v.PacketLoss < 0 || v.PacketLoss > 1 {
			return fmt.Errorf("%w: vertex %s packetloss %g outside [0,1]", ErrGraphAttribute, v.ID, v.PacketLoss)
		}
		if len(v.IP) > 0 && IPToValue(parseIP(v.IP)) == 0 {
			return fmt.Errorf("%w: vertex %s ip %q is not an IPv4 address", ErrGraphAttribute, v.ID, v.IP)
		}
	}
	for idx, e := range src.Edges() {
		if !seen[e.Src] || !seen[e.Dst] {
			return fmt.Errorf("%w: edge %d (%s,%s) names an unknown vertex", ErrGraphAttribute, idx, e.Src, e.Dst)
		}
		if e.Latency < 0 {
			return fmt.Errorf("%w: edge %d (%s,%s) latency %g is negative", ErrGraphAttribute, idx, e.Src, e.Dst, e.Latency)
		}
		if e.PacketLoss < 0 || e.PacketLoss > 1 {
			return fmt.Errorf("%w: edge %d (%s,%s) packetloss %g outside [0,1]", ErrGraphAttribute, idx, e.Src, e.Dst, e.PacketLoss)
		}
		if e.Jitter < 0 {
			return fmt.Errorf("%w: edge %d (%s,%s) jitter %g is negative", ErrGraphAttribute, idx, e.Src, e.Dst, e.Jitter)
		}
	}
	return nil
}

// WriteToFile stores the GraphDesc to the file whose name is given.
// Serialization to json or to yaml is selected based on the extension of this name.
func (gd *GraphDesc) WriteToFile(filename string) error {
	bytes, err := marshalByExt(filename, gd)
	if err != nil {
		return err
	}
	return os.WriteFile(filename, bytes, 0o644)
}

// ReadGraphDesc deserializes a byte slice holding a representation of a GraphDesc.
// If dict is empty the file whose name is given is read to acquire the bytes.
func ReadGraphDesc(filename string, useYAML bool, dict []byte) (*GraphDesc, error) {
	var err error
	if len(dict) == 0 {
		dict, err = os.ReadFile(filename)
		if err != nil {
			return nil, err
		}
	}

	example := GraphDesc{}
	if useYAML {
		err = yaml.Unmarshal(dict, &example)
	} else {
		err = json.Unmarshal(dict, &example)
	}
	if err != nil {
		return nil, fmt.Errorf("graph description %s: %w", filename, err)
	}
	return &example, nil
}

// isYAMLFile reports whether the file extension selects YAML rather than JSON
func isYAMLFile(filename string) bool {
	pathExt := strings.ToLower(path.Ext(filename))
	return pathExt == ".yaml" || pathExt == ".yml"
}

// marshalByExt serializes v as yaml or json, chosen by the extension of filename
func marshalByExt(filename string, v any) ([]byte, error) {
	pathExt := strings.ToLower(path.Ext(filename))
	switch pathExt {
	case ".yaml", ".yml":
		return yaml.Marshal(v)
	case ".json":
		return json.MarshalIndent(v, "", "\t")
	}
	return nil, fmt.Errorf("file %s: extension must be .yaml, .yml or .json", filename)
}
