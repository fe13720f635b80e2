package hostsim

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/exp/slices"
)

// AttrbStruct holds the name of an attribute and a value for it
type AttrbStruct struct {
	AttrbName  string `json:"attrbname" yaml:"attrbname"`
	AttrbValue string `json:"attrbvalue" yaml:"attrbvalue"`
}

// CreateAttrbStruct is a constructor
func CreateAttrbStruct(attrbName, attrbValue string) *AttrbStruct {
	as := new(AttrbStruct)
	as.AttrbName = attrbName
	as.AttrbValue = attrbValue
	return as
}

// ValidateAttribute checks that the attribute named is one that associates with the parameter object type named
func ValidateAttribute(paramObj, attrbName string) bool {
	_, attributes, _ := GetExpParamDesc()
	_, present := attributes[paramObj]
	if !present {
		return false
	}

	// wildcard always checks out
	if attrbName == "*" {
		return true
	}
	return slices.Contains(attributes[paramObj], attrbName)
}

// CompareAttrbs returns -1 if the first argument is strictly more general than the second,
// returns 1 if the second argument is strictly more general than the first, and 0 otherwise
func CompareAttrbs(attrbs1, attrbs2 []AttrbStruct) int {
	// one list is strictly more general if it is shorter and every name it has is shared by the other
	names := func(attrbs []AttrbStruct) []string {
		n := make([]string, 0, len(attrbs))
		for _, attrb := range attrbs {
			n = append(n, attrb.AttrbName)
		}
		return n
	}
	subset := func(small, large []string) bool {
		for _, name := range small {
			if !slices.Contains(large, name) {
				return false
			}
		}
		return true
	}

	names1, names2 := names(attrbs1), names(attrbs2)
	switch {
	case len(names1) < len(names2) && subset(names1, names2):
		return -1
	case len(names2) < len(names1) && subset(names2, names1):
		return 1
	}
	return 0
}

// EqAttrbs determines whether the two attribute lists are exactly the same
func EqAttrbs(attrbs1, attrbs2 []AttrbStruct) bool {
	if len(attrbs1) != len(attrbs2) {
		return false
	}
	for _, attrb1 := range attrbs1 {
		if !slices.Contains(attrbs2, attrb1) {
			return false
		}
	}
	for _, attrb2 := range attrbs2 {
		if !slices.Contains(attrbs1, attrb2) {
			return false
		}
	}
	return true
}

// ExpParameter describes an override of host configuration applied at run-time.
//   - ParamObj identifies the kind of thing being configured: Host or Interface
//   - Attributes is a list of attributes, every one of which a host must have for the
//     parameter to apply to it
type ExpParameter struct {
	// Type of thing being configured
	ParamObj string `json:"paramObj" yaml:"paramObj"`

	// attributes a host must match
	Attributes []AttrbStruct `json:"attributes" yaml:"attributes"`

	// parameter name, e.g. "bandwidthup", "qdisc", "socketrecvbuffer"
	Param string `json:"param" yaml:"param"`

	// string-encoded value associated with the parameter
	Value string `json:"value" yaml:"value"`
}

// Eq returns a boolean flag indicating whether the two ExpParameters referenced in the call are the same
func (epp *ExpParameter) Eq(ep2 *ExpParameter) bool {
	return epp.ParamObj == ep2.ParamObj && EqAttrbs(epp.Attributes, ep2.Attributes) &&
		epp.Param == ep2.Param && epp.Value == ep2.Value
}

// CreateExpParameter is a constructor.  Completely fills in the struct with the [ExpParameter] attributes.
func CreateExpParameter(paramObj string, attributes []AttrbStruct, param, value string) *ExpParameter {
	return &ExpParameter{ParamObj: paramObj, Attributes: attributes, Param: param, Value: value}
}

// AddAttribute includes another attribute to those associated with the ExpParameter.
// An error is returned if the attribute name (other than 'group') already exists
func (epp *ExpParameter) AddAttribute(attrbName, attrbValue string) error {
	if !ValidateAttribute(epp.ParamObj, attrbName) {
		return fmt.Errorf("attribute name %s not allowed for parameter object type %s",
			attrbName, epp.ParamObj)
	}

	for _, attrb := range epp.Attributes {
		if attrb.AttrbName == attrbName && attrb.AttrbValue == attrbValue {
			return nil
		}
	}

	// a host may be in several groups, nothing else may be asked for twice
	if attrbName != "group" {
		for _, attrb := range epp.Attributes {
			if attrb.AttrbName == attrbName {
				return fmt.Errorf("attribute name %s already exists for parameter object", attrbName)
			}
		}
	}

	epp.Attributes = append(epp.Attributes, *CreateAttrbStruct(attrbName, attrbValue))
	return nil
}

// ExpCfg structure holds all of the ExpParameters for a named experiment
type ExpCfg struct {
	// Name is an identifier for a group of [ExpParameters].  No particular interpretation of this string is
	// used, except as a referencing label
	Name string `json:"expname" yaml:"expname"`

	// Parameters is a list of all the [ExpParameter] objects presented to the simulator for an experiment.
	Parameters []ExpParameter `json:"parameters" yaml:"parameters"`
}

// CreateExpCfg is a constructor. Saves the offered Name and initializes the slice of ExpParameters.
func CreateExpCfg(name string) *ExpCfg {
	return &ExpCfg{Name: name, Parameters: make([]ExpParameter, 0)}
}

// AddExpParameter includes the argument ExpParameter to the the Parameter list of the referencing
// ExpCfg
func (excfg *ExpCfg) AddExpParameter(exparam *ExpParameter) {
	excfg.Parameters = append(excfg.Parameters, *exparam)
}

// ValidateParameter returns an error if the paramObj, attributes, and param values don't
// make sense taken together within an ExpParameter.
func ValidateParameter(paramObj string, attributes []AttrbStruct, param string) error {
	objs, _, params := GetExpParamDesc()

	if !slices.Contains(objs, paramObj) {
		return fmt.Errorf("parameter paramObj %s is not recognized", paramObj)
	}
	for _, attrb := range attributes {
		if !ValidateAttribute(paramObj, attrb.AttrbName) {
			return fmt.Errorf("attribute %s not valid for parameter object type %s", attrb.AttrbName, paramObj)
		}
	}
	if !slices.Contains(params[paramObj], strings.ToLower(param)) {
		return fmt.Errorf("parameter %s not valid for parameter object type %s", param, paramObj)
	}
	return nil
}

// AddParameter accepts the four values in an ExpParameter, creates one, and adds to the ExpCfg's list.
// Returns an error if the parameters are not validated.
func (excfg *ExpCfg) AddParameter(paramObj string, attributes []AttrbStruct, param, value string) error {
	if err := ValidateParameter(paramObj, attributes, param); err != nil {
		return err
	}
	excfg.Parameters = append(excfg.Parameters, *CreateExpParameter(paramObj, attributes, param, value))
	return nil
}

// WriteToFile stores the ExpCfg struct to the file whose name is given.
// Serialization to json or to yaml is selected based on the extension of this name.
func (excfg *ExpCfg) WriteToFile(filename string) error {
	bytes, err := marshalByExt(filename, excfg)
	if err != nil {
		return err
	}
	return os.WriteFile(filename, bytes, 0o644)
}

// ReadExpCfg deserializes a byte slice holding a representation of an ExpCfg struct.
// If the input argument of dict (those bytes) is empty, the file whose name is given is read
// to acquire them.
func ReadExpCfg(filename string, useYAML bool, dict []byte) (*ExpCfg, error) {
	var err error
	if len(dict) == 0 {
		dict, err = os.ReadFile(filename)
		if err != nil {
			return nil, err
		}
	}

	example := ExpCfg{}
	if err = unmarshalDesc(dict, useYAML, &example); err != nil {
		return nil, fmt.Errorf("experiment parameters %s: %w", filename, err)
	}
	for _, param := range example.Parameters {
		if err := ValidateParameter(param.ParamObj, param.Attributes, param.Param); err != nil {
			return nil, fmt.Errorf("experiment parameters %s: %w", filename, err)
		}
	}
	return &example, nil
}

// ExpParamObjs, ExpAttributes, and ExpParams describe the objects an experiment file
// configures, the attributes tested to decide whether an object receives a parameter,
// and the parameters defined for each object type
var (
	ExpParamObjs  = []string{"Host", "Interface"}
	ExpAttributes = map[string][]string{
		"Host":      {"name", "group", "type", "*"},
		"Interface": {"name", "group", "type", "*"},
	}
	ExpParams = map[string][]string{
		"Host": {"socketrecvbuffer", "socketsendbuffer", "autotunerecv", "autotunesend",
			"tcpcongestion", "loglevel", "cpufrequency", "cputhreshold", "cpuprecision",
			"heartbeatinterval", "pcap", "pcapdir"},
		"Interface": {"bandwidthup", "bandwidthdown", "interfacebuffer", "qdisc",
			"routerqueue", "pcap", "pcapdir"},
	}
)

// GetExpParamDesc returns ExpParamObjs, ExpAttributes, and ExpParams
func GetExpParamDesc() ([]string, map[string][]string, map[string][]string) {
	return ExpParamObjs, ExpAttributes, ExpParams
}

// matchParam reports whether a host has every attribute the parameter asks for
func (hd *HostDesc) matchParam(attrbs []AttrbStruct) bool {
	for _, attrb := range attrbs {
		switch attrb.AttrbName {
		case "*":
		case "name":
			if hd.Name != attrb.AttrbValue {
				return false
			}
		case "group":
			if !slices.Contains(hd.Groups, attrb.AttrbValue) {
				return false
			}
		case "type":
			if hd.Type != attrb.AttrbValue {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// setParam writes a parameter value into the host description
func (hd *HostDesc) setParam(param, value string) error {
	var err error
	value = strings.TrimSpace(value)
	switch strings.ToLower(param) {
	case "bandwidthup":
		hd.BandwidthUp, err = strconv.ParseFloat(value, 64)
	case "bandwidthdown":
		hd.BandwidthDown, err = strconv.ParseFloat(value, 64)
	case "interfacebuffer":
		hd.InterfaceBuffer, err = strconv.Atoi(value)
	case "qdisc":
		_, err = parseQDisc(value)
		hd.QDisc = value
	case "routerqueue":
		_, err = parseRouterQueue(value)
		hd.RouterQueue = value
	case "socketrecvbuffer":
		hd.SocketRecvBuffer, err = strconv.Atoi(value)
	case "socketsendbuffer":
		hd.SocketSendBuffer, err = strconv.Atoi(value)
	case "autotunerecv":
		var on bool
		on, err = strconv.ParseBool(value)
		hd.DisableAutotuneRecv = !on
	case "autotunesend":
		var on bool
		on, err = strconv.ParseBool(value)
		hd.DisableAutotuneSend = !on
	case "tcpcongestion":
		_, err = createCongestionControl(value)
		hd.TCPCongestion = value
	case "loglevel":
		hd.LogLevel = value
	case "cpufrequency":
		hd.CPUFrequency, err = strconv.ParseUint(value, 10, 64)
	case "cputhreshold":
		hd.CPUThreshold, err = strconv.ParseInt(value, 10, 64)
	case "cpuprecision":
		hd.CPUPrecision, err = strconv.ParseInt(value, 10, 64)
	case "heartbeatinterval":
		hd.HeartbeatInterval, err = strconv.ParseFloat(value, 64)
	case "pcap":
		hd.Pcap, err = strconv.ParseBool(value)
	case "pcapdir":
		hd.PcapDir = value
	default:
		return fmt.Errorf("unknown parameter %s", param)
	}
	if err != nil {
		return fmt.Errorf("parameter %s value %q: %w", param, value, err)
	}
	return nil
}

// ApplyParameters writes the parameters into the hosts they match.  Parameters with more
// general attribute lists are applied first, so that a more specific one that also
// matches a host overrides them.  Among equally general parameters the later one wins.
func ApplyParameters(hosts []HostDesc, params []ExpParameter) error {
	ordered := append([]ExpParameter(nil), params...)
	slices.SortStableFunc(ordered, func(a, b ExpParameter) int {
		return generality(b.Attributes) - generality(a.Attributes)
	})

	for _, param := range ordered {
		if err := ValidateParameter(param.ParamObj, param.Attributes, param.Param); err != nil {
			return err
		}
		for idx := range hosts {
			if !hosts[idx].matchParam(param.Attributes) {
				continue
			}
			if err := hosts[idx].setParam(param.Param, param.Value); err != nil {
				return fmt.Errorf("host %s: %w", hosts[idx].Name, err)
			}
		}
	}
	return nil
}

// generality is higher for attribute lists that match more hosts: the wildcard matches
// everything, and each further attribute narrows the match
func generality(attrbs []AttrbStruct) int {
	n := 0
	for _, attrb := range attrbs {
		if attrb.AttrbName != "*" {
			n++
		}
	}
	if n == 0 {
		return 100
	}
	return 100 - n
}
