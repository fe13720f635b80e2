package hostsim

import (
	"fmt"
	"strings"

	"golang.org/x/exp/slices"
)

// ObjectCounter tallies object allocations and releases by kind.  Each worker keeps
// its own and the manager merges them under its lock when the run ends.
type ObjectCounter struct {
	New  map[string]int64 `json:"new" yaml:"new"`
	Free map[string]int64 `json:"free" yaml:"free"`
}

func createObjectCounter() *ObjectCounter {
	return &ObjectCounter{New: make(map[string]int64), Free: make(map[string]int64)}
}

func (oc *ObjectCounter) IncNew(kind string) {
	oc.New[kind]++
}

func (oc *ObjectCounter) IncFree(kind string) {
	oc.Free[kind]++
}

// Merge adds the tallies of other into oc and clears other
func (oc *ObjectCounter) Merge(other *ObjectCounter) {
	for kind, n := range other.New {
		oc.New[kind] += n
	}
	for kind, n := range other.Free {
		oc.Free[kind] += n
	}
	clear(other.New)
	clear(other.Free)
}

// Live is the number of objects of a kind created and not yet released
func (oc *ObjectCounter) Live(kind string) int64 {
	return oc.New[kind] - oc.Free[kind]
}

func (oc *ObjectCounter) String() string {
	kinds := make([]string, 0, len(oc.New))
	for kind := range oc.New {
		kinds = append(kinds, kind)
	}
	for kind := range oc.Free {
		if _, present := oc.New[kind]; !present {
			kinds = append(kinds, kind)
		}
	}
	slices.Sort(kinds)
	parts := make([]string, 0, len(kinds))
	for _, kind := range kinds {
		parts = append(parts, fmt.Sprintf("%s:new=%d,free=%d", kind, oc.New[kind], oc.Free[kind]))
	}
	return strings.Join(parts, " ")
}
