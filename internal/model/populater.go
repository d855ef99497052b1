package model

import (
	"sort"
	"strings"
	"sync"

	"github.com/born-ml/lite/internal/ops"
)

// Populater decodes the attributes of one operator from its node spec.
type Populater func(spec *NodeSpec) (ops.Attributes, error)

var populaters = struct {
	sync.RWMutex
	m map[string]Populater
}{m: make(map[string]Populater)}

// RegisterPopulater installs the populater for an operator name. Names match
// without regard to case. It panics on duplicates.
func RegisterPopulater(op string, p Populater) {
	key := strings.ToLower(op)
	populaters.Lock()
	defer populaters.Unlock()
	if p == nil {
		panic("model: RegisterPopulater populater is nil for " + op)
	}
	if _, dup := populaters.m[key]; dup {
		panic("model: RegisterPopulater called twice for " + op)
	}
	populaters.m[key] = p
}

// LookupPopulater returns the populater for an operator name.
func LookupPopulater(op string) (Populater, bool) {
	populaters.RLock()
	defer populaters.RUnlock()
	p, ok := populaters.m[strings.ToLower(op)]
	return p, ok
}

// Populaters returns the registered operator names, sorted.
func Populaters() []string {
	populaters.RLock()
	defer populaters.RUnlock()
	names := make([]string, 0, len(populaters.m))
	for name := range populaters.m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
