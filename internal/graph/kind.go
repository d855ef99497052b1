// Package graph provides the execution graph optimization passes operate on.
//
// A Graph owns its root Node; nodes own their children in order and keep a
// non-owning reference to their parent. A node may hang under several parents
// only after MarkShared, which turns the tree into a DAG region and records a
// use count. Every structural mutation advances the graph generation, so
// references taken before the mutation can be detected as stale.
package graph

import "strings"

// Kind is the operator tag of a node. The set is closed; unknown operator
// names map to KindGeneric.
type Kind int

// Operator kinds.
const (
	KindGeneric Kind = iota
	KindSource
	KindMap
	KindBatch
	KindRepeat
	KindShuffle
	KindDeviceQueue
	KindBuildVocab
	KindCache
	KindEpochControl
	KindConvolution
	numKinds
)

var kindNames = [numKinds]string{
	KindGeneric:      "Generic",
	KindSource:       "Source",
	KindMap:          "Map",
	KindBatch:        "Batch",
	KindRepeat:       "Repeat",
	KindShuffle:      "Shuffle",
	KindDeviceQueue:  "DeviceQueue",
	KindBuildVocab:   "BuildVocab",
	KindCache:        "Cache",
	KindEpochControl: "EpochControl",
	KindConvolution:  "Convolution",
}

// String returns the operator name of the kind.
func (k Kind) String() string {
	if k < 0 || k >= numKinds {
		return "Unknown"
	}
	return kindNames[k]
}

// ParseKind maps an operator name to its kind. Matching ignores case.
// The boolean is false when the name is not part of the closed set, in which
// case KindGeneric is returned.
func ParseKind(name string) (Kind, bool) {
	for k, n := range kindNames {
		if strings.EqualFold(n, name) {
			return Kind(k), true
		}
	}
	return KindGeneric, false
}

// Kinds returns every kind in declaration order.
func Kinds() []Kind {
	kinds := make([]Kind, numKinds)
	for i := range kinds {
		kinds[i] = Kind(i)
	}
	return kinds
}
