// Package authz implements capability-profile authorization for the request
// dispatcher. Profiles are fixed, additive bundles of (capability, method)
// pairs; sessions bind to a profile once and keep it for life.
package authz

import "fmt"

// Profile is a named capability bundle. Each profile strictly contains the
// one below it.
type Profile string

const (
	ProfileViewer     Profile = "VIEWER"
	ProfilePlanner    Profile = "PLANNER"
	ProfilePairWorker Profile = "PAIR_WORKER"
	ProfileOperator   Profile = "OPERATOR"
	ProfileMaintainer Profile = "MAINTAINER"
)

// Pair is one permitted (capability, method) combination.
type Pair struct {
	Capability string
	Method     string
}

func (p Pair) String() string {
	return p.Capability + "." + p.Method
}

// The pair tables are laid out as per-tier additions. Each tier's effective
// set is the union of its own rows and every tier below it, which keeps the
// strict-superset chain true by construction.
var (
	viewerPairs = []Pair{
		{"tasks", "get"},
		{"tasks", "list"},
		{"runtime", "views"},
		{"output", "prepare"},
		{"events", "subscribe"},
	}

	plannerPairs = []Pair{
		{"tasks", "create"},
		{"tasks", "update"},
		{"tasks", "move_status"},
	}

	pairWorkerPairs = []Pair{
		{"output", "recover"},
		{"execution", "get"},
		{"execution", "logs"},
		{"execution", "append_log"},
	}

	operatorPairs = []Pair{
		{"merge", "merge_task"},
		{"merge", "merge_repo"},
		{"merge", "merge_all"},
		{"merge", "create_pr"},
		{"runtime", "reconcile"},
		{"agents", "stop"},
		{"agents", "spawn"},
	}

	maintainerPairs = []Pair{
		{"sessions", "inspect"},
		{"workspaces", "release"},
	}
)

var profileOrder = []Profile{
	ProfileViewer,
	ProfilePlanner,
	ProfilePairWorker,
	ProfileOperator,
	ProfileMaintainer,
}

var (
	profilePairs    map[Profile]map[Pair]struct{}
	registeredPairs map[Pair]struct{}
)

func init() {
	tiers := [][]Pair{viewerPairs, plannerPairs, pairWorkerPairs, operatorPairs, maintainerPairs}

	profilePairs = make(map[Profile]map[Pair]struct{}, len(profileOrder))
	registeredPairs = make(map[Pair]struct{})

	acc := make(map[Pair]struct{})
	for i, profile := range profileOrder {
		for _, p := range tiers[i] {
			acc[p] = struct{}{}
			registeredPairs[p] = struct{}{}
		}
		set := make(map[Pair]struct{}, len(acc))
		for p := range acc {
			set[p] = struct{}{}
		}
		profilePairs[profile] = set
	}
}

// ParseProfile validates a caller-supplied profile name.
func ParseProfile(s string) (Profile, error) {
	p := Profile(s)
	if _, ok := profilePairs[p]; !ok {
		return "", fmt.Errorf("unknown profile %q", s)
	}
	return p, nil
}

// rank orders profiles for capping. Unknown profiles rank below VIEWER.
func rank(p Profile) int {
	for i, candidate := range profileOrder {
		if candidate == p {
			return i
		}
	}
	return -1
}

// minProfile returns the lower-privileged of the two profiles.
func minProfile(a, b Profile) Profile {
	if rank(a) <= rank(b) {
		return a
	}
	return b
}

// Check reports whether the profile permits the (capability, method) pair.
// MAINTAINER is default-allow for pairs not registered anywhere, so newly
// added operations start out maintainer-only; every other profile is
// default-deny.
func Check(profile Profile, capability, method string) bool {
	pair := Pair{Capability: capability, Method: method}

	set, known := profilePairs[profile]
	if !known {
		return false
	}
	if profile == ProfileMaintainer {
		if _, registered := registeredPairs[pair]; !registered {
			return true
		}
	}
	_, ok := set[pair]
	return ok
}

// PairsFor returns a copy of the profile's effective pair set.
func PairsFor(profile Profile) map[Pair]struct{} {
	set := profilePairs[profile]
	out := make(map[Pair]struct{}, len(set))
	for p := range set {
		out[p] = struct{}{}
	}
	return out
}
