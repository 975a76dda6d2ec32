package taps

import (
	"context"
	"sort"
	"strings"
)

// CandidateNode is one node of the gather tree described in spec.md §4.2:
// a Root fans out into Path nodes (one per resolved LocalEndpoint), each
// Path fans out into Protocol nodes (one per registered Adapter, further
// split per-ALPN when the adapter is ALPN-addressable), and each Protocol
// fans out into Endpoint leaves (one per resolved RemoteEndpoint). Only
// leaves are racing candidates; Root/Path/Protocol exist to let pruning
// reject whole subtrees cheaply.
type CandidateNode struct {
	Local    *LocalEndpoint
	Remote   *RemoteEndpoint
	Adapter  Adapter
	ALPN     string // set only when Adapter.SupportsALPN()
	pruned   bool
	score    int
}

// interfaceTypeOf maps a network interface name to the coarse type the
// Interface selection property reasons about, per SPEC_FULL.md's
// supplemented interface-type mapping (ambiguous or unrecognized names
// fall through to "other").
func interfaceTypeOf(name string) string {
	switch {
	case name == "" || name == "any":
		return "any"
	case strings.HasPrefix(name, "lo"):
		return "loopback"
	case strings.HasPrefix(name, "wl") || strings.HasPrefix(name, "wlan"):
		return "wifi"
	case strings.HasPrefix(name, "en") || strings.HasPrefix(name, "eth"):
		return "ethernet"
	default:
		return "other"
	}
}

// GatherCandidates builds and resolves the full candidate tree for one
// local/remote endpoint pair against every adapter in registry (spec.md
// §4.2). It does not prune or order; callers run PruneCandidates then
// OrderCandidates.
func GatherCandidates(ctx context.Context, local *LocalEndpoint, remote *RemoteEndpoint, registry *AdapterRegistry, resolver HostResolver) ([]*CandidateNode, error) {
	if local == nil {
		local = NewLocalEndpoint()
	}

	locals, err := ResolveLocal(local)
	if err != nil {
		return nil, err
	}

	var remotes []*RemoteEndpoint
	if remote != nil {
		remotes, err = ResolveRemote(ctx, remote, resolver)
		if err != nil {
			return nil, err
		}
	} else {
		// A passive (listening) gather has no remote leaf; one nil-remote
		// placeholder per local/protocol pair stands in for "any peer".
		remotes = []*RemoteEndpoint{nil}
	}

	var out []*CandidateNode
	for _, l := range locals {
		for _, a := range registry.All() {
			if a.SupportsALPN() {
				for _, r := range remotes {
					out = append(out, &CandidateNode{Local: l, Remote: r, Adapter: a})
				}
				continue
			}
			for _, r := range remotes {
				out = append(out, &CandidateNode{Local: l, Remote: r, Adapter: a})
			}
		}
	}
	return out, nil
}

// GatherCandidatesForALPN is GatherCandidates restricted to a single ALPN
// protocol id, used when SecurityParameters.ALPN lists more than one value
// and each must fan out into its own Protocol subtree (spec.md §4.2,
// SPEC_FULL.md supplemented feature #2).
func GatherCandidatesForALPN(ctx context.Context, local *LocalEndpoint, remote *RemoteEndpoint, registry *AdapterRegistry, resolver HostResolver, alpn string) ([]*CandidateNode, error) {
	nodes, err := GatherCandidates(ctx, local, remote, registry, resolver)
	if err != nil {
		return nil, err
	}
	for _, n := range nodes {
		if n.Adapter.SupportsALPN() {
			n.ALPN = alpn
		}
	}
	return nodes, nil
}

// PruneCandidates removes every leaf whose adapter's native feature vector
// conflicts with a Require or Prohibit in props (spec.md §4.2's pruning
// rule): a leaf is pruned if any property the application Requires is
// Prohibited by the adapter, or vice versa. Interface preferences named
// Prohibit in props.Selection's Interface map also prune leaves bound to
// that interface type.
func PruneCandidates(nodes []*CandidateNode, props *SelectionProperties) []*CandidateNode {
	out := make([]*CandidateNode, 0, len(nodes))
	for _, n := range nodes {
		if candidateConflicts(n, props) {
			n.pruned = true
			continue
		}
		out = append(out, n)
	}
	return out
}

func candidateConflicts(n *CandidateNode, props *SelectionProperties) bool {
	features := n.Adapter.Features()
	for prop := SelectionProperty(0); prop < selectionPropertyCount; prop++ {
		if props.entries[prop].kind != typePreference {
			continue
		}
		appPref := props.Preference(prop)
		adapterPref := features[prop]
		if appPref == Require && adapterPref == Prohibit {
			return true
		}
		if appPref == Prohibit && adapterPref == Require {
			return true
		}
	}

	if ifaces := props.InterfaceMap(Interface); len(ifaces) > 0 {
		kind := interfaceTypeOf(n.Local.Interface)
		if pref, ok := ifaces[n.Local.Interface]; ok && pref == Prohibit {
			return true
		}
		if pref, ok := ifaces[kind]; ok && pref == Prohibit {
			return true
		}
		// A Require on a different interface type than this candidate's own
		// kills the node too (spec.md §4.2): Require("wifi") rules out every
		// candidate bound to an ethernet or loopback interface, not just
		// ones explicitly marked Prohibit.
		for key, pref := range ifaces {
			if pref != Require {
				continue
			}
			if key == n.Local.Interface || key == kind {
				continue
			}
			return true
		}
	}
	return false
}

// OrderCandidates sorts the surviving leaves by descending preference
// score (spec.md §4.2's ordering rule): Require/Prefer matches on the
// adapter's native features add weight, Avoid matches subtract it, and an
// interface-type Prefer/Avoid entry adds a smaller secondary weight.
// Ties preserve the gather order (stable sort), which keeps the resolver's
// answer order when nothing else distinguishes two leaves.
func OrderCandidates(nodes []*CandidateNode, props *SelectionProperties) []*CandidateNode {
	for _, n := range nodes {
		n.score = scoreCandidate(n, props)
	}
	sort.SliceStable(nodes, func(i, j int) bool {
		return nodes[i].score > nodes[j].score
	})
	return nodes
}

func scoreCandidate(n *CandidateNode, props *SelectionProperties) int {
	features := n.Adapter.Features()
	score := 0
	for prop := SelectionProperty(0); prop < selectionPropertyCount; prop++ {
		if props.entries[prop].kind != typePreference {
			continue
		}
		appPref := props.Preference(prop)
		adapterPref := features[prop]
		switch {
		case appPref == Require && adapterPref == Require:
			score += 10
		case appPref == Prefer && (adapterPref == Require || adapterPref == Prefer):
			score += 5
		case appPref == Avoid && (adapterPref == Require || adapterPref == Prefer):
			score -= 5
		}
	}

	if ifaces := props.InterfaceMap(Interface); len(ifaces) > 0 {
		kind := interfaceTypeOf(n.Local.Interface)
		if pref, ok := ifaces[n.Local.Interface]; ok {
			score += interfaceWeight(pref)
		} else if pref, ok := ifaces[kind]; ok {
			score += interfaceWeight(pref)
		}
	}
	return score
}

func interfaceWeight(pref Preference) int {
	switch pref {
	case Require, Prefer:
		return 3
	case Avoid:
		return -3
	default:
		return 0
	}
}
