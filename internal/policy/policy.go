// Package policy maps the current health, maintenance, and peer-set inputs
// to a route.Table. Evaluate is pure: it has no side effects and makes no
// ZK or network calls, so it can be exercised directly by tests covering
// every invariant and scenario in the coordination engine's spec.
package policy

import (
	"net/netip"

	"github.com/shtouff-go/exazk/internal/route"
)

// Fixed MED values. Lower is preferred, so a backup announcement at
// BackupMetric loses to the owning instance's announcement at AuthMetric.
const (
	AuthMetric   = 100
	BackupMetric = 200
)

// Inputs bundles everything Evaluate needs for one cycle.
type Inputs struct {
	ProbeOK     bool
	Maintenance bool
	Peers       map[string]struct{} // basenames currently registered under the service path
	AuthIP      netip.Addr
	NonAuthIPs  []netip.Addr // ordered; insertion order determines output order
}

// Evaluate implements the fixed policy:
//
//  1. If unhealthy or in maintenance: withdraw AuthIP and every NonAuthIPs
//     entry, announce nothing.
//  2. Otherwise: announce AuthIP at AuthMetric. For each NonAuthIPs entry,
//     announce it at BackupMetric if no peer is present for it, else
//     withdraw it.
//
// Withdraws for non-auth IPs are emitted unconditionally in branch 2 even
// on cycles where this instance never previously announced them — a BGP
// withdraw of an unadvertised prefix is a no-op upstream, and de-duplicating
// against a prior-announce set is optional; see DESIGN.md for why this
// implementation does not do it.
func Evaluate(in Inputs) route.Table {
	if !in.ProbeOK || in.Maintenance {
		return withdrawAll(in)
	}

	t := route.Table{
		Announce: make([]route.Route, 0, 1+len(in.NonAuthIPs)),
		Withdraw: make([]route.Route, 0, len(in.NonAuthIPs)),
	}
	t.Announce = append(t.Announce, route.New(in.AuthIP, AuthMetric))

	for _, ip := range in.NonAuthIPs {
		if _, present := in.Peers[ip.String()]; present {
			t.Withdraw = append(t.Withdraw, route.Route{Prefix: ip})
		} else {
			t.Announce = append(t.Announce, route.New(ip, BackupMetric))
		}
	}

	return t
}

func withdrawAll(in Inputs) route.Table {
	t := route.Table{Withdraw: make([]route.Route, 0, 1+len(in.NonAuthIPs))}
	t.Withdraw = append(t.Withdraw, route.Route{Prefix: in.AuthIP})
	for _, ip := range in.NonAuthIPs {
		t.Withdraw = append(t.Withdraw, route.Route{Prefix: ip})
	}
	return t
}
