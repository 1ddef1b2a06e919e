// Package route defines the route table that the Policy Engine produces
// and the BGP Emitter drains, one per coordination cycle.
package route

import "net/netip"

// defaultNextHop is used when a Route does not specify one.
const defaultNextHop = "self"

// Route is a single BGP route update: a prefix, its next-hop, and its MED.
type Route struct {
	Prefix  netip.Addr
	NextHop string
	Metric  uint32
}

// New builds a Route with the default next-hop ("self").
func New(prefix netip.Addr, metric uint32) Route {
	return Route{Prefix: prefix, NextHop: defaultNextHop, Metric: metric}
}

// Table is the set of announce/withdraw decisions for one coordination
// cycle. A well-formed Table never lists the same prefix in both slices
// (see policy.Evaluate, which is the sole producer of Tables).
type Table struct {
	Announce []Route
	Withdraw []Route
}

// Empty reports whether the table has no routes at all.
func (t Table) Empty() bool {
	return len(t.Announce) == 0 && len(t.Withdraw) == 0
}
