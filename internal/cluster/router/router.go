// Package router provides routing logic for cluster key distribution.
package router

import (
	"context"

	"github.com/10yihang/slotkv/internal/cluster/hash"
	"github.com/10yihang/slotkv/internal/cluster/slots"
	"github.com/10yihang/slotkv/pkg/errors"
)

// Router determines where a key should be handled.
type Router interface {
	Route(ctx context.Context, key []byte, askingFlag bool) RouteResult
	RouteMulti(ctx context.Context, keys [][]byte, askingFlag bool) RouteResult
}

// RouteResult contains routing decision.
type RouteResult struct {
	Local     bool
	Redirect  *Redirect
	CrossSlot bool
	TryAgain  bool
	Down      string
	Slot      uint16
}

// Err converts a non-local decision into the error returned to the client.
func (r RouteResult) Err() error {
	switch {
	case r.Local:
		return nil
	case r.CrossSlot:
		return errors.ErrCrossSlot
	case r.TryAgain:
		return errors.ErrTryAgain
	case r.Redirect != nil:
		return &errors.RoutingError{Kind: r.Redirect.Type, Slot: r.Redirect.Slot, Addr: r.Redirect.Addr}
	default:
		return &errors.ClusterDownError{Slot: r.Slot, Reason: r.Down}
	}
}

// Redirect contains redirection details for MOVED/ASK responses.
type Redirect struct {
	Type RedirectType
	Slot uint16
	Addr string
}

// RedirectType indicates redirect reason.
type RedirectType = errors.RedirectKind

const (
	RedirectMoved = errors.RedirectMoved
	RedirectAsk   = errors.RedirectAsk
)

// Topology answers the membership questions routing needs.
type Topology interface {
	SelfID() string
	// NodeAddr returns the client address of a node and whether it is
	// believed reachable.
	NodeAddr(nodeID string) (addr string, alive bool)
}

// KeyChecker reports whether a key is still held locally.
type KeyChecker interface {
	Exists(key string) bool
}

// ClusterRouter implements Router using the local slot map.
type ClusterRouter struct {
	table *slots.Table
	topo  Topology
	keys  KeyChecker
}

// NewClusterRouter creates a router backed by cluster state.
func NewClusterRouter(table *slots.Table, topo Topology, keys KeyChecker) *ClusterRouter {
	return &ClusterRouter{table: table, topo: topo, keys: keys}
}

// Route determines routing for a single key based on cluster slot assignment.
// askingFlag indicates client sent ASKING - allows importing node to serve request.
func (r *ClusterRouter) Route(ctx context.Context, key []byte, askingFlag bool) RouteResult {
	slot := hash.KeySlotBytes(key)
	e := r.table.Load().Entry(slot)

	if e.Owner == r.topo.SelfID() {
		if e.State == slots.Migrating && !r.keys.Exists(string(key)) {
			return r.ask(slot, e.Peer)
		}
		return RouteResult{Local: true, Slot: slot}
	}
	return r.remote(slot, e, askingFlag)
}

// RouteMulti determines routing for multiple keys, checking for cross-slot
// access. On a migrating slot the keys must all still be here or all be
// gone; a mix is answered with TRYAGAIN.
func (r *ClusterRouter) RouteMulti(ctx context.Context, keys [][]byte, askingFlag bool) RouteResult {
	if len(keys) == 0 {
		return RouteResult{Local: true}
	}

	slot := hash.KeySlotBytes(keys[0])
	for i := 1; i < len(keys); i++ {
		if hash.KeySlotBytes(keys[i]) != slot {
			return RouteResult{CrossSlot: true, Slot: slot}
		}
	}

	e := r.table.Load().Entry(slot)
	if e.Owner != r.topo.SelfID() {
		return r.remote(slot, e, askingFlag)
	}
	if e.State != slots.Migrating {
		return RouteResult{Local: true, Slot: slot}
	}

	present := 0
	for _, k := range keys {
		if r.keys.Exists(string(k)) {
			present++
		}
	}
	switch present {
	case len(keys):
		return RouteResult{Local: true, Slot: slot}
	case 0:
		return r.ask(slot, e.Peer)
	default:
		return RouteResult{TryAgain: true, Slot: slot}
	}
}

func (r *ClusterRouter) remote(slot uint16, e slots.Entry, askingFlag bool) RouteResult {
	if e.State == slots.Importing && askingFlag {
		return RouteResult{Local: true, Slot: slot}
	}
	if e.Owner == "" {
		return RouteResult{Down: "is not served", Slot: slot}
	}
	addr, alive := r.topo.NodeAddr(e.Owner)
	if addr == "" || !alive {
		return RouteResult{Down: "owner is unreachable", Slot: slot}
	}
	return RouteResult{
		Redirect: &Redirect{Type: RedirectMoved, Slot: slot, Addr: addr},
		Slot:     slot,
	}
}

func (r *ClusterRouter) ask(slot uint16, peer string) RouteResult {
	addr, _ := r.topo.NodeAddr(peer)
	if addr == "" {
		return RouteResult{Local: true, Slot: slot}
	}
	return RouteResult{
		Redirect: &Redirect{Type: RedirectAsk, Slot: slot, Addr: addr},
		Slot:     slot,
	}
}
