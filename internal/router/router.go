// Package router implements the client-request routing decision of
// spec §4.10: given a request's keys and session flags, decide whether
// this node serves it, redirects it, or rejects it as unstable.
package router

import (
	"strconv"
	"strings"

	"clustercore/internal/bus"
	"clustercore/internal/slotmap"
	"clustercore/internal/store"
)

// Decision is the outcome of routing one request.
type Decision int

const (
	ServeHere Decision = iota
	Moved
	Ask
	TryAgain
	CrossSlotError
	Unstable
)

func (d Decision) String() string {
	switch d {
	case ServeHere:
		return "serve_here"
	case Moved:
		return "moved"
	case Ask:
		return "ask"
	case TryAgain:
		return "tryagain"
	case CrossSlotError:
		return "cross_slot_error"
	case Unstable:
		return "unstable"
	default:
		return "unknown"
	}
}

// Request is the routing-relevant projection of an inbound client
// request: every key it touches plus the session flags that influence
// routing (spec §4.10 "Inputs").
type Request struct {
	Keys     []string
	Asking   bool // session asking-flag, set by the prior ASK reply
	ReadOnly bool // command declared read-only and session allows it
}

// Result is the routing decision plus the slot it concerns and, for
// Moved/Ask, the target node's client address.
type Result struct {
	Decision Decision
	Slot     int
	Target   string // host:client-port, set only for Moved and Ask
}

// Router resolves routing decisions against live cluster state and the
// local key store.
type Router struct {
	Cluster *bus.Cluster
	Store   *store.Store
}

func New(c *bus.Cluster, s *store.Store) *Router {
	return &Router{Cluster: c, Store: s}
}

// KeySlot computes the hash slot for key: CRC-16 of the substring
// between the first `{` and the next `}` if that substring is
// non-empty, otherwise CRC-16 of the whole key, masked to 14 bits
// (spec §4.10 step 1, §6 "Hash slot count").
func KeySlot(key string) int {
	return int(crc16([]byte(hashTag(key)))) & (slotmap.NumSlots - 1)
}

// hashTag extracts the `{...}` substring used to co-locate related
// keys. Empty braces are not a tag (spec §8 round-trip law).
func hashTag(key string) string {
	start := strings.IndexByte(key, '{')
	if start < 0 {
		return key
	}
	end := strings.IndexByte(key[start+1:], '}')
	if end <= 0 {
		return key
	}
	return key[start+1 : start+1+end]
}

// Route implements the full decision algorithm of spec §4.10.
func (r *Router) Route(req Request) Result {
	if len(req.Keys) == 0 {
		return Result{Decision: ServeHere}
	}

	slot := KeySlot(req.Keys[0])
	for _, k := range req.Keys[1:] {
		if KeySlot(k) != slot {
			return Result{Decision: CrossSlotError, Slot: slot}
		}
	}

	slots := r.Cluster.Slots
	owner := slots.Owner(slot)
	if owner == "" {
		return Result{Decision: ServeHere, Slot: slot}
	}

	self := r.Cluster.Directory.Self
	selfOwner := self.ID.Owner()

	if owner == selfOwner {
		if target := slots.Migrating(slot); target != "" {
			if r.anyMissing(req.Keys) {
				return Result{Decision: Ask, Slot: slot, Target: r.clientAddr(target)}
			}
			return Result{Decision: ServeHere, Slot: slot}
		}
		return Result{Decision: ServeHere, Slot: slot}
	}

	if source := slots.Importing(slot); source != "" && req.Asking {
		if len(req.Keys) > 1 && r.anyMissing(req.Keys) {
			return Result{Decision: Unstable, Slot: slot}
		}
		return Result{Decision: ServeHere, Slot: slot}
	}

	if req.ReadOnly && self.IsReplica() && self.ReplicatesOf.Owner() == owner {
		return Result{Decision: ServeHere, Slot: slot}
	}

	return Result{Decision: Moved, Slot: slot, Target: r.clientAddr(owner)}
}

func (r *Router) anyMissing(keys []string) bool {
	for _, k := range keys {
		if !r.Store.Has(k) {
			return true
		}
	}
	return false
}

// clientAddr resolves a slot owner to its client-facing address (bus
// port minus the +10000 offset, spec §6 "Bus port").
func (r *Router) clientAddr(owner slotmap.OwnerID) string {
	id, err := bus.ParseID(string(owner))
	if err != nil {
		return ""
	}
	peer, ok := r.Cluster.Directory.Get(id)
	if !ok {
		return ""
	}
	return peer.Address + ":" + strconv.Itoa(peer.Port-10000)
}
