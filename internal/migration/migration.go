// Package migration implements the operator-driven reshard/migration
// controller of spec §4.8: per-slot migrating/importing state plus the
// bounded, synchronous key-by-key transfer loop between a slot's
// source and target primary.
package migration

import (
	"fmt"

	"clustercore/internal/bus"
	"clustercore/internal/router"
	"clustercore/internal/store"
)

// Deliver hands one key's value to the migration target and blocks
// until the target has confirmed durable receipt (spec §4.8 step 3:
// "each key transfer is atomic: B confirms durable receipt before A
// deletes"). The transport that actually talks to B lives outside this
// package; Controller stays transport-agnostic, same as the teacher's
// WriteOperation confirmation bookkeeping stayed storage-agnostic.
type Deliver func(key string, value []byte) error

// Controller drives one node's side of a slot migration. It holds no
// goroutines or locks of its own: every method is called inline from
// the single clusternode actor (spec §5).
type Controller struct {
	Cluster *bus.Cluster
	Store   *store.Store
}

func New(c *bus.Cluster, s *store.Store) *Controller {
	return &Controller{Cluster: c, Store: s}
}

// BeginMigrating marks slot as migrating away from self to target
// (operator `setslot migrating`, spec §4.8 step 2's source side).
func (m *Controller) BeginMigrating(slot int, target bus.ID) {
	m.Cluster.Slots.SetMigrating(slot, target.Owner())
}

// BeginImporting marks slot as being imported from source (operator
// `setslot importing`, spec §4.8 step 1's target side).
func (m *Controller) BeginImporting(slot int, source bus.ID) {
	m.Cluster.Slots.SetImporting(slot, source.Owner())
}

// Stable clears both migrating/importing flags for slot (operator
// `setslot stable`), abandoning an in-progress reshard without
// changing ownership.
func (m *Controller) Stable(slot int) {
	m.Cluster.Slots.ClearMigrating(slot)
	m.Cluster.Slots.ClearImporting(slot)
}

// TransferBatch pulls up to maxKeys key identifiers belonging to slot
// from the local store and hands each to deliver synchronously,
// deleting the local copy only once deliver confirms durable receipt.
// Bounding the batch size keeps one operator-driven call from stalling
// the event loop indefinitely (spec §5: "the migration controller
// explicitly bounds per-call work via a caller-specified key count").
// done is true once every locally-held key for slot has been moved.
func (m *Controller) TransferBatch(slot int, maxKeys int, deliver Deliver) (transferred int, done bool, err error) {
	keys := m.Store.KeysInSlot(slot, router.KeySlot)
	for i, key := range keys {
		if i >= maxKeys {
			return transferred, false, nil
		}
		value, ok := m.Store.Get(key)
		if !ok {
			continue
		}
		if err := deliver(key, value); err != nil {
			return transferred, false, fmt.Errorf("migration: transfer key %q for slot %d: %w", key, slot, err)
		}
		m.Store.Delete(key)
		transferred++
	}
	return transferred, true, nil
}

// FinalizeOwnership rebinds slot to newOwner once it is empty on the
// source (operator `setslot owner`, spec §4.8 step 4). If newOwner's
// config_epoch does not exceed clusterMaxEpoch, it is bumped to
// clusterMaxEpoch+1 first, so the new ownership wins any subsequent
// epoch comparison during gossip. SetSlotOwner passes MaxConfigEpoch,
// which counts newOwner's own epoch, so from there the bump always
// happens.
func (m *Controller) FinalizeOwnership(slot int, newOwner *bus.Peer, clusterMaxEpoch uint64) {
	if newOwner.ConfigEpoch <= clusterMaxEpoch {
		newOwner.ConfigEpoch = clusterMaxEpoch + 1
	}
	m.Cluster.Slots.Rebind(slot, newOwner.ID.Owner())
}

// MaxConfigEpoch returns the highest config_epoch known across every
// peer (including self), the `cluster_max_epoch` spec §4.8 step 4
// compares against.
func MaxConfigEpoch(c *bus.Cluster) uint64 {
	max := c.Directory.Self.ConfigEpoch
	for _, p := range c.Directory.Others() {
		if p.ConfigEpoch > max {
			max = p.ConfigEpoch
		}
	}
	return max
}
