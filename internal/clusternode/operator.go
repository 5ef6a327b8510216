package clusternode

import (
	"fmt"
	"time"

	"clustercore/internal/bus"
	"clustercore/internal/migration"
	"clustercore/internal/router"
)

// PeerSummary is the read-only projection of a peer record the
// operator surface and `cluster info` render (spec §6 "list peers").
type PeerSummary struct {
	ID           string
	Address      string
	Port         int
	Flags        string
	ReplicatesOf string
	ConfigEpoch  uint64
	Connected    bool
	Slots        int
}

// Meet introduces a new peer by address (spec §6 "introduce-peer").
func (n *ClusterNode) Meet(ip string, port int) error {
	return n.Protocol.Meet(ip, port)
}

// Peers lists every known peer, including self (spec §6 "list peers").
func (n *ClusterNode) Peers() []PeerSummary {
	all := n.Cluster.Directory.All()
	out := make([]PeerSummary, 0, len(all))
	for _, p := range all {
		replicatesOf := "-"
		if p.IsReplica() && !p.ReplicatesOf.IsZero() {
			replicatesOf = p.ReplicatesOf.String()
		}
		out = append(out, PeerSummary{
			ID:           p.ID.String(),
			Address:      p.Address,
			Port:         p.Port,
			Flags:        peerFlagsString(p),
			ReplicatesOf: replicatesOf,
			ConfigEpoch:  p.ConfigEpoch,
			Connected:    p.IsSelf() || p.Connected(),
			Slots:        n.Cluster.Slots.SlotCount(p.ID.Owner()),
		})
	}
	return out
}

func peerFlagsString(p *bus.Peer) string {
	s := ""
	add := func(flag string) {
		if s != "" {
			s += ","
		}
		s += flag
	}
	if p.IsSelf() {
		add("myself")
	}
	if p.IsPrimary() {
		add("master")
	}
	if p.IsReplica() {
		add("replica")
	}
	if p.IsFailed() {
		add("fail")
	} else if p.IsSuspected() {
		add("fail?")
	}
	if s == "" {
		return "noflags"
	}
	return s
}

// FlushSlots releases every slot self owns. Refused while the local
// store is non-empty (spec §7 "operator command preconditions
// violated... flushing slots while the local store is non-empty").
func (n *ClusterNode) FlushSlots() error {
	if !n.Store.IsEmpty() {
		return fmt.Errorf("clusternode: refusing to flush slots: local store is not empty")
	}
	self := n.Cluster.Directory.Self
	for _, slot := range n.Cluster.Slots.Bitmap(self.ID.Owner()).Slots() {
		if err := n.Cluster.Slots.Release(slot); err != nil {
			return fmt.Errorf("clusternode: flush slot %d: %w", slot, err)
		}
	}
	return nil
}

// AddSlots assigns the given slots to self (spec §6 "add... slot
// ownership for one or many slots").
func (n *ClusterNode) AddSlots(slots []int) error {
	self := n.Cluster.Directory.Self
	for _, slot := range slots {
		if err := n.Cluster.Slots.Assign(slot, self.ID.Owner()); err != nil {
			return fmt.Errorf("clusternode: add slot %d: %w", slot, err)
		}
	}
	return nil
}

// DelSlots releases the given slots from whoever currently owns them.
func (n *ClusterNode) DelSlots(slots []int) error {
	for _, slot := range slots {
		if err := n.Cluster.Slots.Release(slot); err != nil {
			return fmt.Errorf("clusternode: del slot %d: %w", slot, err)
		}
	}
	return nil
}

// SetSlotMigrating marks slot as migrating from self to target (spec
// §4.8 step 2, §6 "set slot migration... states").
func (n *ClusterNode) SetSlotMigrating(slot int, target bus.ID) error {
	if n.Cluster.Slots.Owner(slot) != n.Cluster.Directory.Self.ID.Owner() {
		return fmt.Errorf("clusternode: cannot mark slot %d migrating: self does not own it", slot)
	}
	n.Migration.BeginMigrating(slot, target)
	return nil
}

// SetSlotImporting marks slot as being imported from source (spec
// §4.8 step 1).
func (n *ClusterNode) SetSlotImporting(slot int, source bus.ID) error {
	n.Migration.BeginImporting(slot, source)
	return nil
}

// SetSlotStable clears any migrating/importing flag on slot without
// changing ownership.
func (n *ClusterNode) SetSlotStable(slot int) {
	n.Migration.Stable(slot)
}

// SetSlotOwner finalizes slot's ownership on newOwner, bumping its
// config_epoch past the cluster's current maximum if necessary (spec
// §4.8 step 4).
func (n *ClusterNode) SetSlotOwner(slot int, newOwner bus.ID) error {
	peer, ok := n.Cluster.Directory.Get(newOwner)
	if !ok {
		return fmt.Errorf("clusternode: unknown peer %s", newOwner)
	}
	n.Migration.FinalizeOwnership(slot, peer, migration.MaxConfigEpoch(n.Cluster))
	return nil
}

// Info renders a human-readable cluster snapshot (spec §6 "print
// cluster info").
func (n *ClusterNode) Info() string {
	c := n.Cluster
	state := "ok"
	if c.Health == bus.StateFail {
		state = "fail"
	}
	return fmt.Sprintf(
		"cluster_state:%s\ncluster_slots_assigned:%d\ncluster_known_nodes:%d\ncluster_size:%d\ncluster_current_epoch:%d\ncluster_my_epoch:%d\n",
		state,
		assignedSlots(c),
		len(c.Directory.All()),
		c.Size(),
		c.CurrentEpoch,
		c.Directory.Self.ConfigEpoch,
	)
}

func assignedSlots(c *bus.Cluster) int {
	n := 0
	for _, p := range c.Directory.All() {
		n += c.Slots.SlotCount(p.ID.Owner())
	}
	return n
}

// SaveConfig persists the current cluster state (spec §6 "persist
// config").
func (n *ClusterNode) SaveConfig() error {
	return n.Config.Save(n.Cluster, n.salt)
}

// KeySlot computes the hash slot for a key (spec §6 "compute
// slot-of-key").
func (n *ClusterNode) KeySlot(key string) int {
	return router.KeySlot(key)
}

// KeysInSlot enumerates locally-present keys in slot (spec §6
// "enumerate keys in a slot").
func (n *ClusterNode) KeysInSlot(slot int) []string {
	return n.Store.KeysInSlot(slot, router.KeySlot)
}

// Forget removes a peer record and blacklists it for 60 seconds
// against re-admission (spec §6 "forget-peer (also blacklists for 60
// seconds)").
func (n *ClusterNode) Forget(id bus.ID) error {
	if _, ok := n.Cluster.Directory.Get(id); !ok {
		return fmt.Errorf("clusternode: unknown peer %s", id)
	}
	n.Cluster.Directory.Remove(id)
	n.Cluster.Directory.Blacklist(id, time.Now().Add(60*time.Second))
	return nil
}

// SetReplicaOf makes self a replica of primary (spec §6 "set self as
// replica").
func (n *ClusterNode) SetReplicaOf(primary bus.ID) error {
	if _, ok := n.Cluster.Directory.Get(primary); !ok {
		return fmt.Errorf("clusternode: replicate: unknown peer %s", primary)
	}
	self := n.Cluster.Directory.Self
	self.Flags &^= bus.FlagPrimary
	self.Flags |= bus.FlagReplica
	self.ReplicatesOf = primary
	return nil
}

// Replicas lists every known replica of primary (spec §6 "list
// replicas of a peer").
func (n *ClusterNode) Replicas(primary bus.ID) []bus.ID {
	var out []bus.ID
	for _, p := range n.Cluster.Directory.Others() {
		if p.IsReplica() && p.ReplicatesOf == primary {
			out = append(out, p.ID)
		}
	}
	return out
}

// Failover initiates a manual failover from self, a replica, to
// primary status (spec §4.7, §6 "initiate manual failover (optional
// force mode)").
func (n *ClusterNode) Failover(force bool) error {
	return n.Protocol.StartManualFailover(force, n.Cluster.Config.AuthTimeout()*2)
}

// SetConfigEpoch sets self's initial config_epoch. Only meaningful on
// a fresh node: one that owns no slots and still has a zero config_epoch (spec §6
// "set initial config epoch (only on fresh nodes)").
func (n *ClusterNode) SetConfigEpoch(epoch uint64) error {
	self := n.Cluster.Directory.Self
	if n.Cluster.Slots.SlotCount(self.ID.Owner()) > 0 {
		return fmt.Errorf("clusternode: cannot set config epoch: self already owns slots")
	}
	if self.ConfigEpoch != 0 {
		return fmt.Errorf("clusternode: cannot set config epoch: self already has a non-zero config epoch")
	}
	self.ConfigEpoch = epoch
	return nil
}

// Reset clears cluster membership state. Soft leaves identity and
// epochs untouched; hard additionally regenerates self's identity and
// resets both epoch counters to zero (spec §6 "reset (soft/hard —
// hard regenerates identity and epochs)").
func (n *ClusterNode) Reset(hard bool) error {
	self := n.Cluster.Directory.Self
	for _, p := range n.Cluster.Directory.Others() {
		if p.Link != nil {
			p.Link.Close()
		}
		n.Cluster.Directory.Remove(p.ID)
	}
	for {
		slots := n.Cluster.Slots.Bitmap(self.ID.Owner()).Slots()
		if len(slots) == 0 {
			break
		}
		if err := n.Cluster.Slots.Release(slots[0]); err != nil {
			return fmt.Errorf("clusternode: reset: release slot %d: %w", slots[0], err)
		}
	}

	if !hard {
		return nil
	}
	newID, err := bus.NewID()
	if err != nil {
		return fmt.Errorf("clusternode: reset: %w", err)
	}
	self.ID = newID
	// Every other peer was removed above; re-key self under its new ID.
	n.Cluster.Directory = bus.NewDirectory(self)
	self.ConfigEpoch = 0
	n.Cluster.CurrentEpoch = 0
	n.Cluster.LastVoteEpoch = 0
	return nil
}
