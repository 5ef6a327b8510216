package clusternode

import (
	"strings"
	"testing"
	"time"

	"clustercore/internal/bus"
)

func addTestPeer(t *testing.T, n *ClusterNode, flags bus.RoleFlags) *bus.Peer {
	t.Helper()
	id, err := bus.NewID()
	if err != nil {
		t.Fatalf("NewID: %v", err)
	}
	p := &bus.Peer{
		ID:        id,
		Address:   "127.0.0.1",
		Port:      nextTestPort() + 10000,
		Flags:     flags,
		CreatedAt: time.Now(),
	}
	n.Cluster.Directory.Add(p)
	return p
}

func TestFlushSlotsRefusesWhenStoreNonEmpty(t *testing.T) {
	n := newTestNode(t)
	self := n.Cluster.Directory.Self
	n.Cluster.Slots.Assign(1, self.ID.Owner())
	n.Store.Put("k", []byte("v"))

	if err := n.FlushSlots(); err == nil {
		t.Fatal("expected FlushSlots to refuse while the store is non-empty")
	}
	if n.Cluster.Slots.Owner(1) != self.ID.Owner() {
		t.Fatal("slot ownership must be untouched when FlushSlots refuses")
	}
}

func TestFlushSlotsReleasesOwnedSlots(t *testing.T) {
	n := newTestNode(t)
	self := n.Cluster.Directory.Self
	n.Cluster.Slots.Assign(1, self.ID.Owner())
	n.Cluster.Slots.Assign(2, self.ID.Owner())

	if err := n.FlushSlots(); err != nil {
		t.Fatalf("FlushSlots: %v", err)
	}
	if n.Cluster.Slots.Owner(1) != "" || n.Cluster.Slots.Owner(2) != "" {
		t.Fatal("all owned slots should be released")
	}
}

func TestAddSlotsAndDelSlots(t *testing.T) {
	n := newTestNode(t)
	self := n.Cluster.Directory.Self

	if err := n.AddSlots([]int{10, 11, 12}); err != nil {
		t.Fatalf("AddSlots: %v", err)
	}
	for _, slot := range []int{10, 11, 12} {
		if n.Cluster.Slots.Owner(slot) != self.ID.Owner() {
			t.Fatalf("slot %d not owned by self after AddSlots", slot)
		}
	}

	if err := n.DelSlots([]int{11}); err != nil {
		t.Fatalf("DelSlots: %v", err)
	}
	if n.Cluster.Slots.Owner(11) != "" {
		t.Fatal("slot 11 should be unowned after DelSlots")
	}
	if n.Cluster.Slots.Owner(10) != self.ID.Owner() {
		t.Fatal("slot 10 should remain owned by self")
	}
}

func TestSetSlotMigratingRequiresOwnership(t *testing.T) {
	n := newTestNode(t)
	target := addTestPeer(t, n, bus.FlagPrimary)

	if err := n.SetSlotMigrating(5, target.ID); err == nil {
		t.Fatal("expected SetSlotMigrating to refuse: self does not own slot 5")
	}

	n.Cluster.Slots.Assign(5, n.Cluster.Directory.Self.ID.Owner())
	if err := n.SetSlotMigrating(5, target.ID); err != nil {
		t.Fatalf("SetSlotMigrating: %v", err)
	}
	if n.Cluster.Slots.Migrating(5) != target.ID.Owner() {
		t.Fatal("slot 5 should be marked migrating to target")
	}
}

func TestSetSlotImportingAndStable(t *testing.T) {
	n := newTestNode(t)
	source := addTestPeer(t, n, bus.FlagPrimary)

	if err := n.SetSlotImporting(7, source.ID); err != nil {
		t.Fatalf("SetSlotImporting: %v", err)
	}
	if n.Cluster.Slots.Importing(7) != source.ID.Owner() {
		t.Fatal("slot 7 should be marked importing from source")
	}

	n.SetSlotStable(7)
	if n.Cluster.Slots.Importing(7) != "" {
		t.Fatal("SetSlotStable should clear the importing flag")
	}
}

func TestSetSlotOwnerUnknownPeerFails(t *testing.T) {
	n := newTestNode(t)
	bogus, _ := bus.NewID()
	if err := n.SetSlotOwner(3, bogus); err == nil {
		t.Fatal("expected SetSlotOwner to fail for an unknown peer")
	}
}

func TestSetSlotOwnerBumpsEpoch(t *testing.T) {
	n := newTestNode(t)
	n.Cluster.Directory.Self.ConfigEpoch = 5
	newOwner := addTestPeer(t, n, bus.FlagPrimary)
	newOwner.ConfigEpoch = 1

	if err := n.SetSlotOwner(20, newOwner.ID); err != nil {
		t.Fatalf("SetSlotOwner: %v", err)
	}
	if newOwner.ConfigEpoch != 6 {
		t.Fatalf("ConfigEpoch = %d, want 6 (cluster max 5, +1)", newOwner.ConfigEpoch)
	}
	if n.Cluster.Slots.Owner(20) != newOwner.ID.Owner() {
		t.Fatal("slot 20 should be rebound to the new owner")
	}
}

func TestForgetBlacklists(t *testing.T) {
	n := newTestNode(t)
	peer := addTestPeer(t, n, bus.FlagPrimary)

	if err := n.Forget(peer.ID); err != nil {
		t.Fatalf("Forget: %v", err)
	}
	if _, ok := n.Cluster.Directory.Get(peer.ID); ok {
		t.Fatal("peer should be removed from the directory")
	}
	if !n.Cluster.Directory.IsBlacklisted(peer.ID, time.Now()) {
		t.Fatal("peer should be blacklisted immediately after Forget")
	}
}

func TestForgetUnknownPeerFails(t *testing.T) {
	n := newTestNode(t)
	bogus, _ := bus.NewID()
	if err := n.Forget(bogus); err == nil {
		t.Fatal("expected Forget to fail for an unknown peer")
	}
}

func TestSetReplicaOfUnknownPeerFails(t *testing.T) {
	n := newTestNode(t)
	bogus, _ := bus.NewID()
	if err := n.SetReplicaOf(bogus); err == nil {
		t.Fatal("expected SetReplicaOf to fail for an unknown peer")
	}
}

func TestSetReplicaOfSwitchesFlags(t *testing.T) {
	n := newTestNode(t)
	primary := addTestPeer(t, n, bus.FlagPrimary)

	if err := n.SetReplicaOf(primary.ID); err != nil {
		t.Fatalf("SetReplicaOf: %v", err)
	}
	self := n.Cluster.Directory.Self
	if !self.IsReplica() || self.IsPrimary() {
		t.Fatal("self should be a replica, not a primary, after SetReplicaOf")
	}
	if self.ReplicatesOf != primary.ID {
		t.Fatal("self.ReplicatesOf should point at the new primary")
	}
}

func TestReplicasListsMatchingPeers(t *testing.T) {
	n := newTestNode(t)
	primary := addTestPeer(t, n, bus.FlagPrimary)
	otherPrimary := addTestPeer(t, n, bus.FlagPrimary)

	replica1 := addTestPeer(t, n, bus.FlagReplica)
	replica1.ReplicatesOf = primary.ID
	replica2 := addTestPeer(t, n, bus.FlagReplica)
	replica2.ReplicatesOf = otherPrimary.ID

	got := n.Replicas(primary.ID)
	if len(got) != 1 || got[0] != replica1.ID {
		t.Fatalf("Replicas(primary) = %v, want [%v]", got, replica1.ID)
	}
}

func TestSetConfigEpochRefusesWhenSlotsOwned(t *testing.T) {
	n := newTestNode(t)
	n.Cluster.Slots.Assign(1, n.Cluster.Directory.Self.ID.Owner())

	if err := n.SetConfigEpoch(10); err == nil {
		t.Fatal("expected SetConfigEpoch to refuse: self already owns slots")
	}
}

func TestSetConfigEpochRefusesWhenAlreadySet(t *testing.T) {
	n := newTestNode(t)
	n.Cluster.Directory.Self.ConfigEpoch = 3

	if err := n.SetConfigEpoch(10); err == nil {
		t.Fatal("expected SetConfigEpoch to refuse: self already has a non-zero config epoch")
	}
}

func TestSetConfigEpochSetsOnFreshNode(t *testing.T) {
	n := newTestNode(t)
	if err := n.SetConfigEpoch(10); err != nil {
		t.Fatalf("SetConfigEpoch: %v", err)
	}
	if n.Cluster.Directory.Self.ConfigEpoch != 10 {
		t.Fatalf("ConfigEpoch = %d, want 10", n.Cluster.Directory.Self.ConfigEpoch)
	}
}

func TestResetSoftClearsPeersAndSlotsButKeepsIdentity(t *testing.T) {
	n := newTestNode(t)
	self := n.Cluster.Directory.Self
	originalID := self.ID
	n.Cluster.Slots.Assign(1, self.ID.Owner())
	addTestPeer(t, n, bus.FlagPrimary)
	n.Cluster.CurrentEpoch = 7

	if err := n.Reset(false); err != nil {
		t.Fatalf("Reset(soft): %v", err)
	}
	if len(n.Cluster.Directory.Others()) != 0 {
		t.Fatal("Reset should remove every other peer")
	}
	if n.Cluster.Slots.Owner(1) != "" {
		t.Fatal("Reset should release every slot self owned")
	}
	if self.ID != originalID {
		t.Fatal("soft reset must not change self's identity")
	}
	if n.Cluster.CurrentEpoch != 7 {
		t.Fatal("soft reset must not touch epoch counters")
	}
}

func TestResetHardRegeneratesIdentityAndEpochs(t *testing.T) {
	n := newTestNode(t)
	self := n.Cluster.Directory.Self
	originalID := self.ID
	self.ConfigEpoch = 4
	n.Cluster.CurrentEpoch = 7
	n.Cluster.LastVoteEpoch = 2

	if err := n.Reset(true); err != nil {
		t.Fatalf("Reset(hard): %v", err)
	}
	if self.ID == originalID {
		t.Fatal("hard reset should regenerate self's identity")
	}
	if self.ConfigEpoch != 0 || n.Cluster.CurrentEpoch != 0 || n.Cluster.LastVoteEpoch != 0 {
		t.Fatal("hard reset should zero every epoch counter")
	}
}

func TestInfoReportsHealthAndEpoch(t *testing.T) {
	n := newTestNode(t)
	n.Cluster.Directory.Self.ConfigEpoch = 3
	n.Cluster.CurrentEpoch = 3
	n.Cluster.Slots.Assign(1, n.Cluster.Directory.Self.ID.Owner())

	info := n.Info()
	if !strings.Contains(info, "cluster_state:ok") {
		t.Fatalf("Info() = %q, want cluster_state:ok", info)
	}
	if !strings.Contains(info, "cluster_slots_assigned:1") {
		t.Fatalf("Info() = %q, want cluster_slots_assigned:1", info)
	}
	if !strings.Contains(info, "cluster_current_epoch:3") {
		t.Fatalf("Info() = %q, want cluster_current_epoch:3", info)
	}
}

func TestKeySlotAndKeysInSlot(t *testing.T) {
	n := newTestNode(t)
	slot := n.KeySlot("hello")
	n.Store.Put("hello", []byte("world"))

	keys := n.KeysInSlot(slot)
	if len(keys) != 1 || keys[0] != "hello" {
		t.Fatalf("KeysInSlot(%d) = %v, want [hello]", slot, keys)
	}
}

func TestPeersIncludesSelfAndOthers(t *testing.T) {
	n := newTestNode(t)
	self := n.Cluster.Directory.Self
	other := addTestPeer(t, n, bus.FlagPrimary)
	n.Cluster.Slots.Assign(1, self.ID.Owner())

	peers := n.Peers()
	var sawSelf, sawOther bool
	for _, p := range peers {
		if p.ID == self.ID.String() {
			sawSelf = true
			if !strings.Contains(p.Flags, "myself") {
				t.Fatalf("self peer flags = %q, want to contain myself", p.Flags)
			}
			if p.Slots != 1 {
				t.Fatalf("self peer slots = %d, want 1", p.Slots)
			}
		}
		if p.ID == other.ID.String() {
			sawOther = true
		}
	}
	if !sawSelf || !sawOther {
		t.Fatalf("Peers() missing self or other: %v", peers)
	}
}

func TestSaveConfigPersists(t *testing.T) {
	n := newTestNode(t)
	n.Cluster.Slots.Assign(1, n.Cluster.Directory.Self.ID.Owner())

	if err := n.SaveConfig(); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}
	content, err := n.Config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(content) == 0 {
		t.Fatal("expected a non-empty config file after SaveConfig")
	}
}
