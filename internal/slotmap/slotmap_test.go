package slotmap

import "testing"

func TestAssignAndRelease(t *testing.T) {
	m := New()

	if err := m.Assign(100, "A"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if owner := m.Owner(100); owner != "A" {
		t.Fatalf("expected owner A, got %q", owner)
	}
	if m.SlotCount("A") != 1 {
		t.Fatalf("expected slot count 1, got %d", m.SlotCount("A"))
	}
	if err := m.Consistent(); err != nil {
		t.Fatalf("inconsistent after assign: %v", err)
	}

	if err := m.Assign(100, "B"); err == nil {
		t.Fatal("expected error assigning an already-owned slot")
	}

	if err := m.Release(100); err != nil {
		t.Fatalf("release: %v", err)
	}
	if m.Owner(100) != "" {
		t.Fatal("slot should be unowned after release")
	}
	if m.SlotCount("A") != 0 {
		t.Fatalf("expected slot count 0 after release, got %d", m.SlotCount("A"))
	}
	if err := m.Consistent(); err != nil {
		t.Fatalf("inconsistent after release: %v", err)
	}

	if err := m.Release(100); err == nil {
		t.Fatal("expected error releasing an unowned slot")
	}
}

func TestRebind(t *testing.T) {
	m := New()
	if err := m.Assign(5, "A"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	m.SetMigrating(5, "B")
	m.SetImporting(5, "C")

	m.Rebind(5, "B")

	if m.Owner(5) != "B" {
		t.Fatalf("expected owner B after rebind, got %q", m.Owner(5))
	}
	if m.SlotCount("A") != 0 {
		t.Fatalf("expected A to lose the slot, got count %d", m.SlotCount("A"))
	}
	if m.SlotCount("B") != 1 {
		t.Fatalf("expected B to own 1 slot, got %d", m.SlotCount("B"))
	}
	if m.Migrating(5) != "" || m.Importing(5) != "" {
		t.Fatal("rebind must clear migrating/importing flags")
	}
	if err := m.Consistent(); err != nil {
		t.Fatalf("inconsistent after rebind: %v", err)
	}
}

func TestMigratingImportingIndependent(t *testing.T) {
	m := New()
	m.SetMigrating(10, "B")
	m.SetImporting(10, "C")

	if m.Migrating(10) != "B" || m.Importing(10) != "C" {
		t.Fatal("migrating/importing flags must be independent")
	}

	m.ClearMigrating(10)
	if m.Migrating(10) != "" {
		t.Fatal("migrating flag should clear independently")
	}
	if m.Importing(10) != "C" {
		t.Fatal("clearing migrating must not clear importing")
	}
}

func TestPrimaryCount(t *testing.T) {
	m := New()
	if m.PrimaryCount() != 0 {
		t.Fatalf("expected 0 primaries on empty map, got %d", m.PrimaryCount())
	}
	m.Assign(1, "A")
	m.Assign(2, "B")
	m.Assign(3, "A")
	if m.PrimaryCount() != 2 {
		t.Fatalf("expected 2 primaries, got %d", m.PrimaryCount())
	}
	m.Release(1)
	m.Release(3)
	if m.PrimaryCount() != 1 {
		t.Fatalf("expected 1 primary after A loses all slots, got %d", m.PrimaryCount())
	}
}

func TestBitmapSlotsSorted(t *testing.T) {
	m := New()
	for _, s := range []int{5000, 1, 16383, 42} {
		if err := m.Assign(s, "A"); err != nil {
			t.Fatalf("assign %d: %v", s, err)
		}
	}
	slots := m.Bitmap("A").Slots()
	want := []int{1, 42, 5000, 16383}
	if len(slots) != len(want) {
		t.Fatalf("expected %d slots, got %d", len(want), len(slots))
	}
	for i, s := range want {
		if slots[i] != s {
			t.Fatalf("slot %d: expected %d, got %d", i, s, slots[i])
		}
	}
}

func TestFullRangeConsistency(t *testing.T) {
	m := New()
	for s := 0; s < NumSlots; s++ {
		owner := OwnerID("A")
		if s%3 == 0 {
			owner = "B"
		}
		if err := m.Assign(s, owner); err != nil {
			t.Fatalf("assign %d: %v", s, err)
		}
	}
	if err := m.Consistent(); err != nil {
		t.Fatalf("inconsistent over full range: %v", err)
	}
	if got, want := m.SlotCount("A")+m.SlotCount("B"), NumSlots; got != want {
		t.Fatalf("expected total slot count %d, got %d", want, got)
	}
}
