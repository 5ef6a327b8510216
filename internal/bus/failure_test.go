package bus

import (
	"testing"
	"time"
)

func newTestCluster(t *testing.T, selfPrimary bool) *Cluster {
	t.Helper()
	selfID, err := NewID()
	if err != nil {
		t.Fatalf("NewID: %v", err)
	}
	self := &Peer{ID: selfID, CreatedAt: time.Now()}
	if selfPrimary {
		self.Flags |= FlagPrimary
	} else {
		self.Flags |= FlagReplica
	}
	cfg := DefaultConfig()
	cfg.NodeTimeout = time.Second
	c := NewCluster(self, cfg, NewAuthenticator("", nil))
	return c
}

func addPrimaryPeer(c *Cluster, slots ...int) *Peer {
	id, _ := NewID()
	p := &Peer{ID: id, Flags: FlagPrimary, CreatedAt: time.Now()}
	c.Directory.Add(p)
	for _, s := range slots {
		c.Slots.Assign(s, p.ID.Owner())
	}
	return p
}

func TestQuorumConfirmsFail(t *testing.T) {
	c := newTestCluster(t, true)
	c.Slots.Assign(0, c.Directory.Self.ID.Owner())

	b := addPrimaryPeer(c, 1)
	target := addPrimaryPeer(c, 2)
	target.Flags |= FlagSuspected

	now := time.Now()
	c.ReportFailure(target, b.ID, now)

	failed, broadcast := c.ConfirmFailures(now)
	if len(failed) != 1 || failed[0].ID != target.ID {
		t.Fatalf("expected target confirmed FAIL, got %+v", failed)
	}
	if !broadcast {
		t.Fatalf("self is primary and newly confirmed FAIL, expected broadcast=true")
	}
	if !target.IsFailed() {
		t.Fatalf("target should carry FlagFailed")
	}
}

func TestQuorumNotReachedWithoutEnoughReporters(t *testing.T) {
	c := newTestCluster(t, true)
	c.Slots.Assign(0, c.Directory.Self.ID.Owner())
	_ = addPrimaryPeer(c, 1)
	target := addPrimaryPeer(c, 2)
	target.Flags |= FlagSuspected
	// No failure reports at all: self is the only primary with a PFAIL
	// opinion and size is 3, quorum is 2.
	failed, _ := c.ConfirmFailures(time.Now())
	if len(failed) != 0 {
		t.Fatalf("expected no confirmation without quorum, got %+v", failed)
	}
}

func TestReplicaNeverBroadcastsFail(t *testing.T) {
	c := newTestCluster(t, false)
	c.Directory.Self.Flags |= FlagReplica
	b := addPrimaryPeer(c, 0)
	target := addPrimaryPeer(c, 1)
	target.Flags |= FlagSuspected
	now := time.Now()
	c.ReportFailure(target, b.ID, now)
	// size = 2 primaries (b, target); quorum = 2; self is a replica so
	// doesn't add to the count, but one primary reporter still isn't enough.
	failed, broadcast := c.ConfirmFailures(now)
	if len(failed) != 0 {
		t.Fatalf("expected no quorum from a single reporter, got %+v", failed)
	}
	if broadcast {
		t.Fatalf("replica must never broadcast FAIL")
	}

	// A second primary reporter reaches quorum (size = 3, quorum = 2):
	// the failure is confirmed, but a replica still does not broadcast it.
	d := addPrimaryPeer(c, 2)
	c.ReportFailure(target, d.ID, now)
	failed, broadcast = c.ConfirmFailures(now)
	if len(failed) != 1 || failed[0].ID != target.ID {
		t.Fatalf("expected target confirmed FAIL by two primary reporters, got %+v", failed)
	}
	if broadcast {
		t.Fatalf("replica must never broadcast FAIL")
	}
}

func TestFailureReportsExpire(t *testing.T) {
	c := newTestCluster(t, true)
	c.Config.ValidityMultiplier = 2
	c.Slots.Assign(0, c.Directory.Self.ID.Owner())
	b := addPrimaryPeer(c, 1)
	target := addPrimaryPeer(c, 2)
	target.Flags |= FlagSuspected

	old := time.Now().Add(-c.Config.NodeTimeout * 3)
	c.ReportFailure(target, b.ID, old)

	failed, _ := c.ConfirmFailures(time.Now())
	if len(failed) != 0 {
		t.Fatalf("expired report should not count toward quorum, got %+v", failed)
	}
	if len(target.FailureReports) != 0 {
		t.Fatalf("expired report should have been pruned")
	}
}

func TestOnPongClearsSuspicionAlways(t *testing.T) {
	c := newTestCluster(t, true)
	p := addPrimaryPeer(c, 0)
	p.Flags |= FlagSuspected
	c.OnPong(p, time.Now())
	if p.IsSuspected() {
		t.Fatalf("PFAIL must clear on any PONG")
	}
}

func TestOnPongClearsFailForSlotlessePrimary(t *testing.T) {
	c := newTestCluster(t, true)
	id, _ := NewID()
	p := &Peer{ID: id, Flags: FlagPrimary | FlagFailed, FailTime: time.Now()}
	c.Directory.Add(p)
	c.OnPong(p, time.Now())
	if p.IsFailed() {
		t.Fatalf("FAIL must clear for a slotless primary on PONG")
	}
}

func TestOnPongKeepsFailForSlotOwningPrimaryUntilAged(t *testing.T) {
	c := newTestCluster(t, true)
	p := addPrimaryPeer(c, 5)
	p.Flags |= FlagFailed
	p.FailTime = time.Now()
	c.OnPong(p, time.Now())
	if !p.IsFailed() {
		t.Fatalf("FAIL must persist for a slot-owning primary until the undo window elapses")
	}

	p.FailTime = time.Now().Add(-c.Config.NodeTimeout * time.Duration(c.Config.UndoMultiplier+1))
	c.OnPong(p, time.Now())
	if p.IsFailed() {
		t.Fatalf("FAIL must clear once the undo window has elapsed")
	}
}
