package bus

import "time"

// StartManualFailover begins the operator-driven handover (§4.7 step
// 1). Called on a replica; sends MFSTART to its primary. In force
// mode, the replica skips the offset-sync wait and proceeds straight
// to the forced-ack election path.
func (c *Cluster) StartManualFailover(force bool, timeout time.Duration, now time.Time) ([]outboundMsg, error) {
	self := c.Directory.Self
	if !self.IsReplica() || self.ReplicatesOf.IsZero() {
		return nil, errNotAReplica
	}
	c.ManualFailover = &ManualFailover{
		Active:         true,
		Force:          force,
		Deadline:       now.Add(timeout),
		TargetReplica:  self.ID,
		CanStart:       force,
	}
	if force {
		return nil, nil
	}
	return []outboundMsg{{to: self.ReplicatesOf, msg: &Message{Header: Header{Type: TypeMFStart}}}}, nil
}

var errNotAReplica = &failoverError{"manual failover can only be started on a replica"}

type failoverError struct{ msg string }

func (e *failoverError) Error() string { return e.msg }

// OnMFStart is the primary-side handler (§4.7 step 2): pause client
// writes, and mark every subsequent outbound message with the paused
// flag until the handover completes or times out.
func (c *Cluster) OnMFStart(from *Peer, now time.Time, timeout time.Duration) {
	self := c.Directory.Self
	c.ManualFailover = &ManualFailover{
		Active:              true,
		TargetReplica:       from.ID,
		Deadline:            now.Add(timeout),
		MasterOffsetAtPause: self.ReplicationOffset,
	}
}

// PausedFlag reports whether outbound messages should carry the paused
// flag right now (primary side, mid-handover).
func (c *Cluster) PausedFlag() bool {
	return c.ManualFailover != nil && c.ManualFailover.Active && c.ManualFailover.TargetReplica != c.Directory.Self.ID
}

// OnPrimaryOffsetObserved is the replica-side continuation of step 3:
// once the first paused-flagged message from the primary is seen, the
// replica records mf_master_offset; once its own applied offset
// catches up, CanStart flips true and the forced-ack election path
// (ElectionTick) takes over on the next tick.
func (c *Cluster) OnPrimaryOffsetObserved(primaryOffset uint64, paused bool) {
	mf := c.ManualFailover
	if mf == nil || !mf.Active || mf.TargetReplica != c.Directory.Self.ID {
		return
	}
	if paused && mf.MasterOffsetAtPause == 0 {
		mf.MasterOffsetAtPause = primaryOffset
	}
	if mf.MasterOffsetAtPause != 0 && c.Directory.Self.ReplicationOffset >= mf.MasterOffsetAtPause {
		mf.CanStart = true
	}
}

// ManualFailoverTick expires a stale attempt and clears the pause
// (§4.7 step 5, §5 "Cancellation / timeouts").
func (c *Cluster) ManualFailoverTick(now time.Time) {
	mf := c.ManualFailover
	if mf == nil || !mf.Active {
		return
	}
	if now.After(mf.Deadline) {
		c.ManualFailover = nil
	}
}
