package bus

import (
	"math/rand"
	"time"

	"clustercore/internal/slotmap"
)

// electionRank computes the number of co-replicas of primary with a
// strictly greater replication offset than self (§4.6 "Round 1 —
// schedule"). A lower rank means self gets to attempt sooner.
func (c *Cluster) electionRank(primary ID) int {
	self := c.Directory.Self
	rank := 0
	for _, p := range c.Directory.Others() {
		if p.IsReplica() && p.ReplicatesOf == primary && p.ReplicationOffset > self.ReplicationOffset {
			rank++
		}
	}
	return rank
}

// coReplicas returns every known replica of primary, excluding self.
func (c *Cluster) coReplicas(primary ID) []*Peer {
	var out []*Peer
	for _, p := range c.Directory.Others() {
		if p.IsReplica() && p.ReplicatesOf == primary {
			out = append(out, p)
		}
	}
	return out
}

// ElectionTick advances the election state machine one step (§4.6,
// re-checked each scheduler tick). outbound collects the messages the
// caller (protocol.go) must send; it never sends directly so the state
// machine stays testable without a network.
func (c *Cluster) ElectionTick(now time.Time) (outbound []outboundMsg, promoted bool) {
	self := c.Directory.Self

	if !self.IsReplica() || self.ReplicatesOf.IsZero() {
		return nil, false
	}
	primary, ok := c.Directory.Get(self.ReplicatesOf)
	if !ok {
		return nil, false
	}

	mf := c.ManualFailover
	forcedActive := mf != nil && mf.Active && mf.CanStart

	if c.Election == nil || !c.Election.Active {
		if !primary.IsFailed() && !forcedActive {
			return nil, false
		}
		if c.Election != nil && !c.Election.AbandonedAt.IsZero() {
			if now.Sub(c.Election.AbandonedAt) < c.Config.ElectionRetryInterval() {
				return nil, false
			}
		}
		// Round 1 — schedule.
		rank := c.electionRank(primary.ID)
		jitter := time.Duration(rand.Intn(500)) * time.Millisecond
		authTime := now.Add(500*time.Millisecond + jitter + time.Duration(rank)*time.Second)
		c.Election = &Election{
			Active:    true,
			AuthTime:  authTime,
			AuthRank:  rank,
			StartedAt: now,
			Forced:    forcedActive,
		}
		outbound = append(outbound, outboundMsg{broadcast: true, msg: &Message{Header: Header{Type: TypePong}}})
		return outbound, false
	}

	el := c.Election

	// Timeout: abandon and allow a retry after the retry interval.
	if now.Sub(el.AuthTime) > c.Config.AuthTimeout() {
		el.Active = false
		el.AbandonedAt = now
		return nil, false
	}

	if !el.AuthSent {
		// Round 2 — wait, recompute rank and extend the schedule if it grew.
		rank := c.electionRank(primary.ID)
		if rank > el.AuthRank {
			el.AuthTime = el.AuthTime.Add(time.Duration(rank-el.AuthRank) * time.Second)
			el.AuthRank = rank
		}
		if !primary.PongReceivedAt.IsZero() && now.Sub(primary.PongReceivedAt) > c.Config.ReplicaValidityWindow() && !forcedActive {
			el.Active = false
			el.AbandonedAt = now
			return nil, false
		}
		if now.Before(el.AuthTime) {
			return nil, false
		}

		// Round 3 — request.
		c.CurrentEpoch++
		el.AuthEpoch = c.CurrentEpoch
		el.AuthCount = 0
		el.AuthSent = true
		header := Header{
			Type:          TypeFailoverAuthRequest,
			Sender:        self.ID,
			CurrentEpoch:  c.CurrentEpoch,
			ConfigEpoch:   el.AuthEpoch,
			ClaimedBitmap: bitmapBytesOf(c.Slots, primary.ID.Owner()),
		}
		if forcedActive {
			header.Flags |= FlagForcedAck
		}
		outbound = append(outbound, outboundMsg{broadcast: true, msg: &Message{Header: header}})
		return outbound, false
	}

	// Round 4 — collect happens as FAILOVER_AUTH_ACK frames arrive
	// (RecordVoteGranted); here we only check the promotion threshold.
	if el.AuthCount >= c.Quorum() {
		c.promote(primary, now)
		if c.ManualFailover != nil {
			c.ManualFailover = nil
		}
		return outbound, true
	}
	return nil, false
}

// RecordVoteGranted processes one inbound FAILOVER_AUTH_ACK (§4.6
// "Round 4 — collect"): counted only if it comes from a distinct
// primary owning at least one slot, whose epoch is not stale.
func (c *Cluster) RecordVoteGranted(from *Peer, senderEpoch uint64) {
	el := c.Election
	if el == nil || !el.Active || !el.AuthSent {
		return
	}
	if !from.IsPrimary() || c.Slots.SlotCount(from.ID.Owner()) == 0 {
		return
	}
	if senderEpoch < el.AuthEpoch {
		return
	}
	el.AuthCount++
}

// promote claims the old primary's slots and becomes the new primary
// (§4.6 "Promotion").
func (c *Cluster) promote(oldPrimary *Peer, now time.Time) {
	self := c.Directory.Self
	self.ReplicatesOf = ID{}
	self.Flags &^= FlagReplica
	self.Flags |= FlagPrimary

	for _, slot := range c.Slots.Bitmap(oldPrimary.ID.Owner()).Slots() {
		c.Slots.Rebind(slot, self.ID.Owner())
	}
	self.ConfigEpoch = c.Election.AuthEpoch
	self.VoteAcceptedAt = now
	c.Election.Active = false
	c.RecomputeHealth()
}

// EvaluateVoteRequest implements the primary-side vote policy (§4.6
// "Vote policy"). Returns whether to grant the vote; on grant, the
// caller must send FAILOVER_AUTH_ACK and this call has already
// recorded the vote.
func (c *Cluster) EvaluateVoteRequest(requester *Peer, requestEpoch uint64, requesterBitmap [BitmapBytes]byte, forced bool, now time.Time) bool {
	self := c.Directory.Self
	if !self.IsPrimary() || c.Slots.SlotCount(self.ID.Owner()) == 0 {
		return false
	}
	if requestEpoch < c.CurrentEpoch {
		return false
	}
	if c.LastVoteEpoch >= c.CurrentEpoch && requestEpoch <= c.CurrentEpoch {
		return false
	}
	primary, ok := c.Directory.Get(requester.ReplicatesOf)
	if !ok {
		return false
	}
	if !primary.IsFailed() && !forced {
		return false
	}
	if last, voted := c.lastVoteFor(primary.ID); voted && now.Sub(last) < c.Config.VoteCooldown() {
		return false
	}
	for slot := 0; slot < len(requesterBitmap)*8; slot++ {
		if requesterBitmap[slot/8]&(1<<uint(slot%8)) == 0 {
			continue
		}
		owner := c.Slots.Owner(slot)
		if owner == "" || owner == requester.ID.Owner() {
			continue
		}
		if ownerID, err := ParseID(string(owner)); err == nil {
			if op, ok := c.Directory.Get(ownerID); ok && op.ConfigEpoch > requestEpoch {
				return false
			}
		}
	}

	c.BumpCurrentEpoch(requestEpoch)
	c.recordVote(primary.ID, now)
	return true
}

// ResolveEpochCollision implements §4.6's "Epoch collision resolution":
// if another primary advertises the same config_epoch as self and
// self's identity sorts greater, self bumps current_epoch and adopts
// it as its own config_epoch.
func (c *Cluster) ResolveEpochCollision(other *Peer) {
	self := c.Directory.Self
	if self.ConfigEpoch == 0 || other.ConfigEpoch != self.ConfigEpoch {
		return
	}
	if self.ID.String() <= other.ID.String() {
		return
	}
	c.CurrentEpoch++
	self.ConfigEpoch = c.CurrentEpoch
}

// bitmapBytesOf renders owner's slot bitmap into the wire's fixed-size
// byte array form, for embedding in a header's claimed-bitmap field.
func bitmapBytesOf(m *slotmap.Map, owner slotmap.OwnerID) [BitmapBytes]byte {
	var out [BitmapBytes]byte
	for _, slot := range m.Bitmap(owner).Slots() {
		out[slot/8] |= 1 << uint(slot%8)
	}
	return out
}
