package bus

import (
	"time"

	"clustercore/internal/slotmap"
)

// ManualFailover is the operator-driven handover record (§4.7, §3
// "manual_failover").
type ManualFailover struct {
	Active              bool
	Force               bool
	Deadline            time.Time
	TargetReplica       ID
	MasterOffsetAtPause uint64
	CanStart            bool
}

// Election is the in-progress automatic (or manual-forced) failover
// attempt record (§4.6, §3 "election").
type Election struct {
	Active        bool
	AuthTime      time.Time
	AuthCount     int
	AuthSent      bool
	AuthRank      int
	AuthEpoch     uint64
	StartedAt     time.Time
	AbandonedAt   time.Time // zero if never abandoned; gates the retry interval
	Forced        bool      // manual failover's forced-ack flag carried through
}

// Cluster is the process-wide coordination singleton (§3 "Cluster
// state"). It owns the peer directory, the slot map, and every epoch
// and in-flight-protocol field; every mutation happens on the single
// clusternode actor goroutine (§5), so Cluster itself holds no locks.
type Cluster struct {
	Directory *Directory
	Slots     *slotmap.Map
	Config    Config
	Auth      *Authenticator

	CurrentEpoch  uint64
	LastVoteEpoch uint64
	// lastVoteAt tracks, per primary identity, when self last cast a
	// vote concerning that primary's replica set (§4.6 "Vote policy":
	// "at least node_timeout*2 elapsed since self last voted concerning
	// the same primary").
	lastVoteAt map[ID]time.Time

	Health State // StateOK or StateFail, derived aggregate (§3)

	ManualFailover *ManualFailover
	Election       *Election
}

// outboundMsg is a message the protocol actor still has to send, either
// to a specific peer or broadcast to every known peer. State machines
// (election, failover, failure detector) return these instead of
// touching links directly, which keeps them testable without a network.
type outboundMsg struct {
	broadcast bool
	to        ID // meaningful only when broadcast is false
	msg       *Message
}

func NewCluster(self *Peer, cfg Config, auth *Authenticator) *Cluster {
	return &Cluster{
		Directory:  NewDirectory(self),
		Slots:      slotmap.New(),
		Config:     cfg,
		Auth:       auth,
		lastVoteAt: make(map[ID]time.Time),
		Health:     StateOK,
	}
}

// Size is the cluster "size" used throughout quorum math: the count of
// primaries currently owning at least one slot (§3).
func (c *Cluster) Size() int {
	return c.Slots.PrimaryCount()
}

// Quorum is floor(size/2)+1, the distinct-primary threshold used by
// both failure confirmation (§4.5) and vote collection (§4.6).
func (c *Cluster) Quorum() int {
	return c.Size()/2 + 1
}

func (c *Cluster) lastVoteFor(primary ID) (time.Time, bool) {
	t, ok := c.lastVoteAt[primary]
	return t, ok
}

// recordVote grants a vote to primary's candidate in the current epoch
// (§4.6 "On vote, set last_vote_epoch = current_epoch and record the
// voted primary's timestamp").
func (c *Cluster) recordVote(primary ID, now time.Time) {
	c.LastVoteEpoch = c.CurrentEpoch
	c.lastVoteAt[primary] = now
}

// BumpCurrentEpoch advances current_epoch if e is newer, enforcing the
// "epoch ordering" invariant (§8): self's current_epoch never regresses
// after observing a message that carries a newer one.
func (c *Cluster) BumpCurrentEpoch(e uint64) {
	if e > c.CurrentEpoch {
		c.CurrentEpoch = e
	}
}

// stamp fills the header fields common to every outgoing message
// (§4.2's frame header) from current cluster state. FAILOVER_AUTH_REQUEST
// is special-cased: election.go already populated ClaimedBitmap and
// ConfigEpoch with the auth_epoch framing spec §4.6 calls for, and
// stamp must not clobber them.
func (c *Cluster) stamp(h *Header) {
	self := c.Directory.Self
	h.Sender = self.ID
	h.SenderPort = uint16(self.Port)
	h.CurrentEpoch = c.CurrentEpoch
	h.State = c.Health
	if c.PausedFlag() {
		h.Flags |= FlagPaused
	}
	if h.Type == TypeFailoverAuthRequest {
		return
	}
	h.ReplicatesOf = self.ReplicatesOf
	h.ConfigEpoch = self.ConfigEpoch
	h.ReplOffset = self.ReplicationOffset
	if self.IsReplica() {
		h.ClaimedBitmap = bitmapBytesOf(c.Slots, self.ReplicatesOf.Owner())
	} else {
		h.ClaimedBitmap = bitmapBytesOf(c.Slots, self.ID.Owner())
	}
}

// RecomputeHealth derives the aggregate cluster state: FAIL if self is
// in FAIL, or, being conservative, if any primary known to own slots is
// in FAIL (the router consults per-peer FAIL flags directly; this
// aggregate exists only for reporting, per spec §3 "state: derived
// aggregate").
func (c *Cluster) RecomputeHealth() {
	if c.Directory.Self.IsFailed() {
		c.Health = StateFail
		return
	}
	for _, p := range c.Directory.Others() {
		if p.IsFailed() && p.IsPrimary() && c.Slots.SlotCount(p.ID.Owner()) > 0 {
			c.Health = StateFail
			return
		}
	}
	c.Health = StateOK
}
