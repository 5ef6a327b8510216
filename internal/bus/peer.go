package bus

import (
	"strconv"
	"time"
)

// RoleFlags is a bitmask of the peer role/status flags from spec §3.
type RoleFlags uint16

const (
	FlagPrimary RoleFlags = 1 << iota
	FlagReplica
	FlagSelf
	FlagHandshakePending
	FlagMeetPending
	FlagAddressUnknown
	FlagSuspected // PFAIL
	FlagFailed    // FAIL
)

func (f RoleFlags) Has(bit RoleFlags) bool { return f&bit != 0 }

// FailureReport records one inbound PFAIL observation about a peer,
// from a distinct reporter (spec §3 "failure_reports").
type FailureReport struct {
	Reporter  ID
	Timestamp time.Time
}

// Peer is one known node in the cluster, including self (spec §3).
type Peer struct {
	ID      ID
	Address string
	Port    int // bus port (base + 10000); base client port is Port-10000

	Flags RoleFlags

	ReplicatesOf ID   // valid only when Flags has FlagReplica
	Replicas     []ID // valid only when Flags has FlagPrimary

	ConfigEpoch           uint64
	ReplicationOffset     uint64
	ReplicationOffsetTime time.Time

	PingSentAt      time.Time
	PongReceivedAt  time.Time
	FailTime        time.Time
	CreatedAt       time.Time
	VoteAcceptedAt  time.Time

	Link *Link // nil when disconnected

	FailureReports []FailureReport
}

// IsPrimary / IsReplica / IsSelf / etc. are convenience readers over Flags.
func (p *Peer) IsPrimary() bool          { return p.Flags.Has(FlagPrimary) }
func (p *Peer) IsReplica() bool          { return p.Flags.Has(FlagReplica) }
func (p *Peer) IsSelf() bool             { return p.Flags.Has(FlagSelf) }
func (p *Peer) IsHandshakePending() bool { return p.Flags.Has(FlagHandshakePending) }
func (p *Peer) IsSuspected() bool        { return p.Flags.Has(FlagSuspected) }
func (p *Peer) IsFailed() bool           { return p.Flags.Has(FlagFailed) }
func (p *Peer) Connected() bool          { return p.Link != nil && p.Link.State() == LinkUp }

// BusAddr is the host:port of the peer's bus endpoint.
func (p *Peer) BusAddr() string {
	return joinHostPort(p.Address, p.Port)
}

// Directory is the cluster-wide mapping from node identity to peer
// record, plus the re-admission blacklist (spec §3 "peers", "blacklist").
// Not goroutine-safe: lives entirely inside the single clusternode actor.
type Directory struct {
	Self      *Peer
	peers     map[ID]*Peer
	blacklist map[ID]time.Time
}

func NewDirectory(self *Peer) *Directory {
	self.Flags |= FlagSelf
	d := &Directory{
		Self:      self,
		peers:     make(map[ID]*Peer),
		blacklist: make(map[ID]time.Time),
	}
	d.peers[self.ID] = self
	return d
}

func (d *Directory) Get(id ID) (*Peer, bool) {
	p, ok := d.peers[id]
	return p, ok
}

// Add registers a new peer record (or replaces an existing one with the
// same identity). Self is never replaced by this method.
func (d *Directory) Add(p *Peer) {
	if p.ID == d.Self.ID {
		return
	}
	d.peers[p.ID] = p
}

// Remove deletes a peer record. Self can never be removed (spec §3).
func (d *Directory) Remove(id ID) {
	if id == d.Self.ID {
		return
	}
	delete(d.peers, id)
}

// Rename re-keys a handshake-pending peer record once its real identity
// is learned from a correct PONG (spec §3 lifecycle).
func (d *Directory) Rename(oldID, newID ID) {
	p, ok := d.peers[oldID]
	if !ok || oldID == d.Self.ID {
		return
	}
	delete(d.peers, oldID)
	p.ID = newID
	p.Flags &^= FlagHandshakePending
	d.peers[newID] = p
}

// All returns every known peer including self.
func (d *Directory) All() []*Peer {
	out := make([]*Peer, 0, len(d.peers))
	for _, p := range d.peers {
		out = append(out, p)
	}
	return out
}

// Others returns every known peer excluding self.
func (d *Directory) Others() []*Peer {
	out := make([]*Peer, 0, len(d.peers))
	for id, p := range d.peers {
		if id != d.Self.ID {
			out = append(out, p)
		}
	}
	return out
}

// Blacklist forbids re-admission of id until expiry (spec §3, §6
// "forget-peer also blacklists for 60 seconds").
func (d *Directory) Blacklist(id ID, until time.Time) {
	if id == d.Self.ID {
		return
	}
	d.blacklist[id] = until
}

// IsBlacklisted reports whether id is currently forbidden from
// re-admission, pruning the entry if it has expired.
func (d *Directory) IsBlacklisted(id ID, now time.Time) bool {
	expiry, ok := d.blacklist[id]
	if !ok {
		return false
	}
	if now.After(expiry) {
		delete(d.blacklist, id)
		return false
	}
	return true
}

func joinHostPort(host string, port int) string {
	return host + ":" + strconv.Itoa(port)
}
