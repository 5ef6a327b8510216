package bus

import (
	"math/rand"
	"net"
	"time"
)

// GossipSample picks up to 3 random peers for a MEET/PING/PONG sample
// (§4.3), excluding self, exclude (typically the recipient), handshake-
// pending, address-unknown, and disconnected-slotless peers. The
// bounded retry loop avoids spinning when most peers are filtered out
// (§9 "Gossip sample selection").
func (c *Cluster) GossipSample(exclude ID) []GossipElement {
	candidates := c.Directory.Others()
	if len(candidates) == 0 {
		return nil
	}

	eligible := make([]*Peer, 0, len(candidates))
	for _, p := range candidates {
		if p.ID == exclude {
			continue
		}
		if p.IsHandshakePending() || p.Flags.Has(FlagAddressUnknown) {
			continue
		}
		if !p.Connected() && c.Slots.SlotCount(p.ID.Owner()) == 0 {
			continue
		}
		eligible = append(eligible, p)
	}
	if len(eligible) == 0 {
		return nil
	}

	n := 3
	if n > len(eligible) {
		n = len(eligible)
	}
	picked := make(map[ID]struct{}, n)
	out := make([]GossipElement, 0, n)
	retries := len(eligible) * 4
	for len(out) < n && retries > 0 {
		retries--
		p := eligible[rand.Intn(len(eligible))]
		if _, dup := picked[p.ID]; dup {
			continue
		}
		picked[p.ID] = struct{}{}
		out = append(out, gossipElementOf(p))
	}
	return out
}

func gossipElementOf(p *Peer) GossipElement {
	var ip [4]byte
	copy(ip[:], parseIPv4(p.Address))
	return GossipElement{
		ID:               p.ID,
		IP:               ip,
		Port:             uint16(p.Port),
		PeerFlags:        uint8(p.Flags),
		LastPingSentUnix: uint32(p.PingSentAt.Unix()),
		LastPongRecvUnix: uint32(p.PongReceivedAt.Unix()),
	}
}

// parseIPv4 renders a peer's address into the 4-byte wire form used by
// a gossip sample element. Non-IPv4 addresses (hostnames, IPv6) encode
// as the zero address; the gossip sample is a liveness/freshness hint,
// not the sole source of truth for dialing.
func parseIPv4(addr string) []byte {
	out := make([]byte, 4)
	ip := net.ParseIP(addr)
	if ip4 := ip.To4(); ip4 != nil {
		copy(out, ip4)
	}
	return out
}

// NeedingReconnect returns peers without a live outbound link that are
// not currently timing out a handshake (§4.4 step 1).
func (c *Cluster) NeedingReconnect(now time.Time) []*Peer {
	var out []*Peer
	for _, p := range c.Directory.Others() {
		if p.Connected() {
			continue
		}
		if p.IsHandshakePending() && !p.CreatedAt.IsZero() && now.Sub(p.CreatedAt) > c.Config.HandshakeTimeout() {
			continue // expired handshake, scheduler's caller removes it instead of redialing
		}
		out = append(out, p)
	}
	return out
}

// ExpiredHandshakes returns handshake-pending peers past the handshake
// timeout, for removal (§5 "Cancellation / timeouts").
func (c *Cluster) ExpiredHandshakes(now time.Time) []*Peer {
	var out []*Peer
	for _, p := range c.Directory.Others() {
		if p.IsHandshakePending() && !p.CreatedAt.IsZero() && now.Sub(p.CreatedAt) > c.Config.HandshakeTimeout() {
			out = append(out, p)
		}
	}
	return out
}

// oldestPongPeer implements §4.4 step 2: once every 10 ticks, sample 5
// random linked non-handshake peers and return the one whose PONG is
// stalest.
func (c *Cluster) oldestPongPeer() *Peer {
	var linked []*Peer
	for _, p := range c.Directory.Others() {
		if p.Connected() && !p.IsHandshakePending() {
			linked = append(linked, p)
		}
	}
	if len(linked) == 0 {
		return nil
	}
	n := 5
	if n > len(linked) {
		n = len(linked)
	}
	var oldest *Peer
	seen := make(map[ID]struct{}, n)
	for len(seen) < n {
		p := linked[rand.Intn(len(linked))]
		if _, dup := seen[p.ID]; dup {
			continue
		}
		seen[p.ID] = struct{}{}
		if oldest == nil || p.PongReceivedAt.Before(oldest.PongReceivedAt) {
			oldest = p
		}
	}
	return oldest
}

// TimedOutPings returns linked peers whose outstanding PING is older
// than half the failure timeout with no PONG yet — these links are
// dropped to force a reconnect (§4.4 step 3).
func (c *Cluster) TimedOutPings(now time.Time) []*Peer {
	half := c.Config.NodeTimeout / 2
	var out []*Peer
	for _, p := range c.Directory.Others() {
		if !p.Connected() || p.PingSentAt.IsZero() {
			continue
		}
		if !p.PongReceivedAt.Before(p.PingSentAt) {
			continue // already answered
		}
		if now.Sub(p.PingSentAt) > half {
			out = append(out, p)
		}
	}
	return out
}

// DuePings returns linked peers with no outstanding PING whose last
// PONG is older than half the failure timeout (§4.4 step 4).
func (c *Cluster) DuePings(now time.Time) []*Peer {
	half := c.Config.NodeTimeout / 2
	var out []*Peer
	for _, p := range c.Directory.Others() {
		if !p.Connected() {
			continue
		}
		outstanding := !p.PingSentAt.IsZero() && p.PongReceivedAt.Before(p.PingSentAt)
		if outstanding {
			continue
		}
		if p.PongReceivedAt.IsZero() || now.Sub(p.PongReceivedAt) > half {
			out = append(out, p)
		}
	}
	return out
}

// Tick advances the gossip scheduler one step (§4.4). reconnect lists
// peers the caller (protocol.go) must dial this tick; periodicPing,
// timedOut, and duePing are the three ping-selection outcomes of
// steps 2-4. The caller is responsible for actually sending PING/MEET
// frames and dropping links; Tick only decides who.
func (c *Cluster) Tick(now time.Time, tickCount uint64) (reconnect []*Peer, periodicPing *Peer, timedOut []*Peer, duePing []*Peer) {
	reconnect = c.NeedingReconnect(now)
	if tickCount%10 == 0 {
		periodicPing = c.oldestPongPeer()
	}
	timedOut = c.TimedOutPings(now)
	duePing = c.DuePings(now)

	c.checkSuspicion(now)
	return reconnect, periodicPing, timedOut, duePing
}
