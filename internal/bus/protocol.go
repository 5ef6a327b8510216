package bus

import (
	"fmt"
	"time"

	"clustercore/internal/logging"
)

// Frame pairs a decoded inbound message with the link it arrived on,
// so the caller can learn/correct the link's peer identity (handshake
// promotion, address-unknown detection) before dispatching it.
type Frame struct {
	Link *Link
	Msg  *Message
}

// Protocol wires the cluster state (§3), the link layer (§4.2), and
// the message codec (§4.3) together. It performs the actual network
// I/O (dialing, accepting, sending) but never runs its own select
// loop: every exported method is invoked synchronously from the
// caller's single actor turn (internal/clusternode), which is the Go
// rendering of spec §5's "funnel through one actor".
type Protocol struct {
	Cluster     *Cluster
	listener    *Listener
	dialTimeout time.Duration
	inbox       chan Frame
}

// NewProtocol starts listening for inbound bus connections and returns
// a Protocol ready to be driven by the caller's tick loop.
func NewProtocol(cluster *Cluster, listenAddr string, dialTimeout time.Duration) (*Protocol, error) {
	ln, err := Listen(listenAddr, cluster.Auth)
	if err != nil {
		return nil, fmt.Errorf("bus: listen on %s: %w", listenAddr, err)
	}
	p := &Protocol{
		Cluster:     cluster,
		listener:    ln,
		dialTimeout: dialTimeout,
		inbox:       make(chan Frame, 256),
	}
	go p.acceptInbound()
	return p, nil
}

// Inbox is the channel the caller's select loop drains for every
// decoded inbound frame, from any link, in arrival order per link
// (spec §5 ordering guarantee (a); across links, no ordering is implied).
func (p *Protocol) Inbox() <-chan Frame { return p.inbox }

func (p *Protocol) acceptInbound() {
	for l := range p.listener.Accept {
		go p.watchLink(l)
	}
}

func (p *Protocol) watchLink(l *Link) {
	for msg := range l.Inbox {
		p.inbox <- Frame{Link: l, Msg: msg}
	}
}

// Close tears down the listener. Established links are left to the
// caller, which owns peer lifecycle.
func (p *Protocol) Close() error {
	return p.listener.Close()
}

// StartManualFailover initiates spec §4.7's operator-driven handover
// from self and immediately sends whatever message the first step of
// the handshake requires (MFSTART to self's primary, unless forced).
func (p *Protocol) StartManualFailover(force bool, timeout time.Duration) error {
	outbound, err := p.Cluster.StartManualFailover(force, timeout, time.Now())
	if err != nil {
		return err
	}
	p.sendOutbound(outbound)
	return nil
}

// Meet initiates §4.2's operator-driven admission: a handshake-pending
// peer record is created with an ephemeral identity, a link is dialed,
// and a MEET frame is sent.
func (p *Protocol) Meet(host string, port int) error {
	ephemeral, err := NewID()
	if err != nil {
		return err
	}
	peer := &Peer{
		ID:        ephemeral,
		Address:   host,
		Port:      port,
		Flags:     FlagHandshakePending | FlagMeetPending,
		CreatedAt: time.Now(),
	}
	p.Cluster.Directory.Add(peer)
	return p.dialAndSend(peer, TypeMeet)
}

// ensureLink dials peer's outbound link if it doesn't have a live one.
// Per §4.2, a peer record only ever holds the link it dialed itself —
// an inbound connection never becomes a peer's tracked Link — so every
// send, including replies, goes out over a link this side initiated.
func (p *Protocol) ensureLink(peer *Peer) error {
	if peer.Connected() {
		return nil
	}
	link, err := Dial(peer.ID, peer.BusAddr(), p.dialTimeout, p.Cluster.Auth)
	if err != nil {
		return err
	}
	peer.Link = link
	go p.watchLink(link)
	return nil
}

// dialAndSend establishes peer's outbound link (if not already up) and
// sends a MEET or PING carrying a gossip sample (§4.4 step 1).
func (p *Protocol) dialAndSend(peer *Peer, msgType MessageType) error {
	if err := p.ensureLink(peer); err != nil {
		return err
	}
	return p.sendGossip(peer, msgType)
}

func (p *Protocol) sendGossip(peer *Peer, msgType MessageType) error {
	h := Header{Type: msgType}
	p.Cluster.stamp(&h)
	msg := &Message{Header: h, Gossip: p.Cluster.GossipSample(peer.ID)}
	msg.Header.Count = uint16(len(msg.Gossip))
	if err := peer.Link.Send(msg); err != nil {
		return err
	}
	peer.PingSentAt = time.Now()
	return nil
}

// send stamps and transmits a fully-built message (used for replies
// and protocol-state-machine-driven sends that don't carry a gossip
// sample, e.g. FAIL, UPDATE, FAILOVER_AUTH_*).
func (p *Protocol) send(peer *Peer, msg *Message) error {
	if err := p.ensureLink(peer); err != nil {
		return fmt.Errorf("bus: no link to peer %s: %w", peer.ID, err)
	}
	p.Cluster.stamp(&msg.Header)
	return peer.Link.Send(msg)
}

func (p *Protocol) broadcast(msg *Message) {
	for _, peer := range p.Cluster.Directory.Others() {
		if !peer.Connected() {
			continue
		}
		m := *msg
		if err := p.send(peer, &m); err != nil {
			logging.Warn("bus: broadcast %s to %s failed: %v", msg.Header.Type, peer.ID, err)
		}
	}
}

// sendOutbound dispatches the outboundMsg values returned by the
// election/failover/failure state machines.
func (p *Protocol) sendOutbound(msgs []outboundMsg) {
	for _, o := range msgs {
		if o.broadcast {
			p.broadcast(o.msg)
			continue
		}
		peer, ok := p.Cluster.Directory.Get(o.to)
		if !ok {
			continue
		}
		if err := p.send(peer, o.msg); err != nil {
			logging.Warn("bus: send %s to %s failed: %v", o.msg.Header.Type, o.to, err)
		}
	}
}

// Tick advances every tick-driven state machine (§4.4 scheduler, §4.5
// suspicion, §4.6 election, §4.7 manual failover) and performs the
// network actions they decide on: dialing, pinging, dropping stale
// links, and broadcasting confirmed failures.
func (p *Protocol) Tick(now time.Time, tickCount uint64) {
	c := p.Cluster

	for _, peer := range c.ExpiredHandshakes(now) {
		if peer.Link != nil {
			peer.Link.Close()
		}
		c.Directory.Remove(peer.ID)
	}

	reconnect, periodicPing, timedOut, duePing := c.Tick(now, tickCount)

	for _, peer := range reconnect {
		msgType := TypePing
		if peer.IsHandshakePending() && peer.Flags.Has(FlagMeetPending) {
			msgType = TypeMeet
		}
		preserved := peer.PingSentAt
		if err := p.dialAndSend(peer, msgType); err != nil {
			logging.Debug("bus: dial %s failed: %v", peer.BusAddr(), err)
			continue
		}
		if !preserved.IsZero() {
			peer.PingSentAt = preserved // reconnect must not reset the suspicion timer
		}
	}

	if periodicPing != nil {
		if err := p.sendGossip(periodicPing, TypePing); err != nil {
			logging.Debug("bus: periodic ping to %s failed: %v", periodicPing.ID, err)
		}
	}

	for _, peer := range timedOut {
		if peer.Link != nil {
			peer.Link.Close()
		}
	}

	for _, peer := range duePing {
		if err := p.sendGossip(peer, TypePing); err != nil {
			logging.Debug("bus: due ping to %s failed: %v", peer.ID, err)
		}
	}

	newlyFailed, shouldBroadcast := c.ConfirmFailures(now)
	if shouldBroadcast {
		for _, target := range newlyFailed {
			h := Header{Type: TypeFail}
			p.broadcast(&Message{Header: h, FailTarget: target.ID})
		}
	}

	if outbound, _ := c.ElectionTick(now); len(outbound) > 0 {
		p.sendOutbound(outbound)
	}

	c.ManualFailoverTick(now)
}

// HandleInbound dispatches one decoded frame (spec §4.3 message
// types). It mutates cluster state and performs any reply sends
// directly, since replies must go out before the next inbound frame is
// processed (spec §5 ordering guarantee (c)).
func (p *Protocol) HandleInbound(link *Link, msg *Message) {
	c := p.Cluster
	now := time.Now()

	c.BumpCurrentEpoch(msg.Header.CurrentEpoch)

	sender, known := c.Directory.Get(msg.Header.Sender)
	if !known && !link.PeerID.IsZero() && link.PeerID != msg.Header.Sender {
		// The peer we dialed under an ephemeral handshake identity has
		// now replied with its real, stable identity (spec §3 "renamed
		// on first correct reply").
		if pending, ok := c.Directory.Get(link.PeerID); ok && pending.IsHandshakePending() {
			c.Directory.Rename(link.PeerID, msg.Header.Sender)
			link.PeerID = msg.Header.Sender
			sender, known = c.Directory.Get(msg.Header.Sender)
		}
	}
	if !known {
		sender = p.admit(link, msg, now)
	} else if link.PeerID.IsZero() {
		link.PeerID = sender.ID
	}
	if sender == nil {
		return
	}
	sender.Port = int(msg.Header.SenderPort)
	p.applyGossip(msg.Header.Sender, msg)

	switch msg.Header.Type {
	case TypeMeet, TypePing:
		p.handlePingOrMeet(sender, msg, now)
	case TypePong:
		p.handlePong(sender, msg, now)
	case TypeFail:
		p.handleFail(msg, now)
	case TypePublish:
		// Cross-cluster pub/sub relay: no core state to mutate; an
		// external collaborator (client protocol layer) consumes this.
	case TypeFailoverAuthRequest:
		p.handleAuthRequest(sender, msg, now)
	case TypeFailoverAuthAck:
		c.RecordVoteGranted(sender, msg.Header.CurrentEpoch)
	case TypeMFStart:
		c.OnMFStart(sender, now, c.Config.AuthTimeout()*2)
	case TypeUpdate:
		p.handleUpdate(msg)
	}
}

// admit handles an inbound frame from a sender identity the directory
// doesn't know yet: MEET/PING create a fresh handshake-pending record
// (unless blacklisted), everything else is ignored.
func (p *Protocol) admit(link *Link, msg *Message, now time.Time) *Peer {
	c := p.Cluster
	if msg.Header.Type != TypeMeet && msg.Header.Type != TypePing {
		return nil
	}
	if c.Directory.IsBlacklisted(msg.Header.Sender, now) {
		return nil
	}
	peer := &Peer{
		ID:        msg.Header.Sender,
		Address:   link.RemoteHost(),
		Port:      int(msg.Header.SenderPort),
		CreatedAt: now,
	}
	c.Directory.Add(peer)
	link.PeerID = peer.ID
	return peer
}

// applyGossip folds the sender's gossip sample into the directory:
// new peers are learned as handshake-pending, known peers' timing
// fields are left untouched (those are only updated by direct PING/PONG
// exchange, not second-hand gossip).
func (p *Protocol) applyGossip(from ID, msg *Message) {
	c := p.Cluster
	for _, g := range msg.Gossip {
		if g.ID == from || g.ID == c.Directory.Self.ID {
			continue
		}
		if _, ok := c.Directory.Get(g.ID); ok {
			continue
		}
		if c.Directory.IsBlacklisted(g.ID, time.Now()) {
			continue
		}
		addr := fmt.Sprintf("%d.%d.%d.%d", g.IP[0], g.IP[1], g.IP[2], g.IP[3])
		flags := FlagHandshakePending
		if g.IP == ([4]byte{}) {
			flags |= FlagAddressUnknown
		}
		c.Directory.Add(&Peer{
			ID:        g.ID,
			Address:   addr,
			Port:      int(g.Port),
			Flags:     flags,
			CreatedAt: time.Now(),
		})
	}
}

func (p *Protocol) handlePingOrMeet(sender *Peer, msg *Message, now time.Time) {
	c := p.Cluster
	h := Header{Type: TypePong}
	reply := &Message{Header: h, Gossip: c.GossipSample(sender.ID)}
	reply.Header.Count = uint16(len(reply.Gossip))
	if err := p.send(sender, reply); err != nil {
		logging.Debug("bus: pong reply to %s failed: %v", sender.ID, err)
	}
}

func (p *Protocol) handlePong(sender *Peer, msg *Message, now time.Time) {
	c := p.Cluster
	sender.Flags &^= FlagHandshakePending | FlagMeetPending | FlagAddressUnknown
	sender.PongReceivedAt = now
	sender.ReplicatesOf = msg.Header.ReplicatesOf
	sender.ConfigEpoch = msg.Header.ConfigEpoch
	sender.ReplicationOffset = msg.Header.ReplOffset
	sender.ReplicationOffsetTime = now
	if msg.Header.ReplicatesOf.IsZero() {
		sender.Flags |= FlagPrimary
		sender.Flags &^= FlagReplica
	} else {
		sender.Flags |= FlagReplica
		sender.Flags &^= FlagPrimary
	}
	c.OnPong(sender, now)

	if sender.IsPrimary() {
		p.Cluster.ResolveEpochCollision(sender)
	}

	self := c.Directory.Self
	if self.IsReplica() && self.ReplicatesOf == sender.ID {
		c.OnPrimaryOffsetObserved(msg.Header.ReplOffset, msg.Header.Flags&FlagPaused != 0)
	}

	p.reconcileClaimedBitmap(sender, msg.Header.ClaimedBitmap)
}

// reconcileClaimedBitmap folds an inbound PONG's slot-bitmap
// advertisement into the local slot map (spec §4.8 step 4: "the new
// ownership propagates via PING/PONG bitmaps"; §5 ordering guarantee
// (b): a processed PONG's bitmap must be visible to the very next
// router call). sender's bitmap belongs to sender itself if primary,
// or to sender's primary if sender is a replica forwarding it.
//
// Every claimed slot whose advertiser carries a newer config_epoch than
// the owner we currently have recorded is rebound immediately. Every
// claimed slot where sender is instead the stale side is corrected with
// an outbound UPDATE naming the owner sender should adopt (§4.8 step 4:
// "stale owners receive an UPDATE when they present an inferior epoch").
func (p *Protocol) reconcileClaimedBitmap(sender *Peer, bitmap [BitmapBytes]byte) {
	c := p.Cluster

	claimant := sender.ID
	claimantEpoch := sender.ConfigEpoch
	if sender.IsReplica() {
		claimant = sender.ReplicatesOf
		claimantEpoch = 0
		if primary, ok := c.Directory.Get(claimant); ok {
			claimantEpoch = primary.ConfigEpoch
		}
	}
	if claimant.IsZero() {
		return
	}
	claimantOwner := claimant.Owner()

	corrections := make(map[ID]*UpdatePayload)

	for slot := 0; slot < len(bitmap)*8; slot++ {
		if bitmap[slot/8]&(1<<uint(slot%8)) == 0 {
			continue
		}
		current := c.Slots.Owner(slot)
		if current == claimantOwner {
			continue
		}
		if current == "" {
			c.Slots.Rebind(slot, claimantOwner)
			continue
		}
		currentID, err := ParseID(string(current))
		if err != nil {
			continue
		}
		var currentEpoch uint64
		if owner, ok := c.Directory.Get(currentID); ok {
			currentEpoch = owner.ConfigEpoch
		}
		switch {
		case claimantEpoch > currentEpoch:
			c.Slots.Rebind(slot, claimantOwner)
		case currentEpoch > claimantEpoch:
			u, ok := corrections[currentID]
			if !ok {
				u = &UpdatePayload{Target: currentID, Epoch: currentEpoch}
				corrections[currentID] = u
			}
			u.Bitmap[slot/8] |= 1 << uint(slot%8)
		}
	}

	for _, u := range corrections {
		if err := p.send(sender, &Message{Header: Header{Type: TypeUpdate}, Update: *u}); err != nil {
			logging.Debug("bus: update correction to %s failed: %v", sender.ID, err)
		}
	}
}

func (p *Protocol) handleFail(msg *Message, now time.Time) {
	c := p.Cluster
	target, ok := c.Directory.Get(msg.FailTarget)
	if !ok {
		return
	}
	target.Flags |= FlagFailed
	if target.FailTime.IsZero() {
		target.FailTime = now
	}
	c.RecomputeHealth()
}

func (p *Protocol) handleAuthRequest(sender *Peer, msg *Message, now time.Time) {
	c := p.Cluster
	forced := msg.Header.Flags&FlagForcedAck != 0
	if c.EvaluateVoteRequest(sender, msg.Header.ConfigEpoch, msg.Header.ClaimedBitmap, forced, now) {
		h := Header{Type: TypeFailoverAuthAck}
		if err := p.send(sender, &Message{Header: h}); err != nil {
			logging.Debug("bus: auth ack to %s failed: %v", sender.ID, err)
		}
	}
}

func (p *Protocol) handleUpdate(msg *Message) {
	c := p.Cluster
	stale, ok := c.Directory.Get(msg.Update.Target)
	if ok && stale.ConfigEpoch >= msg.Update.Epoch {
		return // our information is not actually stale
	}
	for slot := 0; slot < len(msg.Update.Bitmap)*8; slot++ {
		if msg.Update.Bitmap[slot/8]&(1<<uint(slot%8)) == 0 {
			continue
		}
		owner := c.Slots.Owner(slot)
		if owner != msg.Update.Target.Owner() {
			c.Slots.Rebind(slot, msg.Update.Target.Owner())
		}
	}
	if ok {
		stale.ConfigEpoch = msg.Update.Epoch
	}
}
