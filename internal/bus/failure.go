package bus

import "time"

// checkSuspicion implements the local half of §4.5: any peer whose
// outstanding PING has gone unanswered for longer than node_timeout is
// marked PFAIL. Self is never suspected.
func (c *Cluster) checkSuspicion(now time.Time) {
	for _, p := range c.Directory.Others() {
		if p.PingSentAt.IsZero() {
			continue
		}
		if !p.PongReceivedAt.Before(p.PingSentAt) {
			continue // a PONG arrived after the last PING, peer is live
		}
		if now.Sub(p.PingSentAt) > c.Config.NodeTimeout {
			p.Flags |= FlagSuspected
		}
	}
}

// ReportFailure records an inbound PFAIL observation about target from
// reporter, per §3 "failure_reports". No bus message handler in this
// package calls it: the flags carried in an inbound gossip sample are
// not turned into failure reports.
func (c *Cluster) ReportFailure(target *Peer, reporter ID, now time.Time) {
	target.FailureReports = append(target.FailureReports, FailureReport{Reporter: reporter, Timestamp: now})
}

// expireFailureReports drops reports older than the validity window
// (§4.5: "Reports expire after node_timeout × validity-multiplier").
func (c *Cluster) expireFailureReports(target *Peer, now time.Time) {
	window := c.Config.NodeTimeout * time.Duration(c.Config.ValidityMultiplier)
	live := target.FailureReports[:0]
	for _, r := range target.FailureReports {
		if now.Sub(r.Timestamp) <= window {
			live = append(live, r)
		}
	}
	target.FailureReports = live
}

// quorumReached counts distinct primary reporters with a live PFAIL
// report about target, plus one if self is a primary, and compares
// against the cluster quorum (§4.5 "Quorum confirmation").
func (c *Cluster) quorumReached(target *Peer, now time.Time) bool {
	c.expireFailureReports(target, now)

	distinct := make(map[ID]struct{})
	for _, r := range target.FailureReports {
		reporter, ok := c.Directory.Get(r.Reporter)
		if !ok || !reporter.IsPrimary() {
			continue
		}
		distinct[r.Reporter] = struct{}{}
	}
	count := len(distinct)
	if c.Directory.Self.IsPrimary() {
		count++
	}
	return count >= c.Quorum()
}

// ConfirmFailures walks every known peer and promotes PFAIL to FAIL
// wherever quorum has been reached (§4.5). Returns the peers newly
// confirmed FAIL this call, so the caller (protocol.go) can broadcast
// FAIL for each — but only when self is a primary (§4.5, §9 OQ1: a
// replica that independently reaches quorum suppresses the broadcast
// unconditionally).
func (c *Cluster) ConfirmFailures(now time.Time) (newlyFailed []*Peer, shouldBroadcast bool) {
	selfIsPrimary := c.Directory.Self.IsPrimary()
	for _, p := range c.Directory.Others() {
		if !p.IsSuspected() || p.IsFailed() {
			continue
		}
		if c.quorumReached(p, now) {
			p.Flags |= FlagFailed
			p.FailTime = now
			newlyFailed = append(newlyFailed, p)
		}
	}
	c.RecomputeHealth()
	return newlyFailed, selfIsPrimary && len(newlyFailed) > 0
}

// OnPong applies the reversal rules of §4.5 to the peer that just
// answered: PFAIL always clears; a FAIL verdict clears only when the
// peer is a replica, a slotless primary, or the verdict has aged past
// the undo window while the peer still claims slots.
func (c *Cluster) OnPong(p *Peer, now time.Time) {
	p.Flags &^= FlagSuspected

	if !p.IsFailed() {
		return
	}

	ownsSlots := c.Slots.SlotCount(p.ID.Owner()) > 0
	undoWindow := c.Config.NodeTimeout * time.Duration(c.Config.UndoMultiplier)
	aged := !p.FailTime.IsZero() && now.Sub(p.FailTime) > undoWindow

	if p.IsReplica() || (p.IsPrimary() && !ownsSlots) || (aged && ownsSlots) {
		p.Flags &^= FlagFailed
		p.FailureReports = nil
	}
	c.RecomputeHealth()
}
