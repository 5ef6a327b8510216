package clusternode

import (
	"time"

	"clustercore/internal/bus"
)

// Metrics receives point-in-time observations from the event loop. It
// is the seam internal/httpapi hooks Prometheus collectors into,
// without clusternode importing httpapi back (spec §6 AMBIENT: "tick
// duration, peers known, slots owned, ... election attempts, and router
// verdicts"), plus the current epoch and cluster health (ok/fail)
// transitions.
type Metrics interface {
	ObserveTick(d time.Duration)
	SetPeersKnown(n int)
	SetSlotsOwned(n int)
	SetCurrentEpoch(epoch uint64)
	IncHealthTransition(toFail bool)
	IncElectionAttempt()
	IncRouterVerdict(verdict string)
}

// SetMetrics installs the metrics sink. Safe to call before Start; not
// safe to call concurrently with a running event loop, same as every
// other ClusterNode field that isn't touched through Submit.
func (n *ClusterNode) SetMetrics(m Metrics) {
	n.metrics = m
}

// observeTickMetrics samples cluster state after a tick's
// Protocol.Tick/RecomputeHealth has run, deriving cluster health
// (ok/fail) and election-attempt transitions by comparing against the previous
// tick's observation rather than hooking into bus internals directly.
func (n *ClusterNode) observeTickMetrics(tickStart time.Time) {
	if n.metrics == nil {
		return
	}
	n.metrics.ObserveTick(time.Since(tickStart))
	n.metrics.SetPeersKnown(len(n.Cluster.Directory.All()))
	n.metrics.SetSlotsOwned(n.Cluster.Slots.SlotCount(n.Cluster.Directory.Self.ID.Owner()))
	n.metrics.SetCurrentEpoch(n.Cluster.CurrentEpoch)

	isFail := n.Cluster.Health == bus.StateFail
	if isFail != n.healthWasFail {
		n.metrics.IncHealthTransition(isFail)
	}
	n.healthWasFail = isFail

	electionActive := n.Cluster.Election != nil && n.Cluster.Election.Active
	if electionActive && !n.electionWasActive {
		n.metrics.IncElectionAttempt()
	}
	n.electionWasActive = electionActive
}
