package bus

import "time"

// Config holds the tuning constants spec §4.4-§4.7 leave as named
// parameters without prescribing a number. Defaults follow the values
// Redis Cluster itself ships with, since the teacher has no gossip
// timing analogue to ground them on.
type Config struct {
	TickInterval time.Duration // gossip scheduler tick, target 10Hz (§4.4)
	NodeTimeout  time.Duration // PFAIL threshold (§4.5)
	PingInterval time.Duration // base term of ReplicaValidityWindow; the oldest-pong ping (§4.4 step 2) runs every 10 ticks regardless

	ValidityMultiplier int // PFAIL report expiry = NodeTimeout * this (§4.5, default 2)
	UndoMultiplier      int // FAIL-undo threshold = NodeTimeout * this (§4.5, default 2)
}

func DefaultConfig() Config {
	return Config{
		TickInterval:        100 * time.Millisecond,
		NodeTimeout:         15 * time.Second,
		PingInterval:        time.Second,
		ValidityMultiplier:  2,
		UndoMultiplier:      2,
	}
}

// AuthTimeout is the election round timeout (§4.6 "Timeout"): the
// larger of twice the node timeout or 2 seconds.
func (c Config) AuthTimeout() time.Duration {
	if t := c.NodeTimeout * 2; t > 2*time.Second {
		return t
	}
	return 2 * time.Second
}

// ElectionRetryInterval is how long an abandoned election attempt waits
// before a fresh one may begin (§4.6 "Timeout").
func (c Config) ElectionRetryInterval() time.Duration {
	return c.AuthTimeout() * 2
}

// HandshakeTimeout is how long a handshake-pending peer is kept before
// its record is removed (§5 "Cancellation / timeouts").
func (c Config) HandshakeTimeout() time.Duration {
	if c.NodeTimeout > time.Second {
		return c.NodeTimeout
	}
	return time.Second
}

// ReplicaValidityWindow bounds how stale a replica's last contact with
// its primary may be before it aborts an in-progress election attempt
// (§4.6 Round 2), unless manual failover forces the attempt through.
func (c Config) ReplicaValidityWindow() time.Duration {
	return c.PingInterval + c.NodeTimeout*10
}

// VoteCooldown is the minimum gap between two votes self casts
// concerning the same primary (§4.6 "Vote policy").
func (c Config) VoteCooldown() time.Duration {
	return c.NodeTimeout * 2
}
