// Package clusterconfig persists the peer directory and cluster epochs
// to a line-oriented config file (spec §4.9), atomically and under an
// exclusive advisory lock held for the process lifetime.
package clusterconfig

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"clustercore/internal/bus"
	"clustercore/internal/slotmap"
)

// Store owns the open, locked config file descriptor.
type Store struct {
	path string
	file *os.File
}

// Open acquires the config file, creating it if absent, and takes an
// exclusive non-blocking advisory lock that is held until Close. A
// second node pointed at the same file fails here (spec §4.9 "no two
// cluster members share a config file").
func Open(path string) (*Store, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("clusterconfig: open %s: %w", path, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("clusterconfig: %s is locked by another process: %w", path, err)
	}
	return &Store{path: path, file: f}, nil
}

func (s *Store) Close() error {
	unix.Flock(int(s.file.Fd()), unix.LOCK_UN)
	return s.file.Close()
}

// Save serializes every known peer plus the epoch vars line and
// replaces the file's content atomically with respect to crash: the
// file is grown to at least the new payload's size before the write,
// so a crash mid-write never leaves a truncated prefix shorter than
// what was already durable, and only after the full payload lands is
// the file truncated down to the exact content length (spec §4.9). salt
// is the PBKDF2 salt internal/crypto derives the bus signing key from;
// it is persisted alongside the epoch vars so every node in the
// cluster derives the same key from the same shared secret.
func (s *Store) Save(c *bus.Cluster, salt []byte) error {
	payload := Render(c, salt)

	if info, err := s.file.Stat(); err == nil {
		if int64(len(payload)) > info.Size() {
			if err := s.file.Truncate(int64(len(payload))); err != nil {
				return fmt.Errorf("clusterconfig: grow %s: %w", s.path, err)
			}
		}
	}
	if _, err := s.file.WriteAt(payload, 0); err != nil {
		return fmt.Errorf("clusterconfig: write %s: %w", s.path, err)
	}
	if err := s.file.Truncate(int64(len(payload))); err != nil {
		return fmt.Errorf("clusterconfig: truncate %s: %w", s.path, err)
	}
	return s.file.Sync()
}

// Load re-reads the config file's current content without disturbing
// the held lock, for startup rehydration.
func (s *Store) Load() ([]byte, error) {
	if _, err := s.file.Seek(0, 0); err != nil {
		return nil, fmt.Errorf("clusterconfig: seek %s: %w", s.path, err)
	}
	return os.ReadFile(s.path)
}

// Render produces the full config file content for c: one line per
// peer, flags-csv, replicates-of, ping/pong timestamps, config epoch,
// connection state and slot ranges, followed by the vars line (spec
// §6 "Config file").
func Render(c *bus.Cluster, salt []byte) []byte {
	var b strings.Builder
	peers := c.Directory.All()
	sort.Slice(peers, func(i, j int) bool { return peers[i].ID.String() < peers[j].ID.String() })
	for _, p := range peers {
		writePeerLine(&b, c, p)
	}
	fmt.Fprintf(&b, "vars currentEpoch %d lastVoteEpoch %d authSalt %s\n",
		c.CurrentEpoch, c.LastVoteEpoch, hex.EncodeToString(salt))
	return []byte(b.String())
}

func writePeerLine(b *strings.Builder, c *bus.Cluster, p *bus.Peer) {
	fmt.Fprintf(b, "%s %s:%d %s %s %d %d %d %s %s\n",
		p.ID.String(),
		p.Address, p.Port,
		flagsCSV(p),
		replicatesOfField(p),
		p.PingSentAt.UnixMilli(),
		p.PongReceivedAt.UnixMilli(),
		p.ConfigEpoch,
		connectedField(p),
		slotRanges(c.Slots, p.ID.Owner()),
	)
}

func flagsCSV(p *bus.Peer) string {
	var flags []string
	if p.IsSelf() {
		flags = append(flags, "myself")
	}
	if p.IsPrimary() {
		flags = append(flags, "master")
	}
	if p.IsReplica() {
		flags = append(flags, "replica")
	}
	if p.IsFailed() {
		flags = append(flags, "fail")
	} else if p.IsSuspected() {
		flags = append(flags, "fail?")
	}
	if p.IsHandshakePending() {
		flags = append(flags, "handshake")
	}
	if len(flags) == 0 {
		return "noflags"
	}
	return strings.Join(flags, ",")
}

func replicatesOfField(p *bus.Peer) string {
	if !p.IsReplica() || p.ReplicatesOf.IsZero() {
		return "-"
	}
	return p.ReplicatesOf.String()
}

func connectedField(p *bus.Peer) string {
	if p.IsSelf() || p.Connected() {
		return "connected"
	}
	return "disconnected"
}

// slotRanges renders owner's bitmap as space-separated single slots or
// inclusive ranges ("100-200"), the compact form the config file and
// `cluster info` both use.
func slotRanges(m *slotmap.Map, owner slotmap.OwnerID) string {
	slots := m.Bitmap(owner).Slots()
	if len(slots) == 0 {
		return ""
	}
	var parts []string
	start := slots[0]
	prev := slots[0]
	for _, s := range slots[1:] {
		if s == prev+1 {
			prev = s
			continue
		}
		parts = append(parts, formatRange(start, prev))
		start, prev = s, s
	}
	parts = append(parts, formatRange(start, prev))
	return strings.Join(parts, " ")
}

func formatRange(start, end int) string {
	if start == end {
		return strconv.Itoa(start)
	}
	return fmt.Sprintf("%d-%d", start, end)
}

// Vars is the parsed "vars currentEpoch N lastVoteEpoch N authSalt H"
// line.
type Vars struct {
	CurrentEpoch  uint64
	LastVoteEpoch uint64
	Salt          []byte
}

// ParseVars extracts epoch state and the bus auth salt from raw config
// file content. It does not reconstruct the peer directory: the caller
// learns peers the normal way, via MEET and gossip, once the bus is
// running; the config file's peer lines exist for `cluster
// info`/operator inspection and for restoring epochs and the salt
// across a restart.
func ParseVars(content []byte) (Vars, error) {
	sc := bufio.NewScanner(strings.NewReader(string(content)))
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "vars ") {
			continue
		}
		fields := strings.Fields(line)
		var v Vars
		for i := 1; i+1 < len(fields); i += 2 {
			switch fields[i] {
			case "currentEpoch":
				val, err := strconv.ParseUint(fields[i+1], 10, 64)
				if err != nil {
					return Vars{}, fmt.Errorf("clusterconfig: parse vars line: %w", err)
				}
				v.CurrentEpoch = val
			case "lastVoteEpoch":
				val, err := strconv.ParseUint(fields[i+1], 10, 64)
				if err != nil {
					return Vars{}, fmt.Errorf("clusterconfig: parse vars line: %w", err)
				}
				v.LastVoteEpoch = val
			case "authSalt":
				salt, err := hex.DecodeString(fields[i+1])
				if err != nil {
					return Vars{}, fmt.Errorf("clusterconfig: parse vars line: %w", err)
				}
				v.Salt = salt
			}
		}
		return v, nil
	}
	return Vars{}, nil
}
