package bus

import (
	"net"
	"strings"
	"sync"
	"time"

	"clustercore/internal/logging"
)

// LinkState mirrors spec §4.2: {connecting, up, closed}.
type LinkState int

const (
	LinkConnecting LinkState = iota
	LinkUp
	LinkClosed
)

// Link wraps one outgoing TCP connection to a peer's bus port. The
// owner (a Peer record) holds at most one Link; inbound connections are
// handled separately by Listener and are anonymous until a frame
// identifies their sender (spec §4.2).
//
// The reader runs on its own goroutine and feeds fully-parsed frames
// into Inbox, which the single clusternode actor drains on its select
// loop — this is the Go rendering of spec §5's "funnel through a
// single actor": the goroutine never touches shared cluster state, it
// only produces decoded Messages.
type Link struct {
	PeerID ID
	conn   net.Conn
	Inbox  chan *Message
	auth   *Authenticator

	mu    sync.Mutex
	state LinkState

	closeOnce sync.Once
	closed    chan struct{}
}

// Dial opens an outgoing link to addr, re-entrant-safe for the caller:
// it does not block the caller past TCP connect (no handshake is
// performed at this layer; the first PING/MEET is the handshake).
func Dial(peerID ID, addr string, timeout time.Duration, auth *Authenticator) (*Link, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	l := newLink(peerID, conn, auth)
	l.setState(LinkUp)
	go l.readLoop()
	return l, nil
}

// AcceptLink wraps an inbound connection accepted by Listener. Its PeerID
// is unknown until the first frame is parsed and dispatched.
func AcceptLink(conn net.Conn, auth *Authenticator) *Link {
	l := newLink(ID{}, conn, auth)
	l.setState(LinkUp)
	go l.readLoop()
	return l
}

func newLink(peerID ID, conn net.Conn, auth *Authenticator) *Link {
	return &Link{
		PeerID: peerID,
		conn:   conn,
		auth:   auth,
		Inbox:  make(chan *Message, 64),
		state:  LinkConnecting,
		closed: make(chan struct{}),
	}
}

// RemoteHost returns the bare IP/hostname of the connection's remote
// side, used to learn an inbound peer's address when only its bus
// port travels in the frame header (spec §4.2).
func (l *Link) RemoteHost() string {
	addr := l.conn.RemoteAddr().String()
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		return addr[:i]
	}
	return addr
}

func (l *Link) State() LinkState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Link) setState(s LinkState) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

// Send writes one frame synchronously. Per spec §5, this runs inline on
// the caller's goroutine (the single actor) and may delay the next
// tick; backpressure is absent by design (spec §5 "Shared resources").
func (l *Link) Send(msg *Message) error {
	frame, err := Encode(msg)
	if err != nil {
		return err
	}
	if l.auth != nil && l.auth.Enabled() {
		frame = append(frame, l.auth.SignRaw(frame)...)
	}
	l.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, err = l.conn.Write(frame)
	if err != nil {
		l.Close()
		return err
	}
	return nil
}

// Close transitions the link to closed and frees the socket. Safe to
// call more than once and from more than one goroutine.
func (l *Link) Close() {
	l.closeOnce.Do(func() {
		l.setState(LinkClosed)
		l.conn.Close()
		close(l.closed)
	})
}

// readLoop accumulates bytes into a per-link buffer and parses exactly
// one frame per step, never assuming frame alignment with kernel read
// boundaries (spec §9). On any I/O or framing error that corrupts the
// buffer boundary, the link is dropped (spec §4.2, §7).
func (l *Link) readLoop() {
	defer close(l.Inbox)

	buf := make([]byte, 0, MaxFrameSize)
	tmp := make([]byte, 64*1024)

	for {
		n, err := l.conn.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
			for {
				consumed, msg, perr := l.tryParseOne(buf)
				if perr != nil {
					logging.Debug("bus: malformed frame from link, dropping: %v", perr)
					l.Close()
					return
				}
				if consumed == 0 {
					break // not enough bytes yet for a full frame
				}
				buf = buf[consumed:]
				if msg != nil {
					select {
					case l.Inbox <- msg:
					case <-l.closed:
						return
					}
				}
			}
		}
		if err != nil {
			l.Close()
			return
		}
	}
}

// tryParseOne attempts to parse exactly one frame from the front of buf.
// Returns consumed=0 if buf does not yet hold a complete frame. A
// non-nil error means the buffer itself is corrupted (bad signature, or
// a declared length outside HeaderSize..MaxFrameSize) and the caller
// must drop the link, since resynchronizing a byte stream of unknown
// framing is not attempted (spec §7: "if the frame corrupted the
// receive buffer boundary... drop the link"). A frame that fails Decode
// for any other reason (bad version, malformed body) is consumed and
// dropped with a nil error, and the link survives.
//
// When auth is enabled, every frame carries a trailing macSize-byte
// HMAC-SHA256 tag over the base frame bytes; a bad tag is treated the
// same as a bad signature, since either way the sender cannot be trusted.
func (l *Link) tryParseOne(buf []byte) (consumed int, msg *Message, err error) {
	if len(buf) < HeaderSize {
		return 0, nil, nil
	}
	total, perr := PeekLength(buf)
	if perr != nil {
		return 0, nil, perr
	}
	if total < HeaderSize || total > MaxFrameSize {
		return 0, nil, ErrFrameTooBig
	}
	framed := total
	if l.auth != nil && l.auth.Enabled() {
		framed += macSize
	}
	if len(buf) < framed {
		return 0, nil, nil
	}
	base := buf[:total]
	if l.auth != nil && l.auth.Enabled() {
		tag := buf[total:framed]
		if !l.auth.VerifyRaw(base, tag) {
			return 0, nil, ErrBadSig
		}
	}
	m, derr := Decode(base)
	if derr != nil {
		// A malformed but length-consistent frame is dropped silently;
		// the buffer boundary is intact so the link survives (spec §7).
		return framed, nil, nil
	}
	return framed, m, nil
}

// Listener accepts inbound bus connections. One Listener runs per node,
// independent of the per-peer outgoing Links (spec §4.2 "Rationale for
// two links per pair").
type Listener struct {
	ln     net.Listener
	auth   *Authenticator
	Accept chan *Link
	closed chan struct{}
}

func Listen(addr string, auth *Authenticator) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	l := &Listener{ln: ln, auth: auth, Accept: make(chan *Link, 16), closed: make(chan struct{})}
	go l.acceptLoop()
	return l, nil
}

func (l *Listener) acceptLoop() {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-l.closed:
				return
			default:
				logging.Warn("bus: accept error: %v", err)
				continue
			}
		}
		link := AcceptLink(conn, l.auth)
		select {
		case l.Accept <- link:
		case <-l.closed:
			link.Close()
			return
		}
	}
}

func (l *Listener) Close() error {
	close(l.closed)
	return l.ln.Close()
}
