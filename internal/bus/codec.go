// Message codec: fixed-header, typed-payload-union wire format for the
// inter-node bus (spec §4.2, §4.3, §6). All multi-byte integers are
// little-endian except the PUBLISH payload's internal length prefixes,
// which are explicitly big-endian (spec §9) — kept that way on purpose
// so the asymmetry is visible in every PUBLISH encode/decode call site.
package bus

import (
	"encoding/binary"
	"errors"
	"fmt"

	"clustercore/internal/slotmap"
)

// Signature is the fixed 4-byte magic that opens every frame.
var Signature = [4]byte{'R', 'C', 'm', 'b'}

const Version uint16 = 1

// BitmapBytes is the wire size of a full slot bitmap (16384 slots / 8).
const BitmapBytes = slotmap.NumSlots / 8

// HeaderSize is the fixed size in bytes of every frame's header.
const HeaderSize = 4 /*sig*/ + 2 /*version*/ + 4 /*totalLen*/ + 2 /*type*/ + 2 /*count*/ +
	IDSize /*sender*/ + 2 /*senderPort*/ + BitmapBytes /*claimed bitmap*/ +
	IDSize /*replicatesOf*/ + 8 /*currentEpoch*/ + 8 /*configEpoch*/ +
	8 /*replOffset*/ + 1 /*state*/ + 1 /*flags*/

// GossipElementSize is the fixed size in bytes of one gossip sample record.
const GossipElementSize = IDSize + 4 /*ipv4*/ + 2 /*port*/ + 1 /*flags*/ + 4 /*lastPingSent*/ + 4 /*lastPongReceived*/ + 1 /*pad*/

// MaxFrameSize bounds a frame: header plus the largest possible payload
// (an UPDATE carrying a full slot bitmap), per spec §6.
const MaxFrameSize = HeaderSize + IDSize + 8 + BitmapBytes

type MessageType uint16

const (
	TypePing MessageType = iota + 1
	TypePong
	TypeMeet
	TypeFail
	TypePublish
	TypeFailoverAuthRequest
	TypeFailoverAuthAck
	TypeMFStart
	TypeUpdate
)

func (t MessageType) String() string {
	switch t {
	case TypePing:
		return "PING"
	case TypePong:
		return "PONG"
	case TypeMeet:
		return "MEET"
	case TypeFail:
		return "FAIL"
	case TypePublish:
		return "PUBLISH"
	case TypeFailoverAuthRequest:
		return "FAILOVER_AUTH_REQUEST"
	case TypeFailoverAuthAck:
		return "FAILOVER_AUTH_ACK"
	case TypeMFStart:
		return "MFSTART"
	case TypeUpdate:
		return "UPDATE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint16(t))
	}
}

// State mirrors the cluster-wide {ok, fail} aggregate carried on the wire.
type State uint8

const (
	StateOK State = iota
	StateFail
)

// Flag bits carried in the header's message-flags byte.
const (
	FlagPaused    uint8 = 1 << 0 // manual failover: client writes paused (§4.7)
	FlagForcedAck uint8 = 1 << 1 // forced vote acknowledgement (§4.6, §4.7)
	FlagAsking    uint8 = 1 << 2 // ASK-acknowledgement flag on a request reaching the import target
)

// Header is the fixed frame header shared by every message type.
type Header struct {
	Type             MessageType
	Count            uint16 // number of gossip elements in the payload (MEET/PING/PONG)
	Sender           ID
	SenderPort       uint16
	ClaimedBitmap    [BitmapBytes]byte // sender's own slots (primary) or its primary's slots (replica)
	ReplicatesOf     ID                // zero if sender is a primary
	CurrentEpoch     uint64
	ConfigEpoch      uint64
	ReplOffset       uint64
	State            State
	Flags            uint8
}

// GossipElement is one entry of the bounded gossip sample carried by
// MEET/PING/PONG (spec §4.3): up to three randomly-chosen peers.
type GossipElement struct {
	ID               ID
	IP               [4]byte
	Port             uint16
	PeerFlags        uint8
	LastPingSentUnix uint32
	LastPongRecvUnix uint32
}

func (g *GossipElement) encode(buf []byte) {
	off := 0
	copy(buf[off:], g.ID[:])
	off += IDSize
	copy(buf[off:], g.IP[:])
	off += 4
	binary.LittleEndian.PutUint16(buf[off:], g.Port)
	off += 2
	buf[off] = g.PeerFlags
	off++
	binary.LittleEndian.PutUint32(buf[off:], g.LastPingSentUnix)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], g.LastPongRecvUnix)
	off += 4
	buf[off] = 0 // pad
}

func decodeGossipElement(buf []byte) GossipElement {
	var g GossipElement
	off := 0
	copy(g.ID[:], buf[off:off+IDSize])
	off += IDSize
	copy(g.IP[:], buf[off:off+4])
	off += 4
	g.Port = binary.LittleEndian.Uint16(buf[off:])
	off += 2
	g.PeerFlags = buf[off]
	off++
	g.LastPingSentUnix = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	g.LastPongRecvUnix = binary.LittleEndian.Uint32(buf[off:])
	return g
}

// Message is a decoded frame: the header plus its typed payload union.
// Exactly one of Gossip, FailTarget, Publish, or Update is meaningful,
// depending on Header.Type.
type Message struct {
	Header Header

	Gossip     []GossipElement // MEET, PING, PONG
	FailTarget ID              // FAIL
	Publish    PublishPayload  // PUBLISH
	Update     UpdatePayload   // UPDATE
}

// PublishPayload is the PUBLISH message's cross-cluster pub/sub relay
// payload. Its two length-prefixed fields are big-endian on the wire
// (spec §9), unlike every other integer in the frame.
type PublishPayload struct {
	Channel []byte
	Data    []byte
}

// UpdatePayload corrects a stale owner about newer ownership (§4.3).
type UpdatePayload struct {
	Target ID
	Epoch  uint64
	Bitmap [BitmapBytes]byte
}

var (
	ErrShortFrame  = errors.New("bus: frame shorter than header")
	ErrBadSig      = errors.New("bus: bad frame signature")
	ErrBadVersion  = errors.New("bus: unsupported frame version")
	ErrFrameTooBig = errors.New("bus: frame exceeds maximum size")
	ErrTruncated   = errors.New("bus: frame truncated relative to declared length")
)

// Encode serializes msg into a complete wire frame.
func Encode(msg *Message) ([]byte, error) {
	var payload []byte
	switch msg.Header.Type {
	case TypeMeet, TypePing, TypePong:
		if len(msg.Gossip) > 3 {
			return nil, fmt.Errorf("bus: gossip sample too large (%d > 3)", len(msg.Gossip))
		}
		payload = make([]byte, len(msg.Gossip)*GossipElementSize)
		for i := range msg.Gossip {
			msg.Gossip[i].encode(payload[i*GossipElementSize:])
		}
	case TypeFail:
		payload = append([]byte(nil), msg.FailTarget[:]...)
	case TypePublish:
		payload = encodePublish(msg.Publish)
	case TypeFailoverAuthRequest, TypeFailoverAuthAck, TypeMFStart:
		payload = nil
	case TypeUpdate:
		payload = make([]byte, IDSize+8+BitmapBytes)
		copy(payload, msg.Update.Target[:])
		binary.LittleEndian.PutUint64(payload[IDSize:], msg.Update.Epoch)
		copy(payload[IDSize+8:], msg.Update.Bitmap[:])
	default:
		return nil, fmt.Errorf("bus: unknown message type %d", msg.Header.Type)
	}

	total := HeaderSize + len(payload)
	if total > MaxFrameSize {
		return nil, ErrFrameTooBig
	}

	frame := make([]byte, total)
	off := 0
	copy(frame[off:], Signature[:])
	off += 4
	binary.LittleEndian.PutUint16(frame[off:], Version)
	off += 2
	binary.LittleEndian.PutUint32(frame[off:], uint32(total))
	off += 4
	binary.LittleEndian.PutUint16(frame[off:], uint16(msg.Header.Type))
	off += 2
	binary.LittleEndian.PutUint16(frame[off:], msg.Header.Count)
	off += 2
	copy(frame[off:], msg.Header.Sender[:])
	off += IDSize
	binary.LittleEndian.PutUint16(frame[off:], msg.Header.SenderPort)
	off += 2
	copy(frame[off:], msg.Header.ClaimedBitmap[:])
	off += BitmapBytes
	copy(frame[off:], msg.Header.ReplicatesOf[:])
	off += IDSize
	binary.LittleEndian.PutUint64(frame[off:], msg.Header.CurrentEpoch)
	off += 8
	binary.LittleEndian.PutUint64(frame[off:], msg.Header.ConfigEpoch)
	off += 8
	binary.LittleEndian.PutUint64(frame[off:], msg.Header.ReplOffset)
	off += 8
	frame[off] = uint8(msg.Header.State)
	off++
	frame[off] = msg.Header.Flags
	off++
	copy(frame[off:], payload)

	return frame, nil
}

func encodePublish(p PublishPayload) []byte {
	buf := make([]byte, 4+len(p.Channel)+4+len(p.Data))
	off := 0
	binary.BigEndian.PutUint32(buf[off:], uint32(len(p.Channel)))
	off += 4
	copy(buf[off:], p.Channel)
	off += len(p.Channel)
	binary.BigEndian.PutUint32(buf[off:], uint32(len(p.Data)))
	off += 4
	copy(buf[off:], p.Data)
	return buf
}

// PeekLength reads the declared total frame length out of a buffer that
// contains at least HeaderSize bytes, without validating anything else.
// Used by the link reader to know how much more to accumulate before a
// full Decode is attempted (spec §9: "parse only when the declared
// total length has arrived").
func PeekLength(buf []byte) (int, error) {
	if len(buf) < HeaderSize {
		return 0, ErrShortFrame
	}
	if buf[0] != Signature[0] || buf[1] != Signature[1] || buf[2] != Signature[2] || buf[3] != Signature[3] {
		return 0, ErrBadSig
	}
	total := int(binary.LittleEndian.Uint32(buf[6:10]))
	return total, nil
}

// Decode parses exactly one complete frame out of buf (len(buf) must
// equal the frame's declared total length).
func Decode(buf []byte) (*Message, error) {
	if len(buf) < HeaderSize {
		return nil, ErrShortFrame
	}
	if buf[0] != Signature[0] || buf[1] != Signature[1] || buf[2] != Signature[2] || buf[3] != Signature[3] {
		return nil, ErrBadSig
	}
	version := binary.LittleEndian.Uint16(buf[4:6])
	if version != Version {
		return nil, ErrBadVersion
	}
	total := int(binary.LittleEndian.Uint32(buf[6:10]))
	if total != len(buf) {
		return nil, ErrTruncated
	}

	var h Header
	off := 10
	h.Type = MessageType(binary.LittleEndian.Uint16(buf[off:]))
	off += 2
	h.Count = binary.LittleEndian.Uint16(buf[off:])
	off += 2
	copy(h.Sender[:], buf[off:off+IDSize])
	off += IDSize
	h.SenderPort = binary.LittleEndian.Uint16(buf[off:])
	off += 2
	copy(h.ClaimedBitmap[:], buf[off:off+BitmapBytes])
	off += BitmapBytes
	copy(h.ReplicatesOf[:], buf[off:off+IDSize])
	off += IDSize
	h.CurrentEpoch = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	h.ConfigEpoch = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	h.ReplOffset = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	h.State = State(buf[off])
	off++
	h.Flags = buf[off]
	off++

	payload := buf[off:]
	msg := &Message{Header: h}

	switch h.Type {
	case TypeMeet, TypePing, TypePong:
		if len(payload)%GossipElementSize != 0 {
			return nil, fmt.Errorf("bus: %s payload not a multiple of gossip element size", h.Type)
		}
		n := len(payload) / GossipElementSize
		msg.Gossip = make([]GossipElement, n)
		for i := 0; i < n; i++ {
			msg.Gossip[i] = decodeGossipElement(payload[i*GossipElementSize:])
		}
	case TypeFail:
		if len(payload) < IDSize {
			return nil, fmt.Errorf("bus: FAIL payload too short")
		}
		copy(msg.FailTarget[:], payload[:IDSize])
	case TypePublish:
		p, err := decodePublish(payload)
		if err != nil {
			return nil, err
		}
		msg.Publish = p
	case TypeFailoverAuthRequest, TypeFailoverAuthAck, TypeMFStart:
		// header only
	case TypeUpdate:
		if len(payload) < IDSize+8+BitmapBytes {
			return nil, fmt.Errorf("bus: UPDATE payload too short")
		}
		copy(msg.Update.Target[:], payload[:IDSize])
		msg.Update.Epoch = binary.LittleEndian.Uint64(payload[IDSize:])
		copy(msg.Update.Bitmap[:], payload[IDSize+8:IDSize+8+BitmapBytes])
	default:
		return nil, fmt.Errorf("bus: unknown message type %d", h.Type)
	}

	return msg, nil
}

func decodePublish(buf []byte) (PublishPayload, error) {
	if len(buf) < 4 {
		return PublishPayload{}, fmt.Errorf("bus: PUBLISH payload missing channel length")
	}
	chLen := int(binary.BigEndian.Uint32(buf))
	buf = buf[4:]
	if len(buf) < chLen+4 {
		return PublishPayload{}, fmt.Errorf("bus: PUBLISH payload truncated channel")
	}
	channel := append([]byte(nil), buf[:chLen]...)
	buf = buf[chLen:]
	dataLen := int(binary.BigEndian.Uint32(buf))
	buf = buf[4:]
	if len(buf) < dataLen {
		return PublishPayload{}, fmt.Errorf("bus: PUBLISH payload truncated data")
	}
	data := append([]byte(nil), buf[:dataLen]...)
	return PublishPayload{Channel: channel, Data: data}, nil
}
