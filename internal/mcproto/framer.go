package mcproto

import (
	"errors"
	"fmt"
	"time"
)

// Framer reassembles the server's reply stream into status and pong events.
// TCP gives no packet boundaries, so chunks arrive split or merged
// arbitrarily; Feed accumulates them and walks a three-state machine:
//
//	awaitMeta -> awaitBody -> pingExpected
//
// awaitMeta parses the leading VarInt length prefix, awaitBody waits for the
// full frame and extracts the status JSON, pingExpected watches for the
// 9-byte pong frame (tolerating servers that pack the pong into the same
// chunk as the status reply).
type Framer struct {
	buf   []byte
	state framerState

	dataLength int
	fullLength int

	pingSentAt time.Time
	now        func() time.Time
}

type framerState int

const (
	stateAwaitMeta framerState = iota
	stateAwaitBody
	statePingExpected
	stateDone
)

// ErrOversizedPacket is returned when the announced frame exceeds
// MaxPacketBytes.
var ErrOversizedPacket = errors.New("mcproto: oversized packet")

// EventKind discriminates Framer events.
type EventKind int

const (
	// EventStatus carries the decoded status JSON string.
	EventStatus EventKind = iota
	// EventPong carries the measured ping latency.
	EventPong
)

// Event is one parsed protocol occurrence produced by Feed.
type Event struct {
	Kind    EventKind
	Status  string
	Latency time.Duration
}

// NewFramer returns a Framer using the wall clock. Tests inject a fake
// clock via NewFramerWithClock.
func NewFramer() *Framer {
	return NewFramerWithClock(time.Now)
}

func NewFramerWithClock(now func() time.Time) *Framer {
	return &Framer{now: now}
}

// MarkPingSent records the ping send time and arms pong detection. Bytes
// already buffered are re-examined immediately, so a pong the server
// streamed together with the status reply is still caught.
func (f *Framer) MarkPingSent() ([]Event, error) {
	f.pingSentAt = f.now()
	f.state = statePingExpected
	return f.advance()
}

// Feed appends a received chunk and returns any events that became
// complete. A FrameError (malformed VarInt, oversized frame) is terminal
// for the connection.
func (f *Framer) Feed(chunk []byte) ([]Event, error) {
	f.buf = append(f.buf, chunk...)
	return f.advance()
}

func (f *Framer) advance() ([]Event, error) {
	var events []Event
	for {
		switch f.state {
		case stateAwaitMeta:
			length, n, ok, err := ReadVarInt(f.buf, 0)
			if err != nil {
				return events, err
			}
			if !ok {
				return events, nil
			}
			f.dataLength = int(length)
			f.fullLength = n + f.dataLength
			if f.fullLength > MaxPacketBytes {
				return events, fmt.Errorf("%w: %d bytes", ErrOversizedPacket, f.fullLength)
			}
			f.state = stateAwaitBody

		case stateAwaitBody:
			if len(f.buf) < f.fullLength {
				return events, nil
			}
			status, err := f.parseStatusFrame()
			if err != nil {
				return events, err
			}
			events = append(events, Event{Kind: EventStatus, Status: status})
			f.buf = f.buf[f.fullLength:]
			f.state = stateDone

		case statePingExpected:
			length, n, ok, err := ReadVarInt(f.buf, 0)
			if err != nil {
				return events, err
			}
			if !ok {
				return events, nil
			}
			full := n + int(length)
			if full > MaxPacketBytes {
				return events, fmt.Errorf("%w: %d bytes", ErrOversizedPacket, full)
			}
			if len(f.buf) < full {
				return events, nil
			}
			id, _, err := mustReadVarInt(f.buf, n)
			if err != nil {
				return events, err
			}
			if length == 9 && id == packetIDPong {
				events = append(events, Event{Kind: EventPong, Latency: f.now().Sub(f.pingSentAt)})
				f.buf = f.buf[full:]
				f.state = stateDone
				return events, nil
			}
			// Not the pong; drop the stray frame and keep looking.
			f.buf = f.buf[full:]

		case stateDone:
			return events, nil
		}
	}
}

// parseStatusFrame decodes one complete status-reply frame sitting at the
// head of the buffer: VarInt(len) · VarInt(id=0) · VarInt(strlen) · JSON.
func (f *Framer) parseStatusFrame() (string, error) {
	offset := f.fullLength - f.dataLength

	id, n, err := mustReadVarInt(f.buf, offset)
	if err != nil {
		return "", err
	}
	if id != packetIDStatusReply {
		return "", fmt.Errorf("mcproto: unexpected packet id 0x%02X, want status reply", id)
	}
	offset += n

	strLen, n, err := mustReadVarInt(f.buf, offset)
	if err != nil {
		return "", err
	}
	offset += n

	if offset+int(strLen) > f.fullLength {
		return "", fmt.Errorf("mcproto: status string length %d exceeds frame", strLen)
	}
	return string(f.buf[offset : offset+int(strLen)]), nil
}
