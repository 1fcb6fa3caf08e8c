// Package syncproto is the per-connection sync and awareness bridge between a
// websocket peer and a replica.Doc.
//
// Every binary frame starts with one kind byte:
//
//	0  sync       remainder is a protobuf-encoded Message
//	1  awareness  remainder is an opaque presence blob, relayed but never stored
//
// The sync exchange mirrors the usual two-step handshake. Each side sends a
// step-1 request carrying the ids it already holds; the other side answers
// with a step-2 reply carrying the updates the requester is missing. After the
// handshake, local edits travel as update messages.
package syncproto

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/hazyhaar/docsync/replica"
)

// Kind is the first byte of every frame.
type Kind byte

const (
	KindSync      Kind = 0
	KindAwareness Kind = 1
)

func (k Kind) String() string {
	switch k {
	case KindSync:
		return "sync"
	case KindAwareness:
		return "awareness"
	default:
		return fmt.Sprintf("kind(%d)", byte(k))
	}
}

// Step identifies a sync message.
type Step uint64

const (
	StepRequest Step = 1 // carries the sender's state vector
	StepReply   Step = 2 // carries the updates the requester lacks
	StepUpdate  Step = 3 // carries freshly applied updates
)

var (
	ErrEmptyFrame  = errors.New("syncproto: empty frame")
	ErrUnknownKind = errors.New("syncproto: unknown frame kind")
	ErrUnknownStep = errors.New("syncproto: unknown sync step")
	ErrMalformed   = errors.New("syncproto: malformed sync message")
)

const (
	fieldStep    protowire.Number = 1
	fieldVector  protowire.Number = 2
	fieldUpdates protowire.Number = 3
)

// Message is one sync message.
type Message struct {
	Step        Step
	StateVector []replica.ID
	Updates     []byte // replica bundle
}

// Marshal encodes m.
func (m Message) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldStep, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Step))
	for _, id := range m.StateVector {
		b = protowire.AppendTag(b, fieldVector, protowire.BytesType)
		b = protowire.AppendBytes(b, id[:])
	}
	if len(m.Updates) > 0 {
		b = protowire.AppendTag(b, fieldUpdates, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Updates)
	}
	return b
}

// Unmarshal decodes a sync message. Unknown fields are skipped.
func Unmarshal(b []byte) (Message, error) {
	var m Message
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Message{}, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldStep && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Message{}, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
			}
			m.Step = Step(v)
			b = b[n:]
		case num == fieldVector && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Message{}, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
			}
			if len(v) != len(replica.ID{}) {
				return Message{}, fmt.Errorf("%w: state vector entry of %d bytes", ErrMalformed, len(v))
			}
			var id replica.ID
			copy(id[:], v)
			m.StateVector = append(m.StateVector, id)
			b = b[n:]
		case num == fieldUpdates && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Message{}, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
			}
			m.Updates = append([]byte(nil), v...)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Message{}, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return m, nil
}

// Frame prefixes payload with its kind byte.
func Frame(kind Kind, payload []byte) []byte {
	out := make([]byte, 1+len(payload))
	out[0] = byte(kind)
	copy(out[1:], payload)
	return out
}

// ParseFrame splits a frame into its kind and payload.
func ParseFrame(frame []byte) (Kind, []byte, error) {
	if len(frame) == 0 {
		return 0, nil, ErrEmptyFrame
	}
	k := Kind(frame[0])
	if k != KindSync && k != KindAwareness {
		return k, nil, fmt.Errorf("%w: %d", ErrUnknownKind, frame[0])
	}
	return k, frame[1:], nil
}

// SyncFrame encodes m as a sync frame.
func SyncFrame(m Message) []byte {
	return Frame(KindSync, m.Marshal())
}

// UpdateFrame wraps a replica bundle as a sync update frame.
func UpdateFrame(bundle []byte) []byte {
	return SyncFrame(Message{Step: StepUpdate, Updates: bundle})
}

// AwarenessFrame wraps an awareness blob.
func AwarenessFrame(blob []byte) []byte {
	return Frame(KindAwareness, blob)
}

// Peer is one connection's side of the sync exchange against a Doc.
type Peer struct {
	doc    *replica.Doc
	origin any
}

// NewPeer binds a connection, identified by origin, to doc. origin is passed
// to ApplyUpdate so the connection can skip echoes of its own edits.
func NewPeer(doc *replica.Doc, origin any) *Peer {
	return &Peer{doc: doc, origin: origin}
}

// Hello returns the step-1 frame the server sends when a connection attaches.
func (p *Peer) Hello() []byte {
	return SyncFrame(Message{Step: StepRequest, StateVector: p.doc.StateVector()})
}

// Handle applies one sync payload (a frame without its kind byte) and returns
// the frame to send back, or nil when no reply is due.
func (p *Peer) Handle(payload []byte) ([]byte, error) {
	m, err := Unmarshal(payload)
	if err != nil {
		return nil, err
	}
	switch m.Step {
	case StepRequest:
		return SyncFrame(Message{Step: StepReply, Updates: p.doc.EncodeMissing(m.StateVector)}), nil
	case StepReply, StepUpdate:
		if err := p.doc.ApplyUpdate(m.Updates, p.origin); err != nil {
			return nil, fmt.Errorf("syncproto: apply: %w", err)
		}
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownStep, m.Step)
	}
}
