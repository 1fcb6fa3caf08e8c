// Package replica is the in-memory replicated document held by the gateway.
//
// The gateway never interprets edits. A Doc is the set of opaque updates
// produced by the editing clients' CRDT library; each update is identified by
// the BLAKE2b-256 hash of its bytes. Merging two states is set union, so
// ApplyUpdate is commutative and idempotent and every peer that replays the
// full set converges to the same client-side document.
//
// Updates travel as bundles: a protobuf-encoded message with one repeated
// bytes field (field 1). EncodeState returns the bundle of every update and is
// the snapshot payload persisted by the registry.
package replica

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/blake2b"
	"google.golang.org/protobuf/encoding/protowire"
)

// ErrMalformed is returned when a bundle cannot be decoded.
var ErrMalformed = errors.New("replica: malformed update bundle")

const bundleUpdatesField protowire.Number = 1

// ID identifies an update by the hash of its bytes.
type ID [blake2b.Size256]byte

// String returns the lowercase hex form of the id.
func (id ID) String() string { return hex.EncodeToString(id[:]) }

// Hash returns the ID of an update.
func Hash(update []byte) ID {
	return ID(blake2b.Sum256(update))
}

// UpdateFunc observes updates that changed a Doc. bundle holds only the
// updates that were new to the Doc; origin is whatever the caller passed to
// ApplyUpdate.
type UpdateFunc func(bundle []byte, origin any)

// Doc is a mergeable document. It is safe for concurrent use.
type Doc struct {
	mu      sync.RWMutex
	updates map[ID][]byte
	order   []ID
	bytes   int

	subMu   sync.Mutex
	subs    map[uint64]UpdateFunc
	nextSub uint64
}

// New returns an empty Doc.
func New() *Doc {
	return &Doc{
		updates: make(map[ID][]byte),
		subs:    make(map[uint64]UpdateFunc),
	}
}

// ApplyUpdate merges an encoded bundle into the Doc. Updates already present
// are ignored. Subscribers are notified with the new updates only, after the
// Doc lock is released.
func (d *Doc) ApplyUpdate(bundle []byte, origin any) error {
	incoming, err := DecodeUpdates(bundle)
	if err != nil {
		return err
	}

	var added [][]byte
	d.mu.Lock()
	for _, u := range incoming {
		id := Hash(u)
		if _, ok := d.updates[id]; ok {
			continue
		}
		cp := append([]byte(nil), u...)
		d.updates[id] = cp
		d.order = append(d.order, id)
		d.bytes += len(cp)
		added = append(added, cp)
	}
	d.mu.Unlock()

	if len(added) == 0 {
		return nil
	}
	d.notify(EncodeUpdates(added...), origin)
	return nil
}

// EncodeState returns the bundle of every update, in arrival order.
func (d *Doc) EncodeState() []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var b []byte
	for _, id := range d.order {
		b = appendUpdate(b, d.updates[id])
	}
	return b
}

// StateVector returns the ids of every update held, in arrival order.
func (d *Doc) StateVector() []ID {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]ID(nil), d.order...)
}

// EncodeMissing returns the bundle of updates whose id is not in known.
func (d *Doc) EncodeMissing(known []ID) []byte {
	have := make(map[ID]struct{}, len(known))
	for _, id := range known {
		have[id] = struct{}{}
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	var b []byte
	for _, id := range d.order {
		if _, ok := have[id]; ok {
			continue
		}
		b = appendUpdate(b, d.updates[id])
	}
	return b
}

// Updates returns a copy of every update, in arrival order.
func (d *Doc) Updates() [][]byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([][]byte, 0, len(d.order))
	for _, id := range d.order {
		out = append(out, append([]byte(nil), d.updates[id]...))
	}
	return out
}

// Len returns the number of updates held.
func (d *Doc) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.order)
}

// Size returns the total size in bytes of the updates held.
func (d *Doc) Size() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.bytes
}

// Subscribe registers fn for update events. The returned func removes it.
// fn must not block: it runs on the goroutine that applied the update.
func (d *Doc) Subscribe(fn UpdateFunc) (cancel func()) {
	d.subMu.Lock()
	id := d.nextSub
	d.nextSub++
	d.subs[id] = fn
	d.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.subMu.Lock()
			delete(d.subs, id)
			d.subMu.Unlock()
		})
	}
}

func (d *Doc) notify(bundle []byte, origin any) {
	d.subMu.Lock()
	fns := make([]UpdateFunc, 0, len(d.subs))
	for _, fn := range d.subs {
		fns = append(fns, fn)
	}
	d.subMu.Unlock()

	for _, fn := range fns {
		fn(bundle, origin)
	}
}

// EncodeUpdates packs raw updates into a bundle. Empty updates are dropped.
func EncodeUpdates(updates ...[]byte) []byte {
	var b []byte
	for _, u := range updates {
		b = appendUpdate(b, u)
	}
	return b
}

// DecodeUpdates unpacks a bundle. Unknown fields are skipped. An empty bundle
// decodes to no updates.
func DecodeUpdates(b []byte) ([][]byte, error) {
	var out [][]byte
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		if num == bundleUpdatesField && typ == protowire.BytesType {
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
			}
			if len(v) > 0 {
				out = append(out, v)
			}
			b = b[n:]
			continue
		}

		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]
	}
	return out, nil
}

func appendUpdate(b, u []byte) []byte {
	if len(u) == 0 {
		return b
	}
	b = protowire.AppendTag(b, bundleUpdatesField, protowire.BytesType)
	return protowire.AppendBytes(b, u)
}
