package registry

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/docsync/replica"
)

// LiveDocument is the single in-memory handle for one canonical id. Every
// session attached to the id shares it.
type LiveDocument struct {
	id             string
	doc            *replica.Doc
	loadedAt       time.Time
	recoveredEmpty bool

	sessions atomic.Int64
	flushed  atomic.Int64 // doc.Len() at the last durable write
	pending  bool         // a retry job may exist; guarded by the slot lock

	peerMu    sync.Mutex
	peers     map[string]func(blob []byte)
	awareness map[string][]byte
}

func newLiveDocument(id string, now time.Time) *LiveDocument {
	return &LiveDocument{
		id:        id,
		doc:       replica.New(),
		loadedAt:  now,
		peers:     make(map[string]func([]byte)),
		awareness: make(map[string][]byte),
	}
}

// ID returns the canonical document id.
func (l *LiveDocument) ID() string { return l.id }

// Doc returns the shared replicated state.
func (l *LiveDocument) Doc() *replica.Doc { return l.doc }

// Sessions returns the number of attached sessions.
func (l *LiveDocument) Sessions() int { return int(l.sessions.Load()) }

// LoadedAt returns when the document was loaded into memory.
func (l *LiveDocument) LoadedAt() time.Time { return l.loadedAt }

// RecoveredEmpty reports that the stored snapshot could not be read and the
// document was started empty instead.
func (l *LiveDocument) RecoveredEmpty() bool { return l.recoveredEmpty }

func (l *LiveDocument) dirty() bool {
	return int64(l.doc.Len()) != l.flushed.Load()
}

// Join registers a session for awareness fan-out and returns the last
// awareness blob of every other session, for replay to the newcomer.
func (l *LiveDocument) Join(sessionID string, send func(blob []byte)) [][]byte {
	l.peerMu.Lock()
	defer l.peerMu.Unlock()
	l.peers[sessionID] = send
	replay := make([][]byte, 0, len(l.awareness))
	for sid, blob := range l.awareness {
		if sid != sessionID {
			replay = append(replay, blob)
		}
	}
	return replay
}

// Leave removes a session from awareness fan-out and forgets its state.
func (l *LiveDocument) Leave(sessionID string) {
	l.peerMu.Lock()
	defer l.peerMu.Unlock()
	delete(l.peers, sessionID)
	delete(l.awareness, sessionID)
}

// Relay records blob as the latest awareness state of sessionID and sends it
// to every other joined session. Awareness is never persisted.
func (l *LiveDocument) Relay(sessionID string, blob []byte) {
	cp := append([]byte(nil), blob...)

	l.peerMu.Lock()
	l.awareness[sessionID] = cp
	targets := make([]func([]byte), 0, len(l.peers))
	for sid, send := range l.peers {
		if sid != sessionID {
			targets = append(targets, send)
		}
	}
	l.peerMu.Unlock()

	for _, send := range targets {
		send(cp)
	}
}

// Status is a point-in-time view of a live document.
type Status struct {
	ID             string    `json:"id"`
	Sessions       int       `json:"sessions"`
	Updates        int       `json:"updates"`
	Bytes          int       `json:"bytes"`
	LoadedAt       time.Time `json:"loaded_at"`
	RecoveredEmpty bool      `json:"recovered_empty"`
	Dirty          bool      `json:"dirty"`
}

func (l *LiveDocument) status() Status {
	return Status{
		ID:             l.id,
		Sessions:       l.Sessions(),
		Updates:        l.doc.Len(),
		Bytes:          l.doc.Size(),
		LoadedAt:       l.loadedAt,
		RecoveredEmpty: l.recoveredEmpty,
		Dirty:          l.dirty(),
	}
}
