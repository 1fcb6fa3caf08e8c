package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hazyhaar/docsync/kit"
	"github.com/hazyhaar/docsync/observability"
	"github.com/hazyhaar/docsync/registry"
	"github.com/hazyhaar/docsync/shield"
	"github.com/hazyhaar/docsync/syncproto"
)

// Close reasons sent to clients refused before attaching.
const (
	ReasonIdentityUnavailable = "identity unavailable"
	ReasonDocumentUnavailable = "document unavailable"
)

var errSlowConsumer = errors.New("gateway: send buffer full")

// session is one websocket connection attached to one live document.
type session struct {
	srv  *Server
	conn *websocket.Conn
	log  *slog.Logger

	id         string
	name       string
	docID      string
	user       string
	remote     string
	attachedAt time.Time

	ld   *registry.LiveDocument
	peer *syncproto.Peer

	ctx    context.Context
	cancel context.CancelCauseFunc
	send   chan []byte

	// deadlineMu orders read deadline extensions against the expiry set
	// when the session ends.
	deadlineMu sync.Mutex

	releaseOnce sync.Once
}

// serveConn runs one upgraded connection to completion. It returns once the
// session has been released.
func (s *Server) serveConn(reqCtx context.Context, conn *websocket.Conn, name string) {
	if !s.admit() {
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down")
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.cfg.WriteTimeout))
		conn.Close()
		return
	}
	defer s.wg.Done()

	// The session outlives the HTTP handler's cancellation semantics but not
	// the server.
	ctx, cancel := context.WithCancelCause(context.WithoutCancel(reqCtx))
	stopOnClose := context.AfterFunc(s.closing, func() { cancel(errShutdown) })
	defer stopOnClose()
	defer cancel(nil)

	sess := &session{
		srv:    s,
		conn:   conn,
		id:     s.newID(),
		name:   name,
		user:   kit.GetUserID(reqCtx),
		remote: kit.GetRemoteAddr(reqCtx),
		cancel: cancel,
		send:   make(chan []byte, s.cfg.SendBuffer),
	}
	ctx = kit.WithSessionID(ctx, sess.id)
	ctx = kit.WithTransport(ctx, "ws")
	sess.ctx = ctx
	sess.log = shield.GetLogger(reqCtx).With("session", sess.id, "name", name, "user", sess.user)

	conn.SetReadLimit(s.cfg.MaxMessageBytes)

	docID, err := s.resolver.Resolve(ctx, name)
	if err != nil {
		sess.log.Error("gateway: identity resolution failed", "error", err)
		sess.refuse(ReasonIdentityUnavailable)
		return
	}
	sess.docID = docID
	sess.log = sess.log.With("doc", docID)

	ld, err := s.reg.Acquire(ctx, docID)
	if err != nil {
		sess.log.Error("gateway: document acquire failed", "error", err)
		sess.refuse(ReasonDocumentUnavailable)
		return
	}
	sess.ld = ld
	sess.run()
}

var errShutdown = errors.New("gateway: shutting down")

// refuse closes a connection that never attached, with 1011 and reason.
func (sess *session) refuse(reason string) {
	s := sess.srv
	s.metrics.RecordSimple(observability.MetricSessionsRefused, 1, "count")
	s.events.Log(&observability.SessionEvent{
		Event:        observability.EventRefused,
		DocumentID:   sess.docID,
		DocumentName: sess.name,
		SessionID:    sess.id,
		UserID:       sess.user,
		RemoteAddr:   sess.remote,
		Reason:       reason,
	})
	msg := websocket.FormatCloseMessage(websocket.CloseInternalServerErr, reason)
	sess.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.cfg.WriteTimeout))
	sess.conn.Close()
}

func (sess *session) run() {
	s := sess.srv
	sess.attachedAt = time.Now()
	sess.peer = syncproto.NewPeer(sess.ld.Doc(), sess)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		sess.writePump()
	}()

	unsubscribe := sess.ld.Doc().Subscribe(func(bundle []byte, origin any) {
		if origin == sess {
			return
		}
		sess.enqueue(syncproto.UpdateFrame(bundle))
	})
	replay := sess.ld.Join(sess.id, func(blob []byte) {
		sess.enqueue(syncproto.AwarenessFrame(blob))
	})

	sess.enqueue(sess.peer.Hello())
	for _, blob := range replay {
		sess.enqueue(syncproto.AwarenessFrame(blob))
	}

	s.metrics.RecordSimple(observability.MetricSessionsAttached, 1, "count")
	s.events.Log(&observability.SessionEvent{
		Event:        observability.EventAttach,
		DocumentID:   sess.docID,
		DocumentName: sess.name,
		SessionID:    sess.id,
		UserID:       sess.user,
		RemoteAddr:   sess.remote,
	})
	sess.log.Info("gateway: session attached", "sessions", sess.ld.Sessions())

	pongWait := 2 * s.cfg.PingInterval
	sess.extendRead(pongWait)
	sess.conn.SetPongHandler(func(string) error {
		return sess.extendRead(pongWait)
	})
	// Unblock the reader when the session ends from elsewhere.
	stopUnblock := context.AfterFunc(sess.ctx, sess.expireRead)

	readErr := sess.readPump()
	sess.cancel(readErr)
	stopUnblock()
	<-writerDone

	unsubscribe()
	sess.ld.Leave(sess.id)
	sess.conn.Close()
	sess.release(context.Cause(sess.ctx))
}

// release detaches the session from the registry exactly once.
func (sess *session) release(cause error) {
	sess.releaseOnce.Do(func() {
		s := sess.srv
		if err := s.reg.Release(context.WithoutCancel(sess.ctx), sess.docID); err != nil {
			sess.log.Error("gateway: release failed", "error", err)
		}
		dur := time.Since(sess.attachedAt)
		reason := ""
		if cause != nil {
			reason = cause.Error()
		}
		s.metrics.RecordSimple(observability.MetricSessionsDetached, 1, "count")
		s.metrics.Record(&observability.Metric{
			Name:   observability.MetricSessionDuration,
			Value:  float64(dur.Milliseconds()),
			Unit:   "milliseconds",
			Labels: map[string]string{"doc": sess.docID},
		})
		s.events.Log(&observability.SessionEvent{
			Event:        observability.EventDetach,
			DocumentID:   sess.docID,
			DocumentName: sess.name,
			SessionID:    sess.id,
			UserID:       sess.user,
			RemoteAddr:   sess.remote,
			Reason:       reason,
			DurationMs:   dur.Milliseconds(),
		})
		sess.log.Info("gateway: session detached", "reason", reason, "duration_ms", dur.Milliseconds())
	})
}

// enqueue queues a frame for the writer. A session that cannot keep up is
// closed rather than allowed to stall the document.
func (sess *session) enqueue(frame []byte) {
	select {
	case <-sess.ctx.Done():
	case sess.send <- frame:
	default:
		sess.log.Warn("gateway: closing slow session")
		sess.cancel(errSlowConsumer)
	}
}

// extendRead pushes the read deadline d into the future, unless the session
// has ended, in which case the deadline stays expired.
func (sess *session) extendRead(d time.Duration) error {
	sess.deadlineMu.Lock()
	defer sess.deadlineMu.Unlock()
	if sess.ctx.Err() != nil {
		return sess.conn.SetReadDeadline(time.Now())
	}
	return sess.conn.SetReadDeadline(time.Now().Add(d))
}

// expireRead makes a blocked or future read fail at once.
func (sess *session) expireRead() {
	sess.deadlineMu.Lock()
	defer sess.deadlineMu.Unlock()
	sess.conn.SetReadDeadline(time.Now())
}

// readPump handles inbound frames until the connection fails or the session
// ends, and returns why it stopped.
func (sess *session) readPump() error {
	s := sess.srv
	for {
		mt, data, err := sess.conn.ReadMessage()
		if err != nil {
			if cause := context.Cause(sess.ctx); cause != nil {
				return cause
			}
			return err
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		s.metrics.RecordSimple(observability.MetricMessagesIn, 1, "count")

		kind, payload, err := syncproto.ParseFrame(data)
		if err != nil {
			sess.log.Debug("gateway: dropping frame", "error", err)
			continue
		}
		switch kind {
		case syncproto.KindSync:
			reply, err := sess.peer.Handle(payload)
			if err != nil {
				sess.log.Warn("gateway: bad sync message", "error", err)
				continue
			}
			if reply != nil {
				sess.enqueue(reply)
			}
		case syncproto.KindAwareness:
			sess.ld.Relay(sess.id, payload)
		}
	}
}

// writePump writes queued frames and keepalive pings, and sends a close frame
// when the session ends on the server side.
func (sess *session) writePump() {
	s := sess.srv
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sess.ctx.Done():
			code, text := websocket.CloseNormalClosure, ""
			switch context.Cause(sess.ctx) {
			case errShutdown:
				code, text = websocket.CloseGoingAway, "server shutting down"
			case errSlowConsumer:
				code, text = websocket.ClosePolicyViolation, "send buffer full"
			}
			msg := websocket.FormatCloseMessage(code, text)
			sess.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.cfg.WriteTimeout))
			return
		case frame := <-sess.send:
			sess.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := sess.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				sess.cancel(err)
				return
			}
		case <-ticker.C:
			if err := sess.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.WriteTimeout)); err != nil {
				sess.cancel(err)
				return
			}
		}
	}
}
