// Package wsfeed drives a dom.MemDocument from a browser shim's WebSocket
// stream. One socket is one page is one document; the socket's delivery order
// is the serialization guarantee the capture engine relies on.
package wsfeed

import (
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/captrail/captrail/pkg/dom"
	"github.com/captrail/captrail/pkg/logging"
)

// Default cadence of synthetic frame ticks when the shim sends none. 250ms is
// far slower than the render loop but fast enough for anchor polling.
const defaultFrameInterval = 250 * time.Millisecond

// Session is one connected shim.
type Session struct {
	ID  uuid.UUID
	doc *dom.MemDocument

	conn          *websocket.Conn
	log           logging.Logger
	frameInterval time.Duration
}

// NewSession wraps an upgraded WebSocket connection.
func NewSession(conn *websocket.Conn, log logging.Logger) *Session {
	id := uuid.New()
	return &Session{
		ID:            id,
		doc:           dom.NewMemDocument(),
		conn:          conn,
		log:           log.With(logging.F("session_id", id.String())),
		frameInterval: defaultFrameInterval,
	}
}

// Document returns the session's document.
func (s *Session) Document() dom.Document {
	return s.doc
}

// WaitHello blocks until the hello envelope arrives (or the socket fails) and
// returns the announced platform. The adapter for the session is chosen from
// this value, so it must be read before capture starts.
func (s *Session) WaitHello(timeout time.Duration) (string, error) {
	if err := s.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return "", err
	}
	var env dom.Envelope
	if err := s.conn.ReadJSON(&env); err != nil {
		return "", err
	}
	_ = s.conn.SetReadDeadline(time.Time{})
	s.doc.Feed(env)
	return s.doc.Platform(), nil
}

// Run reads envelopes until the socket drops or the shim sends unload, then
// closes the document. A socket drop mid-meeting is the host-page-unload
// path: the document closes and the adapter runs its end-of-meeting teardown.
func (s *Session) Run() {
	stopTicks := make(chan struct{})
	go s.frameTicker(stopTicks)
	defer close(stopTicks)
	defer s.doc.Close()

	for {
		var env dom.Envelope
		if err := s.conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Warn("shim socket dropped", logging.Err(err))
			} else {
				s.log.Debug("shim socket closed", logging.Err(err))
			}
			return
		}
		s.doc.Feed(env)
		if env.Type == dom.EnvelopeUnload {
			return
		}
	}
}

// frameTicker emits synthetic frame ticks so WaitForElement polling advances
// even when the shim only sends frames while the tab is visible.
func (s *Session) frameTicker(stop <-chan struct{}) {
	ticker := time.NewTicker(s.frameInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.doc.Feed(dom.Envelope{Type: dom.EnvelopeFrame})
		}
	}
}

// Close tears the socket down.
func (s *Session) Close() error {
	return s.conn.Close()
}
