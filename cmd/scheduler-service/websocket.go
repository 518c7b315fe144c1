package main

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/slidequeue/scheduler/pkg/model"
	"github.com/slidequeue/scheduler/pkg/progressbus"
)

// wsSubscriber adapts a *websocket.Conn to progressbus.Subscriber with a
// per-client buffered channel and a dedicated writer goroutine.
// gorilla/websocket connections don't tolerate concurrent writers, so
// every Send funnels through that one goroutine rather than calling
// conn.WriteJSON directly from the bus's broadcasting goroutine.
type wsSubscriber struct {
	conn    *websocket.Conn
	outbox  chan progressbus.Envelope
	closeCh chan struct{}
	once    sync.Once
}

func newWSSubscriber(conn *websocket.Conn) *wsSubscriber {
	s := &wsSubscriber{
		conn:    conn,
		outbox:  make(chan progressbus.Envelope, 64),
		closeCh: make(chan struct{}),
	}
	go s.writeLoop()
	return s
}

// Send implements progressbus.Subscriber. It never blocks: a full
// outbox means the client is too slow and the envelope is dropped,
// matching the bus's no-buffering-for-offline-subscribers contract.
func (s *wsSubscriber) Send(e progressbus.Envelope) error {
	select {
	case <-s.closeCh:
		return errClosed
	default:
	}
	select {
	case s.outbox <- e:
		return nil
	default:
		return nil
	}
}

func (s *wsSubscriber) writeLoop() {
	for {
		select {
		case <-s.closeCh:
			return
		case env := <-s.outbox:
			if err := s.conn.WriteJSON(env); err != nil {
				s.close()
				return
			}
		}
	}
}

func (s *wsSubscriber) close() {
	s.once.Do(func() { close(s.closeCh) })
}

var errClosed = &closedError{}

type closedError struct{}

func (*closedError) Error() string { return "subscriber closed" }

// handleWebSocket upgrades the connection and subscribes it to the
// caller's tenant progress stream for its lifetime; there is no replay
// on reconnect. Reading is only used to detect client disconnect.
//
// Tenant identity arrives as a ?tenant= query parameter rather than the
// X-User-ID header used elsewhere: browser WebSocket clients cannot set
// custom headers on the upgrade request, so the route table carries the
// tenant in the URL instead.
func (s *server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	tenant := r.URL.Query().Get("tenant")
	if tenant == "" {
		writeError(w, model.Unauthenticated("missing tenant query parameter"))
		return
	}

	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", map[string]interface{}{"error": err.Error()})
		return
	}

	sub := newWSSubscriber(conn)
	s.bus.Subscribe(tenant, sub)
	defer func() {
		s.bus.Unsubscribe(tenant, sub)
		sub.close()
		conn.Close()
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
