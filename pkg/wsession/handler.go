// Package wsession serves the /ws endpoint: echo and heartbeat for anonymous
// clients, per-user broadcast for clients holding a validated session key.
package wsession

import (
	"net/http"
	"sync"
	"time"

	"github.com/pdm-pw/pdm-sync-server/pkg/errors"
	"github.com/pdm-pw/pdm-sync-server/pkg/logging"
	"github.com/pdm-pw/pdm-sync-server/pkg/metrics"

	"github.com/gorilla/websocket"
)

const (
	maxMessageSize = 64 * 1024

	EchoPrefix      = "Echo: "
	HeartbeatPrefix = "Heartbeat: "
)

// HealthSummary renders the text carried by heartbeats
type HealthSummary interface {
	Summary() string
}

type Options struct {
	HeartbeatInterval time.Duration
	IdleTimeout       time.Duration
	// Validator enables session-key mode when non-nil
	Validator Validator
}

type Handler struct {
	options  Options
	registry *Registry
	health   HealthSummary
	meter    *metrics.Metrics
	logger   logging.Logger
	upgrader websocket.Upgrader
	now      func() time.Time

	// closing is set by CloseAll; wg counts in-flight ServeHTTP calls
	mutex   sync.Mutex
	closing bool
	wg      sync.WaitGroup
}

func NewHandler(options Options, registry *Registry, health HealthSummary, m *metrics.Metrics, logger logging.Logger) *Handler {
	return &Handler{
		options:  options,
		registry: registry,
		health:   health,
		meter:    m,
		logger:   logger,
		now:      time.Now,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// clients connect from native apps without a browser origin
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mutex.Lock()
	if h.closing {
		h.mutex.Unlock()
		h.reject(w, errors.NewCancelledError("server shutting down", nil))
		return
	}
	h.wg.Add(1)
	h.mutex.Unlock()
	defer h.wg.Done()

	userID, release, err := h.admit(r)
	if err != nil {
		h.reject(w, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client
		h.logger.Warnf("WebSocket upgrade failed, remote: %s, error: %v", r.RemoteAddr, err)
		if release != nil {
			release()
		}
		return
	}
	conn.SetReadLimit(maxMessageSize)

	session := newSession(conn, userID, h.now(), h.meter)
	if !h.track(session) {
		if release != nil {
			release()
		}
		h.logger.Infof("WebSocket session refused during shutdown, remote: %s", r.RemoteAddr)
		session.Close(websocket.CloseGoingAway, "server shutting down")
		return
	}
	h.meter.WebsocketOpened()

	h.logger.Infof("WebSocket session established, session: %s, user: %s, remote: %s", session.ID(), session.UserID(), r.RemoteAddr)
	h.serve(session, userID != "")
}

// track registers the session unless CloseAll has already taken its snapshot
func (h *Handler) track(session *Session) bool {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if h.closing {
		return false
	}
	h.registry.Add(session)
	return true
}

// admit runs the session-key check and reserves a registry slot. Anonymous
// sessions are not capped.
func (h *Handler) admit(r *http.Request) (string, func(), error) {
	if h.options.Validator == nil {
		return "", nil, nil
	}

	sessionKey := r.Header.Get(SessionKeyHeader)
	if sessionKey == "" {
		return "", nil, errors.NewUnauthorizedError("missing "+SessionKeyHeader+" header", nil)
	}

	valid, err := h.options.Validator.Validate(r.Context(), sessionKey)
	if err != nil {
		return "", nil, err
	}
	if !valid {
		return "", nil, errors.NewUnauthorizedError("session key rejected", nil)
	}

	userID := userIDFromSessionKey(sessionKey)
	release, err := h.registry.Reserve(userID)
	if err != nil {
		return "", nil, err
	}
	return userID, release, nil
}

// userIDFromSessionKey maps a key to the user it belongs to. The user service
// issues one key per user, so the key itself identifies the user.
func userIDFromSessionKey(sessionKey string) string {
	return sessionKey
}

func (h *Handler) reject(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	reason := "internal"
	switch errors.TypeOf(err) {
	case errors.ErrorTypeUnauthorized:
		status, reason = http.StatusUnauthorized, "unauthorized"
	case errors.ErrorTypeConflict:
		status, reason = http.StatusTooManyRequests, "session_limit"
	case errors.ErrorTypeNetwork, errors.ErrorTypeValidation:
		status, reason = http.StatusBadGateway, "validation_unavailable"
	case errors.ErrorTypeCancelled:
		status, reason = http.StatusServiceUnavailable, "shutting_down"
	}
	h.meter.WebsocketRejected(reason)
	h.logger.Warnf("WebSocket session refused, status: %d, error: %v", status, err)
	http.Error(w, http.StatusText(status), status)
}

func (h *Handler) serve(session *Session, broadcast bool) {
	done := make(chan struct{})
	go h.keepAlive(session, done)

	defer func() {
		close(done)
		session.Close(websocket.CloseNormalClosure, "")
		h.registry.Remove(session)
		h.meter.WebsocketClosed()
		h.logger.Infof("WebSocket session terminated, session: %s, user: %s", session.ID(), session.UserID())
	}()

	for {
		messageType, payload, err := session.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				h.logger.Warnf("Error in WebSocket session, session: %s, error: %v", session.ID(), err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		session.Touch(h.now())
		h.meter.WebsocketReceived()
		text := string(payload)
		h.logger.Debugf("Received message on session %s: %s", session.ID(), text)

		if broadcast {
			h.broadcast(session.UserID(), text)
			continue
		}
		if err := session.Send(EchoPrefix + text); err != nil {
			h.logger.Errorf("Error sending echo, session: %s, error: %v", session.ID(), err)
			return
		}
	}
}

// broadcast relays a message to every session of the user, the sender included
func (h *Handler) broadcast(userID, text string) {
	for _, s := range h.registry.Sessions(userID) {
		if err := s.Send(text); err != nil {
			h.logger.Warnf("Error relaying message, session: %s, error: %v", s.ID(), err)
		}
	}
}

// keepAlive sends heartbeats and closes the session once it has been idle too long
func (h *Handler) keepAlive(session *Session, done <-chan struct{}) {
	heartbeat := time.NewTicker(h.options.HeartbeatInterval)
	defer heartbeat.Stop()
	idleCheck := time.NewTicker(idleCheckInterval(h.options.IdleTimeout))
	defer idleCheck.Stop()

	for {
		select {
		case <-done:
			return
		case <-session.Closed():
			return
		case <-heartbeat.C:
			message := HeartbeatPrefix + h.health.Summary()
			h.logger.Debugf("Sending heartbeat to session %s: %s", session.ID(), message)
			if err := session.Send(message); err != nil {
				h.logger.Warnf("Error sending heartbeat, session: %s, error: %v", session.ID(), err)
				session.Close(websocket.CloseInternalServerErr, "heartbeat failed")
				return
			}
		case <-idleCheck.C:
			idle := h.now().Sub(session.LastActivity())
			if idle > h.options.IdleTimeout {
				h.logger.Infof("Closing idle session, session: %s, idle for: %v", session.ID(), idle)
				session.Close(websocket.CloseNormalClosure, "idle timeout")
				return
			}
		}
	}
}

func idleCheckInterval(idleTimeout time.Duration) time.Duration {
	interval := idleTimeout / 5
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	if interval > time.Minute {
		interval = time.Minute
	}
	return interval
}

// CloseAll ends every session, used on shutdown. Later upgrades are refused,
// and it waits for every in-flight handler to finish.
func (h *Handler) CloseAll() {
	h.mutex.Lock()
	h.closing = true
	h.mutex.Unlock()

	for _, s := range h.registry.All() {
		s.Close(websocket.CloseGoingAway, "server shutting down")
	}
	h.wg.Wait()
}

func (h *Handler) Sessions() int {
	return h.registry.Count()
}
