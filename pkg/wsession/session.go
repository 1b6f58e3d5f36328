package wsession

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pdm-pw/pdm-sync-server/pkg/metrics"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const writeTimeout = 10 * time.Second

// Session is one websocket connection. Writes are serialized since the
// heartbeat and the reader both send.
type Session struct {
	id     string
	userID string
	conn   *websocket.Conn
	meter  *metrics.Metrics

	writeMutex   sync.Mutex
	lastActivity atomic.Int64

	closeOnce sync.Once
	closed    chan struct{}
}

// newSession wraps conn. An empty userID makes the session anonymous and
// it is keyed by its own id.
func newSession(conn *websocket.Conn, userID string, now time.Time, m *metrics.Metrics) *Session {
	id := uuid.NewString()
	if userID == "" {
		userID = id
	}
	s := &Session{
		id:     id,
		userID: userID,
		conn:   conn,
		meter:  m,
		closed: make(chan struct{}),
	}
	s.Touch(now)
	return s
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) UserID() string {
	return s.userID
}

func (s *Session) Touch(now time.Time) {
	s.lastActivity.Store(now.UnixNano())
}

func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// Send writes a text frame
func (s *Session) Send(text string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()

	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := s.conn.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
		return err
	}
	s.meter.WebsocketSent()
	return nil
}

// Close sends a close frame with code and reason, then drops the connection
func (s *Session) Close(code int, reason string) {
	s.closeOnce.Do(func() {
		s.writeMutex.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason),
			time.Now().Add(time.Second))
		s.writeMutex.Unlock()

		_ = s.conn.Close()
		close(s.closed)
	})
}

// Closed is closed once Close has run
func (s *Session) Closed() <-chan struct{} {
	return s.closed
}
