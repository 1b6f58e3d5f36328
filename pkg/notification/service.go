// Package notification fans server events out to every connected stream client.
package notification

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pdm-pw/pdm-sync-server/pkg/errors"
	"github.com/pdm-pw/pdm-sync-server/pkg/logging"
	"github.com/pdm-pw/pdm-sync-server/pkg/metrics"

	"github.com/kelindar/event"
)

const DefaultSubscriptionBuffer = 64

type Options struct {
	HeartbeatInterval time.Duration
	ClientTimeout     time.Duration
	SweepInterval     time.Duration
}

// Service publishes notification and heartbeat events. Publishing never
// blocks on slow subscribers: their events are dropped instead.
type Service struct {
	options    Options
	dispatcher *event.Dispatcher
	metrics    *metrics.Metrics
	logger     logging.Logger
	now        func() time.Time

	idMutex sync.Mutex
	lastID  int64

	activityMutex sync.Mutex
	lastActivity  map[string]time.Time

	subscribers atomic.Int64

	startOnce sync.Once
	stopOnce  sync.Once
	stopChan  chan struct{}
	wg        sync.WaitGroup
}

func NewService(options Options, m *metrics.Metrics, logger logging.Logger) *Service {
	return &Service{
		options:      options,
		dispatcher:   event.NewDispatcher(),
		metrics:      m,
		logger:       logger,
		now:          time.Now,
		lastActivity: make(map[string]time.Time),
		stopChan:     make(chan struct{}),
	}
}

// Start runs the heartbeat and idle-client sweeper until Stop or ctx is done
func (s *Service) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		s.logger.Infof("Starting notification service, heartbeat interval: %v, client timeout: %v",
			s.options.HeartbeatInterval, s.options.ClientTimeout)

		s.wg.Add(2)
		go s.loop(ctx, s.options.HeartbeatInterval, s.publishHeartbeat)
		go s.loop(ctx, s.options.SweepInterval, s.sweepIdleClients)
	})
}

// Stop ends the background loops and signals every stream to finish
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		s.logger.Infof("Stopping notification service")
		close(s.stopChan)
		s.wg.Wait()
		s.logger.Infof("Notification service stopped")
	})
}

// Done is closed once Stop has been called
func (s *Service) Done() <-chan struct{} {
	return s.stopChan
}

func (s *Service) loop(ctx context.Context, interval time.Duration, tick func()) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			tick()
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Send publishes a notification whose data is {"message": <message>}
func (s *Service) Send(message string) (Event, error) {
	if strings.TrimSpace(message) == "" {
		return Event{}, errors.NewValidationError("notification message cannot be empty", nil)
	}

	data, err := json.Marshal(struct {
		Message string `json:"message"`
	}{Message: message})
	if err != nil {
		return Event{}, errors.NewInternalError("failed to encode notification", err)
	}

	s.logger.Infof("Sending notification: %s", message)
	return s.publish(EventNotification, string(data)), nil
}

// ConnectedEvent is sent first on every new stream and is not broadcast
func (s *Service) ConnectedEvent() Event {
	return Event{ID: s.nextID(), Name: EventConnected}
}

func (s *Service) publishHeartbeat() {
	s.publish(EventHeartbeat, "")
	s.logger.Debugf("Heartbeat sent, subscribers: %d", s.Subscribers())
}

func (s *Service) publish(name EventName, data string) Event {
	ev := Event{ID: s.nextID(), Name: name, Data: data}
	event.Publish(s.dispatcher, ev)
	s.metrics.NotificationPublished(string(name))
	return ev
}

// nextID is the current time in milliseconds, bumped when needed so IDs
// strictly increase
func (s *Service) nextID() string {
	s.idMutex.Lock()
	defer s.idMutex.Unlock()

	id := s.now().UnixMilli()
	if id <= s.lastID {
		id = s.lastID + 1
	}
	s.lastID = id
	return strconv.FormatInt(id, 10)
}

// Subscription delivers published events until closed
type Subscription struct {
	clientID  string
	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
	cancel    func()
	service   *Service
}

// Subscribe registers a stream client. Events beyond buffer are dropped
// while the client is not reading.
func (s *Service) Subscribe(clientID string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultSubscriptionBuffer
	}

	sub := &Subscription{
		clientID: clientID,
		events:   make(chan Event, buffer),
		done:     make(chan struct{}),
		service:  s,
	}
	sub.cancel = event.Subscribe(s.dispatcher, func(ev Event) {
		select {
		case <-sub.done:
		case sub.events <- ev:
		default:
			s.logger.Warnf("Dropping event for slow client, client: %s, event: %s", clientID, ev.Name)
		}
	})

	s.subscribers.Add(1)
	s.metrics.SSESubscribed()
	s.Touch(clientID)
	s.logger.Infof("Client subscribed, client: %s", clientID)
	return sub
}

func (sub *Subscription) Events() <-chan Event {
	return sub.events
}

// Done is closed when the subscription is closed
func (sub *Subscription) Done() <-chan struct{} {
	return sub.done
}

func (sub *Subscription) Close() {
	sub.closeOnce.Do(func() {
		sub.cancel()
		close(sub.done)
		sub.service.subscribers.Add(-1)
		sub.service.metrics.SSEUnsubscribed()
		sub.service.forget(sub.clientID)
		sub.service.logger.Infof("Client unsubscribed, client: %s", sub.clientID)
	})
}

func (s *Service) Subscribers() int {
	return int(s.subscribers.Load())
}

// Touch records activity for a client
func (s *Service) Touch(clientID string) {
	s.activityMutex.Lock()
	defer s.activityMutex.Unlock()
	s.lastActivity[clientID] = s.now()
}

func (s *Service) forget(clientID string) {
	s.activityMutex.Lock()
	defer s.activityMutex.Unlock()
	delete(s.lastActivity, clientID)
}

// ActiveClients counts clients whose activity has not been swept yet
func (s *Service) ActiveClients() int {
	s.activityMutex.Lock()
	defer s.activityMutex.Unlock()
	return len(s.lastActivity)
}

func (s *Service) sweepIdleClients() {
	now := s.now()

	s.activityMutex.Lock()
	defer s.activityMutex.Unlock()

	for clientID, last := range s.lastActivity {
		if now.Sub(last) > s.options.ClientTimeout {
			delete(s.lastActivity, clientID)
			s.logger.Debugf("Removed idle client, client: %s, idle for: %v", clientID, now.Sub(last))
		}
	}
}
