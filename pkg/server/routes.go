package server

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/pdm-pw/pdm-sync-server/pkg/errors"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

const (
	NotificationStreamPath = "/sse-stream/notification"
	SendNotificationPath   = "/sse-stream/send-notification"
	WebsocketPath          = "/ws"
	HealthPath             = "/health"
	MetricsPath            = "/metrics"

	NotificationSentResponse = "Notification sent"

	maxNotificationBody = 64 * 1024
)

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get(NotificationStreamPath, s.handleNotificationStream)
	r.Post(SendNotificationPath, s.handleSendNotification)
	r.Handle(WebsocketPath, s.websockets)
	r.Get(HealthPath, s.handleHealth)
	r.Handle(MetricsPath, s.metrics.Handler())

	return r
}

// requestLogger logs each finished request through the server logger
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debugf("%s %s, status: %d, bytes: %d, duration: %v, request: %s",
			r.Method, r.URL.Path, ww.Status(), ww.BytesWritten(), time.Since(start), middleware.GetReqID(r.Context()))
	})
}

func (s *Server) handleNotificationStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	clientID := uuid.NewString()
	sub := s.notifications.Subscribe(clientID, 0)
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if _, err := io.WriteString(w, s.notifications.ConnectedEvent().Encode()); err != nil {
		s.logger.Warnf("Error sending connected event, client: %s, error: %v", clientID, err)
		return
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.notifications.Done():
			return
		case ev := <-sub.Events():
			if _, err := io.WriteString(w, ev.Encode()); err != nil {
				s.logger.Debugf("Stream client gone, client: %s, error: %v", clientID, err)
				return
			}
			flusher.Flush()
			s.notifications.Touch(clientID)
		}
	}
}

type sendNotificationRequest struct {
	Message string `json:"message"`
}

func (s *Server) handleSendNotification(w http.ResponseWriter, r *http.Request) {
	var request sendNotificationRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxNotificationBody)).Decode(&request); err != nil {
		http.Error(w, "invalid notification body", http.StatusBadRequest)
		return
	}

	if _, err := s.notifications.Send(request.Message); err != nil {
		status := http.StatusInternalServerError
		if errors.IsValidationError(err) {
			status = http.StatusBadRequest
		}
		http.Error(w, err.Error(), status)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, NotificationSentResponse)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.health.Check()); err != nil {
		s.logger.Warnf("Error writing health status, error: %v", err)
	}
}
