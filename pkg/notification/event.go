package notification

import (
	"fmt"
	"strings"
)

// EventName is the SSE "event:" field
type EventName string

const (
	EventConnected    EventName = "connected"
	EventNotification EventName = "notification"
	EventHeartbeat    EventName = "heartbeat"
)

const typeStreamEvent uint32 = 1

// Event is one server-sent event on the notification stream
type Event struct {
	ID   string
	Name EventName
	Data string
}

// Type identifies Event to the kelindar/event dispatcher
func (Event) Type() uint32 { return typeStreamEvent }

// Encode renders the event in text/event-stream framing. Multi-line data is
// split over several data fields.
func (e Event) Encode() string {
	var b strings.Builder
	if e.ID != "" {
		fmt.Fprintf(&b, "id:%s\n", e.ID)
	}
	if e.Name != "" {
		fmt.Fprintf(&b, "event:%s\n", e.Name)
	}
	for _, line := range strings.Split(e.Data, "\n") {
		fmt.Fprintf(&b, "data:%s\n", line)
	}
	b.WriteString("\n")
	return b.String()
}
