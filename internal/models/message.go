package models

import (
	"fmt"
	"time"
)

type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Message is the display-ready form of one history entry.
type Message struct {
	Role      Role   `json:"role"`
	Timestamp string `json:"timestamp"`
	Content   string `json:"content"`
}

type ErrorKind string

const (
	ErrorModelResolution ErrorKind = "model_resolution"
	ErrorGeneration      ErrorKind = "generation"
	ErrorStorage         ErrorKind = "storage"
)

const SystemErrorPrefix = "[SYSTEM ERROR] "

// ChatEvent is one element of an outbound chat stream. Model events carry the
// accumulated response text in Content and the newly coalesced text in Delta.
type ChatEvent struct {
	Role      Role      `json:"role"`
	Timestamp string    `json:"timestamp"`
	Content   string    `json:"content"`
	Delta     string    `json:"delta,omitempty"`
	Error     ErrorKind `json:"error,omitempty"`
}

// IsError reports whether the event is an in-band error notice.
func (e ChatEvent) IsError() bool {
	return e.Error != ""
}

// SystemErrorEvent builds the error-shaped event a client renders in place of
// a model reply.
func SystemErrorEvent(at time.Time, kind ErrorKind, err error) ChatEvent {
	return ChatEvent{
		Role:      RoleModel,
		Timestamp: FormatTimestamp(at),
		Content:   fmt.Sprintf("%s%v", SystemErrorPrefix, err),
		Error:     kind,
	}
}

// FormatTimestamp renders t the way every Message and ChatEvent carries it.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
