package models

import "time"

// User is a row of the profile store. Fields holds arbitrary profile attributes.
type User struct {
	ID          int64
	Login       string
	Password    string // hashed
	Fields      map[string]any
	LastOnline  time.Time
	LastOffline time.Time
}

// PendingMessage is a message persisted for a recipient that was not mutually
// focused with the sender at send time. Delivered rows are deleted, never flagged.
type PendingMessage struct {
	ID         int64
	Sender     string
	Recipient  string
	Ciphertext string
	CreatedAt  time.Time
	Delivered  bool
}

// Event is anything the relay pushes to a live connection.
type Event interface {
	EventName() string
}

// MessageDelivered is pushed to the recipient of a chat message.
type MessageDelivered struct {
	SenderID string    `json:"senderId"`
	Text     string    `json:"text"`
	SentAt   time.Time `json:"sentAt"`
}

func (MessageDelivered) EventName() string { return "message" }

// PresenceChanged is broadcast when a user goes online or offline.
type PresenceChanged struct {
	UserID string `json:"userId"`
	Online bool   `json:"online"`
}

func (PresenceChanged) EventName() string { return "presence" }

// Shutdown tells a connection the server is going away.
type Shutdown struct {
	Reason string    `json:"reason"`
	Until  time.Time `json:"until,omitempty"`
}

func (Shutdown) EventName() string { return "bye" }
