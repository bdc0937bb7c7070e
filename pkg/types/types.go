package types

import (
	"fmt"
	"time"
)

// PartMarker separates the original filename from the chunk index in an
// uploaded chunk's filename, e.g. "report.pdf.part3".
const PartMarker = ".part"

// Reaction symbols used to acknowledge individual attachments.
const (
	ReactionAccepted = "✅"
	ReactionRejected = "❌"
)

// Session is one upload-to-reconstruction lifecycle owned by a single user.
// A session only ever moves from open to complete; rows are never deleted.
type Session struct {
	ID         string    `json:"session_id" db:"session_id"`
	UserID     string    `json:"user_id" db:"user_id"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
	IsComplete bool      `json:"is_complete" db:"is_complete"`
}

// NewSessionID derives a session id from the creation time and the owning
// user. The user id suffix keeps ids distinct across users within one second.
func NewSessionID(userID string, createdAt time.Time) string {
	return fmt.Sprintf("%d_%s", createdAt.Unix(), userID)
}

// Chunk is one numbered part of a split file.
type Chunk struct {
	SessionID string `json:"-" db:"session_id"`
	URL       string `json:"url" db:"url"`
	Index     int    `json:"index" db:"index_num"`
	Filename  string `json:"filename" db:"filename"`
}

// Attachment is a file attached to an inbound direct message. URL is owned
// by the transport's storage.
type Attachment struct {
	Filename string `json:"filename"`
	URL      string `json:"url"`
}

// ChannelKind distinguishes direct-message channels from channels created
// under a parent category.
type ChannelKind string

const (
	ChannelDirect  ChannelKind = "dm"
	ChannelGrouped ChannelKind = "channel"
)

// ChannelRef identifies an outbound destination.
type ChannelRef struct {
	Kind   ChannelKind `json:"kind"`
	Parent string      `json:"parent,omitempty"`
	Name   string      `json:"name"`
}

// DirectChannel returns the DM channel of a user.
func DirectChannel(userID string) ChannelRef {
	return ChannelRef{Kind: ChannelDirect, Name: userID}
}

func (c ChannelRef) String() string {
	if c.Kind == ChannelDirect {
		return "dm:" + c.Name
	}
	return c.Parent + "/" + c.Name
}

// MessageRef identifies an inbound message so reactions can target it.
type MessageRef struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`
}
