package gateway

import "chunkrelay/pkg/types"

// Frame types on the websocket.
const (
	FrameMessage  = "message"
	FrameReaction = "reaction"
	FrameFile     = "file"
	FrameError    = "error"
)

// InboundFrame is what a client sends: a direct message with optional
// attachments. Attachment URLs come from the upload endpoint.
type InboundFrame struct {
	Type        string             `json:"type"`
	ID          string             `json:"id,omitempty"`
	Text        string             `json:"text,omitempty"`
	Attachments []types.Attachment `json:"attachments,omitempty"`
}

// OutboundFrame is pushed to a client. Which fields are set depends on Type.
type OutboundFrame struct {
	Type      string `json:"type"`
	Channel   string `json:"channel,omitempty"`
	Text      string `json:"text,omitempty"`
	MessageID string `json:"message_id,omitempty"`
	Symbol    string `json:"symbol,omitempty"`
	Filename  string `json:"filename,omitempty"`
	URL       string `json:"url,omitempty"`
	Size      int    `json:"size,omitempty"`
}

// UploadResponse is returned by the attachment upload endpoint.
type UploadResponse struct {
	URL      string `json:"url"`
	Filename string `json:"filename"`
	Size     int    `json:"size"`
}
