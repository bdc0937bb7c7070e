package types

import (
	"strings"
	"unicode"
)

// Event is an inbound direct-message event, classified by kind. The concrete
// types are StartCommand, StopCommand, AttachmentBatch and PlainText.
type Event interface {
	Source() MessageRef
	isEvent()
}

// StartCommand asks for a new upload session.
type StartCommand struct {
	Message MessageRef
}

// StopCommand asks to finalize the open session. Token is echoed back
// unmodified in front of the result locator.
type StopCommand struct {
	Message MessageRef
	Token   string
}

// AttachmentBatch carries every attachment of one message.
type AttachmentBatch struct {
	Message     MessageRef
	Attachments []Attachment
}

// PlainText is any other direct message; it is ignored.
type PlainText struct {
	Message MessageRef
	Text    string
}

func (e StartCommand) Source() MessageRef    { return e.Message }
func (e StopCommand) Source() MessageRef     { return e.Message }
func (e AttachmentBatch) Source() MessageRef { return e.Message }
func (e PlainText) Source() MessageRef       { return e.Message }

func (StartCommand) isEvent()    {}
func (StopCommand) isEvent()     {}
func (AttachmentBatch) isEvent() {}
func (PlainText) isEvent()       {}

const (
	startKeyword = "start"
	stopKeyword  = "stop"
)

// ParseEvent classifies a direct message. Commands take precedence over
// attachments, matching the order users see in the bot's help text.
func ParseEvent(msg MessageRef, text string, attachments []Attachment) Event {
	body := strings.TrimSpace(text)

	if strings.EqualFold(body, startKeyword) {
		return StartCommand{Message: msg}
	}

	if token, ok := parseStop(body); ok {
		return StopCommand{Message: msg, Token: token}
	}

	if len(attachments) > 0 {
		return AttachmentBatch{Message: msg, Attachments: attachments}
	}

	return PlainText{Message: msg, Text: text}
}

// parseStop matches "stop" or "stop <token>" with a case-insensitive keyword.
// The token keeps its original case and punctuation.
func parseStop(body string) (string, bool) {
	if len(body) < len(stopKeyword) || !strings.EqualFold(body[:len(stopKeyword)], stopKeyword) {
		return "", false
	}
	rest := body[len(stopKeyword):]
	if rest == "" {
		return "", true
	}
	first := []rune(rest)[0]
	if !unicode.IsSpace(first) {
		return "", false
	}
	return strings.TrimSpace(rest), true
}
