package interfaces

import (
	"context"

	"chunkrelay/pkg/types"
)

// Transport is the messaging platform boundary used for outbound actions.
type Transport interface {
	// SendText posts a text message to a channel.
	SendText(ctx context.Context, channel types.ChannelRef, text string) error

	// SendFile uploads a file to a channel and returns its durable download
	// locator.
	SendFile(ctx context.Context, channel types.ChannelRef, filename string, data []byte) (string, error)

	// GetOrCreateChannel resolves the channel called name under parent,
	// creating it when absent. It fails with ErrChannelNotFound when parent
	// does not exist and ErrPermissionDenied when creation is not allowed.
	GetOrCreateChannel(ctx context.Context, parent, name string) (types.ChannelRef, error)

	// AddReaction reacts to an inbound message.
	AddReaction(ctx context.Context, message types.MessageRef, symbol string) error
}

// EventHandler consumes classified inbound events.
type EventHandler interface {
	HandleEvent(ctx context.Context, event types.Event)
}
