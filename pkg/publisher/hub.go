package publisher

import (
	"context"

	"github.com/uhyunpark/matchd/pkg/app/engine"
)

type channelBroadcaster interface {
	BroadcastToChannel(channel string, data interface{})
}

// Hub forwards live topics to WebSocket subscribers of the same channel.
type Hub struct {
	hub channelBroadcaster
}

func NewHub(h channelBroadcaster) *Hub { return &Hub{hub: h} }

func (h *Hub) Name() string { return "ws" }

func (h *Hub) Broadcast(_ context.Context, msg engine.StreamMessage) error {
	h.hub.BroadcastToChannel(msg.Stream, msg)
	return nil
}

var _ Broadcaster = (*Hub)(nil)
