package publisher

import (
	"context"

	"github.com/uhyunpark/matchd/pkg/app/engine"
)

// DurableSink appends to the stream the persistence layer consumes.
type DurableSink interface {
	Append(ctx context.Context, msg engine.DBMessage) error
}

// Broadcaster fans a live message out to topic subscribers.
type Broadcaster interface {
	Broadcast(ctx context.Context, msg engine.StreamMessage) error
}

// ReplySender delivers a reply to one client.
type ReplySender interface {
	Send(ctx context.Context, clientID string, reply engine.Reply) error
}

type named interface {
	Name() string
}

func sinkName(s any) string {
	if n, ok := s.(named); ok {
		return n.Name()
	}
	return "unknown"
}
