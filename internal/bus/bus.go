// Package bus carries confirmed messages from the instance that persisted them
// to every gateway that may hold room members.
package bus

import (
	"context"

	"go-chat-core/internal/chat"
)

// Handler receives every published message, in the order the bus delivers them.
type Handler func(ctx context.Context, msg *chat.Message)

type Bus interface {
	chat.Publisher
	// Run delivers messages to h until ctx is done.
	Run(ctx context.Context, h Handler) error
}

// Local is the single-instance bus: a buffered channel.
type Local struct {
	ch chan *chat.Message
}

func NewLocal(buffer int) *Local {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Local{ch: make(chan *chat.Message, buffer)}
}

func (l *Local) Publish(ctx context.Context, msg *chat.Message) error {
	select {
	case l.ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Local) Run(ctx context.Context, h Handler) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-l.ch:
			h(ctx, msg)
		}
	}
}
