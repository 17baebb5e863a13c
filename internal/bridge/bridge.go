// Package bridge abstracts the chat platform the agent lives on. Adapters
// deliver inbound messages on a channel and expose a strict async send
// contract; callers must treat ErrNotConnected as retryable.
package bridge

import (
	"context"
	"errors"
	"time"
)

// ErrNotConnected is returned by Send while the platform link is down.
var ErrNotConnected = errors.New("bridge not connected")

// Message is one inbound or outbound chat message in platform-neutral form.
type Message struct {
	ChatID     string
	SenderID   string
	SenderName string
	Text       string
	IsGroup    bool
	IsAdmin    bool
	ReceivedAt time.Time
}

// Bridge is the adapter contract. Start connects and begins delivering
// inbound messages; Stop disconnects gracefully and closes the channel.
type Bridge interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Connected() bool
	Send(ctx context.Context, chatID, text string) error
	Messages() <-chan *Message
}
