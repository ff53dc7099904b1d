package transport

import (
	"context"
	"errors"
)

// ErrRecipientUnavailable marks deliveries that can never succeed for the
// recipient (blocked the bot, deactivated account, unknown chat).
var ErrRecipientUnavailable = errors.New("recipient unavailable")

type ChatTarget struct {
	ChatID   int64
	ThreadID int // forum topic thread id (0 if none)
}

type MessageRef struct {
	ChatID    int64
	MessageID int
}

// Action is a link button rendered under a message.
type Action struct {
	Text string
	URL  string
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
	Actions        []Action
}

type Message struct {
	ID           int
	ChatID       int64
	FromID       int64
	FromUsername string
	FromLanguage string
	Text         string
	IsPrivate    bool
}

type Update struct {
	Message *Message
}

// Sender is the outbound primitive the dispatcher and log alerts depend on.
type Sender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}

type Adapter interface {
	Sender
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error
}
