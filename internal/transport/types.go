// Package transport holds the chat-platform types shared by the Telegram
// adapter, the command router, ingestion and alerts.
package transport

import (
	"context"
	"time"
)

type UpdateKind string

const UpdateMessage UpdateKind = "message"

// Update is one inbound event from the poller.
type Update struct {
	Kind    UpdateKind
	Message *Message
}

// Message is an inbound chat message: a command, or content to queue.
type Message struct {
	ID       int
	ChatID   int64
	ThreadID int // forum topic, 0 if none

	FromID       int64
	FromUsername string
	IsPrivate    bool
	Date         time.Time

	Text string
	// Photo is set for picture messages; Caption is its text.
	Photo   *Photo
	Caption string
}

// Photo is the largest size of an uploaded picture.
type Photo struct {
	FileID   string
	UniqueID string
	Width    int
	Height   int
}

// ChatTarget addresses a chat, optionally a forum thread in it.
type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

// SendOptions apply to operator replies. ParseMode "" sends plain text.
type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Notification is an owner alert queued with the notifier.
type Notification struct {
	Channel  string // delivery channel, "telegram"
	Priority int    // 0 lowest, 10 highest
	Target   ChatTarget
	Text     string
	Options  *SendOptions
}

// Adapter listens for operator messages and replies in plain text. Channel
// posts go through the publisher, not the adapter.
type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}

// BotCommand is one entry of the client-side command menu.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is implemented by adapters that can publish a menu.
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
