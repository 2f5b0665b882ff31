// Package transport defines the chat-platform boundary: inbound updates,
// outbound sends and the optional capabilities an adapter may offer.
package transport

import (
	"context"
	"errors"
	"io"
	"time"
)

// ChatTarget addresses a chat, or a forum topic inside one when ThreadID
// is set.
type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

// Ref points at message id inside t.
func (t ChatTarget) Ref(id int) MessageRef {
	return MessageRef{ChatID: t.ChatID, ThreadID: t.ThreadID, MessageID: id}
}

// MessageRef identifies a message the bot sent or received.
type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

func (r MessageRef) Chat() ChatTarget { return ChatTarget{ChatID: r.ChatID, ThreadID: r.ThreadID} }

type UpdateKind string

const (
	UpdateMessage  UpdateKind = "message"
	UpdateCallback UpdateKind = "callback"
)

// Update is one inbound event; exactly one of Message and Callback is set,
// matching Kind.
type Update struct {
	Kind     UpdateKind
	Message  *Message
	Callback *Callback
}

type Message struct {
	ID           int
	ChatID       int64
	ThreadID     int
	FromID       int64
	FromUsername string
	// Text is the caption when HasMedia is set.
	Text     string
	HasMedia bool
	IsGroup  bool
}

func (m *Message) Chat() ChatTarget { return ChatTarget{ChatID: m.ChatID, ThreadID: m.ThreadID} }

// Callback is an inline button press.
type Callback struct {
	ID        string
	FromID    int64
	ChatID    int64
	ThreadID  int
	MessageID int
	Data      string
}

func (c *Callback) Chat() ChatTarget { return ChatTarget{ChatID: c.ChatID, ThreadID: c.ThreadID} }

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
	// ReplyMarkupAdapter is passed through untouched; the Telegram adapter
	// expects *telebot.ReplyMarkup.
	ReplyMarkupAdapter any
}

type Document struct {
	FileName string
	Caption  string
	Reader   io.Reader
}

// Notification is an outbound message queued through the notifier.
// Priority runs from 0 to 10; 7 and above get a warning prefix.
type Notification struct {
	Channel  string
	Priority int
	Target   ChatTarget
	Text     string
	Options  *SendOptions
}

// Adapter is the minimum a chat platform must provide.
type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	EditText(ctx context.Context, ref MessageRef, text string, opt *SendOptions) error
	AnswerCallback(ctx context.Context, callbackID string, text string) error
}

// Copier re-sends an existing message, media included, without a
// "forwarded from" header.
type Copier interface {
	CopyMessage(ctx context.Context, to ChatTarget, from MessageRef, opt *SendOptions) (MessageRef, error)
}

type DocumentSender interface {
	SendDocument(ctx context.Context, to ChatTarget, doc Document) (MessageRef, error)
}

type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater publishes the command list shown in the client menu.
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}

// RetryAfter reports the delay a platform asked for before the next call,
// if err carries one.
func RetryAfter(err error) (time.Duration, bool) {
	var ra interface{ RetryAfter() time.Duration }
	if !errors.As(err, &ra) {
		return 0, false
	}
	return ra.RetryAfter(), true
}
