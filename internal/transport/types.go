// Package transport defines the messaging boundary. The core constructs
// crossing payloads and hands them to an Adapter; rendering details beyond
// minimal HTML and the wire protocol live behind it.
package transport

import "context"

// Message is one incoming chat message (bot command traffic).
type Message struct {
	ID           int
	ChatID       int64
	FromID       int64
	FromUsername string
	Text         string
}

// ChatTarget addresses an outbound message.
type ChatTarget struct {
	ChatID int64
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Adapter is one messaging platform (Telegram today).
type Adapter interface {
	Start(ctx context.Context, out chan<- Message) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) error
}
