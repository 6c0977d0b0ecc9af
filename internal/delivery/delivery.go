// Package delivery hands chat messages to the external agent.
//
// Three transports are available: a pull queue the agent polls over HTTP, a
// process launcher that starts the agent's CLI per message, and a Telegram
// bot that posts each message to a chat and reads threaded replies back.
package delivery

import (
	"errors"
	"fmt"

	"clawbridge/internal/domain"
)

const (
	KindQueue    = "queue"
	KindInvoke   = "invoke"
	KindTelegram = "telegram"
)

// ErrThrottled is returned when a launch is refused by the rate limiter.
var ErrThrottled = errors.New("launch rate limit reached")

// Options selects and configures one delivery variant.
type Options struct {
	Kind     string
	Queue    QueueConfig
	Invoke   InvokeConfig
	Telegram TelegramConfig
}

// New builds the delivery named by opts.Kind.
func New(opts Options) (domain.Delivery, error) {
	switch opts.Kind {
	case KindQueue, "":
		return NewQueue(opts.Queue), nil
	case KindInvoke:
		return NewInvoke(opts.Invoke)
	case KindTelegram:
		return NewTelegram(opts.Telegram)
	default:
		return nil, fmt.Errorf("unknown delivery %q", opts.Kind)
	}
}
