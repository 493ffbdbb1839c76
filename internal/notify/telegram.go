// Package notify delivers operator alerts raised by the replication core.
package notify

import (
	"log"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Telegram pushes alerts to a single chat. Delivery is fire-and-forget so a
// slow Telegram API can never stall order handling.
type Telegram struct {
	bot    *tgbotapi.BotAPI
	chatID int64
}

// NewTelegram authenticates the bot token. Returns an error when the token is
// invalid; the caller falls back to log-only alerting.
func NewTelegram(token string, chatID int64) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, err
	}
	log.Printf("notify: telegram bot authorized as @%s", bot.Self.UserName)
	return &Telegram{bot: bot, chatID: chatID}, nil
}

// Notify sends the message on its own goroutine.
func (t *Telegram) Notify(msg string) {
	go func() {
		if _, err := t.bot.Send(tgbotapi.NewMessage(t.chatID, msg)); err != nil {
			log.Printf("notify: telegram send failed: %v", err)
		}
	}()
}
