package capability

import (
	"context"
	"fmt"
	"sync"

	"github.com/obelisk/plaid/internal/config"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// telegramBots caches one *tgbotapi.BotAPI per bot token so repeated
// cloud.telegram_notify calls against the same connector don't pay the
// getMe handshake on every invocation.
type telegramBots struct {
	mu   sync.Mutex
	bots map[string]*tgbotapi.BotAPI
}

func newTelegramBots() *telegramBots {
	return &telegramBots{bots: make(map[string]*tgbotapi.BotAPI)}
}

func (t *telegramBots) get(token string) (*tgbotapi.BotAPI, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if bot, ok := t.bots[token]; ok {
		return bot, nil
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, err
	}
	t.bots[token] = bot
	return bot, nil
}

// TelegramNotify sends text through the named telegram connector,
// resolving its bot_token secret reference immediately before dialing
// out, after the connector's allowlist and test-mode gate clear.
func (r *Registry) TelegramNotify(ctx context.Context, inv *Invocation, connectorName, text string) error {
	conn, ok := r.telegram[connectorName]
	if !ok {
		return fmt.Errorf("capability: unknown telegram connector %q", connectorName)
	}

	cost := r.costOf("cloud.telegram_notify", 10)
	if err := gate(ctx, inv, "cloud.telegram_notify:"+connectorName, conn.AllowedRules, conn.AvailableInTest, cost); err != nil {
		return err
	}

	if r.telegramBots == nil {
		return fmt.Errorf("capability: telegram connector %q not initialized", connectorName)
	}
	token := config.Interpolate(conn.BotToken, inv.Secrets)
	bot, err := r.telegramBots.get(token)
	if err != nil {
		return fmt.Errorf("capability: telegram bot init for %q: %w", connectorName, err)
	}

	msg := tgbotapi.NewMessage(conn.ChatID, text)
	if _, err := bot.Send(msg); err != nil {
		return fmt.Errorf("capability: telegram send via %q: %w", connectorName, err)
	}
	return nil
}
